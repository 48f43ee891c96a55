package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/nusport/internal/groutine"
	"github.com/srg/nusport/pkg/device"
)

// attHeaderSize is the ATT opcode + handle overhead of a write.
const attHeaderSize = 3

// gattClient is the part of ble.Client used by this backend.
type gattClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ReadRSSI() int
	CancelConnection() error
}

// ----------------------------
// Peripheral
// ----------------------------

// Peripheral is a remote device discovered by Central.Scan.
type Peripheral struct {
	central *Central
	addr    ble.Addr
	logger  *logrus.Logger

	connMutex sync.RWMutex
	name      string
	rssi      int
	client    gattClient
	connected bool
	cancel    context.CancelFunc // stops the disconnect monitor
}

func newPeripheral(c *Central, addr ble.Addr, logger *logrus.Logger) *Peripheral {
	return &Peripheral{central: c, addr: addr, logger: logger}
}

// observe refreshes the advertised name and RSSI. An empty name never
// replaces a known one.
func (p *Peripheral) observe(a advertisement) {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()
	if a.name != "" {
		p.name = a.name
	}
	p.rssi = a.rssi
}

func (p *Peripheral) Name() string {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	return p.name
}

func (p *Peripheral) Address() string {
	return p.addr.String()
}

func (p *Peripheral) IsConnected() bool {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	return p.client != nil && p.connected
}

// Connect dials the peripheral once.
func (p *Peripheral) Connect(ctx context.Context) error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.client != nil && p.connected {
		return device.ErrAlreadyConnected
	}

	p.logger.WithField("address", p.addr.String()).Debug("Dialing BLE device...")
	client, err := p.central.dialFn(ctx, p.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to device with address %q: %w", p.addr.String(), NormalizeError(err))
	}

	p.client = client
	p.connected = true

	monitorCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(monitorCtx, "goble-disconnect-monitor", func(ctx context.Context) {
			select {
			case <-dc.Disconnected():
				p.logger.WithField("address", p.addr.String()).Warn("Peripheral reported disconnection")
				p.markDisconnected(client)
			case <-ctx.Done():
			}
		})
	} else {
		p.logger.Debug("Client does not support Disconnected() channel")
	}
	return nil
}

func (p *Peripheral) markDisconnected(client gattClient) {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()
	if p.client == client {
		p.connected = false
	}
}

// Disconnect cancels the connection. Calling it while disconnected is a no-op.
func (p *Peripheral) Disconnect() error {
	p.connMutex.Lock()
	client := p.client
	cancel := p.cancel
	p.client = nil
	p.cancel = nil
	p.connected = false
	p.connMutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if client == nil {
		return nil
	}
	return NormalizeError(client.CancelConnection())
}

func (p *Peripheral) activeClient() (gattClient, error) {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	if p.client == nil || !p.connected {
		return nil, device.ErrNotConnected
	}
	return p.client, nil
}

// Services discovers the primary services.
func (p *Peripheral) Services(ctx context.Context) ([]device.Service, error) {
	client, err := p.activeClient()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	svcs, err := client.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", NormalizeError(err))
	}
	out := make([]device.Service, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, &service{peripheral: p, svc: s})
	}
	return out, nil
}

// ReadRSSI returns the connection RSSI reported by the controller.
func (p *Peripheral) ReadRSSI(ctx context.Context) (int, error) {
	client, err := p.activeClient()
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return client.ReadRSSI(), nil
}

// MTU returns the negotiated ATT MTU minus the write header, or 0 if the
// platform does not expose it.
func (p *Peripheral) MTU() int {
	client, err := p.activeClient()
	if err != nil {
		return 0
	}
	cc, ok := client.(interface{ Conn() ble.Conn })
	if !ok || cc.Conn() == nil {
		return 0
	}
	if mtu := cc.Conn().TxMTU(); mtu > attHeaderSize {
		return mtu - attHeaderSize
	}
	return 0
}

// ----------------------------
// GATT
// ----------------------------

type service struct {
	peripheral *Peripheral
	svc        *ble.Service
}

func (s *service) UUID() string { return s.svc.UUID.String() }

func (s *service) Characteristics(ctx context.Context) ([]device.Characteristic, error) {
	client, err := s.peripheral.activeClient()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chars, err := client.DiscoverCharacteristics(nil, s.svc)
	if err != nil {
		return nil, fmt.Errorf("failed to discover characteristics of service %s: %w", s.UUID(), NormalizeError(err))
	}
	out := make([]device.Characteristic, 0, len(chars))
	for _, c := range chars {
		out = append(out, &characteristic{peripheral: s.peripheral, char: c})
	}
	return out, nil
}

type characteristic struct {
	peripheral *Peripheral
	char       *ble.Characteristic
}

func (c *characteristic) UUID() string { return c.char.UUID.String() }

func (c *characteristic) Properties() device.Property { return toProperties(c.char.Property) }

func (c *characteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	client, err := c.peripheral.activeClient()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := client.WriteCharacteristic(c.char, data, !withResponse); err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", c.UUID(), NormalizeError(err))
	}
	return nil
}

// Notify subscribes with indications when preferred and supported, or when
// indications are the only option.
func (c *characteristic) Notify(preferIndication bool, handler func([]byte)) (device.Subscription, error) {
	client, err := c.peripheral.activeClient()
	if err != nil {
		return nil, err
	}

	props := c.char.Property
	if props&(ble.CharNotify|ble.CharIndicate) == 0 {
		return nil, fmt.Errorf("characteristic %s: %w", c.UUID(), device.ErrUnsupported)
	}
	ind := props&ble.CharIndicate != 0 && (preferIndication || props&ble.CharNotify == 0)

	// The Linux stack needs the CCCD handle before subscribing.
	if c.char.CCCD == nil {
		if _, derr := client.DiscoverDescriptors(nil, c.char); derr != nil {
			c.peripheral.logger.WithFields(logrus.Fields{
				"char_uuid": c.UUID(),
				"error":     derr,
			}).Debug("Descriptor discovery failed")
		}
	}

	sub := &subscription{client: client, char: c.char, indicated: ind, handler: handler, active: true}
	if err := client.Subscribe(c.char, ind, sub.deliver); err != nil {
		return nil, fmt.Errorf("failed to subscribe to characteristic %s: %w", c.UUID(), NormalizeError(err))
	}

	c.peripheral.logger.WithFields(logrus.Fields{
		"char_uuid": c.UUID(),
		"indicate":  ind,
	}).Debug("Subscribed to characteristic")
	return sub, nil
}

// subscription guards the handler so that no delivery starts after
// Unsubscribe returns.
type subscription struct {
	client    gattClient
	char      *ble.Characteristic
	indicated bool

	mu      sync.Mutex
	active  bool
	handler func([]byte)
}

func (s *subscription) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.handler(data)
	}
}

func (s *subscription) Indicated() bool { return s.indicated }

func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	s.mu.Unlock()

	if !wasActive {
		return nil
	}
	return NormalizeError(s.client.Unsubscribe(s.char, s.indicated))
}
