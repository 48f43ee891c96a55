package tinygo

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/nusport/pkg/device"
	"tinygo.org/x/bluetooth"
)

const (
	attHeaderSize = 3

	assumedProperties = device.PropWrite | device.PropWriteWithoutResponse | device.PropNotify
)

// Peripheral is a remote device discovered by Central.Scan.
type Peripheral struct {
	central *Central
	key     string
	addr    bluetooth.Address
	logger  *logrus.Logger

	mu        sync.RWMutex
	name      string
	rssi      int
	remote    remote
	connected bool
	mtu       int
}

func newPeripheral(c *Central, key string, addr bluetooth.Address, logger *logrus.Logger) *Peripheral {
	return &Peripheral{central: c, key: key, addr: addr, logger: logger}
}

func (p *Peripheral) observe(a advertisement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a.name != "" {
		p.name = a.name
	}
	p.rssi = a.rssi
}

func (p *Peripheral) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

func (p *Peripheral) Address() string { return p.key }

func (p *Peripheral) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remote != nil && p.connected
}

func (p *Peripheral) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remote != nil && p.connected {
		return device.ErrAlreadyConnected
	}
	p.logger.WithField("address", p.key).Debug("Connecting to BLE device...")

	r, err := p.central.connectFn(ctx, p.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to device with address %q: %w", p.key, err)
	}
	p.remote = r
	p.connected = true
	p.mtu = 0
	return nil
}

func (p *Peripheral) markDisconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
}

func (p *Peripheral) Disconnect() error {
	p.mu.Lock()
	r := p.remote
	p.remote = nil
	p.connected = false
	p.mu.Unlock()

	if r == nil {
		return nil
	}
	return r.Disconnect()
}

func (p *Peripheral) activeRemote() (remote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.remote == nil || !p.connected {
		return nil, device.ErrNotConnected
	}
	return p.remote, nil
}

func (p *Peripheral) Services(ctx context.Context) ([]device.Service, error) {
	r, err := p.activeRemote()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	svcs, err := r.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}
	out := make([]device.Service, 0, len(svcs))
	for i := range svcs {
		out = append(out, &service{peripheral: p, svc: svcs[i]})
	}
	return out, nil
}

// ReadRSSI returns the RSSI of the most recent advertisement.
func (p *Peripheral) ReadRSSI(ctx context.Context) (int, error) {
	if _, err := p.activeRemote(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rssi, nil
}

// MTU is learned from the first characteristic discovered on this connection.
func (p *Peripheral) MTU() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mtu
}

func (p *Peripheral) learnMTU(mtu uint16) {
	if int(mtu) <= attHeaderSize {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mtu == 0 {
		p.mtu = int(mtu) - attHeaderSize
	}
}

// ----------------------------
// GATT
// ----------------------------

type service struct {
	peripheral *Peripheral
	svc        bluetooth.DeviceService
}

func (s *service) UUID() string { return s.svc.UUID().String() }

func (s *service) Characteristics(ctx context.Context) ([]device.Characteristic, error) {
	if _, err := s.peripheral.activeRemote(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover characteristics of service %s: %w", s.UUID(), err)
	}
	out := make([]device.Characteristic, 0, len(chars))
	for i := range chars {
		if mtu, err := chars[i].GetMTU(); err == nil {
			s.peripheral.learnMTU(mtu)
		}
		out = append(out, &characteristic{peripheral: s.peripheral, char: chars[i]})
	}
	return out, nil
}

type characteristic struct {
	peripheral *Peripheral
	char       bluetooth.DeviceCharacteristic
}

func (c *characteristic) UUID() string { return c.char.UUID().String() }

func (c *characteristic) Properties() device.Property { return assumedProperties }

func (c *characteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	if _, err := c.peripheral.activeRemote(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	if withResponse {
		_, err = c.char.Write(data)
	} else {
		_, err = c.char.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", c.UUID(), err)
	}
	return nil
}

// Notify enables notifications. The stack picks notify or indicate on its
// own, so the preference is ignored.
func (c *characteristic) Notify(_ bool, handler func([]byte)) (device.Subscription, error) {
	if _, err := c.peripheral.activeRemote(); err != nil {
		return nil, err
	}

	sub := &subscription{char: c.char, handler: handler, active: true}
	if err := c.char.EnableNotifications(sub.deliver); err != nil {
		return nil, fmt.Errorf("failed to subscribe to characteristic %s: %w", c.UUID(), err)
	}
	return sub, nil
}

type subscription struct {
	char bluetooth.DeviceCharacteristic

	mu      sync.Mutex
	active  bool
	handler func([]byte)
}

func (s *subscription) deliver(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.handler(buf)
	}
}

func (s *subscription) Indicated() bool { return false }

func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	s.mu.Unlock()

	if !wasActive {
		return nil
	}
	return s.char.EnableNotifications(nil)
}
