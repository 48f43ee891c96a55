package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/srg/nusport/pkg/device"
)

// Nordic UART UUIDs, duplicated here so testutils stays importable from the
// nusport package's own tests.
const (
	NUSService = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	NUSRX      = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	NUSTX      = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

// ----------------------------
// SimPeripheral
// ----------------------------

// SimPeripheral is an in-memory device.Peripheral.
type SimPeripheral struct {
	name    string
	address string

	mu           sync.Mutex
	rssi         int
	mtu          int
	connected    bool
	connectErr   error
	connectHang  bool
	discoverErr  error
	discoverHang bool
	services     []*SimService
	connects     int
	disconnects  int
	discoveries  int
}

func NewSimPeripheral(name, address string) *SimPeripheral {
	return &SimPeripheral{name: name, address: address, rssi: -50}
}

// NewNUSPeripheral builds a Nordic UART peripheral whose RX echoes into TX.
func NewNUSPeripheral(name, address string) (*SimPeripheral, *SimCharacteristic, *SimCharacteristic) {
	tx := NewSimCharacteristic(NUSTX, device.PropNotify)
	rx := NewSimCharacteristic(NUSRX, device.PropWrite|device.PropWriteWithoutResponse).EchoTo(tx)
	p := NewSimPeripheral(name, address).AddService(NewSimService(NUSService, rx, tx))
	return p, rx, tx
}

func (p *SimPeripheral) WithRSSI(rssi int) *SimPeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rssi = rssi
	return p
}

// WithMTU sets the payload size reported once connected.
func (p *SimPeripheral) WithMTU(mtu int) *SimPeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mtu = mtu
	return p
}

func (p *SimPeripheral) WithConnectError(err error) *SimPeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
	return p
}

// WithConnectHang makes Connect block until its context ends.
func (p *SimPeripheral) WithConnectHang(hang bool) *SimPeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectHang = hang
	return p
}

func (p *SimPeripheral) WithDiscoveryError(err error) *SimPeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverErr = err
	return p
}

// WithDiscoveryHang makes Services block until its context ends.
func (p *SimPeripheral) WithDiscoveryHang(hang bool) *SimPeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverHang = hang
	return p
}

func (p *SimPeripheral) AddService(svcs ...*SimService) *SimPeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services = append(p.services, svcs...)
	return p
}

// SimulateDisconnect drops the link as if the peripheral went away.
func (p *SimPeripheral) SimulateDisconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
}

func (p *SimPeripheral) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

func (p *SimPeripheral) DisconnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

func (p *SimPeripheral) DiscoveryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoveries
}

func (p *SimPeripheral) Name() string { return p.name }
func (p *SimPeripheral) Address() string { return p.address }

func (p *SimPeripheral) RSSI() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rssi
}

func (p *SimPeripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *SimPeripheral) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.connects++
	hang, connErr := p.connectHang, p.connectErr
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if connErr != nil {
		return connErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return device.ErrAlreadyConnected
	}
	p.connected = true
	return nil
}

func (p *SimPeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	p.connected = false
	return nil
}

func (p *SimPeripheral) Services(ctx context.Context) ([]device.Service, error) {
	p.mu.Lock()
	p.discoveries++
	connected, hang, discErr := p.connected, p.discoverHang, p.discoverErr
	svcs := append([]*SimService(nil), p.services...)
	p.mu.Unlock()

	if !connected {
		return nil, device.ErrNotConnected
	}
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if discErr != nil {
		return nil, discErr
	}

	out := make([]device.Service, len(svcs))
	for i, s := range svcs {
		out[i] = s
	}
	return out, nil
}

func (p *SimPeripheral) ReadRSSI(ctx context.Context) (int, error) {
	if !p.IsConnected() {
		return 0, device.ErrNotConnected
	}
	return p.RSSI(), ctx.Err()
}

func (p *SimPeripheral) MTU() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return 0
	}
	return p.mtu
}

// ----------------------------
// SimService
// ----------------------------

type SimService struct {
	uuid  string
	chars []*SimCharacteristic
	err   error
}

func NewSimService(uuid string, chars ...*SimCharacteristic) *SimService {
	return &SimService{uuid: uuid, chars: chars}
}

// WithDiscoveryError makes Characteristics fail.
func (s *SimService) WithDiscoveryError(err error) *SimService {
	s.err = err
	return s
}

func (s *SimService) UUID() string { return s.uuid }

func (s *SimService) Characteristics(ctx context.Context) ([]device.Characteristic, error) {
	if s.err != nil {
		return nil, s.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]device.Characteristic, len(s.chars))
	for i, c := range s.chars {
		out[i] = c
	}
	return out, nil
}

// ----------------------------
// SimCharacteristic
// ----------------------------

// WriteRecord is one write observed by a SimCharacteristic.
type WriteRecord struct {
	Data         []byte
	WithResponse bool
	At           time.Time
}

// SimCharacteristic records writes and fans pushed values out to its
// subscribers synchronously, in push order.
type SimCharacteristic struct {
	uuid  string
	props device.Property

	mu        sync.Mutex
	writes    []WriteRecord
	failAt    int
	failErr   error
	hangAt    int
	echo      *SimCharacteristic
	notifyErr error

	subs      map[*simSubscription]struct{}
	maxActive int
	total     int
}

func NewSimCharacteristic(uuid string, props device.Property) *SimCharacteristic {
	return &SimCharacteristic{
		uuid:   uuid,
		props:  props,
		failAt: -1,
		hangAt: -1,
		subs:   map[*simSubscription]struct{}{},
	}
}

// WithWriteError fails the index-th write (0-based) with err.
func (c *SimCharacteristic) WithWriteError(index int, err error) *SimCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAt, c.failErr = index, err
	return c
}

// WithWriteHang blocks the index-th write until its context ends.
func (c *SimCharacteristic) WithWriteHang(index int) *SimCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangAt = index
	return c
}

// WithNotifyError makes Notify fail.
func (c *SimCharacteristic) WithNotifyError(err error) *SimCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyErr = err
	return c
}

// EchoTo pushes every successful write to target as one notification.
func (c *SimCharacteristic) EchoTo(target *SimCharacteristic) *SimCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.echo = target
	return c
}

func (c *SimCharacteristic) UUID() string { return c.uuid }
func (c *SimCharacteristic) Properties() device.Property { return c.props }

func (c *SimCharacteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	c.mu.Lock()
	idx := len(c.writes)
	hang := idx == c.hangAt
	var failErr error
	if idx == c.failAt {
		failErr = c.failErr
	}
	c.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if failErr != nil {
		return failErr
	}

	rec := WriteRecord{Data: append([]byte(nil), data...), WithResponse: withResponse, At: time.Now()}
	c.mu.Lock()
	c.writes = append(c.writes, rec)
	echo := c.echo
	c.mu.Unlock()

	if echo != nil {
		echo.Push(rec.Data)
	}
	return nil
}

func (c *SimCharacteristic) Notify(preferIndication bool, handler func([]byte)) (device.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.notifyErr != nil {
		return nil, c.notifyErr
	}
	if !c.props.CanSubscribe() {
		return nil, device.ErrUnsupported
	}
	indicated := c.props.Has(device.PropIndicate) && (preferIndication || !c.props.Has(device.PropNotify))

	sub := &simSubscription{owner: c, handler: handler, indicated: indicated, active: true}
	c.subs[sub] = struct{}{}
	c.total++
	c.maxActive = max(c.maxActive, len(c.subs))
	return sub, nil
}

// Push delivers data to every active subscriber.
func (c *SimCharacteristic) Push(data []byte) {
	c.mu.Lock()
	subs := make([]*simSubscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.deliver(append([]byte(nil), data...))
	}
}

func (c *SimCharacteristic) Writes() []WriteRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WriteRecord(nil), c.writes...)
}

// WrittenChunks returns the payload of every recorded write.
func (c *SimCharacteristic) WrittenChunks() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	for i, w := range c.writes {
		out[i] = w.Data
	}
	return out
}

func (c *SimCharacteristic) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *SimCharacteristic) MaxActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxActive
}

func (c *SimCharacteristic) TotalSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

type simSubscription struct {
	owner     *SimCharacteristic
	indicated bool

	mu      sync.Mutex
	active  bool
	handler func([]byte)
}

func (s *simSubscription) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.handler(data)
	}
}

func (s *simSubscription) Indicated() bool { return s.indicated }

func (s *simSubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	return nil
}
