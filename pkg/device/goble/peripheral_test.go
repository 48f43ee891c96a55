package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/nusport/pkg/device"
	"github.com/stretchr/testify/suite"
)

// fakeClient records GATT traffic instead of talking to a controller.
type fakeClient struct {
	mu           sync.Mutex
	services     []*ble.Service
	discoverErr  error
	writeErr     error
	writes       [][]byte
	noRsp        []bool
	handlers     map[*ble.Characteristic]ble.NotificationHandler
	indicated    map[*ble.Characteristic]bool
	unsubscribed int
	descriptors  int
	rssi         int
	cancelled    int
	disconnected chan struct{}
}

func newFakeClient(services ...*ble.Service) *fakeClient {
	return &fakeClient{
		services:     services,
		handlers:     map[*ble.Characteristic]ble.NotificationHandler{},
		indicated:    map[*ble.Characteristic]bool{},
		rssi:         -61,
		disconnected: make(chan struct{}),
	}
}

func (f *fakeClient) DiscoverServices(_ []ble.UUID) ([]*ble.Service, error) {
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.services, nil
}

func (f *fakeClient) DiscoverCharacteristics(_ []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	return s.Characteristics, nil
}

func (f *fakeClient) DiscoverDescriptors(_ []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descriptors++
	c.CCCD = &ble.Descriptor{UUID: ble.UUID16(0x2902)}
	return []*ble.Descriptor{c.CCCD}, nil
}

func (f *fakeClient) WriteCharacteristic(_ *ble.Characteristic, value []byte, noRsp bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), value...))
	f.noRsp = append(f.noRsp, noRsp)
	return nil
}

func (f *fakeClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[c] = h
	f.indicated[c] = ind
	return nil
}

func (f *fakeClient) Unsubscribe(_ *ble.Characteristic, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed++
	return nil
}

func (f *fakeClient) ReadRSSI() int { return f.rssi }

func (f *fakeClient) CancelConnection() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	return nil
}

func (f *fakeClient) Disconnected() <-chan struct{} { return f.disconnected }

func (f *fakeClient) push(c *ble.Characteristic, data []byte) {
	f.mu.Lock()
	h := f.handlers[c]
	f.mu.Unlock()
	if h != nil {
		h(data)
	}
}

func nusService() (*ble.Service, *ble.Characteristic, *ble.Characteristic) {
	svc := &ble.Service{UUID: ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")}
	rx := &ble.Characteristic{
		UUID:     ble.MustParse("6E400002-B5A3-F393-E0A9-E50E24DCCA9E"),
		Property: ble.CharWrite | ble.CharWriteNR,
	}
	tx := &ble.Characteristic{
		UUID:     ble.MustParse("6E400003-B5A3-F393-E0A9-E50E24DCCA9E"),
		Property: ble.CharNotify,
	}
	svc.Characteristics = []*ble.Characteristic{rx, tx}
	return svc, rx, tx
}

type PeripheralTestSuite struct {
	suite.Suite
	central *Central
	client  *fakeClient
	rx, tx  *ble.Characteristic
	dials   int
}

func (s *PeripheralTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	svc, rx, tx := nusService()
	s.client = newFakeClient(svc)
	s.rx, s.tx = rx, tx
	s.dials = 0

	s.central = NewCentral(logger)
	s.central.scanFn = func(ctx context.Context, handler func(advertisement)) error {
		handler(advertisement{name: "DEV1-sensor", addr: ble.NewAddr("aa:bb:cc:dd:ee:01"), rssi: -40, connectable: true})
		handler(advertisement{name: "", addr: ble.NewAddr("aa:bb:cc:dd:ee:01"), rssi: -42, connectable: true})
		<-ctx.Done()
		return ctx.Err()
	}
	s.central.dialFn = func(_ context.Context, _ ble.Addr) (gattClient, error) {
		s.dials++
		return s.client, nil
	}
}

func (s *PeripheralTestSuite) scanOne() device.Peripheral {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var results []device.ScanResult
	s.Require().NoError(s.central.Scan(ctx, func(r device.ScanResult) {
		results = append(results, r)
	}), "scan ended by context MUST NOT be reported as an error")
	s.Require().Len(results, 2)
	return results[0].Peripheral
}

func (s *PeripheralTestSuite) connect() device.Peripheral {
	p := s.scanOne()
	s.Require().NoError(p.Connect(context.Background()))
	return p
}

func (s *PeripheralTestSuite) TestScanDeduplicatesByAddress() {
	// GOAL: Verify repeated advertisements of one address map to one Peripheral
	//
	// TEST SCENARIO: Two advertisements, second one nameless → same handle → name kept

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var results []device.ScanResult
	s.Require().NoError(s.central.Scan(ctx, func(r device.ScanResult) { results = append(results, r) }))

	s.Require().Len(results, 2)
	s.Assert().Same(results[0].Peripheral, results[1].Peripheral, "same address MUST map to the same peripheral")
	s.Assert().Equal("DEV1-sensor", results[1].Peripheral.Name(), "nameless advertisement MUST NOT erase a known name")
	s.Assert().Equal(-42, results[1].RSSI)
	s.Assert().Len(s.central.Peripherals(), 1)
}

func (s *PeripheralTestSuite) TestConnectLifecycle() {
	// GOAL: Verify connect, double connect and disconnect semantics
	//
	// TEST SCENARIO: Connect → connected; connect again → ErrAlreadyConnected; disconnect → cancelled once

	p := s.connect()
	s.Assert().True(p.IsConnected())

	err := p.Connect(context.Background())
	s.Assert().ErrorIs(err, device.ErrAlreadyConnected, "second connect MUST be rejected")
	s.Assert().Equal(1, s.dials, "second connect MUST NOT dial")

	s.Require().NoError(p.Disconnect())
	s.Assert().False(p.IsConnected())
	s.Assert().Equal(1, s.client.cancelled)

	s.Require().NoError(p.Disconnect(), "disconnect while disconnected MUST be a no-op")
	s.Assert().Equal(1, s.client.cancelled)

	_, err = p.Services(context.Background())
	s.Assert().ErrorIs(err, device.ErrNotConnected)
}

func (s *PeripheralTestSuite) TestConnectFailureIsNormalized() {
	// GOAL: Verify dial errors are mapped into the device error taxonomy
	//
	// TEST SCENARIO: Dial times out → error wraps device.ErrTimeout → peripheral stays disconnected

	s.central.dialFn = func(context.Context, ble.Addr) (gattClient, error) {
		return nil, errors.New("connection timed out")
	}
	p := s.scanOne()

	err := p.Connect(context.Background())
	s.Assert().ErrorIs(err, device.ErrTimeout)
	s.Assert().False(p.IsConnected())
}

func (s *PeripheralTestSuite) TestDisconnectMonitor() {
	// GOAL: Verify a link-layer disconnect marks the peripheral disconnected
	//
	// TEST SCENARIO: Client closes Disconnected channel → IsConnected turns false

	p := s.connect()
	close(s.client.disconnected)

	s.Assert().Eventually(func() bool { return !p.IsConnected() }, time.Second, 5*time.Millisecond,
		"peripheral MUST observe the disconnect")
}

func (s *PeripheralTestSuite) TestDiscoveryAndWrite() {
	// GOAL: Verify service/characteristic discovery and write modes
	//
	// TEST SCENARIO: Discover NUS → properties converted → writes honor the response flag

	p := s.connect()

	services, err := p.Services(context.Background())
	s.Require().NoError(err)
	s.Require().Len(services, 1)
	s.Assert().True(device.EqualUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e", services[0].UUID()))

	chars, err := services[0].Characteristics(context.Background())
	s.Require().NoError(err)
	s.Require().Len(chars, 2)

	rx := chars[0]
	s.Assert().True(rx.Properties().Has(device.PropWriteWithoutResponse))
	s.Assert().True(chars[1].Properties().CanSubscribe())

	s.Require().NoError(rx.Write(context.Background(), []byte("ab"), false))
	s.Require().NoError(rx.Write(context.Background(), []byte("cd"), true))
	s.Assert().Equal([][]byte{[]byte("ab"), []byte("cd")}, s.client.writes)
	s.Assert().Equal([]bool{true, false}, s.client.noRsp, "noRsp MUST be the inverse of withResponse")

	s.client.writeErr = errors.New("device not connected")
	err = rx.Write(context.Background(), []byte("x"), false)
	s.Assert().ErrorIs(err, device.ErrNotConnected)
}

func (s *PeripheralTestSuite) TestNotifyAndUnsubscribe() {
	// GOAL: Verify notifications are delivered until Unsubscribe returns
	//
	// TEST SCENARIO: Subscribe TX → CCCD discovered → payload delivered → unsubscribe → later payloads dropped

	p := s.connect()
	services, err := p.Services(context.Background())
	s.Require().NoError(err)
	chars, err := services[0].Characteristics(context.Background())
	s.Require().NoError(err)

	var got [][]byte
	sub, err := chars[1].Notify(true, func(b []byte) { got = append(got, b) })
	s.Require().NoError(err)
	s.Assert().False(sub.Indicated(), "notify-only characteristic MUST NOT use indications")
	s.Assert().Equal(1, s.client.descriptors, "missing CCCD MUST trigger descriptor discovery")

	s.client.push(s.tx, []byte("hi"))
	s.Require().NoError(sub.Unsubscribe())
	s.client.push(s.tx, []byte("late"))
	s.Require().NoError(sub.Unsubscribe())

	s.Assert().Equal([][]byte{[]byte("hi")}, got, "no delivery MUST happen after Unsubscribe")
	s.Assert().Equal(1, s.client.unsubscribed, "repeated Unsubscribe MUST be a no-op")

	_, err = chars[0].Notify(false, func([]byte) {})
	s.Assert().ErrorIs(err, device.ErrUnsupported, "non-notifying characteristic MUST be rejected")
}

func (s *PeripheralTestSuite) TestIndicationSelection() {
	// GOAL: Verify indication is used when preferred or when it is the only option
	//
	// TEST SCENARIO: notify|indicate with preference → indicate; indicate-only without preference → indicate

	p := s.connect()
	c := &characteristic{peripheral: p.(*Peripheral), char: s.tx}

	s.tx.Property = ble.CharNotify | ble.CharIndicate
	sub, err := c.Notify(true, func([]byte) {})
	s.Require().NoError(err)
	s.Assert().True(sub.Indicated())

	sub, err = c.Notify(false, func([]byte) {})
	s.Require().NoError(err)
	s.Assert().False(sub.Indicated())

	s.tx.Property = ble.CharIndicate
	sub, err = c.Notify(false, func([]byte) {})
	s.Require().NoError(err)
	s.Assert().True(sub.Indicated())
}

func (s *PeripheralTestSuite) TestReadRSSIAndMTU() {
	// GOAL: Verify RSSI passthrough and MTU fallback when no ble.Conn is exposed
	//
	// TEST SCENARIO: Connected fake client → RSSI from client → MTU unknown (0)

	p := s.connect()

	rssi, err := p.ReadRSSI(context.Background())
	s.Require().NoError(err)
	s.Assert().Equal(-61, rssi)
	s.Assert().Equal(0, p.MTU(), "MTU MUST be 0 when the client does not expose a connection")
}

func TestPeripheralTestSuite(t *testing.T) {
	suite.Run(t, new(PeripheralTestSuite))
}

func TestRequestAccess(t *testing.T) {
	orig := DeviceFactory
	t.Cleanup(func() { DeviceFactory = orig })

	cases := []struct {
		err      string
		expected device.AccessState
	}{
		{"bluetooth is turned off", device.AccessDisabled},
		{"hci: operation not permitted", device.AccessDenied},
		{"can't init hci: no such device", device.AccessNotSetup},
	}
	for _, tc := range cases {
		t.Run(tc.err, func(t *testing.T) {
			DeviceFactory = func() (ble.Device, error) { return nil, errors.New(tc.err) }
			state, err := NewCentral(nil).RequestAccess(context.Background())
			if err != nil {
				t.Fatalf("classified failure MUST NOT return an error, got %v", err)
			}
			if state != tc.expected {
				t.Fatalf("expected %s, got %s", tc.expected, state)
			}
		})
	}
}
