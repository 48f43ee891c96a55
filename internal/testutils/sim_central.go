package testutils

import (
	"context"
	"sync"

	"github.com/srg/nusport/pkg/device"
	"github.com/stretchr/testify/mock"
)

// SimCentral is an in-memory device.Central. Every Scan advertises each
// registered peripheral once and then waits for the context to end.
type SimCentral struct {
	mu          sync.Mutex
	access      device.AccessState
	accessErr   error
	scanErr     error
	peripherals []*SimPeripheral
	scans       int
	accesses    int
}

// NewSimCentral creates a central with Bluetooth access available.
func NewSimCentral() *SimCentral {
	return &SimCentral{access: device.AccessAvailable}
}

func (c *SimCentral) WithAccess(state device.AccessState, err error) *SimCentral {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.access, c.accessErr = state, err
	return c
}

func (c *SimCentral) WithScanError(err error) *SimCentral {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanErr = err
	return c
}

// AddPeripheral registers peripherals in advertising order.
func (c *SimCentral) AddPeripheral(ps ...*SimPeripheral) *SimCentral {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peripherals = append(c.peripherals, ps...)
	return c
}

func (c *SimCentral) ScanCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scans
}

func (c *SimCentral) AccessCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accesses
}

func (c *SimCentral) RequestAccess(ctx context.Context) (device.AccessState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accesses++
	return c.access, c.accessErr
}

func (c *SimCentral) Scan(ctx context.Context, handler func(device.ScanResult)) error {
	c.mu.Lock()
	c.scans++
	scanErr := c.scanErr
	ps := append([]*SimPeripheral(nil), c.peripherals...)
	c.mu.Unlock()

	if scanErr != nil {
		return scanErr
	}
	for _, p := range ps {
		if ctx.Err() != nil {
			return nil
		}
		handler(device.ScanResult{Peripheral: p, RSSI: p.RSSI(), Connectable: true})
	}
	<-ctx.Done()
	return nil
}

// ----------------------------
// Mock Central
// ----------------------------

// MockCentral is a testify mock of device.Central for asserting call
// sequences.
type MockCentral struct {
	mock.Mock
}

func (m *MockCentral) RequestAccess(ctx context.Context) (device.AccessState, error) {
	args := m.Called(ctx)
	return args.Get(0).(device.AccessState), args.Error(1)
}

func (m *MockCentral) Scan(ctx context.Context, handler func(device.ScanResult)) error {
	args := m.Called(ctx, handler)
	return args.Error(0)
}
