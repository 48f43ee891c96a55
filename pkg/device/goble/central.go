// Package goble implements device.Central on top of github.com/go-ble/ble.
//
// The platform device (CoreBluetooth on macOS, raw HCI on Linux) is created
// lazily through DeviceFactory on the first access request, scan or connect.
package goble

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/nusport/pkg/device"
)

// ----------------------------
// Device Factory
// ----------------------------

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
var DeviceFactory = newPlatformDevice

// advertisement is the subset of ble.Advertisement the central consumes.
type advertisement struct {
	name        string
	addr        ble.Addr
	rssi        int
	connectable bool
}

func fromBLEAdvertisement(a ble.Advertisement) advertisement {
	return advertisement{
		name:        a.LocalName(),
		addr:        a.Addr(),
		rssi:        a.RSSI(),
		connectable: a.Connectable(),
	}
}

// ----------------------------
// Central
// ----------------------------

// Central is a go-ble backed device.Central.
type Central struct {
	logger *logrus.Logger

	mu      sync.Mutex
	dev     ble.Device
	devErr  error
	devInit bool

	// peripherals keeps one handle per address so repeated scans return the
	// same Peripheral.
	peripherals *hashmap.Map[string, *Peripheral]

	// seams over the ble.Device, replaced in tests
	scanFn func(ctx context.Context, handler func(advertisement)) error
	dialFn func(ctx context.Context, addr ble.Addr) (gattClient, error)
}

// NewCentral creates a Central. A nil logger discards output.
func NewCentral(logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	c := &Central{
		logger:      logger,
		peripherals: hashmap.New[string, *Peripheral](),
	}
	c.scanFn = c.scanDevice
	c.dialFn = c.dialDevice
	return c
}

// device lazily creates the platform device. The first result, success or
// failure, is kept.
func (c *Central) device() (ble.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.devInit {
		c.devInit = true
		c.dev, c.devErr = DeviceFactory()
		if c.devErr == nil {
			ble.SetDefaultDevice(c.dev)
			c.logger.Debug("BLE device initialized")
		} else {
			c.logger.WithField("error", c.devErr).Error("Failed to create BLE device")
		}
	}
	return c.dev, c.devErr
}

// RequestAccess initializes the platform device and classifies failures.
func (c *Central) RequestAccess(ctx context.Context) (device.AccessState, error) {
	if err := ctx.Err(); err != nil {
		return device.AccessNotSetup, err
	}
	if _, err := c.device(); err != nil {
		if state, ok := accessStateFor(err); ok {
			return state, nil
		}
		return device.AccessNotSetup, NormalizeError(err)
	}
	return device.AccessAvailable, nil
}

// Scan reports advertisements until ctx is done.
func (c *Central) Scan(ctx context.Context, handler func(device.ScanResult)) error {
	err := c.scanFn(ctx, func(a advertisement) {
		if a.addr == nil {
			return
		}
		handler(device.ScanResult{
			Peripheral:  c.peripheralFor(a),
			RSSI:        a.rssi,
			Connectable: a.connectable,
		})
	})
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return NormalizeError(err)
}

// Peripherals returns every peripheral seen so far.
func (c *Central) Peripherals() []device.Peripheral {
	out := make([]device.Peripheral, 0, c.peripherals.Len())
	c.peripherals.Range(func(_ string, p *Peripheral) bool {
		out = append(out, p)
		return true
	})
	return out
}

func (c *Central) peripheralFor(a advertisement) *Peripheral {
	address := a.addr.String()
	p, ok := c.peripherals.Get(address)
	if !ok {
		p, _ = c.peripherals.GetOrInsert(address, newPeripheral(c, a.addr, c.logger))
	}
	p.observe(a)
	return p
}

func (c *Central) scanDevice(ctx context.Context, handler func(advertisement)) error {
	dev, err := c.device()
	if err != nil {
		return err
	}
	return dev.Scan(ctx, true, func(a ble.Advertisement) {
		handler(fromBLEAdvertisement(a))
	})
}

func (c *Central) dialDevice(ctx context.Context, addr ble.Addr) (gattClient, error) {
	dev, err := c.device()
	if err != nil {
		return nil, err
	}
	client, err := dev.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return client, nil
}
