// Package tinygo implements device.Central on top of tinygo.org/x/bluetooth
// (BlueZ over D-Bus on Linux, CoreBluetooth on macOS, WinRT on Windows).
//
// The tinygo stack hides characteristic properties and the connection RSSI,
// so this backend assumes write, write-without-response and notify for every
// characteristic and reports the last advertised RSSI.
package tinygo

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/nusport/internal/groutine"
	"github.com/srg/nusport/pkg/device"
	"tinygo.org/x/bluetooth"
)

// advertisement is the subset of bluetooth.ScanResult the central consumes.
type advertisement struct {
	key  string
	addr bluetooth.Address
	name string
	rssi int
}

// remote is the part of bluetooth.Device used after connecting.
type remote interface {
	DiscoverServices(uuids []bluetooth.UUID) ([]bluetooth.DeviceService, error)
	Disconnect() error
}

// Central is a tinygo-bluetooth backed device.Central.
type Central struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger

	enableOnce sync.Once
	enableErr  error

	peripherals *hashmap.Map[string, *Peripheral]

	scanFn    func(ctx context.Context, handler func(advertisement)) error
	connectFn func(ctx context.Context, addr bluetooth.Address) (remote, error)
}

// NewCentral creates a Central on bluetooth.DefaultAdapter. A nil logger
// discards output.
func NewCentral(logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	c := &Central{
		adapter:     bluetooth.DefaultAdapter,
		logger:      logger,
		peripherals: hashmap.New[string, *Peripheral](),
	}
	c.scanFn = c.scanAdapter
	c.connectFn = c.connectAdapter
	return c
}

func (c *Central) enable() error {
	c.enableOnce.Do(func() {
		c.enableErr = c.adapter.Enable()
		if c.enableErr != nil {
			c.logger.WithField("error", c.enableErr).Error("Failed to enable bluetooth adapter")
			return
		}
		c.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if connected {
				return
			}
			if p, ok := c.peripherals.Get(d.Address.String()); ok {
				c.logger.WithField("address", p.Address()).Warn("Peripheral reported disconnection")
				p.markDisconnected()
			}
		})
	})
	return c.enableErr
}

// RequestAccess enables the adapter and classifies failures.
func (c *Central) RequestAccess(ctx context.Context) (device.AccessState, error) {
	if err := ctx.Err(); err != nil {
		return device.AccessNotSetup, err
	}
	if err := c.enable(); err != nil {
		if state, ok := accessStateFor(err); ok {
			return state, nil
		}
		return device.AccessNotSetup, err
	}
	return device.AccessAvailable, nil
}

// Scan reports advertisements until ctx is done.
func (c *Central) Scan(ctx context.Context, handler func(device.ScanResult)) error {
	err := c.scanFn(ctx, func(a advertisement) {
		handler(device.ScanResult{
			Peripheral:  c.peripheralFor(a),
			RSSI:        a.rssi,
			Connectable: true,
		})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
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
	p, ok := c.peripherals.Get(a.key)
	if !ok {
		p, _ = c.peripherals.GetOrInsert(a.key, newPeripheral(c, a.key, a.addr, c.logger))
	}
	p.observe(a)
	return p
}

func (c *Central) scanAdapter(ctx context.Context, handler func(advertisement)) error {
	if err := c.enable(); err != nil {
		return err
	}

	done := make(chan struct{})
	groutine.Go(ctx, "tinygo-scan-stopper", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			if err := c.adapter.StopScan(); err != nil {
				c.logger.WithField("error", err).Debug("StopScan failed")
			}
		case <-done:
		}
	})
	defer close(done)

	return c.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		handler(advertisement{
			key:  r.Address.String(),
			addr: r.Address,
			name: r.LocalName(),
			rssi: int(r.RSSI),
		})
	})
}

// connectAdapter bounds the blocking tinygo Connect by ctx. A connection that
// completes after ctx is done is closed right away.
func (c *Central) connectAdapter(ctx context.Context, addr bluetooth.Address) (remote, error) {
	if err := c.enable(); err != nil {
		return nil, err
	}

	type connectResult struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan connectResult, 1)
	groutine.Go(context.Background(), "tinygo-connect", func(context.Context) {
		d, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{d, err}
	})

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.dev, nil
	case <-ctx.Done():
		groutine.Go(context.Background(), "tinygo-connect-reaper", func(context.Context) {
			if r := <-ch; r.err == nil {
				_ = r.dev.Disconnect()
			}
		})
		return nil, ctx.Err()
	}
}

// accessStateFor classifies an adapter enable failure.
func accessStateFor(err error) (device.AccessState, bool) {
	msg := err.Error()
	switch {
	case device.ContainsIgnoreCase(msg, "powered off"),
		device.ContainsIgnoreCase(msg, "turned off"),
		device.ContainsIgnoreCase(msg, "not powered"):
		return device.AccessDisabled, true
	case device.ContainsIgnoreCase(msg, "unauthorized"),
		device.ContainsIgnoreCase(msg, "not authorized"),
		device.ContainsIgnoreCase(msg, "access denied"),
		device.ContainsIgnoreCase(msg, "permission denied"):
		return device.AccessDenied, true
	case device.ContainsIgnoreCase(msg, "restricted"):
		return device.AccessRestricted, true
	case device.ContainsIgnoreCase(msg, "no bluetooth adapter"),
		device.ContainsIgnoreCase(msg, "org.bluez"),
		device.ContainsIgnoreCase(msg, "unsupported"):
		return device.AccessNotSetup, true
	default:
		return device.AccessNotSetup, false
	}
}
