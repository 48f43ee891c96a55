package nusport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/nusport/internal/groutine"
	"github.com/srg/nusport/pkg/device"
)

// State is the connection manager state.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// connector owns the peripheral handle: access check, scan, one connect
// attempt. It never reconnects on its own.
type connector struct {
	central device.Central
	logger  *logrus.Logger

	mu         sync.RWMutex
	state      State
	peripheral device.Peripheral
	generation uint64 // bumped on every successful connect
}

func newConnector(central device.Central, logger *logrus.Logger) *connector {
	return &connector{central: central, logger: logger}
}

func (c *connector) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.logger.WithFields(logrus.Fields{
			"from": prev.String(),
			"to":   s.String(),
		}).Debug("Connection state changed")
	}
}

func (c *connector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// current returns the cached peripheral and the generation of its connection.
func (c *connector) current() (device.Peripheral, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peripheral, c.generation
}

// open makes sure a peripheral named like deviceName is cached and connected.
func (c *connector) open(ctx context.Context, deviceName string, opts *Options) (device.Peripheral, uint64, error) {
	state, err := c.central.RequestAccess(ctx)
	if err != nil {
		c.setState(StateFailed)
		return nil, 0, newError(PermissionDenied, err, "access request failed")
	}
	if state != device.AccessAvailable {
		c.setState(StateFailed)
		c.logger.WithField("access_state", state.String()).Error("Bluetooth access not available")
		return nil, 0, newError(PermissionDenied, nil, "bluetooth access is %s", state)
	}

	p, _ := c.current()
	if p == nil {
		c.setState(StateScanning)
		p, err = c.scan(ctx, deviceName, opts.ScanTimeout)
		if err != nil {
			c.setState(StateFailed)
			return nil, 0, err
		}
		c.mu.Lock()
		c.peripheral = p
		c.mu.Unlock()
	}

	if !p.IsConnected() {
		c.setState(StateConnecting)
		if err := c.connect(ctx, p, opts.ConnectTimeout); err != nil {
			c.mu.Lock()
			c.peripheral = nil
			c.state = StateFailed
			c.mu.Unlock()
			return nil, 0, err
		}
		c.mu.Lock()
		c.generation++
		c.mu.Unlock()
	}

	c.setState(StateConnected)
	p, gen := c.current()
	return p, gen, nil
}

// scan returns the first peripheral whose advertised name contains deviceName.
// The scan is stopped on match, on timeout and on ctx cancellation.
func (c *connector) scan(ctx context.Context, deviceName string, timeout time.Duration) (device.Peripheral, error) {
	log := c.logger.WithFields(logrus.Fields{
		"device_name": deviceName,
		"timeout":     timeout,
	})
	log.Info("Scanning for peripheral...")

	scanCtx, stopScan := withTimeout(ctx, timeout)
	defer stopScan()

	found := make(chan device.ScanResult, 1)
	scanDone := make(chan error, 1)

	groutine.Go(scanCtx, "nus-scan", func(gctx context.Context) {
		scanDone <- c.central.Scan(scanCtx, func(r device.ScanResult) {
			if r.Peripheral == nil || !strings.Contains(r.Peripheral.Name(), deviceName) {
				return
			}
			select {
			case found <- r:
				stopScan()
			default:
			}
		})
	})

	var scanErr error
	select {
	case <-scanCtx.Done():
		scanErr = <-scanDone
	case scanErr = <-scanDone:
	}

	select {
	case r := <-found:
		log.WithFields(logrus.Fields{
			"name":    r.Peripheral.Name(),
			"address": r.Peripheral.Address(),
			"rssi":    r.RSSI,
		}).Info("Peripheral found")
		return r.Peripheral, nil
	default:
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if scanErr != nil && !errors.Is(scanErr, context.Canceled) && !errors.Is(scanErr, context.DeadlineExceeded) {
		log.WithField("error", scanErr).Error("Scan failed")
		return nil, &Error{
			Kind: DeviceNotFound,
			Msg:  "scan failed",
			Err:  scanErr,
		}
	}
	log.Warn("No matching peripheral advertised before scan timeout")
	return nil, &Error{
		Kind: DeviceNotFound,
		Msg:  fmt.Sprintf("no advertisement within %v", timeout),
		Err:  &device.NotFoundError{Resource: "peripheral", UUIDs: []string{deviceName}},
	}
}

// connect issues exactly one connection attempt bounded by timeout.
func (c *connector) connect(ctx context.Context, p device.Peripheral, timeout time.Duration) error {
	log := c.logger.WithFields(logrus.Fields{
		"name":    p.Name(),
		"address": p.Address(),
		"timeout": timeout,
	})
	log.Info("Connecting to peripheral...")

	connCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	_, err := callWithContext(connCtx, "nus-connect", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.Connect(ctx)
	})
	if err == nil {
		log.Info("Peripheral connected")
		return nil
	}

	// Abort a connection attempt that may still be pending in the stack.
	if derr := p.Disconnect(); derr != nil {
		log.WithField("error", derr).Debug("Cancel of pending connection failed")
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, device.ErrTimeout) {
		log.Error("Connect timed out")
		return newError(ConnectTimeout, err, "%s not connected within %v", p.Address(), timeout)
	}
	log.WithField("error", err).Error("Connect failed")
	return newError(ConnectFailed, err, "%s", p.Address())
}

// reset disconnects and forgets the cached peripheral.
func (c *connector) reset() error {
	c.mu.Lock()
	p := c.peripheral
	c.peripheral = nil
	c.state = StateIdle
	c.mu.Unlock()

	if p == nil {
		return nil
	}
	if err := p.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s: %w", p.Address(), err)
	}
	return nil
}
