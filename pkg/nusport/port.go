package nusport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/nusport/pkg/device"
)

// noopLogger discards everything; used when NewPort gets a nil logger.
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Port is a blocking serial stream over a BLE UART-style GATT service.
//
// Open connects and subscribes. Read blocks until exactly count bytes have
// been received or ReadTimeout expires. Write splits data into MTU-sized
// chunks. Read and Write may run concurrently; concurrent Writes must be
// serialized by the caller. Any error means the link is no longer trusted:
// call Dispose and Open again.
type Port struct {
	opts   Options
	logger *logrus.Logger

	conn   *connector
	writer *chunkWriter

	readTimeout  atomic.Int64 // ms, InfiniteTimeout for none
	writeTimeout atomic.Int64

	lifecycle sync.Mutex // serializes Open and Dispose

	mu      sync.RWMutex
	session *session
	queue   *rxQueue
}

// Stats is a snapshot of the port's counters.
type Stats struct {
	State          State
	Queued         int
	QueueCapacity  int
	BytesReceived  uint64
	BytesRead      uint64
	BytesDropped   uint64
	BytesDiscarded uint64
	BytesWritten   uint64
	ChunksWritten  uint64
}

// NewPort creates a Port that talks through central. opts may be nil; zero
// fields are defaulted.
func NewPort(central device.Central, opts *Options, logger *logrus.Logger) *Port {
	if logger == nil {
		logger = noopLogger
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.applyDefaults()

	p := &Port{
		opts:   o,
		logger: logger,
		conn:   newConnector(central, logger),
		writer: newChunkWriter(o.ChunkDelay, logger),
	}
	p.readTimeout.Store(int64(durationToMs(o.ReadTimeout)))
	p.writeTimeout.Store(int64(durationToMs(o.WriteTimeout)))
	return p
}

// ----------------------------
// Timeouts
// ----------------------------

// ReadTimeout returns the read timeout in milliseconds.
func (p *Port) ReadTimeout() int { return int(p.readTimeout.Load()) }

// SetReadTimeout sets the read timeout in milliseconds. InfiniteTimeout or a
// negative value disables the deadline.
func (p *Port) SetReadTimeout(ms int) { p.readTimeout.Store(int64(ms)) }

// WriteTimeout returns the per-chunk write timeout in milliseconds.
func (p *Port) WriteTimeout() int { return int(p.writeTimeout.Load()) }

// SetWriteTimeout sets the per-chunk write timeout in milliseconds.
func (p *Port) SetWriteTimeout(ms int) { p.writeTimeout.Store(int64(ms)) }

// InfiniteTimeout returns the "no deadline" sentinel accepted by the setters.
func (p *Port) InfiniteTimeout() int { return InfiniteTimeout }

// Options returns a copy of the effective options.
func (p *Port) Options() Options { return p.opts }

// ----------------------------
// Lifecycle
// ----------------------------

// Open connects to the first peripheral whose advertised name contains
// deviceName, resolves the profile endpoints and subscribes to TX. Calling
// Open on an open port re-subscribes; the connection and resolved endpoints
// are kept while the peripheral stays connected.
func (p *Port) Open(ctx context.Context, deviceName string) error {
	if strings.TrimSpace(deviceName) == "" {
		return fmt.Errorf("%w: device name is empty", ErrInvalidArgument)
	}
	if err := p.opts.Profile.Validate(); err != nil {
		return err
	}

	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	log := p.logger.WithFields(logrus.Fields{
		"device_name": deviceName,
		"profile":     p.opts.Profile.Name,
	})
	log.Info("Opening BLE serial port...")

	peripheral, generation, err := p.conn.open(ctx, deviceName, &p.opts)
	if err != nil {
		p.fail("open failed")
		return err
	}

	p.mu.RLock()
	sess := p.session
	q := p.queue
	p.mu.RUnlock()

	if sess == nil || sess.peripheral != peripheral || sess.generation != generation {
		if sess != nil {
			if uerr := sess.unsubscribe(); uerr != nil {
				log.WithField("error", uerr).Warn("Failed to release stale subscription")
			}
		}
		sess, err = resolveSession(ctx, peripheral, generation, p.opts.Profile, p.opts.DiscoveryTimeout, p.logger)
		if err != nil {
			p.fail("endpoint resolution failed")
			return err
		}
	}

	if q == nil || q.isClosed() {
		q = newRxQueue(p.opts.QueueCapacity, p.logger)
	} else if n := q.discard(); n > 0 {
		log.WithField("bytes", n).Debug("Discarded bytes left from previous subscription")
	}

	if err := sess.subscribe(!p.opts.NotificationsOnly, q.receiveHandler(), p.logger); err != nil {
		p.fail("subscribe failed")
		return err
	}

	p.mu.Lock()
	p.session = sess
	p.queue = q
	p.mu.Unlock()

	log.WithFields(logrus.Fields{
		"address": peripheral.Address(),
		"mtu":     p.mtu(sess),
	}).Info("BLE serial port open")
	return nil
}

// Dispose unsubscribes, disconnects and forgets the peripheral and endpoints.
// A Read blocked at that moment returns ErrPortClosed. No received data is
// queued after Dispose returns. Teardown errors are logged, not returned.
func (p *Port) Dispose() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.teardown("dispose")
	p.logger.Info("BLE serial port disposed")
}

// Close implements io.Closer on top of Dispose.
func (p *Port) Close() error {
	p.Dispose()
	return nil
}

// fail tears down after an Open error and leaves the state at StateFailed.
func (p *Port) fail(reason string) {
	p.teardown(reason)
	p.conn.setState(StateFailed)
}

// teardown must be called with lifecycle held.
func (p *Port) teardown(reason string) {
	log := p.logger.WithField("reason", reason)

	p.mu.Lock()
	sess := p.session
	q := p.queue
	p.session = nil
	p.mu.Unlock()

	if sess != nil {
		if err := sess.unsubscribe(); err != nil {
			log.WithField("error", err).Warn("Failed to unsubscribe during teardown")
		}
	}
	if q != nil {
		q.close()
	}
	if err := p.conn.reset(); err != nil {
		log.WithField("error", err).Warn("Failed to disconnect during teardown")
	}
}

// ----------------------------
// Stream
// ----------------------------

// Read blocks until count bytes are available, then copies them into
// buffer[offset:]. When fewer bytes arrive within ReadTimeout it fails with
// ReadTimeout and leaves the received bytes queued.
func (p *Port) Read(buffer []byte, offset, count int) (int, error) {
	if err := checkRange(buffer, offset, count); err != nil {
		return 0, err
	}
	q := p.rxQueue()
	if q == nil {
		return 0, ErrNotOpen
	}
	if count == 0 {
		return 0, nil
	}

	timeout := msToDuration(p.ReadTimeout())
	if err := q.dequeue(buffer[offset:offset+count], timeout); err != nil {
		if errors.Is(err, errQueueTimeout) {
			return 0, newError(ReadTimeout, nil, "%d of %d bytes received within %v", q.length(), count, timeout)
		}
		return 0, err
	}
	return count, nil
}

// ReadAvailable waits up to ReadTimeout for at least one byte and copies as
// many queued bytes as fit in buf.
func (p *Port) ReadAvailable(buf []byte) (int, error) {
	q := p.rxQueue()
	if q == nil {
		return 0, ErrNotOpen
	}
	timeout := msToDuration(p.ReadTimeout())
	n, err := q.readAvailable(buf, timeout)
	if errors.Is(err, errQueueTimeout) {
		return 0, newError(ReadTimeout, nil, "no data within %v", timeout)
	}
	return n, err
}

// Write sends buffer[offset:offset+count] to RX in chunks of at most the
// negotiated payload size. Each chunk is bounded by WriteTimeout and the first
// failing chunk aborts the rest.
func (p *Port) Write(buffer []byte, offset, count int) error {
	if err := checkRange(buffer, offset, count); err != nil {
		return err
	}
	sess := p.currentSession()
	if sess == nil {
		if q := p.rxQueue(); q != nil && q.isClosed() {
			return ErrPortClosed
		}
		return ErrNotOpen
	}
	if count == 0 {
		return nil
	}

	timeout := msToDuration(p.WriteTimeout())
	return p.writer.write(sess.rx, buffer[offset:offset+count], p.mtu(sess), sess.writeWithResponse(p.opts.WriteWithResponse), timeout)
}

// DiscardInBuffer drops all received bytes not yet read.
func (p *Port) DiscardInBuffer() {
	q := p.rxQueue()
	if q == nil {
		return
	}
	if n := q.discard(); n > 0 {
		p.logger.WithField("bytes", n).Debug("Discarded receive buffer")
	}
}

// BytesToRead returns the number of received bytes waiting to be read.
func (p *Port) BytesToRead() int {
	q := p.rxQueue()
	if q == nil {
		return 0
	}
	return q.length()
}

// ----------------------------
// Diagnostics
// ----------------------------

// ReadRSSI returns the signal strength of the connected peripheral.
func (p *Port) ReadRSSI(ctx context.Context) (int, error) {
	sess := p.currentSession()
	if sess == nil {
		return 0, ErrNotOpen
	}
	return sess.peripheral.ReadRSSI(ctx)
}

// State returns the connection manager state.
func (p *Port) State() State {
	return p.conn.State()
}

// Stats returns counters for the current receive queue and the writer.
func (p *Port) Stats() Stats {
	s := Stats{
		State:         p.State(),
		BytesWritten:  p.writer.bytesWritten.Load(),
		ChunksWritten: p.writer.chunksWritten.Load(),
	}
	if q := p.rxQueue(); q != nil {
		qs := q.stats()
		s.Queued = qs.Queued
		s.QueueCapacity = qs.Capacity
		s.BytesReceived = qs.Enqueued
		s.BytesRead = qs.Dequeued
		s.BytesDropped = qs.Dropped
		s.BytesDiscarded = qs.Discarded
	}
	return s
}

// ----------------------------
// Helpers
// ----------------------------

func (p *Port) rxQueue() *rxQueue {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.queue
}

func (p *Port) currentSession() *session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

func (p *Port) mtu(sess *session) int {
	if m := sess.peripheral.MTU(); m > 0 {
		return m
	}
	return p.opts.DefaultMTU
}

func (q *rxQueue) receiveHandler() func([]byte) {
	return func(data []byte) {
		q.enqueue(data)
	}
}

func checkRange(buffer []byte, offset, count int) error {
	if offset < 0 || count < 0 || offset > len(buffer) || count > len(buffer)-offset {
		return fmt.Errorf("%w: offset %d and count %d out of range for buffer of %d bytes", ErrInvalidArgument, offset, count, len(buffer))
	}
	return nil
}
