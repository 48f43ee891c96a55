package nusport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

// errQueueTimeout is translated into a ReadTimeout *Error by the Port.
var errQueueTimeout = errors.New("rx queue: wait timed out")

// rxQueue is the receive FIFO between the notification handler (producer)
// and Read (consumer).
//
// All ring buffer access happens under mu. Waiters sleep on signal, a channel
// that is closed and replaced on every enqueue, discard and close, which turns
// a plain mutex into a broadcast with a select-able timeout.
type rxQueue struct {
	mu     sync.Mutex
	buf    *ringbuffer.RingBuffer
	signal chan struct{}
	closed bool

	enqueued  uint64
	dequeued  uint64
	dropped   uint64
	discarded uint64

	logger *logrus.Logger
}

func newRxQueue(capacity int, logger *logrus.Logger) *rxQueue {
	return &rxQueue{
		buf:    ringbuffer.New(capacity),
		signal: make(chan struct{}),
		logger: logger,
	}
}

func (q *rxQueue) wakeLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// enqueue appends data in order and returns how many bytes were stored.
// Bytes that do not fit are dropped and counted. After close it stores nothing.
func (q *rxQueue) enqueue(data []byte) int {
	if len(data) == 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}

	n, err := q.buf.Write(data)
	if n < len(data) {
		lost := len(data) - n
		q.dropped += uint64(lost)
		q.logger.WithFields(logrus.Fields{
			"bytes":    len(data),
			"dropped":  lost,
			"capacity": q.buf.Capacity(),
			"error":    err,
		}).Warn("Receive queue full, dropping bytes")
	}
	q.enqueued += uint64(n)
	if n > 0 {
		q.wakeLocked()
	}
	return n
}

// dequeue waits until len(p) bytes are queued and then removes exactly that
// many. On timeout the queue is left untouched. A negative timeout waits
// until data arrives or the queue is closed.
func (q *rxQueue) dequeue(p []byte, timeout time.Duration) error {
	if len(p) > q.buf.Capacity() {
		return fmt.Errorf("%w: read of %d bytes exceeds receive queue capacity %d", ErrInvalidArgument, len(p), q.buf.Capacity())
	}

	expired := deadline(timeout)
	defer expired.stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrPortClosed
		}
		if q.buf.Length() >= len(p) {
			n, err := q.buf.Read(p)
			q.dequeued += uint64(n)
			q.mu.Unlock()
			if n != len(p) {
				return fmt.Errorf("rx queue: short dequeue %d/%d: %v", n, len(p), err)
			}
			return nil
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-wait:
		case <-expired.C:
			return errQueueTimeout
		}
	}
}

// readAvailable waits until at least one byte is queued and removes up to
// len(p) bytes.
func (q *rxQueue) readAvailable(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	expired := deadline(timeout)
	defer expired.stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return 0, ErrPortClosed
		}
		if !q.buf.IsEmpty() {
			n, err := q.buf.Read(p)
			q.dequeued += uint64(n)
			q.mu.Unlock()
			if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
				return n, fmt.Errorf("rx queue: %w", err)
			}
			return n, nil
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-wait:
		case <-expired.C:
			return 0, errQueueTimeout
		}
	}
}

// discard drops every queued byte and returns how many were dropped.
func (q *rxQueue) discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.buf.Length()
	q.buf.Reset()
	q.discarded += uint64(n)
	return n
}

// close wakes all waiters. No enqueue takes effect once close has returned.
func (q *rxQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.wakeLocked()
}

func (q *rxQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *rxQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Length()
}

type queueStats struct {
	Queued    int
	Capacity  int
	Enqueued  uint64
	Dequeued  uint64
	Dropped   uint64
	Discarded uint64
}

func (q *rxQueue) stats() queueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queueStats{
		Queued:    q.buf.Length(),
		Capacity:  q.buf.Capacity(),
		Enqueued:  q.enqueued,
		Dequeued:  q.dequeued,
		Dropped:   q.dropped,
		Discarded: q.discarded,
	}
}

// ----------------------------
// Timers
// ----------------------------

// expiry is a stoppable timeout channel; C is nil (never fires) for a
// negative timeout.
type expiry struct {
	C     <-chan time.Time
	timer *time.Timer
}

func deadline(timeout time.Duration) expiry {
	if timeout < 0 {
		return expiry{}
	}
	t := time.NewTimer(timeout)
	return expiry{C: t.C, timer: t}
}

func (e expiry) stop() {
	if e.timer != nil {
		e.timer.Stop()
	}
}
