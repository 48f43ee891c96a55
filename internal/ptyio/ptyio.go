// Package ptyio exposes a pseudo-terminal whose master side is pumped by
// background goroutines through ring buffers. Programs open the slave path
// (e.g. /dev/pts/5) as if it were a serial device; bytes they write arrive
// at the OnData callback and bytes passed to Write are delivered to them.
//
//	term, err := ptyio.Open(&ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer term.Close()
//	term.OnData(func(b []byte) { forward(b) })
//	fmt.Println(term.Path())
//
// Write never blocks: when the outbound ring is full the excess is dropped
// and counted in Stats.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/nusport/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Options configures Open. Zero fields take their default tag.
type Options struct {
	InboundCap  int           `default:"4096"` // bytes from the slave waiting for OnData
	OutboundCap int           `default:"4096"` // bytes queued by Write for the slave
	PollTimeout time.Duration `default:"50ms"` // upper bound on shutdown latency

	Logger *logrus.Logger
	// OnError is called at most once per loop when the loop exits on an
	// unexpected error. The PTY should be closed afterwards.
	OnError func(err error)
}

// Stats is a snapshot of the PTY counters.
type Stats struct {
	InboundQueued   int
	OutboundQueued  int
	InboundBytes    uint64 // read from the slave
	OutboundBytes   uint64 // delivered to the slave
	InboundDropped  uint64
	OutboundDropped uint64
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// PTY is a master/slave pair with asynchronous I/O on the master.
type PTY struct {
	logger  *logrus.Logger
	master  *os.File
	slave   *os.File
	fd      int32 // master descriptor, captured once
	path    string
	poll    time.Duration
	onError func(error)

	inbound  *ringbuffer.RingBuffer
	outbound *ringbuffer.RingBuffer
	ready    chan struct{} // inbound has data

	handler atomic.Pointer[func([]byte)]

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	errOnce sync.Once

	inBytes, outBytes     atomic.Uint64
	inDropped, outDropped atomic.Uint64
}

// Open creates a raw-mode PTY pair and starts its I/O loops. opts may be nil.
func Open(opts *Options) (*PTY, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)
	if o.Logger == nil {
		o.Logger = noopLogger
	}

	master, slave, fd, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		logger:   o.Logger,
		master:   master,
		fd:       int32(fd),
		slave:    slave,
		path:     slave.Name(),
		poll:     o.PollTimeout,
		onError:  o.OnError,
		inbound:  ringbuffer.New(o.InboundCap),
		outbound: ringbuffer.New(o.OutboundCap),
		ready:    make(chan struct{}, 1),
		cancel:   cancel,
	}

	groutine.GoTracked(ctx, &p.wg, "pty-read-loop", p.readLoop)
	groutine.GoTracked(ctx, &p.wg, "pty-write-loop", p.writeLoop)
	groutine.GoTracked(ctx, &p.wg, "pty-dispatch-loop", p.dispatchLoop)

	p.logger.WithField("tty", p.path).Debug("PTY opened")
	return p, nil
}

// Path returns the slave device path.
func (p *PTY) Path() string {
	return p.path
}

// OnData registers the callback that receives bytes written to the slave.
// It runs on a single background goroutine and must not retain the slice.
// nil unregisters; bytes arriving meanwhile stay queued.
func (p *PTY) OnData(cb func([]byte)) {
	if cb == nil {
		p.handler.Store(nil)
		return
	}
	p.handler.Store(&cb)
	p.signal()
}

// Write queues data for the slave and returns how many bytes were queued.
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.outbound.Write(data)
	if err != nil && !overflow(err) {
		return n, err
	}
	if n < len(data) {
		p.outDropped.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{
			"queued":  n,
			"dropped": len(data) - n,
		}).Warn("PTY outbound buffer full")
	}
	return n, nil
}

// Stats returns the current counters.
func (p *PTY) Stats() Stats {
	return Stats{
		InboundQueued:   p.inbound.Length(),
		OutboundQueued:  p.outbound.Length(),
		InboundBytes:    p.inBytes.Load(),
		OutboundBytes:   p.outBytes.Load(),
		InboundDropped:  p.inDropped.Load(),
		OutboundDropped: p.outDropped.Load(),
	}
}

// Close stops the loops and closes both ends. It is safe to call twice.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close slave %s: %w", p.path, err))
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-close-wait", func(context.Context) {
		p.wg.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(3*p.poll + time.Second):
		p.logger.WithField("tty", p.path).Warn("PTY loops still running after close")
	}

	p.logger.WithField("tty", p.path).Debug("PTY closed")
	return errors.Join(errs...)
}

// ----------------------------
// Loops
// ----------------------------

func (p *PTY) pollMillis() int {
	return int(p.poll / time.Millisecond)
}

func (p *PTY) fail(loop string, err error) {
	p.logger.WithError(err).WithField("loop", loop).Warn("PTY loop stopped")
	if p.onError != nil {
		p.errOnce.Do(func() { p.onError(fmt.Errorf("%s: %w", loop, err)) })
	}
}

func (p *PTY) signal() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// exitable reports whether err means the master was closed underneath us.
func exitable(err error) bool {
	return errors.Is(err, syscall.EBADF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF)
}

// overflow reports a ring write that stored fewer bytes than offered.
func overflow(err error) bool {
	return errors.Is(err, ringbuffer.ErrIsFull) || errors.Is(err, ringbuffer.ErrTooMuchDataToWrite)
}

func retryable(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

func (p *PTY) readLoop(ctx context.Context) {
	fds := []unix.PollFd{{Fd: p.fd, Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		n, err := unix.Poll(fds, p.pollMillis())
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Debug("PTY read poll failed")
		}
		if n <= 0 {
			continue
		}

		n, err = p.master.Read(buf)
		if n > 0 {
			queued, werr := p.inbound.Write(buf[:n])
			if werr != nil && !overflow(werr) {
				p.logger.WithError(werr).Warn("PTY inbound buffer write failed")
			}
			if queued < n {
				p.inDropped.Add(uint64(n - queued))
				p.logger.WithField("dropped", n-queued).Warn("PTY inbound buffer full")
			}
			p.inBytes.Add(uint64(queued))
			if queued > 0 {
				p.signal()
			}
		}

		switch {
		case err == nil, retryable(err):
		case exitable(err):
			return
		default:
			p.fail("read", err)
			return
		}
	}
}

func (p *PTY) writeLoop(ctx context.Context) {
	fds := []unix.PollFd{{Fd: p.fd, Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		n, err := p.outbound.TryRead(buf)
		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			// Nothing queued: sleep for a poll period without spinning.
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.poll / 5):
			}
			continue
		}

		for off := 0; off < n; {
			w, err := p.master.Write(buf[off:n])
			if w > 0 {
				off += w
				p.outBytes.Add(uint64(w))
			}
			switch {
			case err == nil:
			case retryable(err):
				if _, perr := unix.Poll(fds, p.pollMillis()); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Debug("PTY write poll failed")
				}
				if ctx.Err() != nil {
					return
				}
			case exitable(err):
				return
			default:
				p.fail("write", err)
				return
			}
		}
	}
}

func (p *PTY) dispatchLoop(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ready:
		}

		for ctx.Err() == nil {
			cb := p.handler.Load()
			if cb == nil {
				break
			}
			n, _ := p.inbound.TryRead(buf)
			if n == 0 {
				break
			}
			p.deliver(*cb, buf[:n])
		}
	}
}

// deliver invokes cb and unregisters it if it panics.
func (p *PTY) deliver(cb func([]byte), data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.handler.Store(nil)
			p.fail("dispatch", fmt.Errorf("data callback panicked: %v", r))
		}
	}()
	cb(data)
}

// ----------------------------
// Setup
// ----------------------------

// openRaw opens a PTY pair, puts the slave in raw mode and the master in
// non-blocking mode. os.File.Fd resets a descriptor to blocking, so the
// master descriptor is read once here and must not be fetched again.
func openRaw() (master, slave *os.File, fd int, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("open PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(cause error) error {
		return errors.Join(cause, master.Close(), slave.Close())
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, 0, cleanup(fmt.Errorf("set %s to raw mode: %w", slave.Name(), err))
	}
	fd = int(master.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, nil, 0, cleanup(fmt.Errorf("set PTY master of %s non-blocking: %w", slave.Name(), err))
	}
	return master, slave, fd, nil
}
