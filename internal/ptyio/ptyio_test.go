package ptyio

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/srg/nusport/internal/groutine"
	"github.com/srg/nusport/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestPTY opens a PTY or skips when the host has none (containers
// without /dev/ptmx).
func openTestPTY(t *testing.T, opts *Options) *PTY {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	opts.Logger = testutils.NewTestHelper(t).Logger
	opts.PollTimeout = 10 * time.Millisecond

	p, err := Open(opts)
	if err != nil {
		t.Skipf("PTY not available: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

type collector struct {
	mu   sync.Mutex
	data []byte
}

func (c *collector) add(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, b...)
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.data)
}

func TestPTY_SlaveToCallback(t *testing.T) {
	// GOAL: Verify bytes written by a program on the slave reach OnData
	//
	// TEST SCENARIO: open slave path → write "ping" → callback collects "ping" → stats count it

	p := openTestPTY(t, nil)
	require.NotEmpty(t, p.Path())

	got := &collector{}
	p.OnData(got.add)

	slave, err := os.OpenFile(p.Path(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer slave.Close()

	_, err = slave.Write([]byte("ping"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return got.String() == "ping" }, 2*time.Second, 5*time.Millisecond,
		"slave bytes MUST be delivered to the callback")
	assert.Equal(t, uint64(4), p.Stats().InboundBytes)
}

func TestPTY_WriteToSlave(t *testing.T) {
	p := openTestPTY(t, nil)

	slave, err := os.OpenFile(p.Path(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer slave.Close()

	n, err := p.Write([]byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got := make(chan string, 1)
	groutine.Go(context.Background(), "slave-reader", func(context.Context) {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(slave, buf); err == nil {
			got <- string(buf)
		}
	})

	select {
	case s := <-got:
		assert.Equal(t, "pong", s)
	case <-time.After(2 * time.Second):
		t.Fatal("queued bytes MUST reach the slave")
	}
	assert.Eventually(t, func() bool { return p.Stats().OutboundBytes == 4 }, time.Second, 5*time.Millisecond)
}

func TestPTY_OutboundOverflow(t *testing.T) {
	p := openTestPTY(t, &Options{OutboundCap: 8})
	p.OnData(nil)

	// Nobody opened the slave; the master may still accept a few bytes, so
	// only the ring's own accounting is checked.
	n, err := p.Write(make([]byte, 20))
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 8)
	assert.Equal(t, uint64(20-n), p.Stats().OutboundDropped, "bytes that do not fit MUST be counted as dropped")
}

func TestPTY_Close(t *testing.T) {
	p := openTestPTY(t, nil)

	require.NoError(t, p.Close())
	assert.NoError(t, p.Close(), "second close MUST be a no-op")

	_, err := p.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
}
