package nusport

import (
	"context"
	"testing"
	"time"

	"github.com/srg/nusport/internal/groutine"
	"github.com/srg/nusport/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, capacity int) *rxQueue {
	return newRxQueue(capacity, testutils.NewTestHelper(t).Logger)
}

func TestRxQueue_FIFO(t *testing.T) {
	q := newTestQueue(t, 64)

	q.enqueue([]byte("ab"))
	q.enqueue([]byte("cd"))

	buf := make([]byte, 3)
	require.NoError(t, q.dequeue(buf, 10*time.Millisecond))
	assert.Equal(t, "abc", string(buf))

	rest := make([]byte, 8)
	n, err := q.readAvailable(rest, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "d", string(rest[:n]), "each byte MUST be delivered exactly once")
	assert.Equal(t, 0, q.length())
}

func TestRxQueue_TimeoutLeavesQueueUntouched(t *testing.T) {
	q := newTestQueue(t, 64)
	q.enqueue([]byte("xyz"))

	buf := make([]byte, 5)
	start := time.Now()
	err := q.dequeue(buf, 30*time.Millisecond)

	assert.ErrorIs(t, err, errQueueTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.Equal(t, 3, q.length(), "timed out dequeue MUST NOT consume bytes")

	q.enqueue([]byte("12"))
	require.NoError(t, q.dequeue(buf, 10*time.Millisecond))
	assert.Equal(t, "xyz12", string(buf))
}

func TestRxQueue_WaitsForLateData(t *testing.T) {
	q := newTestQueue(t, 64)

	groutine.Go(context.Background(), "late-producer", func(context.Context) {
		time.Sleep(20 * time.Millisecond)
		q.enqueue([]byte("he"))
		time.Sleep(10 * time.Millisecond)
		q.enqueue([]byte("llo"))
	})

	buf := make([]byte, 5)
	require.NoError(t, q.dequeue(buf, -1), "negative timeout MUST wait for data")
	assert.Equal(t, "hello", string(buf))
}

func TestRxQueue_CloseUnblocksWaiters(t *testing.T) {
	q := newTestQueue(t, 64)

	errCh := make(chan error, 1)
	groutine.Go(context.Background(), "blocked-reader", func(context.Context) {
		errCh <- q.dequeue(make([]byte, 4), -1)
	})

	time.Sleep(20 * time.Millisecond)
	q.close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPortClosed)
	case <-time.After(time.Second):
		t.Fatal("close MUST wake a blocked dequeue")
	}

	assert.Equal(t, 0, q.enqueue([]byte("late")), "enqueue after close MUST store nothing")
	assert.Equal(t, 0, q.length())
	_, err := q.readAvailable(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrPortClosed)
}

func TestRxQueue_OverflowDropsAndCounts(t *testing.T) {
	q := newTestQueue(t, 4)

	assert.Equal(t, 4, q.enqueue([]byte("abcdef")))
	assert.Equal(t, 0, q.enqueue([]byte("g")))

	s := q.stats()
	assert.Equal(t, 4, s.Queued)
	assert.Equal(t, uint64(4), s.Enqueued)
	assert.Equal(t, uint64(3), s.Dropped)

	err := q.dequeue(make([]byte, 5), 0)
	assert.ErrorIs(t, err, ErrInvalidArgument, "request larger than capacity MUST be rejected")
}

func TestRxQueue_Discard(t *testing.T) {
	q := newTestQueue(t, 16)
	q.enqueue([]byte("stale"))

	assert.Equal(t, 5, q.discard())
	assert.Equal(t, 0, q.discard())
	assert.Equal(t, uint64(5), q.stats().Discarded)

	q.enqueue([]byte("ok"))
	buf := make([]byte, 2)
	require.NoError(t, q.dequeue(buf, 10*time.Millisecond))
	assert.Equal(t, "ok", string(buf))
}

func TestRxQueue_ConcurrentProducerKeepsOrder(t *testing.T) {
	const total = 2000
	q := newTestQueue(t, 256)

	groutine.Go(context.Background(), "producer", func(context.Context) {
		for i := 0; i < total; i++ {
			for q.enqueue([]byte{byte(i)}) == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	})

	got := make([]byte, 0, total)
	buf := make([]byte, 10)
	for len(got) < total {
		require.NoError(t, q.dequeue(buf, time.Second))
		got = append(got, buf...)
	}
	for i, b := range got {
		require.Equal(t, byte(i), b, "byte %d out of order", i)
	}
}
