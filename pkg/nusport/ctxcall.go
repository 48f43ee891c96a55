package nusport

import (
	"context"
	"time"

	"github.com/srg/nusport/internal/groutine"
)

// withTimeout derives a context bounded by timeout; a negative timeout only
// adds cancellation.
func withTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout < 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// callWithContext runs fn on a named goroutine and returns its result, or
// ctx.Err() as soon as ctx is done. Collaborators are expected to honour ctx
// themselves; this bounds the call even when one does not. A call abandoned
// on timeout keeps running until the collaborator returns.
func callWithContext[T any](ctx context.Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	resultCh := make(chan result, 1)

	groutine.Go(ctx, name, func(gctx context.Context) {
		val, err := fn(gctx)
		resultCh <- result{val: val, err: err}
	})

	select {
	case r := <-resultCh:
		return r.val, r.err
	case <-ctx.Done():
		select {
		case r := <-resultCh:
			return r.val, r.err
		default:
		}
		var zero T
		return zero, ctx.Err()
	}
}
