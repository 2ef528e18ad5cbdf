package telemetry

import (
	"context"
	"fmt"
	"time"
)

// runQuery calls fn on its own goroutine under a deadline. A source that
// ignores its context still cannot stall the cycle past the timeout, and a
// panic inside the source becomes an ordinary error.
func runQuery[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("query panicked: %v", r)}
			}
		}()
		value, err := fn(qctx)
		ch <- result{value: value, err: err}
	}()

	select {
	case res := <-ch:
		return res.value, res.err
	case <-qctx.Done():
		var zero T
		return zero, fmt.Errorf("query aborted: %w", qctx.Err())
	}
}
