// internal/sched/call.go
package sched

import (
	"context"
	"time"
)

// Call runs op under a hard deadline. If the deadline (or the parent
// context) expires before op settles, Call returns the context error and
// the operation's eventual result is discarded. op keeps the derived
// context and is expected to wind down on its own.
func Call[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}

	resultCh := make(chan outcome, 1)
	go func() {
		value, err := op(callCtx)
		resultCh <- outcome{value: value, err: err}
	}()

	select {
	case out := <-resultCh:
		return out.value, out.err
	case <-callCtx.Done():
		var zero T
		return zero, callCtx.Err()
	}
}
