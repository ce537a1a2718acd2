// internal/sched/ticker.go
package sched

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Ticker invokes a callback at a fixed cadence until stopped. Each
// invocation runs inside its own recover boundary so a panicking callback
// never kills the loop.
type Ticker struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	logger   *zap.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewTicker creates a ticker that calls fn every interval.
func NewTicker(name string, interval time.Duration, logger *zap.Logger, fn func(ctx context.Context)) *Ticker {
	return &Ticker{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger.Named("ticker").With(zap.String("loop", name)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the tick loop. Subsequent calls are no-ops.
func (t *Ticker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		go t.run(ctx)
	})
}

// Stop terminates the loop and waits for the current invocation to return.
// Safe to call more than once, and safe on a ticker that never started.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	// Claim the start slot: if Start never ran there is no loop to close
	// doneCh, so release the wait ourselves. A later Start is a no-op.
	t.startOnce.Do(func() {
		close(t.doneCh)
	})
	<-t.doneCh
}

// Interval returns the configured cadence.
func (t *Ticker) Interval() time.Duration {
	return t.interval
}

func (t *Ticker) run(ctx context.Context) {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("Tick loop stopped by context")
			return
		case <-t.stopCh:
			t.logger.Debug("Tick loop stopped")
			return
		case <-ticker.C:
			t.invoke(ctx)
		}
	}
}

func (t *Ticker) invoke(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Tick callback panicked",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()

	t.fn(ctx)
}
