// internal/app/shutdown.go
package app

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Closer is one component the runner winds down on exit.
type Closer interface {
	Close() error
}

// CloseFunc adapts a bare function to Closer.
type CloseFunc func() error

func (f CloseFunc) Close() error { return f() }

type namedCloser struct {
	name   string
	closer Closer
}

// ShutdownHandler closes registered components in reverse registration
// order, so dependents go down before the things they depend on. The whole
// pass runs under one timeout; a hung closer fails the shutdown instead of
// wedging the process.
type ShutdownHandler struct {
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	closers []namedCloser
}

func NewShutdownHandler(logger *zap.Logger, timeout time.Duration) *ShutdownHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownHandler{
		logger:  logger.Named("shutdown"),
		timeout: timeout,
	}
}

// Add registers a component. Registration order is dependency order: the
// store first, the outermost consumers last.
func (h *ShutdownHandler) Add(name string, closer Closer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closers = append(h.closers, namedCloser{name: name, closer: closer})
}

// AddFunc registers a plain function.
func (h *ShutdownHandler) AddFunc(name string, fn func() error) {
	h.Add(name, CloseFunc(fn))
}

// Shutdown runs every registered closer LIFO and reports the first error.
// Every closer runs even when an earlier one fails. A second call finds
// nothing left to close.
func (h *ShutdownHandler) Shutdown() error {
	h.mu.Lock()
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()

	if len(closers) == 0 {
		return nil
	}
	h.logger.Info("🛑 Shutting down", zap.Int("components", len(closers)))
	started := time.Now()

	done := make(chan error, 1)
	go func() {
		var first error
		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			h.logger.Debug("Closing component", zap.String("component", c.name))
			if err := c.closer.Close(); err != nil {
				h.logger.Error("Component close failed",
					zap.String("component", c.name),
					zap.Error(err))
				if first == nil {
					first = fmt.Errorf("close %s: %w", c.name, err)
				}
			}
		}
		done <- first
	}()

	select {
	case err := <-done:
		if err == nil {
			h.logger.Info("✅ Shutdown complete", zap.Duration("took", time.Since(started)))
		}
		return err
	case <-time.After(h.timeout):
		return fmt.Errorf("shutdown timed out after %s", h.timeout)
	}
}
