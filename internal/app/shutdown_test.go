// internal/app/shutdown_test.go
package app

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type closeRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *closeRecorder) add(name string) func() error {
	return func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.order = append(r.order, name)
		return nil
	}
}

func (r *closeRecorder) closed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestShutdownClosesInReverseOrder(t *testing.T) {
	h := NewShutdownHandler(zaptest.NewLogger(t), time.Second)
	rec := &closeRecorder{}

	h.AddFunc("storage", rec.add("storage"))
	h.AddFunc("bus", rec.add("bus"))
	h.AddFunc("dashboard", rec.add("dashboard"))

	require.NoError(t, h.Shutdown())
	assert.Equal(t, []string{"dashboard", "bus", "storage"}, rec.closed())
}

func TestShutdownKeepsGoingPastFailures(t *testing.T) {
	h := NewShutdownHandler(zaptest.NewLogger(t), time.Second)
	rec := &closeRecorder{}
	errBus := errors.New("bus jammed")

	h.AddFunc("storage", rec.add("storage"))
	h.AddFunc("bus", func() error { return errBus })
	h.AddFunc("dashboard", rec.add("dashboard"))

	err := h.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, errBus)
	assert.Contains(t, err.Error(), "bus")
	// Everything around the failure still closed.
	assert.Equal(t, []string{"dashboard", "storage"}, rec.closed())
}

func TestShutdownReportsFirstFailure(t *testing.T) {
	h := NewShutdownHandler(zaptest.NewLogger(t), time.Second)
	errEarly := errors.New("early")
	errLate := errors.New("late")

	// LIFO: the later registration closes first, so its error wins.
	h.AddFunc("early", func() error { return errEarly })
	h.AddFunc("late", func() error { return errLate })

	err := h.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, errLate)
	assert.NotErrorIs(t, err, errEarly)
}

func TestShutdownTimesOutOnHungCloser(t *testing.T) {
	h := NewShutdownHandler(zaptest.NewLogger(t), 50*time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	h.AddFunc("hung", func() error {
		<-release
		return nil
	})

	err := h.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestShutdownSecondCallIsNoop(t *testing.T) {
	h := NewShutdownHandler(zaptest.NewLogger(t), time.Second)
	calls := 0
	h.AddFunc("once", func() error {
		calls++
		return nil
	})

	require.NoError(t, h.Shutdown())
	require.NoError(t, h.Shutdown())
	assert.Equal(t, 1, calls)
}

func TestShutdownWithNothingRegistered(t *testing.T) {
	h := NewShutdownHandler(zaptest.NewLogger(t), time.Second)
	require.NoError(t, h.Shutdown())
}
