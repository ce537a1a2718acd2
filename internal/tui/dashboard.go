// internal/tui/dashboard.go
package tui

import (
	"context"
	"errors"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/sniper-core/internal/events"
	"github.com/rovshanmuradov/sniper-core/internal/executor"
	"github.com/rovshanmuradov/sniper-core/internal/lifecycle"
	"github.com/rovshanmuradov/sniper-core/internal/position"
)

// Subscriber is the slice of the event bus the dashboard consumes.
type Subscriber interface {
	Subscribe(eventType events.EventType, handler events.Handler) events.Subscription
}

// MachineSource, PositionSource and RouterSource feed the stats panes.
// Any of them may be nil; the matching pane renders zeros.
type MachineSource interface {
	Statistics() lifecycle.MachineStats
}

type PositionSource interface {
	Statistics() position.WatcherStats
	Snapshot() []position.Position
}

type RouterSource interface {
	Statistics() executor.RouterStats
}

type Config struct {
	Wallet          string
	RefreshInterval time.Duration
	FeedCapacity    int
}

func (c *Config) setDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Second
	}
	if c.FeedCapacity <= 0 {
		c.FeedCapacity = 200
	}
}

type Deps struct {
	Bus     Subscriber
	Machine MachineSource
	Watcher PositionSource
	Router  RouterSource
}

// Dashboard runs the status TUI in-process next to the trading loops.
// It is read-only: the stats panes poll component snapshots on a cadence
// and the feed mirrors the event bus.
type Dashboard struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	program  *tea.Program
	subs     []events.Subscription
	done     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Dashboard {
	cfg.setDefaults()
	return &Dashboard{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("tui"),
		done:   make(chan struct{}),
	}
}

// Start launches the program in its own goroutine and bridges bus events
// into it. Canceling ctx tears the program down.
func (d *Dashboard) Start(ctx context.Context) {
	d.program = tea.NewProgram(newModel(d.cfg, d.deps),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)

	go func() {
		defer close(d.done)
		if _, err := d.program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			d.logger.Error("Dashboard terminated", zap.Error(err))
		}
	}()

	if d.deps.Bus != nil {
		forward := events.HandlerFunc(func(_ context.Context, e events.Event) error {
			d.program.Send(busEventMsg{event: e})
			return nil
		})
		for _, t := range []events.EventType{
			events.TokenDiscovered,
			events.TokenStateChanged,
			events.TokenTerminal,
			events.TradeExecuted,
			events.ExecutionDuplicate,
			events.PositionOpened,
			events.PositionScaledOut,
			events.PositionClosed,
		} {
			d.subs = append(d.subs, d.deps.Bus.Subscribe(t, forward))
		}
	}

	d.logger.Info("📟 Dashboard started")
}

// Done closes when the program exits, whether from a quit key or context
// cancellation. Callers treat a user quit as a shutdown request.
func (d *Dashboard) Done() <-chan struct{} {
	return d.done
}

// Stop detaches from the bus and terminates the program, then waits for
// it to finish restoring the terminal.
func (d *Dashboard) Stop() {
	d.stopOnce.Do(func() {
		for _, sub := range d.subs {
			sub.Unsubscribe()
		}
		d.subs = nil
		if d.program == nil {
			close(d.done)
			return
		}
		d.program.Quit()
	})
	<-d.done
}
