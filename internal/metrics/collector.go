// internal/metrics/collector.go
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/sniper-core/internal/events"
	"github.com/rovshanmuradov/sniper-core/internal/lifecycle"
	"github.com/rovshanmuradov/sniper-core/internal/position"
	"github.com/rovshanmuradov/sniper-core/internal/sched"
)

const namespace = "sniper"

// Subscriber is the slice of the event bus the collector needs.
type Subscriber interface {
	Subscribe(eventType events.EventType, handler events.Handler) events.Subscription
}

// MachineSource and PositionSource feed the gauge poller.
type MachineSource interface {
	Statistics() lifecycle.MachineStats
}

type PositionSource interface {
	Statistics() position.WatcherStats
}

// Config tunes the exporter.
type Config struct {
	// Addr is the listen address for /metrics; empty disables the server
	// (the registry still collects, useful in tests).
	Addr         string
	PollInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
}

// Deps are the collector's sources. Bus is required; nil stats sources
// simply leave their gauges untouched.
type Deps struct {
	Bus     Subscriber
	Machine MachineSource
	Watcher PositionSource
}

// Collector turns bus traffic and component stats into Prometheus series
// and serves them over HTTP.
type Collector struct {
	cfg      Config
	deps     Deps
	logger   *zap.Logger
	registry *prometheus.Registry

	server *http.Server
	poller *sched.Ticker
	subs   []events.Subscription

	discovered    *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	terminals     *prometheus.CounterVec
	trades        *prometheus.CounterVec
	tradeDuration *prometheus.HistogramVec
	fallbacks     prometheus.Counter
	duplicates    prometheus.Counter
	opened        prometheus.Counter
	scaleOuts     prometheus.Counter
	closes        *prometheus.CounterVec
	closeROI      *prometheus.HistogramVec
	holdSeconds   *prometheus.HistogramVec
	activeTokens  *prometheus.GaugeVec
	utilization   prometheus.Gauge
	openPositions prometheus.Gauge
	realizedQuote prometheus.Gauge
}

func NewCollector(cfg Config, deps Deps, logger *zap.Logger) (*Collector, error) {
	cfg.setDefaults()
	if deps.Bus == nil {
		return nil, errors.New("metrics: event bus is required")
	}

	c := &Collector{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.Named("metrics"),
		registry: prometheus.NewRegistry(),
	}
	c.initMetrics()
	c.poller = sched.NewTicker("metrics_poll", cfg.PollInterval, logger, c.pollStats)
	return c, nil
}

func (c *Collector) initMetrics() {
	c.discovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_discovered_total",
		Help:      "Tokens admitted by the discovery feed",
	}, []string{"venue"})

	c.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Applied lifecycle transitions",
	}, []string{"from", "to"})

	c.terminals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_terminal_total",
		Help:      "Tokens that reached a terminal state",
	}, []string{"state"})

	c.trades = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trades_total",
		Help:      "Routed trade executions",
	}, []string{"side", "method", "status"})

	c.tradeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trade_duration_seconds",
		Help:      "Trade execution duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"side", "method"})

	c.fallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trade_fallbacks_total",
		Help:      "Trades that landed on the fallback path",
	})

	c.duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_fills_total",
		Help:      "Race executions where both paths landed",
	})

	c.opened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "positions_opened_total",
		Help:      "Positions the exit watcher started tracking",
	})

	c.scaleOuts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "position_scale_outs_total",
		Help:      "Partial exit tiers fired",
	})

	c.closes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "positions_closed_total",
		Help:      "Positions closed, by exit reason",
	}, []string{"reason"})

	c.closeROI = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "position_close_roi",
		Help:      "ROI at close, by exit reason",
		Buckets:   []float64{-1, -0.5, -0.25, 0, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"reason"})

	c.holdSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "position_hold_seconds",
		Help:      "Hold duration at close in seconds",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"reason"})

	c.activeTokens = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tokens_active",
		Help:      "Tracked tokens by lifecycle state",
	}, []string{"state"})

	c.utilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_utilization",
		Help:      "Non-terminal tokens over capacity",
	})

	c.openPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "positions_open",
		Help:      "Positions currently held",
	})

	c.realizedQuote = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realized_quote_sol",
		Help:      "Cumulative realized proceeds in SOL",
	})

	c.registry.MustRegister(
		c.discovered, c.transitions, c.terminals,
		c.trades, c.tradeDuration, c.fallbacks, c.duplicates,
		c.opened, c.scaleOuts, c.closes, c.closeROI, c.holdSeconds,
		c.activeTokens, c.utilization, c.openPositions, c.realizedQuote,
	)
}

// Start subscribes to the bus, begins the stats poll and, when an address
// is configured, serves /metrics.
func (c *Collector) Start(ctx context.Context) {
	c.subscribe()
	c.poller.Start(ctx)

	if c.cfg.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
		c.server = &http.Server{
			Addr:              c.cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			c.logger.Info("📊 Metrics server listening", zap.String("addr", c.cfg.Addr))
			if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}
}

// Stop detaches from the bus and shuts the server down.
func (c *Collector) Stop(ctx context.Context) {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil
	c.poller.Stop()

	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			c.logger.Warn("Metrics server shutdown", zap.Error(err))
		}
	}
}

// Registry exposes the collector's registry for embedding into other
// handlers.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) subscribe() {
	c.on(events.TokenDiscovered, func(e events.Event) {
		if evt, ok := e.(events.TokenDiscoveredEvent); ok {
			c.discovered.WithLabelValues(evt.PoolType).Inc()
		}
	})

	c.on(events.TokenStateChanged, func(e events.Event) {
		if evt, ok := e.(events.StateChangedEvent); ok {
			c.transitions.WithLabelValues(evt.From, evt.To).Inc()
		}
	})

	c.on(events.TokenTerminal, func(e events.Event) {
		if evt, ok := e.(events.TerminalEvent); ok {
			c.terminals.WithLabelValues(evt.FinalState).Inc()
		}
	})

	c.on(events.TradeExecuted, func(e events.Event) {
		evt, ok := e.(events.TradeExecutedEvent)
		if !ok {
			return
		}
		status := "success"
		if !evt.Success {
			status = "failure"
		}
		c.trades.WithLabelValues(evt.Side, evt.Method, status).Inc()
		c.tradeDuration.WithLabelValues(evt.Side, evt.Method).Observe(evt.Duration.Seconds())
		if evt.FallbackUsed {
			c.fallbacks.Inc()
		}
	})

	c.on(events.ExecutionDuplicate, func(e events.Event) {
		c.duplicates.Inc()
	})

	c.on(events.PositionOpened, func(e events.Event) {
		c.opened.Inc()
	})

	c.on(events.PositionScaledOut, func(e events.Event) {
		c.scaleOuts.Inc()
	})

	c.on(events.PositionClosed, func(e events.Event) {
		if evt, ok := e.(events.PositionClosedEvent); ok {
			c.closes.WithLabelValues(evt.Reason).Inc()
			c.closeROI.WithLabelValues(evt.Reason).Observe(evt.ROI)
			c.holdSeconds.WithLabelValues(evt.Reason).Observe(evt.HeldFor.Seconds())
		}
	})
}

func (c *Collector) on(t events.EventType, fn func(events.Event)) {
	sub := c.deps.Bus.Subscribe(t, events.HandlerFunc(func(_ context.Context, e events.Event) error {
		fn(e)
		return nil
	}))
	c.subs = append(c.subs, sub)
}

// pollStats refreshes the gauges from component snapshots.
func (c *Collector) pollStats(context.Context) {
	if c.deps.Machine != nil {
		stats := c.deps.Machine.Statistics()
		c.activeTokens.Reset()
		for state, count := range stats.StateCounts {
			c.activeTokens.WithLabelValues(string(state)).Set(float64(count))
		}
		c.utilization.Set(stats.CapacityUtilization)
	}

	if c.deps.Watcher != nil {
		stats := c.deps.Watcher.Statistics()
		c.openPositions.Set(float64(stats.Open))
		c.realizedQuote.Set(stats.RealizedQuote)
	}
}
