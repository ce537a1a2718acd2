// internal/lifecycle/machine.go
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/sniper-core/internal/events"
	"github.com/rovshanmuradov/sniper-core/internal/sched"
)

// Publisher is the slice of the event bus the machine needs. *events.Bus
// satisfies it; tests hand in lightweight fakes.
type Publisher interface {
	Publish(event events.Event) error
}

// MachineConfig carries the per-state deadlines and housekeeping knobs.
type MachineConfig struct {
	// Capacity bounds the number of live (non-terminal) contexts.
	Capacity int
	// MaxRetries seeds TokenContext.MaxRetries for collaborator attempts.
	MaxRetries int

	WarmingTimeout    time.Duration
	ValidatingTimeout time.Duration
	SafetyTimeout     time.Duration
	ScoringTimeout    time.Duration
	ReadyTimeout      time.Duration
	TradingTimeout    time.Duration
	SellingTimeout    time.Duration

	// AutoWarmDelay is how long a freshly admitted token sits in
	// DISCOVERED before the machine kicks it into WARMING on its own.
	AutoWarmDelay time.Duration
	// SweepInterval is the cadence of the stale-context sweeper.
	SweepInterval time.Duration
	// StaleAge is the longest a context may sit in one non-terminal
	// state without transitioning before the sweeper times it out.
	// POSITION_HELD is exempt: open positions legitimately outlive it.
	StaleAge time.Duration
	// TerminalGrace is how long a terminal context stays readable
	// before it is purged from the registry.
	TerminalGrace time.Duration
}

// timeoutFor returns the residency deadline for a state, or zero when the
// state is untimed (DISCOVERED, POSITION_HELD and the terminal states).
func (c MachineConfig) timeoutFor(s State) time.Duration {
	switch s {
	case StateWarming:
		return c.WarmingTimeout
	case StateValidating:
		return c.ValidatingTimeout
	case StateSafetyCheck:
		return c.SafetyTimeout
	case StateScoring:
		return c.ScoringTimeout
	case StateReadyToTrade:
		return c.ReadyTimeout
	case StateTrading:
		return c.TradingTimeout
	case StateSelling:
		return c.SellingTimeout
	default:
		return 0
	}
}

// MachineStats is a point-in-time summary of the registry.
type MachineStats struct {
	StateCounts         map[State]int `json:"state_counts"`
	NonTerminal         int           `json:"non_terminal"`
	Capacity            int           `json:"capacity"`
	CapacityUtilization float64       `json:"capacity_utilization"`
	TotalInitialized    uint64        `json:"total_initialized"`
	TotalCompleted      uint64        `json:"total_completed"`
	TotalFailed         uint64        `json:"total_failed"`
	TotalTimedOut       uint64        `json:"total_timed_out"`
	TotalRejected       uint64        `json:"total_rejected"`
	AvgProcessingTime   time.Duration `json:"avg_processing_time"`
}

// tracked pairs a context with its machine-side bookkeeping. The timer and
// generation counter never leave the machine lock, so TokenContext itself
// stays a plain copyable value.
type tracked struct {
	ctx TokenContext
	// timer is the single outstanding deadline for this context: the
	// auto-warm kick while DISCOVERED, the residency timeout in timed
	// states, the purge delay once terminal.
	timer sched.Timer
	// gen increments on every transition; a timer callback carrying an
	// older generation is stale and must not fire.
	gen uint64
}

// snapshot returns a detached copy safe to hand outside the machine lock.
func (t *tracked) snapshot() TokenContext {
	out := t.ctx
	out.Metadata = t.ctx.Metadata.clone()
	return out
}

// Machine owns every token context and is the only writer of their state.
// All mutation happens under one mutex; callers only ever see value
// snapshots, so a returned TokenContext can be read without locking.
type Machine struct {
	cfg    MachineConfig
	logger *zap.Logger
	bus    Publisher

	mu       sync.Mutex
	contexts map[string]*tracked
	closed   bool

	totalInitialized uint64
	totalCompleted   uint64
	totalFailed      uint64
	totalTimedOut    uint64
	totalRejected    uint64
	terminalCount    uint64
	processingTotal  time.Duration

	sweeper *sched.Ticker
}

// NewMachine builds a stopped machine; Start arms the sweeper.
func NewMachine(cfg MachineConfig, bus Publisher, logger *zap.Logger) *Machine {
	if cfg.AutoWarmDelay <= 0 {
		cfg.AutoWarmDelay = 50 * time.Millisecond
	}
	m := &Machine{
		cfg:      cfg,
		logger:   logger.Named("lifecycle"),
		bus:      bus,
		contexts: make(map[string]*tracked),
	}
	m.sweeper = sched.NewTicker("lifecycle_sweep", cfg.SweepInterval, m.logger, m.sweep)
	return m
}

// Start launches the background stale-context sweeper.
func (m *Machine) Start(ctx context.Context) {
	m.sweeper.Start(ctx)
	m.logger.Info("🧬 Lifecycle machine started",
		zap.Int("capacity", m.cfg.Capacity),
		zap.Duration("sweep_interval", m.cfg.SweepInterval))
}

// Stop halts the sweeper and disarms every pending timer. Contexts are
// dropped; the machine rejects all calls afterwards.
func (m *Machine) Stop() {
	m.sweeper.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, t := range m.contexts {
		t.timer.Cancel()
	}
	m.contexts = make(map[string]*tracked)
	m.logger.Info("🧬 Lifecycle machine stopped")
}

// InitializeToken admits a newly discovered asset. The context starts in
// DISCOVERED and is nudged into WARMING shortly after, unless a caller
// fast-paths it with VALIDATE_START first. When the registry is full the
// machine sweeps opportunistically and admits only if that freed a slot.
func (m *Machine) InitializeToken(record TokenRecord) (TokenContext, error) {
	if record.Mint == "" {
		return TokenContext{}, fmt.Errorf("initialize token: empty mint")
	}
	now := time.Now()
	if record.DiscoveredAt.IsZero() {
		record.DiscoveredAt = now
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return TokenContext{}, fmt.Errorf("initialize token %s: machine stopped", record.Mint)
	}
	if _, ok := m.contexts[record.Mint]; ok {
		m.mu.Unlock()
		return TokenContext{}, fmt.Errorf("initialize token %s: %w", record.Mint, ErrTokenExists)
	}
	if m.nonTerminalCountLocked() >= m.cfg.Capacity {
		swept := m.sweepLocked(now)
		if swept > 0 {
			m.logger.Warn("🧹 Swept stale contexts to make room",
				zap.Int("swept", swept))
		}
		if m.nonTerminalCountLocked() >= m.cfg.Capacity {
			m.mu.Unlock()
			return TokenContext{}, fmt.Errorf("initialize token %s: %w (capacity %d)",
				record.Mint, ErrCapacityExceeded, m.cfg.Capacity)
		}
	}

	t := &tracked{
		ctx: TokenContext{
			Token:          record,
			CurrentState:   StateDiscovered,
			StateEnteredAt: now,
			CreatedAt:      now,
			MaxRetries:     m.cfg.MaxRetries,
		},
	}
	m.contexts[record.Mint] = t
	m.totalInitialized++

	// DISCOVERED has no residency deadline, so the timer slot is free
	// for the warm-up kick. The generation guard drops the kick if
	// something else transitions the token first.
	gen := t.gen
	mint := record.Mint
	t.timer.Arm(m.cfg.AutoWarmDelay, func() {
		m.transitionGuarded(mint, EventWarmStart, gen)
	})
	snap := t.snapshot()
	m.mu.Unlock()

	m.logger.Info("🆕 Token admitted",
		zap.String("mint", record.Mint),
		zap.String("pool", record.PoolType))
	return snap, nil
}

// Transition applies an event to a token's context. The optional payload is
// folded into the context metadata (validation results, safety verdicts,
// scores, trade outcomes, failure reasons). Returns the resulting state.
func (m *Machine) Transition(mint string, event Event, payload any) (State, error) {
	return m.transition(mint, event, payload, nil)
}

// transitionGuarded is the timer-callback entry point: the event is applied
// only if the context generation still matches, so a timer that lost the
// race against a real transition becomes a no-op.
func (m *Machine) transitionGuarded(mint string, event Event, gen uint64) {
	if _, err := m.transition(mint, event, nil, &gen); err != nil &&
		!errors.Is(err, ErrContextNotFound) {
		m.logger.Debug("Timer-driven transition rejected",
			zap.String("mint", mint),
			zap.String("event", string(event)),
			zap.Error(err))
	}
}

func (m *Machine) transition(mint string, event Event, payload any, expectGen *uint64) (State, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("transition %s: machine stopped", mint)
	}
	t, ok := m.contexts[mint]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("transition %s: %w", mint, ErrContextNotFound)
	}
	if expectGen != nil && t.gen != *expectGen {
		// Stale timer: the context moved on before the timer fired.
		cur := t.ctx.CurrentState
		m.mu.Unlock()
		return cur, nil
	}

	from := t.ctx.CurrentState
	target, legal := targetFor(from, event)
	if !legal {
		m.mu.Unlock()
		m.logger.Error("Illegal lifecycle transition",
			zap.String("mint", mint),
			zap.String("state", string(from)),
			zap.String("event", string(event)))
		return from, fmt.Errorf("%w: %s does not accept %s", ErrInvalidTransition, from, event)
	}

	now := time.Now()
	t.ctx.PreviousState = from
	t.ctx.CurrentState = target
	t.ctx.StateEnteredAt = now
	t.gen++
	reason := applyPayload(&t.ctx, event, payload)

	t.timer.Cancel()
	terminal := target.IsTerminal()
	if terminal {
		t.ctx.TotalProcessingTime = now.Sub(t.ctx.CreatedAt)
		m.recordTerminalLocked(&t.ctx)
		// Terminal contexts stay readable for the grace window, then
		// vanish. The timer slot is free again, so reuse it.
		t.timer.Arm(m.cfg.TerminalGrace, func() {
			m.purgeTerminal(mint)
		})
	} else if d := m.cfg.timeoutFor(target); d > 0 {
		gen := t.gen
		t.timer.Arm(d, func() {
			m.onStateTimeout(mint, gen)
		})
	}
	snap := t.snapshot()
	m.mu.Unlock()

	m.publishChange(snap, event, reason, terminal)
	return target, nil
}

// onStateTimeout fires when a context overstays a timed state. The
// generation check inside transition makes it exactly-once per residency.
func (m *Machine) onStateTimeout(mint string, gen uint64) {
	st, err := m.transition(mint, EventTimeoutOccurred, "state residency deadline exceeded", &gen)
	if err != nil || st != StateTimeout {
		return
	}
	m.logger.Warn("⏰ Token timed out", zap.String("mint", mint))
}

// ForceFailure drives a token straight to FAILED from any live state.
func (m *Machine) ForceFailure(mint, reason string) error {
	_, err := m.Transition(mint, EventForceFail, reason)
	return err
}

// ForceReject drives a token straight to REJECTED from any live state.
func (m *Machine) ForceReject(mint, reason string) error {
	_, err := m.Transition(mint, EventForceReject, reason)
	return err
}

// GetContext returns a snapshot of a token's context.
func (m *Machine) GetContext(mint string) (TokenContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.contexts[mint]
	if !ok {
		return TokenContext{}, fmt.Errorf("get context %s: %w", mint, ErrContextNotFound)
	}
	return t.snapshot(), nil
}

// ContextsByState returns snapshots of every context currently in a state.
func (m *Machine) ContextsByState(state State) []TokenContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TokenContext
	for _, t := range m.contexts {
		if t.ctx.CurrentState == state {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// RecordValidationAttempt bumps the per-token validation counter without
// moving the state; soft validation misses retry inside VALIDATING.
func (m *Machine) RecordValidationAttempt(mint string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.contexts[mint]
	if !ok {
		return 0, fmt.Errorf("record attempt %s: %w", mint, ErrContextNotFound)
	}
	t.ctx.Metadata.ValidationAttempts++
	return t.ctx.Metadata.ValidationAttempts, nil
}

// RecordRetry bumps the generic retry counter, used when a collaborator
// call fails outright and the token stays put for another attempt.
func (m *Machine) RecordRetry(mint string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.contexts[mint]
	if !ok {
		return 0, fmt.Errorf("record retry %s: %w", mint, ErrContextNotFound)
	}
	t.ctx.RetryCount++
	return t.ctx.RetryCount, nil
}

// Statistics summarizes the registry for dashboards and health endpoints.
func (m *Machine) Statistics() MachineStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MachineStats{
		StateCounts:      make(map[State]int, len(AllStates())),
		Capacity:         m.cfg.Capacity,
		TotalInitialized: m.totalInitialized,
		TotalCompleted:   m.totalCompleted,
		TotalFailed:      m.totalFailed,
		TotalTimedOut:    m.totalTimedOut,
		TotalRejected:    m.totalRejected,
	}
	for _, s := range AllStates() {
		stats.StateCounts[s] = 0
	}
	for _, t := range m.contexts {
		stats.StateCounts[t.ctx.CurrentState]++
		if !t.ctx.CurrentState.IsTerminal() {
			stats.NonTerminal++
		}
	}
	if m.cfg.Capacity > 0 {
		stats.CapacityUtilization = float64(stats.NonTerminal) / float64(m.cfg.Capacity)
	}
	if m.terminalCount > 0 {
		stats.AvgProcessingTime = m.processingTotal / time.Duration(m.terminalCount)
	}
	return stats
}

// sweep is the periodic safety net: any context stuck in one non-terminal
// state past StaleAge gets timed out even if its own timer died.
func (m *Machine) sweep(context.Context) {
	m.mu.Lock()
	swept := m.sweepLocked(time.Now())
	m.mu.Unlock()
	if swept > 0 {
		m.logger.Warn("🧹 Swept stale lifecycle contexts", zap.Int("count", swept))
	}
}

func (m *Machine) sweepLocked(now time.Time) int {
	swept := 0
	for mint, t := range m.contexts {
		if t.ctx.CurrentState.IsTerminal() || t.ctx.CurrentState == StatePositionHeld {
			continue
		}
		if now.Sub(t.ctx.StateEnteredAt) < m.cfg.StaleAge {
			continue
		}
		if st, err := m.applyTimeoutLocked(t); err == nil && st == StateTimeout {
			m.logger.Debug("Stale context timed out by sweep",
				zap.String("mint", mint),
				zap.String("stuck_in", string(t.ctx.PreviousState)))
			swept++
		}
	}
	return swept
}

// applyTimeoutLocked is the sweep-path twin of transition: same mutation,
// but the caller already holds the lock, so events go out asynchronously.
func (m *Machine) applyTimeoutLocked(t *tracked) (State, error) {
	from := t.ctx.CurrentState
	target, legal := targetFor(from, EventTimeoutOccurred)
	if !legal {
		return from, fmt.Errorf("%w: %s does not accept %s", ErrInvalidTransition, from, EventTimeoutOccurred)
	}
	now := time.Now()
	t.ctx.PreviousState = from
	t.ctx.CurrentState = target
	t.ctx.StateEnteredAt = now
	t.gen++
	t.ctx.Metadata.Errors = append(t.ctx.Metadata.Errors, "stale context sweep")
	t.ctx.TotalProcessingTime = now.Sub(t.ctx.CreatedAt)
	m.recordTerminalLocked(&t.ctx)

	t.timer.Cancel()
	mint := t.ctx.Token.Mint
	t.timer.Arm(m.cfg.TerminalGrace, func() {
		m.purgeTerminal(mint)
	})
	snap := t.snapshot()
	go m.publishChange(snap, EventTimeoutOccurred, "stale context sweep", true)
	return target, nil
}

// purgeTerminal removes a terminal context once its grace window lapses.
func (m *Machine) purgeTerminal(mint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.contexts[mint]
	if !ok || !t.ctx.CurrentState.IsTerminal() {
		return
	}
	t.timer.Cancel()
	delete(m.contexts, mint)
	m.logger.Debug("Terminal context purged",
		zap.String("mint", mint),
		zap.String("state", string(t.ctx.CurrentState)))
}

func (m *Machine) nonTerminalCountLocked() int {
	n := 0
	for _, t := range m.contexts {
		if !t.ctx.CurrentState.IsTerminal() {
			n++
		}
	}
	return n
}

func (m *Machine) recordTerminalLocked(c *TokenContext) {
	m.terminalCount++
	m.processingTotal += c.TotalProcessingTime
	switch c.CurrentState {
	case StateCompleted:
		m.totalCompleted++
	case StateFailed:
		m.totalFailed++
	case StateTimeout:
		m.totalTimedOut++
	case StateRejected:
		m.totalRejected++
	}
}

// publishChange emits the state-change event (and the terminal event when
// the token just finished) and writes the transition log line.
func (m *Machine) publishChange(snap TokenContext, event Event, reason string, terminal bool) {
	if m.bus != nil {
		_ = m.bus.Publish(events.StateChangedEvent{
			BaseEvent:    events.NewBase(events.TokenStateChanged),
			Mint:         snap.Token.Mint,
			From:         string(snap.PreviousState),
			To:           string(snap.CurrentState),
			TriggerEvent: string(event),
			Reason:       reason,
		})
		if terminal {
			_ = m.bus.Publish(events.TerminalEvent{
				BaseEvent:      events.NewBase(events.TokenTerminal),
				Mint:           snap.Token.Mint,
				FinalState:     string(snap.CurrentState),
				Reason:         reason,
				ProcessingTime: snap.TotalProcessingTime,
			})
		}
	}

	fields := []zap.Field{
		zap.String("mint", snap.Token.Mint),
		zap.String("from", string(snap.PreviousState)),
		zap.String("to", string(snap.CurrentState)),
		zap.String("event", string(event)),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if terminal {
		fields = append(fields, zap.Duration("lifetime", snap.TotalProcessingTime))
		m.logger.Info("🏁 Token reached terminal state", fields...)
		return
	}
	m.logger.Debug("Token state changed", fields...)
}

// applyPayload folds an event payload into the context metadata and returns
// a human-readable reason for logs and events.
func applyPayload(c *TokenContext, event Event, payload any) string {
	switch p := payload.(type) {
	case nil:
		return ""
	case ValidationResult:
		c.Metadata.Validation = &p
		if p.Attempts > c.Metadata.ValidationAttempts {
			c.Metadata.ValidationAttempts = p.Attempts
		}
		if !p.Success && p.Reason != "" {
			c.Metadata.Errors = append(c.Metadata.Errors, p.Reason)
			return p.Reason
		}
		return ""
	case SafetyVerdict:
		c.Metadata.Safety = &p
		if !p.Passed {
			reason := "safety check failed"
			if len(p.Failures) > 0 {
				reason = p.Failures[0]
			}
			c.Metadata.Errors = append(c.Metadata.Errors, p.Failures...)
			return reason
		}
		return ""
	case ScoreResult:
		c.Metadata.Score = &p
		if event == EventScoreFail {
			reason := fmt.Sprintf("score %.2f below threshold", p.Score)
			c.Metadata.Errors = append(c.Metadata.Errors, reason)
			return reason
		}
		return ""
	case TradeOutcome:
		if event == EventSellSuccess || event == EventSellFail || event == EventSellStart {
			c.Metadata.Sell = &p
		} else {
			c.Metadata.Trade = &p
		}
		return ""
	case error:
		msg := p.Error()
		c.Metadata.Errors = append(c.Metadata.Errors, msg)
		return msg
	case string:
		switch event {
		case EventValidateFail, EventSafetyFail, EventScoreFail, EventTradeFail,
			EventSellFail, EventTimeoutOccurred, EventForceFail, EventForceReject:
			c.Metadata.Errors = append(c.Metadata.Errors, p)
		default:
			c.Metadata.Warnings = append(c.Metadata.Warnings, p)
		}
		return p
	default:
		return ""
	}
}
