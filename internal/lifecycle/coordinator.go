// internal/lifecycle/coordinator.go
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/sniper-core/internal/executor"
	"github.com/rovshanmuradov/sniper-core/internal/position"
	"github.com/rovshanmuradov/sniper-core/internal/sched"
)

// Validator probes a token for tradability (pool exists, route priced).
type Validator interface {
	Validate(ctx context.Context, token TokenRecord) (ValidationResult, error)
}

// SafetyEvaluator renders a go / no-go verdict on a token.
type SafetyEvaluator interface {
	Evaluate(ctx context.Context, token TokenRecord) (SafetyVerdict, error)
}

// Scorer ranks a vetted token; the coordinator compares the score against
// its configured threshold.
type Scorer interface {
	Score(ctx context.Context, tokenCtx TokenContext) (ScoreResult, error)
}

// Trader submits buys. *executor.Router satisfies it.
type Trader interface {
	ExecuteTrade(ctx context.Context, params executor.TradeParams, override ...executor.Strategy) (executor.ExecutionResult, error)
}

// PositionTracker registers filled buys with the exit watcher.
type PositionTracker interface {
	Track(pos position.Position) error
}

// Collaborators are the external services the coordinator drives tokens
// through. All of them are required.
type Collaborators struct {
	Validator Validator
	Safety    SafetyEvaluator
	Scorer    Scorer
	Trader    Trader
	Positions PositionTracker
}

func (c Collaborators) validate() error {
	switch {
	case c.Validator == nil:
		return errors.New("coordinator: validator is required")
	case c.Safety == nil:
		return errors.New("coordinator: safety evaluator is required")
	case c.Scorer == nil:
		return errors.New("coordinator: scorer is required")
	case c.Trader == nil:
		return errors.New("coordinator: trader is required")
	case c.Positions == nil:
		return errors.New("coordinator: position tracker is required")
	default:
		return nil
	}
}

// CoordinatorConfig tunes the poll loops and the buy they lead up to.
type CoordinatorConfig struct {
	// PollInterval is the cadence of every per-state poll loop. A stage
	// interval below overrides it for that loop alone.
	PollInterval time.Duration
	// Per-stage cadences; zero falls back to PollInterval.
	WarmingInterval    time.Duration
	ValidatingInterval time.Duration
	SafetyInterval     time.Duration
	ScoringInterval    time.Duration
	ReadyInterval      time.Duration
	// WarmupDuration is how long a token rests in WARMING before the
	// indexers are trusted enough to validate it.
	WarmupDuration time.Duration
	// MaxAttempts caps collaborator attempts per stage before the token
	// is failed outright.
	MaxAttempts int
	// ScoreThreshold is the minimum score that clears SCORING.
	ScoreThreshold float64
	// BuyAmountSOL is the size of every entry buy.
	BuyAmountSOL float64
	// BuySlippageBP is the slippage tolerance for entry swaps.
	BuySlippageBP uint64
	// BuyStrategy overrides the router default for entries. Empty keeps it.
	BuyStrategy executor.Strategy
}

func (c *CoordinatorConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	for _, iv := range []*time.Duration{
		&c.WarmingInterval, &c.ValidatingInterval, &c.SafetyInterval,
		&c.ScoringInterval, &c.ReadyInterval,
	} {
		if *iv <= 0 {
			*iv = c.PollInterval
		}
	}
	if c.WarmupDuration <= 0 {
		c.WarmupDuration = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BuySlippageBP == 0 {
		c.BuySlippageBP = 300
	}
}

func (c CoordinatorConfig) validate() error {
	if c.BuyAmountSOL <= 0 {
		return fmt.Errorf("coordinator: buy amount %f must be positive", c.BuyAmountSOL)
	}
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		return fmt.Errorf("coordinator: score threshold %f outside [0,1]", c.ScoreThreshold)
	}
	if c.BuyStrategy != "" {
		if _, err := executor.ParseStrategy(string(c.BuyStrategy)); err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
	}
	return nil
}

// Coordinator walks tokens through the machine: each poll loop picks up the
// contexts resting in its state, dispatches the matching collaborator, and
// feeds the result back as a transition. A token already mid-dispatch is
// skipped, so transitions on one context never interleave.
type Coordinator struct {
	cfg     CoordinatorConfig
	machine *Machine
	collab  Collaborators
	logger  *zap.Logger

	runCtx  context.Context
	cancel  context.CancelFunc
	tickers []*sched.Ticker
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	started  bool
}

func NewCoordinator(cfg CoordinatorConfig, machine *Machine, collab Collaborators, logger *zap.Logger) (*Coordinator, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if machine == nil {
		return nil, errors.New("coordinator: machine is required")
	}
	if err := collab.validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:      cfg,
		machine:  machine,
		collab:   collab,
		logger:   logger.Named("coordinator"),
		inflight: make(map[string]struct{}),
	}
	c.tickers = []*sched.Ticker{
		sched.NewTicker("warm_poll", cfg.WarmingInterval, logger, c.pollWarming),
		sched.NewTicker("validate_poll", cfg.ValidatingInterval, logger, c.pollValidating),
		sched.NewTicker("safety_poll", cfg.SafetyInterval, logger, c.pollSafety),
		sched.NewTicker("score_poll", cfg.ScoringInterval, logger, c.pollScoring),
		sched.NewTicker("trade_poll", cfg.ReadyInterval, logger, c.pollReady),
	}
	return c, nil
}

// Start launches the poll loops. The context bounds every collaborator call
// the coordinator ever makes.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	for _, t := range c.tickers {
		t.Start(c.runCtx)
	}
	c.logger.Info("🚀 Lifecycle coordinator started",
		zap.Duration("poll_interval", c.cfg.PollInterval),
		zap.Float64("buy_amount_sol", c.cfg.BuyAmountSOL),
		zap.Float64("score_threshold", c.cfg.ScoreThreshold))
}

// Stop halts the loops and waits for in-flight dispatches to settle.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	for _, t := range c.tickers {
		t.Stop()
	}
	c.wg.Wait()
	c.logger.Info("Lifecycle coordinator stopped")
}

// AddToken admits a discovered token into the pipeline. CapacityExceeded and
// duplicate errors surface to the discovery caller, which drops the event.
func (c *Coordinator) AddToken(record TokenRecord) (TokenContext, error) {
	return c.machine.InitializeToken(record)
}

// pollWarming releases tokens whose warm-up rest has elapsed. No I/O, so no
// dispatch bookkeeping is needed.
func (c *Coordinator) pollWarming(context.Context) {
	for _, tc := range c.machine.ContextsByState(StateWarming) {
		if tc.TimeInState() < c.cfg.WarmupDuration {
			continue
		}
		if _, err := c.machine.Transition(tc.Token.Mint, EventWarmComplete, nil); err != nil {
			c.logger.Debug("Warm-complete rejected",
				zap.String("mint", tc.Token.Mint),
				zap.Error(err))
		}
	}
}

func (c *Coordinator) pollValidating(context.Context) {
	for _, tc := range c.machine.ContextsByState(StateValidating) {
		tc := tc
		c.dispatch(tc.Token.Mint, "validation", func(ctx context.Context) {
			c.validateToken(ctx, tc)
		})
	}
}

func (c *Coordinator) pollSafety(context.Context) {
	for _, tc := range c.machine.ContextsByState(StateSafetyCheck) {
		tc := tc
		c.dispatch(tc.Token.Mint, "safety", func(ctx context.Context) {
			c.checkToken(ctx, tc)
		})
	}
}

func (c *Coordinator) pollScoring(context.Context) {
	for _, tc := range c.machine.ContextsByState(StateScoring) {
		tc := tc
		c.dispatch(tc.Token.Mint, "scoring", func(ctx context.Context) {
			c.scoreToken(ctx, tc)
		})
	}
}

func (c *Coordinator) pollReady(context.Context) {
	for _, tc := range c.machine.ContextsByState(StateReadyToTrade) {
		tc := tc
		c.dispatch(tc.Token.Mint, "trade", func(ctx context.Context) {
			c.tradeToken(ctx, tc)
		})
	}
}

// dispatch runs one stage handler for one token off the poll loop. The
// in-flight set keeps a slow handler from being doubled by the next tick,
// and the recover boundary turns a panicking collaborator into a failed
// token instead of a dead loop.
func (c *Coordinator) dispatch(mint, stage string, fn func(ctx context.Context)) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	if _, busy := c.inflight[mint]; busy {
		c.mu.Unlock()
		return
	}
	c.inflight[mint] = struct{}{}
	runCtx := c.runCtx
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Stage handler panicked",
					zap.String("mint", mint),
					zap.String("stage", stage),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))
				_ = c.machine.ForceFailure(mint, fmt.Sprintf("%s stage panicked", stage))
			}
			c.mu.Lock()
			delete(c.inflight, mint)
			c.mu.Unlock()
		}()
		fn(runCtx)
	}()
}

// validateToken runs one validation attempt. Soft misses stay in VALIDATING
// for the next tick; the attempt cap converts persistent misses into a
// terminal failure.
func (c *Coordinator) validateToken(ctx context.Context, tc TokenContext) {
	mint := tc.Token.Mint
	attempt, err := c.machine.RecordValidationAttempt(mint)
	if err != nil {
		return // context gone or terminal
	}

	res, err := c.collab.Validator.Validate(ctx, tc.Token)
	if err != nil {
		c.logger.Warn("Validation call failed",
			zap.String("mint", mint),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt >= c.cfg.MaxAttempts {
			_ = c.machine.ForceFailure(mint,
				fmt.Sprintf("validation failed after %d attempts: %v", attempt, err))
		}
		return
	}

	if !res.Success {
		if attempt >= c.cfg.MaxAttempts {
			res.Attempts = attempt
			if res.Reason == "" {
				res.Reason = fmt.Sprintf("not tradable after %d attempts", attempt)
			}
			if _, terr := c.machine.Transition(mint, EventValidateFail, res); terr != nil {
				c.logger.Debug("Validate-fail rejected", zap.String("mint", mint), zap.Error(terr))
			}
			return
		}
		c.logger.Debug("Token not tradable yet",
			zap.String("mint", mint),
			zap.Int("attempt", attempt),
			zap.String("reason", res.Reason))
		return
	}

	res.Attempts = attempt
	if _, err := c.machine.Transition(mint, EventValidateSuccess, res); err != nil {
		c.logger.Debug("Validate-success rejected", zap.String("mint", mint), zap.Error(err))
	}
}

// checkToken runs the safety verdict. A failed verdict rejects the token; a
// failed call retries up to the attempt cap.
func (c *Coordinator) checkToken(ctx context.Context, tc TokenContext) {
	mint := tc.Token.Mint
	verdict, err := c.collab.Safety.Evaluate(ctx, tc.Token)
	if err != nil {
		c.retryOrFail(mint, "safety", err)
		return
	}

	event := EventSafetySuccess
	if !verdict.Passed {
		event = EventSafetyFail
		c.logger.Warn("🛑 Token failed safety checks",
			zap.String("mint", mint),
			zap.Strings("failures", verdict.Failures),
			zap.Float64("risk_score", verdict.RiskScore))
	}
	if _, err := c.machine.Transition(mint, event, verdict); err != nil {
		c.logger.Debug("Safety transition rejected", zap.String("mint", mint), zap.Error(err))
	}
}

// scoreToken ranks the token and compares against the threshold.
func (c *Coordinator) scoreToken(ctx context.Context, tc TokenContext) {
	mint := tc.Token.Mint
	res, err := c.collab.Scorer.Score(ctx, tc)
	if err != nil {
		c.retryOrFail(mint, "scoring", err)
		return
	}

	event := EventScoreSuccess
	if res.Score < c.cfg.ScoreThreshold {
		event = EventScoreFail
	}
	if _, err := c.machine.Transition(mint, event, res); err != nil {
		c.logger.Debug("Score transition rejected", zap.String("mint", mint), zap.Error(err))
	}
}

// tradeToken executes the entry buy. The position is registered with the
// exit watcher before the machine learns about the fill, so there is never
// a held token without a watched position.
func (c *Coordinator) tradeToken(ctx context.Context, tc TokenContext) {
	mint := tc.Token.Mint
	if _, err := c.machine.Transition(mint, EventTradeStart, nil); err != nil {
		c.logger.Debug("Trade-start rejected", zap.String("mint", mint), zap.Error(err))
		return
	}

	params := executor.TradeParams{
		Mint:       mint,
		Side:       executor.SideBuy,
		AmountIn:   c.cfg.BuyAmountSOL,
		SlippageBP: c.cfg.BuySlippageBP,
		PoolHint:   tc.Token.PoolType,
	}
	if v := tc.Metadata.Validation; v != nil {
		params.ExpectedPrice = v.Price
	}

	var res executor.ExecutionResult
	var err error
	if c.cfg.BuyStrategy != "" {
		res, err = c.collab.Trader.ExecuteTrade(ctx, params, c.cfg.BuyStrategy)
	} else {
		res, err = c.collab.Trader.ExecuteTrade(ctx, params)
	}
	if err != nil || !res.Success {
		reason := res.Error
		if reason == "" && err != nil {
			reason = err.Error()
		}
		if _, terr := c.machine.Transition(mint, EventTradeFail, reason); terr != nil {
			c.logger.Debug("Trade-fail rejected", zap.String("mint", mint), zap.Error(terr))
		}
		return
	}

	pos := position.Position{
		Mint:           mint,
		EntryPrice:     res.Price,
		Amount:         res.AmountOut,
		InitialAmount:  res.AmountOut,
		EntrySignature: res.Signature,
		Source:         position.SourceBuy,
		OpenedAt:       time.Now(),
	}
	if err := c.collab.Positions.Track(pos); err != nil {
		// The buy is on chain either way; dropping the fill would be
		// worse than an unwatched position, so record it and scream.
		c.logger.Error("❌ Failed to register position with exit watcher",
			zap.String("mint", mint),
			zap.String("signature", res.Signature),
			zap.Error(err))
	}

	outcome := TradeOutcome{
		Signature: res.Signature,
		Method:    string(res.Method),
		Price:     res.Price,
		Amount:    res.AmountOut,
		Duration:  res.Duration,
	}
	if _, err := c.machine.Transition(mint, EventTradeSuccess, outcome); err != nil {
		c.logger.Warn("Trade-success rejected, token already moved on",
			zap.String("mint", mint),
			zap.Error(err))
	}
}

// retryOrFail counts a collaborator error against the retry budget and
// fails the token once it is spent.
func (c *Coordinator) retryOrFail(mint, stage string, cause error) {
	retries, err := c.machine.RecordRetry(mint)
	if err != nil {
		return
	}
	c.logger.Warn("Collaborator call failed",
		zap.String("mint", mint),
		zap.String("stage", stage),
		zap.Int("retry", retries),
		zap.Error(cause))
	if retries >= c.cfg.MaxAttempts {
		_ = c.machine.ForceFailure(mint,
			fmt.Sprintf("%s failed after %d attempts: %v", stage, retries, cause))
	}
}

// SellStarted implements position.ExitObserver: the watcher is about to
// submit a closing sell.
func (c *Coordinator) SellStarted(mint, reason string) {
	if _, err := c.machine.Transition(mint, EventSellStart, nil); err != nil {
		c.logger.Debug("Sell-start rejected",
			zap.String("mint", mint),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	c.logger.Info("📤 Exit sell started",
		zap.String("mint", mint),
		zap.String("reason", reason))
}

// SellSucceeded implements position.ExitObserver: the closing sell filled
// and the position is gone.
func (c *Coordinator) SellSucceeded(mint string, outcome position.ExitOutcome) {
	trade := TradeOutcome{
		Signature: outcome.Signature,
		Method:    outcome.Method,
		Price:     outcome.Price,
		Amount:    outcome.Amount,
		Duration:  outcome.Duration,
	}
	if _, err := c.machine.Transition(mint, EventSellSuccess, trade); err != nil {
		c.logger.Debug("Sell-success rejected",
			zap.String("mint", mint),
			zap.Error(err))
	}
}

// SellFailed implements position.ExitObserver: the closing sell did not
// land; the token returns to POSITION_HELD while the watcher retries.
func (c *Coordinator) SellFailed(mint string, err error) {
	if _, terr := c.machine.Transition(mint, EventSellFail, err.Error()); terr != nil {
		c.logger.Debug("Sell-fail rejected",
			zap.String("mint", mint),
			zap.Error(terr))
	}
}

var _ position.ExitObserver = (*Coordinator)(nil)
