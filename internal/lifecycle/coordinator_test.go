// internal/lifecycle/coordinator_test.go
package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/sniper-core/internal/executor"
	"github.com/rovshanmuradov/sniper-core/internal/position"
)

type fakeValidator struct {
	mu         sync.Mutex
	calls      int
	first      time.Time
	delay      time.Duration
	softMisses int // calls answered Success:false before succeeding
	err        error
	price      float64
	liquidity  float64
}

func (f *fakeValidator) Validate(ctx context.Context, _ TokenRecord) (ValidationResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	if f.first.IsZero() {
		f.first = time.Now()
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ValidationResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return ValidationResult{}, f.err
	}
	if n <= f.softMisses {
		return ValidationResult{Success: false, Reason: "no route"}, nil
	}
	return ValidationResult{Success: true, Liquidity: f.liquidity, Price: f.price}, nil
}

func (f *fakeValidator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeValidator) firstCallAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.first
}

type fakeSafety struct {
	mu      sync.Mutex
	calls   int
	verdict SafetyVerdict
	err     error
}

func (f *fakeSafety) Evaluate(context.Context, TokenRecord) (SafetyVerdict, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return SafetyVerdict{}, f.err
	}
	return f.verdict, nil
}

func (f *fakeSafety) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeScorer struct {
	mu        sync.Mutex
	calls     int
	score     float64
	err       error
	panicOnce bool
}

func (f *fakeScorer) Score(context.Context, TokenContext) (ScoreResult, error) {
	f.mu.Lock()
	f.calls++
	blow := f.panicOnce
	f.panicOnce = false
	f.mu.Unlock()
	if blow {
		panic("scorer exploded")
	}
	if f.err != nil {
		return ScoreResult{}, f.err
	}
	return ScoreResult{Score: f.score}, nil
}

func (f *fakeScorer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePipelineTrader struct {
	mu        sync.Mutex
	params    []executor.TradeParams
	overrides [][]executor.Strategy
	res       executor.ExecutionResult
	err       error
}

func (f *fakePipelineTrader) ExecuteTrade(_ context.Context, params executor.TradeParams, override ...executor.Strategy) (executor.ExecutionResult, error) {
	f.mu.Lock()
	f.params = append(f.params, params)
	f.overrides = append(f.overrides, override)
	f.mu.Unlock()
	return f.res, f.err
}

func (f *fakePipelineTrader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.params)
}

func (f *fakePipelineTrader) lastParams() executor.TradeParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[len(f.params)-1]
}

// fakePositions records what state the token was in at Track time, which is
// how the register-before-held ordering is asserted.
type fakePositions struct {
	mu        sync.Mutex
	machine   *Machine
	tracked   []position.Position
	trackedIn []State
	err       error
}

func (f *fakePositions) Track(pos position.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.machine != nil {
		if ctx, err := f.machine.GetContext(pos.Mint); err == nil {
			f.trackedIn = append(f.trackedIn, ctx.CurrentState)
		}
	}
	f.tracked = append(f.tracked, pos)
	return f.err
}

func (f *fakePositions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracked)
}

func (f *fakePositions) snapshot() []position.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]position.Position(nil), f.tracked...)
}

type pipelineFixture struct {
	machine   *Machine
	coord     *Coordinator
	bus       *captureBus
	validator *fakeValidator
	safety    *fakeSafety
	scorer    *fakeScorer
	trader    *fakePipelineTrader
	positions *fakePositions
}

// newPipeline wires a coordinator over a real machine with fast timers and
// happy-path collaborators. Tests flip individual fakes before adding tokens.
func newPipeline(t *testing.T, mutate func(*CoordinatorConfig)) *pipelineFixture {
	t.Helper()

	mcfg := testMachineConfig()
	mcfg.AutoWarmDelay = time.Millisecond
	bus := &captureBus{}
	machine := NewMachine(mcfg, bus, zaptest.NewLogger(t))

	f := &pipelineFixture{
		machine:   machine,
		bus:       bus,
		validator: &fakeValidator{price: 0.00002, liquidity: 80},
		safety:    &fakeSafety{verdict: SafetyVerdict{Passed: true, RiskScore: 0.1}},
		scorer:    &fakeScorer{score: 0.9},
		trader: &fakePipelineTrader{res: executor.ExecutionResult{
			Success:   true,
			Signature: "dry-run-entry",
			Method:    executor.MethodSimulated,
			Price:     0,
			AmountOut: 25000,
			Duration:  5 * time.Millisecond,
		}},
		positions: &fakePositions{machine: machine},
	}

	ccfg := CoordinatorConfig{
		PollInterval:   5 * time.Millisecond,
		WarmupDuration: time.Millisecond,
		MaxAttempts:    3,
		ScoreThreshold: 0.6,
		BuyAmountSOL:   0.5,
		BuySlippageBP:  300,
	}
	if mutate != nil {
		mutate(&ccfg)
	}

	coord, err := NewCoordinator(ccfg, machine, Collaborators{
		Validator: f.validator,
		Safety:    f.safety,
		Scorer:    f.scorer,
		Trader:    f.trader,
		Positions: f.positions,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	f.coord = coord
	coord.Start(context.Background())
	t.Cleanup(coord.Stop)
	return f
}

func waitState(t *testing.T, m *Machine, mint string, want State) TokenContext {
	t.Helper()
	var got TokenContext
	require.Eventually(t, func() bool {
		ctx, err := m.GetContext(mint)
		if err != nil {
			return false
		}
		got = ctx
		return ctx.CurrentState == want
	}, 2*time.Second, 2*time.Millisecond, "waiting for %s to reach %s", mint, want)
	return got
}

func joinedErrors(ctx TokenContext) string {
	return strings.Join(ctx.Metadata.Errors, "\n")
}

// A freshly admitted token rides the pipeline end to end: discovery, warm-up,
// validation, safety, scoring, a simulated buy, and finally a held position
// that was handed to the watcher before the machine learned about the fill.
func TestPipelineReachesPositionHeld(t *testing.T) {
	f := newPipeline(t, nil)

	_, err := f.coord.AddToken(TokenRecord{Mint: "happy", PoolType: "pumpfun"})
	require.NoError(t, err)

	ctx := waitState(t, f.machine, "happy", StatePositionHeld)

	require.NotNil(t, ctx.Metadata.Validation)
	assert.InDelta(t, 0.00002, ctx.Metadata.Validation.Price, 1e-12)
	require.NotNil(t, ctx.Metadata.Trade)
	assert.Equal(t, "dry-run-entry", ctx.Metadata.Trade.Signature)

	require.Equal(t, 1, f.trader.callCount())
	params := f.trader.lastParams()
	assert.Equal(t, "happy", params.Mint)
	assert.Equal(t, executor.SideBuy, params.Side)
	assert.InDelta(t, 0.5, params.AmountIn, 1e-9)
	assert.Equal(t, uint64(300), params.SlippageBP)
	assert.Equal(t, "pumpfun", params.PoolHint)
	assert.InDelta(t, 0.00002, params.ExpectedPrice, 1e-12)

	tracked := f.positions.snapshot()
	require.Len(t, tracked, 1)
	pos := tracked[0]
	assert.Equal(t, "happy", pos.Mint)
	assert.Zero(t, pos.EntryPrice, "simulated fills carry no price")
	assert.InDelta(t, 25000, pos.Amount, 1e-9)
	assert.InDelta(t, 25000, pos.InitialAmount, 1e-9)
	assert.Equal(t, "dry-run-entry", pos.EntrySignature)
	assert.Equal(t, position.SourceBuy, pos.Source)

	// The watcher must already know the position when POSITION_HELD lands.
	require.Len(t, f.positions.trackedIn, 1)
	assert.Equal(t, StateTrading, f.positions.trackedIn[0])
}

// A failed safety verdict rejects the token outright: no trade, no position.
func TestHoneypotVerdictRejectsWithoutTrade(t *testing.T) {
	f := newPipeline(t, nil)
	f.safety.verdict = SafetyVerdict{Passed: false, Failures: []string{"HONEYPOT"}, RiskScore: 0.95}

	_, err := f.coord.AddToken(TokenRecord{Mint: "trap"})
	require.NoError(t, err)

	ctx := waitState(t, f.machine, "trap", StateRejected)
	assert.Contains(t, ctx.Metadata.Errors, "HONEYPOT")
	assert.Equal(t, 0, f.trader.callCount())
	assert.Equal(t, 0, f.positions.count())
	assert.Equal(t, 0, f.scorer.callCount(), "rejected tokens never reach scoring")
}

// Soft validation misses retry every poll until the attempt cap converts
// them into a terminal failure.
func TestValidationMissesExhaustAttempts(t *testing.T) {
	f := newPipeline(t, nil)
	f.validator.softMisses = 1 << 30 // never succeeds

	_, err := f.coord.AddToken(TokenRecord{Mint: "ghost"})
	require.NoError(t, err)

	ctx := waitState(t, f.machine, "ghost", StateFailed)
	assert.Equal(t, 3, f.validator.callCount())
	assert.Equal(t, 3, ctx.Metadata.ValidationAttempts)
	require.NotNil(t, ctx.Metadata.Validation)
	assert.Contains(t, joinedErrors(ctx), "no route")
	assert.Equal(t, 0, f.safety.callCount())
}

func TestValidationErrorsExhaustAttempts(t *testing.T) {
	f := newPipeline(t, nil)
	f.validator.err = errors.New("rpc unavailable")

	_, err := f.coord.AddToken(TokenRecord{Mint: "dark"})
	require.NoError(t, err)

	ctx := waitState(t, f.machine, "dark", StateFailed)
	assert.Equal(t, 3, f.validator.callCount())
	assert.Contains(t, joinedErrors(ctx), "validation failed after 3 attempts")
	assert.Equal(t, 0, f.trader.callCount())
}

// Two soft misses then a hit: the token proceeds and the recorded attempt
// count reflects all three probes.
func TestValidationEventuallySucceeds(t *testing.T) {
	f := newPipeline(t, nil)
	f.validator.softMisses = 2

	_, err := f.coord.AddToken(TokenRecord{Mint: "late"})
	require.NoError(t, err)

	ctx := waitState(t, f.machine, "late", StatePositionHeld)
	require.NotNil(t, ctx.Metadata.Validation)
	assert.Equal(t, 3, ctx.Metadata.Validation.Attempts)
	assert.Equal(t, 3, ctx.Metadata.ValidationAttempts)
}

func TestScoreBelowThresholdRejects(t *testing.T) {
	f := newPipeline(t, nil)
	f.scorer.score = 0.3

	_, err := f.coord.AddToken(TokenRecord{Mint: "meh"})
	require.NoError(t, err)

	ctx := waitState(t, f.machine, "meh", StateRejected)
	require.NotNil(t, ctx.Metadata.Score)
	assert.InDelta(t, 0.3, ctx.Metadata.Score.Score, 1e-9)
	assert.Contains(t, joinedErrors(ctx), "below threshold")
	assert.Equal(t, 0, f.trader.callCount())
}

// Collaborator errors on the safety stage burn the shared retry budget and
// then fail the token.
func TestSafetyErrorsExhaustRetries(t *testing.T) {
	f := newPipeline(t, nil)
	f.safety.err = errors.New("report service down")

	_, err := f.coord.AddToken(TokenRecord{Mint: "blind"})
	require.NoError(t, err)

	ctx := waitState(t, f.machine, "blind", StateFailed)
	assert.Equal(t, 3, f.safety.callCount())
	assert.Contains(t, joinedErrors(ctx), "safety failed after 3 attempts")
	assert.Equal(t, 0, f.scorer.callCount())
}

func TestTradeFailureMarksTokenFailed(t *testing.T) {
	f := newPipeline(t, nil)
	f.trader.res = executor.ExecutionResult{Success: false, Error: "slippage exceeded"}
	f.trader.err = executor.ErrAllPathsFailed

	_, err := f.coord.AddToken(TokenRecord{Mint: "slipped"})
	require.NoError(t, err)

	ctx := waitState(t, f.machine, "slipped", StateFailed)
	assert.Contains(t, joinedErrors(ctx), "slippage exceeded")
	assert.Equal(t, 1, f.trader.callCount())
	assert.Equal(t, 0, f.positions.count())
}

// A handler still running when the next tick fires must not be doubled: the
// validator blocks for many poll intervals yet is called exactly once.
func TestMidflightTokenSkippedByNextTick(t *testing.T) {
	f := newPipeline(t, nil)
	f.validator.delay = 60 * time.Millisecond

	_, err := f.coord.AddToken(TokenRecord{Mint: "slowpoke"})
	require.NoError(t, err)

	waitState(t, f.machine, "slowpoke", StatePositionHeld)
	assert.Equal(t, 1, f.validator.callCount())
}

// A panicking collaborator fails its token and leaves the loops serving
// everything else.
func TestPanickingScorerFailsTokenOnly(t *testing.T) {
	f := newPipeline(t, nil)
	f.scorer.panicOnce = true

	_, err := f.coord.AddToken(TokenRecord{Mint: "bomb"})
	require.NoError(t, err)

	ctx := waitState(t, f.machine, "bomb", StateFailed)
	assert.Contains(t, joinedErrors(ctx), "scoring stage panicked")

	_, err = f.coord.AddToken(TokenRecord{Mint: "survivor"})
	require.NoError(t, err)
	waitState(t, f.machine, "survivor", StatePositionHeld)
}

// Tokens rest in WARMING for the configured duration before the first
// validation probe goes out.
func TestWarmupDelaysValidation(t *testing.T) {
	f := newPipeline(t, func(cfg *CoordinatorConfig) {
		cfg.WarmupDuration = 80 * time.Millisecond
	})

	start := time.Now()
	_, err := f.coord.AddToken(TokenRecord{Mint: "resting"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.validator.callCount() > 0
	}, 2*time.Second, 2*time.Millisecond)
	assert.GreaterOrEqual(t, f.validator.firstCallAt().Sub(start), 75*time.Millisecond)
}

func TestBuyStrategyOverrideForwarded(t *testing.T) {
	f := newPipeline(t, func(cfg *CoordinatorConfig) {
		cfg.BuyStrategy = executor.StrategyJitoOnly
	})

	_, err := f.coord.AddToken(TokenRecord{Mint: "pinned"})
	require.NoError(t, err)

	waitState(t, f.machine, "pinned", StatePositionHeld)
	f.trader.mu.Lock()
	defer f.trader.mu.Unlock()
	require.Len(t, f.trader.overrides, 1)
	require.Len(t, f.trader.overrides[0], 1)
	assert.Equal(t, executor.StrategyJitoOnly, f.trader.overrides[0][0])
}

// A Track error is loud but does not lose the fill: funds are on chain, so
// the token still lands in POSITION_HELD.
func TestTrackFailureStillHoldsPosition(t *testing.T) {
	f := newPipeline(t, nil)
	f.positions.err = position.ErrWatcherStopped

	_, err := f.coord.AddToken(TokenRecord{Mint: "orphan"})
	require.NoError(t, err)

	ctx := waitState(t, f.machine, "orphan", StatePositionHeld)
	require.NotNil(t, ctx.Metadata.Trade)
	assert.Equal(t, 1, f.positions.count())
}

// The exit-observer bridge: watcher callbacks drive SELLING, a failed sell
// returns the token to POSITION_HELD, and a filled sell completes it.
func TestExitObserverDrivesSellStates(t *testing.T) {
	machine, _ := newTestMachine(t, testMachineConfig())
	coord, err := NewCoordinator(CoordinatorConfig{BuyAmountSOL: 0.5}, machine, Collaborators{
		Validator: &fakeValidator{},
		Safety:    &fakeSafety{},
		Scorer:    &fakeScorer{},
		Trader:    &fakePipelineTrader{},
		Positions: &fakePositions{},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	driveTo(t, machine, "exit", StatePositionHeld)

	coord.SellStarted("exit", position.ReasonTakeProfit)
	ctx, err := machine.GetContext("exit")
	require.NoError(t, err)
	assert.Equal(t, StateSelling, ctx.CurrentState)

	coord.SellFailed("exit", errors.New("blockhash expired"))
	ctx, err = machine.GetContext("exit")
	require.NoError(t, err)
	assert.Equal(t, StatePositionHeld, ctx.CurrentState)
	assert.Contains(t, joinedErrors(ctx), "blockhash expired")

	coord.SellStarted("exit", position.ReasonTakeProfit)
	coord.SellSucceeded("exit", position.ExitOutcome{
		Signature: "sell-sig",
		Method:    "rpc",
		Reason:    position.ReasonTakeProfit,
		Price:     0.00004,
		Amount:    25000,
		Duration:  80 * time.Millisecond,
	})
	ctx, err = machine.GetContext("exit")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, ctx.CurrentState)
	require.NotNil(t, ctx.Metadata.Sell)
	assert.Equal(t, "sell-sig", ctx.Metadata.Sell.Signature)
	assert.InDelta(t, 0.00004, ctx.Metadata.Sell.Price, 1e-12)
}

// Observer callbacks for tokens the machine no longer knows about are
// swallowed; a purged context must not crash the watcher's notify path.
func TestExitObserverToleratesUnknownMint(t *testing.T) {
	machine, _ := newTestMachine(t, testMachineConfig())
	coord, err := NewCoordinator(CoordinatorConfig{BuyAmountSOL: 0.5}, machine, Collaborators{
		Validator: &fakeValidator{},
		Safety:    &fakeSafety{},
		Scorer:    &fakeScorer{},
		Trader:    &fakePipelineTrader{},
		Positions: &fakePositions{},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	coord.SellStarted("never-seen", position.ReasonStopLoss)
	coord.SellSucceeded("never-seen", position.ExitOutcome{})
	coord.SellFailed("never-seen", errors.New("whatever"))
}

func TestCoordinatorConfigValidation(t *testing.T) {
	machine, _ := newTestMachine(t, testMachineConfig())
	okCollab := Collaborators{
		Validator: &fakeValidator{},
		Safety:    &fakeSafety{},
		Scorer:    &fakeScorer{},
		Trader:    &fakePipelineTrader{},
		Positions: &fakePositions{},
	}

	_, err := NewCoordinator(CoordinatorConfig{BuyAmountSOL: 0}, machine, okCollab, zaptest.NewLogger(t))
	require.Error(t, err)

	_, err = NewCoordinator(CoordinatorConfig{BuyAmountSOL: 0.5, BuyStrategy: "yolo"}, machine, okCollab, zaptest.NewLogger(t))
	require.Error(t, err)

	broken := okCollab
	broken.Trader = nil
	_, err = NewCoordinator(CoordinatorConfig{BuyAmountSOL: 0.5}, machine, broken, zaptest.NewLogger(t))
	require.Error(t, err)

	_, err = NewCoordinator(CoordinatorConfig{BuyAmountSOL: 0.5}, nil, okCollab, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestAddTokenSurfacesCapacity(t *testing.T) {
	mcfg := testMachineConfig()
	mcfg.Capacity = 1
	machine := NewMachine(mcfg, &captureBus{}, zaptest.NewLogger(t))
	coord, err := NewCoordinator(CoordinatorConfig{BuyAmountSOL: 0.5}, machine, Collaborators{
		Validator: &fakeValidator{},
		Safety:    &fakeSafety{},
		Scorer:    &fakeScorer{},
		Trader:    &fakePipelineTrader{},
		Positions: &fakePositions{},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = coord.AddToken(TokenRecord{Mint: "one"})
	require.NoError(t, err)
	_, err = coord.AddToken(TokenRecord{Mint: "two"})
	require.ErrorIs(t, err, ErrCapacityExceeded)
}
