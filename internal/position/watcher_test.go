// internal/position/watcher_test.go
package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/sniper-core/internal/events"
	"github.com/rovshanmuradov/sniper-core/internal/executor"
)

const testMint = "TestMint1111111111111111111111111111111111"

type fakeQuotes struct {
	mu    sync.Mutex
	price float64
	err   error
}

func (q *fakeQuotes) PriceOf(context.Context, string, float64) (Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return Quote{}, q.err
	}
	return Quote{Price: q.price, Liquidity: 1000}, nil
}

func (q *fakeQuotes) set(price float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.price = price
	q.err = nil
}

func (q *fakeQuotes) setErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

type fakeTrader struct {
	mu       sync.Mutex
	calls    []executor.TradeParams
	failures int
}

func (tr *fakeTrader) ExecuteTrade(_ context.Context, params executor.TradeParams, _ ...executor.Strategy) (executor.ExecutionResult, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls = append(tr.calls, params)
	if tr.failures > 0 {
		tr.failures--
		err := errors.New("node behind")
		return executor.ExecutionResult{Error: err.Error()}, err
	}
	return executor.ExecutionResult{
		Success:   true,
		Signature: fmt.Sprintf("sig-%d", len(tr.calls)),
		Method:    executor.MethodRPC,
		Price:     params.ExpectedPrice,
		AmountOut: params.AmountIn * params.ExpectedPrice,
		Duration:  time.Millisecond,
	}, nil
}

func (tr *fakeTrader) callCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.calls)
}

func (tr *fakeTrader) call(i int) executor.TradeParams {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.calls[i]
}

func (tr *fakeTrader) failNext(n int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.failures = n
}

type sellNote struct {
	mint   string
	reason string
}

type recObserver struct {
	mu        sync.Mutex
	started   []sellNote
	succeeded []ExitOutcome
	failed    []error
}

func (o *recObserver) SellStarted(mint, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, sellNote{mint: mint, reason: reason})
}

func (o *recObserver) SellSucceeded(_ string, outcome ExitOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.succeeded = append(o.succeeded, outcome)
}

func (o *recObserver) SellFailed(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

func (o *recObserver) startedNotes() []sellNote {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]sellNote(nil), o.started...)
}

func (o *recObserver) outcomes() []ExitOutcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ExitOutcome(nil), o.succeeded...)
}

func (o *recObserver) failures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.failed)
}

type memStore struct {
	mu      sync.Mutex
	saves   int
	updates int
	closes  []sellNote
}

func (s *memStore) SavePosition(context.Context, Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return nil
}

func (s *memStore) UpdatePosition(context.Context, Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	return nil
}

func (s *memStore) ClosePosition(_ context.Context, mint, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, sellNote{mint: mint, reason: reason})
	return nil
}

func (s *memStore) closedNotes() []sellNote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sellNote(nil), s.closes...)
}

type captureBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *captureBus) Publish(e events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *captureBus) byType(t events.EventType) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, e := range b.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

type watcherFixture struct {
	watcher *Watcher
	quotes  *fakeQuotes
	trader  *fakeTrader
	obs     *recObserver
	store   *memStore
	bus     *captureBus
}

func baseConfig() Config {
	return Config{
		PollInterval:   5 * time.Millisecond,
		ProbeAmount:    1,
		SellSlippageBP: 300,
	}
}

func newWatcherFixture(t *testing.T, cfg Config) *watcherFixture {
	t.Helper()
	f := &watcherFixture{
		quotes: &fakeQuotes{price: 1.0},
		trader: &fakeTrader{},
		obs:    &recObserver{},
		store:  &memStore{},
		bus:    &captureBus{},
	}
	w, err := NewWatcher(cfg, Deps{
		Quotes:   f.quotes,
		Trader:   f.trader,
		Observer: f.obs,
		Store:    f.store,
		Bus:      f.bus,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	f.watcher = w
	t.Cleanup(w.Shutdown)
	return f
}

func (f *watcherFixture) open(t *testing.T, entry, amount float64) {
	t.Helper()
	require.NoError(t, f.watcher.Track(Position{
		Mint:       testMint,
		EntryPrice: entry,
		Amount:     amount,
	}))
}

func (f *watcherFixture) waitClosed(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.watcher.Snapshot()) == 0
	}, 2*time.Second, 5*time.Millisecond, "position should close")
}

// waitStarted and waitOutcomes wait for observer callbacks, which land just
// after the close becomes visible in Snapshot.
func (f *watcherFixture) waitStarted(t *testing.T, n int) []sellNote {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.obs.startedNotes()) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.obs.startedNotes()
}

func (f *watcherFixture) waitOutcomes(t *testing.T, n int) []ExitOutcome {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.obs.outcomes()) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.obs.outcomes()
}

func (f *watcherFixture) waitScaledOut(t *testing.T, n int) []events.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.bus.byType(events.PositionScaledOut)) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return f.bus.byType(events.PositionScaledOut)
}

func TestTakeProfitClosesAfterMinHold(t *testing.T) {
	cfg := baseConfig()
	cfg.MinHold = 120 * time.Millisecond
	cfg.TakeProfitROI = 0.2
	f := newWatcherFixture(t, cfg)

	f.quotes.set(1.25) // ROI 0.25, already past take-profit
	f.open(t, 1.0, 100)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.trader.callCount(), "no sell inside the minimum hold window")

	f.waitClosed(t)

	require.Equal(t, 1, f.trader.callCount())
	sellOrder := f.trader.call(0)
	assert.Equal(t, executor.SideSell, sellOrder.Side)
	assert.InDelta(t, 100, sellOrder.AmountIn, 1e-9)

	notes := f.waitStarted(t, 1)
	assert.Equal(t, sellNote{mint: testMint, reason: ReasonTakeProfit}, notes[0])

	outcomes := f.waitOutcomes(t, 1)
	assert.Equal(t, ReasonTakeProfit, outcomes[0].Reason)
	assert.InDelta(t, 0.25, outcomes[0].ROI, 1e-9)
	assert.InDelta(t, 100, outcomes[0].Amount, 1e-9)

	require.Eventually(t, func() bool { return len(f.store.closedNotes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ReasonTakeProfit, f.store.closedNotes()[0].reason)

	require.Eventually(t, func() bool {
		return len(f.bus.byType(events.PositionClosed)) == 1
	}, time.Second, 5*time.Millisecond)
	closed := f.bus.byType(events.PositionClosed)[0].(events.PositionClosedEvent)
	assert.Equal(t, ReasonTakeProfit, closed.Reason)
	assert.InDelta(t, 0.25, closed.ROI, 1e-9)
}

func TestStopLossClosesUnderwaterPosition(t *testing.T) {
	cfg := baseConfig()
	cfg.StopLossROI = -0.3
	f := newWatcherFixture(t, cfg)

	f.quotes.set(0.65) // ROI -0.35
	f.open(t, 1.0, 50)

	f.waitClosed(t)
	notes := f.waitStarted(t, 1)
	assert.Equal(t, ReasonStopLoss, notes[0].reason)
}

func TestMaxHoldForcesExitRegardlessOfROI(t *testing.T) {
	cfg := baseConfig()
	cfg.MinHold = 10 * time.Millisecond
	cfg.MaxHold = 50 * time.Millisecond
	f := newWatcherFixture(t, cfg)

	f.quotes.set(1.0) // flat, nothing else would ever fire
	f.open(t, 1.0, 75)

	f.waitClosed(t)
	require.Equal(t, 1, f.trader.callCount())
	assert.InDelta(t, 75, f.trader.call(0).AmountIn, 1e-9)
	notes := f.waitStarted(t, 1)
	assert.Equal(t, ReasonMaxHold, notes[0].reason)
}

func TestMissingPriceNeverSells(t *testing.T) {
	cfg := baseConfig()
	cfg.TakeProfitROI = 0.1
	f := newWatcherFixture(t, cfg)

	f.quotes.setErr(ErrPriceUnavailable)
	f.open(t, 1.0, 100)

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, f.trader.callCount(), "no quote means no decision")
	require.Len(t, f.watcher.Snapshot(), 1)

	f.quotes.set(2.0)
	f.waitClosed(t)
	assert.Equal(t, 1, f.trader.callCount())
}

func TestScaleOutTiersCascadeInOrder(t *testing.T) {
	cfg := baseConfig()
	cfg.ScaleOutTiers = []Tier{{ROI: 0.1, Fraction: 0.5}, {ROI: 0.2, Fraction: 0.25}}
	f := newWatcherFixture(t, cfg)

	f.quotes.set(1.5) // ROI 0.5 clears both tiers at once
	f.open(t, 1.0, 1000)

	scaled := f.waitScaledOut(t, 2)

	// Each tier sells its fraction of what is left at that moment.
	require.Equal(t, 2, f.trader.callCount())
	assert.InDelta(t, 500, f.trader.call(0).AmountIn, 1e-9)
	assert.InDelta(t, 125, f.trader.call(1).AmountIn, 1e-9)

	snap := f.watcher.Snapshot()
	require.Len(t, snap, 1, "scale-outs leave the position open")
	assert.InDelta(t, 375, snap[0].Amount, 1e-9)
	assert.Equal(t, 2, snap[0].NextTier)

	require.Len(t, scaled, 2)
	first := scaled[0].(events.PositionScaledOutEvent)
	second := scaled[1].(events.PositionScaledOutEvent)
	assert.Equal(t, 0, first.Tier)
	assert.Equal(t, 1, second.Tier)
	assert.InDelta(t, 375, second.Remaining, 1e-9)

	assert.Empty(t, f.obs.startedNotes(), "partial exits stay out of the lifecycle")
	assert.Equal(t, uint64(2), f.watcher.Statistics().ScaleOuts)
}

func TestScaleOutCooldownSpacesSells(t *testing.T) {
	cfg := baseConfig()
	cfg.ScaleOutTiers = []Tier{{ROI: 0.1, Fraction: 0.5}, {ROI: 0.2, Fraction: 0.25}}
	cfg.SellCooldown = 10 * time.Minute
	f := newWatcherFixture(t, cfg)

	f.quotes.set(1.5)
	f.open(t, 1.0, 1000)

	f.waitScaledOut(t, 1)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, f.trader.callCount(), "second tier must wait out the cooldown")

	snap := f.watcher.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].NextTier)
	assert.InDelta(t, 500, snap[0].Amount, 1e-9)
}

func TestFailedScaleOutRetriesSameTier(t *testing.T) {
	cfg := baseConfig()
	cfg.ScaleOutTiers = []Tier{{ROI: 0.1, Fraction: 0.5}}
	f := newWatcherFixture(t, cfg)

	f.trader.failNext(2)
	f.quotes.set(1.5)
	f.open(t, 1.0, 1000)

	require.Eventually(t, func() bool { return f.trader.callCount() >= 3 }, time.Second, 5*time.Millisecond)

	// Every attempt targets the same tier with the same untouched amount.
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 500, f.trader.call(i).AmountIn, 1e-9, "attempt %d", i)
	}
	require.Eventually(t, func() bool {
		snap := f.watcher.Snapshot()
		return len(snap) == 1 && snap[0].NextTier == 1
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, f.watcher.Statistics().SellRetries, uint64(2))
}

func TestFailedFullExitLeavesAmountForRetry(t *testing.T) {
	cfg := baseConfig()
	cfg.TakeProfitROI = 0.2
	f := newWatcherFixture(t, cfg)

	f.trader.failNext(1)
	f.quotes.set(1.5)
	f.open(t, 1.0, 100)

	f.waitClosed(t)
	require.GreaterOrEqual(t, f.trader.callCount(), 2)
	assert.InDelta(t, 100, f.trader.call(0).AmountIn, 1e-9)
	assert.InDelta(t, 100, f.trader.call(1).AmountIn, 1e-9, "retry sells the untouched amount")
	assert.Equal(t, 1, f.obs.failures())
}

func TestTrailingStopTightensWithPeak(t *testing.T) {
	cfg := baseConfig()
	cfg.TrailTiers = []TrailTier{{ROI: 0.1, Drop: 0.15}, {ROI: 0.3, Drop: 0.08}}
	f := newWatcherFixture(t, cfg)

	f.quotes.set(1.35) // peak ROI 0.35 arms the 0.08 tolerance
	f.open(t, 1.0, 200)

	require.Eventually(t, func() bool {
		snap := f.watcher.Snapshot()
		return len(snap) == 1 && snap[0].PeakROI >= 0.349
	}, time.Second, 5*time.Millisecond)

	f.quotes.set(1.30) // drop 0.05, inside tolerance
	time.Sleep(40 * time.Millisecond)
	require.Len(t, f.watcher.Snapshot(), 1, "small pull-back must not close")

	f.quotes.set(1.25) // drop 0.10 from peak, beyond 0.08
	f.waitClosed(t)

	notes := f.waitStarted(t, 1)
	assert.Equal(t, ReasonTrailingStop, notes[0].reason)
	outcomes := f.waitOutcomes(t, 1)
	assert.InDelta(t, 0.35, outcomes[0].PeakROI, 1e-9)
}

func TestTrailingToleranceNeverWidens(t *testing.T) {
	tiers := []TrailTier{{ROI: 0.1, Drop: 0.2}, {ROI: 0.3, Drop: 0.12}, {ROI: 0.6, Drop: 0.05}}

	_, armed := trailingTolerance(tiers, 0.05)
	assert.False(t, armed, "below the first threshold nothing is armed")

	previous := 1.0
	for _, peak := range []float64{0.1, 0.2, 0.3, 0.5, 0.6, 2.0} {
		tolerance, ok := trailingTolerance(tiers, peak)
		require.True(t, ok)
		assert.LessOrEqual(t, tolerance, previous, "peak %f", peak)
		previous = tolerance
	}
	tolerance, _ := trailingTolerance(tiers, 2.0)
	assert.InDelta(t, 0.05, tolerance, 1e-9)
}

func TestResidueClosesWithoutExtraSell(t *testing.T) {
	cfg := baseConfig()
	cfg.ScaleOutTiers = []Tier{{ROI: 0.1, Fraction: 0.5}}
	cfg.DustFraction = 0.6
	f := newWatcherFixture(t, cfg)

	f.quotes.set(1.5)
	f.open(t, 1.0, 1000)

	// Selling half would leave 500 of the initial 1000, under the 0.6 dust
	// line, so the tier flushes everything and the empty position closes
	// without another order.
	f.waitClosed(t)
	require.Equal(t, 1, f.trader.callCount())
	assert.InDelta(t, 1000, f.trader.call(0).AmountIn, 1e-9)

	notes := f.waitStarted(t, 1)
	assert.Equal(t, ReasonDepleted, notes[0].reason)

	require.Eventually(t, func() bool {
		return len(f.bus.byType(events.PositionClosed)) == 1
	}, time.Second, 5*time.Millisecond)
	closed := f.bus.byType(events.PositionClosed)[0].(events.PositionClosedEvent)
	assert.Equal(t, ReasonDepleted, closed.Reason)
	assert.InDelta(t, 1500, closed.RealizedQuote, 1e-9)
}

func TestTrackMergesWithWeightedEntry(t *testing.T) {
	f := newWatcherFixture(t, baseConfig())

	require.NoError(t, f.watcher.Track(Position{Mint: testMint, EntryPrice: 1.0, Amount: 100}))
	require.NoError(t, f.watcher.Track(Position{Mint: testMint, EntryPrice: 2.0, Amount: 100}))

	snap := f.watcher.Snapshot()
	require.Len(t, snap, 1)
	assert.InDelta(t, 1.5, snap[0].EntryPrice, 1e-9)
	assert.InDelta(t, 200, snap[0].Amount, 1e-9)
	assert.InDelta(t, 200, snap[0].InitialAmount, 1e-9)

	stats := f.watcher.Statistics()
	assert.Equal(t, uint64(1), stats.Tracked)
	assert.Equal(t, uint64(1), stats.Merged)
	assert.Equal(t, 1, stats.Open)

	opened := f.bus.byType(events.PositionOpened)
	assert.Len(t, opened, 1, "a merge is not a second open")
}

func TestRestoreReArmsPolling(t *testing.T) {
	cfg := baseConfig()
	cfg.TakeProfitROI = 0.2
	f := newWatcherFixture(t, cfg)

	f.quotes.set(1.4)
	restored := f.watcher.Restore([]Position{{
		Mint:       testMint,
		EntryPrice: 1.0,
		Amount:     50,
		NextTier:   1,
		PeakROI:    0.4,
		OpenedAt:   time.Now().Add(-time.Hour),
	}})
	require.Equal(t, 1, restored)
	assert.Equal(t, uint64(1), f.watcher.Statistics().Restored)
	assert.Empty(t, f.bus.byType(events.PositionOpened), "restores are not re-opens")

	// The restored loop is live: ROI 0.4 trips take-profit immediately.
	f.waitClosed(t)
	require.Equal(t, 1, f.trader.callCount())
	outcomes := f.waitOutcomes(t, 1)
	assert.InDelta(t, 0.4, outcomes[0].PeakROI, 1e-9, "peak survives the restart")
}

func TestShutdownStopsAllLoops(t *testing.T) {
	f := newWatcherFixture(t, baseConfig())
	f.open(t, 1.0, 100)

	f.watcher.Shutdown()
	require.ErrorIs(t, f.watcher.Track(Position{Mint: "Other", EntryPrice: 1, Amount: 1}), ErrWatcherStopped)

	before := f.trader.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, f.trader.callCount(), "no ticks after shutdown")
}

func TestZeroEntryPricePinsROI(t *testing.T) {
	pos := Position{EntryPrice: 0}
	assert.Zero(t, pos.ROIAt(5))
	assert.Zero(t, pos.ROIAt(0))
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults pass", func(c *Config) {}, true},
		{"max hold below min hold", func(c *Config) { c.MinHold = time.Minute; c.MaxHold = time.Second }, false},
		{"positive stop loss", func(c *Config) { c.StopLossROI = 0.1 }, false},
		{"negative take profit", func(c *Config) { c.TakeProfitROI = -0.1 }, false},
		{"tier fraction above one", func(c *Config) { c.ScaleOutTiers = []Tier{{ROI: 0.1, Fraction: 1.5}} }, false},
		{"tiers out of order", func(c *Config) {
			c.ScaleOutTiers = []Tier{{ROI: 0.3, Fraction: 0.5}, {ROI: 0.1, Fraction: 0.5}}
		}, false},
		{"trail drop grows", func(c *Config) {
			c.TrailTiers = []TrailTier{{ROI: 0.1, Drop: 0.05}, {ROI: 0.3, Drop: 0.2}}
		}, false},
		{"unknown sell strategy", func(c *Config) { c.SellStrategy = "warp" }, false},
		{"full config passes", func(c *Config) {
			c.MinHold = time.Second
			c.MaxHold = time.Minute
			c.TakeProfitROI = 0.5
			c.StopLossROI = -0.3
			c.ScaleOutTiers = []Tier{{ROI: 0.2, Fraction: 0.25}, {ROI: 0.5, Fraction: 0.5}}
			c.TrailTiers = []TrailTier{{ROI: 0.1, Drop: 0.2}, {ROI: 0.5, Drop: 0.1}}
			c.SellStrategy = executor.StrategyRPCOnly
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
