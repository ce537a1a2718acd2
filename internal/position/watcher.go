// internal/position/watcher.go
package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/sniper-core/internal/events"
	"github.com/rovshanmuradov/sniper-core/internal/executor"
	"github.com/rovshanmuradov/sniper-core/internal/sched"
)

// Deps are the watcher's collaborators. Quotes and Trader are required;
// Observer, Store and Bus may be nil.
type Deps struct {
	Quotes   QuoteSource
	Trader   Trader
	Observer ExitObserver
	Store    Store
	Bus      Publisher
}

// holding pairs a position with its poll loop. The ticker serializes all
// selling on the position; the mutex covers reads and merges from outside.
type holding struct {
	mu     sync.Mutex
	pos    Position
	ticker *sched.Ticker
	closed bool
}

// Watcher re-prices every open position on its own timer and walks the exit
// rules: max-hold, scale-out tiers, take-profit / stop-loss / trailing stop,
// depletion. All sells go through the trader; a failed sell leaves the
// position untouched so the next tick retries it.
type Watcher struct {
	cfg      Config
	quotes   QuoteSource
	trader   Trader
	observer ExitObserver
	store    Store
	bus      Publisher
	logger   *zap.Logger

	runCtx context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	positions      map[string]*holding
	realized       float64
	closedByReason map[string]uint64
	stopped        bool

	tracked     atomic.Uint64
	merged      atomic.Uint64
	restored    atomic.Uint64
	scaleOuts   atomic.Uint64
	closedCount atomic.Uint64
	sellRetries atomic.Uint64
}

// WatcherStats is a point-in-time snapshot of the watcher's counters.
type WatcherStats struct {
	Open           int               `json:"open"`
	Tracked        uint64            `json:"tracked"`
	Merged         uint64            `json:"merged"`
	Restored       uint64            `json:"restored"`
	ScaleOuts      uint64            `json:"scale_outs"`
	Closed         uint64            `json:"closed"`
	SellRetries    uint64            `json:"sell_retries"`
	RealizedQuote  float64           `json:"realized_quote"`
	ClosedByReason map[string]uint64 `json:"closed_by_reason"`
}

func NewWatcher(cfg Config, deps Deps, logger *zap.Logger) (*Watcher, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Quotes == nil {
		return nil, errors.New("position: quote source is required")
	}
	if deps.Trader == nil {
		return nil, errors.New("position: trader is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		cfg:            cfg,
		quotes:         deps.Quotes,
		trader:         deps.Trader,
		observer:       deps.Observer,
		store:          deps.Store,
		bus:            deps.Bus,
		logger:         logger.Named("positions"),
		runCtx:         ctx,
		cancel:         cancel,
		positions:      make(map[string]*holding),
		closedByReason: make(map[string]uint64),
	}, nil
}

// Track registers a buy. A second buy into an open position merges with a
// weighted-average entry price instead of spawning a second poll loop.
func (w *Watcher) Track(pos Position) error {
	if pos.Mint == "" {
		return errors.New("position: empty mint")
	}
	if pos.Amount <= 0 {
		return fmt.Errorf("position: non-positive amount %f", pos.Amount)
	}
	if pos.InitialAmount < pos.Amount {
		pos.InitialAmount = pos.Amount
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now()
	}
	if pos.Source == "" {
		pos.Source = SourceBuy
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrWatcherStopped
	}
	h, exists := w.positions[pos.Mint]
	if !exists {
		h = &holding{pos: pos}
		h.ticker = sched.NewTicker("position_"+shortMint(pos.Mint), w.cfg.PollInterval, w.logger,
			func(ctx context.Context) { w.tick(ctx, h) })
		w.positions[pos.Mint] = h
		runCtx := w.runCtx
		w.mu.Unlock()

		w.tracked.Add(1)
		h.ticker.Start(runCtx)
		w.persist("save", func(ctx context.Context) error { return w.store.SavePosition(ctx, pos) })
		if pos.Source != SourceRestored && w.bus != nil {
			_ = w.bus.Publish(events.PositionOpenedEvent{
				BaseEvent:  events.NewBase(events.PositionOpened),
				Mint:       pos.Mint,
				EntryPrice: pos.EntryPrice,
				Amount:     pos.Amount,
			})
		}
		w.logger.Info("📈 Tracking position",
			zap.String("mint", pos.Mint),
			zap.Float64("entry_price", pos.EntryPrice),
			zap.Float64("amount", pos.Amount),
			zap.String("source", pos.Source))
		return nil
	}
	w.mu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("position: %s is mid-close, cannot add", pos.Mint)
	}
	total := h.pos.Amount + pos.Amount
	h.pos.EntryPrice = (h.pos.EntryPrice*h.pos.Amount + pos.EntryPrice*pos.Amount) / total
	h.pos.Amount = total
	h.pos.InitialAmount += pos.Amount
	snap := h.pos
	h.mu.Unlock()

	w.merged.Add(1)
	w.persist("update", func(ctx context.Context) error { return w.store.UpdatePosition(ctx, snap) })
	w.logger.Info("📈 Added to position",
		zap.String("mint", snap.Mint),
		zap.Float64("entry_price", snap.EntryPrice),
		zap.Float64("amount", snap.Amount))
	return nil
}

// Restore re-arms poll loops for positions recovered from the store.
// Unrestorable entries are skipped, not fatal.
func (w *Watcher) Restore(positions []Position) int {
	restored := 0
	for _, pos := range positions {
		pos.Source = SourceRestored
		if err := w.Track(pos); err != nil {
			w.logger.Warn("Skipping unrestorable position",
				zap.String("mint", pos.Mint),
				zap.Error(err))
			continue
		}
		restored++
	}
	w.restored.Add(uint64(restored))
	if restored > 0 {
		w.logger.Info("🔄 Restored positions", zap.Int("count", restored))
	}
	return restored
}

// Shutdown stops every poll loop and waits for in-flight ticks. Open
// positions stay in the store so the next run can restore them.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	holdings := make([]*holding, 0, len(w.positions))
	for _, h := range w.positions {
		holdings = append(holdings, h)
	}
	w.mu.Unlock()

	w.cancel()
	for _, h := range holdings {
		h.ticker.Stop()
	}
	w.logger.Info("Position watcher stopped", zap.Int("open", len(holdings)))
}

// Snapshot returns copies of all open positions, oldest first.
func (w *Watcher) Snapshot() []Position {
	w.mu.Lock()
	holdings := make([]*holding, 0, len(w.positions))
	for _, h := range w.positions {
		holdings = append(holdings, h)
	}
	w.mu.Unlock()

	out := make([]Position, 0, len(holdings))
	for _, h := range holdings {
		h.mu.Lock()
		if !h.closed {
			out = append(out, h.pos)
		}
		h.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Statistics returns the watcher's counters.
func (w *Watcher) Statistics() WatcherStats {
	w.mu.Lock()
	open := len(w.positions)
	realized := w.realized
	byReason := make(map[string]uint64, len(w.closedByReason))
	for reason, n := range w.closedByReason {
		byReason[reason] = n
	}
	w.mu.Unlock()

	return WatcherStats{
		Open:           open,
		Tracked:        w.tracked.Load(),
		Merged:         w.merged.Load(),
		Restored:       w.restored.Load(),
		ScaleOuts:      w.scaleOuts.Load(),
		Closed:         w.closedCount.Load(),
		SellRetries:    w.sellRetries.Load(),
		RealizedQuote:  realized,
		ClosedByReason: byReason,
	}
}

// tick is one poll pass over a single position: price it, update peak ROI,
// then walk the exit rules in priority order. No quote means no decision.
func (w *Watcher) tick(ctx context.Context, h *holding) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	pos := h.pos
	h.mu.Unlock()

	quote, err := w.quotes.PriceOf(ctx, pos.Mint, w.cfg.ProbeAmount)
	switch {
	case errors.Is(err, ErrPriceUnavailable):
		w.logger.Debug("Price unavailable, skipping tick", zap.String("mint", pos.Mint))
		return
	case err != nil:
		w.logger.Warn("Quote failed, skipping tick",
			zap.String("mint", pos.Mint),
			zap.Error(err))
		return
	case quote.Price <= 0:
		w.logger.Debug("Empty quote, skipping tick", zap.String("mint", pos.Mint))
		return
	}
	price := quote.Price

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	roi := h.pos.ROIAt(price)
	if roi > h.pos.PeakROI {
		h.pos.PeakROI = roi
	}
	pos = h.pos
	h.mu.Unlock()

	held := time.Since(pos.OpenedAt)
	if held < w.cfg.MinHold {
		return
	}

	if w.cfg.MaxHold > 0 && held >= w.cfg.MaxHold {
		w.exit(ctx, h, price, roi, ReasonMaxHold)
		return
	}

	w.runScaleOuts(ctx, h, price, roi)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	pos = h.pos
	h.mu.Unlock()

	if reason, ok := w.exitTrigger(roi, pos.PeakROI); ok {
		w.exit(ctx, h, price, roi, reason)
		return
	}
	if pos.Amount <= w.dustFor(pos) {
		w.closeDepleted(h, price, roi)
	}
}

// runScaleOuts fires due tiers in order: each sells the tier's fraction of
// the current remaining amount. A tier advances only on a confirmed sell, so
// a failed one retries on the next tick without skipping ahead.
func (w *Watcher) runScaleOuts(ctx context.Context, h *holding, price, roi float64) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		pos := h.pos
		h.mu.Unlock()

		if pos.NextTier >= len(w.cfg.ScaleOutTiers) {
			return
		}
		tier := w.cfg.ScaleOutTiers[pos.NextTier]
		if roi < tier.ROI {
			return
		}
		if w.cfg.SellCooldown > 0 && !pos.LastSellAt.IsZero() && time.Since(pos.LastSellAt) < w.cfg.SellCooldown {
			return
		}
		if pos.Amount <= w.dustFor(pos) {
			return
		}

		sellAmount := pos.Amount * tier.Fraction
		if pos.Amount-sellAmount <= w.dustFor(pos) {
			// The leftover would be unsellable dust; flush it all now.
			sellAmount = pos.Amount
		}

		res, err := w.sell(ctx, pos.Mint, sellAmount, price)
		if err != nil {
			w.sellRetries.Add(1)
			w.logger.Warn("🔁 Scale-out sell failed, retrying next tick",
				zap.String("mint", pos.Mint),
				zap.Int("tier", pos.NextTier),
				zap.Error(err))
			return
		}

		h.mu.Lock()
		h.pos.Amount -= sellAmount
		if h.pos.Amount < 0 {
			h.pos.Amount = 0
		}
		h.pos.NextTier++
		h.pos.LastSellAt = time.Now()
		h.pos.RealizedQuote += res.AmountOut
		snap := h.pos
		h.mu.Unlock()

		w.scaleOuts.Add(1)
		w.addRealized(res.AmountOut)
		w.persist("update", func(ctx context.Context) error { return w.store.UpdatePosition(ctx, snap) })
		if w.bus != nil {
			_ = w.bus.Publish(events.PositionScaledOutEvent{
				BaseEvent:  events.NewBase(events.PositionScaledOut),
				Mint:       snap.Mint,
				Tier:       snap.NextTier - 1,
				AmountSold: sellAmount,
				Remaining:  snap.Amount,
				ROI:        roi,
			})
		}
		w.logger.Info("💰 Scale-out tier filled",
			zap.String("mint", snap.Mint),
			zap.Int("tier", snap.NextTier-1),
			zap.Float64("sold", sellAmount),
			zap.Float64("remaining", snap.Amount),
			zap.Float64("roi", roi))
	}
}

// dustFor is the depletion threshold for one position, scaled off its
// initial size.
func (w *Watcher) dustFor(pos Position) float64 {
	return pos.InitialAmount * w.cfg.DustFraction
}

// exitTrigger picks the first full-exit rule the tick satisfies.
func (w *Watcher) exitTrigger(roi, peakROI float64) (string, bool) {
	if w.cfg.TakeProfitROI > 0 && roi >= w.cfg.TakeProfitROI {
		return ReasonTakeProfit, true
	}
	if w.cfg.StopLossROI < 0 && roi <= w.cfg.StopLossROI {
		return ReasonStopLoss, true
	}
	if tolerance, armed := trailingTolerance(w.cfg.TrailTiers, peakROI); armed && peakROI-roi >= tolerance {
		return ReasonTrailingStop, true
	}
	return "", false
}

// exit sells the full remaining amount and closes the position. The holding
// stays locked across the sell so a re-buy cannot slip in between the fill
// and the close.
func (w *Watcher) exit(ctx context.Context, h *holding, price, roi float64, reason string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if h.pos.Amount <= w.dustFor(h.pos) {
		w.closeLocked(h, ExitOutcome{
			Reason:  ReasonDepleted,
			Price:   price,
			ROI:     roi,
			PeakROI: h.pos.PeakROI,
			HeldFor: time.Since(h.pos.OpenedAt),
		})
		return
	}
	pos := h.pos

	if w.observer != nil {
		w.observer.SellStarted(pos.Mint, reason)
	}
	res, err := w.sell(ctx, pos.Mint, pos.Amount, price)
	if err != nil {
		h.mu.Unlock()
		w.sellRetries.Add(1)
		if w.observer != nil {
			w.observer.SellFailed(pos.Mint, err)
		}
		w.logger.Warn("🔁 Exit sell failed, retrying next tick",
			zap.String("mint", pos.Mint),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}

	h.pos.Amount = 0
	h.pos.LastSellAt = time.Now()
	h.pos.RealizedQuote += res.AmountOut
	fillPrice := res.Price
	if fillPrice <= 0 {
		fillPrice = price
	}
	outcome := ExitOutcome{
		Signature: res.Signature,
		Method:    string(res.Method),
		Reason:    reason,
		Price:     fillPrice,
		Amount:    pos.Amount,
		Proceeds:  res.AmountOut,
		ROI:       roi,
		PeakROI:   h.pos.PeakROI,
		HeldFor:   time.Since(h.pos.OpenedAt),
		Duration:  res.Duration,
	}
	w.closeLocked(h, outcome)
	w.addRealized(res.AmountOut)
	if w.observer != nil {
		w.observer.SellSucceeded(pos.Mint, outcome)
	}
}

// closeDepleted retires a position whose residue is below the dust line.
// There is nothing left worth selling, so no order is submitted.
func (w *Watcher) closeDepleted(h *holding, price, roi float64) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	mint := h.pos.Mint
	outcome := ExitOutcome{
		Reason:  ReasonDepleted,
		Price:   price,
		ROI:     roi,
		PeakROI: h.pos.PeakROI,
		HeldFor: time.Since(h.pos.OpenedAt),
	}
	w.closeLocked(h, outcome)
	if w.observer != nil {
		w.observer.SellStarted(mint, ReasonDepleted)
		w.observer.SellSucceeded(mint, outcome)
	}
}

// closeLocked finalizes a close. The holding's mutex must be held; it is
// released here. The ticker is stopped from a fresh goroutine because Stop
// waits for the running callback, which is us.
func (w *Watcher) closeLocked(h *holding, outcome ExitOutcome) {
	h.closed = true
	pos := h.pos
	h.mu.Unlock()

	go h.ticker.Stop()

	w.mu.Lock()
	delete(w.positions, pos.Mint)
	w.closedByReason[outcome.Reason]++
	w.mu.Unlock()
	w.closedCount.Add(1)

	w.persist("close", func(ctx context.Context) error {
		return w.store.ClosePosition(ctx, pos.Mint, outcome.Reason)
	})
	if w.bus != nil {
		_ = w.bus.Publish(events.PositionClosedEvent{
			BaseEvent:     events.NewBase(events.PositionClosed),
			Mint:          pos.Mint,
			Reason:        outcome.Reason,
			ROI:           outcome.ROI,
			PeakROI:       outcome.PeakROI,
			RealizedQuote: pos.RealizedQuote,
			HeldFor:       outcome.HeldFor,
		})
	}
	w.logger.Info("🏁 Position closed",
		zap.String("mint", pos.Mint),
		zap.String("reason", outcome.Reason),
		zap.Float64("roi", outcome.ROI),
		zap.Float64("peak_roi", outcome.PeakROI),
		zap.Float64("realized", pos.RealizedQuote),
		zap.Duration("held", outcome.HeldFor))
}

// sell routes one exit order through the trader.
func (w *Watcher) sell(ctx context.Context, mint string, amount, price float64) (executor.ExecutionResult, error) {
	params := executor.TradeParams{
		Mint:          mint,
		Side:          executor.SideSell,
		AmountIn:      amount,
		SlippageBP:    w.cfg.SellSlippageBP,
		ExpectedPrice: price,
	}
	var res executor.ExecutionResult
	var err error
	if w.cfg.SellStrategy != "" {
		res, err = w.trader.ExecuteTrade(ctx, params, w.cfg.SellStrategy)
	} else {
		res, err = w.trader.ExecuteTrade(ctx, params)
	}
	if err != nil {
		return res, err
	}
	if !res.Success {
		return res, errors.New(res.Error)
	}
	return res, nil
}

func (w *Watcher) addRealized(proceeds float64) {
	if proceeds <= 0 {
		return
	}
	w.mu.Lock()
	w.realized += proceeds
	w.mu.Unlock()
}

// persist runs one store write detached from the tick. Failures are logged,
// never propagated: durability is the store's problem, not the sell path's.
func (w *Watcher) persist(op string, fn func(ctx context.Context) error) {
	if w.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			w.logger.Warn("Position persistence failed",
				zap.String("op", op),
				zap.Error(err))
		}
	}()
}

func shortMint(mint string) string {
	if len(mint) > 8 {
		return mint[:8]
	}
	return mint
}
