// internal/position/position.go
// Package position owns every open holding and decides when to sell it.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rovshanmuradov/sniper-core/internal/events"
	"github.com/rovshanmuradov/sniper-core/internal/executor"
)

var (
	// ErrPriceUnavailable marks a quote miss. The watcher skips the tick;
	// it never sells on missing data.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrWatcherStopped is returned by Track once Shutdown has run.
	ErrWatcherStopped = errors.New("position watcher is stopped")
)

// Exit reasons carried on close events and into persistence.
const (
	ReasonTakeProfit   = "take_profit"
	ReasonStopLoss     = "stop_loss"
	ReasonTrailingStop = "trailing_stop"
	ReasonMaxHold      = "max_hold"
	ReasonDepleted     = "depleted"
)

// Position sources.
const (
	SourceBuy      = "buy"
	SourceRestored = "restored"
)

// Quote is one price observation for a held token.
type Quote struct {
	// Price is the unit price in quote currency (SOL per token).
	Price float64
	// Liquidity is the pool depth backing the price, in quote currency.
	Liquidity float64
}

// QuoteSource prices a token by probing a sell of probeAmount tokens.
// Implementations return ErrPriceUnavailable when no route exists yet.
type QuoteSource interface {
	PriceOf(ctx context.Context, mint string, probeAmount float64) (Quote, error)
}

// Trader submits sells. *executor.Router satisfies it.
type Trader interface {
	ExecuteTrade(ctx context.Context, params executor.TradeParams, override ...executor.Strategy) (executor.ExecutionResult, error)
}

// Store is the slice of the persistence layer the watcher writes to. All
// writes are fire-and-forget; a slow store never delays a sell decision.
type Store interface {
	SavePosition(ctx context.Context, p Position) error
	UpdatePosition(ctx context.Context, p Position) error
	ClosePosition(ctx context.Context, mint, reason string) error
}

// Publisher is the slice of the event bus the watcher needs.
type Publisher interface {
	Publish(event events.Event) error
}

// ExitObserver is notified around closing sells so the token lifecycle can
// follow the position out. Partial scale-outs do not go through it; the
// token keeps its held state while tiers fire.
type ExitObserver interface {
	SellStarted(mint, reason string)
	SellSucceeded(mint string, outcome ExitOutcome)
	SellFailed(mint string, err error)
}

// ExitOutcome describes the sell that closed a position. A depletion close
// carries a zero Amount and no signature.
type ExitOutcome struct {
	Signature string
	Method    string
	Reason    string
	Price     float64
	Amount    float64
	Proceeds  float64
	ROI       float64
	PeakROI   float64
	HeldFor   time.Duration
	Duration  time.Duration
}

// Position is one open holding. The watcher owns it exclusively; callers
// only ever see copies.
type Position struct {
	Mint           string    `json:"mint"`
	EntryPrice     float64   `json:"entry_price"`
	Amount         float64   `json:"amount"`
	InitialAmount  float64   `json:"initial_amount"`
	EntrySignature string    `json:"entry_signature,omitempty"`
	Source         string    `json:"source"`
	OpenedAt       time.Time `json:"opened_at"`
	PeakROI        float64   `json:"peak_roi"`
	NextTier       int       `json:"next_tier"`
	LastSellAt     time.Time `json:"last_sell_at,omitempty"`
	RealizedQuote  float64   `json:"realized_quote"`
}

// ROIAt returns the return on investment at price. A zero entry price (a
// simulated fill) pins ROI to zero so only time-based exits apply.
func (p Position) ROIAt(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// HeldFor is the time since the position was opened.
func (p Position) HeldFor() time.Duration {
	return time.Since(p.OpenedAt)
}

// Tier is one scale-out step: once ROI reaches ROI, sell Fraction of the
// remaining amount. Tiers fire in order and never re-fire.
type Tier struct {
	ROI      float64 `json:"roi"`
	Fraction float64 `json:"fraction"`
}

// TrailTier widens the trailing stop as profit grows: once peak ROI reaches
// ROI, a pull-back of Drop from the peak closes the position. With several
// tiers reached, the smallest Drop wins.
type TrailTier struct {
	ROI  float64 `json:"roi"`
	Drop float64 `json:"drop"`
}

// Config tunes the exit watcher. Zero values disable the matching rule
// except PollInterval, which defaults to 500ms.
type Config struct {
	// PollInterval is the cadence of each per-position price check.
	PollInterval time.Duration
	// MinHold gates every exit rule; no sell fires before it elapses.
	MinHold time.Duration
	// MaxHold forces a full exit regardless of ROI. Zero disables.
	MaxHold time.Duration
	// TakeProfitROI closes the position once ROI reaches it. Zero disables.
	TakeProfitROI float64
	// StopLossROI closes the position once ROI falls to it. Must be
	// negative; zero disables.
	StopLossROI float64
	// ScaleOutTiers are partial exits, ascending by ROI.
	ScaleOutTiers []Tier
	// TrailTiers arm the dynamic trailing stop, ascending by ROI with
	// non-increasing drops.
	TrailTiers []TrailTier
	// SellCooldown is the minimum gap between consecutive scale-outs on
	// one position.
	SellCooldown time.Duration
	// DustFraction is the residue, as a fraction of the initial amount,
	// below which a position counts as closed without another sell.
	DustFraction float64
	// ProbeAmount is the token amount quoted on each tick.
	ProbeAmount float64
	// SellSlippageBP is the slippage tolerance for exit swaps.
	SellSlippageBP uint64
	// SellStrategy overrides the router default for exits. Empty keeps it.
	SellStrategy executor.Strategy
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ProbeAmount <= 0 {
		c.ProbeAmount = 1
	}
	if c.SellSlippageBP == 0 {
		c.SellSlippageBP = 500
	}
}

// Validate rejects configurations the tick loop cannot honor.
func (c Config) Validate() error {
	if c.MinHold < 0 || c.MaxHold < 0 {
		return errors.New("position config: negative hold duration")
	}
	if c.MaxHold > 0 && c.MaxHold <= c.MinHold {
		return errors.New("position config: max hold must exceed min hold")
	}
	if c.TakeProfitROI < 0 {
		return errors.New("position config: take profit ROI must be positive")
	}
	if c.StopLossROI > 0 {
		return errors.New("position config: stop loss ROI must be negative")
	}
	if c.SellCooldown < 0 {
		return errors.New("position config: negative sell cooldown")
	}
	if c.DustFraction < 0 || c.DustFraction >= 1 {
		return errors.New("position config: dust fraction out of range")
	}
	for i, tier := range c.ScaleOutTiers {
		if tier.ROI <= 0 {
			return fmt.Errorf("position config: scale-out tier %d has non-positive ROI", i)
		}
		if tier.Fraction <= 0 || tier.Fraction > 1 {
			return fmt.Errorf("position config: scale-out tier %d fraction %.3f outside (0,1]", i, tier.Fraction)
		}
		if i > 0 && tier.ROI <= c.ScaleOutTiers[i-1].ROI {
			return fmt.Errorf("position config: scale-out tiers must ascend by ROI (tier %d)", i)
		}
	}
	for i, tier := range c.TrailTiers {
		if tier.ROI < 0 {
			return fmt.Errorf("position config: trail tier %d has negative ROI", i)
		}
		if tier.Drop <= 0 {
			return fmt.Errorf("position config: trail tier %d needs a positive drop", i)
		}
		if i > 0 {
			if tier.ROI <= c.TrailTiers[i-1].ROI {
				return fmt.Errorf("position config: trail tiers must ascend by ROI (tier %d)", i)
			}
			if tier.Drop > c.TrailTiers[i-1].Drop {
				return fmt.Errorf("position config: trail drops must not grow with ROI (tier %d)", i)
			}
		}
	}
	if c.SellStrategy != "" {
		if _, err := executor.ParseStrategy(string(c.SellStrategy)); err != nil {
			return fmt.Errorf("position config: %w", err)
		}
	}
	return nil
}

// trailingTolerance is the smallest drop among trail tiers whose threshold
// the peak ROI has reached. ok is false while no tier is armed yet.
func trailingTolerance(tiers []TrailTier, peakROI float64) (tolerance float64, ok bool) {
	for _, tier := range tiers {
		if peakROI < tier.ROI {
			continue
		}
		if !ok || tier.Drop < tolerance {
			tolerance = tier.Drop
		}
		ok = true
	}
	return tolerance, ok
}
