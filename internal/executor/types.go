// internal/executor/types.go
package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrAllPathsFailed means every submission path the strategy allows
	// was attempted and none produced a confirmed fill.
	ErrAllPathsFailed = errors.New("all execution paths failed")
	// ErrUnknownStrategy means the strategy name is not one of the four
	// supported routing modes.
	ErrUnknownStrategy = errors.New("unknown execution strategy")
)

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Strategy selects how the router spreads a trade across submission paths.
type Strategy string

const (
	// StrategyJitoOnly submits through the private sender and never
	// touches the public RPC path.
	StrategyJitoOnly Strategy = "jito_only"
	// StrategyRPCOnly submits through public RPC only.
	StrategyRPCOnly Strategy = "rpc_only"
	// StrategyJitoFallback tries the private sender first and falls back
	// to public RPC if it fails. This is the default.
	StrategyJitoFallback Strategy = "jito_fallback"
	// StrategyRace submits on both paths at once and reports the faster
	// confirmation; a double fill is surfaced, never reconciled.
	StrategyRace Strategy = "race"
)

// ParseStrategy maps a config string onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyJitoOnly, StrategyRPCOnly, StrategyJitoFallback, StrategyRace:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Method identifies which path produced a fill.
type Method string

const (
	MethodJito      Method = "jito"
	MethodRPC       Method = "rpc"
	MethodSimulated Method = "simulated"
)

// TradeParams describes one trade intent handed to the router.
type TradeParams struct {
	Mint string
	Side Side
	// AmountIn is SOL for buys and token quantity for sells.
	AmountIn   float64
	SlippageBP uint64
	// PoolHint carries the discovery feed's pool type so the swap
	// provider can skip venue detection.
	PoolHint string
	// ExpectedPrice seeds simulated fills and sanity logging; zero means
	// unknown.
	ExpectedPrice float64
}

// Validate rejects parameters the router cannot act on.
func (p TradeParams) Validate() error {
	if p.Mint == "" {
		return errors.New("trade params: empty mint")
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return fmt.Errorf("trade params: bad side %q", p.Side)
	}
	if p.AmountIn <= 0 {
		return fmt.Errorf("trade params: non-positive amount %f", p.AmountIn)
	}
	return nil
}

// SwapRequest is what the router asks the swap provider to prepare.
type SwapRequest struct {
	Mint       string
	Side       Side
	AmountIn   float64
	SlippageBP uint64
	PoolHint   string
}

// PreparedSwap is an unsigned swap transaction plus the quote it was built
// from. The router decorates it with path-specific fee instructions before
// signing.
type PreparedSwap struct {
	Transaction *solana.Transaction
	// ExpectedOut is the quoted output amount: tokens for buys, SOL for
	// sells.
	ExpectedOut float64
	// Price is SOL per token at quote time.
	Price float64
}

// PathResult is the outcome of one submission path attempt.
type PathResult struct {
	Method      Method
	Signature   string
	Price       float64
	ExpectedOut float64
	Err         error
	Duration    time.Duration
}

// ExecutionResult is the router's settled view of one trade intent. The
// attempt flags are accurate regardless of outcome: a path is marked
// attempted only if a transaction was actually prepared for it.
type ExecutionResult struct {
	Success   bool
	Signature string
	Method    Method
	// Price is SOL per token on the winning fill.
	Price float64
	// AmountOut is tokens received for buys, SOL received for sells.
	AmountOut       float64
	JitoAttempted   bool
	PublicAttempted bool
	FallbackUsed    bool
	// BothSucceeded flags a race-mode double fill. The duplicate is
	// reported, not unwound.
	BothSucceeded      bool
	DuplicateSignature string
	Duration           time.Duration
	Error              string
}
