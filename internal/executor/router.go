// internal/executor/router.go
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/sniper-core/internal/events"
	"github.com/rovshanmuradov/sniper-core/internal/sched"
)

// SwapProvider prepares unsigned swap transactions from live quotes.
type SwapProvider interface {
	PrepareSwap(ctx context.Context, req SwapRequest) (PreparedSwap, error)
}

// Signer signs transactions with the trading wallet.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(tx *solana.Transaction) error
}

// Submitter is one submission path.
type Submitter interface {
	Method() Method
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// Confirmer waits until a signature is confirmed on chain.
type Confirmer interface {
	WaitForSignature(ctx context.Context, sig solana.Signature) error
}

// Publisher is the slice of the event bus the router needs.
type Publisher interface {
	Publish(event events.Event) error
}

// Config carries the router's strategy default and per-path deadlines.
type Config struct {
	DefaultStrategy Strategy
	JitoTimeout     time.Duration
	PublicTimeout   time.Duration
	// FallbackDelay pauses between a failed jito attempt and the public
	// retry, leaving in-flight bundles a window to land.
	FallbackDelay time.Duration
	// DryRun short-circuits every trade into a simulated fill.
	DryRun bool
}

// Deps are the router's collaborators.
type Deps struct {
	Swap    SwapProvider
	Fees    FeeEstimator
	Signer  Signer
	Jito    Submitter
	Public  Submitter
	Confirm Confirmer
	Bus     Publisher
}

// Router turns trade intents into confirmed fills. Each path attempt is
// quote → decorate with path fees → sign → submit → confirm, bounded by a
// hard per-path deadline; the strategy decides how paths combine.
type Router struct {
	cfg     Config
	swap    SwapProvider
	fees    FeeEstimator
	signer  Signer
	jito    Submitter
	public  Submitter
	confirm Confirmer
	bus     Publisher
	logger  *zap.Logger

	total      atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	jitoWins   atomic.Uint64
	publicWins atomic.Uint64
	fallbacks  atomic.Uint64
	races      atomic.Uint64
	duplicates atomic.Uint64
	durationNS atomic.Int64
}

// RouterStats is a point-in-time counter snapshot.
type RouterStats struct {
	Total       uint64        `json:"total"`
	Succeeded   uint64        `json:"succeeded"`
	Failed      uint64        `json:"failed"`
	JitoWins    uint64        `json:"jito_wins"`
	PublicWins  uint64        `json:"public_wins"`
	Fallbacks   uint64        `json:"fallbacks"`
	Races       uint64        `json:"races"`
	Duplicates  uint64        `json:"duplicates"`
	AvgDuration time.Duration `json:"avg_duration"`
}

func NewRouter(cfg Config, deps Deps, logger *zap.Logger) (*Router, error) {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyJitoFallback
	}
	if _, err := ParseStrategy(string(cfg.DefaultStrategy)); err != nil {
		return nil, err
	}
	if cfg.JitoTimeout <= 0 {
		cfg.JitoTimeout = 10 * time.Second
	}
	if cfg.PublicTimeout <= 0 {
		cfg.PublicTimeout = 20 * time.Second
	}
	if !cfg.DryRun {
		switch {
		case deps.Swap == nil:
			return nil, fmt.Errorf("executor: swap provider is required")
		case deps.Fees == nil:
			return nil, fmt.Errorf("executor: fee estimator is required")
		case deps.Signer == nil:
			return nil, fmt.Errorf("executor: signer is required")
		case deps.Jito == nil || deps.Public == nil:
			return nil, fmt.Errorf("executor: both submitters are required")
		case deps.Confirm == nil:
			return nil, fmt.Errorf("executor: confirmer is required")
		}
	}
	return &Router{
		cfg:     cfg,
		swap:    deps.Swap,
		fees:    deps.Fees,
		signer:  deps.Signer,
		jito:    deps.Jito,
		public:  deps.Public,
		confirm: deps.Confirm,
		bus:     deps.Bus,
		logger:  logger.Named("executor"),
	}, nil
}

// ExecuteTrade runs one trade intent through the configured strategy, or
// through the override when given. The returned result is populated even on
// failure so callers can see which paths were attempted.
func (r *Router) ExecuteTrade(ctx context.Context, params TradeParams, override ...Strategy) (ExecutionResult, error) {
	started := time.Now()
	if err := params.Validate(); err != nil {
		return ExecutionResult{Error: err.Error()}, err
	}
	strategy := r.cfg.DefaultStrategy
	if len(override) > 0 && override[0] != "" {
		strategy = override[0]
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return ExecutionResult{Error: err.Error()}, err
	}

	r.total.Add(1)
	var res ExecutionResult
	switch {
	case r.cfg.DryRun:
		res = r.simulate(params)
	case strategy == StrategyJitoOnly:
		res = r.executeSingle(ctx, params, r.jito, r.cfg.JitoTimeout)
	case strategy == StrategyRPCOnly:
		res = r.executeSingle(ctx, params, r.public, r.cfg.PublicTimeout)
	case strategy == StrategyRace:
		res = r.executeRace(ctx, params)
	default:
		res = r.executeFallback(ctx, params)
	}
	res.Duration = time.Since(started)
	r.finish(params, strategy, &res)

	if !res.Success {
		return res, fmt.Errorf("%w: %s", ErrAllPathsFailed, res.Error)
	}
	return res, nil
}

// Statistics returns the router's counters.
func (r *Router) Statistics() RouterStats {
	s := RouterStats{
		Total:      r.total.Load(),
		Succeeded:  r.succeeded.Load(),
		Failed:     r.failed.Load(),
		JitoWins:   r.jitoWins.Load(),
		PublicWins: r.publicWins.Load(),
		Fallbacks:  r.fallbacks.Load(),
		Races:      r.races.Load(),
		Duplicates: r.duplicates.Load(),
	}
	if s.Total > 0 {
		s.AvgDuration = time.Duration(r.durationNS.Load() / int64(s.Total))
	}
	return s
}

// runPath executes one full path attempt under a hard deadline. A late
// result after the deadline is discarded by sched.Call.
func (r *Router) runPath(ctx context.Context, params TradeParams, sub Submitter, timeout time.Duration) PathResult {
	started := time.Now()
	method := sub.Method()

	out, err := sched.Call(ctx, timeout, func(ctx context.Context) (pathOutcome, error) {
		prepared, err := r.swap.PrepareSwap(ctx, SwapRequest{
			Mint:       params.Mint,
			Side:       params.Side,
			AmountIn:   params.AmountIn,
			SlippageBP: params.SlippageBP,
			PoolHint:   params.PoolHint,
		})
		if err != nil {
			return pathOutcome{}, fmt.Errorf("prepare swap: %w", err)
		}
		tx := prepared.Transaction

		switch method {
		case MethodJito:
			tip, err := r.fees.JitoTip(ctx)
			if err != nil {
				return pathOutcome{}, fmt.Errorf("tip estimate: %w", err)
			}
			if err := attachTip(tx, r.signer.PublicKey(), tip); err != nil {
				return pathOutcome{}, fmt.Errorf("attach tip: %w", err)
			}
		case MethodRPC:
			fee, err := r.fees.PriorityFee(ctx)
			if err != nil {
				return pathOutcome{}, fmt.Errorf("fee estimate: %w", err)
			}
			if fee > 0 {
				if err := attachPriorityFee(tx, fee); err != nil {
					return pathOutcome{}, fmt.Errorf("attach priority fee: %w", err)
				}
			}
		}

		if err := r.signer.Sign(tx); err != nil {
			return pathOutcome{}, fmt.Errorf("sign: %w", err)
		}
		sig, err := sub.Submit(ctx, tx)
		if err != nil {
			return pathOutcome{}, fmt.Errorf("%s submit: %w", method, err)
		}
		if err := r.confirm.WaitForSignature(ctx, sig); err != nil {
			return pathOutcome{}, fmt.Errorf("%s confirm %s: %w", method, sig, err)
		}
		return pathOutcome{sig: sig, prepared: prepared}, nil
	})

	pr := PathResult{Method: method, Duration: time.Since(started), Err: err}
	if err == nil {
		pr.Signature = out.sig.String()
		pr.Price = out.prepared.Price
		pr.ExpectedOut = out.prepared.ExpectedOut
	}
	return pr
}

type pathOutcome struct {
	sig      solana.Signature
	prepared PreparedSwap
}

func (r *Router) executeSingle(ctx context.Context, params TradeParams, sub Submitter, timeout time.Duration) ExecutionResult {
	pr := r.runPath(ctx, params, sub, timeout)
	res := ExecutionResult{
		JitoAttempted:   pr.Method == MethodJito,
		PublicAttempted: pr.Method == MethodRPC,
	}
	applyPath(&res, pr)
	return res
}

func (r *Router) executeFallback(ctx context.Context, params TradeParams) ExecutionResult {
	jr := r.runPath(ctx, params, r.jito, r.cfg.JitoTimeout)
	res := ExecutionResult{JitoAttempted: true}
	if jr.Err == nil {
		applyPath(&res, jr)
		return res
	}

	r.logger.Warn("🔁 Private path failed, falling back to public RPC",
		zap.String("mint", params.Mint),
		zap.Error(jr.Err))
	r.fallbacks.Add(1)
	res.FallbackUsed = true

	if r.cfg.FallbackDelay > 0 {
		select {
		case <-ctx.Done():
			res.Error = fmt.Sprintf("jito: %v; rpc: %v", jr.Err, ctx.Err())
			return res
		case <-time.After(r.cfg.FallbackDelay):
		}
	}

	res.PublicAttempted = true
	pr := r.runPath(ctx, params, r.public, r.cfg.PublicTimeout)
	if pr.Err != nil {
		res.Error = fmt.Sprintf("jito: %v; rpc: %v", jr.Err, pr.Err)
		return res
	}
	applyPath(&res, pr)
	return res
}

func (r *Router) executeRace(ctx context.Context, params TradeParams) ExecutionResult {
	r.races.Add(1)

	var jr, pr PathResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		jr = r.runPath(ctx, params, r.jito, r.cfg.JitoTimeout)
	}()
	go func() {
		defer wg.Done()
		pr = r.runPath(ctx, params, r.public, r.cfg.PublicTimeout)
	}()
	// Both attempts are deadline-bounded, so waiting for both keeps the
	// double-fill signal intact without risking an unbounded join.
	wg.Wait()

	res := ExecutionResult{JitoAttempted: true, PublicAttempted: true}
	switch {
	case jr.Err == nil && pr.Err == nil:
		winner, loser := jr, pr
		if pr.Duration < jr.Duration {
			winner, loser = pr, jr
		}
		applyPath(&res, winner)
		res.BothSucceeded = true
		res.DuplicateSignature = loser.Signature
		r.duplicates.Add(1)
		if r.bus != nil {
			_ = r.bus.Publish(events.DuplicateExecutionEvent{
				BaseEvent:       events.NewBase(events.ExecutionDuplicate),
				Mint:            params.Mint,
				JitoSignature:   jr.Signature,
				PublicSignature: pr.Signature,
			})
		}
		r.logger.Warn("⚠️ Race landed on both paths",
			zap.String("mint", params.Mint),
			zap.String("primary", winner.Signature),
			zap.String("duplicate", loser.Signature))
	case jr.Err == nil:
		applyPath(&res, jr)
	case pr.Err == nil:
		applyPath(&res, pr)
	default:
		res.Error = fmt.Sprintf("jito: %v; rpc: %v", jr.Err, pr.Err)
	}
	return res
}

// simulate produces a dry-run fill priced off the caller's expectation.
func (r *Router) simulate(params TradeParams) ExecutionResult {
	price := params.ExpectedPrice
	out := params.AmountIn
	switch {
	case params.Side == SideBuy && price > 0:
		out = params.AmountIn / price
	case params.Side == SideSell:
		out = params.AmountIn * price
	}
	return ExecutionResult{
		Success:   true,
		Signature: "dry-run-" + uuid.NewString(),
		Method:    MethodSimulated,
		Price:     price,
		AmountOut: out,
	}
}

func applyPath(res *ExecutionResult, pr PathResult) {
	if pr.Err != nil {
		res.Error = pr.Err.Error()
		return
	}
	res.Success = true
	res.Signature = pr.Signature
	res.Method = pr.Method
	res.Price = pr.Price
	res.AmountOut = pr.ExpectedOut
}

// finish folds the settled result into counters, events and the log.
func (r *Router) finish(params TradeParams, strategy Strategy, res *ExecutionResult) {
	r.durationNS.Add(int64(res.Duration))
	if res.Success {
		r.succeeded.Add(1)
		switch res.Method {
		case MethodJito:
			r.jitoWins.Add(1)
		case MethodRPC:
			r.publicWins.Add(1)
		}
	} else {
		r.failed.Add(1)
	}

	if r.bus != nil {
		_ = r.bus.Publish(events.TradeExecutedEvent{
			BaseEvent:    events.NewBase(events.TradeExecuted),
			Mint:         params.Mint,
			Side:         string(params.Side),
			Method:       string(res.Method),
			Signature:    res.Signature,
			Success:      res.Success,
			FallbackUsed: res.FallbackUsed,
			Duration:     res.Duration,
			Error:        res.Error,
		})
	}

	fields := []zap.Field{
		zap.String("mint", params.Mint),
		zap.String("side", string(params.Side)),
		zap.String("strategy", string(strategy)),
		zap.Duration("took", res.Duration),
	}
	if res.Success {
		fields = append(fields,
			zap.String("method", string(res.Method)),
			zap.String("signature", res.Signature))
		r.logger.Info("⚡ Trade executed", fields...)
		return
	}
	fields = append(fields, zap.String("error", res.Error))
	r.logger.Error("❌ Trade failed", fields...)
}
