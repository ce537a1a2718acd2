// internal/executor/fees.go
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// FeeEstimator supplies per-path fee levels for one submission.
type FeeEstimator interface {
	// PriorityFee returns the compute-unit price in micro-lamports for
	// the public RPC path.
	PriorityFee(ctx context.Context) (uint64, error)
	// JitoTip returns the tip in lamports for the private sender path.
	JitoTip(ctx context.Context) (uint64, error)
}

// RecentFeeSource is the slice of the RPC client the congestion estimator
// reads from.
type RecentFeeSource interface {
	GetRecentPrioritizationFees(ctx context.Context, accounts solana.PublicKeySlice) ([]rpc.PriorizationFeeResult, error)
}

// FeeConfig tunes the congestion estimator.
type FeeConfig struct {
	// BaseTipLamports is the tip floor and the fallback when no recent
	// fee data is available. The ceiling is five times the floor.
	BaseTipLamports uint64
	// TipMultiplier scales the observed average into a tip.
	TipMultiplier float64
	// PriorityFeeFloor / Ceiling bound the compute-unit price in
	// micro-lamports on the public path.
	PriorityFeeFloor   uint64
	PriorityFeeCeiling uint64
	// PriorityMultiplier scales the observed average into a compute-unit
	// price.
	PriorityMultiplier float64
	// CacheTTL is how long one recent-fees sample is reused. Both paths
	// of a race share a sample.
	CacheTTL time.Duration
}

// CongestionEstimator derives fees from the cluster's recent prioritization
// fees: average the non-zero samples, scale, clamp. When the RPC node has
// no data it falls back to the configured floors rather than erroring, so
// a fee lookup never blocks a trade.
type CongestionEstimator struct {
	src    RecentFeeSource
	cfg    FeeConfig
	logger *zap.Logger

	mu        sync.Mutex
	avg       uint64
	fetchedAt time.Time
}

func NewCongestionEstimator(src RecentFeeSource, cfg FeeConfig, logger *zap.Logger) *CongestionEstimator {
	if cfg.TipMultiplier <= 0 {
		cfg.TipMultiplier = 1.5
	}
	if cfg.PriorityMultiplier <= 0 {
		cfg.PriorityMultiplier = 1.5
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Second
	}
	return &CongestionEstimator{
		src:    src,
		cfg:    cfg,
		logger: logger.Named("fees"),
	}
}

// JitoTip scales the recent average into a tip, clamped to
// [base, 5*base] lamports.
func (e *CongestionEstimator) JitoTip(ctx context.Context) (uint64, error) {
	base := e.cfg.BaseTipLamports
	avg := e.recentAverage(ctx)
	if avg == 0 {
		return base, nil
	}
	tip := uint64(float64(avg) * e.cfg.TipMultiplier)
	if tip < base {
		return base, nil
	}
	if max := base * 5; tip > max {
		return max, nil
	}
	return tip, nil
}

// PriorityFee scales the recent average into a compute-unit price, clamped
// to the configured floor and ceiling.
func (e *CongestionEstimator) PriorityFee(ctx context.Context) (uint64, error) {
	avg := e.recentAverage(ctx)
	if avg == 0 {
		return e.cfg.PriorityFeeFloor, nil
	}
	fee := uint64(float64(avg) * e.cfg.PriorityMultiplier)
	if fee < e.cfg.PriorityFeeFloor {
		return e.cfg.PriorityFeeFloor, nil
	}
	if e.cfg.PriorityFeeCeiling > 0 && fee > e.cfg.PriorityFeeCeiling {
		return e.cfg.PriorityFeeCeiling, nil
	}
	return fee, nil
}

// recentAverage returns the average non-zero prioritization fee from the
// last sample, refreshing it once the TTL lapses. Zero means no data.
func (e *CongestionEstimator) recentAverage(ctx context.Context) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if time.Since(e.fetchedAt) < e.cfg.CacheTTL {
		return e.avg
	}

	fees, err := e.src.GetRecentPrioritizationFees(ctx, nil)
	if err != nil {
		e.logger.Debug("Recent fee fetch failed, using floors", zap.Error(err))
		return e.avg
	}

	var total, count uint64
	for _, f := range fees {
		if f.PrioritizationFee > 0 {
			total += f.PrioritizationFee
			count++
		}
	}
	if count == 0 {
		e.avg = 0
	} else {
		e.avg = total / count
	}
	e.fetchedAt = time.Now()
	return e.avg
}

// StaticEstimator returns fixed fees. Used in dry-run mode and tests.
type StaticEstimator struct {
	TipLamports              uint64
	PriorityFeeMicroLamports uint64
}

func (s StaticEstimator) JitoTip(context.Context) (uint64, error) {
	return s.TipLamports, nil
}

func (s StaticEstimator) PriorityFee(context.Context) (uint64, error) {
	return s.PriorityFeeMicroLamports, nil
}
