// internal/vetting/scorer.go
package vetting

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/sniper-core/internal/lifecycle"
)

// ScorerConfig weights the ranking components. Weights are normalized by
// their sum, so only their ratios matter.
type ScorerConfig struct {
	// LiquidityTargetSOL is the implied depth that earns full liquidity
	// marks.
	LiquidityTargetSOL float64
	// RiskReference is the report score at which the risk component
	// bottoms out.
	RiskReference float64
	// FreshnessWindow is the discovery age at which freshness decays to
	// zero.
	FreshnessWindow time.Duration

	WeightLiquidity float64
	WeightRisk      float64
	WeightFreshness float64
}

func (c *ScorerConfig) setDefaults() {
	if c.LiquidityTargetSOL <= 0 {
		c.LiquidityTargetSOL = 10
	}
	if c.RiskReference <= 0 {
		c.RiskReference = 100
	}
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = 10 * time.Minute
	}
	if c.WeightLiquidity == 0 && c.WeightRisk == 0 && c.WeightFreshness == 0 {
		c.WeightLiquidity = 0.4
		c.WeightRisk = 0.4
		c.WeightFreshness = 0.2
	}
}

func (c ScorerConfig) validate() error {
	if c.WeightLiquidity < 0 || c.WeightRisk < 0 || c.WeightFreshness < 0 {
		return fmt.Errorf("scorer: negative weight")
	}
	if c.WeightLiquidity+c.WeightRisk+c.WeightFreshness <= 0 {
		return fmt.Errorf("scorer: weights sum to zero")
	}
	return nil
}

// WeightedScorer ranks a vetted token purely from the metadata earlier
// stages already gathered. No I/O: liquidity comes from the validation
// probe, risk from the safety report, freshness from discovery age.
type WeightedScorer struct {
	cfg    ScorerConfig
	logger *zap.Logger
}

func NewWeightedScorer(cfg ScorerConfig, logger *zap.Logger) (*WeightedScorer, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &WeightedScorer{cfg: cfg, logger: logger.Named("scorer")}, nil
}

func (s *WeightedScorer) Score(_ context.Context, tokenCtx lifecycle.TokenContext) (lifecycle.ScoreResult, error) {
	var liquidity float64
	if v := tokenCtx.Metadata.Validation; v != nil {
		liquidity = math.Min(v.Liquidity/s.cfg.LiquidityTargetSOL, 1)
	}

	// Missing safety metadata scores neutral rather than zero: the stage
	// order guarantees it is present, but a neutral default keeps a
	// misordered caller from auto-rejecting everything.
	risk := 0.5
	if v := tokenCtx.Metadata.Safety; v != nil {
		risk = 1 - math.Min(v.RiskScore/s.cfg.RiskReference, 1)
	}

	age := time.Since(tokenCtx.Token.DiscoveredAt)
	freshness := 1 - math.Min(float64(age)/float64(s.cfg.FreshnessWindow), 1)
	if tokenCtx.Token.DiscoveredAt.IsZero() {
		freshness = 0
	}

	total := s.cfg.WeightLiquidity + s.cfg.WeightRisk + s.cfg.WeightFreshness
	score := (s.cfg.WeightLiquidity*liquidity + s.cfg.WeightRisk*risk + s.cfg.WeightFreshness*freshness) / total

	s.logger.Debug("Token scored",
		zap.String("mint", tokenCtx.Token.Mint),
		zap.Float64("score", score),
		zap.Float64("liquidity", liquidity),
		zap.Float64("risk", risk),
		zap.Float64("freshness", freshness))

	return lifecycle.ScoreResult{
		Score: score,
		Details: map[string]float64{
			"liquidity": liquidity,
			"risk":      risk,
			"freshness": freshness,
		},
	}, nil
}

var _ lifecycle.Scorer = (*WeightedScorer)(nil)
