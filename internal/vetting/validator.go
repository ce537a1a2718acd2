// internal/vetting/validator.go
package vetting

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/sniper-core/internal/lifecycle"
)

const (
	wsolMint       = "So11111111111111111111111111111111111111112"
	lamportsPerSOL = 1_000_000_000

	// minImpactFloor keeps the implied-depth division sane when the
	// aggregator reports a negligible or missing price impact.
	minImpactFloor = 0.0001
)

// QuoteProber is the slice of the aggregator client the validator needs:
// one priced ExactIn route. *jupiter.Client satisfies it.
type QuoteProber interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount, slippageBP uint64) (map[string]interface{}, error)
}

// ValidatorConfig tunes the tradability probe.
type ValidatorConfig struct {
	// ProbeAmountSOL is the buy size quoted against the token. Matching
	// the real entry size keeps the impact reading honest.
	ProbeAmountSOL float64
	// SlippageBP is passed through to the quote.
	SlippageBP uint64
	// MaxPriceImpact is the largest acceptable probe impact, as a
	// fraction (0.10 = 10%).
	MaxPriceImpact float64
	// MinDepthSOL is the smallest acceptable impact-implied depth.
	MinDepthSOL float64
}

func (c *ValidatorConfig) setDefaults() {
	if c.ProbeAmountSOL <= 0 {
		c.ProbeAmountSOL = 0.05
	}
	if c.SlippageBP == 0 {
		c.SlippageBP = 300
	}
	if c.MaxPriceImpact <= 0 {
		c.MaxPriceImpact = 0.10
	}
	if c.MinDepthSOL <= 0 {
		c.MinDepthSOL = 1
	}
}

// RouteValidator answers "can this token actually be bought right now" by
// asking the aggregator for a route. A quoted route with tolerable impact
// is the whole verdict; the chain is never touched directly.
type RouteValidator struct {
	prober QuoteProber
	cfg    ValidatorConfig
	logger *zap.Logger
}

func NewRouteValidator(cfg ValidatorConfig, prober QuoteProber, logger *zap.Logger) *RouteValidator {
	cfg.setDefaults()
	return &RouteValidator{
		prober: prober,
		cfg:    cfg,
		logger: logger.Named("validator"),
	}
}

// Validate probes a buy of the configured size. A transport or API error
// returns err so the caller can retry; a routeless or too-thin token
// returns Success:false with the reason.
func (v *RouteValidator) Validate(ctx context.Context, token lifecycle.TokenRecord) (lifecycle.ValidationResult, error) {
	lamports := uint64(math.Round(v.cfg.ProbeAmountSOL * lamportsPerSOL))

	start := time.Now()
	quote, err := v.prober.Quote(ctx, wsolMint, token.Mint, lamports, v.cfg.SlippageBP)
	if err != nil {
		return lifecycle.ValidationResult{}, fmt.Errorf("probe %s: %w", token.Mint, err)
	}

	outTokens := parseAmount(quote, "outAmount")
	if outTokens == 0 {
		return lifecycle.ValidationResult{
			Success: false,
			Reason:  "zero outAmount: no liquidity",
		}, nil
	}

	price := v.cfg.ProbeAmountSOL / float64(outTokens)
	impact := parseFraction(quote, "priceImpactPct")

	// Impact-implied depth: if the probe moves the price by impact, the
	// pool holds roughly probe/impact SOL on this side.
	depth := v.cfg.ProbeAmountSOL / math.Max(impact, minImpactFloor)

	res := lifecycle.ValidationResult{
		Success:   true,
		Liquidity: depth,
		Price:     price,
	}
	switch {
	case impact > v.cfg.MaxPriceImpact:
		res.Success = false
		res.Reason = fmt.Sprintf("price impact %.2f%% above %.2f%% cap", impact*100, v.cfg.MaxPriceImpact*100)
	case depth < v.cfg.MinDepthSOL:
		res.Success = false
		res.Reason = fmt.Sprintf("implied depth %.2f SOL below %.2f minimum", depth, v.cfg.MinDepthSOL)
	}

	v.logger.Debug("Tradability probe",
		zap.String("mint", token.Mint),
		zap.Bool("tradable", res.Success),
		zap.Float64("price", price),
		zap.Float64("impact", impact),
		zap.Float64("depth_sol", depth),
		zap.Duration("took", time.Since(start)))

	return res, nil
}

func parseAmount(quote map[string]interface{}, field string) uint64 {
	s, ok := quote[field].(string)
	if !ok {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseFraction(quote map[string]interface{}, field string) float64 {
	switch v := quote[field].(type) {
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return 0
		}
		return f
	case float64:
		if v < 0 {
			return 0
		}
		return v
	default:
		return 0
	}
}

var _ lifecycle.Validator = (*RouteValidator)(nil)
