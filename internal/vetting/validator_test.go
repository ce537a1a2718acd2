// internal/vetting/validator_test.go
package vetting

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/sniper-core/internal/lifecycle"
)

type fakeProber struct {
	mu       sync.Mutex
	quote    map[string]interface{}
	err      error
	gotIn    string
	gotOut   string
	gotAmt   uint64
	gotSlip  uint64
	askCount int
}

func (f *fakeProber) Quote(_ context.Context, inputMint, outputMint string, amount, slippageBP uint64) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.askCount++
	f.gotIn, f.gotOut, f.gotAmt, f.gotSlip = inputMint, outputMint, amount, slippageBP
	if f.err != nil {
		return nil, f.err
	}
	return f.quote, nil
}

func newValidator(t *testing.T, cfg ValidatorConfig, prober *fakeProber) *RouteValidator {
	t.Helper()
	return NewRouteValidator(cfg, prober, zaptest.NewLogger(t))
}

func TestValidateTradableToken(t *testing.T) {
	prober := &fakeProber{quote: map[string]interface{}{
		"outAmount":      "25000000",
		"priceImpactPct": "0.01",
	}}
	v := newValidator(t, ValidatorConfig{ProbeAmountSOL: 0.05, SlippageBP: 300}, prober)

	res, err := v.Validate(context.Background(), lifecycle.TokenRecord{Mint: "mint-x"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.InDelta(t, 0.05/25_000_000, res.Price, 1e-18)
	assert.InDelta(t, 5.0, res.Liquidity, 1e-9, "0.05 SOL over 1% impact implies 5 SOL depth")

	assert.Equal(t, wsolMint, prober.gotIn)
	assert.Equal(t, "mint-x", prober.gotOut)
	assert.Equal(t, uint64(50_000_000), prober.gotAmt, "0.05 SOL in lamports")
	assert.Equal(t, uint64(300), prober.gotSlip)
}

func TestValidateProbeErrorIsRetryable(t *testing.T) {
	prober := &fakeProber{err: errors.New("quote failed after 3 attempts")}
	v := newValidator(t, ValidatorConfig{}, prober)

	_, err := v.Validate(context.Background(), lifecycle.TokenRecord{Mint: "mint-x"})
	require.Error(t, err)
}

func TestValidateZeroOutIsSoftMiss(t *testing.T) {
	prober := &fakeProber{quote: map[string]interface{}{"outAmount": "0"}}
	v := newValidator(t, ValidatorConfig{}, prober)

	res, err := v.Validate(context.Background(), lifecycle.TokenRecord{Mint: "mint-x"})
	require.NoError(t, err, "a routeless token is a verdict, not a failure")
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "no liquidity")
}

func TestValidateImpactAboveCap(t *testing.T) {
	prober := &fakeProber{quote: map[string]interface{}{
		"outAmount":      "25000000",
		"priceImpactPct": "0.25",
	}}
	v := newValidator(t, ValidatorConfig{MaxPriceImpact: 0.10}, prober)

	res, err := v.Validate(context.Background(), lifecycle.TokenRecord{Mint: "mint-x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "price impact")
	assert.NotZero(t, res.Price, "price still reported for diagnostics")
}

func TestValidateDepthBelowMinimum(t *testing.T) {
	// 0.05 SOL probe at 5% impact implies 1 SOL depth.
	prober := &fakeProber{quote: map[string]interface{}{
		"outAmount":      "25000000",
		"priceImpactPct": "0.05",
	}}
	v := newValidator(t, ValidatorConfig{ProbeAmountSOL: 0.05, MinDepthSOL: 2}, prober)

	res, err := v.Validate(context.Background(), lifecycle.TokenRecord{Mint: "mint-x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "implied depth")
}

func TestValidateMissingImpactReadsDeep(t *testing.T) {
	prober := &fakeProber{quote: map[string]interface{}{"outAmount": "25000000"}}
	v := newValidator(t, ValidatorConfig{}, prober)

	res, err := v.Validate(context.Background(), lifecycle.TokenRecord{Mint: "mint-x"})
	require.NoError(t, err)
	assert.True(t, res.Success, "unreported impact must not fail the token")
	assert.Greater(t, res.Liquidity, 100.0)
}
