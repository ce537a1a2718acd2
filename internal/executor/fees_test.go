// internal/executor/fees_test.go
package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeFeeSource struct {
	fees  []rpc.PriorizationFeeResult
	err   error
	calls atomic.Uint64
}

func (f *fakeFeeSource) GetRecentPrioritizationFees(context.Context, solana.PublicKeySlice) ([]rpc.PriorizationFeeResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.fees, nil
}

func feeSamples(values ...uint64) []rpc.PriorizationFeeResult {
	out := make([]rpc.PriorizationFeeResult, 0, len(values))
	for i, v := range values {
		out = append(out, rpc.PriorizationFeeResult{Slot: uint64(i), PrioritizationFee: v})
	}
	return out
}

func newEstimator(t *testing.T, src RecentFeeSource, cfg FeeConfig) *CongestionEstimator {
	t.Helper()
	return NewCongestionEstimator(src, cfg, zaptest.NewLogger(t))
}

func TestJitoTipClamps(t *testing.T) {
	cfg := FeeConfig{BaseTipLamports: 200_000, CacheTTL: time.Hour}

	cases := []struct {
		name    string
		samples []rpc.PriorizationFeeResult
		want    uint64
	}{
		{"no data falls back to base", feeSamples(0, 0, 0), 200_000},
		{"quiet cluster clamps to base", feeSamples(100_000), 200_000},
		{"busy cluster scales average", feeSamples(200_000, 400_000), 450_000},
		{"frenzy clamps to five times base", feeSamples(2_000_000), 1_000_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			est := newEstimator(t, &fakeFeeSource{fees: tc.samples}, cfg)
			tip, err := est.JitoTip(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, tip)
		})
	}
}

func TestPriorityFeeBounds(t *testing.T) {
	cfg := FeeConfig{
		BaseTipLamports:    200_000,
		PriorityFeeFloor:   1_000,
		PriorityFeeCeiling: 100_000,
		CacheTTL:           time.Hour,
	}

	cases := []struct {
		name    string
		samples []rpc.PriorizationFeeResult
		want    uint64
	}{
		{"below floor", feeSamples(40), 1_000},
		{"within bounds", feeSamples(10_000), 15_000},
		{"above ceiling", feeSamples(200_000), 100_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			est := newEstimator(t, &fakeFeeSource{fees: tc.samples}, cfg)
			fee, err := est.PriorityFee(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, fee)
		})
	}
}

func TestZeroSamplesIgnored(t *testing.T) {
	// Idle slots report zero; only the paying slots should shape the average.
	src := &fakeFeeSource{fees: feeSamples(0, 0, 300_000, 0, 300_000)}
	est := newEstimator(t, src, FeeConfig{BaseTipLamports: 100_000, CacheTTL: time.Hour})

	tip, err := est.JitoTip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(450_000), tip)
}

func TestFetchErrorNeverBlocksTrade(t *testing.T) {
	src := &fakeFeeSource{err: errors.New("node behind")}
	est := newEstimator(t, src, FeeConfig{
		BaseTipLamports:  200_000,
		PriorityFeeFloor: 1_000,
		CacheTTL:         time.Hour,
	})

	tip, err := est.JitoTip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(200_000), tip)

	fee, err := est.PriorityFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), fee)
}

func TestStaleAverageSurvivesFetchError(t *testing.T) {
	src := &fakeFeeSource{fees: feeSamples(300_000)}
	est := newEstimator(t, src, FeeConfig{BaseTipLamports: 200_000, CacheTTL: 10 * time.Millisecond})

	tip, err := est.JitoTip(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(450_000), tip)

	time.Sleep(20 * time.Millisecond)
	src.err = errors.New("node behind")

	tip, err = est.JitoTip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(450_000), tip, "stale average beats no average")
}

func TestSampleCachedWithinTTL(t *testing.T) {
	src := &fakeFeeSource{fees: feeSamples(300_000)}
	est := newEstimator(t, src, FeeConfig{
		BaseTipLamports:  200_000,
		PriorityFeeFloor: 1_000,
		CacheTTL:         time.Hour,
	})

	_, err := est.JitoTip(context.Background())
	require.NoError(t, err)
	_, err = est.JitoTip(context.Background())
	require.NoError(t, err)
	_, err = est.PriorityFee(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), src.calls.Load(), "both paths share one sample per TTL")
}

func TestStaticEstimator(t *testing.T) {
	est := StaticEstimator{TipLamports: 123, PriorityFeeMicroLamports: 456}

	tip, err := est.JitoTip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(123), tip)

	fee, err := est.PriorityFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(456), fee)
}
