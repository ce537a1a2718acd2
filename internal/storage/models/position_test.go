// internal/storage/models/position_test.go
package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rovshanmuradov/sniper-core/internal/position"
)

func TestPositionRowRoundTrip(t *testing.T) {
	opened := time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC)
	lastSell := opened.Add(90 * time.Second)
	live := position.Position{
		Mint:           "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		EntryPrice:     0.0000021,
		Amount:         180_000,
		InitialAmount:  250_000,
		EntrySignature: "entry-sig",
		Source:         "buy",
		OpenedAt:       opened,
		PeakROI:        0.85,
		NextTier:       2,
		LastSellAt:     lastSell,
		RealizedQuote:  0.31,
	}

	record := FromPosition(live)
	assert.Equal(t, StatusOpen, record.Status)
	assert.Empty(t, record.CloseReason)
	assert.Nil(t, record.ClosedAt)
	if assert.NotNil(t, record.LastSellAt) {
		assert.Equal(t, lastSell, *record.LastSellAt)
	}

	assert.Equal(t, live, record.Domain())
}

func TestPositionRowWithoutSells(t *testing.T) {
	live := position.Position{
		Mint:          "So11111111111111111111111111111111111111112",
		EntryPrice:    0.5,
		Amount:        10,
		InitialAmount: 10,
		OpenedAt:      time.Now().UTC(),
	}

	record := FromPosition(live)
	assert.Nil(t, record.LastSellAt, "zero LastSellAt must not persist as an epoch timestamp")
	assert.True(t, record.Domain().LastSellAt.IsZero())
}
