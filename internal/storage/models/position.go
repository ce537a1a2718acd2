// internal/storage/models/position.go
package models

import (
	"time"

	"github.com/rovshanmuradov/sniper-core/internal/position"
)

// Position row status.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Position is the persisted form of a held position. One open row per mint;
// closing flips the status so the mint can be traded again later.
type Position struct {
	BaseModel
	Mint           string  `gorm:"index;not null;type:varchar(44)"`
	EntryPrice     float64 `gorm:"type:decimal(30,18);not null"`
	Amount         float64 `gorm:"type:decimal(30,9);not null"`
	InitialAmount  float64 `gorm:"type:decimal(30,9);not null"`
	EntrySignature string  `gorm:"type:varchar(88)"`
	Source         string  `gorm:"type:varchar(20)"`
	OpenedAt       time.Time
	PeakROI        float64 `gorm:"type:decimal(12,6)"`
	NextTier       int
	LastSellAt     *time.Time
	RealizedQuote  float64    `gorm:"type:decimal(30,9)"`
	Status         string     `gorm:"index;not null;type:varchar(12)"`
	CloseReason    string     `gorm:"type:varchar(24)"`
	ClosedAt       *time.Time `gorm:"index"`
}

// FromPosition maps a live position onto an open row.
func FromPosition(p position.Position) Position {
	record := Position{
		Mint:           p.Mint,
		EntryPrice:     p.EntryPrice,
		Amount:         p.Amount,
		InitialAmount:  p.InitialAmount,
		EntrySignature: p.EntrySignature,
		Source:         p.Source,
		OpenedAt:       p.OpenedAt,
		PeakROI:        p.PeakROI,
		NextTier:       p.NextTier,
		RealizedQuote:  p.RealizedQuote,
		Status:         StatusOpen,
	}
	if !p.LastSellAt.IsZero() {
		at := p.LastSellAt
		record.LastSellAt = &at
	}
	return record
}

// Domain converts the row back into the watcher's shape.
func (m Position) Domain() position.Position {
	p := position.Position{
		Mint:           m.Mint,
		EntryPrice:     m.EntryPrice,
		Amount:         m.Amount,
		InitialAmount:  m.InitialAmount,
		EntrySignature: m.EntrySignature,
		Source:         m.Source,
		OpenedAt:       m.OpenedAt,
		PeakROI:        m.PeakROI,
		NextTier:       m.NextTier,
		RealizedQuote:  m.RealizedQuote,
	}
	if m.LastSellAt != nil {
		p.LastSellAt = *m.LastSellAt
	}
	return p
}
