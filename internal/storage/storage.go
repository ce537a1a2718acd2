// internal/storage/storage.go
package storage

import (
	"context"

	"github.com/rovshanmuradov/sniper-core/internal/position"
	"github.com/rovshanmuradov/sniper-core/internal/storage/models"
)

// Store persists positions and trade history. Position methods are keyed
// by mint and act on the single open row.
type Store interface {
	SavePosition(ctx context.Context, p position.Position) error
	UpdatePosition(ctx context.Context, p position.Position) error
	ClosePosition(ctx context.Context, mint, reason string) error
	LoadOpenPositions(ctx context.Context) ([]position.Position, error)

	SaveTrade(ctx context.Context, trade *models.Trade) error

	RunMigrations() error
	Close() error
}

// Every Store doubles as the watcher's persistence slice.
var _ position.Store = (Store)(nil)
