// internal/storage/noop.go
package storage

import (
	"context"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/sniper-core/internal/position"
	"github.com/rovshanmuradov/sniper-core/internal/storage/models"
)

// noopStore satisfies Store when no database is configured. Positions then
// live only in memory and do not survive a restart.
type noopStore struct{}

// NewNoop returns a do-nothing store and says so once.
func NewNoop(logger *zap.Logger) Store {
	logger.Named("storage").Warn("No database configured, positions will not survive a restart")
	return noopStore{}
}

func (noopStore) SavePosition(context.Context, position.Position) error { return nil }
func (noopStore) UpdatePosition(context.Context, position.Position) error {
	return nil
}
func (noopStore) ClosePosition(context.Context, string, string) error { return nil }
func (noopStore) LoadOpenPositions(context.Context) ([]position.Position, error) {
	return nil, nil
}
func (noopStore) SaveTrade(context.Context, *models.Trade) error { return nil }
func (noopStore) RunMigrations() error                           { return nil }
func (noopStore) Close() error                                   { return nil }
