// internal/storage/postgres/postgres.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rovshanmuradov/sniper-core/internal/position"
	"github.com/rovshanmuradov/sniper-core/internal/storage"
	"github.com/rovshanmuradov/sniper-core/internal/storage/models"
)

// migrationLockID serializes AutoMigrate across concurrently starting
// instances sharing one database.
const migrationLockID = 101

// gormLogger adapts zap to GORM's logger.Interface.
type gormLogger struct {
	zapLogger *zap.Logger
	logLevel  logger.LogLevel
}

func newGormLogger(zapLogger *zap.Logger) logger.Interface {
	return &gormLogger{
		zapLogger: zapLogger,
		logLevel:  logger.Warn,
	}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.logLevel = level
	return &newLogger
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Info {
		l.zapLogger.Sugar().Infof(msg, data...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Warn {
		l.zapLogger.Sugar().Warnf(msg, data...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Error {
		l.zapLogger.Sugar().Errorf(msg, data...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.logLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
	}

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		l.zapLogger.Error("trace", append(fields, zap.Error(err))...)
		return
	}

	if l.logLevel >= logger.Info {
		l.zapLogger.Info("trace", fields...)
	}
}

type postgresStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore connects to Postgres and tunes the connection pool. Call
// RunMigrations before first use.
func NewStore(dsn string, zapLogger *zap.Logger) (storage.Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newGormLogger(zapLogger.Named("gorm")),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &postgresStore{
		db:     db,
		logger: zapLogger.Named("storage"),
	}, nil
}

// RunMigrations auto-migrates the schema under an advisory lock.
func (p *postgresStore) RunMigrations() error {
	var lockObtained bool
	err := p.db.Raw("SELECT pg_try_advisory_lock(?)", migrationLockID).Scan(&lockObtained).Error
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if !lockObtained {
		return fmt.Errorf("another migration is in progress")
	}
	defer p.db.Exec("SELECT pg_advisory_unlock(?)", migrationLockID)

	if err := p.db.AutoMigrate(
		&models.Position{},
		&models.Trade{},
	); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// SavePosition writes the open row for the mint, replacing a stale open row
// if a crash left one behind.
func (p *postgresStore) SavePosition(ctx context.Context, pos position.Position) error {
	record := models.FromPosition(pos)

	var existing models.Position
	err := p.db.WithContext(ctx).
		Where("mint = ? AND status = ?", pos.Mint, models.StatusOpen).
		First(&existing).Error
	switch {
	case err == nil:
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		return p.db.WithContext(ctx).Save(&record).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return p.db.WithContext(ctx).Create(&record).Error
	default:
		return err
	}
}

// UpdatePosition refreshes the mutable fields of the open row.
func (p *postgresStore) UpdatePosition(ctx context.Context, pos position.Position) error {
	updates := map[string]interface{}{
		"amount":         pos.Amount,
		"peak_roi":       pos.PeakROI,
		"next_tier":      pos.NextTier,
		"realized_quote": pos.RealizedQuote,
	}
	if !pos.LastSellAt.IsZero() {
		updates["last_sell_at"] = pos.LastSellAt
	}
	return p.db.WithContext(ctx).Model(&models.Position{}).
		Where("mint = ? AND status = ?", pos.Mint, models.StatusOpen).
		Updates(updates).Error
}

// ClosePosition flips the open row to closed with the exit reason.
func (p *postgresStore) ClosePosition(ctx context.Context, mint, reason string) error {
	return p.db.WithContext(ctx).Model(&models.Position{}).
		Where("mint = ? AND status = ?", mint, models.StatusOpen).
		Updates(map[string]interface{}{
			"status":       models.StatusClosed,
			"close_reason": reason,
			"closed_at":    time.Now().UTC(),
		}).Error
}

// LoadOpenPositions returns every open row, oldest first, for restore.
func (p *postgresStore) LoadOpenPositions(ctx context.Context) ([]position.Position, error) {
	var records []models.Position
	err := p.db.WithContext(ctx).
		Where("status = ?", models.StatusOpen).
		Order("opened_at asc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}

	positions := make([]position.Position, 0, len(records))
	for _, record := range records {
		positions = append(positions, record.Domain())
	}
	return positions, nil
}

func (p *postgresStore) SaveTrade(ctx context.Context, trade *models.Trade) error {
	return p.db.WithContext(ctx).Create(trade).Error
}

func (p *postgresStore) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
