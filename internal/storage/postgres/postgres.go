// internal/storage/postgres/postgres.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rokutrade/engine/internal/storage"
	"github.com/rokutrade/engine/internal/storage/models"
)

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

	if err != nil && err != gorm.ErrRecordNotFound {
		l.zapLogger.Error("trace", append(fields, zap.Error(err))...)
		return
	}

	if l.logLevel >= logger.Info {
		l.zapLogger.Info("trace", fields...)
	}
}

type postgresStorage struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewStorage(dsn string, zapLogger *zap.Logger) (storage.Storage, error) {
	gormLogger := newGormLogger(zapLogger.Named("gorm"))

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &postgresStorage{
		db:     db,
		logger: zapLogger,
	}, nil
}

// RunMigrations auto-migrates the schema under an advisory lock so that
// concurrent engine instances never race migrations.
func (p *postgresStorage) RunMigrations() error {
	var lockObtained bool
	err := p.db.Raw("SELECT pg_try_advisory_lock(101)").Scan(&lockObtained).Error
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !lockObtained {
		return fmt.Errorf("another migration is in progress")
	}
	defer p.db.Exec("SELECT pg_advisory_unlock(101)")

	err = p.db.AutoMigrate(
		&models.User{},
		&models.Position{},
		&models.CopySubscription{},
		&models.SnipeCriteria{},
		&models.Transaction{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func (p *postgresStorage) SaveUser(ctx context.Context, user *models.User) error {
	return p.db.WithContext(ctx).Save(user).Error
}

func (p *postgresStorage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := p.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (p *postgresStorage) SavePosition(ctx context.Context, position *models.Position) error {
	return p.db.WithContext(ctx).Save(position).Error
}

func (p *postgresStorage) GetPosition(ctx context.Context, id uint) (*models.Position, error) {
	var position models.Position
	err := p.db.WithContext(ctx).First(&position, id).Error
	if err != nil {
		return nil, err
	}
	return &position, nil
}

func (p *postgresStorage) ListActivePositions(ctx context.Context) ([]*models.Position, error) {
	var positions []*models.Position
	err := p.db.WithContext(ctx).
		Where("status IN ?", []string{models.PositionActive, models.PositionClosing}).
		Find(&positions).Error
	return positions, err
}

func (p *postgresStorage) ListPositionsByUser(ctx context.Context, userID string) ([]*models.Position, error) {
	var positions []*models.Position
	err := p.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&positions).Error
	return positions, err
}

func (p *postgresStorage) DeletePositionsClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := p.db.WithContext(ctx).
		Where("status = ? AND closed_at < ?", models.PositionClosed, cutoff).
		Delete(&models.Position{})
	return result.RowsAffected, result.Error
}

func (p *postgresStorage) SaveCopySubscription(ctx context.Context, sub *models.CopySubscription) error {
	return p.db.WithContext(ctx).Save(sub).Error
}

func (p *postgresStorage) ListCopySubscriptions(ctx context.Context) ([]*models.CopySubscription, error) {
	var subs []*models.CopySubscription
	err := p.db.WithContext(ctx).Where("enabled = ?", true).Find(&subs).Error
	return subs, err
}

func (p *postgresStorage) ListCopySubscriptionsByTarget(ctx context.Context, targetWallet string) ([]*models.CopySubscription, error) {
	var subs []*models.CopySubscription
	err := p.db.WithContext(ctx).
		Where("target_wallet = ? AND enabled = ?", targetWallet, true).
		Find(&subs).Error
	return subs, err
}

func (p *postgresStorage) DeleteCopySubscription(ctx context.Context, userID, targetWallet string) error {
	return p.db.WithContext(ctx).
		Where("user_id = ? AND target_wallet = ?", userID, targetWallet).
		Delete(&models.CopySubscription{}).Error
}

func (p *postgresStorage) SaveSnipeCriteria(ctx context.Context, criteria *models.SnipeCriteria) error {
	return p.db.WithContext(ctx).Save(criteria).Error
}

func (p *postgresStorage) ListSnipeCriteria(ctx context.Context) ([]*models.SnipeCriteria, error) {
	var criteria []*models.SnipeCriteria
	err := p.db.WithContext(ctx).Where("enabled = ?", true).Find(&criteria).Error
	return criteria, err
}

func (p *postgresStorage) DeleteSnipeCriteria(ctx context.Context, userID string) error {
	return p.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.SnipeCriteria{}).Error
}

func (p *postgresStorage) SaveTransaction(ctx context.Context, tx *models.Transaction) error {
	return p.db.WithContext(ctx).Create(tx).Error
}

func (p *postgresStorage) GetTransaction(ctx context.Context, signature string) (*models.Transaction, error) {
	var tx models.Transaction
	err := p.db.WithContext(ctx).Where("signature = ?", signature).First(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (p *postgresStorage) ListTransactions(ctx context.Context, walletAddress string, limit, offset int) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	err := p.db.WithContext(ctx).
		Where("wallet_address = ?", walletAddress).
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&txs).Error
	return txs, err
}

func (p *postgresStorage) UpdateTransactionStatus(ctx context.Context, signature string, status string, errorMsg string) error {
	return p.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("signature = ?", signature).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errorMsg,
		}).Error
}

func (p *postgresStorage) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
