// internal/storage/storage.go
package storage

import (
	"context"
	"time"

	"github.com/rokutrade/engine/internal/storage/models"
)

// Storage is the persistence boundary of the engine.
type Storage interface {
	// Users
	SaveUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, userID string) (*models.User, error)

	// Positions
	SavePosition(ctx context.Context, position *models.Position) error
	GetPosition(ctx context.Context, id uint) (*models.Position, error)
	ListActivePositions(ctx context.Context) ([]*models.Position, error)
	ListPositionsByUser(ctx context.Context, userID string) ([]*models.Position, error)
	DeletePositionsClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Copy-trade subscriptions
	SaveCopySubscription(ctx context.Context, sub *models.CopySubscription) error
	ListCopySubscriptions(ctx context.Context) ([]*models.CopySubscription, error)
	ListCopySubscriptionsByTarget(ctx context.Context, targetWallet string) ([]*models.CopySubscription, error)
	DeleteCopySubscription(ctx context.Context, userID, targetWallet string) error

	// Snipe criteria
	SaveSnipeCriteria(ctx context.Context, criteria *models.SnipeCriteria) error
	ListSnipeCriteria(ctx context.Context) ([]*models.SnipeCriteria, error)
	DeleteSnipeCriteria(ctx context.Context, userID string) error

	// Transactions
	SaveTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, signature string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, walletAddress string, limit, offset int) ([]*models.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, signature string, status string, errorMsg string) error

	RunMigrations() error
	Close() error
}
