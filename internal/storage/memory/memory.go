// internal/storage/memory/memory.go
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/rokutrade/engine/internal/storage"
	"github.com/rokutrade/engine/internal/storage/models"
)

// memoryStorage keeps everything in maps behind one mutex. It backs unit
// tests and local development runs where Postgres is not available.
type memoryStorage struct {
	mu     sync.Mutex
	nextID uint

	users        map[string]*models.User
	positions    map[uint]*models.Position
	copySubs     map[uint]*models.CopySubscription
	snipes       map[string]*models.SnipeCriteria
	transactions map[string]*models.Transaction
}

func NewStorage() storage.Storage {
	return &memoryStorage{
		users:        make(map[string]*models.User),
		positions:    make(map[uint]*models.Position),
		copySubs:     make(map[uint]*models.CopySubscription),
		snipes:       make(map[string]*models.SnipeCriteria),
		transactions: make(map[string]*models.Transaction),
	}
}

func (m *memoryStorage) allocateID() uint {
	m.nextID++
	return m.nextID
}

func (m *memoryStorage) SaveUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == 0 {
		user.ID = m.allocateID()
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = time.Now().UTC()
	clone := *user
	m.users[user.UserID] = &clone
	return nil
}

func (m *memoryStorage) GetUser(_ context.Context, userID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *user
	return &clone, nil
}

func (m *memoryStorage) SavePosition(_ context.Context, position *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if position.ID == 0 {
		position.ID = m.allocateID()
		position.CreatedAt = time.Now().UTC()
	}
	position.UpdatedAt = time.Now().UTC()
	clone := *position
	m.positions[position.ID] = &clone
	return nil
}

func (m *memoryStorage) GetPosition(_ context.Context, id uint) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	position, ok := m.positions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *position
	return &clone, nil
}

func (m *memoryStorage) ListActivePositions(_ context.Context) ([]*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Position
	for _, p := range m.positions {
		if p.Status == models.PositionActive || p.Status == models.PositionClosing {
			clone := *p
			out = append(out, &clone)
		}
	}
	sortPositions(out)
	return out, nil
}

func (m *memoryStorage) ListPositionsByUser(_ context.Context, userID string) ([]*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Position
	for _, p := range m.positions {
		if p.UserID == userID {
			clone := *p
			out = append(out, &clone)
		}
	}
	sortPositions(out)
	return out, nil
}

func (m *memoryStorage) DeletePositionsClosedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, p := range m.positions {
		if p.Status == models.PositionClosed && p.ClosedAt != nil && p.ClosedAt.Before(cutoff) {
			delete(m.positions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memoryStorage) SaveCopySubscription(_ context.Context, sub *models.CopySubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == 0 {
		for _, existing := range m.copySubs {
			if existing.UserID == sub.UserID && existing.TargetWallet == sub.TargetWallet {
				sub.ID = existing.ID
				break
			}
		}
	}
	if sub.ID == 0 {
		sub.ID = m.allocateID()
		sub.CreatedAt = time.Now().UTC()
	}
	sub.UpdatedAt = time.Now().UTC()
	clone := *sub
	m.copySubs[sub.ID] = &clone
	return nil
}

func (m *memoryStorage) ListCopySubscriptions(_ context.Context) ([]*models.CopySubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CopySubscription
	for _, s := range m.copySubs {
		if s.Enabled {
			clone := *s
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStorage) ListCopySubscriptionsByTarget(_ context.Context, targetWallet string) ([]*models.CopySubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CopySubscription
	for _, s := range m.copySubs {
		if s.Enabled && s.TargetWallet == targetWallet {
			clone := *s
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStorage) DeleteCopySubscription(_ context.Context, userID, targetWallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.copySubs {
		if s.UserID == userID && s.TargetWallet == targetWallet {
			delete(m.copySubs, id)
		}
	}
	return nil
}

func (m *memoryStorage) SaveSnipeCriteria(_ context.Context, criteria *models.SnipeCriteria) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.snipes[criteria.UserID]; ok {
		criteria.ID = existing.ID
	}
	if criteria.ID == 0 {
		criteria.ID = m.allocateID()
		criteria.CreatedAt = time.Now().UTC()
	}
	criteria.UpdatedAt = time.Now().UTC()
	clone := *criteria
	m.snipes[criteria.UserID] = &clone
	return nil
}

func (m *memoryStorage) ListSnipeCriteria(_ context.Context) ([]*models.SnipeCriteria, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SnipeCriteria
	for _, c := range m.snipes {
		if c.Enabled {
			clone := *c
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStorage) DeleteSnipeCriteria(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snipes, userID)
	return nil
}

func (m *memoryStorage) SaveTransaction(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.ID == 0 {
		tx.ID = m.allocateID()
		tx.CreatedAt = time.Now().UTC()
	}
	tx.UpdatedAt = time.Now().UTC()
	clone := *tx
	m.transactions[tx.Signature] = &clone
	return nil
}

func (m *memoryStorage) GetTransaction(_ context.Context, signature string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[signature]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *tx
	return &clone, nil
}

func (m *memoryStorage) ListTransactions(_ context.Context, walletAddress string, limit, offset int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*models.Transaction
	for _, tx := range m.transactions {
		if tx.WalletAddress == walletAddress {
			clone := *tx
			all = append(all, &clone)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *memoryStorage) UpdateTransactionStatus(_ context.Context, signature string, status string, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[signature]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	tx.Status = status
	tx.ErrorMessage = errorMsg
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memoryStorage) RunMigrations() error { return nil }

func (m *memoryStorage) Close() error { return nil }

func sortPositions(positions []*models.Position) {
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })
}
