// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/rokutrade/engine/internal/storage"
	"github.com/rokutrade/engine/internal/storage/models"
	"github.com/rokutrade/engine/internal/types"
	"github.com/rokutrade/engine/internal/vault"
)

// TradeService executes trades and resolves their chain status.
type TradeService interface {
	Execute(ctx context.Context, req *types.TradeRequest) (*types.TradeOutcome, error)
	ConfirmStatus(ctx context.Context, signature string) (types.TxStatus, error)
}

// BalanceReader reads a wallet's lamport balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
}

// Watcher manages live copy-trade subscriptions.
type Watcher interface {
	Watch(target string) error
	Unwatch(ctx context.Context, target string) error
}

// Tracker manages the position monitor's working set.
type Tracker interface {
	Track(position *models.Position)
	Untrack(id uint)
}

// Config tunes the facade.
type Config struct {
	RateLimitPerMin float64
	RateBurst       int
}

// Engine is the in-process service facade: every externally triggered
// operation enters here, behind a per-user rate limit.
type Engine struct {
	store   storage.Storage
	vault   *vault.Vault
	trades  TradeService
	chain   BalanceReader
	watcher Watcher
	tracker Tracker
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(store storage.Storage, v *vault.Vault, trades TradeService, chain BalanceReader, watcher Watcher, tracker Tracker, cfg Config, logger *zap.Logger) *Engine {
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 30
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	return &Engine{
		store:    store,
		vault:    v,
		trades:   trades,
		chain:    chain,
		watcher:  watcher,
		tracker:  tracker,
		cfg:      cfg,
		logger:   logger.Named("engine"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// allow enforces the per-user rate limit on facade entry points.
func (e *Engine) allow(userID string) error {
	e.mu.Lock()
	limiter, ok := e.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.RateLimitPerMin/60.0), e.cfg.RateBurst)
		e.limiters[userID] = limiter
	}
	e.mu.Unlock()

	if !limiter.Allow() {
		return &types.RejectedTradeError{Reason: "rate limit exceeded"}
	}
	return nil
}

// CreateWallet generates a fresh keypair for the user, seals the private key
// and persists only the envelope. The raw key exists just long enough to be
// sealed.
func (e *Engine) CreateWallet(ctx context.Context, userID string) (string, error) {
	if err := e.allow(userID); err != nil {
		return "", err
	}
	if _, err := e.store.GetUser(ctx, userID); err == nil {
		return "", fmt.Errorf("user %s already has a wallet", userID)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	wallet := solana.NewWallet()
	address, err := e.sealAndStore(ctx, userID, wallet.PrivateKey)
	if err != nil {
		return "", err
	}

	e.logger.Info("🔑 Wallet created",
		zap.String("user_id", userID),
		zap.String("address", address))
	return address, nil
}

// ImportWallet seals an externally provided base58 private key. The key is
// validated before sealing and never logged.
func (e *Engine) ImportWallet(ctx context.Context, userID, privateKeyBase58 string) (string, error) {
	if err := e.allow(userID); err != nil {
		return "", err
	}

	privateKeyBytes, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return "", fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(privateKeyBytes) != 64 {
		return "", fmt.Errorf("invalid private key length: expected 64 bytes, got %d", len(privateKeyBytes))
	}

	address, err := e.sealAndStore(ctx, userID, solana.PrivateKey(privateKeyBytes))
	if err != nil {
		return "", err
	}

	e.logger.Info("🔑 Wallet imported",
		zap.String("user_id", userID),
		zap.String("address", address))
	return address, nil
}

func (e *Engine) sealAndStore(ctx context.Context, userID string, key solana.PrivateKey) (string, error) {
	env, err := e.vault.Seal(key)
	if err != nil {
		return "", fmt.Errorf("failed to seal key: %w", err)
	}

	user := &models.User{
		UserID:        userID,
		WalletAddress: key.PublicKey().String(),
	}
	if existing, err := e.store.GetUser(ctx, userID); err == nil {
		user.BaseModel = existing.BaseModel
	}
	user.SetEnvelope(env)

	if err := e.store.SaveUser(ctx, user); err != nil {
		return "", fmt.Errorf("failed to persist wallet: %w", err)
	}
	return user.WalletAddress, nil
}

// GetBalance returns the user's SOL balance in whole SOL.
func (e *Engine) GetBalance(ctx context.Context, userID string) (float64, error) {
	if err := e.allow(userID); err != nil {
		return 0, err
	}
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	lamports, err := e.chain.GetBalance(ctx, user.WalletAddress)
	if err != nil {
		return 0, err
	}
	return types.FromBaseUnits(lamports, types.SOLDecimals), nil
}

// UpdateSettings stores the user's trade defaults. A zero value clears the
// corresponding preference.
func (e *Engine) UpdateSettings(ctx context.Context, userID string, slippageBps int, buyAmountSOL float64) error {
	if err := e.allow(userID); err != nil {
		return err
	}
	if slippageBps < 0 || slippageBps > 10_000 {
		return &types.RejectedTradeError{Reason: "slippage must be between 0 and 10000 bps"}
	}
	if buyAmountSOL < 0 {
		return &types.RejectedTradeError{Reason: "buy amount cannot be negative"}
	}

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	user.DefaultSlippageBps = slippageBps
	user.DefaultBuyAmountSOL = buyAmountSOL
	return e.store.SaveUser(ctx, user)
}

// ExecuteTrade runs a manual trade through the execution service, filling
// unset fields from the user's stored defaults.
func (e *Engine) ExecuteTrade(ctx context.Context, req *types.TradeRequest) (*types.TradeOutcome, error) {
	if err := e.allow(req.UserID); err != nil {
		return nil, err
	}
	user, err := e.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", req.UserID, err)
	}
	if req.SlippageBps == 0 {
		req.SlippageBps = user.DefaultSlippageBps
	}
	if req.Amount == 0 && req.InputMint == types.WSOLMint && user.DefaultBuyAmountSOL > 0 {
		req.Amount = user.DefaultBuyAmountSOL
		req.InputDecimals = types.SOLDecimals
	}
	if req.Purpose == "" {
		req.Purpose = types.PurposeManual
	}
	return e.trades.Execute(ctx, req)
}

// GetTransactionStatus resolves the chain status of a submitted trade.
func (e *Engine) GetTransactionStatus(ctx context.Context, userID, signature string) (types.TxStatus, error) {
	if err := e.allow(userID); err != nil {
		return "", err
	}
	return e.trades.ConfirmStatus(ctx, signature)
}

// AddPosition registers an externally opened holding for monitoring.
func (e *Engine) AddPosition(ctx context.Context, position *models.Position) error {
	if err := e.allow(position.UserID); err != nil {
		return err
	}
	if position.Amount <= 0 || position.EntryPrice <= 0 {
		return &types.RejectedTradeError{Reason: "position needs a positive amount and entry price"}
	}
	user, err := e.store.GetUser(ctx, position.UserID)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", position.UserID, err)
	}

	position.WalletAddress = user.WalletAddress
	position.Status = models.PositionActive
	if position.HighWaterPrice < position.EntryPrice {
		position.HighWaterPrice = position.EntryPrice
	}
	if err := e.store.SavePosition(ctx, position); err != nil {
		return err
	}
	e.tracker.Track(position)
	return nil
}

// RemovePosition stops monitoring a position without selling. The holding
// stays in the wallet; only the engine forgets about it.
func (e *Engine) RemovePosition(ctx context.Context, userID string, positionID uint) error {
	if err := e.allow(userID); err != nil {
		return err
	}
	position, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if position.UserID != userID {
		return fmt.Errorf("position %d does not belong to user %s", positionID, userID)
	}

	position.Status = models.PositionClosed
	position.CloseReason = string(types.PurposeManual)
	now := time.Now().UTC()
	position.ClosedAt = &now
	if err := e.store.SavePosition(ctx, position); err != nil {
		return err
	}
	e.tracker.Untrack(positionID)
	return nil
}

// AddCopySubscription starts mirroring a target wallet for the user.
func (e *Engine) AddCopySubscription(ctx context.Context, sub *models.CopySubscription) error {
	if err := e.allow(sub.UserID); err != nil {
		return err
	}
	if _, err := solana.PublicKeyFromBase58(sub.TargetWallet); err != nil {
		return fmt.Errorf("invalid target wallet %q: %w", sub.TargetWallet, err)
	}
	if sub.Ratio <= 0 || sub.MaxAmountSOL <= 0 {
		return &types.RejectedTradeError{Reason: "subscription needs a positive ratio and max amount"}
	}

	existing, err := e.store.ListCopySubscriptionsByTarget(ctx, sub.TargetWallet)
	if err != nil {
		return err
	}
	for _, s := range existing {
		if s.UserID == sub.UserID {
			return &types.RejectedTradeError{Reason: "already following this wallet"}
		}
	}

	sub.Enabled = true
	if err := e.store.SaveCopySubscription(ctx, sub); err != nil {
		return err
	}
	return e.watcher.Watch(sub.TargetWallet)
}

// RemoveCopySubscription stops mirroring a target for the user. The live
// stream subscription is dropped only when no other user follows the target.
func (e *Engine) RemoveCopySubscription(ctx context.Context, userID, targetWallet string) error {
	if err := e.allow(userID); err != nil {
		return err
	}
	if err := e.store.DeleteCopySubscription(ctx, userID, targetWallet); err != nil {
		return err
	}
	return e.watcher.Unwatch(ctx, targetWallet)
}

// AddSnipeCriteria installs or replaces the user's snipe filter.
func (e *Engine) AddSnipeCriteria(ctx context.Context, criteria *models.SnipeCriteria) error {
	if err := e.allow(criteria.UserID); err != nil {
		return err
	}
	if criteria.BuyAmountSOL <= 0 {
		return &types.RejectedTradeError{Reason: "snipe criteria need a positive buy amount"}
	}
	criteria.Enabled = true
	return e.store.SaveSnipeCriteria(ctx, criteria)
}

// RemoveSnipeCriteria removes the user's snipe filter.
func (e *Engine) RemoveSnipeCriteria(ctx context.Context, userID string) error {
	if err := e.allow(userID); err != nil {
		return err
	}
	return e.store.DeleteSnipeCriteria(ctx, userID)
}

// ListPositions returns the user's positions, newest first.
func (e *Engine) ListPositions(ctx context.Context, userID string) ([]*models.Position, error) {
	if err := e.allow(userID); err != nil {
		return nil, err
	}
	return e.store.ListPositionsByUser(ctx, userID)
}
