// internal/executor/executor.go
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rokutrade/engine/internal/gateway"
	"github.com/rokutrade/engine/internal/logger"
	"github.com/rokutrade/engine/internal/storage"
	"github.com/rokutrade/engine/internal/storage/models"
	"github.com/rokutrade/engine/internal/types"
	"github.com/rokutrade/engine/internal/vault"
)

// Aggregator is the slice of the market data gateway the executor uses.
type Aggregator interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*gateway.Quote, error)
	Swap(ctx context.Context, q *gateway.Quote, signerPublicKey string) ([]byte, error)
	Submit(ctx context.Context, signed []byte) (string, error)
	Status(ctx context.Context, signature string) (types.TxStatus, error)
}

// Config carries the purpose-default slippages.
type Config struct {
	EntrySlippageBps int
	ExitSlippageBps  int
}

// Executor turns trade requests into signed, submitted transactions. All
// trades for one user are serialized behind a per-user lock so concurrent
// decision sources never race signatures for the same wallet.
type Executor struct {
	agg    Aggregator
	store  storage.Storage
	vault  *vault.Vault
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	signLocks map[string]*sync.Mutex
}

func New(agg Aggregator, store storage.Storage, v *vault.Vault, cfg Config, logger *zap.Logger) *Executor {
	if cfg.EntrySlippageBps == 0 {
		cfg.EntrySlippageBps = 100
	}
	if cfg.ExitSlippageBps == 0 {
		cfg.ExitSlippageBps = 500
	}
	return &Executor{
		agg:       agg,
		store:     store,
		vault:     v,
		cfg:       cfg,
		logger:    logger.Named("executor"),
		signLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Executor) userLock(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.signLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		e.signLocks[userID] = lock
	}
	return lock
}

// slippageFor resolves the effective slippage: explicit request value wins,
// otherwise the purpose default. Exits run wider because they are urgent.
func (e *Executor) slippageFor(req *types.TradeRequest) int {
	if req.SlippageBps > 0 {
		return req.SlippageBps
	}
	if req.Purpose.IsExit() {
		return e.cfg.ExitSlippageBps
	}
	return e.cfg.EntrySlippageBps
}

// Execute runs the full pipeline: quote, swap, sign, submit, record. The
// raw signing key exists only inside the vault scope around sign.
func (e *Executor) Execute(ctx context.Context, req *types.TradeRequest) (*types.TradeOutcome, error) {
	if req.Amount <= 0 {
		return nil, &types.RejectedTradeError{Reason: "non-positive amount"}
	}
	if req.InputMint == req.OutputMint {
		return nil, &types.RejectedTradeError{Reason: "input and output mint are identical"}
	}

	user, err := e.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", req.UserID, err)
	}

	baseAmount, err := types.ToBaseUnits(req.Amount, req.InputDecimals)
	if err != nil {
		return nil, &types.RejectedTradeError{Reason: err.Error()}
	}

	slippage := e.slippageFor(req)
	log := logger.WithUser(logger.WithOperation(e.logger, "execute_trade"), req.UserID).With(
		zap.String("purpose", string(req.Purpose)),
		zap.String("input_mint", req.InputMint),
		zap.String("output_mint", req.OutputMint),
		zap.Uint64("amount", baseAmount),
		zap.Int("slippage_bps", slippage))

	lock := e.userLock(req.UserID)
	lock.Lock()
	defer lock.Unlock()

	quote, err := e.agg.Quote(ctx, req.InputMint, req.OutputMint, baseAmount, slippage)
	if err != nil {
		err = fmt.Errorf("quote failed: %w", err)
		e.recordFailure(ctx, req, user.WalletAddress, baseAmount, err)
		return nil, err
	}

	rawTx, err := e.agg.Swap(ctx, quote, user.WalletAddress)
	if err != nil {
		err = fmt.Errorf("swap failed: %w", err)
		e.recordFailure(ctx, req, user.WalletAddress, baseAmount, err)
		return nil, err
	}

	signed, err := e.signTransaction(user.Envelope(), rawTx)
	if err != nil {
		e.recordFailure(ctx, req, user.WalletAddress, baseAmount, err)
		return nil, err
	}

	signature, err := e.agg.Submit(ctx, signed)
	if err != nil {
		err = fmt.Errorf("submit failed: %w", err)
		e.recordFailure(ctx, req, user.WalletAddress, baseAmount, err)
		return nil, err
	}
	log = logger.WithTransaction(log, signature)

	record := &models.Transaction{
		UserID:        req.UserID,
		WalletAddress: user.WalletAddress,
		Signature:     signature,
		InputMint:     quote.InputMint,
		OutputMint:    quote.OutputMint,
		InAmount:      quote.InAmount,
		OutAmount:     quote.OutAmount,
		Price:         priceOf(req, quote),
		Purpose:       string(req.Purpose),
		Status:        models.TxStatusPending,
	}
	if err := e.store.SaveTransaction(ctx, record); err != nil {
		// The trade is already on chain; a bookkeeping failure must not
		// surface as a trade failure.
		log.Error("Failed to record transaction", zap.Error(err))
	}

	log.Info("✅ Trade submitted",
		zap.Uint64("out_amount", quote.OutAmount),
		zap.Float64("price_impact_pct", quote.PriceImpactPct))

	return &types.TradeOutcome{
		Signature:      signature,
		InAmount:       quote.InAmount,
		OutAmount:      quote.OutAmount,
		Price:          record.Price,
		PriceImpactPct: quote.PriceImpactPct,
		Purpose:        req.Purpose,
		ExecutedAt:     time.Now().UTC(),
	}, nil
}

// recordFailure writes a failed ledger row so errored attempts stay
// auditable next to submitted ones. A failed attempt never reached the
// chain, so a synthetic signature keeps the ledger's uniqueness constraint
// satisfied.
func (e *Executor) recordFailure(ctx context.Context, req *types.TradeRequest, wallet string, baseAmount uint64, cause error) {
	record := &models.Transaction{
		UserID:        req.UserID,
		WalletAddress: wallet,
		Signature:     "failed-" + uuid.NewString(),
		InputMint:     req.InputMint,
		OutputMint:    req.OutputMint,
		InAmount:      baseAmount,
		Purpose:       string(req.Purpose),
		Status:        models.TxStatusFailed,
		ErrorMessage:  cause.Error(),
	}
	if err := e.store.SaveTransaction(ctx, record); err != nil {
		e.logger.Warn("Failed to record failed trade attempt",
			zap.String("user_id", req.UserID),
			zap.Error(err))
	}
}

// signTransaction decodes the aggregator's unsigned transaction and signs it
// inside the vault scope. The private key never leaves the closure.
func (e *Executor) signTransaction(env *vault.Envelope, rawTx []byte) ([]byte, error) {
	var signed []byte
	err := e.vault.WithKey(env, func(raw []byte) error {
		tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(rawTx))
		if err != nil {
			return fmt.Errorf("failed to decode transaction: %w", err)
		}

		priv := solana.PrivateKey(raw)
		pub := priv.PublicKey()
		if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
			if key.Equals(pub) {
				return &priv
			}
			return nil
		}); err != nil {
			return fmt.Errorf("failed to sign transaction: %w", err)
		}

		signed, err = tx.MarshalBinary()
		return err
	})
	if err != nil {
		return nil, err
	}
	return signed, nil
}

// ConfirmStatus resolves the chain status of a recorded transaction and
// syncs the audit record.
func (e *Executor) ConfirmStatus(ctx context.Context, signature string) (types.TxStatus, error) {
	status, err := e.agg.Status(ctx, signature)
	if err != nil {
		return "", err
	}
	if status != types.TxPending {
		if err := e.store.UpdateTransactionStatus(ctx, signature, string(status), ""); err != nil {
			logger.WithTransaction(e.logger, signature).Warn("Failed to sync transaction status", zap.Error(err))
		}
	}
	return status, nil
}

// priceOf computes the SOL-per-token price implied by a quote, regardless
// of trade direction.
func priceOf(req *types.TradeRequest, q *gateway.Quote) float64 {
	inHuman := types.FromBaseUnits(q.InAmount, req.InputDecimals)
	outHuman := types.FromBaseUnits(q.OutAmount, req.OutputDecimals)
	if inHuman == 0 || outHuman == 0 {
		return 0
	}
	if req.InputMint == types.WSOLMint {
		return inHuman / outHuman
	}
	return outHuman / inHuman
}
