// internal/copytrade/replicator.go
package copytrade

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/rokutrade/engine/internal/storage"
	"github.com/rokutrade/engine/internal/storage/models"
	"github.com/rokutrade/engine/internal/stream"
	"github.com/rokutrade/engine/internal/types"
)

// Subscriber is the slice of the stream client the replicator uses.
type Subscriber interface {
	Subscribe(key string, spec stream.Subscription) error
	Unsubscribe(key string) error
}

// TxFetcher resolves a signature into a full transaction with metadata.
type TxFetcher interface {
	GetTransaction(ctx context.Context, signature string) (*rpc.GetTransactionResult, error)
}

// Trader executes replicated trades.
type Trader interface {
	Execute(ctx context.Context, req *types.TradeRequest) (*types.TradeOutcome, error)
}

// Tracker keeps the position monitor's working set in sync with positions
// the replicator opens and closes.
type Tracker interface {
	Track(position *models.Position)
	Untrack(id uint)
}

// Replicator watches target wallets and mirrors their qualifying swaps for
// every subscribed user, scaled and clamped per subscription.
type Replicator struct {
	stream  Subscriber
	chain   TxFetcher
	store   storage.Storage
	trader  Trader
	tracker Tracker
	logger  *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{} // processed signatures
}

func NewReplicator(sub Subscriber, chain TxFetcher, store storage.Storage, trader Trader, tracker Tracker, logger *zap.Logger) *Replicator {
	return &Replicator{
		stream:  sub,
		chain:   chain,
		store:   store,
		trader:  trader,
		tracker: tracker,
		logger:  logger.Named("copytrade"),
		seen:    make(map[string]struct{}),
	}
}

// Start subscribes to every target wallet with at least one enabled
// subscription.
func (r *Replicator) Start(ctx context.Context) error {
	subs, err := r.store.ListCopySubscriptions(ctx)
	if err != nil {
		return err
	}
	targets := make(map[string]struct{})
	for _, sub := range subs {
		targets[sub.TargetWallet] = struct{}{}
	}
	for target := range targets {
		if err := r.Watch(target); err != nil {
			return err
		}
	}
	r.logger.Info("👀 Watching copy-trade targets", zap.Int("targets", len(targets)))
	return nil
}

// Watch adds a live log subscription for one target wallet. Watching an
// already-watched wallet is a no-op, so adding a second user to the same
// target never duplicates the stream.
func (r *Replicator) Watch(target string) error {
	return r.stream.Subscribe(streamKey(target), stream.LogsSubscription(target, r.handlerFor(target)))
}

// Unwatch drops the live subscription for a target once no enabled user
// subscription remains for it.
func (r *Replicator) Unwatch(ctx context.Context, target string) error {
	remaining, err := r.store.ListCopySubscriptionsByTarget(ctx, target)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}
	return r.stream.Unsubscribe(streamKey(target))
}

func streamKey(target string) string { return "copy:" + target }

// logsValue is the payload of one logsNotification.
type logsValue struct {
	Value struct {
		Signature string      `json:"signature"`
		Err       interface{} `json:"err"`
	} `json:"value"`
}

// handlerFor returns the stream handler for one target. It only parses and
// dispatches; the heavy lifting happens off the stream read loop.
func (r *Replicator) handlerFor(target string) stream.Handler {
	return func(ctx context.Context, payload json.RawMessage) {
		var note logsValue
		if err := json.Unmarshal(payload, &note); err != nil {
			r.logger.Debug("Skipping malformed log notification", zap.Error(err))
			return
		}
		if note.Value.Err != nil || note.Value.Signature == "" {
			return
		}
		if !r.markSeen(note.Value.Signature) {
			return
		}
		go r.replicate(ctx, target, note.Value.Signature)
	}
}

// markSeen records a signature, reporting whether it was new. The stream can
// redeliver notifications around reconnects; each swap replicates once.
func (r *Replicator) markSeen(signature string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[signature]; dup {
		return false
	}
	// Bound the dedupe set; old entries are useless after a few thousand txs.
	if len(r.seen) > 10_000 {
		r.seen = make(map[string]struct{})
	}
	r.seen[signature] = struct{}{}
	return true
}

func (r *Replicator) replicate(ctx context.Context, target, signature string) {
	result, err := r.chain.GetTransaction(ctx, signature)
	if err != nil {
		r.logger.Warn("Failed to fetch observed transaction",
			zap.String("target", target),
			zap.String("signature", signature),
			zap.Error(err))
		return
	}

	swap, err := Classify(result, target)
	if err != nil {
		r.logger.Warn("Failed to classify transaction",
			zap.String("target", target),
			zap.String("signature", signature),
			zap.Error(err))
		return
	}
	if swap == nil {
		return
	}
	swap.Signature = signature

	subs, err := r.store.ListCopySubscriptionsByTarget(ctx, target)
	if err != nil {
		r.logger.Error("Failed to list subscriptions for target",
			zap.String("target", target),
			zap.Error(err))
		return
	}

	r.logger.Info("🔁 Replicating observed swap",
		zap.String("target", target),
		zap.String("signature", signature),
		zap.Bool("buy", swap.Buy),
		zap.String("mint", swap.TokenMint),
		zap.Float64("sol_amount", swap.SOLAmount),
		zap.Int("followers", len(subs)))

	var wg sync.WaitGroup
	for _, sub := range subs {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.copyForUser(ctx, sub, swap)
		}()
	}
	wg.Wait()
}

// copyForUser mirrors one observed swap for one subscription. Failures are
// logged per user; one user's failure never blocks another's copy.
func (r *Replicator) copyForUser(ctx context.Context, sub *models.CopySubscription, swap *ObservedSwap) {
	log := r.logger.With(
		zap.String("user_id", sub.UserID),
		zap.String("target", sub.TargetWallet),
		zap.String("signature", swap.Signature))

	if sub.DelayMs > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(sub.DelayMs) * time.Millisecond):
		}
	}

	if swap.Buy {
		amount := swap.SOLAmount * sub.Ratio
		if amount > sub.MaxAmountSOL {
			amount = sub.MaxAmountSOL
		}
		if amount <= 0 {
			return
		}

		outcome, err := r.trader.Execute(ctx, &types.TradeRequest{
			UserID:         sub.UserID,
			InputMint:      types.WSOLMint,
			OutputMint:     swap.TokenMint,
			Amount:         amount,
			InputDecimals:  types.SOLDecimals,
			OutputDecimals: swap.TokenDecimals,
			SlippageBps:    sub.SlippageBps,
			Purpose:        types.PurposeCopy,
		})
		if err != nil {
			log.Warn("Copy buy failed", zap.Error(err))
			return
		}
		r.openPosition(ctx, sub, swap, outcome, amount)
		return
	}

	// Sell: exit the follower's own position in that mint, if one exists.
	position, err := r.findOpenPosition(ctx, sub.UserID, swap.TokenMint)
	if err != nil {
		log.Warn("Failed to look up position for copy sell", zap.Error(err))
		return
	}
	if position == nil {
		return
	}

	if _, err := r.trader.Execute(ctx, &types.TradeRequest{
		UserID:         sub.UserID,
		InputMint:      swap.TokenMint,
		OutputMint:     types.WSOLMint,
		Amount:         position.Amount,
		InputDecimals:  position.TokenDecimals,
		OutputDecimals: types.SOLDecimals,
		SlippageBps:    sub.SlippageBps,
		Purpose:        types.PurposeCopy,
		PositionID:     uint64(position.ID),
	}); err != nil {
		log.Warn("Copy sell failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	position.Status = models.PositionClosed
	position.CloseReason = string(types.PurposeCopy)
	position.ClosedAt = &now
	if err := r.store.SavePosition(ctx, position); err != nil {
		log.Error("Failed to close copied position", zap.Error(err))
	}
	// The tokens are sold; the monitor must stop pricing this position.
	if r.tracker != nil {
		r.tracker.Untrack(position.ID)
	}
}

// openPosition registers the bought tokens under the subscription's default
// exit rules so the position monitor takes over.
func (r *Replicator) openPosition(ctx context.Context, sub *models.CopySubscription, swap *ObservedSwap, outcome *types.TradeOutcome, amountSOL float64) {
	tokens := types.FromBaseUnits(outcome.OutAmount, swap.TokenDecimals)
	if tokens <= 0 {
		return
	}
	entryPrice := amountSOL / tokens

	user, err := r.store.GetUser(ctx, sub.UserID)
	if err != nil {
		r.logger.Error("Failed to load user for copied position",
			zap.String("user_id", sub.UserID),
			zap.Error(err))
		return
	}

	position := &models.Position{
		UserID:          sub.UserID,
		WalletAddress:   user.WalletAddress,
		TokenMint:       swap.TokenMint,
		TokenDecimals:   swap.TokenDecimals,
		Amount:          tokens,
		EntryPrice:      entryPrice,
		HighWaterPrice:  entryPrice,
		TakeProfitPct:   sub.TakeProfitPct,
		StopLossPct:     sub.StopLossPct,
		TrailingStopPct: sub.TrailingStopPct,
		Status:          models.PositionActive,
	}
	if err := r.store.SavePosition(ctx, position); err != nil {
		r.logger.Error("Failed to persist copied position",
			zap.String("user_id", sub.UserID),
			zap.Error(err))
		return
	}
	if r.tracker != nil {
		r.tracker.Track(position)
	}
}

func (r *Replicator) findOpenPosition(ctx context.Context, userID, mint string) (*models.Position, error) {
	positions, err := r.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.TokenMint == mint && p.Status == models.PositionActive {
			return p, nil
		}
	}
	return nil, nil
}
