// internal/copytrade/replicator_test.go
package copytrade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rokutrade/engine/internal/positions"
	"github.com/rokutrade/engine/internal/storage"
	"github.com/rokutrade/engine/internal/storage/memory"
	"github.com/rokutrade/engine/internal/storage/models"
	"github.com/rokutrade/engine/internal/stream"
	"github.com/rokutrade/engine/internal/types"
)

type fakeSubscriber struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeSubscriber) Subscribe(key string, _ stream.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeSubscriber) Unsubscribe(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, k := range f.keys {
		if k == key {
			f.keys = append(f.keys[:i], f.keys[i+1:]...)
			break
		}
	}
	return nil
}

type fakeFetcher struct {
	result *rpc.GetTransactionResult
}

func (f *fakeFetcher) GetTransaction(_ context.Context, _ string) (*rpc.GetTransactionResult, error) {
	return f.result, nil
}

type recordingTrader struct {
	mu        sync.Mutex
	requests  []*types.TradeRequest
	outAmount uint64
}

func (r *recordingTrader) Execute(_ context.Context, req *types.TradeRequest) (*types.TradeOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return &types.TradeOutcome{Signature: "CopySig", OutAmount: r.outAmount, Purpose: req.Purpose}, nil
}

func (r *recordingTrader) executed() []*types.TradeRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.TradeRequest(nil), r.requests...)
}

type recordingTracker struct {
	mu        sync.Mutex
	positions []*models.Position
	untracked []uint
}

func (r *recordingTracker) Track(p *models.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, p)
}

func (r *recordingTracker) Untrack(id uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.untracked = append(r.untracked, id)
}

// staticPrices satisfies the monitor's price source with a fixed quote.
type staticPrices struct{ price float64 }

func (s staticPrices) Price(context.Context, string, uint8) (float64, error) {
	return s.price, nil
}

func seedUser(t *testing.T, store storage.Storage, userID string) {
	t.Helper()
	require.NoError(t, store.SaveUser(context.Background(), &models.User{
		UserID:        userID,
		WalletAddress: solana.NewWallet().PublicKey().String(),
		KeyCiphertext: []byte{1}, KeyNonce: []byte{2}, KeyTag: []byte{3}, KeyAlgorithm: "test",
	}))
}

// observedBuy fabricates a classified 10 SOL buy of the given mint.
func observedBuyResult(t *testing.T, target *solana.Wallet, mint solana.PublicKey, solLamports uint64, tokenBase string) *rpc.GetTransactionResult {
	t.Helper()
	program := solana.MustPublicKeyFromBase58(AggregatorProgramID)
	meta := &rpc.TransactionMeta{
		Fee:          testFee,
		PreBalances:  []uint64{20_000_000_000, 1},
		PostBalances: []uint64{20_000_000_000 - solLamports - testFee, 1},
		PostTokenBalances: []rpc.TokenBalance{
			tokenBalance(target.PublicKey(), mint, tokenBase, 6),
		},
	}
	return buildResult(t, target, program, meta)
}

func TestReplicateScalesAndClampsBuy(t *testing.T) {
	target := solana.NewWallet()
	mint := solana.NewWallet().PublicKey()
	store := memory.NewStorage()
	seedUser(t, store, "u1")
	require.NoError(t, store.SaveCopySubscription(context.Background(), &models.CopySubscription{
		UserID:       "u1",
		TargetWallet: target.PublicKey().String(),
		Ratio:        0.5,
		MaxAmountSOL: 4.0,
		SlippageBps:  50,
		Enabled:      true,
	}))

	trader := &recordingTrader{outAmount: 2_000_000}
	tracker := &recordingTracker{}
	fetcher := &fakeFetcher{result: observedBuyResult(t, target, mint, 10_000_000_000, "4000000")}
	r := NewReplicator(&fakeSubscriber{}, fetcher, store, trader, tracker, zaptest.NewLogger(t))

	r.replicate(context.Background(), target.PublicKey().String(), "ObservedSig")

	executed := trader.executed()
	require.Len(t, executed, 1)
	assert.Equal(t, types.WSOLMint, executed[0].InputMint)
	assert.Equal(t, mint.String(), executed[0].OutputMint)
	assert.Equal(t, 4.0, executed[0].Amount, "10 SOL x 0.5 ratio = 5, clamped to max 4")
	assert.Equal(t, types.PurposeCopy, executed[0].Purpose)
	assert.Equal(t, 50, executed[0].SlippageBps)
}

func TestReplicateBuyOpensMonitoredPosition(t *testing.T) {
	target := solana.NewWallet()
	mint := solana.NewWallet().PublicKey()
	store := memory.NewStorage()
	seedUser(t, store, "u1")
	require.NoError(t, store.SaveCopySubscription(context.Background(), &models.CopySubscription{
		UserID:        "u1",
		TargetWallet:  target.PublicKey().String(),
		Ratio:         1.0,
		MaxAmountSOL:  10.0,
		TakeProfitPct: 30,
		StopLossPct:   15,
		Enabled:       true,
	}))

	trader := &recordingTrader{outAmount: 8_000_000} // 8 tokens at 6 decimals
	tracker := &recordingTracker{}
	fetcher := &fakeFetcher{result: observedBuyResult(t, target, mint, 2_000_000_000, "4000000")}
	r := NewReplicator(&fakeSubscriber{}, fetcher, store, trader, tracker, zaptest.NewLogger(t))

	r.replicate(context.Background(), target.PublicKey().String(), "ObservedSig")

	require.Len(t, tracker.positions, 1)
	p := tracker.positions[0]
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, mint.String(), p.TokenMint)
	assert.Equal(t, 8.0, p.Amount)
	assert.InDelta(t, 0.25, p.EntryPrice, 1e-9) // 2 SOL for 8 tokens
	assert.Equal(t, 30.0, p.TakeProfitPct)
	assert.Equal(t, 15.0, p.StopLossPct)
	assert.Equal(t, models.PositionActive, p.Status)
}

func TestReplicateSellClosesFollowerPosition(t *testing.T) {
	target := solana.NewWallet()
	mint := solana.NewWallet().PublicKey()
	store := memory.NewStorage()
	seedUser(t, store, "u1")
	require.NoError(t, store.SaveCopySubscription(context.Background(), &models.CopySubscription{
		UserID:       "u1",
		TargetWallet: target.PublicKey().String(),
		Ratio:        1.0,
		MaxAmountSOL: 10.0,
		Enabled:      true,
	}))
	position := &models.Position{
		UserID: "u1", TokenMint: mint.String(), TokenDecimals: 6,
		Amount: 8.0, EntryPrice: 0.25, Status: models.PositionActive,
	}
	require.NoError(t, store.SavePosition(context.Background(), position))

	program := solana.MustPublicKeyFromBase58(AggregatorProgramID)
	meta := &rpc.TransactionMeta{
		Fee:          testFee,
		PreBalances:  []uint64{5_000_000_000, 1},
		PostBalances: []uint64{7_000_000_000 - testFee, 1},
		PreTokenBalances: []rpc.TokenBalance{
			tokenBalance(target.PublicKey(), mint, "4000000", 6),
		},
		PostTokenBalances: []rpc.TokenBalance{
			tokenBalance(target.PublicKey(), mint, "0", 6),
		},
	}
	fetcher := &fakeFetcher{result: buildResult(t, target, program, meta)}
	trader := &recordingTrader{}
	tracker := &recordingTracker{}
	r := NewReplicator(&fakeSubscriber{}, fetcher, store, trader, tracker, zaptest.NewLogger(t))

	r.replicate(context.Background(), target.PublicKey().String(), "SellSig")

	executed := trader.executed()
	require.Len(t, executed, 1)
	assert.Equal(t, mint.String(), executed[0].InputMint)
	assert.Equal(t, types.WSOLMint, executed[0].OutputMint)
	assert.Equal(t, 8.0, executed[0].Amount, "copy sells exit the follower's full position")

	stored, err := store.GetPosition(context.Background(), position.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PositionClosed, stored.Status)
	assert.Equal(t, []uint{position.ID}, tracker.untracked, "sold positions leave the monitor's working set")
}

func TestCopySellStopsMonitorEvaluation(t *testing.T) {
	target := solana.NewWallet()
	mint := solana.NewWallet().PublicKey()
	store := memory.NewStorage()
	seedUser(t, store, "u1")
	require.NoError(t, store.SaveCopySubscription(context.Background(), &models.CopySubscription{
		UserID:       "u1",
		TargetWallet: target.PublicKey().String(),
		Ratio:        1.0,
		MaxAmountSOL: 10.0,
		Enabled:      true,
	}))
	position := &models.Position{
		UserID: "u1", TokenMint: mint.String(), TokenDecimals: 6,
		Amount: 8.0, EntryPrice: 0.25, HighWaterPrice: 0.25,
		TakeProfitPct: 30, Status: models.PositionActive,
	}
	require.NoError(t, store.SavePosition(context.Background(), position))

	trader := &recordingTrader{}
	// Real monitor as the tracker, priced so take profit would fire on any
	// tick that still sees the position.
	monitor := positions.NewMonitor(store, staticPrices{price: 1.0}, trader, positions.Config{
		TickInterval:  10 * time.Millisecond,
		SweepInterval: time.Hour,
		Retention:     24 * time.Hour,
		Workers:       2,
	}, zaptest.NewLogger(t))
	monitor.Track(position)

	program := solana.MustPublicKeyFromBase58(AggregatorProgramID)
	meta := &rpc.TransactionMeta{
		Fee:          testFee,
		PreBalances:  []uint64{5_000_000_000, 1},
		PostBalances: []uint64{7_000_000_000 - testFee, 1},
		PreTokenBalances: []rpc.TokenBalance{
			tokenBalance(target.PublicKey(), mint, "4000000", 6),
		},
		PostTokenBalances: []rpc.TokenBalance{
			tokenBalance(target.PublicKey(), mint, "0", 6),
		},
	}
	fetcher := &fakeFetcher{result: buildResult(t, target, program, meta)}
	r := NewReplicator(&fakeSubscriber{}, fetcher, store, trader, monitor, zaptest.NewLogger(t))

	r.replicate(context.Background(), target.PublicKey().String(), "SellSig")
	require.Len(t, trader.executed(), 1, "the copy sell itself")

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_ = monitor.Run(ctx)

	assert.Len(t, trader.executed(), 1, "the monitor must not exit a position the copy sell already closed")
}

func TestStartWatchesEachTargetOnce(t *testing.T) {
	store := memory.NewStorage()
	target := solana.NewWallet().PublicKey().String()
	for _, userID := range []string{"u1", "u2"} {
		require.NoError(t, store.SaveCopySubscription(context.Background(), &models.CopySubscription{
			UserID: userID, TargetWallet: target, Ratio: 1, MaxAmountSOL: 1, Enabled: true,
		}))
	}

	subs := &fakeSubscriber{}
	r := NewReplicator(subs, &fakeFetcher{}, store, &recordingTrader{}, &recordingTracker{}, zaptest.NewLogger(t))
	require.NoError(t, r.Start(context.Background()))

	require.Len(t, subs.keys, 1, "two followers of one target share one stream subscription")
	assert.Equal(t, "copy:"+target, subs.keys[0])
}

func TestUnwatchKeepsSubscriptionWhileFollowersRemain(t *testing.T) {
	store := memory.NewStorage()
	target := solana.NewWallet().PublicKey().String()
	require.NoError(t, store.SaveCopySubscription(context.Background(), &models.CopySubscription{
		UserID: "u1", TargetWallet: target, Ratio: 1, MaxAmountSOL: 1, Enabled: true,
	}))

	subs := &fakeSubscriber{}
	r := NewReplicator(subs, &fakeFetcher{}, store, &recordingTrader{}, &recordingTracker{}, zaptest.NewLogger(t))
	require.NoError(t, r.Start(context.Background()))
	require.Len(t, subs.keys, 1)

	// u1 still follows: the live subscription must survive.
	require.NoError(t, r.Unwatch(context.Background(), target))
	assert.Len(t, subs.keys, 1)

	require.NoError(t, store.DeleteCopySubscription(context.Background(), "u1", target))
	require.NoError(t, r.Unwatch(context.Background(), target))
	assert.Empty(t, subs.keys)
}

func TestMarkSeenDeduplicatesSignatures(t *testing.T) {
	r := NewReplicator(&fakeSubscriber{}, &fakeFetcher{}, memory.NewStorage(), &recordingTrader{}, &recordingTracker{}, zaptest.NewLogger(t))
	assert.True(t, r.markSeen("sig1"))
	assert.False(t, r.markSeen("sig1"))
	assert.True(t, r.markSeen("sig2"))
}

func TestCopyDelayRespectsCancellation(t *testing.T) {
	store := memory.NewStorage()
	seedUser(t, store, "u1")
	trader := &recordingTrader{}
	r := NewReplicator(&fakeSubscriber{}, &fakeFetcher{}, store, trader, &recordingTracker{}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.copyForUser(ctx, &models.CopySubscription{
		UserID: "u1", Ratio: 1, MaxAmountSOL: 1, DelayMs: 60_000,
	}, &ObservedSwap{Buy: true, TokenMint: "mint", SOLAmount: 1})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, trader.executed(), "a cancelled context must abort the delayed copy")
}
