// internal/snipe/detector.go
package snipe

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rokutrade/engine/internal/storage"
	"github.com/rokutrade/engine/internal/storage/models"
	"github.com/rokutrade/engine/internal/types"
)

// Trader executes snipe buys.
type Trader interface {
	Execute(ctx context.Context, req *types.TradeRequest) (*types.TradeOutcome, error)
}

// Tracker registers positions opened by auto-sell snipes.
type Tracker interface {
	Track(position *models.Position)
}

// Config tunes the discovery loop.
type Config struct {
	PollInterval time.Duration
}

// Detector watches for newly listed tokens, analyzes each candidate once and
// fires an independent snipe for every user whose criteria it satisfies.
type Detector struct {
	feed     Feed
	analyzer Analyzer
	store    storage.Storage
	trader   Trader
	tracker  Tracker
	cfg      Config
	logger   *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewDetector(feed Feed, analyzer Analyzer, store storage.Storage, trader Trader, tracker Tracker, cfg Config, logger *zap.Logger) *Detector {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Detector{
		feed:     feed,
		analyzer: analyzer,
		store:    store,
		trader:   trader,
		tracker:  tracker,
		cfg:      cfg,
		logger:   logger.Named("snipe"),
		seen:     make(map[string]struct{}),
	}
}

// Run polls the discovery feed until ctx is cancelled. Feed errors are
// logged and retried on the next poll.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			mints, err := d.feed.Latest(ctx)
			if err != nil {
				d.logger.Warn("Token discovery poll failed", zap.Error(err))
				continue
			}
			for _, mint := range mints {
				d.HandleNewToken(ctx, mint)
			}
		}
	}
}

// HandleNewToken processes one candidate mint. Each mint is analyzed at most
// once; an analyzer failure skips this token only.
func (d *Detector) HandleNewToken(ctx context.Context, mint string) {
	if !d.markSeen(mint) {
		return
	}

	report, err := d.analyzer.Analyze(ctx, mint)
	if err != nil {
		d.logger.Warn("Token analysis failed",
			zap.String("mint", mint),
			zap.Error(&types.PartialAnalysisError{Mint: mint, Err: err}))
		return
	}

	criteria, err := d.store.ListSnipeCriteria(ctx)
	if err != nil {
		d.logger.Error("Failed to list snipe criteria", zap.Error(err))
		return
	}

	var matched []*models.SnipeCriteria
	for _, c := range criteria {
		if matches(c, report) {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return
	}

	d.logger.Info("🎯 Token qualifies for snipe",
		zap.String("mint", mint),
		zap.String("symbol", report.Symbol),
		zap.Float64("liquidity_usd", report.LiquidityUSD),
		zap.Float64("market_cap_usd", report.MarketCapUSD),
		zap.Int("users", len(matched)))

	var wg sync.WaitGroup
	for _, c := range matched {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.snipeForUser(ctx, c, report)
		}()
	}
	wg.Wait()
}

func (d *Detector) markSeen(mint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[mint]; dup {
		return false
	}
	if len(d.seen) > 10_000 {
		d.seen = make(map[string]struct{})
	}
	d.seen[mint] = struct{}{}
	return true
}

// matches applies one user's thresholds to a token report. Every enabled
// threshold must pass.
func matches(c *models.SnipeCriteria, report *TokenReport) bool {
	if report.LiquidityUSD < c.MinLiquidityUSD {
		return false
	}
	if c.MaxMarketCapUSD > 0 && report.MarketCapUSD > c.MaxMarketCapUSD {
		return false
	}
	if c.MinSafetyScore > 0 && report.SafetyScore < c.MinSafetyScore {
		return false
	}
	return c.BuyAmountSOL > 0
}

// snipeForUser buys for one user. Failures are logged per user; one user's
// failed snipe never blocks another's.
func (d *Detector) snipeForUser(ctx context.Context, c *models.SnipeCriteria, report *TokenReport) {
	log := d.logger.With(
		zap.String("user_id", c.UserID),
		zap.String("mint", report.Mint),
		zap.String("symbol", report.Symbol))

	outcome, err := d.trader.Execute(ctx, &types.TradeRequest{
		UserID:         c.UserID,
		InputMint:      types.WSOLMint,
		OutputMint:     report.Mint,
		Amount:         c.BuyAmountSOL,
		InputDecimals:  types.SOLDecimals,
		OutputDecimals: report.Decimals,
		SlippageBps:    c.SlippageBps,
		Purpose:        types.PurposeSnipe,
	})
	if err != nil {
		log.Warn("Snipe failed", zap.Error(err))
		return
	}
	log.Info("⚡ Snipe executed", zap.String("signature", outcome.Signature))

	if !c.AutoSell {
		return
	}

	tokens := types.FromBaseUnits(outcome.OutAmount, report.Decimals)
	if tokens <= 0 {
		return
	}
	user, err := d.store.GetUser(ctx, c.UserID)
	if err != nil {
		log.Error("Failed to load user for sniped position", zap.Error(err))
		return
	}

	entryPrice := c.BuyAmountSOL / tokens
	position := &models.Position{
		UserID:          c.UserID,
		WalletAddress:   user.WalletAddress,
		TokenMint:       report.Mint,
		TokenSymbol:     report.Symbol,
		TokenDecimals:   report.Decimals,
		Amount:          tokens,
		EntryPrice:      entryPrice,
		HighWaterPrice:  entryPrice,
		TakeProfitPct:   c.TakeProfitPct,
		StopLossPct:     c.StopLossPct,
		TrailingStopPct: c.TrailingStopPct,
		Status:          models.PositionActive,
	}
	if err := d.store.SavePosition(ctx, position); err != nil {
		log.Error("Failed to persist sniped position", zap.Error(err))
		return
	}
	if d.tracker != nil {
		d.tracker.Track(position)
	}
}
