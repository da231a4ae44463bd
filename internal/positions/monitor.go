// internal/positions/monitor.go
package positions

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rokutrade/engine/internal/storage"
	"github.com/rokutrade/engine/internal/storage/models"
	"github.com/rokutrade/engine/internal/types"
)

// Trader executes exit trades for the monitor.
type Trader interface {
	Execute(ctx context.Context, req *types.TradeRequest) (*types.TradeOutcome, error)
}

// Config tunes the monitor loops.
type Config struct {
	TickInterval  time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
	Workers       int
}

// Monitor owns the working set of open positions. Every tick it prices each
// position and fires at most one exit rule, evaluated in a fixed order:
// take profit, stop loss, trailing stop.
type Monitor struct {
	store  storage.Storage
	prices PriceSource
	trader Trader
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	working map[uint]*models.Position
}

func NewMonitor(store storage.Storage, prices PriceSource, trader Trader, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Monitor{
		store:   store,
		prices:  prices,
		trader:  trader,
		cfg:     cfg,
		logger:  logger.Named("positions"),
		working: make(map[uint]*models.Position),
	}
}

// Track adds a position to the working set. Called when an entry trade
// opens a new monitored position.
func (m *Monitor) Track(position *models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *position
	m.working[position.ID] = &clone
	m.logger.Info("📈 Tracking position",
		zap.Uint("position_id", position.ID),
		zap.String("user_id", position.UserID),
		zap.String("mint", position.TokenMint),
		zap.Float64("entry_price", position.EntryPrice))
}

// Untrack removes a position from the working set without closing it.
func (m *Monitor) Untrack(id uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.working, id)
}

// snapshot returns the open positions to evaluate this tick.
func (m *Monitor) snapshot() []*models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Position, 0, len(m.working))
	for _, p := range m.working {
		if p.Status == models.PositionActive || p.Status == models.PositionClosing {
			out = append(out, p)
		}
	}
	return out
}

// Run reloads open positions from storage and drives the tick and sweep
// loops until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.reload(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	sweeper := time.NewTicker(m.cfg.SweepInterval)
	defer sweeper.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		case <-sweeper.C:
			m.sweep(ctx)
		}
	}
}

// reload restores the working set after a restart so open positions keep
// being monitored.
func (m *Monitor) reload(ctx context.Context) error {
	open, err := m.store.ListActivePositions(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range open {
		m.working[p.ID] = p
	}
	m.logger.Info("Restored open positions", zap.Int("count", len(open)))
	return nil
}

// tick evaluates every open position concurrently. Evaluation errors are
// logged, never returned: one stale token must not block its siblings.
func (m *Monitor) tick(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)

	for _, position := range m.snapshot() {
		position := position
		g.Go(func() error {
			if err := m.evaluate(ctx, position); err != nil {
				m.logger.Warn("Position evaluation failed",
					zap.Uint("position_id", position.ID),
					zap.String("mint", position.TokenMint),
					zap.Error(&types.PartialAnalysisError{Mint: position.TokenMint, Err: err}))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// evaluate prices one position, advances its high-water mark and fires the
// first matching exit rule.
func (m *Monitor) evaluate(ctx context.Context, position *models.Position) error {
	price, err := m.prices.Price(ctx, position.TokenMint, position.TokenDecimals)
	if err != nil {
		return err
	}

	m.advanceHighWater(ctx, position, price)

	reason := exitReason(position, price)
	if position.Status == models.PositionClosing && reason == "" {
		// A previous exit attempt failed mid-close; retry at the stored reason.
		reason = types.TradePurpose(position.CloseReason)
	}
	if reason == "" {
		return nil
	}
	return m.closePosition(ctx, position, price, reason)
}

// advanceHighWater lifts the high-water mark when the price makes a new
// high. It never moves down.
func (m *Monitor) advanceHighWater(ctx context.Context, position *models.Position, price float64) {
	if price <= position.HighWaterPrice {
		return
	}
	position.HighWaterPrice = price
	if err := m.store.SavePosition(ctx, position); err != nil {
		m.logger.Warn("Failed to persist high-water mark",
			zap.Uint("position_id", position.ID),
			zap.Error(err))
	}
}

// exitReason returns the first exit rule the price satisfies. Take profit
// and stop loss are measured against entry, trailing against the high-water
// mark; the order is fixed so only one rule ever fires per tick.
func exitReason(position *models.Position, price float64) types.TradePurpose {
	if position.TakeProfitPct > 0 && price >= position.EntryPrice*(1+position.TakeProfitPct/100) {
		return types.PurposeTakeProfit
	}
	if position.StopLossPct > 0 && price <= position.EntryPrice*(1-position.StopLossPct/100) {
		return types.PurposeStopLoss
	}
	if position.TrailingStopPct > 0 && position.HighWaterPrice > 0 &&
		price <= position.HighWaterPrice*(1-position.TrailingStopPct/100) {
		return types.PurposeTrailingStop
	}
	return ""
}

// closePosition sells the full holding back to SOL. The position moves to
// closing before the trade and to closed only after the trade succeeds; a
// failed exit returns it to active so the next tick retries.
func (m *Monitor) closePosition(ctx context.Context, position *models.Position, price float64, reason types.TradePurpose) error {
	position.Status = models.PositionClosing
	position.CloseReason = string(reason)
	if err := m.store.SavePosition(ctx, position); err != nil {
		position.Status = models.PositionActive
		return err
	}
	m.storeWorking(position)

	outcome, err := m.trader.Execute(ctx, &types.TradeRequest{
		UserID:         position.UserID,
		WalletAddress:  position.WalletAddress,
		InputMint:      position.TokenMint,
		OutputMint:     types.WSOLMint,
		Amount:         position.Amount,
		InputDecimals:  position.TokenDecimals,
		OutputDecimals: types.SOLDecimals,
		Purpose:        reason,
		PositionID:     uint64(position.ID),
	})
	if err != nil {
		position.Status = models.PositionActive
		if saveErr := m.store.SavePosition(ctx, position); saveErr != nil {
			m.logger.Error("Failed to reopen position after failed exit",
				zap.Uint("position_id", position.ID),
				zap.Error(saveErr))
		}
		m.storeWorking(position)
		return err
	}

	now := time.Now().UTC()
	position.Status = models.PositionClosed
	position.ClosedAt = &now
	if err := m.store.SavePosition(ctx, position); err != nil {
		m.logger.Error("Failed to persist closed position",
			zap.Uint("position_id", position.ID),
			zap.Error(err))
	}

	m.mu.Lock()
	delete(m.working, position.ID)
	m.mu.Unlock()

	m.logger.Info("💰 Position closed",
		zap.Uint("position_id", position.ID),
		zap.String("user_id", position.UserID),
		zap.String("mint", position.TokenMint),
		zap.String("reason", string(reason)),
		zap.Float64("exit_price", price),
		zap.String("signature", outcome.Signature))
	return nil
}

func (m *Monitor) storeWorking(position *models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *position
	m.working[position.ID] = &clone
}

// sweep evicts closed positions past the retention window.
func (m *Monitor) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.Retention)
	deleted, err := m.store.DeletePositionsClosedBefore(ctx, cutoff)
	if err != nil {
		m.logger.Warn("Retention sweep failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		m.logger.Info("🧹 Swept closed positions",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
}
