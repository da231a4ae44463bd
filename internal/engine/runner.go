// internal/engine/runner.go
package engine

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rokutrade/engine/internal/blockchain"
	"github.com/rokutrade/engine/internal/config"
	"github.com/rokutrade/engine/internal/copytrade"
	"github.com/rokutrade/engine/internal/executor"
	"github.com/rokutrade/engine/internal/gateway"
	"github.com/rokutrade/engine/internal/logger"
	"github.com/rokutrade/engine/internal/positions"
	"github.com/rokutrade/engine/internal/snipe"
	"github.com/rokutrade/engine/internal/storage"
	"github.com/rokutrade/engine/internal/storage/memory"
	"github.com/rokutrade/engine/internal/storage/postgres"
	"github.com/rokutrade/engine/internal/stream"
	"github.com/rokutrade/engine/internal/vault"
)

// Runner assembles and supervises the whole engine: storage, vault,
// execution path and the three monitors.
type Runner struct {
	log        *logger.Logger
	cfg        *config.Config
	store      storage.Storage
	streamCli  *stream.Client
	monitor    *positions.Monitor
	replicator *copytrade.Replicator
	detector   *snipe.Detector
	facade     *Engine
}

func NewRunner() *Runner {
	return &Runner{}
}

// Initialize loads configuration and wires every component. Nothing starts
// running until Run.
func (r *Runner) Initialize(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	r.cfg = cfg

	log, err := logger.New(&logger.Config{
		LogFile:     cfg.LogFile,
		MaxSize:     100,
		MaxAge:      7,
		MaxBackups:  3,
		Compress:    true,
		Development: cfg.DebugLogging,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	r.log = log

	v, err := vault.New(cfg.MasterSecret, log.Logger)
	if err != nil {
		return err
	}

	if cfg.PostgresURL != "" {
		r.store, err = postgres.NewStorage(cfg.PostgresURL, log.Logger)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
	} else {
		log.Warn("No postgres_url configured, falling back to in-memory storage")
		r.store = memory.NewStorage()
	}
	if err := r.store.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	timeout := time.Duration(cfg.RequestTimeout) * time.Millisecond
	chain := blockchain.NewClient(cfg.RPCURL, timeout, log.Logger)

	agg := gateway.New(gateway.Config{
		QuoteURL: cfg.QuoteURL,
		SwapURL:  cfg.SwapURL,
		Timeout:  timeout,
		MaxTries: uint(cfg.Retries),
	}, chain, log.Logger)

	exec := executor.New(agg, r.store, v, executor.Config{
		EntrySlippageBps: cfg.EntrySlippage,
		ExitSlippageBps:  cfg.ExitSlippage,
	}, log.Logger)

	r.monitor = positions.NewMonitor(r.store, positions.NewQuotePriceSource(agg), exec, positions.Config{
		TickInterval:  time.Duration(cfg.MonitorDelay) * time.Millisecond,
		SweepInterval: time.Duration(cfg.SweepDelay) * time.Millisecond,
		Retention:     time.Duration(cfg.RetentionHours) * time.Hour,
		Workers:       cfg.Workers,
	}, log.Logger)

	if cfg.WebSocketURL != "" {
		r.streamCli = stream.NewClient(cfg.WebSocketURL, stream.WSDialer{},
			time.Duration(cfg.ReconnectDelay)*time.Millisecond, log.Logger)
		r.replicator = copytrade.NewReplicator(r.streamCli, chain, r.store, exec, r.monitor, log.Logger)
	} else {
		log.Warn("No websocket_url configured, copy-trading disabled")
	}

	if cfg.MetadataFeedURL != "" {
		analyzer := snipe.NewHTTPAnalyzer(cfg.MetadataFeedURL, timeout)
		r.detector = snipe.NewDetector(analyzer, analyzer, r.store, exec, r.monitor, snipe.Config{
			PollInterval: time.Duration(cfg.MonitorDelay) * time.Millisecond,
		}, log.Logger)
	} else {
		log.Warn("No metadata_feed_url configured, sniping disabled")
	}

	var watcher Watcher = noopWatcher{}
	if r.replicator != nil {
		watcher = r.replicator
	}
	r.facade = New(r.store, v, exec, chain, watcher, r.monitor, Config{
		RateLimitPerMin: cfg.RateLimitPerMin,
	}, log.Logger)

	return nil
}

// Engine exposes the service facade once Initialize has succeeded.
func (r *Runner) Engine() *Engine {
	return r.facade
}

// Run starts every monitor under one errgroup and blocks until a signal or
// a fatal component error stops the engine.
func (r *Runner) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		if err := r.store.Close(); err != nil {
			r.log.Warn("Failed to close storage", zap.Error(err))
		}
		_ = r.log.Sync()
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.monitor.Run(ctx) })
	if r.streamCli != nil {
		g.Go(func() error { return r.streamCli.Run(ctx) })
	}
	if r.replicator != nil {
		if err := r.replicator.Start(ctx); err != nil {
			return fmt.Errorf("failed to start replicator: %w", err)
		}
	}
	if r.detector != nil {
		g.Go(func() error { return r.detector.Run(ctx) })
	}

	r.log.Info("🚀 Engine running",
		zap.Bool("copy_trading", r.replicator != nil),
		zap.Bool("sniping", r.detector != nil))

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	r.log.Info("Engine stopped")
	return nil
}

type noopWatcher struct{}

func (noopWatcher) Watch(string) error                    { return nil }
func (noopWatcher) Unwatch(context.Context, string) error { return nil }
