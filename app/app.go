// Package app wires the engine together: database, Redis, exchange
// client, price stream, OHLCV store, level engine, filter chain, signal
// lifecycle, outcome tracker, scheduler and the metrics server.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"perp-level-scout/cache"
	"perp-level-scout/config"
	"perp-level-scout/database"
	"perp-level-scout/exchange"
	"perp-level-scout/levels"
	"perp-level-scout/metrics"
	"perp-level-scout/scheduler"
	"perp-level-scout/screens"
	"perp-level-scout/signals"
	"perp-level-scout/store"
	"perp-level-scout/stream"
)

// App represents the main application
type App struct {
	config *config.Config

	db       *database.Database
	repo     *database.Repository
	redis    *cache.RedisClient
	binance  *exchange.BinanceClient
	feed     *stream.PriceFeed
	store    *store.Store
	health   *metrics.HealthStatus
	metrics  *metrics.Metrics
	promSrv  *metrics.Server
	schedule *scheduler.Scheduler
}

// New creates a new application instance
func New(cfg *config.Config) *App {
	return &App{config: cfg}
}

// Start starts the application and blocks until shutdown
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Database
	fmt.Println("🗄️  Connecting to database...")
	dbPort, err := strconv.Atoi(a.config.DatabasePort)
	if err != nil {
		return fmt.Errorf("invalid database port: %w", err)
	}
	db, err := database.Connect(
		a.config.DatabaseHost,
		dbPort,
		a.config.DatabaseName,
		a.config.DatabaseUser,
		a.config.DatabasePassword,
	)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	a.db = db
	a.repo = database.NewRepository(db)

	if err := a.repo.InitSchema(); err != nil {
		return fmt.Errorf("schema initialization failed: %w", err)
	}

	// 2. Redis (optional; the engine keeps working without it)
	fmt.Println("🧠 Connecting to Redis...")
	a.redis = cache.NewRedisClient(
		a.config.RedisHost,
		a.config.RedisPort,
		a.config.RedisPassword,
	)
	if a.redis == nil {
		fmt.Println("⚠️  Redis connection failed. Verdict mirroring disabled.")
	}

	// 3. Pair universe bootstrap
	if err := a.repo.UpsertPairs(a.config.Universe, "binance-futures"); err != nil {
		return fmt.Errorf("pair bootstrap failed: %w", err)
	}
	fmt.Printf("📋 Universe: %d pairs, timeframes %v\n", len(a.config.Universe), a.config.Timeframes)

	// 4. Observability
	a.metrics = metrics.NewMetrics()
	a.health = metrics.NewHealthStatus()
	a.health.SetDBOK(true)
	a.health.SetRedisOK(a.redis != nil)
	a.promSrv = metrics.NewServer(a.config.MetricsAddr, a.health, a.metrics)
	a.promSrv.Start()

	// 5. Exchange client, price stream, OHLCV store
	a.binance = exchange.NewBinanceClient(a.config.Exchange, a.metrics)
	a.store = store.New(a.repo, a.binance)

	a.feed = stream.NewPriceFeed(a.config.Exchange.StreamURL, a.config.Universe)
	a.feed.NotifyState(a.health.SetStreamConnected)
	a.feed.Start(ctx)

	// 6. Analysis pipeline
	chain := screens.NewChain(a.config.Filter)
	verdicts := screens.NewVerdictCache(a.redis)
	analyzer := scheduler.NewAnalyzer(
		a.repo, a.store, chain, verdicts, a.redis,
		a.config.Level, a.config.Signal, a.config.Timeframes,
		a.feed.LastPrice, a.binance.FetchTicker, a.metrics,
	)
	lifecycle := signals.NewLifecycle(a.repo, a.redis, a.config.Signal)
	tracker := signals.NewTracker(a.repo, a.store, a.metrics)

	levelEngine := levels.NewEngine(a.repo, a.config.Level)
	cleaner := func() (int, error) {
		verdicts.Prune()
		kept, evicted, err := levelEngine.Cleanup(a.feed.LastPrice)
		if err == nil {
			a.metrics.ActiveLevels.Set(float64(kept))
		}
		return evicted, err
	}

	a.schedule = scheduler.New(a.config.Scheduler, a.config.Timeframes, scheduler.Tasks{
		Pairs: a.repo.GetEnabledPairs,
		AnalyzePair: func(ctx context.Context, pair database.TradingPair) error {
			if err := analyzer.AnalyzePair(ctx, pair); err != nil {
				return err
			}
			a.health.SetLastAnalysisAt(time.Now())
			return nil
		},
		RefreshTail: a.store.RefreshTail,
		FillGaps: func(ctx context.Context, symbol, timeframe string) error {
			span := time.Duration(a.config.Scheduler.EnsureHistoryDays) * 24 * time.Hour
			return a.store.FillGaps(ctx, symbol, timeframe, span, 24*time.Hour)
		},
		EnsureHistory: func(ctx context.Context, symbol, timeframe string) error {
			return a.store.EnsureHistory(ctx, symbol, timeframe, a.config.Scheduler.EnsureHistoryDays)
		},
		Cleanup:        cleaner,
		UpdateOutcomes: tracker.UpdateAll,
		ArchiveStale:   lifecycle.ArchiveStale,
	}, a.metrics)

	// 7. Run until interrupted
	go a.schedule.Run(ctx)
	fmt.Println("✅ Engine running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\n🛑 Shutting down...")
	cancel()
	time.Sleep(a.config.Scheduler.ShutdownDrainTimeout + time.Second)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	a.promSrv.Stop(shutdownCtx)
	_ = a.feed.Close()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("database close failed: %w", err)
	}
	fmt.Println("👋 Goodbye")
	return nil
}
