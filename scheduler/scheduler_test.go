package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"perp-level-scout/config"
	"perp-level-scout/database"
	"perp-level-scout/metrics"
)

func testSchedulerCfg() config.SchedulerConfig {
	return config.SchedulerConfig{
		AnalysisInterval:     time.Hour,
		TailRefreshInterval:  time.Hour,
		GapScanInterval:      time.Hour,
		EnsureInterval:       time.Hour,
		CleanupInterval:      time.Hour,
		OutcomeInterval:      time.Hour,
		ArchiveInterval:      time.Hour,
		WorkerPoolSize:       4,
		ShutdownDrainTimeout: time.Second,
		EnsureHistoryDays:    7,
	}
}

func noopTasks() Tasks {
	return Tasks{
		Pairs:          func() ([]database.TradingPair, error) { return nil, nil },
		AnalyzePair:    func(ctx context.Context, pair database.TradingPair) error { return nil },
		RefreshTail:    func(ctx context.Context, symbol, timeframe string) error { return nil },
		FillGaps:       func(ctx context.Context, symbol, timeframe string) error { return nil },
		EnsureHistory:  func(ctx context.Context, symbol, timeframe string) error { return nil },
		Cleanup:        func() (int, error) { return 0, nil },
		UpdateOutcomes: func(ctx context.Context) error { return nil },
		ArchiveStale:   func() (int64, error) { return 0, nil },
	}
}

func TestTryLockGuardsReentrance(t *testing.T) {
	s := New(testSchedulerCfg(), []string{"1h"}, noopTasks(), metrics.NewMetrics())

	if !s.tryLock("ETH/USDT") {
		t.Fatal("first lock should succeed")
	}
	if s.tryLock("ETH/USDT") {
		t.Error("a held guard must refuse a second lock")
	}
	if !s.tryLock("BTC/USDT") {
		t.Error("guards are per pair")
	}
	s.unlock("ETH/USDT")
	if !s.tryLock("ETH/USDT") {
		t.Error("an unlocked guard should be takeable again")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	s := New(testSchedulerCfg(), []string{"1h"}, noopTasks(), metrics.NewMetrics())

	// no workers running, so the queue fills up
	accepted := 0
	for i := 0; i < jobQueueSize+10; i++ {
		if s.enqueue(job{name: "noop", run: func(ctx context.Context) {}}) {
			accepted++
		}
	}
	if accepted != jobQueueSize {
		t.Errorf("expected exactly %d accepted jobs, got %d", jobQueueSize, accepted)
	}
}

func TestRunExecutesAnalysesAndDrains(t *testing.T) {
	cfg := testSchedulerCfg()
	tasks := noopTasks()

	var analyzed int64
	tasks.Pairs = func() ([]database.TradingPair, error) {
		return []database.TradingPair{
			{ID: 1, Symbol: "BTC/USDT", Enabled: true},
			{ID: 2, Symbol: "ETH/USDT", Enabled: true},
		}, nil
	}
	tasks.AnalyzePair = func(ctx context.Context, pair database.TradingPair) error {
		atomic.AddInt64(&analyzed, 1)
		return nil
	}
	var ensured int64
	tasks.EnsureHistory = func(ctx context.Context, symbol, timeframe string) error {
		atomic.AddInt64(&ensured, 1)
		return nil
	}

	s := New(cfg, []string{"15m", "1h"}, tasks, metrics.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// the analysis and ensure loops fire immediately on start
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&analyzed) < 2 || atomic.LoadInt64(&ensured) < 4 {
		select {
		case <-deadline:
			t.Fatalf("startup work incomplete: analyzed=%d ensured=%d",
				atomic.LoadInt64(&analyzed), atomic.LoadInt64(&ensured))
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not drain and stop")
	}
}

func TestRunDrainTimeoutCancelsStuckWork(t *testing.T) {
	cfg := testSchedulerCfg()
	cfg.WorkerPoolSize = 1
	cfg.ShutdownDrainTimeout = 50 * time.Millisecond

	tasks := noopTasks()
	var wg sync.WaitGroup
	wg.Add(1)
	tasks.Pairs = func() ([]database.TradingPair, error) {
		return []database.TradingPair{{ID: 1, Symbol: "BTC/USDT", Enabled: true}}, nil
	}
	tasks.AnalyzePair = func(ctx context.Context, pair database.TradingPair) error {
		defer wg.Done()
		<-ctx.Done() // simulate work that only stops when cancelled
		return ctx.Err()
	}

	s := New(cfg, []string{"1h"}, tasks, metrics.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond) // let the stuck analysis start
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("drain timeout must cancel stuck work and return")
	}
	wg.Wait()
}
