// Package scheduler drives the engine on a predictable cadence: candle
// tail refresh, gap scan, historical ensure, per-pair analysis, level
// cleanup, outcome updates and signal archiving. Jobs run on a bounded
// worker pool; re-entrance of a pair's analysis is prevented by a
// per-pair try-lock guard.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"perp-level-scout/config"
	"perp-level-scout/database"
	"perp-level-scout/metrics"
)

const jobQueueSize = 256

// Tasks are the operations the scheduler drives. The app wires them to
// the concrete components; tests wire fakes.
type Tasks struct {
	Pairs          func() ([]database.TradingPair, error)
	AnalyzePair    func(ctx context.Context, pair database.TradingPair) error
	RefreshTail    func(ctx context.Context, symbol, timeframe string) error
	FillGaps       func(ctx context.Context, symbol, timeframe string) error
	EnsureHistory  func(ctx context.Context, symbol, timeframe string) error
	Cleanup        func() (int, error)
	UpdateOutcomes func(ctx context.Context) error
	ArchiveStale   func() (int64, error)
}

type job struct {
	name string
	run  func(ctx context.Context)
}

// Scheduler owns the worker pool, the job queue and every periodic loop
type Scheduler struct {
	cfg        config.SchedulerConfig
	timeframes []string
	tasks      Tasks
	metrics    *metrics.Metrics

	jobs   chan job
	wg     sync.WaitGroup
	guards sync.Map // symbol -> *int32
}

// New creates a scheduler over the given tasks
func New(cfg config.SchedulerConfig, timeframes []string, tasks Tasks, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		timeframes: timeframes,
		tasks:      tasks,
		metrics:    m,
		jobs:       make(chan job, jobQueueSize),
	}
}

// Run starts the workers and periodic loops and blocks until ctx is
// cancelled. On shutdown it stops accepting jobs, waits up to the drain
// timeout for in-flight work, then cancels what remains.
func (s *Scheduler) Run(ctx context.Context) {
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	for i := 0; i < s.cfg.WorkerPoolSize; i++ {
		s.wg.Add(1)
		go s.worker(workCtx)
	}
	log.Printf("⚙️ Scheduler started with %d workers", s.cfg.WorkerPoolSize)

	var loops sync.WaitGroup
	runLoop := func(name string, interval time.Duration, immediate bool, fire func()) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			if immediate {
				fire()
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fire()
				}
			}
		}()
	}

	runLoop("analysis", s.cfg.AnalysisInterval, true, s.enqueueAnalyses)
	runLoop("tail-refresh", s.cfg.TailRefreshInterval, false, s.enqueueTailRefreshes)
	runLoop("gap-scan", s.cfg.GapScanInterval, false, s.enqueueGapScans)
	runLoop("ensure-history", s.cfg.EnsureInterval, true, s.enqueueEnsures)
	runLoop("cleanup", s.cfg.CleanupInterval, false, func() {
		s.enqueue(job{name: "cleanup", run: func(ctx context.Context) {
			if _, err := s.tasks.Cleanup(); err != nil {
				log.Printf("❌ Level cleanup failed: %v", err)
			}
		}})
	})
	runLoop("outcomes", s.cfg.OutcomeInterval, false, func() {
		s.enqueue(job{name: "outcomes", run: func(ctx context.Context) {
			if err := s.tasks.UpdateOutcomes(ctx); err != nil {
				log.Printf("❌ Outcome update failed: %v", err)
			}
		}})
	})
	runLoop("archive", s.cfg.ArchiveInterval, false, func() {
		s.enqueue(job{name: "archive", run: func(ctx context.Context) {
			if _, err := s.tasks.ArchiveStale(); err != nil {
				log.Printf("❌ Signal archiving failed: %v", err)
			}
		}})
	})

	<-ctx.Done()
	log.Println("🛑 Scheduler stopping, draining in-flight jobs...")
	loops.Wait()
	close(s.jobs)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("✅ Scheduler drained cleanly")
	case <-time.After(s.cfg.ShutdownDrainTimeout):
		log.Printf("⚠️ Drain timeout %v exceeded, cancelling remaining work", s.cfg.ShutdownDrainTimeout)
		cancelWork()
		<-done
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for j := range s.jobs {
		if ctx.Err() != nil {
			continue // shutdown: drop remaining queued jobs
		}
		s.metrics.QueueDepth.Set(float64(len(s.jobs)))
		j.run(ctx)
	}
}

// enqueue submits a job without blocking; a full queue skips this tick
func (s *Scheduler) enqueue(j job) bool {
	select {
	case s.jobs <- j:
		s.metrics.QueueDepth.Set(float64(len(s.jobs)))
		return true
	default:
		log.Printf("⚠️ Job queue full, skipping %s", j.name)
		return false
	}
}

// enqueueAnalyses publishes one analysis job per enabled pair. The
// per-pair guard makes a still-running analysis skip this tick instead
// of running twice.
func (s *Scheduler) enqueueAnalyses() {
	pairs, err := s.tasks.Pairs()
	if err != nil {
		log.Printf("❌ Loading pairs failed: %v", err)
		return
	}
	for _, pair := range pairs {
		p := pair
		s.enqueue(job{name: "analysis " + p.Symbol, run: func(ctx context.Context) {
			if !s.tryLock(p.Symbol) {
				s.metrics.AnalysesTotal.WithLabelValues("skipped").Inc()
				return
			}
			defer s.unlock(p.Symbol)

			if err := s.tasks.AnalyzePair(ctx, p); err != nil {
				s.metrics.AnalysesTotal.WithLabelValues("error").Inc()
				log.Printf("❌ Analysis %s failed: %v", p.Symbol, err)
				return
			}
			s.metrics.AnalysesTotal.WithLabelValues("ok").Inc()
		}})
	}
}

func (s *Scheduler) enqueueTailRefreshes() {
	s.forEachPairTimeframe("tail-refresh", s.tasks.RefreshTail)
}

func (s *Scheduler) enqueueGapScans() {
	s.forEachPairTimeframe("gap-scan", s.tasks.FillGaps)
}

func (s *Scheduler) enqueueEnsures() {
	s.forEachPairTimeframe("ensure-history", s.tasks.EnsureHistory)
}

func (s *Scheduler) forEachPairTimeframe(name string, fn func(ctx context.Context, symbol, timeframe string) error) {
	pairs, err := s.tasks.Pairs()
	if err != nil {
		log.Printf("❌ Loading pairs failed: %v", err)
		return
	}
	for _, pair := range pairs {
		for _, tf := range s.timeframes {
			symbol, timeframe := pair.Symbol, tf
			s.enqueue(job{name: name + " " + symbol + " " + timeframe, run: func(ctx context.Context) {
				if err := fn(ctx, symbol, timeframe); err != nil {
					log.Printf("❌ %s %s %s failed: %v", name, symbol, timeframe, err)
				}
			}})
		}
	}
}

// tryLock takes the pair's analysis guard, reporting success
func (s *Scheduler) tryLock(symbol string) bool {
	v, _ := s.guards.LoadOrStore(symbol, new(int32))
	return atomic.CompareAndSwapInt32(v.(*int32), 0, 1)
}

func (s *Scheduler) unlock(symbol string) {
	if v, ok := s.guards.Load(symbol); ok {
		atomic.StoreInt32(v.(*int32), 0)
	}
}
