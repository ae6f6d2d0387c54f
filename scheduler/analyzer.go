package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"perp-level-scout/config"
	"perp-level-scout/database"
	"perp-level-scout/levels"
	"perp-level-scout/market"
	"perp-level-scout/metrics"
	"perp-level-scout/screens"
	"perp-level-scout/signals"
	"perp-level-scout/store"
)

const (
	btcSymbol = "BTC/USDT"

	analysisWindow = 200
	trendWindow    = 120
	hourlyWindow   = 120
	// below this many candles an analysis returns empty rather than
	// producing levels from a degenerate series
	minAnalysisBars = 60
)

// Analyzer runs one pair's full analysis pipeline: candles, trend
// context, level discovery and maintenance, filter chain, admission and
// emission. All level/signal writes of one pair commit inside a single
// transaction; an interrupted analysis persists nothing for that pair.
type Analyzer struct {
	repo      *database.Repository
	store     *store.Store
	chain     *screens.Chain
	verdicts  *screens.VerdictCache
	guard     signals.EmissionGuard
	levelCfg  config.LevelConfig
	signalCfg config.SignalConfig
	tfs       []string

	// priceOf serves the streamed mark price; ticker is the REST fallback
	priceOf func(symbol string) (float64, bool)
	ticker  func(ctx context.Context, symbol string) (float64, error)

	metrics *metrics.Metrics
	now     func() time.Time
}

// NewAnalyzer wires the analysis pipeline
func NewAnalyzer(
	repo *database.Repository,
	st *store.Store,
	chain *screens.Chain,
	verdicts *screens.VerdictCache,
	guard signals.EmissionGuard,
	levelCfg config.LevelConfig,
	signalCfg config.SignalConfig,
	timeframes []string,
	priceOf func(symbol string) (float64, bool),
	ticker func(ctx context.Context, symbol string) (float64, error),
	m *metrics.Metrics,
) *Analyzer {
	return &Analyzer{
		repo:      repo,
		store:     st,
		chain:     chain,
		verdicts:  verdicts,
		guard:     guard,
		levelCfg:  levelCfg,
		signalCfg: signalCfg,
		tfs:       timeframes,
		priceOf:   priceOf,
		ticker:    ticker,
		metrics:   m,
		now:       time.Now,
	}
}

// tfSeries is one timeframe's candle window, gathered before the
// transactional pass so candle I/O stays outside the transaction
type tfSeries struct {
	tf      string
	candles []market.Candle
}

// AnalyzePair runs one full analysis of a pair across all configured
// timeframes. Candles are loaded first; the level and signal writes of
// every timeframe then commit in one per-pair transaction, so a failing
// timeframe leaves no partial state behind.
func (a *Analyzer) AnalyzePair(ctx context.Context, pair database.TradingPair) error {
	started := a.now()

	price, err := a.currentPrice(ctx, pair.Symbol)
	if err != nil {
		return fmt.Errorf("no current price for %s: %w", pair.Symbol, err)
	}

	btcTrend := a.trendContext(ctx, btcSymbol)
	pairTrend := btcTrend
	if pair.Symbol != btcSymbol {
		pairTrend = a.trendContext(ctx, pair.Symbol)
	}

	hourly, err := a.store.GetCandles(ctx, pair.Symbol, "1h", hourlyWindow)
	if err != nil {
		return fmt.Errorf("1h candles for %s: %w", pair.Symbol, err)
	}

	var series []tfSeries
	for _, tf := range a.tfs {
		if err := ctx.Err(); err != nil {
			return err
		}
		candles, err := a.store.GetCandles(ctx, pair.Symbol, tf, analysisWindow)
		if err != nil {
			return fmt.Errorf("%s candles for %s: %w", tf, pair.Symbol, err)
		}
		if len(candles) < minAnalysisBars {
			log.Printf("⏭️ Skipping %s %s: only %d candles", pair.Symbol, tf, len(candles))
			continue
		}
		series = append(series, tfSeries{tf: tf, candles: candles})
	}
	if len(series) == 0 {
		a.metrics.AnalysisDur.Observe(time.Since(started).Seconds())
		return nil
	}

	err = a.repo.WithPairTx(func(tx *database.Repository) error {
		engine := levels.NewEngine(tx, a.levelCfg)
		lifecycle := signals.NewLifecycle(tx, a.guard, a.signalCfg)
		for _, sc := range series {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := a.analyzeTimeframe(ctx, tx, engine, lifecycle, pair, sc.tf, sc.candles, price, btcTrend, pairTrend, hourly); err != nil {
				return fmt.Errorf("%s: %w", sc.tf, err)
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("❌ Analysis %s rolled back: %v", pair.Symbol, err)
	}

	a.metrics.AnalysisDur.Observe(time.Since(started).Seconds())
	return err
}

func (a *Analyzer) analyzeTimeframe(ctx context.Context, tx *database.Repository,
	engine *levels.Engine, lifecycle *signals.Lifecycle,
	pair database.TradingPair, tf string, candles []market.Candle, price float64,
	btcTrend, pairTrend market.TrendSnapshot, hourly []market.Candle) error {

	triangle, hasTriangle := levels.DetectTriangle(candles)

	candidates := engine.Discover(candles, tf, price, pairTrend.Classification)
	if err := engine.Sync(pair.ID, pair.Symbol, price, pairTrend.Classification, candidates); err != nil {
		return err
	}
	if len(candidates) > 0 {
		a.metrics.LevelsDiscovered.Add(float64(len(candidates)))
	}

	kept, err := engine.Maintain(pair.Symbol, tf, price, candles)
	if err != nil {
		return err
	}

	last := candles[len(candles)-1]
	for i := range kept {
		level := &kept[i]

		touched, err := engine.RegisterTouch(level, last)
		if err != nil {
			return err
		}
		if level.TestCount >= a.levelCfg.MaxLiveTests {
			a.metrics.LevelsEvicted.WithLabelValues("stale").Inc()
			continue // evicted as exhausted
		}

		direction := market.DirectionFor(market.LevelType(level.Type))
		verdict, cached := a.verdicts.Get(ctx, pair.Symbol, level.ID, direction, screens.GenerationTTL)
		if !cached {
			verdict = a.chain.Evaluate(screens.Input{
				Symbol:        pair.Symbol,
				Direction:     direction,
				Timeframe:     tf,
				LevelPrice:    level.Price,
				LevelScore:    level.Score,
				TestCount:     level.TestCount,
				CurrentPrice:  price,
				BTCTrend:      btcTrend,
				PairTrend:     pairTrend,
				HourlyCloses:  market.Closes(hourly),
				HourlyHighs:   market.Highs(hourly),
				HourlyLows:    market.Lows(hourly),
				Triangle:      triangleOrNil(triangle, hasTriangle),
				TriangleIndex: len(candles) - 1,
			})
			a.verdicts.Put(ctx, level.ID, verdict)

			meta := levels.ParseMetadata(level.Metadata)
			meta.ElderScreens = verdict.Encode()
			at := verdict.EvaluatedAt
			meta.ElderScreensAt = &at
			level.Metadata = meta.Encode()
			if err := tx.UpdateLevel(level); err != nil {
				return err
			}
		}

		if !verdict.Passed {
			if verdict.BlockedCheck != "" {
				a.metrics.VerdictsBlocked.WithLabelValues(verdict.BlockedCheck).Inc()
			}
			continue
		}

		admit, path := lifecycle.Admits(level, verdict, price, touched)
		if !admit {
			continue
		}
		signal, err := lifecycle.Emit(ctx, level, verdict, pairTrend.Classification, path)
		if err != nil {
			return err
		}
		if signal == nil {
			a.metrics.SignalsDuplicate.Inc()
		} else {
			a.metrics.SignalsEmitted.WithLabelValues(signal.SignalType).Inc()
		}
	}
	return nil
}

// trendContext classifies the 4h trend of a symbol, returning UNKNOWN
// when history is insufficient or unavailable.
func (a *Analyzer) trendContext(ctx context.Context, symbol string) market.TrendSnapshot {
	candles, err := a.store.GetCandles(ctx, symbol, "4h", trendWindow)
	if err != nil {
		log.Printf("⚠️ 4h candles for %s: %v", symbol, err)
		return market.TrendSnapshot{Classification: market.TrendUnknown}
	}
	return market.ClassifyTrend(candles)
}

// currentPrice prefers the streamed mark price and falls back to a REST
// ticker call.
func (a *Analyzer) currentPrice(ctx context.Context, symbol string) (float64, error) {
	if a.priceOf != nil {
		if price, ok := a.priceOf(symbol); ok {
			return price, nil
		}
	}
	return a.ticker(ctx, symbol)
}

func triangleOrNil(t *levels.Triangle, ok bool) *levels.Triangle {
	if !ok {
		return nil
	}
	return t
}
