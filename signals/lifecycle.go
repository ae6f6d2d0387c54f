// Package signals converts admitted level interactions into persisted
// trade signals and tracks their outcome (MFE/MAE, threshold touches,
// settlement, close reason).
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"perp-level-scout/config"
	"perp-level-scout/database"
	"perp-level-scout/market"
	"perp-level-scout/screens"
)

// Exit reasons recorded on closed signals
const (
	ExitReasonStopLoss = "STOP_LOSS"
	ExitReasonExpired  = "EXPIRED"
)

// emissionGuardTTL covers the overlap window of two analysis cycles on
// the same pair; the database duplicate check handles everything longer.
const emissionGuardTTL = time.Minute

// SignalRepo is the persistence surface of the lifecycle
type SignalRepo interface {
	SaveSignal(signal *database.Signal) error
	UpdateSignal(signal *database.Signal) error
	FindBlockingSignal(symbol string, price, tolerance float64, window time.Duration) (*database.Signal, error)
	GetActiveSignals(limit int) ([]database.Signal, error)
	ArchiveStaleSignals(retention time.Duration) (int64, error)
	AppendSignalLog(entry *database.SignalLiveLog) error
	UpdateLevel(level *database.Level) error
}

// EmissionGuard is the cross-process double-publish lock backed by Redis
// SetNX. A nil guard (or an unreachable Redis) disables it; the database
// duplicate check stays authoritative either way.
type EmissionGuard interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
}

// Lifecycle owns signal admission, deduplication and emission
type Lifecycle struct {
	repo  SignalRepo
	guard EmissionGuard
	cfg   config.SignalConfig
	now   func() time.Time
}

// NewLifecycle creates the signal lifecycle
func NewLifecycle(repo SignalRepo, guard EmissionGuard, cfg config.SignalConfig) *Lifecycle {
	return &Lifecycle{repo: repo, guard: guard, cfg: cfg, now: time.Now}
}

// Admits decides whether a level may emit a signal this scan. Two paths
// qualify: a ready level (fresh passing verdict) with price within the
// ready distance, or a live touch with the level within the touch
// distance. Breakout patterns never emit; only retest/bounce setups do.
func (l *Lifecycle) Admits(level *database.Level, verdict screens.Verdict, currentPrice float64, touched bool) (bool, string) {
	if !verdict.Passed || currentPrice <= 0 {
		return false, ""
	}
	dist := absFloat(level.Price-currentPrice) / currentPrice

	if touched && dist <= l.cfg.TouchDistancePct {
		return true, "touch"
	}
	if dist <= l.cfg.ReadyDistancePct {
		return true, "ready"
	}
	return false, ""
}

// Emit persists a new signal for the level unless an existing signal on
// the same pair within the duplicate tolerance blocks it, or another
// process holds the emission guard for the same level price. Returns
// nil without error when the emission was suppressed.
func (l *Lifecycle) Emit(ctx context.Context, level *database.Level, verdict screens.Verdict, trend market.TrendClassification, path string) (*database.Signal, error) {
	blocking, err := l.repo.FindBlockingSignal(level.Symbol, level.Price, l.cfg.DuplicatePriceTolerance, l.cfg.DuplicateWindow)
	if err != nil {
		return nil, fmt.Errorf("duplicate check for %s: %w", level.Symbol, err)
	}
	if blocking != nil {
		log.Printf("🔁 Suppressed duplicate %s signal for %s near %.8g (existing #%d)",
			market.DirectionFor(market.LevelType(level.Type)), level.Symbol, level.Price, blocking.ID)
		level.SignalGenerated = true
		if err := l.repo.UpdateLevel(level); err != nil {
			return nil, err
		}
		l.logEvent(blocking.ID, database.SignalEventSuppressed, blocking.Status,
			fmt.Sprintf("duplicate emission suppressed at level %.8g (%s path)", level.Price, path), nil)
		return nil, nil
	}

	direction := market.DirectionFor(market.LevelType(level.Type))

	if l.guard != nil {
		key := fmt.Sprintf("signal_emit:%s:%s:%.8g", level.Symbol, level.Type, level.Price)
		taken, err := l.guard.SetNX(ctx, key, l.now().UTC(), emissionGuardTTL)
		if err == nil && !taken {
			log.Printf("🔁 Emission guard held for %s %s near %.8g, skipping",
				level.Symbol, direction, level.Price)
			return nil, nil
		}
	}

	entry := level.Price
	stop := entry * (1 - l.cfg.StopLossPct)
	if direction == market.DirectionShort {
		stop = entry * (1 + l.cfg.StopLossPct)
	}
	if (direction == market.DirectionLong && stop >= entry) ||
		(direction == market.DirectionShort && stop <= entry) {
		return nil, fmt.Errorf("stop %.8g on wrong side of entry %.8g for %s", stop, entry, direction)
	}

	signal := &database.Signal{
		PairID:              level.PairID,
		Symbol:              level.Symbol,
		SignalType:          string(direction),
		LevelPrice:          level.Price,
		EntryPrice:          entry,
		StopLoss:            stop,
		Timestamp:           l.now().UTC(),
		TrendClassification: string(trend),
		LevelType:           level.Type,
		Timeframe:           level.Timeframe,
		TestCount:           level.TestCount,
		LevelScore:          level.Score,
		Status:              database.SignalStatusActive,
		ElderScreensMeta:    string(verdict.Encode()),
	}
	if err := l.repo.SaveSignal(signal); err != nil {
		return nil, fmt.Errorf("signal insert for %s: %w", level.Symbol, err)
	}

	level.SignalGenerated = true
	if err := l.repo.UpdateLevel(level); err != nil {
		return nil, err
	}

	l.logEvent(signal.ID, database.SignalEventEmitted, signal.Status,
		fmt.Sprintf("%s at %.8g, stop %.8g, score %.2f (%s path)", direction, entry, stop, level.Score, path),
		map[string]interface{}{"timeframe": level.Timeframe, "test_count": level.TestCount})

	log.Printf("🚀 Signal #%d: %s %s at %.8g (stop %.8g, %s %s, score %.2f)",
		signal.ID, direction, level.Symbol, entry, stop, level.Timeframe, trend, level.Score)
	return signal, nil
}

// ArchiveStale closes expired ACTIVE signals and archives old CLOSED
// ones past the retention window.
func (l *Lifecycle) ArchiveStale() (int64, error) {
	retention := time.Duration(l.cfg.RetentionDays) * 24 * time.Hour
	n, err := l.repo.ArchiveStaleSignals(retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("🗄️ Archived %d stale signals", n)
	}
	return n, nil
}

func (l *Lifecycle) logEvent(signalID int64, eventType, status, message string, details map[string]interface{}) {
	entry := &database.SignalLiveLog{
		SignalID:  signalID,
		EventType: eventType,
		Status:    status,
		Message:   message,
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			entry.Details = string(data)
		}
	}
	if err := l.repo.AppendSignalLog(entry); err != nil {
		log.Printf("⚠️ Failed to append signal log for #%d: %v", signalID, err)
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
