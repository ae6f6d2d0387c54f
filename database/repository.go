package database

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"perp-level-scout/market"
)

// Repository provides data access for pairs, candles, levels, signals
// and the signal live log.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repository on top of an established connection
func NewRepository(db *Database) *Repository {
	return &Repository{db: db.DB()}
}

// InitSchema creates/updates all tables
func (r *Repository) InitSchema() error {
	log.Println("🗄️  Initializing database schema...")
	if err := r.db.AutoMigrate(
		&TradingPair{},
		&OHLCV{},
		&Level{},
		&Signal{},
		&SignalLiveLog{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}
	log.Println("✅ Database schema ready")
	return nil
}

// WithPairTx runs fn inside a transaction. A per-pair analysis commits
// all of its level/signal writes or none of them; candle writes stay
// outside (they are idempotent by key and safe to leave).
func (r *Repository) WithPairTx(fn func(tx *Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// ============================================================================
// Trading pairs
// ============================================================================

// UpsertPairs makes sure every configured symbol has a trading_pairs row.
// Existing rows keep their enabled flag.
func (r *Repository) UpsertPairs(symbols []string, venue string) error {
	for _, s := range symbols {
		pair := TradingPair{Symbol: s, Venue: venue, Enabled: true}
		err := r.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}},
			DoNothing: true,
		}).Create(&pair).Error
		if err != nil {
			return fmt.Errorf("failed to upsert pair %s: %w", s, err)
		}
	}
	return nil
}

// GetEnabledPairs returns all pairs the scheduler should drive
func (r *Repository) GetEnabledPairs() ([]TradingPair, error) {
	var pairs []TradingPair
	err := r.db.Where("enabled = ?", true).Order("symbol asc").Find(&pairs).Error
	return pairs, err
}

// ============================================================================
// OHLCV candles
// ============================================================================

// UpsertCandles inserts candles, enforcing closed-candle immutability:
// a stored row is only overwritten while its bucket is still open.
// allowRepair bypasses the guard for explicit historical repair and is
// not used in steady-state operation.
func (r *Repository) UpsertCandles(candles []OHLCV, allowRepair bool) error {
	if len(candles) == 0 {
		return nil
	}

	now := time.Now().UTC()
	keyCols := []clause.Column{
		{Name: "symbol_short"}, {Name: "timeframe"}, {Name: "timestamp_utc"},
	}
	updateCols := []string{"open", "high", "low", "close", "volume", "updated_at"}

	var closed, open []OHLCV
	for _, c := range candles {
		d, ok := market.TimeframeDuration(c.Timeframe)
		if !ok {
			return fmt.Errorf("unsupported timeframe %q", c.Timeframe)
		}
		c.TimestampUTC = c.TimestampUTC.UTC()
		if allowRepair || c.TimestampUTC.Add(d).After(now) {
			open = append(open, c)
		} else {
			closed = append(closed, c)
		}
	}

	// Closed buckets: insert-if-absent only. Conflicting rows are already
	// immutable history.
	if len(closed) > 0 {
		err := r.db.Clauses(clause.OnConflict{
			Columns:   keyCols,
			DoNothing: true,
		}).CreateInBatches(closed, 500).Error
		if err != nil {
			return fmt.Errorf("failed to insert closed candles: %w", err)
		}
	}

	// Open buckets (or explicit repairs): overwrite OHLCV with the fresher fetch
	if len(open) > 0 {
		err := r.db.Clauses(clause.OnConflict{
			Columns:   keyCols,
			DoUpdates: clause.AssignmentColumns(updateCols),
		}).CreateInBatches(open, 500).Error
		if err != nil {
			return fmt.Errorf("failed to upsert open candles: %w", err)
		}
	}
	return nil
}

// GetCandles returns up to limit most recent candles, ascending by time
func (r *Repository) GetCandles(symbolShort, timeframe string, limit int) ([]OHLCV, error) {
	var candles []OHLCV
	err := r.db.Where("symbol_short = ? AND timeframe = ?", symbolShort, timeframe).
		Order("timestamp_utc desc").
		Limit(limit).
		Find(&candles).Error
	if err != nil {
		return nil, err
	}
	// Reverse to ascending order
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// GetCandlesSince returns all candles at or after since, ascending by time
func (r *Repository) GetCandlesSince(symbolShort, timeframe string, since time.Time) ([]OHLCV, error) {
	var candles []OHLCV
	err := r.db.Where("symbol_short = ? AND timeframe = ? AND timestamp_utc >= ?",
		symbolShort, timeframe, since.UTC()).
		Order("timestamp_utc asc").
		Find(&candles).Error
	return candles, err
}

// GetCandlesBetween returns candles in [from, to], ascending by time.
// The outcome tracker bounds its per-signal 1m scan with this query.
func (r *Repository) GetCandlesBetween(symbolShort, timeframe string, from, to time.Time) ([]OHLCV, error) {
	var candles []OHLCV
	err := r.db.Where("symbol_short = ? AND timeframe = ? AND timestamp_utc BETWEEN ? AND ?",
		symbolShort, timeframe, from.UTC(), to.UTC()).
		Order("timestamp_utc asc").
		Find(&candles).Error
	return candles, err
}

// CountCandles returns the number of stored candles for one series
func (r *Repository) CountCandles(symbolShort, timeframe string) (int64, error) {
	var count int64
	err := r.db.Model(&OHLCV{}).
		Where("symbol_short = ? AND timeframe = ?", symbolShort, timeframe).
		Count(&count).Error
	return count, err
}

// GetLatestCandle returns the most recent candle or nil when none stored
func (r *Repository) GetLatestCandle(symbolShort, timeframe string) (*OHLCV, error) {
	var candle OHLCV
	err := r.db.Where("symbol_short = ? AND timeframe = ?", symbolShort, timeframe).
		Order("timestamp_utc desc").
		First(&candle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &candle, nil
}

// ============================================================================
// Levels
// ============================================================================

// SaveLevel inserts a new level row
func (r *Repository) SaveLevel(level *Level) error {
	return r.db.Create(level).Error
}

// UpdateLevel persists all fields of an existing level
func (r *Repository) UpdateLevel(level *Level) error {
	return r.db.Save(level).Error
}

// DeleteLevel removes a level row entirely. Broken and exhausted levels
// are deleted, never deactivated.
func (r *Repository) DeleteLevel(id int64) error {
	return r.db.Delete(&Level{}, id).Error
}

// GetActiveLevelsByTimeframe returns active levels for one (pair, timeframe)
func (r *Repository) GetActiveLevelsByTimeframe(symbol, timeframe string) ([]Level, error) {
	var levels []Level
	err := r.db.Where("symbol = ? AND timeframe = ? AND is_active = ?", symbol, timeframe, true).
		Order("score desc").
		Find(&levels).Error
	return levels, err
}

// GetAllActiveLevels returns every active level, for the global cleanup sweep
func (r *Repository) GetAllActiveLevels() ([]Level, error) {
	var levels []Level
	err := r.db.Where("is_active = ?", true).Find(&levels).Error
	return levels, err
}

// FindLevelNear returns an existing level of the same pair/type whose
// price is within tolerance (a fraction, e.g. 0.005 = 0.5%) of price.
// Such occurrences are the same level and get merged, not duplicated.
func (r *Repository) FindLevelNear(symbol, levelType string, price, tolerance float64) (*Level, error) {
	var levels []Level
	low := price * (1 - tolerance)
	high := price * (1 + tolerance)
	err := r.db.Where("symbol = ? AND type = ? AND price BETWEEN ? AND ?",
		symbol, levelType, low, high).
		Find(&levels).Error
	if err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		return nil, nil
	}
	// Pick the closest candidate in the band
	best := 0
	for i := 1; i < len(levels); i++ {
		if absDiff(levels[i].Price, price) < absDiff(levels[best].Price, price) {
			best = i
		}
	}
	return &levels[best], nil
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

// ============================================================================
// Signals
// ============================================================================

// SaveSignal inserts a new signal row
func (r *Repository) SaveSignal(signal *Signal) error {
	return r.db.Create(signal).Error
}

// UpdateSignal persists all fields of an existing signal
func (r *Repository) UpdateSignal(signal *Signal) error {
	return r.db.Save(signal).Error
}

// FindBlockingSignal returns a signal on the same pair within the
// duplicate price tolerance that still blocks new emission: any ACTIVE
// signal, or a CLOSED one younger than the duplicate window.
func (r *Repository) FindBlockingSignal(symbol string, price, tolerance float64, window time.Duration) (*Signal, error) {
	var signal Signal
	low := price * (1 - tolerance)
	high := price * (1 + tolerance)
	cutoff := time.Now().Add(-window)
	err := r.db.Where("symbol = ? AND level_price BETWEEN ? AND ?", symbol, low, high).
		Where("status = ? OR timestamp > ?", SignalStatusActive, cutoff).
		Order("timestamp desc").
		First(&signal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &signal, nil
}

// GetActiveSignals returns open signals for outcome tracking
func (r *Repository) GetActiveSignals(limit int) ([]Signal, error) {
	var signals []Signal
	q := r.db.Where("status = ? AND archived = ?", SignalStatusActive, false).
		Order("timestamp asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&signals).Error
	return signals, err
}

// ArchiveStaleSignals force-closes ACTIVE signals older than retention
// (exit reason EXPIRED) and archives CLOSED signals past retention.
// Returns the number of rows touched.
func (r *Repository) ArchiveStaleSignals(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	reason := "EXPIRED"
	now := time.Now()

	expired := r.db.Model(&Signal{}).
		Where("status = ? AND timestamp < ?", SignalStatusActive, cutoff).
		Updates(map[string]interface{}{
			"status":         SignalStatusClosed,
			"exit_reason":    reason,
			"exit_timestamp": now,
			"archived":       true,
		})
	if expired.Error != nil {
		return 0, expired.Error
	}

	archived := r.db.Model(&Signal{}).
		Where("status = ? AND archived = ? AND timestamp < ?", SignalStatusClosed, false, cutoff).
		Update("archived", true)
	if archived.Error != nil {
		return expired.RowsAffected, archived.Error
	}
	return expired.RowsAffected + archived.RowsAffected, nil
}

// ============================================================================
// Signal live log
// ============================================================================

// AppendSignalLog appends one audit-trail entry for a signal
func (r *Repository) AppendSignalLog(entry *SignalLiveLog) error {
	return r.db.Create(entry).Error
}
