// Package store implements the authoritative OHLCV cache. It serves
// contiguous, time-ascending candle windows whose tail is always the most
// recent candle available upstream, backfills missing history in batches,
// and detects/fills interior gaps. Closed candles are immutable; only the
// open bucket is ever overwritten (the repository enforces this).
//
// The store never raises upstream errors to callers: either it returns
// data or an empty slice with a warning. Storage errors do propagate so
// the scheduler can skip the affected cycle.
package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"perp-level-scout/database"
	"perp-level-scout/exchange"
	"perp-level-scout/market"
)

const (
	backfillChunk = 1000
	backfillDelay = 300 * time.Millisecond

	// An interior discontinuity wider than 1.5 buckets counts as a gap
	gapFactor = 1.5

	// EnsureHistory is satisfied once this share of the expected candle
	// count is present across the requested span
	ensureCoverage = 0.8
)

// CandleRepo is the persistence surface the store writes through
type CandleRepo interface {
	UpsertCandles(candles []database.OHLCV, allowRepair bool) error
	GetCandles(symbolShort, timeframe string, limit int) ([]database.OHLCV, error)
	GetCandlesSince(symbolShort, timeframe string, since time.Time) ([]database.OHLCV, error)
	GetCandlesBetween(symbolShort, timeframe string, from, to time.Time) ([]database.OHLCV, error)
	CountCandles(symbolShort, timeframe string) (int64, error)
	GetLatestCandle(symbolShort, timeframe string) (*database.OHLCV, error)
}

// Upstream is the exchange surface the store fetches from
type Upstream interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]exchange.Kline, error)
	FetchTicker(ctx context.Context, symbol string) (float64, error)
}

// Store is the per-(symbol, timeframe) candle cache
type Store struct {
	repo     CandleRepo
	upstream Upstream
	now      func() time.Time // injectable clock for tests
}

// New creates a store over the given repository and exchange adapter
func New(repo CandleRepo, upstream Upstream) *Store {
	return &Store{repo: repo, upstream: upstream, now: time.Now}
}

// GetCandles returns up to limit most recent candles ascending by time.
// The last element is the freshest candle available upstream at call
// time; earlier elements are immutable closed candles.
func (s *Store) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	if limit < 1 {
		return nil, fmt.Errorf("limit must be >= 1")
	}
	d, ok := market.TimeframeDuration(timeframe)
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	short := market.VenueSymbol(symbol)

	// Refresh the open bucket on every call
	upstreamOK := true
	if err := s.RefreshTail(ctx, symbol, timeframe); err != nil {
		upstreamOK = false
		log.Printf("⚠️ Tail refresh failed for %s %s: %v", symbol, timeframe, err)
	}

	// Backfill a missing tail in one batched load
	count, err := s.repo.CountCandles(short, timeframe)
	if err != nil {
		return nil, err
	}
	if upstreamOK && count < int64(limit) {
		since := s.now().UTC().Add(-time.Duration(limit) * d)
		if err := s.backfillRange(ctx, symbol, timeframe, since, limit); err != nil {
			upstreamOK = false
			log.Printf("⚠️ Tail backfill failed for %s %s: %v", symbol, timeframe, err)
		}
	}

	stored, err := s.repo.GetCandles(short, timeframe, limit)
	if err != nil {
		return nil, err
	}

	// One interior-gap check per call; fill just the missing span
	if upstreamOK {
		if gapStart, gapEnd, found := findGap(stored, d); found {
			width := int(gapEnd.Sub(gapStart)/d) + 1
			if err := s.backfillRange(ctx, symbol, timeframe, gapStart, width); err != nil {
				log.Printf("⚠️ Gap fill failed for %s %s: %v", symbol, timeframe, err)
			} else {
				stored, err = s.repo.GetCandles(short, timeframe, limit)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	if len(stored) == 0 {
		if !upstreamOK {
			log.Printf("⚠️ No candles for %s %s and upstream unavailable", symbol, timeframe)
		}
		return []market.Candle{}, nil
	}
	return toCandles(symbol, stored), nil
}

// GetCandlesRange returns all candles in [from, to], ascending. The
// outcome tracker uses this for its bounded per-signal scan window.
func (s *Store) GetCandlesRange(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]market.Candle, error) {
	if !market.IsSupportedTimeframe(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	if err := s.RefreshTail(ctx, symbol, timeframe); err != nil {
		log.Printf("⚠️ Tail refresh failed for %s %s: %v", symbol, timeframe, err)
	}
	stored, err := s.repo.GetCandlesBetween(market.VenueSymbol(symbol), timeframe, from, to)
	if err != nil {
		return nil, err
	}
	return toCandles(symbol, stored), nil
}

// RefreshTail fetches the most recent candles and upserts them. Only the
// open bucket may change; the repository keeps closed rows intact.
func (s *Store) RefreshTail(ctx context.Context, symbol, timeframe string) error {
	klines, err := s.upstream.FetchOHLCV(ctx, symbol, timeframe, time.Time{}, 2)
	if err != nil {
		return err
	}
	if len(klines) == 0 {
		return nil
	}
	return s.repo.UpsertCandles(toRows(symbol, timeframe, klines), false)
}

// EnsureHistory guarantees at least 80% of the expected candle count
// across the last days of history, backfilling in chunked batches with a
// small inter-request delay.
func (s *Store) EnsureHistory(ctx context.Context, symbol, timeframe string, days int) error {
	d, ok := market.TimeframeDuration(timeframe)
	if !ok {
		return fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	expected := int64(time.Duration(days) * 24 * time.Hour / d)
	if expected == 0 {
		return nil
	}

	short := market.VenueSymbol(symbol)
	since := s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	stored, err := s.repo.GetCandlesSince(short, timeframe, since)
	if err != nil {
		return err
	}
	if float64(len(stored)) >= ensureCoverage*float64(expected) {
		return nil
	}

	log.Printf("📥 Backfilling %s %s: have %d of ~%d candles over %dd",
		symbol, timeframe, len(stored), expected, days)
	return s.backfillRange(ctx, symbol, timeframe, since, int(expected))
}

// FillGaps scans the stored series covering the last span of history and
// fills interior gaps up to maxGapWidth wide. One scan, one fill pass.
func (s *Store) FillGaps(ctx context.Context, symbol, timeframe string, span, maxGapWidth time.Duration) error {
	d, ok := market.TimeframeDuration(timeframe)
	if !ok {
		return fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	short := market.VenueSymbol(symbol)
	stored, err := s.repo.GetCandlesSince(short, timeframe, s.now().UTC().Add(-span))
	if err != nil {
		return err
	}

	for i := 1; i < len(stored); i++ {
		delta := stored[i].TimestampUTC.Sub(stored[i-1].TimestampUTC)
		if float64(delta) <= gapFactor*float64(d) || delta > maxGapWidth {
			continue
		}
		gapStart := stored[i-1].TimestampUTC.Add(d)
		width := int(delta/d) + 1
		if err := s.backfillRange(ctx, symbol, timeframe, gapStart, width); err != nil {
			return err
		}
	}
	return nil
}

// backfillRange fetches count candles starting at since, in chunks of at
// most 1000, and upserts them.
func (s *Store) backfillRange(ctx context.Context, symbol, timeframe string, since time.Time, count int) error {
	d, _ := market.TimeframeDuration(timeframe)
	remaining := count
	cursor := since

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := remaining
		if chunk > backfillChunk {
			chunk = backfillChunk
		}
		klines, err := s.upstream.FetchOHLCV(ctx, symbol, timeframe, cursor, chunk)
		if err != nil {
			return err
		}
		if len(klines) == 0 {
			return nil // upstream has nothing further back
		}
		if err := s.repo.UpsertCandles(toRows(symbol, timeframe, klines), false); err != nil {
			return err
		}

		last := klines[len(klines)-1].OpenTime
		if !last.After(cursor) && len(klines) < chunk {
			return nil
		}
		cursor = last.Add(d)
		remaining -= len(klines)
		if remaining > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backfillDelay):
			}
		}
	}
	return nil
}

// RepairHistory overwrites stored candles with a fresh upstream fetch.
// This is the only legitimate way to correct past data and is not used
// in steady-state operation.
func (s *Store) RepairHistory(ctx context.Context, symbol, timeframe string, from, to time.Time) error {
	d, ok := market.TimeframeDuration(timeframe)
	if !ok {
		return fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	count := int(to.Sub(from)/d) + 1
	klines, err := s.upstream.FetchOHLCV(ctx, symbol, timeframe, from, count)
	if err != nil {
		return err
	}
	return s.repo.UpsertCandles(toRows(symbol, timeframe, klines), true)
}

// findGap returns the first interior discontinuity wider than 1.5 buckets
func findGap(rows []database.OHLCV, d time.Duration) (start, end time.Time, found bool) {
	for i := 1; i < len(rows); i++ {
		delta := rows[i].TimestampUTC.Sub(rows[i-1].TimestampUTC)
		if float64(delta) > gapFactor*float64(d) {
			return rows[i-1].TimestampUTC.Add(d), rows[i].TimestampUTC.Add(-d), true
		}
	}
	return time.Time{}, time.Time{}, false
}

func toRows(symbol, timeframe string, klines []exchange.Kline) []database.OHLCV {
	rows := make([]database.OHLCV, len(klines))
	for i, k := range klines {
		rows[i] = database.OHLCV{
			SymbolShort:  market.VenueSymbol(symbol),
			Timeframe:    timeframe,
			TimestampUTC: k.OpenTime,
			Open:         k.Open,
			High:         k.High,
			Low:          k.Low,
			Close:        k.Close,
			Volume:       k.Volume,
		}
	}
	return rows
}

func toCandles(symbol string, rows []database.OHLCV) []market.Candle {
	candles := make([]market.Candle, len(rows))
	for i, r := range rows {
		candles[i] = market.Candle{
			Symbol:    symbol,
			Timeframe: r.Timeframe,
			Time:      r.TimestampUTC,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		}
	}
	return candles
}
