package store

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"perp-level-scout/database"
	"perp-level-scout/exchange"
)

type fakeCandleRepo struct {
	rows        map[time.Time]database.OHLCV
	repairFlags []bool
}

func newFakeCandleRepo() *fakeCandleRepo {
	return &fakeCandleRepo{rows: make(map[time.Time]database.OHLCV)}
}

func (f *fakeCandleRepo) UpsertCandles(candles []database.OHLCV, allowRepair bool) error {
	f.repairFlags = append(f.repairFlags, allowRepair)
	for _, c := range candles {
		if _, exists := f.rows[c.TimestampUTC]; exists && !allowRepair {
			continue
		}
		f.rows[c.TimestampUTC] = c
	}
	return nil
}

func (f *fakeCandleRepo) sorted() []database.OHLCV {
	out := make([]database.OHLCV, 0, len(f.rows))
	for _, r := range f.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampUTC.Before(out[j].TimestampUTC) })
	return out
}

func (f *fakeCandleRepo) GetCandles(symbolShort, timeframe string, limit int) ([]database.OHLCV, error) {
	all := f.sorted()
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (f *fakeCandleRepo) GetCandlesSince(symbolShort, timeframe string, since time.Time) ([]database.OHLCV, error) {
	var out []database.OHLCV
	for _, r := range f.sorted() {
		if !r.TimestampUTC.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeCandleRepo) GetCandlesBetween(symbolShort, timeframe string, from, to time.Time) ([]database.OHLCV, error) {
	var out []database.OHLCV
	for _, r := range f.sorted() {
		if !r.TimestampUTC.Before(from) && !r.TimestampUTC.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeCandleRepo) CountCandles(symbolShort, timeframe string) (int64, error) {
	return int64(len(f.rows)), nil
}

func (f *fakeCandleRepo) GetLatestCandle(symbolShort, timeframe string) (*database.OHLCV, error) {
	all := f.sorted()
	if len(all) == 0 {
		return nil, nil
	}
	last := all[len(all)-1]
	return &last, nil
}

type fakeUpstream struct {
	klines []exchange.Kline
	err    error
	calls  int
}

func (f *fakeUpstream) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]exchange.Kline, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []exchange.Kline
	if since.IsZero() {
		out = f.klines
		if len(out) > limit {
			out = out[len(out)-limit:]
		}
		return out, nil
	}
	for _, k := range f.klines {
		if !k.OpenTime.Before(since) {
			out = append(out, k)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeUpstream) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	return 100, f.err
}

// hourlyKlines builds n ascending 1h klines, the last opening at end
func hourlyKlines(end time.Time, n int) []exchange.Kline {
	out := make([]exchange.Kline, n)
	for i := 0; i < n; i++ {
		ts := end.Add(-time.Duration(n-1-i) * time.Hour)
		out[i] = exchange.Kline{
			OpenTime: ts,
			Open:     100,
			High:     101,
			Low:      99,
			Close:    100.5,
			Volume:   1000,
		}
	}
	return out
}

func testStore(repo *fakeCandleRepo, up *fakeUpstream, now time.Time) *Store {
	s := New(repo, up)
	s.now = func() time.Time { return now }
	return s
}

func TestGetCandlesBackfillsMissingTail(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeCandleRepo()
	up := &fakeUpstream{klines: hourlyKlines(now, 200)}
	s := testStore(repo, up, now)

	candles, err := s.GetCandles(context.Background(), "ETH/USDT", "1h", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 10 {
		t.Fatalf("expected 10 candles, got %d", len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].Time.Sub(candles[i-1].Time) != time.Hour {
			t.Fatalf("series not contiguous at %d: %v -> %v", i, candles[i-1].Time, candles[i].Time)
		}
	}
	if !candles[len(candles)-1].Time.Equal(now) {
		t.Errorf("tail must be the freshest upstream bucket, got %v", candles[len(candles)-1].Time)
	}
	for _, repair := range repo.repairFlags {
		if repair {
			t.Error("steady-state writes must never request a repair")
		}
	}
}

func TestGetCandlesFillsInteriorGap(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeCandleRepo()
	up := &fakeUpstream{klines: hourlyKlines(now, 200)}
	s := testStore(repo, up, now)

	// 30 stored buckets with 3 missing in the middle
	missing := map[time.Time]bool{
		now.Add(-10 * time.Hour): true,
		now.Add(-11 * time.Hour): true,
		now.Add(-12 * time.Hour): true,
	}
	for i := 0; i < 30; i++ {
		ts := now.Add(-time.Duration(i) * time.Hour)
		if missing[ts] {
			continue
		}
		repo.rows[ts] = database.OHLCV{SymbolShort: "ETHUSDT", Timeframe: "1h", TimestampUTC: ts, Close: 100}
	}

	candles, err := s.GetCandles(context.Background(), "ETH/USDT", "1h", 24)
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 24 {
		t.Fatalf("expected 24 candles, got %d", len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].Time.Sub(candles[i-1].Time) != time.Hour {
			t.Fatalf("gap not filled at %v -> %v", candles[i-1].Time, candles[i].Time)
		}
	}
}

func TestGetCandlesServesStoredOnUpstreamFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeCandleRepo()
	for i := 0; i < 5; i++ {
		ts := now.Add(-time.Duration(i) * time.Hour)
		repo.rows[ts] = database.OHLCV{SymbolShort: "ETHUSDT", Timeframe: "1h", TimestampUTC: ts, Close: 100}
	}
	up := &fakeUpstream{err: errors.New("exchange unreachable")}
	s := testStore(repo, up, now)

	candles, err := s.GetCandles(context.Background(), "ETH/USDT", "1h", 10)
	if err != nil {
		t.Fatal("upstream failures must not surface to callers")
	}
	if len(candles) != 5 {
		t.Errorf("expected the 5 stored candles, got %d", len(candles))
	}
}

func TestGetCandlesEmptyWhenNothingStored(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := testStore(newFakeCandleRepo(), &fakeUpstream{err: errors.New("down")}, now)

	candles, err := s.GetCandles(context.Background(), "ETH/USDT", "1h", 10)
	if err != nil {
		t.Fatal(err)
	}
	if candles == nil || len(candles) != 0 {
		t.Errorf("expected an empty slice, got %v", candles)
	}
}

func TestGetCandlesRejectsBadArgs(t *testing.T) {
	s := testStore(newFakeCandleRepo(), &fakeUpstream{}, time.Now())
	if _, err := s.GetCandles(context.Background(), "ETH/USDT", "1h", 0); err == nil {
		t.Error("limit 0 must be rejected")
	}
	if _, err := s.GetCandles(context.Background(), "ETH/USDT", "3h", 10); err == nil {
		t.Error("unsupported timeframe must be rejected")
	}
}

func TestEnsureHistorySkipsWhenCovered(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeCandleRepo()
	for i := 0; i < 20; i++ {
		ts := now.Add(-time.Duration(i) * time.Hour)
		repo.rows[ts] = database.OHLCV{SymbolShort: "ETHUSDT", Timeframe: "1h", TimestampUTC: ts, Close: 100}
	}
	up := &fakeUpstream{klines: hourlyKlines(now, 200)}
	s := testStore(repo, up, now)

	if err := s.EnsureHistory(context.Background(), "ETH/USDT", "1h", 1); err != nil {
		t.Fatal(err)
	}
	if up.calls != 0 {
		t.Errorf("coverage above threshold must not hit upstream, %d calls", up.calls)
	}
}

func TestEnsureHistoryBackfillsSparseSpan(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeCandleRepo()
	up := &fakeUpstream{klines: hourlyKlines(now, 200)}
	s := testStore(repo, up, now)

	if err := s.EnsureHistory(context.Background(), "ETH/USDT", "1h", 1); err != nil {
		t.Fatal(err)
	}
	if up.calls == 0 {
		t.Fatal("sparse history must trigger a backfill")
	}
	if len(repo.rows) < 20 {
		t.Errorf("expected ~24 backfilled candles, got %d", len(repo.rows))
	}
}

func TestFillGapsRespectsMaxWidth(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeCandleRepo()
	up := &fakeUpstream{klines: hourlyKlines(now, 200)}
	s := testStore(repo, up, now)

	// a 4h discontinuity: 3 buckets missing
	for i := 0; i < 20; i++ {
		if i >= 10 && i <= 12 {
			continue
		}
		ts := now.Add(-time.Duration(i) * time.Hour)
		repo.rows[ts] = database.OHLCV{SymbolShort: "ETHUSDT", Timeframe: "1h", TimestampUTC: ts, Close: 100}
	}

	// narrower than the gap: nothing to do
	if err := s.FillGaps(context.Background(), "ETH/USDT", "1h", 48*time.Hour, 3*time.Hour); err != nil {
		t.Fatal(err)
	}
	if up.calls != 0 {
		t.Errorf("gaps wider than the cap must be left alone, %d calls", up.calls)
	}

	// wide enough: the gap gets filled
	if err := s.FillGaps(context.Background(), "ETH/USDT", "1h", 48*time.Hour, 24*time.Hour); err != nil {
		t.Fatal(err)
	}
	if up.calls == 0 {
		t.Fatal("expected a fill fetch")
	}
	rows, _ := repo.GetCandlesSince("ETHUSDT", "1h", now.Add(-20*time.Hour))
	for i := 1; i < len(rows); i++ {
		if rows[i].TimestampUTC.Sub(rows[i-1].TimestampUTC) != time.Hour {
			t.Fatalf("gap survived at %v -> %v", rows[i-1].TimestampUTC, rows[i].TimestampUTC)
		}
	}
}

func TestGetCandlesRangeIsBounded(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeCandleRepo()
	for i := 0; i < 10; i++ {
		ts := now.Add(-time.Duration(i) * time.Hour)
		repo.rows[ts] = database.OHLCV{SymbolShort: "ETHUSDT", Timeframe: "1h", TimestampUTC: ts, Close: 100}
	}
	s := testStore(repo, &fakeUpstream{klines: hourlyKlines(now, 10)}, now)

	from := now.Add(-6 * time.Hour)
	to := now.Add(-3 * time.Hour)
	candles, err := s.GetCandlesRange(context.Background(), "ETH/USDT", "1h", from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 4 {
		t.Fatalf("expected 4 candles in [from, to], got %d", len(candles))
	}
	if candles[0].Time.Before(from) || candles[len(candles)-1].Time.After(to) {
		t.Errorf("window leaked outside [%v, %v]: %v .. %v",
			from, to, candles[0].Time, candles[len(candles)-1].Time)
	}
}

func TestRepairHistoryOverwrites(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeCandleRepo()
	ts := now.Add(-2 * time.Hour)
	repo.rows[ts] = database.OHLCV{SymbolShort: "ETHUSDT", Timeframe: "1h", TimestampUTC: ts, Close: 42}

	up := &fakeUpstream{klines: hourlyKlines(now, 200)}
	s := testStore(repo, up, now)

	if err := s.RepairHistory(context.Background(), "ETH/USDT", "1h", ts, ts); err != nil {
		t.Fatal(err)
	}
	if got := repo.rows[ts].Close; got != 100.5 {
		t.Errorf("repair must overwrite the stored close, got %v", got)
	}
	if len(repo.repairFlags) != 1 || !repo.repairFlags[0] {
		t.Errorf("repair writes must set the repair flag: %v", repo.repairFlags)
	}
}
