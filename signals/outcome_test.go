package signals

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"perp-level-scout/database"
	"perp-level-scout/market"
	"perp-level-scout/metrics"
)

func minuteCloses(start time.Time, closes ...float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			Timeframe: "1m",
			Time:      start.Add(time.Duration(i+1) * time.Minute),
			Close:     c,
		}
	}
	return out
}

func activeLong(entry float64, at time.Time) *database.Signal {
	return &database.Signal{
		ID:         1,
		Symbol:     "ETH/USDT",
		SignalType: string(market.DirectionLong),
		EntryPrice: entry,
		StopLoss:   entry * 0.996,
		Timestamp:  at,
		Status:     database.SignalStatusActive,
	}
}

func TestApplyOutcomeFullLifecycle(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sig := activeLong(100, t0)

	// excursion to +1.6%, settlement at +1.5%, then a stop-loss exit
	candles := minuteCloses(t0, 100.4, 100.7, 101.1, 100.2, 100.6, 101.6, 99.5)

	changed, events := ApplyOutcome(sig, candles)
	if !changed {
		t.Fatal("the scan must report a change")
	}

	if !almostEqual(sig.MaxFavorableMovePct, 1.6, 1e-9) {
		t.Errorf("expected MFE 1.6, got %v", sig.MaxFavorableMovePct)
	}
	if !almostEqual(sig.MaxAdverseMovePct, -0.5, 1e-9) {
		t.Errorf("expected MAE -0.5, got %v", sig.MaxAdverseMovePct)
	}

	if sig.FirstTouch05PctTS == nil || !sig.FirstTouch05PctTS.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("0.5%% first touched at minute 2, got %v", sig.FirstTouch05PctTS)
	}
	if sig.FirstTouch10PctTS == nil || !sig.FirstTouch10PctTS.Equal(t0.Add(3*time.Minute)) {
		t.Errorf("1.0%% first touched at minute 3, got %v", sig.FirstTouch10PctTS)
	}
	if sig.FirstTouch15PctTS == nil || !sig.FirstTouch15PctTS.Equal(t0.Add(6*time.Minute)) {
		t.Errorf("1.5%% first touched at minute 6, got %v", sig.FirstTouch15PctTS)
	}

	if sig.ResultFixed == nil || *sig.ResultFixed != 1.5 {
		t.Errorf("result fixed at +1.5 on the first crossing, got %v", sig.ResultFixed)
	}
	if sig.ResultFixedAt == nil || !sig.ResultFixedAt.Equal(t0.Add(6*time.Minute)) {
		t.Errorf("result fixed at minute 6, got %v", sig.ResultFixedAt)
	}

	if sig.Status != database.SignalStatusClosed {
		t.Errorf("stop crossing must close the signal, status %s", sig.Status)
	}
	if sig.ExitPrice == nil || *sig.ExitPrice != 99.5 {
		t.Errorf("exit at the crossing close, got %v", sig.ExitPrice)
	}
	if sig.ExitReason == nil || *sig.ExitReason != ExitReasonStopLoss {
		t.Errorf("expected STOP_LOSS exit, got %v", sig.ExitReason)
	}

	var closedEvents int
	for _, ev := range events {
		if ev.Type == database.SignalEventClosed {
			closedEvents++
		}
	}
	if closedEvents != 1 {
		t.Errorf("expected one CLOSED event, got %d", closedEvents)
	}
}

func TestApplyOutcomeSubMinuteLossPinsMFE(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sig := activeLong(100, t0)

	candles := []market.Candle{
		{Time: t0.Add(20 * time.Second), Close: 100.3},
		{Time: t0.Add(40 * time.Second), Close: 99.5},
	}
	if changed, _ := ApplyOutcome(sig, candles); !changed {
		t.Fatal("expected a change")
	}

	if sig.Status != database.SignalStatusClosed {
		t.Fatalf("expected a stop-loss close, status %s", sig.Status)
	}
	if sig.MaxFavorableMovePct != 0 {
		t.Errorf("sub-minute losing trade must report MFE 0, got %v", sig.MaxFavorableMovePct)
	}
	if !almostEqual(sig.MaxAdverseMovePct, -0.5, 1e-9) {
		t.Errorf("MAE must include the exit close, got %v", sig.MaxAdverseMovePct)
	}
}

func TestApplyOutcomeStampsAreSetOnce(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sig := activeLong(100, t0)

	if _, _ = ApplyOutcome(sig, minuteCloses(t0, 100.6)); sig.FirstTouch05PctTS == nil {
		t.Fatal("first crossing must stamp the threshold")
	}
	first := *sig.FirstTouch05PctTS

	later := []market.Candle{{Time: t0.Add(10 * time.Minute), Close: 100.8}}
	ApplyOutcome(sig, later)
	if !sig.FirstTouch05PctTS.Equal(first) {
		t.Errorf("threshold stamp must never move, was %v now %v", first, sig.FirstTouch05PctTS)
	}
}

func TestApplyOutcomeShortDirection(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sig := &database.Signal{
		ID:         2,
		Symbol:     "ETH/USDT",
		SignalType: string(market.DirectionShort),
		EntryPrice: 100,
		StopLoss:   100.4,
		Timestamp:  t0,
		Status:     database.SignalStatusActive,
	}

	candles := minuteCloses(t0, 99.0, 100.5)
	ApplyOutcome(sig, candles)

	if !almostEqual(sig.MaxFavorableMovePct, 1.0, 1e-9) {
		t.Errorf("a 1%% drop favours a SHORT, MFE %v", sig.MaxFavorableMovePct)
	}
	if sig.FirstTouch10PctTS == nil {
		t.Error("the 1.0%% threshold must be stamped")
	}
	if sig.Status != database.SignalStatusClosed {
		t.Errorf("a close above the stop must close the SHORT, status %s", sig.Status)
	}
	if !almostEqual(sig.MaxAdverseMovePct, -0.5, 1e-9) {
		t.Errorf("expected MAE -0.5, got %v", sig.MaxAdverseMovePct)
	}
}

func TestApplyOutcomeIgnoresClosedAndPreEntryBars(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	closed := activeLong(100, t0)
	closed.Status = database.SignalStatusClosed
	if changed, _ := ApplyOutcome(closed, minuteCloses(t0, 105)); changed {
		t.Error("closed signals must not change")
	}

	sig := activeLong(100, t0)
	pre := []market.Candle{{Time: t0.Add(-time.Minute), Close: 50}, {Time: t0, Close: 50}}
	if changed, _ := ApplyOutcome(sig, pre); changed {
		t.Error("bars at or before entry must be skipped")
	}
}

type fakeCandleSource struct {
	candles []market.Candle
	from    time.Time
	to      time.Time
}

func (f *fakeCandleSource) GetCandlesRange(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]market.Candle, error) {
	f.from, f.to = from, to
	return f.candles, nil
}

func TestTrackerUpdateAll(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeSignalRepo{}
	repo.signals = append(repo.signals, activeLong(100, t0))

	source := &fakeCandleSource{candles: minuteCloses(t0, 100.7)}
	m := metrics.NewMetrics()
	tracker := NewTracker(repo, source, m)

	if err := tracker.UpdateAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(repo.logs) != 1 || repo.logs[0].EventType != database.SignalEventThreshold {
		t.Errorf("expected one THRESHOLD_TOUCH log, got %+v", repo.logs)
	}
	if !source.from.Equal(t0.Add(-time.Minute)) {
		t.Errorf("the scan window must start one minute before entry, got %v", source.from)
	}
	if !source.to.After(t0) {
		t.Errorf("the scan window must be bounded above by the current time, got %v", source.to)
	}
	if got := testutil.ToFloat64(m.ActiveSignals); got != 1 {
		t.Errorf("one signal stays open, gauge reads %v", got)
	}
}

func TestTrackerRecordsStopLossClose(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeSignalRepo{}
	repo.signals = append(repo.signals, activeLong(100, t0))

	// the second close crosses the 0.4% stop
	source := &fakeCandleSource{candles: minuteCloses(t0, 100.2, 99.5)}
	m := metrics.NewMetrics()
	tracker := NewTracker(repo, source, m)

	if err := tracker.UpdateAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.SignalsClosed.WithLabelValues(ExitReasonStopLoss)); got != 1 {
		t.Errorf("expected one STOP_LOSS close counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSignals); got != 0 {
		t.Errorf("no signals stay open, gauge reads %v", got)
	}
}
