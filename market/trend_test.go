package market

import (
	"testing"
	"time"
)

func seriesOf(closes []float64, spread float64) []Candle {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Candle, len(closes))
	for i, c := range closes {
		out[i] = Candle{
			Symbol:    "BTC/USDT",
			Timeframe: "4h",
			Time:      base.Add(time.Duration(i) * 4 * time.Hour),
			Open:      c,
			High:      c + spread,
			Low:       c - spread,
			Close:     c,
			Volume:    100,
		}
	}
	return out
}

func TestClassifyTrend(t *testing.T) {
	up := make([]float64, 120)
	down := make([]float64, 120)
	flat := make([]float64, 120)
	for i := 0; i < 120; i++ {
		up[i] = 100 + float64(i)*2
		down[i] = 400 - float64(i)*2
		flat[i] = 100 + float64(i%2)*0.1
	}

	tests := []struct {
		name    string
		candles []Candle
		want    TrendClassification
	}{
		{name: "steady rise is strong uptrend", candles: seriesOf(up, 1), want: TrendUpStrong},
		{name: "steady fall is strong downtrend", candles: seriesOf(down, 1), want: TrendDownStrong},
		{name: "tight range is sideways", candles: seriesOf(flat, 1), want: TrendSideways},
		{name: "short series is unknown", candles: seriesOf(up[:30], 1), want: TrendUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := ClassifyTrend(tt.candles)
			if snap.Classification != tt.want {
				t.Errorf("expected %s, got %s (EMA20 %.2f, EMA50 %.2f, ADX %.2f, gap %.3f%%)",
					tt.want, snap.Classification, snap.EMA20, snap.EMA50, snap.ADX, snap.GapPct)
			}
		})
	}
}

func TestTrendHelpers(t *testing.T) {
	if !TrendUpWeak.IsUp() || TrendUpWeak.IsDown() {
		t.Error("UP_WEAK should be up and not down")
	}
	if !TrendDownStrong.IsDown() || TrendDownStrong.IsUp() {
		t.Error("DOWN_STRONG should be down and not up")
	}
	if TrendSideways.IsUp() || TrendSideways.IsDown() {
		t.Error("SIDEWAYS is neither up nor down")
	}
}

func TestDirectionFor(t *testing.T) {
	if DirectionFor(LevelSupport) != DirectionLong {
		t.Error("support admits LONG")
	}
	if DirectionFor(LevelResistance) != DirectionShort {
		t.Error("resistance admits SHORT")
	}
}

func TestTimeframeDuration(t *testing.T) {
	tests := []struct {
		tf   string
		want time.Duration
		ok   bool
	}{
		{"1m", time.Minute, true},
		{"5m", 5 * time.Minute, true},
		{"15m", 15 * time.Minute, true},
		{"1h", time.Hour, true},
		{"4h", 4 * time.Hour, true},
		{"1d", 0, false},
	}
	for _, tt := range tests {
		d, ok := TimeframeDuration(tt.tf)
		if ok != tt.ok || d != tt.want {
			t.Errorf("TimeframeDuration(%q) = %v, %v; want %v, %v", tt.tf, d, ok, tt.want, tt.ok)
		}
	}
}

func TestBucketStart(t *testing.T) {
	at := time.Date(2026, 3, 5, 13, 47, 12, 0, time.UTC)
	got := BucketStart(at, "15m")
	want := time.Date(2026, 3, 5, 13, 45, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestVenueSymbol(t *testing.T) {
	if got := VenueSymbol("BTC/USDT"); got != "BTCUSDT" {
		t.Errorf("expected BTCUSDT, got %s", got)
	}
	if got := VenueSymbol("ETHUSDT"); got != "ETHUSDT" {
		t.Errorf("expected ETHUSDT passthrough, got %s", got)
	}
}

func TestCandleIsClosed(t *testing.T) {
	now := time.Date(2026, 3, 5, 13, 47, 0, 0, time.UTC)
	open := Candle{Timeframe: "1h", Time: time.Date(2026, 3, 5, 13, 0, 0, 0, time.UTC)}
	closed := Candle{Timeframe: "1h", Time: time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)}
	if open.IsClosed(now) {
		t.Error("in-progress bucket must be open")
	}
	if !closed.IsClosed(now) {
		t.Error("ended bucket must be closed")
	}
}
