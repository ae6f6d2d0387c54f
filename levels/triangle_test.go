package levels

import (
	"testing"
	"time"

	"perp-level-scout/market"
)

// convergingSeries produces a symmetric triangle: highs step down toward
// 100, lows step up toward 100, with clear swing points every 4 bars.
func convergingSeries(n int) []market.Candle {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	for i := 0; i < n; i++ {
		spread := 10 - float64(i)*0.18
		if spread < 1 {
			spread = 1
		}
		// swing bars reach the borders, the rest stay inside
		reach := 0.4
		if i%4 == 0 {
			reach = 1.0
		}
		out[i] = market.Candle{
			Time:   base.Add(time.Duration(i) * 15 * time.Minute),
			Open:   100,
			High:   100 + spread*reach,
			Low:    100 - spread*reach,
			Close:  100,
			Volume: 100,
		}
	}
	return out
}

func TestDetectTriangleConverging(t *testing.T) {
	tri, ok := DetectTriangle(convergingSeries(48))
	if !ok {
		t.Fatal("converging borders should be detected")
	}
	if tri.UpperSlope >= 0 {
		t.Errorf("upper border should slope down, got %v", tri.UpperSlope)
	}
	if tri.LowerSlope <= 0 {
		t.Errorf("lower border should slope up, got %v", tri.LowerSlope)
	}
	if tri.Bias != TriangleBiasNeutral {
		t.Errorf("symmetric pattern should be neutral, got %s", tri.Bias)
	}
}

func TestDetectTriangleRejectsParallelChannel(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, 48)
	for i := range candles {
		reach := 0.4
		if i%4 == 0 {
			reach = 1.0
		}
		candles[i] = market.Candle{
			Time:  base.Add(time.Duration(i) * 15 * time.Minute),
			High:  100 + 5*reach,
			Low:   100 - 5*reach,
			Close: 100,
		}
	}
	if _, ok := DetectTriangle(candles); ok {
		t.Error("parallel borders must not form a triangle")
	}
}

func TestBorderBonus(t *testing.T) {
	tri := &Triangle{UpperStart: 110, LowerStart: 90, StartIndex: 0, EndIndex: 10}

	if got := tri.BorderBonus(110, 0); !almostEqual(got, triangleMaxBonus, 1e-9) {
		t.Errorf("price at the border should earn the full bonus, got %v", got)
	}
	if got := tri.BorderBonus(100, 0); !almostEqual(got, 0, 1e-9) {
		t.Errorf("price in the middle should earn nothing, got %v", got)
	}
	if got := tri.BorderBonus(120, 0); got != triangleMissPen {
		t.Errorf("price outside the pattern should be penalised, got %v", got)
	}
}

func TestTriangleAllows(t *testing.T) {
	bull := &Triangle{Bias: TriangleBiasBullish}
	if !bull.Allows(market.DirectionLong) || bull.Allows(market.DirectionShort) {
		t.Error("ascending triangle admits LONG only")
	}
	neutral := &Triangle{Bias: TriangleBiasNeutral}
	if !neutral.Allows(market.DirectionLong) || !neutral.Allows(market.DirectionShort) {
		t.Error("neutral triangle admits both directions")
	}
}
