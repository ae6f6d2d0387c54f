package market

import (
	"perp-level-scout/indicators"
)

// TrendClassification tags the directional context of a (symbol, timeframe)
type TrendClassification string

const (
	TrendUpStrong   TrendClassification = "UP_STRONG"
	TrendUpWeak     TrendClassification = "UP_WEAK"
	TrendDownStrong TrendClassification = "DOWN_STRONG"
	TrendDownWeak   TrendClassification = "DOWN_WEAK"
	TrendSideways   TrendClassification = "SIDEWAYS"
	TrendUnknown    TrendClassification = "UNKNOWN"
)

// IsUp reports whether the classification is an uptrend of any strength
func (t TrendClassification) IsUp() bool {
	return t == TrendUpStrong || t == TrendUpWeak
}

// IsDown reports whether the classification is a downtrend of any strength
func (t TrendClassification) IsDown() bool {
	return t == TrendDownStrong || t == TrendDownWeak
}

// Trend classification thresholds. The EMA gap is a percent of EMA50;
// below SidewaysGapPct the market counts as range-bound regardless of ADX.
const (
	trendEMAFast      = 20
	trendEMASlow      = 50
	trendADXPeriod    = 14
	SidewaysGapPct    = 0.3
	StrongTrendMinADX = 25.0
)

// TrendSnapshot carries a classification together with the indicator
// values it was derived from, for verdict metadata and admission checks.
type TrendSnapshot struct {
	Classification TrendClassification `json:"classification"`
	EMA20          float64             `json:"ema20"`
	EMA50          float64             `json:"ema50"`
	ADX            float64             `json:"adx"`
	GapPct         float64             `json:"gap_pct"` // (EMA20-EMA50)/EMA50 * 100
}

// ClassifyTrend derives the trend tag from EMA20/EMA50 ordering, their
// relative gap and ADX(14) over a candle series in ascending time order.
// Returns an UNKNOWN snapshot when the series is too short.
func ClassifyTrend(candles []Candle) TrendSnapshot {
	closes := Closes(candles)
	if len(closes) < trendEMASlow {
		return TrendSnapshot{Classification: TrendUnknown}
	}

	ema20, err := indicators.EMA(closes, trendEMAFast)
	if err != nil {
		return TrendSnapshot{Classification: TrendUnknown}
	}
	ema50, err := indicators.EMA(closes, trendEMASlow)
	if err != nil {
		return TrendSnapshot{Classification: TrendUnknown}
	}

	adx, err := indicators.ADX(Highs(candles), Lows(candles), closes, trendADXPeriod)
	if err != nil {
		return TrendSnapshot{Classification: TrendUnknown, EMA20: ema20, EMA50: ema50}
	}

	snap := TrendSnapshot{EMA20: ema20, EMA50: ema50, ADX: adx}
	if ema50 != 0 {
		snap.GapPct = (ema20 - ema50) / ema50 * 100
	}

	gap := snap.GapPct
	if gap < 0 {
		gap = -gap
	}

	switch {
	case gap < SidewaysGapPct:
		snap.Classification = TrendSideways
	case snap.GapPct > 0 && adx >= StrongTrendMinADX:
		snap.Classification = TrendUpStrong
	case snap.GapPct > 0:
		snap.Classification = TrendUpWeak
	case adx >= StrongTrendMinADX:
		snap.Classification = TrendDownStrong
	default:
		snap.Classification = TrendDownWeak
	}
	return snap
}
