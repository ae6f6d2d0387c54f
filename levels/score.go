package levels

import (
	"math"
	"time"

	"perp-level-scout/market"
)

// Weights of the six quality terms. Each term is mapped to [0, 100]
// independently before weighting.
const (
	weightDistance  = 0.25
	weightVolume    = 0.15
	weightTouch     = 0.20
	weightFreshness = 0.15
	weightApproach  = 0.15
	weightTrend     = 0.10

	// distance term reaches zero at this fraction from current price
	distanceDecayPct = 0.02
	// volume term saturates at this multiple of the window average
	volumeCapRatio = 2.0
	// approach term saturates at this net move into the level
	approachFullPct = 0.01
	approachBars    = 5
)

// ScoreBreakdown preserves every term of a level's quality score so the
// composition can be audited later from the level's metadata.
type ScoreBreakdown struct {
	Distance      float64 `json:"distance_score"`
	Volume        float64 `json:"volume_score"`
	Touch         float64 `json:"touch_score"`
	Freshness     float64 `json:"freshness_score"`
	Approach      float64 `json:"approach_score"`
	TrendBonus    float64 `json:"trend_bonus"`
	Base          float64 `json:"base_score"`
	TriangleBonus float64 `json:"triangle_bonus"`
	Total         float64 `json:"score"`
}

// ScoreInput carries everything the scorer needs about one candidate
type ScoreInput struct {
	Price        float64
	Type         market.LevelType
	CurrentPrice float64
	BarTime      time.Time
	BarVolume    float64
	AvgVolume    float64
	Touches      int
	MinTouches   int
	MaxTouches   int
	WindowStart  time.Time
	WindowEnd    time.Time
	Recent       []market.Candle // most recent bars, used for the approach term
	Trend        market.TrendClassification
}

// Score composes the weighted quality score of a candidate level. The
// triangle bonus is added separately by the engine.
func Score(in ScoreInput) ScoreBreakdown {
	b := ScoreBreakdown{
		Distance:   distanceScore(in.Price, in.CurrentPrice),
		Volume:     volumeScore(in.BarVolume, in.AvgVolume),
		Touch:      touchScore(in.Touches, in.MinTouches, in.MaxTouches),
		Freshness:  freshnessScore(in.BarTime, in.WindowStart, in.WindowEnd),
		Approach:   approachScore(in.Price, in.Type, in.Recent),
		TrendBonus: trendBonus(in.Type, in.Trend),
	}
	b.Base = weightDistance*b.Distance +
		weightVolume*b.Volume +
		weightTouch*b.Touch +
		weightFreshness*b.Freshness +
		weightApproach*b.Approach +
		weightTrend*b.TrendBonus
	b.Total = b.Base
	return b
}

// distanceScore decays linearly with percent distance from current price
func distanceScore(price, current float64) float64 {
	if current <= 0 {
		return 0
	}
	dist := math.Abs(price-current) / current
	return clamp100(100 * (1 - dist/distanceDecayPct))
}

// volumeScore rewards high volume on the originating fractal bar, capped
func volumeScore(barVolume, avgVolume float64) float64 {
	if avgVolume <= 0 {
		return 50
	}
	ratio := barVolume / avgVolume
	return clamp100(100 * ratio / volumeCapRatio)
}

// touchScore maps the bounded touch count onto [0, 100]
func touchScore(touches, min, max int) float64 {
	if max <= min {
		return 100
	}
	return clamp100(100 * float64(touches-min) / float64(max-min))
}

// freshnessScore decays linearly with the age of the originating bar
// across the discovery window.
func freshnessScore(barTime, windowStart, windowEnd time.Time) float64 {
	span := windowEnd.Sub(windowStart)
	if span <= 0 {
		return 100
	}
	age := windowEnd.Sub(barTime)
	return clamp100(100 * (1 - age.Seconds()/span.Seconds()))
}

// approachScore rewards price moving into the level from the correct
// side: downward into support, upward into resistance. Movement away
// from the level, or from the wrong side, scores low.
func approachScore(price float64, levelType market.LevelType, recent []market.Candle) float64 {
	if len(recent) < 2 || price <= 0 {
		return 50
	}
	bars := recent
	if len(bars) > approachBars {
		bars = bars[len(bars)-approachBars:]
	}
	movePct := (bars[len(bars)-1].Close - bars[0].Close) / price

	switch levelType {
	case market.LevelSupport:
		if movePct < 0 {
			return clamp100(100 * -movePct / approachFullPct)
		}
	case market.LevelResistance:
		if movePct > 0 {
			return clamp100(100 * movePct / approachFullPct)
		}
	}
	return 20
}

// trendBonus rewards alignment of the level type with trend context:
// support in an uptrend and resistance in a downtrend earn the most.
func trendBonus(levelType market.LevelType, trend market.TrendClassification) float64 {
	switch {
	case levelType == market.LevelSupport && trend == market.TrendUpStrong:
		return 100
	case levelType == market.LevelSupport && trend == market.TrendUpWeak:
		return 70
	case levelType == market.LevelResistance && trend == market.TrendDownStrong:
		return 100
	case levelType == market.LevelResistance && trend == market.TrendDownWeak:
		return 70
	case trend == market.TrendSideways:
		return 50
	case trend == market.TrendUnknown:
		return 40
	default:
		return 20
	}
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
