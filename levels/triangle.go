package levels

import (
	"math"

	"perp-level-scout/market"
)

// Triangle bias tags. The bias only matters when it contradicts a weak
// signal; it never admits anything on its own.
const (
	TriangleBiasBullish = "BULLISH"
	TriangleBiasBearish = "BEARISH"
	TriangleBiasNeutral = "NEUTRAL"
)

const (
	triangleMaxBonus   = 50.0
	triangleMissPen    = -5.0
	triangleSwingL     = 2
	triangleMinSwings  = 3
	triangleFlatSlope  = 0.0002 // per-bar slope below this fraction of price counts as flat
	triangleConvergeBy = 0.75   // projected width must shrink below this share of the start width
)

// Triangle is a converging chart pattern fitted over recent swing points.
// Border prices are linear in bar index; Upper/LowerAt evaluate them.
type Triangle struct {
	UpperStart float64
	UpperSlope float64 // per bar
	LowerStart float64
	LowerSlope float64
	StartIndex int
	EndIndex   int
	Bias       string
}

// UpperAt returns the upper border price at bar index i
func (t *Triangle) UpperAt(i int) float64 {
	return t.UpperStart + t.UpperSlope*float64(i-t.StartIndex)
}

// LowerAt returns the lower border price at bar index i
func (t *Triangle) LowerAt(i int) float64 {
	return t.LowerStart + t.LowerSlope*float64(i-t.StartIndex)
}

// Contains reports whether price sits inside the triangle at bar index i
func (t *Triangle) Contains(price float64, i int) bool {
	return price >= t.LowerAt(i) && price <= t.UpperAt(i)
}

// BorderBonus maps a price inside the triangle to a score bonus: it
// peaks at either border and decays linearly toward the middle. Prices
// outside the pattern receive a small penalty.
func (t *Triangle) BorderBonus(price float64, i int) float64 {
	upper, lower := t.UpperAt(i), t.LowerAt(i)
	width := upper - lower
	if width <= 0 || price < lower || price > upper {
		return triangleMissPen
	}
	distToBorder := math.Min(price-lower, upper-price)
	half := width / 2
	if half <= 0 {
		return triangleMaxBonus
	}
	return triangleMaxBonus * (1 - distToBorder/half)
}

// Allows reports whether the triangle's directional bias is compatible
// with the given signal direction. Neutral patterns allow both.
func (t *Triangle) Allows(dir market.Direction) bool {
	switch t.Bias {
	case TriangleBiasBullish:
		return dir == market.DirectionLong
	case TriangleBiasBearish:
		return dir == market.DirectionShort
	default:
		return true
	}
}

// DetectTriangle fits border lines through the recent swing highs and
// swing lows and reports an active triangle when they converge toward
// an apex ahead of the last bar.
func DetectTriangle(candles []market.Candle) (*Triangle, bool) {
	if len(candles) < 2*triangleSwingL+triangleMinSwings {
		return nil, false
	}

	highIdx, lowIdx := swingPoints(candles, triangleSwingL)
	if len(highIdx) < triangleMinSwings || len(lowIdx) < triangleMinSwings {
		return nil, false
	}
	highIdx = highIdx[len(highIdx)-triangleMinSwings:]
	lowIdx = lowIdx[len(lowIdx)-triangleMinSwings:]

	upSlope, upIntercept := fitLine(highIdx, candles, true)
	loSlope, loIntercept := fitLine(lowIdx, candles, false)

	start := highIdx[0]
	if lowIdx[0] < start {
		start = lowIdx[0]
	}
	end := len(candles) - 1

	t := &Triangle{
		UpperStart: upIntercept + upSlope*float64(start),
		UpperSlope: upSlope,
		LowerStart: loIntercept + loSlope*float64(start),
		LowerSlope: loSlope,
		StartIndex: start,
		EndIndex:   end,
	}

	startWidth := t.UpperAt(start) - t.LowerAt(start)
	endWidth := t.UpperAt(end) - t.LowerAt(end)
	if startWidth <= 0 || endWidth <= 0 {
		return nil, false
	}
	if endWidth > triangleConvergeBy*startWidth {
		return nil, false // borders not converging
	}

	t.Bias = classifyBias(upSlope, loSlope, candles[end].Close)
	return t, true
}

// classifyBias tags the pattern: flat top with rising lows is an
// ascending (bullish) triangle, flat bottom with falling highs a
// descending (bearish) one, anything else symmetric/neutral.
func classifyBias(upSlope, loSlope, refPrice float64) string {
	flat := triangleFlatSlope * refPrice
	switch {
	case math.Abs(upSlope) <= flat && loSlope > flat:
		return TriangleBiasBullish
	case math.Abs(loSlope) <= flat && upSlope < -flat:
		return TriangleBiasBearish
	default:
		return TriangleBiasNeutral
	}
}

// swingPoints returns indexes of bars that are strict local extremes of
// the L bars on either side.
func swingPoints(candles []market.Candle, l int) (highs, lows []int) {
	for i := l; i < len(candles)-l; i++ {
		isHigh, isLow := true, true
		for j := i - l; j <= i+l; j++ {
			if j == i {
				continue
			}
			if candles[j].High >= candles[i].High {
				isHigh = false
			}
			if candles[j].Low <= candles[i].Low {
				isLow = false
			}
			if !isHigh && !isLow {
				break
			}
		}
		if isHigh {
			highs = append(highs, i)
		}
		if isLow {
			lows = append(lows, i)
		}
	}
	return highs, lows
}

// fitLine does a least-squares fit of price against bar index over the
// given swing indexes.
func fitLine(idx []int, candles []market.Candle, useHigh bool) (slope, intercept float64) {
	n := float64(len(idx))
	var sumX, sumY, sumXY, sumXX float64
	for _, i := range idx {
		x := float64(i)
		y := candles[i].Low
		if useHigh {
			y = candles[i].High
		}
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}
