// Package indicators implements the technical indicators used by the
// filter chain: EMA, RSI, MACD and ADX. All functions operate on plain
// float64 series in ascending time order and return an error when the
// series is too short for the requested period.
package indicators

import (
	"fmt"
	"math"
)

// ErrInsufficientData wraps the common "series too short" failure
func errInsufficient(name string, have, need int) error {
	return fmt.Errorf("%s: insufficient data: have %d candles, need %d", name, have, need)
}

// SMA returns the simple moving average of the last period values
func SMA(values []float64, period int) (float64, error) {
	if len(values) < period || period <= 0 {
		return 0, errInsufficient("SMA", len(values), period)
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}

// EMASeries returns the exponential moving average series. The first
// period-1 slots are zero; index period-1 is seeded with the SMA of the
// first period values, matching the conventional charting definition.
func EMASeries(values []float64, period int) ([]float64, error) {
	if len(values) < period || period <= 0 {
		return nil, errInsufficient("EMA", len(values), period)
	}
	out := make([]float64, len(values))
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)
	out[period-1] = seed

	k := 2.0 / (float64(period) + 1.0)
	prev := seed
	for i := period; i < len(values); i++ {
		prev = (values[i]-prev)*k + prev
		out[i] = prev
	}
	return out, nil
}

// EMA returns the latest exponential moving average value
func EMA(values []float64, period int) (float64, error) {
	series, err := EMASeries(values, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// RSI returns the latest Relative Strength Index using Wilder smoothing
func RSI(values []float64, period int) (float64, error) {
	if len(values) < period+1 {
		return 0, errInsufficient("RSI", len(values), period+1)
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// MACDResult holds the latest MACD line, signal line and histogram
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the 12/26/9 (or custom) MACD of a close series
func MACD(values []float64, fast, slow, signalPeriod int) (MACDResult, error) {
	if len(values) < slow+signalPeriod {
		return MACDResult{}, errInsufficient("MACD", len(values), slow+signalPeriod)
	}
	fastSeries, err := EMASeries(values, fast)
	if err != nil {
		return MACDResult{}, err
	}
	slowSeries, err := EMASeries(values, slow)
	if err != nil {
		return MACDResult{}, err
	}

	// MACD line exists from index slow-1 onward
	macdLine := make([]float64, 0, len(values)-slow+1)
	for i := slow - 1; i < len(values); i++ {
		macdLine = append(macdLine, fastSeries[i]-slowSeries[i])
	}

	signalSeries, err := EMASeries(macdLine, signalPeriod)
	if err != nil {
		return MACDResult{}, err
	}

	m := macdLine[len(macdLine)-1]
	s := signalSeries[len(signalSeries)-1]
	return MACDResult{MACD: m, Signal: s, Histogram: m - s}, nil
}

// ADX returns the latest Average Directional Index (Wilder) for the
// given period. Requires at least 2*period+1 candles.
func ADX(highs, lows, closes []float64, period int) (float64, error) {
	n := len(closes)
	if len(highs) != n || len(lows) != n {
		return 0, fmt.Errorf("ADX: series length mismatch")
	}
	if n < 2*period+1 {
		return 0, errInsufficient("ADX", n, 2*period+1)
	}

	trs := make([]float64, n-1)
	plusDM := make([]float64, n-1)
	minusDM := make([]float64, n-1)
	for i := 1; i < n; i++ {
		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i-1] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i-1] = downMove
		}
		tr := highs[i] - lows[i]
		tr = math.Max(tr, math.Abs(highs[i]-closes[i-1]))
		tr = math.Max(tr, math.Abs(lows[i]-closes[i-1]))
		trs[i-1] = tr
	}

	// Wilder smoothing of TR and the directional movements
	smTR, smPlus, smMinus := 0.0, 0.0, 0.0
	for i := 0; i < period; i++ {
		smTR += trs[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}

	dx := func() float64 {
		if smTR == 0 {
			return 0
		}
		plusDI := 100 * smPlus / smTR
		minusDI := 100 * smMinus / smTR
		sum := plusDI + minusDI
		if sum == 0 {
			return 0
		}
		return 100 * math.Abs(plusDI-minusDI) / sum
	}

	dxs := make([]float64, 0, len(trs)-period+1)
	dxs = append(dxs, dx())
	for i := period; i < len(trs); i++ {
		smTR = smTR - smTR/float64(period) + trs[i]
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		dxs = append(dxs, dx())
	}

	// ADX = Wilder-smoothed DX
	adx := 0.0
	for i := 0; i < period; i++ {
		adx += dxs[i]
	}
	adx /= float64(period)
	for i := period; i < len(dxs); i++ {
		adx = (adx*float64(period-1) + dxs[i]) / float64(period)
	}
	return adx, nil
}

// ATR returns the latest Average True Range (Wilder) for the given period
func ATR(highs, lows, closes []float64, period int) (float64, error) {
	n := len(closes)
	if len(highs) != n || len(lows) != n {
		return 0, fmt.Errorf("ATR: series length mismatch")
	}
	if n < period+1 {
		return 0, errInsufficient("ATR", n, period+1)
	}
	atr := 0.0
	for i := 1; i <= period; i++ {
		tr := highs[i] - lows[i]
		tr = math.Max(tr, math.Abs(highs[i]-closes[i-1]))
		tr = math.Max(tr, math.Abs(lows[i]-closes[i-1]))
		atr += tr
	}
	atr /= float64(period)
	for i := period + 1; i < n; i++ {
		tr := highs[i] - lows[i]
		tr = math.Max(tr, math.Abs(highs[i]-closes[i-1]))
		tr = math.Max(tr, math.Abs(lows[i]-closes[i-1]))
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, nil
}
