// Package market holds the shared value types of the analysis pipeline:
// candles, timeframes, level/signal directions and trend classification.
package market

import "time"

// Direction is the side of a prospective or emitted signal
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// LevelType classifies a horizontal price level
type LevelType string

const (
	LevelSupport    LevelType = "support"
	LevelResistance LevelType = "resistance"
)

// DirectionFor maps a level type to the signal direction it admits.
// Support levels are bounce-long setups, resistance levels bounce-short.
func DirectionFor(t LevelType) Direction {
	if t == LevelSupport {
		return DirectionLong
	}
	return DirectionShort
}

// Candle is one OHLCV bucket as consumed by the analysis pipeline.
// Time is the bucket start in UTC.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Time      time.Time `json:"time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// IsClosed reports whether the candle's bucket has ended as of now.
// Only the single open bucket may ever be overwritten in the store.
func (c Candle) IsClosed(now time.Time) bool {
	d, ok := TimeframeDuration(c.Timeframe)
	if !ok {
		return true
	}
	return !c.Time.Add(d).After(now)
}

// Closes extracts the close series in input order
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Highs extracts the high series in input order
func Highs(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

// Lows extracts the low series in input order
func Lows(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}
