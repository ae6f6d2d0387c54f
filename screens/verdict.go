// Package screens implements the multi-stage filter chain gating signal
// emission: a universal policy filter, a 4h directional screen over the
// BTC market and the pair itself, and a 1h oscillator/approach screen.
package screens

import (
	"encoding/json"
	"time"

	"perp-level-scout/market"
)

// Screen and check names as they appear in verdicts
const (
	ScreenPolicy = "policy"
	ScreenTrend  = "screen1_trend_4h"
	ScreenOscil  = "screen2_oscillators_1h"

	CheckMinScore  = "min_score"
	CheckSideways  = "sideways_policy"
	CheckDistance  = "distance"
	CheckTestCount = "test_count"
	CheckTriangle  = "triangle_bias"
	CheckBTCTrend  = "btc_trend"
	CheckPairTrend = "pair_trend"
	CheckApproach  = "approach_direction"
	CheckRSI       = "rsi"
	CheckMACD      = "macd"
)

// CheckResult is the structured outcome of one check
type CheckResult struct {
	Name          string `json:"name"`
	Passed        bool   `json:"passed"`
	Detail        string `json:"detail,omitempty"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

// ScreenResult groups the checks of one screen
type ScreenResult struct {
	Name      string        `json:"name"`
	Evaluated bool          `json:"evaluated"`
	Passed    bool          `json:"passed"`
	Checks    []CheckResult `json:"checks"`
}

// Verdict is the record-of-records produced by one chain evaluation.
// BlockedReason carries the first failing check's reason; every check's
// outcome is preserved for audit.
type Verdict struct {
	Symbol        string                  `json:"symbol"`
	Direction     market.Direction        `json:"direction"`
	Timeframe     string                  `json:"timeframe"`
	LevelPrice    float64                 `json:"level_price"`
	Passed        bool                    `json:"passed"`
	BlockedCheck  string                  `json:"blocked_check,omitempty"`
	BlockedReason string                  `json:"blocked_reason,omitempty"`
	Screens       map[string]ScreenResult `json:"screens"`
	EvaluatedAt   time.Time               `json:"evaluated_at"`
}

// Encode serialises the verdict for level/signal metadata
func (v Verdict) Encode() json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// addScreen records a screen result and folds its outcome into the verdict
func (v *Verdict) addScreen(s ScreenResult) {
	v.Screens[s.Name] = s
	if !s.Evaluated {
		return
	}
	if !s.Passed && v.BlockedReason == "" {
		for _, c := range s.Checks {
			if !c.Passed && c.BlockedReason != "" {
				v.BlockedCheck = c.Name
				v.BlockedReason = c.BlockedReason
				break
			}
		}
		v.Passed = false
	}
}
