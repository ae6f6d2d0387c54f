package screens

import (
	"fmt"
	"log"
	"time"

	"perp-level-scout/config"
	"perp-level-scout/indicators"
	"perp-level-scout/levels"
	"perp-level-scout/market"
)

const (
	// breakout beyond this fraction past the level definitively blocks
	breakoutPct = 0.01
	// approach check is waived when the level is this close to price
	waiverDistancePct = 0.005
	// minimum share of recent 1h closes on the admitting side
	minCloseShare = 0.40
	approachBars  = 5

	rsiPeriod       = 14
	rsiOverbought   = 75.0
	rsiOversold     = 25.0
	rsiWarnMargin   = 5.0
	macdFast        = 12
	macdSlow        = 26
	macdSignal      = 9
	macdTolFloor    = 0.0005
	macdTolPctOfSig = 0.005
)

// Input is everything one chain evaluation needs, prepared by the caller
type Input struct {
	Symbol       string
	Direction    market.Direction
	Timeframe    string
	LevelPrice   float64
	LevelScore   float64
	TestCount    int
	CurrentPrice float64

	BTCTrend  market.TrendSnapshot // BTC/USDT 4h context
	PairTrend market.TrendSnapshot // the pair's own 4h context

	HourlyCloses []float64 // ascending 1h closes
	HourlyHighs  []float64
	HourlyLows   []float64

	Triangle      *levels.Triangle // nil when no active pattern
	TriangleIndex int
}

// Chain is the Elder-screens filter chain
type Chain struct {
	cfg config.FilterConfig
	now func() time.Time
}

// NewChain creates a chain with the given policy gates
func NewChain(cfg config.FilterConfig) *Chain {
	return &Chain{cfg: cfg, now: time.Now}
}

// Evaluate runs the universal policy filter and both screens, returning
// a full verdict. Screen 2 is only evaluated when Screen 1 passed; the
// policy filter always runs.
func (c *Chain) Evaluate(in Input) Verdict {
	v := Verdict{
		Symbol:      in.Symbol,
		Direction:   in.Direction,
		Timeframe:   in.Timeframe,
		LevelPrice:  in.LevelPrice,
		Passed:      true,
		Screens:     make(map[string]ScreenResult),
		EvaluatedAt: c.now().UTC(),
	}

	v.addScreen(c.policyScreen(in))
	s1 := c.screen1(in)
	v.addScreen(s1)

	if v.Passed && s1.Passed {
		v.addScreen(c.screen2(in))
	} else {
		v.addScreen(ScreenResult{Name: ScreenOscil, Evaluated: false})
	}
	return v
}

// policyScreen enforces the universal gates that apply regardless of
// the Elder screens.
func (c *Chain) policyScreen(in Input) ScreenResult {
	s := ScreenResult{Name: ScreenPolicy, Evaluated: true, Passed: true}
	add := func(r CheckResult) {
		s.Checks = append(s.Checks, r)
		if !r.Passed {
			s.Passed = false
		}
	}

	minScore := c.cfg.TimeframeMinScore[in.Timeframe]
	if in.LevelScore < minScore {
		add(CheckResult{Name: CheckMinScore, Passed: false,
			BlockedReason: fmt.Sprintf("level score %.2f below %s minimum %.2f", in.LevelScore, in.Timeframe, minScore)})
	} else {
		add(CheckResult{Name: CheckMinScore, Passed: true,
			Detail: fmt.Sprintf("score %.2f >= %.2f", in.LevelScore, minScore)})
	}

	if c.cfg.BlockSideways && in.PairTrend.Classification == market.TrendSideways {
		add(CheckResult{Name: CheckSideways, Passed: false,
			BlockedReason: "SIDEWAYS trend blocked by policy"})
	} else {
		add(CheckResult{Name: CheckSideways, Passed: true})
	}

	dist := distanceFrac(in.LevelPrice, in.CurrentPrice)
	if dist > c.cfg.MaxDistancePct {
		add(CheckResult{Name: CheckDistance, Passed: false,
			BlockedReason: fmt.Sprintf("level %.2f%% from price, max %.2f%%", dist*100, c.cfg.MaxDistancePct*100)})
	} else {
		add(CheckResult{Name: CheckDistance, Passed: true,
			Detail: fmt.Sprintf("distance %.2f%%", dist*100)})
	}

	if in.TestCount > c.cfg.MaxTestCount {
		add(CheckResult{Name: CheckTestCount, Passed: false,
			BlockedReason: fmt.Sprintf("level tested %d times, max %d", in.TestCount, c.cfg.MaxTestCount)})
	} else {
		add(CheckResult{Name: CheckTestCount, Passed: true})
	}

	// triangle bias only vetoes weak-score candidates
	if in.Triangle != nil && in.LevelScore <= c.cfg.OffTrendMinScore && !in.Triangle.Allows(in.Direction) {
		add(CheckResult{Name: CheckTriangle, Passed: false,
			BlockedReason: fmt.Sprintf("%s triangle bias contradicts %s on weak score %.2f", in.Triangle.Bias, in.Direction, in.LevelScore)})
	} else {
		add(CheckResult{Name: CheckTriangle, Passed: true})
	}

	return s
}

// screen1 is the 4h directional context: the BTC market trend and the
// pair's own trend. A directionally-passing pair trend overrides a
// failing BTC trend; a failing pair trend is fatal.
func (c *Chain) screen1(in Input) ScreenResult {
	s := ScreenResult{Name: ScreenTrend, Evaluated: true}

	btc := c.btcCheck(in)
	pair := c.pairCheck(in)
	s.Checks = []CheckResult{btc, pair}

	pairDirectional := (in.Direction == market.DirectionLong && in.PairTrend.Classification.IsUp()) ||
		(in.Direction == market.DirectionShort && in.PairTrend.Classification.IsDown())

	switch {
	case !pair.Passed:
		s.Passed = false
	case btc.Passed:
		s.Passed = true
	case in.BTCTrend.Classification == market.TrendUnknown:
		s.Passed = false // no market context, no override
	case pairDirectional:
		s.Passed = true // the pair's own context wins when they disagree
	default:
		s.Passed = false
	}
	return s
}

// btcCheck applies the market-trend policy on BTC/USDT 4h
func (c *Chain) btcCheck(in Input) CheckResult {
	r := CheckResult{Name: CheckBTCTrend}
	t := in.BTCTrend
	detail := fmt.Sprintf("BTC 4h %s (ADX %.1f, gap %.2f%%)", t.Classification, t.ADX, t.GapPct)

	switch {
	case t.Classification.IsUp():
		if in.Direction == market.DirectionLong || in.LevelScore > c.cfg.OffTrendMinScore {
			r.Passed, r.Detail = true, detail
		} else {
			r.BlockedReason = fmt.Sprintf("BTC %s blocks SHORT with score %.2f <= %.2f", t.Classification, in.LevelScore, c.cfg.OffTrendMinScore)
		}
	case t.Classification.IsDown():
		if in.Direction == market.DirectionShort || in.LevelScore > c.cfg.OffTrendMinScore {
			r.Passed, r.Detail = true, detail
		} else {
			r.BlockedReason = fmt.Sprintf("BTC %s blocks LONG with score %.2f <= %.2f", t.Classification, in.LevelScore, c.cfg.OffTrendMinScore)
		}
	case t.Classification == market.TrendSideways:
		emaAdmits := (in.Direction == market.DirectionLong && t.EMA20 > t.EMA50) ||
			(in.Direction == market.DirectionShort && t.EMA20 < t.EMA50)
		ordering := "EMA20 > EMA50"
		if t.EMA20 < t.EMA50 {
			ordering = "EMA20 < EMA50"
		}
		if t.ADX >= c.cfg.SidewaysMinADX && emaAdmits {
			r.Passed = true
			r.Detail = fmt.Sprintf("%s, ADX %.1f >= %.1f, %s admits %s", detail, t.ADX, c.cfg.SidewaysMinADX, ordering, in.Direction)
		} else if t.ADX < c.cfg.SidewaysMinADX {
			r.BlockedReason = fmt.Sprintf("BTC SIDEWAYS with ADX %.1f < %.1f", t.ADX, c.cfg.SidewaysMinADX)
		} else {
			r.BlockedReason = fmt.Sprintf("BTC SIDEWAYS, %s blocks %s", ordering, in.Direction)
		}
	default:
		r.BlockedReason = "BTC trend UNKNOWN (insufficient history)"
	}
	return r
}

// pairCheck applies the pair-trend policy on the pair's own 4h series
func (c *Chain) pairCheck(in Input) CheckResult {
	r := CheckResult{Name: CheckPairTrend}
	t := in.PairTrend
	detail := fmt.Sprintf("pair 4h %s (ADX %.1f, gap %.2f%%)", t.Classification, t.ADX, t.GapPct)

	switch {
	case t.Classification == market.TrendSideways:
		r.Passed, r.Detail = true, detail
	case t.Classification == market.TrendUnknown:
		r.BlockedReason = "pair trend UNKNOWN (insufficient history)"
	case in.Direction == market.DirectionLong && t.Classification.IsUp(),
		in.Direction == market.DirectionShort && t.Classification.IsDown():
		r.Passed, r.Detail = true, detail
	case in.LevelScore > c.cfg.OffTrendMinScore:
		r.Passed = true
		r.Detail = fmt.Sprintf("%s, off-trend %s admitted with score %.2f > %.2f", detail, in.Direction, in.LevelScore, c.cfg.OffTrendMinScore)
	default:
		r.BlockedReason = fmt.Sprintf("pair %s blocks %s with score %.2f <= %.2f", t.Classification, in.Direction, in.LevelScore, c.cfg.OffTrendMinScore)
	}
	return r
}

// screen2 is the 1h oscillator and approach-direction gate
func (c *Chain) screen2(in Input) ScreenResult {
	s := ScreenResult{Name: ScreenOscil, Evaluated: true, Passed: true}
	add := func(r CheckResult) {
		s.Checks = append(s.Checks, r)
		if !r.Passed {
			s.Passed = false
		}
	}

	add(c.approachCheck(in))
	add(c.rsiCheck(in))
	add(c.macdCheck(in))
	return s
}

// approachCheck verifies price comes into the level from the admitting
// side. A breakout past the level by more than 1% definitively blocks;
// within 0.5% of the level the check is waived.
func (c *Chain) approachCheck(in Input) CheckResult {
	r := CheckResult{Name: CheckApproach}
	if in.LevelPrice <= 0 || len(in.HourlyCloses) == 0 {
		r.BlockedReason = "insufficient 1h closes for approach check"
		return r
	}

	closes := in.HourlyCloses
	if len(closes) > approachBars {
		closes = closes[len(closes)-approachBars:]
	}
	above := 0
	for _, cl := range closes {
		if cl > in.LevelPrice {
			above++
		}
	}
	shareAbove := float64(above) / float64(len(closes))
	shareBelow := 1 - shareAbove

	dist := distanceFrac(in.LevelPrice, in.CurrentPrice)

	if in.Direction == market.DirectionLong {
		if in.CurrentPrice < in.LevelPrice*(1-breakoutPct) {
			r.BlockedReason = fmt.Sprintf("price %.2f%% below support: definitive breakout", (in.LevelPrice-in.CurrentPrice)/in.LevelPrice*100)
			return r
		}
		if dist <= waiverDistancePct {
			r.Passed = true
			r.Detail = fmt.Sprintf("approach waived, level within %.2f%% of price", dist*100)
			return r
		}
		switch {
		case in.CurrentPrice > in.LevelPrice && shareAbove >= minCloseShare:
			r.Passed = true
			r.Detail = fmt.Sprintf("%.0f%% of recent 1h closes above support", shareAbove*100)
		case in.CurrentPrice > in.LevelPrice:
			r.BlockedReason = fmt.Sprintf("only %.0f%% of recent 1h closes above support", shareAbove*100)
		case shareAbove > 0.5:
			r.Passed = true // small breakout tolerated on majority-above closes
			r.Detail = fmt.Sprintf("small breakout tolerated, %.0f%% closes above", shareAbove*100)
		default:
			r.BlockedReason = "price below support without majority of closes above"
		}
		return r
	}

	if in.CurrentPrice > in.LevelPrice*(1+breakoutPct) {
		r.BlockedReason = fmt.Sprintf("price %.2f%% above resistance: definitive breakout", (in.CurrentPrice-in.LevelPrice)/in.LevelPrice*100)
		return r
	}
	if dist <= waiverDistancePct {
		r.Passed = true
		r.Detail = fmt.Sprintf("approach waived, level within %.2f%% of price", dist*100)
		return r
	}
	switch {
	case in.CurrentPrice < in.LevelPrice && shareBelow >= minCloseShare:
		r.Passed = true
		r.Detail = fmt.Sprintf("%.0f%% of recent 1h closes below resistance", shareBelow*100)
	case in.CurrentPrice < in.LevelPrice:
		r.BlockedReason = fmt.Sprintf("only %.0f%% of recent 1h closes below resistance", shareBelow*100)
	case shareBelow > 0.5:
		r.Passed = true
		r.Detail = fmt.Sprintf("small breakout tolerated, %.0f%% closes below", shareBelow*100)
	default:
		r.BlockedReason = "price above resistance without majority of closes below"
	}
	return r
}

// rsiCheck blocks overbought LONGs and oversold SHORTs on 1h RSI(14)
func (c *Chain) rsiCheck(in Input) CheckResult {
	r := CheckResult{Name: CheckRSI}
	rsi, err := indicators.RSI(in.HourlyCloses, rsiPeriod)
	if err != nil {
		r.BlockedReason = fmt.Sprintf("insufficient 1h closes for RSI: %v", err)
		return r
	}

	if in.Direction == market.DirectionLong {
		if rsi > rsiOverbought {
			r.BlockedReason = fmt.Sprintf("RSI %.2f > %.0f", rsi, rsiOverbought)
			return r
		}
		if rsi > rsiOverbought-rsiWarnMargin {
			log.Printf("⚠️ %s 1h RSI %.2f approaching overbought", in.Symbol, rsi)
		}
	} else {
		if rsi < rsiOversold {
			r.BlockedReason = fmt.Sprintf("RSI %.2f < %.0f", rsi, rsiOversold)
			return r
		}
		if rsi < rsiOversold+rsiWarnMargin {
			log.Printf("⚠️ %s 1h RSI %.2f approaching oversold", in.Symbol, rsi)
		}
	}
	r.Passed = true
	r.Detail = fmt.Sprintf("RSI %.2f", rsi)
	return r
}

// macdCheck preserves a neutral zone around the signal line: a direction
// is blocked only when the MACD line is on the wrong side by more than
// max(|signal|*0.5%, 0.0005).
func (c *Chain) macdCheck(in Input) CheckResult {
	r := CheckResult{Name: CheckMACD}
	m, err := indicators.MACD(in.HourlyCloses, macdFast, macdSlow, macdSignal)
	if err != nil {
		r.BlockedReason = fmt.Sprintf("insufficient 1h closes for MACD: %v", err)
		return r
	}

	tol := abs(m.Signal) * macdTolPctOfSig
	if tol < macdTolFloor {
		tol = macdTolFloor
	}

	if in.Direction == market.DirectionLong && m.MACD < m.Signal-tol {
		r.BlockedReason = fmt.Sprintf("MACD %.5f below signal %.5f by more than %.5f", m.MACD, m.Signal, tol)
		return r
	}
	if in.Direction == market.DirectionShort && m.MACD > m.Signal+tol {
		r.BlockedReason = fmt.Sprintf("MACD %.5f above signal %.5f by more than %.5f", m.MACD, m.Signal, tol)
		return r
	}
	r.Passed = true
	r.Detail = fmt.Sprintf("MACD %.5f vs signal %.5f (tol %.5f)", m.MACD, m.Signal, tol)
	return r
}

func distanceFrac(level, current float64) float64 {
	if current <= 0 {
		return 0
	}
	return abs(level-current) / current
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
