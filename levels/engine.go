// Package levels discovers horizontal support/resistance levels from
// fractal swing points, scores their quality, tracks live touches and
// evicts broken or exhausted levels.
package levels

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"perp-level-scout/config"
	"perp-level-scout/database"
	"perp-level-scout/market"
)

const (
	// levels on the same pair/type closer than this are the same level
	mergeTolerance = 0.005

	// observations closer than this to the previous touch collapse into one test
	touchSpacing = 5 * time.Minute

	// price drifting this far past a level always counts as broken
	driftBreakPct = 0.02

	breakLookbackBars = 20
)

// Metadata is the JSON blob stored on each level row: the full score
// breakdown, trend context and the last Elder-screens verdict.
type Metadata struct {
	ScoreBreakdown
	HistoricalTouches int             `json:"historical_touches"`
	LiveTestCount     int             `json:"live_test_count"`
	DistancePercent   float64         `json:"distance_percent"`
	TrendContext      string          `json:"trend_context"`
	ElderScreens      json.RawMessage `json:"elder_screens,omitempty"`
	ElderScreensAt    *time.Time      `json:"elder_screens_at,omitempty"`
}

// ParseMetadata decodes a level's metadata blob, tolerating empty and
// malformed values.
func ParseMetadata(raw string) Metadata {
	var m Metadata
	if raw == "" {
		return m
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Metadata{}
	}
	return m
}

// Encode serialises the metadata back to its storage form
func (m Metadata) Encode() string {
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Candidate is one discovered level before persistence
type Candidate struct {
	Price     float64
	Type      market.LevelType
	Timeframe string
	BarTime   time.Time
	Touches   int
	Breakdown ScoreBreakdown
}

// LevelRepo is the persistence surface the engine needs
type LevelRepo interface {
	SaveLevel(level *database.Level) error
	UpdateLevel(level *database.Level) error
	DeleteLevel(id int64) error
	GetActiveLevelsByTimeframe(symbol, timeframe string) ([]database.Level, error)
	GetAllActiveLevels() ([]database.Level, error)
	FindLevelNear(symbol, levelType string, price, tolerance float64) (*database.Level, error)
}

// Engine discovers, scores and maintains levels for the whole universe
type Engine struct {
	repo LevelRepo
	cfg  config.LevelConfig
	now  func() time.Time
}

// NewEngine creates a level engine with the given tunables
func NewEngine(repo LevelRepo, cfg config.LevelConfig) *Engine {
	return &Engine{repo: repo, cfg: cfg, now: time.Now}
}

// Discover proposes levels from the candle series of one (symbol,
// timeframe). Fractal anchoring excludes the trailing cooling-off
// window so a level is always a structure from the past; the approach
// term and triangle fit still see the full series. Candidates outside
// the configured distance band from the current price are dropped here,
// before they ever reach the store.
func (e *Engine) Discover(candles []market.Candle, timeframe string, currentPrice float64, trend market.TrendClassification) []Candidate {
	cutoff := e.now().UTC().Add(-time.Duration(e.cfg.ExcludeRecentMinutes) * time.Minute)
	window := coolingOffWindow(candles, cutoff)
	if len(window) < 3 {
		return nil
	}

	lookback := e.cfg.FractalLookback
	if len(window) < 2*lookback+1 {
		lookback = (len(window) - 1) / 2
	}
	highIdx, lowIdx := swingPoints(window, lookback)
	if len(highIdx) == 0 && len(lowIdx) == 0 && lookback > 1 {
		highIdx, lowIdx = swingPoints(window, 1)
	}

	avgVol := averageVolume(window)
	triangle, hasTriangle := DetectTriangle(candles)

	var out []Candidate
	propose := func(idx []int, levelType market.LevelType) {
		var side []Candidate
		for _, i := range idx {
			price := window[i].Low
			if levelType == market.LevelResistance {
				price = window[i].High
			}
			touches := countTouches(window, price, e.cfg.HistoricalTouchTolerance)
			if touches < e.cfg.MinHistoricalTouches || touches > e.cfg.MaxHistoricalTouches {
				continue
			}
			if currentPrice > 0 {
				dist := distancePct(price, currentPrice) / 100
				if dist < e.cfg.MinDistancePct || dist > e.cfg.MaxDistancePct {
					continue
				}
			}

			breakdown := Score(ScoreInput{
				Price:        price,
				Type:         levelType,
				CurrentPrice: currentPrice,
				BarTime:      window[i].Time,
				BarVolume:    window[i].Volume,
				AvgVolume:    avgVol,
				Touches:      touches,
				MinTouches:   e.cfg.MinHistoricalTouches,
				MaxTouches:   e.cfg.MaxHistoricalTouches,
				WindowStart:  window[0].Time,
				WindowEnd:    window[len(window)-1].Time,
				Recent:       candles,
				Trend:        trend,
			})
			if hasTriangle {
				breakdown.TriangleBonus = triangle.BorderBonus(price, len(candles)-1)
				breakdown.Total = breakdown.Base + breakdown.TriangleBonus
			}

			side = append(side, Candidate{
				Price:     price,
				Type:      levelType,
				Timeframe: timeframe,
				BarTime:   window[i].Time,
				Touches:   touches,
				Breakdown: breakdown,
			})
		}

		side = mergeCandidates(side)
		sort.Slice(side, func(a, b int) bool { return side[a].Breakdown.Total > side[b].Breakdown.Total })
		if len(side) > e.cfg.MaxLevelsPerSide {
			side = side[:e.cfg.MaxLevelsPerSide]
		}
		out = append(out, side...)
	}

	propose(lowIdx, market.LevelSupport)
	propose(highIdx, market.LevelResistance)
	return out
}

// Sync upserts discovered candidates: an incoming occurrence within the
// merge tolerance of a known level of the same pair/type updates the
// existing row instead of creating a duplicate.
func (e *Engine) Sync(pairID int64, symbol string, currentPrice float64, trend market.TrendClassification, candidates []Candidate) error {
	for _, c := range candidates {
		existing, err := e.repo.FindLevelNear(symbol, string(c.Type), c.Price, mergeTolerance)
		if err != nil {
			return fmt.Errorf("level lookup for %s: %w", symbol, err)
		}

		meta := Metadata{
			ScoreBreakdown:    c.Breakdown,
			HistoricalTouches: c.Touches,
			DistancePercent:   distancePct(c.Price, currentPrice),
			TrendContext:      string(trend),
		}

		if existing != nil {
			prev := ParseMetadata(existing.Metadata)
			meta.LiveTestCount = existing.TestCount
			meta.ElderScreens = prev.ElderScreens
			meta.ElderScreensAt = prev.ElderScreensAt
			if c.Touches > existing.HistoricalTouches {
				existing.HistoricalTouches = c.Touches
			}
			existing.Score = c.Breakdown.Total
			existing.Metadata = meta.Encode()
			if err := e.repo.UpdateLevel(existing); err != nil {
				return fmt.Errorf("level update for %s: %w", symbol, err)
			}
			continue
		}

		level := &database.Level{
			PairID:            pairID,
			Symbol:            symbol,
			Price:             c.Price,
			Type:              string(c.Type),
			Timeframe:         c.Timeframe,
			HistoricalTouches: c.Touches,
			Score:             c.Breakdown.Total,
			IsActive:          true,
			FirstTouch:        c.BarTime,
			Metadata:          meta.Encode(),
		}
		if err := e.repo.SaveLevel(level); err != nil {
			return fmt.Errorf("level insert for %s: %w", symbol, err)
		}
	}
	return nil
}

// RegisterTouch records a live interaction between the current candle
// and a level. Observations closer than 5 minutes to the previous touch
// collapse into one test. When the test budget is exhausted the level
// is evicted. Reports whether a touch was observed.
func (e *Engine) RegisterTouch(level *database.Level, candle market.Candle) (bool, error) {
	if !withinTolerance(candle, level.Price, e.cfg.LiveTouchTolerance) {
		return false, nil
	}

	if level.LastTouch != nil && candle.Time.Sub(*level.LastTouch) < touchSpacing {
		t := candle.Time
		level.LastTouch = &t
		return true, e.repo.UpdateLevel(level)
	}

	t := candle.Time
	level.TestCount++
	level.LastTouch = &t

	meta := ParseMetadata(level.Metadata)
	meta.LiveTestCount = level.TestCount
	level.Metadata = meta.Encode()

	if level.TestCount >= e.cfg.MaxLiveTests {
		log.Printf("🧹 Level %s %s @ %.8g exhausted after %d tests, evicting",
			level.Symbol, level.Type, level.Price, level.TestCount)
		return true, e.repo.DeleteLevel(level.ID)
	}
	return true, e.repo.UpdateLevel(level)
}

// CheckBroken reports whether the level is broken and why. A support is
// broken when price is beyond the break tolerance below it, when a
// recent bar closed beyond it, or when price has drifted far past it.
// Symmetric for resistance.
func (e *Engine) CheckBroken(level *database.Level, currentPrice float64, recent []market.Candle) (bool, string) {
	tol := e.cfg.BreakTolerance
	bars := recent
	if len(bars) > breakLookbackBars {
		bars = bars[len(bars)-breakLookbackBars:]
	}

	if level.Type == string(market.LevelSupport) {
		threshold := level.Price * (1 - tol)
		if currentPrice < level.Price*(1-driftBreakPct) {
			return true, fmt.Sprintf("price drifted %.1f%% below support", driftBreakPct*100)
		}
		if currentPrice < threshold {
			return true, fmt.Sprintf("price %.8g more than %.1f%% below support %.8g", currentPrice, tol*100, level.Price)
		}
		for _, c := range bars {
			if c.Close < threshold {
				return true, fmt.Sprintf("recent close %.8g more than %.1f%% below support %.8g", c.Close, tol*100, level.Price)
			}
		}
		return false, ""
	}

	threshold := level.Price * (1 + tol)
	if currentPrice > level.Price*(1+driftBreakPct) {
		return true, fmt.Sprintf("price drifted %.1f%% above resistance", driftBreakPct*100)
	}
	if currentPrice > threshold {
		return true, fmt.Sprintf("price %.8g more than %.1f%% above resistance %.8g", currentPrice, tol*100, level.Price)
	}
	for _, c := range bars {
		if c.Close > threshold {
			return true, fmt.Sprintf("recent close %.8g more than %.1f%% above resistance %.8g", c.Close, tol*100, level.Price)
		}
	}
	return false, ""
}

// staleReason reports why a level should be evicted independent of
// breakage, or "" when it is still valid.
func (e *Engine) staleReason(level *database.Level, currentPrice float64) string {
	if level.TestCount >= e.cfg.MaxLiveTests {
		return fmt.Sprintf("test budget exhausted (%d)", level.TestCount)
	}
	if age := e.now().Sub(level.CreatedAt); age > e.cfg.MaxAge {
		return fmt.Sprintf("older than %v", e.cfg.MaxAge)
	}
	if currentPrice > 0 {
		if dist := distancePct(level.Price, currentPrice) / 100; dist > e.cfg.MaxDistancePct {
			return fmt.Sprintf("%.2f%% away from price", dist*100)
		}
	}
	return ""
}

// Maintain runs breakage and staleness eviction over one pair's active
// levels on a timeframe, returning the surviving set.
func (e *Engine) Maintain(symbol, timeframe string, currentPrice float64, recent []market.Candle) ([]database.Level, error) {
	active, err := e.repo.GetActiveLevelsByTimeframe(symbol, timeframe)
	if err != nil {
		return nil, err
	}

	kept := active[:0]
	for i := range active {
		level := &active[i]
		if broken, reason := e.CheckBroken(level, currentPrice, recent); broken {
			log.Printf("🧹 Evicting broken level %s %s @ %.8g: %s", symbol, level.Type, level.Price, reason)
			if err := e.repo.DeleteLevel(level.ID); err != nil {
				return nil, err
			}
			continue
		}
		if reason := e.staleReason(level, currentPrice); reason != "" {
			log.Printf("🧹 Evicting stale level %s %s @ %.8g: %s", symbol, level.Type, level.Price, reason)
			if err := e.repo.DeleteLevel(level.ID); err != nil {
				return nil, err
			}
			continue
		}
		kept = append(kept, *level)
	}
	return kept, nil
}

// Cleanup is the best-effort global eviction sweep enforcing the level
// invariants across every pair. priceOf resolves the current price of a
// symbol; levels whose price is unavailable are judged on age and test
// count only. Returns the surviving and evicted level counts.
func (e *Engine) Cleanup(priceOf func(symbol string) (float64, bool)) (kept, evicted int, err error) {
	active, err := e.repo.GetAllActiveLevels()
	if err != nil {
		return 0, 0, err
	}

	for i := range active {
		level := &active[i]
		price, ok := priceOf(level.Symbol)
		if !ok {
			price = 0
		}
		if reason := e.staleReason(level, price); reason != "" {
			if err := e.repo.DeleteLevel(level.ID); err != nil {
				return kept, evicted, err
			}
			evicted++
			continue
		}
		kept++
	}
	if evicted > 0 {
		log.Printf("🧹 Cleanup sweep evicted %d levels, %d remain", evicted, kept)
	}
	return kept, evicted, nil
}

// coolingOffWindow returns the prefix of candles strictly older than cutoff
func coolingOffWindow(candles []market.Candle, cutoff time.Time) []market.Candle {
	end := len(candles)
	for end > 0 && !candles[end-1].Time.Before(cutoff) {
		end--
	}
	return candles[:end]
}

// countTouches counts bars whose low, high or close is within tol of price
func countTouches(candles []market.Candle, price, tol float64) int {
	n := 0
	for _, c := range candles {
		if withinTolerance(c, price, tol) {
			n++
		}
	}
	return n
}

func withinTolerance(c market.Candle, price, tol float64) bool {
	if price <= 0 {
		return false
	}
	band := price * tol
	return abs(c.Low-price) <= band || abs(c.High-price) <= band || abs(c.Close-price) <= band
}

// mergeCandidates collapses candidates of the same side closer than the
// merge tolerance, keeping the better-scored one and the max touch count.
func mergeCandidates(side []Candidate) []Candidate {
	var out []Candidate
	for _, c := range side {
		merged := false
		for i := range out {
			if abs(out[i].Price-c.Price)/out[i].Price < mergeTolerance {
				if c.Breakdown.Total > out[i].Breakdown.Total {
					touches := out[i].Touches
					out[i] = c
					if touches > out[i].Touches {
						out[i].Touches = touches
					}
				} else if c.Touches > out[i].Touches {
					out[i].Touches = c.Touches
				}
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, c)
		}
	}
	return out
}

func averageVolume(candles []market.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	var sum float64
	for _, c := range candles {
		sum += c.Volume
	}
	return sum / float64(len(candles))
}

// distancePct is |price − current| as percent of current
func distancePct(price, current float64) float64 {
	if current <= 0 {
		return 0
	}
	return abs(price-current) / current * 100
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
