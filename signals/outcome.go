package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"perp-level-scout/database"
	"perp-level-scout/market"
	"perp-level-scout/metrics"
)

// Favourable-excursion thresholds stamped on first close beyond, and the
// settlement rule: the first of +1.5% favourable / −0.5% adverse to be
// crossed fixes the signal's result.
const (
	threshold05 = 0.5
	threshold10 = 1.0
	threshold15 = 1.5

	settleWinPct  = 1.5
	settleLossPct = -0.5

	// trades shorter than this that exit in loss get MFE pinned to 0:
	// 1m closes cannot support a favourable-excursion claim inside a
	// sub-minute trade
	minTrustedDuration = 60 * time.Second

	outcomeTimeframe = "1m"
	activeScanLimit  = 200
)

// CandleSource serves the bounded 1m window the outcome scan runs on
type CandleSource interface {
	GetCandlesRange(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]market.Candle, error)
}

// Tracker updates MFE/MAE, threshold stamps, settlement and stop-loss
// closes for every ACTIVE signal.
type Tracker struct {
	repo    SignalRepo
	candles CandleSource
	metrics *metrics.Metrics // may be nil
	now     func() time.Time
}

// NewTracker creates the outcome tracker
func NewTracker(repo SignalRepo, candles CandleSource, m *metrics.Metrics) *Tracker {
	return &Tracker{repo: repo, candles: candles, metrics: m, now: time.Now}
}

// UpdateAll runs one outcome pass over every ACTIVE signal
func (t *Tracker) UpdateAll(ctx context.Context) error {
	active, err := t.repo.GetActiveSignals(activeScanLimit)
	if err != nil {
		return err
	}

	open := len(active)
	for i := range active {
		if err := ctx.Err(); err != nil {
			return err
		}
		sig := &active[i]
		from := sig.Timestamp.Add(-time.Minute)
		candles, err := t.candles.GetCandlesRange(ctx, sig.Symbol, outcomeTimeframe, from, t.now().UTC())
		if err != nil {
			log.Printf("⚠️ Outcome candles for signal #%d (%s): %v", sig.ID, sig.Symbol, err)
			continue
		}

		changed, events := ApplyOutcome(sig, candles)
		if !changed {
			continue
		}
		if err := t.repo.UpdateSignal(sig); err != nil {
			log.Printf("⚠️ Outcome update for signal #%d: %v", sig.ID, err)
			continue
		}
		if sig.Status == database.SignalStatusClosed {
			open--
			if t.metrics != nil {
				reason := "UNKNOWN"
				if sig.ExitReason != nil {
					reason = *sig.ExitReason
				}
				t.metrics.SignalsClosed.WithLabelValues(reason).Inc()
			}
		}
		for _, ev := range events {
			t.logEvent(sig, ev)
		}
	}
	if t.metrics != nil {
		t.metrics.ActiveSignals.Set(float64(open))
	}
	return nil
}

// OutcomeEvent is one notable lifecycle occurrence from an outcome scan
type OutcomeEvent struct {
	Type    string
	Message string
	Details map[string]interface{}
}

// ApplyOutcome folds a 1m close series into the signal's outcome fields:
// running MFE (≥ 0) and MAE (≤ 0) in percent from entry, first-touch
// threshold stamps, the fixed settlement result, and a stop-loss close
// when a close crosses the stop. Bars at or before the entry time are
// skipped. Reports whether the signal changed.
func ApplyOutcome(sig *database.Signal, candles []market.Candle) (bool, []OutcomeEvent) {
	if sig.EntryPrice <= 0 || sig.Status != database.SignalStatusActive {
		return false, nil
	}

	long := sig.SignalType == string(market.DirectionLong)
	changed := false
	var events []OutcomeEvent

	for _, c := range candles {
		if !c.Time.After(sig.Timestamp) {
			continue
		}

		favorable := (c.Close - sig.EntryPrice) / sig.EntryPrice * 100
		if !long {
			favorable = -favorable
		}

		if favorable > sig.MaxFavorableMovePct {
			sig.MaxFavorableMovePct = favorable
			changed = true
		}
		if favorable < 0 && favorable < sig.MaxAdverseMovePct {
			sig.MaxAdverseMovePct = favorable
			changed = true
		}

		if stampThresholds(sig, favorable, c.Time) {
			changed = true
			events = append(events, OutcomeEvent{
				Type:    database.SignalEventThreshold,
				Message: fmt.Sprintf("favourable excursion %.2f%% at %s", favorable, c.Time.Format(time.RFC3339)),
			})
		}

		if settle(sig, favorable, c.Time) {
			changed = true
		}

		if stopCrossed(sig, c.Close, long) {
			closeAtStop(sig, c)
			changed = true
			events = append(events, OutcomeEvent{
				Type:    database.SignalEventClosed,
				Message: fmt.Sprintf("stop loss hit at close %.8g", c.Close),
				Details: map[string]interface{}{"exit_reason": ExitReasonStopLoss},
			})
			break
		}
	}
	return changed, events
}

// stampThresholds sets each first-touch timestamp once, never overwriting
func stampThresholds(sig *database.Signal, favorable float64, at time.Time) bool {
	stamped := false
	if favorable >= threshold05 && sig.FirstTouch05PctTS == nil {
		t := at
		sig.FirstTouch05PctTS = &t
		stamped = true
	}
	if favorable >= threshold10 && sig.FirstTouch10PctTS == nil {
		t := at
		sig.FirstTouch10PctTS = &t
		stamped = true
	}
	if favorable >= threshold15 && sig.FirstTouch15PctTS == nil {
		t := at
		sig.FirstTouch15PctTS = &t
		stamped = true
	}
	return stamped
}

// settle fixes the signal's result on the first crossing of either
// settlement threshold.
func settle(sig *database.Signal, favorable float64, at time.Time) bool {
	if sig.ResultFixed != nil {
		return false
	}
	var result float64
	switch {
	case favorable >= settleWinPct:
		result = settleWinPct
	case favorable <= settleLossPct:
		result = settleLossPct
	default:
		return false
	}
	t := at
	sig.ResultFixed = &result
	sig.ResultFixedAt = &t
	return true
}

func stopCrossed(sig *database.Signal, close float64, long bool) bool {
	if long {
		return close <= sig.StopLoss
	}
	return close >= sig.StopLoss
}

// closeAtStop closes the signal on the crossing bar. MAE includes the
// exit close; sub-minute losing trades get MFE pinned to 0.
func closeAtStop(sig *database.Signal, c market.Candle) {
	exit := c.Close
	exitAt := c.Time
	reason := ExitReasonStopLoss

	sig.Status = database.SignalStatusClosed
	sig.ExitPrice = &exit
	sig.ExitTimestamp = &exitAt
	sig.ExitReason = &reason

	favorable := (exit - sig.EntryPrice) / sig.EntryPrice * 100
	if sig.SignalType == string(market.DirectionShort) {
		favorable = -favorable
	}
	if favorable < sig.MaxAdverseMovePct {
		sig.MaxAdverseMovePct = favorable
	}

	if exitAt.Sub(sig.Timestamp) < minTrustedDuration && favorable < 0 {
		sig.MaxFavorableMovePct = 0
	}
}

func (t *Tracker) logEvent(sig *database.Signal, ev OutcomeEvent) {
	entry := &database.SignalLiveLog{
		SignalID:  sig.ID,
		EventType: ev.Type,
		Status:    sig.Status,
		Message:   ev.Message,
	}
	if ev.Details != nil {
		if data, err := json.Marshal(ev.Details); err == nil {
			entry.Details = string(data)
		}
	}
	if err := t.repo.AppendSignalLog(entry); err != nil {
		log.Printf("⚠️ Failed to append signal log for #%d: %v", sig.ID, err)
	}
}
