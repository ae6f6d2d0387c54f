package database

import "time"

// TradingPair is one instrument of the configured universe.
// The universe is a closed set; rows are upserted at startup and the
// scheduler only drives pairs with Enabled set.
type TradingPair struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol    string    `gorm:"size:20;uniqueIndex;not null" json:"symbol"` // display form, e.g. BTC/USDT
	Venue     string    `gorm:"size:30;not null;default:binance-futures" json:"venue"`
	Enabled   bool      `gorm:"default:true;index" json:"enabled"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for TradingPair
func (TradingPair) TableName() string {
	return "trading_pairs"
}

// OHLCV is one candle bucket, keyed by (symbol, timeframe, bucket start).
// Closed candles are immutable: the repository upsert only overwrites a
// row whose bucket is still open, unless an explicit historical repair is
// requested.
//
// Key Fields:
//   - SymbolShort: venue instrument id, e.g. BTCUSDT
//   - Timeframe: one of 1m, 5m, 15m, 1h, 4h
//   - TimestampUTC: bucket start (UTC), part of the unique key
type OHLCV struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SymbolShort  string    `gorm:"size:20;not null;uniqueIndex:idx_ohlcv_key,priority:1" json:"symbol_short"`
	Timeframe    string    `gorm:"size:5;not null;uniqueIndex:idx_ohlcv_key,priority:2" json:"timeframe"`
	TimestampUTC time.Time `gorm:"not null;uniqueIndex:idx_ohlcv_key,priority:3;index" json:"timestamp_utc"`
	Open         float64   `gorm:"type:decimal(20,8);not null" json:"open"`
	High         float64   `gorm:"type:decimal(20,8);not null" json:"high"`
	Low          float64   `gorm:"type:decimal(20,8);not null" json:"low"`
	Close        float64   `gorm:"type:decimal(20,8);not null" json:"close"`
	Volume       float64   `gorm:"type:decimal(24,8);not null" json:"volume"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for OHLCV
func (OHLCV) TableName() string {
	return "ohlcv"
}

// Level is a horizontal support/resistance price on one (pair, timeframe).
//
// Key Fields:
//   - Price: the level price, anchored to a past fractal bar
//   - Type: support or resistance
//   - HistoricalTouches: touch count computed once at discovery, in [2, 8]
//   - TestCount: live tests observed after discovery (monotonic)
//   - FirstTouch: time of the originating fractal bar
//   - CreatedAt: wall-clock insertion time; a level's age tracks how long
//     the system has known it, not how old the fractal is
//   - Metadata: JSON blob with score breakdown, trend context and the
//     last Elder-screens verdict + timestamp
type Level struct {
	ID                int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	PairID            int64      `gorm:"index;not null" json:"pair_id"`
	Symbol            string     `gorm:"size:20;index;index:idx_level_symbol_type,priority:1;not null" json:"symbol"`
	Price             float64    `gorm:"type:decimal(20,8);not null" json:"price"`
	Type              string     `gorm:"size:12;index:idx_level_symbol_type,priority:2;not null" json:"type"` // support, resistance
	Timeframe         string     `gorm:"size:5;not null" json:"timeframe"`
	HistoricalTouches int        `gorm:"not null" json:"historical_touches"`
	TestCount         int        `gorm:"not null;default:0" json:"test_count"` // live tests after discovery
	Score             float64    `gorm:"type:decimal(8,2)" json:"score"`
	IsActive          bool       `gorm:"default:true;index" json:"is_active"`
	SignalGenerated   bool       `gorm:"default:false" json:"signal_generated"`
	FirstTouch        time.Time  `gorm:"not null" json:"first_touch"`
	LastTouch         *time.Time `json:"last_touch,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	Metadata          string     `gorm:"type:jsonb" json:"metadata,omitempty"`
}

// TableName specifies the table name for Level
func (Level) TableName() string {
	return "levels"
}

// Signal statuses and the lifecycle event types recorded in the live log
const (
	SignalStatusActive = "ACTIVE"
	SignalStatusClosed = "CLOSED"

	SignalEventEmitted    = "EMITTED"
	SignalEventSuppressed = "SUPPRESSED"
	SignalEventThreshold  = "THRESHOLD_TOUCH"
	SignalEventClosed     = "CLOSED"
	SignalEventArchived   = "ARCHIVED"
)

// Signal is an emitted directional trade decision with its tracked outcome.
//
// Key Fields:
//   - SignalType: LONG or SHORT, derived from the level type
//   - EntryPrice: the level price verbatim (tick snapping is the
//     executor's concern)
//   - StopLoss: entry ∓ stop_loss_pct; below entry for LONG, above for SHORT
//   - MaxFavorableMovePct / MaxAdverseMovePct: running MFE (≥ 0) and
//     MAE (≤ 0) in percent from entry, from 1m closes
//   - FirstTouch05/10/15PctTS: earliest time each favourable threshold
//     was first closed above
//   - ResultFixed: +1.5 or −0.5 once the first settlement threshold is
//     crossed; only fixed signals count toward win/loss tallies
type Signal struct {
	ID                  int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	PairID              int64      `gorm:"index;not null" json:"pair_id"`
	Symbol              string     `gorm:"size:20;index;index:idx_signal_symbol_status,priority:1;not null" json:"symbol"`
	SignalType          string     `gorm:"size:6;not null" json:"signal_type"` // LONG, SHORT
	LevelPrice          float64    `gorm:"type:decimal(20,8);not null" json:"level_price"`
	EntryPrice          float64    `gorm:"type:decimal(20,8);not null" json:"entry_price"`
	StopLoss            float64    `gorm:"type:decimal(20,8);not null" json:"stop_loss"`
	Timestamp           time.Time  `gorm:"index;not null" json:"timestamp"`
	TrendClassification string     `gorm:"size:15" json:"trend_classification"`
	LevelType           string     `gorm:"size:12" json:"level_type"`
	Timeframe           string     `gorm:"size:5" json:"timeframe"`
	TestCount           int        `json:"test_count"`
	LevelScore          float64    `gorm:"type:decimal(8,2)" json:"level_score"`
	Status              string     `gorm:"size:10;index;index:idx_signal_symbol_status,priority:2;not null" json:"status"`
	ExitPrice           *float64   `gorm:"type:decimal(20,8)" json:"exit_price,omitempty"`
	ExitTimestamp       *time.Time `json:"exit_timestamp,omitempty"`
	ExitReason          *string    `gorm:"type:text" json:"exit_reason,omitempty"`
	MaxFavorableMovePct float64    `gorm:"type:decimal(10,4)" json:"max_favorable_move_pct"`
	MaxAdverseMovePct   float64    `gorm:"type:decimal(10,4)" json:"max_adverse_move_pct"`
	FirstTouch05PctTS   *time.Time `gorm:"column:first_touch_0_5_pct_ts" json:"first_touch_0_5_pct_ts,omitempty"`
	FirstTouch10PctTS   *time.Time `gorm:"column:first_touch_1_0_pct_ts" json:"first_touch_1_0_pct_ts,omitempty"`
	FirstTouch15PctTS   *time.Time `gorm:"column:first_touch_1_5_pct_ts" json:"first_touch_1_5_pct_ts,omitempty"`
	ElderScreensMeta    string     `gorm:"column:elder_screens_metadata;type:jsonb" json:"elder_screens_metadata,omitempty"`
	ResultFixed         *float64   `gorm:"type:decimal(6,2)" json:"result_fixed,omitempty"`
	ResultFixedAt       *time.Time `json:"result_fixed_at,omitempty"`
	Archived            bool       `gorm:"default:false;index" json:"archived"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Signal
func (Signal) TableName() string {
	return "signals"
}

// SignalLiveLog is the append-only audit trail of a signal's lifecycle
type SignalLiveLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SignalID  int64     `gorm:"index;not null" json:"signal_id"`
	EventType string    `gorm:"size:30;not null" json:"event_type"`
	Status    string    `gorm:"size:10" json:"status"`
	Message   string    `gorm:"type:text" json:"message"`
	Details   string    `gorm:"type:jsonb" json:"details,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName specifies the table name for SignalLiveLog
func (SignalLiveLog) TableName() string {
	return "signal_live_logs"
}
