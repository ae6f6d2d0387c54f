package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultUniverse is the closed set of perpetual futures pairs the engine
// analyses when UNIVERSE is not set.
var DefaultUniverse = []string{
	"BTC/USDT", "ETH/USDT", "BNB/USDT", "SOL/USDT", "XRP/USDT",
	"ADA/USDT", "DOGE/USDT", "AVAX/USDT", "DOT/USDT", "LINK/USDT",
	"MATIC/USDT", "LTC/USDT", "ATOM/USDT", "UNI/USDT", "NEAR/USDT",
	"APT/USDT", "ARB/USDT", "OP/USDT", "FIL/USDT", "INJ/USDT",
	"SUI/USDT", "TIA/USDT", "SEI/USDT", "AAVE/USDT", "RUNE/USDT",
	"FTM/USDT", "ETC/USDT", "TRX/USDT",
}

// Config holds application configuration
type Config struct {
	// Universe and timeframes
	Universe   []string
	Timeframes []string

	// Database configuration
	DatabaseHost     string
	DatabasePort     string
	DatabaseName     string
	DatabaseUser     string
	DatabasePassword string

	// Redis configuration
	RedisHost     string
	RedisPassword string
	RedisPort     string

	// Exchange configuration
	Exchange ExchangeConfig

	// Analysis configuration
	Level     LevelConfig
	Filter    FilterConfig
	Signal    SignalConfig
	Scheduler SchedulerConfig

	// Observability
	MetricsAddr string
}

// ExchangeConfig holds upstream exchange adapter parameters
type ExchangeConfig struct {
	APIKey         string
	APISecret      string
	StreamURL      string
	RequestTimeout time.Duration
	RetryAttempts  int
	RateLimitRPS   float64
	RateLimitBurst int
}

// LevelConfig holds level discovery and eviction parameters
type LevelConfig struct {
	ExcludeRecentMinutes     int     // cooling-off window for fractal anchoring
	FractalLookback          int     // window half-width for swing detection
	HistoricalTouchTolerance float64 // fraction, e.g. 0.003 = 0.3%
	LiveTouchTolerance       float64
	BreakTolerance           float64
	MinHistoricalTouches     int
	MaxHistoricalTouches     int
	MaxLiveTests             int
	MinDistancePct           float64
	MaxDistancePct           float64
	MaxAge                   time.Duration
	MaxLevelsPerSide         int
}

// FilterConfig holds Elder-screens and universal policy gates
type FilterConfig struct {
	TimeframeMinScore map[string]float64 // per-timeframe score gate
	MaxDistancePct    float64            // gate on signal-time distance
	MaxTestCount      int
	BlockSideways     bool
	OffTrendMinScore  float64 // admit against trend only above this score
	SidewaysMinADX    float64
}

// SignalConfig holds signal emission and outcome tracking parameters
type SignalConfig struct {
	StopLossPct             float64
	DuplicatePriceTolerance float64
	DuplicateWindow         time.Duration
	ReadyDistancePct        float64
	TouchDistancePct        float64
	RetentionDays           int
}

// SchedulerConfig holds cadences and concurrency bounds
type SchedulerConfig struct {
	AnalysisInterval     time.Duration
	TailRefreshInterval  time.Duration
	GapScanInterval      time.Duration
	EnsureInterval       time.Duration
	CleanupInterval      time.Duration
	OutcomeInterval      time.Duration
	ArchiveInterval      time.Duration
	WorkerPoolSize       int
	ShutdownDrainTimeout time.Duration
	EnsureHistoryDays    int
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		Universe:   getEnvList("UNIVERSE", DefaultUniverse),
		Timeframes: getEnvList("TIMEFRAMES", []string{"15m", "1h", "4h"}),

		DatabaseHost:     getEnvOrDefault("DB_HOST", "localhost"),
		DatabasePort:     getEnvOrDefault("DB_PORT", "5432"),
		DatabaseName:     getEnvOrDefault("DB_NAME", "perp_levels"),
		DatabaseUser:     getEnvOrDefault("DB_USER", "perp"),
		DatabasePassword: getEnvOrDefault("DB_PASSWORD", "perp123"),

		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		Exchange: ExchangeConfig{
			APIKey:         os.Getenv("BINANCE_API_KEY"),
			APISecret:      os.Getenv("BINANCE_API_SECRET"),
			StreamURL:      getEnvOrDefault("BINANCE_STREAM_URL", "wss://fstream.binance.com/stream"),
			RequestTimeout: getEnvDuration("EXCHANGE_REQUEST_TIMEOUT", 10*time.Second),
			RetryAttempts:  getEnvInt("EXCHANGE_RETRY_ATTEMPTS", 3),
			RateLimitRPS:   getEnvFloat("EXCHANGE_RATE_LIMIT_RPS", 8.0),
			RateLimitBurst: getEnvInt("EXCHANGE_RATE_LIMIT_BURST", 8),
		},

		Level: LevelConfig{
			ExcludeRecentMinutes:     getEnvInt("LEVEL_EXCLUDE_RECENT_MINUTES", 60),
			FractalLookback:          getEnvInt("LEVEL_FRACTAL_LOOKBACK", 5),
			HistoricalTouchTolerance: getEnvFloat("LEVEL_HISTORICAL_TOUCH_TOLERANCE", 0.003),
			LiveTouchTolerance:       getEnvFloat("LEVEL_LIVE_TOUCH_TOLERANCE", 0.004),
			BreakTolerance:           getEnvFloat("LEVEL_BREAK_TOLERANCE", 0.005),
			MinHistoricalTouches:     getEnvInt("LEVEL_MIN_HISTORICAL_TOUCHES", 2),
			MaxHistoricalTouches:     getEnvInt("LEVEL_MAX_HISTORICAL_TOUCHES", 8),
			MaxLiveTests:             getEnvInt("LEVEL_MAX_LIVE_TESTS", 5),
			MinDistancePct:           getEnvFloat("LEVEL_MIN_DISTANCE_PCT", 0.001),
			MaxDistancePct:           getEnvFloat("LEVEL_MAX_DISTANCE_PCT", 0.05),
			MaxAge:                   getEnvDuration("LEVEL_MAX_AGE", 72*time.Hour),
			MaxLevelsPerSide:         getEnvInt("LEVEL_MAX_PER_SIDE", 5),
		},

		Filter: FilterConfig{
			TimeframeMinScore: map[string]float64{
				"15m": getEnvFloat("FILTER_15M_MIN_SCORE", 25),
				"1h":  getEnvFloat("FILTER_1H_MIN_SCORE", 20),
				"4h":  getEnvFloat("FILTER_4H_MIN_SCORE", 15),
			},
			MaxDistancePct:   getEnvFloat("FILTER_MAX_DISTANCE_PCT", 0.008),
			MaxTestCount:     getEnvInt("FILTER_MAX_TEST_COUNT", 3),
			BlockSideways:    getEnvOrDefault("FILTER_BLOCK_SIDEWAYS", "false") == "true",
			OffTrendMinScore: getEnvFloat("FILTER_OFF_TREND_MIN_SCORE", 30),
			SidewaysMinADX:   getEnvFloat("FILTER_SIDEWAYS_MIN_ADX", 20),
		},

		Signal: SignalConfig{
			StopLossPct:             getEnvFloat("SIGNAL_STOP_LOSS_PCT", 0.004),
			DuplicatePriceTolerance: getEnvFloat("SIGNAL_DUPLICATE_PRICE_TOLERANCE", 0.001),
			DuplicateWindow:         getEnvDuration("SIGNAL_DUPLICATE_WINDOW", 4*time.Hour),
			ReadyDistancePct:        getEnvFloat("SIGNAL_READY_DISTANCE_PCT", 0.007),
			TouchDistancePct:        getEnvFloat("SIGNAL_TOUCH_DISTANCE_PCT", 0.005),
			RetentionDays:           getEnvInt("SIGNAL_RETENTION_DAYS", 14),
		},

		Scheduler: SchedulerConfig{
			AnalysisInterval:     getEnvDuration("SCHEDULER_ANALYSIS_INTERVAL", 60*time.Second),
			TailRefreshInterval:  getEnvDuration("SCHEDULER_TAIL_REFRESH_INTERVAL", time.Minute),
			GapScanInterval:      getEnvDuration("SCHEDULER_GAP_SCAN_INTERVAL", 6*time.Hour),
			EnsureInterval:       getEnvDuration("SCHEDULER_ENSURE_INTERVAL", 12*time.Hour),
			CleanupInterval:      getEnvDuration("SCHEDULER_CLEANUP_INTERVAL", 5*time.Minute),
			OutcomeInterval:      getEnvDuration("SCHEDULER_OUTCOME_INTERVAL", 30*time.Second),
			ArchiveInterval:      getEnvDuration("SCHEDULER_ARCHIVE_INTERVAL", 24*time.Hour),
			WorkerPoolSize:       getEnvInt("SCHEDULER_WORKER_POOL_SIZE", 8),
			ShutdownDrainTimeout: getEnvDuration("SCHEDULER_DRAIN_TIMEOUT", 15*time.Second),
			EnsureHistoryDays:    getEnvInt("SCHEDULER_ENSURE_HISTORY_DAYS", 7),
		},

		MetricsAddr: getEnvOrDefault("METRICS_ADDR", ":9090"),
	}
}

// getEnvInt gets environment variable as int or returns default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var intValue int
	if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvFloat gets environment variable as float64 or returns default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var floatValue float64
	if _, err := fmt.Sscanf(value, "%f", &floatValue); err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvOrDefault gets environment variable or returns default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration gets environment variable as time.Duration or returns default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("⚠️ Invalid duration for %s: %q, using default %v", key, value, defaultValue)
		return defaultValue
	}
	return d
}

// getEnvList gets a comma-separated environment variable or returns the default slice
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
