package market

import (
	"strings"
	"time"
)

// Supported timeframes. The core analysis runs on 15m/1h/4h; 1m and 5m
// exist for outcome tracking and fine-grained backfill.
var timeframeDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
}

// TimeframeDuration returns the bucket width of a timeframe
func TimeframeDuration(tf string) (time.Duration, bool) {
	d, ok := timeframeDurations[tf]
	return d, ok
}

// IsSupportedTimeframe reports whether tf is one of the recognised buckets
func IsSupportedTimeframe(tf string) bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// BucketStart aligns ts down to the start of its tf bucket
func BucketStart(ts time.Time, tf string) time.Time {
	d, ok := timeframeDurations[tf]
	if !ok {
		return ts
	}
	return ts.UTC().Truncate(d)
}

// VenueSymbol converts a display pair symbol ("BTC/USDT") to the
// exchange's instrument id ("BTCUSDT").
func VenueSymbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
}
