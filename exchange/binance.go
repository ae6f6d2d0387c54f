// Package exchange adapts the Binance USD-M futures API to the engine's
// upstream contract: fetch OHLCV klines and the last traded price. All
// calls go through a token-bucket rate limiter, carry a hard timeout and
// retry transient failures with exponential back-off.
package exchange

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"perp-level-scout/config"
	"perp-level-scout/market"
	"perp-level-scout/metrics"
)

// Kline is one upstream candle as returned by the exchange
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// BinanceClient wraps the futures REST client
type BinanceClient struct {
	client   *futures.Client
	bucket   *TokenBucket
	timeout  time.Duration
	attempts int
	metrics  *metrics.Metrics // may be nil
}

// NewBinanceClient creates the adapter. Market-data endpoints work with
// empty credentials.
func NewBinanceClient(cfg config.ExchangeConfig, m *metrics.Metrics) *BinanceClient {
	return &BinanceClient{
		client:   futures.NewClient(cfg.APIKey, cfg.APISecret),
		bucket:   NewTokenBucket(cfg.RateLimitRPS, cfg.RateLimitBurst),
		timeout:  cfg.RequestTimeout,
		attempts: cfg.RetryAttempts,
		metrics:  m,
	}
}

// FetchOHLCV fetches up to limit klines for (symbol, timeframe), starting
// at since when non-zero. symbol is the display form (BTC/USDT).
func (c *BinanceClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]Kline, error) {
	if !market.IsSupportedTimeframe(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	var raw []*futures.Kline
	err := c.withRetry(ctx, fmt.Sprintf("klines %s %s", symbol, timeframe), func(callCtx context.Context) error {
		svc := c.client.NewKlinesService().
			Symbol(market.VenueSymbol(symbol)).
			Interval(timeframe).
			Limit(limit)
		if !since.IsZero() {
			svc = svc.StartTime(since.UnixMilli())
		}
		var err error
		raw, err = svc.Do(callCtx)
		return err
	})
	if err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		parsed, err := parseKline(k)
		if err != nil {
			return nil, fmt.Errorf("malformed kline for %s: %w", symbol, err)
		}
		klines = append(klines, parsed)
	}
	if c.metrics != nil {
		c.metrics.CandlesFetched.Add(float64(len(klines)))
	}
	return klines, nil
}

// FetchTicker returns the last traded price of the pair
func (c *BinanceClient) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	var prices []*futures.SymbolPrice
	err := c.withRetry(ctx, fmt.Sprintf("ticker %s", symbol), func(callCtx context.Context) error {
		var err error
		prices, err = c.client.NewListPricesService().
			Symbol(market.VenueSymbol(symbol)).
			Do(callCtx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no ticker returned for %s", symbol)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed ticker price for %s: %w", symbol, err)
	}
	return price, nil
}

// withRetry runs call under the rate limiter with a per-attempt timeout
// and exponential back-off between attempts.
func (c *BinanceClient) withRetry(ctx context.Context, op string, call func(ctx context.Context) error) error {
	backoff := time.Second
	var lastErr error

	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := c.bucket.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < c.attempts {
			log.Printf("⚠️ Exchange %s failed (attempt %d/%d): %v", op, attempt, c.attempts, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	if c.metrics != nil {
		c.metrics.ExchangeErrors.Inc()
	}
	return fmt.Errorf("exchange %s failed after %d attempts: %w", op, c.attempts, lastErr)
}

func parseKline(k *futures.Kline) (Kline, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return Kline{}, err
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return Kline{}, err
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return Kline{}, err
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return Kline{}, err
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return Kline{}, err
	}
	return Kline{
		OpenTime: time.UnixMilli(k.OpenTime).UTC(),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePrice,
		Volume:   volume,
	}, nil
}
