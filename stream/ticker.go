// Package stream maintains a live price feed over the exchange's combined
// WebSocket stream. It keeps the last mark price per pair in memory so the
// signal engine can read prices without spending REST rate-limit budget.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-level-scout/market"
)

const (
	pingInterval    = 3 * time.Minute
	staleAfter      = 5 * time.Minute
	healthInterval  = 60 * time.Second
	reconnectDelay  = 2 * time.Second
	maxReconnectGap = 60 * time.Second
)

// wrapMessage is the combined-stream envelope
type wrapMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// markPriceEvent is the payload of a markPrice stream message
type markPriceEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// PriceFeed subscribes to the mark-price stream of every configured pair
// and serves the latest price from memory.
type PriceFeed struct {
	baseURL string
	symbols []string

	// connMu guards the conn pointer and serializes control-frame writes
	connMu sync.Mutex
	conn   *websocket.Conn

	// onState is invoked on connect and disconnect; set before Start
	onState func(connected bool)

	mu          sync.RWMutex
	prices      map[string]float64
	updatedAt   map[string]time.Time
	lastMsgTime time.Time
}

// NewPriceFeed creates a feed for the given display symbols (BTC/USDT form)
func NewPriceFeed(baseURL string, symbols []string) *PriceFeed {
	return &PriceFeed{
		baseURL:     baseURL,
		symbols:     symbols,
		prices:      make(map[string]float64),
		updatedAt:   make(map[string]time.Time),
		lastMsgTime: time.Now(),
	}
}

// streamURL builds the combined-stream URL covering all pairs
func (f *PriceFeed) streamURL() string {
	streams := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		streams = append(streams, strings.ToLower(market.VenueSymbol(s))+"@markPrice@1s")
	}
	return f.baseURL + "?streams=" + strings.Join(streams, "/")
}

// NotifyState registers a callback fired on connect and disconnect.
// Must be set before Start.
func (f *PriceFeed) NotifyState(fn func(connected bool)) {
	f.onState = fn
}

// Connect establishes the WebSocket connection
func (f *PriceFeed) Connect() error {
	url := f.streamURL()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", f.baseURL, err)
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	if f.onState != nil {
		f.onState(true)
	}
	log.Printf("✅ Price stream connected (%d pairs)", len(f.symbols))
	return nil
}

// currentConn returns the live connection or nil
func (f *PriceFeed) currentConn() *websocket.Conn {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn
}

// Start runs the read loop and health monitor until ctx is cancelled.
// Reconnects with capped exponential back-off on any connection failure.
func (f *PriceFeed) Start(ctx context.Context) {
	go f.runHealthMonitor(ctx)

	go func() {
		delay := reconnectDelay
		for {
			if ctx.Err() != nil {
				return
			}
			conn := f.currentConn()
			if conn == nil {
				if err := f.Connect(); err != nil {
					log.Printf("⚠️ Price stream connect failed: %v", err)
					select {
					case <-ctx.Done():
						return
					case <-time.After(delay):
					}
					delay *= 2
					if delay > maxReconnectGap {
						delay = maxReconnectGap
					}
					continue
				}
				delay = reconnectDelay
				conn = f.currentConn()
				if conn == nil {
					continue
				}
				f.startPing(ctx, conn)
			}

			if err := f.readMessage(conn); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("⚠️ Price stream read failed, reconnecting: %v", err)
				f.closeConn()
			}
		}
	}()
}

// readMessage reads one envelope and stores the price it carries
func (f *PriceFeed) readMessage(conn *websocket.Conn) error {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	var wrapper wrapMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("failed to unmarshal stream message: %w", err)
	}
	if !strings.Contains(wrapper.Stream, "@markPrice") {
		return nil
	}

	var event markPriceEvent
	if err := json.Unmarshal(wrapper.Data, &event); err != nil {
		return fmt.Errorf("failed to unmarshal mark price event: %w", err)
	}
	price, err := strconv.ParseFloat(event.MarkPrice, 64)
	if err != nil {
		return fmt.Errorf("malformed mark price for %s: %w", event.Symbol, err)
	}

	f.mu.Lock()
	f.prices[event.Symbol] = price
	f.updatedAt[event.Symbol] = time.Now()
	f.lastMsgTime = time.Now()
	f.mu.Unlock()
	return nil
}

// LastPrice returns the latest streamed mark price for the display symbol.
// Reports false when no fresh price has arrived yet.
func (f *PriceFeed) LastPrice(symbol string) (float64, bool) {
	short := market.VenueSymbol(symbol)
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.prices[short]
	if !ok || time.Since(f.updatedAt[short]) > staleAfter {
		return 0, false
	}
	return price, true
}

// startPing keeps the connection alive with control-frame pings
func (f *PriceFeed) startPing(ctx context.Context, conn *websocket.Conn) {
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.connMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				f.connMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
}

// runHealthMonitor forces a reconnect when the stream goes silent
func (f *PriceFeed) runHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	log.Println("💓 Price stream health monitoring started")
	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 Price stream health monitoring stopped")
			return
		case <-ticker.C:
			f.mu.RLock()
			silence := time.Since(f.lastMsgTime)
			f.mu.RUnlock()
			if silence > staleAfter {
				log.Printf("⚠️ No stream message for %v, forcing reconnect", silence.Round(time.Second))
				f.closeConn()
			}
		}
	}
}

func (f *PriceFeed) closeConn() {
	f.connMu.Lock()
	had := f.conn != nil
	if had {
		_ = f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()
	if had && f.onState != nil {
		f.onState(false)
	}
}

// Close shuts the connection down
func (f *PriceFeed) Close() error {
	f.closeConn()
	return nil
}
