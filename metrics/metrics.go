// Package metrics exposes Prometheus counters for the analysis pipeline
// and serves them over HTTP together with a health endpoint.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the level/signal engine.
type Metrics struct {
	registry *prometheus.Registry

	AnalysesTotal    *prometheus.CounterVec // labels: result=ok|error|skipped
	AnalysisDur      prometheus.Histogram
	CandlesFetched   prometheus.Counter
	ExchangeErrors   prometheus.Counter
	LevelsDiscovered prometheus.Counter
	LevelsEvicted    *prometheus.CounterVec // labels: reason=broken|stale
	SignalsEmitted   *prometheus.CounterVec // labels: direction
	SignalsDuplicate prometheus.Counter
	SignalsClosed    *prometheus.CounterVec // labels: reason
	VerdictsBlocked  *prometheus.CounterVec // labels: check
	ActiveSignals    prometheus.Gauge
	ActiveLevels     prometheus.Gauge
	QueueDepth       prometheus.Gauge
}

// NewMetrics returns all Prometheus metrics registered on their own
// registry, exposed by the metrics server.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_analyses_total",
			Help: "Per-pair analysis runs by result",
		}, []string{"result"}),
		AnalysisDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scout_analysis_duration_seconds",
			Help:    "Per-pair analysis latency",
			Buckets: prometheus.DefBuckets,
		}),
		CandlesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_candles_fetched_total",
			Help: "Candles fetched from the exchange",
		}),
		ExchangeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_exchange_errors_total",
			Help: "Exchange calls that failed after all retries",
		}),
		LevelsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_levels_discovered_total",
			Help: "Levels discovered and upserted",
		}),
		LevelsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_levels_evicted_total",
			Help: "Levels evicted by reason",
		}, []string{"reason"}),
		SignalsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_signals_emitted_total",
			Help: "Signals emitted by direction",
		}, []string{"direction"}),
		SignalsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_signals_duplicate_total",
			Help: "Signal emissions suppressed as duplicates",
		}),
		SignalsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_signals_closed_total",
			Help: "Signals closed by exit reason",
		}, []string{"reason"}),
		VerdictsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_verdicts_blocked_total",
			Help: "Filter-chain rejections by first failing check",
		}, []string{"check"}),
		ActiveSignals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scout_active_signals",
			Help: "Currently ACTIVE signals",
		}),
		ActiveLevels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scout_active_levels",
			Help: "Currently active levels",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scout_job_queue_depth",
			Help: "Jobs waiting in the scheduler queue",
		}),
	}

	m.registry.MustRegister(
		m.AnalysesTotal,
		m.AnalysisDur,
		m.CandlesFetched,
		m.ExchangeErrors,
		m.LevelsDiscovered,
		m.LevelsEvicted,
		m.SignalsEmitted,
		m.SignalsDuplicate,
		m.SignalsClosed,
		m.VerdictsBlocked,
		m.ActiveSignals,
		m.ActiveLevels,
		m.QueueDepth,
	)

	return m
}

// HealthStatus represents the engine's dependency health.
type HealthStatus struct {
	mu sync.RWMutex

	DBOK            bool      `json:"db_ok"`
	RedisOK         bool      `json:"redis_ok"`
	StreamConnected bool      `json:"stream_connected"`
	LastAnalysisAt  time.Time `json:"last_analysis_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetDBOK(v bool) {
	h.mu.Lock()
	h.DBOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisOK(v bool) {
	h.mu.Lock()
	h.RedisOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastAnalysisAt(t time.Time) {
	h.mu.Lock()
	h.LastAnalysisAt = t
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if !h.DBOK {
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if !h.RedisOK || !h.StreamConnected {
		overall = "degraded"
	}

	status := struct {
		Status          string `json:"status"`
		Uptime          string `json:"uptime"`
		DBOK            bool   `json:"db_ok"`
		RedisOK         bool   `json:"redis_ok"`
		StreamConnected bool   `json:"stream_connected"`
		LastAnalysisAt  string `json:"last_analysis_at"`
	}{
		Status:          overall,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		DBOK:            h.DBOK,
		RedisOK:         h.RedisOK,
		StreamConnected: h.StreamConnected,
		LastAnalysisAt:  h.LastAnalysisAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("📊 Metrics server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("⚠️ Metrics server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	_ = s.srv.Shutdown(ctx)
}
