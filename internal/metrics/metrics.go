// Package metrics exposes Prometheus metrics and a health endpoint for the
// dashboard backend.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the backend.
type Metrics struct {
	BrokerAPICalls    *prometheus.CounterVec // labels: broker, operation
	BrokerAPIFailures *prometheus.CounterVec // labels: broker, operation

	EnrichDuration       prometheus.Histogram
	InstrumentsEnriched  prometheus.Counter
	HistoryFetchFailures prometheus.Counter
	InsufficientHistory  prometheus.Counter
	PricesRecorded       prometheus.Counter

	OrdersPlaced *prometheus.CounterVec // labels: broker
	SyncsTotal   prometheus.Counter

	WSClients prometheus.Gauge
}

// New registers and returns all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		BrokerAPICalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stopsafe_broker_api_calls_total",
			Help: "Broker API calls by broker and operation",
		}, []string{"broker", "operation"}),
		BrokerAPIFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stopsafe_broker_api_failures_total",
			Help: "Failed broker API calls by broker and operation",
		}, []string{"broker", "operation"}),

		EnrichDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stopsafe_enrich_duration_seconds",
			Help:    "Portfolio enrichment latency per batch",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),
		InstrumentsEnriched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stopsafe_instruments_enriched_total",
			Help: "Instruments processed by the enrichment pipeline",
		}),
		HistoryFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stopsafe_history_fetch_failures_total",
			Help: "Per-instrument candle history fetches that failed",
		}),
		InsufficientHistory: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stopsafe_insufficient_history_total",
			Help: "Period computations skipped for lack of price history",
		}),
		PricesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stopsafe_prices_recorded_total",
			Help: "Price snapshots accepted into the history buffer",
		}),

		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stopsafe_orders_placed_total",
			Help: "Stop-loss orders placed by broker",
		}, []string{"broker"}),
		SyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stopsafe_syncs_total",
			Help: "Portfolio sync runs",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stopsafe_ws_clients",
			Help: "Connected dashboard WebSocket clients",
		}),
	}

	prometheus.MustRegister(
		m.BrokerAPICalls,
		m.BrokerAPIFailures,
		m.EnrichDuration,
		m.InstrumentsEnriched,
		m.HistoryFetchFailures,
		m.InsufficientHistory,
		m.PricesRecorded,
		m.OrdersPlaced,
		m.SyncsTotal,
		m.WSClients,
	)

	return m
}

// HealthStatus tracks dependency health for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected bool
	SQLiteOK       bool

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastSyncTime    time.Time
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetLastSyncTime(t time.Time) {
	h.mu.Lock()
	h.LastSyncTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	lastSync := ""
	if !h.LastSyncTime.IsZero() {
		lastSync = h.LastSyncTime.Format(time.RFC3339)
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastSyncTime    string  `json:"last_sync_time"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastSyncTime:    lastSync,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", slog.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.Any("err", err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
