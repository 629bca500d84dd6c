// Package api is the HTTP surface of the dashboard backend: broker
// settings and login, enriched portfolio reads, stop-loss order placement,
// and a WebSocket feed of sync results.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"stopsafe/config"
	"stopsafe/internal/broker"
	"stopsafe/internal/enrich"
	"stopsafe/internal/logger"
	"stopsafe/internal/metrics"
	"stopsafe/internal/model"
	"stopsafe/internal/pricehistory"
)

// Holdings are enriched with the default and long period so the dashboard
// can show both without a second request.
var syncPeriods = []int{10, 20}

// Server wires handlers to broker integrations, storage, and the hub.
type Server struct {
	cfg      *config.Config
	alice    *broker.AliceBlue
	kotak    *broker.KotakNeo
	registry *broker.Registry
	settings model.SettingsStore
	history  *pricehistory.Store
	hub      *Hub
	metrics  *metrics.Metrics
	health   *metrics.HealthStatus
	log      *slog.Logger
	srv      *http.Server
}

// Deps carries Server collaborators.
type Deps struct {
	Config   *config.Config
	Alice    *broker.AliceBlue
	Kotak    *broker.KotakNeo
	Registry *broker.Registry
	Settings model.SettingsStore
	History  *pricehistory.Store
	Hub      *Hub
	Metrics  *metrics.Metrics
	Health   *metrics.HealthStatus
	Logger   *slog.Logger
}

// NewServer creates the API server.
func NewServer(d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      d.Config,
		alice:    d.Alice,
		kotak:    d.Kotak,
		registry: d.Registry,
		settings: d.Settings,
		history:  d.History,
		hub:      d.Hub,
		metrics:  d.Metrics,
		health:   d.Health,
		log:      log,
	}
	s.srv = &http.Server{
		Addr:              d.Config.Server.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the route table.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.wrap(s.handleHealth))
	mux.HandleFunc("/api/brokers", s.wrap(s.handleBrokers))

	mux.HandleFunc("/api/settings/kotak", s.wrap(s.handleKotakSettings))
	mux.HandleFunc("/api/settings/aliceblue", s.wrap(s.handleAliceSettings))

	mux.HandleFunc("/api/brokers/kotak/login", s.wrap(s.handleKotakLogin))
	mux.HandleFunc("/api/brokers/kotak/logout", s.wrap(s.handleKotakLogout))
	mux.HandleFunc("/api/brokers/kotak/holdings", s.wrap(s.handleKotakHoldings))
	mux.HandleFunc("/api/brokers/kotak/quotes", s.wrap(s.handleKotakQuotes))
	mux.HandleFunc("/api/brokers/kotak/scrips", s.wrap(s.handleKotakScrips))
	mux.HandleFunc("/api/brokers/kotak/orders/modify", s.wrap(s.handleKotakModifyOrder))
	mux.HandleFunc("/api/brokers/kotak/orders/cancel", s.wrap(s.handleKotakCancelOrder))

	mux.HandleFunc("/api/brokers/aliceblue/login", s.wrap(s.handleAliceLogin))
	mux.HandleFunc("/api/brokers/aliceblue/logout", s.wrap(s.handleAliceLogout))
	mux.HandleFunc("/api/brokers/aliceblue/holdings", s.wrap(s.handleAliceHoldings))
	mux.HandleFunc("/api/brokers/aliceblue/positions", s.wrap(s.handleAlicePositions))
	mux.HandleFunc("/api/brokers/aliceblue/sync", s.wrap(s.handleAliceSync))
	mux.HandleFunc("/api/brokers/aliceblue/account", s.wrap(s.handleAliceAccount))

	mux.HandleFunc("/api/orders/stoploss", s.wrap(s.handleStopLossOrder))

	mux.HandleFunc("/ws", s.hub.HandleWS)

	return mux
}

// wrap applies CORS, request identity, and request logging.
func (s *Server) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.setCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		user := userID(r)
		reqID := logger.GenerateRequestID(user, time.Now())
		ctx := logger.WithRequestID(r.Context(), reqID)

		start := time.Now()
		next(w, r.WithContext(ctx))
		s.log.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", reqID),
			slog.Duration("took", time.Since(start)))
	}
}

// setCORS allows any origin unless server.cors_origins restricts the set.
func (s *Server) setCORS(w http.ResponseWriter, r *http.Request) {
	allowed := "*"
	if origins := s.cfg.Server.CORSOrigins; len(origins) > 0 {
		allowed = ""
		origin := r.Header.Get("Origin")
		for _, o := range origins {
			if o == origin {
				allowed = origin
				break
			}
		}
	}
	if allowed != "" {
		w.Header().Set("Access-Control-Allow-Origin", allowed)
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
}

// userID resolves the caller identity. The bearer token is an opaque user
// token; single-user deployments omit it and get a fixed identity.
func userID(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if tok := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")); tok != "" {
			return tok
		}
	}
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "default"
}

// enricher builds an enrichment pipeline bound to the given candle source
// with metric hooks attached.
func (s *Server) enricher(candles model.CandleSource) *enrich.Enricher {
	e := enrich.New(s.history, candles, s.log, enrich.Config{
		BufferPct:    s.cfg.Enrich.BufferPct,
		LookbackDays: s.cfg.Enrich.LookbackDays,
		FetchTimeout: time.Duration(s.cfg.Enrich.FetchTimeoutSec) * time.Second,
	})
	if s.metrics != nil {
		e.OnInsufficientHistory = s.metrics.InsufficientHistory.Inc
		e.OnHistoryFetchError = s.metrics.HistoryFetchFailures.Inc
		e.OnPriceRecorded = s.metrics.PricesRecorded.Inc
	}
	return e
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("api server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("api server error", slog.Any("err", err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
