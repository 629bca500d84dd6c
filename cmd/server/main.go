package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"stopsafe/config"
	"stopsafe/internal/api"
	"stopsafe/internal/broker"
	"stopsafe/internal/enrich"
	"stopsafe/internal/logger"
	"stopsafe/internal/markethours"
	"stopsafe/internal/metrics"
	"stopsafe/internal/model"
	"stopsafe/internal/pricehistory"
	"stopsafe/internal/store/memory"
	redisstore "stopsafe/internal/store/redis"
	"stopsafe/internal/store/sqlite"
	"stopsafe/pkg/aliceblue"
	"stopsafe/pkg/kotakneo"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.Init("stopsafe", logger.ParseLevel(cfg.Log.Level))
	log.Info("starting", slog.String("addr", cfg.Server.Addr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Settings live in SQLite; sessions in Redis when configured, memory
	// otherwise.
	settings, err := sqlite.New(sqlite.Config{DBPath: cfg.Database.SQLitePath})
	if err != nil {
		log.Error("sqlite open failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer settings.Close()

	var sessions model.SessionStore
	var redisSessions *redisstore.Store
	if cfg.Redis.Addr != "" {
		redisSessions, err = redisstore.New(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Warn("redis unavailable, using in-memory sessions", slog.Any("err", err))
		}
	}
	if redisSessions != nil {
		sessions = redisSessions
	} else {
		sessions = memory.New()
	}
	defer sessions.Close()

	m := metrics.New()
	health := metrics.NewHealthStatus()
	health.CheckSQLite(ctx, settings.DB())
	if redisSessions != nil {
		health.CheckRedis(ctx, redisSessions.Client())
		health.StartLivenessChecker(ctx, redisSessions.Client(), settings.DB(), 30*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, settings.DB(), 30*time.Second)
	}

	metricsSrv := metrics.NewServer(cfg.Server.MetricsAddr, health)
	metricsSrv.Start()

	// Broker integrations
	alice := broker.NewAliceBlue(aliceblue.New(aliceblue.Config{
		BaseURL:      cfg.Brokers.AliceBlue.BaseURL,
		AuthBaseURL:  cfg.Brokers.AliceBlue.AuthBaseURL,
		ChecksumMode: aliceblue.ChecksumMode(cfg.Brokers.AliceBlue.ChecksumMode),
		Logger:       log,
	}), settings, sessions, log)

	kotak := broker.NewKotakNeo(kotakneo.New(kotakneo.Config{
		LoginBaseURL: cfg.Brokers.KotakNeo.LoginBaseURL,
		Logger:       log,
	}), settings, sessions, log)

	history := pricehistory.New()
	hub := api.NewHub(m, log)

	srv := api.NewServer(api.Deps{
		Config:   cfg,
		Alice:    alice,
		Kotak:    kotak,
		Registry: broker.NewRegistry(alice, kotak),
		Settings: settings,
		History:  history,
		Hub:      hub,
		Metrics:  m,
		Health:   health,
		Logger:   log,
	})
	srv.Start()

	// Optional scheduled snapshot refresh: keeps the rolling price buffer
	// accumulating for snapshot-path brokers without a dashboard open.
	var scheduler *cron.Cron
	if cfg.Sync.Cron != "" {
		scheduler = cron.New(cron.WithSeconds())
		_, err := scheduler.AddFunc(cfg.Sync.Cron, func() {
			refreshSnapshots(ctx, kotak, history, m, cfg, hub, log)
		})
		if err != nil {
			log.Error("invalid sync cron spec", slog.String("spec", cfg.Sync.Cron), slog.Any("err", err))
			os.Exit(1)
		}
		scheduler.Start()
		log.Info("scheduled sync enabled", slog.String("spec", cfg.Sync.Cron))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Stop(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
}

// refreshSnapshots records current LTPs into the price buffer for the
// default user's Kotak session, skipping runs outside market hours.
func refreshSnapshots(ctx context.Context, kotak *broker.KotakNeo, history *pricehistory.Store, m *metrics.Metrics, cfg *config.Config, hub *api.Hub, log *slog.Logger) {
	jobCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if !markethours.IsMarketOpen(time.Now()) {
		return
	}

	const user = "default"
	if !kotak.LoggedIn(jobCtx, user) {
		return
	}

	m.BrokerAPICalls.WithLabelValues(broker.KotakNeoName, "holdings").Inc()
	holdings, err := kotak.Holdings(jobCtx, user)
	if err != nil {
		m.BrokerAPIFailures.WithLabelValues(broker.KotakNeoName, "holdings").Inc()
		log.Warn("scheduled sync failed", slog.Any("err", err))
		return
	}

	e := enrich.New(history, nil, log, enrich.Config{BufferPct: cfg.Enrich.BufferPct})
	e.OnPriceRecorded = m.PricesRecorded.Inc
	e.OnInsufficientHistory = m.InsufficientHistory.Inc
	enriched := e.EnrichSnapshots(holdings, []int{10, 20})

	m.SyncsTotal.Inc()
	m.InstrumentsEnriched.Add(float64(len(enriched)))
	hub.Broadcast("kotak_holdings", map[string]any{
		"holdings":  enriched,
		"periods":   []int{10, 20},
		"bufferPct": cfg.Enrich.BufferPct,
	})
	log.Info("scheduled sync complete", slog.Int("holdings", len(holdings)))
}
