package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/GeekRover/Blood-link-sub000/internal/config"
	"github.com/GeekRover/Blood-link-sub000/internal/eligibility"
	"github.com/GeekRover/Blood-link-sub000/internal/facility"
	"github.com/GeekRover/Blood-link-sub000/internal/fallback"
	"github.com/GeekRover/Blood-link-sub000/internal/geo"
	httpapi "github.com/GeekRover/Blood-link-sub000/internal/http"
	"github.com/GeekRover/Blood-link-sub000/internal/ingest"
	"github.com/GeekRover/Blood-link-sub000/internal/logging"
	"github.com/GeekRover/Blood-link-sub000/internal/matching"
	"github.com/GeekRover/Blood-link-sub000/internal/notify"
	"github.com/GeekRover/Blood-link-sub000/internal/scoring"
	"github.com/GeekRover/Blood-link-sub000/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.RunMigrations && cfg.PGDSN != "" {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var store storage.RequestStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	} else {
		logger.Warn("PG_DSN unset, using in-memory request store")
		store = storage.NewMemoryStore()
	}

	var donors geo.DonorStore
	if cfg.RedisAddr != "" {
		donors = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		logger.Warn("REDIS_ADDR unset, using in-memory donor index")
		donors = geo.NewIndex()
	}

	var elig matching.EligibilityChecker
	if cfg.EligibilityEndpoint != "" {
		elig = eligibility.NewHTTPChecker(cfg.EligibilityEndpoint)
	}
	var facilities facility.Directory
	if cfg.FacilityEndpoint != "" {
		facilities = facility.NewHTTPDirectory(cfg.FacilityEndpoint, 5*time.Minute)
	}

	wsreg := notify.NewWSRegistry()
	notifier := notify.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey, wsreg)

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaDonorTopic, cfg.KafkaEventTopic)
		defer producer.Close()
	}

	engine := matching.NewEngine(donors, elig, scoring.NewScorer(cfg.Weights), cfg.MatcherLimit, logger)
	orch := fallback.NewOrchestrator(store, donors, engine, notifier, facilities, store, fallback.Config{
		Threshold:        cfg.FallbackThreshold,
		ExpandedRadiusKm: cfg.ExpandedRadiusKm,
		FacilityRadiusKm: cfg.FacilityRadiusKm,
	}, logger)

	srv := httpapi.NewServer(cfg, store, donors, engine, orch, notifier, producer, wsreg, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_requests.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
