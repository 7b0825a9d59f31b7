package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/GeekRover/Blood-link-sub000/internal/config"
	"github.com/GeekRover/Blood-link-sub000/internal/eligibility"
	"github.com/GeekRover/Blood-link-sub000/internal/facility"
	"github.com/GeekRover/Blood-link-sub000/internal/fallback"
	"github.com/GeekRover/Blood-link-sub000/internal/geo"
	"github.com/GeekRover/Blood-link-sub000/internal/logging"
	"github.com/GeekRover/Blood-link-sub000/internal/matching"
	"github.com/GeekRover/Blood-link-sub000/internal/notify"
	"github.com/GeekRover/Blood-link-sub000/internal/scoring"
	"github.com/GeekRover/Blood-link-sub000/internal/storage"
)

// The sweeper runs the fallback escalation loop on a fixed interval. It is
// a separate binary so the API server never competes with a long sweep.
func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN == "" {
		logger.Error("PG_DSN is required for the sweeper")
		os.Exit(1)
	}
	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

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
	notifier := notify.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey, notify.NewWSRegistry())

	engine := matching.NewEngine(donors, elig, scoring.NewScorer(cfg.Weights), cfg.MatcherLimit, logger)
	orch := fallback.NewOrchestrator(store, donors, engine, notifier, facilities, store, fallback.Config{
		Threshold:        cfg.FallbackThreshold,
		ExpandedRadiusKm: cfg.ExpandedRadiusKm,
		FacilityRadiusKm: cfg.FacilityRadiusKm,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sweeper started", "interval", cfg.SweepInterval, "threshold", cfg.FallbackThreshold)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	runOnce(ctx, orch, cfg.FallbackThreshold, logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper shutting down")
			return
		case <-ticker.C:
			runOnce(ctx, orch, cfg.FallbackThreshold, logger)
		}
	}
}

func runOnce(ctx context.Context, orch *fallback.Orchestrator, threshold time.Duration, logger *slog.Logger) {
	rep, err := orch.RunSweep(ctx, threshold)
	if err != nil {
		logger.Error("sweep failed", "error", err)
		return
	}
	logger.Info("sweep finished",
		"scanned", rep.Scanned,
		"escalated", rep.Escalated,
		"expired", rep.Expired,
		"failures", len(rep.Failures))
}
