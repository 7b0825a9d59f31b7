package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/GeekRover/Blood-link-sub000/internal/scoring"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers    []string
	KafkaDonorTopic string
	KafkaEventTopic string

	PGDSN string

	EligibilityEndpoint string
	FacilityEndpoint    string
	PushEndpoint        string
	PushKey             string

	DefaultRadiusKm   float64
	ExpandedRadiusKm  float64
	FacilityRadiusKm  float64
	FallbackThreshold time.Duration
	SweepInterval     time.Duration
	MinLockTTL        time.Duration
	MaxLockTTL        time.Duration
	MatcherLimit      int

	Weights scoring.Weights

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisGeoKey:       "donors_geo",
		KafkaDonorTopic:   "donor-locations",
		KafkaEventTopic:   "request-events",
		DefaultRadiusKm:   25,
		ExpandedRadiusKm:  100,
		FacilityRadiusKm:  50,
		FallbackThreshold: 6 * time.Hour,
		SweepInterval:     15 * time.Minute,
		MinLockTTL:        15 * time.Minute,
		MaxLockTTL:        30 * time.Minute,
		MatcherLimit:      10,
		Weights:           scoring.DefaultWeights(),
		LogLevel:          "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaDonorTopic, "KAFKA_DONOR_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.EligibilityEndpoint, "ELIGIBILITY_ENDPOINT")
	setStringFromEnv(&cfg.FacilityEndpoint, "FACILITY_ENDPOINT")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setFloatFromEnv(&cfg.DefaultRadiusKm, "MATCH_DEFAULT_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.ExpandedRadiusKm, "FALLBACK_EXPANDED_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.FacilityRadiusKm, "FALLBACK_FACILITY_RADIUS_KM", &errs)
	setDurationFromEnv(&cfg.FallbackThreshold, "FALLBACK_THRESHOLD", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "FALLBACK_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.MinLockTTL, "LOCK_TTL_MIN", &errs)
	setDurationFromEnv(&cfg.MaxLockTTL, "LOCK_TTL_MAX", &errs)
	setIntFromEnv(&cfg.MatcherLimit, "MATCHER_LIMIT", &errs)

	setFloatFromEnv(&cfg.Weights.DistancePenaltyPerKm, "SCORE_DISTANCE_PENALTY_PER_KM", &errs)
	setFloatFromEnv(&cfg.Weights.PerDonation, "SCORE_PER_DONATION", &errs)
	setFloatFromEnv(&cfg.Weights.ExactTypeBonus, "SCORE_EXACT_TYPE_BONUS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatcherLimit <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_LIMIT must be > 0"))
	}
	if cfg.DefaultRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_DEFAULT_RADIUS_KM must be > 0"))
	}
	if cfg.ExpandedRadiusKm < cfg.DefaultRadiusKm {
		errs = append(errs, fmt.Errorf("FALLBACK_EXPANDED_RADIUS_KM must not be smaller than the default radius"))
	}
	if cfg.MinLockTTL <= 0 || cfg.MaxLockTTL < cfg.MinLockTTL {
		errs = append(errs, fmt.Errorf("lock ttl bounds invalid: min=%s max=%s", cfg.MinLockTTL, cfg.MaxLockTTL))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
