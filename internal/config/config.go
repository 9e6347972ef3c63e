package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the service reads from the environment.
type Config struct {
	HTTPAddr  string
	JWTSecret string

	// DatabaseURL empty means the in-memory store (dev/test mode).
	DatabaseURL  string
	RedisAddr    string
	KafkaBrokers []string

	SweepInterval      time.Duration
	EscalationInterval time.Duration
	RideTTL            time.Duration
	PresenceStaleAfter time.Duration
	CounterOfferCap    int
}

// Load reads configuration from the environment, collecting every problem
// before failing so a bad deploy reports all missing values at once.
func Load() (Config, error) {
	var errs []error

	cfg := Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	cfg.SweepInterval = getduration("SWEEP_INTERVAL", 30*time.Second, &errs)
	cfg.EscalationInterval = getduration("ESCALATION_INTERVAL", 5*time.Minute, &errs)
	cfg.RideTTL = getduration("RIDE_TTL", 30*time.Minute, &errs)
	cfg.PresenceStaleAfter = getduration("PRESENCE_STALE_AFTER", 2*time.Minute, &errs)
	cfg.CounterOfferCap = getint("COUNTER_OFFER_CAP", 6, &errs)

	return cfg, errors.Join(errs...)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func getint(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}
