package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource string
	Port     string
	Env      string
	LogLevel string

	LedgerURL     string
	LedgerTimeout time.Duration
	// LedgerKeyring is "ACCOUNT=SECRET,..." and is parsed by the ledger package.
	LedgerKeyring string

	// RedisAddr enables cross-instance claims and the reconciliation lock.
	RedisAddr string

	SchedulerInterval         time.Duration
	SchedulerPauseOnPermanent bool

	ReconcileInterval time.Duration
	ReconcileLimit    int
	ReconcileAccounts []string

	IdempotencyRetention  time.Duration
	IdempotencyLease      time.Duration
	IdempotencyRequireKey bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}
	ledgerURL := os.Getenv("LEDGER_URL")
	if ledgerURL == "" {
		return nil, fmt.Errorf("LEDGER_URL environment variable is required")
	}

	cfg := &Config{
		DBSource:      dbSource,
		Port:          getenv("SERVER_PORT", "8080"),
		Env:           getenv("ENVIRONMENT", "development"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		LedgerURL:     ledgerURL,
		LedgerKeyring: os.Getenv("LEDGER_KEYRING"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
	}

	var err error
	if cfg.LedgerTimeout, err = duration("LEDGER_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SchedulerInterval, err = duration("SCHEDULER_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = duration("RECONCILE_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.IdempotencyRetention, err = duration("IDEMPOTENCY_RETENTION", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.IdempotencyLease, err = duration("IDEMPOTENCY_LEASE", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SchedulerPauseOnPermanent, err = boolean("SCHEDULER_PAUSE_ON_PERMANENT", false); err != nil {
		return nil, err
	}
	if cfg.IdempotencyRequireKey, err = boolean("IDEMPOTENCY_REQUIRE_KEY", true); err != nil {
		return nil, err
	}

	if cfg.ReconcileLimit, err = integer("RECONCILE_LIMIT", 50); err != nil {
		return nil, err
	}
	if cfg.ReconcileLimit <= 0 {
		return nil, fmt.Errorf("RECONCILE_LIMIT must be positive")
	}

	for _, a := range strings.Split(os.Getenv("RECONCILE_ACCOUNTS"), ",") {
		if a = strings.TrimSpace(a); a != "" {
			cfg.ReconcileAccounts = append(cfg.ReconcileAccounts, a)
		}
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func boolean(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func integer(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
