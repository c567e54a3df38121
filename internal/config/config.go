// Package config loads Kestrel configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/model"
)

// EnvFile names an alternative .env file.
const EnvFile = "KESTREL_ENV_FILE"

// Load reads configuration from environment variables on top of
// domain.DefaultConfig. It loads .env if present (for local development).
func Load() (*domain.Config, error) {
	if path := os.Getenv(EnvFile); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	} else {
		// Ignore error if not present
		_ = godotenv.Load()
	}

	cfg := domain.DefaultConfig()
	p := &parser{}

	// Server
	cfg.Server.Host = getEnv("KESTREL_HOST", cfg.Server.Host)
	cfg.Server.Port = p.intVar("KESTREL_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = p.intVar("KESTREL_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = p.intVar("KESTREL_WRITE_TIMEOUT", cfg.Server.WriteTimeout)

	// Model
	if paths := os.Getenv("KESTREL_MODEL_SEARCH_PATHS"); paths != "" {
		cfg.Model.SearchPaths = splitList(paths)
	}
	cfg.Model.Required = p.boolVar("KESTREL_MODEL_REQUIRED", cfg.Model.Required)
	if weights := os.Getenv("KESTREL_ENSEMBLE_WEIGHTS"); weights != "" {
		cfg.Model.Weights = p.floatList("KESTREL_ENSEMBLE_WEIGHTS", weights)
	}
	if v := os.Getenv("KESTREL_REVIEW_THRESHOLD"); v != "" {
		t := p.floatVal("KESTREL_REVIEW_THRESHOLD", v)
		cfg.Model.ReviewThreshold = &t
	}

	// Engine
	cfg.Engine.Ranking = getEnv("KESTREL_RANKING", cfg.Engine.Ranking)
	cfg.Engine.ExplainTarget = getEnv("KESTREL_EXPLAIN_TARGET", cfg.Engine.ExplainTarget)
	cfg.Engine.AttributionWorkers = p.intVar("KESTREL_ATTRIBUTION_WORKERS", cfg.Engine.AttributionWorkers)
	cfg.Engine.ExplanationTTL = p.durationVar("KESTREL_EXPLANATION_TTL", cfg.Engine.ExplanationTTL)

	// Repository
	cfg.Repository.Driver = getEnv("KESTREL_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("KESTREL_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("KESTREL_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = p.intVar("KESTREL_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("KESTREL_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("KESTREL_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("KESTREL_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("KESTREL_POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)
	cfg.Repository.MaxOpenConns = p.intVar("KESTREL_DB_MAX_OPEN_CONNS", cfg.Repository.MaxOpenConns)
	cfg.Repository.MaxIdleConns = p.intVar("KESTREL_DB_MAX_IDLE_CONNS", cfg.Repository.MaxIdleConns)

	// Cache
	cfg.Cache.Type = getEnv("KESTREL_CACHE", cfg.Cache.Type)
	cfg.Cache.LocalMaxSize = p.intVar("KESTREL_CACHE_SIZE", cfg.Cache.LocalMaxSize)
	cfg.Cache.RedisAddr = getEnv("KESTREL_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("KESTREL_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = p.intVar("KESTREL_REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.EnableTwoPhase = p.boolVar("KESTREL_CACHE_TWO_PHASE", cfg.Cache.EnableTwoPhase)

	// Event bus
	cfg.EventBus.Type = getEnv("KESTREL_BUS", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("KESTREL_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("KESTREL_NATS_TOKEN", cfg.EventBus.NATSToken)

	// Notifier
	cfg.Notifier.Type = getEnv("KESTREL_NOTIFIER", cfg.Notifier.Type)
	cfg.Notifier.TelegramToken = getEnv("KESTREL_TELEGRAM_TOKEN", cfg.Notifier.TelegramToken)
	cfg.Notifier.TelegramChatID = p.int64Var("KESTREL_TELEGRAM_CHAT_ID", cfg.Notifier.TelegramChatID)

	cfg.AsyncWorker = p.boolVar("KESTREL_ASYNC_WORKER", cfg.AsyncWorker)

	// Observability
	cfg.Logging.Level = getEnv("KESTREL_LOG_LEVEL", cfg.Logging.Level)
	if p.boolVar("KESTREL_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Format = getEnv("KESTREL_LOG_FORMAT", cfg.Logging.Format)
	cfg.Tracing.Enabled = p.boolVar("KESTREL_TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = getEnv("KESTREL_SERVICE_NAME", cfg.Tracing.ServiceName)

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that cfg describes a runnable service.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("KESTREL_PORT must be between 1 and 65535, got %d", cfg.Server.Port))
	}

	if len(cfg.Model.Weights) > 0 {
		if err := decision.Weights(cfg.Model.Weights).Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Model.ReviewThreshold != nil {
		if err := decision.ValidateThreshold(*cfg.Model.ReviewThreshold); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := explain.ParseStrategy(cfg.Engine.Ranking); err != nil {
		errs = append(errs, err)
	}
	switch cfg.Engine.ExplainTarget {
	case "", model.TargetBoosted, model.TargetEnsemble:
	default:
		errs = append(errs, fmt.Errorf("KESTREL_EXPLAIN_TARGET must be %q or %q, got %q",
			model.TargetBoosted, model.TargetEnsemble, cfg.Engine.ExplainTarget))
	}
	if cfg.Engine.AttributionWorkers < 0 {
		errs = append(errs, fmt.Errorf("KESTREL_ATTRIBUTION_WORKERS must not be negative"))
	}

	if !oneOf(cfg.Repository.Driver, "sqlite", "postgres") {
		errs = append(errs, fmt.Errorf("unsupported database driver: %s", cfg.Repository.Driver))
	}
	if !oneOf(cfg.Cache.Type, "memory", "redis", "none", "") {
		errs = append(errs, fmt.Errorf("unsupported cache type: %s", cfg.Cache.Type))
	}
	if !oneOf(cfg.EventBus.Type, "channel", "nats") {
		errs = append(errs, fmt.Errorf("unsupported event bus type: %s", cfg.EventBus.Type))
	}

	switch cfg.Notifier.Type {
	case "log", "":
	case "telegram":
		if cfg.Notifier.TelegramToken == "" || cfg.Notifier.TelegramChatID == 0 {
			errs = append(errs, fmt.Errorf("telegram notifier requires KESTREL_TELEGRAM_TOKEN and KESTREL_TELEGRAM_CHAT_ID"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported notifier type: %s", cfg.Notifier.Type))
	}

	if !oneOf(cfg.Logging.Level, "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Errorf("unsupported log level: %s", cfg.Logging.Level))
	}
	if !oneOf(cfg.Logging.Format, "json", "text") {
		errs = append(errs, fmt.Errorf("unsupported log format: %s", cfg.Logging.Format))
	}

	return errors.Join(errs...)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	errs []error
}

func (p *parser) fail(key, value string, err error) {
	p.errs = append(p.errs, fmt.Errorf("invalid %s=%q: %w", key, value, err))
}

func (p *parser) intVar(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return i
}

func (p *parser) int64Var(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return i
}

func (p *parser) boolVar(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return b
}

func (p *parser) durationVar(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return d
}

func (p *parser) floatVal(key, value string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		p.fail(key, value, err)
	}
	return f
}

func (p *parser) floatList(key, value string) []float64 {
	parts := splitList(value)
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		out = append(out, p.floatVal(key, part))
	}
	return out
}
