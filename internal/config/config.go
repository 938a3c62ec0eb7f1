// Package config builds the runtime configuration from defaults, an
// optional .env file and LOYALTY_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/loyalty/internal/domain"
)

// Load reads .env (or the file named by LOYALTY_ENV_FILE) when present and
// applies environment overrides on top of the tier defaults.
func Load() (*domain.Config, error) {
	envFile := getEnv("LOYALTY_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if domain.Tier(getEnv("LOYALTY_TIER", string(domain.TierCommunity))) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	// Server
	cfg.Server.Host = getEnv("LOYALTY_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("LOYALTY_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvInt("LOYALTY_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvInt("LOYALTY_WRITE_TIMEOUT", cfg.Server.WriteTimeout)

	// Repository
	cfg.Repository.Driver = getEnv("LOYALTY_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("LOYALTY_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("LOYALTY_DB_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvInt("LOYALTY_DB_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("LOYALTY_DB_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("LOYALTY_DB_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("LOYALTY_DB_NAME", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("LOYALTY_DB_SSLMODE", cfg.Repository.PostgresSSLMode)
	cfg.Repository.MaxOpenConns = getEnvInt("LOYALTY_DB_MAX_OPEN_CONNS", cfg.Repository.MaxOpenConns)
	cfg.Repository.MaxIdleConns = getEnvInt("LOYALTY_DB_MAX_IDLE_CONNS", cfg.Repository.MaxIdleConns)
	cfg.Repository.ConnMaxLifetime = getEnvDuration("LOYALTY_DB_CONN_MAX_LIFETIME", cfg.Repository.ConnMaxLifetime)

	// KV store
	cfg.KV.Type = getEnv("LOYALTY_KV", cfg.KV.Type)
	cfg.KV.MaxCounters = getEnvInt("LOYALTY_KV_MAX_COUNTERS", cfg.KV.MaxCounters)
	cfg.KV.RedisAddr = getEnv("LOYALTY_REDIS_ADDR", cfg.KV.RedisAddr)
	cfg.KV.RedisPassword = getEnv("LOYALTY_REDIS_PASSWORD", cfg.KV.RedisPassword)
	cfg.KV.RedisDB = getEnvInt("LOYALTY_REDIS_DB", cfg.KV.RedisDB)
	cfg.KV.KeyPrefix = getEnv("LOYALTY_KV_PREFIX", cfg.KV.KeyPrefix)

	// Event bus
	cfg.EventBus.Type = getEnv("LOYALTY_BUS", cfg.EventBus.Type)
	cfg.EventBus.ChannelBufferSize = getEnvInt("LOYALTY_BUS_BUFFER", cfg.EventBus.ChannelBufferSize)
	cfg.EventBus.NATSUrl = getEnv("LOYALTY_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("LOYALTY_NATS_TOKEN", cfg.EventBus.NATSToken)
	cfg.EventBus.NATSQueueGroup = getEnv("LOYALTY_NATS_QUEUE_GROUP", cfg.EventBus.NATSQueueGroup)

	// Rule Engine
	cfg.Rules.MaxRewardsPerEvaluation = getEnvInt("LOYALTY_MAX_REWARDS_PER_EVALUATION", cfg.Rules.MaxRewardsPerEvaluation)
	cfg.Rules.MaxWorkers = getEnvInt("LOYALTY_MAX_WORKERS", cfg.Rules.MaxWorkers)

	// Profit Safety Gate
	cfg.Profit.HouseEdge = getEnvFloat("LOYALTY_HOUSE_EDGE", cfg.Profit.HouseEdge)
	cfg.Profit.LookbackDays = getEnvInt("LOYALTY_LOOKBACK_DAYS", cfg.Profit.LookbackDays)
	cfg.Profit.ProjectionDays = getEnvInt("LOYALTY_PROJECTION_DAYS", cfg.Profit.ProjectionDays)
	cfg.Profit.DailyCap = getEnvFloat("LOYALTY_DAILY_CAP", cfg.Profit.DailyCap)
	cfg.Profit.WeeklyCap = getEnvFloat("LOYALTY_WEEKLY_CAP", cfg.Profit.WeeklyCap)
	cfg.Profit.MonthlyCap = getEnvFloat("LOYALTY_MONTHLY_CAP", cfg.Profit.MonthlyCap)

	// Fraud Scorer
	cfg.Fraud.SeverityWeight = getEnvInt("LOYALTY_FRAUD_SEVERITY_WEIGHT", cfg.Fraud.SeverityWeight)
	cfg.Fraud.WithdrawalWindow = getEnvDuration("LOYALTY_FRAUD_WITHDRAWAL_WINDOW", cfg.Fraud.WithdrawalWindow)
	cfg.Fraud.WinRateThreshold = getEnvFloat("LOYALTY_FRAUD_WIN_RATE_THRESHOLD", cfg.Fraud.WinRateThreshold)
	if path := getEnv("LOYALTY_FRAUD_RULES_FILE", ""); path != "" {
		custom, err := loadCustomRules(path)
		if err != nil {
			return nil, err
		}
		cfg.Fraud.CustomRules = custom
	}

	// Ledger
	cfg.Ledger.LockTTL = getEnvDuration("LOYALTY_LEDGER_LOCK_TTL", cfg.Ledger.LockTTL)
	cfg.Ledger.ExpirySweepInterval = getEnvDuration("LOYALTY_EXPIRY_SWEEP_INTERVAL", cfg.Ledger.ExpirySweepInterval)

	// Pipeline
	cfg.Pipeline.ReducedRewardFactor = getEnvFloat("LOYALTY_REDUCED_REWARD_FACTOR", cfg.Pipeline.ReducedRewardFactor)
	cfg.Pipeline.IncreasedWageringFactor = getEnvFloat("LOYALTY_INCREASED_WAGERING_FACTOR", cfg.Pipeline.IncreasedWageringFactor)
	cfg.AsyncWorker = getEnvBool("LOYALTY_ASYNC_WORKER", cfg.AsyncWorker)

	// Observability
	cfg.Logging.Level = getEnv("LOYALTY_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOYALTY_LOG_FORMAT", cfg.Logging.Format)
	cfg.Tracing.Enabled = getEnvBool("LOYALTY_TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = getEnv("LOYALTY_SERVICE_NAME", cfg.Tracing.ServiceName)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the components cannot run with.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Repository.Driver)
	}
	if cfg.Profit.HouseEdge <= 0 || cfg.Profit.HouseEdge >= 1 {
		return fmt.Errorf("house edge must be between 0 and 1, got %v", cfg.Profit.HouseEdge)
	}
	if cfg.Profit.DailyCap < 0 || cfg.Profit.WeeklyCap < 0 || cfg.Profit.MonthlyCap < 0 {
		return fmt.Errorf("reward caps must not be negative")
	}
	if f := cfg.Pipeline.ReducedRewardFactor; f <= 0 || f > 1 {
		return fmt.Errorf("reduced reward factor must be in (0, 1], got %v", f)
	}
	if cfg.Pipeline.IncreasedWageringFactor < 1 {
		return fmt.Errorf("increased wagering factor must be at least 1, got %v", cfg.Pipeline.IncreasedWageringFactor)
	}
	return nil
}

func loadCustomRules(path string) ([]domain.CustomSignalRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fraud rules file: %w", err)
	}
	var custom []domain.CustomSignalRule
	if err := json.Unmarshal(data, &custom); err != nil {
		return nil, fmt.Errorf("failed to parse fraud rules file: %w", err)
	}
	return custom, nil
}

// Helper functions for parsing env vars
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
