// Package domain defines the core interfaces and types for the loyalty engine.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for rule, decision and signal persistence.
// Wallet storage lives behind ledger.Store.
type Repository interface {
	// Reward rules
	SaveRule(ctx context.Context, rule *RewardRule) error
	GetRule(ctx context.Context, ruleID string) (*RewardRule, error)
	ListRules(ctx context.Context) ([]*RewardRule, error)
	ListActiveRules(ctx context.Context) ([]*RewardRule, error)

	// Reward decisions
	SaveDecision(ctx context.Context, decision *RewardDecision) error
	GetDecision(ctx context.Context, decisionID string) (*RewardDecision, error)
	ListDecisions(ctx context.Context, playerID string, limit int) ([]*RewardDecision, error)

	// Abuse signals
	SaveAbuseSignals(ctx context.Context, signals []AbuseSignal) error
	ListAbuseSignals(ctx context.Context, playerID string, unresolvedOnly bool) ([]AbuseSignal, error)
	ResolveAbuseSignal(ctx context.Context, signalID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
}
