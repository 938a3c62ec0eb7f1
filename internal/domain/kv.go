package domain

import (
	"context"
	"time"
)

// KVStore holds short-lived coordination state: windowed counters for
// reward caps and per-player locks for ledger mutations.
type KVStore interface {
	// AddFloat atomically adds delta to a counter and returns the new value.
	// The TTL is set when the counter is created.
	AddFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)

	// GetFloat returns the counter value, 0 if the key does not exist.
	GetFloat(ctx context.Context, key string) (float64, error)

	// Lock blocks until the named lock is held or ctx is done.
	// The returned function releases the lock.
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// KVConfig holds configuration for KV store initialization.
type KVConfig struct {
	// Type is the store type: "memory" or "redis"
	Type string `json:"type"`

	// Memory settings (Community tier)
	MaxCounters int `json:"maxCounters"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redisDb"`

	KeyPrefix string `json:"keyPrefix"`
}
