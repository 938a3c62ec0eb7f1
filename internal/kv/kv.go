// Package kv provides counter and lock stores for reward caps and ledger
// serialization.
package kv

import (
	"fmt"

	"github.com/opensource-finance/loyalty/internal/domain"
)

// New creates a KV store based on configuration.
// For Community tier: returns the in-process store.
// For Pro tier: returns the Redis store.
func New(cfg domain.KVConfig) (domain.KVStore, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(cfg.MaxCounters), nil

	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix)

	default:
		return nil, fmt.Errorf("unsupported kv type: %s", cfg.Type)
	}
}
