package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// lockRetryInterval is how often a blocked Lock retries SETNX.
const lockRetryInterval = 20 * time.Millisecond

var addFloatScript = redis.NewScript(`
	local current = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
	if redis.call('PTTL', KEYS[1]) < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// Only the owner may release a lock.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisStore implements KVStore using Redis.
// Used as the Pro tier store so caps and locks hold across nodes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	if prefix == "" {
		prefix = "loyalty"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// AddFloat atomically increments a float counter using INCRBYFLOAT with PEXPIRE.
func (s *RedisStore) AddFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	result, err := addFloatScript.Run(ctx, s.client, []string{s.makeKey("counter:" + key)}, delta, ttl.Milliseconds()).Float64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return result, nil
}

// GetFloat returns the counter value, 0 if the key does not exist.
func (s *RedisStore) GetFloat(ctx context.Context, key string) (float64, error) {
	val, err := s.client.Get(ctx, s.makeKey("counter:"+key)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return val, nil
}

// Lock acquires a distributed lock with SETNX, retrying until ctx is done.
// The ttl bounds how long a crashed holder can block others.
func (s *RedisStore) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	fullKey := s.makeKey("lock:" + key)
	token := uuid.New().String()

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := s.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// Release on a fresh context so a cancelled caller still frees the lock.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, s.client, []string{fullKey}, token).Err()
	}, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) makeKey(key string) string {
	return s.prefix + ":" + key
}
