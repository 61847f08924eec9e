// Package dedupe remembers which change notifications were already handled
// so that redelivered events can be answered without touching the database.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces ledger keys in a shared Redis.
const KeyPrefix = "daycare:event:"

// DefaultTTL applies when a ledger is created with a non-positive TTL.
const DefaultTTL = 24 * time.Hour

// store is the part of *redis.Client the ledger uses.
type store interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisLedger records handled deliveries as expiring Redis keys.
type RedisLedger struct {
	client store
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return newRedisLedger(client, ttl)
}

func newRedisLedger(client store, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLedger{client: client, ttl: ttl}
}

func (l *RedisLedger) key(k string) string {
	return KeyPrefix + k
}

func (l *RedisLedger) Seen(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) Mark(ctx context.Context, key string) error {
	if err := l.client.Set(ctx, l.key(key), time.Now().UTC().Format(time.RFC3339), l.ttl).Err(); err != nil {
		return fmt.Errorf("ledger mark: %w", err)
	}
	return nil
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
