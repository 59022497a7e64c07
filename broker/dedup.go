package broker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Deduplicator reserves a deduplicationId for the duration of a
// delivery window. EXACTLY_ONCE delivery is best-effort without a
// deduplication store wired; a deployment that configures redis gets
// the real semantics the mode name promises (see NoopDeduplicator for
// the fallback).
type Deduplicator interface {
	// Reserve reports whether id was newly reserved (true = proceed
	// with delivery) or already seen within ttl (false = treat as a
	// duplicate and skip delivery).
	Reserve(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// RedisDeduplicator implements Reserve as a SETNX-with-expiry.
type RedisDeduplicator struct {
	client *redis.Client
	prefix string
}

func NewRedisDeduplicator(client *redis.Client, prefix string) *RedisDeduplicator {
	if prefix == "" {
		prefix = "broker:dedup:"
	}
	return &RedisDeduplicator{client: client, prefix: prefix}
}

func (r *RedisDeduplicator) Reserve(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	ok, err := r.client.SetNX(ctx, r.prefix+id, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// NoopDeduplicator always reserves, the best-effort EXACTLY_ONCE
// behavior used when no dedup store is configured.
type NoopDeduplicator struct{}

func (NoopDeduplicator) Reserve(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}
