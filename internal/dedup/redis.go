// Package dedup remembers gateway events that were already applied.
package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"marketplace-ledger/internal/domain"
)

const keyPrefix = "gateway-event:"

// RedisDeduplicator is a fast path only. Correctness under replay comes from
// the ledger's first-terminal-status rule, so cache errors never block an
// event.
type RedisDeduplicator struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ domain.EventDeduplicator = (*RedisDeduplicator)(nil)

func NewRedisDeduplicator(client redis.UniversalClient, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

func (d *RedisDeduplicator) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, keyPrefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduplicator) Remember(ctx context.Context, eventID string) error {
	return d.client.SetNX(ctx, keyPrefix+eventID, time.Now().UTC().Format(time.RFC3339), d.ttl).Err()
}
