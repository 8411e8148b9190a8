package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend exports round snapshots as JSON strings under
// "fl:round:<id>", with a generous TTL so the dashboard backing this
// key can treat it as a rolling window rather than accumulating
// forever.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBackend dials addr (e.g. "localhost:6379") against database
// db. The connection is lazy: go-redis only opens it on first use.
func NewRedisBackend(addr string, db int) (*RedisBackend, error) {
	if addr == "" {
		return nil, fmt.Errorf("metrics: redis backend requires an address")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &RedisBackend{client: client, ttl: 7 * 24 * time.Hour}, nil
}

// Export writes snapshot to Redis, keyed by round id.
func (b *RedisBackend) Export(snapshot RoundSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("metrics: marshal snapshot for redis: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := fmt.Sprintf("fl:round:%d", snapshot.RoundID)
	if err := b.client.Set(ctx, key, data, b.ttl).Err(); err != nil {
		return fmt.Errorf("metrics: redis SET %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
