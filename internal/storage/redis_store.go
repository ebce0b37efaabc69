package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/order-tracking/internal/models"
)

// RedisStore keeps snapshots as JSON strings that expire after ttl.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(addr, password string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		ttl:    ttl,
	}
}

func snapshotKey(orderID int64) string {
	return "order:snapshot:" + strconv.FormatInt(orderID, 10)
}

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) Save(ctx context.Context, s models.OrderSnapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot %d: %w", s.OrderID, err)
	}
	return r.client.Set(ctx, snapshotKey(s.OrderID), b, r.ttl).Err()
}

func (r *RedisStore) Load(ctx context.Context, orderID int64) (models.OrderSnapshot, error) {
	var s models.OrderSnapshot
	b, err := r.client.Get(ctx, snapshotKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("decode snapshot %d: %w", orderID, err)
	}
	return s, nil
}

func (r *RedisStore) Delete(ctx context.Context, orderID int64) error {
	return r.client.Del(ctx, snapshotKey(orderID)).Err()
}
