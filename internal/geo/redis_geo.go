package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/order-tracking/internal/models"
)

// RedisGeo stores driver positions with GEOADD plus a metadata hash.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID int64, s models.Sample) error {
	name := strconv.FormatInt(driverID, 10)
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: s.Longitude, Latitude: s.Latitude, Name: name}).Err(); err != nil {
		return fmt.Errorf("geoadd driver %d: %w", driverID, err)
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"accuracy": fmt.Sprintf("%f", s.Accuracy),
		"speed":    fmt.Sprintf("%f", s.Speed),
		"heading":  fmt.Sprintf("%f", s.Heading),
		"updated":  s.Timestamp.UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisGeo) Position(ctx context.Context, driverID int64) (models.Sample, bool, error) {
	pos, err := r.client.GeoPos(ctx, r.key, strconv.FormatInt(driverID, 10)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Sample{}, false, nil
		}
		return models.Sample{}, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Sample{}, false, nil
	}
	s := models.Sample{Location: models.Location{Latitude: pos[0].Latitude, Longitude: pos[0].Longitude}}
	if m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result(); err == nil {
		s.Accuracy = parseFloat(m["accuracy"])
		s.Speed = parseFloat(m["speed"])
		s.Heading = parseFloat(m["heading"])
		if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
			s.Timestamp = t
		}
	}
	return s, true, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}

func metaKey(id int64) string { return "driver:meta:" + strconv.FormatInt(id, 10) }
