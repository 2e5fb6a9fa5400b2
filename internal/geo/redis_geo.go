package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// CellPrecision is the geohash length used for cell ids (~1.2km x 0.6km).
const CellPrecision = 6

// RedisWriter is the subset of redis commands the mirror needs.
type RedisWriter interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	ZRem(ctx context.Context, key string, members ...interface{}) error
	Del(ctx context.Context, keys ...string) error
}

type redisAdapter struct{ c *redis.Client }

// NewRedisAdapter wraps a go-redis client as a RedisWriter.
func NewRedisAdapter(c *redis.Client) RedisWriter { return &redisAdapter{c: c} }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) ZRem(ctx context.Context, key string, members ...interface{}) error {
	return r.c.ZRem(ctx, key, members...).Err()
}

func (r *redisAdapter) Del(ctx context.Context, keys ...string) error {
	return r.c.Del(ctx, keys...).Err()
}

// RedisMirror copies agent positions into a Redis GEO set plus a metadata
// hash so read-only consumers (maps, ops dashboards) can query them without
// touching the dispatch process. It is never consulted for matching.
type RedisMirror struct {
	w   RedisWriter
	key string
}

func NewRedisMirror(w RedisWriter, key string) *RedisMirror {
	if key == "" {
		key = "agents_geo"
	}
	return &RedisMirror{w: w, key: key}
}

func (r *RedisMirror) Upsert(ctx context.Context, a models.Agent) error {
	if err := r.w.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: a.Loc.Lon, Latitude: a.Loc.Lat, Name: a.ID}); err != nil {
		return fmt.Errorf("geoadd %s: %w", a.ID, err)
	}
	meta := map[string]interface{}{
		"rating":  strconv.FormatFloat(a.Rating, 'f', 2, 64),
		"class":   string(a.Class),
		"heading": strconv.FormatFloat(a.Heading, 'f', 1, 64),
		"cell":    Cell(a.Loc, CellPrecision),
		"updated": a.Updated.UTC().Format(time.RFC3339Nano),
	}
	if a.Status != "" {
		meta["status"] = string(a.Status)
	}
	if err := r.w.HSet(ctx, metaKey(a.ID), meta); err != nil {
		return fmt.Errorf("hset %s: %w", a.ID, err)
	}
	return nil
}

func (r *RedisMirror) Remove(ctx context.Context, id string) error {
	if err := r.w.ZRem(ctx, r.key, id); err != nil {
		return fmt.Errorf("zrem %s: %w", id, err)
	}
	return r.w.Del(ctx, metaKey(id))
}

func metaKey(id string) string { return "agent:meta:" + id }
