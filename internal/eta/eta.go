package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// DefaultSpeedMps is roughly 29 km/h, a city driving average.
const DefaultSpeedMps = 8.0

// Router returns the driving time between two points.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (time.Duration, error)
}

// Cache is a small in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

// Keys are rounded to four decimals, about 11 m at the equator, so nearby
// lookups share an entry.
func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

// Get returns the cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Estimator answers ETA questions for the dispatcher. It asks the router
// when one is configured and falls back to straight-line distance over a
// fixed speed.
type Estimator struct {
	router   Router
	cache    *Cache
	speedMps float64
	log      *slog.Logger
}

func NewEstimator(router Router, cache *Cache, speedMps float64, logger *slog.Logger) *Estimator {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{router: router, cache: cache, speedMps: speedMps, log: logger}
}

// Seconds returns the estimated driving time from one point to another.
func (e *Estimator) Seconds(ctx context.Context, from, to models.Coord) float64 {
	if e.cache != nil {
		if v, ok := e.cache.Get(from, to); ok {
			return v
		}
	}
	v := -1.0
	if e.router != nil {
		d, err := e.router.Route(ctx, from, to)
		if err != nil {
			e.log.Warn("route lookup failed, using straight line", "error", err)
		} else {
			v = d.Seconds()
		}
	}
	if v < 0 {
		v = EstimateSeconds(from, to, e.speedMps)
	}
	if e.cache != nil {
		e.cache.Set(from, to, v)
	}
	return v
}

// EstimateSeconds is the straight-line estimate: distance over speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}
