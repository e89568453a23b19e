// Package eta estimates how far an assigned provider is from the request
// they are driving to.
package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/carwash-dispatch/internal/models"
)

const (
	SourceRoute        = "route"
	SourceStraightLine = "straight_line"

	defaultSpeedMps = 8.0 // ~28.8 km/h city speed
)

// Router returns the driving time between two points.
type Router interface {
	RouteSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

type Estimate struct {
	DistanceMeters float64 `json:"distance_m"`
	Seconds        float64 `json:"eta_seconds"`
	Source         string  `json:"source"`
}

// Estimator prefers the router and falls back to straight-line distance at a
// fixed speed when there is no router or it fails.
type Estimator struct {
	router   Router
	cache    *Cache
	speedMps float64
}

func NewEstimator(router Router, cacheTTL time.Duration, speedMps float64) *Estimator {
	if speedMps <= 0 {
		speedMps = defaultSpeedMps
	}
	return &Estimator{router: router, cache: NewCache(cacheTTL), speedMps: speedMps}
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) Estimate {
	if v, ok := e.cache.Get(from, to); ok {
		return v
	}
	d := Haversine(from, to)
	est := Estimate{DistanceMeters: d, Seconds: d / e.speedMps, Source: SourceStraightLine}
	if e.router != nil {
		if secs, err := e.router.RouteSeconds(ctx, from, to); err == nil {
			est.Seconds = secs
			est.Source = SourceRoute
		}
	}
	e.cache.Set(from, to, est)
	return est
}

// Cache is a tiny in-memory cache for estimates keyed by coords.
type Cache struct {
	mu        sync.RWMutex
	store     map[string]cacheEntry
	ttl       time.Duration
	lastSweep time.Time
}

type cacheEntry struct {
	v  Estimate
	ts time.Time
}

// NewCache creates a cache with the provided TTL. A zero TTL disables it.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Estimate, bool) {
	if c.ttl <= 0 {
		return Estimate{}, false
	}
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Estimate{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Estimate{}, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v Estimate) {
	if c.ttl <= 0 {
		return
	}
	k := keyFor(a, b)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	// Provider coordinates change on every report, so most keys are never
	// read again. Drop expired entries at most once per TTL.
	if now.Sub(c.lastSweep) > c.ttl {
		for key, e := range c.store {
			if now.Sub(e.ts) > c.ttl {
				delete(c.store, key)
			}
		}
		c.lastSweep = now
	}
	c.store[k] = cacheEntry{v: v, ts: now}
}

// Haversine returns the great-circle distance in meters.
func Haversine(a, b models.Coord) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
