package availability

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carwash-dispatch/internal/models"
)

// RedisLocations implements storage.LocationStore with one hash per
// provider, so a report always replaces the previous one.
type RedisLocations struct {
	client *redis.Client
	prefix string
}

func NewRedisLocations(addr, password, prefix string) *RedisLocations {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisLocationsFromClient(c, prefix)
}

func NewRedisLocationsFromClient(c *redis.Client, prefix string) *RedisLocations {
	if prefix == "" {
		prefix = "provider:loc:"
	}
	return &RedisLocations{client: c, prefix: prefix}
}

func (r *RedisLocations) UpsertLocation(ctx context.Context, loc models.DriverLocation) error {
	err := r.client.HSet(ctx, r.key(loc.ProviderID), map[string]interface{}{
		"lat":     strconv.FormatFloat(loc.Loc.Lat, 'f', -1, 64),
		"lon":     strconv.FormatFloat(loc.Loc.Lon, 'f', -1, 64),
		"updated": loc.UpdatedAt.Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return fmt.Errorf("store location: %w", err)
	}
	return nil
}

func (r *RedisLocations) GetLocation(ctx context.Context, providerID string) (*models.DriverLocation, error) {
	m, err := r.client.HGetAll(ctx, r.key(providerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load location: %w", err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("location of %s: %w", providerID, models.ErrNotFound)
	}
	loc := models.DriverLocation{ProviderID: providerID}
	if loc.Loc.Lat, err = strconv.ParseFloat(m["lat"], 64); err != nil {
		return nil, fmt.Errorf("parse lat: %w", err)
	}
	if loc.Loc.Lon, err = strconv.ParseFloat(m["lon"], 64); err != nil {
		return nil, fmt.Errorf("parse lon: %w", err)
	}
	if loc.UpdatedAt, err = time.Parse(time.RFC3339Nano, m["updated"]); err != nil {
		return nil, fmt.Errorf("parse updated: %w", err)
	}
	return &loc, nil
}

func (r *RedisLocations) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisLocations) Close() error { return r.client.Close() }

func (r *RedisLocations) key(id string) string { return r.prefix + id }
