package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carwash-dispatch/internal/availability"
	"github.com/example/carwash-dispatch/internal/models"
)

// flakyLocations fails UpsertLocation a fixed number of times.
type flakyLocations struct {
	fail    int
	calls   int
	written []models.DriverLocation
}

func (f *flakyLocations) UpsertLocation(ctx context.Context, loc models.DriverLocation) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("upsert fail")
	}
	f.written = append(f.written, loc)
	return nil
}

func (f *flakyLocations) GetLocation(ctx context.Context, providerID string) (*models.DriverLocation, error) {
	for i := len(f.written) - 1; i >= 0; i-- {
		if f.written[i].ProviderID == providerID {
			loc := f.written[i]
			return &loc, nil
		}
	}
	return nil, models.ErrNotFound
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &flakyLocations{fail: 2}
	loc := models.DriverLocation{ProviderID: "p1", Loc: models.Coord{Lat: 1, Lon: 2}}
	start := time.Now()
	require.NoError(t, applyWithRetry(context.Background(), f, loc, 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &flakyLocations{fail: 5}
	err := applyWithRetry(context.Background(), f, models.DriverLocation{ProviderID: "p1"}, 3, time.Millisecond)
	assert.ErrorContains(t, err, "after 3 attempts")
	assert.Equal(t, 3, f.calls)
}

func TestApplyWithRetry_StopsOnCancel(t *testing.T) {
	f := &flakyLocations{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := applyWithRetry(ctx, f, models.DriverLocation{ProviderID: "p1"}, 3, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.calls)
}

func encode(t *testing.T, loc models.DriverLocation) []byte {
	t.Helper()
	b, err := json.Marshal(loc)
	require.NoError(t, err)
	return b
}

func TestHandleMessage_SkipsStaleReports(t *testing.T) {
	f := &flakyLocations{}
	ctx := context.Background()
	newer := time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC)
	older := newer.Add(-time.Minute)

	require.NoError(t, handleMessage(ctx, f, encode(t, models.DriverLocation{ProviderID: "p1", Loc: models.Coord{Lat: 2, Lon: 2}, UpdatedAt: newer}), 1, 0))
	require.NoError(t, handleMessage(ctx, f, encode(t, models.DriverLocation{ProviderID: "p1", Loc: models.Coord{Lat: 1, Lon: 1}, UpdatedAt: older}), 1, 0))

	require.Len(t, f.written, 1)
	assert.Equal(t, models.Coord{Lat: 2, Lon: 2}, f.written[0].Loc)
}

func TestHandleMessage_RejectsInvalid(t *testing.T) {
	f := &flakyLocations{}
	err := handleMessage(context.Background(), f, []byte(`{"provider_id":"p1","loc":{"lat":120,"lon":0}}`), 1, 0)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
	assert.Zero(t, f.calls)
}

func TestHandleMessage_WritesToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locations := availability.NewRedisLocationsFromClient(client, "provider:loc:")

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, handleMessage(context.Background(), locations, encode(t, models.DriverLocation{ProviderID: "p1", Loc: models.Coord{Lat: 35.7, Lon: 51.4}, UpdatedAt: at}), 3, time.Millisecond))

	assert.Equal(t, "35.7", mr.HGet("provider:loc:p1", "lat"))
	got, err := locations.GetLocation(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, at.Equal(got.UpdatedAt))
}
