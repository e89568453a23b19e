package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carwash-dispatch/internal/models"
	"github.com/example/carwash-dispatch/internal/storage"
)

func newTracker(t *testing.T) (*Tracker, *storage.MemoryStore) {
	t.Helper()
	m := storage.NewMemoryStore()
	require.NoError(t, m.CreateUser(context.Background(), &models.User{ID: "p1", Phone: "0935", Role: models.RoleProvider, Status: models.ProviderOffline}))
	return NewTracker(m, m), m
}

func TestReportLocation_OverwritesPrevious(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	first := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return first }
	require.NoError(t, tr.ReportLocation(ctx, "p1", models.Coord{Lat: 35.70, Lon: 51.40}))
	tr.now = func() time.Time { return first.Add(time.Minute) }
	require.NoError(t, tr.ReportLocation(ctx, "p1", models.Coord{Lat: 35.71, Lon: 51.41}))

	loc, err := tr.GetLocation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.Coord{Lat: 35.71, Lon: 51.41}, loc.Loc)
	assert.Equal(t, first.Add(time.Minute), loc.UpdatedAt)
}

func TestReportLocation_RejectsBadCoordinates(t *testing.T) {
	tr, _ := newTracker(t)
	err := tr.ReportLocation(context.Background(), "p1", models.Coord{Lat: 91, Lon: 0})
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
	_, err = tr.GetLocation(context.Background(), "p1")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestSetStatus(t *testing.T) {
	tr, m := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.SetStatus(ctx, "p1", models.ProviderOnline))
	u, _ := m.GetUser(ctx, "p1")
	assert.Equal(t, models.ProviderOnline, u.Status)

	assert.True(t, errors.Is(tr.SetStatus(ctx, "p1", "sleeping"), models.ErrInvalidInput))
	assert.True(t, errors.Is(tr.SetStatus(ctx, "ghost", models.ProviderOnline), models.ErrNotFound))
}

func TestCompareAndSetStatus(t *testing.T) {
	tr, m := newTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.SetStatus(ctx, "p1", models.ProviderBusy))

	err := tr.CompareAndSetStatus(ctx, "p1", models.ProviderOnline, models.ProviderOnline, models.ProviderOffline)
	assert.True(t, errors.Is(err, models.ErrConflict))
	u, _ := m.GetUser(ctx, "p1")
	assert.Equal(t, models.ProviderBusy, u.Status)

	require.NoError(t, tr.CompareAndSetStatus(ctx, "p1", models.ProviderOnline, models.ProviderBusy))
	u, _ = m.GetUser(ctx, "p1")
	assert.Equal(t, models.ProviderOnline, u.Status)
}
