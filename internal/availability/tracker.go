package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/example/carwash-dispatch/internal/models"
	"github.com/example/carwash-dispatch/internal/observability"
	"github.com/example/carwash-dispatch/internal/storage"
)

// Tracker holds provider status and last known location. It does not know
// about requests; keeping busy in step with assignments is the dispatch
// engine's job.
type Tracker struct {
	statuses  storage.StatusStore
	locations storage.LocationStore
	now       func() time.Time
}

func NewTracker(statuses storage.StatusStore, locations storage.LocationStore) *Tracker {
	return &Tracker{statuses: statuses, locations: locations, now: time.Now}
}

func (t *Tracker) SetStatus(ctx context.Context, providerID string, s models.ProviderStatus) error {
	if !s.Valid() {
		return fmt.Errorf("%w: unknown provider status %q", models.ErrInvalidInput, s)
	}
	if err := t.statuses.SetProviderStatus(ctx, providerID, s); err != nil {
		return err
	}
	observability.ProviderStatusChanges.WithLabelValues(string(s)).Inc()
	return nil
}

// CompareAndSetStatus sets s only if the current status is one of expect.
func (t *Tracker) CompareAndSetStatus(ctx context.Context, providerID string, s models.ProviderStatus, expect ...models.ProviderStatus) error {
	if !s.Valid() {
		return fmt.Errorf("%w: unknown provider status %q", models.ErrInvalidInput, s)
	}
	if err := t.statuses.SetProviderStatus(ctx, providerID, s, expect...); err != nil {
		return err
	}
	observability.ProviderStatusChanges.WithLabelValues(string(s)).Inc()
	return nil
}

// ReportLocation overwrites the provider's last location.
func (t *Tracker) ReportLocation(ctx context.Context, providerID string, loc models.Coord) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	err := t.locations.UpsertLocation(ctx, models.DriverLocation{
		ProviderID: providerID,
		Loc:        loc,
		UpdatedAt:  t.now().UTC(),
	})
	if err != nil {
		return err
	}
	observability.LocationReports.Inc()
	return nil
}

// GetLocation returns ErrNotFound when the provider never reported.
func (t *Tracker) GetLocation(ctx context.Context, providerID string) (*models.DriverLocation, error) {
	return t.locations.GetLocation(ctx, providerID)
}
