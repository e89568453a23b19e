// Package dispatch owns the request lifecycle: creation, the contested
// accept, start, completion and cancellation, and the provider status
// changes that must move together with them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/carwash-dispatch/internal/availability"
	"github.com/example/carwash-dispatch/internal/eta"
	"github.com/example/carwash-dispatch/internal/events"
	"github.com/example/carwash-dispatch/internal/identity"
	"github.com/example/carwash-dispatch/internal/models"
	"github.com/example/carwash-dispatch/internal/observability"
	"github.com/example/carwash-dispatch/internal/storage"
)

type Engine struct {
	Directory identity.Reader
	Tracker   *availability.Tracker
	Store     storage.RequestStore
	Events    events.Publisher
	ETA       *eta.Estimator
	Logger    *slog.Logger

	now func() time.Time
}

func NewEngine(dir identity.Reader, tracker *availability.Tracker, store storage.RequestStore, pub events.Publisher, logger *slog.Logger) *Engine {
	if pub == nil {
		pub = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Directory: dir,
		Tracker:   tracker,
		Store:     store,
		Events:    pub,
		ETA:       eta.NewEstimator(nil, time.Minute, 0),
		Logger:    logger,
		now:       time.Now,
	}
}

// CreateRequest opens a pending request for a requester at loc.
func (e *Engine) CreateRequest(ctx context.Context, requesterID string, loc models.Coord) (*models.Request, error) {
	if requesterID == "" {
		return nil, fmt.Errorf("%w: requester id is required", models.ErrInvalidInput)
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	u, err := e.Directory.GetUser(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if u.Role != models.RoleRequester {
		return nil, fmt.Errorf("user %s is a %s: %w", u.ID, u.Role, models.ErrForbidden)
	}

	r := &models.Request{
		ID:           uuid.NewString(),
		RequesterID:  u.ID,
		Loc:          loc,
		Status:       models.StatusPending,
		ContactPhone: u.Phone,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.Store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	observability.RequestsCreated.Inc()
	e.Logger.Info("request created", "request_id", r.ID, "requester_id", r.RequesterID)
	e.publish(ctx, events.RequestCreated, *r, r.RequesterID)
	return r, nil
}

// ListPending returns pending requests, newest first. The result is a
// snapshot; any entry may be taken by the time the caller acts on it.
func (e *Engine) ListPending(ctx context.Context) ([]models.RequestView, error) {
	return e.Store.ListPending(ctx)
}

// AcceptRequest assigns a pending request to a verified provider. The status
// check, the assignment and the provider going busy happen in one unit of
// work, so of many concurrent callers exactly one succeeds and the others
// get ErrConflict.
func (e *Engine) AcceptRequest(ctx context.Context, requestID, providerID string) (err error) {
	start := time.Now()
	defer func() {
		observability.AcceptLatency.Observe(time.Since(start).Seconds())
		observability.AcceptOutcomes.WithLabelValues(outcome(err)).Inc()
	}()

	if requestID == "" || providerID == "" {
		return fmt.Errorf("%w: request id and provider id are required", models.ErrInvalidInput)
	}
	if _, err := e.requireProvider(ctx, providerID); err != nil {
		return err
	}
	verified, err := e.Directory.IsVerifiedProvider(ctx, providerID)
	if err != nil {
		return err
	}
	if !verified {
		return fmt.Errorf("provider %s is not verified: %w", providerID, models.ErrForbidden)
	}

	var accepted models.Request
	err = e.Store.UpdateRequest(ctx, requestID, func(tx storage.Tx) error {
		r := tx.Request()
		if r.Status != models.StatusPending {
			return fmt.Errorf("request %s is %s: %w", r.ID, r.Status, models.ErrConflict)
		}
		p, err := tx.Provider(ctx, providerID)
		if err != nil {
			return err
		}
		if !p.Verified {
			return fmt.Errorf("provider %s is not verified: %w", p.ID, models.ErrForbidden)
		}
		if p.Status == models.ProviderBusy {
			return fmt.Errorf("provider %s already has an active request: %w", p.ID, models.ErrConflict)
		}

		now := e.now().UTC()
		r.Status = models.StatusAccepted
		r.ProviderID = p.ID
		r.AcceptedAt = &now
		if err := tx.SaveRequest(ctx, r); err != nil {
			return err
		}
		if err := tx.SetProviderStatus(ctx, p.ID, models.ProviderBusy); err != nil {
			return err
		}
		accepted = r
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			e.Logger.Info("accept lost", "request_id", requestID, "provider_id", providerID, "error", err)
		}
		return err
	}

	observability.Transitions.WithLabelValues(string(models.StatusAccepted)).Inc()
	observability.ProviderStatusChanges.WithLabelValues(string(models.ProviderBusy)).Inc()
	e.Logger.Info("request accepted", "request_id", requestID, "provider_id", providerID)
	e.publish(ctx, events.RequestAccepted, accepted, providerID)
	return nil
}

// StartService moves an accepted request to in progress. Only the assigned
// provider may start it.
func (e *Engine) StartService(ctx context.Context, requestID, providerID string) error {
	if requestID == "" || providerID == "" {
		return fmt.Errorf("%w: request id and provider id are required", models.ErrInvalidInput)
	}
	var started models.Request
	err := e.Store.UpdateRequest(ctx, requestID, func(tx storage.Tx) error {
		r := tx.Request()
		if r.Status != models.StatusAccepted {
			return fmt.Errorf("request %s is %s: %w", r.ID, r.Status, models.ErrConflict)
		}
		if r.ProviderID != providerID {
			return fmt.Errorf("request %s is assigned to another provider: %w", r.ID, models.ErrForbidden)
		}
		now := e.now().UTC()
		r.Status = models.StatusInProgress
		r.StartedAt = &now
		started = r
		return tx.SaveRequest(ctx, r)
	})
	if err != nil {
		return err
	}
	observability.Transitions.WithLabelValues(string(models.StatusInProgress)).Inc()
	e.Logger.Info("service started", "request_id", requestID, "provider_id", providerID)
	e.publish(ctx, events.RequestStarted, started, providerID)
	return nil
}

// CompleteRequest finishes an active request and frees its provider.
func (e *Engine) CompleteRequest(ctx context.Context, requestID, providerID string) error {
	if requestID == "" || providerID == "" {
		return fmt.Errorf("%w: request id and provider id are required", models.ErrInvalidInput)
	}
	var completed models.Request
	err := e.Store.UpdateRequest(ctx, requestID, func(tx storage.Tx) error {
		r := tx.Request()
		if !r.Status.Active() {
			return fmt.Errorf("request %s is %s: %w", r.ID, r.Status, models.ErrConflict)
		}
		if r.ProviderID != providerID {
			return fmt.Errorf("request %s is assigned to another provider: %w", r.ID, models.ErrForbidden)
		}
		now := e.now().UTC()
		r.Status = models.StatusCompleted
		r.CompletedAt = &now
		if err := tx.SaveRequest(ctx, r); err != nil {
			return err
		}
		completed = r
		return tx.SetProviderStatus(ctx, r.ProviderID, models.ProviderOnline)
	})
	if err != nil {
		return err
	}
	observability.Transitions.WithLabelValues(string(models.StatusCompleted)).Inc()
	observability.ProviderStatusChanges.WithLabelValues(string(models.ProviderOnline)).Inc()
	e.Logger.Info("request completed", "request_id", requestID, "provider_id", providerID)
	e.publish(ctx, events.RequestCompleted, completed, providerID)
	return nil
}

// CancelRequest cancels a non-terminal request on behalf of its requester or
// its assigned provider. An assigned provider goes back online.
func (e *Engine) CancelRequest(ctx context.Context, requestID, actorID string) error {
	if requestID == "" || actorID == "" {
		return fmt.Errorf("%w: request id and actor id are required", models.ErrInvalidInput)
	}
	var cancelled models.Request
	err := e.Store.UpdateRequest(ctx, requestID, func(tx storage.Tx) error {
		r := tx.Request()
		if r.Status.Terminal() {
			return fmt.Errorf("request %s is %s: %w", r.ID, r.Status, models.ErrConflict)
		}
		if actorID != r.RequesterID && (r.ProviderID == "" || actorID != r.ProviderID) {
			return fmt.Errorf("%s may not cancel request %s: %w", actorID, r.ID, models.ErrForbidden)
		}
		now := e.now().UTC()
		r.Status = models.StatusCancelled
		r.CancelledAt = &now
		if err := tx.SaveRequest(ctx, r); err != nil {
			return err
		}
		cancelled = r
		if r.ProviderID == "" {
			return nil
		}
		return tx.SetProviderStatus(ctx, r.ProviderID, models.ProviderOnline)
	})
	if err != nil {
		return err
	}
	observability.Transitions.WithLabelValues(string(models.StatusCancelled)).Inc()
	if cancelled.ProviderID != "" {
		observability.ProviderStatusChanges.WithLabelValues(string(models.ProviderOnline)).Inc()
	}
	e.Logger.Info("request cancelled", "request_id", requestID, "actor_id", actorID, "provider_id", cancelled.ProviderID)
	e.publish(ctx, events.RequestCancelled, cancelled, actorID)
	return nil
}

func (e *Engine) GetRequestStatus(ctx context.Context, requestID string) (*models.RequestView, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: request id is required", models.ErrInvalidInput)
	}
	return e.Store.GetRequestView(ctx, requestID)
}

// ListActiveForProvider returns the provider's accepted and in-progress
// requests, most recently accepted first.
func (e *Engine) ListActiveForProvider(ctx context.Context, providerID string) ([]models.RequestView, error) {
	if providerID == "" {
		return nil, fmt.Errorf("%w: provider id is required", models.ErrInvalidInput)
	}
	return e.Store.ListActiveForProvider(ctx, providerID)
}

func (e *Engine) ReportProviderLocation(ctx context.Context, providerID string, loc models.Coord) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	if _, err := e.requireProvider(ctx, providerID); err != nil {
		return err
	}
	return e.Tracker.ReportLocation(ctx, providerID, loc)
}

func (e *Engine) GetProviderLocation(ctx context.Context, providerID string) (*models.DriverLocation, error) {
	if _, err := e.requireProvider(ctx, providerID); err != nil {
		return nil, err
	}
	return e.Tracker.GetLocation(ctx, providerID)
}

// Arrival is where the assigned provider was last seen and how far away
// that is from the request.
type Arrival struct {
	RequestID   string       `json:"request_id"`
	ProviderID  string       `json:"provider_id"`
	ProviderLoc models.Coord `json:"provider_loc"`
	LocatedAt   time.Time    `json:"located_at"`
	eta.Estimate
}

// EstimateArrival is only defined while a provider is assigned and the
// request is still active.
func (e *Engine) EstimateArrival(ctx context.Context, requestID string) (*Arrival, error) {
	v, err := e.GetRequestStatus(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !v.Status.Active() {
		return nil, fmt.Errorf("request %s is %s: %w", v.ID, v.Status, models.ErrConflict)
	}
	loc, err := e.Tracker.GetLocation(ctx, v.ProviderID)
	if err != nil {
		return nil, err
	}
	return &Arrival{
		RequestID:   v.ID,
		ProviderID:  v.ProviderID,
		ProviderLoc: loc.Loc,
		LocatedAt:   loc.UpdatedAt,
		Estimate:    e.ETA.Estimate(ctx, loc.Loc, v.Loc),
	}, nil
}

// SetProviderStatus lets a provider go online or offline. Busy belongs to
// the request lifecycle and cannot be set or cleared from outside.
func (e *Engine) SetProviderStatus(ctx context.Context, providerID string, s models.ProviderStatus) error {
	if s != models.ProviderOnline && s != models.ProviderOffline {
		return fmt.Errorf("%w: status must be online or offline, got %q", models.ErrInvalidInput, s)
	}
	if _, err := e.requireProvider(ctx, providerID); err != nil {
		return err
	}
	err := e.Tracker.CompareAndSetStatus(ctx, providerID, s, models.ProviderOnline, models.ProviderOffline)
	if errors.Is(err, models.ErrConflict) {
		return fmt.Errorf("provider %s has an active request: %w", providerID, models.ErrConflict)
	}
	if err != nil {
		return err
	}
	e.Logger.Info("provider status set", "provider_id", providerID, "status", s)
	return nil
}

func (e *Engine) requireProvider(ctx context.Context, providerID string) (*models.User, error) {
	if providerID == "" {
		return nil, fmt.Errorf("%w: provider id is required", models.ErrInvalidInput)
	}
	u, err := e.Directory.GetUser(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if !u.IsProvider() {
		return nil, fmt.Errorf("user %s is not a provider: %w", providerID, models.ErrForbidden)
	}
	return u, nil
}

// publish runs after commit; a delivery failure is logged and counted but
// never changes the result of the operation.
func (e *Engine) publish(ctx context.Context, t events.Type, r models.Request, actorID string) {
	ev := events.Event{
		Type:        t,
		RequestID:   r.ID,
		Status:      r.Status,
		RequesterID: r.RequesterID,
		ProviderID:  r.ProviderID,
		ActorID:     actorID,
		At:          e.now().UTC(),
	}
	if err := e.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		observability.EventsDropped.WithLabelValues("publisher").Inc()
		e.Logger.Warn("event publish failed", "type", t, "request_id", r.ID, "error", err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, models.ErrForbidden):
		return "forbidden"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
