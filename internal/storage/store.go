package storage

import (
	"context"

	"github.com/example/carwash-dispatch/internal/models"
)

// UserStore persists requesters and providers.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*models.User, error)
	SetVerified(ctx context.Context, id string, verified bool) error
}

// StatusStore holds provider availability status.
type StatusStore interface {
	// SetProviderStatus writes to. When expect is non-empty the write only
	// happens if the current status is one of expect, otherwise ErrConflict.
	SetProviderStatus(ctx context.Context, providerID string, to models.ProviderStatus, expect ...models.ProviderStatus) error
}

// LocationStore keeps the last reported location per provider.
type LocationStore interface {
	UpsertLocation(ctx context.Context, loc models.DriverLocation) error
	GetLocation(ctx context.Context, providerID string) (*models.DriverLocation, error)
}

// RequestStore persists requests. Reads are snapshots; all writes after
// creation go through UpdateRequest.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.Request) error
	GetRequestView(ctx context.Context, id string) (*models.RequestView, error)
	ListPending(ctx context.Context) ([]models.RequestView, error)
	ListActiveForProvider(ctx context.Context, providerID string) ([]models.RequestView, error)

	// UpdateRequest runs fn while holding exclusive access to the request.
	// Everything written through tx is applied together when fn returns nil
	// and discarded otherwise.
	UpdateRequest(ctx context.Context, requestID string, fn func(tx Tx) error) error
}

// Tx is the exclusive view of one request handed to UpdateRequest callbacks.
type Tx interface {
	Request() models.Request
	// Provider loads and locks the provider for the rest of the unit.
	Provider(ctx context.Context, id string) (models.User, error)
	SetProviderStatus(ctx context.Context, id string, s models.ProviderStatus) error
	SaveRequest(ctx context.Context, r models.Request) error
}

// Store is the full persistence surface of the dispatch service.
type Store interface {
	UserStore
	StatusStore
	LocationStore
	RequestStore
	Close() error
}
