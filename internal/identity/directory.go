package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/carwash-dispatch/internal/models"
	"github.com/example/carwash-dispatch/internal/storage"
)

// Reader is the read-only view of the directory used by the dispatch engine.
type Reader interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*models.User, error)
	IsVerifiedProvider(ctx context.Context, id string) (bool, error)
}

// Directory holds requesters and providers, one abstraction for both roles.
type Directory struct {
	users storage.UserStore
	now   func() time.Time
}

func NewDirectory(users storage.UserStore) *Directory {
	return &Directory{users: users, now: time.Now}
}

type Registration struct {
	Phone string      `json:"phone"`
	Name  string      `json:"name"`
	Role  models.Role `json:"role"`
}

// Register creates a user. Providers start offline and unverified.
func (d *Directory) Register(ctx context.Context, reg Registration) (*models.User, error) {
	reg.Phone = strings.TrimSpace(reg.Phone)
	reg.Name = strings.TrimSpace(reg.Name)
	if reg.Phone == "" || reg.Name == "" {
		return nil, fmt.Errorf("%w: phone and name are required", models.ErrInvalidInput)
	}
	if !reg.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", models.ErrInvalidInput, reg.Role)
	}
	u := &models.User{
		ID:        uuid.NewString(),
		Phone:     reg.Phone,
		Name:      reg.Name,
		Role:      reg.Role,
		CreatedAt: d.now().UTC(),
	}
	if u.IsProvider() {
		u.Status = models.ProviderOffline
	}
	if err := d.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (d *Directory) GetUser(ctx context.Context, id string) (*models.User, error) {
	return d.users.GetUser(ctx, id)
}

func (d *Directory) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	return d.users.GetUserByPhone(ctx, strings.TrimSpace(phone))
}

// IsVerifiedProvider is false for unknown users and for requesters.
func (d *Directory) IsVerifiedProvider(ctx context.Context, id string) (bool, error) {
	u, err := d.users.GetUser(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.IsProvider() && u.Verified, nil
}

// Verify marks a provider as verified. It is the hook for the external
// verification workflow.
func (d *Directory) Verify(ctx context.Context, providerID string) error {
	return d.users.SetVerified(ctx, providerID, true)
}
