package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carwash-dispatch/internal/models"
	"github.com/example/carwash-dispatch/internal/storage"
)

func TestRegister(t *testing.T) {
	d := NewDirectory(storage.NewMemoryStore())
	ctx := context.Background()

	p, err := d.Register(ctx, Registration{Phone: " 0935 ", Name: "Reza", Role: models.RoleProvider})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "0935", p.Phone)
	assert.Equal(t, models.ProviderOffline, p.Status)
	assert.False(t, p.Verified)

	r, err := d.Register(ctx, Registration{Phone: "0912", Name: "Sara", Role: models.RoleRequester})
	require.NoError(t, err)
	assert.Empty(t, r.Status)

	_, err = d.Register(ctx, Registration{Phone: "0935", Name: "Other", Role: models.RoleRequester})
	assert.True(t, errors.Is(err, models.ErrConflict))
}

func TestRegister_InvalidInput(t *testing.T) {
	d := NewDirectory(storage.NewMemoryStore())
	for _, reg := range []Registration{
		{Phone: "", Name: "x", Role: models.RoleRequester},
		{Phone: "1", Name: " ", Role: models.RoleRequester},
		{Phone: "1", Name: "x", Role: "admin"},
	} {
		_, err := d.Register(context.Background(), reg)
		assert.True(t, errors.Is(err, models.ErrInvalidInput), "reg %+v: %v", reg, err)
	}
}

func TestVerifyAndIsVerifiedProvider(t *testing.T) {
	d := NewDirectory(storage.NewMemoryStore())
	ctx := context.Background()
	p, err := d.Register(ctx, Registration{Phone: "0935", Name: "Reza", Role: models.RoleProvider})
	require.NoError(t, err)
	r, err := d.Register(ctx, Registration{Phone: "0912", Name: "Sara", Role: models.RoleRequester})
	require.NoError(t, err)

	ok, err := d.IsVerifiedProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Verify(ctx, p.ID))
	ok, err = d.IsVerifiedProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, errors.Is(d.Verify(ctx, r.ID), models.ErrNotFound), "requesters cannot be verified")

	ok, err = d.IsVerifiedProvider(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	byPhone, err := d.GetUserByPhone(ctx, "0935")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byPhone.ID)
}
