package models

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoordValidate(t *testing.T) {
	cases := []struct {
		name string
		c    Coord
		ok   bool
	}{
		{"tehran", Coord{Lat: 35.70, Lon: 51.40}, true},
		{"poles and antimeridian", Coord{Lat: -90, Lon: 180}, true},
		{"lat too high", Coord{Lat: 90.1, Lon: 0}, false},
		{"lon too low", Coord{Lat: 0, Lon: -180.5}, false},
		{"lat NaN", Coord{Lat: math.NaN(), Lon: 0}, false},
		{"lon NaN", Coord{Lat: 0, Lon: math.NaN()}, false},
		{"lat +Inf", Coord{Lat: math.Inf(1), Lon: 0}, false},
		{"lon -Inf", Coord{Lat: 0, Lon: math.Inf(-1)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.c.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
		})
	}
}

func TestRequestStatusClasses(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusInProgress.Terminal())

	assert.True(t, StatusAccepted.Active())
	assert.True(t, StatusInProgress.Active())
	assert.False(t, StatusPending.Active())
	assert.False(t, StatusCompleted.Active())
}

func TestProviderStatusValid(t *testing.T) {
	assert.True(t, ProviderBusy.Valid())
	assert.False(t, ProviderStatus("away").Valid())
	assert.False(t, Role("admin").Valid())
}
