package models

import (
	"fmt"
	"time"
)

type Role string

const (
	RoleRequester Role = "requester"
	RoleProvider  Role = "provider"
)

func (r Role) Valid() bool { return r == RoleRequester || r == RoleProvider }

type ProviderStatus string

const (
	ProviderOffline ProviderStatus = "offline"
	ProviderOnline  ProviderStatus = "online"
	ProviderBusy    ProviderStatus = "busy"
)

func (s ProviderStatus) Valid() bool {
	switch s {
	case ProviderOffline, ProviderOnline, ProviderBusy:
		return true
	}
	return false
}

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusAccepted   RequestStatus = "accepted"
	StatusInProgress RequestStatus = "in_progress"
	StatusCompleted  RequestStatus = "completed"
	StatusCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RequestStatus) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Active reports whether a provider is currently working the request.
func (s RequestStatus) Active() bool { return s == StatusAccepted || s == StatusInProgress }

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks the coordinate is inside WGS84 bounds. NaN fails every
// comparison, so the bounds are written as what must hold.
func (c Coord) Validate() error {
	if !(c.Lat >= -90 && c.Lat <= 90) {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidInput, c.Lat)
	}
	if !(c.Lon >= -180 && c.Lon <= 180) {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidInput, c.Lon)
	}
	return nil
}

// User is either a requester or a provider. Verified and Status only carry
// meaning for providers.
type User struct {
	ID        string         `json:"id"`
	Phone     string         `json:"phone"`
	Role      Role           `json:"role"`
	Name      string         `json:"name"`
	Verified  bool           `json:"verified,omitempty"`
	Status    ProviderStatus `json:"status,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (u User) IsProvider() bool { return u.Role == RoleProvider }

type DriverLocation struct {
	ProviderID string    `json:"provider_id"`
	Loc        Coord     `json:"loc"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Request struct {
	ID           string        `json:"id"`
	RequesterID  string        `json:"requester_id"`
	ProviderID   string        `json:"provider_id,omitempty"`
	Loc          Coord         `json:"loc"`
	Status       RequestStatus `json:"status"`
	ContactPhone string        `json:"contact_phone"`
	CreatedAt    time.Time     `json:"created_at"`
	AcceptedAt   *time.Time    `json:"accepted_at,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	CancelledAt  *time.Time    `json:"cancelled_at,omitempty"`
}

// RequestView is a request joined with the display fields of the users on
// either side of it.
type RequestView struct {
	Request
	RequesterName  string `json:"requester_name,omitempty"`
	RequesterPhone string `json:"requester_phone,omitempty"`
	ProviderName   string `json:"provider_name,omitempty"`
	ProviderPhone  string `json:"provider_phone,omitempty"`
}
