package events

import (
	"context"
	"errors"
	"time"

	"github.com/example/carwash-dispatch/internal/models"
)

type Type string

const (
	RequestCreated   Type = "request.created"
	RequestAccepted  Type = "request.accepted"
	RequestStarted   Type = "request.started"
	RequestCompleted Type = "request.completed"
	RequestCancelled Type = "request.cancelled"

	// Snapshot carries the state a websocket subscriber joined in.
	Snapshot Type = "request.snapshot"
)

// Event describes one committed request transition.
type Event struct {
	Type        Type                 `json:"type"`
	RequestID   string               `json:"request_id"`
	Status      models.RequestStatus `json:"status"`
	RequesterID string               `json:"requester_id"`
	ProviderID  string               `json:"provider_id,omitempty"`
	ActorID     string               `json:"actor_id,omitempty"`
	At          time.Time            `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Fanout delivers to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
