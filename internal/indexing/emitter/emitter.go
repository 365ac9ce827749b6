package emitter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/forgesync/internal/core/domain"
)

// Emitter delivers events to one downstream listener.
type Emitter interface {
	// Name identifies the listener in logs, metrics and failed deliveries
	Name() string

	// Emit delivers a single event
	Emit(ctx context.Context, event *domain.Event) error

	// Close closes the emitter connection
	Close() error
}

// Publisher accepts events whose originating transaction has committed.
type Publisher interface {
	Publish(ctx context.Context, events ...domain.Event) error
}

// NewEvent builds an event for a target with a fresh event ID.
func NewEvent(kind domain.EventKind, target *domain.SyncTarget, origin domain.Origin, idempotencyKey string, payload map[string]any) domain.Event {
	return domain.Event{
		Kind:    kind,
		Payload: payload,
		Context: domain.EventContext{
			EventID:        uuid.NewString(),
			Timestamp:      time.Now().UTC(),
			AuthScope:      target.AuthScope,
			Origin:         origin,
			Repository:     target.FullName(),
			TargetID:       target.ID,
			IdempotencyKey: idempotencyKey,
		},
	}
}
