package domain

import "time"

// EventKind names a domain event.
type EventKind string

const (
	EventCommitCreated       EventKind = "commit.created"
	EventSyncCompleted       EventKind = "sync.completed"
	EventEnrichmentCompleted EventKind = "enrichment.completed"
	EventBackfillProgressed  EventKind = "backfill.progressed"
)

// EventContext carries delivery metadata. IdempotencyKey is stable across
// redeliveries of the same fact so listeners can dedupe.
type EventContext struct {
	EventID        string    `json:"event_id"`
	Timestamp      time.Time `json:"timestamp"`
	AuthScope      string    `json:"auth_scope"`
	Origin         Origin    `json:"origin"`
	Repository     string    `json:"repository"`
	TargetID       int64     `json:"target_id"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// Event is an immutable fact published after the originating transaction
// committed.
type Event struct {
	Kind    EventKind      `json:"kind"`
	Payload map[string]any `json:"payload"`
	Context EventContext   `json:"context"`
}

// FailedDelivery is an event a listener could not accept after retries.
// ID is "listener:event_id".
type FailedDelivery struct {
	ID          string    `json:"id"`
	Listener    string    `json:"listener"`
	Event       Event     `json:"event"`
	Error       string    `json:"error"`
	RetryCount  int       `json:"retry_count"`
	LastAttempt time.Time `json:"last_attempt"`
}
