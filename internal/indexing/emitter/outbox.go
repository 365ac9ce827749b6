package emitter

import (
	"context"
	"fmt"
	"sync"

	"github.com/vietddude/forgesync/internal/core/domain"
)

// Outbox holds events produced inside a unit of work. They reach the
// publisher only after Flush, which callers invoke once the transaction has
// committed. Discard drops them on rollback.
type Outbox struct {
	inner   Publisher
	pending []domain.Event
	mu      sync.Mutex
}

// NewOutbox creates an outbox in front of inner.
func NewOutbox(inner Publisher) *Outbox {
	return &Outbox{inner: inner}
}

// Stage adds events to the outbox. They are NOT published yet.
func (o *Outbox) Stage(events ...domain.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, events...)
}

// Flush publishes staged events in staging order and empties the outbox.
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.Lock()
	events := o.pending
	o.pending = nil
	o.mu.Unlock()

	if len(events) == 0 || o.inner == nil {
		return nil
	}
	if err := o.inner.Publish(ctx, events...); err != nil {
		return fmt.Errorf("failed to publish %d events: %w", len(events), err)
	}
	return nil
}

// Discard drops staged events so they are never published.
func (o *Outbox) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = nil
}

// PendingCount returns the number of staged events.
func (o *Outbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
