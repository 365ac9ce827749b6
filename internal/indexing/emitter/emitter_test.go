package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
)

// MockEmitter for testing
type MockEmitter struct {
	mu            sync.Mutex
	name          string
	failures      int // number of Emit calls to fail before succeeding
	calls         int
	EmittedEvents []domain.Event
	closed        bool
}

func (m *MockEmitter) Name() string { return m.name }

func (m *MockEmitter) Emit(ctx context.Context, event *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return errors.New("listener unavailable")
	}
	m.EmittedEvents = append(m.EmittedEvents, *event)
	return nil
}

func (m *MockEmitter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockEmitter) emitted() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.EmittedEvents...)
}

type mockPublisher struct {
	published []domain.Event
}

func (p *mockPublisher) Publish(ctx context.Context, events ...domain.Event) error {
	p.published = append(p.published, events...)
	return nil
}

type mockDeadLetter struct {
	mu    sync.Mutex
	items map[string]*domain.FailedDelivery
	order []string
}

func newMockDeadLetter() *mockDeadLetter {
	return &mockDeadLetter{items: make(map[string]*domain.FailedDelivery)}
}

func (d *mockDeadLetter) Add(ctx context.Context, fd *domain.FailedDelivery) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.items[fd.ID]; !ok {
		d.order = append(d.order, fd.ID)
	}
	c := *fd
	d.items[fd.ID] = &c
	return nil
}

func (d *mockDeadLetter) GetNext(ctx context.Context) (*domain.FailedDelivery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.order {
		if fd, ok := d.items[id]; ok {
			c := *fd
			return &c, nil
		}
	}
	return nil, nil
}

func (d *mockDeadLetter) IncrementRetry(ctx context.Context, id string, lastErr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fd, ok := d.items[id]; ok {
		fd.RetryCount++
		fd.Error = lastErr
	}
	return nil
}

func (d *mockDeadLetter) MarkResolved(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.items, id)
	return nil
}

func (d *mockDeadLetter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func testEvent(key string) domain.Event {
	target := &domain.SyncTarget{ID: 1, Owner: "acme", Name: "api", AuthScope: "default"}
	return NewEvent(domain.EventCommitCreated, target, domain.OriginWebhook, key, map[string]any{"sha": key})
}

func TestNewEvent(t *testing.T) {
	ev := testEvent("d1:abc")
	if ev.Context.EventID == "" {
		t.Error("expected an event ID")
	}
	if ev.Context.Repository != "acme/api" || ev.Context.AuthScope != "default" {
		t.Errorf("unexpected context %+v", ev.Context)
	}
	if ev.Context.IdempotencyKey != "d1:abc" || ev.Context.Origin != domain.OriginWebhook {
		t.Errorf("unexpected context %+v", ev.Context)
	}
	if other := testEvent("d1:abc"); other.Context.EventID == ev.Context.EventID {
		t.Error("event IDs must be unique")
	}
}

func TestOutbox_FlushAfterCommit(t *testing.T) {
	pub := &mockPublisher{}
	outbox := NewOutbox(pub)
	ctx := context.Background()

	outbox.Stage(testEvent("a"), testEvent("b"))
	if len(pub.published) != 0 {
		t.Fatalf("expected nothing published before flush, got %d", len(pub.published))
	}
	if outbox.PendingCount() != 2 {
		t.Errorf("expected 2 pending, got %d", outbox.PendingCount())
	}

	if err := outbox.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(pub.published) != 2 || pub.published[0].Context.IdempotencyKey != "a" {
		t.Errorf("expected a, b in order, got %+v", pub.published)
	}
	if outbox.PendingCount() != 0 {
		t.Errorf("expected empty outbox after flush")
	}
}

func TestOutbox_Discard(t *testing.T) {
	pub := &mockPublisher{}
	outbox := NewOutbox(pub)

	outbox.Stage(testEvent("a"))
	outbox.Discard()
	outbox.Flush(context.Background())

	if len(pub.published) != 0 {
		t.Errorf("expected discarded events never published, got %d", len(pub.published))
	}
}

func TestBus_FanOut(t *testing.T) {
	first := &MockEmitter{name: "first"}
	second := &MockEmitter{name: "second"}
	bus := NewBus(BusConfig{Attempts: 1, Backoff: time.Millisecond}, nil, first, second)
	ctx := context.Background()
	bus.Start(ctx)

	if err := bus.Publish(ctx, testEvent("a"), testEvent("b")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for _, m := range []*MockEmitter{first, second} {
		got := m.emitted()
		if len(got) != 2 {
			t.Fatalf("%s: expected 2 events, got %d", m.name, len(got))
		}
		if got[0].Context.IdempotencyKey != "a" || got[1].Context.IdempotencyKey != "b" {
			t.Errorf("%s: events out of order", m.name)
		}
		if !m.closed {
			t.Errorf("%s: expected emitter closed", m.name)
		}
	}

	if err := bus.Publish(ctx, testEvent("c")); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
}

func TestBus_RetriesTransientFailure(t *testing.T) {
	flaky := &MockEmitter{name: "flaky", failures: 2}
	dl := newMockDeadLetter()
	bus := NewBus(BusConfig{Attempts: 3, Backoff: time.Millisecond}, dl, flaky)
	ctx := context.Background()
	bus.Start(ctx)

	bus.Publish(ctx, testEvent("a"))
	bus.Close()

	if got := len(flaky.emitted()); got != 1 {
		t.Errorf("expected delivery after retries, got %d events", got)
	}
	if dl.count() != 0 {
		t.Errorf("expected nothing parked, got %d", dl.count())
	}
}

func TestBus_DeliversAfterStartContextCancelled(t *testing.T) {
	listener := &MockEmitter{name: "listener"}
	bus := NewBus(BusConfig{Attempts: 1, Backoff: time.Millisecond}, nil, listener)
	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(ctx)

	// Shutdown cancels the run context before the bus is closed.
	cancel()
	if err := bus.Publish(context.Background(), testEvent("a"), testEvent("b")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	bus.Close()

	if got := len(listener.emitted()); got != 2 {
		t.Errorf("expected both queued events delivered, got %d", got)
	}
}

// stuckEmitter never succeeds until its context is cancelled.
type stuckEmitter struct{}

func (stuckEmitter) Name() string { return "stuck" }

func (stuckEmitter) Emit(ctx context.Context, event *domain.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stuckEmitter) Close() error { return nil }

func TestBus_CloseParksAfterDrainTimeout(t *testing.T) {
	dl := newMockDeadLetter()
	bus := NewBus(BusConfig{Attempts: 0, Backoff: time.Millisecond, DrainTimeout: 20 * time.Millisecond}, dl, stuckEmitter{})
	bus.Start(context.Background())

	bus.Publish(context.Background(), testEvent("a"), testEvent("b"))

	done := make(chan struct{})
	go func() {
		bus.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after the drain timeout")
	}

	if dl.count() != 2 {
		t.Errorf("expected undelivered events parked, got %d", dl.count())
	}
}

func TestBus_ParksAndRedrives(t *testing.T) {
	broken := &MockEmitter{name: "broken", failures: 100}
	healthy := &MockEmitter{name: "healthy"}
	dl := newMockDeadLetter()
	bus := NewBus(BusConfig{Attempts: 1, Backoff: time.Millisecond}, dl, broken, healthy)
	ctx := context.Background()
	bus.Start(ctx)

	bus.Publish(ctx, testEvent("a"))
	// Close drains the queues before returning.
	bus.Close()

	if got := len(healthy.emitted()); got != 1 {
		t.Errorf("healthy listener should not be blocked, got %d events", got)
	}
	if dl.count() != 1 {
		t.Fatalf("expected 1 parked event, got %d", dl.count())
	}
	fd, _ := dl.GetNext(ctx)
	if fd.Listener != "broken" || fd.Error == "" {
		t.Errorf("unexpected parked delivery %+v", fd)
	}

	// Still failing: retry count grows, item stays parked.
	n, err := bus.Redrive(ctx, 10)
	if err != nil || n != 0 {
		t.Fatalf("Redrive = %d, %v; want 0, nil", n, err)
	}
	fd, _ = dl.GetNext(ctx)
	if fd.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", fd.RetryCount)
	}

	broken.mu.Lock()
	broken.failures = 0
	broken.mu.Unlock()

	n, err = bus.Redrive(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("Redrive = %d, %v; want 1, nil", n, err)
	}
	if dl.count() != 0 {
		t.Errorf("expected dead letter empty, got %d", dl.count())
	}
	if got := broken.emitted(); len(got) != 1 || got[0].Context.IdempotencyKey != "a" {
		t.Errorf("expected redriven event a, got %+v", got)
	}
}

type mockStream struct {
	maxLen int64
	events []domain.Event
}

func (s *mockStream) AppendEvent(ctx context.Context, ev domain.Event, maxLen int64) (string, error) {
	s.maxLen = maxLen
	s.events = append(s.events, ev)
	return "1-0", nil
}

func TestStreamEmitter(t *testing.T) {
	stream := &mockStream{}
	e := NewStreamEmitter(stream, 0)

	ev := testEvent("a")
	if err := e.Emit(context.Background(), &ev); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if len(stream.events) != 1 || stream.maxLen != 100000 {
		t.Errorf("unexpected stream state: %d events, maxLen %d", len(stream.events), stream.maxLen)
	}
}
