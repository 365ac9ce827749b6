package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/metrics"
)

// ErrBusClosed is returned when publishing to a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// DeadLetter parks events a listener rejected after retries.
type DeadLetter interface {
	Add(ctx context.Context, fd *domain.FailedDelivery) error
	GetNext(ctx context.Context) (*domain.FailedDelivery, error)
	IncrementRetry(ctx context.Context, id string, lastErr string) error
	MarkResolved(ctx context.Context, id string) error
}

// BusConfig configures per-listener delivery.
type BusConfig struct {
	QueueSize int
	Attempts  uint64        // retries after the first delivery attempt
	Backoff   time.Duration // base of the exponential backoff
	// DrainTimeout bounds how long Close keeps delivering queued events.
	// Whatever is still queued after that is parked.
	DrainTimeout time.Duration
}

// DefaultBusConfig returns the delivery defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{QueueSize: 256, Attempts: 3, Backoff: 200 * time.Millisecond, DrainTimeout: 10 * time.Second}
}

type listener struct {
	emitter Emitter
	queue   chan domain.Event
}

// Bus fans events out to listeners. Each listener has its own queue and
// goroutine so a slow or failing listener never blocks the others.
type Bus struct {
	cfg        BusConfig
	listeners  []*listener
	deadLetter DeadLetter
	log        *slog.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	// delivery context, cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBus creates a bus over emitters. deadLetter may be nil.
func NewBus(cfg BusConfig, deadLetter DeadLetter, emitters ...Emitter) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultBusConfig().QueueSize
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBusConfig().Backoff
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultBusConfig().DrainTimeout
	}

	b := &Bus{
		cfg:        cfg,
		deadLetter: deadLetter,
		log:        slog.Default().With("component", "emitter"),
	}
	for _, e := range emitters {
		b.listeners = append(b.listeners, &listener{
			emitter: e,
			queue:   make(chan domain.Event, cfg.QueueSize),
		})
	}
	return b
}

// Start launches one delivery goroutine per listener. Cancelling ctx does
// not stop delivery; Close does, after draining.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, l := range b.listeners {
		b.wg.Add(1)
		go b.run(b.ctx, l)
	}
}

func (b *Bus) run(ctx context.Context, l *listener) {
	defer b.wg.Done()
	for ev := range l.queue {
		b.deliver(ctx, l.emitter, ev)
	}
}

// Publish enqueues events for every listener. It blocks while a listener
// queue is full, until ctx is done.
func (b *Bus) Publish(ctx context.Context, events ...domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	for _, ev := range events {
		metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
		for _, l := range b.listeners {
			select {
			case l.queue <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// deliver retries one event against one listener, then parks it.
func (b *Bus) deliver(ctx context.Context, e Emitter, ev domain.Event) {
	backoff := goretry.WithMaxRetries(b.cfg.Attempts, goretry.NewExponential(b.cfg.Backoff))

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.Emit(ctx, &ev); err != nil {
			return goretry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		return
	}

	metrics.EventDeliveryErrors.WithLabelValues(e.Name()).Inc()
	b.log.Warn("Event delivery failed",
		"listener", e.Name(),
		"kind", ev.Kind,
		"event_id", ev.Context.EventID,
		"error", err,
	)

	if b.deadLetter == nil {
		return
	}
	fd := &domain.FailedDelivery{
		ID:          fmt.Sprintf("%s:%s", e.Name(), ev.Context.EventID),
		Listener:    e.Name(),
		Event:       ev,
		Error:       err.Error(),
		LastAttempt: time.Now(),
	}
	// ctx may already be cancelled during shutdown.
	parkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := b.deadLetter.Add(parkCtx, fd); err != nil {
		b.log.Error("Failed to park event", "id", fd.ID, "error", err)
	}
}

// Redrive retries up to max parked deliveries and returns how many succeeded.
func (b *Bus) Redrive(ctx context.Context, max int) (int, error) {
	if b.deadLetter == nil {
		return 0, nil
	}

	byName := make(map[string]Emitter, len(b.listeners))
	for _, l := range b.listeners {
		byName[l.emitter.Name()] = l.emitter
	}

	resolved := 0
	for i := 0; i < max; i++ {
		fd, err := b.deadLetter.GetNext(ctx)
		if err != nil {
			return resolved, fmt.Errorf("failed to load parked event: %w", err)
		}
		if fd == nil {
			break
		}

		e, ok := byName[fd.Listener]
		if !ok {
			b.log.Warn("Dropping parked event for unknown listener", "id", fd.ID)
			if err := b.deadLetter.MarkResolved(ctx, fd.ID); err != nil {
				return resolved, err
			}
			continue
		}

		if err := e.Emit(ctx, &fd.Event); err != nil {
			if err := b.deadLetter.IncrementRetry(ctx, fd.ID, err.Error()); err != nil {
				return resolved, err
			}
			// The listener is still failing; try again on the next redrive.
			break
		}
		if err := b.deadLetter.MarkResolved(ctx, fd.ID); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

// Close stops accepting events, drains queues and closes every emitter.
// Events not delivered within the drain timeout are parked.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, l := range b.listeners {
		close(l.queue)
	}
	started := b.started
	b.mu.Unlock()

	if started {
		drained := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(b.cfg.DrainTimeout):
			b.log.Warn("Event drain timed out, parking the rest", "timeout", b.cfg.DrainTimeout)
			b.cancel()
			<-drained
		}
		b.cancel()
	}

	var errs []error
	for _, l := range b.listeners {
		if err := l.emitter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.emitter.Name(), err))
		}
	}
	return errors.Join(errs...)
}
