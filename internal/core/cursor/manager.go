package cursor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/infra/storage"
)

// RunKey identifies one paginated run.
type RunKey struct {
	TargetID int64
	Stream   domain.Stream
}

func (k RunKey) String() string {
	return fmt.Sprintf("%d/%s", k.TargetID, k.Stream)
}

// StateChangeCallback is called when a run changes state.
type StateChangeCallback func(key RunKey, t Transition)

// Manager defines operations for checkpoint management.
type Manager interface {
	// Begin moves the run to RUNNING and returns the checkpoint to resume
	// from, or nil when the run starts fresh. startedAt becomes the walk's
	// start unless the checkpoint already carries one.
	Begin(ctx context.Context, targetID int64, stream domain.Stream, startedAt time.Time) (*domain.Checkpoint, error)

	// Advance records that a page was committed and persists the cursor of
	// the next page.
	Advance(ctx context.Context, targetID int64, stream domain.Stream, next string, since *time.Time, items int) error

	// Finish moves the run to the terminal state for status. COMPLETED
	// clears the checkpoint.
	Finish(ctx context.Context, targetID int64, stream domain.Stream, status domain.SyncStatus) error

	// Reset discards the checkpoint so the next run starts fresh.
	Reset(ctx context.Context, targetID int64, stream domain.Stream) error

	// Get returns the persisted checkpoint without changing state.
	Get(ctx context.Context, targetID int64, stream domain.Stream) (*domain.Checkpoint, error)

	// State returns the in-process run state.
	State(targetID int64, stream domain.Stream) State

	// GetMetrics returns performance metrics for a run.
	GetMetrics(targetID int64, stream domain.Stream) Metrics

	// SetStateChangeCallback registers a callback for state changes.
	SetStateChangeCallback(cb StateChangeCallback)
}

type runState struct {
	state     State
	startedAt time.Time
	metrics   *MetricsCollector
}

// DefaultManager implements Manager.
type DefaultManager struct {
	repo          storage.CheckpointRepository
	mu            sync.Mutex
	runs          map[RunKey]*runState
	windows       int
	stateCallback StateChangeCallback
}

// SetStateChangeCallback registers a callback for state changes.
func (m *DefaultManager) SetStateChangeCallback(cb StateChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = cb
}

func (m *DefaultManager) runLocked(key RunKey) *runState {
	r, ok := m.runs[key]
	if !ok {
		r = &runState{state: StateIdle, metrics: NewMetricsCollector(m.windows)}
		m.runs[key] = r
	}
	return r
}

// transition validates and applies a state change. Callers hold m.mu.
func (m *DefaultManager) transitionLocked(key RunKey, to State, reason string) (Transition, error) {
	r := m.runLocked(key)
	if !CanTransition(r.state, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, r.state, to, key)
	}
	t := NewTransition(r.state, to, reason)
	r.state = to
	if t.From != t.To {
		r.metrics.RecordTransition(t)
	}
	return t, nil
}

func (m *DefaultManager) notify(key RunKey, t Transition, cb StateChangeCallback) {
	if cb == nil || t.From == t.To {
		return
	}
	cb(key, t)
}

// Begin implements Manager.
func (m *DefaultManager) Begin(ctx context.Context, targetID int64, stream domain.Stream, startedAt time.Time) (*domain.Checkpoint, error) {
	key := RunKey{targetID, stream}

	cp, err := m.repo.Get(ctx, targetID, stream)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	reason := "fresh run"
	if cp != nil {
		reason = "resuming from checkpoint"
		if !cp.RunStartedAt.IsZero() {
			startedAt = cp.RunStartedAt
		}
	}

	m.mu.Lock()
	if r := m.runLocked(key); r.state == StateRunning {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: run %s already in progress", ErrInvalidTransition, key)
	}
	t, err := m.transitionLocked(key, StateRunning, reason)
	if err == nil {
		m.runs[key].startedAt = startedAt
	}
	cb := m.stateCallback
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.notify(key, t, cb)

	return cp, nil
}

// Advance implements Manager.
func (m *DefaultManager) Advance(ctx context.Context, targetID int64, stream domain.Stream, next string, since *time.Time, items int) error {
	key := RunKey{targetID, stream}

	m.mu.Lock()
	r := m.runLocked(key)
	if r.state != StateRunning {
		state := r.state
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot advance %s in state %s", ErrInvalidTransition, key, state)
	}
	startedAt := r.startedAt
	m.mu.Unlock()

	cp := &domain.Checkpoint{
		TargetID:     targetID,
		Stream:       stream,
		Cursor:       next,
		Since:        since,
		RunStartedAt: startedAt,
		UpdatedAt:    time.Now(),
	}
	if err := m.repo.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	m.mu.Lock()
	r.metrics.RecordPage(items, cp.UpdatedAt)
	m.mu.Unlock()
	return nil
}

// Finish implements Manager.
func (m *DefaultManager) Finish(ctx context.Context, targetID int64, stream domain.Stream, status domain.SyncStatus) error {
	key := RunKey{targetID, stream}

	if status == domain.StatusCompleted {
		if err := m.repo.Clear(ctx, targetID, stream); err != nil {
			return fmt.Errorf("failed to clear checkpoint: %w", err)
		}
	}

	m.mu.Lock()
	t, err := m.transitionLocked(key, status.RunState(), string(status))
	cb := m.stateCallback
	m.mu.Unlock()
	if err != nil {
		return err
	}

	slog.Debug("Run finished", "target", targetID, "stream", stream, "status", status)
	m.notify(key, t, cb)
	return nil
}

// Reset implements Manager.
func (m *DefaultManager) Reset(ctx context.Context, targetID int64, stream domain.Stream) error {
	key := RunKey{targetID, stream}

	m.mu.Lock()
	if r, ok := m.runs[key]; ok && r.state == StateRunning {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot reset running %s", ErrInvalidTransition, key)
	}
	m.mu.Unlock()

	if err := m.repo.Clear(ctx, targetID, stream); err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}

// Get implements Manager.
func (m *DefaultManager) Get(ctx context.Context, targetID int64, stream domain.Stream) (*domain.Checkpoint, error) {
	return m.repo.Get(ctx, targetID, stream)
}

// State implements Manager.
func (m *DefaultManager) State(targetID int64, stream domain.Stream) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[RunKey{targetID, stream}]; ok {
		return r.state
	}
	return StateIdle
}

// GetMetrics implements Manager.
func (m *DefaultManager) GetMetrics(targetID int64, stream domain.Stream) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[RunKey{targetID, stream}]; ok {
		return r.metrics.GetMetrics()
	}
	return Metrics{}
}
