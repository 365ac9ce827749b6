package cursor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
)

// =============================================================================
// Mock Repository
// =============================================================================

type mockCheckpointRepo struct {
	mu          sync.RWMutex
	checkpoints map[RunKey]*domain.Checkpoint
	saves       int
	saveErr     error
}

func newMockCheckpointRepo() *mockCheckpointRepo {
	return &mockCheckpointRepo{
		checkpoints: make(map[RunKey]*domain.Checkpoint),
	}
}

func (r *mockCheckpointRepo) Get(ctx context.Context, targetID int64, stream domain.Stream) (*domain.Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp, ok := r.checkpoints[RunKey{targetID, stream}]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

func (r *mockCheckpointRepo) Save(ctx context.Context, cp *domain.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.saveErr != nil {
		return r.saveErr
	}
	c := *cp
	r.checkpoints[RunKey{cp.TargetID, cp.Stream}] = &c
	r.saves++
	return nil
}

func (r *mockCheckpointRepo) Clear(ctx context.Context, targetID int64, stream domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.checkpoints, RunKey{targetID, stream})
	return nil
}

func (r *mockCheckpointRepo) List(ctx context.Context) ([]*domain.Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Checkpoint, 0, len(r.checkpoints))
	for _, cp := range r.checkpoints {
		c := *cp
		out = append(out, &c)
	}
	return out, nil
}

// =============================================================================
// State Machine Tests
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateRunning, true},
		{StateIdle, StateCompleted, false},
		{StateRunning, StateRunning, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StatePartial, true},
		{StateRunning, StateAbortedRateLimit, true},
		{StateRunning, StateAbortedError, true},
		{StateRunning, StateIdle, false},
		{StateCompleted, StateRunning, true},
		{StateCompleted, StatePartial, false},
		{StateAbortedRateLimit, StateRunning, true},
		{StateAbortedError, StateCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Manager Tests
// =============================================================================

func TestManager_FreshRunCompletes(t *testing.T) {
	repo := newMockCheckpointRepo()
	mgr := NewManager(repo)
	ctx := context.Background()

	cp, err := mgr.Begin(ctx, 1, domain.StreamCommits, time.Now())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if cp != nil {
		t.Fatalf("expected no checkpoint on a fresh run, got %+v", cp)
	}
	if mgr.State(1, domain.StreamCommits) != StateRunning {
		t.Errorf("expected running, got %s", mgr.State(1, domain.StreamCommits))
	}

	for _, next := range []string{"p2", "p3"} {
		if err := mgr.Advance(ctx, 1, domain.StreamCommits, next, nil, 50); err != nil {
			t.Fatalf("Advance failed: %v", err)
		}
	}
	got, _ := repo.Get(ctx, 1, domain.StreamCommits)
	if got == nil || got.Cursor != "p3" {
		t.Fatalf("expected checkpoint p3, got %+v", got)
	}

	if err := mgr.Finish(ctx, 1, domain.StreamCommits, domain.StatusCompleted); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	got, _ = repo.Get(ctx, 1, domain.StreamCommits)
	if got != nil {
		t.Errorf("expected checkpoint cleared, got %+v", got)
	}
	if mgr.State(1, domain.StreamCommits) != StateCompleted {
		t.Errorf("expected completed, got %s", mgr.State(1, domain.StreamCommits))
	}
}

func TestManager_AbortKeepsCheckpoint(t *testing.T) {
	repo := newMockCheckpointRepo()
	mgr := NewManager(repo)
	ctx := context.Background()
	since := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := mgr.Begin(ctx, 1, domain.StreamCommits, time.Now()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := mgr.Advance(ctx, 1, domain.StreamCommits, "p2", &since, 50); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := mgr.Finish(ctx, 1, domain.StreamCommits, domain.StatusAbortedRateLimit); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	cp, err := mgr.Begin(ctx, 1, domain.StreamCommits, time.Now())
	if err != nil {
		t.Fatalf("second Begin failed: %v", err)
	}
	if cp == nil || cp.Cursor != "p2" {
		t.Fatalf("expected resume from p2, got %+v", cp)
	}
	if cp.Since == nil || !cp.Since.Equal(since) {
		t.Errorf("expected since %v kept, got %v", since, cp.Since)
	}
}

func TestManager_ResumeKeepsRunStart(t *testing.T) {
	repo := newMockCheckpointRepo()
	mgr := NewManager(repo)
	ctx := context.Background()
	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	mgr.Begin(ctx, 1, domain.StreamCommits, first)
	mgr.Advance(ctx, 1, domain.StreamCommits, "p2", nil, 50)
	mgr.Finish(ctx, 1, domain.StreamCommits, domain.StatusAbortedError)

	cp, err := mgr.Begin(ctx, 1, domain.StreamCommits, second)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if cp == nil || !cp.RunStartedAt.Equal(first) {
		t.Fatalf("expected run start %v on resume, got %+v", first, cp)
	}

	// Later pages of the resumed walk keep the first start.
	if err := mgr.Advance(ctx, 1, domain.StreamCommits, "p3", nil, 50); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	got, _ := repo.Get(ctx, 1, domain.StreamCommits)
	if !got.RunStartedAt.Equal(first) {
		t.Errorf("expected run start %v kept, got %v", first, got.RunStartedAt)
	}
}

func TestManager_BeginTwiceRejected(t *testing.T) {
	mgr := NewManager(newMockCheckpointRepo())
	ctx := context.Background()

	if _, err := mgr.Begin(ctx, 1, domain.StreamPulls, time.Now()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	_, err := mgr.Begin(ctx, 1, domain.StreamPulls, time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	// Other streams of the same target are independent.
	if _, err := mgr.Begin(ctx, 1, domain.StreamCommits, time.Now()); err != nil {
		t.Errorf("Begin on another stream failed: %v", err)
	}
}

func TestManager_AdvanceRequiresRunning(t *testing.T) {
	repo := newMockCheckpointRepo()
	mgr := NewManager(repo)

	err := mgr.Advance(context.Background(), 1, domain.StreamCommits, "p2", nil, 10)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if repo.saves != 0 {
		t.Errorf("expected no save, got %d", repo.saves)
	}
}

func TestManager_AdvanceSaveError(t *testing.T) {
	repo := newMockCheckpointRepo()
	repo.saveErr = errors.New("db down")
	mgr := NewManager(repo)
	ctx := context.Background()

	mgr.Begin(ctx, 1, domain.StreamCommits, time.Now())
	if err := mgr.Advance(ctx, 1, domain.StreamCommits, "p2", nil, 10); err == nil {
		t.Fatal("expected error from failed save")
	}
}

func TestManager_ResetClearsCheckpoint(t *testing.T) {
	repo := newMockCheckpointRepo()
	mgr := NewManager(repo)
	ctx := context.Background()

	mgr.Begin(ctx, 1, domain.StreamCommits, time.Now())
	mgr.Advance(ctx, 1, domain.StreamCommits, "p2", nil, 10)

	if err := mgr.Reset(ctx, 1, domain.StreamCommits); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected reset of a running stream to fail, got %v", err)
	}

	mgr.Finish(ctx, 1, domain.StreamCommits, domain.StatusPartial)
	if err := mgr.Reset(ctx, 1, domain.StreamCommits); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	cp, _ := mgr.Get(ctx, 1, domain.StreamCommits)
	if cp != nil {
		t.Errorf("expected no checkpoint after reset, got %+v", cp)
	}
}

func TestManager_StateCallback(t *testing.T) {
	mgr := NewManager(newMockCheckpointRepo())
	ctx := context.Background()

	var seen []Transition
	mgr.SetStateChangeCallback(func(key RunKey, tr Transition) {
		if key.TargetID != 7 {
			t.Errorf("unexpected key %s", key)
		}
		seen = append(seen, tr)
	})

	mgr.Begin(ctx, 7, domain.StreamCommits, time.Now())
	mgr.Finish(ctx, 7, domain.StreamCommits, domain.StatusAbortedError)

	if len(seen) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(seen))
	}
	if seen[0].To != StateRunning || seen[1].To != StateAbortedError {
		t.Errorf("unexpected transitions: %+v", seen)
	}
	if m := mgr.GetMetrics(7, domain.StreamCommits); m.LastAbortAt == nil {
		t.Error("expected LastAbortAt to be recorded")
	}
}

// =============================================================================
// Metrics Tests
// =============================================================================

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector(3)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		mc.RecordPage(50, base.Add(time.Duration(i)*time.Second))
	}

	m := mc.GetMetrics()
	// Window holds pages 2..4: two intervals over two seconds.
	if m.PagesPerSecond != 1 {
		t.Errorf("expected 1 page/s, got %v", m.PagesPerSecond)
	}
	if m.ItemsPerSecond != 50 {
		t.Errorf("expected 50 items/s, got %v", m.ItemsPerSecond)
	}
	if m.AveragePageTime != time.Second {
		t.Errorf("expected 1s per page, got %v", m.AveragePageTime)
	}

	mc.Reset()
	if m := mc.GetMetrics(); m.PagesPerSecond != 0 {
		t.Errorf("expected empty metrics after reset, got %+v", m)
	}
}

func TestMetricsCollector_TransitionTracking(t *testing.T) {
	mc := NewMetricsCollector(10)
	for i := 0; i < 15; i++ {
		mc.RecordTransition(NewTransition(StateRunning, StatePartial, "limit"))
	}
	if got := len(mc.GetMetrics().StateHistory); got != 10 {
		t.Errorf("expected 10 transitions kept, got %d", got)
	}
}
