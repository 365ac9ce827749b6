package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/indexer"
)

type stubTargets struct {
	targets []*domain.SyncTarget
	err     error
}

func (s *stubTargets) List(ctx context.Context) ([]*domain.SyncTarget, error) {
	return s.targets, s.err
}

// countingIndexer cancels the run once every target has had n passes.
type countingIndexer struct {
	mu     sync.Mutex
	passes map[int64]int
	want   int
	cancel context.CancelFunc
}

func (c *countingIndexer) RunOnce(ctx context.Context, targetID int64) (indexer.PassResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passes[targetID]++
	done := len(c.passes) == 2
	for _, n := range c.passes {
		if n < c.want {
			done = false
		}
	}
	if done {
		c.cancel()
	}
	return indexer.PassResult{}, errors.New("remote down")
}

func (c *countingIndexer) GetStatus(targetID int64) indexer.Status {
	return indexer.Status{TargetID: targetID}
}

type stubRedriver struct {
	mu    sync.Mutex
	calls int
}

func (r *stubRedriver) Redrive(ctx context.Context, max int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 1, nil
}

func (r *stubRedriver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestScheduler_PassesEveryTarget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	idx := &countingIndexer{passes: make(map[int64]int), want: 2, cancel: cancel}
	redrive := &stubRedriver{}
	targets := &stubTargets{targets: []*domain.SyncTarget{
		{ID: 1, Owner: "acme", Name: "api"},
		{ID: 2, Owner: "acme", Name: "web"},
	}}
	s := NewScheduler(Config{Interval: 10 * time.Millisecond, RedriveInterval: 10 * time.Millisecond}, targets, idx, redrive)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.Fatalf("scheduler did not reach two passes per target")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for id, n := range idx.passes {
		if n < 2 {
			t.Errorf("target %d: expected at least 2 passes, got %d", id, n)
		}
	}
	if redrive.count() == 0 {
		t.Errorf("expected redrive to run")
	}
}

func TestScheduler_ListError(t *testing.T) {
	want := errors.New("db down")
	s := NewScheduler(Config{}, &stubTargets{err: want}, &countingIndexer{}, nil)

	if err := s.Start(context.Background()); !errors.Is(err, want) {
		t.Errorf("expected list error, got %v", err)
	}
}
