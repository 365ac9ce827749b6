package backfill

import (
	"context"
	"errors"
	"fmt"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/infra/storage"
)

// ErrNotReady is returned while the recent sync has not established a
// low-water mark yet.
var ErrNotReady = errors.New("recent sync has not completed")

// Detector finds where the historical walk starts without remote calls.
type Detector struct {
	pulls storage.PullRequestRepository
}

// Initialize derives the starting state of an uninitialized target.
// The walk starts just below the lowest pull request the recent sync
// stored; nothing below 1 exists, so a mark of 1 or less is complete
// right away.
func (d *Detector) Initialize(ctx context.Context, target *domain.SyncTarget) (domain.BackfillState, error) {
	state := target.Backfill
	if state.Initialized {
		return state, nil
	}
	if target.RecentSyncCompletedAt == nil {
		return state, ErrNotReady
	}

	lowest, found, err := d.pulls.LowestSyncedNumber(ctx, target.ID)
	if err != nil {
		return state, fmt.Errorf("failed to find low-water mark: %w", err)
	}
	if !found {
		return state, ErrNotReady
	}

	hwm := lowest - 1
	if hwm <= 0 {
		return domain.BackfillState{Initialized: true, Complete: true}, nil
	}
	return domain.BackfillState{
		HighWaterMark: hwm,
		Checkpoint:    hwm,
		Initialized:   true,
	}, nil
}

// NextBatch returns the numbers of the next batch, walking downwards from
// the checkpoint: (checkpoint - size, checkpoint], clipped at 1.
func NextBatch(state domain.BackfillState, size int) []int64 {
	if state.Complete || !state.Initialized || state.Checkpoint <= 0 {
		return nil
	}
	low := max(state.Checkpoint-int64(size)+1, 1)
	out := make([]int64, 0, state.Checkpoint-low+1)
	for n := state.Checkpoint; n >= low; n-- {
		out = append(out, n)
	}
	return out
}
