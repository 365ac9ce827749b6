// Package cursor tracks resumable pagination for each sync target and stream.
//
// # Purpose
//
// A sync run walks a remote collection page by page. The cursor manager is
// the "bookmark" for that walk:
//   - Checkpoint: the continuation token of the next page, persisted after
//     every committed page so a crashed or aborted run resumes from there
//   - Run state: where the current run is in its lifecycle
//   - Metrics: throughput of recent pages and the last few transitions
//
// # Key Features
//
// State Machine - Only allows valid transitions:
//
//	IDLE → RUNNING → RUNNING → COMPLETED (valid)
//	COMPLETED → PARTIAL (invalid - a finished run must start again first)
//
// Checkpoint Lifecycle - A checkpoint exists only while there is something
// to resume. Finishing with COMPLETED clears it; every other outcome keeps
// the last one so the next run picks up at the first unprocessed page.
//
// Independent Writes - Checkpoints are written through their own repository
// call, never inside the page transaction, so they survive the enclosing
// run's failure.
//
// # Quick Start
//
//	manager := cursor.NewManager(checkpointRepo)
//
//	cp, _ := manager.Begin(ctx, targetID, domain.StreamCommits, time.Now())
//	// fetch page at cp.Cursor, commit it, then:
//	manager.Advance(ctx, targetID, domain.StreamCommits, next, since, 50)
//	// ...
//	manager.Finish(ctx, targetID, domain.StreamCommits, domain.StatusCompleted)
//
// # Package Structure
//
//   - state.go   - Run state machine and valid transitions
//   - manager.go - Checkpoint persistence and state enforcement
//   - metrics.go - Page throughput and state history
package cursor

import (
	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/infra/storage"
)

// State is the run state of one (target, stream) pair.
type State = domain.RunState

// State constants re-exported for convenience.
const (
	StateIdle             = domain.RunStateIdle
	StateRunning          = domain.RunStateRunning
	StateCompleted        = domain.RunStateCompleted
	StatePartial          = domain.RunStatePartial
	StateAbortedRateLimit = domain.RunStateAbortedRateLimit
	StateAbortedError     = domain.RunStateAbortedError
)

// NewManager creates a new cursor manager with the given repository.
func NewManager(repo storage.CheckpointRepository) *DefaultManager {
	return &DefaultManager{
		repo:    repo,
		runs:    make(map[RunKey]*runState),
		windows: 100,
	}
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize:  windowSize,
		pages:       make([]pageRecord, 0, windowSize),
		transitions: make([]Transition, 0, 10),
	}
}
