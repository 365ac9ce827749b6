package domain

import "time"

// Stream names one paginated collection synced for a target.
type Stream string

const (
	StreamCommits Stream = "commits"
	StreamPulls   Stream = "pulls"
)

// Checkpoint is the persisted pagination position of an unfinished sync run.
// It only exists while there is something to resume.
type Checkpoint struct {
	TargetID     int64
	Stream       Stream
	Cursor       string
	Since        *time.Time // lower bound the interrupted run was started with
	// RunStartedAt is when the first run of this walk started. Resumed runs
	// keep it so a completed walk marks the sync at the original start.
	RunStartedAt time.Time
	UpdatedAt    time.Time
}

// RunState is the state of one paginated sync run.
type RunState string

const (
	RunStateIdle             RunState = "idle"
	RunStateRunning          RunState = "running"
	RunStateCompleted        RunState = "completed"
	RunStatePartial          RunState = "partial"
	RunStateAbortedRateLimit RunState = "aborted_rate_limit"
	RunStateAbortedError     RunState = "aborted_error"
)

// SyncStatus is the caller-visible outcome of a sync, enrichment or backfill run.
type SyncStatus string

const (
	StatusCompleted        SyncStatus = "COMPLETED"
	StatusPartial          SyncStatus = "PARTIAL"
	StatusAbortedRateLimit SyncStatus = "ABORTED_RATE_LIMIT"
	StatusAbortedError     SyncStatus = "ABORTED_ERROR"
)

// RunState maps a final status onto the run state machine.
func (s SyncStatus) RunState() RunState {
	switch s {
	case StatusCompleted:
		return RunStateCompleted
	case StatusPartial:
		return RunStatePartial
	case StatusAbortedRateLimit:
		return RunStateAbortedRateLimit
	default:
		return RunStateAbortedError
	}
}

// SyncResult is returned by a paginated sync run. Expected failures are
// reported here rather than as errors so that partial progress is kept.
type SyncResult struct {
	TargetID       int64
	Stream         Stream
	Status         SyncStatus
	ItemsProcessed int
	Pages          int
	Err            error
}
