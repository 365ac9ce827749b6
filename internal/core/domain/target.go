package domain

import (
	"fmt"
	"time"
)

// SyncTarget identifies one remote repository kept in sync.
type SyncTarget struct {
	ID        int64
	AuthScope string // installation or token scope the rate budget is tracked under
	Owner     string
	Name      string
	Branch    string
	RemoteURL string

	CommitsSyncedAt       *time.Time
	PullsSyncedAt         *time.Time
	RecentSyncCompletedAt *time.Time

	Backfill BackfillState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullName returns "owner/name".
func (t *SyncTarget) FullName() string {
	return fmt.Sprintf("%s/%s", t.Owner, t.Name)
}

// BackfillPhase is the state of the historical walk for a target.
type BackfillPhase string

const (
	BackfillUninitialized BackfillPhase = "uninitialized"
	BackfillInitialized   BackfillPhase = "initialized"
	BackfillInProgress    BackfillPhase = "in_progress"
	BackfillComplete      BackfillPhase = "complete"
)

// BackfillState tracks the walk below the recent sync's low-water mark.
// HighWaterMark is lowest synced key - 1; Checkpoint is the next key to visit,
// walking downwards.
type BackfillState struct {
	HighWaterMark int64
	Checkpoint    int64
	Initialized   bool
	Complete      bool
	LastRunAt     *time.Time
}

// Phase derives the state machine position from the persisted fields.
func (b BackfillState) Phase() BackfillPhase {
	switch {
	case b.Complete:
		return BackfillComplete
	case !b.Initialized:
		return BackfillUninitialized
	case b.Checkpoint == b.HighWaterMark:
		return BackfillInitialized
	default:
		return BackfillInProgress
	}
}

// Remaining is the number of historical keys not yet visited. Pull requests
// share their number sequence with issues, so this is an upper bound on the
// pull requests still to sync; which keys are pull requests is only known
// once a batch resolves them.
func (b BackfillState) Remaining() int64 {
	if b.Complete || !b.Initialized || b.Checkpoint <= 0 {
		return 0
	}
	return b.Checkpoint
}
