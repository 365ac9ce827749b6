package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
)

var (
	// ErrTargetNotFound is returned when a sync target doesn't exist
	ErrTargetNotFound = errors.New("sync target not found")

	// ErrUnitOfWorkDone is returned when a finished unit of work is reused
	ErrUnitOfWorkDone = errors.New("unit of work already completed")
)

// TargetRepository handles sync target storage operations
type TargetRepository interface {
	// Get retrieves a target by ID
	Get(ctx context.Context, id int64) (*domain.SyncTarget, error)

	// GetByFullName retrieves a target by owner and repository name
	GetByFullName(ctx context.Context, owner, name string) (*domain.SyncTarget, error)

	// List retrieves all targets
	List(ctx context.Context) ([]*domain.SyncTarget, error)

	// Save inserts or updates a target's identity fields and assigns its ID
	Save(ctx context.Context, target *domain.SyncTarget) error

	// MarkSynced records a completed sync of a stream. Completing the pulls
	// stream also establishes the recent-sync low-water mark for backfill.
	MarkSynced(ctx context.Context, id int64, stream domain.Stream, at time.Time) error

	// SaveBackfill persists the backfill state
	SaveBackfill(ctx context.Context, id int64, state domain.BackfillState) error
}

// CheckpointRepository persists pagination checkpoints. Writes are committed
// on their own, outside any page transaction.
type CheckpointRepository interface {
	// Get returns the checkpoint or nil when there is nothing to resume
	Get(ctx context.Context, targetID int64, stream domain.Stream) (*domain.Checkpoint, error)

	// Save upserts the checkpoint
	Save(ctx context.Context, cp *domain.Checkpoint) error

	// Clear removes the checkpoint. Clearing a missing checkpoint is not an error.
	Clear(ctx context.Context, targetID int64, stream domain.Stream) error

	// List returns all stored checkpoints
	List(ctx context.Context) ([]*domain.Checkpoint, error)
}

// CommitRepository handles commit reads and enrichment writes
type CommitRepository interface {
	// GetBySHA retrieves a commit by natural key, nil if absent
	GetBySHA(ctx context.Context, targetID int64, sha string) (*domain.Commit, error)

	// ListUnresolved returns commits with an email but no author login, in
	// first-seen order
	ListUnresolved(ctx context.Context, targetID int64, limit int) ([]*domain.Commit, error)

	// ListMissingStats returns commits with unknown diff statistics, in first-seen order
	ListMissingStats(ctx context.Context, targetID int64, limit int) ([]*domain.Commit, error)

	// SetAuthorLoginIfNull sets the login on every commit of the email whose
	// login is still null
	SetAuthorLoginIfNull(ctx context.Context, targetID int64, email, login string) (int64, error)

	// FillStatsIfNull fills diff statistics that are still null
	FillStatsIfNull(ctx context.Context, targetID int64, sha string, stats domain.DiffStats) (int64, error)

	// SyncedSHAs returns every stored commit key for the target
	SyncedSHAs(ctx context.Context, targetID int64) ([]string, error)

	// Count returns the number of stored commits
	Count(ctx context.Context, targetID int64) (int, error)
}

// PullRequestRepository handles pull request reads
type PullRequestRepository interface {
	// GetByNumber retrieves a pull request by natural key, nil if absent
	GetByNumber(ctx context.Context, targetID int64, number int64) (*domain.PullRequest, error)

	// LowestSyncedNumber returns the lowest synced number, false if none
	LowestSyncedNumber(ctx context.Context, targetID int64) (int64, bool, error)

	// CountSynced returns the number of synced pull requests
	CountSynced(ctx context.Context, targetID int64) (int, error)
}

// IdentityRepository stores known email to login mappings
type IdentityRepository interface {
	// LookupByEmail returns the login for an exact (normalized) email
	LookupByEmail(ctx context.Context, email string) (string, bool, error)

	// Remember upserts a mapping
	Remember(ctx context.Context, identity domain.Identity) error
}

// UnitOfWork bundles record writes into one local transaction
type UnitOfWork interface {
	// UpsertCommits inserts commits or fills their unknown fields
	UpsertCommits(ctx context.Context, commits []*domain.Commit) (domain.UpsertResult, error)

	// UpsertPullRequests inserts pull requests or updates them fill-forward
	UpsertPullRequests(ctx context.Context, pulls []*domain.PullRequest) (domain.UpsertResult, error)

	// RememberIdentities upserts mappings learned from the written records
	RememberIdentities(ctx context.Context, identities []domain.Identity) error

	// CreatedCommits returns the SHAs this unit of work inserted. Only the
	// value read after Commit is final: a row another writer committed first
	// is not reported.
	CreatedCommits() []string

	// Commit commits the transaction
	Commit() error

	// Rollback aborts the transaction. Safe to call after Commit.
	Rollback() error
}

// UnitOfWorkFactory opens units of work
type UnitOfWorkFactory interface {
	NewUnitOfWork(ctx context.Context) (UnitOfWork, error)
}

// Store groups every repository the engine needs
type Store struct {
	Targets     TargetRepository
	Checkpoints CheckpointRepository
	Commits     CommitRepository
	Pulls       PullRequestRepository
	Identities  IdentityRepository
	UnitOfWork  UnitOfWorkFactory
}
