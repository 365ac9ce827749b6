// Package indexer runs the per-target pass: bulk sync of commits, recent pull
// requests, enrichment and one backfill step, strictly in that order.
package indexer

import (
	"context"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/backfill"
	"github.com/vietddude/forgesync/internal/indexing/enrich"
	"github.com/vietddude/forgesync/internal/infra/storage"
)

// Indexer runs passes over sync targets
type Indexer interface {
	// RunOnce executes one full pass for the target
	RunOnce(ctx context.Context, targetID int64) (PassResult, error)

	// GetStatus returns the outcome of the last pass
	GetStatus(targetID int64) Status
}

// SyncRunner is one paginated stream loop.
type SyncRunner interface {
	Run(ctx context.Context, target *domain.SyncTarget) domain.SyncResult
}

// Enricher fills unknown author identities and statistics.
type Enricher interface {
	Run(ctx context.Context, target *domain.SyncTarget) enrich.Result
}

// Backfiller walks historical pull requests one batch at a time.
type Backfiller interface {
	RunOnce(ctx context.Context, target *domain.SyncTarget) (backfill.Result, error)
}

// Phase names a step of the pass.
type Phase string

const (
	PhaseCommits  Phase = "commits"
	PhasePulls    Phase = "pulls"
	PhaseEnrich   Phase = "enrich"
	PhaseBackfill Phase = "backfill"
)

// PassResult collects the outcome of every phase of one pass.
type PassResult struct {
	Target     string
	Commits    *domain.SyncResult
	Pulls      *domain.SyncResult
	Enrichment *enrich.Result
	Backfill   *backfill.Result
	Skipped    []Phase
	StoppedBy  domain.SyncStatus
	Duration   time.Duration
}

// Status is the last known pass outcome of a target.
type Status struct {
	TargetID  int64
	Running   bool
	Passes    int
	LastPass  *PassResult
	LastRunAt time.Time
}

// Config holds the phase runners of a pipeline. Nil runners are skipped.
type Config struct {
	Targets  storage.TargetRepository
	Commits  SyncRunner
	Pulls    SyncRunner
	Enricher Enricher
	Backfill Backfiller
}
