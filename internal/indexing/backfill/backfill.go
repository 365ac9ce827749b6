// Package backfill walks pull request history below the recent sync.
//
// # Design: Minimize Remote Calls
//
// The starting point comes from the database only (0 remote calls):
//   - Recent sync: the pulls stream records RecentSyncCompletedAt
//   - Low-water mark: PullRequestRepository.LowestSyncedNumber()
//
// Remote calls are only made for one batch of numbers per run.
//
// # Rate Limiting
//
// One batch per cooldown, deferred while the remaining budget of the target's
// scope is below MinRemainingBudget.
//
// # Usage
//
//	detector := backfill.NewDetector(pullRepo)
//	processor := backfill.NewProcessor(backfill.DefaultConfig(), deps, detector)
//
//	// From the per-target pipeline
//	res, err := processor.RunOnce(ctx, target)
//
//	// Or as a background walk
//	go processor.Run(ctx, target.ID)
package backfill

import (
	"context"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/emitter"
	"github.com/vietddude/forgesync/internal/infra/forge"
	"github.com/vietddude/forgesync/internal/infra/forge/budget"
	"github.com/vietddude/forgesync/internal/infra/forge/retry"
	"github.com/vietddude/forgesync/internal/infra/storage"
)

// PullLookup resolves pull request numbers in one call.
type PullLookup interface {
	LookupPullRequests(ctx context.Context, repo forge.Repo, numbers []int64) (map[int64]*domain.PullRequest, error)
}

// Runner executes a remote call under the retry policy.
type Runner interface {
	Do(ctx context.Context, unit retry.Unit, fn func(ctx context.Context) error) retry.Outcome
}

// Deps are the processor's collaborators.
type Deps struct {
	Targets    storage.TargetRepository
	UnitOfWork storage.UnitOfWorkFactory
	Remote     PullLookup
	Gate       budget.Gate
	Retry      Runner
	Publisher  emitter.Publisher // may be nil
}

// NewDetector creates a new low-water mark detector.
func NewDetector(pulls storage.PullRequestRepository) *Detector {
	return &Detector{pulls: pulls}
}

// NewProcessor creates a new processor with the given configuration.
func NewProcessor(config ProcessorConfig, deps Deps, detector *Detector) *Processor {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.IdleWait <= 0 {
		config.IdleWait = DefaultConfig().IdleWait
	}
	return &Processor{
		config:   config,
		deps:     deps,
		detector: detector,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
