package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/emitter"
	"github.com/vietddude/forgesync/internal/indexing/metrics"
	"github.com/vietddude/forgesync/internal/infra/forge"
	"github.com/vietddude/forgesync/internal/infra/forge/budget"
	"github.com/vietddude/forgesync/internal/infra/forge/retry"
)

// ProcessorConfig configures the processor rate limits.
type ProcessorConfig struct {
	BatchSize          int           // Numbers looked up per run (default: 50)
	MinRemainingBudget int           // Defer while the scope has less left (default: 500)
	Cooldown           time.Duration // Minimum time between runs of a target
	IdleWait           time.Duration // Wait in Run when not ready yet
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:          50,
		MinRemainingBudget: 500,
		Cooldown:           time.Minute,
		IdleWait:           30 * time.Second,
	}
}

// Action is what RunOnce did.
type Action string

const (
	ActionNotReady       Action = "not_ready"
	ActionCooldown       Action = "cooldown"
	ActionBudgetDeferred Action = "budget_deferred"
	ActionProgressed     Action = "progressed"
	ActionAborted        Action = "aborted"
	ActionComplete       Action = "complete"
)

// Result describes one RunOnce.
type Result struct {
	Action  Action
	State   domain.BackfillState
	Status  domain.SyncStatus // status of the batch, empty when none ran
	Visited int
	Found   int
	Err     error // abort cause of the batch
}

// Remaining is the number of historical numbers not visited yet.
func (r Result) Remaining() int64 {
	return r.State.Remaining()
}

// Processor walks one batch of history per run.
type Processor struct {
	config   ProcessorConfig
	deps     Deps
	detector *Detector

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.RWMutex
	stats map[int64]*ProcessorStats
}

// ProcessorStats tracks processing statistics.
type ProcessorStats struct {
	Runs          int
	Batches       int
	Found         int
	Aborted       int
	LastProcessed time.Time
}

// SetClock overrides the clock and sleeper. Used by tests.
func (p *Processor) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	if now != nil {
		p.now = now
	}
	if sleep != nil {
		p.sleep = sleep
	}
}

// RunOnce advances the state machine of target by at most one batch.
// The returned error covers storage failures only; a failed batch is
// reported through Result.Status.
func (p *Processor) RunOnce(ctx context.Context, target *domain.SyncTarget) (Result, error) {
	log := slog.Default().With("component", "backfill", "target", target.FullName())
	state := target.Backfill
	res := Result{State: state}

	if state.Complete {
		res.Action = ActionComplete
		return res, nil
	}

	if !state.Initialized {
		initial, err := p.detector.Initialize(ctx, target)
		if errors.Is(err, ErrNotReady) {
			res.Action = ActionNotReady
			return res, nil
		}
		if err != nil {
			return res, err
		}
		if err := p.deps.Targets.SaveBackfill(ctx, target.ID, initial); err != nil {
			return res, fmt.Errorf("failed to save backfill state: %w", err)
		}
		state = initial
		res.State = state
		p.gauge(target, state)
		log.Info("Backfill initialized", "high_water_mark", state.HighWaterMark, "complete", state.Complete)
		if state.Complete {
			res.Action = ActionComplete
			return res, nil
		}
	}

	now := p.now()
	if state.LastRunAt != nil && p.config.Cooldown > 0 && now.Sub(*state.LastRunAt) < p.config.Cooldown {
		res.Action = ActionCooldown
		return res, nil
	}

	if remaining := p.deps.Gate.Remaining(target.AuthScope); remaining >= 0 && remaining < p.config.MinRemainingBudget {
		log.Debug("Backfill deferred, budget low", "remaining", remaining, "min", p.config.MinRemainingBudget)
		res.Action = ActionBudgetDeferred
		return res, nil
	}

	numbers := NextBatch(state, p.config.BatchSize)
	found, status, err := p.lookup(ctx, target, numbers)
	p.recordRun(target.ID)

	if status != domain.StatusCompleted {
		// Keep the checkpoint; the cooldown spaces out the retry.
		state.LastRunAt = &now
		if saveErr := p.deps.Targets.SaveBackfill(ctx, target.ID, state); saveErr != nil {
			return res, fmt.Errorf("failed to save backfill state: %w", saveErr)
		}
		p.recordAborted(target.ID)
		log.Warn("Backfill batch aborted", "status", status, "checkpoint", state.Checkpoint, "error", err)
		return Result{Action: ActionAborted, State: state, Status: status, Err: err}, nil
	}

	pulls := make([]*domain.PullRequest, 0, len(found))
	for _, n := range numbers {
		pr, ok := found[n]
		if !ok {
			continue
		}
		pr.TargetID = target.ID
		pr.Synced = true
		pr.Origin = domain.OriginBulkSync
		pulls = append(pulls, pr)
	}
	if err := p.write(ctx, pulls); err != nil {
		return res, err
	}

	from := state.Checkpoint
	state.Checkpoint -= int64(len(numbers))
	if state.Checkpoint <= 0 {
		state.Checkpoint = 0
		state.Complete = true
	}
	state.LastRunAt = &now
	if err := p.deps.Targets.SaveBackfill(ctx, target.ID, state); err != nil {
		return res, fmt.Errorf("failed to save backfill state: %w", err)
	}

	p.recordBatch(target.ID, len(pulls))
	p.gauge(target, state)
	p.publish(ctx, target, state, from, len(numbers), len(pulls))

	res = Result{
		Action:  ActionProgressed,
		State:   state,
		Status:  domain.StatusCompleted,
		Visited: len(numbers),
		Found:   len(pulls),
	}
	if state.Complete {
		res.Action = ActionComplete
	}
	log.Info("Backfill batch done",
		"from", from,
		"visited", len(numbers),
		"found", len(pulls),
		"remaining", state.Remaining(),
	)
	return res, nil
}

func (p *Processor) lookup(ctx context.Context, target *domain.SyncTarget, numbers []int64) (map[int64]*domain.PullRequest, domain.SyncStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.StatusAbortedError, err
	}
	if err := p.deps.Gate.Acquire(ctx, target.AuthScope); err != nil {
		if errors.Is(err, budget.ErrBudgetExhausted) {
			return nil, domain.StatusAbortedRateLimit, err
		}
		return nil, domain.StatusAbortedError, err
	}

	var found map[int64]*domain.PullRequest
	unit := retry.Unit{
		Scope:  target.AuthScope,
		Target: target.FullName(),
		Name:   "backfill from " + strconv.FormatInt(numbers[0], 10),
	}
	outcome := p.deps.Retry.Do(ctx, unit, func(ctx context.Context) error {
		var err error
		found, err = p.deps.Remote.LookupPullRequests(ctx, forge.RepoOf(target), numbers)
		return err
	})
	if !outcome.OK() {
		return nil, outcome.Status, outcome.Err
	}
	return found, domain.StatusCompleted, nil
}

func (p *Processor) write(ctx context.Context, pulls []*domain.PullRequest) error {
	if len(pulls) == 0 {
		return nil
	}
	uow, err := p.deps.UnitOfWork.NewUnitOfWork(ctx)
	if err != nil {
		return fmt.Errorf("failed to start unit of work: %w", err)
	}
	defer uow.Rollback()

	if _, err := uow.UpsertPullRequests(ctx, pulls); err != nil {
		return fmt.Errorf("failed to upsert pull requests: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, target *domain.SyncTarget, state domain.BackfillState, from int64, visited, found int) {
	if p.deps.Publisher == nil {
		return
	}
	key := fmt.Sprintf("backfill:%d:%d", target.ID, from)
	ev := emitter.NewEvent(domain.EventBackfillProgressed, target, domain.OriginBulkSync, key, map[string]any{
		"from":      from,
		"visited":   visited,
		"found":     found,
		"remaining": state.Remaining(),
		"complete":  state.Complete,
	})
	if err := p.deps.Publisher.Publish(ctx, ev); err != nil {
		slog.Warn("Failed to publish backfill progress", "target", target.FullName(), "error", err)
	}
}

// Run walks the history of a target until it is complete. Blocks until
// then or until context is cancelled.
func (p *Processor) Run(ctx context.Context, targetID int64) error {
	for {
		target, err := p.deps.Targets.Get(ctx, targetID)
		if err != nil {
			return fmt.Errorf("failed to load target: %w", err)
		}

		res, err := p.RunOnce(ctx, target)
		wait := p.config.Cooldown
		switch {
		case err != nil:
			slog.Error("Backfill run failed", "target", target.FullName(), "error", err)
			wait = p.config.IdleWait
		case res.Action == ActionComplete:
			return nil
		case res.Action == ActionNotReady, res.Action == ActionBudgetDeferred:
			wait = p.config.IdleWait
		case res.Action == ActionCooldown && res.State.LastRunAt != nil:
			wait = p.config.Cooldown - p.now().Sub(*res.State.LastRunAt)
		}

		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// GetStats returns processing statistics for a target.
func (p *Processor) GetStats(targetID int64) ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if s, ok := p.stats[targetID]; ok {
		return *s
	}
	return ProcessorStats{}
}

func (p *Processor) statsLocked(targetID int64) *ProcessorStats {
	if p.stats == nil {
		p.stats = make(map[int64]*ProcessorStats)
	}
	s, ok := p.stats[targetID]
	if !ok {
		s = &ProcessorStats{}
		p.stats[targetID] = s
	}
	return s
}

func (p *Processor) recordRun(targetID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statsLocked(targetID).Runs++
}

func (p *Processor) recordBatch(targetID int64, found int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.statsLocked(targetID)
	s.Batches++
	s.Found += found
	s.LastProcessed = p.now()
}

func (p *Processor) recordAborted(targetID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statsLocked(targetID).Aborted++
}

func (p *Processor) gauge(target *domain.SyncTarget, state domain.BackfillState) {
	metrics.BackfillRemaining.WithLabelValues(target.FullName()).Set(float64(state.Remaining()))
}
