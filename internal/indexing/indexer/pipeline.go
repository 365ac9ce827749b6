package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
)

// ErrPassRunning is returned when a pass for the target is already in flight.
var ErrPassRunning = errors.New("pass already running for target")

// Pipeline implements the Indexer interface
type Pipeline struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu     sync.Mutex
	status map[int64]*Status
}

// NewPipeline creates a new per-target pipeline
func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		log:    slog.Default().With("component", "indexer"),
		now:    time.Now,
		status: make(map[int64]*Status),
	}
}

// RunOnce executes commits, pulls, enrichment and backfill for one target.
// A rate-limit abort or cancellation skips the phases after it; other
// failures are recorded and the next phase still runs.
func (p *Pipeline) RunOnce(ctx context.Context, targetID int64) (res PassResult, err error) {
	if !p.begin(targetID) {
		return res, ErrPassRunning
	}
	start := p.now()
	defer func() {
		res.Duration = p.now().Sub(start)
		p.end(targetID, res)
	}()

	target, err := p.cfg.Targets.Get(ctx, targetID)
	if err != nil {
		return res, fmt.Errorf("failed to load target %d: %w", targetID, err)
	}
	res.Target = target.FullName()

	if p.cfg.Commits != nil && !p.skip(ctx, &res, PhaseCommits) {
		r := p.cfg.Commits.Run(ctx, target)
		res.Commits = &r
		p.stopOn(&res, r.Status)
	}
	if p.cfg.Pulls != nil && !p.skip(ctx, &res, PhasePulls) {
		r := p.cfg.Pulls.Run(ctx, target)
		res.Pulls = &r
		p.stopOn(&res, r.Status)
	}

	// Sync runs move the synced-at marks that the later phases read.
	if target, err = p.cfg.Targets.Get(ctx, targetID); err != nil {
		return res, fmt.Errorf("failed to reload target %d: %w", targetID, err)
	}

	if p.cfg.Enricher != nil && !p.skip(ctx, &res, PhaseEnrich) {
		r := p.cfg.Enricher.Run(ctx, target)
		res.Enrichment = &r
		p.stopOn(&res, r.Status)
	}
	if p.cfg.Backfill != nil && !p.skip(ctx, &res, PhaseBackfill) {
		r, err := p.cfg.Backfill.RunOnce(ctx, target)
		if err != nil {
			return res, fmt.Errorf("backfill step failed: %w", err)
		}
		res.Backfill = &r
		p.stopOn(&res, r.Status)
	}

	p.log.Info("Pass finished",
		"target", res.Target,
		"stopped_by", res.StoppedBy,
		"skipped", len(res.Skipped),
		"duration", p.now().Sub(start),
	)
	return res, nil
}

// skip reports whether phase must not run and records it.
func (p *Pipeline) skip(ctx context.Context, res *PassResult, phase Phase) bool {
	if res.StoppedBy == "" && ctx.Err() != nil {
		res.StoppedBy = domain.StatusAbortedError
	}
	if res.StoppedBy != "" {
		res.Skipped = append(res.Skipped, phase)
		return true
	}
	return false
}

func (p *Pipeline) stopOn(res *PassResult, status domain.SyncStatus) {
	if status == domain.StatusAbortedRateLimit {
		res.StoppedBy = status
	}
}

// GetStatus returns the current status
func (p *Pipeline) GetStatus(targetID int64) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.status[targetID]; ok {
		return *s
	}
	return Status{TargetID: targetID}
}

func (p *Pipeline) begin(targetID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.status[targetID]
	if !ok {
		s = &Status{TargetID: targetID}
		p.status[targetID] = s
	}
	if s.Running {
		return false
	}
	s.Running = true
	return true
}

func (p *Pipeline) end(targetID int64, res PassResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.status[targetID]
	s.Running = false
	s.Passes++
	s.LastPass = &res
	s.LastRunAt = p.now()
}
