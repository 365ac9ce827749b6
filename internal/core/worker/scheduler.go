package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/indexer"
)

// TargetLister lists the targets to schedule.
type TargetLister interface {
	List(ctx context.Context) ([]*domain.SyncTarget, error)
}

// Redriver re-delivers parked events.
type Redriver interface {
	Redrive(ctx context.Context, max int) (int, error)
}

// Config controls pass and redrive cadence.
type Config struct {
	Interval        time.Duration // between passes of one target
	RedriveInterval time.Duration // 0 disables redrive
	RedriveBatch    int
}

// Scheduler runs one goroutine per target, each doing a pass per interval.
type Scheduler struct {
	cfg     Config
	targets TargetLister
	indexer indexer.Indexer
	redrive Redriver // may be nil
	log     *slog.Logger
}

// NewScheduler creates a new Scheduler worker.
func NewScheduler(cfg Config, targets TargetLister, idx indexer.Indexer, redrive Redriver) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RedriveBatch <= 0 {
		cfg.RedriveBatch = 100
	}
	return &Scheduler{
		cfg:     cfg,
		targets: targets,
		indexer: idx,
		redrive: redrive,
		log:     slog.Default().With("component", "scheduler"),
	}
}

// Start runs until ctx is done. Targets are read once at start.
func (s *Scheduler) Start(ctx context.Context) error {
	targets, err := s.targets.List(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		id, name := t.ID, t.FullName()
		g.Go(func() error {
			s.loop(ctx, s.cfg.Interval, func(ctx context.Context) {
				s.pass(ctx, id, name)
			})
			return nil
		})
	}
	if s.redrive != nil && s.cfg.RedriveInterval > 0 {
		g.Go(func() error {
			s.loop(ctx, s.cfg.RedriveInterval, s.redriveOnce)
			return nil
		})
	}

	s.log.Info("Scheduler started", "targets", len(targets), "interval", s.cfg.Interval)
	return g.Wait()
}

// loop runs fn immediately and then on every tick.
func (s *Scheduler) loop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Scheduler) pass(ctx context.Context, id int64, name string) {
	if _, err := s.indexer.RunOnce(ctx, id); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		s.log.Error("Pass failed", "target", name, "error", err)
	}
}

func (s *Scheduler) redriveOnce(ctx context.Context) {
	n, err := s.redrive.Redrive(ctx, s.cfg.RedriveBatch)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("Event redrive failed", "error", err)
		}
		return
	}
	if n > 0 {
		s.log.Info("Redelivered parked events", "count", n)
	}
}
