// Package syncloop walks paginated remote collections into local storage,
// one committed page at a time, resuming from persisted checkpoints.
package syncloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/vietddude/forgesync/internal/core/cursor"
	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/emitter"
	"github.com/vietddude/forgesync/internal/indexing/metrics"
	"github.com/vietddude/forgesync/internal/infra/forge/budget"
	"github.com/vietddude/forgesync/internal/infra/forge/retry"
	"github.com/vietddude/forgesync/internal/infra/storage"
)

// Page is one page of a remote collection.
type Page[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// Applied reports what a stream did with one page.
type Applied struct {
	Processed int
	Changed   int64
	// Done means the stream reached its natural end inside this page.
	Done bool
}

// Stream adapts one remote collection to the loop.
type Stream[T any] interface {
	Name() domain.Stream

	// Since returns the lower bound of a fresh run.
	Since(target *domain.SyncTarget) *time.Time

	Fetch(ctx context.Context, target *domain.SyncTarget, cursor string, since *time.Time, pageSize int) (*Page[T], error)

	// Apply writes a page inside uow. The caller commits.
	Apply(ctx context.Context, uow storage.UnitOfWork, target *domain.SyncTarget, items []T) (Applied, error)
}

// Runner executes a remote call under the retry policy.
type Runner interface {
	Do(ctx context.Context, unit retry.Unit, fn func(ctx context.Context) error) retry.Outcome
}

// Config bounds one run.
type Config struct {
	PageSize int
	MaxPages int // 0 = unbounded
}

// Deps are the collaborators shared by every loop.
type Deps struct {
	Targets    storage.TargetRepository
	UnitOfWork storage.UnitOfWorkFactory
	Cursors    cursor.Manager
	Gate       budget.Gate
	Retry      Runner
	Publisher  emitter.Publisher // may be nil
}

// Loop runs a Stream to completion, a page limit, or an abort.
type Loop[T any] struct {
	cfg    Config
	deps   Deps
	stream Stream[T]
	log    *slog.Logger
	now    func() time.Time
}

// NewLoop creates a loop for stream.
func NewLoop[T any](cfg Config, deps Deps, stream Stream[T]) *Loop[T] {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Loop[T]{
		cfg:    cfg,
		deps:   deps,
		stream: stream,
		log:    slog.Default().With("component", "syncloop", "stream", stream.Name()),
		now:    time.Now,
	}
}

// Run executes one sync run for target. Expected failures are reported in
// the result; items from committed pages are kept whatever the outcome.
func (l *Loop[T]) Run(ctx context.Context, target *domain.SyncTarget) (res domain.SyncResult) {
	name := l.stream.Name()
	res = domain.SyncResult{TargetID: target.ID, Stream: name}
	startedAt := l.now()

	cp, err := l.deps.Cursors.Begin(ctx, target.ID, name, startedAt)
	if err != nil {
		res.Status = domain.StatusAbortedError
		res.Err = err
		l.report(target, res, startedAt)
		return res
	}

	// Items added above the checkpoint after the walk first started are only
	// seen by the next fresh run, so completion marks the sync at that start.
	walkStartedAt := startedAt
	pageCursor := ""
	since := l.stream.Since(target)
	if cp != nil {
		pageCursor = cp.Cursor
		since = cp.Since
		if !cp.RunStartedAt.IsZero() {
			walkStartedAt = cp.RunStartedAt
		}
		l.log.Info("Resuming from checkpoint", "target", target.FullName(), "cursor", pageCursor)
	}

	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Sync run panicked", "target", target.FullName(), "panic", r, "stack", string(debug.Stack()))
			res.Status = domain.StatusAbortedError
			res.Err = fmt.Errorf("panic: %v", r)
		}
		l.finish(ctx, target, &res, startedAt, walkStartedAt)
	}()

	res.Status, res.Err = l.walk(ctx, target, pageCursor, since, &res)
	return res
}

func (l *Loop[T]) walk(ctx context.Context, target *domain.SyncTarget, pageCursor string, since *time.Time, res *domain.SyncResult) (domain.SyncStatus, error) {
	name := l.stream.Name()

	for {
		if err := ctx.Err(); err != nil {
			return domain.StatusAbortedError, err
		}

		if err := l.deps.Gate.Acquire(ctx, target.AuthScope); err != nil {
			if errors.Is(err, budget.ErrBudgetExhausted) {
				return domain.StatusAbortedRateLimit, err
			}
			return domain.StatusAbortedError, err
		}

		var page *Page[T]
		unit := retry.Unit{
			Scope:  target.AuthScope,
			Target: target.FullName(),
			Name:   fmt.Sprintf("%s page %d", name, res.Pages+1),
		}
		outcome := l.deps.Retry.Do(ctx, unit, func(ctx context.Context) error {
			p, err := l.stream.Fetch(ctx, target, pageCursor, since, l.cfg.PageSize)
			page = p
			return err
		})
		if !outcome.OK() {
			return outcome.Status, outcome.Err
		}
		res.Pages++
		metrics.PagesFetched.WithLabelValues(string(name)).Inc()

		if page == nil || len(page.Items) == 0 {
			return domain.StatusCompleted, nil
		}

		applied, err := l.apply(ctx, target, page.Items)
		if err != nil {
			return domain.StatusAbortedError, err
		}
		res.ItemsProcessed += applied.Processed
		metrics.ItemsSynced.WithLabelValues(string(name), string(domain.OriginBulkSync)).Add(float64(applied.Changed))

		if applied.Done || !page.HasMore {
			return domain.StatusCompleted, nil
		}

		pageCursor = page.NextCursor
		if err := l.deps.Cursors.Advance(ctx, target.ID, name, pageCursor, since, applied.Processed); err != nil {
			return domain.StatusAbortedError, err
		}

		if l.cfg.MaxPages > 0 && res.Pages >= l.cfg.MaxPages {
			return domain.StatusPartial, nil
		}
	}
}

// apply writes one page in its own transaction.
func (l *Loop[T]) apply(ctx context.Context, target *domain.SyncTarget, items []T) (Applied, error) {
	uow, err := l.deps.UnitOfWork.NewUnitOfWork(ctx)
	if err != nil {
		return Applied{}, fmt.Errorf("failed to start unit of work: %w", err)
	}
	defer uow.Rollback()

	applied, err := l.stream.Apply(ctx, uow, target, items)
	if err != nil {
		return Applied{}, fmt.Errorf("failed to apply page: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return Applied{}, fmt.Errorf("failed to commit page: %w", err)
	}
	return applied, nil
}

// finish moves the run to its terminal state. It runs on a detached context
// so a cancelled run still records where it stopped.
func (l *Loop[T]) finish(ctx context.Context, target *domain.SyncTarget, res *domain.SyncResult, startedAt, walkStartedAt time.Time) {
	ctx = context.WithoutCancel(ctx)
	name := l.stream.Name()

	if err := l.deps.Cursors.Finish(ctx, target.ID, name, res.Status); err != nil {
		l.log.Error("Failed to finish run", "target", target.FullName(), "error", err)
	}

	if res.Status == domain.StatusCompleted {
		if err := l.deps.Targets.MarkSynced(ctx, target.ID, name, walkStartedAt); err != nil {
			l.log.Error("Failed to mark target synced", "target", target.FullName(), "error", err)
		}
		l.publishCompleted(ctx, target, *res, startedAt)
	}

	l.report(target, *res, startedAt)
}

func (l *Loop[T]) publishCompleted(ctx context.Context, target *domain.SyncTarget, res domain.SyncResult, startedAt time.Time) {
	if l.deps.Publisher == nil {
		return
	}
	key := fmt.Sprintf("sync:%d:%s:%d", target.ID, res.Stream, startedAt.UnixNano())
	ev := emitter.NewEvent(domain.EventSyncCompleted, target, domain.OriginBulkSync, key, map[string]any{
		"stream": string(res.Stream),
		"items":  res.ItemsProcessed,
		"pages":  res.Pages,
	})
	if err := l.deps.Publisher.Publish(ctx, ev); err != nil {
		l.log.Warn("Failed to publish sync completion", "target", target.FullName(), "error", err)
	}
}

func (l *Loop[T]) report(target *domain.SyncTarget, res domain.SyncResult, startedAt time.Time) {
	name := string(l.stream.Name())
	metrics.SyncResults.WithLabelValues(name, string(res.Status)).Inc()
	metrics.SyncDuration.WithLabelValues(name).Observe(l.now().Sub(startedAt).Seconds())

	attrs := []any{
		"target", target.FullName(),
		"status", res.Status,
		"items", res.ItemsProcessed,
		"pages", res.Pages,
		"took", l.now().Sub(startedAt).Round(time.Millisecond),
	}
	if res.Err != nil {
		l.log.Warn("Sync run stopped", append(attrs, "error", res.Err)...)
		return
	}
	l.log.Info("Sync run finished", attrs...)
}
