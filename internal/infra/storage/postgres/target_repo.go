package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/infra/storage"
)

const targetColumns = `id, auth_scope, owner, name, branch, remote_url,
	commits_synced_at, pulls_synced_at, recent_sync_completed_at,
	backfill_high_water_mark, backfill_checkpoint, backfill_initialized,
	backfill_complete, backfill_last_run_at, created_at, updated_at`

type targetRow struct {
	ID                    int64      `db:"id"`
	AuthScope             string     `db:"auth_scope"`
	Owner                 string     `db:"owner"`
	Name                  string     `db:"name"`
	Branch                string     `db:"branch"`
	RemoteURL             string     `db:"remote_url"`
	CommitsSyncedAt       *time.Time `db:"commits_synced_at"`
	PullsSyncedAt         *time.Time `db:"pulls_synced_at"`
	RecentSyncCompletedAt *time.Time `db:"recent_sync_completed_at"`
	BackfillHighWaterMark int64      `db:"backfill_high_water_mark"`
	BackfillCheckpoint    int64      `db:"backfill_checkpoint"`
	BackfillInitialized   bool       `db:"backfill_initialized"`
	BackfillComplete      bool       `db:"backfill_complete"`
	BackfillLastRunAt     *time.Time `db:"backfill_last_run_at"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

func (r targetRow) toDomain() *domain.SyncTarget {
	return &domain.SyncTarget{
		ID:                    r.ID,
		AuthScope:             r.AuthScope,
		Owner:                 r.Owner,
		Name:                  r.Name,
		Branch:                r.Branch,
		RemoteURL:             r.RemoteURL,
		CommitsSyncedAt:       r.CommitsSyncedAt,
		PullsSyncedAt:         r.PullsSyncedAt,
		RecentSyncCompletedAt: r.RecentSyncCompletedAt,
		Backfill: domain.BackfillState{
			HighWaterMark: r.BackfillHighWaterMark,
			Checkpoint:    r.BackfillCheckpoint,
			Initialized:   r.BackfillInitialized,
			Complete:      r.BackfillComplete,
			LastRunAt:     r.BackfillLastRunAt,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// TargetRepo implements storage.TargetRepository using PostgreSQL.
type TargetRepo struct {
	db *DB
}

// NewTargetRepo creates a new PostgreSQL target repository.
func NewTargetRepo(db *DB) *TargetRepo {
	return &TargetRepo{db: db}
}

// Get retrieves a target by ID.
func (r *TargetRepo) Get(ctx context.Context, id int64) (*domain.SyncTarget, error) {
	var row targetRow
	err := r.db.GetContext(ctx, &row, `SELECT `+targetColumns+` FROM sync_targets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", storage.ErrTargetNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}
	return row.toDomain(), nil
}

// GetByFullName retrieves a target by owner and name.
func (r *TargetRepo) GetByFullName(ctx context.Context, owner, name string) (*domain.SyncTarget, error) {
	var row targetRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+targetColumns+` FROM sync_targets WHERE owner = $1 AND name = $2`, owner, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrTargetNotFound, owner, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}
	return row.toDomain(), nil
}

// List returns every target ordered by ID.
func (r *TargetRepo) List(ctx context.Context) ([]*domain.SyncTarget, error) {
	var rows []targetRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+targetColumns+` FROM sync_targets ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	out := make([]*domain.SyncTarget, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// Save registers a target or updates its settings, keyed by owner/name.
func (r *TargetRepo) Save(ctx context.Context, target *domain.SyncTarget) error {
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO sync_targets (auth_scope, owner, name, branch, remote_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner, name) DO UPDATE SET
			auth_scope = EXCLUDED.auth_scope,
			branch = EXCLUDED.branch,
			remote_url = EXCLUDED.remote_url,
			updated_at = now()
		RETURNING id`,
		target.AuthScope, target.Owner, target.Name, target.Branch, target.RemoteURL,
	).Scan(&target.ID)
	if err != nil {
		return fmt.Errorf("failed to save target: %w", err)
	}
	return nil
}

// MarkSynced records the completion time of a stream's sync.
func (r *TargetRepo) MarkSynced(ctx context.Context, id int64, stream domain.Stream, at time.Time) error {
	var query string
	switch stream {
	case domain.StreamCommits:
		query = `UPDATE sync_targets SET commits_synced_at = $2, updated_at = now() WHERE id = $1`
	case domain.StreamPulls:
		query = `UPDATE sync_targets SET pulls_synced_at = $2, recent_sync_completed_at = $2, updated_at = now() WHERE id = $1`
	default:
		return fmt.Errorf("unknown stream %q", stream)
	}
	return r.execOne(ctx, id, query, id, at)
}

// SaveBackfill persists the backfill state of a target.
func (r *TargetRepo) SaveBackfill(ctx context.Context, id int64, state domain.BackfillState) error {
	return r.execOne(ctx, id, `
		UPDATE sync_targets SET
			backfill_high_water_mark = $2,
			backfill_checkpoint = $3,
			backfill_initialized = $4,
			backfill_complete = $5,
			backfill_last_run_at = $6,
			updated_at = now()
		WHERE id = $1`,
		id, state.HighWaterMark, state.Checkpoint, state.Initialized, state.Complete, state.LastRunAt,
	)
}

func (r *TargetRepo) execOne(ctx context.Context, id int64, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update target: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update target: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", storage.ErrTargetNotFound, id)
	}
	return nil
}
