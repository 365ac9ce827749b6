package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
)

type checkpointRow struct {
	TargetID     int64      `db:"target_id"`
	Stream       string     `db:"stream"`
	Cursor       string     `db:"cursor"`
	Since        *time.Time `db:"since"`
	RunStartedAt *time.Time `db:"run_started_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

func (r checkpointRow) toDomain() *domain.Checkpoint {
	cp := &domain.Checkpoint{
		TargetID:  r.TargetID,
		Stream:    domain.Stream(r.Stream),
		Cursor:    r.Cursor,
		Since:     r.Since,
		UpdatedAt: r.UpdatedAt,
	}
	if r.RunStartedAt != nil {
		cp.RunStartedAt = *r.RunStartedAt
	}
	return cp
}

// CheckpointRepo implements storage.CheckpointRepository using PostgreSQL.
// Every write runs on the pool, outside any unit of work.
type CheckpointRepo struct {
	db *DB
}

// NewCheckpointRepo creates a new PostgreSQL checkpoint repository.
func NewCheckpointRepo(db *DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

// Get retrieves a checkpoint, nil when there is nothing to resume.
func (r *CheckpointRepo) Get(ctx context.Context, targetID int64, stream domain.Stream) (*domain.Checkpoint, error) {
	var row checkpointRow
	err := r.db.GetContext(ctx, &row, `
		SELECT target_id, stream, cursor, since, run_started_at, updated_at
		FROM sync_checkpoints WHERE target_id = $1 AND stream = $2`,
		targetID, string(stream),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return row.toDomain(), nil
}

// Save upserts a checkpoint.
func (r *CheckpointRepo) Save(ctx context.Context, cp *domain.Checkpoint) error {
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (target_id, stream, cursor, since, run_started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (target_id, stream) DO UPDATE SET
			cursor = EXCLUDED.cursor,
			since = EXCLUDED.since,
			run_started_at = EXCLUDED.run_started_at,
			updated_at = EXCLUDED.updated_at`,
		cp.TargetID, string(cp.Stream), cp.Cursor, cp.Since, sql.NullTime{Time: cp.RunStartedAt, Valid: !cp.RunStartedAt.IsZero()}, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Clear removes a checkpoint.
func (r *CheckpointRepo) Clear(ctx context.Context, targetID int64, stream domain.Stream) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_checkpoints WHERE target_id = $1 AND stream = $2`, targetID, string(stream))
	if err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}

// List returns every stored checkpoint.
func (r *CheckpointRepo) List(ctx context.Context) ([]*domain.Checkpoint, error) {
	var rows []checkpointRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT target_id, stream, cursor, since, run_started_at, updated_at
		FROM sync_checkpoints ORDER BY target_id, stream`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := make([]*domain.Checkpoint, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}
