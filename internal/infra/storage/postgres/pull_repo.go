package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
)

type pullRow struct {
	TargetID    int64      `db:"target_id"`
	Number      int64      `db:"number"`
	Title       string     `db:"title"`
	State       string     `db:"state"`
	AuthorLogin *string    `db:"author_login"`
	CreatedAt   *time.Time `db:"created_at"`
	MergedAt    *time.Time `db:"merged_at"`
	Additions   *int       `db:"additions"`
	Deletions   *int       `db:"deletions"`
	Synced      bool       `db:"synced"`
	Origin      string     `db:"origin"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (r pullRow) toDomain() *domain.PullRequest {
	pr := &domain.PullRequest{
		TargetID:    r.TargetID,
		Number:      r.Number,
		Title:       r.Title,
		State:       r.State,
		AuthorLogin: r.AuthorLogin,
		MergedAt:    r.MergedAt,
		Additions:   r.Additions,
		Deletions:   r.Deletions,
		Synced:      r.Synced,
		Origin:      domain.Origin(r.Origin),
		UpdatedAt:   r.UpdatedAt,
	}
	if r.CreatedAt != nil {
		pr.CreatedAt = *r.CreatedAt
	}
	return pr
}

// PullRequestRepo implements storage.PullRequestRepository using PostgreSQL.
type PullRequestRepo struct {
	db *DB
}

// NewPullRequestRepo creates a new PostgreSQL pull request repository.
func NewPullRequestRepo(db *DB) *PullRequestRepo {
	return &PullRequestRepo{db: db}
}

// GetByNumber retrieves a pull request by natural key.
func (r *PullRequestRepo) GetByNumber(ctx context.Context, targetID int64, number int64) (*domain.PullRequest, error) {
	var row pullRow
	err := r.db.GetContext(ctx, &row, `
		SELECT target_id, number, title, state, author_login, created_at, merged_at,
		       additions, deletions, synced, origin, updated_at
		FROM pull_requests WHERE target_id = $1 AND number = $2`,
		targetID, number,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pull request: %w", err)
	}
	return row.toDomain(), nil
}

// LowestSyncedNumber returns the low-water mark of synced pull requests.
func (r *PullRequestRepo) LowestSyncedNumber(ctx context.Context, targetID int64) (int64, bool, error) {
	var lowest sql.NullInt64
	err := r.db.GetContext(ctx, &lowest,
		`SELECT min(number) FROM pull_requests WHERE target_id = $1 AND synced`, targetID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get lowest synced number: %w", err)
	}
	return lowest.Int64, lowest.Valid, nil
}

// CountSynced returns the number of synced pull requests.
func (r *PullRequestRepo) CountSynced(ctx context.Context, targetID int64) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n,
		`SELECT count(*) FROM pull_requests WHERE target_id = $1 AND synced`, targetID); err != nil {
		return 0, fmt.Errorf("failed to count pull requests: %w", err)
	}
	return n, nil
}
