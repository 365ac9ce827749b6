package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
)

const commitColumns = `target_id, sha, message, author_name, author_email, author_login,
	committed_at, additions, deletions, changed_files, origin, created_at, updated_at`

type commitRow struct {
	TargetID     int64      `db:"target_id"`
	SHA          string     `db:"sha"`
	Message      *string    `db:"message"`
	AuthorName   *string    `db:"author_name"`
	AuthorEmail  *string    `db:"author_email"`
	AuthorLogin  *string    `db:"author_login"`
	CommittedAt  *time.Time `db:"committed_at"`
	Additions    *int       `db:"additions"`
	Deletions    *int       `db:"deletions"`
	ChangedFiles *int       `db:"changed_files"`
	Origin       string     `db:"origin"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

func (r commitRow) toDomain() *domain.Commit {
	c := &domain.Commit{
		TargetID:     r.TargetID,
		SHA:          r.SHA,
		Message:      deref(r.Message),
		AuthorName:   deref(r.AuthorName),
		AuthorEmail:  deref(r.AuthorEmail),
		AuthorLogin:  r.AuthorLogin,
		Additions:    r.Additions,
		Deletions:    r.Deletions,
		ChangedFiles: r.ChangedFiles,
		Origin:       domain.Origin(r.Origin),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.CommittedAt != nil {
		c.CommittedAt = *r.CommittedAt
	}
	return c
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CommitRepo implements storage.CommitRepository using PostgreSQL.
type CommitRepo struct {
	db *DB
}

// NewCommitRepo creates a new PostgreSQL commit repository.
func NewCommitRepo(db *DB) *CommitRepo {
	return &CommitRepo{db: db}
}

// GetBySHA retrieves a commit by natural key.
func (r *CommitRepo) GetBySHA(ctx context.Context, targetID int64, sha string) (*domain.Commit, error) {
	var row commitRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+commitColumns+` FROM commits WHERE target_id = $1 AND sha = $2`, targetID, sha)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commit: %w", err)
	}
	return row.toDomain(), nil
}

func (r *CommitRepo) list(ctx context.Context, where string, targetID int64, limit int) ([]*domain.Commit, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []commitRow
	query := `SELECT ` + commitColumns + ` FROM commits WHERE target_id = $1 AND ` + where + ` ORDER BY id LIMIT $2`
	if err := r.db.SelectContext(ctx, &rows, query, targetID, limit); err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}
	out := make([]*domain.Commit, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// ListUnresolved returns commits with an email but no login, first seen first.
func (r *CommitRepo) ListUnresolved(ctx context.Context, targetID int64, limit int) ([]*domain.Commit, error) {
	return r.list(ctx, `author_login IS NULL AND COALESCE(author_email, '') <> ''`, targetID, limit)
}

// ListMissingStats returns commits with any unknown diff statistic, first seen first.
func (r *CommitRepo) ListMissingStats(ctx context.Context, targetID int64, limit int) ([]*domain.Commit, error) {
	return r.list(ctx, `(additions IS NULL OR deletions IS NULL OR changed_files IS NULL)`, targetID, limit)
}

// SetAuthorLoginIfNull resolves the whole email cluster in one statement.
func (r *CommitRepo) SetAuthorLoginIfNull(ctx context.Context, targetID int64, email, login string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE commits SET author_login = $3, updated_at = now()
		WHERE target_id = $1 AND author_email = $2 AND author_login IS NULL`,
		targetID, email, login,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to set author login: %w", err)
	}
	return res.RowsAffected()
}

// FillStatsIfNull fills diff statistics that are still unknown.
func (r *CommitRepo) FillStatsIfNull(ctx context.Context, targetID int64, sha string, stats domain.DiffStats) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE commits SET
			additions = COALESCE(additions, $3),
			deletions = COALESCE(deletions, $4),
			changed_files = COALESCE(changed_files, $5),
			updated_at = now()
		WHERE target_id = $1 AND sha = $2
		  AND (additions IS NULL OR deletions IS NULL OR changed_files IS NULL)`,
		targetID, sha, stats.Additions, stats.Deletions, stats.ChangedFiles,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fill stats: %w", err)
	}
	return res.RowsAffected()
}

// SyncedSHAs returns every stored commit key of the target, first seen first.
func (r *CommitRepo) SyncedSHAs(ctx context.Context, targetID int64) ([]string, error) {
	var shas []string
	if err := r.db.SelectContext(ctx, &shas, `SELECT sha FROM commits WHERE target_id = $1 ORDER BY id`, targetID); err != nil {
		return nil, fmt.Errorf("failed to list commit shas: %w", err)
	}
	return shas, nil
}

// Count returns the number of stored commits.
func (r *CommitRepo) Count(ctx context.Context, targetID int64) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT count(*) FROM commits WHERE target_id = $1`, targetID); err != nil {
		return 0, fmt.Errorf("failed to count commits: %w", err)
	}
	return n, nil
}
