package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/metrics"
	"github.com/vietddude/forgesync/internal/infra/storage"
)

// Fill-forward upsert: known columns are never overwritten, and the update
// only fires when it fills something, so a repeated write reports no rows.
const upsertCommitsSQL = `
	INSERT INTO commits AS c (target_id, sha, message, author_name, author_email, author_login,
		committed_at, additions, deletions, changed_files, origin)
	SELECT * FROM unnest(
		$1::bigint[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[],
		$7::timestamptz[], $8::int[], $9::int[], $10::int[], $11::text[])
	ON CONFLICT (target_id, sha) DO UPDATE SET
		message = COALESCE(c.message, EXCLUDED.message),
		author_name = COALESCE(c.author_name, EXCLUDED.author_name),
		author_email = COALESCE(c.author_email, EXCLUDED.author_email),
		author_login = COALESCE(c.author_login, EXCLUDED.author_login),
		committed_at = COALESCE(c.committed_at, EXCLUDED.committed_at),
		additions = COALESCE(c.additions, EXCLUDED.additions),
		deletions = COALESCE(c.deletions, EXCLUDED.deletions),
		changed_files = COALESCE(c.changed_files, EXCLUDED.changed_files),
		updated_at = now()
	WHERE (c.message IS NULL AND EXCLUDED.message IS NOT NULL)
	   OR (c.author_name IS NULL AND EXCLUDED.author_name IS NOT NULL)
	   OR (c.author_email IS NULL AND EXCLUDED.author_email IS NOT NULL)
	   OR (c.author_login IS NULL AND EXCLUDED.author_login IS NOT NULL)
	   OR (c.committed_at IS NULL AND EXCLUDED.committed_at IS NOT NULL)
	   OR (c.additions IS NULL AND EXCLUDED.additions IS NOT NULL)
	   OR (c.deletions IS NULL AND EXCLUDED.deletions IS NOT NULL)
	   OR (c.changed_files IS NULL AND EXCLUDED.changed_files IS NOT NULL)
	RETURNING sha, (xmax = 0) AS inserted`

// Title and state follow the remote. Everything else fills forward.
const upsertPullRequestsSQL = `
	INSERT INTO pull_requests AS p (target_id, number, title, state, author_login,
		created_at, merged_at, additions, deletions, synced, origin)
	SELECT * FROM unnest(
		$1::bigint[], $2::bigint[], $3::text[], $4::text[], $5::text[],
		$6::timestamptz[], $7::timestamptz[], $8::int[], $9::int[], $10::bool[], $11::text[])
	ON CONFLICT (target_id, number) DO UPDATE SET
		title = COALESCE(NULLIF(EXCLUDED.title, ''), p.title),
		state = COALESCE(NULLIF(EXCLUDED.state, ''), p.state),
		author_login = COALESCE(p.author_login, EXCLUDED.author_login),
		created_at = COALESCE(p.created_at, EXCLUDED.created_at),
		merged_at = COALESCE(p.merged_at, EXCLUDED.merged_at),
		additions = COALESCE(p.additions, EXCLUDED.additions),
		deletions = COALESCE(p.deletions, EXCLUDED.deletions),
		synced = p.synced OR EXCLUDED.synced,
		updated_at = now()
	WHERE (EXCLUDED.title <> '' AND EXCLUDED.title <> p.title)
	   OR (EXCLUDED.state <> '' AND EXCLUDED.state <> p.state)
	   OR (p.author_login IS NULL AND EXCLUDED.author_login IS NOT NULL)
	   OR (p.created_at IS NULL AND EXCLUDED.created_at IS NOT NULL)
	   OR (p.merged_at IS NULL AND EXCLUDED.merged_at IS NOT NULL)
	   OR (p.additions IS NULL AND EXCLUDED.additions IS NOT NULL)
	   OR (p.deletions IS NULL AND EXCLUDED.deletions IS NOT NULL)
	   OR (EXCLUDED.synced AND NOT p.synced)
	RETURNING number, (xmax = 0) AS inserted`

// UnitOfWork bundles record writes into a single database transaction,
// ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	db      *DB
	tx      *sqlx.Tx
	created []string
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (storage.UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{db: db, tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return storage.ErrUnitOfWorkDone
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// UpsertCommits writes a page of commits with one multi-row statement.
func (u *UnitOfWork) UpsertCommits(ctx context.Context, commits []*domain.Commit) (domain.UpsertResult, error) {
	var res domain.UpsertResult
	if u.tx == nil {
		return res, storage.ErrUnitOfWorkDone
	}
	commits = dedupeCommits(commits)
	if len(commits) == 0 {
		return res, nil
	}

	n := len(commits)
	targetIDs := make([]int64, n)
	shas := make([]string, n)
	messages := make([]sql.NullString, n)
	names := make([]sql.NullString, n)
	emails := make([]sql.NullString, n)
	logins := make([]sql.NullString, n)
	committedAt := make([]sql.NullString, n)
	additions := make([]sql.NullInt64, n)
	deletions := make([]sql.NullInt64, n)
	changedFiles := make([]sql.NullInt64, n)
	origins := make([]string, n)

	for i, c := range commits {
		targetIDs[i] = c.TargetID
		shas[i] = c.SHA
		messages[i] = nullString(c.Message)
		names[i] = nullString(c.AuthorName)
		emails[i] = nullString(c.AuthorEmail)
		logins[i] = nullStringPtr(c.AuthorLogin)
		committedAt[i] = nullTime(c.CommittedAt)
		additions[i] = nullInt(c.Additions)
		deletions[i] = nullInt(c.Deletions)
		changedFiles[i] = nullInt(c.ChangedFiles)
		origins[i] = string(c.Origin)
	}

	// Record batch size metric
	metrics.DBBatchSize.WithLabelValues("upsert_commits").Observe(float64(n))

	rows, err := u.tx.QueryxContext(ctx, upsertCommitsSQL,
		pq.Array(targetIDs), pq.Array(shas), pq.Array(messages), pq.Array(names),
		pq.Array(emails), pq.Array(logins), pq.Array(committedAt), pq.Array(additions),
		pq.Array(deletions), pq.Array(changedFiles), pq.Array(origins),
	)
	if err != nil {
		return res, fmt.Errorf("failed to upsert commits: %w", err)
	}
	defer rows.Close()

	inserted := make(map[string]bool)
	for rows.Next() {
		var sha string
		var created bool
		if err := rows.Scan(&sha, &created); err != nil {
			return res, fmt.Errorf("failed to scan upsert result: %w", err)
		}
		res.Affected++
		inserted[sha] = created
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("failed to upsert commits: %w", err)
	}

	for _, c := range commits {
		if inserted[c.SHA] {
			res.Created = append(res.Created, c.SHA)
		}
	}
	u.created = append(u.created, res.Created...)
	return res, nil
}

// CreatedCommits returns the SHAs inserted by this transaction. The upsert
// holds the row lock until commit, so a concurrent writer of the same SHA
// sees the update path.
func (u *UnitOfWork) CreatedCommits() []string {
	return u.created
}

// UpsertPullRequests writes a page of pull requests with one multi-row statement.
func (u *UnitOfWork) UpsertPullRequests(ctx context.Context, pulls []*domain.PullRequest) (domain.UpsertResult, error) {
	var res domain.UpsertResult
	if u.tx == nil {
		return res, storage.ErrUnitOfWorkDone
	}
	pulls = dedupePulls(pulls)
	if len(pulls) == 0 {
		return res, nil
	}

	n := len(pulls)
	targetIDs := make([]int64, n)
	numbers := make([]int64, n)
	titles := make([]string, n)
	states := make([]string, n)
	logins := make([]sql.NullString, n)
	createdAt := make([]sql.NullString, n)
	mergedAt := make([]sql.NullString, n)
	additions := make([]sql.NullInt64, n)
	deletions := make([]sql.NullInt64, n)
	synced := make([]bool, n)
	origins := make([]string, n)

	for i, p := range pulls {
		targetIDs[i] = p.TargetID
		numbers[i] = p.Number
		titles[i] = p.Title
		states[i] = p.State
		logins[i] = nullStringPtr(p.AuthorLogin)
		createdAt[i] = nullTime(p.CreatedAt)
		if p.MergedAt != nil {
			mergedAt[i] = nullTime(*p.MergedAt)
		}
		additions[i] = nullInt(p.Additions)
		deletions[i] = nullInt(p.Deletions)
		synced[i] = p.Synced
		origins[i] = string(p.Origin)
	}

	metrics.DBBatchSize.WithLabelValues("upsert_pull_requests").Observe(float64(n))

	rows, err := u.tx.QueryxContext(ctx, upsertPullRequestsSQL,
		pq.Array(targetIDs), pq.Array(numbers), pq.Array(titles), pq.Array(states),
		pq.Array(logins), pq.Array(createdAt), pq.Array(mergedAt), pq.Array(additions),
		pq.Array(deletions), pq.Array(synced), pq.Array(origins),
	)
	if err != nil {
		return res, fmt.Errorf("failed to upsert pull requests: %w", err)
	}
	defer rows.Close()

	inserted := make(map[int64]bool)
	for rows.Next() {
		var number int64
		var created bool
		if err := rows.Scan(&number, &created); err != nil {
			return res, fmt.Errorf("failed to scan upsert result: %w", err)
		}
		res.Affected++
		inserted[number] = created
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("failed to upsert pull requests: %w", err)
	}

	for _, p := range pulls {
		if inserted[p.Number] {
			res.Created = append(res.Created, strconv.FormatInt(p.Number, 10))
		}
	}
	return res, nil
}

// RememberIdentities upserts mappings inside the transaction.
func (u *UnitOfWork) RememberIdentities(ctx context.Context, identities []domain.Identity) error {
	if u.tx == nil {
		return storage.ErrUnitOfWorkDone
	}
	for _, id := range identities {
		if id.Email == "" || id.Login == "" {
			continue
		}
		if _, err := u.tx.ExecContext(ctx, upsertIdentitySQL, id.Email, id.Login, string(id.Source)); err != nil {
			return fmt.Errorf("failed to remember identity: %w", err)
		}
	}
	return nil
}

// dedupeCommits merges repeated keys so one statement never touches a row twice.
func dedupeCommits(commits []*domain.Commit) []*domain.Commit {
	type key struct {
		targetID int64
		sha      string
	}
	seen := make(map[key]*domain.Commit, len(commits))
	out := make([]*domain.Commit, 0, len(commits))
	for _, c := range commits {
		k := key{c.TargetID, c.SHA}
		if prev, ok := seen[k]; ok {
			domain.MergeCommit(prev, c)
			continue
		}
		cp := *c
		seen[k] = &cp
		out = append(out, &cp)
	}
	return out
}

func dedupePulls(pulls []*domain.PullRequest) []*domain.PullRequest {
	type key struct {
		targetID int64
		number   int64
	}
	seen := make(map[key]*domain.PullRequest, len(pulls))
	out := make([]*domain.PullRequest, 0, len(pulls))
	for _, p := range pulls {
		k := key{p.TargetID, p.Number}
		if prev, ok := seen[k]; ok {
			domain.MergePullRequest(prev, p)
			continue
		}
		cp := *p
		seen[k] = &cp
		out = append(out, &cp)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullTime renders timestamps as text so they survive the array literal.
func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
