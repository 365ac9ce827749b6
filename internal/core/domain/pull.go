package domain

import "time"

// PullRequest is a pull request of a target. Natural key: (TargetID, Number).
type PullRequest struct {
	TargetID    int64
	Number      int64
	Title       string
	State       string
	AuthorLogin *string
	CreatedAt   time.Time
	MergedAt    *time.Time
	Additions   *int
	Deletions   *int

	// Synced is set once the row was written by the recent sync or by backfill.
	Synced bool

	Origin    Origin
	UpdatedAt time.Time
}

// MergePullRequest applies src onto dst. Title and state follow the remote;
// nullable fields are only ever filled.
func MergePullRequest(dst, src *PullRequest) bool {
	changed := false
	if src.Title != "" && dst.Title != src.Title {
		dst.Title, changed = src.Title, true
	}
	if src.State != "" && dst.State != src.State {
		dst.State, changed = src.State, true
	}
	if dst.CreatedAt.IsZero() && !src.CreatedAt.IsZero() {
		dst.CreatedAt, changed = src.CreatedAt, true
	}
	if src.Synced && !dst.Synced {
		dst.Synced, changed = true, true
	}
	changed = fillString(&dst.AuthorLogin, src.AuthorLogin) || changed
	changed = fillTime(&dst.MergedAt, src.MergedAt) || changed
	changed = fillInt(&dst.Additions, src.Additions) || changed
	changed = fillInt(&dst.Deletions, src.Deletions) || changed
	return changed
}
