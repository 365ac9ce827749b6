package domain

import "time"

// Origin names the path that first produced a record or event.
type Origin string

const (
	OriginWebhook  Origin = "WEBHOOK"
	OriginBulkSync Origin = "BULK_SYNC"
)

// Commit is a commit on the monitored branch of a target.
// Natural key: (TargetID, SHA). Cluster key: AuthorEmail.
// Nil pointer fields are unknown and may be filled by enrichment.
type Commit struct {
	TargetID    int64
	SHA         string
	Message     string
	AuthorName  string
	AuthorEmail string
	AuthorLogin *string
	CommittedAt time.Time

	Additions    *int
	Deletions    *int
	ChangedFiles *int

	Origin    Origin
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasStats reports whether all diff statistics are known.
func (c *Commit) HasStats() bool {
	return c.Additions != nil && c.Deletions != nil && c.ChangedFiles != nil
}

// DiffStats holds per-commit change counts.
type DiffStats struct {
	Additions    int
	Deletions    int
	ChangedFiles int
}

// UpsertResult reports the effect of a bulk upsert.
// Affected counts rows whose stored values actually changed.
type UpsertResult struct {
	Affected int64
	Created  []string
}

// MergeCommit fills unknown fields of dst from src without ever clearing a
// known value. It returns true when dst changed.
func MergeCommit(dst, src *Commit) bool {
	changed := false
	if dst.Message == "" && src.Message != "" {
		dst.Message, changed = src.Message, true
	}
	if dst.AuthorName == "" && src.AuthorName != "" {
		dst.AuthorName, changed = src.AuthorName, true
	}
	if dst.AuthorEmail == "" && src.AuthorEmail != "" {
		dst.AuthorEmail, changed = src.AuthorEmail, true
	}
	if dst.CommittedAt.IsZero() && !src.CommittedAt.IsZero() {
		dst.CommittedAt, changed = src.CommittedAt, true
	}
	changed = fillString(&dst.AuthorLogin, src.AuthorLogin) || changed
	changed = fillInt(&dst.Additions, src.Additions) || changed
	changed = fillInt(&dst.Deletions, src.Deletions) || changed
	changed = fillInt(&dst.ChangedFiles, src.ChangedFiles) || changed
	return changed
}

func fillString(dst **string, src *string) bool {
	if *dst != nil || src == nil {
		return false
	}
	v := *src
	*dst = &v
	return true
}

func fillInt(dst **int, src *int) bool {
	if *dst != nil || src == nil {
		return false
	}
	v := *src
	*dst = &v
	return true
}

func fillTime(dst **time.Time, src *time.Time) bool {
	if *dst != nil || src == nil {
		return false
	}
	v := *src
	*dst = &v
	return true
}
