package webhook

import (
	"strings"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
)

// PushEvent is the subset of a push delivery the ingestor reads.
type PushEvent struct {
	Ref        string       `json:"ref"`
	Before     string       `json:"before"`
	After      string       `json:"after"`
	Deleted    bool         `json:"deleted"`
	Repository Repository   `json:"repository"`
	Commits    []PushCommit `json:"commits"`
	HeadCommit *PushCommit  `json:"head_commit"`
}

// Repository identifies the pushed repository.
type Repository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    struct {
		Login string `json:"login"`
		Name  string `json:"name"`
	} `json:"owner"`
}

// OwnerAndName splits the repository into its owner and name.
func (r Repository) OwnerAndName() (string, string) {
	if owner, name, ok := strings.Cut(r.FullName, "/"); ok {
		return owner, name
	}
	owner := r.Owner.Login
	if owner == "" {
		owner = r.Owner.Name
	}
	return owner, r.Name
}

// PushCommit is one commit listed in a push payload.
type PushCommit struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Author    struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Username string `json:"username"`
	} `json:"author"`
}

// toDomain builds a record from the payload alone. Diff statistics are not
// part of a push payload and stay unknown.
func (c PushCommit) toDomain(targetID int64) *domain.Commit {
	commit := &domain.Commit{
		TargetID:    targetID,
		SHA:         strings.ToLower(c.ID),
		Message:     c.Message,
		AuthorName:  c.Author.Name,
		AuthorEmail: domain.NormalizeEmail(c.Author.Email),
		CommittedAt: c.Timestamp.UTC(),
		Origin:      domain.OriginWebhook,
	}
	if c.Author.Username != "" {
		login := c.Author.Username
		commit.AuthorLogin = &login
	}
	return commit
}
