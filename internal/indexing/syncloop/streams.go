package syncloop

import (
	"context"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/infra/forge"
	"github.com/vietddude/forgesync/internal/infra/storage"
)

// HistoryFetcher reads branch history pages.
type HistoryFetcher interface {
	CommitHistory(ctx context.Context, req forge.HistoryRequest) (*forge.CommitPage, error)
}

// PullFetcher reads pull request pages.
type PullFetcher interface {
	PullRequests(ctx context.Context, req forge.PullRequestsRequest) (*forge.PullRequestPage, error)
}

// CommitStream syncs the monitored branch history. A fresh run starts at the
// last completed commit sync.
type CommitStream struct {
	remote HistoryFetcher
}

// NewCommitStream creates the commit stream.
func NewCommitStream(remote HistoryFetcher) *CommitStream {
	return &CommitStream{remote: remote}
}

func (s *CommitStream) Name() domain.Stream { return domain.StreamCommits }

func (s *CommitStream) Since(target *domain.SyncTarget) *time.Time {
	return target.CommitsSyncedAt
}

func (s *CommitStream) Fetch(ctx context.Context, target *domain.SyncTarget, cursor string, since *time.Time, pageSize int) (*Page[*domain.Commit], error) {
	page, err := s.remote.CommitHistory(ctx, forge.HistoryRequest{
		Repo:     forge.RepoOf(target),
		Branch:   target.Branch,
		PageSize: pageSize,
		Cursor:   cursor,
		Since:    since,
	})
	if err != nil {
		return nil, err
	}
	return &Page[*domain.Commit]{Items: page.Commits, NextCursor: page.NextCursor, HasMore: page.HasMore}, nil
}

func (s *CommitStream) Apply(ctx context.Context, uow storage.UnitOfWork, target *domain.SyncTarget, items []*domain.Commit) (Applied, error) {
	var identities []domain.Identity
	for _, c := range items {
		c.TargetID = target.ID
		c.Origin = domain.OriginBulkSync
		if c.AuthorLogin != nil && c.AuthorEmail != "" {
			identities = append(identities, domain.Identity{
				Email:  c.AuthorEmail,
				Login:  *c.AuthorLogin,
				Source: domain.IdentityFromSync,
			})
		}
	}

	res, err := uow.UpsertCommits(ctx, items)
	if err != nil {
		return Applied{}, err
	}
	if err := uow.RememberIdentities(ctx, identities); err != nil {
		return Applied{}, err
	}
	return Applied{Processed: len(items), Changed: res.Affected}, nil
}

// PullStream syncs recent pull requests, newest first. It ends at the first
// pull request created before the window.
type PullStream struct {
	remote PullFetcher
	window time.Duration
	now    func() time.Time
}

// NewPullStream creates the pull request stream.
func NewPullStream(remote PullFetcher, window time.Duration) *PullStream {
	return &PullStream{remote: remote, window: window, now: time.Now}
}

func (s *PullStream) Name() domain.Stream { return domain.StreamPulls }

func (s *PullStream) Since(target *domain.SyncTarget) *time.Time {
	return nil
}

func (s *PullStream) Fetch(ctx context.Context, target *domain.SyncTarget, cursor string, _ *time.Time, pageSize int) (*Page[*domain.PullRequest], error) {
	page, err := s.remote.PullRequests(ctx, forge.PullRequestsRequest{
		Repo:     forge.RepoOf(target),
		PageSize: pageSize,
		Cursor:   cursor,
	})
	if err != nil {
		return nil, err
	}
	return &Page[*domain.PullRequest]{Items: page.PullRequests, NextCursor: page.NextCursor, HasMore: page.HasMore}, nil
}

func (s *PullStream) Apply(ctx context.Context, uow storage.UnitOfWork, target *domain.SyncTarget, items []*domain.PullRequest) (Applied, error) {
	cutoff := s.now().Add(-s.window)
	done := false

	recent := make([]*domain.PullRequest, 0, len(items))
	for _, pr := range items {
		if s.window > 0 && pr.CreatedAt.Before(cutoff) {
			done = true
			break
		}
		pr.TargetID = target.ID
		pr.Origin = domain.OriginBulkSync
		pr.Synced = true
		recent = append(recent, pr)
	}

	res, err := uow.UpsertPullRequests(ctx, recent)
	if err != nil {
		return Applied{}, err
	}
	return Applied{Processed: len(recent), Changed: res.Affected, Done: done}, nil
}
