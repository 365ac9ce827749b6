package memory

import (
	"context"
	"strconv"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/infra/storage"
)

// UnitOfWork stages writes and applies them atomically on Commit.
// Results are computed against the stored state plus earlier staged writes.
type UnitOfWork struct {
	store *MemoryStorage
	done  bool

	commits    map[commitKey]*domain.Commit
	commitKeys []commitKey
	inserts    map[commitKey]bool
	created    []string
	pulls      map[pullKey]*domain.PullRequest
	pullKeys   []pullKey
	identities []domain.Identity
}

// NewUnitOfWork opens a staged unit of work.
func (s *MemoryStorage) NewUnitOfWork(ctx context.Context) (storage.UnitOfWork, error) {
	return &UnitOfWork{
		store:   s,
		commits: make(map[commitKey]*domain.Commit),
		inserts: make(map[commitKey]bool),
		pulls:   make(map[pullKey]*domain.PullRequest),
	}, nil
}

func (u *UnitOfWork) UpsertCommits(ctx context.Context, commits []*domain.Commit) (domain.UpsertResult, error) {
	var res domain.UpsertResult
	if u.done {
		return res, storage.ErrUnitOfWorkDone
	}

	u.store.mu.RLock()
	defer u.store.mu.RUnlock()

	now := u.store.now()
	for _, c := range commits {
		key := commitKey{c.TargetID, c.SHA}

		current, staged := u.commits[key]
		if !staged {
			if row, ok := u.store.commits[key]; ok {
				current = cloneCommit(row.commit)
			}
		}

		if current == nil {
			inserted := cloneCommit(c)
			inserted.CreatedAt = now
			inserted.UpdatedAt = now
			u.stageCommit(key, inserted)
			u.inserts[key] = true
			u.created = append(u.created, c.SHA)
			res.Affected++
			res.Created = append(res.Created, c.SHA)
			continue
		}

		if domain.MergeCommit(current, c) {
			current.UpdatedAt = now
			u.stageCommit(key, current)
			res.Affected++
		}
	}
	return res, nil
}

func (u *UnitOfWork) stageCommit(key commitKey, c *domain.Commit) {
	if _, ok := u.commits[key]; !ok {
		u.commitKeys = append(u.commitKeys, key)
	}
	u.commits[key] = c
}

func (u *UnitOfWork) UpsertPullRequests(ctx context.Context, pulls []*domain.PullRequest) (domain.UpsertResult, error) {
	var res domain.UpsertResult
	if u.done {
		return res, storage.ErrUnitOfWorkDone
	}

	u.store.mu.RLock()
	defer u.store.mu.RUnlock()

	now := u.store.now()
	for _, p := range pulls {
		key := pullKey{p.TargetID, p.Number}

		current, staged := u.pulls[key]
		if !staged {
			if stored, ok := u.store.pulls[key]; ok {
				current = clonePull(stored)
			}
		}

		if current == nil {
			inserted := clonePull(p)
			inserted.UpdatedAt = now
			u.stagePull(key, inserted)
			res.Affected++
			res.Created = append(res.Created, strconv.FormatInt(p.Number, 10))
			continue
		}

		if domain.MergePullRequest(current, p) {
			current.UpdatedAt = now
			u.stagePull(key, current)
			res.Affected++
		}
	}
	return res, nil
}

func (u *UnitOfWork) stagePull(key pullKey, p *domain.PullRequest) {
	if _, ok := u.pulls[key]; !ok {
		u.pullKeys = append(u.pullKeys, key)
	}
	u.pulls[key] = p
}

func (u *UnitOfWork) RememberIdentities(ctx context.Context, identities []domain.Identity) error {
	if u.done {
		return storage.ErrUnitOfWorkDone
	}
	u.identities = append(u.identities, identities...)
	return nil
}

func (u *UnitOfWork) CreatedCommits() []string {
	return u.created
}

// Commit applies staged writes. Rows written concurrently since staging are
// merged rather than replaced, and are dropped from the created set.
func (u *UnitOfWork) Commit() error {
	if u.done {
		return storage.ErrUnitOfWorkDone
	}
	u.done = true

	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()

	u.created = u.created[:0]
	for _, key := range u.commitKeys {
		c := u.commits[key]
		if row, ok := s.commits[key]; ok {
			domain.MergeCommit(row.commit, c)
			if c.UpdatedAt.After(row.commit.UpdatedAt) {
				row.commit.UpdatedAt = c.UpdatedAt
			}
			continue
		}
		s.nextSeq++
		s.commits[key] = &commitRow{seq: s.nextSeq, commit: c}
		if u.inserts[key] {
			u.created = append(u.created, key.sha)
		}
	}

	for _, key := range u.pullKeys {
		p := u.pulls[key]
		if stored, ok := s.pulls[key]; ok {
			domain.MergePullRequest(stored, p)
			stored.UpdatedAt = p.UpdatedAt
			continue
		}
		s.pulls[key] = p
	}

	for _, id := range u.identities {
		s.rememberLocked(id)
	}
	return nil
}

// Rollback discards staged writes. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	u.done = true
	u.commits = nil
	u.commitKeys = nil
	u.inserts = nil
	u.pulls = nil
	u.pullKeys = nil
	u.identities = nil
	return nil
}
