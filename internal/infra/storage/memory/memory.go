package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/infra/storage"
)

type checkpointKey struct {
	targetID int64
	stream   domain.Stream
}

type commitKey struct {
	targetID int64
	sha      string
}

type pullKey struct {
	targetID int64
	number   int64
}

type commitRow struct {
	seq    int64
	commit *domain.Commit
}

// MemoryStorage keeps everything in process memory. Used for tests and
// dry runs.
type MemoryStorage struct {
	mu sync.RWMutex

	targets      map[int64]*domain.SyncTarget
	nextTargetID int64

	checkpoints map[checkpointKey]*domain.Checkpoint
	commits     map[commitKey]*commitRow
	nextSeq     int64
	pulls       map[pullKey]*domain.PullRequest
	identities  map[string]domain.Identity

	now func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		targets:     make(map[int64]*domain.SyncTarget),
		checkpoints: make(map[checkpointKey]*domain.Checkpoint),
		commits:     make(map[commitKey]*commitRow),
		pulls:       make(map[pullKey]*domain.PullRequest),
		identities:  make(map[string]domain.Identity),
		now:         time.Now,
	}
}

// Store returns every repository backed by this storage.
func (s *MemoryStorage) Store() *storage.Store {
	return &storage.Store{
		Targets:     &TargetRepo{store: s},
		Checkpoints: &CheckpointRepo{store: s},
		Commits:     &CommitRepo{store: s},
		Pulls:       &PullRequestRepo{store: s},
		Identities:  &IdentityRepo{store: s},
		UnitOfWork:  s,
	}
}

// -----------------------------------------------------------------------------
// Target Repository
// -----------------------------------------------------------------------------

type TargetRepo struct {
	store *MemoryStorage
}

func (r *TargetRepo) Get(ctx context.Context, id int64) (*domain.SyncTarget, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	t, ok := r.store.targets[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", storage.ErrTargetNotFound, id)
	}
	return cloneTarget(t), nil
}

func (r *TargetRepo) GetByFullName(ctx context.Context, owner, name string) (*domain.SyncTarget, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, t := range r.store.targets {
		if t.Owner == owner && t.Name == name {
			return cloneTarget(t), nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", storage.ErrTargetNotFound, owner, name)
}

func (r *TargetRepo) List(ctx context.Context) ([]*domain.SyncTarget, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.SyncTarget, 0, len(r.store.targets))
	for _, t := range r.store.targets {
		out = append(out, cloneTarget(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *TargetRepo) Save(ctx context.Context, target *domain.SyncTarget) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := r.store.now()
	for _, t := range r.store.targets {
		if t.Owner == target.Owner && t.Name == target.Name {
			t.AuthScope = target.AuthScope
			t.Branch = target.Branch
			t.RemoteURL = target.RemoteURL
			t.UpdatedAt = now
			target.ID = t.ID
			return nil
		}
	}

	r.store.nextTargetID++
	stored := cloneTarget(target)
	stored.ID = r.store.nextTargetID
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.store.targets[stored.ID] = stored
	target.ID = stored.ID
	return nil
}

func (r *TargetRepo) MarkSynced(ctx context.Context, id int64, stream domain.Stream, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.targets[id]
	if !ok {
		return fmt.Errorf("%w: id %d", storage.ErrTargetNotFound, id)
	}
	switch stream {
	case domain.StreamCommits:
		t.CommitsSyncedAt = &at
	case domain.StreamPulls:
		t.PullsSyncedAt = &at
		t.RecentSyncCompletedAt = &at
	}
	t.UpdatedAt = r.store.now()
	return nil
}

func (r *TargetRepo) SaveBackfill(ctx context.Context, id int64, state domain.BackfillState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.targets[id]
	if !ok {
		return fmt.Errorf("%w: id %d", storage.ErrTargetNotFound, id)
	}
	t.Backfill = state
	if state.LastRunAt != nil {
		v := *state.LastRunAt
		t.Backfill.LastRunAt = &v
	}
	t.UpdatedAt = r.store.now()
	return nil
}

// -----------------------------------------------------------------------------
// Checkpoint Repository
// -----------------------------------------------------------------------------

type CheckpointRepo struct {
	store *MemoryStorage
}

func (r *CheckpointRepo) Get(ctx context.Context, targetID int64, stream domain.Stream) (*domain.Checkpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	cp, ok := r.store.checkpoints[checkpointKey{targetID, stream}]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

func (r *CheckpointRepo) Save(ctx context.Context, cp *domain.Checkpoint) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *cp
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = r.store.now()
	}
	r.store.checkpoints[checkpointKey{cp.TargetID, cp.Stream}] = &c
	return nil
}

func (r *CheckpointRepo) Clear(ctx context.Context, targetID int64, stream domain.Stream) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.checkpoints, checkpointKey{targetID, stream})
	return nil
}

func (r *CheckpointRepo) List(ctx context.Context) ([]*domain.Checkpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.Checkpoint, 0, len(r.store.checkpoints))
	for _, cp := range r.store.checkpoints {
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetID != out[j].TargetID {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].Stream < out[j].Stream
	})
	return out, nil
}

// -----------------------------------------------------------------------------
// Commit Repository
// -----------------------------------------------------------------------------

type CommitRepo struct {
	store *MemoryStorage
}

func (r *CommitRepo) GetBySHA(ctx context.Context, targetID int64, sha string) (*domain.Commit, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	row, ok := r.store.commits[commitKey{targetID, sha}]
	if !ok {
		return nil, nil
	}
	return cloneCommit(row.commit), nil
}

// rowsLocked returns a target's commits in first-seen order matching keep.
func (r *CommitRepo) rowsLocked(targetID int64, limit int, keep func(*domain.Commit) bool) []*domain.Commit {
	rows := make([]*commitRow, 0)
	for k, row := range r.store.commits {
		if k.targetID == targetID && keep(row.commit) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]*domain.Commit, len(rows))
	for i, row := range rows {
		out[i] = cloneCommit(row.commit)
	}
	return out
}

func (r *CommitRepo) ListUnresolved(ctx context.Context, targetID int64, limit int) ([]*domain.Commit, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.rowsLocked(targetID, limit, func(c *domain.Commit) bool {
		return c.AuthorLogin == nil && c.AuthorEmail != ""
	}), nil
}

func (r *CommitRepo) ListMissingStats(ctx context.Context, targetID int64, limit int) ([]*domain.Commit, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.rowsLocked(targetID, limit, func(c *domain.Commit) bool {
		return !c.HasStats()
	}), nil
}

func (r *CommitRepo) SetAuthorLoginIfNull(ctx context.Context, targetID int64, email, login string) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var affected int64
	now := r.store.now()
	for k, row := range r.store.commits {
		if k.targetID != targetID || row.commit.AuthorEmail != email || row.commit.AuthorLogin != nil {
			continue
		}
		v := login
		row.commit.AuthorLogin = &v
		row.commit.UpdatedAt = now
		affected++
	}
	return affected, nil
}

func (r *CommitRepo) FillStatsIfNull(ctx context.Context, targetID int64, sha string, stats domain.DiffStats) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	row, ok := r.store.commits[commitKey{targetID, sha}]
	if !ok {
		return 0, nil
	}
	src := &domain.Commit{
		Additions:    &stats.Additions,
		Deletions:    &stats.Deletions,
		ChangedFiles: &stats.ChangedFiles,
	}
	if !domain.MergeCommit(row.commit, src) {
		return 0, nil
	}
	row.commit.UpdatedAt = r.store.now()
	return 1, nil
}

func (r *CommitRepo) SyncedSHAs(ctx context.Context, targetID int64) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	commits := r.rowsLocked(targetID, 0, func(*domain.Commit) bool { return true })
	out := make([]string, len(commits))
	for i, c := range commits {
		out[i] = c.SHA
	}
	return out, nil
}

func (r *CommitRepo) Count(ctx context.Context, targetID int64) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for k := range r.store.commits {
		if k.targetID == targetID {
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Pull Request Repository
// -----------------------------------------------------------------------------

type PullRequestRepo struct {
	store *MemoryStorage
}

func (r *PullRequestRepo) GetByNumber(ctx context.Context, targetID int64, number int64) (*domain.PullRequest, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	pr, ok := r.store.pulls[pullKey{targetID, number}]
	if !ok {
		return nil, nil
	}
	return clonePull(pr), nil
}

func (r *PullRequestRepo) LowestSyncedNumber(ctx context.Context, targetID int64) (int64, bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var lowest int64
	found := false
	for k, pr := range r.store.pulls {
		if k.targetID != targetID || !pr.Synced {
			continue
		}
		if !found || k.number < lowest {
			lowest = k.number
			found = true
		}
	}
	return lowest, found, nil
}

func (r *PullRequestRepo) CountSynced(ctx context.Context, targetID int64) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for k, pr := range r.store.pulls {
		if k.targetID == targetID && pr.Synced {
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Identity Repository
// -----------------------------------------------------------------------------

type IdentityRepo struct {
	store *MemoryStorage
}

func (r *IdentityRepo) LookupByEmail(ctx context.Context, email string) (string, bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	id, ok := r.store.identities[email]
	if !ok {
		return "", false, nil
	}
	return id.Login, true, nil
}

func (r *IdentityRepo) Remember(ctx context.Context, identity domain.Identity) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.rememberLocked(identity)
	return nil
}

func (s *MemoryStorage) rememberLocked(identity domain.Identity) {
	if identity.Email == "" || identity.Login == "" {
		return
	}
	if identity.UpdatedAt.IsZero() {
		identity.UpdatedAt = s.now()
	}
	s.identities[identity.Email] = identity
}

// -----------------------------------------------------------------------------
// Clone helpers
// -----------------------------------------------------------------------------

func cloneTarget(t *domain.SyncTarget) *domain.SyncTarget {
	c := *t
	c.CommitsSyncedAt = cloneTime(t.CommitsSyncedAt)
	c.PullsSyncedAt = cloneTime(t.PullsSyncedAt)
	c.RecentSyncCompletedAt = cloneTime(t.RecentSyncCompletedAt)
	c.Backfill.LastRunAt = cloneTime(t.Backfill.LastRunAt)
	return &c
}

func cloneCommit(c *domain.Commit) *domain.Commit {
	out := *c
	out.AuthorLogin = cloneString(c.AuthorLogin)
	out.Additions = cloneInt(c.Additions)
	out.Deletions = cloneInt(c.Deletions)
	out.ChangedFiles = cloneInt(c.ChangedFiles)
	return &out
}

func clonePull(p *domain.PullRequest) *domain.PullRequest {
	out := *p
	out.AuthorLogin = cloneString(p.AuthorLogin)
	out.MergedAt = cloneTime(p.MergedAt)
	out.Additions = cloneInt(p.Additions)
	out.Deletions = cloneInt(p.Deletions)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
