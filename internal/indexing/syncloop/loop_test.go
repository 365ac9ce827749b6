package syncloop

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/forgesync/internal/core/cursor"
	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/infra/forge"
	"github.com/vietddude/forgesync/internal/infra/forge/budget"
	"github.com/vietddude/forgesync/internal/infra/forge/retry"
	"github.com/vietddude/forgesync/internal/infra/storage"
	"github.com/vietddude/forgesync/internal/infra/storage/memory"
)

func noSleep(context.Context, time.Duration) error { return nil }

// fakeHistory serves a fixed branch history with offset cursors.
type fakeHistory struct {
	mu      sync.Mutex
	commits []*domain.Commit
	calls   []string // cursors requested
	failOn  map[int]error
	panicOn int
}

func newFakeHistory(n int) *fakeHistory {
	h := &fakeHistory{failOn: map[int]error{}}
	for i := 0; i < n; i++ {
		login := fmt.Sprintf("dev%d", i%3)
		h.commits = append(h.commits, &domain.Commit{
			SHA:         fmt.Sprintf("%040x", i+1),
			Message:     fmt.Sprintf("commit %d", i),
			AuthorEmail: fmt.Sprintf("dev%d@example.com", i%3),
			AuthorLogin: &login,
		})
	}
	return h
}

func (h *fakeHistory) CommitHistory(ctx context.Context, req forge.HistoryRequest) (*forge.CommitPage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, req.Cursor)
	call := len(h.calls)
	if call == h.panicOn {
		panic("decoder exploded")
	}
	if err, ok := h.failOn[call]; ok {
		return nil, err
	}

	start := 0
	if req.Cursor != "" {
		start, _ = strconv.Atoi(req.Cursor)
	}
	end := min(start+req.PageSize, len(h.commits))
	page := &forge.CommitPage{HasMore: end < len(h.commits), NextCursor: strconv.Itoa(end)}
	for _, c := range h.commits[start:end] {
		cp := *c
		page.Commits = append(page.Commits, &cp)
	}
	return page, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, events ...domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

type harness struct {
	store    *storage.Store
	cursors  *cursor.DefaultManager
	registry *budget.Registry
	pub      *recordingPublisher
	target   *domain.SyncTarget
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memory.NewMemoryStorage().Store()
	target := &domain.SyncTarget{Owner: "acme", Name: "api", Branch: "main", AuthScope: "default"}
	require.NoError(t, st.Targets.Save(context.Background(), target))

	registry := budget.NewRegistry(budget.Config{Threshold: 100, MaxWait: 5 * time.Minute})
	registry.SetClock(nil, noSleep)

	return &harness{
		store:    st,
		cursors:  cursor.NewManager(st.Checkpoints),
		registry: registry,
		pub:      &recordingPublisher{},
		target:   target,
	}
}

func (h *harness) deps() Deps {
	coord := retry.NewCoordinator(retry.Config{
		MaxAttempts:   1,
		TransportBase: time.Millisecond,
		Backoff:       time.Millisecond,
	}, h.registry)
	coord.SetClock(nil, noSleep)

	return Deps{
		Targets:    h.store.Targets,
		UnitOfWork: h.store.UnitOfWork,
		Cursors:    h.cursors,
		Gate:       h.registry,
		Retry:      coord,
		Publisher:  h.pub,
	}
}

func (h *harness) checkpoint(t *testing.T, stream domain.Stream) *domain.Checkpoint {
	t.Helper()
	cp, err := h.store.Checkpoints.Get(context.Background(), h.target.ID, stream)
	require.NoError(t, err)
	return cp
}

func rateLimited() error {
	return &forge.APIError{StatusCode: 429, Remaining: 0, RetryAfter: time.Minute}
}

func TestLoop_CompletesAcrossPages(t *testing.T) {
	h := newHarness(t)
	remote := newFakeHistory(120)
	loop := NewLoop[*domain.Commit](Config{PageSize: 50}, h.deps(), NewCommitStream(remote))

	res := loop.Run(context.Background(), h.target)

	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, 120, res.ItemsProcessed)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, []string{"", "50", "100"}, remote.calls)
	assert.Nil(t, h.checkpoint(t, domain.StreamCommits), "checkpoint cleared on completion")
	assert.Equal(t, cursor.StateCompleted, h.cursors.State(h.target.ID, domain.StreamCommits))

	n, err := h.store.Commits.Count(context.Background(), h.target.ID)
	require.NoError(t, err)
	assert.Equal(t, 120, n)

	login, ok, err := h.store.Identities.LookupByEmail(context.Background(), "dev1@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dev1", login)

	got, err := h.store.Targets.Get(context.Background(), h.target.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.CommitsSyncedAt)

	require.Len(t, h.pub.events, 1, "bulk sync publishes only the completion event")
	assert.Equal(t, domain.EventSyncCompleted, h.pub.events[0].Kind)
	assert.Equal(t, domain.OriginBulkSync, h.pub.events[0].Context.Origin)
}

func TestLoop_RateLimitAbortKeepsCheckpoint(t *testing.T) {
	h := newHarness(t)
	remote := newFakeHistory(120)
	remote.failOn[2] = rateLimited()
	loop := NewLoop[*domain.Commit](Config{PageSize: 50}, h.deps(), NewCommitStream(remote))

	res := loop.Run(context.Background(), h.target)

	assert.Equal(t, domain.StatusAbortedRateLimit, res.Status)
	assert.Error(t, res.Err)
	assert.Equal(t, 50, res.ItemsProcessed)

	cp := h.checkpoint(t, domain.StreamCommits)
	require.NotNil(t, cp)
	assert.Equal(t, "50", cp.Cursor, "checkpoint points at the first unprocessed page")
	assert.Empty(t, h.pub.events)
	assert.Equal(t, 0, h.registry.Remaining("default"), "rate limit is recorded on the scope")

	// The next run resumes at page 2 and completes.
	res = loop.Run(context.Background(), h.target)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, 70, res.ItemsProcessed)
	assert.Equal(t, []string{"", "50", "50", "100"}, remote.calls)
	assert.Nil(t, h.checkpoint(t, domain.StreamCommits))

	n, _ := h.store.Commits.Count(context.Background(), h.target.ID)
	assert.Equal(t, 120, n)
}

// pushedHistory serves history newest first with sha cursors and honours since.
type pushedHistory struct {
	mu      sync.Mutex
	commits []*domain.Commit // newest first
	calls   int
	failOn  map[int]error
}

func (h *pushedHistory) push(sha string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &domain.Commit{SHA: sha, Message: sha, AuthorEmail: sha + "@example.com", CommittedAt: at}
	h.commits = append([]*domain.Commit{c}, h.commits...)
}

func (h *pushedHistory) CommitHistory(ctx context.Context, req forge.HistoryRequest) (*forge.CommitPage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if err, ok := h.failOn[h.calls]; ok {
		return nil, err
	}

	var visible []*domain.Commit
	for _, c := range h.commits {
		if req.Since == nil || !c.CommittedAt.Before(*req.Since) {
			visible = append(visible, c)
		}
	}
	start := 0
	if req.Cursor != "" {
		for i, c := range visible {
			if c.SHA == req.Cursor {
				start = i
			}
		}
	}
	end := min(start+req.PageSize, len(visible))
	page := &forge.CommitPage{HasMore: end < len(visible)}
	if page.HasMore {
		page.NextCursor = visible[end].SHA
	}
	for _, c := range visible[start:end] {
		cp := *c
		page.Commits = append(page.Commits, &cp)
	}
	return page, nil
}

func TestLoop_ResumedRunMarksOriginalStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	at := func(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

	remote := &pushedHistory{failOn: map[int]error{2: &forge.APIError{StatusCode: 401, Remaining: -1, Body: "Bad credentials"}}}
	remote.push("a", at(1))
	remote.push("b", at(2))
	remote.push("c", at(3))
	loop := NewLoop[*domain.Commit](Config{PageSize: 1}, h.deps(), NewCommitStream(remote))

	loop.now = func() time.Time { return at(10) }
	first := loop.Run(ctx, h.target)
	require.Equal(t, domain.StatusAbortedError, first.Status)
	require.Equal(t, 1, first.ItemsProcessed)
	cp := h.checkpoint(t, domain.StreamCommits)
	require.NotNil(t, cp)
	assert.True(t, cp.RunStartedAt.Equal(at(10)))

	// Pushed while the walk is interrupted, above the checkpoint.
	remote.push("d", at(15))

	loop.now = func() time.Time { return at(20) }
	target, _ := h.store.Targets.Get(ctx, h.target.ID)
	second := loop.Run(ctx, target)
	require.Equal(t, domain.StatusCompleted, second.Status)
	assert.Equal(t, 2, second.ItemsProcessed)

	target, _ = h.store.Targets.Get(ctx, h.target.ID)
	require.NotNil(t, target.CommitsSyncedAt)
	assert.True(t, target.CommitsSyncedAt.Equal(at(10)), "sync mark is the interrupted walk's start, got %v", target.CommitsSyncedAt)

	loop.now = func() time.Time { return at(30) }
	third := loop.Run(ctx, target)
	require.Equal(t, domain.StatusCompleted, third.Status)

	d, err := h.store.Commits.GetBySHA(ctx, h.target.ID, "d")
	require.NoError(t, err)
	assert.NotNil(t, d, "commit pushed during the interruption is synced by the next run")

	target, _ = h.store.Targets.Get(ctx, h.target.ID)
	assert.True(t, target.CommitsSyncedAt.Equal(at(30)))
}

func TestLoop_BudgetExhaustedBeforeFetch(t *testing.T) {
	h := newHarness(t)
	h.registry.TrackFromResponse("default", domain.RateBudget{
		Scope: "default", Remaining: 3, Limit: 5000, ResetAt: time.Now().Add(time.Hour),
	})
	remote := newFakeHistory(10)
	loop := NewLoop[*domain.Commit](Config{PageSize: 50}, h.deps(), NewCommitStream(remote))

	res := loop.Run(context.Background(), h.target)

	assert.Equal(t, domain.StatusAbortedRateLimit, res.Status)
	assert.ErrorIs(t, res.Err, budget.ErrBudgetExhausted)
	assert.Empty(t, remote.calls)
}

func TestLoop_Idempotent(t *testing.T) {
	h := newHarness(t)
	remote := newFakeHistory(60)
	loop := NewLoop[*domain.Commit](Config{PageSize: 50}, h.deps(), NewCommitStream(remote))
	ctx := context.Background()

	first := loop.Run(ctx, h.target)
	require.Equal(t, domain.StatusCompleted, first.Status)

	target, err := h.store.Targets.Get(ctx, h.target.ID)
	require.NoError(t, err)
	second := loop.Run(ctx, target)
	require.Equal(t, domain.StatusCompleted, second.Status)

	n, _ := h.store.Commits.Count(ctx, h.target.ID)
	assert.Equal(t, 60, n)

	c, err := h.store.Commits.GetBySHA(ctx, h.target.ID, fmt.Sprintf("%040x", 1))
	require.NoError(t, err)
	assert.Equal(t, "commit 0", c.Message)
	assert.Equal(t, domain.OriginBulkSync, c.Origin)
}

func TestLoop_PageLimitIsPartial(t *testing.T) {
	h := newHarness(t)
	remote := newFakeHistory(120)
	loop := NewLoop[*domain.Commit](Config{PageSize: 50, MaxPages: 2}, h.deps(), NewCommitStream(remote))

	res := loop.Run(context.Background(), h.target)

	assert.Equal(t, domain.StatusPartial, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, 100, res.ItemsProcessed)

	cp := h.checkpoint(t, domain.StreamCommits)
	require.NotNil(t, cp)
	assert.Equal(t, "100", cp.Cursor)

	got, _ := h.store.Targets.Get(context.Background(), h.target.ID)
	assert.Nil(t, got.CommitsSyncedAt, "a partial run does not move the sync mark")
}

func TestLoop_CancelledContext(t *testing.T) {
	h := newHarness(t)
	remote := newFakeHistory(10)
	loop := NewLoop[*domain.Commit](Config{PageSize: 50}, h.deps(), NewCommitStream(remote))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := loop.Run(ctx, h.target)

	assert.Equal(t, domain.StatusAbortedError, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Zero(t, res.ItemsProcessed)
	assert.Empty(t, remote.calls)
	assert.Equal(t, cursor.StateAbortedError, h.cursors.State(h.target.ID, domain.StreamCommits))
}

func TestLoop_FatalErrorAborts(t *testing.T) {
	h := newHarness(t)
	remote := newFakeHistory(10)
	remote.failOn[1] = &forge.APIError{StatusCode: 401, Remaining: -1, Body: "Bad credentials"}
	loop := NewLoop[*domain.Commit](Config{PageSize: 50}, h.deps(), NewCommitStream(remote))

	res := loop.Run(context.Background(), h.target)

	assert.Equal(t, domain.StatusAbortedError, res.Status)
	assert.Error(t, res.Err)
	assert.Len(t, remote.calls, 1)
}

func TestLoop_PanicIsAbortedError(t *testing.T) {
	h := newHarness(t)
	remote := newFakeHistory(120)
	remote.panicOn = 2
	loop := NewLoop[*domain.Commit](Config{PageSize: 50}, h.deps(), NewCommitStream(remote))

	res := loop.Run(context.Background(), h.target)

	assert.Equal(t, domain.StatusAbortedError, res.Status)
	assert.ErrorContains(t, res.Err, "panic")
	assert.Equal(t, 50, res.ItemsProcessed)
	require.NotNil(t, h.checkpoint(t, domain.StreamCommits))
}

type fakePulls struct {
	pages [][]*domain.PullRequest
	calls int
}

func (f *fakePulls) PullRequests(ctx context.Context, req forge.PullRequestsRequest) (*forge.PullRequestPage, error) {
	i := 0
	if req.Cursor != "" {
		i, _ = strconv.Atoi(req.Cursor)
	}
	f.calls++
	return &forge.PullRequestPage{
		PullRequests: f.pages[i],
		NextCursor:   strconv.Itoa(i + 1),
		HasMore:      i+1 < len(f.pages),
	}, nil
}

func TestPullStream_StopsAtWindow(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	remote := &fakePulls{pages: [][]*domain.PullRequest{
		{
			{Number: 90, Title: "new", State: "OPEN", CreatedAt: now.Add(-1 * day)},
			{Number: 89, Title: "recent", State: "MERGED", CreatedAt: now.Add(-10 * day)},
		},
		{
			{Number: 88, Title: "edge", State: "OPEN", CreatedAt: now.Add(-20 * day)},
			{Number: 87, Title: "old", State: "CLOSED", CreatedAt: now.Add(-40 * day)},
			{Number: 86, Title: "older", State: "CLOSED", CreatedAt: now.Add(-50 * day)},
		},
		{
			{Number: 85, Title: "never fetched", CreatedAt: now.Add(-60 * day)},
		},
	}}
	stream := NewPullStream(remote, 30*day)
	stream.now = func() time.Time { return now }
	loop := NewLoop[*domain.PullRequest](Config{PageSize: 2}, h.deps(), stream)
	ctx := context.Background()

	res := loop.Run(ctx, h.target)

	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, 3, res.ItemsProcessed)
	assert.Equal(t, 2, remote.calls)

	n, _ := h.store.Pulls.CountSynced(ctx, h.target.ID)
	assert.Equal(t, 3, n)
	lowest, found, _ := h.store.Pulls.LowestSyncedNumber(ctx, h.target.ID)
	assert.True(t, found)
	assert.EqualValues(t, 88, lowest)

	old, _ := h.store.Pulls.GetByNumber(ctx, h.target.ID, 87)
	assert.Nil(t, old)

	got, _ := h.store.Targets.Get(ctx, h.target.ID)
	assert.NotNil(t, got.RecentSyncCompletedAt)
}
