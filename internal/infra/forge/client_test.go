package forge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/forgesync/internal/core/domain"
)

type recordingTracker struct {
	mu      sync.Mutex
	budgets map[string]domain.RateBudget
}

func (r *recordingTracker) TrackFromResponse(scope string, b domain.RateBudget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.budgets == nil {
		r.budgets = make(map[string]domain.RateBudget)
	}
	r.budgets[scope] = b
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func newTestServer(t *testing.T, handler func(t *testing.T, req gqlRequest, w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bearer test-token", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req gqlRequest
		require.NoError(t, json.Unmarshal(body, &req))
		handler(t, req, w)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(url string, tracker *recordingTracker) *Client {
	cfg := Config{Endpoint: url, Token: "test-token", Timeout: 5 * time.Second}
	if tracker == nil {
		return NewClient(cfg, nil)
	}
	return NewClient(cfg, tracker)
}

const testSHA = "0123456789abcdef0123456789abcdef01234567"

func TestCommitHistory_ParsesPageAndBudget(t *testing.T) {
	srv := newTestServer(t, func(t *testing.T, req gqlRequest, w http.ResponseWriter) {
		assert.Equal(t, "refs/heads/main", req.Variables["branch"])
		assert.Equal(t, "CUR1", req.Variables["after"])
		assert.EqualValues(t, 50, req.Variables["first"])
		assert.Equal(t, "2025-01-01T00:00:00Z", req.Variables["since"])
		_, _ = io.WriteString(w, `{"data":{
			"rateLimit":{"limit":5000,"remaining":4321,"resetAt":"2025-01-01T01:00:00Z"},
			"repository":{"ref":{"target":{"history":{
				"pageInfo":{"hasNextPage":true,"endCursor":"CUR2"},
				"nodes":[{"oid":"`+testSHA+`","message":"fix","committedDate":"2025-01-01T00:30:00Z",
					"additions":3,"deletions":1,"changedFilesIfAvailable":2,
					"author":{"name":"Ada","email":" Ada@Example.com ","user":{"login":"ada"}}},
					{"oid":"`+strings.Repeat("a", 40)+`","message":"wip","committedDate":"2025-01-01T00:10:00Z",
					"additions":null,"deletions":null,"changedFilesIfAvailable":null,
					"author":{"name":"Bob","email":"bob@example.com","user":null}}]
			}}}}}}`)
	})

	tracker := &recordingTracker{}
	client := newTestClient(srv.URL, tracker)
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	page, err := client.CommitHistory(context.Background(), HistoryRequest{
		Repo:     Repo{Scope: "octo", Owner: "acme", Name: "api"},
		Branch:   "main",
		PageSize: 50,
		Cursor:   "CUR1",
		Since:    &since,
	})
	require.NoError(t, err)

	assert.True(t, page.HasMore)
	assert.Equal(t, "CUR2", page.NextCursor)
	require.Len(t, page.Commits, 2)

	first := page.Commits[0]
	assert.Equal(t, testSHA, first.SHA)
	assert.Equal(t, "ada@example.com", first.AuthorEmail)
	require.NotNil(t, first.AuthorLogin)
	assert.Equal(t, "ada", *first.AuthorLogin)
	assert.True(t, first.HasStats())

	second := page.Commits[1]
	assert.Nil(t, second.AuthorLogin)
	assert.False(t, second.HasStats())

	b := tracker.budgets["octo"]
	assert.Equal(t, 4321, b.Remaining)
	assert.Equal(t, 5000, b.Limit)
}

func TestCommitHistory_MissingBranch(t *testing.T) {
	srv := newTestServer(t, func(t *testing.T, req gqlRequest, w http.ResponseWriter) {
		_, _ = io.WriteString(w, `{"data":{"repository":{"ref":null}}}`)
	})

	_, err := newTestClient(srv.URL, nil).CommitHistory(context.Background(), HistoryRequest{
		Repo: Repo{Owner: "acme", Name: "api"}, Branch: "gone", PageSize: 10,
	})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.HasType(ErrorTypeNotFound))
}

func TestQuery_HTTP429CarriesRateHeaders(t *testing.T) {
	reset := time.Now().Add(2 * time.Minute).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Reset", jsonInt(reset))
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"message":"API rate limit exceeded"}`)
	}))
	defer srv.Close()

	tracker := &recordingTracker{}
	_, err := newTestClient(srv.URL, tracker).PullRequests(context.Background(), PullRequestsRequest{
		Repo: Repo{Scope: "octo", Owner: "acme", Name: "api"}, PageSize: 10,
	})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, 0, apiErr.Remaining)
	assert.Equal(t, reset, apiErr.ResetAt.Unix())
	assert.Equal(t, 60*time.Second, apiErr.RetryAfter)
	assert.Equal(t, 0, tracker.budgets["octo"].Remaining)
}

func TestQuery_GraphQLRateLimitedError(t *testing.T) {
	srv := newTestServer(t, func(t *testing.T, req gqlRequest, w http.ResponseWriter) {
		_, _ = io.WriteString(w, `{"data":null,"errors":[{"type":"RATE_LIMITED","message":"API rate limit exceeded"}]}`)
	})

	_, err := newTestClient(srv.URL, nil).PullRequests(context.Background(), PullRequestsRequest{
		Repo: Repo{Owner: "acme", Name: "api"}, PageSize: 10,
	})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.HasType(ErrorTypeRateLimited))
	assert.Contains(t, apiErr.Error(), "RATE_LIMITED")
}

func TestLookupPullRequests_ToleratesMissingSlots(t *testing.T) {
	srv := newTestServer(t, func(t *testing.T, req gqlRequest, w http.ResponseWriter) {
		assert.Contains(t, req.Query, "p0: pullRequest(number: 12)")
		assert.Contains(t, req.Query, "p1: pullRequest(number: 11)")
		_, _ = io.WriteString(w, `{"data":{
			"rateLimit":{"limit":5000,"remaining":4000,"resetAt":"2025-01-01T01:00:00Z"},
			"repository":{
				"p0":{"number":12,"title":"Add cache","state":"MERGED","createdAt":"2024-06-01T00:00:00Z",
					"mergedAt":"2024-06-02T00:00:00Z","additions":10,"deletions":2,"author":{"login":"ada"}},
				"p1":null}},
			"errors":[{"type":"NOT_FOUND","path":["repository","p1"],"message":"Could not resolve to a PullRequest with the number of 11."}]}`)
	})

	got, err := newTestClient(srv.URL, nil).LookupPullRequests(context.Background(),
		Repo{Owner: "acme", Name: "api"}, []int64{12, 11})
	require.NoError(t, err)

	require.Len(t, got, 1)
	pr := got[12]
	require.NotNil(t, pr)
	assert.Equal(t, "MERGED", pr.State)
	require.NotNil(t, pr.AuthorLogin)
	assert.Equal(t, "ada", *pr.AuthorLogin)
}

func TestLookupCommits_RejectsMalformedKey(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, nil).LookupCommits(context.Background(),
		Repo{Owner: "acme", Name: "api"}, []string{testSHA, `") { x } #`})

	var keyErr *InvalidKeyError
	require.True(t, errors.As(err, &keyErr))
	assert.False(t, called, "no request may be sent with an invalid key")
}

func TestLookupCommits_MapsSlotsToKeys(t *testing.T) {
	other := strings.Repeat("b", 40)
	srv := newTestServer(t, func(t *testing.T, req gqlRequest, w http.ResponseWriter) {
		_, _ = io.WriteString(w, `{"data":{"repository":{
			"c0":{"oid":"`+testSHA+`","additions":1,"deletions":1,"changedFilesIfAvailable":1,
				"author":{"name":"Ada","email":"ada@example.com","user":{"login":"ada"}}},
			"c1":null}}}`)
	})

	got, err := newTestClient(srv.URL, nil).LookupCommits(context.Background(),
		Repo{Owner: "acme", Name: "api"}, []string{testSHA, other})
	require.NoError(t, err)

	require.Contains(t, got, testSHA)
	assert.NotContains(t, got, other)
	assert.Equal(t, "ada", *got[testSHA].AuthorLogin)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
