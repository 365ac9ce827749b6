package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
)

const commitFields = `oid message committedDate additions deletions changedFilesIfAvailable
author { name email user { login } }`

const pullFields = `number title state createdAt mergedAt additions deletions author { login }`

const historyQuery = `query($owner: String!, $name: String!, $branch: String!, $first: Int!, $after: String, $since: GitTimestamp) {
  rateLimit { limit remaining resetAt }
  repository(owner: $owner, name: $name) {
    ref(qualifiedName: $branch) {
      target {
        ... on Commit {
          history(first: $first, after: $after, since: $since) {
            pageInfo { hasNextPage endCursor }
            nodes { ` + commitFields + ` }
          }
        }
      }
    }
  }
}`

const pullsQuery = `query($owner: String!, $name: String!, $first: Int!, $after: String) {
  rateLimit { limit remaining resetAt }
  repository(owner: $owner, name: $name) {
    pullRequests(first: $first, after: $after, orderBy: {field: CREATED_AT, direction: DESC}) {
      pageInfo { hasNextPage endCursor }
      nodes { ` + pullFields + ` }
    }
  }
}`

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

type commitNode struct {
	OID           string    `json:"oid"`
	Message       string    `json:"message"`
	CommittedDate time.Time `json:"committedDate"`
	Additions     *int      `json:"additions"`
	Deletions     *int      `json:"deletions"`
	ChangedFiles  *int      `json:"changedFilesIfAvailable"`
	Author        *struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		User  *struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"author"`
}

func (n *commitNode) toDomain() *domain.Commit {
	c := &domain.Commit{
		SHA:          n.OID,
		Message:      n.Message,
		CommittedAt:  n.CommittedDate,
		Additions:    n.Additions,
		Deletions:    n.Deletions,
		ChangedFiles: n.ChangedFiles,
	}
	if n.Author != nil {
		c.AuthorName = n.Author.Name
		c.AuthorEmail = domain.NormalizeEmail(n.Author.Email)
		if n.Author.User != nil && n.Author.User.Login != "" {
			login := n.Author.User.Login
			c.AuthorLogin = &login
		}
	}
	return c
}

type pullNode struct {
	Number    int64      `json:"number"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"createdAt"`
	MergedAt  *time.Time `json:"mergedAt"`
	Additions *int       `json:"additions"`
	Deletions *int       `json:"deletions"`
	Author    *struct {
		Login string `json:"login"`
	} `json:"author"`
}

func (n *pullNode) toDomain() *domain.PullRequest {
	pr := &domain.PullRequest{
		Number:    n.Number,
		Title:     n.Title,
		State:     n.State,
		CreatedAt: n.CreatedAt,
		MergedAt:  n.MergedAt,
		Additions: n.Additions,
		Deletions: n.Deletions,
	}
	if n.Author != nil && n.Author.Login != "" {
		login := n.Author.Login
		pr.AuthorLogin = &login
	}
	return pr
}

// HistoryRequest asks for one page of branch history.
type HistoryRequest struct {
	Repo
	Branch   string
	PageSize int
	Cursor   string     // empty = first page
	Since    *time.Time // nil = full history
}

// CommitPage is one page of branch history.
type CommitPage struct {
	Commits    []*domain.Commit
	NextCursor string
	HasMore    bool
}

// CommitHistory fetches one page of commits reachable from the branch head,
// newest first.
func (c *Client) CommitHistory(ctx context.Context, req HistoryRequest) (*CommitPage, error) {
	vars := map[string]any{
		"owner":  req.Owner,
		"name":   req.Name,
		"branch": qualifiedBranch(req.Branch),
		"first":  req.PageSize,
	}
	if req.Cursor != "" {
		vars["after"] = req.Cursor
	}
	if req.Since != nil {
		vars["since"] = req.Since.UTC().Format(time.RFC3339)
	}

	var data struct {
		Repository *struct {
			Ref *struct {
				Target struct {
					History *struct {
						PageInfo pageInfo     `json:"pageInfo"`
						Nodes    []commitNode `json:"nodes"`
					} `json:"history"`
				} `json:"target"`
			} `json:"ref"`
		} `json:"repository"`
	}
	if err := c.query(ctx, "commit_history", req.Scope, historyQuery, vars, &data, nil); err != nil {
		return nil, err
	}
	if data.Repository == nil {
		return nil, &APIError{StatusCode: 200, Remaining: -1, Errors: []GraphQLError{{
			Type: ErrorTypeNotFound, Message: fmt.Sprintf("repository %s/%s not found", req.Owner, req.Name),
		}}}
	}
	if data.Repository.Ref == nil || data.Repository.Ref.Target.History == nil {
		return nil, &APIError{StatusCode: 200, Remaining: -1, Errors: []GraphQLError{{
			Type: ErrorTypeNotFound, Message: fmt.Sprintf("branch %s not found", req.Branch),
		}}}
	}

	history := data.Repository.Ref.Target.History
	page := &CommitPage{
		Commits:    make([]*domain.Commit, 0, len(history.Nodes)),
		NextCursor: history.PageInfo.EndCursor,
		HasMore:    history.PageInfo.HasNextPage,
	}
	for i := range history.Nodes {
		page.Commits = append(page.Commits, history.Nodes[i].toDomain())
	}
	return page, nil
}

// PullRequestsRequest asks for one page of pull requests, newest first.
type PullRequestsRequest struct {
	Repo
	PageSize int
	Cursor   string
}

// PullRequestPage is one page of pull requests.
type PullRequestPage struct {
	PullRequests []*domain.PullRequest
	NextCursor   string
	HasMore      bool
}

// PullRequests fetches one page of pull requests ordered by creation time,
// newest first.
func (c *Client) PullRequests(ctx context.Context, req PullRequestsRequest) (*PullRequestPage, error) {
	vars := map[string]any{
		"owner": req.Owner,
		"name":  req.Name,
		"first": req.PageSize,
	}
	if req.Cursor != "" {
		vars["after"] = req.Cursor
	}

	var data struct {
		Repository *struct {
			PullRequests struct {
				PageInfo pageInfo   `json:"pageInfo"`
				Nodes    []pullNode `json:"nodes"`
			} `json:"pullRequests"`
		} `json:"repository"`
	}
	if err := c.query(ctx, "pull_requests", req.Scope, pullsQuery, vars, &data, nil); err != nil {
		return nil, err
	}
	if data.Repository == nil {
		return nil, &APIError{StatusCode: 200, Remaining: -1, Errors: []GraphQLError{{
			Type: ErrorTypeNotFound, Message: fmt.Sprintf("repository %s/%s not found", req.Owner, req.Name),
		}}}
	}

	prs := data.Repository.PullRequests
	page := &PullRequestPage{
		PullRequests: make([]*domain.PullRequest, 0, len(prs.Nodes)),
		NextCursor:   prs.PageInfo.EndCursor,
		HasMore:      prs.PageInfo.HasNextPage,
	}
	for i := range prs.Nodes {
		page.PullRequests = append(page.PullRequests, prs.Nodes[i].toDomain())
	}
	return page, nil
}

// LookupCommits resolves a batch of commit hashes in one call. The result has
// an entry only for slots the forge returned; absent keys are unresolved.
// Every key must pass ValidSHA.
func (c *Client) LookupCommits(ctx context.Context, repo Repo, shas []string) (map[string]*domain.Commit, error) {
	q := NewAliasQuery(commitFields)
	for _, sha := range shas {
		if err := q.AddCommit(sha); err != nil {
			return nil, err
		}
	}
	if q.Len() == 0 {
		return map[string]*domain.Commit{}, nil
	}

	slots, err := c.lookup(ctx, "lookup_commits", repo, q)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*domain.Commit, len(slots))
	for i, key := range q.Keys() {
		raw, ok := slots[q.Alias(i)]
		if !ok || isNull(raw) {
			continue
		}
		var node commitNode
		if err := json.Unmarshal(raw, &node); err != nil {
			return nil, fmt.Errorf("decode slot %s: %w", q.Alias(i), err)
		}
		if node.OID == "" {
			// object exists but is not a commit
			continue
		}
		out[key] = node.toDomain()
	}
	return out, nil
}

// LookupPullRequests resolves a batch of pull request numbers in one call.
// Numbers that are issues or do not exist are absent from the result.
func (c *Client) LookupPullRequests(ctx context.Context, repo Repo, numbers []int64) (map[int64]*domain.PullRequest, error) {
	q := NewAliasQuery(pullFields)
	for _, n := range numbers {
		if err := q.AddPullRequest(n); err != nil {
			return nil, err
		}
	}
	if q.Len() == 0 {
		return map[int64]*domain.PullRequest{}, nil
	}

	slots, err := c.lookup(ctx, "lookup_pull_requests", repo, q)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]*domain.PullRequest, len(slots))
	for i := range numbers {
		raw, ok := slots[q.Alias(i)]
		if !ok || isNull(raw) {
			continue
		}
		var node pullNode
		if err := json.Unmarshal(raw, &node); err != nil {
			return nil, fmt.Errorf("decode slot %s: %w", q.Alias(i), err)
		}
		out[node.Number] = node.toDomain()
	}
	return out, nil
}

func (c *Client) lookup(ctx context.Context, op string, repo Repo, q *AliasQuery) (map[string]json.RawMessage, error) {
	vars := map[string]any{"owner": repo.Owner, "name": repo.Name}

	var data struct {
		Repository map[string]json.RawMessage `json:"repository"`
	}
	// A missing slot is reported as NOT_FOUND on the alias path; the slot is
	// simply null.
	tolerate := func(ge GraphQLError) bool {
		return ge.Type == ErrorTypeNotFound && len(ge.Path) >= 2
	}
	if err := c.query(ctx, op, repo.Scope, q.Build(), vars, &data, tolerate); err != nil {
		return nil, err
	}
	if data.Repository == nil {
		return nil, &APIError{StatusCode: 200, Remaining: -1, Errors: []GraphQLError{{
			Type: ErrorTypeNotFound, Message: fmt.Sprintf("repository %s/%s not found", repo.Owner, repo.Name),
		}}}
	}
	return data.Repository, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func qualifiedBranch(branch string) string {
	if strings.HasPrefix(branch, "refs/") {
		return branch
	}
	return "refs/heads/" + branch
}
