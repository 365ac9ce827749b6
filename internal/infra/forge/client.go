// Package forge is a small GraphQL client for the hosted forge API.
//
// The client performs a single attempt per call. Retries, backoff and budget
// gating are the caller's job; the client only reports what happened, as a
// transport error or an *APIError, and feeds every observed rate budget to
// the configured budget.Tracker.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/metrics"
	"github.com/vietddude/forgesync/internal/infra/forge/budget"
)

// Config holds remote API settings.
type Config struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// Repo addresses a repository under an auth scope.
type Repo struct {
	Scope string
	Owner string
	Name  string
}

// RepoOf addresses a sync target.
func RepoOf(t *domain.SyncTarget) Repo {
	return Repo{Scope: t.AuthScope, Owner: t.Owner, Name: t.Name}
}

// Client talks to the forge GraphQL endpoint.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	tracker    budget.Tracker
	logger     *slog.Logger
}

// NewClient creates a client. tracker may be nil.
func NewClient(cfg Config, tracker budget.Tracker) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracker: tracker,
		logger:  slog.Default().With("component", "forge"),
	}
}

type rateLimitNode struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors"`
}

// tolerateFunc decides whether a GraphQL error is expected for the query and
// must not fail the call.
type tolerateFunc func(GraphQLError) bool

// query posts one GraphQL document and decodes data into out.
func (c *Client) query(
	ctx context.Context,
	op string,
	scope string,
	document string,
	vars map[string]any,
	out any,
	tolerate tolerateFunc,
) error {
	start := time.Now()
	metrics.RemoteCalls.WithLabelValues(op).Inc()
	defer func() {
		metrics.RemoteLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(map[string]any{"query": document, "variables": vars})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	headerBudget, hasHeaderBudget := parseRateHeaders(resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if hasHeaderBudget {
			c.track(scope, headerBudget)
		}
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Remaining:  -1,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		if hasHeaderBudget {
			apiErr.Remaining = headerBudget.Remaining
			apiErr.ResetAt = headerBudget.ResetAt
		}
		// GitHub sends GraphQL-shaped errors on some non-2xx responses.
		var env envelope
		if json.Unmarshal(body, &env) == nil {
			apiErr.Errors = env.Errors
		}
		return apiErr
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%s: parse response: %w", op, err)
	}

	var rl struct {
		RateLimit *rateLimitNode `json:"rateLimit"`
	}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &rl)
	}
	switch {
	case rl.RateLimit != nil:
		c.track(scope, domain.RateBudget{
			Remaining: rl.RateLimit.Remaining,
			Limit:     rl.RateLimit.Limit,
			ResetAt:   rl.RateLimit.ResetAt,
		})
	case hasHeaderBudget:
		c.track(scope, headerBudget)
	}

	var fatal []GraphQLError
	for _, ge := range env.Errors {
		if tolerate != nil && tolerate(ge) {
			continue
		}
		fatal = append(fatal, ge)
	}
	if len(fatal) > 0 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Errors: fatal, Remaining: -1}
		if rl.RateLimit != nil {
			apiErr.Remaining = rl.RateLimit.Remaining
			apiErr.ResetAt = rl.RateLimit.ResetAt
		} else if hasHeaderBudget {
			apiErr.Remaining = headerBudget.Remaining
			apiErr.ResetAt = headerBudget.ResetAt
		}
		return apiErr
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s: decode data: %w", op, err)
		}
	}
	return nil
}

func (c *Client) track(scope string, b domain.RateBudget) {
	if c.tracker == nil {
		return
	}
	c.tracker.TrackFromResponse(scope, b)
}

func parseRateHeaders(h http.Header) (domain.RateBudget, bool) {
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return domain.RateBudget{}, false
	}
	b := domain.RateBudget{Remaining: remaining}
	if limit, err := strconv.Atoi(h.Get("X-RateLimit-Limit")); err == nil {
		b.Limit = limit
	}
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		b.ResetAt = time.Unix(reset, 0)
	}
	return b, true
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}
