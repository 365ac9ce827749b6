package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/forgesync/internal/core/config"
	"github.com/vietddude/forgesync/internal/core/cursor"
	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/backfill"
)

// newTestConfig points the engine at a forge that rejects every call.
func newTestConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	forgeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Bad credentials"}`))
	}))
	t.Cleanup(forgeSrv.Close)

	return &config.AppConfig{
		Server: config.ServerConfig{Port: 0},
		Forge:  config.ForgeConfig{Endpoint: forgeSrv.URL, Timeout: time.Second},
		Budget: config.BudgetConfig{Threshold: 10, MaxWait: time.Second},
		Retry:  config.RetryConfig{MaxAttempts: 1},
		Sync:   config.SyncConfig{PageSize: 50, Interval: time.Hour, RecentWindow: 24 * time.Hour},
		Webhook: config.WebhookConfig{
			Branch: "main",
		},
		Targets: []config.TargetConfig{
			{Owner: "acme", Name: "api", Branch: "main", AuthScope: "default"},
		},
	}
}

func TestEngine_Lifecycle(t *testing.T) {
	e, err := NewEngine(context.Background(), newTestConfig(t))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait a bit to let goroutines spin up
	time.Sleep(100 * time.Millisecond)

	targets, err := e.Store().Targets.List(ctx)
	if err != nil || len(targets) != 1 {
		t.Fatalf("expected 1 seeded target, got %d (%v)", len(targets), err)
	}

	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestEngine_SyncOnce(t *testing.T) {
	e, err := NewEngine(context.Background(), newTestConfig(t))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer e.Stop(context.Background())

	res, err := e.SyncOnce(context.Background(), "acme", "api")
	if err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}

	if res.Commits == nil || res.Commits.Status != domain.StatusAbortedError {
		t.Errorf("expected commits aborted by the rejected credentials, got %+v", res.Commits)
	}
	if res.Pulls == nil {
		t.Errorf("expected the pulls phase to run after an error abort")
	}
	if res.Backfill == nil || res.Backfill.Action != backfill.ActionNotReady {
		t.Errorf("expected backfill not ready without a recent sync, got %+v", res.Backfill)
	}

	report := e.Health(context.Background())
	if report.Targets["acme/api"].Runs["commits"] != string(cursor.StateAbortedError) {
		t.Errorf("expected aborted commits run in health, got %v", report.Targets["acme/api"].Runs)
	}
}

func TestEngine_SyncOnceUnknownTarget(t *testing.T) {
	e, err := NewEngine(context.Background(), newTestConfig(t))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer e.Stop(context.Background())

	if _, err := e.SyncOnce(context.Background(), "acme", "missing"); err == nil {
		t.Errorf("expected error for an unconfigured target")
	}
}

func TestEngine_WebhookRoute(t *testing.T) {
	e, err := NewEngine(context.Background(), newTestConfig(t))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer e.Stop(context.Background())
	ctx := context.Background()
	if err := e.SeedTargets(ctx); err != nil {
		t.Fatalf("SeedTargets failed: %v", err)
	}

	sha := strings.Repeat("ab", 20)
	body := `{"ref":"refs/heads/main","before":"` + strings.Repeat("0", 40) + `","after":"` + sha + `",
		"repository":{"name":"api","full_name":"acme/api"},
		"commits":[{"id":"` + sha + `","message":"fix","timestamp":"2026-01-02T03:04:05Z",
		"author":{"name":"Dev","email":"Dev@Example.com","username":"dev"}}]}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	target, _ := e.Store().Targets.GetByFullName(ctx, "acme", "api")
	commit, err := e.Store().Commits.GetBySHA(ctx, target.ID, sha)
	if err != nil || commit == nil {
		t.Fatalf("expected stored commit, got %v (%v)", commit, err)
	}
	if commit.Origin != domain.OriginWebhook {
		t.Errorf("expected webhook origin, got %s", commit.Origin)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		want  string
	}{
		{"", false, "INFO"},
		{"debug", false, "DEBUG"},
		{"WARN", false, "WARN"},
		{"error", false, "ERROR"},
		{"error", true, "DEBUG"},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.level, tt.debug).String(); got != tt.want {
			t.Errorf("ParseLevel(%q, %v) = %s, want %s", tt.level, tt.debug, got, tt.want)
		}
	}
}
