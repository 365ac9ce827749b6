package workcopy

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vietddude/forgesync/internal/core/domain"
)

func TestParseLog(t *testing.T) {
	sha1 := strings.Repeat("a", 40)
	sha2 := strings.Repeat("b", 40)
	out := "\x1e" + sha1 + "\x1fAda\x1fAda@Example.com \x1f2025-03-01T10:00:00+02:00\x1fFix parser\n\nLonger body\n\x1d\n\n" +
		"3\t1\tparser.go\n-\t-\tlogo.png\n" +
		"\x1e" + sha2 + "\x1fBob\x1fbob@example.com\x1f2025-02-28T09:00:00Z\x1fEmpty\n\x1d\n"

	commits, err := parseLog(out)
	if err != nil {
		t.Fatalf("parseLog failed: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}

	c := commits[0]
	if c.SHA != sha1 || c.AuthorEmail != "ada@example.com" {
		t.Errorf("unexpected header: %+v", c)
	}
	if c.Message != "Fix parser\n\nLonger body" {
		t.Errorf("unexpected message %q", c.Message)
	}
	if *c.Additions != 3 || *c.Deletions != 1 || *c.ChangedFiles != 2 {
		t.Errorf("unexpected stats %d/%d/%d", *c.Additions, *c.Deletions, *c.ChangedFiles)
	}
	if c.CommittedAt.Hour() != 8 {
		t.Errorf("expected UTC commit time, got %v", c.CommittedAt)
	}

	if !commits[1].HasStats() || *commits[1].ChangedFiles != 0 {
		t.Errorf("empty commit should have zero stats, got %+v", commits[1])
	}
}

func TestParseLog_Malformed(t *testing.T) {
	if _, err := parseLog("\x1eabc\x1fonly"); err == nil {
		t.Error("expected error for record without terminator")
	}
}

func TestIsZeroRev(t *testing.T) {
	tests := map[string]bool{
		"":                         true,
		strings.Repeat("0", 40):    true,
		strings.Repeat("a", 40):    false,
		"0000000000000000000000a0": false,
	}
	for rev, want := range tests {
		if got := isZeroRev(rev); got != want {
			t.Errorf("isZeroRev(%q) = %v, want %v", rev, got, want)
		}
	}
}

// setupOrigin creates a repository with two commits on main.
func setupOrigin(t *testing.T) (string, []string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	run := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
		return strings.TrimSpace(string(out))
	}

	run("init", "--quiet", "--initial-branch=main")
	run("config", "user.name", "Test User")
	run("config", "user.email", "Test@Example.com")

	var shas []string
	for i, content := range []string{"one\n", "one\ntwo\nthree\n"} {
		if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		run("add", "file.txt")
		run("commit", "--quiet", "-m", "commit "+string(rune('A'+i)))
		shas = append(shas, run("rev-parse", "HEAD"))
	}
	return dir, shas
}

func TestGit_EnsureAndWalk(t *testing.T) {
	origin, shas := setupOrigin(t)
	ctx := context.Background()

	g := NewGit(t.TempDir())
	target := &domain.SyncTarget{ID: 3, Owner: "acme", Name: "api", Branch: "main", RemoteURL: origin}

	path, err := g.Ensure(ctx, target)
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if path != g.Path(target) {
		t.Errorf("unexpected path %s", path)
	}
	// Second call refreshes the existing mirror.
	if _, err := g.Ensure(ctx, target); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	head, err := g.ResolveHead(ctx, target)
	if err != nil {
		t.Fatalf("ResolveHead failed: %v", err)
	}
	if head != shas[1] {
		t.Errorf("expected head %s, got %s", shas[1], head)
	}

	commits, err := g.Walk(ctx, target, shas[0], shas[1])
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if len(commits) != 1 || commits[0].SHA != shas[1] {
		t.Fatalf("expected only the second commit, got %+v", commits)
	}
	c := commits[0]
	if c.TargetID != 3 || c.AuthorEmail != "test@example.com" {
		t.Errorf("unexpected commit %+v", c)
	}
	if *c.Additions != 2 || *c.Deletions != 0 || *c.ChangedFiles != 1 {
		t.Errorf("unexpected stats %d/%d/%d", *c.Additions, *c.Deletions, *c.ChangedFiles)
	}

	all, err := g.Walk(ctx, target, strings.Repeat("0", 40), shas[1])
	if err != nil {
		t.Fatalf("Walk from zero failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 commits, got %d", len(all))
	}

	if _, err := g.Walk(ctx, target, shas[0], strings.Repeat("f", 40)); err == nil {
		t.Error("expected error for unknown revision")
	}
}
