// Package workcopy keeps local mirrors of sync targets and reads commit
// ranges with full diff statistics from them.
package workcopy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
)

// MaxWalk bounds a walk when the range has no lower end.
const MaxWalk = 1000

// ErrUnknownRevision is returned when a revision is not in the mirror.
var ErrUnknownRevision = errors.New("unknown revision")

// Collaborator provides commit data from a local working copy.
type Collaborator interface {
	// Ensure clones or refreshes the mirror of target and returns its path.
	Ensure(ctx context.Context, target *domain.SyncTarget) (string, error)

	// ResolveHead returns the commit key the target's branch points at.
	ResolveHead(ctx context.Context, target *domain.SyncTarget) (string, error)

	// Walk returns the commits reachable from after but not from before,
	// newest first, with diff statistics. An empty or zero before walks at
	// most MaxWalk commits.
	Walk(ctx context.Context, target *domain.SyncTarget, before, after string) ([]*domain.Commit, error)
}

// Git implements Collaborator with the git CLI over bare mirrors.
type Git struct {
	root string
	log  *slog.Logger
}

// NewGit creates a collaborator keeping mirrors under root.
func NewGit(root string) *Git {
	return &Git{
		root: root,
		log:  slog.Default().With("component", "workcopy"),
	}
}

// Path returns the mirror location of a target.
func (g *Git) Path(target *domain.SyncTarget) string {
	return filepath.Join(g.root, target.Owner, target.Name+".git")
}

// exec runs a git command in dir and returns stdout.
func (g *Git) exec(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stderr strings.Builder
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w\n%s", strings.Join(args, " "), err, stderr.String())
	}
	return output, nil
}

// Ensure implements Collaborator.
func (g *Git) Ensure(ctx context.Context, target *domain.SyncTarget) (string, error) {
	path := g.Path(target)

	if _, err := os.Stat(filepath.Join(path, "HEAD")); err == nil {
		start := time.Now()
		if _, err := g.exec(ctx, path, "fetch", "--prune", "--quiet", "origin"); err != nil {
			return "", fmt.Errorf("failed to refresh mirror: %w", err)
		}
		g.log.Debug("Mirror refreshed", "target", target.FullName(), "took", time.Since(start))
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create mirror dir: %w", err)
	}
	if _, err := g.exec(ctx, g.root, "clone", "--mirror", "--quiet", target.RemoteURL, path); err != nil {
		return "", fmt.Errorf("failed to clone mirror: %w", err)
	}
	g.log.Info("Mirror cloned", "target", target.FullName(), "path", path)
	return path, nil
}

// ResolveHead implements Collaborator.
func (g *Git) ResolveHead(ctx context.Context, target *domain.SyncTarget) (string, error) {
	out, err := g.exec(ctx, g.Path(target), "rev-parse", "--verify", "refs/heads/"+target.Branch)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnknownRevision, target.Branch, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Walk implements Collaborator.
func (g *Git) Walk(ctx context.Context, target *domain.SyncTarget, before, after string) ([]*domain.Commit, error) {
	args := []string{"log", "--numstat", "--no-renames", "--format=" + logFormat}
	if isZeroRev(before) {
		args = append(args, "--max-count="+strconv.Itoa(MaxWalk), after)
	} else {
		args = append(args, before+".."+after)
	}

	out, err := g.exec(ctx, g.Path(target), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownRevision, err)
	}

	commits, err := parseLog(string(out))
	if err != nil {
		return nil, err
	}
	for _, c := range commits {
		c.TargetID = target.ID
	}
	return commits, nil
}

const (
	recordSep = "\x1e"
	fieldSep  = "\x1f"
	bodyEnd   = "\x1d"
)

// logFormat emits: RS sha US name US email US date US body GS, then numstat.
const logFormat = "%x1e%H%x1f%an%x1f%ae%x1f%cI%x1f%B%x1d"

func isZeroRev(rev string) bool {
	return strings.Trim(rev, "0") == ""
}

// parseLog reads the output of git log with logFormat and --numstat.
func parseLog(out string) ([]*domain.Commit, error) {
	var commits []*domain.Commit
	for _, record := range strings.Split(out, recordSep) {
		if strings.TrimSpace(record) == "" {
			continue
		}

		header, numstat, ok := strings.Cut(record, bodyEnd)
		if !ok {
			return nil, fmt.Errorf("malformed log record: missing body terminator")
		}
		fields := strings.SplitN(header, fieldSep, 5)
		if len(fields) != 5 {
			return nil, fmt.Errorf("malformed log record: %d fields", len(fields))
		}

		committedAt, err := time.Parse(time.RFC3339, fields[3])
		if err != nil {
			return nil, fmt.Errorf("malformed commit date %q: %w", fields[3], err)
		}

		additions, deletions, files := 0, 0, 0
		for _, line := range strings.Split(numstat, "\n") {
			parts := strings.SplitN(strings.TrimSpace(line), "\t", 3)
			if len(parts) != 3 {
				continue
			}
			files++
			// Binary files report "-"
			if n, err := strconv.Atoi(parts[0]); err == nil {
				additions += n
			}
			if n, err := strconv.Atoi(parts[1]); err == nil {
				deletions += n
			}
		}

		commits = append(commits, &domain.Commit{
			SHA:          fields[0],
			AuthorName:   fields[1],
			AuthorEmail:  domain.NormalizeEmail(fields[2]),
			CommittedAt:  committedAt.UTC(),
			Message:      strings.TrimRight(fields[4], "\n"),
			Additions:    &additions,
			Deletions:    &deletions,
			ChangedFiles: &files,
			Origin:       domain.OriginWebhook,
		})
	}
	return commits, nil
}
