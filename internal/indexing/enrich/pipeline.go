// Package enrich fills author identities and diff statistics that the
// ingestion paths left unknown.
//
// A run has three steps. Phase A resolves author clusters locally, from known
// identities and noreply address forms. Phase B looks up one representative
// commit per remaining cluster remotely, in aliased batches, and propagates
// each resolved login to the whole cluster. The stats pass fills diff
// statistics of commits that arrived without them.
//
// Every write is fill-forward: known values are never replaced, so a run can
// be repeated or interrupted at any point.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/emitter"
	"github.com/vietddude/forgesync/internal/indexing/metrics"
	"github.com/vietddude/forgesync/internal/infra/forge"
	"github.com/vietddude/forgesync/internal/infra/forge/budget"
	"github.com/vietddude/forgesync/internal/infra/forge/retry"
	"github.com/vietddude/forgesync/internal/infra/storage"
)

// Lookup resolves commit keys remotely.
type Lookup interface {
	LookupCommits(ctx context.Context, repo forge.Repo, shas []string) (map[string]*domain.Commit, error)
}

// Runner executes a remote call under the retry policy.
type Runner interface {
	Do(ctx context.Context, unit retry.Unit, fn func(ctx context.Context) error) retry.Outcome
}

// Config bounds one run.
type Config struct {
	BatchSize  int
	MaxRecords int
}

// Result summarizes one run.
type Result struct {
	Status         domain.SyncStatus
	PhaseAResolved int64 // commits updated from local identities
	PhaseBResolved int64 // commits updated from remote lookups
	Skipped        int   // representatives with malformed keys
	Unresolved     int   // clusters still without a login
	StatsFilled    int64
	Batches        int
	Err            error
}

// Changed reports whether the run wrote anything.
func (r Result) Changed() bool {
	return r.PhaseAResolved+r.PhaseBResolved+r.StatsFilled > 0
}

// Pipeline runs enrichment for one target at a time.
type Pipeline struct {
	cfg        Config
	commits    storage.CommitRepository
	identities storage.IdentityRepository
	remote     Lookup
	gate       budget.Gate
	retry      Runner
	publisher  emitter.Publisher // may be nil
	log        *slog.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(
	cfg Config,
	commits storage.CommitRepository,
	identities storage.IdentityRepository,
	remote Lookup,
	gate budget.Gate,
	runner Runner,
	publisher emitter.Publisher,
) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 5000
	}
	return &Pipeline{
		cfg:        cfg,
		commits:    commits,
		identities: identities,
		remote:     remote,
		gate:       gate,
		retry:      runner,
		publisher:  publisher,
		log:        slog.Default().With("component", "enrich"),
	}
}

// cluster is the set of unresolved commits sharing an author email.
type cluster struct {
	email string
	rep   *domain.Commit // first-seen commit
	size  int
}

// Run enriches target. Progress made before an abort is kept.
func (p *Pipeline) Run(ctx context.Context, target *domain.SyncTarget) Result {
	start := time.Now()
	res := Result{Status: domain.StatusCompleted}

	unresolved, err := p.commits.ListUnresolved(ctx, target.ID, p.cfg.MaxRecords)
	if err != nil {
		res.Status, res.Err = domain.StatusAbortedError, fmt.Errorf("failed to list unresolved commits: %w", err)
		return p.done(ctx, target, res, start)
	}
	clusters := groupByEmail(unresolved)

	remaining, err := p.phaseA(ctx, target, clusters, &res)
	if err != nil {
		res.Status, res.Err = domain.StatusAbortedError, err
		res.Unresolved = len(remaining)
		return p.done(ctx, target, res, start)
	}

	res.Unresolved, res.Status, res.Err = p.phaseB(ctx, target, remaining, &res)
	if res.Status != domain.StatusCompleted {
		return p.done(ctx, target, res, start)
	}

	res.Status, res.Err = p.fillStats(ctx, target, &res)
	return p.done(ctx, target, res, start)
}

// phaseA resolves clusters without remote calls and returns the rest.
func (p *Pipeline) phaseA(ctx context.Context, target *domain.SyncTarget, clusters []*cluster, res *Result) ([]*cluster, error) {
	var rest []*cluster
	for i, c := range clusters {
		login, ok, err := p.resolveLocal(ctx, c.email)
		if err != nil {
			return append(rest, clusters[i:]...), fmt.Errorf("failed to look up identity: %w", err)
		}
		if !ok {
			rest = append(rest, c)
			continue
		}
		n, err := p.commits.SetAuthorLoginIfNull(ctx, target.ID, c.email, login)
		if err != nil {
			return append(rest, clusters[i:]...), fmt.Errorf("failed to set author login: %w", err)
		}
		res.PhaseAResolved += n
	}
	metrics.EnrichmentResolved.WithLabelValues("local").Add(float64(res.PhaseAResolved))
	return rest, nil
}

func (p *Pipeline) resolveLocal(ctx context.Context, email string) (string, bool, error) {
	email = domain.NormalizeEmail(email)
	if login, ok := NoreplyLogin(email); ok {
		return login, true, nil
	}
	return p.identities.LookupByEmail(ctx, email)
}

// phaseB looks up cluster representatives in batches. It returns the number
// of clusters left unresolved.
func (p *Pipeline) phaseB(ctx context.Context, target *domain.SyncTarget, clusters []*cluster, res *Result) (int, domain.SyncStatus, error) {
	valid := make([]*cluster, 0, len(clusters))
	for _, c := range clusters {
		if !forge.ValidSHA(c.rep.SHA) {
			p.log.Warn("Skipping malformed commit key", "target", target.FullName(), "sha", c.rep.SHA)
			metrics.EnrichmentSkipped.Inc()
			res.Skipped++
			continue
		}
		valid = append(valid, c)
	}

	unresolved := len(clusters)
	for start := 0; start < len(valid); start += p.cfg.BatchSize {
		batch := valid[start:min(start+p.cfg.BatchSize, len(valid))]
		shas := make([]string, len(batch))
		for i, c := range batch {
			shas[i] = c.rep.SHA
		}

		found, status, err := p.lookup(ctx, target, "identity", shas, res)
		if status != domain.StatusCompleted {
			return unresolved, status, err
		}

		for _, c := range batch {
			remote, ok := found[c.rep.SHA]
			if !ok || remote.AuthorLogin == nil {
				continue
			}
			login := *remote.AuthorLogin
			if err := p.identities.Remember(ctx, domain.Identity{
				Email:  c.email,
				Login:  login,
				Source: domain.IdentityFromLookup,
			}); err != nil {
				return unresolved, domain.StatusAbortedError, fmt.Errorf("failed to remember identity: %w", err)
			}
			n, err := p.commits.SetAuthorLoginIfNull(ctx, target.ID, c.email, login)
			if err != nil {
				return unresolved, domain.StatusAbortedError, fmt.Errorf("failed to set author login: %w", err)
			}
			res.PhaseBResolved += n
			metrics.EnrichmentResolved.WithLabelValues("remote").Add(float64(n))
			unresolved--
		}
	}
	return unresolved, domain.StatusCompleted, nil
}

// fillStats fills unknown diff statistics.
func (p *Pipeline) fillStats(ctx context.Context, target *domain.SyncTarget, res *Result) (domain.SyncStatus, error) {
	missing, err := p.commits.ListMissingStats(ctx, target.ID, p.cfg.MaxRecords)
	if err != nil {
		return domain.StatusAbortedError, fmt.Errorf("failed to list commits without stats: %w", err)
	}

	shas := make([]string, 0, len(missing))
	for _, c := range missing {
		if forge.ValidSHA(c.SHA) {
			shas = append(shas, c.SHA)
		}
	}

	for start := 0; start < len(shas); start += p.cfg.BatchSize {
		batch := shas[start:min(start+p.cfg.BatchSize, len(shas))]

		found, status, err := p.lookup(ctx, target, "stats", batch, res)
		if status != domain.StatusCompleted {
			return status, err
		}

		for _, sha := range batch {
			remote, ok := found[sha]
			if !ok || !remote.HasStats() {
				continue
			}
			n, err := p.commits.FillStatsIfNull(ctx, target.ID, sha, domain.DiffStats{
				Additions:    *remote.Additions,
				Deletions:    *remote.Deletions,
				ChangedFiles: *remote.ChangedFiles,
			})
			if err != nil {
				return domain.StatusAbortedError, fmt.Errorf("failed to fill stats: %w", err)
			}
			res.StatsFilled += n
		}
	}
	metrics.EnrichmentResolved.WithLabelValues("stats").Add(float64(res.StatsFilled))
	return domain.StatusCompleted, nil
}

// lookup runs one gated, retried batch lookup.
func (p *Pipeline) lookup(ctx context.Context, target *domain.SyncTarget, kind string, shas []string, res *Result) (map[string]*domain.Commit, domain.SyncStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.StatusAbortedError, err
	}
	if err := p.gate.Acquire(ctx, target.AuthScope); err != nil {
		if errors.Is(err, budget.ErrBudgetExhausted) {
			return nil, domain.StatusAbortedRateLimit, err
		}
		return nil, domain.StatusAbortedError, err
	}

	var found map[string]*domain.Commit
	unit := retry.Unit{
		Scope:  target.AuthScope,
		Target: target.FullName(),
		Name:   fmt.Sprintf("%s batch %d", kind, res.Batches+1),
	}
	outcome := p.retry.Do(ctx, unit, func(ctx context.Context) error {
		var err error
		found, err = p.remote.LookupCommits(ctx, forge.RepoOf(target), shas)
		return err
	})
	if !outcome.OK() {
		return nil, outcome.Status, outcome.Err
	}
	res.Batches++
	return found, domain.StatusCompleted, nil
}

func (p *Pipeline) done(ctx context.Context, target *domain.SyncTarget, res Result, start time.Time) Result {
	attrs := []any{
		"target", target.FullName(),
		"status", res.Status,
		"local", res.PhaseAResolved,
		"remote", res.PhaseBResolved,
		"stats", res.StatsFilled,
		"skipped", res.Skipped,
		"unresolved", res.Unresolved,
		"batches", res.Batches,
		"took", time.Since(start).Round(time.Millisecond),
	}
	if res.Err != nil {
		p.log.Warn("Enrichment stopped", append(attrs, "error", res.Err)...)
	} else {
		p.log.Info("Enrichment finished", attrs...)
	}

	if res.Changed() && p.publisher != nil {
		key := fmt.Sprintf("enrich:%d:%d", target.ID, start.UnixNano())
		ev := emitter.NewEvent(domain.EventEnrichmentCompleted, target, domain.OriginBulkSync, key, map[string]any{
			"status":          string(res.Status),
			"local_resolved":  res.PhaseAResolved,
			"lookup_resolved": res.PhaseBResolved,
			"stats_filled":    res.StatsFilled,
			"unresolved":      res.Unresolved,
		})
		if err := p.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
			p.log.Warn("Failed to publish enrichment event", "target", target.FullName(), "error", err)
		}
	}
	return res
}

// groupByEmail clusters commits by normalized email in first-seen order.
func groupByEmail(commits []*domain.Commit) []*cluster {
	index := make(map[string]*cluster)
	var out []*cluster
	for _, c := range commits {
		email := domain.NormalizeEmail(c.AuthorEmail)
		if email == "" {
			continue
		}
		if cl, ok := index[email]; ok {
			cl.size++
			continue
		}
		cl := &cluster{email: email, rep: c, size: 1}
		index[email] = cl
		out = append(out, cl)
	}
	return out
}
