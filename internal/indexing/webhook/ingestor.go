// Package webhook turns push deliveries into stored commits and
// commit.created events.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/emitter"
	"github.com/vietddude/forgesync/internal/indexing/metrics"
	"github.com/vietddude/forgesync/internal/infra/storage"
	"github.com/vietddude/forgesync/internal/infra/workcopy"
)

// Strategy names how commit data was obtained for a push.
type Strategy string

const (
	StrategyWorkingCopy Strategy = "working_copy"
	StrategyPayload     Strategy = "payload"
)

// Ignore reasons.
const (
	ReasonBranchDeleted     = "branch deleted"
	ReasonNoCommits         = "no commits"
	ReasonUnmonitoredBranch = "not the monitored branch"
	ReasonUnknownRepository = "unknown repository"
)

// Result describes what happened to one push.
type Result struct {
	Target   string   `json:"target,omitempty"`
	Ignored  bool     `json:"ignored"`
	Reason   string   `json:"reason,omitempty"`
	Strategy Strategy `json:"strategy,omitempty"`
	Commits  int      `json:"commits"`
	Created  []string `json:"created,omitempty"`
}

// Config controls ingestion.
type Config struct {
	DefaultBranch  string
	UseWorkingCopy bool
}

// Ingestor validates pushes and writes their commits.
type Ingestor struct {
	cfg       Config
	targets   storage.TargetRepository
	uow       storage.UnitOfWorkFactory
	workCopy  workcopy.Collaborator // may be nil
	publisher emitter.Publisher     // may be nil
	log       *slog.Logger
}

// NewIngestor creates an ingestor.
func NewIngestor(
	cfg Config,
	targets storage.TargetRepository,
	uow storage.UnitOfWorkFactory,
	workCopy workcopy.Collaborator,
	publisher emitter.Publisher,
) *Ingestor {
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	return &Ingestor{
		cfg:       cfg,
		targets:   targets,
		uow:       uow,
		workCopy:  workCopy,
		publisher: publisher,
		log:       slog.Default().With("component", "webhook"),
	}
}

// Ingest applies one push delivery. Ignored pushes are not errors.
func (i *Ingestor) Ingest(ctx context.Context, deliveryID string, ev *PushEvent) (Result, error) {
	if ev.Deleted && len(ev.Commits) == 0 {
		return ignored("", ReasonBranchDeleted), nil
	}
	if len(ev.Commits) == 0 {
		return ignored("", ReasonNoCommits), nil
	}

	owner, name := ev.Repository.OwnerAndName()
	target, err := i.targets.GetByFullName(ctx, owner, name)
	if err != nil {
		if errors.Is(err, storage.ErrTargetNotFound) {
			return ignored(owner+"/"+name, ReasonUnknownRepository), nil
		}
		return Result{}, fmt.Errorf("failed to load target: %w", err)
	}

	branch := target.Branch
	if branch == "" {
		branch = i.cfg.DefaultBranch
	}
	if ev.Ref != "refs/heads/"+branch {
		return ignored(target.FullName(), ReasonUnmonitoredBranch), nil
	}

	commits, strategy := i.collect(ctx, target, ev)
	res := Result{Target: target.FullName(), Strategy: strategy, Commits: len(commits)}

	outbox := emitter.NewOutbox(i.publisher)
	created, err := i.write(ctx, deliveryID, target, commits, identitiesOf(ev), outbox)
	if err != nil {
		outbox.Discard()
		return Result{}, err
	}
	res.Created = created

	// Records are committed at this point; a publish failure does not undo them.
	if err := outbox.Flush(ctx); err != nil {
		i.log.Warn("Failed to publish commit events", "target", target.FullName(), "delivery", deliveryID, "error", err)
	}

	metrics.ItemsSynced.WithLabelValues(string(domain.StreamCommits), string(domain.OriginWebhook)).Add(float64(len(created)))
	i.log.Info("Push ingested",
		"target", target.FullName(),
		"delivery", deliveryID,
		"strategy", strategy,
		"commits", len(commits),
		"created", len(created),
	)
	return res, nil
}

// collect prefers the working copy for full statistics and falls back to
// the payload when the walk fails.
func (i *Ingestor) collect(ctx context.Context, target *domain.SyncTarget, ev *PushEvent) ([]*domain.Commit, Strategy) {
	if i.cfg.UseWorkingCopy && i.workCopy != nil {
		commits, err := i.walk(ctx, target, ev)
		if err == nil && len(commits) > 0 {
			return commits, StrategyWorkingCopy
		}
		if err != nil {
			i.log.Warn("Working copy walk failed, using payload",
				"target", target.FullName(), "before", ev.Before, "after", ev.After, "error", err)
		}
	}

	commits := make([]*domain.Commit, 0, len(ev.Commits))
	for _, pc := range ev.Commits {
		commits = append(commits, pc.toDomain(target.ID))
	}
	return commits, StrategyPayload
}

func (i *Ingestor) walk(ctx context.Context, target *domain.SyncTarget, ev *PushEvent) ([]*domain.Commit, error) {
	if _, err := i.workCopy.Ensure(ctx, target); err != nil {
		return nil, err
	}
	commits, err := i.workCopy.Walk(ctx, target, ev.Before, ev.After)
	if err != nil {
		return nil, err
	}

	// The mirror knows nothing about accounts; take them from the payload.
	logins := make(map[string]string, len(ev.Commits))
	for _, pc := range ev.Commits {
		if pc.Author.Username != "" {
			logins[strings.ToLower(pc.ID)] = pc.Author.Username
		}
	}
	for _, c := range commits {
		c.TargetID = target.ID
		c.Origin = domain.OriginWebhook
		if login, ok := logins[c.SHA]; ok && c.AuthorLogin == nil {
			c.AuthorLogin = &login
		}
	}
	return commits, nil
}

// write upserts the commits in one unit of work and stages an event per
// commit this delivery created. Creation is read after commit so a row
// another writer stored first does not produce an event.
func (i *Ingestor) write(
	ctx context.Context,
	deliveryID string,
	target *domain.SyncTarget,
	commits []*domain.Commit,
	identities []domain.Identity,
	outbox *emitter.Outbox,
) ([]string, error) {
	uow, err := i.uow.NewUnitOfWork(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start unit of work: %w", err)
	}
	defer uow.Rollback()

	if _, err := uow.UpsertCommits(ctx, commits); err != nil {
		return nil, fmt.Errorf("failed to upsert commits: %w", err)
	}
	if err := uow.RememberIdentities(ctx, identities); err != nil {
		return nil, fmt.Errorf("failed to remember identities: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	bySHA := make(map[string]*domain.Commit, len(commits))
	for _, c := range commits {
		bySHA[c.SHA] = c
	}
	created := uow.CreatedCommits()
	for _, sha := range created {
		outbox.Stage(commitCreated(target, bySHA[sha], deliveryID))
	}
	return created, nil
}

func commitCreated(target *domain.SyncTarget, c *domain.Commit, deliveryID string) domain.Event {
	payload := map[string]any{
		"sha":          c.SHA,
		"message":      c.Message,
		"author_name":  c.AuthorName,
		"author_email": c.AuthorEmail,
		"committed_at": c.CommittedAt,
	}
	if c.AuthorLogin != nil {
		payload["author_login"] = *c.AuthorLogin
	}
	if c.HasStats() {
		payload["additions"] = *c.Additions
		payload["deletions"] = *c.Deletions
		payload["changed_files"] = *c.ChangedFiles
	}
	return emitter.NewEvent(domain.EventCommitCreated, target, domain.OriginWebhook, deliveryID+":"+c.SHA, payload)
}

func identitiesOf(ev *PushEvent) []domain.Identity {
	var out []domain.Identity
	for _, pc := range ev.Commits {
		email := domain.NormalizeEmail(pc.Author.Email)
		if email == "" || pc.Author.Username == "" {
			continue
		}
		out = append(out, domain.Identity{
			Email:  email,
			Login:  pc.Author.Username,
			Source: domain.IdentityFromWebhook,
		})
	}
	return out
}

func ignored(target, reason string) Result {
	return Result{Target: target, Ignored: true, Reason: reason}
}
