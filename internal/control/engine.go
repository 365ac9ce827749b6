package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vietddude/forgesync/internal/core/config"
	"github.com/vietddude/forgesync/internal/core/cursor"
	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/core/worker"
	"github.com/vietddude/forgesync/internal/indexing/backfill"
	"github.com/vietddude/forgesync/internal/indexing/emitter"
	"github.com/vietddude/forgesync/internal/indexing/enrich"
	"github.com/vietddude/forgesync/internal/indexing/health"
	"github.com/vietddude/forgesync/internal/indexing/indexer"
	"github.com/vietddude/forgesync/internal/indexing/syncloop"
	"github.com/vietddude/forgesync/internal/indexing/webhook"
	"github.com/vietddude/forgesync/internal/infra/forge"
	"github.com/vietddude/forgesync/internal/infra/forge/budget"
	"github.com/vietddude/forgesync/internal/infra/forge/retry"
	redisclient "github.com/vietddude/forgesync/internal/infra/redis"
	"github.com/vietddude/forgesync/internal/infra/storage"
	"github.com/vietddude/forgesync/internal/infra/storage/memory"
	"github.com/vietddude/forgesync/internal/infra/storage/postgres"
	"github.com/vietddude/forgesync/internal/infra/workcopy"
)

// Engine owns every long-lived component of the process.
type Engine struct {
	cfg       *config.AppConfig
	store     *storage.Store
	db        *postgres.DB
	redis     *redisclient.Client
	registry  *budget.Registry
	cursors   *cursor.DefaultManager
	bus       *emitter.Bus
	pipeline  *indexer.Pipeline
	scheduler *worker.Scheduler
	monitor   *health.Monitor
	server    *health.Server
	log       *slog.Logger
}

// NewEngine creates an Engine with all dependencies initialized. Without a
// database URL the engine runs on the in-memory store; without a Redis URL
// webhook dedup is process-local and events are only logged.
func NewEngine(ctx context.Context, cfg *config.AppConfig) (*Engine, error) {
	e := &Engine{cfg: cfg, log: slog.Default().With("component", "engine")}

	// 1. Storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		e.db = db
		e.store = db.Store()
		e.log.Info("Using PostgreSQL storage")
	} else {
		e.store = memory.NewMemoryStorage().Store()
		e.log.Info("Using Memory storage")
	}

	// 2. Redis
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			e.log.Warn("Failed to connect to Redis, using local dedup", "error", err)
		} else {
			e.redis = client
		}
	}

	// 3. Remote access
	e.registry = budget.NewRegistry(budget.Config{
		Threshold: cfg.Budget.Threshold,
		MaxWait:   cfg.Budget.MaxWait,
	})
	client := forge.NewClient(forge.Config{
		Endpoint: cfg.Forge.Endpoint,
		Token:    cfg.Forge.Token,
		Timeout:  cfg.Forge.Timeout,
	}, e.registry)
	coordinator := retry.NewCoordinator(retry.Config{
		TransportAttempts: cfg.Retry.TransportAttempts,
		TransportBase:     cfg.Retry.TransportBase,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		Backoff:           cfg.Retry.Backoff,
		MaxRateLimitWait:  cfg.Retry.MaxRateLimitWait,
	}, e.registry)

	// 4. Events
	emitters := []emitter.Emitter{emitter.NewLogEmitter()}
	var deadLetter emitter.DeadLetter
	var failed health.Counter
	var dedup webhook.Deduper
	if e.redis != nil {
		emitters = append(emitters, emitter.NewStreamEmitter(e.redis, 0))
		parked := redisclient.NewFailedDeliveryRepo(e.redis)
		deadLetter, failed, dedup = parked, parked, e.redis
	}
	e.bus = emitter.NewBus(emitter.DefaultBusConfig(), deadLetter, emitters...)

	// 5. Per-target pipeline
	e.cursors = cursor.NewManager(e.store.Checkpoints)
	syncCfg := syncloop.Config{PageSize: cfg.Sync.PageSize, MaxPages: cfg.Sync.MaxPages}
	syncDeps := syncloop.Deps{
		Targets:    e.store.Targets,
		UnitOfWork: e.store.UnitOfWork,
		Cursors:    e.cursors,
		Gate:       e.registry,
		Retry:      coordinator,
		Publisher:  e.bus,
	}

	bfCfg := backfill.DefaultConfig()
	bfCfg.BatchSize = cfg.Backfill.BatchSize
	bfCfg.MinRemainingBudget = cfg.Backfill.MinRemainingBudget
	bfCfg.Cooldown = cfg.Backfill.Cooldown

	e.pipeline = indexer.NewPipeline(indexer.Config{
		Targets: e.store.Targets,
		Commits: syncloop.NewLoop[*domain.Commit](syncCfg, syncDeps, syncloop.NewCommitStream(client)),
		Pulls:   syncloop.NewLoop[*domain.PullRequest](syncCfg, syncDeps, syncloop.NewPullStream(client, cfg.Sync.RecentWindow)),
		Enricher: enrich.NewPipeline(
			enrich.Config{BatchSize: cfg.Enrichment.BatchSize, MaxRecords: cfg.Enrichment.MaxRecords},
			e.store.Commits,
			e.store.Identities,
			client,
			e.registry,
			coordinator,
			e.bus,
		),
		Backfill: backfill.NewProcessor(bfCfg, backfill.Deps{
			Targets:    e.store.Targets,
			UnitOfWork: e.store.UnitOfWork,
			Remote:     client,
			Gate:       e.registry,
			Retry:      coordinator,
			Publisher:  e.bus,
		}, backfill.NewDetector(e.store.Pulls)),
	})
	e.scheduler = worker.NewScheduler(worker.Config{
		Interval:        cfg.Sync.Interval,
		RedriveInterval: time.Minute,
	}, e.store.Targets, e.pipeline, e.bus)

	// 6. Webhook ingestion
	var workCopy workcopy.Collaborator
	if cfg.WorkCopy.Root != "" {
		workCopy = workcopy.NewGit(cfg.WorkCopy.Root)
	}
	ingestor := webhook.NewIngestor(webhook.Config{
		DefaultBranch:  cfg.Webhook.Branch,
		UseWorkingCopy: cfg.Webhook.UseWorkingCopy,
	}, e.store.Targets, e.store.UnitOfWork, workCopy, e.bus)
	handler := webhook.NewHandler(webhook.HandlerConfig{
		Secret:   cfg.Webhook.Secret,
		DedupTTL: cfg.Webhook.DedupTTL,
	}, ingestor, dedup)

	// 7. Health and HTTP
	e.monitor = health.NewMonitor(e.store.Targets, e.store.Checkpoints, e.cursors, e.registry, failed, 3*cfg.Sync.Interval)
	if e.db != nil {
		e.monitor.AddDependency("postgres", e.db)
	}
	if e.redis != nil {
		e.monitor.AddDependency("redis", e.redis)
	}
	e.server = health.NewServer(e.monitor, cfg.Server.Port)
	e.server.Mount(handler.Register)

	return e, nil
}

// SeedTargets saves every configured target.
func (e *Engine) SeedTargets(ctx context.Context) error {
	for _, t := range e.cfg.Targets {
		target := &domain.SyncTarget{
			Owner:     t.Owner,
			Name:      t.Name,
			Branch:    t.Branch,
			AuthScope: t.AuthScope,
			RemoteURL: t.RemoteURL,
		}
		if err := e.store.Targets.Save(ctx, target); err != nil {
			return fmt.Errorf("failed to save target %s: %w", target.FullName(), err)
		}
	}
	return nil
}

// Start starts the HTTP server, the event bus and the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.SeedTargets(ctx); err != nil {
		return err
	}

	e.bus.Start(ctx)

	go func() {
		if err := e.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("HTTP server failed", "error", err)
		}
	}()

	if e.db != nil {
		e.db.StartMetricsCollector(ctx)
	}

	go func() {
		if err := e.scheduler.Start(ctx); err != nil {
			e.log.Error("Scheduler failed", "error", err)
		}
	}()

	e.log.Info("Engine started", "targets", len(e.cfg.Targets), "port", e.cfg.Server.Port)
	return nil
}

// SyncOnce runs a single pass for one target without the scheduler.
func (e *Engine) SyncOnce(ctx context.Context, owner, name string) (indexer.PassResult, error) {
	if err := e.SeedTargets(ctx); err != nil {
		return indexer.PassResult{}, err
	}
	target, err := e.store.Targets.GetByFullName(ctx, owner, name)
	if err != nil {
		return indexer.PassResult{}, err
	}
	e.bus.Start(ctx)
	return e.pipeline.RunOnce(ctx, target.ID)
}

// Store exposes the storage of the engine.
func (e *Engine) Store() *storage.Store {
	return e.store
}

// Cursors exposes the checkpoint manager.
func (e *Engine) Cursors() cursor.Manager {
	return e.cursors
}

// Health returns a fresh health report.
func (e *Engine) Health(ctx context.Context) health.HealthReport {
	return e.monitor.CheckHealth(ctx)
}

// Stop stops the engine. Queued events are delivered before it returns.
func (e *Engine) Stop(ctx context.Context) error {
	e.log.Info("Stopping engine...")

	err := e.server.Stop(ctx)

	if cerr := e.bus.Close(); cerr != nil {
		e.log.Warn("Failed to close event bus", "error", cerr)
	}
	if e.redis != nil {
		if cerr := e.redis.Close(); cerr != nil {
			e.log.Warn("Failed to close Redis", "error", cerr)
		}
	}
	if e.db != nil {
		if cerr := e.db.Close(); cerr != nil {
			e.log.Warn("Failed to close database", "error", cerr)
		}
	}
	return err
}
