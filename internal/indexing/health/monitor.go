package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/forgesync/internal/core/cursor"
	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/infra/forge/budget"
	"github.com/vietddude/forgesync/internal/infra/storage"
)

// Counter reports the size of a queue, such as parked event deliveries.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Pinger checks a dependency.
type Pinger interface {
	Health(ctx context.Context) error
}

// Monitor aggregates health status from various system components.
type Monitor struct {
	targets      storage.TargetRepository
	checkpoints  storage.CheckpointRepository
	cursorMgr    cursor.Manager
	gate         budget.Gate
	failed       Counter // may be nil
	dependencies map[string]Pinger
	staleAfter   time.Duration
	now          func() time.Time

	lastCheck  time.Time
	lastReport HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. A target whose commits have not
// completed a sync within staleAfter is degraded; zero disables the check.
func NewMonitor(
	targets storage.TargetRepository,
	checkpoints storage.CheckpointRepository,
	cursorMgr cursor.Manager,
	gate budget.Gate,
	failed Counter,
	staleAfter time.Duration,
) *Monitor {
	return &Monitor{
		targets:      targets,
		checkpoints:  checkpoints,
		cursorMgr:    cursorMgr,
		gate:         gate,
		failed:       failed,
		dependencies: make(map[string]Pinger),
		staleAfter:   staleAfter,
		now:          time.Now,
	}
}

// AddDependency registers a dependency checked on every report.
func (m *Monitor) AddDependency(name string, p Pinger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dependencies[name] = p
}

// CheckHealth builds a report for every target.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Cached for 10s so health checks don't hammer the database.
	if m.now().Sub(m.lastCheck) < 10*time.Second && m.lastReport.Targets != nil {
		return m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Dependencies: make(map[string]string),
		Targets:      make(map[string]TargetHealth),
	}

	for name, dep := range m.dependencies {
		if err := dep.Health(ctx); err != nil {
			report.Dependencies[name] = err.Error()
			report.SystemStatus = StatusCritical
		} else {
			report.Dependencies[name] = "ok"
		}
	}

	if m.failed != nil {
		if n, err := m.failed.Count(ctx); err == nil {
			report.FailedDeliveries = n
		}
	}

	resumable := make(map[int64]int)
	if cps, err := m.checkpoints.List(ctx); err == nil {
		for _, cp := range cps {
			resumable[cp.TargetID]++
		}
	}

	targets, err := m.targets.List(ctx)
	if err != nil {
		report.SystemStatus = StatusCritical
		report.Dependencies["storage"] = err.Error()
	}
	for _, t := range targets {
		h := m.checkTarget(t)
		h.Checkpoints = resumable[t.ID]
		report.Targets[h.Target] = h
	}

	report.SystemStatus = worst(report.SystemStatus, aggregate(report))
	m.lastCheck = m.now()
	m.lastReport = report
	return report
}

func (m *Monitor) checkTarget(t *domain.SyncTarget) TargetHealth {
	h := TargetHealth{
		Target:            t.FullName(),
		Status:            StatusHealthy,
		Runs:              make(map[string]string),
		CommitsSyncedAt:   t.CommitsSyncedAt,
		BackfillPhase:     string(t.Backfill.Phase()),
		BackfillRemaining: t.Backfill.Remaining(),
		BudgetRemaining:   m.gate.Remaining(t.AuthScope),
		BudgetCritical:    m.gate.IsCritical(t.AuthScope),
	}

	for _, stream := range []domain.Stream{domain.StreamCommits, domain.StreamPulls} {
		state := m.cursorMgr.State(t.ID, stream)
		h.Runs[string(stream)] = string(state)

		switch state {
		case cursor.StateAbortedError:
			h.Status = StatusCritical
		case cursor.StateAbortedRateLimit, cursor.StatePartial:
			h.Status = worst(h.Status, StatusDegraded)
		}
	}

	if h.BudgetCritical {
		h.Status = worst(h.Status, StatusDegraded)
	}
	if m.staleAfter > 0 && (t.CommitsSyncedAt == nil || m.now().Sub(*t.CommitsSyncedAt) > m.staleAfter) {
		h.Status = worst(h.Status, StatusDegraded)
	}
	return h
}

func aggregate(report HealthReport) SystemStatus {
	status := StatusHealthy
	// Worst case wins
	for _, t := range report.Targets {
		status = worst(status, t.Status)
	}
	if report.FailedDeliveries > 0 {
		status = worst(status, StatusDegraded)
	}
	return status
}

func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
