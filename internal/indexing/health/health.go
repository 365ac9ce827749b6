// Package health provides system health monitoring and status reporting.
package health

import "time"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// TargetHealth contains health details for one sync target.
type TargetHealth struct {
	Target            string            `json:"target"`
	Status            SystemStatus      `json:"status"`
	Runs              map[string]string `json:"runs"`        // stream -> last run state
	Checkpoints       int               `json:"checkpoints"` // resumable streams
	CommitsSyncedAt   *time.Time        `json:"commits_synced_at,omitempty"`
	BackfillPhase     string            `json:"backfill_phase"`
	BackfillRemaining int64             `json:"backfill_remaining"`
	BudgetRemaining   int               `json:"budget_remaining"` // -1 = unknown
	BudgetCritical    bool              `json:"budget_critical"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus     SystemStatus            `json:"system_status"`
	FailedDeliveries int                     `json:"failed_deliveries"`
	Dependencies     map[string]string       `json:"dependencies,omitempty"`
	Targets          map[string]TargetHealth `json:"targets"`
}
