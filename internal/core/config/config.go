package config

import (
	"time"

	redisclient "github.com/vietddude/forgesync/internal/infra/redis"
	"github.com/vietddude/forgesync/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Database   postgres.Config    `yaml:"database"`
	Redis      redisclient.Config `yaml:"redis"`
	Logging    LoggingConfig      `yaml:"logging"`
	Forge      ForgeConfig        `yaml:"forge"`
	Budget     BudgetConfig       `yaml:"budget"`
	Retry      RetryConfig        `yaml:"retry"`
	Sync       SyncConfig         `yaml:"sync"`
	Enrichment EnrichmentConfig   `yaml:"enrichment"`
	Backfill   BackfillConfig     `yaml:"backfill"`
	Webhook    WebhookConfig      `yaml:"webhook"`
	WorkCopy   WorkCopyConfig     `yaml:"workcopy"`
	Targets    []TargetConfig     `yaml:"targets"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	File       string `yaml:"file"`  // empty = stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// ForgeConfig holds remote API settings.
type ForgeConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BudgetConfig controls the rate budget gate.
type BudgetConfig struct {
	Threshold int           `yaml:"threshold"`
	MaxWait   time.Duration `yaml:"max_wait"`
}

// RetryConfig controls both retry layers.
type RetryConfig struct {
	TransportAttempts uint64        `yaml:"transport_attempts"`
	TransportBase     time.Duration `yaml:"transport_base"`
	MaxAttempts       int           `yaml:"max_attempts"`
	Backoff           time.Duration `yaml:"backoff"`
	MaxRateLimitWait  time.Duration `yaml:"max_rate_limit_wait"`
}

// SyncConfig controls the paginated bulk sync.
type SyncConfig struct {
	PageSize     int           `yaml:"page_size"`
	MaxPages     int           `yaml:"max_pages"`
	Interval     time.Duration `yaml:"interval"`
	RecentWindow time.Duration `yaml:"recent_window"`
}

// EnrichmentConfig controls identity and stats enrichment.
type EnrichmentConfig struct {
	BatchSize  int `yaml:"batch_size"`
	MaxRecords int `yaml:"max_records"`
}

// BackfillConfig controls the historical walk.
type BackfillConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	MinRemainingBudget int           `yaml:"min_remaining_budget"`
	Cooldown           time.Duration `yaml:"cooldown"`
}

// WebhookConfig holds webhook ingestion settings.
type WebhookConfig struct {
	Secret         string        `yaml:"secret"`
	Branch         string        `yaml:"branch"` // default monitored branch
	UseWorkingCopy bool          `yaml:"use_working_copy"`
	DedupTTL       time.Duration `yaml:"dedup_ttl"`
}

// WorkCopyConfig holds the local clone location.
type WorkCopyConfig struct {
	Root string `yaml:"root"`
}

// TargetConfig identifies one repository to keep in sync.
type TargetConfig struct {
	Owner     string `yaml:"owner"`
	Name      string `yaml:"name"`
	Branch    string `yaml:"branch"`     // defaults to webhook.branch
	AuthScope string `yaml:"auth_scope"` // defaults to "default"
	RemoteURL string `yaml:"remote_url"`
}
