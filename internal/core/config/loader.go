package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	// .env is optional
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Forge.Endpoint == "" {
		cfg.Forge.Endpoint = "https://api.github.com/graphql"
	}
	if cfg.Forge.Timeout == 0 {
		cfg.Forge.Timeout = 30 * time.Second
	}

	if cfg.Budget.Threshold == 0 {
		cfg.Budget.Threshold = 100
	}
	if cfg.Budget.MaxWait == 0 {
		cfg.Budget.MaxWait = 5 * time.Minute
	}

	if cfg.Retry.TransportAttempts == 0 {
		cfg.Retry.TransportAttempts = 3
	}
	if cfg.Retry.TransportBase == 0 {
		cfg.Retry.TransportBase = 500 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.Backoff == 0 {
		cfg.Retry.Backoff = time.Second
	}
	if cfg.Retry.MaxRateLimitWait == 0 {
		cfg.Retry.MaxRateLimitWait = 5 * time.Minute
	}

	if cfg.Sync.PageSize == 0 {
		cfg.Sync.PageSize = 50
	}
	if cfg.Sync.MaxPages == 0 {
		cfg.Sync.MaxPages = 200
	}
	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = 15 * time.Minute
	}
	if cfg.Sync.RecentWindow == 0 {
		cfg.Sync.RecentWindow = 30 * 24 * time.Hour
	}

	if cfg.Enrichment.BatchSize == 0 {
		cfg.Enrichment.BatchSize = 50
	}
	if cfg.Enrichment.MaxRecords == 0 {
		cfg.Enrichment.MaxRecords = 5000
	}

	if cfg.Backfill.BatchSize == 0 {
		cfg.Backfill.BatchSize = 50
	}
	if cfg.Backfill.MinRemainingBudget == 0 {
		cfg.Backfill.MinRemainingBudget = 500
	}
	if cfg.Backfill.Cooldown == 0 {
		cfg.Backfill.Cooldown = 10 * time.Minute
	}

	if cfg.Webhook.Branch == "" {
		cfg.Webhook.Branch = "main"
	}
	if cfg.Webhook.DedupTTL == 0 {
		cfg.Webhook.DedupTTL = 24 * time.Hour
	}

	for i := range cfg.Targets {
		if cfg.Targets[i].Branch == "" {
			cfg.Targets[i].Branch = cfg.Webhook.Branch
		}
		if cfg.Targets[i].AuthScope == "" {
			cfg.Targets[i].AuthScope = "default"
		}
		if cfg.Targets[i].RemoteURL == "" {
			cfg.Targets[i].RemoteURL = fmt.Sprintf(
				"https://github.com/%s/%s.git",
				cfg.Targets[i].Owner,
				cfg.Targets[i].Name,
			)
		}
	}
}

// Validate checks settings that have no sane default.
func (c *AppConfig) Validate() error {
	if c.Enrichment.BatchSize > 100 {
		return fmt.Errorf("enrichment.batch_size must be at most 100, got %d", c.Enrichment.BatchSize)
	}
	if c.Backfill.BatchSize > 100 {
		return fmt.Errorf("backfill.batch_size must be at most 100, got %d", c.Backfill.BatchSize)
	}
	if c.Sync.PageSize > 100 {
		return fmt.Errorf("sync.page_size must be at most 100, got %d", c.Sync.PageSize)
	}
	seen := make(map[string]bool)
	for _, t := range c.Targets {
		if t.Owner == "" || t.Name == "" {
			return fmt.Errorf("target requires owner and name")
		}
		key := t.Owner + "/" + t.Name
		if seen[key] {
			return fmt.Errorf("duplicate target %s", key)
		}
		seen[key] = true
	}
	return nil
}
