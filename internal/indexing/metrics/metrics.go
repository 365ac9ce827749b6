package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesFetched tracks bulk-sync pages fetched per stream
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgesync_pages_fetched_total",
			Help: "Total number of bulk-sync pages fetched",
		},
		[]string{"stream"},
	)

	// ItemsSynced tracks records written per stream and origin
	ItemsSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgesync_items_synced_total",
			Help: "Total number of records upserted",
		},
		[]string{"stream", "origin"},
	)

	// SyncResults tracks finished sync runs by terminal status
	SyncResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgesync_sync_results_total",
			Help: "Total number of sync runs by status",
		},
		[]string{"stream", "status"},
	)

	// SyncDuration tracks wall time of a sync run
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forgesync_sync_duration_seconds",
			Help:    "Duration of a sync run in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stream"},
	)

	// RemoteCalls tracks remote API calls per operation
	RemoteCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgesync_remote_calls_total",
			Help: "Total number of remote API calls",
		},
		[]string{"operation"},
	)

	// RemoteErrors tracks classified remote failures
	RemoteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgesync_remote_errors_total",
			Help: "Total number of remote API failures by category",
		},
		[]string{"category"},
	)

	// RemoteLatency tracks remote call latency
	RemoteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forgesync_remote_latency_seconds",
			Help:    "Remote API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// RateBudgetRemaining tracks the last reported remaining budget
	RateBudgetRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forgesync_rate_budget_remaining",
			Help: "Remaining remote rate budget per auth scope",
		},
		[]string{"scope"},
	)

	// RateLimitWaits tracks how often a caller slept for a budget reset
	RateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgesync_rate_limit_waits_total",
			Help: "Total number of waits for a rate budget reset",
		},
		[]string{"scope"},
	)

	// EnrichmentResolved tracks identities resolved per phase
	EnrichmentResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgesync_enrichment_resolved_total",
			Help: "Total number of records resolved by enrichment",
		},
		[]string{"phase"},
	)

	// EnrichmentSkipped tracks representatives dropped by key validation
	EnrichmentSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forgesync_enrichment_skipped_total",
			Help: "Total number of malformed keys skipped by enrichment",
		},
	)

	// BackfillRemaining tracks historical items left per target
	BackfillRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forgesync_backfill_remaining",
			Help: "Historical items not yet walked by backfill",
		},
		[]string{"target"},
	)

	// WebhookDeliveries tracks inbound deliveries by outcome
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgesync_webhook_deliveries_total",
			Help: "Total number of webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// EventsPublished tracks domain events handed to listeners
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgesync_events_published_total",
			Help: "Total number of domain events published",
		},
		[]string{"kind"},
	)

	// EventDeliveryErrors tracks listener failures after retries
	EventDeliveryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgesync_event_delivery_errors_total",
			Help: "Total number of events a listener failed to handle",
		},
		[]string{"listener"},
	)

	// DBConnectionPoolUsage tracks the database pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgesync_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// DBBatchSize tracks the size of bulk writes
	DBBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forgesync_db_batch_size",
			Help:    "Number of rows per bulk write",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		},
		[]string{"operation"},
	)
)
