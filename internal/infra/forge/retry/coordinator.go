package retry

import (
	"context"
	"log/slog"
	"math"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/metrics"
)

// Config defines retry behavior for both layers.
type Config struct {
	// TransportAttempts is the number of transport retries after the first try.
	TransportAttempts uint64
	TransportBase     time.Duration

	// MaxAttempts bounds protocol-level attempts of one unit of work.
	MaxAttempts      int
	Backoff          time.Duration
	MaxBackoff       time.Duration
	MaxRateLimitWait time.Duration
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	TransportAttempts: 2,
	TransportBase:     500 * time.Millisecond,
	MaxAttempts:       3,
	Backoff:           time.Second,
	MaxBackoff:        30 * time.Second,
	MaxRateLimitWait:  MaxSuggestedWait,
}

// Unit names the unit of work for logs.
type Unit struct {
	Scope  string
	Target string
	Name   string // e.g. "commits page 3", "enrichment batch 2"
}

// Outcome is the result of Do. Status is COMPLETED on success.
type Outcome struct {
	Status         domain.SyncStatus
	Attempts       int
	Classification Classification
	Err            error
}

// OK reports whether the unit of work succeeded.
func (o Outcome) OK() bool {
	return o.Status == domain.StatusCompleted
}

// RateLimitRecorder is told when the remote rejected a call for budget reasons.
type RateLimitRecorder interface {
	MarkExhausted(scope string, resetAt time.Time)
}

// Coordinator runs units of work under the two retry layers.
type Coordinator struct {
	cfg      Config
	recorder RateLimitRecorder
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a coordinator. recorder may be nil.
func NewCoordinator(cfg Config, recorder RateLimitRecorder) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.TransportBase <= 0 {
		cfg.TransportBase = DefaultConfig.TransportBase
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultConfig.Backoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.MaxRateLimitWait <= 0 {
		cfg.MaxRateLimitWait = DefaultConfig.MaxRateLimitWait
	}
	return &Coordinator{
		cfg:      cfg,
		recorder: recorder,
		logger:   slog.Default().With("component", "retry"),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// SetClock overrides the clock and the protocol-level sleeper. Used by tests.
func (c *Coordinator) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	if now != nil {
		c.now = now
	}
	if sleep != nil {
		c.sleep = sleep
	}
}

// Do runs fn until it succeeds or the failure policy gives up. Transport
// failures are retried inside one protocol attempt and never count against
// MaxAttempts.
func (c *Coordinator) Do(ctx context.Context, unit Unit, fn func(ctx context.Context) error) Outcome {
	var last Outcome

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return c.abort(unit, Outcome{
				Status:         domain.StatusAbortedError,
				Attempts:       attempt - 1,
				Classification: fatal("cancelled", err),
				Err:            err,
			})
		}

		err := c.withTransportRetry(ctx, fn)
		if err == nil {
			return Outcome{Status: domain.StatusCompleted, Attempts: attempt}
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.abort(unit, Outcome{
				Status:         domain.StatusAbortedError,
				Attempts:       attempt,
				Classification: fatal("cancelled", ctxErr),
				Err:            err,
			})
		}

		cls := ClassifyAt(err, c.now())
		metrics.RemoteErrors.WithLabelValues(string(cls.Category)).Inc()
		last = Outcome{Attempts: attempt, Classification: cls, Err: err}

		var delay time.Duration
		switch cls.Category {
		case CategoryFatal:
			last.Status = domain.StatusAbortedError
			return c.abort(unit, last)

		case CategoryRateLimited:
			if c.recorder != nil && unit.Scope != "" {
				c.recorder.MarkExhausted(unit.Scope, c.now().Add(cls.SuggestedWait))
			}
			if attempt >= c.cfg.MaxAttempts {
				last.Status = domain.StatusAbortedRateLimit
				return c.abort(unit, last)
			}
			delay = min(cls.SuggestedWait, c.cfg.MaxRateLimitWait)

		case CategoryRetryable:
			if attempt >= c.cfg.MaxAttempts {
				last.Status = domain.StatusAbortedError
				return c.abort(unit, last)
			}
			delay = c.backoff(attempt)
		}

		c.logger.Debug("Retrying unit of work",
			"scope", unit.Scope,
			"target", unit.Target,
			"unit", unit.Name,
			"attempt", attempt,
			"category", cls.Category,
			"delay", delay,
		)
		if err := c.sleep(ctx, delay); err != nil {
			last.Status = domain.StatusAbortedError
			last.Err = err
			return c.abort(unit, last)
		}
	}
}

func (c *Coordinator) abort(unit Unit, o Outcome) Outcome {
	c.logger.Warn("Unit of work aborted",
		"scope", unit.Scope,
		"target", unit.Target,
		"unit", unit.Name,
		"attempts", o.Attempts,
		"status", o.Status,
		"category", o.Classification.Category,
		"reason", o.Classification.Message,
	)
	return o
}

// withTransportRetry is the transport layer: exponential backoff with jitter,
// restricted to transport-class failures.
func (c *Coordinator) withTransportRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := goretry.NewExponential(c.cfg.TransportBase)
	b = goretry.WithJitterPercent(20, b)
	b = goretry.WithMaxRetries(c.cfg.TransportAttempts, b)

	tries := 0
	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		tries++
		err := fn(ctx)
		if err != nil && IsTransport(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
	if err != nil && ctx.Err() == nil && IsTransport(err) {
		return &TransportExhaustedError{Attempts: tries, Err: err}
	}
	return err
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	delay := float64(c.cfg.Backoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.cfg.MaxBackoff) {
		delay = float64(c.cfg.MaxBackoff)
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
