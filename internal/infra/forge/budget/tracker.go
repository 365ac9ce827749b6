// Package budget tracks the remote API rate budget per auth scope.
//
// A Registry is created once per process and handed to every component that
// issues remote calls. Budget checks for the same scope are serialized so a
// check and the call it admits cannot race with another caller; different
// scopes never contend.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/metrics"
)

// ErrBudgetExhausted is returned by Acquire when the budget is critical and
// the reset is too far away to wait for.
var ErrBudgetExhausted = errors.New("rate budget exhausted")

// Config holds budget gate configuration.
type Config struct {
	// Threshold is the remaining budget below which a scope is critical.
	Threshold int
	// MaxWait bounds how long Acquire sleeps for a reset.
	MaxWait time.Duration
	// UnknownResetWait is assumed between the last update and the reset
	// when a response reports no reset time.
	UnknownResetWait time.Duration
}

// Tracker is the write side used by the forge client.
type Tracker interface {
	TrackFromResponse(scope string, b domain.RateBudget)
}

// Gate is the read side used before every expensive call.
type Gate interface {
	Acquire(ctx context.Context, scope string) error
	Remaining(scope string) int
	IsCritical(scope string) bool
}

// UsageStats holds budget usage for one scope.
type UsageStats struct {
	Known           bool
	Remaining       int
	Limit           int
	UsagePercentage float64
	ResetAt         time.Time
	Calls           int
	Waits           int
}

type scopeBudget struct {
	// gate is a one-slot semaphore serializing Acquire for the scope
	gate   chan struct{}
	budget domain.RateBudget
	known  bool
	calls  int
	waits  int
}

// Registry implements Tracker and Gate with per-scope state.
type Registry struct {
	mu     sync.Mutex
	scopes map[string]*scopeBudget
	cfg    Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Minute
	}
	if cfg.UnknownResetWait <= 0 {
		cfg.UnknownResetWait = 30 * time.Second
	}
	return &Registry{
		scopes: make(map[string]*scopeBudget),
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// SetClock overrides the clock and sleeper. Used by tests.
func (r *Registry) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now != nil {
		r.now = now
	}
	if sleep != nil {
		r.sleep = sleep
	}
}

func (r *Registry) scope(name string) *scopeBudget {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scopes[name]
	if !ok {
		s = &scopeBudget{gate: make(chan struct{}, 1)}
		s.budget.Scope = name
		r.scopes[name] = s
	}
	return s
}

// TrackFromResponse stores the budget reported by a response.
func (r *Registry) TrackFromResponse(scope string, b domain.RateBudget) {
	s := r.scope(scope)

	r.mu.Lock()
	defer r.mu.Unlock()

	b.Scope = scope
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = r.now()
	}
	s.budget = b
	s.known = true

	metrics.RateBudgetRemaining.WithLabelValues(scope).Set(float64(b.Remaining))
}

// MarkExhausted records a rate-limit rejection: the scope has nothing left
// until resetAt.
func (r *Registry) MarkExhausted(scope string, resetAt time.Time) {
	s := r.scope(scope)

	r.mu.Lock()
	defer r.mu.Unlock()

	s.budget.Remaining = 0
	if resetAt.After(s.budget.ResetAt) {
		s.budget.ResetAt = resetAt
	}
	s.budget.UpdatedAt = r.now()
	s.known = true

	metrics.RateBudgetRemaining.WithLabelValues(scope).Set(0)
}

// IsCritical reports whether the remaining budget is below the threshold and
// the reset has not passed yet.
func (r *Registry) IsCritical(scope string) bool {
	s := r.scope(scope)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.criticalUnsafe(s)
}

func (r *Registry) criticalUnsafe(s *scopeBudget) bool {
	if !s.known {
		return false
	}
	if s.budget.Remaining >= r.cfg.Threshold {
		return false
	}
	return r.now().Before(r.resetAtUnsafe(s))
}

// resetAtUnsafe is the reported reset, or UnknownResetWait after the last
// update when none was reported.
func (r *Registry) resetAtUnsafe(s *scopeBudget) time.Time {
	if s.budget.ResetAt.IsZero() {
		return s.budget.UpdatedAt.Add(r.cfg.UnknownResetWait)
	}
	return s.budget.ResetAt
}

// Acquire admits one expensive call for the scope. When the budget is
// critical it waits for the reset if that is within MaxWait, otherwise it
// returns ErrBudgetExhausted. The remaining budget is decremented on grant.
func (r *Registry) Acquire(ctx context.Context, scope string) error {
	s := r.scope(scope)

	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.gate }()

	r.mu.Lock()
	if r.criticalUnsafe(s) {
		wait := r.resetAtUnsafe(s).Sub(r.now())
		remaining := s.budget.Remaining
		if wait > r.cfg.MaxWait {
			r.mu.Unlock()
			return fmt.Errorf("%w: scope %s has %d remaining, reset in %s",
				ErrBudgetExhausted, scope, remaining, wait.Round(time.Second))
		}
		s.waits++
		sleep := r.sleep
		r.mu.Unlock()

		metrics.RateLimitWaits.WithLabelValues(scope).Inc()
		if err := sleep(ctx, wait); err != nil {
			return err
		}

		r.mu.Lock()
		// Budget refills at reset; the next response reports the real value.
		if s.budget.Remaining < r.cfg.Threshold {
			s.budget.Remaining = s.budget.Limit
		}
	}

	s.calls++
	if s.known && s.budget.Remaining > 0 {
		s.budget.Remaining--
	}
	r.mu.Unlock()
	return nil
}

// Remaining returns the last known remaining budget. Unknown scopes report
// -1 so callers can tell "never seen" apart from "exhausted".
func (r *Registry) Remaining(scope string) int {
	s := r.scope(scope)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !s.known {
		return -1
	}
	if !r.now().Before(r.resetAtUnsafe(s)) && s.budget.Limit > 0 {
		return s.budget.Limit
	}
	return s.budget.Remaining
}

// Snapshot returns a copy of the stored budget.
func (r *Registry) Snapshot(scope string) (domain.RateBudget, bool) {
	s := r.scope(scope)

	r.mu.Lock()
	defer r.mu.Unlock()
	return s.budget, s.known
}

// GetUsage returns usage statistics for a scope.
func (r *Registry) GetUsage(scope string) UsageStats {
	s := r.scope(scope)

	r.mu.Lock()
	defer r.mu.Unlock()

	stats := UsageStats{
		Known:     s.known,
		Remaining: s.budget.Remaining,
		Limit:     s.budget.Limit,
		ResetAt:   s.budget.ResetAt,
		Calls:     s.calls,
		Waits:     s.waits,
	}
	if s.budget.Limit > 0 {
		stats.UsagePercentage = float64(s.budget.Limit-s.budget.Remaining) / float64(s.budget.Limit) * 100
	}
	return stats
}

// Scopes returns every scope seen so far.
func (r *Registry) Scopes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.scopes))
	for name := range r.scopes {
		out = append(out, name)
	}
	return out
}

// Reset forgets all stored budgets.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.scopes {
		s.budget = domain.RateBudget{Scope: s.budget.Scope}
		s.known = false
		s.calls = 0
		s.waits = 0
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
