package cursor

import (
	"time"
)

// pageRecord holds timing data for a committed page.
type pageRecord struct {
	Items       int
	ProcessedAt time.Time
}

// Metrics holds run performance data.
type Metrics struct {
	PagesPerSecond  float64
	ItemsPerSecond  float64
	AveragePageTime time.Duration
	LastAbortAt     *time.Time
	StateHistory    []Transition
}

// MetricsCollector tracks run performance over time.
type MetricsCollector struct {
	windowSize  int          // number of pages to track
	pages       []pageRecord // ring buffer of page records
	transitions []Transition // recent state changes
	lastAbortAt *time.Time
}

// RecordPage records timing for a committed page.
func (mc *MetricsCollector) RecordPage(items int, processedAt time.Time) {
	record := pageRecord{
		Items:       items,
		ProcessedAt: processedAt,
	}

	if len(mc.pages) >= mc.windowSize {
		// Shift elements left, drop oldest
		copy(mc.pages, mc.pages[1:])
		mc.pages[len(mc.pages)-1] = record
	} else {
		mc.pages = append(mc.pages, record)
	}
}

// RecordTransition records a state transition.
func (mc *MetricsCollector) RecordTransition(t Transition) {
	// Keep only last 10 transitions
	if len(mc.transitions) >= 10 {
		copy(mc.transitions, mc.transitions[1:])
		mc.transitions[len(mc.transitions)-1] = t
	} else {
		mc.transitions = append(mc.transitions, t)
	}

	if t.To == StateAbortedError || t.To == StateAbortedRateLimit {
		at := t.Timestamp
		mc.lastAbortAt = &at
	}
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{
		LastAbortAt:  mc.lastAbortAt,
		StateHistory: make([]Transition, len(mc.transitions)),
	}
	copy(m.StateHistory, mc.transitions)

	if len(mc.pages) >= 2 {
		first := mc.pages[0]
		last := mc.pages[len(mc.pages)-1]
		duration := last.ProcessedAt.Sub(first.ProcessedAt)

		if duration > 0 {
			pageCount := float64(len(mc.pages) - 1)
			items := 0
			for _, p := range mc.pages[1:] {
				items += p.Items
			}
			m.PagesPerSecond = pageCount / duration.Seconds()
			m.ItemsPerSecond = float64(items) / duration.Seconds()
			m.AveragePageTime = time.Duration(float64(duration) / pageCount)
		}
	}

	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.pages = mc.pages[:0]
	mc.transitions = mc.transitions[:0]
	mc.lastAbortAt = nil
}
