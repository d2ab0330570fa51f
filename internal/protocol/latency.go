package protocol

import (
	"sync"
	"time"
)

// DefaultWindowSize is the number of round-trip samples retained.
const DefaultWindowSize = 100

// Stats is a read-only snapshot of the latency window.
type Stats struct {
	// Count is the number of samples currently in the window.
	Count int

	// Min, Max and Avg are derived from the retained samples only;
	// evicted samples no longer contribute.
	Min time.Duration
	Max time.Duration
	Avg time.Duration
}

// Window keeps a bounded FIFO buffer of the most recent round-trip samples
// and recomputes min/max/average on every insert. At this scale (100
// samples) the synchronous recompute is cheaper than maintaining
// incremental state, and there is no background aggregation to manage.
//
// The window is purely observational: it never gates or delays protocol
// operations.
//
// Thread Safety: all methods are safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
	stats   Stats
}

// NewWindow creates a latency window holding up to capacity samples.
// A capacity of zero or less uses DefaultWindowSize.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{
		samples: make([]time.Duration, capacity),
	}
}

// Observe appends one round-trip sample, evicting the oldest once the
// window is full, and recomputes the derived statistics.
func (w *Window) Observe(rtt time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = rtt
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}

	w.recompute()
}

// recompute derives min/max/average from the retained samples.
// Caller holds w.mu.
func (w *Window) recompute() {
	count := w.next
	if w.full {
		count = len(w.samples)
	}

	stats := Stats{Count: count}
	if count == 0 {
		w.stats = stats
		return
	}

	var sum time.Duration
	stats.Min = w.samples[0]
	for i := 0; i < count; i++ {
		s := w.samples[i]
		sum += s
		if s < stats.Min {
			stats.Min = s
		}
		if s > stats.Max {
			stats.Max = s
		}
	}
	stats.Avg = sum / time.Duration(count)
	w.stats = stats
}

// Snapshot returns the current statistics.
func (w *Window) Snapshot() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
