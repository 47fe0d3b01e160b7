// Package traffic keeps sliding windows of live-lookup outcomes and
// rate-limit denials. It feeds the degraded status of /health.
package traffic

import (
	"sync"
	"time"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
)

// maxAge bounds how long outcomes are retained.
const maxAge = 5 * time.Minute

// Tracker maintains sliding windows of outcome timestamps. Safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	now         func() time.Time
	outcomes    map[models.ErrorKind][]time.Time
	deniedTimes []time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return NewTrackerWithClock(time.Now)
}

// NewTrackerWithClock returns an empty Tracker that reads time from now.
func NewTrackerWithClock(now func() time.Time) *Tracker {
	return &Tracker{
		now:      now,
		outcomes: make(map[models.ErrorKind][]time.Time),
	}
}

// Record records the outcome of one upstream lookup.
func (t *Tracker) Record(kind models.ErrorKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.outcomes[kind] = append(t.outcomes[kind], now)
	t.pruneLocked(now)
}

// RecordDenied records a rate-limit denial (429).
func (t *Tracker) RecordDenied() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.deniedTimes = append(t.deniedTimes, now)
	t.pruneLocked(now)
}

// Counts returns the number of outcomes per kind within the window.
func (t *Tracker) Counts(window time.Duration) map[models.ErrorKind]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	out := make(map[models.ErrorKind]int, len(t.outcomes))
	for kind, times := range t.outcomes {
		if n := countInWindow(times, cutoff); n > 0 {
			out[kind] = n
		}
	}
	return out
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countInWindow(t.deniedTimes, t.now().Add(-window))
}

// ErrorRate returns (errorCount, totalCount) within the window. Only network
// and provider failures count as errors: a rejected key or an unknown city is
// the caller's problem, not the upstream's. Denials are excluded.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	for kind, n := range t.Counts(window) {
		total += n
		if IsUpstreamFailure(kind) {
			errors += n
		}
	}
	return errors, total
}

// IsUpstreamFailure reports whether kind indicates the upstream itself is unhealthy.
func IsUpstreamFailure(kind models.ErrorKind) bool {
	return kind == models.ErrorKindNetwork || kind == models.ErrorKindProvider
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes = make(map[models.ErrorKind][]time.Time)
	t.deniedTimes = nil
}

// countInWindow counts timestamps that are not before the cutoff time.
func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than maxAge. Must be called with mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxAge)
	prune := func(times []time.Time) []time.Time {
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			return append(times[:0], times[i:]...)
		}
		return times
	}
	for kind, times := range t.outcomes {
		t.outcomes[kind] = prune(times)
	}
	t.deniedTimes = prune(t.deniedTimes)
}
