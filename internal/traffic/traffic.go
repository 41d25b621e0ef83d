package traffic

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultMaxAge is how long outcomes are kept when no max age is given.
const DefaultMaxAge = time.Hour

// Tracker maintains sliding windows of refresh outcome timestamps: successes, failures
// and rejections (a trigger that arrived while a refresh was already running).
// Health and status read it to judge how the feed has behaved recently.
type Tracker struct {
	mu            sync.Mutex
	clock         clockwork.Clock
	maxAge        time.Duration
	successTimes  []time.Time
	errorTimes    []time.Time
	rejectedTimes []time.Time
}

// NewTracker returns a tracker that keeps outcomes for maxAge (DefaultMaxAge if <= 0).
func NewTracker(clock clockwork.Clock, maxAge time.Duration) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Tracker{clock: clock, maxAge: maxAge}
}

// RecordSuccess records a successful refresh.
func (t *Tracker) RecordSuccess() {
	t.recordOutcome(&t.successTimes)
}

// RecordError records a failed refresh.
func (t *Tracker) RecordError() {
	t.recordOutcome(&t.errorTimes)
}

// RecordRejected records a trigger turned away because a refresh was in flight.
func (t *Tracker) RecordRejected() {
	t.recordOutcome(&t.rejectedTimes)
}

// recordOutcome appends current timestamp to the specified slice and prunes old entries.
func (t *Tracker) recordOutcome(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// Window is a summary of outcomes within a window.
type Window struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	Rejected  int `json:"rejected"`
}

// Summary counts outcomes within the window. Windows longer than the tracker's max age
// only see what is still retained.
func (t *Tracker) Summary(window time.Duration) Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	return Window{
		Successes: countInWindow(t.successTimes, cutoff),
		Failures:  countInWindow(t.errorTimes, cutoff),
		Rejected:  countInWindow(t.rejectedTimes, cutoff),
	}
}

// ErrorRate returns (failures, successes+failures) within the window. Rejections are
// excluded: they say nothing about the upstream.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	w := t.Summary(window)
	return w.Failures, w.Failures + w.Successes
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
	t.rejectedTimes = nil
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
	cutoff := now.Add(-t.maxAge)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
	prune(&t.rejectedTimes)
}
