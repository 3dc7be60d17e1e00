// Package monitor drives the state machine of asynchronous research tasks:
// submit, poll with a staleness-aware refresh policy, complete, fail,
// cancel. Each session is advanced by a single logical worker; sessions are
// independent of one another.
package monitor

import (
	"fmt"
	"sync"
	"time"
)

// Health tracks per-session contact counters used to decide when a fresh
// remote status check is warranted versus reusing the cached state. It is
// in-memory only: counters restart with the process and are rebuilt from
// the session's timestamps on first observation.
type Health struct {
	CreatedAt  time.Time
	PollCount  int
	LastPollAt time.Time
	// LastErr records that the previous contact attempt failed. A check is
	// never suppressed after a known error.
	LastErr bool
}

// Tracker holds contact health for every observed session id.
type Tracker struct {
	mu sync.Mutex
	// absolute is the age threshold A of the refresh policy; the idle
	// threshold decays to A/2.
	absolute time.Duration
	byID     map[string]*Health
}

// NewTracker creates a tracker with the given absolute refresh threshold.
func NewTracker(absolute time.Duration) *Tracker {
	if absolute <= 0 {
		absolute = 5 * time.Minute
	}
	return &Tracker{
		absolute: absolute,
		byID:     map[string]*Health{},
	}
}

// Observe registers a session, seeding its health from the persisted
// timestamps. Safe to call repeatedly.
func (t *Tracker) Observe(id string, createdAt, lastActivity time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[id]; ok {
		return
	}
	t.byID[id] = &Health{
		CreatedAt:  createdAt,
		LastPollAt: lastActivity,
	}
}

// ShouldPoll decides whether a remote status check is warranted now. This
// is deliberately not a single flat timeout: a check fires when the
// session's absolute age exceeds the threshold, when the idle interval
// since the last contact exceeds half the threshold, when the caller
// explicitly forces one, or when the last contact attempt errored.
// The returned reason names which condition fired.
func (t *Tracker) ShouldPoll(id string, now time.Time, forced bool) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.byID[id]
	if !ok {
		return true, "untracked session"
	}
	if forced {
		return true, "explicit status check requested"
	}
	if h.LastErr {
		return true, "last contact attempt errored"
	}

	age := now.Sub(h.CreatedAt)
	if age > t.absolute {
		return true, fmt.Sprintf("age %s exceeds threshold %s", age.Round(time.Second), t.absolute)
	}

	last := h.LastPollAt
	if last.IsZero() {
		last = h.CreatedAt
	}
	idle := now.Sub(last)
	if idle > t.absolute/2 {
		return true, fmt.Sprintf("idle %s exceeds threshold %s", idle.Round(time.Second), t.absolute/2)
	}
	return false, "cached status is fresh"
}

// RecordPoll notes the outcome of a contact attempt.
func (t *Tracker) RecordPoll(id string, now time.Time, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.byID[id]
	if !ok {
		h = &Health{CreatedAt: now}
		t.byID[id] = h
	}
	h.PollCount++
	h.LastPollAt = now
	h.LastErr = failed
}

// Snapshot returns a copy of a session's health, if tracked.
func (t *Tracker) Snapshot(id string) (Health, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byID[id]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// Forget drops tracking state for a session, e.g. after deletion or a
// terminal transition.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}
