package strategy

import "sync"

// Tracker holds per-stream fetch state. A new Tracker is created for every
// stream pass and is never shared between streams.
type Tracker struct {
	mu       sync.Mutex
	failures int
	blocked  map[string]struct{}
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{blocked: make(map[string]struct{})}
}

// Failures returns the number of logical fetches that did not yield content.
func (t *Tracker) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// MarkBlocked remembers that url served a challenge in this pass.
func (t *Tracker) MarkBlocked(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked[url] = struct{}{}
}

// WasBlocked reports whether url was blocked earlier in this pass.
func (t *Tracker) WasBlocked(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.blocked[url]
	return ok
}

func (t *Tracker) recordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
}
