package risk

import (
	"sync"
	"time"
)

// Throttle caps how many events may happen inside a sliding window across all
// symbols. Only Allow consumes quota.
type Throttle struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	events []time.Time
}

// NewThrottle builds a limiter; a non-positive limit disables it.
func NewThrottle(limit int, window time.Duration, now func() time.Time) *Throttle {
	if window <= 0 {
		window = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Throttle{limit: limit, window: window, now: now}
}

// Allow records an event and returns true if the window still had room.
func (t *Throttle) Allow() bool {
	if t.limit <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.prune(now)
	if len(t.events) >= t.limit {
		return false
	}
	t.events = append(t.events, now)
	return true
}

// Remaining returns the quota left in the current window without consuming it.
func (t *Throttle) Remaining() int {
	if t.limit <= 0 {
		return -1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(t.now())
	return t.limit - len(t.events)
}

// Limit exposes the configured cap.
func (t *Throttle) Limit() int { return t.limit }

func (t *Throttle) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	idx := 0
	for idx < len(t.events) && !t.events[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		t.events = append(t.events[:0], t.events[idx:]...)
	}
}
