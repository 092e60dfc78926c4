package position

import (
	"sync"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

// Ledger keeps the most recent position updates in memory for quick inspection.
type Ledger struct {
	mu      sync.Mutex
	limit   int
	updates []signal.PositionUpdate
}

// NewLedger creates an empty ledger holding at most limit updates (0 = unbounded).
func NewLedger(limit int) *Ledger {
	if limit < 0 {
		limit = 0
	}
	return &Ledger{limit: limit, updates: make([]signal.PositionUpdate, 0, limit)}
}

// Record appends updates, dropping the oldest beyond the limit.
func (l *Ledger) Record(updates ...signal.PositionUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, updates...)
	if l.limit > 0 && len(l.updates) > l.limit {
		l.updates = append(l.updates[:0], l.updates[len(l.updates)-l.limit:]...)
	}
}

// Snapshot returns a copy of the recorded updates, oldest first.
func (l *Ledger) Snapshot() []signal.PositionUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]signal.PositionUpdate, len(l.updates))
	copy(out, l.updates)
	return out
}

// Reset clears all stored updates.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.updates = l.updates[:0]
	l.mu.Unlock()
}
