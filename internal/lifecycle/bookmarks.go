package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/store"
)

// Bookmarks remembers, per symbol, the last bar a signal was created on.
// It is loaded from the store at startup and flushed back periodically; the
// store copy is also written inside every successful creation.
type Bookmarks struct {
	mu     sync.RWMutex
	marks  map[string]time.Time
	maxAge time.Duration
	now    func() time.Time
}

// NewBookmarks returns an empty set that forgets entries older than maxAge.
func NewBookmarks(maxAge time.Duration, now func() time.Time) *Bookmarks {
	if now == nil {
		now = time.Now
	}
	return &Bookmarks{marks: make(map[string]time.Time), maxAge: maxAge, now: now}
}

// Load merges the persisted bookmarks into memory.
func (b *Bookmarks) Load(ctx context.Context, st *store.Store) error {
	persisted, err := st.Bookmarks(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sym, t := range persisted {
		if cur, ok := b.marks[sym]; !ok || t.After(cur) {
			b.marks[sym] = t
		}
	}
	b.pruneLocked()
	return nil
}

// Get returns the bookmark for symbol.
func (b *Bookmarks) Get(symbol string) (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.marks[symbol]
	return t, ok
}

// Set records the bar time for symbol, normalised to whole seconds in UTC.
func (b *Bookmarks) Set(symbol string, t time.Time) {
	norm, err := signal.ParseTimestamp(t)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.marks[symbol] = norm
	b.mu.Unlock()
}

// Len is the number of remembered symbols.
func (b *Bookmarks) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.marks)
}

// Snapshot copies the current bookmarks.
func (b *Bookmarks) Snapshot() map[string]time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]time.Time, len(b.marks))
	for k, v := range b.marks {
		out[k] = v
	}
	return out
}

// Flush drops expired entries and writes the rest to the store.
func (b *Bookmarks) Flush(ctx context.Context, st *store.Store) error {
	b.mu.Lock()
	b.pruneLocked()
	b.mu.Unlock()
	return st.FlushBookmarks(ctx, b.Snapshot())
}

func (b *Bookmarks) pruneLocked() {
	if b.maxAge <= 0 {
		return
	}
	cutoff := b.now().Add(-b.maxAge)
	for sym, t := range b.marks {
		if t.Before(cutoff) {
			delete(b.marks, sym)
		}
	}
}
