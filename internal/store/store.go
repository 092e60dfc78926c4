// Package store persists signals, statistics and candle bookmarks in a single
// JSON document that is replaced atomically on every write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/position"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

// ErrLockTimeout is returned when the write lock cannot be acquired in time.
var ErrLockTimeout = errors.New("store lock timeout")

// ErrNotFound is returned for unknown signal ids.
var ErrNotFound = errors.New("signal not found")

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long Update waits for the write lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBookmarkMaxAge drops bookmarks older than d when the document is read.
func WithBookmarkMaxAge(d time.Duration) Option {
	return func(s *Store) { s.bookmarkMaxAge = d }
}

// WithBackups enables timestamped copies in dir, taken at most once per
// interval and kept for retention.
func WithBackups(dir string, interval, retention time.Duration) Option {
	return func(s *Store) {
		s.backupDir = dir
		s.backupEvery = interval
		s.retention = retention
	}
}

// WithWriteRetries tunes how often the final rename is retried.
func WithWriteRetries(n int, delay time.Duration) Option {
	return func(s *Store) {
		s.retries = n
		s.retryDelay = delay
	}
}

// Store is the single-file signal database.
type Store struct {
	path string
	log  zerolog.Logger
	now  func() time.Time

	lock        chan struct{}
	lockTimeout time.Duration

	retries    int
	retryDelay time.Duration

	bookmarkMaxAge time.Duration

	backupDir   string
	backupEvery time.Duration
	retention   time.Duration
	mu          sync.Mutex
	lastBackup  time.Time
}

// Open prepares the store at path, creating an empty document when the file is
// missing and migrating older layouts in place. A file that cannot be decoded
// is moved aside and replaced by an empty document.
func Open(path string, log zerolog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		path:           path,
		log:            log.With().Str("component", "store").Logger(),
		now:            time.Now,
		lock:           make(chan struct{}, 1),
		lockTimeout:    2 * time.Second,
		retries:        10,
		retryDelay:     100 * time.Millisecond,
		bookmarkMaxAge: 3 * time.Hour,
		backupDir:      filepath.Join(filepath.Dir(path), "backups"),
		backupEvery:    time.Minute,
		retention:      30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.log.Info().Str("path", path).Msg("creating empty signal store")
		return s, s.save(NewDocument())
	case err != nil:
		return nil, fmt.Errorf("read store: %w", err)
	}

	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return s, s.quarantine(err)
	}
	if !migrate(raw) {
		return s, nil
	}
	migrated, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode migrated store: %w", err)
	}
	doc := NewDocument()
	if err := json.Unmarshal(migrated, doc); err != nil {
		return s, s.quarantine(err)
	}
	doc.ensure()
	s.log.Info().Int("positions", len(doc.Positions)).Msg("migrated signal store")
	return s, s.save(doc)
}

func (s *Store) quarantine(cause error) error {
	target := fmt.Sprintf("%s.corrupt.%s", s.path, s.now().UTC().Format(backupLayout))
	if err := os.Rename(s.path, target); err != nil {
		return fmt.Errorf("move corrupt store: %w", err)
	}
	s.log.Error().Err(cause).Str("moved_to", target).Msg("store unreadable, starting empty")
	return s.save(NewDocument())
}

// Path returns the location of the JSON document.
func (s *Store) Path() string { return s.path }

// Load reads the current document without taking the write lock.
func (s *Store) Load(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("read store: %w", err)
	}
	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode store: %w", err)
	}
	doc.ensure()
	s.filterBookmarks(doc)
	return doc, nil
}

func (s *Store) filterBookmarks(doc *Document) {
	if s.bookmarkMaxAge <= 0 {
		return
	}
	cutoff := s.now().Add(-s.bookmarkMaxAge)
	for sym := range doc.Metadata.LastSignalCandle {
		t, ok := doc.Bookmark(sym)
		if !ok || t.Before(cutoff) {
			delete(doc.Metadata.LastSignalCandle, sym)
		}
	}
}

// Update runs fn against a fresh copy of the document while holding the write
// lock and persists the result. Nothing is written when fn returns an error.
func (s *Store) Update(ctx context.Context, fn func(*Document) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	doc, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

func (s *Store) acquire(ctx context.Context) error {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() { <-s.lock }

func (s *Store) save(doc *Document) error {
	doc.ensure()
	doc.Metadata.Version = Version
	doc.Metadata.LastUpdated = s.now().UTC()
	doc.Metadata.TotalPositions = len(doc.Positions)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	s.maybeBackup()
	if err := WriteFileAtomic(s.path, data, s.retries, s.retryDelay); err != nil {
		return err
	}
	return nil
}

func (s *Store) maybeBackup() {
	if s.backupDir == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !s.lastBackup.IsZero() && now.Sub(s.lastBackup) < s.backupEvery {
		return
	}
	if _, err := os.Stat(s.path); err != nil {
		return
	}
	target, err := backup(s.path, s.backupDir, now)
	if err != nil {
		s.log.Warn().Err(err).Msg("backup failed")
		return
	}
	s.lastBackup = now
	if s.retention > 0 {
		if n, err := pruneBackups(s.backupDir, now.Add(-s.retention)); err != nil {
			s.log.Warn().Err(err).Msg("backup prune failed")
		} else if n > 0 {
			s.log.Debug().Int("removed", n).Msg("pruned old backups")
		}
	}
	s.log.Debug().Str("backup", target).Msg("store backed up")
}

// Signal returns a copy of one stored signal.
func (s *Store) Signal(ctx context.Context, id string) (*signal.Signal, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	sig, ok := doc.Positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sig, nil
}

// ActiveSignals returns every OPEN or PARTIAL signal.
func (s *Store) ActiveSignals(ctx context.Context) ([]*signal.Signal, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Active(), nil
}

// Statistics returns the stored aggregate.
func (s *Store) Statistics(ctx context.Context) (position.Statistics, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return position.Statistics{}, err
	}
	return doc.Statistics, nil
}

// Bookmarks returns the bookmarks that survived the age filter.
func (s *Store) Bookmarks(ctx context.Context) (map[string]time.Time, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Bookmarks(), nil
}

// SaveTransitions persists monitor results. Results whose stored signal moved
// on in the meantime are skipped and left out of the returned updates.
func (s *Store) SaveTransitions(ctx context.Context, results []position.Transitioned) ([]signal.PositionUpdate, error) {
	if len(results) == 0 {
		return nil, nil
	}
	var applied []signal.PositionUpdate
	err := s.Update(ctx, func(doc *Document) error {
		applied = applied[:0]
		for _, tr := range results {
			if doc.ApplyTransition(tr.Signal, tr.Updates) {
				applied = append(applied, tr.Updates...)
				continue
			}
			s.log.Warn().Str("signal_id", tr.Signal.ID).Msg("stale transition skipped")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// SaveMarks stores live price marks and the evaluation marker for signals
// that are still active.
func (s *Store) SaveMarks(ctx context.Context, marked []*signal.Signal) error {
	if len(marked) == 0 {
		return nil
	}
	return s.Update(ctx, func(doc *Document) error {
		for _, m := range marked {
			stored, ok := doc.Positions[m.ID]
			if !ok || stored.Status != m.Status {
				continue
			}
			stored.CurrentPrice = m.CurrentPrice
			stored.MaxProfit = m.MaxProfit
			stored.MaxDrawdown = m.MaxDrawdown
			stored.UpdatedAt = m.UpdatedAt
			if m.LastEvaluatedBar.After(stored.LastEvaluatedBar) {
				stored.LastEvaluatedBar = m.LastEvaluatedBar
			}
		}
		return nil
	})
}

// FlushBookmarks merges bookmarks into metadata, keeping the later instant
// when both sides know a symbol.
func (s *Store) FlushBookmarks(ctx context.Context, bookmarks map[string]time.Time) error {
	return s.Update(ctx, func(doc *Document) error {
		for sym, t := range bookmarks {
			if cur, ok := doc.Bookmark(sym); ok && !t.After(cur) {
				continue
			}
			doc.SetBookmark(sym, t)
		}
		return nil
	})
}
