package store

import (
	"sort"
	"time"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/position"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

// Version is written into metadata on every save.
const Version = "2.0"

// DayLayout keys daily_stats.
const DayLayout = "2006-01-02"

// Metadata holds bookkeeping that is not part of any single signal.
type Metadata struct {
	// LastSignalCandle maps symbol to the last bar acted on, in signal.BookmarkLayout.
	LastSignalCandle map[string]string `json:"last_signal_candle"`
	LastUpdated      time.Time         `json:"last_updated"`
	Version          string            `json:"version"`
	TotalPositions   int               `json:"total_positions"`
}

// Document is the whole persisted state.
type Document struct {
	Positions   map[string]*signal.Signal     `json:"positions"`
	Statistics  position.Statistics           `json:"statistics"`
	DailyStats  map[string]*position.Counters `json:"daily_stats"`
	SymbolStats map[string]*position.Counters `json:"symbol_stats"`
	Metadata    Metadata                      `json:"metadata"`
}

// NewDocument returns an empty document with every map allocated.
func NewDocument() *Document {
	d := &Document{}
	d.ensure()
	return d
}

func (d *Document) ensure() {
	if d.Positions == nil {
		d.Positions = make(map[string]*signal.Signal)
	}
	if d.DailyStats == nil {
		d.DailyStats = make(map[string]*position.Counters)
	}
	if d.SymbolStats == nil {
		d.SymbolStats = make(map[string]*position.Counters)
	}
	if d.Metadata.LastSignalCandle == nil {
		d.Metadata.LastSignalCandle = make(map[string]string)
	}
	if d.Metadata.Version == "" {
		d.Metadata.Version = Version
	}
	for id, s := range d.Positions {
		if s == nil {
			delete(d.Positions, id)
		}
	}
}

// OpenSignal returns the active signal for symbol and direction, if any.
func (d *Document) OpenSignal(symbol string, direction signal.Direction) *signal.Signal {
	for _, s := range d.Positions {
		if s.Symbol == symbol && s.Direction == direction && s.Active() {
			return s
		}
	}
	return nil
}

// Active returns every OPEN or PARTIAL signal ordered by creation time.
func (d *Document) Active() []*signal.Signal {
	var out []*signal.Signal
	for _, s := range d.Positions {
		if s.Active() {
			out = append(out, s)
		}
	}
	sortByCreated(out)
	return out
}

// All returns every signal ordered by creation time.
func (d *Document) All() []*signal.Signal {
	out := make([]*signal.Signal, 0, len(d.Positions))
	for _, s := range d.Positions {
		out = append(out, s)
	}
	sortByCreated(out)
	return out
}

// ActiveSymbols is the set of symbols with at least one active signal.
func (d *Document) ActiveSymbols() map[string]struct{} {
	out := make(map[string]struct{})
	for _, s := range d.Positions {
		if s.Active() {
			out[s.Symbol] = struct{}{}
		}
	}
	return out
}

// CooldownUntil returns the latest cooldown deadline for symbol that is still in the future.
func (d *Document) CooldownUntil(symbol string, now time.Time) (time.Time, bool) {
	var until time.Time
	for _, s := range d.Positions {
		if s.Symbol != symbol || s.CooldownUntil == nil {
			continue
		}
		if s.CooldownUntil.After(now) && s.CooldownUntil.After(until) {
			until = *s.CooldownUntil
		}
	}
	return until, !until.IsZero()
}

// Bookmark returns the last bar acted on for symbol.
func (d *Document) Bookmark(symbol string) (time.Time, bool) {
	raw, ok := d.Metadata.LastSignalCandle[symbol]
	if !ok {
		return time.Time{}, false
	}
	t, err := signal.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SetBookmark records the last bar acted on for symbol.
func (d *Document) SetBookmark(symbol string, t time.Time) {
	d.ensure()
	d.Metadata.LastSignalCandle[symbol] = signal.FormatBookmark(t)
}

// Bookmarks returns every bookmark as parsed instants.
func (d *Document) Bookmarks() map[string]time.Time {
	out := make(map[string]time.Time, len(d.Metadata.LastSignalCandle))
	for sym := range d.Metadata.LastSignalCandle {
		if t, ok := d.Bookmark(sym); ok {
			out[sym] = t
		}
	}
	return out
}

// AddSignal stores a new signal and counts it in every aggregate.
func (d *Document) AddSignal(s *signal.Signal) {
	d.ensure()
	d.Positions[s.ID] = s
	d.Statistics.RecordSignal()
	counters(d.DailyStats, s.CreatedAt.UTC().Format(DayLayout)).Signals++
	counters(d.SymbolStats, s.Symbol).Signals++
}

// ApplyTransition stores the monitored signal and folds its updates into the
// aggregates. It returns false without changes when the stored signal no longer
// has the status the transition started from.
func (d *Document) ApplyTransition(s *signal.Signal, updates []signal.PositionUpdate) bool {
	d.ensure()
	stored, ok := d.Positions[s.ID]
	if !ok || len(updates) == 0 || stored.Status != updates[0].OldStatus {
		return false
	}
	d.Positions[s.ID] = s
	for _, u := range updates {
		d.Statistics.Apply(u)
		counters(d.DailyStats, u.Time.UTC().Format(DayLayout)).Apply(u)
		counters(d.SymbolStats, u.Symbol).Apply(u)
	}
	return true
}

// Counts summarises signals by status.
type Counts struct {
	Total   int `json:"total"`
	Open    int `json:"open"`
	Partial int `json:"partial"`
	Closed  int `json:"closed"`
}

// Counts returns the number of signals per status.
func (d *Document) Counts() Counts {
	c := Counts{Total: len(d.Positions)}
	for _, s := range d.Positions {
		switch s.Status {
		case signal.StatusOpen:
			c.Open++
		case signal.StatusPartial:
			c.Partial++
		case signal.StatusClosed:
			c.Closed++
		}
	}
	return c
}

func counters(m map[string]*position.Counters, key string) *position.Counters {
	c, ok := m[key]
	if !ok {
		c = &position.Counters{}
		m[key] = c
	}
	return c
}

func sortByCreated(list []*signal.Signal) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
