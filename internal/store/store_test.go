package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/position"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

var baseTime = time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openStore(t *testing.T, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: baseTime}
	path := filepath.Join(t.TempDir(), "signals.json")
	opts = append([]Option{WithClock(clock.Now), WithWriteRetries(2, time.Millisecond)}, opts...)
	st, err := Open(path, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return st, clock
}

func sampleSignal(id, symbol string, created time.Time) *signal.Signal {
	return &signal.Signal{
		ID:          id,
		Symbol:      symbol,
		Direction:   signal.Long,
		EntryPrice:  d("100"),
		SLPrice:     d("99"),
		TP1Price:    d("101.5"),
		TP2Price:    d("103"),
		Status:      signal.StatusOpen,
		CreatedAt:   created,
		UpdatedAt:   created,
		MonitorFrom: created.Add(time.Hour),
	}
}

func TestOpenCreatesEmptyDocument(t *testing.T) {
	st, _ := openStore(t)
	_, err := os.Stat(st.Path())
	require.NoError(t, err)

	doc, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Version, doc.Metadata.Version)
	assert.Empty(t, doc.Positions)
	assert.NotNil(t, doc.Metadata.LastSignalCandle)
}

func TestUpdatePersistsAndAbortsOnError(t *testing.T) {
	ctx := context.Background()
	st, _ := openStore(t)

	require.NoError(t, st.Update(ctx, func(doc *Document) error {
		doc.AddSignal(sampleSignal("a", "BTC-USDT", baseTime))
		return nil
	}))

	boom := errors.New("boom")
	err := st.Update(ctx, func(doc *Document) error {
		doc.AddSignal(sampleSignal("b", "ETH-USDT", baseTime))
		return boom
	})
	require.ErrorIs(t, err, boom)

	doc, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Positions, 1)
	assert.Equal(t, 1, doc.Metadata.TotalPositions)
	assert.Equal(t, 1, doc.Statistics.TotalSignals)
	assert.Equal(t, 1, doc.SymbolStats["BTC-USDT"].Signals)
	assert.Equal(t, 1, doc.DailyStats["2024-05-01"].Signals)

	_, err = os.Stat(st.Path() + "." + strconv.Itoa(os.Getpid()) + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not linger")
}

func TestUpdateLockTimeout(t *testing.T) {
	st, _ := openStore(t, WithLockTimeout(20*time.Millisecond))
	st.lock <- struct{}{}
	defer st.release()

	err := st.Update(context.Background(), func(*Document) error { return nil })
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestLoadFiltersStaleBookmarks(t *testing.T) {
	ctx := context.Background()
	st, clock := openStore(t)
	require.NoError(t, st.FlushBookmarks(ctx, map[string]time.Time{
		"BTC-USDT": baseTime.Add(-30 * time.Minute),
		"ETH-USDT": baseTime.Add(-5 * time.Hour),
	}))

	marks, err := st.Bookmarks(ctx)
	require.NoError(t, err)
	assert.Contains(t, marks, "BTC-USDT")
	assert.NotContains(t, marks, "ETH-USDT")

	clock.Advance(4 * time.Hour)
	marks, err = st.Bookmarks(ctx)
	require.NoError(t, err)
	assert.Empty(t, marks)
}

func TestFlushBookmarksKeepsLaterInstant(t *testing.T) {
	ctx := context.Background()
	st, _ := openStore(t)
	later := baseTime.Add(-time.Hour)
	require.NoError(t, st.FlushBookmarks(ctx, map[string]time.Time{"BTC-USDT": later}))
	require.NoError(t, st.FlushBookmarks(ctx, map[string]time.Time{"BTC-USDT": later.Add(-time.Hour)}))

	marks, err := st.Bookmarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, later, marks["BTC-USDT"])
}

func TestOpenMigratesLegacyLayout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.json")
	legacy := `{
  "positions": {
    "abc": {"symbol": "BTC-USDT", "direction": "long", "entry": 100, "sl": 99, "tp1": 101.5, "tp2": 103,
            "status": "TP1_HIT", "timestamp": 1714564800000, "entry_candle_time": "2024-05-01 11:00:00", "closed_at": null},
    "def": {"signal_id": "def", "symbol": "ETH-USDT", "direction": "SHORT", "status": "sl_hit",
            "entry_price": "3000", "created_at": "2024-05-01T10:00:00Z"}
  },
  "metadata": {"last_signal_candle": {"BTC-USDT": 1714564800000, "XRP-USDT": "garbage"}}
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	clock := &fakeClock{t: baseTime}
	st, err := Open(path, zerolog.Nop(), WithClock(clock.Now))
	require.NoError(t, err)

	doc, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Positions, 2)

	abc := doc.Positions["abc"]
	assert.Equal(t, "abc", abc.ID)
	assert.Equal(t, signal.Long, abc.Direction)
	assert.Equal(t, signal.StatusPartial, abc.Status)
	assert.True(t, abc.PartialHit)
	assert.True(t, abc.EntryPrice.Equal(d("100")))
	assert.True(t, abc.TP1Price.Equal(d("101.5")))
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), abc.CreatedAt)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), abc.MonitorFrom)
	assert.Nil(t, abc.ClosedAt)

	def := doc.Positions["def"]
	assert.Equal(t, signal.StatusClosed, def.Status)
	assert.Equal(t, signal.ExitSL, def.ExitReason)

	assert.Equal(t, "2024-05-01T12:00:00Z", doc.Metadata.LastSignalCandle["BTC-USDT"])
	assert.NotContains(t, doc.Metadata.LastSignalCandle, "XRP-USDT")
	assert.Equal(t, Version, doc.Metadata.Version)
}

func TestOpenQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	st, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	doc, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc.Positions)

	matches, err := filepath.Glob(path + ".corrupt.*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestBackupsAreThrottledAndPruned(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backups := filepath.Join(dir, "backups")
	clock := &fakeClock{t: baseTime}

	stale := filepath.Join(backups, backupPrefix+baseTime.Add(-31*24*time.Hour).Format(backupLayout)+".json")
	require.NoError(t, os.MkdirAll(backups, 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o644))

	st, err := Open(filepath.Join(dir, "signals.json"), zerolog.Nop(),
		WithClock(clock.Now), WithBackups(backups, time.Minute, 30*24*time.Hour))
	require.NoError(t, err)

	noop := func(*Document) error { return nil }
	require.NoError(t, st.Update(ctx, noop))
	clock.Advance(10 * time.Second)
	require.NoError(t, st.Update(ctx, noop))
	clock.Advance(time.Minute)
	require.NoError(t, st.Update(ctx, noop))

	entries, err := os.ReadDir(backups)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale backup must be pruned")
}

func TestSaveTransitionsSkipsStale(t *testing.T) {
	ctx := context.Background()
	st, _ := openStore(t)
	require.NoError(t, st.Update(ctx, func(doc *Document) error {
		doc.AddSignal(sampleSignal("a", "BTC-USDT", baseTime))
		return nil
	}))

	closed := sampleSignal("a", "BTC-USDT", baseTime)
	closed.Status = signal.StatusClosed
	upd := signal.PositionUpdate{SignalID: "a", Symbol: "BTC-USDT", OldStatus: signal.StatusOpen, NewStatus: signal.StatusClosed,
		Level: signal.LevelSL, PnLPercent: d("-1"), Time: baseTime}
	tr := position.Transitioned{Signal: closed, Updates: []signal.PositionUpdate{upd}}

	applied, err := st.SaveTransitions(ctx, []position.Transitioned{tr})
	require.NoError(t, err)
	assert.Len(t, applied, 1)

	applied, err = st.SaveTransitions(ctx, []position.Transitioned{tr})
	require.NoError(t, err)
	assert.Empty(t, applied, "second application sees CLOSED and must skip")

	stats, err := st.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SLHits)
}

func TestCleanupArchivesThenRemoves(t *testing.T) {
	ctx := context.Background()
	st, _ := openStore(t)
	old := baseTime.Add(-8 * 24 * time.Hour)
	require.NoError(t, st.Update(ctx, func(doc *Document) error {
		gone := sampleSignal("old", "BTC-USDT", old)
		gone.Status = signal.StatusClosed
		gone.ClosedAt = &old
		doc.AddSignal(gone)
		doc.AddSignal(sampleSignal("open-old", "ETH-USDT", old))
		recent := sampleSignal("recent", "SOL-USDT", baseTime)
		recent.Status = signal.StatusClosed
		recent.ClosedAt = &baseTime
		doc.AddSignal(recent)
		return nil
	}))

	_, err := st.Cleanup(ctx, 7*24*time.Hour, func([]*signal.Signal) error { return errors.New("archive down") })
	require.Error(t, err)
	doc, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Positions, 3)

	var archived []string
	n, err := st.Cleanup(ctx, 7*24*time.Hour, func(list []*signal.Signal) error {
		for _, s := range list {
			archived = append(archived, s.ID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"old"}, archived)

	doc, err = st.Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, doc.Positions, "open-old")
	assert.Contains(t, doc.Positions, "recent")
}

func TestDailyReportAndCSV(t *testing.T) {
	doc := NewDocument()
	a := sampleSignal("a", "BTC-USDT", baseTime)
	a.PnLHistory = []signal.PnLRecord{
		{Time: baseTime.Add(time.Hour), Level: signal.LevelTP1, PnLPercent: d("0.75")},
		{Time: baseTime.Add(2 * time.Hour), Level: signal.LevelTP2, PnLPercent: d("1.5")},
	}
	a.Status = signal.StatusClosed
	closedAt := baseTime.Add(2 * time.Hour)
	a.ClosedAt = &closedAt
	a.RealizedPnL = d("2.25")
	doc.AddSignal(a)

	b := sampleSignal("b", "ETH-USDT", baseTime.Add(time.Minute))
	b.PnLHistory = []signal.PnLRecord{{Time: baseTime.Add(3 * time.Hour), Level: signal.LevelSL, PnLPercent: d("-1")}}
	doc.AddSignal(b)

	doc.AddSignal(sampleSignal("c", "SOL-USDT", baseTime.Add(-24*time.Hour)))

	r := doc.DailyReport(baseTime)
	assert.Equal(t, "2024-05-01", r.Date)
	assert.Equal(t, 2, r.Created)
	assert.Equal(t, 1, r.Closed)
	assert.Equal(t, 1, r.TP1Hits)
	assert.Equal(t, 1, r.TP2Hits)
	assert.Equal(t, 1, r.SLHits)
	assert.True(t, r.PnL.Equal(d("1.25")), "pnl %s", r.PnL)
	assert.True(t, r.WinRate.Equal(d("66.67")), "win rate %s", r.WinRate)
	assert.Equal(t, 2, r.Open)

	var buf bytes.Buffer
	require.NoError(t, doc.WriteCSV(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "signal_id,symbol,direction"))
	assert.True(t, strings.HasPrefix(lines[1], "c,SOL-USDT,LONG,OPEN,100.00"))
	assert.Contains(t, lines[2], "2.25")
}

func TestDocumentQueries(t *testing.T) {
	doc := NewDocument()
	a := sampleSignal("a", "BTC-USDT", baseTime)
	b := sampleSignal("b", "BTC-USDT", baseTime.Add(time.Minute))
	b.Status = signal.StatusClosed
	until := baseTime.Add(time.Hour)
	b.CooldownUntil = &until
	doc.AddSignal(a)
	doc.AddSignal(b)

	assert.Same(t, a, doc.OpenSignal("BTC-USDT", signal.Long))
	assert.Nil(t, doc.OpenSignal("BTC-USDT", signal.Short))
	assert.Len(t, doc.Active(), 1)
	assert.Contains(t, doc.ActiveSymbols(), "BTC-USDT")

	got, ok := doc.CooldownUntil("BTC-USDT", baseTime)
	assert.True(t, ok)
	assert.Equal(t, until, got)
	_, ok = doc.CooldownUntil("BTC-USDT", until)
	assert.False(t, ok)

	assert.Equal(t, Counts{Total: 2, Open: 1, Closed: 1}, doc.Counts())
}
