package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/api"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/archive"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/engine"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/exchange"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/lifecycle"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/notify"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/position"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/store"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/strategy"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func bar(at time.Time, o, h, l, c string) signal.Bar {
	return signal.Bar{Time: at, Open: d(o), High: d(h), Low: d(l), Close: d(c), Volume: d("10")}
}

func flat(until time.Time, n int) []signal.Bar {
	out := make([]signal.Bar, 0, n)
	for i := n; i > 0; i-- {
		out = append(out, bar(until.Add(-time.Duration(i)*time.Hour), "100", "100", "100", "100"))
	}
	return out
}

// telegramCounter accepts every sendMessage call.
type telegramCounter struct {
	mu   sync.Mutex
	sent []string
}

func (c *telegramCounter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	c.mu.Lock()
	c.sent = append(c.sent, req.Text)
	c.mu.Unlock()
	_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
}

func (c *telegramCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestShortSignalPartialThenBreakevenStop(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	log := zerolog.Nop()
	dir := t.TempDir()
	entry := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	clk := &clock{t: entry.Add(20 * time.Minute)}

	st, err := store.Open(filepath.Join(dir, "signals.json"), log, store.WithClock(clk.Now))
	require.NoError(t, err)
	arch, err := archive.Open(filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	defer arch.Close()
	journal, err := position.NewJSONLJournal(filepath.Join(dir, "updates.jsonl"))
	require.NoError(t, err)
	defer journal.Close()

	bot := &telegramCounter{}
	tgServer := httptest.NewServer(bot)
	defer tgServer.Close()
	subs, err := notify.OpenSubscribers(filepath.Join(dir, "subscribers.json"), clk.Now)
	require.NoError(t, err)
	_, err = subs.Add(notify.Subscriber{ChatID: 1001})
	require.NoError(t, err)
	tg := notify.NewTelegram("T", subs, log, notify.WithTelegramURL(tgServer.URL), notify.WithSendRate(1000))

	hub := notify.NewHub(8, log)
	frames, unsub := hub.Subscribe()
	defer unsub()

	stub := exchange.NewStub(clk.Now)
	stub.SetSymbols("SOL-USDT")
	stub.SetBars("SOL-USDT", append(flat(entry, 30), bar(entry, "100", "100.5", "99.5", "99.8")))
	stub.SetTicker(signal.Ticker{Symbol: "SOL-USDT", Bid: d("99.79"), Ask: d("99.81"), Last: d("99.8"), QuoteVolume: d("5000000")})
	universe := exchange.NewUniverse(log, stub, exchange.UniverseConfig{Count: 5, MinVolume: d("1"), RefreshInterval: time.Hour})

	ledger := position.NewLedger(50)
	eng, err := engine.New(engine.Deps{
		Store:    st,
		Manager:  lifecycle.NewManager(st, log, lifecycle.WithClock(clk.Now)),
		Monitor:  position.NewMonitor(position.WithMonitorClock(clk.Now)),
		Strategy: strategy.Build("touch", strategy.Params{Now: clk.Now}),
		Market:   exchange.NewPoller(stub, log),
		Universe: universe,
		Notifier: notify.NewMulti(log, notify.NewLogNotifier(log), hub, tg),
		Ledger:   ledger,
		Journal:  journal,
		Archive:  arch,
	}, log, engine.WithClock(clk.Now))
	require.NoError(t, err)

	require.NoError(t, universe.Refresh(ctx))
	require.Equal(t, []string{"SOL-USDT"}, universe.Symbols())

	eng.Cycle(ctx)
	active, err := st.ActiveSignals(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	sig := active[0]
	assert.Equal(t, signal.Short, sig.Direction)
	assert.True(t, sig.EntryPrice.Equal(d("99.8")))
	assert.True(t, sig.SLPrice.Equal(d("100.798")))
	assert.True(t, sig.TP1Price.Equal(d("98.303")))
	assert.Equal(t, entry.Add(time.Hour), sig.MonitorFrom)

	// 13:00 reaches TP1, 14:00 comes back to the breakeven stop
	clk.Set(entry.Add(3*time.Hour + 20*time.Minute))
	bars := append(flat(entry, 30),
		bar(entry, "100", "100.5", "99.5", "99.8"),
		bar(entry.Add(time.Hour), "99.8", "99.9", "98.2", "98.5"),
		bar(entry.Add(2*time.Hour), "98.5", "100", "98.4", "99.9"),
		bar(entry.Add(3*time.Hour), "96.9", "97", "96.5", "96.8"),
	)
	stub.SetBars("SOL-USDT", bars)
	stub.SetTicker(signal.Ticker{Symbol: "SOL-USDT", Bid: d("96.79"), Ask: d("96.81"), Last: d("96.8")})

	eng.Cycle(ctx)

	updates := ledger.Snapshot()
	require.Len(t, updates, 2)
	assert.Equal(t, signal.LevelTP1, updates[0].Level)
	assert.Equal(t, signal.StatusPartial, updates[0].NewStatus)
	assert.Equal(t, signal.LevelSL, updates[1].Level)
	assert.Equal(t, signal.StatusClosed, updates[1].NewStatus)

	closed, err := st.Signal(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusClosed, closed.Status)
	assert.True(t, closed.PartialHit)
	assert.True(t, closed.SLPrice.Equal(closed.EntryPrice), "stop moved to breakeven")
	assert.InDelta(t, 0.75, closed.RealizedPnL.InexactFloat64(), 0.001)
	assert.Empty(t, eng.State().LastError)

	// every event reached the hub, the chat and the journal
	var kinds []string
	for len(frames) > 0 {
		kinds = append(kinds, (<-frames).Type)
	}
	assert.Equal(t, []string{notify.FrameSignal, notify.FrameUpdate, notify.FrameUpdate}, kinds)
	assert.Equal(t, 3, bot.count())

	f, err := os.Open(filepath.Join(dir, "updates.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
	}
	assert.Equal(t, 3, lines)

	// the status API sees the same state
	srv := api.NewServer(st, eng, ledger, hub, arch, api.Meta{Provider: exchange.ProviderStub}, log)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Statistics position.Statistics `json:"statistics"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Statistics.TotalSignals)
	assert.Equal(t, 1, body.Statistics.TP1Hits)
	assert.Equal(t, 1, body.Statistics.SLHits)

	// cleanup far in the future moves the closed signal into the archive
	clk.Set(entry.Add(10 * 24 * time.Hour))
	removed, err := st.Cleanup(ctx, 7*24*time.Hour, func(sigs []*signal.Signal) error { return arch.Save(ctx, sigs) })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	n, err := arch.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
