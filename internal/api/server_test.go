package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/archive"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/engine"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/notify"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/position"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/store"
)

var fixedNow = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

type fixedState struct{}

func (fixedState) State() engine.RuntimeState {
	return engine.RuntimeState{Running: true, Cycles: 42, Strategy: "ema_touch"}
}

func sig(id, symbol string, status signal.Status, created time.Time) *signal.Signal {
	return &signal.Signal{
		ID: id, Symbol: symbol, Direction: signal.Long, Status: status,
		EntryPrice: decimal.RequireFromString("100"), SLPrice: decimal.RequireFromString("99"),
		TP1Price: decimal.RequireFromString("101.5"), TP2Price: decimal.RequireFromString("103"),
		CreatedAt: created, UpdatedAt: created,
	}
}

func newTestServer(t *testing.T) (*Server, *store.Store, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	path := filepath.Join(t.TempDir(), "signals.json")
	st, err := store.Open(path, zerolog.Nop(), store.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	require.NoError(t, st.Update(context.Background(), func(doc *store.Document) error {
		doc.AddSignal(sig("a", "BTC-USDT", signal.StatusOpen, fixedNow.Add(-2*time.Hour)))
		doc.AddSignal(sig("b", "ETH-USDT", signal.StatusClosed, fixedNow.Add(-time.Hour)))
		return nil
	}))

	ledger := position.NewLedger(10)
	ledger.Record(signal.PositionUpdate{SignalID: "b", Symbol: "ETH-USDT", Level: signal.LevelSL})

	arch, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { arch.Close() })
	require.NoError(t, arch.Save(context.Background(), []*signal.Signal{sig("z", "SOL-USDT", signal.StatusClosed, fixedNow.Add(-240*time.Hour))}))

	srv := NewServer(st, fixedState{}, ledger, notify.NewHub(4, zerolog.Nop()), arch, Meta{Provider: "stub", EMAPeriod: 20}, zerolog.Nop())
	srv.now = func() time.Time { return fixedNow }
	return srv, st, path
}

func get(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	srv.Router.ServeHTTP(rec, req)
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthAndStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec, body := get(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec, body = get(t, srv, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	eng := body["engine"].(map[string]any)
	assert.EqualValues(t, 42, eng["cycles"])
	counts := body["store"].(map[string]any)["counts"].(map[string]any)
	assert.NotEmpty(t, counts)
}

func TestSignalsFiltering(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, body := get(t, srv, "/signals")
	assert.EqualValues(t, 2, body["count"])
	first := body["signals"].([]any)[0].(map[string]any)
	assert.Equal(t, "b", first["signal_id"], "newest first")

	_, body = get(t, srv, "/signals?status=active")
	assert.EqualValues(t, 1, body["count"])

	_, body = get(t, srv, "/signals?symbol=eth-usdt&status=CLOSED")
	assert.EqualValues(t, 1, body["count"])

	_, body = get(t, srv, "/signals?limit=1")
	assert.EqualValues(t, 1, body["count"])
}

func TestGetSignalFallsBackToArchive(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec, body := get(t, srv, "/signals/a")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BTC-USDT", body["symbol"])

	rec, body = get(t, srv, "/signals/z")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SOL-USDT", body["symbol"])

	rec, _ = get(t, srv, "/signals/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdatesStatsAndReport(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, body := get(t, srv, "/updates")
	assert.EqualValues(t, 1, body["count"])

	rec, body := get(t, srv, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := body["statistics"].(map[string]any)
	assert.EqualValues(t, 2, stats["total_signals"])

	rec, body = get(t, srv, "/report/daily?date=2024-03-01")
	require.Equal(t, http.StatusOK, rec.Code)
	report := body["report"].(map[string]any)
	assert.Equal(t, "2024-03-01", report["date"])
	assert.EqualValues(t, 2, report["created"])
	assert.Contains(t, body, "archived")

	rec, _ = get(t, srv, "/report/daily?date=March")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportCSV(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec, _ := get(t, srv, "/export.csv")
	require.Equal(t, http.StatusOK, rec.Code)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "signal_id,symbol"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "active_signals")
}

func TestUnreadableStoreDegrades(t *testing.T) {
	srv, _, path := newTestServer(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	rec, body := get(t, srv, "/stats")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "data unavailable", body["error"])

	rec, body = get(t, srv, "/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data unavailable", body["store"])
}
