package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/risk"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/store"
)

var (
	now    = time.Date(2024, 5, 1, 13, 20, 0, 0, time.UTC)
	candle = time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
)

func clock() time.Time { return now }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	opts = append([]store.Option{store.WithClock(clock)}, opts...)
	st, err := store.Open(filepath.Join(t.TempDir(), "signals.json"), zerolog.Nop(), opts...)
	require.NoError(t, err)
	return st
}

func newManager(st *store.Store, opts ...Option) *Manager {
	var n atomic.Int64
	opts = append([]Option{
		WithClock(clock),
		WithIDGenerator(func() string { return fmt.Sprintf("sig-%d", n.Add(1)) }),
	}, opts...)
	return NewManager(st, zerolog.Nop(), opts...)
}

func request(symbol string, dir signal.Direction) CreateRequest {
	return CreateRequest{
		Symbol:      symbol,
		Direction:   dir,
		EntryPrice:  d("100"),
		EMAValue:    d("99.95"),
		CandleTime:  candle,
		PriceSource: "mid",
		EMAPeriod:   20,
		Timeframe:   "1h",
	}
}

func requireRejection(t *testing.T, err error, want Reason) {
	t.Helper()
	rej, ok := AsRejection(err)
	require.True(t, ok, "expected rejection, got %v", err)
	assert.Equal(t, want, rej.Reason)
}

func TestCreatePersistsSignal(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	m := newManager(st)

	sig, err := m.Create(ctx, request("BTC-USDT", signal.Long))
	require.NoError(t, err)
	assert.Equal(t, "sig-1", sig.ID)
	assert.Equal(t, signal.StatusOpen, sig.Status)
	assert.True(t, sig.SLPrice.Equal(d("99")))
	assert.True(t, sig.TP1Price.Equal(d("101.5")))
	assert.True(t, sig.TP2Price.Equal(d("103")))
	assert.Equal(t, candle, sig.EntryCandleTime)
	assert.Equal(t, candle.Add(time.Hour), sig.MonitorFrom)
	assert.Equal(t, now, sig.CreatedAt)
	assert.Equal(t, 20, sig.EMAPeriod)

	doc, err := st.Load(ctx)
	require.NoError(t, err)
	require.Contains(t, doc.Positions, "sig-1")
	mark, ok := doc.Bookmark("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, candle, mark)
	assert.Equal(t, 1, doc.Statistics.TotalSignals)

	mem, ok := m.Bookmarks().Get("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, candle, mem)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	m := newManager(newStore(t))
	cases := map[string]func(*CreateRequest){
		"empty symbol":   func(r *CreateRequest) { r.Symbol = "" },
		"bad direction":  func(r *CreateRequest) { r.Direction = "FLAT" },
		"zero entry":     func(r *CreateRequest) { r.EntryPrice = decimal.Zero },
		"negative ema":   func(r *CreateRequest) { r.EMAValue = d("-1") },
		"missing candle": func(r *CreateRequest) { r.CandleTime = time.Time{} },
	}
	for name, mutate := range cases {
		req := request("BTC-USDT", signal.Long)
		mutate(&req)
		_, err := m.Create(context.Background(), req)
		rej, ok := AsRejection(err)
		if !ok || rej.Reason != ReasonInvalid {
			t.Fatalf("%s: expected invalid_input, got %v", name, err)
		}
	}
}

func TestCreateRejectsActiveDuplicate(t *testing.T) {
	ctx := context.Background()
	m := newManager(newStore(t))
	_, err := m.Create(ctx, request("BTC-USDT", signal.Long))
	require.NoError(t, err)

	next := request("BTC-USDT", signal.Long)
	next.CandleTime = candle.Add(time.Hour)
	_, err = m.Create(ctx, next)
	requireRejection(t, err, ReasonDuplicate)
}

func TestCreateRejectsSameCandleOtherDirection(t *testing.T) {
	ctx := context.Background()
	m := newManager(newStore(t))
	_, err := m.Create(ctx, request("BTC-USDT", signal.Long))
	require.NoError(t, err)

	_, err = m.Create(ctx, request("BTC-USDT", signal.Short))
	requireRejection(t, err, ReasonDuplicateCandle)
}

func TestCreateRejectsDuringCooldown(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	until := now.Add(30 * time.Minute)
	require.NoError(t, st.Update(ctx, func(doc *store.Document) error {
		doc.AddSignal(&signal.Signal{
			ID: "old", Symbol: "BTC-USDT", Direction: signal.Long, Status: signal.StatusClosed,
			EntryPrice: d("100"), CreatedAt: now.Add(-5 * time.Hour), CooldownUntil: &until,
		})
		return nil
	}))
	m := newManager(st)

	_, err := m.Create(ctx, request("BTC-USDT", signal.Short))
	requireRejection(t, err, ReasonCooldown)

	_, err = m.Create(ctx, request("ETH-USDT", signal.Short))
	require.NoError(t, err)
}

func TestThrottleQuotaOnlyConsumedByPassingRequests(t *testing.T) {
	ctx := context.Background()
	m := newManager(newStore(t), WithThrottle(risk.NewThrottle(2, time.Minute, clock)))

	_, err := m.Create(ctx, request("BTC-USDT", signal.Long))
	require.NoError(t, err)
	_, err = m.Create(ctx, request("BTC-USDT", signal.Long))
	requireRejection(t, err, ReasonDuplicate)

	_, err = m.Create(ctx, request("ETH-USDT", signal.Long))
	require.NoError(t, err, "duplicate must not have consumed quota")

	_, err = m.Create(ctx, request("SOL-USDT", signal.Long))
	requireRejection(t, err, ReasonThrottle)

	doc, err := m.store.Load(ctx)
	require.NoError(t, err)
	_, marked := doc.Bookmark("SOL-USDT")
	assert.False(t, marked, "throttled request must not bookmark")
}

func TestCreateLockTimeout(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, store.WithLockTimeout(20*time.Millisecond))
	m := newManager(st)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- st.Update(ctx, func(*store.Document) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	_, err := m.Create(ctx, request("BTC-USDT", signal.Long))
	requireRejection(t, err, ReasonLockTimeout)

	close(release)
	require.NoError(t, <-done)
}

func TestConcurrentCreateSameCandle(t *testing.T) {
	ctx := context.Background()
	m := newManager(newStore(t, store.WithLockTimeout(5*time.Second)))

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 8; i++ {
		dir := signal.Long
		if i%2 == 1 {
			dir = signal.Short
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create(ctx, request("BTC-USDT", dir)); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
}

func TestBookmarksLoadFlushPrune(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	require.NoError(t, st.FlushBookmarks(ctx, map[string]time.Time{"BTC-USDT": candle}))

	current := now
	b := NewBookmarks(3*time.Hour, func() time.Time { return current })
	require.NoError(t, b.Load(ctx, st))
	got, ok := b.Get("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, candle, got)

	b.Set("ETH-USDT", candle.Add(time.Hour).Add(500*time.Millisecond))
	eth, _ := b.Get("ETH-USDT")
	assert.Equal(t, candle.Add(time.Hour), eth, "bookmarks are second precision")

	current = now.Add(3 * time.Hour)
	require.NoError(t, b.Flush(ctx, st))
	assert.Equal(t, 1, b.Len())
	_, ok = b.Get("BTC-USDT")
	assert.False(t, ok)

	doc, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, doc.Metadata.LastSignalCandle, "ETH-USDT")
}
