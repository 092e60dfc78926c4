package exchange

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

var stubNow = time.Date(2024, 5, 1, 13, 20, 0, 0, time.UTC)

func TestPollerSnapshotSkipsFailedSymbols(t *testing.T) {
	stub := NewStub(func() time.Time { return stubNow })
	stub.SetSymbols("BTC-USDT", "ETH-USDT", "SOL-USDT")
	stub.FailKlines("ETH-USDT", errors.New("boom"))
	stub.SetTicker(signal.Ticker{Symbol: "SOL-USDT", Bid: decimal.NewFromInt(10), Ask: decimal.NewFromInt(11)})

	poller := NewPoller(stub, zerolog.Nop(), WithKlineLimit(30))
	snaps, err := poller.Snapshot(context.Background(), []string{"BTC-USDT", "ETH-USDT", "SOL-USDT"})
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if _, ok := snaps["ETH-USDT"]; ok {
		t.Fatalf("failed symbol must be skipped")
	}
	btc := snaps["BTC-USDT"]
	if len(btc.Bars) != 30 || btc.Ticker == nil {
		t.Fatalf("unexpected BTC snapshot: %d bars, ticker %v", len(btc.Bars), btc.Ticker)
	}
	if !btc.Bars[len(btc.Bars)-1].Time.Equal(stubNow.Truncate(time.Hour)) {
		t.Fatalf("last bar must be the forming hour")
	}
	if mid, _ := snaps["SOL-USDT"].Ticker.Mid(); !mid.Equal(decimal.RequireFromString("10.5")) {
		t.Fatalf("scripted ticker not used: %s", mid)
	}
}

type countingSource struct {
	*Stub
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *countingSource) Klines(ctx context.Context, symbol, interval string, limit int) ([]signal.Bar, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return c.Stub.Klines(ctx, symbol, interval, limit)
}

func TestPollerBoundsConcurrency(t *testing.T) {
	src := &countingSource{Stub: NewStub(func() time.Time { return stubNow })}
	symbols := make([]string, 20)
	for i := range symbols {
		symbols[i] = string(rune('A'+i)) + "-USDT"
	}
	src.SetSymbols(symbols...)

	snaps, err := NewPoller(src, zerolog.Nop(), WithConcurrency(3)).Snapshot(context.Background(), symbols)
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	if len(snaps) != 20 {
		t.Fatalf("expected 20 snapshots, got %d", len(snaps))
	}
	if src.peak.Load() > 3 {
		t.Fatalf("concurrency exceeded: %d", src.peak.Load())
	}
}

func TestPollerHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stub := NewStub(nil)
	if _, err := NewPoller(stub, zerolog.Nop()).Snapshot(ctx, []string{"BTC-USDT"}); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestNewSource(t *testing.T) {
	if _, err := NewSource("stub", zerolog.Nop()); err != nil {
		t.Fatalf("stub provider: %v", err)
	}
	if src, err := NewSource("BingX", zerolog.Nop()); err != nil {
		t.Fatalf("bingx provider: %v", err)
	} else if _, ok := src.(*Client); !ok {
		t.Fatalf("expected *Client, got %T", src)
	}
	if _, err := NewSource("binance", zerolog.Nop()); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}
