package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

// Stub is an in-memory MarketSource. Scripted bars and tickers win; symbols
// without a script get a slow synthetic uptrend of hourly bars.
type Stub struct {
	mu       sync.RWMutex
	now      func() time.Time
	symbols  []string
	bars     map[string][]signal.Bar
	tickers  map[string]signal.Ticker
	failures map[string]error
}

// NewStub returns a stub listing BTC-USDT and ETH-USDT.
func NewStub(now func() time.Time) *Stub {
	if now == nil {
		now = time.Now
	}
	return &Stub{
		now:      now,
		symbols:  []string{"BTC-USDT", "ETH-USDT"},
		bars:     make(map[string][]signal.Bar),
		tickers:  make(map[string]signal.Ticker),
		failures: make(map[string]error),
	}
}

// SetSymbols replaces the listed contracts.
func (s *Stub) SetSymbols(symbols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols = append([]string(nil), symbols...)
}

// SetBars scripts the bars returned for symbol.
func (s *Stub) SetBars(symbol string, bars []signal.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[symbol] = append([]signal.Bar(nil), bars...)
}

// SetTicker scripts the live quote for a symbol.
func (s *Stub) SetTicker(t signal.Ticker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers[t.Symbol] = t
}

// FailKlines makes Klines for symbol return err; nil clears it.
func (s *Stub) FailKlines(symbol string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, symbol)
		return
	}
	s.failures[symbol] = err
}

func (s *Stub) Contracts(ctx context.Context) ([]Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Contract, len(s.symbols))
	for i, sym := range s.symbols {
		out[i] = Contract{Symbol: sym, Status: 1, APIStateOpen: "true"}
	}
	return out, nil
}

func (s *Stub) Tickers(ctx context.Context) (map[string]signal.Ticker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]signal.Ticker, len(s.symbols))
	for _, sym := range s.symbols {
		if t, ok := s.tickers[sym]; ok {
			out[sym] = t
			continue
		}
		bars := s.barsLocked(sym, defaultKlineLimit)
		last := bars[len(bars)-1].Close
		spread := last.Mul(decimal.RequireFromString("0.0001"))
		out[sym] = signal.Ticker{
			Symbol:      sym,
			Bid:         last.Sub(spread),
			Ask:         last.Add(spread),
			Last:        last,
			QuoteVolume: decimal.NewFromInt(50_000_000),
		}
	}
	return out, nil
}

func (s *Stub) Klines(ctx context.Context, symbol, interval string, limit int) ([]signal.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.failures[symbol]; ok {
		return nil, fmt.Errorf("stub klines %s: %w", symbol, err)
	}
	if limit <= 0 {
		limit = defaultKlineLimit
	}
	return s.barsLocked(symbol, limit), nil
}

func (s *Stub) barsLocked(symbol string, limit int) []signal.Bar {
	if scripted, ok := s.bars[symbol]; ok && len(scripted) > 0 {
		out := append([]signal.Bar(nil), scripted...)
		sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
		if len(out) > limit {
			out = out[len(out)-limit:]
		}
		return out
	}
	current := s.now().UTC().Truncate(time.Hour)
	base := decimal.NewFromInt(100)
	step := decimal.RequireFromString("0.1")
	spread := decimal.RequireFromString("0.3")
	out := make([]signal.Bar, limit)
	for i := 0; i < limit; i++ {
		px := base.Add(step.Mul(decimal.NewFromInt(int64(i))))
		out[i] = signal.Bar{
			Time:   current.Add(-time.Duration(limit-1-i) * time.Hour),
			Open:   px.Sub(step),
			High:   px.Add(spread),
			Low:    px.Sub(spread),
			Close:  px,
			Volume: decimal.NewFromInt(1000),
		}
	}
	return out
}
