package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

const (
	// ProviderStub serves deterministic synthetic data (useful for tests/offline work).
	ProviderStub = "stub"
	// ProviderBingX polls the BingX swap REST API.
	ProviderBingX = "bingx"
)

// MarketSource is what the universe and the poller need from a venue.
type MarketSource interface {
	Contracts(ctx context.Context) ([]Contract, error)
	Tickers(ctx context.Context) (map[string]signal.Ticker, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]signal.Bar, error)
}

// NewSource picks the market data implementation for provider.
func NewSource(provider string, log zerolog.Logger, opts ...ClientOption) (MarketSource, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", ProviderBingX:
		return NewClient(log, opts...), nil
	case ProviderStub:
		return NewStub(time.Now), nil
	default:
		return nil, fmt.Errorf("unknown market data provider %q", provider)
	}
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the kline interval, e.g. "1h".
func WithInterval(interval string) PollerOption {
	return func(p *Poller) {
		if interval != "" {
			p.interval = interval
		}
	}
}

// WithKlineLimit sets how many bars are requested per symbol.
func WithKlineLimit(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.limit = n
		}
	}
}

// WithConcurrency bounds simultaneous kline requests.
func WithConcurrency(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.concurrency = int64(n)
		}
	}
}

// Poller gathers one snapshot per symbol per cycle.
type Poller struct {
	source      MarketSource
	interval    string
	limit       int
	concurrency int64
	log         zerolog.Logger
}

// NewPoller defaults to 1h bars, 100 per request, 8 requests in flight.
func NewPoller(source MarketSource, log zerolog.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		source:      source,
		interval:    "1h",
		limit:       defaultKlineLimit,
		concurrency: 8,
		log:         log.With().Str("component", "poller").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Snapshot fetches bars for every symbol and the tickers for all of them in
// one request. Symbols whose bars cannot be fetched are left out; a ticker
// failure leaves Ticker nil. Only cancellation aborts the whole call.
func (p *Poller) Snapshot(ctx context.Context, symbols []string) (map[string]signal.Snapshot, error) {
	out := make(map[string]signal.Snapshot, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	tickers, err := p.source.Tickers(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.log.Warn().Err(err).Msg("ticker fetch failed, continuing with bars only")
	}

	var mu sync.Mutex
	sem := semaphore.NewWeighted(p.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for _, sym := range symbols {
		sym := sym
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			bars, err := p.source.Klines(gctx, sym, p.interval, p.limit)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.log.Warn().Err(err).Str("symbol", sym).Msg("klines fetch failed")
				return nil
			}
			snap := signal.Snapshot{Symbol: sym, Bars: bars}
			if t, ok := tickers[sym]; ok {
				t := t
				snap.Ticker = &t
			}
			mu.Lock()
			out[sym] = snap
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
