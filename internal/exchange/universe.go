package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/metrics"
)

// UniverseConfig controls symbol selection.
type UniverseConfig struct {
	Count           int
	MinVolume       decimal.Decimal
	Priority        []string
	ExcludePatterns []string
	Manual          []string
	RefreshInterval time.Duration
}

// DefaultUniverseConfig mirrors the production selection rules.
func DefaultUniverseConfig() UniverseConfig {
	return UniverseConfig{
		Count:           70,
		MinVolume:       decimal.NewFromInt(1_000_000),
		Priority:        []string{"BTC-USDT", "ETH-USDT", "BNB-USDT"},
		ExcludePatterns: []string{"X-USDT", "TOWNS-USDT"},
		RefreshInterval: 10 * time.Minute,
	}
}

type candidate struct {
	symbol string
	volume decimal.Decimal
}

// Universe keeps the set of symbols worth polling, ranked by 24h quote volume.
type Universe struct {
	log     zerolog.Logger
	source  MarketSource
	cfg     UniverseConfig
	mu      sync.RWMutex
	symbols []string
	lastSet []string
	updated time.Time
}

// NewUniverse builds a universe over source; call Refresh or Start to populate it.
func NewUniverse(log zerolog.Logger, source MarketSource, cfg UniverseConfig) *Universe {
	if cfg.Count <= 0 {
		cfg.Count = 70
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Minute
	}
	return &Universe{log: log.With().Str("component", "universe").Logger(), source: source, cfg: cfg}
}

// Symbols returns the current selection.
func (u *Universe) Symbols() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]string(nil), u.symbols...)
}

// UpdatedAt is when the selection last changed or was confirmed.
func (u *Universe) UpdatedAt() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.updated
}

// Start refreshes on the configured interval until ctx is done. The first
// refresh is expected to have run already.
func (u *Universe) Start(ctx context.Context) {
	go u.loop(ctx)
}

func (u *Universe) loop(ctx context.Context) {
	ticker := time.NewTicker(u.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.Refresh(ctx); err != nil {
				u.log.Warn().Err(err).Msg("symbol universe refresh failed")
			}
		}
	}
}

// Refresh performs a single selection cycle. On failure the previous
// selection stays in place.
func (u *Universe) Refresh(ctx context.Context) error {
	candidates, err := u.discover(ctx)
	if err != nil {
		return err
	}
	selected := make([]string, len(candidates))
	for i, c := range candidates {
		selected[i] = c.symbol
	}
	combined := mergeSymbols(u.cfg.Manual, selected)

	u.mu.Lock()
	u.symbols = combined
	u.updated = time.Now()
	u.mu.Unlock()
	metrics.TrackedSymbols.Set(float64(len(combined)))
	u.logDiscoveryChange(combined, candidates)
	return nil
}

func (u *Universe) discover(ctx context.Context) ([]candidate, error) {
	contracts, err := u.source.Contracts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load contracts: %w", err)
	}
	tickers, err := u.source.Tickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tickers: %w", err)
	}
	priority := make(map[string]struct{}, len(u.cfg.Priority))
	for _, sym := range u.cfg.Priority {
		priority[sym] = struct{}{}
	}

	candidates := make([]candidate, 0, len(contracts))
	for _, c := range contracts {
		if !c.Tradable() || u.excluded(c.Symbol) {
			continue
		}
		var volume decimal.Decimal
		if t, ok := tickers[c.Symbol]; ok {
			volume = t.QuoteVolume
		}
		if _, prio := priority[c.Symbol]; !prio && volume.LessThan(u.cfg.MinVolume) {
			continue
		}
		candidates = append(candidates, candidate{symbol: c.Symbol, volume: volume})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].volume.Equal(candidates[j].volume) {
			return candidates[i].symbol < candidates[j].symbol
		}
		return candidates[i].volume.GreaterThan(candidates[j].volume)
	})
	if len(candidates) > u.cfg.Count {
		candidates = candidates[:u.cfg.Count]
	}
	return candidates, nil
}

func (u *Universe) excluded(symbol string) bool {
	for _, p := range u.cfg.ExcludePatterns {
		if p != "" && strings.Contains(symbol, p) {
			return true
		}
	}
	return false
}

func (u *Universe) logDiscoveryChange(combined []string, discovered []candidate) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if slicesEqual(combined, u.lastSet) {
		return
	}
	prev := append([]string(nil), u.lastSet...)
	u.lastSet = append([]string(nil), combined...)
	limit := len(discovered)
	if limit > 10 {
		limit = 10
	}
	top := make([]string, limit)
	for i := 0; i < limit; i++ {
		top[i] = fmt.Sprintf("%s(vol=%s)", discovered[i].symbol, discovered[i].volume.StringFixed(0))
	}
	u.log.Info().
		Int("count", len(combined)).
		Strs("top", top).
		Strs("manual", u.cfg.Manual).
		Int("previous_count", len(prev)).
		Msg("updated symbol universe")
}

// mergeSymbols unions manual and discovered symbols. Manual entries come
// first, discovered ones keep their volume ranking.
func mergeSymbols(manual, discovered []string) []string {
	seen := make(map[string]struct{}, len(manual)+len(discovered))
	out := make([]string, 0, len(manual)+len(discovered))
	for _, list := range [][]string{manual, discovered} {
		for _, sym := range list {
			sym = strings.TrimSpace(sym)
			if sym == "" {
				continue
			}
			if _, ok := seen[sym]; ok {
				continue
			}
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	return out
}

func slicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
