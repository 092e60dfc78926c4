// Package engine runs the poll loop: monitor open signals, detect new EMA
// touches, create signals and hand every event to the notifiers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/indicator"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/lifecycle"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/metrics"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/notify"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/position"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/store"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/strategy"
)

// Snapshotter fetches one cycle of market data.
type Snapshotter interface {
	Snapshot(ctx context.Context, symbols []string) (map[string]signal.Snapshot, error)
}

// Universe supplies the symbols to scan.
type Universe interface {
	Symbols() []string
	Refresh(ctx context.Context) error
	Start(ctx context.Context)
}

// Journal receives a durable copy of every event.
type Journal interface {
	RecordSignal(s *signal.Signal) error
	RecordUpdate(u signal.PositionUpdate) error
}

// Archiver keeps closed signals before cleanup removes them from the store.
type Archiver interface {
	Save(ctx context.Context, signals []*signal.Signal) error
}

// Deps are the collaborators of an Engine. Store, Manager, Strategy, Market
// and Universe are required.
type Deps struct {
	Store    *store.Store
	Manager  *lifecycle.Manager
	Monitor  *position.Monitor
	Strategy strategy.Strategy
	Market   Snapshotter
	Universe Universe
	Notifier notify.Notifier
	Ledger   *position.Ledger
	Journal  Journal
	Archive  Archiver
}

// Option tunes an Engine.
type Option func(*Engine)

// WithPollInterval sets the delay between cycles.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithEMAPeriod sets the average length and the timeframe label stored on signals.
func WithEMAPeriod(period int, timeframe string) Option {
	return func(e *Engine) {
		if period > 1 {
			e.period = period
		}
		if timeframe != "" {
			e.timeframe = timeframe
		}
	}
}

// WithHousekeeping sets how often bookmarks are flushed and closed signals
// older than cleanupAfter are archived and removed, in cycles.
func WithHousekeeping(flushEvery, cleanupEvery int, cleanupAfter time.Duration) Option {
	return func(e *Engine) {
		if flushEvery > 0 {
			e.flushEvery = flushEvery
		}
		if cleanupEvery > 0 {
			e.cleanupEvery = cleanupEvery
		}
		if cleanupAfter > 0 {
			e.cleanupAfter = cleanupAfter
		}
	}
}

// WithClock injects the time source used for marks and state.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine is the single cooperative poll loop.
type Engine struct {
	deps Deps

	pollInterval time.Duration
	period       int
	timeframe    string
	flushEvery   int
	cleanupEvery int
	cleanupAfter time.Duration
	now          func() time.Time

	mu    sync.RWMutex
	state RuntimeState

	log zerolog.Logger
}

// New validates deps and applies defaults: 30s polls, EMA 20 on 1h bars,
// flush every 50 cycles, cleanup every 100 cycles of signals older than 7 days.
func New(deps Deps, log zerolog.Logger, opts ...Option) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine: store is required")
	case deps.Manager == nil:
		return nil, errors.New("engine: lifecycle manager is required")
	case deps.Strategy == nil:
		return nil, errors.New("engine: strategy is required")
	case deps.Market == nil:
		return nil, errors.New("engine: market source is required")
	case deps.Universe == nil:
		return nil, errors.New("engine: universe is required")
	}
	if deps.Monitor == nil {
		deps.Monitor = position.NewMonitor()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(log)
	}
	if deps.Ledger == nil {
		deps.Ledger = position.NewLedger(500)
	}
	e := &Engine{
		deps:         deps,
		pollInterval: 30 * time.Second,
		period:       20,
		timeframe:    "1h",
		flushEvery:   50,
		cleanupEvery: 100,
		cleanupAfter: 7 * 24 * time.Hour,
		now:          time.Now,
		log:          log.With().Str("component", "engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.state.Strategy = deps.Strategy.Name()
	return e, nil
}

// State returns a copy of the runtime counters.
func (e *Engine) State() RuntimeState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Ledger exposes the recent update buffer.
func (e *Engine) Ledger() *position.Ledger { return e.deps.Ledger }

// Run loads bookmarks, selects the first universe, starts the universe
// refresh loop and polls until ctx is done. Bookmarks are flushed on the
// way out.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.deps.Manager.Bookmarks().Load(ctx, e.deps.Store); err != nil {
		e.log.Warn().Err(err).Msg("bookmark load failed, starting empty")
	}
	if err := e.deps.Universe.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Warn().Err(err).Msg("initial universe selection failed")
	}
	e.deps.Universe.Start(ctx)

	e.mu.Lock()
	e.state.StartedAt = e.now().UTC()
	e.state.Running = true
	e.mu.Unlock()
	e.log.Info().
		Dur("poll_interval", e.pollInterval).
		Int("ema_period", e.period).
		Str("timeframe", e.timeframe).
		Str("strategy", e.state.Strategy).
		Msg("engine started")

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		e.Cycle(ctx)
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	e.state.Running = false
	e.mu.Unlock()
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.deps.Manager.Bookmarks().Flush(flushCtx, e.deps.Store); err != nil {
		e.log.Error().Err(err).Msg("final bookmark flush failed")
	}
	e.log.Info().Msg("engine stopped")
}

// Cycle runs one poll: monitor first, then detection. Failures are logged and
// recorded in the state; nothing here stops the loop.
func (e *Engine) Cycle(ctx context.Context) {
	start := e.now()
	defer func() {
		if r := recover(); r != nil {
			e.fail(fmt.Errorf("cycle panic: %v", r))
		}
		metrics.CycleSeconds.Observe(time.Since(start).Seconds())
	}()

	symbols := e.deps.Universe.Symbols()
	active, err := e.deps.Store.ActiveSignals(ctx)
	if err != nil {
		e.fail(fmt.Errorf("load active signals: %w", err))
		return
	}

	snaps, err := e.deps.Market.Snapshot(ctx, union(symbols, active))
	if err != nil {
		e.fail(fmt.Errorf("market snapshot: %w", err))
		return
	}

	updates := e.monitor(ctx, active, snaps)

	// reload so detection sees positions closed a moment ago
	active, err = e.deps.Store.ActiveSignals(ctx)
	if err != nil {
		e.fail(fmt.Errorf("reload active signals: %w", err))
		return
	}
	metrics.ActiveSignals.Set(float64(len(active)))

	created := e.detect(ctx, symbols, active, snaps)

	e.mu.Lock()
	e.state.Cycles++
	cycle := e.state.Cycles
	e.state.LastCycle = e.now().UTC()
	e.state.LastCycleDuration = time.Since(start)
	e.state.SymbolsTracked = len(symbols)
	e.state.ActiveSignals = len(active)
	e.state.SignalsCreated += created
	e.state.UpdatesEmitted += updates
	e.mu.Unlock()

	e.housekeeping(ctx, cycle)
	e.log.Debug().
		Int64("cycle", cycle).
		Int("symbols", len(symbols)).
		Int("snapshots", len(snaps)).
		Int("active", len(active)).
		Int("created", created).
		Int("updates", updates).
		Dur("took", time.Since(start)).
		Msg("cycle finished")
}

// monitor evaluates every active signal, persists transitions and live marks
// and publishes the updates that were actually stored.
func (e *Engine) monitor(ctx context.Context, active []*signal.Signal, snaps map[string]signal.Snapshot) int {
	var moved []position.Transitioned
	var marked []*signal.Signal
	now := e.now().UTC().Truncate(time.Second)
	for _, sig := range active {
		snap, ok := snaps[sig.Symbol]
		if !ok {
			continue
		}
		res := e.evaluate(sig, snap)
		switch r := res.(type) {
		case position.Transitioned:
			if snap.Ticker != nil {
				position.Mark(r.Signal, snap.Ticker.Last)
			}
			moved = append(moved, r)
		case position.NoChange:
			c := sig.Clone()
			changed := position.ObserveBars(c, snap.Bars)
			if snap.Ticker != nil && position.Mark(c, snap.Ticker.Last) {
				changed = true
			}
			if changed {
				c.UpdatedAt = now
				marked = append(marked, c)
			}
		}
	}

	applied, err := e.deps.Store.SaveTransitions(ctx, moved)
	if err != nil {
		e.fail(fmt.Errorf("save transitions: %w", err))
		return 0
	}
	if err := e.deps.Store.SaveMarks(ctx, marked); err != nil {
		e.log.Warn().Err(err).Int("signals", len(marked)).Msg("save marks failed")
	}

	e.deps.Ledger.Record(applied...)
	for _, u := range applied {
		metrics.PositionUpdates.WithLabelValues(string(u.Level)).Inc()
		if e.deps.Journal != nil {
			if err := e.deps.Journal.RecordUpdate(u); err != nil {
				e.log.Warn().Err(err).Str("signal_id", u.SignalID).Msg("journal update failed")
			}
		}
		if err := e.deps.Notifier.NotifyUpdate(ctx, u); err != nil {
			e.log.Warn().Err(err).Str("signal_id", u.SignalID).Msg("update notification failed")
		}
	}
	return len(applied)
}

func (e *Engine) evaluate(sig *signal.Signal, snap signal.Snapshot) (res position.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("signal_id", sig.ID).Interface("panic", r).Msg("monitor panic")
			res = position.NoChange{}
		}
	}()
	return e.deps.Monitor.Evaluate(sig, snap.Bars, snap.Ticker)
}

// detect looks for touches on every universe symbol and creates signals.
func (e *Engine) detect(ctx context.Context, symbols []string, active []*signal.Signal, snaps map[string]signal.Snapshot) int {
	open := make(map[string]struct{}, len(active))
	for _, s := range active {
		open[s.Symbol] = struct{}{}
	}
	created := 0
	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		snap, ok := snaps[sym]
		if !ok {
			continue
		}
		sig := e.detectSymbol(ctx, snap, open)
		if sig == nil {
			continue
		}
		created++
		open[sig.Symbol] = struct{}{}
		if e.deps.Journal != nil {
			if err := e.deps.Journal.RecordSignal(sig); err != nil {
				e.log.Warn().Err(err).Str("signal_id", sig.ID).Msg("journal signal failed")
			}
		}
		if err := e.deps.Notifier.NotifySignal(ctx, sig); err != nil {
			e.log.Warn().Err(err).Str("signal_id", sig.ID).Msg("signal notification failed")
		}
	}
	return created
}

func (e *Engine) detectSymbol(ctx context.Context, snap signal.Snapshot, open map[string]struct{}) (created *signal.Signal) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("symbol", snap.Symbol).Interface("panic", r).Msg("detection panic")
			created = nil
		}
	}()

	closes := signal.Closes(snap.Bars)
	if !indicator.Ready(closes, e.period) {
		metrics.TouchSkips.WithLabelValues(string(strategy.ReasonEMAMissing)).Inc()
		return nil
	}
	bookmark, _ := e.deps.Manager.Bookmarks().Get(snap.Symbol)
	touch, reason := e.deps.Strategy.Detect(strategy.Input{
		Symbol:   snap.Symbol,
		Bars:     snap.Bars,
		EMA:      indicator.EMA(closes, e.period),
		Ticker:   snap.Ticker,
		Bookmark: bookmark,
		Active:   open,
	})
	if touch == nil {
		metrics.TouchSkips.WithLabelValues(string(reason)).Inc()
		if reason != strategy.ReasonNoTouch {
			e.log.Debug().Str("symbol", snap.Symbol).Str("reason", string(reason)).Msg("touch skipped")
		}
		return nil
	}

	sig, err := e.deps.Manager.Create(ctx, lifecycle.CreateRequest{
		Symbol:      touch.Symbol,
		Direction:   touch.Direction,
		EntryPrice:  touch.EntryPrice,
		EMAValue:    touch.EMA,
		CandleTime:  touch.CandleTime,
		PriceSource: string(touch.PriceSource),
		EMAPeriod:   e.period,
		Timeframe:   e.timeframe,
	})
	if err != nil {
		if _, ok := lifecycle.AsRejection(err); !ok {
			e.log.Error().Err(err).Str("symbol", snap.Symbol).Msg("create signal failed")
		}
		return nil
	}
	return sig
}

func (e *Engine) housekeeping(ctx context.Context, cycle int64) {
	if cycle%int64(e.flushEvery) == 0 {
		if err := e.deps.Manager.Bookmarks().Flush(ctx, e.deps.Store); err != nil {
			e.log.Warn().Err(err).Msg("bookmark flush failed")
		}
	}
	if cycle%int64(e.cleanupEvery) == 0 {
		var keep func([]*signal.Signal) error
		if e.deps.Archive != nil {
			keep = func(sigs []*signal.Signal) error { return e.deps.Archive.Save(ctx, sigs) }
		}
		if _, err := e.deps.Store.Cleanup(ctx, e.cleanupAfter, keep); err != nil {
			e.log.Warn().Err(err).Msg("cleanup failed")
		}
	}
}

func (e *Engine) fail(err error) {
	e.log.Error().Err(err).Msg("cycle error")
	e.mu.Lock()
	e.state.LastError = err.Error()
	e.state.LastErrorAt = e.now().UTC()
	e.state.Errors++
	e.mu.Unlock()
}

// union returns the universe symbols followed by any symbol that still has
// an active signal but dropped out of the universe.
func union(symbols []string, active []*signal.Signal) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := append([]string(nil), symbols...)
	for _, s := range symbols {
		seen[s] = struct{}{}
	}
	var extra []string
	for _, s := range active {
		if _, ok := seen[s.Symbol]; ok {
			continue
		}
		seen[s.Symbol] = struct{}{}
		extra = append(extra, s.Symbol)
	}
	sort.Strings(extra)
	return append(out, extra...)
}
