package position

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/precision"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

// WideBarPolicy decides what happens when one bar spans both TP1 and TP2.
type WideBarPolicy string

const (
	// PolicyTP2First closes the whole position at TP2.
	PolicyTP2First WideBarPolicy = "tp2_first"
	// PolicyTP1ThenTP2 banks the TP1 half first and then closes the rest at TP2.
	PolicyTP1ThenTP2 WideBarPolicy = "tp1_then_tp2"
)

// ParseWideBarPolicy falls back to PolicyTP2First for unknown input.
func ParseWideBarPolicy(s string) WideBarPolicy {
	if WideBarPolicy(s) == PolicyTP1ThenTP2 {
		return PolicyTP1ThenTP2
	}
	return PolicyTP2First
}

// Result is the outcome of evaluating one signal. It is either NoChange or
// Transitioned.
type Result interface {
	isResult()
}

// NoChange means no level was reached.
type NoChange struct{}

// Transitioned carries the updated signal and every update it produced, in order.
type Transitioned struct {
	Signal  *signal.Signal
	Updates []signal.PositionUpdate
}

func (NoChange) isResult()     {}
func (Transitioned) isResult() {}

// Monitor replays closed bars against active signals.
type Monitor struct {
	policy   WideBarPolicy
	cooldown time.Duration
	notional decimal.Decimal
	now      func() time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithPolicy sets the wide-bar policy.
func WithPolicy(p WideBarPolicy) MonitorOption {
	return func(m *Monitor) { m.policy = p }
}

// WithCooldown sets how long a symbol stays blocked after a signal closes.
func WithCooldown(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d >= 0 {
			m.cooldown = d
		}
	}
}

// WithNotional sets the reference position size for absolute PnL.
func WithNotional(v decimal.Decimal) MonitorOption {
	return func(m *Monitor) {
		if v.IsPositive() {
			m.notional = v
		}
	}
}

// WithMonitorClock injects the wall clock.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor returns a monitor with TP2-first policy and a one hour cooldown.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		policy:   PolicyTP2First,
		cooldown: time.Hour,
		notional: decimal.NewFromInt(1000),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Evaluate replays the closed bars of series (all but the last) in time order
// against sig. Bars before MonitorFrom or not after LastEvaluatedBar are
// ignored. When no closed bar exists the ticker's last price is used once.
// The input signal is never mutated.
func (m *Monitor) Evaluate(sig *signal.Signal, series []signal.Bar, ticker *signal.Ticker) Result {
	if sig == nil || !sig.Active() {
		return NoChange{}
	}
	s := sig.Clone()
	closed := closedBars(series)

	var updates []signal.PositionUpdate
	for _, bar := range closed {
		if !pending(s, bar) {
			continue
		}
		observe(s, bar)
		updates = append(updates, m.step(s, bar.High, bar.Low, decimal.Zero, fmt.Sprintf("bar %s", signal.FormatBookmark(bar.Time)))...)
		if !s.Active() {
			break
		}
	}

	if len(closed) == 0 && len(updates) == 0 && ticker != nil && ticker.Last.IsPositive() {
		updates = m.step(s, ticker.Last, ticker.Last, ticker.Last, "ticker fallback")
	}

	if len(updates) == 0 {
		return NoChange{}
	}
	return Transitioned{Signal: s, Updates: updates}
}

// ObserveBars records the excursion of closed bars that Evaluate has not seen
// yet and advances LastEvaluatedBar past them. Call it only after Evaluate
// reported NoChange for the same series. It reports whether s changed.
func ObserveBars(s *signal.Signal, series []signal.Bar) bool {
	if s == nil || !s.Active() {
		return false
	}
	changed := false
	for _, bar := range closedBars(series) {
		if pending(s, bar) {
			observe(s, bar)
			changed = true
		}
	}
	return changed
}

func closedBars(series []signal.Bar) []signal.Bar {
	if len(series) < 2 {
		return nil
	}
	closed := append([]signal.Bar(nil), series[:len(series)-1]...)
	sort.SliceStable(closed, func(i, j int) bool { return closed[i].Time.Before(closed[j].Time) })
	return closed
}

// pending reports whether bar is valid, inside the monitoring window and not
// yet replayed.
func pending(s *signal.Signal, bar signal.Bar) bool {
	if bar.Time.Before(s.MonitorFrom) || !bar.Time.After(s.LastEvaluatedBar) {
		return false
	}
	return bar.Valid() == nil
}

func observe(s *signal.Signal, bar signal.Bar) {
	excursion(s, bar.High)
	excursion(s, bar.Low)
	s.LastEvaluatedBar = bar.Time
}

// step applies SL, then TP2, then TP1 to a single high/low range. A non-zero
// mark is reported as the triggering price instead of the level price.
func (m *Monitor) step(s *signal.Signal, high, low, mark decimal.Decimal, note string) []signal.PositionUpdate {
	long := s.Direction == signal.Long
	var slHit, tp2Hit, tp1Hit bool
	if long {
		slHit = low.LessThanOrEqual(s.SLPrice)
		tp2Hit = high.GreaterThanOrEqual(s.TP2Price)
		tp1Hit = high.GreaterThanOrEqual(s.TP1Price)
	} else {
		slHit = high.GreaterThanOrEqual(s.SLPrice)
		tp2Hit = low.LessThanOrEqual(s.TP2Price)
		tp1Hit = low.LessThanOrEqual(s.TP1Price)
	}

	switch {
	case slHit:
		return []signal.PositionUpdate{m.close(s, signal.LevelSL, s.SLPrice, mark, note)}
	case tp2Hit:
		var out []signal.PositionUpdate
		if m.policy == PolicyTP1ThenTP2 && s.Status == signal.StatusOpen {
			out = append(out, m.partial(s, mark, note))
		}
		return append(out, m.close(s, signal.LevelTP2, s.TP2Price, mark, note))
	case tp1Hit && s.Status == signal.StatusOpen:
		return []signal.PositionUpdate{m.partial(s, mark, note)}
	}
	return nil
}

func (m *Monitor) partial(s *signal.Signal, mark decimal.Decimal, note string) signal.PositionUpdate {
	u := m.realize(s, signal.LevelTP1, s.TP1Price, mark, note)
	s.Status = signal.StatusPartial
	s.PartialHit = true
	s.SLPrice = s.EntryPrice
	u.NewStatus = s.Status
	s.History = append(s.History, signal.Event{Time: u.Time, Kind: "SL_TO_BREAKEVEN", Status: s.Status, Price: s.SLPrice})
	return u
}

func (m *Monitor) close(s *signal.Signal, level signal.Level, price, mark decimal.Decimal, note string) signal.PositionUpdate {
	u := m.realize(s, level, price, mark, note)
	now := u.Time
	cooldown := now.Add(m.cooldown)
	s.Status = signal.StatusClosed
	s.ClosedAt = &now
	s.CooldownUntil = &cooldown
	if level == signal.LevelSL {
		s.ExitReason = signal.ExitSL
	} else {
		s.ExitReason = signal.ExitTP2
	}
	u.NewStatus = s.Status
	return u
}

// realize books one leg and returns the update with OldStatus filled in.
func (m *Monitor) realize(s *signal.Signal, level signal.Level, price, mark decimal.Decimal, note string) signal.PositionUpdate {
	now := m.now().UTC()
	weight := exitWeight(level, s.PartialHit)
	pnl, err := WeightedPnL(s.Direction, s.EntryPrice, []Leg{{Price: price, Weight: weight}})
	if err != nil {
		pnl = decimal.Zero
	}
	abs := precision.Round(pnl.Div(hundred).Mul(m.notional), 2)

	trigger := price
	if mark.IsPositive() {
		trigger = mark
	}
	old := s.Status
	s.PnLHistory = append(s.PnLHistory, signal.PnLRecord{
		Time:        now,
		Level:       level,
		Price:       price,
		Weight:      weight,
		PnLPercent:  pnl,
		PnLAbsolute: abs,
	})
	s.RealizedPnL = s.RealizedPnL.Add(pnl)
	s.CurrentPrice = trigger
	s.UpdatedAt = now
	s.History = append(s.History, signal.Event{Time: now, Kind: string(level) + "_HIT", Status: old, Price: price, Note: note})

	return signal.PositionUpdate{
		SignalID:   s.ID,
		Symbol:     s.Symbol,
		Direction:  s.Direction,
		Price:      trigger,
		OldStatus:  old,
		Level:      level,
		PnLPercent: pnl,
		Time:       now,
	}
}

// Mark records the live price and updates the best and worst unrealized
// excursion in percent. It reports whether anything changed.
func Mark(s *signal.Signal, price decimal.Decimal) bool {
	if s == nil || !s.Active() || !price.IsPositive() {
		return false
	}
	changed := !s.CurrentPrice.Equal(price)
	s.CurrentPrice = price
	return excursion(s, price) || changed
}

func excursion(s *signal.Signal, price decimal.Decimal) bool {
	pnl, err := WeightedPnL(s.Direction, s.EntryPrice, []Leg{{Price: price, Weight: WeightFull}})
	if err != nil {
		return false
	}
	changed := false
	if pnl.GreaterThan(s.MaxProfit) {
		s.MaxProfit = pnl
		changed = true
	}
	if pnl.LessThan(s.MaxDrawdown) {
		s.MaxDrawdown = pnl
		changed = true
	}
	return changed
}
