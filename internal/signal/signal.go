// Package signal standardizes payloads shared between market data, strategy,
// position tracking and notification layers.
package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side a signal trades.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ParseDirection normalises case and rejects anything but LONG or SHORT.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToUpper(strings.TrimSpace(s))); d {
	case Long, Short:
		return d, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Status is the lifecycle state of a signal.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusPartial Status = "PARTIAL"
	StatusClosed  Status = "CLOSED"
)

// Active reports whether the status still needs monitoring.
func (s Status) Active() bool { return s == StatusOpen || s == StatusPartial }

// Level identifies which price level triggered a transition.
type Level string

const (
	LevelTP1 Level = "TP1"
	LevelTP2 Level = "TP2"
	LevelSL  Level = "SL"
)

// ExitReason records why a signal reached CLOSED.
type ExitReason string

const (
	ExitSL  ExitReason = "SL_HIT"
	ExitTP2 ExitReason = "TP2_HIT"
)

// Bar is one OHLC interval. Time marks the interval start in UTC.
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Valid rejects bars with non-positive prices or an inverted range.
func (b Bar) Valid() error {
	if b.Time.IsZero() {
		return fmt.Errorf("bar missing timestamp")
	}
	for name, v := range map[string]decimal.Decimal{"open": b.Open, "high": b.High, "low": b.Low, "close": b.Close} {
		if !v.IsPositive() {
			return fmt.Errorf("bar %s must be positive, got %s", name, v)
		}
	}
	if b.High.LessThan(b.Low) {
		return fmt.Errorf("bar high %s below low %s", b.High, b.Low)
	}
	return nil
}

// Closes extracts closing prices as floats for indicator math.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

// Ticker is the live quote for a symbol.
type Ticker struct {
	Symbol      string          `json:"symbol"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	Last        decimal.Decimal `json:"last"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
}

var two = decimal.NewFromInt(2)

// Mid returns the bid/ask midpoint when both sides are quoted.
func (t Ticker) Mid() (decimal.Decimal, bool) {
	if !t.Bid.IsPositive() || !t.Ask.IsPositive() {
		return decimal.Zero, false
	}
	return t.Bid.Add(t.Ask).Div(two), true
}

// Snapshot is everything one poll cycle knows about a symbol.
type Snapshot struct {
	Symbol string
	Bars   []Bar
	Ticker *Ticker
}

// PnLRecord is one realized leg of a signal.
type PnLRecord struct {
	Time        time.Time       `json:"timestamp"`
	Level       Level           `json:"level_type"`
	Price       decimal.Decimal `json:"price"`
	Weight      decimal.Decimal `json:"weight"`
	PnLPercent  decimal.Decimal `json:"pnl_percentage"`
	PnLAbsolute decimal.Decimal `json:"pnl_absolute"`
}

// Event is an entry in a signal's audit history.
type Event struct {
	Time   time.Time       `json:"ts"`
	Kind   string          `json:"event"`
	Status Status          `json:"status"`
	Price  decimal.Decimal `json:"price"`
	Note   string          `json:"note,omitempty"`
}

// Signal is the persisted record of one trade idea and its progress.
type Signal struct {
	ID        string    `json:"signal_id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`

	EntryPrice decimal.Decimal `json:"entry_price"`
	SLPrice    decimal.Decimal `json:"sl_price"`
	TP1Price   decimal.Decimal `json:"tp1_price"`
	TP2Price   decimal.Decimal `json:"tp2_price"`

	Status     Status     `json:"status"`
	PartialHit bool       `json:"partial_hit"`
	ExitReason ExitReason `json:"exit_reason,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	EntryCandleTime  time.Time  `json:"entry_candle_time"`
	MonitorFrom      time.Time  `json:"monitor_from"`
	LastEvaluatedBar time.Time  `json:"last_evaluated_bar"`
	CooldownUntil    *time.Time `json:"cooldown_until,omitempty"`

	CurrentPrice decimal.Decimal `json:"current_price"`
	RealizedPnL  decimal.Decimal `json:"final_pnl"`
	MaxProfit    decimal.Decimal `json:"max_profit"`
	MaxDrawdown  decimal.Decimal `json:"max_drawdown"`
	PnLHistory   []PnLRecord     `json:"pnl_history"`

	EMAPeriod        int             `json:"ema_used_period"`
	EMAValue         decimal.Decimal `json:"ema_value"`
	EMATimeframe     string          `json:"ema_tf"`
	EntryPriceSource string          `json:"entry_price_source"`

	History []Event `json:"history"`
}

// Active reports whether the signal is OPEN or PARTIAL.
func (s *Signal) Active() bool { return s.Status.Active() }

// Clone returns a deep copy so callers can mutate without aliasing slices.
func (s *Signal) Clone() *Signal {
	out := *s
	out.PnLHistory = append([]PnLRecord(nil), s.PnLHistory...)
	out.History = append([]Event(nil), s.History...)
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		out.ClosedAt = &t
	}
	if s.CooldownUntil != nil {
		t := *s.CooldownUntil
		out.CooldownUntil = &t
	}
	return &out
}

// PositionUpdate is emitted for every status-changing transition.
type PositionUpdate struct {
	SignalID   string          `json:"signal_id"`
	Symbol     string          `json:"symbol"`
	Direction  Direction       `json:"direction"`
	Price      decimal.Decimal `json:"triggering_price"`
	OldStatus  Status          `json:"old_status"`
	NewStatus  Status          `json:"new_status"`
	Level      Level           `json:"triggered_level"`
	PnLPercent decimal.Decimal `json:"pnl_percentage"`
	Time       time.Time       `json:"timestamp"`
}

// Closed reports whether the update finished the position.
func (u PositionUpdate) Closed() bool { return u.NewStatus == StatusClosed }
