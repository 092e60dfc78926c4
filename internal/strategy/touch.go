package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/indicator"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/precision"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

// Reason is the machine-readable outcome of a rejected detection.
type Reason string

const (
	ReasonCandleTooOld          Reason = "candle_too_old"
	ReasonEMAMissing            Reason = "ema_missing"
	ReasonNoTouch               Reason = "no_touch"
	ReasonAlreadySignaled       Reason = "already_signaled_on_this_candle"
	ReasonPositionOpen          Reason = "position_already_open"
	ReasonPriceBelowEMAForLong  Reason = "current_price_below_ema_for_long"
	ReasonPriceAboveEMAForShort Reason = "current_price_above_ema_for_short"
	ReasonSlopeAgainstLong      Reason = "ema_slope_against_long"
	ReasonSlopeAgainstShort     Reason = "ema_slope_against_short"
	ReasonInvalidInput          Reason = "invalid_input"
)

// PriceSource records where the entry price came from.
type PriceSource string

const (
	SourceMid         PriceSource = "mid"
	SourceCandleClose PriceSource = "candle_close"
)

const (
	DefaultTolerance = 0.001
	DefaultMaxAge    = 3 * time.Hour
	DefaultEpsilon   = 0.00005
)

// Input is what the detector needs for one symbol in one poll.
type Input struct {
	Symbol string
	// Bars are ascending; the last one is still in progress.
	Bars []signal.Bar
	// EMA is aligned with Bars.
	EMA      []float64
	Ticker   *signal.Ticker
	Bookmark time.Time
	// Active holds symbols that currently have an OPEN or PARTIAL signal.
	Active map[string]struct{}
}

// Touch is a successful detection.
type Touch struct {
	Symbol      string
	Direction   signal.Direction
	EntryPrice  decimal.Decimal
	CandleTime  time.Time
	EMA         decimal.Decimal
	PriceSource PriceSource
	// Close is the in-progress bar close the direction was taken from.
	Close decimal.Decimal
}

// TouchDetector decides whether the in-progress bar touched the last closed EMA.
type TouchDetector struct {
	tolerance decimal.Decimal
	epsilon   decimal.Decimal
	maxAge    time.Duration
	now       func() time.Time
}

// Option configures a TouchDetector.
type Option func(*TouchDetector)

// WithTolerance sets the touch band as a fraction of the EMA.
func WithTolerance(fraction float64) Option {
	return func(d *TouchDetector) {
		if v, err := precision.FromFloat(fraction); err == nil && !v.IsNegative() {
			d.tolerance = v
		}
	}
}

// WithEpsilon sets the side-of-average tolerance as a fraction of the EMA.
func WithEpsilon(fraction float64) Option {
	return func(d *TouchDetector) {
		if v, err := precision.FromFloat(fraction); err == nil && !v.IsNegative() {
			d.epsilon = v
		}
	}
}

// WithMaxAge sets how old the in-progress bar may be before the feed is considered stalled.
func WithMaxAge(age time.Duration) Option {
	return func(d *TouchDetector) {
		if age > 0 {
			d.maxAge = age
		}
	}
}

// WithClock injects the wall clock.
func WithClock(now func() time.Time) Option {
	return func(d *TouchDetector) {
		if now != nil {
			d.now = now
		}
	}
}

// NewTouchDetector builds a detector with default thresholds.
func NewTouchDetector(opts ...Option) *TouchDetector {
	d := &TouchDetector{
		tolerance: decimal.NewFromFloat(DefaultTolerance),
		epsilon:   decimal.NewFromFloat(DefaultEpsilon),
		maxAge:    DefaultMaxAge,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the identifier used in logs.
func (d *TouchDetector) Name() string { return "ema_touch" }

// Detect runs the checks in order and stops at the first failure.
func (d *TouchDetector) Detect(in Input) (*Touch, Reason) {
	if len(in.Bars) == 0 {
		return nil, ReasonEMAMissing
	}
	current := in.Bars[len(in.Bars)-1]
	if err := current.Valid(); err != nil {
		return nil, ReasonInvalidInput
	}

	if d.now().Sub(current.Time) > d.maxAge {
		return nil, ReasonCandleTooOld
	}

	emaLast, ok := indicator.LastClosed(in.EMA)
	if !ok {
		return nil, ReasonEMAMissing
	}
	ema, err := precision.Price(emaLast)
	if err != nil {
		return nil, ReasonInvalidInput
	}

	tol := precision.Mul(ema, d.tolerance)
	if precision.Sub(current.Low, tol).GreaterThan(ema) || ema.GreaterThan(precision.Add(current.High, tol)) {
		return nil, ReasonNoTouch
	}

	candleTime := current.Time.UTC().Truncate(time.Second)
	if !in.Bookmark.IsZero() && in.Bookmark.Equal(candleTime) {
		return nil, ReasonAlreadySignaled
	}

	if _, open := in.Active[in.Symbol]; open {
		return nil, ReasonPositionOpen
	}

	price, source := current.Close, SourceCandleClose
	if in.Ticker != nil {
		if mid, ok := in.Ticker.Mid(); ok {
			price, source = mid, SourceMid
		}
	}

	band := precision.Mul(ema, d.epsilon)
	direction := signal.Short
	if current.Close.GreaterThan(ema) {
		direction = signal.Long
		if price.LessThan(precision.Sub(ema, band)) {
			return nil, ReasonPriceBelowEMAForLong
		}
	} else if price.GreaterThan(precision.Add(ema, band)) {
		return nil, ReasonPriceAboveEMAForShort
	}

	return &Touch{
		Symbol:      in.Symbol,
		Direction:   direction,
		EntryPrice:  price,
		CandleTime:  candleTime,
		EMA:         ema,
		PriceSource: source,
		Close:       current.Close,
	}, ""
}
