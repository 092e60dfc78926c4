// Package strategy turns bar history into directional touch signals.
package strategy

import (
	"strings"
	"time"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/indicator"
)

// Strategy defines behaviour shared by detector implementations used by the bot.
type Strategy interface {
	Detect(in Input) (*Touch, Reason)
	Name() string
}

// Params expresses tunable knobs required by strategy constructors.
type Params struct {
	Tolerance float64
	Epsilon   float64
	MaxAge    time.Duration
	Now       func() time.Time
}

// Build returns a strategy implementation matching the configured mode.
func Build(mode string, params Params) Strategy {
	opts := []Option{WithMaxAge(params.MaxAge), WithClock(params.Now)}
	if params.Tolerance > 0 {
		opts = append(opts, WithTolerance(params.Tolerance))
	}
	if params.Epsilon > 0 {
		opts = append(opts, WithEpsilon(params.Epsilon))
	}
	touch := NewTouchDetector(opts...)
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "touch_slope", "ema_touch_slope", "slope":
		return &SlopeFiltered{inner: touch}
	default:
		return touch
	}
}

// SlopeFiltered runs the touch detector and then rejects touches whose
// direction fights the closed EMA slope.
type SlopeFiltered struct {
	inner Strategy
}

// NewSlopeFiltered wraps an existing strategy.
func NewSlopeFiltered(inner Strategy) *SlopeFiltered { return &SlopeFiltered{inner: inner} }

// Name returns the identifier used in logs.
func (s *SlopeFiltered) Name() string { return s.inner.Name() + "+slope" }

// Detect delegates to the wrapped strategy then applies ValidateDirection.
func (s *SlopeFiltered) Detect(in Input) (*Touch, Reason) {
	touch, reason := s.inner.Detect(in)
	if touch == nil {
		return nil, reason
	}
	prev, ok := indicator.PrevClosed(in.EMA)
	if !ok {
		return nil, ReasonEMAMissing
	}
	if ok, reason := ValidateDirection(touch.Direction, touch.Close, touch.EMA, prev); !ok {
		return nil, reason
	}
	return touch, ""
}
