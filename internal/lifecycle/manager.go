// Package lifecycle creates signals. Every check that decides whether a new
// signal may exist runs inside one locked read-modify-write of the store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/metrics"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/risk"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/store"
)

// CreateRequest carries everything needed to open a signal.
type CreateRequest struct {
	Symbol      string           `validate:"required"`
	Direction   signal.Direction `validate:"required,oneof=LONG SHORT"`
	EntryPrice  decimal.Decimal  `validate:"gt=0"`
	EMAValue    decimal.Decimal  `validate:"gt=0"`
	CandleTime  time.Time        `validate:"required"`
	PriceSource string
	EMAPeriod   int `validate:"gte=0"`
	Timeframe   string
}

// Option configures a Manager.
type Option func(*Manager)

// WithInterval sets the bar length added to the entry bar to get monitor_from.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithThrottle replaces the global creation limiter.
func WithThrottle(t *risk.Throttle) Option {
	return func(m *Manager) {
		if t != nil {
			m.throttle = t
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// WithBookmarks shares an existing bookmark set.
func WithBookmarks(b *Bookmarks) Option {
	return func(m *Manager) {
		if b != nil {
			m.bookmarks = b
		}
	}
}

// Manager owns signal creation and the per-symbol bar bookmarks.
type Manager struct {
	store     *store.Store
	bookmarks *Bookmarks
	throttle  *risk.Throttle
	validate  *validator.Validate
	interval  time.Duration
	now       func() time.Time
	newID     func() string
	log       zerolog.Logger
}

// NewManager wires a manager to st. Defaults: 1h bars, 5 creations per minute.
func NewManager(st *store.Store, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		validate: newValidator(),
		interval: time.Hour,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		log:      log.With().Str("component", "lifecycle").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.throttle == nil {
		m.throttle = risk.NewThrottle(5, time.Minute, m.now)
	}
	if m.bookmarks == nil {
		m.bookmarks = NewBookmarks(3*time.Hour, m.now)
	}
	return m
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Bookmarks exposes the in-memory bookmark set.
func (m *Manager) Bookmarks() *Bookmarks { return m.bookmarks }

// Throttle exposes the global limiter.
func (m *Manager) Throttle() *risk.Throttle { return m.throttle }

// Create validates req and, under the store lock, checks for an active
// duplicate, a symbol cooldown, a repeated entry bar and the global throttle
// in that order. A refused request returns a *Rejection.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*signal.Signal, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, m.reject(req, nil, ReasonInvalid, err.Error())
	}
	candle, err := signal.ParseTimestamp(req.CandleTime)
	if err != nil {
		return nil, m.reject(req, nil, ReasonInvalid, err.Error())
	}
	levels, err := risk.ComputeLevels(req.Direction, req.EntryPrice)
	if err != nil {
		return nil, m.reject(req, nil, ReasonInvalid, err.Error())
	}

	var created *signal.Signal
	err = m.store.Update(ctx, func(doc *store.Document) error {
		now := m.now().UTC().Truncate(time.Second)
		if open := doc.OpenSignal(req.Symbol, req.Direction); open != nil {
			return &Rejection{Reason: ReasonDuplicate, Symbol: req.Symbol, Detail: "active " + open.ID}
		}
		if until, ok := doc.CooldownUntil(req.Symbol, now); ok {
			return &Rejection{Reason: ReasonCooldown, Symbol: req.Symbol, Detail: "until " + until.Format(time.RFC3339)}
		}
		if m.sameBar(doc, req.Symbol, candle) {
			return &Rejection{Reason: ReasonDuplicateCandle, Symbol: req.Symbol, Detail: signal.FormatBookmark(candle)}
		}
		if !m.throttle.Allow() {
			return &Rejection{Reason: ReasonThrottle, Symbol: req.Symbol, Detail: fmt.Sprintf("limit %d", m.throttle.Limit())}
		}

		created = m.build(req, levels, candle, now)
		doc.AddSignal(created)
		doc.SetBookmark(req.Symbol, candle)
		return nil
	})
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			return nil, m.reject(req, &candle, rej.Reason, rej.Detail)
		}
		if errors.Is(err, store.ErrLockTimeout) {
			return nil, m.reject(req, &candle, ReasonLockTimeout, err.Error())
		}
		return nil, fmt.Errorf("create signal %s %s: %w", req.Symbol, req.Direction, err)
	}

	m.bookmarks.Set(req.Symbol, candle)
	metrics.SignalsCreated.WithLabelValues(created.Symbol, string(created.Direction)).Inc()
	m.log.Info().
		Str("signal_id", created.ID).
		Str("symbol", created.Symbol).
		Str("direction", string(created.Direction)).
		Str("entry", created.EntryPrice.String()).
		Str("sl", created.SLPrice.String()).
		Str("tp1", created.TP1Price.String()).
		Str("tp2", created.TP2Price.String()).
		Time("candle_time", candle).
		Msg("signal created")
	return created, nil
}

func (m *Manager) sameBar(doc *store.Document, symbol string, candle time.Time) bool {
	if t, ok := m.bookmarks.Get(symbol); ok && t.Equal(candle) {
		return true
	}
	if t, ok := doc.Bookmark(symbol); ok && t.Equal(candle) {
		return true
	}
	return false
}

func (m *Manager) build(req CreateRequest, levels risk.Levels, candle, now time.Time) *signal.Signal {
	source := req.PriceSource
	if source == "" {
		source = "mid"
	}
	return &signal.Signal{
		ID:               m.newID(),
		Symbol:           req.Symbol,
		Direction:        req.Direction,
		EntryPrice:       req.EntryPrice,
		SLPrice:          levels.SL,
		TP1Price:         levels.TP1,
		TP2Price:         levels.TP2,
		Status:           signal.StatusOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
		EntryCandleTime:  candle,
		MonitorFrom:      candle.Add(m.interval),
		CurrentPrice:     req.EntryPrice,
		EMAPeriod:        req.EMAPeriod,
		EMAValue:         req.EMAValue,
		EMATimeframe:     req.Timeframe,
		EntryPriceSource: source,
		History: []signal.Event{{
			Time:   now,
			Kind:   "CREATED",
			Status: signal.StatusOpen,
			Price:  req.EntryPrice,
		}},
	}
}

func (m *Manager) reject(req CreateRequest, candle *time.Time, reason Reason, detail string) error {
	metrics.SignalRejections.WithLabelValues(string(reason)).Inc()
	ev := m.log.Info().
		Str("symbol", req.Symbol).
		Str("direction", string(req.Direction)).
		Str("reason", string(reason))
	if candle != nil {
		ev = ev.Time("candle_time", *candle)
	}
	if detail != "" {
		ev = ev.Str("detail", detail)
	}
	if reason == ReasonThrottle {
		ev = ev.Int("limit_per_window", m.throttle.Limit())
	}
	ev.Msg("signal rejected")
	return &Rejection{Reason: reason, Symbol: req.Symbol, Detail: detail}
}
