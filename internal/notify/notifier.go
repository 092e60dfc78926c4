// Package notify delivers new signals and position updates to the outside
// world: Telegram subscribers, websocket clients and the log.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/metrics"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

// Notifier receives lifecycle events.
type Notifier interface {
	NotifySignal(ctx context.Context, s *signal.Signal) error
	NotifyUpdate(ctx context.Context, u signal.PositionUpdate) error
}

// Multi fans every event out to all registered notifiers. A failing or
// panicking notifier does not stop delivery to the rest.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       zerolog.Logger
}

// NewMulti groups notifiers; nil entries are ignored.
func NewMulti(log zerolog.Logger, notifiers ...Notifier) *Multi {
	m := &Multi{log: log.With().Str("component", "notify").Logger()}
	for _, n := range notifiers {
		m.Add(n)
	}
	return m
}

// Add registers another notifier.
func (m *Multi) Add(n Notifier) {
	if n == nil {
		return
	}
	m.mu.Lock()
	m.notifiers = append(m.notifiers, n)
	m.mu.Unlock()
}

// Len is the number of registered notifiers.
func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.notifiers)
}

func (m *Multi) NotifySignal(ctx context.Context, s *signal.Signal) error {
	return m.each(func(n Notifier) error { return n.NotifySignal(ctx, s) })
}

func (m *Multi) NotifyUpdate(ctx context.Context, u signal.PositionUpdate) error {
	return m.each(func(n Notifier) error { return n.NotifyUpdate(ctx, u) })
}

func (m *Multi) each(call func(Notifier) error) error {
	m.mu.RLock()
	list := append([]Notifier(nil), m.notifiers...)
	m.mu.RUnlock()

	var errs []error
	for _, n := range list {
		if err := guard(n, call); err != nil {
			name := fmt.Sprintf("%T", n)
			metrics.NotifyErrors.WithLabelValues(name).Inc()
			m.log.Warn().Err(err).Str("notifier", name).Msg("notification failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func guard(n Notifier, call func(Notifier) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	return call(n)
}

// LogNotifier writes one structured line per event.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier logs through log.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "events").Logger()}
}

func (l *LogNotifier) NotifySignal(_ context.Context, s *signal.Signal) error {
	l.log.Info().
		Str("signal_id", s.ID).
		Str("symbol", s.Symbol).
		Str("direction", string(s.Direction)).
		Str("entry", s.EntryPrice.String()).
		Str("sl", s.SLPrice.String()).
		Str("tp1", s.TP1Price.String()).
		Str("tp2", s.TP2Price.String()).
		Msg("new signal")
	return nil
}

func (l *LogNotifier) NotifyUpdate(_ context.Context, u signal.PositionUpdate) error {
	l.log.Info().
		Str("signal_id", u.SignalID).
		Str("symbol", u.Symbol).
		Str("level", string(u.Level)).
		Str("old_status", string(u.OldStatus)).
		Str("new_status", string(u.NewStatus)).
		Str("price", u.Price.String()).
		Str("pnl_pct", u.PnLPercent.String()).
		Msg("position update")
	return nil
}
