package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/position"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/precision"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

// DailyReport summarises one UTC day.
type DailyReport struct {
	Date     string                        `json:"date"`
	Created  int                           `json:"created"`
	Closed   int                           `json:"closed"`
	TP1Hits  int                           `json:"tp1_hits"`
	TP2Hits  int                           `json:"tp2_hits"`
	SLHits   int                           `json:"sl_hits"`
	PnL      decimal.Decimal               `json:"pnl"`
	WinRate  decimal.Decimal               `json:"win_rate"`
	Open     int                           `json:"open"`
	Signals  []*signal.Signal              `json:"signals"`
	BySymbol map[string]*position.Counters `json:"by_symbol"`
}

// DailyReport builds the report for the UTC day containing day.
func (d *Document) DailyReport(day time.Time) DailyReport {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	r := DailyReport{Date: start.Format(DayLayout), BySymbol: map[string]*position.Counters{}}
	within := func(t time.Time) bool { return !t.Before(start) && t.Before(end) }

	for _, s := range d.All() {
		if within(s.CreatedAt) {
			r.Created++
			r.Signals = append(r.Signals, s)
			counters(r.BySymbol, s.Symbol).Signals++
		}
		if s.Active() {
			r.Open++
		}
		if s.ClosedAt != nil && within(*s.ClosedAt) {
			r.Closed++
		}
		for _, rec := range s.PnLHistory {
			if !within(rec.Time) {
				continue
			}
			u := signal.PositionUpdate{Symbol: s.Symbol, Level: rec.Level, PnLPercent: rec.PnLPercent}
			switch rec.Level {
			case signal.LevelTP1:
				r.TP1Hits++
			case signal.LevelTP2:
				r.TP2Hits++
			case signal.LevelSL:
				r.SLHits++
			}
			r.PnL = r.PnL.Add(rec.PnLPercent)
			counters(r.BySymbol, s.Symbol).Apply(u)
		}
	}
	if hits := r.TP1Hits + r.TP2Hits + r.SLHits; hits > 0 {
		r.WinRate = precision.Percent(decimal.NewFromInt(int64(r.TP1Hits + r.TP2Hits)).DivRound(decimal.NewFromInt(int64(hits)), precision.DivisionPlaces))
	}
	return r
}

var csvHeader = []string{
	"signal_id", "symbol", "direction", "status", "entry_price", "sl_price", "tp1_price", "tp2_price",
	"created_at", "closed_at", "exit_reason", "partial_hit", "final_pnl", "max_profit", "max_drawdown",
}

// WriteCSV exports every signal, one row each, ordered by creation time.
func (d *Document) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range d.All() {
		closed := ""
		if s.ClosedAt != nil {
			closed = s.ClosedAt.UTC().Format(time.RFC3339)
		}
		row := []string{
			s.ID, s.Symbol, string(s.Direction), string(s.Status),
			precision.FormatPrice(s.EntryPrice), precision.FormatPrice(s.SLPrice),
			precision.FormatPrice(s.TP1Price), precision.FormatPrice(s.TP2Price),
			s.CreatedAt.UTC().Format(time.RFC3339), closed, string(s.ExitReason),
			strconv.FormatBool(s.PartialHit), s.RealizedPnL.StringFixed(2),
			s.MaxProfit.StringFixed(2), s.MaxDrawdown.StringFixed(2),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Cleanup removes CLOSED signals whose close is older than olderThan. When keep
// is non-nil it receives the doomed signals first and an error from it aborts
// the cleanup without touching the document.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration, keep func([]*signal.Signal) error) (int, error) {
	cutoff := s.now().Add(-olderThan)
	removed := 0
	err := s.Update(ctx, func(doc *Document) error {
		var doomed []*signal.Signal
		for _, sig := range doc.All() {
			if sig.Active() {
				continue
			}
			closedAt := sig.UpdatedAt
			if sig.ClosedAt != nil {
				closedAt = *sig.ClosedAt
			}
			if closedAt.Before(cutoff) {
				doomed = append(doomed, sig)
			}
		}
		if len(doomed) == 0 {
			return nil
		}
		if keep != nil {
			if err := keep(doomed); err != nil {
				return fmt.Errorf("archive before cleanup: %w", err)
			}
		}
		for _, sig := range doomed {
			delete(doc.Positions, sig.ID)
		}
		removed = len(doomed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Dur("older_than", olderThan).Msg("cleaned up closed signals")
	}
	return removed, nil
}

// RebuildStatistics recomputes the aggregate from the signals still stored.
func (s *Store) RebuildStatistics(ctx context.Context) (position.Statistics, error) {
	var st position.Statistics
	err := s.Update(ctx, func(doc *Document) error {
		st = position.Recompute(doc.All())
		doc.Statistics = st
		return nil
	})
	return st, err
}
