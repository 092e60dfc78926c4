package position

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

var hundred = decimal.NewFromInt(100)

// Statistics is the running aggregate kept next to the signals. It can always
// be rebuilt from signal history with Recompute.
type Statistics struct {
	TotalSignals         int             `json:"total_signals"`
	TP1Hits              int             `json:"tp1_hits"`
	TP2Hits              int             `json:"tp2_hits"`
	SLHits               int             `json:"sl_hits"`
	WinRate              decimal.Decimal `json:"win_rate"`
	TotalPnL             decimal.Decimal `json:"total_pnl"`
	AveragePnL           decimal.Decimal `json:"average_pnl_per_trade"`
	BestTrade            decimal.Decimal `json:"best_trade"`
	WorstTrade           decimal.Decimal `json:"worst_trade"`
	CurrentStreak        int             `json:"current_streak"`
	MaxConsecutiveWins   int             `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int             `json:"max_consecutive_losses"`
}

// Hits is the number of recorded level events.
func (s *Statistics) Hits() int { return s.TP1Hits + s.TP2Hits + s.SLHits }

// RecordSignal counts a newly created signal.
func (s *Statistics) RecordSignal() { s.TotalSignals++ }

// Apply folds one position update into the aggregate.
func (s *Statistics) Apply(u signal.PositionUpdate) {
	first := s.Hits() == 0
	win := u.Level != signal.LevelSL
	switch u.Level {
	case signal.LevelTP1:
		s.TP1Hits++
	case signal.LevelTP2:
		s.TP2Hits++
	case signal.LevelSL:
		s.SLHits++
	default:
		return
	}

	s.TotalPnL = s.TotalPnL.Add(u.PnLPercent)
	if first || u.PnLPercent.GreaterThan(s.BestTrade) {
		s.BestTrade = u.PnLPercent
	}
	if first || u.PnLPercent.LessThan(s.WorstTrade) {
		s.WorstTrade = u.PnLPercent
	}

	if win {
		if s.CurrentStreak < 0 {
			s.CurrentStreak = 0
		}
		s.CurrentStreak++
		if s.CurrentStreak > s.MaxConsecutiveWins {
			s.MaxConsecutiveWins = s.CurrentStreak
		}
	} else {
		if s.CurrentStreak > 0 {
			s.CurrentStreak = 0
		}
		s.CurrentStreak--
		if -s.CurrentStreak > s.MaxConsecutiveLosses {
			s.MaxConsecutiveLosses = -s.CurrentStreak
		}
	}

	hits := decimal.NewFromInt(int64(s.Hits()))
	wins := decimal.NewFromInt(int64(s.TP1Hits + s.TP2Hits))
	s.WinRate = wins.Mul(hundred).DivRound(hits, 2)
	s.AveragePnL = s.TotalPnL.DivRound(hits, 2)
}

// Recompute rebuilds statistics from the realized legs of every signal,
// replaying legs in time order.
func Recompute(signals []*signal.Signal) Statistics {
	type leg struct {
		rec signal.PnLRecord
		id  string
	}
	var legs []leg
	var st Statistics
	for _, sig := range signals {
		st.RecordSignal()
		for _, rec := range sig.PnLHistory {
			legs = append(legs, leg{rec: rec, id: sig.ID})
		}
	}
	sort.SliceStable(legs, func(i, j int) bool { return legs[i].rec.Time.Before(legs[j].rec.Time) })
	for _, l := range legs {
		st.Apply(signal.PositionUpdate{SignalID: l.id, Level: l.rec.Level, PnLPercent: l.rec.PnLPercent, Time: l.rec.Time})
	}
	return st
}

// Counters is the per-day or per-symbol breakdown.
type Counters struct {
	Signals int             `json:"signals"`
	TP1Hits int             `json:"tp1_hits"`
	TP2Hits int             `json:"tp2_hits"`
	SLHits  int             `json:"sl_hits"`
	PnL     decimal.Decimal `json:"pnl"`
}

// Apply folds one position update into the counters.
func (c *Counters) Apply(u signal.PositionUpdate) {
	switch u.Level {
	case signal.LevelTP1:
		c.TP1Hits++
	case signal.LevelTP2:
		c.TP2Hits++
	case signal.LevelSL:
		c.SLHits++
	default:
		return
	}
	c.PnL = c.PnL.Add(u.PnLPercent)
}
