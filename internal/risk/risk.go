package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/precision"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

var (
	longSL   = decimal.RequireFromString("0.99")
	longTP1  = decimal.RequireFromString("1.015")
	longTP2  = decimal.RequireFromString("1.03")
	shortSL  = decimal.RequireFromString("1.01")
	shortTP1 = decimal.RequireFromString("0.985")
	shortTP2 = decimal.RequireFromString("0.97")
)

// Levels are the fixed stop-loss and take-profit prices of a signal.
type Levels struct {
	SL  decimal.Decimal
	TP1 decimal.Decimal
	TP2 decimal.Decimal
}

// ComputeLevels derives SL/TP1/TP2 from the entry price alone.
func ComputeLevels(direction signal.Direction, entry decimal.Decimal) (Levels, error) {
	if err := precision.Positive(entry); err != nil {
		return Levels{}, fmt.Errorf("entry price: %w", err)
	}
	switch direction {
	case signal.Long:
		return Levels{
			SL:  precision.Mul(entry, longSL),
			TP1: precision.Mul(entry, longTP1),
			TP2: precision.Mul(entry, longTP2),
		}, nil
	case signal.Short:
		return Levels{
			SL:  precision.Mul(entry, shortSL),
			TP1: precision.Mul(entry, shortTP1),
			TP2: precision.Mul(entry, shortTP2),
		}, nil
	default:
		return Levels{}, fmt.Errorf("unknown direction %q", direction)
	}
}

// RewardRisk is |tp1-entry| / |entry-sl|, the ratio shown to subscribers.
func RewardRisk(entry, sl, tp1 decimal.Decimal) (decimal.Decimal, error) {
	return precision.Div(tp1.Sub(entry).Abs(), entry.Sub(sl).Abs())
}
