// Package position tracks open signals against closed bars and accounts for
// their realized profit and loss.
package position

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/precision"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

var (
	// WeightPartial is the share closed at TP1 and the remainder closed at TP2.
	WeightPartial = decimal.RequireFromString("0.5")
	// WeightFull closes the whole position.
	WeightFull = decimal.NewFromInt(1)
)

// Leg is one exit at a price for a share of the position.
type Leg struct {
	Price  decimal.Decimal
	Weight decimal.Decimal
}

// WeightedPnL sums (exit-entry)/entry*weight per leg (inverted for SHORT) and
// returns it as a percentage rounded to two decimals.
func WeightedPnL(direction signal.Direction, entry decimal.Decimal, legs []Leg) (decimal.Decimal, error) {
	if err := precision.Positive(entry); err != nil {
		return decimal.Zero, fmt.Errorf("entry price: %w", err)
	}
	total := decimal.Zero
	for _, leg := range legs {
		var move decimal.Decimal
		switch direction {
		case signal.Long:
			move = precision.Sub(leg.Price, entry)
		case signal.Short:
			move = precision.Sub(entry, leg.Price)
		default:
			return decimal.Zero, fmt.Errorf("unknown direction %q", direction)
		}
		frac, err := precision.Div(move, entry)
		if err != nil {
			return decimal.Zero, err
		}
		total = precision.Add(total, precision.Mul(frac, leg.Weight))
	}
	return precision.Percent(total), nil
}

// exitWeight is the share a closing leg carries given what was already banked.
func exitWeight(level signal.Level, partialHit bool) decimal.Decimal {
	switch level {
	case signal.LevelTP1:
		return WeightPartial
	case signal.LevelTP2:
		if partialHit {
			return WeightPartial
		}
		return WeightFull
	default:
		return WeightFull
	}
}
