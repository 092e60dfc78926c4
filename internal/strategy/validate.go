package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/indicator"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

// SlopeTolerance is the largest counter-trend EMA slope a direction accepts.
const SlopeTolerance = 0.0001

// ValidateDirection checks a direction against the closed-bar close and the
// slope between the last two closed EMA values. LONG needs close above ema and
// slope >= -0.01%; SHORT needs close below ema and slope <= +0.01%.
func ValidateDirection(direction signal.Direction, close, ema decimal.Decimal, emaPrev float64) (bool, Reason) {
	slope := indicator.Slope(ema.InexactFloat64(), emaPrev)
	switch direction {
	case signal.Long:
		if !close.GreaterThan(ema) {
			return false, ReasonPriceBelowEMAForLong
		}
		if slope < -SlopeTolerance {
			return false, ReasonSlopeAgainstLong
		}
		return true, ""
	case signal.Short:
		if !close.LessThan(ema) {
			return false, ReasonPriceAboveEMAForShort
		}
		if slope > SlopeTolerance {
			return false, ReasonSlopeAgainstShort
		}
		return true, ""
	default:
		return false, ReasonInvalidInput
	}
}
