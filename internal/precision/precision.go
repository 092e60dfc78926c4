// Package precision keeps price and percentage math on exact decimals.
package precision

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// DivisionPlaces is the number of fractional digits kept by Div.
const DivisionPlaces = 28

var (
	ErrNonFinite      = errors.New("value is not finite")
	ErrNonPositive    = errors.New("value must be positive")
	ErrDivisionByZero = errors.New("division by zero")

	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// FromFloat converts a float into a decimal, rejecting NaN and infinities.
func FromFloat(v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, ErrNonFinite
	}
	return decimal.NewFromFloat(v), nil
}

// Parse reads a decimal from text, tolerating surrounding whitespace.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "nan", "+inf", "-inf", "inf", "infinity", "-infinity":
		return decimal.Zero, ErrNonFinite
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// Price converts a float price and requires it to be positive and finite.
func Price(v float64) (decimal.Decimal, error) {
	d, err := FromFloat(v)
	if err != nil {
		return decimal.Zero, err
	}
	if err := Positive(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Positive returns ErrNonPositive for zero or negative values.
func Positive(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrNonPositive
	}
	return nil
}

// Add returns a + b.
func Add(a, b decimal.Decimal) decimal.Decimal { return a.Add(b) }

// Sub returns a - b.
func Sub(a, b decimal.Decimal) decimal.Decimal { return a.Sub(b) }

// Mul returns a * b.
func Mul(a, b decimal.Decimal) decimal.Decimal { return a.Mul(b) }

// Div divides a by b keeping DivisionPlaces fractional digits.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	return a.DivRound(b, DivisionPlaces), nil
}

// Round rounds half away from zero, which is half-up for positive prices.
func Round(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// Percent scales a fraction to percent and rounds to two places.
func Percent(fraction decimal.Decimal) decimal.Decimal {
	return Round(fraction.Mul(hundred), 2)
}

// Scale multiplies v by (1 + pct), where pct is a signed fraction such as -0.01.
func Scale(v, pct decimal.Decimal) decimal.Decimal {
	return v.Mul(one.Add(pct))
}

// FormatPrice renders prices >= 1 with two decimals and smaller prices with
// up to eight decimals without trailing zeros.
func FormatPrice(d decimal.Decimal) string {
	if d.Abs().GreaterThanOrEqual(one) {
		return d.StringFixed(2)
	}
	return d.Round(8).String()
}
