// Package money provides amount parsing and formatting shared by the
// settlement subsystems.
//
// Amounts are decimal.Decimal values in major units (125.00 = one hundred
// twenty-five dollars). Conversion to gateway minor units happens only at
// the gateway boundary.
package money

import (
	"strings"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/shopspring/decimal"
)

// Amount is a monetary value in major units.
type Amount = decimal.Decimal

// Currency is an ISO 4217 code.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
)

// DefaultCurrency is used when an order does not name one.
const DefaultCurrency = USD

// Scale is the number of decimal places amounts are normalized to.
const Scale = 2

// Zero is the zero amount.
var Zero = decimal.Zero

// ErrInvalidAmount is returned for malformed, negative, or non-finite input.
var ErrInvalidAmount = apperr.New(apperr.KindValidation, "invalid_amount", "invalid amount")

// Parse converts a decimal string (e.g. "125.00") into an Amount.
//
// Rules:
//   - Empty strings, NaN and Inf are rejected
//   - Negative amounts are rejected
//   - Exponent notation is rejected so that "1e9" cannot sneak past form validation
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrInvalidAmount.Withf("amount is required")
	}
	lower := strings.ToLower(s)
	if strings.Contains(lower, "nan") || strings.Contains(lower, "inf") || strings.ContainsAny(lower, "e") {
		return Zero, ErrInvalidAmount.Withf("amount %q is not a finite decimal", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, ErrInvalidAmount.Withf("amount %q is not a decimal", s).Wrap(err)
	}
	if d.IsNegative() {
		return Zero, ErrInvalidAmount.Withf("amount %q must not be negative", s)
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders an amount with exactly Scale decimal places.
func Format(a Amount) string {
	return a.StringFixed(Scale)
}

// Round normalizes an amount to Scale decimal places, half away from zero.
func Round(a Amount) Amount {
	return a.Round(Scale)
}

// Equal reports whether two amounts are equal at Scale precision.
func Equal(a, b Amount) bool {
	return Round(a).Equal(Round(b))
}

// minorExponent returns the number of minor-unit digits for a currency.
func minorExponent(c Currency) int32 {
	switch c {
	case JPY:
		return 0
	default:
		return 2
	}
}

// ToMinor converts an amount into the integer minor units a card gateway
// expects (cents for USD).
func ToMinor(a Amount, c Currency) int64 {
	return a.Shift(minorExponent(c)).Round(0).IntPart()
}

// FromMinor converts gateway minor units back into an Amount.
func FromMinor(units int64, c Currency) Amount {
	return decimal.New(units, -minorExponent(c))
}

// NormalizeCurrency upper-cases c and falls back to the default.
func NormalizeCurrency(c string) Currency {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return DefaultCurrency
	}
	return Currency(c)
}
