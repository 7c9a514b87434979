package payment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// minorDigits is the number of decimal places of the supported currencies.
const minorDigits = 2

// FormatAmount renders minor units as a fixed two-decimal string ("8620.69").
func FormatAmount(minor int64) string {
	return decimal.New(minor, -minorDigits).StringFixed(minorDigits)
}

// ParseAmount converts a decimal string such as "5000" or "5000.50" into minor
// units. More than two decimal places is an error, not a rounding.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: amount is required", ErrInvalidInput)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q is not a number", ErrInvalidInput, s)
	}
	shifted := d.Shift(minorDigits)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %q has more than %d decimal places", ErrInvalidInput, s, minorDigits)
	}
	if shifted.Abs().GreaterThan(decimal.NewFromInt(1<<53)) {
		return 0, fmt.Errorf("%w: amount %q is out of range", ErrInvalidInput, s)
	}
	return shifted.IntPart(), nil
}
