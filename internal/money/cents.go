// Package money converts decimal major-unit price strings into integer cents.
package money

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ParseCents parses a decimal price such as "123.45" and returns it in cents,
// truncating anything past the second decimal place. Negative values and values
// that do not fit an unsigned 32-bit integer are rejected.
func ParseCents(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty price")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative price %q", s)
	}

	cents := d.Mul(hundred).Truncate(0)
	if cents.GreaterThan(decimal.NewFromInt(math.MaxUint32)) {
		return 0, fmt.Errorf("price %q out of range", s)
	}
	return uint32(cents.IntPart()), nil
}

// FormatCents renders cents as a dollar string for logs.
func FormatCents(c uint32) string {
	return "$" + decimal.New(int64(c), -2).StringFixed(2)
}
