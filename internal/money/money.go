// Package money provides BRL amount parsing and formatting.
//
// Amounts are stored as int64 centavos (R$ 149,90 = 14990) so that
// comparisons and sums never touch floating point.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Decimals is the number of fractional digits of the real.
const Decimals = 2

// Cents is an amount in BRL centavos.
type Cents int64

// Parse converts a decimal string ("149.90", "149,90", "150") to centavos.
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Comma is accepted as the decimal separator
//   - More than two fractional digits are rejected rather than rounded
func Parse(s string) (Cents, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, false
	}
	s = strings.Replace(s, ",", ".", 1)

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return 0, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, false
	}

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return Cents(v), true
}

// MustParse is Parse for constants; it panics on invalid input.
func MustParse(s string) Cents {
	c, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + strconv.Quote(s))
	}
	return c
}

// String formats the amount with a dot separator and two decimals ("149.90").
func (c Cents) String() string {
	v := int64(c)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// BRL formats the amount for display ("R$ 149,90").
func (c Cents) BRL() string {
	return "R$ " + strings.Replace(c.String(), ".", ",", 1)
}

// MarshalText renders the amount as its decimal string, so JSON carries "149.90".
func (c Cents) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses a decimal string.
func (c *Cents) UnmarshalText(b []byte) error {
	v, ok := Parse(string(b))
	if !ok {
		return fmt.Errorf("money: invalid amount %q", string(b))
	}
	*c = v
	return nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
