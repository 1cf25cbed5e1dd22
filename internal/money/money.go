// Package money provides fixed-point parsing and formatting for payment amounts.
//
// Amounts are held as big.Int in micro-units (1.00 = 1,000,000 units) so
// that fractional deposit rates never lose precision to float rounding.
// The same representation is used for rates: "0.10" parses to 100000.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 6

// unit is 10^Decimals.
var unit = big.NewInt(1_000_000)

// Parse converts a decimal string (e.g. "12.50") to micro-units.
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return nil, false
		}
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// MustParse is Parse for trusted literals; it panics on bad input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + s)
	}
	return v
}

// Format converts micro-units to a decimal string with exactly 6 decimal
// places (e.g. "12.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// ApplyRate returns amount·rate where both are in micro-units.
// The result is truncated toward zero.
func ApplyRate(amount, rate *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, rate)
	return out.Quo(out, unit)
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Float returns an approximate float64 for metrics and logs. Never use
// the result for accounting.
func Float(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(amount, unit).Float64()
	return f
}
