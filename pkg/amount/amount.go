// Package amount converts between the decimal strings carried in ClearNode
// allocations and fixed-point 256-bit integers, so allocation arithmetic is
// exact.
package amount

import (
	"strings"

	"github.com/holiman/uint256"
	"github.com/mixmixmix/rock-off-chain/pkg/errors"
)

// Decimals is the fixed-point scale used for every parsed amount. It covers
// the precision of any ERC-20 asset ClearNode settles in.
const Decimals = 18

var scale = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(Decimals))

// Parse reads a non-negative decimal string such as "0.0001" or "12".
func Parse(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, &errors.InvalidAmount{Value: s, Reason: "empty"}
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" && (!hasDot || frac == "") {
		return nil, &errors.InvalidAmount{Value: s, Reason: "no digits"}
	}
	if len(frac) > Decimals {
		trimmed := strings.TrimRight(frac[Decimals:], "0")
		if trimmed != "" {
			return nil, &errors.InvalidAmount{Value: s, Reason: "more than 18 fractional digits"}
		}
		frac = frac[:Decimals]
	}
	if !allDigits(whole) || !allDigits(frac) {
		return nil, &errors.InvalidAmount{Value: s, Reason: "not a non-negative decimal"}
	}

	digits := strings.TrimLeft(whole+frac+strings.Repeat("0", Decimals-len(frac)), "0")
	if digits == "" {
		return uint256.NewInt(0), nil
	}

	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, &errors.InvalidAmount{Value: s, Reason: err.Error()}
	}
	return v, nil
}

// Format renders v with trailing fractional zeros removed ("0.00005", "1", "0").
func Format(v *uint256.Int) string {
	if v == nil || v.IsZero() {
		return "0"
	}

	whole, frac := new(uint256.Int).DivMod(v, scale, new(uint256.Int))
	if frac.IsZero() {
		return whole.Dec()
	}

	fracStr := frac.Dec()
	fracStr = strings.Repeat("0", Decimals-len(fracStr)) + fracStr
	return whole.Dec() + "." + strings.TrimRight(fracStr, "0")
}

// Sum adds the given amounts, failing on overflow.
func Sum(values ...*uint256.Int) (*uint256.Int, error) {
	total := uint256.NewInt(0)
	for _, v := range values {
		if _, overflow := total.AddOverflow(total, v); overflow {
			return nil, &errors.InvalidAmount{Value: Format(v), Reason: "sum overflows 256 bits"}
		}
	}
	return total, nil
}

// Half returns floor(v/2) in base units.
func Half(v *uint256.Int) *uint256.Int {
	return new(uint256.Int).Rsh(v, 1)
}

// Sub returns a-b, or an error if b > a.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	if b.Gt(a) {
		return nil, &errors.InvalidAmount{Value: Format(b), Reason: "exceeds " + Format(a)}
	}
	return new(uint256.Int).Sub(a, b), nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
