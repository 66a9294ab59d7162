package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var ErrInvalidAmount = errors.New("units: invalid amount")

// ProtocolTokenDecimals is the decimal count of the protocol token (USDT-style, 6).
const ProtocolTokenDecimals = 6

// ToBaseUnits converts a decimal amount string into integer base units at the
// given decimal scale, rounding half away from zero. Arithmetic is exact
// (big.Rat); binary floats are never involved.
func ToBaseUnits(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("%w: negative decimals %d", ErrInvalidAmount, decimals)
	}
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	r, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, amount)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))

	// round(n/d) half away from zero; r >= 0 here.
	num := new(big.Int).Set(r.Num())
	den := r.Denom()
	num.Mul(num, big.NewInt(2))
	num.Add(num, den)
	num.Div(num, new(big.Int).Mul(den, big.NewInt(2)))
	return num, nil
}

// FromBaseUnits renders integer base units as an exact decimal string,
// trimming trailing fractional zeros ("1.500000" -> "1.5", "1000000" -> "1").
func FromBaseUnits(base *big.Int, decimals int) string {
	if base == nil {
		return "0"
	}
	if decimals <= 0 {
		return base.String()
	}

	neg := base.Sign() < 0
	abs := new(big.Int).Abs(base)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole, frac := new(big.Int).QuoRem(abs, scale, new(big.Int))

	out := whole.String()
	if frac.Sign() != 0 {
		digits := fmt.Sprintf("%0*s", decimals, frac.String())
		digits = strings.TrimRight(digits, "0")
		out += "." + digits
	}
	if neg {
		out = "-" + out
	}
	return out
}
