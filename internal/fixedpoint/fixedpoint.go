// Package fixedpoint is the checked integer arithmetic used by every money,
// size and price computation in the engine.
//
// Values are unsigned 64-bit integers scaled by a power of ten. Products are
// widened to 256 bits before any division so that value*bps/10_000 and
// size*nav rescaling cannot overflow midway. Every operation truncates toward
// zero and reports model.ErrMathOverflow instead of wrapping.
package fixedpoint

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/stackfutures/settlement-engine/internal/model"
)

const (
	// UnitDecimals is the fixed precision of stack-unit sizes (1e6).
	UnitDecimals uint8 = 6

	// BpsDenominator is 100% expressed in basis points.
	BpsDenominator = 10_000

	maxDecimals = 38
)

// Add returns a+b.
func Add(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, model.ErrMathOverflow
	}
	return s, nil
}

// Sub returns a-b; underflow is an error.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, model.ErrMathOverflow
	}
	return a - b, nil
}

// Mul returns a*b.
func Mul(a, b uint64) (uint64, error) {
	z, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow || !z.IsUint64() {
		return 0, model.ErrMathOverflow
	}
	return z.Uint64(), nil
}

// Div returns a/b truncated. Division by zero is an error.
func Div(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, model.ErrMathOverflow
	}
	return a / b, nil
}

// Bps returns value*bps/10_000, truncated.
func Bps(value uint64, bps uint64) (uint64, error) {
	return MulDiv(value, bps, BpsDenominator)
}

// RatioBps returns num*10_000/den, truncated.
func RatioBps(num, den uint64) (uint64, error) {
	return MulDiv(num, BpsDenominator, den)
}

// MulDiv returns a*b/d computed with a 256-bit intermediate.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, model.ErrMathOverflow
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	q := prod.Div(prod, uint256.NewInt(d))
	if !q.IsUint64() {
		return 0, model.ErrMathOverflow
	}
	return q.Uint64(), nil
}

// Pow10 returns 10^p as a 256-bit integer.
func Pow10(p uint8) (*uint256.Int, error) {
	if p > maxDecimals {
		return nil, fmt.Errorf("%w: 10^%d", model.ErrMathOverflow, p)
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(p))), nil
}

// Rescale converts x from fromDec to toDec decimals, truncating.
func Rescale(x uint64, fromDec, toDec uint8) (uint64, error) {
	z, err := rescaleWide(uint256.NewInt(x), fromDec, toDec)
	if err != nil {
		return 0, err
	}
	return narrow(z)
}

// MulRescale returns a*b rescaled from fromDec to toDec decimals. The product
// is kept at full width until after the rescale.
func MulRescale(a, b uint64, fromDec, toDec uint8) (uint64, error) {
	prod := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	z, err := rescaleWide(prod, fromDec, toDec)
	if err != nil {
		return 0, err
	}
	return narrow(z)
}

func rescaleWide(x *uint256.Int, fromDec, toDec uint8) (*uint256.Int, error) {
	switch {
	case fromDec == toDec:
		return x, nil
	case fromDec > toDec:
		p, err := Pow10(fromDec - toDec)
		if err != nil {
			return nil, err
		}
		return new(uint256.Int).Div(x, p), nil
	default:
		p, err := Pow10(toDec - fromDec)
		if err != nil {
			return nil, err
		}
		z, overflow := new(uint256.Int).MulOverflow(x, p)
		if overflow {
			return nil, model.ErrMathOverflow
		}
		return z, nil
	}
}

func narrow(z *uint256.Int) (uint64, error) {
	if !z.IsUint64() {
		return 0, model.ErrMathOverflow
	}
	return z.Uint64(), nil
}

// Min returns the smaller of a and b.
func Min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// FromDecimal converts a human-readable amount into fixed point with the
// given number of decimals. The amount must be non-negative and exactly
// representable at that precision.
func FromDecimal(d decimal.Decimal, decimals uint8) (uint64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", model.ErrInvalidArgument, d)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: %s has more than %d decimals", model.ErrInvalidArgument, d, decimals)
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("%w: %s does not fit in 64 bits", model.ErrMathOverflow, d)
	}
	return bi.Uint64(), nil
}

// ParseDecimal is FromDecimal over a string.
func ParseDecimal(s string, decimals uint8) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a decimal", model.ErrInvalidArgument, s)
	}
	return FromDecimal(d, decimals)
}

// ToDecimal renders a fixed-point value in human units.
func ToDecimal(v uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(uint256.Int).SetUint64(v).ToBig(), -int32(decimals))
}
