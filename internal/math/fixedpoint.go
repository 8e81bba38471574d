package math

import (
	"errors"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits carried by curve coefficients,
// voting power and reward indexes.
const Precision int32 = 18

// IndexPrecision is the number of fractional digits carried by reward
// indexes. An index multiplied by a factor below 10^18 and rounded back to
// Precision loses nothing.
const IndexPrecision int32 = 2 * Precision

var (
	Zero = decimal.Zero
	One  = decimal.NewFromInt(1)

	maxInt64 = decimal.NewFromInt(int64(^uint64(0) >> 1))

	ErrOverflow = errors.New("value does not fit in int64")
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// Pooled big.Int for intermediate calculations
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// MulDivInt64 computes a*b/den with a 128-bit intermediate. Operands must be
// non-negative and den positive.
func MulDivInt64(a, b, den int64, mode RoundingMode) (int64, error) {
	if den <= 0 {
		return 0, errors.New("non-positive denominator")
	}
	num := getBig()
	defer putBig(num)
	num.Mul(big.NewInt(a), big.NewInt(b))

	q := DivRoundBig(num, big.NewInt(den), mode)
	if !q.IsInt64() {
		return 0, ErrOverflow
	}
	return q.Int64(), nil
}

// DivRoundBig divides two non-negative integers with the given rounding.
func DivRoundBig(num, den *big.Int, mode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getBig()
	defer putBig(remainder)

	quotient.QuoRem(num, den, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	switch mode {
	case RoundUp:
		quotient.Add(quotient, big.NewInt(1))
	case RoundHalfEven:
		twice := getBig()
		defer putBig(twice)
		twice.Lsh(remainder, 1)
		cmp := twice.Cmp(den)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(1))
		}
	}
	return quotient
}

// Sqrt returns √x truncated to Precision fractional digits. Negative input
// yields zero.
func Sqrt(x decimal.Decimal) decimal.Decimal {
	if x.Sign() <= 0 {
		return Zero
	}
	scaled := x.Shift(2 * Precision).BigInt()
	root := new(big.Int).Sqrt(scaled)
	return decimal.NewFromBigInt(root, -Precision)
}

// SqrtUp returns √x rounded up at the last fractional digit.
func SqrtUp(x decimal.Decimal) decimal.Decimal {
	if x.Sign() <= 0 {
		return Zero
	}
	scaled := x.Shift(2 * Precision).BigInt()
	root := new(big.Int).Sqrt(scaled)

	sq := getBig()
	defer putBig(sq)
	sq.Mul(root, root)
	if sq.Cmp(scaled) != 0 || !x.Shift(2*Precision).IsInteger() {
		root.Add(root, big.NewInt(1))
	}
	return decimal.NewFromBigInt(root, -Precision)
}

// Div divides at Precision fractional digits (half-up on the last digit).
func Div(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, Precision)
}

// DivIndex divides at IndexPrecision fractional digits (half-up on the last
// digit).
func DivIndex(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, IndexPrecision)
}

// DivFloor divides non-negative a by positive b, truncating at Precision
// fractional digits.
func DivFloor(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, Precision)
	return q
}

// DivCeil divides non-negative a by positive b, rounding up at Precision
// fractional digits.
func DivCeil(a, b decimal.Decimal) decimal.Decimal {
	q, r := a.QuoRem(b, Precision)
	if r.Sign() != 0 {
		q = q.Add(decimal.New(1, -Precision))
	}
	return q
}

// Quantize truncates d to Precision fractional digits.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Precision)
}

// Round rounds d half-up to Precision fractional digits.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Precision)
}

// FloorInt64 converts d to int64 rounding toward negative infinity.
func FloorInt64(d decimal.Decimal) (int64, error) {
	f := d.Floor()
	if f.Abs().GreaterThan(maxInt64) {
		return 0, ErrOverflow
	}
	return f.IntPart(), nil
}

// CeilInt64 converts d to int64 rounding toward positive infinity.
func CeilInt64(d decimal.Decimal) (int64, error) {
	c := d.Ceil()
	if c.Abs().GreaterThan(maxInt64) {
		return 0, ErrOverflow
	}
	return c.IntPart(), nil
}

// Pow returns base^exp at Precision fractional digits. Fractional exponents
// are evaluated through decimal's Ln/Exp series with guard digits.
func Pow(base, exp decimal.Decimal) (decimal.Decimal, error) {
	out, err := base.PowWithPrecision(exp, Precision+6)
	if err != nil {
		return Zero, err
	}
	return Quantize(out), nil
}

// Min returns the smaller of two int64 values.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
