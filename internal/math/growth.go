package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// GrowthCurve is the time index applied to newly locked voting power:
// growth(t) = Base^((t - Epoch) / Period).
type GrowthCurve struct {
	Base   decimal.Decimal `json:"base" yaml:"base"`
	Period int64           `json:"period" yaml:"period"` // seconds
	Epoch  int64           `json:"epoch" yaml:"epoch"`   // unix seconds
}

// DefaultGrowthCurve grows 8x every 360 days starting 2022-07-15.
func DefaultGrowthCurve() GrowthCurve {
	return GrowthCurve{
		Base:   decimal.NewFromInt(8),
		Period: 360 * 24 * 3600,
		Epoch:  1657843200,
	}
}

// At evaluates the growth factor at unix time ts.
func (g GrowthCurve) At(ts int64) (decimal.Decimal, error) {
	if g.Period <= 0 {
		return Zero, fmt.Errorf("growth period must be positive, got %d", g.Period)
	}
	exp := Div(decimal.NewFromInt(ts-g.Epoch), decimal.NewFromInt(g.Period))
	v, err := Pow(g.Base, exp)
	if err != nil {
		return Zero, fmt.Errorf("growth at %d: %w", ts, err)
	}
	return v, nil
}

// Normalize returns amount * growth(ts).
func (g GrowthCurve) Normalize(amount int64, ts int64) (decimal.Decimal, error) {
	factor, err := g.At(ts)
	if err != nil {
		return Zero, err
	}
	return Quantize(decimal.NewFromInt(amount).Mul(factor)), nil
}

var half = decimal.NewFromFloat(0.5)

// HalvingDecay returns initial * 0.5^(elapsed/halvingPeriod). Negative
// elapsed time is treated as zero.
func HalvingDecay(initial decimal.Decimal, elapsed, halvingPeriod int64) (decimal.Decimal, error) {
	if halvingPeriod <= 0 {
		return Zero, fmt.Errorf("halving period must be positive, got %d", halvingPeriod)
	}
	if elapsed <= 0 {
		return initial, nil
	}
	exp := Div(decimal.NewFromInt(elapsed), decimal.NewFromInt(halvingPeriod))
	factor, err := Pow(half, exp)
	if err != nil {
		return Zero, fmt.Errorf("halving decay: %w", err)
	}
	return Quantize(initial.Mul(factor)), nil
}
