package math_test

import (
	fpmath "PerpCurve/internal/math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

// relTolerance bounds the drift of 18-digit growth factors over a few
// periods.
var relTolerance = decimal.RequireFromString("0.000000000001")

func relClose(got, want decimal.Decimal) bool {
	if want.IsZero() {
		return got.IsZero()
	}
	return got.Sub(want).Abs().Div(want.Abs()).LessThanOrEqual(relTolerance)
}

func growthParameters() *gopter.TestParameters {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	return parameters
}

// Later locks always see a strictly larger growth factor, down to one
// second apart.
func TestProperty_GrowthIsStrictlyIncreasing(t *testing.T) {
	g := fpmath.DefaultGrowthCurve()
	properties := gopter.NewProperties(growthParameters())

	properties.Property("At(t1) < At(t2) for t1 < t2", prop.ForAll(
		func(offset, gap int64) bool {
			t1 := g.Epoch + offset
			a1, err := g.At(t1)
			if err != nil {
				return false
			}
			a2, err := g.At(t1 + gap)
			if err != nil {
				return false
			}
			return a1.LessThan(a2)
		},
		gen.Int64Range(0, 5*g.Period),
		gen.Int64Range(1, g.Period),
	))

	properties.TestingRun(t)
}

// Dividing normalized vp by the growth factor of its lock time recovers the
// locked amount, so stakes made at different times compare on one scale.
func TestProperty_NormalizedVPIsComparableAcrossTime(t *testing.T) {
	g := fpmath.DefaultGrowthCurve()
	properties := gopter.NewProperties(growthParameters())

	properties.Property("Normalize(x, t) / At(t) == x", prop.ForAll(
		func(amount, offset int64) bool {
			ts := g.Epoch + offset
			vp, err := g.Normalize(amount, ts)
			if err != nil {
				return false
			}
			factor, err := g.At(ts)
			if err != nil {
				return false
			}
			return relClose(vp.Div(factor), decimal.NewFromInt(amount))
		},
		gen.Int64Range(1, 1_000_000_000_000),
		gen.Int64Range(0, 5*g.Period),
	))

	properties.Property("a later stake of the same amount scales by the growth ratio", prop.ForAll(
		func(amount, offset, gap int64) bool {
			t1 := g.Epoch + offset
			t2 := t1 + gap
			vp1, err1 := g.Normalize(amount, t1)
			vp2, err2 := g.Normalize(amount, t2)
			a1, err3 := g.At(t1)
			a2, err4 := g.At(t2)
			if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
				return false
			}
			return relClose(vp2.Mul(a1), vp1.Mul(a2)) && vp1.LessThanOrEqual(vp2)
		},
		gen.Int64Range(1_000, 1_000_000_000_000),
		gen.Int64Range(0, 4*g.Period),
		gen.Int64Range(0, g.Period),
	))

	properties.Property("one period later is Base times more", prop.ForAll(
		func(amount, offset int64) bool {
			vp1, err := g.Normalize(amount, g.Epoch+offset)
			if err != nil {
				return false
			}
			vp2, err := g.Normalize(amount, g.Epoch+offset+g.Period)
			if err != nil {
				return false
			}
			return relClose(vp2, vp1.Mul(g.Base))
		},
		gen.Int64Range(1_000, 1_000_000_000_000),
		gen.Int64Range(0, 4*g.Period),
	))

	properties.TestingRun(t)
}

func TestGrowthCurve_MonotoneAcrossPeriods(t *testing.T) {
	g := fpmath.DefaultGrowthCurve()
	points := []int64{
		g.Epoch,
		g.Epoch + 1,
		g.Epoch + 3600,
		g.Epoch + g.Period/2,
		g.Epoch + g.Period - 1,
		g.Epoch + g.Period,
		g.Epoch + g.Period + 1,
		g.Epoch + 3*g.Period,
	}
	prev, err := g.At(points[0])
	if err != nil {
		t.Fatalf("At(%d): %v", points[0], err)
	}
	for _, ts := range points[1:] {
		cur, err := g.At(ts)
		if err != nil {
			t.Fatalf("At(%d): %v", ts, err)
		}
		if !prev.LessThan(cur) {
			t.Errorf("At(%d)=%s is not above the previous %s", ts, cur, prev)
		}
		prev = cur
	}
}
