package curve

import (
	"PerpCurve/internal/feed"
	fpmath "PerpCurve/internal/math"

	"github.com/shopspring/decimal"
)

// targetCoefficient returns the a_i that puts the asset's marginal price at
// target once coef is refit with the reserve held constant:
//
//	a* = P·Σ₋ᵢ / (s_i·(r − P·s_i))
//
// It reports false when no such coefficient exists.
func (s *State) targetCoefficient(id string, target decimal.Decimal) (decimal.Decimal, bool) {
	a := s.Assets[id]
	if a.Supply == 0 || target.Sign() <= 0 {
		return decimal.Zero, false
	}
	others := s.sigma(id)
	if others.IsZero() {
		return decimal.Zero, false
	}
	sup := decimal.NewFromInt(a.Supply)
	headroom := decimal.NewFromInt(s.Reserve).Sub(target.Mul(sup))
	if headroom.Sign() <= 0 {
		return decimal.Zero, false
	}
	return fpmath.Div(target.Mul(others), sup.Mul(headroom)), true
}

// smooth moves every feed-tracked coefficient toward its target by the
// fraction min(elapsed, H)/H of the remaining gap, then refits coef. Assets
// are visited in listing order.
func (s *State) smooth(now int64, feeds feed.Source) {
	period := s.Params.AdjustmentPeriod
	if period <= 0 {
		return
	}
	changed := false
	for _, id := range s.Order {
		a := s.Assets[id]
		if !a.IsLive() || a.Feed == nil {
			continue
		}
		elapsed := now - a.LastAdjustedAt
		if elapsed <= 0 {
			continue
		}
		a.LastAdjustedAt = now

		price, ok := a.Feed.Resolve(feeds)
		if !ok {
			continue
		}
		target, ok := s.targetCoefficient(id, price)
		if !ok {
			continue
		}
		frac := fpmath.Div(decimal.NewFromInt(fpmath.Min(elapsed, period)), decimal.NewFromInt(period))
		next := fpmath.Quantize(a.A.Add(target.Sub(a.A).Mul(frac)))
		if next.Sign() <= 0 || next.Equal(a.A) {
			continue
		}
		a.A = next
		changed = true
	}
	if changed {
		s.refit()
	}
}
