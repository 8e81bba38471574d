package governance

import (
	"PerpCurve/internal/apperr"
	fpmath "PerpCurve/internal/math"

	"github.com/shopspring/decimal"
)

// sharesTolerance bounds how far the requested changes may be from summing
// to zero; the residual is absorbed so totals stay exact.
var sharesTolerance = decimal.RequireFromString("0.000001")

// VoteShares moves allocated voting power between assets of at most two
// groups. Changes must net to zero and leave no allocation negative.
func (e *Engine) VoteShares(owner, groupKey1, groupKey2 string, changes map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	st := e.state
	voter, err := e.votingVoter(owner)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, apperr.Validation("no changes")
	}
	groups := make([]*VoteGroup, 0, 2)
	g1, err := st.group(groupKey1)
	if err != nil {
		return nil, err
	}
	groups = append(groups, g1)
	if groupKey2 != "" && groupKey2 != groupKey1 {
		g2, err := st.group(groupKey2)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g2)
	}

	assets := sortedKeys(changes)
	next := make(map[string]decimal.Decimal, len(changes))
	net := decimal.Zero
	for _, asset := range assets {
		inGroup := false
		for _, g := range groups {
			if g.has(asset) {
				inGroup = true
				break
			}
		}
		if !inGroup {
			return nil, apperr.Validation("asset %s is not in the given groups", asset)
		}
		v := fpmath.Quantize(voter.Allocations[asset].Add(changes[asset]))
		if v.Sign() < 0 {
			if v.Neg().GreaterThan(sharesTolerance) {
				return nil, apperr.Validation("allocation on %s would become negative", asset)
			}
			v = decimal.Zero
		}
		next[asset] = v
		net = net.Add(v.Sub(voter.Allocations[asset]))
	}
	if net.Abs().GreaterThan(sharesTolerance) {
		return nil, apperr.Validation("changes must sum to zero, got %s", net)
	}

	// Absorb the residual into the largest resulting allocation.
	if !net.IsZero() {
		largest := ""
		for _, asset := range assets {
			if largest == "" || next[asset].GreaterThan(next[largest]) {
				largest = asset
			}
		}
		adjusted := next[largest].Sub(net)
		if adjusted.Sign() < 0 {
			return nil, apperr.Validation("changes must sum to zero, got %s", net)
		}
		next[largest] = adjusted
	}

	for _, asset := range assets {
		e.touchPool(asset)
	}
	for _, asset := range assets {
		st.addAllocation(voter, asset, next[asset].Sub(voter.Allocations[asset]))
	}

	out := make(map[string]decimal.Decimal, len(voter.Allocations))
	for k, v := range voter.Allocations {
		out[k] = v
	}
	return out, nil
}
