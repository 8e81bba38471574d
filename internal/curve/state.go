package curve

import (
	"PerpCurve/internal/apperr"
	"PerpCurve/internal/feed"
	fpmath "PerpCurve/internal/math"

	"github.com/shopspring/decimal"
)

type ListingState string

const (
	StatePresale ListingState = "presale"
	StateLive    ListingState = "live"
)

// AssetEntry is one synthetic asset on the curve. A is the asset's
// coefficient in Σ a_i·s_i²; Supply counts tokens owed to holders, including
// presale tokens not yet claimed.
type AssetEntry struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Supply         int64           `json:"supply"`
	A              decimal.Decimal `json:"a"`
	Feed           *feed.Ref       `json:"feed,omitempty"`
	State          ListingState    `json:"state"`
	Presale        *PresaleRecord  `json:"presale,omitempty"`
	LastAdjustedAt int64           `json:"last_adjusted_at"`
}

func (a *AssetEntry) IsLive() bool {
	return a.State == StateLive
}

// State is the complete curve state. It is plain data so snapshots can be
// taken with encoding/json.
type State struct {
	Reserve   int64                  `json:"reserve"`
	Coef      decimal.Decimal        `json:"coef"`
	Assets    map[string]*AssetEntry `json:"assets"`
	Order     []string               `json:"order"`
	NextIndex int                    `json:"next_index"`
	Params    Params                 `json:"params"`
}

// invariantTolerance is the allowed gap between the stored reserve and
// coef·√Σ, in reserve base units.
var invariantTolerance = decimal.NewFromInt(1)

// sigma returns Σ a_i·s_i² over live assets, skipping exclude.
func (s *State) sigma(exclude string) decimal.Decimal {
	total := decimal.Zero
	for _, id := range s.Order {
		if id == exclude {
			continue
		}
		a := s.Assets[id]
		if !a.IsLive() || a.Supply == 0 {
			continue
		}
		sup := decimal.NewFromInt(a.Supply)
		total = total.Add(a.A.Mul(sup).Mul(sup))
	}
	return total
}

// refit sets coef so that coef·√Σ equals the stored reserve. A curve with
// no outstanding supply keeps its coefficient.
func (s *State) refit() {
	root := fpmath.Sqrt(s.sigma(""))
	if root.IsZero() {
		return
	}
	s.Coef = fpmath.Div(decimal.NewFromInt(s.Reserve), root)
}

// curveReserve evaluates coef·√Σ.
func (s *State) curveReserve() decimal.Decimal {
	return s.Coef.Mul(fpmath.Sqrt(s.sigma("")))
}

// CheckInvariant verifies reserve = coef·√Σ within tolerance.
func (s *State) CheckInvariant() error {
	if s.Reserve < 0 {
		return apperr.Invariant("negative reserve %d", s.Reserve)
	}
	for _, id := range s.Order {
		if s.Assets[id].Supply < 0 {
			return apperr.Invariant("negative supply for %s", id)
		}
	}
	gap := s.curveReserve().Sub(decimal.NewFromInt(s.Reserve)).Abs()
	if gap.GreaterThan(invariantTolerance) {
		return apperr.Invariant("reserve %d deviates from curve %s by %s", s.Reserve, s.curveReserve().StringFixed(6), gap.StringFixed(6))
	}
	return nil
}

// marginalPrice is ∂reserve/∂s_i in reserve units per token.
func (s *State) marginalPrice(id string) decimal.Decimal {
	a := s.Assets[id]
	sig := s.sigma("")
	if sig.IsZero() {
		return fpmath.Quantize(s.Coef.Mul(fpmath.Sqrt(a.A)))
	}
	num := s.Coef.Mul(a.A).Mul(decimal.NewFromInt(a.Supply))
	return fpmath.Div(num, fpmath.Sqrt(sig))
}

// clone copies the curve state for speculative evaluation. Presale records
// are shared; quotes and exchanges never modify them.
func (s *State) clone() *State {
	out := *s
	out.Assets = make(map[string]*AssetEntry, len(s.Assets))
	for id, a := range s.Assets {
		cp := *a
		out.Assets[id] = &cp
	}
	out.Order = append([]string(nil), s.Order...)
	return &out
}

func (s *State) asset(id string) (*AssetEntry, error) {
	a, ok := s.Assets[id]
	if !ok {
		return nil, apperr.Validation("unknown asset %q", id)
	}
	return a, nil
}

func (s *State) liveAsset(id string) (*AssetEntry, error) {
	a, err := s.asset(id)
	if err != nil {
		return nil, err
	}
	if !a.IsLive() {
		return nil, apperr.Validation("asset %s is in presale", id)
	}
	return a, nil
}

// EscrowBalance is reserve held for presales and not yet folded into the
// curve or refunded.
func (s *State) EscrowBalance() int64 {
	var total int64
	for _, id := range s.Order {
		if p := s.Assets[id].Presale; p != nil {
			total += p.Escrow
		}
	}
	return total
}

// Circulating returns tokens of an asset held outside the curve: supply
// minus presale tokens that are owed but not yet claimed.
func (s *State) Circulating(id string) int64 {
	a, ok := s.Assets[id]
	if !ok {
		return 0
	}
	if a.Presale == nil || !a.Presale.Finalized {
		if a.IsLive() {
			return a.Supply
		}
		return 0
	}
	return a.Supply - a.Presale.unclaimedTokens()
}
