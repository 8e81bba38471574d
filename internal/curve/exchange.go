package curve

import (
	"PerpCurve/internal/apperr"
	"PerpCurve/internal/feed"
	fpmath "PerpCurve/internal/math"

	"github.com/shopspring/decimal"
)

// ExchangeRequest carries exactly one driving delta: ReserveIn for a buy or
// TokensIn for a sell.
type ExchangeRequest struct {
	Asset     string
	ReserveIn int64
	TokensIn  int64
}

func (r ExchangeRequest) validate() error {
	if r.Asset == "" {
		return apperr.Validation("asset required")
	}
	if r.ReserveIn < 0 || r.TokensIn < 0 {
		return apperr.Validation("amounts must be non-negative")
	}
	if (r.ReserveIn > 0) == (r.TokensIn > 0) {
		return apperr.Validation("exactly one of reserve or tokens must be supplied")
	}
	return nil
}

// Trade is the fully solved result of an exchange.
type Trade struct {
	Asset string `json:"asset"`
	Buy   bool   `json:"buy"`

	ReserveIn  int64 `json:"reserve_in,omitempty"`
	TokensOut  int64 `json:"tokens_out,omitempty"`
	TokensIn   int64 `json:"tokens_in,omitempty"`
	ReserveOut int64 `json:"reserve_out,omitempty"`

	// Fee and ArbProfitTax are in reserve units and stay in the reserve.
	Fee          int64 `json:"fee"`
	ArbProfitTax int64 `json:"arb_profit_tax"`
	// TaxTokens are tokens withheld from a buy; they are never minted.
	TaxTokens int64 `json:"tax_tokens,omitempty"`

	NewSupply   int64           `json:"new_supply"`
	NewReserve  int64           `json:"new_reserve"`
	NewCoef     decimal.Decimal `json:"new_coef"`
	Price       decimal.Decimal `json:"price"`
	TargetPrice decimal.Decimal `json:"target_price"`
}

// DeltaSupply is the signed change of the asset's supply.
func (t *Trade) DeltaSupply() int64 {
	if t.Buy {
		return t.TokensOut
	}
	return -t.TokensIn
}

// plan solves an exchange against st without mutating it.
func plan(st *State, feeds feed.Source, req ExchangeRequest) (*Trade, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	a, err := st.liveAsset(req.Asset)
	if err != nil {
		return nil, err
	}

	target, hasTarget := decimal.Zero, false
	if a.Feed != nil {
		target, hasTarget = a.Feed.Resolve(feeds)
	}

	if req.ReserveIn > 0 {
		return planBuy(st, a, req.ReserveIn, target, hasTarget)
	}
	return planSell(st, a, req.TokensIn, target, hasTarget)
}

func planBuy(st *State, a *AssetEntry, reserveIn int64, target decimal.Decimal, hasTarget bool) (*Trade, error) {
	fee, err := fpmath.CeilInt64(decimal.NewFromInt(reserveIn).Mul(st.Params.SwapFee))
	if err != nil {
		return nil, apperr.Validation("fee overflow")
	}
	net := reserveIn - fee
	if net <= 0 {
		return nil, apperr.Validation("amount %d too small to cover the fee", reserveIn)
	}
	if st.Reserve > (1<<62)-reserveIn {
		return nil, apperr.Validation("reserve overflow")
	}

	// Solve coef·√(Σ₋ᵢ + a·s'²) = r + net for s'.
	newReserve := decimal.NewFromInt(st.Reserve + net)
	ratio := fpmath.Div(newReserve, st.Coef)
	rest := ratio.Mul(ratio).Sub(st.sigma(a.ID))
	if rest.Sign() <= 0 {
		return nil, apperr.Invariant("curve solve for %s produced non-positive term", a.ID)
	}
	sNew, err := fpmath.FloorInt64(fpmath.Sqrt(fpmath.Div(rest, a.A)))
	if err != nil {
		return nil, apperr.Validation("supply overflow")
	}
	minted := sNew - a.Supply
	if minted <= 0 {
		return nil, apperr.Validation("amount %d too small to mint a token of %s", reserveIn, a.ID)
	}

	t := &Trade{
		Asset:       a.ID,
		Buy:         true,
		ReserveIn:   reserveIn,
		Fee:         fee,
		TargetPrice: target,
	}

	// Buying below the target price is an arbitrage; part of the profit is
	// withheld in tokens.
	if hasTarget {
		profit := decimal.NewFromInt(minted).Mul(target).Sub(decimal.NewFromInt(net))
		if profit.Sign() > 0 {
			taxReserve := profit.Mul(st.Params.ArbProfitTax)
			taxTokens, _ := fpmath.FloorInt64(taxReserve.Div(target))
			if taxTokens > minted {
				taxTokens = minted
			}
			t.TaxTokens = taxTokens
			t.ArbProfitTax, _ = fpmath.FloorInt64(taxReserve)
		}
	}

	t.TokensOut = minted - t.TaxTokens
	if t.TokensOut <= 0 {
		return nil, apperr.Validation("amount %d too small after arbitrage tax", reserveIn)
	}
	t.NewSupply = a.Supply + t.TokensOut
	t.NewReserve = st.Reserve + reserveIn
	return t, nil
}

func planSell(st *State, a *AssetEntry, tokensIn int64, target decimal.Decimal, hasTarget bool) (*Trade, error) {
	if tokensIn > a.Supply {
		return nil, apperr.Validation("cannot sell %d of %s, supply is %d", tokensIn, a.ID, a.Supply)
	}
	sNew := a.Supply - tokensIn
	sup := decimal.NewFromInt(sNew)
	sigNew := st.sigma(a.ID).Add(a.A.Mul(sup).Mul(sup))

	t := &Trade{
		Asset:       a.ID,
		TokensIn:    tokensIn,
		TargetPrice: target,
		NewSupply:   sNew,
	}

	// Selling the last outstanding supply drains the reserve; fees cannot stay
	// behind a curve with Σ = 0.
	if sigNew.IsZero() {
		t.ReserveOut = st.Reserve
		t.NewReserve = 0
		if t.ReserveOut <= 0 {
			return nil, apperr.Validation("nothing to pay out")
		}
		return t, nil
	}

	remaining, err := fpmath.CeilInt64(st.Coef.Mul(fpmath.SqrtUp(sigNew)))
	if err != nil {
		return nil, apperr.Invariant("reserve overflow")
	}
	gross := st.Reserve - remaining
	if gross <= 0 {
		return nil, apperr.Validation("amount %d too small to redeem", tokensIn)
	}

	fee, _ := fpmath.CeilInt64(decimal.NewFromInt(gross).Mul(st.Params.SwapFee))
	t.Fee = fee

	// Selling above the target price is an arbitrage; part of the profit
	// stays in the reserve.
	if hasTarget {
		profit := decimal.NewFromInt(gross).Sub(decimal.NewFromInt(tokensIn).Mul(target))
		if profit.Sign() > 0 {
			t.ArbProfitTax, _ = fpmath.FloorInt64(profit.Mul(st.Params.ArbProfitTax))
		}
	}

	t.ReserveOut = gross - t.Fee - t.ArbProfitTax
	if t.ReserveOut <= 0 {
		return nil, apperr.Validation("amount %d too small to cover fees", tokensIn)
	}
	t.NewReserve = st.Reserve - t.ReserveOut
	return t, nil
}

// apply commits a planned trade to st and refits the coefficient.
func apply(st *State, t *Trade) {
	a := st.Assets[t.Asset]
	a.Supply = t.NewSupply
	st.Reserve = t.NewReserve
	st.refit()
	t.NewCoef = st.Coef
	t.Price = st.marginalPrice(t.Asset)
}
