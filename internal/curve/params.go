package curve

import (
	"PerpCurve/internal/apperr"
	"strconv"

	"github.com/shopspring/decimal"
)

const day = 24 * 3600

// Governable parameter names.
const (
	ParamSwapFee              = "swap_fee"
	ParamArbProfitTax         = "arb_profit_tax"
	ParamAdjustmentPeriod     = "adjustment_period"
	ParamPresalePeriod        = "presale_period"
	ParamAuctionHalvingPeriod = "auction_price_halving_period"
)

// Params configures one curve instance.
type Params struct {
	ReserveAsset         string          `json:"reserve_asset" yaml:"reserve_asset"`
	BaseSymbol           string          `json:"base_symbol" yaml:"base_symbol"`
	SwapFee              decimal.Decimal `json:"swap_fee" yaml:"swap_fee"`
	ArbProfitTax         decimal.Decimal `json:"arb_profit_tax" yaml:"arb_profit_tax"`
	AdjustmentPeriod     int64           `json:"adjustment_period" yaml:"adjustment_period"`
	PresalePeriod        int64           `json:"presale_period" yaml:"presale_period"`
	AuctionHalvingPeriod int64           `json:"auction_price_halving_period" yaml:"auction_price_halving_period"`
	BaseCoefficient      decimal.Decimal `json:"base_coefficient" yaml:"base_coefficient"`
	InitialCoef          decimal.Decimal `json:"initial_coef" yaml:"initial_coef"`
}

func DefaultParams() Params {
	return Params{
		ReserveAsset:         "base",
		BaseSymbol:           "OSWAP",
		SwapFee:              decimal.RequireFromString("0.003"),
		ArbProfitTax:         decimal.RequireFromString("0.9"),
		AdjustmentPeriod:     4 * day,
		PresalePeriod:        14 * day,
		AuctionHalvingPeriod: 3 * day,
		BaseCoefficient:      decimal.NewFromInt(1),
		InitialCoef:          decimal.NewFromInt(1),
	}
}

func (p Params) Validate() error {
	if p.ReserveAsset == "" {
		return apperr.Validation("reserve asset required")
	}
	if err := checkFraction(ParamSwapFee, p.SwapFee, decimal.RequireFromString("0.5")); err != nil {
		return err
	}
	if err := checkFraction(ParamArbProfitTax, p.ArbProfitTax, decimal.NewFromInt(1)); err != nil {
		return err
	}
	if p.AdjustmentPeriod <= 0 || p.PresalePeriod <= 0 || p.AuctionHalvingPeriod <= 0 {
		return apperr.Validation("periods must be positive")
	}
	if p.BaseCoefficient.Sign() <= 0 || p.InitialCoef.Sign() <= 0 {
		return apperr.Validation("coefficients must be positive")
	}
	return nil
}

func checkFraction(name string, v, max decimal.Decimal) error {
	if v.Sign() < 0 || v.GreaterThan(max) {
		return apperr.Validation("%s must be within [0, %s], got %s", name, max, v)
	}
	return nil
}

// IsParam reports whether name is a governable curve parameter.
func IsParam(name string) bool {
	switch name {
	case ParamSwapFee, ParamArbProfitTax, ParamAdjustmentPeriod, ParamPresalePeriod, ParamAuctionHalvingPeriod:
		return true
	}
	return false
}

// ValidateParam checks a proposed value without applying it.
func (p Params) ValidateParam(name, value string) error {
	next := p
	return next.Set(name, value)
}

// Set applies a governed parameter change.
func (p *Params) Set(name, value string) error {
	next := *p
	switch name {
	case ParamSwapFee, ParamArbProfitTax:
		v, err := decimal.NewFromString(value)
		if err != nil {
			return apperr.Validation("%s: bad decimal %q", name, value)
		}
		if name == ParamSwapFee {
			next.SwapFee = v
		} else {
			next.ArbProfitTax = v
		}
	case ParamAdjustmentPeriod, ParamPresalePeriod, ParamAuctionHalvingPeriod:
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return apperr.Validation("%s: bad integer %q", name, value)
		}
		switch name {
		case ParamAdjustmentPeriod:
			next.AdjustmentPeriod = v
		case ParamPresalePeriod:
			next.PresalePeriod = v
		default:
			next.AuctionHalvingPeriod = v
		}
	default:
		return apperr.Validation("unknown curve parameter %q", name)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*p = next
	return nil
}
