package ledger

import (
	"fmt"
	"sort"
)

// InvariantValidator checks ledger balances against engine state.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateCurveReserve checks the curve reserve account against the curve.
func (v *InvariantValidator) ValidateCurveReserve(reserveAsset string, want int64) error {
	if got := v.tracker.CurveReserve(reserveAsset); got != want {
		return fmt.Errorf("curve reserve account holds %d, curve reports %d", got, want)
	}
	return nil
}

// ValidatePresaleEscrow checks the escrow account against open presales.
func (v *InvariantValidator) ValidatePresaleEscrow(reserveAsset string, want int64) error {
	if got := v.tracker.PresaleEscrow(reserveAsset); got != want {
		return fmt.Errorf("presale escrow holds %d, presales report %d", got, want)
	}
	return nil
}

// ValidateIssuance checks minted-minus-burned tokens against circulation.
func (v *InvariantValidator) ValidateIssuance(asset string, circulating int64) error {
	if got := v.tracker.Issued(asset); got != circulating {
		return fmt.Errorf("issued %s is %d, circulating %d", asset, got, circulating)
	}
	return nil
}

// ValidateStakingCustody checks custody against staked pool balances.
func (v *InvariantValidator) ValidateStakingCustody(asset string, staked int64) error {
	if got := v.tracker.StakingCustody(asset); got != staked {
		return fmt.Errorf("staking custody for %s holds %d, pools report %d", asset, got, staked)
	}
	return nil
}

// ValidateRewardPool checks a reward pool never pays out more than it got.
func (v *InvariantValidator) ValidateRewardPool(rewardAsset string) error {
	return v.tracker.ValidateNonNegative(NewSystemAccountKey(SubTypeRewardPool, rewardAsset))
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()
	assets := make([]string, 0, len(totals))
	for a := range totals {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		if total := totals[asset]; total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", asset, total)
		}
	}

	return nil
}
