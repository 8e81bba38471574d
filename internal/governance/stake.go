package governance

import (
	"PerpCurve/internal/apperr"
	fpmath "PerpCurve/internal/math"

	"github.com/shopspring/decimal"
)

// DepositRequest stakes an asset. Base-asset deposits lock for TermDays and
// may allocate the new voting power by integer percentages within one
// group; deposits of other assets only join that asset's reward pool.
type DepositRequest struct {
	Owner       string
	Asset       string
	Amount      int64
	TermDays    int64
	GroupKey    string
	Percentages map[string]int64
}

type DepositResult struct {
	Asset       string          `json:"asset"`
	Staked      int64           `json:"staked"`
	LockedUntil int64           `json:"locked_until,omitempty"`
	AddedVP     decimal.Decimal `json:"added_vp"`
}

func (e *Engine) Deposit(req DepositRequest, now int64) (*DepositResult, error) {
	if req.Owner == "" {
		return nil, apperr.Validation("owner required")
	}
	if req.Amount <= 0 {
		return nil, apperr.Validation("deposit amount must be positive")
	}
	if req.Asset == e.assets.BaseAsset() {
		return e.depositBase(req, now)
	}
	return e.depositAsset(req)
}

func (e *Engine) depositBase(req DepositRequest, now int64) (*DepositResult, error) {
	st := e.state
	p := st.Params
	base := req.Asset
	existing := st.stake(req.Owner, base)

	var lock int64
	switch {
	case req.TermDays != 0:
		if req.TermDays < p.MinTermDays || req.TermDays > p.MaxTermDays {
			return nil, apperr.Validation("term must be within [%d, %d] days, got %d", p.MinTermDays, p.MaxTermDays, req.TermDays)
		}
		lock = now + req.TermDays*day
		if existing != nil && existing.LockedUntil > lock {
			lock = existing.LockedUntil
		}
	case existing != nil && existing.LockedUntil > now:
		lock = existing.LockedUntil
	default:
		return nil, apperr.Validation("term required")
	}

	vp, err := p.Growth.Normalize(req.Amount, now)
	if err != nil {
		return nil, apperr.Validation("voting power: %v", err)
	}
	voter := st.Voters[req.Owner]
	alloc, err := e.planAllocation(voter, req.GroupKey, req.Percentages, vp)
	if err != nil {
		return nil, err
	}

	// Checkpoint rewards before pool voting power and balances move.
	assets := sortedKeys(alloc)
	for _, a := range assets {
		e.touchPool(a)
	}
	e.touch(req.Owner, base)

	if voter == nil {
		voter = newVoter()
		st.Voters[req.Owner] = voter
	}
	stake := existing
	if stake == nil {
		stake = &Stake{NormalizedVP: decimal.Zero}
		st.putStake(req.Owner, base, stake)
	}
	stake.Amount += req.Amount
	stake.LockedUntil = lock
	stake.NormalizedVP = stake.NormalizedVP.Add(vp)
	st.PoolBalances[base] += req.Amount

	voter.NormalizedVP = voter.NormalizedVP.Add(vp)
	st.TotalVP = st.TotalVP.Add(vp)
	st.shiftSupport(voter, vp)
	for _, a := range assets {
		st.addAllocation(voter, a, alloc[a])
	}
	e.rewards.Settle(st.AllocatedVP)

	return &DepositResult{Asset: base, Staked: stake.Amount, LockedUntil: lock, AddedVP: vp}, nil
}

// planAllocation splits new voting power across assets. Explicit
// percentages apply to one group; otherwise the voter's current allocation
// proportions are kept.
func (e *Engine) planAllocation(voter *Voter, groupKey string, pcts map[string]int64, vp decimal.Decimal) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	if len(pcts) > 0 {
		g, err := e.state.group(groupKey)
		if err != nil {
			return nil, err
		}
		var total int64
		for _, asset := range sortedKeys(pcts) {
			pct := pcts[asset]
			if !g.has(asset) {
				return nil, apperr.Validation("asset %s is not in group %s", asset, groupKey)
			}
			if pct < 0 || pct > 100 {
				return nil, apperr.Validation("percentage for %s out of range: %d", asset, pct)
			}
			total += pct
			if pct > 0 {
				out[asset] = fpmath.DivFloor(vp.Mul(decimal.NewFromInt(pct)), decimal.NewFromInt(100))
			}
		}
		if total > 100 {
			return nil, apperr.Validation("percentages sum to %d", total)
		}
		return out, nil
	}
	if voter == nil || voter.NormalizedVP.Sign() <= 0 {
		return out, nil
	}
	for _, asset := range sortedKeys(voter.Allocations) {
		share := fpmath.DivFloor(vp.Mul(voter.Allocations[asset]), voter.NormalizedVP)
		if share.Sign() > 0 {
			out[asset] = share
		}
	}
	return out, nil
}

func (e *Engine) depositAsset(req DepositRequest) (*DepositResult, error) {
	if !e.assets.IsLive(req.Asset) {
		return nil, apperr.Validation("asset %q is not a live asset", req.Asset)
	}
	if req.TermDays != 0 || len(req.Percentages) > 0 {
		return nil, apperr.Validation("only %s deposits lock and allocate voting power", e.assets.BaseAsset())
	}
	st := e.state
	e.touch(req.Owner, req.Asset)

	stake := st.stake(req.Owner, req.Asset)
	if stake == nil {
		stake = &Stake{NormalizedVP: decimal.Zero}
		st.putStake(req.Owner, req.Asset, stake)
	}
	stake.Amount += req.Amount
	st.PoolBalances[req.Asset] += req.Amount
	return &DepositResult{Asset: req.Asset, Staked: stake.Amount, AddedVP: decimal.Zero}, nil
}

// WithdrawRequest unstakes Amount (zero means everything) and optionally
// harvests one reward asset from the same pool.
type WithdrawRequest struct {
	Owner       string
	Asset       string
	Amount      int64
	RewardAsset string
}

type WithdrawResult struct {
	Asset       string          `json:"asset"`
	Amount      int64           `json:"amount"`
	RemovedVP   decimal.Decimal `json:"removed_vp"`
	RewardAsset string          `json:"reward_asset,omitempty"`
	Reward      int64           `json:"reward,omitempty"`
}

func (e *Engine) Withdraw(req WithdrawRequest, now int64) (*WithdrawResult, error) {
	st := e.state
	stake := st.stake(req.Owner, req.Asset)
	if stake == nil {
		return nil, apperr.Validation("no %s stake for %s", req.Asset, req.Owner)
	}
	amount := req.Amount
	if amount == 0 {
		amount = stake.Amount
	}
	if amount < 0 || amount > stake.Amount {
		return nil, apperr.Validation("withdraw amount %d out of range, staked %d", amount, stake.Amount)
	}
	isBase := req.Asset == e.assets.BaseAsset()
	if isBase && now < stake.LockedUntil {
		return nil, apperr.NotYetWithdrawable("locked until %d", stake.LockedUntil)
	}
	if req.RewardAsset != "" {
		if err := e.rewards.ValidateHarvest(req.RewardAsset); err != nil {
			return nil, err
		}
	}

	full := amount == stake.Amount
	removed := decimal.Zero
	reductions := make(map[string]decimal.Decimal)
	var voter *Voter
	if isBase {
		voter = st.Voters[req.Owner]
		if voter == nil {
			return nil, apperr.Invariant("base stake of %s has no voter record", req.Owner)
		}
		if full {
			removed = stake.NormalizedVP
		} else {
			removed = fpmath.DivFloor(stake.NormalizedVP.Mul(decimal.NewFromInt(amount)), decimal.NewFromInt(stake.Amount))
		}
		remaining := voter.NormalizedVP.Sub(removed)
		for _, asset := range sortedKeys(voter.Allocations) {
			a := voter.Allocations[asset]
			cut := a
			if remaining.Sign() > 0 {
				cut = fpmath.DivCeil(a.Mul(removed), voter.NormalizedVP)
				if cut.GreaterThan(a) {
					cut = a
				}
			}
			if cut.Sign() > 0 {
				reductions[asset] = cut
			}
		}
	}

	// Checkpoint rewards before pool voting power and balances move.
	for _, asset := range sortedKeys(reductions) {
		e.touchPool(asset)
	}
	e.touch(req.Owner, req.Asset)

	res := &WithdrawResult{Asset: req.Asset, Amount: amount, RemovedVP: removed, RewardAsset: req.RewardAsset}
	if req.RewardAsset != "" {
		paid, err := e.rewards.Harvest(req.Owner, req.Asset, req.RewardAsset)
		if err != nil {
			return nil, err
		}
		res.Reward = paid
	}

	stake.Amount -= amount
	stake.NormalizedVP = stake.NormalizedVP.Sub(removed)
	st.PoolBalances[req.Asset] -= amount

	if voter != nil {
		for _, asset := range sortedKeys(reductions) {
			st.addAllocation(voter, asset, reductions[asset].Neg())
		}
		voter.NormalizedVP = voter.NormalizedVP.Sub(removed)
		st.TotalVP = st.TotalVP.Sub(removed)
		st.shiftSupport(voter, removed.Neg())
		if voter.NormalizedVP.IsZero() {
			e.dropVotes(voter)
			delete(st.Voters, req.Owner)
		}
	}
	if stake.Amount == 0 {
		st.deleteStake(req.Owner, req.Asset)
		e.rewards.Forget(req.Owner, req.Asset)
	}
	return res, nil
}

// dropVotes removes a voter with no remaining weight from all proposals.
func (e *Engine) dropVotes(v *Voter) {
	for _, key := range sortedKeys(v.Votes) {
		p, ok := e.state.Proposals[key]
		if !ok {
			continue
		}
		value := v.Votes[key]
		if p.Support[value].IsZero() {
			delete(p.Support, value)
		}
	}
	v.Votes = make(map[string]string)
}
