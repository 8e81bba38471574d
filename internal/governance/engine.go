// Package governance implements staking, vote groups and proposal voting.
// Decisions that reconfigure the curve are returned to the caller as
// follow-up actions instead of being applied here.
package governance

import (
	"PerpCurve/internal/apperr"
	"PerpCurve/internal/rewards"
	"fmt"

	"github.com/shopspring/decimal"
)

// AssetDirectory is the read-only view of the curve governance needs.
type AssetDirectory interface {
	BaseAsset() string
	IsLive(asset string) bool
	Exists(asset string) bool
	ValidateParam(name, value string) error
}

// Engine owns stakes, voting power and proposals. Rewards are distributed
// by the embedded distributor, which it touches before any voting power or
// balance change.
type Engine struct {
	state   *State
	assets  AssetDirectory
	rewards *rewards.Distributor
}

// NewEngine creates the governance state with the base asset in group g1.
func NewEngine(params Params, assets AssetDirectory, dist *rewards.Distributor) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("governance params: %w", err)
	}
	e := &Engine{state: newState(params), assets: assets, rewards: dist}
	if _, err := e.AssignAsset(assets.BaseAsset()); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) State() *State {
	return e.state
}

func (e *Engine) Restore(st *State) error {
	if st == nil {
		return fmt.Errorf("empty governance state")
	}
	if err := st.Reconcile(); err != nil {
		return fmt.Errorf("restored governance state: %w", err)
	}
	e.state = st
	return nil
}

func (e *Engine) Rewards() *rewards.Distributor {
	return e.rewards
}

// AssignAsset places a newly listed asset in the last vote group, opening a
// new group when it is full.
func (e *Engine) AssignAsset(asset string) (string, error) {
	st := e.state
	if key, ok := st.AssetGroup[asset]; ok {
		return key, nil
	}
	var g *VoteGroup
	if n := len(st.Groups); n > 0 && len(st.Groups[n-1].Members) < st.Params.GroupCapacity {
		g = st.Groups[n-1]
	} else {
		if len(st.Groups) >= st.Params.MaxGroups {
			return "", apperr.Capacity("all %d vote groups are full", st.Params.MaxGroups)
		}
		g = &VoteGroup{
			Key:    fmt.Sprintf("g%d", len(st.Groups)+1),
			Totals: make(map[string]decimal.Decimal),
			Total:  decimal.Zero,
		}
		st.Groups = append(st.Groups, g)
	}
	g.Members = append(g.Members, asset)
	g.Totals[asset] = decimal.Zero
	st.AssetGroup[asset] = g.Key
	return g.Key, nil
}

// touchPool checkpoints an asset's reward pool at its current vp and
// balance.
func (e *Engine) touchPool(asset string) {
	e.rewards.TouchPool(asset, e.state.poolVP(asset), e.state.PoolBalances[asset])
}

// touch checkpoints a pool and one staker in it.
func (e *Engine) touch(owner, asset string) {
	e.touchPool(asset)
	var balance int64
	if st := e.state.stake(owner, asset); st != nil {
		balance = st.Amount
	}
	e.rewards.TouchUser(owner, asset, balance)
}

// ReceiveEmission books an inbound reward transfer.
func (e *Engine) ReceiveEmission(rewardAsset string, amount int64) (string, error) {
	return e.rewards.Receive(rewardAsset, amount, e.state.AllocatedVP)
}

// Harvest pays a staker's accrued rewards of one reward asset in one pool.
func (e *Engine) Harvest(owner, asset, rewardAsset string) (int64, error) {
	if err := e.rewards.ValidateHarvest(rewardAsset); err != nil {
		return 0, err
	}
	e.touch(owner, asset)
	return e.rewards.Harvest(owner, asset, rewardAsset)
}

// StakeView is a staker's position in one asset.
type StakeView struct {
	Owner        string           `json:"owner"`
	Asset        string           `json:"asset"`
	Amount       int64            `json:"amount"`
	LockedUntil  int64            `json:"locked_until,omitempty"`
	NormalizedVP decimal.Decimal  `json:"normalized_vp"`
	Rewards      map[string]int64 `json:"rewards"`
}

// Stake returns a staker's position with rewards as if harvested now.
func (e *Engine) Stake(owner, asset string) (*StakeView, error) {
	st := e.state.stake(owner, asset)
	if st == nil {
		return nil, apperr.Validation("no %s stake for %s", asset, owner)
	}
	return &StakeView{
		Owner:        owner,
		Asset:        asset,
		Amount:       st.Amount,
		LockedUntil:  st.LockedUntil,
		NormalizedVP: st.NormalizedVP,
		Rewards:      e.PendingRewards(owner, asset),
	}, nil
}

// PendingRewards previews claimable rewards per reward asset.
func (e *Engine) PendingRewards(owner, asset string) map[string]int64 {
	var balance int64
	if st := e.state.stake(owner, asset); st != nil {
		balance = st.Amount
	}
	return e.rewards.Preview(owner, asset, e.state.poolVP(asset), e.state.PoolBalances[asset], balance)
}

// Voter returns a copy of an owner's voting record.
func (e *Engine) Voter(owner string) (*Voter, bool) {
	v, ok := e.state.Voters[owner]
	if !ok {
		return nil, false
	}
	cp := *v
	cp.Allocations = make(map[string]decimal.Decimal, len(v.Allocations))
	for k, a := range v.Allocations {
		cp.Allocations[k] = a
	}
	cp.Votes = make(map[string]string, len(v.Votes))
	for k, val := range v.Votes {
		cp.Votes[k] = val
	}
	return &cp, true
}

// Groups returns the vote groups in creation order.
func (e *Engine) Groups() []*VoteGroup {
	return e.state.Groups
}

func (e *Engine) Proposal(key string) (*Proposal, bool) {
	p, ok := e.state.Proposals[key]
	return p, ok
}

func (e *Engine) PoolVP(asset string) decimal.Decimal {
	return e.state.poolVP(asset)
}

func (e *Engine) PoolBalance(asset string) int64 {
	return e.state.PoolBalances[asset]
}

func (e *Engine) TotalVP() decimal.Decimal {
	return e.state.TotalVP
}

func (e *Engine) AllocatedVP() decimal.Decimal {
	return e.state.AllocatedVP
}

// Reconcile verifies vote totals at every level.
func (e *Engine) Reconcile() error {
	return e.state.Reconcile()
}
