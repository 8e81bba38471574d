package governance

import (
	"PerpCurve/internal/apperr"
	fpmath "PerpCurve/internal/math"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

const day = 24 * 3600

// Params configures staking and voting.
type Params struct {
	Growth          fpmath.GrowthCurve `json:"growth" yaml:"growth"`
	MinTermDays     int64              `json:"min_term_days" yaml:"min_term_days"`
	MaxTermDays     int64              `json:"max_term_days" yaml:"max_term_days"`
	GroupCapacity   int                `json:"group_capacity" yaml:"group_capacity"`
	MaxGroups       int                `json:"max_groups" yaml:"max_groups"`
	MinLeadFraction decimal.Decimal    `json:"min_lead_fraction" yaml:"min_lead_fraction"`
}

func DefaultParams() Params {
	return Params{
		Growth:          fpmath.DefaultGrowthCurve(),
		MinTermDays:     14,
		MaxTermDays:     4 * 360,
		GroupCapacity:   30,
		MaxGroups:       100,
		MinLeadFraction: decimal.RequireFromString("0.01"),
	}
}

func (p Params) Validate() error {
	if p.Growth.Period <= 0 || p.Growth.Base.Sign() <= 0 {
		return fmt.Errorf("growth curve must have positive base and period")
	}
	if p.MinTermDays <= 0 || p.MaxTermDays < p.MinTermDays {
		return fmt.Errorf("invalid term bounds [%d, %d]", p.MinTermDays, p.MaxTermDays)
	}
	if p.GroupCapacity <= 0 || p.MaxGroups <= 0 {
		return fmt.Errorf("group capacity and max groups must be positive")
	}
	if p.MinLeadFraction.Sign() < 0 || p.MinLeadFraction.GreaterThanOrEqual(fpmath.One) {
		return fmt.Errorf("min lead fraction must be within [0, 1)")
	}
	return nil
}

// Stake is one owner's deposit of one asset. Only base-asset stakes lock and
// carry voting power.
type Stake struct {
	Amount       int64           `json:"amount"`
	LockedUntil  int64           `json:"locked_until,omitempty"`
	NormalizedVP decimal.Decimal `json:"normalized_vp"`
}

// Voter aggregates an owner's voting power. Allocations never sum above
// NormalizedVP; the unallocated rest still counts for proposal votes.
type Voter struct {
	NormalizedVP decimal.Decimal            `json:"normalized_vp"`
	Allocations  map[string]decimal.Decimal `json:"allocations"`
	Votes        map[string]string          `json:"votes"`
}

func newVoter() *Voter {
	return &Voter{
		NormalizedVP: decimal.Zero,
		Allocations:  make(map[string]decimal.Decimal),
		Votes:        make(map[string]string),
	}
}

func (v *Voter) allocated() decimal.Decimal {
	total := decimal.Zero
	for _, a := range v.Allocations {
		total = total.Add(a)
	}
	return total
}

// VoteGroup is a bounded set of assets among which voting power is
// allocated.
type VoteGroup struct {
	Key     string                     `json:"key"`
	Members []string                   `json:"members"`
	Totals  map[string]decimal.Decimal `json:"totals"`
	Total   decimal.Decimal            `json:"total"`
}

func (g *VoteGroup) has(asset string) bool {
	_, ok := g.Totals[asset]
	return ok
}

// Proposal tracks support per candidate value and the committed leader.
type Proposal struct {
	Key      string                     `json:"key"`
	Name     string                     `json:"name"`
	Params   map[string]string          `json:"params,omitempty"`
	Support  map[string]decimal.Decimal `json:"support"`
	Leader   string                     `json:"leader"`
	Executed bool                       `json:"executed,omitempty"`
}

// State is the complete governance state.
type State struct {
	Stakes       map[string]map[string]*Stake `json:"stakes"`
	Voters       map[string]*Voter            `json:"voters"`
	Groups       []*VoteGroup                 `json:"groups"`
	AssetGroup   map[string]string            `json:"asset_group"`
	PoolBalances map[string]int64             `json:"pool_balances"`
	TotalVP      decimal.Decimal              `json:"total_vp"`
	AllocatedVP  decimal.Decimal              `json:"allocated_vp"`
	Proposals    map[string]*Proposal         `json:"proposals"`
	Params       Params                       `json:"params"`
}

func newState(params Params) *State {
	return &State{
		Stakes:       make(map[string]map[string]*Stake),
		Voters:       make(map[string]*Voter),
		AssetGroup:   make(map[string]string),
		PoolBalances: make(map[string]int64),
		TotalVP:      decimal.Zero,
		AllocatedVP:  decimal.Zero,
		Proposals:    make(map[string]*Proposal),
		Params:       params,
	}
}

func (s *State) stake(owner, asset string) *Stake {
	if byAsset, ok := s.Stakes[owner]; ok {
		return byAsset[asset]
	}
	return nil
}

func (s *State) putStake(owner, asset string, st *Stake) {
	byAsset, ok := s.Stakes[owner]
	if !ok {
		byAsset = make(map[string]*Stake)
		s.Stakes[owner] = byAsset
	}
	byAsset[asset] = st
}

func (s *State) deleteStake(owner, asset string) {
	byAsset, ok := s.Stakes[owner]
	if !ok {
		return
	}
	delete(byAsset, asset)
	if len(byAsset) == 0 {
		delete(s.Stakes, owner)
	}
}

func (s *State) group(key string) (*VoteGroup, error) {
	for _, g := range s.Groups {
		if g.Key == key {
			return g, nil
		}
	}
	return nil, apperr.Validation("unknown vote group %q", key)
}

// poolVP is the voting power allocated to an asset's reward pool.
func (s *State) poolVP(asset string) decimal.Decimal {
	key, ok := s.AssetGroup[asset]
	if !ok {
		return decimal.Zero
	}
	g, err := s.group(key)
	if err != nil {
		return decimal.Zero
	}
	return g.Totals[asset]
}

// addAllocation moves delta vp onto an asset for a voter and its group.
func (s *State) addAllocation(v *Voter, asset string, delta decimal.Decimal) {
	if delta.IsZero() {
		return
	}
	g, _ := s.group(s.AssetGroup[asset])
	next := v.Allocations[asset].Add(delta)
	if next.IsZero() {
		delete(v.Allocations, asset)
	} else {
		v.Allocations[asset] = next
	}
	g.Totals[asset] = g.Totals[asset].Add(delta)
	g.Total = g.Total.Add(delta)
	s.AllocatedVP = s.AllocatedVP.Add(delta)
}

// shiftSupport moves a voter's weight on all its votes by delta.
func (s *State) shiftSupport(v *Voter, delta decimal.Decimal) {
	if delta.IsZero() {
		return
	}
	for _, key := range sortedKeys(v.Votes) {
		p, ok := s.Proposals[key]
		if !ok {
			continue
		}
		value := v.Votes[key]
		p.Support[value] = p.Support[value].Add(delta)
	}
}

// Reconcile verifies that vote totals agree at every level.
func (s *State) Reconcile() error {
	perAsset := make(map[string]decimal.Decimal)
	voterTotal := decimal.Zero
	for _, owner := range sortedKeys(s.Voters) {
		v := s.Voters[owner]
		voterTotal = voterTotal.Add(v.NormalizedVP)
		if v.allocated().GreaterThan(v.NormalizedVP) {
			return apperr.Invariant("voter %s allocated %s above its vp %s", owner, v.allocated(), v.NormalizedVP)
		}
		for asset, a := range v.Allocations {
			if a.Sign() < 0 {
				return apperr.Invariant("voter %s has negative allocation on %s", owner, asset)
			}
			perAsset[asset] = perAsset[asset].Add(a)
		}
	}
	if !voterTotal.Equal(s.TotalVP) {
		return apperr.Invariant("total vp %s != sum of voters %s", s.TotalVP, voterTotal)
	}

	allocated := decimal.Zero
	for _, g := range s.Groups {
		sum := decimal.Zero
		for _, asset := range g.Members {
			t := g.Totals[asset]
			if !t.Equal(perAsset[asset]) {
				return apperr.Invariant("group %s total for %s is %s, voters hold %s", g.Key, asset, t, perAsset[asset])
			}
			sum = sum.Add(t)
		}
		if !sum.Equal(g.Total) {
			return apperr.Invariant("group %s total %s != sum of assets %s", g.Key, g.Total, sum)
		}
		allocated = allocated.Add(g.Total)
	}
	if !allocated.Equal(s.AllocatedVP) {
		return apperr.Invariant("allocated vp %s != sum of groups %s", s.AllocatedVP, allocated)
	}

	balances := make(map[string]int64)
	for _, byAsset := range s.Stakes {
		for asset, st := range byAsset {
			balances[asset] += st.Amount
		}
	}
	for asset, b := range s.PoolBalances {
		if balances[asset] != b {
			return apperr.Invariant("pool %s balance %d != sum of stakes %d", asset, b, balances[asset])
		}
	}
	for asset, b := range balances {
		if s.PoolBalances[asset] != b {
			return apperr.Invariant("stakes in %s sum to %d, pool records %d", asset, b, s.PoolBalances[asset])
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
