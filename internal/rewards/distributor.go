// Package rewards splits reward-token emissions across staking pools by
// voting power and across stakers by balance. All accounting is lazy: pools
// and users are brought up to date when they are touched.
package rewards

import (
	"PerpCurve/internal/apperr"
	fpmath "PerpCurve/internal/math"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Stream is one whitelisted reward asset. Index is the cumulative emission
// per unit of allocated voting power, carried at IndexPrecision digits so a
// pool holding all of the voting power settles to exactly what was emitted.
type Stream struct {
	ID                 string          `json:"id"`
	RewardAsset        string          `json:"reward_asset"`
	Active             bool            `json:"active"`
	CumulativeReceived int64           `json:"cumulative_received"`
	Index              decimal.Decimal `json:"index"`
	// Pending holds emissions received while no voting power was allocated.
	Pending int64 `json:"pending"`
}

// PoolCheckpoint is the per-asset view of every stream.
type PoolCheckpoint struct {
	LastIndex  map[string]decimal.Decimal `json:"last_index"`
	Received   map[string]decimal.Decimal `json:"received"`
	PerBalance map[string]decimal.Decimal `json:"per_balance"`
	// Unassigned is what the pool received while nobody staked in it.
	Unassigned map[string]decimal.Decimal `json:"unassigned"`
}

func newPoolCheckpoint() *PoolCheckpoint {
	return &PoolCheckpoint{
		LastIndex:  make(map[string]decimal.Decimal),
		Received:   make(map[string]decimal.Decimal),
		PerBalance: make(map[string]decimal.Decimal),
		Unassigned: make(map[string]decimal.Decimal),
	}
}

// UserCheckpoint is one staker's position in one pool.
type UserCheckpoint struct {
	LastPerBalance map[string]decimal.Decimal `json:"last_per_balance"`
	Accrued        map[string]decimal.Decimal `json:"accrued"`
}

func newUserCheckpoint() *UserCheckpoint {
	return &UserCheckpoint{
		LastPerBalance: make(map[string]decimal.Decimal),
		Accrued:        make(map[string]decimal.Decimal),
	}
}

// State is the complete distributor state.
type State struct {
	Streams map[string]*Stream                    `json:"streams"`
	ByAsset map[string]string                     `json:"by_asset"`
	NextID  int                                   `json:"next_id"`
	Pools   map[string]*PoolCheckpoint            `json:"pools"`
	Users   map[string]map[string]*UserCheckpoint `json:"users"`
}

func NewState() *State {
	return &State{
		Streams: make(map[string]*Stream),
		ByAsset: make(map[string]string),
		NextID:  1,
		Pools:   make(map[string]*PoolCheckpoint),
		Users:   make(map[string]map[string]*UserCheckpoint),
	}
}

// Distributor owns the reward state.
type Distributor struct {
	state *State
}

func NewDistributor() *Distributor {
	return &Distributor{state: NewState()}
}

func (d *Distributor) State() *State {
	return d.state
}

func (d *Distributor) Restore(st *State) {
	d.state = st
}

// streamIDs returns stream ids in creation order.
func (d *Distributor) streamIDs() []string {
	ids := make([]string, 0, len(d.state.Streams))
	for id := range d.state.Streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Streams returns all streams in creation order.
func (d *Distributor) Streams() []*Stream {
	out := make([]*Stream, 0, len(d.state.Streams))
	for _, id := range d.streamIDs() {
		out = append(out, d.state.Streams[id])
	}
	return out
}

// Stream looks up the stream of a reward asset.
func (d *Distributor) Stream(rewardAsset string) (*Stream, bool) {
	id, ok := d.state.ByAsset[rewardAsset]
	if !ok {
		return nil, false
	}
	return d.state.Streams[id], true
}

// Whitelist activates the stream of rewardAsset, creating it with the next
// id on first use. Ids are never reused.
func (d *Distributor) Whitelist(rewardAsset string) (string, bool) {
	if s, ok := d.Stream(rewardAsset); ok {
		s.Active = true
		return s.ID, false
	}
	id := fmt.Sprintf("e%d", d.state.NextID)
	d.state.NextID++
	d.state.Streams[id] = &Stream{ID: id, RewardAsset: rewardAsset, Active: true, Index: decimal.Zero}
	d.state.ByAsset[rewardAsset] = id
	return id, true
}

// Blacklist stops new inflows of rewardAsset. Already accrued rewards stay
// claimable. Unknown assets are a no-op.
func (d *Distributor) Blacklist(rewardAsset string) (string, bool) {
	s, ok := d.Stream(rewardAsset)
	if !ok {
		return "", false
	}
	s.Active = false
	return s.ID, true
}

// ValidateReceive checks an inbound emission without applying it.
func (d *Distributor) ValidateReceive(rewardAsset string, amount int64) error {
	if amount <= 0 {
		return apperr.Validation("emission amount must be positive")
	}
	s, ok := d.Stream(rewardAsset)
	if !ok || !s.Active {
		return apperr.Validation("reward asset %s is not whitelisted", rewardAsset)
	}
	return nil
}

// Receive books an inbound emission against the currently allocated voting
// power.
func (d *Distributor) Receive(rewardAsset string, amount int64, allocatedVP decimal.Decimal) (string, error) {
	if err := d.ValidateReceive(rewardAsset, amount); err != nil {
		return "", err
	}
	s, _ := d.Stream(rewardAsset)
	s.CumulativeReceived += amount
	s.Pending += amount
	d.settlePending(s, allocatedVP)
	return s.ID, nil
}

// Settle folds emissions received while no voting power was allocated into
// the stream indexes once some is.
func (d *Distributor) Settle(allocatedVP decimal.Decimal) {
	for _, id := range d.streamIDs() {
		d.settlePending(d.state.Streams[id], allocatedVP)
	}
}

func (d *Distributor) settlePending(s *Stream, allocatedVP decimal.Decimal) {
	if s.Pending == 0 || allocatedVP.Sign() <= 0 {
		return
	}
	s.Index = s.Index.Add(fpmath.DivIndex(decimal.NewFromInt(s.Pending), allocatedVP))
	s.Pending = 0
}

func (d *Distributor) pool(asset string) *PoolCheckpoint {
	p, ok := d.state.Pools[asset]
	if !ok {
		p = newPoolCheckpoint()
		d.state.Pools[asset] = p
	}
	return p
}

// TouchPool brings a pool up to date using the voting power and staked
// balance it held since its last touch. Call it before either changes.
func (d *Distributor) TouchPool(asset string, poolVP decimal.Decimal, poolBalance int64) {
	p := d.pool(asset)
	for _, id := range d.streamIDs() {
		s := d.state.Streams[id]
		// A stream unseen by this pool was created after its last touch,
		// so its whole index accrued while the pool held poolVP.
		last := p.LastIndex[id]
		delta := s.Index.Sub(last)
		p.LastIndex[id] = s.Index
		if delta.Sign() <= 0 || poolVP.Sign() <= 0 {
			continue
		}
		received := fpmath.Round(delta.Mul(poolVP))
		p.Received[id] = p.Received[id].Add(received)
		if poolBalance > 0 {
			p.PerBalance[id] = p.PerBalance[id].Add(fpmath.DivIndex(received, decimal.NewFromInt(poolBalance)))
		} else {
			p.Unassigned[id] = p.Unassigned[id].Add(received)
		}
	}
}

func (d *Distributor) user(owner, asset string) *UserCheckpoint {
	byAsset, ok := d.state.Users[owner]
	if !ok {
		byAsset = make(map[string]*UserCheckpoint)
		d.state.Users[owner] = byAsset
	}
	u, ok := byAsset[asset]
	if !ok {
		u = newUserCheckpoint()
		byAsset[asset] = u
	}
	return u
}

// TouchUser accrues a staker's share of what the pool received since the
// user's last touch. The pool must have been touched first.
func (d *Distributor) TouchUser(owner, asset string, balance int64) {
	p := d.pool(asset)
	u := d.user(owner, asset)
	for _, id := range d.streamIDs() {
		cur := p.PerBalance[id]
		last := u.LastPerBalance[id]
		u.LastPerBalance[id] = cur
		if balance <= 0 {
			continue
		}
		if delta := cur.Sub(last); delta.Sign() > 0 {
			u.Accrued[id] = u.Accrued[id].Add(fpmath.Round(delta.Mul(decimal.NewFromInt(balance))))
		}
	}
}

// ValidateHarvest checks that rewardAsset has a stream.
func (d *Distributor) ValidateHarvest(rewardAsset string) error {
	if _, ok := d.Stream(rewardAsset); !ok {
		return apperr.Validation("unknown reward asset %s", rewardAsset)
	}
	return nil
}

// Harvest pays the whole-unit part of a staker's accrued rewards in one
// stream. Pool and user must have been touched first.
func (d *Distributor) Harvest(owner, asset, rewardAsset string) (int64, error) {
	s, ok := d.Stream(rewardAsset)
	if !ok {
		return 0, apperr.Validation("unknown reward asset %s", rewardAsset)
	}
	u := d.user(owner, asset)
	paid, err := fpmath.FloorInt64(u.Accrued[s.ID])
	if err != nil {
		return 0, apperr.Invariant("accrued rewards overflow")
	}
	if paid > 0 {
		u.Accrued[s.ID] = u.Accrued[s.ID].Sub(decimal.NewFromInt(paid))
	}
	return paid, nil
}

// Forget drops a user checkpoint once the stake is gone and nothing
// claimable is left.
func (d *Distributor) Forget(owner, asset string) bool {
	byAsset, ok := d.state.Users[owner]
	if !ok {
		return false
	}
	u, ok := byAsset[asset]
	if !ok {
		return false
	}
	for _, v := range u.Accrued {
		if v.GreaterThanOrEqual(fpmath.One) {
			return false
		}
	}
	delete(byAsset, asset)
	if len(byAsset) == 0 {
		delete(d.state.Users, owner)
	}
	return true
}

// PoolReceived returns the total a pool has received from a stream.
func (d *Distributor) PoolReceived(asset, streamID string) decimal.Decimal {
	p, ok := d.state.Pools[asset]
	if !ok {
		return decimal.Zero
	}
	return p.Received[streamID]
}

// Preview computes a staker's claimable rewards per reward asset as if pool
// and user were touched now, without mutating state.
func (d *Distributor) Preview(owner, asset string, poolVP decimal.Decimal, poolBalance, balance int64) map[string]int64 {
	out := make(map[string]int64)
	p := d.state.Pools[asset]
	var u *UserCheckpoint
	if byAsset, ok := d.state.Users[owner]; ok {
		u = byAsset[asset]
	}
	for _, id := range d.streamIDs() {
		s := d.state.Streams[id]
		perBalance, last := decimal.Zero, decimal.Zero
		if p != nil {
			perBalance = p.PerBalance[id]
			last = p.LastIndex[id]
		}
		if delta := s.Index.Sub(last); delta.Sign() > 0 && poolVP.Sign() > 0 && poolBalance > 0 {
			received := fpmath.Round(delta.Mul(poolVP))
			perBalance = perBalance.Add(fpmath.DivIndex(received, decimal.NewFromInt(poolBalance)))
		}
		accrued := decimal.Zero
		if u != nil {
			accrued = u.Accrued[id]
			if balance > 0 {
				if delta := perBalance.Sub(u.LastPerBalance[id]); delta.Sign() > 0 {
					accrued = accrued.Add(fpmath.Round(delta.Mul(decimal.NewFromInt(balance))))
				}
			}
		}
		v, _ := fpmath.FloorInt64(accrued)
		out[s.RewardAsset] = v
	}
	return out
}
