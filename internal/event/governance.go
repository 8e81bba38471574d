package event

import "github.com/shopspring/decimal"

// StakeDeposit stakes the attached asset. Base-asset deposits carry a term
// and optional percentages within one vote group.
type StakeDeposit struct {
	Header
	TermDays    int64            `json:"term,omitempty"`
	GroupKey    string           `json:"voted_group_key,omitempty"`
	Percentages map[string]int64 `json:"percentages,omitempty"`
}

func (e *StakeDeposit) EventType() EventType { return EventTypeStakeDeposit }

// VoteValue votes on a curve parameter or a listing proposal.
type VoteValue struct {
	Header
	Name   string            `json:"name"`
	Value  string            `json:"value"`
	Params map[string]string `json:"params,omitempty"`
}

func (e *VoteValue) EventType() EventType { return EventTypeVoteValue }

type VoteRewardAsset struct {
	Header
	RewardAsset string `json:"reward_asset"`
	Whitelist   bool   `json:"whitelist"`
}

func (e *VoteRewardAsset) EventType() EventType { return EventTypeVoteRewardAsset }

// VoteShares moves allocated voting power within at most two groups.
type VoteShares struct {
	Header
	GroupKey1 string                     `json:"group_key1"`
	GroupKey2 string                     `json:"group_key2,omitempty"`
	Changes   map[string]decimal.Decimal `json:"changes"`
}

func (e *VoteShares) EventType() EventType { return EventTypeVoteShares }

// StakeWithdraw unstakes Asset; Amount 0 withdraws everything.
type StakeWithdraw struct {
	Header
	Asset       string `json:"perp_asset"`
	Amount      int64  `json:"amount,omitempty"`
	RewardAsset string `json:"reward_asset,omitempty"`
}

func (e *StakeWithdraw) EventType() EventType { return EventTypeStakeWithdraw }

type HarvestRewards struct {
	Header
	Asset       string `json:"perp_asset"`
	RewardAsset string `json:"reward_asset"`
}

func (e *HarvestRewards) EventType() EventType { return EventTypeHarvestRewards }

// RewardEmission delivers the attached reward asset to all stakers.
type RewardEmission struct {
	Header
}

func (e *RewardEmission) EventType() EventType { return EventTypeRewardEmission }
