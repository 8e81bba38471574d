package query

import (
	"PerpCurve/internal/event"
	"PerpCurve/internal/governance"
	"PerpCurve/internal/projection"

	"github.com/shopspring/decimal"
)

// PriceResponse answers get_price.
type PriceResponse struct {
	Asset        string          `json:"asset"`
	Price        decimal.Decimal `json:"price"`
	TargetPrice  decimal.Decimal `json:"target_price,omitempty"`
	Adjusted     bool            `json:"adjusted"`
	At           int64           `json:"at"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// AuctionPriceResponse answers get_auction_price.
type AuctionPriceResponse struct {
	Asset        string          `json:"asset"`
	Price        decimal.Decimal `json:"price"`
	At           int64           `json:"at"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// ExchangeResultResponse answers get_exchange_result with the deltas a
// matching exchange would realize on the current state.
type ExchangeResultResponse struct {
	Asset        string          `json:"asset"`
	DeltaS       int64           `json:"delta_s"`
	DeltaR       int64           `json:"delta_r"`
	Fee          int64           `json:"fee"`
	ArbProfitTax int64           `json:"arb_profit_tax"`
	NewSupply    int64           `json:"new_supply"`
	NewReserve   int64           `json:"new_reserve"`
	NewCoef      decimal.Decimal `json:"new_coef"`
	Price        decimal.Decimal `json:"price"`
	TargetPrice  decimal.Decimal `json:"target_price"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// RewardsResponse answers get_rewards: claimable amounts per reward asset.
type RewardsResponse struct {
	User         string           `json:"user"`
	Asset        string           `json:"asset"`
	Rewards      map[string]int64 `json:"rewards"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// StakeResponse answers get_stake.
type StakeResponse struct {
	governance.StakeView
	AsOfSequence int64 `json:"as_of_sequence"`
}

// VoteGroupsResponse answers get_vote_groups.
type VoteGroupsResponse struct {
	Groups       []governance.VoteGroup `json:"groups"`
	TotalVP      decimal.Decimal        `json:"total_vp"`
	AllocatedVP  decimal.Decimal        `json:"allocated_vp"`
	AsOfSequence int64                  `json:"as_of_sequence"`
}

// AssetResponse answers get_asset from the projection when it is fresh
// enough, else from the core.
type AssetResponse struct {
	projection.AssetSnapshot
	Cached bool `json:"cached"`
}

// BalancesResponse lists projected custody balances.
type BalancesResponse struct {
	Balances     map[string]int64 `json:"balances"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// ResponsesResponse lists recent responses for an address, newest first.
type ResponsesResponse struct {
	Address      string           `json:"address"`
	Responses    []event.Response `json:"responses"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	InvariantError   string            `json:"invariant_error,omitempty"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}

// EventLogInfo compares the core head with the persistence and projection
// watermarks. A watermark of -1 means that sink is not configured.
type EventLogInfo struct {
	CoreSequence      int64  `json:"core_sequence"`
	StateHash         string `json:"state_hash"`
	PersistedSequence int64  `json:"persisted_sequence"`
	ProjectedSequence int64  `json:"projected_sequence"`
}
