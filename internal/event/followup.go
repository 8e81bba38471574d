package event

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FollowUp identifies a transition one engine requested of another. It runs
// after its cause commits and shares the cause's timestamp.
type FollowUp struct {
	Cause     string `json:"cause"`
	Index     int    `json:"index"`
	Timestamp int64  `json:"timestamp"`
}

func (f *FollowUp) IdempotencyKey() string { return fmt.Sprintf("%s#%d", f.Cause, f.Index) }

func (f *FollowUp) Partition() string { return "saga" }

func (f *FollowUp) SourceSequence() int64 { return int64(f.Index) }

func (f *FollowUp) Time() int64 { return f.Timestamp }

// Origin exposes the follow-up header.
func (f *FollowUp) Origin() *FollowUp { return f }

// ListAsset opens a presale for an approved asset. Feed is set for
// feed-priced assets, InitialPrice for auctions.
type ListAsset struct {
	FollowUp
	Proposal     string          `json:"proposal"`
	Symbol       string          `json:"symbol"`
	Feed         string          `json:"feed,omitempty"`
	InitialPrice decimal.Decimal `json:"initial_price"`
	MaxTokens    int64           `json:"max_tokens,omitempty"`
}

func (e *ListAsset) EventType() EventType { return EventTypeListAsset }

type ChangeFeed struct {
	FollowUp
	Asset string `json:"asset"`
	Feed  string `json:"feed"`
}

func (e *ChangeFeed) EventType() EventType { return EventTypeChangeFeed }

type SetCurveParam struct {
	FollowUp
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (e *SetCurveParam) EventType() EventType { return EventTypeSetCurveParam }

// AssetListed tells governance about a new curve asset so it joins a vote
// group.
type AssetListed struct {
	FollowUp
	Asset string `json:"asset"`
}

func (e *AssetListed) EventType() EventType { return EventTypeAssetListed }
