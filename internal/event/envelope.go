package event

import (
	"encoding/json"
	"fmt"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// Curve requests
	EventTypeExchange
	EventTypePresaleContribute
	EventTypePresaleWithdraw
	EventTypePresaleClaim

	// Governance requests
	EventTypeStakeDeposit
	EventTypeVoteValue
	EventTypeVoteRewardAsset
	EventTypeVoteShares
	EventTypeStakeWithdraw
	EventTypeHarvestRewards
	EventTypeRewardEmission

	// Oracle input
	EventTypeFeedPriceUpdate

	// Follow-ups generated inside the core
	EventTypeListAsset
	EventTypeChangeFeed
	EventTypeSetCurveParam
	EventTypeAssetListed
)

var eventTypeNames = map[EventType]string{
	EventTypeExchange:          "Exchange",
	EventTypePresaleContribute: "PresaleContribute",
	EventTypePresaleWithdraw:   "PresaleWithdraw",
	EventTypePresaleClaim:      "PresaleClaim",
	EventTypeStakeDeposit:      "StakeDeposit",
	EventTypeVoteValue:         "VoteValue",
	EventTypeVoteRewardAsset:   "VoteRewardAsset",
	EventTypeVoteShares:        "VoteShares",
	EventTypeStakeWithdraw:     "StakeWithdraw",
	EventTypeHarvestRewards:    "HarvestRewards",
	EventTypeRewardEmission:    "RewardEmission",
	EventTypeFeedPriceUpdate:   "FeedPriceUpdate",
	EventTypeListAsset:         "ListAsset",
	EventTypeChangeFeed:        "ChangeFeed",
	EventTypeSetCurveParam:     "SetCurveParam",
	EventTypeAssetListed:       "AssetListed",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(name string) (EventType, error) {
	for et, n := range eventTypeNames {
		if n == name {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", name)
}

// IsFollowUp reports whether events of this type may only be produced by
// the core itself.
func (et EventType) IsFollowUp() bool {
	return et >= EventTypeListAsset
}

// Target is the engine a request is addressed to.
func (et EventType) Target() string {
	switch {
	case et >= EventTypeExchange && et <= EventTypePresaleClaim:
		return TargetCurve
	case et >= EventTypeStakeDeposit && et <= EventTypeRewardEmission:
		return TargetGovernance
	case et == EventTypeFeedPriceUpdate:
		return TargetFeed
	default:
		return TargetSaga
	}
}

const (
	TargetCurve      = "curve"
	TargetGovernance = "governance"
	TargetFeed       = "feed"
	TargetSaga       = "saga"
)

// EventEnvelope wraps every transition in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Sequencing partition of the source
	Partition string

	// Versioned input timestamp, unix seconds (NOT wall-clock)
	Timestamp int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// Canonical JSON of the event
	Payload []byte

	// Rejected transitions change nothing but stay in the chain
	Rejected  bool
	ErrorKind string

	// Derived envelopes are follow-ups; replay regenerates them
	Derived bool
	Cause   string

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// Partition groups events whose source sequences are validated together
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Time returns the versioned input timestamp in unix seconds
	Time() int64
}

// Encode returns the canonical JSON of an event.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return data, nil
}

// Decode rebuilds a typed event from its canonical JSON.
func Decode(et EventType, data []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeExchange:
		evt = &Exchange{}
	case EventTypePresaleContribute:
		evt = &PresaleContribute{}
	case EventTypePresaleWithdraw:
		evt = &PresaleWithdraw{}
	case EventTypePresaleClaim:
		evt = &PresaleClaim{}
	case EventTypeStakeDeposit:
		evt = &StakeDeposit{}
	case EventTypeVoteValue:
		evt = &VoteValue{}
	case EventTypeVoteRewardAsset:
		evt = &VoteRewardAsset{}
	case EventTypeVoteShares:
		evt = &VoteShares{}
	case EventTypeStakeWithdraw:
		evt = &StakeWithdraw{}
	case EventTypeHarvestRewards:
		evt = &HarvestRewards{}
	case EventTypeRewardEmission:
		evt = &RewardEmission{}
	case EventTypeFeedPriceUpdate:
		evt = &FeedPriceUpdate{}
	case EventTypeListAsset:
		evt = &ListAsset{}
	case EventTypeChangeFeed:
		evt = &ChangeFeed{}
	case EventTypeSetCurveParam:
		evt = &SetCurveParam{}
	case EventTypeAssetListed:
		evt = &AssetListed{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", et)
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
