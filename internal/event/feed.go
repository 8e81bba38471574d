package event

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FeedPriceUpdate is an oracle price for one feed. Gaps in the sequence are
// tolerated; stale updates are ignored.
type FeedPriceUpdate struct {
	FeedName  string          `json:"feed_name"`
	Price     decimal.Decimal `json:"price"`
	Sequence  int64           `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
}

func (f *FeedPriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("feed:%s:%d", f.FeedName, f.Sequence)
}

func (f *FeedPriceUpdate) EventType() EventType { return EventTypeFeedPriceUpdate }

func (f *FeedPriceUpdate) Partition() string { return "feed:" + f.FeedName }

func (f *FeedPriceUpdate) SourceSequence() int64 { return f.Sequence }

func (f *FeedPriceUpdate) Time() int64 { return f.Timestamp }
