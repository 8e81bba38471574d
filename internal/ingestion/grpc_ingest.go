package ingestion

import (
	"PerpCurve/internal/apperr"
	"PerpCurve/internal/event"
	"context"

	"github.com/shopspring/decimal"
)

// GRPCIngestService is the synchronous request surface behind the gRPC
// Submit method. It parses the same wire format as the NATS subjects and
// waits for the core's response.
type GRPCIngestService struct {
	core Submitter
}

func NewGRPCIngestService(core Submitter) *GRPCIngestService {
	return &GRPCIngestService{core: core}
}

// Submit parses a request envelope and applies it.
func (s *GRPCIngestService) Submit(ctx context.Context, data []byte) (*event.Response, error) {
	evt, err := ParseRequest(data)
	if err != nil {
		return nil, apperr.Validation("%v", err)
	}
	return s.core.Submit(ctx, evt)
}

// InjectFeedPrice manually injects a feed price update.
func (s *GRPCIngestService) InjectFeedPrice(
	ctx context.Context,
	feedName string,
	price decimal.Decimal,
	sequence int64,
	timestamp int64,
) (*event.Response, error) {
	if price.Sign() <= 0 {
		return nil, apperr.Validation("feed price must be positive")
	}
	if feedName == "" {
		return nil, apperr.Validation("feed name required")
	}
	if sequence <= 0 {
		return nil, apperr.Validation("feed sequence must be positive")
	}
	return s.core.Submit(ctx, &event.FeedPriceUpdate{
		FeedName:  feedName,
		Price:     price,
		Sequence:  sequence,
		Timestamp: timestamp,
	})
}
