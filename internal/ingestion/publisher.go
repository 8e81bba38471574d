package ingestion

import (
	"PerpCurve/internal/event"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes responses of committed transitions to NATS.
// Subjects follow perpcurve.responses.{target}.{sender}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	log       zerolog.Logger
}

// PublishableEvent is a committed transition ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Rejected       bool            `json:"rejected"`
	Derived        bool            `json:"derived,omitempty"`
	StateHash      string          `json:"state_hash"`
	Timestamp      int64           `json:"timestamp"`
	Response       *event.Response `json:"response"`
}

// NewPublishableEvent converts a committed transition.
func NewPublishableEvent(env *event.EventEnvelope, resp *event.Response) PublishableEvent {
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Rejected:       env.Rejected,
		Derived:        env.Derived,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
		Response:       resp,
	}
}

// Subject returns the outbound subject of the event.
func (p PublishableEvent) Subject() string {
	target, sender := event.TargetSaga, "core"
	if p.Response != nil {
		target = p.Response.Target
		if p.Response.Sender != "" {
			sender = p.Response.Sender
		}
	}
	return fmt.Sprintf("perpcurve.responses.%s.%s", target, sender)
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: consumers can read the event log instead.
				op.log.Warn().Int64("sequence", evt.Sequence).Err(err).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(fmt.Sprintf("seq-%d", evt.Sequence)))
	return err
}
