package ingestion

import (
	"PerpCurve/internal/event"
	"PerpCurve/internal/observability"
	"context"

	"github.com/rs/zerolog"
)

// Submitter hands a typed event to the core and waits for its response.
// core.Runner implements it.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (*event.Response, error)
}

// Loop drains raw messages into the core one at a time.
type Loop struct {
	raw     <-chan RawEvent
	core    Submitter
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewLoop(raw <-chan RawEvent, core Submitter, metrics *observability.Metrics, log zerolog.Logger) *Loop {
	return &Loop{raw: raw, core: core, metrics: metrics, log: log}
}

// Run processes messages until ctx is cancelled or the channel closes.
// Unparseable messages are acked and dropped; pipeline errors such as a
// sequence gap are nakked so JetStream redelivers in order.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-l.raw:
			if !ok {
				return nil
			}
			l.handle(ctx, raw)
		}
	}
}

func (l *Loop) handle(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw)
	if err != nil {
		l.count(raw.Kind, "parse_error")
		l.log.Warn().Str("subject", raw.Subject).Err(err).Msg("dropping unparseable message")
		ack(raw)
		return
	}

	resp, err := l.core.Submit(ctx, evt)
	if err != nil {
		l.count(raw.Kind, "retry")
		l.log.Warn().
			Str("event_type", evt.EventType().String()).
			Str("key", evt.IdempotencyKey()).
			Err(err).
			Msg("core did not accept event, requesting redelivery")
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
		return
	}

	switch {
	case resp.Duplicate:
		l.count(raw.Kind, "duplicate")
	case resp.OK:
		l.count(raw.Kind, "ok")
	default:
		l.count(raw.Kind, "rejected")
	}
	ack(raw)
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func (l *Loop) count(kind, outcome string) {
	if l.metrics != nil {
		l.metrics.IngestMessages.WithLabelValues(kind, outcome).Inc()
	}
}
