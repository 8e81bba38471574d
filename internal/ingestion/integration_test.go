package ingestion_test

import (
	"PerpCurve/internal/event"
	"PerpCurve/internal/ingestion"
	"PerpCurve/internal/testutil"
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectTestNATS(t *testing.T) jetstream.JetStream {
	t.Helper()
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))
	for _, name := range []string{ingestion.StreamRequests, ingestion.StreamFeeds} {
		stream, err := js.Stream(ctx, name)
		require.NoError(t, err)
		require.NoError(t, stream.Purge(ctx))
	}
	return js
}

// ============================================================================
// Test: JetStream round trips
// ============================================================================

func TestIntegration_SubscriberDeliversRequests(t *testing.T) {
	js := connectTestNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rawChan := make(chan ingestion.RawEvent, 1)
	sub := ingestion.NewNATSSubscriber(js, rawChan, zerolog.Nop())
	require.NoError(t, sub.Subscribe(ctx, ingestion.DefaultSubjects()))
	defer sub.Stop()

	_, err := js.Publish(ctx, "perpcurve.requests.alice", []byte(`{
		"trigger_id": "nats-1", "sender": "alice", "timestamp": 1700000000, "sequence": 1,
		"target": "curve", "attached": {"asset": "base", "amount": "1000"},
		"data": {"asset": "a0"}
	}`))
	require.NoError(t, err)

	select {
	case raw := <-rawChan:
		assert.Equal(t, ingestion.KindRequest, raw.Kind)
		evt, err := ingestion.ParseRawEvent(raw)
		require.NoError(t, err)
		assert.Equal(t, event.EventTypeExchange, evt.EventType())
		raw.AckFunc()
	case <-ctx.Done():
		t.Fatal("request not delivered")
	}
}

func TestIntegration_PublisherWritesResponses(t *testing.T) {
	js := connectTestNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender := "it-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	out := ingestion.PublishableEvent{
		// unique per run so JetStream dedup does not swallow it
		Sequence:  time.Now().UnixNano(),
		EventType: "Exchange",
		Response:  &event.Response{TriggerID: "nats-2", Sender: sender, Target: event.TargetCurve, OK: true},
	}

	consumer, err := js.OrderedConsumer(ctx, ingestion.StreamResponses, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{out.Subject()},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	require.NoError(t, err)

	ch := make(chan ingestion.PublishableEvent, 1)
	ch <- out
	close(ch)
	require.NoError(t, ingestion.NewOutboundPublisher(js, ch, zerolog.Nop()).Run(ctx))

	msg, err := consumer.Next(jetstream.FetchMaxWait(5 * time.Second))
	require.NoError(t, err)

	var got ingestion.PublishableEvent
	require.NoError(t, json.Unmarshal(msg.Data(), &got))
	assert.Equal(t, out.Sequence, got.Sequence)
	require.NotNil(t, got.Response)
	assert.Equal(t, "nats-2", got.Response.TriggerID)
}
