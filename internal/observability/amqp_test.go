package observability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gridlens/gridlens/internal/core"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
	deadline bool
}

type fakePublisher struct {
	sent []published
	err  error
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	_, hasDeadline := ctx.Deadline()
	p.sent = append(p.sent, published{exchange: exchange, key: key, msg: msg, deadline: hasDeadline})
	return p.err
}

func TestAMQPSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := &AMQPSink{Publisher: pub, Exchange: "gridlens.events", Prefix: "billing."}
	at := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

	sink.Emit(context.Background(), core.Event{
		Type:     core.EventFailed,
		Time:     at,
		JobID:    "job-1",
		DedupKey: "weather|k|2025-01",
		Resource: "weather",
		Priority: core.PriorityMedium,
		Count:    3,
		Kind:     core.KindUpstream,
		Err:      errors.New("status 500"),
	})

	require.Len(t, pub.sent, 1)
	sent := pub.sent[0]
	require.Equal(t, "gridlens.events", sent.exchange)
	require.Equal(t, "billing.failed", sent.key)
	require.True(t, sent.deadline)
	require.Equal(t, "application/json", sent.msg.ContentType)
	require.Equal(t, amqp.Persistent, sent.msg.DeliveryMode)

	var msg eventMessage
	require.NoError(t, json.Unmarshal(sent.msg.Body, &msg))
	require.Equal(t, "failed", msg.Type)
	require.Equal(t, "medium", msg.Priority)
	require.Equal(t, "status 500", msg.Error)
	require.Equal(t, at, msg.Time)
}

func TestAMQPSinkDefaultPrefixAndFailures(t *testing.T) {
	observed, logs := observer.New(zap.WarnLevel)
	pub := &fakePublisher{err: errors.New("channel closed")}
	sink := &AMQPSink{Publisher: pub, Logger: zap.New(observed)}

	sink.Emit(context.Background(), core.Event{Type: core.EventCircuitChange, Resource: "weather", To: core.APIError})

	require.Equal(t, "gridlens.circuit_state_change", pub.sent[0].key)
	require.Equal(t, 1, logs.FilterMessage("Failed to publish event").Len())
}

func TestAMQPSinkWithoutPublisher(t *testing.T) {
	var sink *AMQPSink
	sink.Emit(context.Background(), core.Event{Type: core.EventEnqueued})
	(&AMQPSink{}).Emit(context.Background(), core.Event{Type: core.EventEnqueued})

	var conn *AMQPConnection
	require.NoError(t, conn.Close())
}
