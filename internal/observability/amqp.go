package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/gridlens/gridlens/internal/core"
)

// Publisher is the subset of *amqp.Channel used by AMQPSink.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes pipeline events as JSON messages, routed by
// "<prefix>.<event type>". Publishing failures are logged and dropped.
type AMQPSink struct {
	Publisher Publisher
	Exchange  string
	Prefix    string
	Timeout   time.Duration
	Logger    Logger
}

type eventMessage struct {
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	JobID      string    `json:"job_id,omitempty"`
	DedupKey   string    `json:"dedup_key,omitempty"`
	Resource   string    `json:"resource,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	Count      int       `json:"count,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func newEventMessage(event core.Event) eventMessage {
	msg := eventMessage{
		Type:       string(event.Type),
		Time:       event.Time.UTC(),
		JobID:      event.JobID,
		DedupKey:   event.DedupKey,
		Resource:   event.Resource,
		Count:      event.Count,
		From:       string(event.From),
		To:         string(event.To),
		Kind:       string(event.Kind),
		DurationMS: event.Duration.Milliseconds(),
	}
	if event.JobID != "" {
		msg.Priority = event.Priority.String()
	}
	if event.Err != nil {
		msg.Error = event.Err.Error()
	}
	return msg
}

func (s *AMQPSink) Emit(ctx context.Context, event core.Event) {
	if s == nil || s.Publisher == nil {
		return
	}

	body, err := json.Marshal(newEventMessage(event))
	if err != nil {
		LoggerOrNop(s.Logger).Warn("Failed to encode event", zap.String("event", string(event.Type)), zap.Error(err))
		return
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := s.Publisher.PublishWithContext(pubCtx, s.Exchange, s.routingKey(event.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Time.UTC(),
		Type:         string(event.Type),
		Body:         body,
	}); err != nil {
		LoggerOrNop(s.Logger).Warn("Failed to publish event",
			zap.String("event", string(event.Type)),
			zap.String("exchange", s.Exchange),
			zap.Error(err))
	}
}

func (s *AMQPSink) routingKey(eventType core.EventType) string {
	prefix := strings.TrimSuffix(strings.TrimSpace(s.Prefix), ".")
	if prefix == "" {
		prefix = "gridlens"
	}
	return prefix + "." + string(eventType)
}

// AMQPConnection owns the connection and channel behind an AMQPSink.
type AMQPConnection struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// DialAMQP connects to url and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}
	return &AMQPConnection{conn: conn, channel: ch}, nil
}

// Channel returns the publishing channel.
func (c *AMQPConnection) Channel() *amqp.Channel {
	return c.channel
}

// Close closes the channel and connection.
func (c *AMQPConnection) Close() error {
	if c == nil {
		return nil
	}
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
