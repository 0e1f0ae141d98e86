// Package amqp publishes mirror notifications to a RabbitMQ exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/telemetry"
)

// tableCarrier adapts amqp.Table to a TextMapCarrier so trace context rides in
// message headers.
type tableCarrier struct {
	table amqp.Table
}

func (c tableCarrier) Get(key string) string {
	if val, ok := c.table[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
		return fmt.Sprintf("%v", val)
	}
	return ""
}

func (c tableCarrier) Set(key, value string) {
	c.table[key] = value
}

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c.table))
	for k := range c.table {
		keys = append(keys, k)
	}
	return keys
}

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends JSON messages with the logical topic as routing key.
type Publisher struct {
	mu       sync.RWMutex
	conn     *amqp.Connection
	ch       channel
	exchange string
	log      *zap.Logger
	closed   bool
}

// Dial connects to url and opens a channel on it.
func Dial(url string, exchange string, log *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	p := NewWithChannel(ch, exchange, log)
	p.conn = conn
	return p, nil
}

// NewWithChannel builds a Publisher on an existing channel.
func NewWithChannel(ch channel, exchange string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{ch: ch, exchange: exchange, log: log}
}

func (p *Publisher) getChannel() (channel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, errors.New("publisher is closed")
	}
	if p.ch == nil {
		return nil, errors.New("channel is not available")
	}
	return p.ch, nil
}

// Publish marshals payload and publishes it persistently.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	ctx, span := telemetry.Tracer().Start(ctx, "amqp.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", p.exchange),
			attribute.String("messaging.rabbitmq.routing_key", topic),
		))
	defer span.End()

	headers := make(amqp.Table)
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier{table: headers})

	ch, err := p.getChannel()
	if err != nil {
		telemetry.RecordError(span, err)
		return "", fmt.Errorf("failed to get channel: %w", err)
	}
	now := time.Now()
	messageID := fmt.Sprintf("%s-%d", topic, now.UnixNano())
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		MessageId:    messageID,
		Body:         body,
		Headers:      headers,
	}
	if err := ch.PublishWithContext(ctx, p.exchange, topic, false, false, publishing); err != nil {
		telemetry.RecordError(span, err)
		p.log.Warn("amqp publish failed", zap.String("routing_key", topic), zap.Error(err))
		return "", fmt.Errorf("publish to %s: %w", p.exchange, err)
	}
	return messageID, nil
}

// Close closes the channel and the connection, if owned.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
