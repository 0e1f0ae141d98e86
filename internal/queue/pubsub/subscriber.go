// Package pubsub feeds network events published to a Pub/Sub subscription
// into the local worker pool.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

// Intake accepts decoded events. The dispatcher satisfies it.
type Intake interface {
	Enqueue(ctx context.Context, event collector.NetworkEvent) error
}

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Subscriber pulls NetworkEvent JSON messages from a subscription.
type Subscriber struct {
	sub    receiver
	intake Intake
	logger *zap.Logger
}

// New wraps the named subscription of client.
func New(client *pubsub.Client, subscription string, intake Intake, logger *zap.Logger) (*Subscriber, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if subscription == "" {
		return nil, fmt.Errorf("subscription name is required")
	}
	return newSubscriber(client.Subscriber(subscription), intake, logger), nil
}

func newSubscriber(sub receiver, intake Intake, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{sub: sub, intake: intake, logger: logger}
}

// Run receives until ctx ends. Malformed messages are acked and dropped so they
// are not redelivered forever; messages that cannot be queued are nacked.
func (s *Subscriber) Run(ctx context.Context) error {
	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if s.handle(ctx, msg.ID, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// handle reports whether the message should be acked.
func (s *Subscriber) handle(ctx context.Context, id string, data []byte) bool {
	var event collector.NetworkEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Warn("dropping undecodable event", zap.String("message_id", id), zap.Error(err))
		return true
	}
	if err := collector.Validate("pubsub event", &event); err != nil {
		s.logger.Warn("dropping invalid event", zap.String("message_id", id), zap.Error(err))
		return true
	}
	if err := s.intake.Enqueue(ctx, event); err != nil {
		s.logger.Warn("event not queued", zap.String("message_id", id), zap.String("url", event.URL), zap.Error(err))
		return false
	}
	return true
}
