// Package eventbus carries file lifecycle events from Admin to Query over
// Redis pub/sub, at-least-once. There is no durable log: a subscriber that
// misses messages while disconnected recovers via Query's operator-triggered
// full cache rebuild (see pkg/cachesync), which is the explicit resolution
// to the spec's deferred durable-event-log question.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/strata/internal/telemetry"
	"github.com/wisbric/strata/pkg/domain"
)

// Channel is the single Redis pub/sub channel every file lifecycle event is
// published on. Subscribers filter by EventType after decoding.
const Channel = "strata:events:file"

// Publisher publishes file lifecycle events. Admin is the only publisher.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher wraps a Redis client as an event Publisher.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish serializes and publishes ev. Redis PUBLISH does not persist
// messages for offline subscribers; delivery is at-least-once only to
// subscribers connected at publish time.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshaling event: %w", err)
	}
	if err := p.rdb.Publish(ctx, Channel, data).Err(); err != nil {
		return fmt.Errorf("eventbus: publishing event: %w", err)
	}
	telemetry.EventsPublishedTotal.WithLabelValues(string(ev.EventType)).Inc()
	return nil
}

// Handler processes one decoded event. Returning an error does not stop the
// subscriber loop; it is logged and the next message is still delivered.
type Handler func(ctx context.Context, ev domain.Event) error

// Subscriber consumes events with automatic reconnection on Redis
// disconnect, backing off exponentially up to 30s between attempts.
type Subscriber struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewSubscriber wraps a Redis client as an event Subscriber.
func NewSubscriber(rdb *redis.Client, logger *slog.Logger) *Subscriber {
	return &Subscriber{rdb: rdb, logger: logger}
}

// Run subscribes to Channel and invokes handle for every decoded event
// until ctx is cancelled. If the subscription drops, Run reconnects with
// exponential backoff (capped at 30s) rather than returning.
func (s *Subscriber) Run(ctx context.Context, handle Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.consume(ctx, handle); err != nil {
			s.logger.Error("eventbus: subscription ended, reconnecting", "error", err)
		}
	}
}

func (s *Subscriber) consume(ctx context.Context, handle Handler) error {
	backOff := backoff.NewExponentialBackOff()
	backOff.MaxInterval = 30 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.consumeOnce(ctx, handle)
	}, backoff.WithBackOff(backOff), backoff.WithMaxElapsedTime(0))
	return err
}

func (s *Subscriber) consumeOnce(ctx context.Context, handle Handler) error {
	pubsub := s.rdb.Subscribe(ctx, Channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("eventbus: subscribing: %w", err)
	}
	s.logger.Info("eventbus: subscribed", "channel", Channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("eventbus: subscription channel closed")
			}
			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Error("eventbus: decoding event", "error", err)
				continue
			}
			if err := handle(ctx, ev); err != nil {
				s.logger.Error("eventbus: handler failed", "event_type", ev.EventType, "file_id", ev.FileID, "error", err)
			}
		}
	}
}
