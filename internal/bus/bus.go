// Package bus carries ingestion events over Redis pub/sub. Delivery is best-effort:
// a message published while no subscriber is connected is lost.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Publisher announces events on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Handler receives the raw payload of a subscribed message.
type Handler func(ctx context.Context, payload []byte)

// PublishError wraps a failed publish with its topic.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// TriggerMessage is the inbound payload that requests an immediate run.
type TriggerMessage struct {
	Trigger string `json:"trigger"`
}

// TriggerUpdate is the only trigger value the worker acts on.
const TriggerUpdate = "update"

// ParseTrigger decodes a trigger payload and reports whether it asks for a run.
func ParseTrigger(payload []byte) (TriggerMessage, bool) {
	var msg TriggerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return TriggerMessage{}, false
	}
	return msg, strings.EqualFold(msg.Trigger, TriggerUpdate)
}

// Redis publishes and subscribes through a go-redis client.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedis connects using a redis:// URL.
func NewRedis(url string, logger zerolog.Logger) (*Redis, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("redis url is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{
		client: redis.NewClient(opts),
		logger: logger.With().Str("component", "bus").Logger(),
	}, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Publish JSON-encodes payload and publishes it on topic.
func (r *Redis) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &PublishError{Topic: topic, Err: fmt.Errorf("encode payload: %w", err)}
	}
	if err := r.client.Publish(ctx, topic, data).Err(); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

// Subscribe dispatches every message on topic to handler until ctx is done.
// Handlers run sequentially on the subscription goroutine.
func (r *Redis) Subscribe(ctx context.Context, topic string, handler Handler) error {
	sub := r.client.Subscribe(ctx, topic)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	r.logger.Info().Str("topic", topic).Msg("subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(ctx, []byte(msg.Payload))
		}
	}
}

// Subscriber delivers topic messages to a handler until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

const maxResubscribeDelay = 30 * time.Second

// KeepSubscribed holds a subscription open until ctx is done. A failed or dropped
// subscription is logged when it happens and re-established with doubling backoff.
func KeepSubscribed(ctx context.Context, sub Subscriber, topic string, handler Handler, retry time.Duration, logger zerolog.Logger) {
	if retry <= 0 {
		retry = time.Second
	}
	delay := retry
	for {
		err := sub.Subscribe(ctx, topic, handler)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error().Err(err).Str("topic", topic).Dur("retry_in", delay).Msg("subscription failed")
		} else {
			logger.Warn().Str("topic", topic).Dur("retry_in", delay).Msg("subscription closed")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = min(delay*2, maxResubscribeDelay)
	}
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Discard is the publisher used when no bus is configured.
type Discard struct {
	Logger zerolog.Logger
}

func (d Discard) Publish(_ context.Context, topic string, _ any) error {
	d.Logger.Debug().Str("topic", topic).Msg("bus disabled; event dropped")
	return nil
}

var (
	_ Subscriber = (*Redis)(nil)
	_ Publisher  = (*Redis)(nil)
	_ Publisher  = Discard{}
)
