// Package broker abstracts the pub/sub bus and the volatile KV store
// behind one interface, so the rest of the realtime edge never
// imports a Kafka or Redis client directly.
package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes one message delivered on a subscribed topic.
type Handler func(payload []byte)

// Adapter is the uniform interface over the pub/sub bus and the
// volatile KV store described by the system spec's Broker Adapter
// component.
type Adapter interface {
	Publish(ctx context.Context, topic string, payload []byte, partitionKey string) error
	Subscribe(topic string, handler Handler) error
	Unsubscribe(topic string, handler Handler) error

	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)

	SetTyping(ctx context.Context, channelID, userID, username string) error
	ClearTyping(ctx context.Context, channelID, userID string) error

	// Connected reports whether the volatile KV answers a ping, used as
	// the liveness endpoint's proxy for broker health; the bus itself is
	// not probed.
	Connected() bool

	Close() error
}

// Config configures both halves of the adapter.
type Config struct {
	KafkaBrokers       []string
	KafkaConsumerGroup string
	RedisURL           string

	// PublishMaxRetries bounds the exponential backoff applied to a
	// transient publish failure before it is surfaced to the caller.
	PublishMaxRetries int
	PublishBaseDelay  time.Duration
	PublishMaxDelay   time.Duration
}

// adapter is the concrete Adapter backed by Kafka (pub/sub fan-out and
// the domain-event topic) and Redis (presence, typing).
type adapter struct {
	bus    *kafkaBus
	kv     *volatileKV
	logger zerolog.Logger
	cfg    Config
}

// New connects both halves of the adapter and returns the combined
// interface.
func New(cfg Config, logger zerolog.Logger) (Adapter, error) {
	if cfg.PublishMaxRetries == 0 {
		cfg.PublishMaxRetries = 5
	}
	if cfg.PublishBaseDelay == 0 {
		cfg.PublishBaseDelay = 50 * time.Millisecond
	}
	if cfg.PublishMaxDelay == 0 {
		cfg.PublishMaxDelay = 3 * time.Second
	}

	bus, err := newKafkaBus(kafkaConfig{Brokers: cfg.KafkaBrokers, ConsumerGroup: cfg.KafkaConsumerGroup}, logger)
	if err != nil {
		return nil, err
	}

	kv, err := newVolatileKV(cfg.RedisURL)
	if err != nil {
		bus.Close()
		return nil, err
	}

	return &adapter{bus: bus, kv: kv, logger: logger, cfg: cfg}, nil
}

// Publish retries transient bus failures with capped exponential
// backoff before giving up and returning the last error. A failed
// publish never rolls back a durable write the caller already
// committed; it is the caller's job not to surface this to the
// client.
func (a *adapter) Publish(ctx context.Context, topic string, payload []byte, partitionKey string) error {
	delay := a.cfg.PublishBaseDelay
	var lastErr error

	for attempt := 0; attempt <= a.cfg.PublishMaxRetries; attempt++ {
		lastErr = a.bus.Publish(ctx, topic, payload, partitionKey)
		if lastErr == nil {
			return nil
		}

		if attempt == a.cfg.PublishMaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > a.cfg.PublishMaxDelay {
			delay = a.cfg.PublishMaxDelay
		}
	}

	a.logger.Error().Err(lastErr).Str("topic", topic).Msg("broker publish exhausted retries")
	return lastErr
}

func (a *adapter) Subscribe(topic string, handler Handler) error {
	return a.bus.Subscribe(topic, handler)
}

func (a *adapter) Unsubscribe(topic string, handler Handler) error {
	return a.bus.Unsubscribe(topic, handler)
}

func (a *adapter) MarkOnline(ctx context.Context, userID string) error {
	return a.kv.MarkOnline(ctx, userID)
}

func (a *adapter) MarkOffline(ctx context.Context, userID string) error {
	return a.kv.MarkOffline(ctx, userID)
}

func (a *adapter) IsOnline(ctx context.Context, userID string) (bool, error) {
	return a.kv.IsOnline(ctx, userID)
}

func (a *adapter) SetTyping(ctx context.Context, channelID, userID, username string) error {
	return a.kv.SetTyping(ctx, channelID, userID, username)
}

func (a *adapter) ClearTyping(ctx context.Context, channelID, userID string) error {
	return a.kv.ClearTyping(ctx, channelID, userID)
}

// Connected pings Redis as a cheap proxy for overall bus health; the
// Kafka client reconnects transparently and does not expose a simple
// boolean, so liveness degrades on the KV side first in practice.
func (a *adapter) Connected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return a.kv.Ping(ctx) == nil
}

func (a *adapter) Close() error {
	a.bus.Close()
	return a.kv.Close()
}

// ChannelTopic returns the message fan-out topic name for a channel.
func ChannelTopic(channelID string) string { return "channel:" + channelID }

// TypingTopic returns the dedicated typing-indicator topic for a
// channel, kept separate from ChannelTopic so a publishing session can
// be excluded from typing fan-out without also excluding her from the
// message fan-out she should hear her own echo on.
func TypingTopic(channelID string) string { return "channel:" + channelID + ":typing" }

// PresenceTopic is the dedicated topic for presence transitions.
const PresenceTopic = "presence:updates"
