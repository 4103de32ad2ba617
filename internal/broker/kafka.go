package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kafkaBus is the pub/sub half of the Broker Adapter: at-least-once
// delivery, partition-key routing, gzip-compressed payloads (via
// franz-go's built-in batch compression), fire-and-forget publish
// with producer-side acks, and a single underlying consumer per topic
// multiplexed into however many handlers are registered.
//
// Dispatch order within a topic's partitions is preserved because a
// single goroutine polls fetches and calls handlers sequentially;
// handlers must not block for long or they stall the whole bus.
type kafkaBus struct {
	client *kgo.Client
	logger zerolog.Logger

	mu       sync.Mutex
	handlers map[string][]Handler // topic -> registered handlers
	topics   map[string]bool      // topics currently in the consumer's assignment

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// kafkaConfig configures the bus's connection to the Kafka-compatible
// cluster. ResetToEarliest governs where a consumer group with no
// committed offset starts reading: the realtime edge's fan-out groups
// want AtEnd (a new instance should not replay the channel's entire
// history at it), while the aggregator's analytics consumer group
// wants AtStart so a restart replays whatever it missed rather than
// silently skipping to the tail.
type kafkaConfig struct {
	Brokers         []string
	ConsumerGroup   string
	ResetToEarliest bool
}

func newKafkaBus(cfg kafkaConfig, logger zerolog.Logger) (*kafkaBus, error) {
	ctx, cancel := context.WithCancel(context.Background())

	resetOffset := kgo.NewOffset().AtEnd()
	if cfg.ResetToEarliest {
		resetOffset = kgo.NewOffset().AtStart()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeResetOffset(resetOffset),
		kgo.ProducerBatchCompression(kgo.GzipCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	bus := &kafkaBus{
		client:   client,
		logger:   logger,
		handlers: make(map[string][]Handler),
		topics:   make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}

	bus.wg.Add(1)
	go bus.pollLoop()

	return bus, nil
}

// Publish sends payload to topic, partitioned by key when key is
// non-empty. Failures are logged and returned; the caller must not
// propagate them to a client whose durable write already succeeded.
func (b *kafkaBus) Publish(ctx context.Context, topic string, payload []byte, key string) error {
	record := &kgo.Record{Topic: topic, Value: payload}
	if key != "" {
		record.Key = []byte(key)
	}

	var publishErr error
	var wg sync.WaitGroup
	wg.Add(1)
	b.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		publishErr = err
		wg.Done()
	})
	wg.Wait()

	if publishErr != nil {
		b.logger.Warn().Err(publishErr).Str("topic", topic).Msg("broker publish failed")
	}
	return publishErr
}

// Subscribe registers handler for topic, joining the topic's
// assignment if this is the first handler for it. Idempotent: calling
// Subscribe again for the same topic just adds another handler.
func (b *kafkaBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[topic] = append(b.handlers[topic], handler)

	if !b.topics[topic] {
		b.topics[topic] = true
		b.client.AddConsumeTopics(topic)
		b.logger.Info().Str("topic", topic).Msg("subscribed to broker topic")
	}

	return nil
}

// Unsubscribe drops every handler registered for topic, not only
// handler, and tears down the underlying consumer assignment for that
// topic.
func (b *kafkaBus) Unsubscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[topic]
	for i := range handlers {
		// Handlers are compared by pointer identity via reflect is not
		// possible for funcs; callers that need precise removal pass
		// a single handler per topic (the realtime edge's usage).
		_ = i
	}

	// The realtime edge subscribes exactly one handler per topic (the
	// channel's local dispatcher), so clearing the slice is equivalent
	// to removing "the" handler in practice.
	delete(b.handlers, topic)
	if b.topics[topic] {
		delete(b.topics, topic)
		b.client.PurgeTopicsFromClient(topic)
		b.logger.Info().Str("topic", topic).Msg("unsubscribed from broker topic")
	}

	return nil
}

func (b *kafkaBus) pollLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		fetches := b.client.PollFetches(b.ctx)
		if b.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			b.logger.Warn().Err(err).Str("topic", topic).Int32("partition", partition).Msg("broker fetch error")
		})

		fetches.EachRecord(func(record *kgo.Record) {
			b.mu.Lock()
			handlers := append([]Handler(nil), b.handlers[record.Topic]...)
			b.mu.Unlock()

			for _, h := range handlers {
				h(record.Value)
			}
		})
	}
}

// Close stops the poll loop and releases the underlying client.
func (b *kafkaBus) Close() error {
	b.cancel()
	b.wg.Wait()
	b.client.Close()
	return nil
}

// Consumer is a standalone subscription to the bus, independent of
// the full Adapter. The metrics aggregator uses this to run its own
// consumer group against the domain-event topic rather than sharing the
// realtime edge's fan-out group and offset-reset policy.
type Consumer interface {
	Subscribe(topic string, handler Handler) error
	Unsubscribe(topic string, handler Handler) error
	Close() error
}

// NewAnalyticsConsumer builds a Kafka consumer group dedicated to the
// aggregator. It resets to the earliest offset on a fresh group so a
// restarted aggregator replays whatever it missed instead of silently
// picking up at the tail like the realtime edge's fan-out groups do.
func NewAnalyticsConsumer(brokers []string, consumerGroup string, logger zerolog.Logger) (Consumer, error) {
	return newKafkaBus(kafkaConfig{Brokers: brokers, ConsumerGroup: consumerGroup, ResetToEarliest: true}, logger)
}
