package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// MessageHandler processes a consumed message. Errors are logged and the
// offset is still committed.
type MessageHandler func(ctx context.Context, msg Message) error

// Consumer reads messages from Kafka/RedPanda topics.
type Consumer interface {
	// Consume runs the poll loop until ctx is cancelled.
	Consume(ctx context.Context, handler MessageHandler) error
	Close()
}

// KafkaConsumer is a consumer-group member backed by franz-go with
// auto-committed offsets.
type KafkaConsumer struct {
	client  *kgo.Client
	groupID string
	topics  []string
	mu      sync.Mutex
	closed  bool
}

// NewConsumer subscribes groupID to topics. New groups start at the latest
// offset.
func NewConsumer(brokers []string, groupID string, topics []string) (*KafkaConsumer, error) {
	if len(topics) == 0 {
		return nil, errors.New("bus: at least one topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(groupID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("group_id", groupID).
		Strs("topics", topics).
		Msg("bus: kafka consumer created")

	return &KafkaConsumer{client: client, groupID: groupID, topics: topics}, nil
}

func (c *KafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("bus: consumer closed")
	}
	c.mu.Unlock()

	log.Info().Strs("topics", c.topics).Str("group", c.groupID).Msg("bus: consumer loop started")

	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, fe := range fetches.Errors() {
			log.Error().
				Err(fe.Err).
				Str("topic", fe.Topic).
				Int32("partition", fe.Partition).
				Msg("bus: fetch error")
		}

		fetches.EachRecord(func(record *kgo.Record) {
			if err := handler(ctx, recordToMessage(record)); err != nil {
				log.Error().Err(err).
					Str("topic", record.Topic).
					Int64("offset", record.Offset).
					Msg("bus: handler error")
			}
		})
		c.client.AllowRebalance()
	}
}

func (c *KafkaConsumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Close()
	log.Info().Str("group", c.groupID).Msg("bus: kafka consumer closed")
}

func recordToMessage(r *kgo.Record) Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// --- Stub consumer for development/testing ---

// StubConsumer replays a fixed set of messages then waits for ctx.
type StubConsumer struct {
	Messages []Message
}

func (c *StubConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	for _, m := range c.Messages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := handler(ctx, m); err != nil {
			log.Error().Err(err).Str("topic", m.Topic).Msg("bus: handler error")
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *StubConsumer) Close() {}
