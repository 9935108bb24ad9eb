// Package kafka publishes committed engine events to a Kafka topic. Events
// are keyed by market ID so each market's log stays ordered within one
// partition.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"

	"github.com/stackfutures/settlement-engine/internal/model"
)

// DefaultTopic receives engine events when no topic is configured.
const DefaultTopic = "settlement-events"

// Publisher sends engine events through a synchronous producer.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	mu       sync.RWMutex
	closed   bool
}

// NewPublisher connects a producer to brokers.
func NewPublisher(brokers []string, topic, clientID string) (*Publisher, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	slog.Info("kafka publisher started", "brokers", brokers, "topic", topic)
	return NewPublisherWithProducer(producer, topic), nil
}

// NewPublisherWithProducer wraps an existing producer.
func NewPublisherWithProducer(producer sarama.SyncProducer, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{producer: producer, topic: topic}
}

func (p *Publisher) Name() string { return "kafka" }

// Publish sends events as one batch. The context is only checked before
// sending; sarama applies its own timeouts.
func (p *Publisher) Publish(ctx context.Context, events []model.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("kafka: publisher is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(e.MarketID),
			Value: sarama.ByteEncoder(data),
			Headers: []sarama.RecordHeader{
				{Key: []byte("kind"), Value: []byte(e.Kind)},
				{Key: []byte("event_id"), Value: []byte(e.ID)},
			},
		})
	}

	if err := p.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("send %d events: %w", len(msgs), err)
	}
	slog.Debug("events published", "topic", p.topic, "count", len(msgs))
	return nil
}

// Close flushes and closes the producer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}
