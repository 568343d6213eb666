package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Topics used by the clip pipeline.
const (
	TopicChatMessages    = "chat-messages"
	TopicStreamLifecycle = "stream-lifecycle"
	TopicChatMessagesDLQ = "chat-messages-dlq"
)

// Producer wraps a franz-go client for publishing pipeline events.
type Producer struct {
	client *kgo.Client
	logger *logrus.Logger
}

// NewProducer creates a Kafka producer.
func NewProducer(brokers []string, clientID string, logger *logrus.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{client: client, logger: logger}, nil
}

// Produce publishes a single record synchronously with a bounded deadline.
func (p *Producer) Produce(topic string, key []byte, value []byte) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}

	return nil
}

// Flush drains buffered records, honoring the context deadline.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes with a 10-second deadline and releases the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.WithError(err).Warn("Kafka flush on close incomplete")
	}
	p.client.Close()
	return nil
}

// HealthCheck pings the broker.
func (p *Producer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// GetClient returns the underlying kgo.Client for health checks.
func (p *Producer) GetClient() *kgo.Client {
	return p.client
}
