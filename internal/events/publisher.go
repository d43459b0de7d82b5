package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"medliq-cloud/internal/observability/metrics"
)

// DefaultChannel is the Redis channel used when none is configured.
const DefaultChannel = "medliq_events"

// Publisher delivers envelopes to a sink.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Emit builds an envelope from context metadata and publishes it. A nil
// publisher drops the event.
func Emit(ctx context.Context, pub Publisher, eventType string, payload any) error {
	if pub == nil {
		return nil
	}
	env, err := BuildEnvelope(eventType, payload, MetaFromContext(ctx))
	if err != nil {
		return err
	}
	return pub.Publish(ctx, env)
}

// LoggingPublisher writes each envelope to a zap logger.
type LoggingPublisher struct {
	logger *zap.Logger
}

// NewLoggingPublisher constructs a logging publisher.
func NewLoggingPublisher(logger *zap.Logger) *LoggingPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingPublisher{logger: logger}
}

// Publish logs the envelope.
func (p *LoggingPublisher) Publish(_ context.Context, env Envelope) error {
	p.logger.Info("event published",
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.EventType),
		zap.String("correlation_id", env.CorrelationID),
		zap.ByteString("payload", env.Payload),
	)
	metrics.IncEventPublished("log", metrics.ResultSuccess)
	return nil
}

// RedisPublisher publishes envelopes to a Redis pub/sub channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher constructs a Redis publisher.
func NewRedisPublisher(rdb *redis.Client, channel string) (*RedisPublisher, error) {
	if rdb == nil {
		return nil, errors.New("redis publisher: nil client")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}, nil
}

// Publish sends the JSON envelope on the channel.
func (p *RedisPublisher) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		metrics.IncEventPublished("redis", metrics.ResultError)
		return fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.IncEventPublished("redis", metrics.ResultSuccess)
	return nil
}

// MessageWriter is the subset of *kafka.Writer used for publishing.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes envelopes to a Kafka topic keyed by event type.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaWriter builds a writer for the brokers and topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// NewKafkaPublisher constructs a Kafka publisher.
func NewKafkaPublisher(writer MessageWriter) (*KafkaPublisher, error) {
	if writer == nil {
		return nil, errors.New("kafka publisher: nil writer")
	}
	return &KafkaPublisher{writer: writer}, nil
}

// Publish writes one message.
func (p *KafkaPublisher) Publish(ctx context.Context, env Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(env.EventType),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(env.EventID)},
			{Key: "correlation_id", Value: []byte(env.CorrelationID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.IncEventPublished("kafka", metrics.ResultError)
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	metrics.IncEventPublished("kafka", metrics.ResultSuccess)
	return nil
}

// Fanout publishes to every sink and joins their errors.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Publisher
}

// NewFanout constructs a fan-out publisher; nil sinks are skipped.
func NewFanout(sinks ...Publisher) *Fanout {
	f := &Fanout{}
	for _, sink := range sinks {
		f.Add(sink)
	}
	return f
}

// Add registers another sink.
func (f *Fanout) Add(sink Publisher) {
	if sink == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, sink)
	f.mu.Unlock()
}

// Publish delivers to all sinks even when some fail.
func (f *Fanout) Publish(ctx context.Context, env Envelope) error {
	f.mu.RLock()
	sinks := append([]Publisher(nil), f.sinks...)
	f.mu.RUnlock()

	var errs []error
	for _, sink := range sinks {
		if err := sink.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
