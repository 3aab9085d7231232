package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	Topics  []string `mapstructure:"topics"`
	// SessionTimeoutMS is the group session timeout
	SessionTimeoutMS int64 `mapstructure:"session_timeout_ms"`
	// StartOffset is earliest or latest
	StartOffset string `mapstructure:"start_offset"`
	// DeadLetterTopic receives poison records when a dead letter publisher is set
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`
}

// DefaultConsumerConfig returns defaults for the print worker group
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:          []string{"localhost:9092"},
		GroupID:          "print-worker",
		Topics:           []string{TopicPrintRequests},
		SessionTimeoutMS: 30000,
		StartOffset:      "earliest",
		DeadLetterTopic:  TopicDeadLetter,
	}
}

// ErrPoison marks a record no retry can handle. Poison records are
// committed so they stop blocking their partition.
var ErrPoison = errors.New("poison record")

// Poison wraps err as ErrPoison
func Poison(err error) error {
	return fmt.Errorf("%w: %w", ErrPoison, err)
}

// Publisher sends poison records to the dead letter topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// PoisonRecord is the dead letter value of a record its handler rejected
type PoisonRecord struct {
	Topic     string            `json:"original_topic"`
	Partition int32             `json:"partition"`
	Offset    int64             `json:"offset"`
	Key       string            `json:"key"`
	Value     string            `json:"value"`
	Headers   map[string]string `json:"headers,omitempty"`
	Error     string            `json:"error"`
	Timestamp time.Time         `json:"timestamp"`
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads records in a consumer group and commits each one after
// its handler succeeds
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler

	deadLetter Publisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := client.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}

	if cfg.StartOffset == "latest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// SetDeadLetter forwards poison records to pub. Call it before Start.
func (c *Consumer) SetDeadLetter(pub Publisher) {
	c.deadLetter = pub
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
	c.logger.Info("consumer started",
		zap.String("group", c.config.GroupID),
		zap.Strings("topics", c.config.Topics))
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		fetches.EachRecord(c.processRecord)
	}
}

// processRecord runs the handler. A failed record is not marked, so it is
// redelivered after a rebalance or restart unless a later record on the same
// partition commits past it. Poison records are dead-lettered and marked.
func (c *Consumer) processRecord(record *kgo.Record) {
	ctx := extractTraceContext(c.ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := messageOf(record)
	if err := c.handler(ctx, msg); err != nil {
		span.RecordError(err)
		if !errors.Is(err, ErrPoison) {
			c.logger.Error("message handler failed",
				zap.String("topic", record.Topic),
				zap.Int32("partition", record.Partition),
				zap.Int64("offset", record.Offset),
				zap.Error(err))
			return
		}
		if err := c.forwardPoison(ctx, msg, err); err != nil {
			c.logger.Error("failed to dead-letter poison record",
				zap.String("topic", record.Topic),
				zap.Int64("offset", record.Offset),
				zap.Error(err))
			return
		}
	}

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Error("failed to commit offset",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
	}
}

func messageOf(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// forwardPoison publishes msg to the dead letter topic. Without a dead
// letter publisher the record is only logged.
func (c *Consumer) forwardPoison(ctx context.Context, msg *ConsumedMessage, cause error) error {
	if c.deadLetter == nil || c.config.DeadLetterTopic == "" {
		c.logger.Warn("dropping poison record",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(cause))
		return nil
	}
	value, err := json.Marshal(PoisonRecord{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Value:     string(msg.Value),
		Headers:   msg.Headers,
		Error:     cause.Error(),
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode poison record: %w", err)
	}
	if err := c.deadLetter.Publish(ctx, c.config.DeadLetterTopic, string(msg.Key), value); err != nil {
		return err
	}
	c.logger.Warn("poison record dead-lettered",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	return nil
}
