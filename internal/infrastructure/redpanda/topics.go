package redpanda

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the layout services
const (
	TopicPrescriptionSnapshots = "prescription.snapshots"
	TopicPrintRequests         = "print.requests"
	TopicPrintResults          = "print.results"
	TopicAuditTrail            = "audit.trail"
	TopicDeadLetter            = "dead.letter"
)

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topics the services expect to exist
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }
	deleteAfter := func(retention string) map[string]*string {
		return map[string]*string{
			"retention.ms":     ptr(retention),
			"cleanup.policy":   ptr("delete"),
			"compression.type": ptr("lz4"),
		}
	}

	return []TopicConfig{
		{Name: TopicPrescriptionSnapshots, Partitions: 6, ReplicationFactor: 1, Configs: deleteAfter("604800000")},
		{Name: TopicPrintRequests, Partitions: 6, ReplicationFactor: 1, Configs: deleteAfter("86400000")},
		{Name: TopicPrintResults, Partitions: 6, ReplicationFactor: 1, Configs: deleteAfter("86400000")},
		// 30 days for the legal audit trail
		{Name: TopicAuditTrail, Partitions: 3, ReplicationFactor: 1, Configs: deleteAfter("2592000000")},
		{Name: TopicDeadLetter, Partitions: 1, ReplicationFactor: 1, Configs: deleteAfter("604800000")},
	}
}

// Admin provides administrative operations for Redpanda
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates the given topics. Existing topics are left alone.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if r.Err != nil {
				if errors.Is(r.Err, kerr.TopicAlreadyExists) {
					a.logger.Debug("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics creates every default topic that is missing
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// ConsumerGroupLag returns the records the group has yet to consume, per topic
func (a *Admin) ConsumerGroupLag(ctx context.Context, groupID string) (map[string]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	result := make(map[string]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, lag := range partitions {
				result[topic] += lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}
