// Package postgres provides PostgreSQL persistence for layouts and issued
// snapshots, and the transactional outbox that relays snapshot events.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxSchema creates the outbox table. trace_context holds the W3C
// headers of the request that wrote the entry.
const OutboxSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	kafka_topic    TEXT NOT NULL,
	kafka_key      TEXT NOT NULL,
	trace_context  JSONB NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INT NOT NULL DEFAULT 0,
	last_error     TEXT
);
ALTER TABLE outbox ADD COLUMN IF NOT EXISTS trace_context JSONB NOT NULL DEFAULT '{}';
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (created_at) WHERE processed_at IS NULL;
`

const outboxColumns = `id, aggregate_id, aggregate_type, event_type, payload,
	kafka_topic, kafka_key, trace_context, created_at, retry_count, last_error`

// OutboxEntry is an event waiting to be relayed to Redpanda
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	TraceContext  propagation.MapCarrier
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds relay settings
type OutboxConfig struct {
	// BatchSize is the number of entries relayed per poll
	BatchSize int `mapstructure:"batch_size"`
	// PollInterval is the delay between polls
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries int `mapstructure:"max_retries"`
	// LockID is the advisory lock key shared by all relay instances
	LockID int64 `mapstructure:"lock_id"`
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`
	// DeadLetterEvery runs the dead letter sweep every N polls
	DeadLetterEvery int `mapstructure:"dead_letter_every"`
}

// DefaultOutboxConfig returns default relay settings
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    200 * time.Millisecond,
		MaxRetries:      5,
		LockID:          0x72786c61796f7574,
		DeadLetterTopic: "dead.letter",
		DeadLetterEvery: 50,
	}
}

// OutboxPublisher sends relayed entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays snapshot and audit events written at issuance. Only the
// instance holding the advisory lock publishes, so entries of one
// prescription leave in creation order.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay publishing through publisher
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}
	if cfg.DeadLetterEvery <= 0 {
		cfg.DeadLetterEvery = def.DeadLetterEvery
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("snapshot-outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// EnsureSchema creates the outbox table if missing
func (o *Outbox) EnsureSchema(ctx context.Context) error {
	if _, err := o.pool.Exec(ctx, OutboxSchema); err != nil {
		return fmt.Errorf("create outbox schema: %w", err)
	}
	return nil
}

// WriteEntry stores entry inside tx, the transaction of the write it
// announces. The trace context of ctx travels with the entry.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	if entry.TraceContext == nil {
		entry.TraceContext = propagation.MapCarrier{}
	}
	otel.GetTextMapPropagator().Inject(ctx, entry.TraceContext)
	traceCtx, err := json.Marshal(entry.TraceContext)
	if err != nil {
		return fmt.Errorf("encode trace context: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key, trace_context)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
		traceCtx,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry %s: %w", entry.EventType, err)
	}
	return nil
}

// Start begins relaying in the background
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop waits for the current batch and stops relaying
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for polls := 1; ; polls++ {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
		}

		o.processBatch()
		if polls%o.config.DeadLetterEvery != 0 {
			continue
		}
		if moved, err := o.MoveToDeadLetter(o.ctx); err != nil {
			o.logger.Error("dead letter sweep failed", zap.Error(err))
		} else if moved > 0 {
			o.logger.Warn("moved outbox entries to dead letter", zap.Int64("count", moved))
		}
	}
}

// processBatch relays one batch while holding the session advisory lock on
// a dedicated connection. A failed entry stops the batch so later events of
// the same prescription cannot overtake it.
func (o *Outbox) processBatch() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_process_batch")
	defer span.End()

	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		o.logger.Error("failed to acquire connection", zap.Error(err))
		return
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", o.config.LockID).Scan(&acquired); err != nil || !acquired {
		return
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", o.config.LockID)

	entries, err := o.query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := o.processEntry(ctx, entry); err != nil {
			o.logger.Error("failed to relay outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.String("prescription_id", entry.AggregateID),
				zap.Error(err))
			return
		}
	}
}

func (o *Outbox) query(ctx context.Context, sql string, args ...any) ([]*OutboxEntry, error) {
	rows, err := o.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		var traceCtx []byte
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic, &entry.KafkaKey,
			&traceCtx, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		if len(traceCtx) > 0 {
			_ = json.Unmarshal(traceCtx, &entry.TraceContext)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// processEntry publishes entry under the trace of the request that wrote it
// and marks it processed
func (o *Outbox) processEntry(ctx context.Context, entry *OutboxEntry) error {
	if entry.TraceContext != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, entry.TraceContext)
	}
	ctx, span := o.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("prescription_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		if _, updateErr := o.pool.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish to %s: %w", entry.KafkaTopic, err)
	}

	if err := o.markProcessed(ctx, entry.ID); err != nil {
		span.RecordError(err)
		return err
	}
	o.logger.Debug("outbox entry relayed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))
	return nil
}

func (o *Outbox) markProcessed(ctx context.Context, id int64) error {
	if _, err := o.pool.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", id); err != nil {
		return fmt.Errorf("mark outbox entry %d processed: %w", id, err)
	}
	return nil
}

// CleanupProcessed deletes entries relayed before olderThan
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeadLetter is the record published for an entry that exhausted its retries
type DeadLetter struct {
	OriginalTopic  string          `json:"original_topic"`
	EventType      string          `json:"event_type"`
	PrescriptionID string          `json:"prescription_id"`
	Payload        json.RawMessage `json:"payload"`
	RetryCount     int             `json:"retry_count"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func deadLetterOf(entry *OutboxEntry) DeadLetter {
	dl := DeadLetter{
		OriginalTopic:  entry.KafkaTopic,
		EventType:      entry.EventType,
		PrescriptionID: entry.AggregateID,
		Payload:        entry.Payload,
		RetryCount:     entry.RetryCount,
		CreatedAt:      entry.CreatedAt,
	}
	if entry.LastError != nil {
		dl.LastError = *entry.LastError
	}
	return dl
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead letter topic and marks them processed
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	entries, err := o.query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id
		LIMIT $2`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range entries {
		value, err := json.Marshal(deadLetterOf(entry))
		if err != nil {
			return count, fmt.Errorf("encode dead letter %d: %w", entry.ID, err)
		}
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.KafkaKey, value); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if err := o.markProcessed(ctx, entry.ID); err != nil {
			o.logger.Error("failed to mark dead-lettered entry", zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// OutboxStats summarizes the relay backlog
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Processed     int64      `json:"processed_24h"`
	Failed        int64      `json:"failed"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// GetStats returns the current backlog
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, o.config.MaxRetries).
		Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
