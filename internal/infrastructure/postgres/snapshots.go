package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlayout/internal/domain/prescription"
	"github.com/drfirst/go-rxlayout/internal/snapshot"
)

// SnapshotSchema creates the snapshot table. One snapshot per prescription.
const SnapshotSchema = `
CREATE TABLE IF NOT EXISTS prescription_snapshots (
	id              TEXT PRIMARY KEY,
	prescription_id TEXT NOT NULL UNIQUE,
	layout_id       TEXT NOT NULL,
	issued_at       TIMESTAMPTZ NOT NULL,
	checksum        TEXT NOT NULL,
	document        JSONB NOT NULL
);
`

// SnapshotStoreConfig names the topics issuance events are relayed to
type SnapshotStoreConfig struct {
	SnapshotTopic string `mapstructure:"snapshot_topic"`
	AuditTopic    string `mapstructure:"audit_topic"`
}

// DefaultSnapshotStoreConfig returns sensible defaults
func DefaultSnapshotStoreConfig() SnapshotStoreConfig {
	return SnapshotStoreConfig{
		SnapshotTopic: "prescription.snapshots",
		AuditTopic:    "audit.trail",
	}
}

// SnapshotStore persists issued snapshots together with their audit events
// and outbox entries in a single transaction
type SnapshotStore struct {
	pool   *pgxpool.Pool
	events *prescription.Repository
	config SnapshotStoreConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewSnapshotStore creates a new snapshot store
func NewSnapshotStore(pool *pgxpool.Pool, events *prescription.Repository, cfg SnapshotStoreConfig, logger *zap.Logger) *SnapshotStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = prescription.NewRepository(pool, logger)
	}
	def := DefaultSnapshotStoreConfig()
	if cfg.SnapshotTopic == "" {
		cfg.SnapshotTopic = def.SnapshotTopic
	}
	if cfg.AuditTopic == "" {
		cfg.AuditTopic = def.AuditTopic
	}
	return &SnapshotStore{
		pool:   pool,
		events: events,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("snapshot-store"),
	}
}

// EnsureSchema creates the snapshot and event tables if missing
func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, SnapshotSchema); err != nil {
		return fmt.Errorf("create snapshot schema: %w", err)
	}
	return s.events.EnsureSchema(ctx)
}

// Issue stores snap and the pending events of agg. A second snapshot for the
// same prescription fails with snapshot.ErrSnapshotExists.
func (s *SnapshotStore) Issue(ctx context.Context, snap *snapshot.Snapshot, agg *prescription.Aggregate) error {
	ctx, span := s.tracer.Start(ctx, "snapshot_issue",
		trace.WithAttributes(
			attribute.String("prescription_id", snap.PrescriptionID),
			attribute.String("snapshot_id", snap.ID),
		))
	defer span.End()

	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO prescription_snapshots (id, prescription_id, layout_id, issued_at, checksum, document)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (prescription_id) DO NOTHING
	`, snap.ID, snap.PrescriptionID, snap.LayoutID, snap.IssuedAt, snap.Checksum, doc)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", snapshot.ErrSnapshotExists, snap.PrescriptionID)
	}

	if err := s.appendTx(ctx, tx, agg); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	agg.ClearChanges()

	s.logger.Info("Snapshot stored",
		zap.String("snapshot_id", snap.ID),
		zap.String("prescription_id", snap.PrescriptionID),
		zap.Int("version", agg.Version()),
	)
	return nil
}

// Get loads the snapshot issued for a prescription
func (s *SnapshotStore) Get(ctx context.Context, prescriptionID string) (*snapshot.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot_get", trace.WithAttributes(attribute.String("prescription_id", prescriptionID)))
	defer span.End()

	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM prescription_snapshots WHERE prescription_id = $1`, prescriptionID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", snapshot.ErrSnapshotNotFound, prescriptionID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("select snapshot: %w", err)
	}

	var snap snapshot.Snapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Document loads the issuance history of a prescription
func (s *SnapshotStore) Document(ctx context.Context, prescriptionID string) (*prescription.Aggregate, error) {
	return s.events.Load(ctx, prescriptionID)
}

// Events returns the audit trail of a prescription in version order
func (s *SnapshotStore) Events(ctx context.Context, prescriptionID string) ([]*prescription.Event, error) {
	return s.events.GetEvents(ctx, prescriptionID)
}

// RecentEvents returns the latest events of one type across prescriptions
func (s *SnapshotStore) RecentEvents(ctx context.Context, eventType prescription.EventType, limit int) ([]*prescription.Event, error) {
	return s.events.GetEventsByType(ctx, eventType, limit)
}

// Append stores the pending events of agg and relays them to the audit topic
func (s *SnapshotStore) Append(ctx context.Context, agg *prescription.Aggregate) error {
	if len(agg.Changes()) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.appendTx(ctx, tx, agg); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	agg.ClearChanges()
	return nil
}

// Void deletes the snapshot of a voided prescription and stores the void event
func (s *SnapshotStore) Void(ctx context.Context, agg *prescription.Aggregate) error {
	ctx, span := s.tracer.Start(ctx, "snapshot_void", trace.WithAttributes(attribute.String("prescription_id", agg.ID())))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM prescription_snapshots WHERE prescription_id = $1`, agg.ID())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if err := s.appendTx(ctx, tx, agg); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	agg.ClearChanges()

	s.logger.Info("Snapshot collected",
		zap.String("prescription_id", agg.ID()),
		zap.Int64("rows", tag.RowsAffected()),
	)
	return nil
}

// Enqueue writes an arbitrary message to the outbox for relay
func (s *SnapshotStore) Enqueue(ctx context.Context, topic, key, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   key,
		AggregateType: "PrescriptionDocument",
		EventType:     eventType,
		Payload:       data,
		KafkaTopic:    topic,
		KafkaKey:      key,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// appendTx writes events and their outbox entries. Issuance events also go
// to the snapshot topic.
func (s *SnapshotStore) appendTx(ctx context.Context, tx pgx.Tx, agg *prescription.Aggregate) error {
	if err := s.events.SaveTx(ctx, tx, agg); err != nil {
		return err
	}
	for _, event := range agg.Changes() {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		topics := []string{s.config.AuditTopic}
		if event.EventType == prescription.EventPrescriptionIssued {
			topics = append([]string{s.config.SnapshotTopic}, topics...)
		}
		for _, topic := range topics {
			err := WriteEntry(ctx, tx, &OutboxEntry{
				AggregateID:   event.AggregateID,
				AggregateType: event.AggregateType,
				EventType:     string(event.EventType),
				Payload:       payload,
				KafkaTopic:    topic,
				KafkaKey:      event.AggregateID,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
