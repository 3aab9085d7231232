package prescription

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrAggregateNotFound is returned when no events exist for an id
var ErrAggregateNotFound = errors.New("prescription document not found")

// Schema creates the event store table
const Schema = `
CREATE TABLE IF NOT EXISTS prescription_document_events (
	id             BIGSERIAL PRIMARY KEY,
	event_id       UUID NOT NULL UNIQUE,
	aggregate_id   TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	event_data     JSONB NOT NULL,
	version        INT NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	doctor_license TEXT NOT NULL DEFAULT '',
	patient_hash   TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS idx_prescription_document_events_type
	ON prescription_document_events (event_type, timestamp DESC);
`

// Repository provides event sourcing persistence
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// EnsureSchema creates the event store table if missing
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create event store schema: %w", err)
	}
	return nil
}

// Save persists new events for an aggregate. The (aggregate_id, version)
// constraint rejects concurrent writers.
func (r *Repository) Save(ctx context.Context, agg *Aggregate) error {
	if len(agg.Changes()) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.SaveTx(ctx, tx, agg); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	agg.ClearChanges()
	return nil
}

// SaveTx writes pending events inside an existing transaction. The caller
// clears the aggregate changes after commit.
func (r *Repository) SaveTx(ctx context.Context, tx pgx.Tx, agg *Aggregate) error {
	for i, event := range agg.Changes() {
		event.Version = agg.Version() - len(agg.Changes()) + i + 1
		if err := r.insertEvent(ctx, tx, event); err != nil {
			return fmt.Errorf("insert %s: %w", event.EventType, err)
		}
	}
	r.logger.Debug("Appended prescription events",
		zap.String("aggregate_id", agg.ID()),
		zap.Int("events", len(agg.Changes())),
		zap.Int("version", agg.Version()),
	)
	return nil
}

func (r *Repository) insertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO prescription_document_events
		(event_id, aggregate_id, event_type, event_data, version, timestamp, doctor_license, patient_hash, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, query,
		event.ID,
		event.AggregateID,
		event.EventType,
		event.EventData,
		event.Version,
		event.Timestamp,
		event.DoctorLicense,
		event.PatientHash,
		event.CorrelationID,
	)
	return err
}

// Load retrieves an aggregate by ID
func (r *Repository) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAggregateNotFound, id)
	}

	agg := NewAggregate(id)
	agg.LoadFromHistory(events)
	return agg, nil
}

// GetEvents retrieves all events for an aggregate
func (r *Repository) GetEvents(ctx context.Context, aggregateID string) ([]*Event, error) {
	query := `
		SELECT event_id, aggregate_id, event_type, event_data, version, timestamp,
		       doctor_license, patient_hash, correlation_id
		FROM prescription_document_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`

	rows, err := r.pool.Query(ctx, query, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: "PrescriptionDocument"}
		err := rows.Scan(
			&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version,
			&e.Timestamp, &e.DoctorLicense, &e.PatientHash, &e.CorrelationID,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetEventsByType retrieves the most recent events of a type
func (r *Repository) GetEventsByType(ctx context.Context, eventType EventType, limit int) ([]*Event, error) {
	query := `
		SELECT event_id, aggregate_id, event_type, event_data, version, timestamp
		FROM prescription_document_events
		WHERE event_type = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, eventType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: "PrescriptionDocument"}
		err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version, &e.Timestamp)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
