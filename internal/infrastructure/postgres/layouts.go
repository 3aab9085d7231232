package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlayout/internal/layout"
)

// LayoutSchema creates the layout table
const LayoutSchema = `
CREATE TABLE IF NOT EXISTS layouts (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	orientation TEXT NOT NULL,
	document    JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// LayoutSummary is a listing row without the element payload
type LayoutSummary struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Orientation layout.Orientation `json:"orientation"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// LayoutStore persists authored layouts as JSONB documents
type LayoutStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewLayoutStore creates a new layout store
func NewLayoutStore(pool *pgxpool.Pool, logger *zap.Logger) *LayoutStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LayoutStore{pool: pool, logger: logger, tracer: otel.Tracer("layout-store")}
}

// EnsureSchema creates the layout table if missing
func (s *LayoutStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, LayoutSchema); err != nil {
		return fmt.Errorf("create layout schema: %w", err)
	}
	return nil
}

// Create inserts a new layout
func (s *LayoutStore) Create(ctx context.Context, l *layout.Layout) error {
	ctx, span := s.tracer.Start(ctx, "layout_create", trace.WithAttributes(attribute.String("layout_id", l.ID)))
	defer span.End()

	doc, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal layout: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO layouts (id, name, orientation, document) VALUES ($1, $2, $3, $4)`,
		l.ID, l.Name, string(l.Orientation), doc)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert layout: %w", err)
	}
	s.logger.Debug("Layout created", zap.String("layout_id", l.ID), zap.Int("elements", len(l.Elements)))
	return nil
}

// Get loads a layout by id
func (s *LayoutStore) Get(ctx context.Context, id string) (*layout.Layout, error) {
	ctx, span := s.tracer.Start(ctx, "layout_get", trace.WithAttributes(attribute.String("layout_id", id)))
	defer span.End()

	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM layouts WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", layout.ErrLayoutNotFound, id)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("select layout: %w", err)
	}

	var l layout.Layout
	if err := json.Unmarshal(doc, &l); err != nil {
		return nil, fmt.Errorf("unmarshal layout %s: %w", id, err)
	}
	return &l, nil
}

// Update replaces the stored document of an existing layout
func (s *LayoutStore) Update(ctx context.Context, l *layout.Layout) error {
	ctx, span := s.tracer.Start(ctx, "layout_update", trace.WithAttributes(attribute.String("layout_id", l.ID)))
	defer span.End()

	doc, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal layout: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE layouts SET name = $2, orientation = $3, document = $4, updated_at = NOW() WHERE id = $1`,
		l.ID, l.Name, string(l.Orientation), doc)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("update layout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", layout.ErrLayoutNotFound, l.ID)
	}
	return nil
}

// Delete removes a layout. Issued snapshots keep their own frozen copy.
func (s *LayoutStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM layouts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete layout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", layout.ErrLayoutNotFound, id)
	}
	return nil
}

// List returns layout summaries, most recently updated first
func (s *LayoutStore) List(ctx context.Context, limit int) ([]LayoutSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, orientation, updated_at FROM layouts ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list layouts: %w", err)
	}
	defer rows.Close()

	var out []LayoutSummary
	for rows.Next() {
		var ls LayoutSummary
		var orientation string
		if err := rows.Scan(&ls.ID, &ls.Name, &orientation, &ls.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan layout: %w", err)
		}
		ls.Orientation = layout.Orientation(orientation)
		out = append(out, ls)
	}
	return out, rows.Err()
}
