package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlayout/internal/api/middleware"
	"github.com/drfirst/go-rxlayout/internal/binding"
	"github.com/drfirst/go-rxlayout/internal/domain/prescription"
	"github.com/drfirst/go-rxlayout/internal/infrastructure/locking"
	"github.com/drfirst/go-rxlayout/internal/layout"
	"github.com/drfirst/go-rxlayout/internal/observability/metrics"
	"github.com/drfirst/go-rxlayout/internal/printing"
	"github.com/drfirst/go-rxlayout/internal/snapshot"
	"github.com/drfirst/go-rxlayout/internal/validation"
	"github.com/drfirst/go-rxlayout/pkg/circuitbreaker"
	"github.com/drfirst/go-rxlayout/pkg/idempotency"
)

// SnapshotRepository persists issued snapshots and their audit trail
type SnapshotRepository interface {
	Issue(ctx context.Context, snap *snapshot.Snapshot, agg *prescription.Aggregate) error
	Get(ctx context.Context, prescriptionID string) (*snapshot.Snapshot, error)
	Document(ctx context.Context, prescriptionID string) (*prescription.Aggregate, error)
	Append(ctx context.Context, agg *prescription.Aggregate) error
	Void(ctx context.Context, agg *prescription.Aggregate) error
	Events(ctx context.Context, prescriptionID string) ([]*prescription.Event, error)
	RecentEvents(ctx context.Context, eventType prescription.EventType, limit int) ([]*prescription.Event, error)
	Enqueue(ctx context.Context, topic, key, eventType string, payload interface{}) error
}

// Processor runs a handler at most once per idempotency key
type Processor interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// ArtifactCleaner removes printed files of a prescription
type ArtifactCleaner interface {
	DeletePrescription(ctx context.Context, prescriptionID string) error
}

// PrescriptionConfig holds issuance settings
type PrescriptionConfig struct {
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	PrintTopic string        `mapstructure:"print_topic"`
}

// DefaultPrescriptionConfig returns sensible defaults
func DefaultPrescriptionConfig() PrescriptionConfig {
	return PrescriptionConfig{
		LockTTL:    30 * time.Second,
		PrintTopic: "print.requests",
	}
}

// PrescriptionHandler handles issuance and reprint endpoints
type PrescriptionHandler struct {
	config    PrescriptionConfig
	layouts   LayoutRepository
	snapshots SnapshotRepository
	manager   *snapshot.Manager
	printer   *printing.Printer
	locker    locking.Locker
	inbox     Processor
	artifacts ArtifactCleaner
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// PrescriptionDeps groups the collaborators of a PrescriptionHandler.
// Inbox and Artifacts are optional.
type PrescriptionDeps struct {
	Layouts   LayoutRepository
	Snapshots SnapshotRepository
	Manager   *snapshot.Manager
	Printer   *printing.Printer
	Locker    locking.Locker
	Inbox     Processor
	Artifacts ArtifactCleaner
	Metrics   *metrics.Metrics
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(cfg PrescriptionConfig, deps PrescriptionDeps, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultPrescriptionConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.PrintTopic == "" {
		cfg.PrintTopic = def.PrintTopic
	}
	if deps.Manager == nil {
		deps.Manager = snapshot.NewManager(nil, nil, logger)
	}
	if deps.Printer == nil {
		deps.Printer = printing.NewPrinter(printing.DefaultConfig(), deps.Manager, nil, nil, logger)
	}
	if deps.Locker == nil {
		deps.Locker = locking.NewLocalLocker()
	}
	return &PrescriptionHandler{
		config:    cfg,
		layouts:   deps.Layouts,
		snapshots: deps.Snapshots,
		manager:   deps.Manager,
		printer:   deps.Printer,
		locker:    deps.Locker,
		inbox:     deps.Inbox,
		artifacts: deps.Artifacts,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/events", h.RecentEvents)
	r.Post("/{id}/issue", h.Issue)
	r.Get("/{id}/snapshot", h.Snapshot)
	r.Get("/{id}/reprint", h.Reprint)
	r.Post("/{id}/print", h.Print)
	r.Get("/{id}/events", h.Events)
	r.Delete("/{id}", h.Void)
	return r
}

// IssueRequest is the body of POST /prescriptions/{id}/issue. Exactly one of
// LayoutID and Template selects the layout to freeze.
type IssueRequest struct {
	LayoutID     string               `json:"layoutId" validate:"required_without=Template,excluded_with=Template"`
	Template     string               `json:"template"`
	Prescription binding.Prescription `json:"prescription"`
	Doctor       binding.Doctor       `json:"doctor"`
}

// IssueError carries the findings that blocked issuance
type IssueError struct {
	Error    string               `json:"error"`
	Findings []validation.Finding `json:"findings"`
}

// Issue handles POST /prescriptions/{id}/issue
func (h *PrescriptionHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("prescription-handler").Start(r.Context(), "issue_prescription")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("prescription_id", id))

	var req IssueRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Prescription.ID != id {
		jsonError(w, "prescription id does not match the URL", http.StatusBadRequest)
		return
	}

	src, err := h.resolveLayout(ctx, req)
	if err != nil {
		if errors.Is(err, layout.ErrLayoutNotFound) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("load layout failed", zap.Error(err))
		jsonError(w, "failed to load layout", http.StatusInternalServerError)
		return
	}

	lock, err := h.locker.Obtain(ctx, "issue:"+id, h.config.LockTTL)
	if errors.Is(err, locking.ErrNotObtained) {
		jsonError(w, "issuance already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("obtain issuance lock failed", zap.Error(err))
		jsonError(w, "failed to lock prescription", http.StatusServiceUnavailable)
		return
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			h.logger.Warn("release issuance lock failed", zap.String("prescription_id", id), zap.Error(err))
		}
	}()

	issue := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		summary, err := h.issue(ctx, src, req)
		if err != nil {
			if errors.Is(err, snapshot.ErrSnapshotExists) || errors.Is(err, prescription.ErrAlreadyIssued) {
				return nil, idempotency.Terminal(err)
			}
			return nil, err
		}
		return json.Marshal(summary)
	}

	var body json.RawMessage
	status := http.StatusCreated
	if key := r.Header.Get("Idempotency-Key"); key != "" && h.inbox != nil {
		payload, _ := json.Marshal(req)
		inboxKey := idempotency.Key(middleware.GetClientID(ctx), "issue", id, key)
		res, perr := h.inbox.Process(ctx, inboxKey, "issue_prescription", payload, issue)
		if perr == nil {
			body = res.Result
			if !res.IsNew && !res.WasRecovered {
				status = http.StatusOK
			}
		}
		err = perr
	} else {
		body, err = issue(ctx, nil)
	}

	var blocked *snapshot.BlockedError
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
	case errors.As(err, &blocked):
		if h.metrics != nil {
			h.metrics.IssuanceBlocked.Inc()
		}
		writeJSON(w, http.StatusUnprocessableEntity, IssueError{Error: err.Error(), Findings: blocked.Findings})
	case errors.Is(err, snapshot.ErrSnapshotExists), errors.Is(err, prescription.ErrAlreadyIssued),
		errors.Is(err, prescription.ErrVoided), errors.Is(err, idempotency.ErrPreviouslyFailed):
		jsonError(w, "prescription already issued", http.StatusConflict)
	case errors.Is(err, idempotency.ErrMessageInProgress), errors.Is(err, idempotency.ErrDuplicateMessage):
		jsonError(w, "issuance already in progress", http.StatusConflict)
	default:
		span.RecordError(err)
		h.logger.Error("issue failed", zap.String("prescription_id", id), zap.Error(err))
		jsonError(w, "failed to issue prescription", http.StatusInternalServerError)
	}
}

func (h *PrescriptionHandler) issue(ctx context.Context, src *layout.Layout, req IssueRequest) (*snapshot.Summary, error) {
	rx := req.Prescription

	agg, err := h.snapshots.Document(ctx, rx.ID)
	switch {
	case errors.Is(err, prescription.ErrAggregateNotFound):
		agg = prescription.NewAggregate(rx.ID)
	case err != nil:
		return nil, err
	}

	bindings := binding.Build(rx, req.Doctor, time.Time{})
	snap, err := h.manager.Issue(ctx, src, rx, bindings)
	if err != nil {
		return nil, err
	}

	err = agg.Issue(&prescription.IssuedData{
		PrescriptionID: rx.ID,
		SnapshotID:     snap.ID,
		LayoutID:       snap.LayoutID,
		PayloadDigest:  snap.PayloadDigest,
		Checksum:       snap.Checksum,
		QRFault:        snap.QRFault,
		DoctorLicense:  req.Doctor.License,
		PatientHash:    prescription.HashPatientID(rx.PatientID),
		IssuedAt:       snap.IssuedAt,
	}, middleware.GetRequestID(ctx))
	if err != nil {
		return nil, err
	}
	if err := h.snapshots.Issue(ctx, snap, agg); err != nil {
		return nil, err
	}

	if h.metrics != nil {
		h.metrics.SnapshotsIssued.Inc()
		if snap.QRFault != "" {
			h.metrics.QRFaults.Inc()
		}
	}
	summary := snap.Summarize()
	return &summary, nil
}

func (h *PrescriptionHandler) resolveLayout(ctx context.Context, req IssueRequest) (*layout.Layout, error) {
	if req.Template != "" {
		tpl, ok := layout.LookupTemplate(req.Template)
		if !ok {
			return nil, layout.ErrLayoutNotFound
		}
		return tpl.Layout, nil
	}
	return h.layouts.Get(ctx, req.LayoutID)
}

// Snapshot handles GET /prescriptions/{id}/snapshot
func (h *PrescriptionHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshots.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.snapshotError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Reprint handles GET /prescriptions/{id}/reprint?format=. The frozen
// snapshot is replayed; the live layout is never read.
func (h *PrescriptionHandler) Reprint(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("prescription-handler").Start(r.Context(), "reprint_prescription")
	defer span.End()

	id := chi.URLParam(r, "id")
	format, err := printing.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", id), attribute.String("format", string(format)))

	snap, err := h.snapshots.Get(ctx, id)
	if err != nil {
		h.snapshotError(w, err)
		return
	}

	started := time.Now()
	artifact, err := h.printer.Reprint(ctx, snap, format)
	if err != nil {
		encodeError(w, h.logger, err)
		return
	}
	h.metrics.ObserveRender("reprint", string(format), started)

	agg, err := h.snapshots.Document(ctx, id)
	if err == nil {
		err = agg.RecordReprint(string(format), "", middleware.GetRequestID(ctx))
	}
	if err == nil {
		err = h.snapshots.Append(ctx, agg)
	}
	if err != nil {
		h.logger.Warn("reprint not recorded", zap.String("prescription_id", id), zap.Error(err))
	} else if h.metrics != nil {
		h.metrics.Reprints.WithLabelValues(string(format)).Inc()
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("X-Snapshot-Checksum", snap.Checksum)
	w.WriteHeader(http.StatusOK)
	w.Write(artifact.Data)
}

// PrintRequest is the body of POST /prescriptions/{id}/print
type PrintRequest struct {
	Format printing.Format `json:"format" validate:"required,oneof=svg html png pdf"`
}

// Print handles POST /prescriptions/{id}/print by queueing a print job
func (h *PrescriptionHandler) Print(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req PrintRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := h.snapshots.Get(ctx, id); err != nil {
		h.snapshotError(w, err)
		return
	}

	job := printing.Request{
		PrescriptionID: id,
		Format:         req.Format,
		CorrelationID:  middleware.GetRequestID(ctx),
		RequestedBy:    middleware.GetClientID(ctx),
		RequestedAt:    time.Now().UTC(),
	}
	if err := h.snapshots.Enqueue(ctx, h.config.PrintTopic, id, "PrintRequested", job); err != nil {
		h.logger.Error("enqueue print job failed", zap.String("prescription_id", id), zap.Error(err))
		jsonError(w, "failed to queue print job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// Events handles GET /prescriptions/{id}/events
func (h *PrescriptionHandler) Events(w http.ResponseWriter, r *http.Request) {
	events, err := h.snapshots.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("load events failed", zap.Error(err))
		jsonError(w, "failed to get events", http.StatusInternalServerError)
		return
	}
	if len(events) == 0 {
		jsonError(w, "prescription not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// RecentEvents handles GET /prescriptions/events?type=&limit=
func (h *PrescriptionHandler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	eventType := prescription.EventType(r.URL.Query().Get("type"))
	switch eventType {
	case prescription.EventPrescriptionIssued, prescription.EventPrescriptionReprinted, prescription.EventPrescriptionVoided:
	case "":
		eventType = prescription.EventPrescriptionIssued
	default:
		jsonError(w, "unknown event type", http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			jsonError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.snapshots.RecentEvents(r.Context(), eventType, limit)
	if err != nil {
		h.logger.Error("load events failed", zap.Error(err))
		jsonError(w, "failed to get events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*prescription.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Void handles DELETE /prescriptions/{id}?reason=. The snapshot and any
// printed artifacts are collected; the audit trail is kept.
func (h *PrescriptionHandler) Void(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	agg, err := h.snapshots.Document(ctx, id)
	if errors.Is(err, prescription.ErrAggregateNotFound) {
		jsonError(w, "prescription not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("load prescription failed", zap.Error(err))
		jsonError(w, "failed to load prescription", http.StatusInternalServerError)
		return
	}

	if err := agg.Void(r.URL.Query().Get("reason"), middleware.GetRequestID(ctx)); err != nil {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	if err := h.snapshots.Void(ctx, agg); err != nil {
		h.logger.Error("void failed", zap.String("prescription_id", id), zap.Error(err))
		jsonError(w, "failed to void prescription", http.StatusInternalServerError)
		return
	}

	if h.artifacts != nil {
		if err := h.artifacts.DeletePrescription(ctx, id); err != nil {
			h.logger.Warn("printed artifacts not collected", zap.String("prescription_id", id), zap.Error(err))
		}
	}

	h.logger.Info("prescription voided",
		zap.String("prescription_id", id),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	w.WriteHeader(http.StatusNoContent)
}

func (h *PrescriptionHandler) snapshotError(w http.ResponseWriter, err error) {
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		jsonError(w, "snapshot not found", http.StatusNotFound)
		return
	}
	h.logger.Error("load snapshot failed", zap.Error(err))
	jsonError(w, "failed to load snapshot", http.StatusInternalServerError)
}

// encodeError maps render and print failures to responses
func encodeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, printing.ErrUnknownFormat):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, printing.ErrPDFUnavailable):
		jsonError(w, err.Error(), http.StatusNotImplemented)
	case errors.Is(err, circuitbreaker.ErrOpen):
		jsonError(w, "print export temporarily unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, snapshot.ErrChecksumMismatch):
		logger.Error("snapshot failed integrity check", zap.Error(err))
		jsonError(w, "snapshot failed integrity check", http.StatusInternalServerError)
	case errors.Is(err, layout.ErrUnknownElementType):
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		logger.Error("encode failed", zap.Error(err))
		jsonError(w, "failed to encode document", http.StatusInternalServerError)
	}
}
