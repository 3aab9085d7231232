package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlayout/internal/api/middleware"
	"github.com/drfirst/go-rxlayout/internal/binding"
	"github.com/drfirst/go-rxlayout/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxlayout/internal/layout"
	"github.com/drfirst/go-rxlayout/internal/observability/metrics"
	"github.com/drfirst/go-rxlayout/internal/printing"
	"github.com/drfirst/go-rxlayout/internal/render"
	"github.com/drfirst/go-rxlayout/internal/validation"
)

// LayoutRepository persists authored layouts
type LayoutRepository interface {
	Create(ctx context.Context, l *layout.Layout) error
	Get(ctx context.Context, id string) (*layout.Layout, error)
	Update(ctx context.Context, l *layout.Layout) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]postgres.LayoutSummary, error)
}

// LayoutHandler serves templates, layout CRUD, validation and rendering
type LayoutHandler struct {
	repo    LayoutRepository
	printer *printing.Printer
	clock   render.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewLayoutHandler creates a new handler
func NewLayoutHandler(repo LayoutRepository, printer *printing.Printer, clock render.Clock, m *metrics.Metrics, logger *zap.Logger) *LayoutHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = render.SystemClock{}
	}
	if printer == nil {
		printer = printing.NewPrinter(printing.DefaultConfig(), nil, nil, nil, logger)
	}
	return &LayoutHandler{
		repo:    repo,
		printer: printer,
		clock:   clock,
		metrics: m,
		logger:  logger,
	}
}

// TemplateRoutes returns the template catalog routes
func (h *LayoutHandler) TemplateRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListTemplates)
	r.Get("/{name}", h.GetTemplate)
	return r
}

// Routes returns the layout routes
func (h *LayoutHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Post("/validate", h.Validate)
	r.Post("/render", h.Render)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	return r
}

// ListTemplates handles GET /templates
func (h *LayoutHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, layout.Catalog())
}

// GetTemplate handles GET /templates/{name}
func (h *LayoutHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, ok := layout.LookupTemplate(chi.URLParam(r, "name"))
	if !ok {
		jsonError(w, "template not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// List handles GET /layouts
func (h *LayoutHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			jsonError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	out, err := h.repo.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("list layouts failed", zap.Error(err))
		jsonError(w, "failed to list layouts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Create handles POST /layouts. With ?template=name the new layout starts
// as a copy of that catalog template and the body is ignored.
func (h *LayoutHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var l *layout.Layout
	if name := r.URL.Query().Get("template"); name != "" {
		tpl, ok := layout.LookupTemplate(name)
		if !ok {
			jsonError(w, "template not found", http.StatusNotFound)
			return
		}
		l = tpl.Layout
		l.ID = ""
	} else {
		l = &layout.Layout{}
		if err := h.decodeLayout(r, l); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if l.ID == "" {
		l.ID = uuid.New().String()
	}

	if err := h.repo.Create(ctx, l); err != nil {
		h.logger.Error("create layout failed", zap.Error(err))
		jsonError(w, "failed to save layout", http.StatusInternalServerError)
		return
	}

	h.logger.Info("layout created",
		zap.String("layout_id", l.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.Int("elements", len(l.Elements)))
	writeJSON(w, http.StatusCreated, l)
}

// Get handles GET /layouts/{id}
func (h *LayoutHandler) Get(w http.ResponseWriter, r *http.Request) {
	l, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.repoError(w, err, "failed to load layout")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// Update handles PUT /layouts/{id}
func (h *LayoutHandler) Update(w http.ResponseWriter, r *http.Request) {
	l := &layout.Layout{}
	if err := h.decodeLayout(r, l); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	l.ID = chi.URLParam(r, "id")

	if err := h.repo.Update(r.Context(), l); err != nil {
		h.repoError(w, err, "failed to save layout")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// Delete handles DELETE /layouts/{id}. Issued snapshots keep their own copy.
func (h *LayoutHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.repoError(w, err, "failed to delete layout")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Validate handles POST /layouts/validate
func (h *LayoutHandler) Validate(w http.ResponseWriter, r *http.Request) {
	l := &layout.Layout{}
	if err := decode(r, l); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	report := validation.ValidateLayout(l)
	h.metrics.ObserveReport(report)
	writeJSON(w, http.StatusOK, report)
}

// RenderRequest is the body of POST /layouts/render. Bindings override the
// values derived from Prescription and Doctor.
type RenderRequest struct {
	Layout       layout.Layout         `json:"layout"`
	Prescription *binding.Prescription `json:"prescription,omitempty" validate:"-"`
	Doctor       *binding.Doctor       `json:"doctor,omitempty" validate:"-"`
	Bindings     binding.Context       `json:"bindings,omitempty"`
	Selected     string                `json:"selected,omitempty"`
}

// Render handles POST /layouts/render?target=&format=
func (h *LayoutHandler) Render(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, span := otel.Tracer("layout-handler").Start(r.Context(), "render_layout")
	defer span.End()

	target, err := render.ParseTarget(r.URL.Query().Get("target"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	format, err := printing.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("target", string(target)), attribute.String("format", string(format)))

	var req RenderRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	bindings := binding.Context{}
	if req.Prescription != nil {
		var doc binding.Doctor
		if req.Doctor != nil {
			doc = *req.Doctor
		}
		bindings = binding.Build(*req.Prescription, doc, time.Time{})
	}
	for k, v := range req.Bindings {
		bindings[k] = v
	}

	doc, err := render.Render(&req.Layout, bindings, target, render.Options{Clock: h.clock, Selected: req.Selected})
	if errors.Is(err, layout.ErrUnknownElementType) {
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		h.logger.Error("render failed", zap.Error(err))
		jsonError(w, "failed to render layout", http.StatusInternalServerError)
		return
	}

	artifact, err := h.printer.Encode(ctx, doc, format, req.Layout.Name)
	if err != nil {
		encodeError(w, h.logger, err)
		return
	}
	h.metrics.ObserveRender(string(target), string(format), started)

	w.Header().Set("Content-Type", artifact.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(artifact.Data)
}

// decodeLayout decodes a layout body and rejects unknown element types
func (h *LayoutHandler) decodeLayout(r *http.Request, l *layout.Layout) error {
	if err := decode(r, l); err != nil {
		return err
	}
	if err := validate.Var(l.Name, "required,max=200"); err != nil {
		return errors.New("invalid request: name is required")
	}
	for _, e := range l.Elements {
		if _, err := layout.ParseElementType(string(e.Type)); err != nil {
			return err
		}
	}
	return nil
}

func (h *LayoutHandler) repoError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, layout.ErrLayoutNotFound) {
		jsonError(w, "layout not found", http.StatusNotFound)
		return
	}
	h.logger.Error(message, zap.Error(err))
	jsonError(w, message, http.StatusInternalServerError)
}
