package handlers

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlayout/internal/binding"
	"github.com/drfirst/go-rxlayout/internal/editor"
	"github.com/drfirst/go-rxlayout/internal/geometry"
	"github.com/drfirst/go-rxlayout/internal/layout"
	"github.com/drfirst/go-rxlayout/internal/printing"
	"github.com/drfirst/go-rxlayout/internal/render"
	"github.com/drfirst/go-rxlayout/internal/validation"
	"github.com/drfirst/go-rxlayout/internal/verification"
)

// SessionConfig holds editing session settings
type SessionConfig struct {
	Editor      editor.Config `mapstructure:",squash"`
	MaxSessions int           `mapstructure:"max_sessions"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// DefaultSessionConfig returns sensible defaults
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Editor:      editor.DefaultConfig(),
		MaxSessions: 256,
		IdleTimeout: 30 * time.Minute,
	}
}

type sessionEntry struct {
	session  *editor.Session
	lastUsed time.Time
}

// SessionHandler hosts server-side editing sessions over layouts
type SessionHandler struct {
	config  SessionConfig
	layouts LayoutRepository
	printer *printing.Printer
	builder *verification.Builder
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// NewSessionHandler creates a new handler
func NewSessionHandler(cfg SessionConfig, layouts LayoutRepository, printer *printing.Printer, builder *verification.Builder, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSessionConfig()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if printer == nil {
		printer = printing.NewPrinter(printing.DefaultConfig(), nil, nil, nil, logger)
	}
	return &SessionHandler{
		config:   cfg,
		layouts:  layouts,
		printer:  printer,
		builder:  builder,
		logger:   logger,
		sessions: make(map[string]*sessionEntry),
	}
}

// Routes returns the handler routes
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Open)
	r.Route("/{sid}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Close)
		r.Post("/elements", h.AddElement)
		r.Patch("/elements/{eid}", h.UpdateElement)
		r.Delete("/elements/{eid}", h.RemoveElement)
		r.Post("/elements/{eid}/front", h.BringToFront)
		r.Put("/prescription", h.SetPrescription)
		r.Get("/render", h.Render)
		r.Get("/qr", h.QR)
		r.Post("/save", h.Save)
	})
	return r
}

// OpenRequest is the body of POST /sessions
type OpenRequest struct {
	LayoutID     string               `json:"layoutId" validate:"required_without=Template,excluded_with=Template"`
	Template     string               `json:"template"`
	Prescription binding.Prescription `json:"prescription" validate:"-"`
	Doctor       binding.Doctor       `json:"doctor" validate:"-"`
}

type sessionView struct {
	ID     string            `json:"id"`
	Layout layout.Layout     `json:"layout"`
	Report validation.Report `json:"report"`
}

// Open handles POST /sessions
func (h *SessionHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var src *layout.Layout
	if req.Template != "" {
		tpl, ok := layout.LookupTemplate(req.Template)
		if !ok {
			jsonError(w, "template not found", http.StatusNotFound)
			return
		}
		src = tpl.Layout
		src.ID = uuid.New().String()
	} else {
		l, err := h.layouts.Get(r.Context(), req.LayoutID)
		if errors.Is(err, layout.ErrLayoutNotFound) {
			jsonError(w, "layout not found", http.StatusNotFound)
			return
		}
		if err != nil {
			h.logger.Error("load layout failed", zap.Error(err))
			jsonError(w, "failed to load layout", http.StatusInternalServerError)
			return
		}
		src = l
	}

	h.mu.Lock()
	h.evictIdle(time.Now())
	if len(h.sessions) >= h.config.MaxSessions {
		h.mu.Unlock()
		jsonError(w, "too many open sessions", http.StatusServiceUnavailable)
		return
	}
	id := uuid.New().String()
	s := editor.NewSession(h.config.Editor, *src, req.Prescription, req.Doctor, h.builder, h.logger)
	h.sessions[id] = &sessionEntry{session: s, lastUsed: time.Now()}
	h.mu.Unlock()

	writeJSON(w, http.StatusCreated, sessionView{ID: id, Layout: s.Freeze(), Report: s.Report()})
}

// Get handles GET /sessions/{sid} with any pending validation flushed
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	report := s.ValidateNow()
	writeJSON(w, http.StatusOK, sessionView{ID: chi.URLParam(r, "sid"), Layout: s.Freeze(), Report: report})
}

// Close handles DELETE /sessions/{sid}
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sid")
	h.mu.Lock()
	entry, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	entry.session.Close()
	w.WriteHeader(http.StatusNoContent)
}

// AddElementRequest is the body of POST /sessions/{sid}/elements
type AddElementRequest struct {
	Type     layout.ElementType `json:"type" validate:"required"`
	Position geometry.Position  `json:"position"`
}

// AddElement handles POST /sessions/{sid}/elements
func (h *SessionHandler) AddElement(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req AddElementRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, err := s.AddElement(req.Type, req.Position)
	if err != nil {
		elementError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// ElementPatch is the body of PATCH /sessions/{sid}/elements/{eid}. Nil
// fields are left unchanged.
type ElementPatch struct {
	Position  *geometry.Position `json:"position,omitempty"`
	Size      *geometry.Size     `json:"size,omitempty"`
	Content   *string            `json:"content,omitempty"`
	Style     *layout.TextStyle  `json:"style,omitempty"`
	IsVisible *bool              `json:"isVisible,omitempty"`
	IsLocked  *bool              `json:"isLocked,omitempty"`
}

// UpdateElement handles PATCH /sessions/{sid}/elements/{eid}. Locked
// elements cannot be moved or resized.
func (h *SessionHandler) UpdateElement(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var patch ElementPatch
	if err := decode(r, &patch); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "eid")

	if patch.Size != nil {
		if err := s.ResizeElement(id, *patch.Size); err != nil {
			elementError(w, err)
			return
		}
	}
	if patch.Position != nil {
		if err := s.MoveElement(id, *patch.Position); err != nil {
			elementError(w, err)
			return
		}
	}
	err := s.UpdateElement(id, func(e *layout.Element) {
		if patch.Content != nil {
			e.Content = *patch.Content
		}
		if patch.Style != nil {
			e.Style = *patch.Style
		}
		if patch.IsVisible != nil {
			e.IsVisible = *patch.IsVisible
		}
		if patch.IsLocked != nil {
			e.IsLocked = *patch.IsLocked
		}
	})
	if err != nil {
		elementError(w, err)
		return
	}
	current := s.Freeze()
	e, _ := current.Element(id)
	writeJSON(w, http.StatusOK, e)
}

// RemoveElement handles DELETE /sessions/{sid}/elements/{eid}
func (h *SessionHandler) RemoveElement(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := s.RemoveElement(chi.URLParam(r, "eid")); err != nil {
		elementError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BringToFront handles POST /sessions/{sid}/elements/{eid}/front
func (h *SessionHandler) BringToFront(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := s.BringToFront(chi.URLParam(r, "eid")); err != nil {
		elementError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PrescriptionPatch is the body of PUT /sessions/{sid}/prescription
type PrescriptionPatch struct {
	PatientID   *string               `json:"patientId,omitempty"`
	PatientName *string               `json:"patientName,omitempty"`
	Diagnosis   *string               `json:"diagnosis,omitempty"`
	Medications *[]binding.Medication `json:"medications,omitempty" validate:"omitempty,dive"`
}

// SetPrescription handles PUT /sessions/{sid}/prescription. The
// verification code is regenerated after the QR debounce window.
func (h *SessionHandler) SetPrescription(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var patch PrescriptionPatch
	if err := decode(r, &patch); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rx := s.Prescription()
	if patch.PatientID != nil || patch.PatientName != nil {
		id, name := rx.PatientID, rx.PatientName
		if patch.PatientID != nil {
			id = *patch.PatientID
		}
		if patch.PatientName != nil {
			name = *patch.PatientName
		}
		s.SetPatient(id, name)
	}
	if patch.Diagnosis != nil {
		s.SetDiagnosis(*patch.Diagnosis)
	}
	if patch.Medications != nil {
		s.SetMedications(*patch.Medications)
	}
	writeJSON(w, http.StatusOK, s.Prescription())
}

// Render handles GET /sessions/{sid}/render?target=&format=
func (h *SessionHandler) Render(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
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

	// pick up a pending QR regeneration before drawing
	s.QR()
	doc, err := s.Render(target)
	if err != nil {
		encodeError(w, h.logger, err)
		return
	}
	current := s.Freeze()
	artifact, err := h.printer.Encode(r.Context(), doc, format, current.Name)
	if err != nil {
		encodeError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", artifact.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(artifact.Data)
}

// QR handles GET /sessions/{sid}/qr
func (h *SessionHandler) QR(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	code, err := s.QR()
	if err != nil {
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Payload-Digest", code.Digest)
	w.WriteHeader(http.StatusOK)
	w.Write(code.PNG)
}

// Save handles POST /sessions/{sid}/save. Sessions opened from a template
// create their layout on the first save.
func (h *SessionHandler) Save(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	l := s.Freeze()
	err := h.layouts.Update(r.Context(), &l)
	if errors.Is(err, layout.ErrLayoutNotFound) {
		err = h.layouts.Create(r.Context(), &l)
	}
	if err != nil {
		h.logger.Error("save session layout failed", zap.Error(err))
		jsonError(w, "failed to save layout", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// Shutdown closes every open session
func (h *SessionHandler) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, entry := range h.sessions {
		entry.session.Close()
		delete(h.sessions, id)
	}
}

func (h *SessionHandler) lookup(w http.ResponseWriter, r *http.Request) (*editor.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.sessions[chi.URLParam(r, "sid")]
	if !ok {
		jsonError(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	entry.lastUsed = time.Now()
	return entry.session, true
}

// evictIdle closes sessions unused for longer than the idle timeout.
// Callers hold h.mu.
func (h *SessionHandler) evictIdle(now time.Time) {
	for id, entry := range h.sessions {
		if now.Sub(entry.lastUsed) > h.config.IdleTimeout {
			entry.session.Close()
			delete(h.sessions, id)
			h.logger.Info("closed idle editing session", zap.String("session_id", id))
		}
	}
}

func elementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, layout.ErrElementNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, layout.ErrElementLocked):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, layout.ErrUnknownElementType), errors.Is(err, layout.ErrDuplicateElement):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}
