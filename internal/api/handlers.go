// Package api exposes HTTP handlers for the signup service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"example.com/signup/internal/domain"
	"example.com/signup/internal/events"
)

// Error types carried in the X-Error-Type header of 409 responses.
const (
	ErrorTypeActivityFull      = "activity_full"
	ErrorTypeAlreadyRegistered = "already_registered"
	ErrorTypeNotRegistered     = "not_registered"
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
	log     *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, log: logger}
}

// Routes configures the endpoints served by the handler.
type Routes struct {
	// Limit wraps the mutating routes. Nil leaves them unthrottled.
	Limit func(http.Handler) http.Handler
	// Static serves /static/*. Nil disables the landing page.
	Static fs.FS
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// RateLimitStats serves /debug/ratelimit when set.
	RateLimitStats http.Handler
	// Audit serves GET /activities/{name}/audit when set.
	Audit AuditReader
}

// AuditReader lists the consumed membership events of an activity.
type AuditReader interface {
	AuditTrail(ctx context.Context, activity string) ([]events.AuditEntry, error)
}

// RegisterRoutes wires endpoints to the router.
func (h *Handler) RegisterRoutes(r chi.Router, routes Routes) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/static/index.html", http.StatusTemporaryRedirect)
	})
	if routes.Static != nil {
		// FileServer redirects */index.html to the directory, so the page is served directly.
		r.Get("/static/index.html", serveFile(routes.Static, "index.html"))
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(routes.Static))))
	}
	r.Get("/healthz", h.healthz)
	if routes.Metrics != nil {
		r.Handle("/metrics", routes.Metrics)
	}
	if routes.RateLimitStats != nil {
		r.Handle("/debug/ratelimit", routes.RateLimitStats)
	}

	r.Get("/activities", h.listActivities)
	if routes.Audit != nil {
		r.Get("/activities/{name}/audit", h.auditTrail(routes.Audit))
	}
	r.Group(func(r chi.Router) {
		if routes.Limit != nil {
			r.Use(routes.Limit)
		}
		r.Post("/activities/{name}/signup", h.signup)
		r.Post("/activities/{name}/unregister", h.unregister)
	})
}

// healthz reports OK while the activity store answers.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "unavailable", "activity store unreachable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	rosters, err := h.service.ListActivities(r.Context())
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	resp := make(ActivitiesResponse, 0, len(rosters))
	for _, roster := range rosters {
		resp = append(resp, toActivityView(roster))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) signup(w http.ResponseWriter, r *http.Request) {
	name := activityName(r)
	email, ok := emailParam(w, r)
	if !ok {
		return
	}

	msg, err := h.service.Signup(r.Context(), name, email)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: msg})
}

func (h *Handler) unregister(w http.ResponseWriter, r *http.Request) {
	name := activityName(r)
	email, ok := emailParam(w, r)
	if !ok {
		return
	}

	msg, err := h.service.Unregister(r.Context(), name, email)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: msg})
}

func (h *Handler) auditTrail(reader AuditReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := reader.AuditTrail(r.Context(), activityName(r))
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		resp := make([]AuditView, 0, len(entries))
		for _, e := range entries {
			resp = append(resp, AuditView{
				EventID:    e.EventID,
				EventType:  e.EventType,
				Email:      e.Email,
				OccurredAt: e.OccurredAt,
				ReceivedAt: e.ReceivedAt,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func serveFile(fsys fs.FS, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fsys.Open(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			http.NotFound(w, r)
			return
		}
		rs, ok := f.(io.ReadSeeker)
		if !ok {
			http.Error(w, "file is not seekable", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, name, info.ModTime(), rs)
	}
}

// activityName returns the {name} path segment. chi already decodes it unless
// the request path carried escapes such as %2F, in which case RawPath is used.
func activityName(r *http.Request) string {
	name := chi.URLParam(r, "name")
	if r.URL.RawPath == "" {
		return name
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		return decoded
	}
	return name
}

func emailParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	values, ok := r.URL.Query()["email"]
	if !ok || len(values) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "missing email query parameter")
		return "", false
	}
	return values[0], true
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *domain.InvalidEmailError
	switch {
	case errors.Is(err, domain.ErrActivityNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Activity not found")
	case errors.Is(err, domain.ErrActivityFull):
		w.Header().Set("X-Error-Type", ErrorTypeActivityFull)
		writeError(w, http.StatusConflict, ErrorTypeActivityFull, "Activity is full")
	case errors.Is(err, domain.ErrAlreadyRegistered):
		w.Header().Set("X-Error-Type", ErrorTypeAlreadyRegistered)
		writeError(w, http.StatusConflict, ErrorTypeAlreadyRegistered, "Student already registered for this activity")
	case errors.Is(err, domain.ErrNotRegistered):
		w.Header().Set("X-Error-Type", ErrorTypeNotRegistered)
		writeError(w, http.StatusConflict, ErrorTypeNotRegistered, "Student is not registered for this activity")
	case errors.As(err, &invalid):
		writeError(w, http.StatusUnprocessableEntity, "invalid_email", "Invalid email: "+invalid.Reason)
	default:
		h.serverError(w, r, err)
	}
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "server_error", "internal server error")
}

// ActivityView is the public shape of one activity.
type ActivityView struct {
	Description     string   `json:"description"`
	Schedule        string   `json:"schedule"`
	MaxParticipants int      `json:"max_participants"`
	Participants    []string `json:"participants"`
}

// NamedActivity pairs an activity name with its view.
type NamedActivity struct {
	Name string
	ActivityView
}

// ActivitiesResponse encodes as a JSON object keyed by activity name, keeping store order.
type ActivitiesResponse []NamedActivity

// MarshalJSON implements json.Marshaler.
func (a ActivitiesResponse) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, entry := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(entry.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(entry.ActivityView)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// AuditView is one consumed membership event.
type AuditView struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Email      string    `json:"email"`
	OccurredAt time.Time `json:"occurred_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// MessageResponse is returned by successful signup and unregister calls.
type MessageResponse struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toActivityView(roster domain.Roster) NamedActivity {
	participants := roster.Participants
	if participants == nil {
		participants = []string{}
	}
	return NamedActivity{
		Name: roster.Name,
		ActivityView: ActivityView{
			Description:     roster.Description,
			Schedule:        roster.Schedule,
			MaxParticipants: roster.Capacity,
			Participants:    participants,
		},
	}
}
