package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"livewatch/internal/session"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

// Handler exposes the watch session HTTP endpoints using go-chi.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// RegisterRoutes mounts the session endpoints on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.OpenSession)
		r.Get("/", h.ListSessions)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Put("/", h.ReplaceSession)
			r.Delete("/", h.CloseSession)
			r.Post("/retry", h.RetrySession)
			r.Get("/playlist.m3u8", h.GetPlaylist)
			r.Get("/segments/{segment}", h.GetSegment)
		})
	})
}

// streamRequest is the body of POST /sessions and PUT /sessions/{session_id}.
// Body: { "url": "https://cdn.example/live/index.m3u8", "delivery_type": "adaptive" }.
type streamRequest struct {
	URL          string `json:"url"`
	DeliveryType string `json:"delivery_type"`
}

func (req streamRequest) descriptor() (session.StreamDescriptor, error) {
	dt := session.DeliveryAdaptive
	if req.DeliveryType != "" {
		var err error
		if dt, err = session.ParseDeliveryType(req.DeliveryType); err != nil {
			return session.StreamDescriptor{}, err
		}
	}
	return session.StreamDescriptor{URL: req.URL, DeliveryType: dt}, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// OpenSession handles POST /sessions.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.decodeDescriptor(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Open(r.Context(), desc)
	if err != nil {
		h.writeServiceError(w, err, "open session failed")
		return
	}

	w.Header().Set("Location", "/sessions/"+string(rec.ID))
	h.writeJSON(w, http.StatusCreated, rec)
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.List())
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))

	rec, err := h.svc.Status(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "get session failed")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// ReplaceSession handles PUT /sessions/{session_id}: the session switches
// to the stream in the body.
func (h *Handler) ReplaceSession(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	desc, ok := h.decodeDescriptor(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Replace(r.Context(), id, desc)
	if err != nil {
		h.writeServiceError(w, err, "replace session failed")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// CloseSession handles DELETE /sessions/{session_id}.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))

	if err := h.svc.Close(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "close session failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetrySession handles POST /sessions/{session_id}/retry.
func (h *Handler) RetrySession(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))

	rec, err := h.svc.Retry(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "retry session failed")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// GetPlaylist handles GET /sessions/{session_id}/playlist.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))

	m3u8, err := h.svc.Playlist(id)
	if err != nil {
		h.writeServiceError(w, err, "get playlist failed")
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(m3u8))
}

// GetSegment handles GET /sessions/{session_id}/segments/{seq}.ts.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	name, ok := strings.CutSuffix(chi.URLParam(r, "segment"), ".ts")
	seq, err := strconv.ParseInt(name, 10, 64)
	if !ok || err != nil || seq < 0 {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid segment sequence"})
		return
	}

	data, err := h.svc.Segment(id, seq)
	if err != nil {
		h.writeServiceError(w, err, "get segment failed")
		return
	}

	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		h.log.Warn("health check failed", slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": h.svc.ActiveSessionCount(),
	})
}

func (h *Handler) decodeDescriptor(w http.ResponseWriter, r *http.Request) (session.StreamDescriptor, bool) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid session body", slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return session.StreamDescriptor{}, false
	}
	desc, err := req.descriptor()
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return session.StreamDescriptor{}, false
	}
	return desc, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSegmentNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrInvalidDescriptor):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		h.log.Error(msg, slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response failed", slog.String("error", err.Error()))
	}
}

// RateLimit limits requests per client IP to limit per window. A limit
// <= 0 disables limiting.
func RateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
		}),
	)
}
