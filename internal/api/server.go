package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shaharia-lab/pulse/internal/apperr"
	"github.com/shaharia-lab/pulse/internal/engine"
	"github.com/shaharia-lab/pulse/internal/storage"
)

const errInvalidJSONBody = "invalid JSON body"

// Server holds all dependencies for the REST API handlers.
type Server struct {
	engine     *engine.Engine
	deliveries storage.DeliveryStore
	logger     *slog.Logger
}

// New creates a new API Server backed by the engine. deliveries may be nil,
// in which case the delivery log endpoint reports an empty list.
func New(eng *engine.Engine, deliveries storage.DeliveryStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:     eng,
		deliveries: deliveries,
		logger:     logger,
	}
}

// Mount registers all API routes under the given router.
func (s *Server) Mount(r chi.Router) {
	// Events
	r.Post("/events", s.handleAppendEvent)
	r.Get("/events", s.handleQueryEvents)
	r.Get("/events/{id}", s.handleGetEvent)
	r.Delete("/events/{id}", s.handleDeleteEvent)
	r.Get("/events/{id}/alerts", s.handleEventAlerts)

	// Aggregates
	r.Get("/epochs", s.handleQueryEpochs)

	// Alerts
	r.Get("/alerts", s.handleListAlerts)
	r.Post("/alerts", s.handleScheduleAlert)
	r.Post("/alerts/signal", s.handleScheduleSignal)
	r.Get("/alerts/{id}", s.handleGetAlert)
	r.Delete("/alerts/{id}", s.handleCancelAlert)

	// Feeds
	r.Get("/feeds", s.handleListFeeds)
	r.Post("/feeds", s.handleRegisterFeed)
	r.Get("/feeds/{id}", s.handleGetFeed)
	r.Post("/feeds/{id}/reset", s.handleResetFeed)
	r.Put("/feeds/{id}/targets", s.handleSetFeedTargets)
	r.Get("/deliveries", s.handleListDeliveries)

	// Maintenance
	r.Post("/tick", s.handleTick)
	r.Post("/index/verify", s.handleVerifyIndex)
	r.Post("/index/recover", s.handleRecoverIndex)
	r.Get("/stats", s.handleStats)
	r.Get("/version", s.handleVersion)
}

// ─── Shared helpers ───────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// httpErr maps engine errors to HTTP status codes.
func httpErr(w http.ResponseWriter, err error) {
	var (
		notFound     *apperr.NotFoundError
		conflict     *apperr.ConflictError
		validation   *apperr.ValidationError
		late         *apperr.LateEventError
		backpressure *apperr.BackpressureError
		corruption   *apperr.IndexCorruptionError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &late):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &backpressure), errors.As(err, &corruption), errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// queryLimit reads ?limit=N, falling back to def for missing or invalid values.
func queryLimit(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			return n
		}
	}
	return def
}
