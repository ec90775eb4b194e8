package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shaharia-lab/pulse/internal/notification"
	"github.com/shaharia-lab/pulse/internal/storage"
)

const defaultDeliveryLimit = 50

// handleListFeeds returns every feed's status in registration order.
func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Feeds())
}

// handleRegisterFeed registers a new feed.
func (s *Server) handleRegisterFeed(w http.ResponseWriter, r *http.Request) {
	var cfg notification.FeedConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidJSONBody)
		return
	}

	id, err := s.engine.RegisterFeed(cfg)
	if err != nil {
		httpErr(w, err)
		return
	}
	st, err := s.engine.FeedStatus(id)
	if err != nil {
		httpErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// handleGetFeed returns a single feed's status.
func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.FeedStatus(chi.URLParam(r, "id"))
	if err != nil {
		httpErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleResetFeed returns a degraded feed to service.
func (s *Server) handleResetFeed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.ResetFeed(r.Context(), id); err != nil {
		httpErr(w, err)
		return
	}
	st, err := s.engine.FeedStatus(id)
	if err != nil {
		httpErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type setTargetsRequest struct {
	Targets []string `json:"targets"`
}

// handleSetFeedTargets replaces a feed's recipients.
func (s *Server) handleSetFeedTargets(w http.ResponseWriter, r *http.Request) {
	var req setTargetsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidJSONBody)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.engine.SetFeedTargets(id, req.Targets); err != nil {
		httpErr(w, err)
		return
	}
	st, err := s.engine.FeedStatus(id)
	if err != nil {
		httpErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleListDeliveries returns recent delivery log entries, newest first.
// Accepts optional ?feed=ID and ?limit=N (default 50) query parameters.
func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.deliveries == nil {
		writeJSON(w, http.StatusOK, []storage.DeliveryLogEntry{})
		return
	}
	entries, err := s.deliveries.ListDeliveries(r.Context(), r.URL.Query().Get("feed"), queryLimit(r, defaultDeliveryLimit))
	if err != nil {
		s.logger.Error("failed to list deliveries", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load delivery log")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
