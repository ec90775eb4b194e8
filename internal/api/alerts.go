package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shaharia-lab/pulse/internal/alert"
)

type scheduleAlertRequest struct {
	ID            string    `json:"id"`
	TriggerTime   time.Time `json:"trigger_time"`
	Interval      string    `json:"interval"`
	CorrelationID string    `json:"correlation_id"`
}

type scheduleSignalRequest struct {
	ID            string `json:"id"`
	Signal        string `json:"signal"`
	CorrelationID string `json:"correlation_id"`
}

// handleListAlerts returns the pending alerts in trigger order.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.PendingAlerts())
}

// handleScheduleAlert schedules a one-shot or recurring alert. Interval is a
// Go duration string such as "90s" or "1h".
func (s *Server) handleScheduleAlert(w http.ResponseWriter, r *http.Request) {
	var req scheduleAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidJSONBody)
		return
	}

	var interval time.Duration
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "interval must be a duration such as \"1h\"")
			return
		}
		interval = d
	}

	id, err := s.engine.Schedule(alert.Spec{
		ID:            req.ID,
		TriggerTime:   req.TriggerTime,
		Interval:      interval,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		httpErr(w, err)
		return
	}
	s.writeAlert(w, http.StatusCreated, id)
}

// handleScheduleSignal schedules a recurring alert from a signal trigger.
func (s *Server) handleScheduleSignal(w http.ResponseWriter, r *http.Request) {
	var req scheduleSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidJSONBody)
		return
	}

	id, err := s.engine.ScheduleSignal(req.ID, req.Signal, req.CorrelationID)
	if err != nil {
		httpErr(w, err)
		return
	}
	s.writeAlert(w, http.StatusCreated, id)
}

func (s *Server) writeAlert(w http.ResponseWriter, status int, id string) {
	a, err := s.engine.Alert(id)
	if err != nil {
		httpErr(w, err)
		return
	}
	writeJSON(w, status, a)
}

// handleGetAlert returns a single alert.
func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	s.writeAlert(w, http.StatusOK, chi.URLParam(r, "id"))
}

// handleCancelAlert cancels an alert. Cancelling an unknown or finished
// alert is a no-op.
func (s *Server) handleCancelAlert(w http.ResponseWriter, r *http.Request) {
	s.engine.Cancel(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// handleEventAlerts lists the alerts correlated to an event.
func (s *Server) handleEventAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.AlertsFor(chi.URLParam(r, "id")))
}
