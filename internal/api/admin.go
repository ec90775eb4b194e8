package api

import (
	"net/http"
	"time"

	"github.com/shaharia-lab/pulse/internal/alert"
	"github.com/shaharia-lab/pulse/internal/epoch"
)

type tickResponse struct {
	Now      time.Time      `json:"now"`
	Fired    []string       `json:"fired"`
	Failures []tickFailure  `json:"failures"`
	Closed   []epoch.Bucket `json:"closed"`
	Flushed  int            `json:"flushed"`
}

type tickFailure struct {
	AlertID string `json:"alert_id"`
	Error   string `json:"error"`
}

// handleTick runs one engine tick at the engine clock's current time.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	now := s.engine.Now()
	res := s.engine.Tick(r.Context(), now)

	resp := tickResponse{
		Now:      now,
		Fired:    nonNil(res.Fired),
		Failures: make([]tickFailure, 0, len(res.Failures)),
		Closed:   nonNil(res.Closed),
		Flushed:  res.Flushed,
	}
	for _, f := range res.Failures {
		resp.Failures = append(resp.Failures, failureOf(f))
	}
	writeJSON(w, http.StatusOK, resp)
}

func failureOf(f alert.HandoffFailure) tickFailure {
	return tickFailure{AlertID: f.AlertID, Error: f.Err.Error()}
}

// handleVerifyIndex compares every shard's tag index with a replay of the log.
func (s *Server) handleVerifyIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.VerifyIndex(r.Context()); err != nil {
		httpErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRecoverIndex rebuilds the tag indexes and resumes halted shards.
func (s *Server) handleRecoverIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Recover(r.Context()); err != nil {
		httpErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
