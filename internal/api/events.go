package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shaharia-lab/pulse/internal/apperr"
	"github.com/shaharia-lab/pulse/internal/eventstore"
	"github.com/shaharia-lab/pulse/internal/tagindex"
)

const defaultStreamLimit = 100

type appendEventRequest struct {
	ID        string         `json:"id"`
	Tags      []string       `json:"tags"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// handleAppendEvent commits a new event. A durability failure after commit
// is logged; the event is still returned as created.
func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidJSONBody)
		return
	}

	ev, err := s.engine.Append(r.Context(), eventstore.Draft{
		ID:        req.ID,
		Tags:      req.Tags,
		Payload:   req.Payload,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		if ev.Sequence == 0 {
			httpErr(w, err)
			return
		}
		s.logger.Warn("event committed but log sync failed",
			"event_id", ev.ID, "sequence", ev.Sequence, "error", err)
	}
	writeJSON(w, http.StatusCreated, ev)
}

// handleGetEvent returns a single live event.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		httpErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleDeleteEvent tombstones an event.
func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		httpErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleQueryEvents serves two shapes of listing:
//
//	?tag=a                 live events carrying a
//	?tags=a,b&mode=or      live events matching the combined tags
//	?after=42&limit=10     the committed stream from sequence 42, tombstoned included
func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var tags []string
	if t := q.Get("tag"); t != "" {
		tags = append(tags, t)
	}
	for t := range strings.SplitSeq(q.Get("tags"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	if len(tags) == 0 {
		s.streamEvents(w, r)
		return
	}

	mode, ok := tagindex.ParseMode(q.Get("mode"))
	if !ok {
		writeError(w, http.StatusBadRequest, "mode must be \"and\" or \"or\"")
		return
	}

	var (
		ids []string
		err error
	)
	if len(tags) == 1 {
		ids, err = s.engine.QueryByTag(tags[0])
	} else {
		ids, err = s.engine.QueryByTags(tags, mode)
	}
	if err != nil {
		httpErr(w, err)
		return
	}

	events := make([]eventstore.Event, 0, len(ids))
	for _, id := range ids {
		ev, err := s.engine.Get(id)
		if err != nil {
			// Deleted between the query and the lookup.
			var nf *apperr.NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			httpErr(w, err)
			return
		}
		events = append(events, ev)
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if a := r.URL.Query().Get("after"); a != "" {
		n, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be a sequence number")
			return
		}
		after = n
	}
	limit := queryLimit(r, defaultStreamLimit)

	events := make([]eventstore.Event, 0, min(limit, defaultStreamLimit))
	for ev := range s.engine.ReadFrom(after + 1) {
		events = append(events, ev)
		if len(events) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleQueryEpochs returns the aggregate buckets tiling [from, to).
func (s *Server) handleQueryEpochs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be an RFC 3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be an RFC 3339 timestamp")
		return
	}

	buckets, err := s.engine.QueryEpochs(from, to)
	if err != nil {
		httpErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}
