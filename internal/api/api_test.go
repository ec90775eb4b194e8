package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/pulse/internal/api"
	"github.com/shaharia-lab/pulse/internal/apperr"
	"github.com/shaharia-lab/pulse/internal/engine"
	"github.com/shaharia-lab/pulse/internal/epoch"
	"github.com/shaharia-lab/pulse/internal/notification"
	"github.com/shaharia-lab/pulse/internal/storage"
	storagemocks "github.com/shaharia-lab/pulse/internal/storage/mocks"
)

// testHarness bundles the engine, mocks and router used by every test.
type testHarness struct {
	engine     *engine.Engine
	clock      *clockwork.FakeClock
	deliveries *storagemocks.MockDeliveryStore
	router     chi.Router
}

func at(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(at(1000))
	deliveries := new(storagemocks.MockDeliveryStore)
	deliveries.On("RecordDelivery", mock.Anything, mock.Anything).Return(nil).Maybe()

	sinks := notification.NewSinkTable(logger)
	sinks.Register("capture", notification.SinkFunc(func(context.Context, notification.Delivery) error { return nil }))

	eng, err := engine.New(context.Background(), engine.Options{
		Epoch: epoch.Config{Width: time.Minute, Grace: 10 * time.Second, Fields: []string{"amount"}},
		Notification: notification.Options{
			Sinks: sinks,
			Log:   deliveries,
		},
		Clock:  clock,
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	r := chi.NewRouter()
	api.New(eng, deliveries, logger).Mount(r)

	return &testHarness{engine: eng, clock: clock, deliveries: deliveries, router: r}
}

func (h *testHarness) do(method, path, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

type eventJSON struct {
	ID        string         `json:"id"`
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Tags      []string       `json:"tags"`
	Payload   map[string]any `json:"payload"`
}

// ---------- Events ----------

func TestAppendEvent(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "created", body: `{"id":"E1","tags":["invoice"]}`, wantStatus: http.StatusCreated},
		{name: "invalid json", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "invalid id", body: `{"id":"bad id"}`, wantStatus: http.StatusBadRequest},
		{name: "late event", body: `{"id":"E2","timestamp":"1970-01-01T00:01:40Z"}`, wantStatus: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			w := h.do(http.MethodPost, "/events", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestAppendEvent_DefaultsAndConflict(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/events", `{"id":"E1","tags":["b","a","a"]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	ev := decode[eventJSON](t, w)
	assert.Equal(t, uint64(1), ev.Sequence)
	assert.Equal(t, at(1000), ev.Timestamp)
	assert.Equal(t, []string{"a", "b"}, ev.Tags)

	w = h.do(http.MethodPost, "/events", `{"id":"E1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetAndDeleteEvent(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/events", `{"id":"E1","payload":{"amount":3}}`).Code)

	w := h.do(http.MethodGet, "/events/E1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "E1", decode[eventJSON](t, w).ID)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/events/E1", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/events/E1", "").Code)
	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/events/E1", "").Code, "repeat delete is a no-op")
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodDelete, "/events/missing", "").Code)
}

func TestQueryEvents(t *testing.T) {
	h := newHarness(t)
	for _, body := range []string{
		`{"id":"E1","tags":["invoice","paid"]}`,
		`{"id":"E2","tags":["invoice"]}`,
		`{"id":"E3","tags":["refund"]}`,
	} {
		require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/events", body).Code)
	}

	ids := func(path string) []string {
		t.Helper()
		w := h.do(http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var out []string
		for _, ev := range decode[[]eventJSON](t, w) {
			out = append(out, ev.ID)
		}
		return out
	}

	assert.Equal(t, []string{"E1", "E2"}, ids("/events?tag=invoice"))
	assert.Equal(t, []string{"E1"}, ids("/events?tags=invoice,paid"))
	assert.Equal(t, []string{"E1", "E2", "E3"}, ids("/events?tags=invoice,refund&mode=or"))
	assert.Equal(t, []string{"E2", "E3"}, ids("/events?after=1"))
	assert.Equal(t, []string{"E1"}, ids("/events?limit=1"))

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/events?tags=a,b&mode=xor", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/events?after=x", "").Code)
}

func TestQueryEpochs(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated,
		h.do(http.MethodPost, "/events", `{"id":"E1","timestamp":"1970-01-01T00:16:30Z","payload":{"amount":"2.5"}}`).Code)

	w := h.do(http.MethodGet, "/epochs?from=1970-01-01T00:16:00Z&to=1970-01-01T00:18:00Z", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	buckets := decode[[]epoch.Bucket](t, w)
	require.Len(t, buckets, 2)
	assert.Equal(t, int64(1), buckets[0].Count)
	assert.Equal(t, "2.5", buckets[0].Fields["amount"].Sum.String())
	assert.Equal(t, int64(0), buckets[1].Count)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/epochs?from=yesterday&to=1970-01-01T00:18:00Z", "").Code)
	assert.Equal(t, http.StatusBadRequest,
		h.do(http.MethodGet, "/epochs?from=1970-01-01T00:18:00Z&to=1970-01-01T00:16:00Z", "").Code)
}

// ---------- Alerts ----------

type alertJSON struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
	Signal        string `json:"signal"`
	FireCount     int    `json:"fire_count"`
}

func TestScheduleAlert(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "one shot", body: `{"id":"A1","trigger_time":"1970-01-01T00:20:00Z"}`, wantStatus: http.StatusCreated},
		{name: "recurring", body: `{"trigger_time":"1970-01-01T00:20:00Z","interval":"1m"}`, wantStatus: http.StatusCreated},
		{name: "bad interval", body: `{"trigger_time":"1970-01-01T00:20:00Z","interval":"soon"}`, wantStatus: http.StatusBadRequest},
		{name: "unknown correlation", body: `{"trigger_time":"1970-01-01T00:20:00Z","correlation_id":"nope"}`, wantStatus: http.StatusNotFound},
		{name: "invalid json", body: `[]`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			w := h.do(http.MethodPost, "/alerts", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if w.Code == http.StatusCreated {
				a := decode[alertJSON](t, w)
				assert.NotEmpty(t, a.ID)
				assert.Equal(t, "pending", a.Status)
			}
		})
	}
}

func TestScheduleSignal(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/alerts/signal", `{"id":"S1","signal":"M09:30:00::I86400"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "M09:30:00::I86400", decode[alertJSON](t, w).Signal)

	w = h.do(http.MethodPost, "/alerts/signal", `{"signal":"09:30"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlertLifecycle(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/events", `{"id":"E1"}`).Code)
	require.Equal(t, http.StatusCreated,
		h.do(http.MethodPost, "/alerts", `{"id":"A1","trigger_time":"1970-01-01T00:17:00Z","correlation_id":"E1"}`).Code)
	require.Equal(t, http.StatusCreated,
		h.do(http.MethodPost, "/alerts", `{"id":"A2","trigger_time":"1970-01-01T00:18:00Z"}`).Code)

	w := h.do(http.MethodGet, "/alerts", "")
	require.Equal(t, http.StatusOK, w.Code)
	pending := decode[[]alertJSON](t, w)
	require.Len(t, pending, 2)
	assert.Equal(t, "A1", pending[0].ID)

	w = h.do(http.MethodGet, "/events/E1/alerts", "")
	require.Equal(t, http.StatusOK, w.Code)
	linked := decode[[]alertJSON](t, w)
	require.Len(t, linked, 1)
	assert.Equal(t, "E1", linked[0].CorrelationID)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/alerts/A2", "").Code)
	w = h.do(http.MethodGet, "/alerts/A2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decode[alertJSON](t, w).Status)

	h.clock.Advance(time.Minute)
	w = h.do(http.MethodPost, "/tick", "")
	require.Equal(t, http.StatusOK, w.Code)
	var tick struct {
		Fired    []string `json:"fired"`
		Failures []any    `json:"failures"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tick))
	assert.Equal(t, []string{"A1"}, tick.Fired)
	assert.Empty(t, tick.Failures)

	w = h.do(http.MethodGet, "/alerts/A1", "")
	require.Equal(t, http.StatusOK, w.Code)
	a := decode[alertJSON](t, w)
	assert.Equal(t, "fired", a.Status)
	assert.Equal(t, 1, a.FireCount)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/alerts/missing", "").Code)
}

// ---------- Feeds ----------

type feedJSON struct {
	ID        string   `json:"id"`
	State     string   `json:"state"`
	Delivered int64    `json:"delivered"`
	Capacity  int      `json:"capacity"`
	Targets   []string `json:"targets"`
}

func TestRegisterFeed(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "created", body: `{"id":"f1","method":"capture","filter":{"tags":["invoice"]}}`, wantStatus: http.StatusCreated},
		{name: "unknown method", body: `{"method":"pigeon"}`, wantStatus: http.StatusBadRequest},
		{name: "bad filter expr", body: `{"method":"capture","filter":{"expr":"tags +"}}`, wantStatus: http.StatusBadRequest},
		{name: "bad frequency", body: `{"method":"capture","frequency":"hourly"}`, wantStatus: http.StatusBadRequest},
		{name: "invalid json", body: `{`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			w := h.do(http.MethodPost, "/feeds", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestFeedDelivery(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/feeds", `{"id":"f1","method":"capture","filter":{"tags":["invoice"]}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "idle", decode[feedJSON](t, w).State)
	assert.Equal(t, http.StatusConflict,
		h.do(http.MethodPost, "/feeds", `{"id":"f1","method":"capture"}`).Code)

	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/events", `{"id":"E1","tags":["invoice"]}`).Code)

	w = h.do(http.MethodGet, "/feeds/f1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[feedJSON](t, w).Delivered)

	h.deliveries.AssertCalled(t, "RecordDelivery", mock.Anything, mock.MatchedBy(func(rec notification.DeliveryRecord) bool {
		return rec.FeedID == "f1" && rec.Outcome == notification.OutcomeDelivered && rec.Items == 1
	}))

	w = h.do(http.MethodGet, "/feeds", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]feedJSON](t, w), 1)

	w = h.do(http.MethodPost, "/feeds/f1/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "idle", decode[feedJSON](t, w).State)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/feeds/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/feeds/nope/reset", "").Code)
}

func TestSetFeedTargets(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/feeds", `{"id":"f1","method":"capture","targets":["ops@example.com"]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"ops@example.com"}, decode[feedJSON](t, w).Targets)

	tests := []struct {
		name        string
		path        string
		body        string
		wantStatus  int
		wantTargets []string
	}{
		{
			name:        "replaced",
			path:        "/feeds/f1/targets",
			body:        `{"targets":["a@example.com"," b@example.com ","a@example.com",""]}`,
			wantStatus:  http.StatusOK,
			wantTargets: []string{"a@example.com", "b@example.com"},
		},
		{name: "cleared", path: "/feeds/f1/targets", body: `{"targets":[]}`, wantStatus: http.StatusOK},
		{name: "unknown feed", path: "/feeds/nope/targets", body: `{"targets":[]}`, wantStatus: http.StatusNotFound},
		{name: "invalid json", path: "/feeds/f1/targets", body: `{`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(http.MethodPut, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantTargets, decode[feedJSON](t, w).Targets)
			}
		})
	}
}

func TestListDeliveries(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		feed       string
		limit      int
		entries    []storage.DeliveryLogEntry
		err        error
		wantStatus int
	}{
		{
			name:       "default limit",
			query:      "",
			limit:      50,
			entries:    []storage.DeliveryLogEntry{{ID: 1, FeedID: "f1", Outcome: "delivered"}},
			wantStatus: http.StatusOK,
		},
		{
			name:       "feed and limit",
			query:      "?feed=f1&limit=5",
			feed:       "f1",
			limit:      5,
			entries:    []storage.DeliveryLogEntry{},
			wantStatus: http.StatusOK,
		},
		{
			name:       "store error",
			query:      "?limit=-3",
			limit:      50,
			err:        errors.New("disk gone"),
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.deliveries.On("ListDeliveries", mock.Anything, tt.feed, tt.limit).Return(tt.entries, tt.err)

			w := h.do(http.MethodGet, "/deliveries"+tt.query, "")
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Len(t, decode[[]storage.DeliveryLogEntry](t, w), len(tt.entries))
			}
			h.deliveries.AssertExpectations(t)
		})
	}
}

// ---------- Maintenance ----------

func TestStatsAndIndex(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/events", `{"id":"E1"}`).Code)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/events", `{"id":"E2"}`).Code)

	w := h.do(http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st engine.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, 2, st.Events)
	assert.Equal(t, uint64(2), st.LastSequence)
	assert.Empty(t, st.HaltedShards)

	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/index/verify", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/index/recover", "").Code)
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]string](t, w)
	assert.Contains(t, body, "version")
	assert.Contains(t, body, "commit")
}

func TestHTTPErr(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", &apperr.NotFoundError{Resource: "event", ID: "x"}, http.StatusNotFound},
		{"conflict", &apperr.ConflictError{Resource: "event", ID: "x"}, http.StatusConflict},
		{"validation", &apperr.ValidationError{Field: "id", Message: "bad"}, http.StatusBadRequest},
		{"late", &apperr.LateEventError{Start: at(0), End: at(60)}, http.StatusUnprocessableEntity},
		{"backpressure", &apperr.BackpressureError{FeedID: "f1", Capacity: 1}, http.StatusServiceUnavailable},
		{"corruption", &apperr.IndexCorruptionError{Shards: []int{2}}, http.StatusServiceUnavailable},
		{"wrapped", errors.Join(errors.New("ctx"), &apperr.NotFoundError{Resource: "feed", ID: "f"}), http.StatusNotFound},
		{"closed", engine.ErrClosed, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			api.HTTPErr(w, tt.err)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.err.Error(), decode[map[string]string](t, w)["error"])
		})
	}
}
