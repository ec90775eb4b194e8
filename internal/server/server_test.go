package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/pulse/internal/api"
	"github.com/shaharia-lab/pulse/internal/engine"
	"github.com/shaharia-lab/pulse/internal/epoch"
	"github.com/shaharia-lab/pulse/internal/server"
)

func newServer(t *testing.T, health server.HealthFunc) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng, err := engine.New(context.Background(), engine.Options{
		Epoch:  epoch.Config{Width: time.Hour},
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	if health == nil {
		health = eng.Stats
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	srv := server.New(api.New(eng, nil, logger), server.Options{Health: health, Metrics: metrics}, logger)
	return srv.Handler()
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		health     server.HealthFunc
		wantStatus int
		wantBody   string
	}{
		{name: "ok", wantStatus: http.StatusOK, wantBody: "ok"},
		{
			name:       "halted shard",
			health:     func() engine.Stats { return engine.Stats{Shards: 4, HaltedShards: []int{1}} },
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "degraded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(newServer(t, tt.health), "/health")
			assert.Equal(t, tt.wantStatus, w.Code)

			var body struct {
				Status string       `json:"status"`
				Engine engine.Stats `json:"engine"`
			}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantBody, body.Status)
			assert.Equal(t, 4, body.Engine.Shards)
		})
	}
}

func TestRoutes(t *testing.T) {
	h := newServer(t, nil)

	w := get(h, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# metrics")

	w = get(h, "/api/stats")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, get(h, "/nope").Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/events", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
