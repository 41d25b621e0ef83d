package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/sismos-service/internal/circuitbreaker"
	"github.com/kjstillabower/sismos-service/internal/client"
	"github.com/kjstillabower/sismos-service/internal/lifecycle"
	"github.com/kjstillabower/sismos-service/internal/models"
	"github.com/kjstillabower/sismos-service/internal/refresh"
	"github.com/kjstillabower/sismos-service/internal/service"
	"github.com/kjstillabower/sismos-service/internal/snapshot"
)

type staticSource struct{ snap *models.Snapshot }

func (s *staticSource) Current() *models.Snapshot { return s.snap }

type mockRefresher struct {
	result refresh.Result
	err    error
	status refresh.Status
	calls  atomic.Int32
}

func (m *mockRefresher) Trigger(ctx context.Context, trigger refresh.Trigger) (refresh.Result, error) {
	m.calls.Add(1)
	return m.result, m.err
}

func (m *mockRefresher) Status() refresh.Status { return m.status }

var published = time.Date(2025, 3, 5, 17, 0, 0, 0, time.UTC)

func sampleSnapshot() *models.Snapshot {
	return &models.Snapshot{
		Records: []models.Record{
			{ID: "a1", Timestamp: time.Date(2025, 3, 5, 16, 30, 0, 0, time.UTC), Magnitude: 3.1, Depth: 12, Latitude: 10.5, Longitude: -66.9, Address: "Caracas", Country: "Venezuela", Severity: models.SeverityModerate},
			{ID: "b2", Timestamp: time.Date(2025, 3, 5, 15, 0, 0, 0, time.UTC), Magnitude: 5.4, Depth: 30, Latitude: 8.0, Longitude: -70.0, Address: "Barinas", Country: "Venezuela", Severity: models.SeverityHigh},
			{ID: "c3", Timestamp: time.Date(2025, 3, 5, 14, 0, 0, 0, time.UTC), Magnitude: 4.0, Depth: 8, Latitude: 11.0, Longitude: -63.0, Address: "Margarita", Country: "Venezuela", Severity: models.SeverityModerate},
		},
		LastUpdated: published,
	}
}

type testEnv struct {
	handler   *Handler
	refresher *mockRefresher
	phase     *lifecycle.State
	clock     *clockwork.FakeClock
	router    http.Handler
}

func newTestEnv(t *testing.T, snap *models.Snapshot, cfg RouterConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		refresher: &mockRefresher{},
		phase:     &lifecycle.State{},
		clock:     clockwork.NewFakeClockAt(published.Add(time.Minute)),
	}
	env.phase.MarkServing()
	query := service.NewQueryService(&staticSource{snap: snap})
	env.handler = NewHandler(query, env.refresher, env.phase, &HealthConfig{StaleAfter: 30 * time.Minute}, env.clock, zap.NewNop())
	env.router = NewRouter(env.handler, zap.NewNop(), cfg)
	return env
}

func (e *testEnv) do(method, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), "body: %s", w.Body.String())
	return body
}

func TestHandler_GetSismos_FeatureCollection(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{})

	w := env.do(http.MethodGet, "/api/sismos")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var fc featureCollection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 3)
	assert.Equal(t, 3, fc.Metadata.Total)
	require.NotNil(t, fc.Metadata.LastUpdated)
	assert.True(t, published.Equal(*fc.Metadata.LastUpdated))

	first := fc.Features[0]
	assert.Equal(t, "Point", first.Geometry.Type)
	assert.Equal(t, [2]float64{-66.9, 10.5}, first.Geometry.Coordinates, "GeoJSON order is [lng, lat]")
	assert.Equal(t, "a1", first.Properties.ID)
	assert.Equal(t, "05-03-2025", first.Properties.Date)
	assert.Equal(t, "12:30", first.Properties.Time, "time is reported in Venezuelan local time")
}

func TestHandler_GetSismos_EmptySnapshot(t *testing.T) {
	env := newTestEnv(t, models.EmptySnapshot(), RouterConfig{})

	w := env.do(http.MethodGet, "/api/sismos")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, []interface{}{}, body["features"])
	meta := body["metadata"].(map[string]interface{})
	assert.Nil(t, meta["lastUpdated"])
	assert.Equal(t, float64(0), meta["total"])
}

func TestHandler_GetStats(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{})

	w := env.do(http.MethodGet, "/api/sismos/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var st models.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 5.4, st.MaxMagnitude)
	require.NotNil(t, st.MostRecent)
	assert.Equal(t, "a1", st.MostRecent.ID)
}

func TestHandler_GetRecent(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{})

	tests := []struct {
		target    string
		wantCode  int
		wantTotal int
	}{
		{"/api/sismos/recent", http.StatusOK, 3},
		{"/api/sismos/recent?limit=2", http.StatusOK, 2},
		{"/api/sismos/recent?limit=50", http.StatusOK, 3},
		{"/api/sismos/recent?limit=0", http.StatusBadRequest, 0},
		{"/api/sismos/recent?limit=51", http.StatusBadRequest, 0},
		{"/api/sismos/recent?limit=ten", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			w := env.do(http.MethodGet, tt.target)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			body := decode(t, w)
			if tt.wantCode != http.StatusOK {
				assert.Equal(t, "INVALID_PARAMETER", body["error"].(map[string]interface{})["code"])
				return
			}
			assert.Equal(t, float64(tt.wantTotal), body["total"])
			assert.Len(t, body["sismos"], tt.wantTotal)
		})
	}
}

func TestHandler_GetByMagnitude(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{})

	w := env.do(http.MethodGet, "/api/sismos/magnitude/4")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, float64(4), body["minMagnitude"])

	for _, bad := range []string{"11", "-1", "abc", "NaN"} {
		w := env.do(http.MethodGet, "/api/sismos/magnitude/"+bad)
		assert.Equal(t, http.StatusBadRequest, w.Code, "min=%s", bad)
	}
}

func TestHandler_GetCoordinates(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{})

	w := env.do(http.MethodGet, "/api/sismos/coordinates")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(3), body["total"])
	first := body["coordinates"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, 10.5, first["lat"])
	assert.Equal(t, -66.9, first["lng"])
	assert.Equal(t, "Caracas", first["location"])
}

func TestHandler_GetInBounds(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{})

	w := env.do(http.MethodGet, "/api/sismos/bounds?minLat=7&maxLat=10.5&minLng=-71&maxLng=-66")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["total"])

	w = env.do(http.MethodGet, "/api/sismos/bounds?minLat=7&maxLat=10.5")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_PostUpdate_Success(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{})
	env.refresher.result = refresh.Result{Trigger: refresh.TriggerManual, Fetched: 4, Valid: 4, Added: 1, Total: 4}

	w := env.do(http.MethodPost, "/api/update")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, true, data["updated"])
	assert.Equal(t, float64(4), data["result"].(map[string]interface{})["total"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestHandler_PostUpdate_FailureStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   int
		wantReason string
	}{
		{"in progress", refresh.ErrRefreshInProgress, http.StatusConflict, "in_progress"},
		{"stopped", refresh.ErrStopped, http.StatusServiceUnavailable, "stopped"},
		{"persist", &snapshot.PersistError{Op: "rename", Path: "/data/sismos.json", Err: errors.New("disk full")}, http.StatusInternalServerError, "persist"},
		{"timeout", &client.FetchError{Kind: client.KindTimeout, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "timeout"},
		{"upstream 5xx", &client.FetchError{Kind: client.KindUpstreamStatus, StatusCode: 503}, http.StatusBadGateway, "upstream_5xx"},
		{"no valid records", refresh.ErrNoValidRecords, http.StatusBadGateway, "validation"},
		{"breaker open", circuitbreaker.ErrOpen, http.StatusBadGateway, "circuit_open"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, sampleSnapshot(), RouterConfig{})
			env.refresher.err = tt.err

			w := env.do(http.MethodPost, "/api/update")
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			body := decode(t, w)
			assert.Equal(t, false, body["success"])
			data := body["data"].(map[string]interface{})
			assert.Equal(t, tt.wantReason, data["reason"])
			assert.Equal(t, false, data["updated"])
		})
	}
}

func TestHandler_PostUpdate_ShuttingDown(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{})
	env.phase.SetShuttingDown()

	w := env.do(http.MethodPost, "/api/update")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, int32(0), env.refresher.calls.Load(), "no refresh is started while draining")
}

func TestHandler_PostUpdate_AdminToken(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{AdminToken: "s3cret"})

	w := env.do(http.MethodPost, "/api/update")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", decode(t, w)["error"].(map[string]interface{})["code"])

	w = env.do(http.MethodPost, "/api/update", "X-Admin-Token", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/update", "X-Admin-Token", "s3cret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), env.refresher.calls.Load())
}

func TestHandler_PostUpdate_RateLimited(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{UpdateLimiter: rate.NewLimiter(rate.Every(time.Hour), 1)})

	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/update").Code)
	w := env.do(http.MethodPost, "/api/update")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, int32(1), env.refresher.calls.Load())
}

func TestHandler_PostUpdate_AnonymousCallsDoNotSpendUpdateBudget(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{
		AdminToken:    "s3cret",
		UpdateLimiter: rate.NewLimiter(rate.Every(time.Minute), 2),
	})

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, "/api/update").Code)
	}

	w := env.do(http.MethodPost, "/api/update", "X-Admin-Token", "s3cret")
	assert.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	assert.Equal(t, int32(1), env.refresher.calls.Load())

	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/update", "X-Admin-Token", "s3cret").Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(http.MethodPost, "/api/update", "X-Admin-Token", "s3cret").Code)
	assert.Equal(t, int32(2), env.refresher.calls.Load())
}

func TestHandler_UpdateRequiresPost(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{})
	w := env.do(http.MethodGet, "/api/update")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandler_GetStatus(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{})
	env.refresher.status = refresh.Status{State: "idle", TotalRuns: 7, SuccessfulRuns: 6, FailedRuns: 1, Records: 3}

	w := env.do(http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(7), data["totalRuns"])
	assert.Equal(t, "idle", data["state"])
}

func TestHandler_GetHealth(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(e *testEnv)
		snap       *models.Snapshot
		wantCode   int
		wantStatus string
	}{
		{
			name:       "healthy",
			snap:       sampleSnapshot(),
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "starting",
			snap:       models.EmptySnapshot(),
			setup:      func(e *testEnv) { e.handler.phase = &lifecycle.State{} },
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "starting",
		},
		{
			name:       "last refresh failed",
			snap:       sampleSnapshot(),
			setup:      func(e *testEnv) { e.refresher.status.ConsecutiveFailures = 2 },
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name:       "stale snapshot",
			snap:       sampleSnapshot(),
			setup:      func(e *testEnv) { e.clock.Advance(time.Hour) },
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name:       "shutting down",
			snap:       sampleSnapshot(),
			setup:      func(e *testEnv) { e.phase.SetShuttingDown() },
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "shutting-down",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.snap, RouterConfig{})
			if tt.setup != nil {
				tt.setup(env)
			}
			w := env.do(http.MethodGet, "/api/health")
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			body := decode(t, w)
			assert.Equal(t, tt.wantStatus, body["status"])
			assert.Equal(t, "sismos-service", body["service"])
		})
	}
}

func TestHandler_GetHealth_MirrorCheck(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{})
	env.handler.healthConfig.MirrorPing = func(ctx context.Context) error { return errors.New("connection refused") }

	w := env.do(http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, w.Code, "an unreachable mirror does not fail health")
	checks := decode(t, w)["checks"].(map[string]interface{})
	assert.Equal(t, "unhealthy", checks["mirror"])
	assert.Equal(t, "fresh", checks["data"])
}

func TestHandler_NotFoundEnvelope(t *testing.T) {
	env := newTestEnv(t, sampleSnapshot(), RouterConfig{})
	w := env.do(http.MethodGet, "/api/nope")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "NOT_FOUND"))
}
