//go:build integration
// +build integration

package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/kjstillabower/sismos-service/internal/lifecycle"
	"github.com/kjstillabower/sismos-service/internal/models"
	"github.com/kjstillabower/sismos-service/internal/refresh"
	"github.com/kjstillabower/sismos-service/internal/service"
	testhelpers "github.com/kjstillabower/sismos-service/internal/testhelpers"
)

// TestIntegration_UpdateThenRead runs a manual refresh against the live feed through the
// router and reads the published snapshot back.
func TestIntegration_UpdateThenRead(t *testing.T) {
	cfg := testhelpers.GetIntegrationConfig(t)
	mirror := testhelpers.SetupIntegrationMirror(t, cfg)

	phase := &lifecycle.State{}
	hooks := []refresh.PublishHook{func(_ context.Context, _ *models.Snapshot) error { phase.MarkServing(); return nil }}
	if mirror != nil {
		hooks = append(hooks, mirror.Put)
	}
	coord, store := testhelpers.SetupIntegrationCoordinator(t, cfg, hooks...)

	handler := NewHandler(service.NewQueryService(coord), coord, phase, nil, nil, zap.NewNop())
	router := NewRouter(handler, zap.NewNop(), RouterConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/update", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("POST /api/update status = %d, body = %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sismos", nil))
	var fc featureCollection
	if err := json.Unmarshal(w.Body.Bytes(), &fc); err != nil {
		t.Fatalf("decode collection: %v", err)
	}
	if len(fc.Features) == 0 {
		t.Fatal("no features after a successful refresh")
	}
	if got := store.Load(t.Context()).Len(); got != len(fc.Features) {
		t.Errorf("persisted %d records, served %d", got, len(fc.Features))
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET /api/health status = %d, body = %s", w.Code, w.Body.String())
	}
}
