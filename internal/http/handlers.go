package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/sismos-service/internal/lifecycle"
	"github.com/kjstillabower/sismos-service/internal/models"
	"github.com/kjstillabower/sismos-service/internal/normalize"
	"github.com/kjstillabower/sismos-service/internal/observability"
	"github.com/kjstillabower/sismos-service/internal/refresh"
	"github.com/kjstillabower/sismos-service/internal/service"
	"github.com/kjstillabower/sismos-service/internal/validation"
)

// Refresher is the part of the refresh coordinator the handlers need.
type Refresher interface {
	Trigger(ctx context.Context, trigger refresh.Trigger) (refresh.Result, error)
	Status() refresh.Status
}

// HealthConfig holds thresholds and optional checks for the health handler.
type HealthConfig struct {
	// StaleAfter marks the service degraded once the snapshot is older than this. Zero disables.
	StaleAfter time.Duration
	// MirrorPing, when set, is called to check snapshot mirror reachability.
	MirrorPing func(ctx context.Context) error
	Version    string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	query            *service.QueryService
	refresher        Refresher
	phase            *lifecycle.State
	healthConfig     *HealthConfig
	clock            clockwork.Clock
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. A nil healthConfig or clock gets defaults.
func NewHandler(
	query *service.QueryService,
	refresher Refresher,
	phase *lifecycle.State,
	healthConfig *HealthConfig,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Handler {
	if healthConfig == nil {
		healthConfig = &HealthConfig{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if phase == nil {
		phase = &lifecycle.State{}
	}
	return &Handler{
		query:        query,
		refresher:    refresher,
		phase:        phase,
		healthConfig: healthConfig,
		clock:        clock,
		logger:       logger,
	}
}

type featureCollection struct {
	Type     string             `json:"type"`
	Features []feature          `json:"features"`
	Metadata collectionMetadata `json:"metadata"`
}

type collectionMetadata struct {
	Total       int        `json:"total"`
	LastUpdated *time.Time `json:"lastUpdated"`
	Source      string     `json:"source"`
}

type feature struct {
	Type       string            `json:"type"`
	Geometry   pointGeometry     `json:"geometry"`
	Properties featureProperties `json:"properties"`
}

type pointGeometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

type featureProperties struct {
	ID        string          `json:"id"`
	Magnitude float64         `json:"magnitude"`
	Depth     float64         `json:"depth"`
	Address   string          `json:"address"`
	Country   string          `json:"country"`
	Timestamp time.Time       `json:"timestamp"`
	Date      string          `json:"date"`
	Time      string          `json:"time"`
	Severity  models.Severity `json:"severity"`
}

func toFeatureCollection(records []models.Record, lastUpdated time.Time) featureCollection {
	fc := featureCollection{
		Type:     "FeatureCollection",
		Features: make([]feature, 0, len(records)),
		Metadata: collectionMetadata{Total: len(records), Source: "FUNVISIS"},
	}
	if !lastUpdated.IsZero() {
		fc.Metadata.LastUpdated = &lastUpdated
	}
	for _, r := range records {
		local := normalize.LocalTime(r.Timestamp)
		fc.Features = append(fc.Features, feature{
			Type:     "Feature",
			Geometry: pointGeometry{Type: "Point", Coordinates: [2]float64{r.Longitude, r.Latitude}},
			Properties: featureProperties{
				ID:        r.ID,
				Magnitude: r.Magnitude,
				Depth:     r.Depth,
				Address:   r.Address,
				Country:   r.Country,
				Timestamp: r.Timestamp,
				Date:      local.Format("02-01-2006"),
				Time:      local.Format("15:04"),
				Severity:  r.Severity,
			},
		})
	}
	return fc
}

// GetSismos handles GET /api/sismos.
func (h *Handler) GetSismos(w http.ResponseWriter, r *http.Request) {
	observability.RecordQuery("all")
	view := h.query.View()
	writeJSON(w, http.StatusOK, toFeatureCollection(view.All(), view.LastUpdated()))
}

// GetStats handles GET /api/sismos/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	observability.RecordQuery("stats")
	writeJSON(w, http.StatusOK, h.query.Stats(r.Context()))
}

// GetRecent handles GET /api/sismos/recent?limit=N.
func (h *Handler) GetRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := validation.ParseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	observability.RecordQuery("recent")
	recent := h.query.Recent(r.Context(), limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sismos": recent,
		"total":  len(recent),
	})
}

// GetByMagnitude handles GET /api/sismos/magnitude/{min}.
func (h *Handler) GetByMagnitude(w http.ResponseWriter, r *http.Request) {
	threshold, err := validation.ParseMagnitude(mux.Vars(r)["min"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	observability.RecordQuery("magnitude")
	filtered := h.query.FilterByMinMagnitude(r.Context(), threshold)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sismos":       filtered,
		"total":        len(filtered),
		"minMagnitude": threshold,
	})
}

// GetCoordinates handles GET /api/sismos/coordinates.
func (h *Handler) GetCoordinates(w http.ResponseWriter, r *http.Request) {
	observability.RecordQuery("coordinates")
	coords := h.query.Coordinates(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"coordinates": coords,
		"total":       len(coords),
	})
}

// GetInBounds handles GET /api/sismos/bounds?minLat&maxLat&minLng&maxLng.
func (h *Handler) GetInBounds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	b, err := validation.ParseBounds(q.Get("minLat"), q.Get("maxLat"), q.Get("minLng"), q.Get("maxLng"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	observability.RecordQuery("bounds")
	found := h.query.InBounds(r.Context(), b)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sismos": found,
		"total":  len(found),
		"bounds": map[string]float64{
			"minLat": b.MinLat,
			"maxLat": b.MaxLat,
			"minLng": b.MinLng,
			"maxLng": b.MaxLng,
		},
	})
}

// apiResponse is the envelope used by the admin endpoints.
type apiResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PostUpdate handles POST /api/update. It runs one refresh synchronously and reports
// why it failed when it does.
func (h *Handler) PostUpdate(w http.ResponseWriter, r *http.Request) {
	if h.phase.IsShuttingDown() {
		h.writeAPIResponse(w, http.StatusServiceUnavailable, false, "service is shutting down",
			map[string]interface{}{"updated": false, "reason": "stopped"})
		return
	}
	res, err := h.refresher.Trigger(r.Context(), refresh.TriggerManual)
	if err != nil {
		kind := refresh.ErrorKind(err)
		status, message := updateFailure(kind)
		if logger := requestLogger(r, h.logger); logger != nil {
			logger.Info("manual refresh failed", zap.String("reason", kind), zap.Error(err))
		}
		h.writeAPIResponse(w, status, false, message, map[string]interface{}{
			"updated": false,
			"reason":  kind,
			"error":   err.Error(),
		})
		return
	}
	h.writeAPIResponse(w, http.StatusOK, true, "snapshot refreshed", map[string]interface{}{
		"updated": true,
		"result":  res,
	})
}

// updateFailure maps a refresh error kind to the status code and message of /api/update.
func updateFailure(kind string) (int, string) {
	switch kind {
	case "in_progress":
		return http.StatusConflict, "a refresh is already in progress"
	case "stopped":
		return http.StatusServiceUnavailable, "service is shutting down"
	case "persist":
		return http.StatusInternalServerError, "refreshed data could not be written"
	case "timeout":
		return http.StatusGatewayTimeout, "upstream feed timed out"
	case "circuit_open":
		return http.StatusBadGateway, "upstream feed is failing, retry later"
	case "validation":
		return http.StatusBadGateway, "upstream feed had no valid records"
	default:
		return http.StatusBadGateway, "upstream feed could not be fetched"
	}
}

// GetStatus handles GET /api/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeAPIResponse(w, http.StatusOK, true, "status retrieved", h.refresher.Status())
}

func (h *Handler) writeAPIResponse(w http.ResponseWriter, status int, ok bool, message string, data interface{}) {
	writeJSON(w, status, apiResponse{
		Success:   ok,
		Message:   message,
		Data:      data,
		Timestamp: h.clock.Now().UTC(),
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /api/health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	st := h.refresher.Status()
	view := h.query.View()
	result := h.computeHealthStatus(st, view)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"feed": "healthy", "data": "fresh"}
	if st.ConsecutiveFailures > 0 {
		checks["feed"] = "unhealthy"
	}
	switch {
	case view.Len() == 0:
		checks["data"] = "empty"
	case h.isStale(view.LastUpdated()):
		checks["data"] = "stale"
	}
	if h.healthConfig.MirrorPing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := h.healthConfig.MirrorPing(ctx); err != nil {
			checks["mirror"] = "unhealthy"
		} else {
			checks["mirror"] = "healthy"
		}
		cancel()
	}

	version := h.healthConfig.Version
	if version == "" {
		version = "dev"
	}
	resp := map[string]interface{}{
		"status":  result.status,
		"service": "sismos-service",
		"version": version,
		"checks":  checks,
		"refresh": map[string]interface{}{
			"state":               st.State,
			"lastSuccess":         st.LastSuccess,
			"lastAttempt":         st.LastAttempt,
			"consecutiveFailures": st.ConsecutiveFailures,
			"lastError":           st.LastError,
			"lastErrorKind":       st.LastErrorKind,
		},
		"records":     view.Len(),
		"lastUpdated": nullableTime(view.LastUpdated()),
		"timestamp":   h.clock.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus determines the current health status by evaluating conditions in
// priority order: shutting-down > starting > degraded > healthy.
func (h *Handler) computeHealthStatus(st refresh.Status, view service.View) healthResult {
	if h.phase.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.phase.Phase() == lifecycle.PhaseStarting {
		return healthResult{"starting", http.StatusServiceUnavailable, "no_snapshot"}
	}
	if st.ConsecutiveFailures > 0 {
		return healthResult{"degraded", http.StatusOK, "last_refresh_failed"}
	}
	if h.isStale(view.LastUpdated()) {
		return healthResult{"degraded", http.StatusOK, "stale_snapshot"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

func (h *Handler) isStale(lastUpdated time.Time) bool {
	if h.healthConfig.StaleAfter <= 0 || lastUpdated.IsZero() {
		return false
	}
	return h.clock.Since(lastUpdated) > h.healthConfig.StaleAfter
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// writeJSON writes a JSON response with the specified HTTP status code.
// Sets Content-Type header to application/json and encodes the provided value.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		corrID = v
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// requestLogger prefers the request-scoped logger set by CorrelationIDMiddleware.
func requestLogger(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}
