package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/sismos-service/internal/observability"
)

// RouterConfig carries the per-route policies applied by NewRouter.
type RouterConfig struct {
	ReadLimiter    *rate.Limiter // nil disables limiting on the read API
	UpdateLimiter  *rate.Limiter // nil disables limiting on /api/update
	RequestTimeout time.Duration
	AdminToken     string
	Stream         http.Handler // nil leaves /api/sismos/stream unregistered
}

// NewRouter wires every endpoint onto a gorilla/mux router.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/api/health", h.GetHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/status", h.GetStatus).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	// The token check runs first so unauthenticated calls never spend the update budget.
	update := chain(http.HandlerFunc(h.PostUpdate),
		AdminTokenMiddleware(cfg.AdminToken),
		RateLimitMiddleware(cfg.UpdateLimiter),
	)
	router.Handle("/api/update", update).Methods(http.MethodPost)

	if cfg.Stream != nil {
		router.Handle("/api/sismos/stream", chain(cfg.Stream, RateLimitMiddleware(cfg.ReadLimiter))).Methods(http.MethodGet)
	}

	read := func(fn http.HandlerFunc) http.Handler {
		return chain(fn, RateLimitMiddleware(cfg.ReadLimiter), TimeoutMiddleware(cfg.RequestTimeout))
	}
	router.Handle("/api/sismos", read(h.GetSismos)).Methods(http.MethodGet)
	router.Handle("/api/sismos/stats", read(h.GetStats)).Methods(http.MethodGet)
	router.Handle("/api/sismos/recent", read(h.GetRecent)).Methods(http.MethodGet)
	router.Handle("/api/sismos/magnitude/{min}", read(h.GetByMagnitude)).Methods(http.MethodGet)
	router.Handle("/api/sismos/coordinates", read(h.GetCoordinates)).Methods(http.MethodGet)
	router.Handle("/api/sismos/bounds", read(h.GetInBounds)).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	})
	return router
}

// chain applies middleware so the first one listed runs first.
func chain(h http.Handler, mws ...mux.MiddlewareFunc) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
