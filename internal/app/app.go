package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/sismos-service/internal/cache"
	"github.com/kjstillabower/sismos-service/internal/circuitbreaker"
	"github.com/kjstillabower/sismos-service/internal/client"
	"github.com/kjstillabower/sismos-service/internal/config"
	httphandler "github.com/kjstillabower/sismos-service/internal/http"
	"github.com/kjstillabower/sismos-service/internal/lifecycle"
	"github.com/kjstillabower/sismos-service/internal/models"
	"github.com/kjstillabower/sismos-service/internal/normalize"
	"github.com/kjstillabower/sismos-service/internal/observability"
	"github.com/kjstillabower/sismos-service/internal/refresh"
	"github.com/kjstillabower/sismos-service/internal/service"
	"github.com/kjstillabower/sismos-service/internal/snapshot"
	"github.com/kjstillabower/sismos-service/internal/traffic"
)

const (
	breakerComponent  = "funvisis"
	mirrorHookTimeout = 5 * time.Second
)

// Options tweaks construction for the updater CLI and tests.
type Options struct {
	Clock clockwork.Clock
	// WithStream creates the websocket hub and broadcasts every published snapshot.
	WithStream bool
}

// App holds every long-lived dependency of the service.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Clock       clockwork.Clock
	Store       *snapshot.Store
	Mirror      cache.Mirror // nil when no mirror is configured or reachable
	Breaker     *circuitbreaker.CircuitBreaker
	Coordinator *refresh.Coordinator
	Query       *service.QueryService
	Phase       *lifecycle.State
	Hub         *httphandler.StreamHub // nil unless Options.WithStream
}

// New wires the fetcher, store, mirror and refresh coordinator. The starting snapshot is
// the local file, or the mirror's copy when the local file is empty.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
		Clock:  opts.Clock,
		Phase:  &lifecycle.State{},
	}
	if a.Clock == nil {
		a.Clock = clockwork.NewRealClock()
	}

	fetcher, err := client.NewFunvisisClient(cfg.FunvisisURL, cfg.FunvisisTimeout, cfg.FunvisisUserAgent)
	if err != nil {
		return nil, fmt.Errorf("funvisis client: %w", err)
	}

	if cfg.CircuitBreakerEnabled {
		a.Breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        breakerComponent,
			Clock:            a.Clock,
			IsFailure:        func(err error) bool { return errors.Is(err, client.ErrUpstreamFailure) },
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String())
				logger.Warn("circuit breaker state change",
					zap.String("component", component),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		observability.CircuitBreakerState.WithLabelValues(breakerComponent).Set(0)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	a.Store, err = snapshot.New(snapshot.Options{
		Path:    cfg.DataFile,
		Backups: cfg.Backups,
		Clock:   a.Clock,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}

	a.Mirror = newMirror(ctx, cfg, a.Clock, logger)

	initial := a.Store.Load(ctx)
	if warmed, fromMirror := cache.Warm(ctx, a.Mirror, initial, cfg.MirrorTimeout, logger); fromMirror {
		initial = warmed
		if err := a.Store.Replace(ctx, initial); err != nil {
			logger.Warn("could not persist warmed snapshot", zap.Error(err))
		}
	}
	if !initial.IsZero() {
		a.Phase.MarkServing()
	}

	hooks := []refresh.PublishHook{a.markServing}
	if a.Mirror != nil {
		hooks = append(hooks, a.mirrorSnapshot)
	}
	if opts.WithStream {
		a.Hub = httphandler.NewStreamHub(logger)
		hooks = append(hooks, a.Hub.Broadcast)
	}

	a.Coordinator, err = refresh.New(refresh.Config{
		Fetcher:    fetcher,
		Normalizer: normalize.New(logger),
		Store:      a.Store,
		Breaker:    a.Breaker,
		Tracker:    traffic.NewTracker(a.Clock, 0),
		Clock:      a.Clock,
		Logger:     logger,
		Interval:   cfg.RefreshInterval,
		RunOnStart: cfg.RunOnStart,
		Retry: refresh.RetryPolicy{
			Attempts:  cfg.RetryAttempts,
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.RetryMaxDelay,
		},
		Retention: refresh.MergeOptions{
			MaxAge:     cfg.RetentionMaxAge,
			MaxRecords: cfg.RetentionMaxRecords,
		},
		ShutdownGrace: cfg.ShutdownGrace,
		Initial:       initial,
		Hooks:         hooks,
	})
	if err != nil {
		return nil, fmt.Errorf("refresh coordinator: %w", err)
	}
	a.Query = service.NewQueryService(a.Coordinator)

	observability.RegisterSnapshotAgeGauge(func() float64 {
		last := a.Coordinator.Current().LastUpdated
		if last.IsZero() {
			return -1
		}
		return a.Clock.Since(last).Seconds()
	})

	logger.Info("snapshot loaded",
		zap.String("path", a.Store.Path()),
		zap.Int("records", initial.Len()),
		zap.Time("lastUpdated", initial.LastUpdated))
	return a, nil
}

// newMirror builds the configured mirror. An unreachable mirror is logged and skipped;
// the service runs fine without one.
func newMirror(ctx context.Context, cfg *config.Config, clock clockwork.Clock, logger *zap.Logger) cache.Mirror {
	switch cfg.MirrorBackend {
	case "in_memory":
		logger.Info("snapshot mirror: in_memory")
		return cache.NewInMemoryMirror(clock, cfg.MirrorTTL)
	case "memcached":
		logger.Info("snapshot mirror: memcached", zap.String("addrs", cfg.MirrorAddrs))
		return cache.NewMemcachedMirror(cfg.MirrorAddrs, cfg.MirrorKey, cfg.MirrorTTL, cfg.MirrorTimeout, cfg.MirrorMaxIdleConns)
	case "redis":
		m, err := cache.ConnectRedis(ctx, cache.RedisConfig{
			Addr:     cfg.MirrorAddrs,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.MirrorKey,
			TTL:      cfg.MirrorTTL,
			Timeout:  cfg.MirrorTimeout,
		})
		if err != nil {
			logger.Warn("snapshot mirror disabled", zap.String("backend", "redis"), zap.Error(err))
			return nil
		}
		logger.Info("snapshot mirror: redis", zap.String("addr", cfg.MirrorAddrs))
		return m
	default:
		return nil
	}
}

func (a *App) markServing(context.Context, *models.Snapshot) error {
	a.Phase.MarkServing()
	return nil
}

func (a *App) mirrorSnapshot(ctx context.Context, snap *models.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, mirrorHookTimeout)
	defer cancel()
	return a.Mirror.Put(ctx, snap)
}

// Handler builds the HTTP router with rate limits and health checks from the config.
func (a *App) Handler() http.Handler {
	cfg := a.Config
	health := &httphandler.HealthConfig{StaleAfter: cfg.HealthStaleAfter}
	if a.Mirror != nil {
		health.MirrorPing = a.Mirror.Ping
	}
	h := httphandler.NewHandler(a.Query, a.Coordinator, a.Phase, health, a.Clock, a.Logger)

	rc := httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		AdminToken:     cfg.AdminToken,
	}
	if cfg.RateLimitRPS > 0 {
		rc.ReadLimiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	if cfg.UpdateRateLimitRPS > 0 {
		rc.UpdateLimiter = rate.NewLimiter(rate.Limit(cfg.UpdateRateLimitRPS), cfg.UpdateRateLimitBurst)
	}
	if a.Hub != nil {
		rc.Stream = a.Hub
	}
	return httphandler.NewRouter(h, a.Logger, rc)
}

// Close releases the mirror connection and disconnects stream clients.
func (a *App) Close() error {
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.Mirror != nil {
		return a.Mirror.Close()
	}
	return nil
}
