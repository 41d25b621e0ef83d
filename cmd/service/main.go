package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kjstillabower/sismos-service/internal/app"
	"github.com/kjstillabower/sismos-service/internal/config"
	httphandler "github.com/kjstillabower/sismos-service/internal/http"
	"github.com/kjstillabower/sismos-service/internal/observability"
	"github.com/kjstillabower/sismos-service/internal/refresh"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	logger.Info("config loaded",
		zap.String("env", cfg.EnvName),
		zap.String("feed", cfg.FunvisisURL),
		zap.Duration("refresh_interval", cfg.RefreshInterval),
		zap.String("mirror", cfg.MirrorBackend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.New(ctx, cfg, logger, app.Options{WithStream: cfg.StreamEnabled})
	if err != nil {
		logger.Fatal("bootstrap", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      svc.Handler(),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := svc.Coordinator.Start(context.Background()); err != nil {
		logger.Fatal("refresh scheduler", zap.Error(err))
	}

	select {
	case <-ctx.Done():
		logger.Info("graceful shutdown triggered")
	case err := <-serveErr:
		logger.Error("server", zap.Error(err))
	}
	stop()

	svc.Phase.SetShuttingDown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := svc.Coordinator.Stop(shutdownCtx); err != nil {
		if errors.Is(err, refresh.ErrShutdownGraceExceeded) {
			logger.Warn("refresh abandoned", zap.Error(err))
		} else {
			logger.Error("refresh stop", zap.Error(err))
		}
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 0); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := svc.Close(); err != nil {
		logger.Error("mirror close", zap.Error(err))
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry flush: %v\n", err)
	}
	logger.Info("shutdown complete")
}
