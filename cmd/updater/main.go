// Command updater refreshes the snapshot file without serving HTTP.
//
//	updater once        run one refresh and exit non-zero on failure
//	updater continuous  run the scheduler until SIGINT/SIGTERM
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kjstillabower/sismos-service/internal/app"
	"github.com/kjstillabower/sismos-service/internal/config"
	"github.com/kjstillabower/sismos-service/internal/observability"
	"github.com/kjstillabower/sismos-service/internal/refresh"
)

const (
	modeOnce       = "once"
	modeContinuous = "continuous"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [once|continuous]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	mode := modeOnce
	if flag.NArg() > 0 {
		mode = flag.Arg(0)
	}
	if mode != modeOnce && mode != modeContinuous {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	code := run(mode, logger)
	_ = observability.FlushTelemetry(context.Background(), logger)
	os.Exit(code)
}

func run(mode string, logger *zap.Logger) int {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Error("bootstrap", zap.Error(err))
		return 1
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("mirror close", zap.Error(err))
		}
	}()

	if mode == modeOnce {
		return runOnce(ctx, svc, logger)
	}
	return runContinuous(ctx, svc, logger)
}

func runOnce(ctx context.Context, svc *app.App, logger *zap.Logger) int {
	res, err := svc.Coordinator.Trigger(ctx, refresh.TriggerManual)
	if err != nil {
		logger.Error("refresh failed", zap.String("kind", refresh.ErrorKind(err)), zap.Error(err))
		return 1
	}
	logger.Info("refresh complete",
		zap.Int("total", res.Total),
		zap.Int("added", res.Added),
		zap.Int("updated", res.Updated),
		zap.Int("dropped", res.Dropped),
		zap.String("file", svc.Store.Path()))
	return 0
}

func runContinuous(ctx context.Context, svc *app.App, logger *zap.Logger) int {
	if err := svc.Coordinator.Start(context.Background()); err != nil {
		logger.Error("refresh scheduler", zap.Error(err))
		return 1
	}
	<-ctx.Done()
	logger.Info("stopping updater")

	stopCtx, cancel := context.WithTimeout(context.Background(), svc.Config.ShutdownTimeout)
	defer cancel()
	if err := svc.Coordinator.Stop(stopCtx); err != nil {
		if errors.Is(err, refresh.ErrShutdownGraceExceeded) {
			logger.Warn("refresh abandoned", zap.Error(err))
			return 0
		}
		logger.Error("refresh stop", zap.Error(err))
		return 1
	}
	return 0
}
