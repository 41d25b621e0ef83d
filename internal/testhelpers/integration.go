//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/sismos-service/internal/cache"
	"github.com/kjstillabower/sismos-service/internal/client"
	"github.com/kjstillabower/sismos-service/internal/normalize"
	"github.com/kjstillabower/sismos-service/internal/refresh"
	"github.com/kjstillabower/sismos-service/internal/snapshot"
	"github.com/kjstillabower/sismos-service/internal/traffic"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	FeedURL       string
	MirrorBackend string // "", "memcached" or "redis"
	MemcachedAddr string
	RedisAddr     string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if FUNVISIS_URL is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	feedURL := os.Getenv("FUNVISIS_URL")
	if feedURL == "" {
		t.Skip("FUNVISIS_URL not set, skipping integration test")
	}
	cfg := IntegrationTestConfig{
		FeedURL:       feedURL,
		MirrorBackend: os.Getenv("INTEGRATION_MIRROR_BACKEND"),
		MemcachedAddr: os.Getenv("MEMCACHED_ADDRS"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
	}
	if cfg.MemcachedAddr == "" {
		cfg.MemcachedAddr = "localhost:11211"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	return cfg
}

// SetupIntegrationMirror returns the configured mirror, or nil when none is configured or
// the backend is unreachable.
func SetupIntegrationMirror(t *testing.T, cfg IntegrationTestConfig) cache.Mirror {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var m cache.Mirror
	switch cfg.MirrorBackend {
	case "memcached":
		m = cache.NewMemcachedMirror(cfg.MemcachedAddr, "sismos:integration", time.Minute, 500*time.Millisecond, 2)
	case "redis":
		rm, err := cache.ConnectRedis(ctx, cache.RedisConfig{Addr: cfg.RedisAddr, Key: "sismos:integration", TTL: time.Minute})
		if err != nil {
			t.Logf("Redis not available (%v), running without a mirror", err)
			return nil
		}
		m = rm
	default:
		return nil
	}
	if err := m.Ping(ctx); err != nil {
		t.Logf("%s not available (%v), running without a mirror", m.Name(), err)
		_ = m.Close()
		return nil
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// SetupIntegrationCoordinator builds a coordinator against the live feed with a snapshot
// file under t.TempDir(). Hooks are attached as given.
func SetupIntegrationCoordinator(t *testing.T, cfg IntegrationTestConfig, hooks ...refresh.PublishHook) (*refresh.Coordinator, *snapshot.Store) {
	t.Helper()
	logger := zap.NewNop()
	fetcher, err := client.NewFunvisisClient(cfg.FeedURL, 20*time.Second, "")
	if err != nil {
		t.Fatalf("NewFunvisisClient() error = %v", err)
	}
	store, err := snapshot.New(snapshot.Options{
		Path:   filepath.Join(t.TempDir(), "sismos.json"),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("snapshot.New() error = %v", err)
	}
	clock := clockwork.NewRealClock()
	coord, err := refresh.New(refresh.Config{
		Fetcher:    fetcher,
		Normalizer: normalize.New(logger),
		Store:      store,
		Tracker:    traffic.NewTracker(clock, 0),
		Clock:      clock,
		Logger:     logger,
		Retry:      refresh.RetryPolicy{Attempts: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second},
		Hooks:      hooks,
	})
	if err != nil {
		t.Fatalf("refresh.New() error = %v", err)
	}
	return coord, store
}
