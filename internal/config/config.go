package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	EnvName string

	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	FunvisisURL       string
	FunvisisTimeout   time.Duration
	FunvisisUserAgent string

	RequestTimeout time.Duration

	RefreshInterval time.Duration
	RunOnStart      bool
	ShutdownGrace   time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration

	RetentionMaxAge     time.Duration
	RetentionMaxRecords int

	DataFile string
	Backups  int

	MirrorBackend      string // "none", "in_memory", "memcached" or "redis"
	MirrorAddrs        string
	MirrorTimeout      time.Duration
	MirrorTTL          time.Duration
	MirrorKey          string
	MirrorMaxIdleConns int
	RedisPassword      string
	RedisDB            int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	RateLimitRPS         float64
	RateLimitBurst       int
	UpdateRateLimitRPS   float64
	UpdateRateLimitBurst int

	HealthStaleAfter time.Duration
	AdminToken       string
	StreamEnabled    bool

	ShutdownTimeout time.Duration
}

type fileConfig struct {
	Server struct {
		Port         string `yaml:"port"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	} `yaml:"server"`

	Funvisis struct {
		URL       string `yaml:"url"`
		Timeout   string `yaml:"timeout"`
		UserAgent string `yaml:"user_agent"`
	} `yaml:"funvisis"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Refresh struct {
		Interval       string `yaml:"interval"`
		RunOnStart     *bool  `yaml:"run_on_start"`
		ShutdownGrace  string `yaml:"shutdown_grace"`
		RetryAttempts  int    `yaml:"retry_attempts"`
		RetryBaseDelay string `yaml:"retry_base_delay"`
		RetryMaxDelay  string `yaml:"retry_max_delay"`
	} `yaml:"refresh"`

	Retention struct {
		MaxAge     string `yaml:"max_age"`
		MaxRecords *int   `yaml:"max_records"`
	} `yaml:"retention"`

	Storage struct {
		DataFile string `yaml:"data_file"`
		Backups  *int   `yaml:"backups"`
	} `yaml:"storage"`

	Mirror struct {
		Backend      string `yaml:"backend"`
		Addrs        string `yaml:"addrs"`
		Timeout      string `yaml:"timeout"`
		TTL          string `yaml:"ttl"`
		Key          string `yaml:"key"`
		MaxIdleConns int    `yaml:"max_idle_conns"`
		RedisDB      int    `yaml:"redis_db"`
	} `yaml:"mirror"`

	CircuitBreaker struct {
		Enabled          *bool  `yaml:"enabled"`
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	RateLimit struct {
		RPS         float64 `yaml:"rps"`
		Burst       int     `yaml:"burst"`
		UpdateRPS   float64 `yaml:"update_rps"`
		UpdateBurst int     `yaml:"update_burst"`
	} `yaml:"rate_limit"`

	Health struct {
		StaleAfter string `yaml:"stale_after"`
	} `yaml:"health"`

	Stream struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"stream"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`
}

// envOverrides are applied after the YAML file. Unset variables leave the file value.
type envOverrides struct {
	EnvName         string `env:"ENV_NAME, default=dev"`
	FunvisisURL     string `env:"FUNVISIS_URL"`
	DataFile        string `env:"DATA_FILE"`
	RefreshInterval string `env:"REFRESH_INTERVAL"`
	MirrorBackend   string `env:"MIRROR_BACKEND"`
	MirrorAddrs     string `env:"MIRROR_ADDRS"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	AdminToken      string `env:"ADMIN_TOKEN"`
	ServerPort      string `env:"SERVER_PORT"`
}

// DefaultFeedURL is the public FUNVISIS catalogue.
const DefaultFeedURL = "https://www.funvisis.gob.ve/maravilla.json"

// Load reads .env (if present), then config/{ENV_NAME}.yaml (default dev), then applies
// environment overrides. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(context.Background(), cwd, envconfig.OsLookuper())
}

// LoadFrom reads dir/config/{ENV_NAME}.yaml with environment values taken from lookuper.
func LoadFrom(ctx context.Context, dir string, lookuper envconfig.Lookuper) (*Config, error) {
	var env envOverrides
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &env, Lookuper: lookuper}); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	configPath := filepath.Join(dir, "config", env.EnvName+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := fromFile(&fc)
	cfg.EnvName = env.EnvName
	applyEnv(cfg, &env)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(fc *fileConfig) *Config {
	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(fc.Server.Port, "8080")
	cfg.ServerReadTimeout = parseDuration(fc.Server.ReadTimeout, 10*time.Second)
	cfg.ServerWriteTimeout = parseDuration(fc.Server.WriteTimeout, 90*time.Second)

	cfg.FunvisisURL = firstNonEmpty(fc.Funvisis.URL, DefaultFeedURL)
	cfg.FunvisisTimeout = parseDurationOrZero(fc.Funvisis.Timeout, 30*time.Second)
	cfg.FunvisisUserAgent = strings.TrimSpace(fc.Funvisis.UserAgent)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)

	cfg.RefreshInterval = parseDuration(fc.Refresh.Interval, 5*time.Minute)
	cfg.RunOnStart = boolOr(fc.Refresh.RunOnStart, true)
	cfg.ShutdownGrace = parseDuration(fc.Refresh.ShutdownGrace, 10*time.Second)
	cfg.RetryAttempts = intOr(fc.Refresh.RetryAttempts, 3)
	cfg.RetryBaseDelay = parseDuration(fc.Refresh.RetryBaseDelay, time.Second)
	cfg.RetryMaxDelay = parseDuration(fc.Refresh.RetryMaxDelay, 30*time.Second)

	// Zero disables a retention rule, so only a missing key gets the default.
	cfg.RetentionMaxAge = parseDurationOrZero(fc.Retention.MaxAge, 90*24*time.Hour)
	cfg.RetentionMaxRecords = 5000
	if fc.Retention.MaxRecords != nil {
		cfg.RetentionMaxRecords = *fc.Retention.MaxRecords
	}

	cfg.DataFile = firstNonEmpty(fc.Storage.DataFile, "data/sismos.json")
	cfg.Backups = 5
	if fc.Storage.Backups != nil {
		cfg.Backups = *fc.Storage.Backups
	}

	cfg.MirrorBackend = strings.ToLower(firstNonEmpty(fc.Mirror.Backend, "none"))
	cfg.MirrorAddrs = strings.TrimSpace(fc.Mirror.Addrs)
	cfg.MirrorTimeout = parseDuration(fc.Mirror.Timeout, 500*time.Millisecond)
	cfg.MirrorTTL = parseDurationOrZero(fc.Mirror.TTL, 24*time.Hour)
	cfg.MirrorKey = firstNonEmpty(fc.Mirror.Key, "sismos:snapshot")
	cfg.MirrorMaxIdleConns = intOr(fc.Mirror.MaxIdleConns, 2)
	cfg.RedisDB = fc.Mirror.RedisDB

	cfg.CircuitBreakerEnabled = boolOr(fc.CircuitBreaker.Enabled, true)
	cfg.CircuitBreakerFailureThreshold = intOr(fc.CircuitBreaker.FailureThreshold, 5)
	cfg.CircuitBreakerSuccessThreshold = intOr(fc.CircuitBreaker.SuccessThreshold, 1)
	cfg.CircuitBreakerTimeout = parseDuration(fc.CircuitBreaker.Timeout, time.Minute)

	cfg.RateLimitRPS = fc.RateLimit.RPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	cfg.RateLimitBurst = intOr(fc.RateLimit.Burst, 100)
	cfg.UpdateRateLimitRPS = fc.RateLimit.UpdateRPS
	if cfg.UpdateRateLimitRPS <= 0 {
		cfg.UpdateRateLimitRPS = 1.0 / 60
	}
	cfg.UpdateRateLimitBurst = intOr(fc.RateLimit.UpdateBurst, 2)

	cfg.HealthStaleAfter = parseDurationOrZero(fc.Health.StaleAfter, 30*time.Minute)
	cfg.StreamEnabled = boolOr(fc.Stream.Enabled, true)
	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	return cfg
}

func applyEnv(cfg *Config, env *envOverrides) {
	if env.FunvisisURL != "" {
		cfg.FunvisisURL = env.FunvisisURL
	}
	if env.DataFile != "" {
		cfg.DataFile = env.DataFile
	}
	if env.RefreshInterval != "" {
		cfg.RefreshInterval = parseDuration(env.RefreshInterval, cfg.RefreshInterval)
	}
	if env.MirrorBackend != "" {
		cfg.MirrorBackend = strings.ToLower(strings.TrimSpace(env.MirrorBackend))
	}
	if env.MirrorAddrs != "" {
		cfg.MirrorAddrs = strings.TrimSpace(env.MirrorAddrs)
	}
	if env.RedisPassword != "" {
		cfg.RedisPassword = env.RedisPassword
	}
	if env.AdminToken != "" {
		cfg.AdminToken = env.AdminToken
	}
	if env.ServerPort != "" {
		cfg.ServerPort = env.ServerPort
	}
}

func firstNonEmpty(v, fallback string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. It fills in backend-specific address defaults
// and stretches the server write timeout to cover a manual refresh.
func validate(cfg *Config) error {
	u, err := url.Parse(cfg.FunvisisURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("funvisis.url must be an absolute http(s) URL, got %q", cfg.FunvisisURL)
	}
	if cfg.FunvisisTimeout <= 0 {
		return fmt.Errorf("funvisis.timeout must be positive")
	}
	if cfg.RetentionMaxAge < 0 || cfg.RetentionMaxRecords < 0 {
		return fmt.Errorf("retention.max_age and retention.max_records must not be negative")
	}
	if cfg.Backups < 0 {
		return fmt.Errorf("storage.backups must not be negative")
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	// POST /api/update holds the connection for a whole refresh, retries included.
	worstRefresh := time.Duration(cfg.RetryAttempts)*cfg.FunvisisTimeout + time.Duration(cfg.RetryAttempts-1)*cfg.RetryMaxDelay
	if cfg.ServerWriteTimeout <= worstRefresh {
		cfg.ServerWriteTimeout = worstRefresh + 5*time.Second
	}
	switch cfg.MirrorBackend {
	case "none", "in_memory":
	case "memcached":
		if cfg.MirrorAddrs == "" {
			cfg.MirrorAddrs = "localhost:11211"
		}
	case "redis":
		if cfg.MirrorAddrs == "" {
			cfg.MirrorAddrs = "localhost:6379"
		}
	default:
		return fmt.Errorf("mirror.backend must be none, in_memory, memcached or redis, got %q", cfg.MirrorBackend)
	}
	return nil
}
