package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kjstillabower/sismos-service/internal/models"
)

const defaultRedisTimeout = 5 * time.Second

// UpdatesChannel receives the lastUpdated time of every mirrored snapshot.
const UpdatesChannel = "sismos:updates"

// RedisConfig captures the settings for establishing a Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
	Timeout  time.Duration
}

// RedisMirror implements Mirror using a single Redis key plus a pub/sub notification.
type RedisMirror struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// ConnectRedis initialises a Redis client and validates connectivity with a ping.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*RedisMirror, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisMirror(client, cfg.Key, cfg.TTL), nil
}

// NewRedisMirror wraps an existing client.
func NewRedisMirror(client *redis.Client, key string, ttl time.Duration) *RedisMirror {
	if key == "" {
		key = DefaultKey
	}
	return &RedisMirror{client: client, key: key, ttl: ttl}
}

func (r *RedisMirror) Name() string { return "redis" }

// Put stores the snapshot and announces it on UpdatesChannel in one pipeline.
func (r *RedisMirror) Put(ctx context.Context, snap *models.Snapshot) error {
	raw, err := encodeSnapshot(snap)
	if err != nil {
		record(r.Name(), "put", err)
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key, raw, r.ttl)
		pipe.Publish(ctx, UpdatesChannel, snap.LastUpdated.UTC().Format(time.RFC3339))
		return nil
	})
	record(r.Name(), "put", err)
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Get implements Mirror.Get.
func (r *RedisMirror) Get(ctx context.Context) (*models.Snapshot, bool, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			record(r.Name(), "get", nil)
			return nil, false, nil
		}
		record(r.Name(), "get", err)
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	snap, err := decodeSnapshot(raw)
	record(r.Name(), "get", err)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

func (r *RedisMirror) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisMirror) Close() error {
	return r.client.Close()
}
