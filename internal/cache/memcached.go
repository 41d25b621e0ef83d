package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/sismos-service/internal/models"
)

// MemcachedMirror implements Mirror using memcached.
type MemcachedMirror struct {
	client *memcache.Client
	key    string
	ttl    time.Duration
}

// NewMemcachedMirror creates a MemcachedMirror. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero.
func NewMemcachedMirror(addrs, key string, ttl, timeout time.Duration, maxIdleConns int) *MemcachedMirror {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	if key == "" {
		key = DefaultKey
	}
	return &MemcachedMirror{client: client, key: key, ttl: ttl}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedMirror) Name() string { return "memcached" }

// Put implements Mirror.Put.
func (c *MemcachedMirror) Put(ctx context.Context, snap *models.Snapshot) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := encodeSnapshot(snap)
	if err != nil {
		record(c.Name(), "put", err)
		return err
	}
	err = c.client.Set(&memcache.Item{
		Key:        c.key,
		Value:      raw,
		Expiration: expirationSeconds(c.ttl),
	})
	record(c.Name(), "put", err)
	return err
}

// Get implements Mirror.Get. Returns false, nil on cache miss.
func (c *MemcachedMirror) Get(ctx context.Context) (*models.Snapshot, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	item, err := c.client.Get(c.key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			record(c.Name(), "get", nil)
			return nil, false, nil
		}
		record(c.Name(), "get", err)
		return nil, false, err
	}
	snap, err := decodeSnapshot(item.Value)
	record(c.Name(), "get", err)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// expirationSeconds converts ttl to memcached's relative form. 0 means no expiry;
// values beyond 30 days would be read as a unix timestamp, so they are capped.
func expirationSeconds(ttl time.Duration) int32 {
	const maxRelativeExp = 30 * 24 * 60 * 60
	sec := int64(ttl / time.Second)
	switch {
	case sec <= 0:
		return 0
	case sec > maxRelativeExp:
		return maxRelativeExp
	default:
		return int32(sec)
	}
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedMirror) Ping(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedMirror) Close() error {
	return c.client.Close()
}
