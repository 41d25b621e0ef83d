package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/sismos-service/internal/models"
	"github.com/kjstillabower/sismos-service/internal/observability"
)

// DefaultKey is where the published snapshot is mirrored.
const DefaultKey = "sismos:snapshot"

// Mirror publishes the current snapshot to a shared cache so other instances and the
// front-end can read it without touching the API. The local file stays the source of truth.
// Get returns (nil, false, nil) on a miss.
type Mirror interface {
	Name() string
	Put(ctx context.Context, snap *models.Snapshot) error
	Get(ctx context.Context) (*models.Snapshot, bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// encodeSnapshot gzips the JSON form; memcached caps items at 1 MiB and a full
// snapshot is larger than that uncompressed.
func encodeSnapshot(snap *models.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(raw []byte) (*models.Snapshot, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func record(backend, op string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	observability.MirrorOperationsTotal.WithLabelValues(backend, op, outcome).Inc()
}

// InMemoryMirror keeps the encoded snapshot in process. Used in tests and when
// no shared cache is configured but a mirror is still wanted (e.g. the updater CLI).
type InMemoryMirror struct {
	mu        sync.RWMutex
	clock     clockwork.Clock
	ttl       time.Duration
	value     []byte
	expiresAt time.Time
}

// NewInMemoryMirror creates an in-memory mirror. ttl <= 0 means entries never expire.
func NewInMemoryMirror(clock clockwork.Clock, ttl time.Duration) *InMemoryMirror {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InMemoryMirror{clock: clock, ttl: ttl}
}

func (m *InMemoryMirror) Name() string { return "memory" }

// Put stores an encoded copy of snap, so later mutation of snap is not visible.
func (m *InMemoryMirror) Put(ctx context.Context, snap *models.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeSnapshot(snap)
	record(m.Name(), "put", err)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = raw
	if m.ttl > 0 {
		m.expiresAt = m.clock.Now().Add(m.ttl)
	} else {
		m.expiresAt = time.Time{}
	}
	return nil
}

// Get returns the stored snapshot if present and not expired.
func (m *InMemoryMirror) Get(ctx context.Context) (*models.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	raw, expiresAt := m.value, m.expiresAt
	m.mu.RUnlock()

	if raw == nil || (!expiresAt.IsZero() && m.clock.Now().After(expiresAt)) {
		record(m.Name(), "get", nil)
		return nil, false, nil
	}
	snap, err := decodeSnapshot(raw)
	record(m.Name(), "get", err)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

func (m *InMemoryMirror) Ping(ctx context.Context) error { return ctx.Err() }

func (m *InMemoryMirror) Close() error { return nil }
