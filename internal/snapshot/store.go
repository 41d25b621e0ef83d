package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/sismos-service/internal/models"
	"github.com/kjstillabower/sismos-service/internal/observability"
	"github.com/kjstillabower/sismos-service/internal/validation"
)

const (
	formatVersion  = 1
	backupInfix    = ".backup_"
	backupLayout   = "20060102_150405"
	DefaultBackups = 5
)

// document is the on-disk layout.
type document struct {
	Version     int             `json:"version"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Records     []models.Record `json:"records"`
}

// PersistError is returned by Replace when the snapshot could not be made durable.
// The previous file is left untouched in every case.
type PersistError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist snapshot: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Options configures a Store.
type Options struct {
	Path    string
	Backups int // rotated copies of the previous file; 0 disables backups
	Clock   clockwork.Clock
	Logger  *zap.Logger
}

// Store keeps one snapshot in a single JSON file and replaces it atomically.
type Store struct {
	path    string
	backups int
	clock   clockwork.Clock
	logger  *zap.Logger

	mu     sync.Mutex // serializes writers
	rename func(oldpath, newpath string) error
}

// New creates the parent directory if needed.
func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("snapshot path is required")
	}
	if opts.Backups < 0 {
		return nil, fmt.Errorf("snapshot backups must be >= 0, got %d", opts.Backups)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &Store{
		path:    opts.Path,
		backups: opts.Backups,
		clock:   opts.Clock,
		logger:  opts.Logger,
		rename:  os.Rename,
	}, nil
}

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

// Load reads the persisted snapshot. A missing or unreadable file yields an empty
// snapshot; the problem is logged, never returned. Invalid records and duplicate ids
// are dropped (the newest copy of an id is kept).
func (s *Store) Load(ctx context.Context) *models.Snapshot {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info("No snapshot on disk, starting empty", zap.String("path", s.path))
		} else {
			s.logger.Error("Failed to read snapshot, starting empty", zap.String("path", s.path), zap.Error(err))
		}
		return models.EmptySnapshot()
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Error("Corrupt snapshot, starting empty", zap.String("path", s.path), zap.Error(err))
		return models.EmptySnapshot()
	}
	if doc.Version > formatVersion {
		s.logger.Warn("Snapshot written by a newer version", zap.Int("version", doc.Version))
	}

	valid := make([]models.Record, 0, len(doc.Records))
	invalid := 0
	for _, r := range doc.Records {
		if err := validation.ValidateRecord(r); err != nil {
			invalid++
			s.logger.Debug("Dropping invalid stored record", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		if r.Severity == "" {
			r.Severity = models.SeverityFor(r.Magnitude)
		}
		valid = append(valid, r)
	}
	records := models.UniqueNewest(valid)

	if invalid > 0 || len(records) != len(doc.Records) {
		s.logger.Warn("Dropped stored records on load",
			zap.Int("invalid", invalid),
			zap.Int("duplicates", len(doc.Records)-invalid-len(records)),
		)
	}
	s.logger.Info("Loaded snapshot",
		zap.String("path", s.path),
		zap.Int("records", len(records)),
		zap.Time("lastUpdated", doc.LastUpdated),
	)
	return &models.Snapshot{Records: records, LastUpdated: doc.LastUpdated.UTC()}
}

// Replace durably writes snap: encode, back up the previous file, write a temp file in
// the same directory, fsync, rename over the previous file, fsync the directory.
// Readers of the path see either the old or the new file, never a partial one.
func (s *Store) Replace(ctx context.Context, snap *models.Snapshot) error {
	if snap == nil {
		return &PersistError{Op: "encode", Path: s.path, Err: errors.New("nil snapshot")}
	}
	if err := ctx.Err(); err != nil {
		return &PersistError{Op: "begin", Path: s.path, Err: err}
	}

	data, err := json.MarshalIndent(document{
		Version:     formatVersion,
		LastUpdated: snap.LastUpdated.UTC(),
		Records:     snap.Records,
	}, "", "  ")
	if err != nil {
		return s.fail("encode", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backups > 0 {
		s.backup()
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return s.fail("create", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return s.fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return s.fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		return s.fail("close", err)
	}
	// CreateTemp uses 0600.
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return s.fail("chmod", err)
	}
	if err := s.rename(tmpName, s.path); err != nil {
		return s.fail("rename", err)
	}
	committed = true

	if err := syncDir(dir); err != nil {
		// The rename is done; losing the directory entry needs a power cut right now.
		s.logger.Warn("Failed to sync snapshot directory", zap.String("dir", dir), zap.Error(err))
	}

	s.logger.Debug("Snapshot persisted",
		zap.String("path", s.path),
		zap.Int("records", len(snap.Records)),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (s *Store) fail(op string, err error) error {
	observability.PersistErrorsTotal.WithLabelValues(op).Inc()
	return &PersistError{Op: op, Path: s.path, Err: err}
}

// backup copies the current file aside and prunes old copies. Failures only warn.
func (s *Store) backup() {
	src, err := os.Open(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			observability.SnapshotBackupsTotal.WithLabelValues("error").Inc()
			s.logger.Warn("Failed to open snapshot for backup", zap.Error(err))
		}
		return
	}
	defer src.Close()

	name := s.path + backupInfix + s.clock.Now().UTC().Format(backupLayout)
	dst, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		observability.SnapshotBackupsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("Failed to create snapshot backup", zap.String("backup", name), zap.Error(err))
		return
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(name)
		observability.SnapshotBackupsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("Failed to write snapshot backup", zap.String("backup", name), zap.Error(err))
		return
	}
	if err := dst.Close(); err != nil {
		observability.SnapshotBackupsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("Failed to close snapshot backup", zap.String("backup", name), zap.Error(err))
		return
	}
	observability.SnapshotBackupsTotal.WithLabelValues("success").Inc()
	s.pruneBackups()
}

// Backups lists backup files oldest first.
func (s *Store) Backups() ([]string, error) {
	matches, err := filepath.Glob(s.path + backupInfix + "*")
	if err != nil {
		return nil, err
	}
	// The timestamp suffix sorts lexically in time order.
	sort.Strings(matches)
	return matches, nil
}

func (s *Store) pruneBackups() {
	matches, err := s.Backups()
	if err != nil {
		s.logger.Warn("Failed to list snapshot backups", zap.Error(err))
		return
	}
	if len(matches) <= s.backups {
		return
	}
	for _, old := range matches[:len(matches)-s.backups] {
		if err := os.Remove(old); err != nil {
			s.logger.Warn("Failed to remove old snapshot backup", zap.String("backup", old), zap.Error(err))
			continue
		}
		s.logger.Debug("Removed old snapshot backup", zap.String("backup", old))
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
