// Package store is the single-file persistence layer.
//
// All durable state lives in one SQLite database opened in WAL mode: memories
// and their embeddings, conversations and turns, the mirrored entity snapshot,
// learning signals, improvements with their backups and audit trail, golden
// cases, and training examples. Full-text search runs over an FTS5 mirror of
// the memories table kept in sync by triggers; vector search uses the
// sqlite-vec extension when the binary was built with it and falls back to an
// in-process scan otherwise.
//
// Writers hitting SQLITE_BUSY are retried with exponential backoff and then
// surfaced as transient. Corruption detected on read is returned as
// [ErrCorrupt] and must abort the request that hit it.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a requested record does not exist or is
	// soft-deleted.
	ErrNotFound = errors.New("store: not found")

	// ErrCorrupt is returned when SQLite reports database corruption. The
	// caller must treat it as fatal for the current request.
	ErrCorrupt = errors.New("store: database corrupt")

	// ErrConflict is returned when a write kept hitting a locked database
	// after all retries.
	ErrConflict = errors.New("store: write conflict")
)

const (
	busyRetries   = 5
	busyBaseDelay = 10 * time.Millisecond
)

// Store wraps the SQLite handle. Safe for concurrent use; SQLite serialises
// writers internally and WAL keeps readers unblocked.
type Store struct {
	db   *sql.DB
	path string
	log  *slog.Logger

	// vec reports whether the sqlite-vec extension loaded; without it vector
	// search degrades to an in-process scan over stored embeddings.
	vec         bool
	dims        int
	target      int
	busyTimeout int
}

// Option is a functional option for Open.
type Option func(*Store)

// WithLogger overrides the logger. Default is slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithVectorDimensions sets the embedding width of the ANN index table. Must
// match the configured embedding model. Default 1536.
func WithVectorDimensions(n int) Option {
	return func(s *Store) { s.dims = n }
}

// WithTargetVersion migrates to the given schema version instead of the
// latest. Used by the migrate command; serving requires the latest schema.
func WithTargetVersion(n int) Option {
	return func(s *Store) { s.target = n }
}

// WithBusyTimeout sets the SQLite busy_timeout pragma in milliseconds.
// Default 5000.
func WithBusyTimeout(ms int) Option {
	return func(s *Store) {
		if ms > 0 {
			s.busyTimeout = ms
		}
	}
}

// Open opens (creating if needed) the database at path, applies the WAL
// pragmas, and runs any pending migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection sidesteps table-lock contention between the pool's
	// connections; WAL still lets external readers in.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path, log: slog.Default(), dims: 1536, target: CurrentSchemaVersion, busyTimeout: 5000}
	for _, o := range opts {
		o(s)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.busyTimeout),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if err := s.MigrateTo(context.Background(), s.target); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVec()
	if s.vec {
		s.log.Info("sqlite-vec extension loaded, ANN search enabled")
	} else {
		s.log.Warn("sqlite-vec extension unavailable, vector search falls back to full scan")
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the database answers queries. Used by the health checker.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return classify(fmt.Errorf("store: ping: %w", err))
	}
	return nil
}

// detectVec probes for the vec0 virtual table module and, when present,
// creates the ANN index table. Created here rather than in a migration because
// availability depends on how the binary was built.
func (s *Store) detectVec() {
	stmt := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS memories_vec USING vec0(embedding_id INTEGER PRIMARY KEY, vector float[%d])", s.dims)
	if _, err := s.db.Exec(stmt); err != nil {
		s.vec = false
		return
	}
	s.vec = true
}

// withRetry runs fn, retrying on SQLITE_BUSY/SQLITE_LOCKED with exponential
// backoff. After the last attempt the error is wrapped in [ErrConflict].
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	delay := busyBaseDelay
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
			return classify(err)
		}
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %w", ErrConflict, err)
}

// isBusy reports whether err is a transient SQLite lock error.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// classify maps SQLite corruption codes onto [ErrCorrupt] and passes every
// other error through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrNotADB) {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return err
}

// now returns the canonical timestamp representation used in every table.
func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// parseTime reads a stored timestamp, tolerating an empty column.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// encodeVector serialises a float32 vector to the little-endian blob layout
// sqlite-vec expects.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
