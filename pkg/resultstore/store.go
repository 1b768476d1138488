// Package resultstore persists Monte Carlo batches, rankings and validation
// trends in a local SQLite database, so finished results survive a
// dashboard restart.
package resultstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	driverName    = "sqlite"
	schemaVersion = 1
)

// ErrNotFound indicates no stored result for the requested job.
var ErrNotFound = errors.New("result not found")

type Config struct {
	// Path is a local filesystem path to the results database, or ":memory:".
	Path string
}

// Store is a SQLite-backed result store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates if needed) the results database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn, err := buildDSN(cfg.Path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	// One connection: keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping result store: %w", err)
	}
	if err := configure(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("result store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	dir := filepath.Dir(filepath.Clean(path))
	if dir != "." && dir != string(filepath.Separator) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create result store directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func configure(ctx context.Context, db *sql.DB, dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS result_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO result_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS mc_batches (
			job_id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			database_name TEXT NOT NULL,
			activity TEXT NOT NULL,
			amount REAL NOT NULL,
			method TEXT NOT NULL,
			seed INTEGER NOT NULL,
			iterations INTEGER NOT NULL,
			draws INTEGER NOT NULL,
			complete INTEGER NOT NULL,
			status TEXT NOT NULL,
			saved_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS mc_samples (
			job_id TEXT NOT NULL,
			draw INTEGER NOT NULL,
			score REAL NOT NULL,
			PRIMARY KEY (job_id, draw)
		);`,
		`CREATE TABLE IF NOT EXISTS rankings (
			job_id TEXT NOT NULL,
			rank INTEGER NOT NULL,
			input_id TEXT NOT NULL,
			name TEXT NOT NULL,
			location TEXT,
			category TEXT,
			output_name TEXT NOT NULL,
			output_location TEXT,
			exchange_type TEXT,
			exchange_amount REAL,
			gsa_index REAL,
			PRIMARY KEY (job_id, rank)
		);`,
		`CREATE TABLE IF NOT EXISTS validation_trials (
			job_id TEXT NOT NULL,
			source_job_id TEXT,
			influential_count INTEGER NOT NULL,
			metric REAL NOT NULL,
			iterations_used INTEGER NOT NULL,
			PRIMARY KEY (job_id, influential_count)
		);`,
	}

	now := s.now().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
