// Package sqlite implements the relay data store backed by a SQLite
// database.  It manages instance records and claim codes; everything else
// the relay tracks is process-local and never persisted.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all relay persistence
// operations.
type Store struct {
	db *sql.DB

	getInstanceStmt *sql.Stmt
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10
const defaultClaimPurgeLimit = 1000

const getInstanceQuery = `
SELECT id, public_key, direct_urls, online, public_ip, created_at, last_seen_at
FROM instances
WHERE id = ?`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection
	// gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}

	s := &Store{db: db}
	if s.getInstanceStmt, err = db.Prepare(getInstanceQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare instance lookup: %w", err)
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id           TEXT PRIMARY KEY,
			public_key   BLOB NOT NULL,
			direct_urls  TEXT NOT NULL DEFAULT '[]',
			online       INTEGER NOT NULL DEFAULT 0,
			public_ip    TEXT,
			created_at   TIMESTAMP NOT NULL,
			last_seen_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS claims (
			id          TEXT PRIMARY KEY,
			code        TEXT NOT NULL UNIQUE,
			instance_id TEXT NOT NULL REFERENCES instances(id),
			user_id     TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL,
			expires_at  TIMESTAMP NOT NULL,
			consumed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_expires_at ON claims(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_instance ON claims(instance_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases prepared statements and the underlying database handle.
func (s *Store) Close() error {
	if s.getInstanceStmt != nil {
		_ = s.getInstanceStmt.Close()
	}
	return s.db.Close()
}
