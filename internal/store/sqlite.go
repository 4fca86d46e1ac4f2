// Package store wires the six SQLite-backed files named in spec.md §6.3
// (users, sessions, history, move_ops, metrics, hashes). The in-process
// buntdb batch cache is not here; it lives in pipeline.Cache. Every
// database is opened with
// write-ahead-logging and foreign keys enforced, per spec.md §5's
// shared-resource policy.
package store

import (
	"database/sql"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
)

// Open opens a SQLite database file under dataDir with WAL mode and
// foreign-key enforcement, matching every store in this package.
func Open(dataDir, filename string) (*sql.DB, error) {
	path := filepath.Join(dataDir, filename)
	dsn := "file:" + path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "opening %s", filename)
	}
	db.SetMaxOpenConns(1) // mattn/go-sqlite3 + WAL: single writer is simplest and sufficient here
	return db, nil
}

// Databases bundles the six SQLite handles the rest of the application
// depends on as typed fields (spec.md §9 "Dependency injection": a plain
// struct literal rather than a module-level singleton).
type Databases struct {
	Users    *sql.DB
	Sessions *sql.DB
	History  *sql.DB
	MoveOps  *sql.DB
	Metrics  *sql.DB
	Hashes   *sql.DB
}

func OpenAll(dataDir string) (*Databases, error) {
	d := &Databases{}
	var err error
	if d.Users, err = Open(dataDir, "users.db"); err != nil {
		return nil, err
	}
	if d.Sessions, err = Open(dataDir, "sessions.db"); err != nil {
		return nil, err
	}
	if d.History, err = Open(dataDir, "history.db"); err != nil {
		return nil, err
	}
	if d.MoveOps, err = Open(dataDir, "move_ops.db"); err != nil {
		return nil, err
	}
	if d.Metrics, err = Open(dataDir, "metrics.db"); err != nil {
		return nil, err
	}
	if d.Hashes, err = Open(dataDir, "hashes.db"); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Databases) Close() {
	for _, db := range []*sql.DB{d.Users, d.Sessions, d.History, d.MoveOps, d.Metrics, d.Hashes} {
		if db != nil {
			db.Close()
		}
	}
}

// Migrate creates every table this module depends on. Idempotent:
// CREATE TABLE IF NOT EXISTS throughout.
func (d *Databases) Migrate() error {
	stmts := map[*sql.DB][]string{
		d.Users: {
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				username TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL DEFAULT '',
				is_admin INTEGER NOT NULL DEFAULT 0,
				disabled INTEGER NOT NULL DEFAULT 0,
				api_key TEXT,
				capabilities TEXT NOT NULL DEFAULT '[]',
				last_login_at DATETIME
			)`,
			`CREATE TABLE IF NOT EXISTS ownership (
				compound_key TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				added_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_ownership_user ON ownership(user_id)`,
			`CREATE TABLE IF NOT EXISTS failed_logins (
				ip TEXT PRIMARY KEY,
				count INTEGER NOT NULL,
				first_attempt DATETIME NOT NULL,
				last_attempt DATETIME NOT NULL,
				blocked_until DATETIME
			)`,
		},
		d.Sessions: {
			`CREATE TABLE IF NOT EXISTS sessions (
				token TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL,
				username TEXT NOT NULL,
				is_admin INTEGER NOT NULL,
				capabilities TEXT NOT NULL DEFAULT '[]',
				expire DATETIME NOT NULL
			)`,
		},
		d.History: {
			`CREATE TABLE IF NOT EXISTS added_at (
				compound_key TEXT PRIMARY KEY,
				added_at DATETIME NOT NULL
			)`,
		},
		d.MoveOps: {
			`CREATE TABLE IF NOT EXISTS move_operations (
				compound_key TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				client_type TEXT NOT NULL,
				source_path_remote TEXT NOT NULL,
				dest_path_local TEXT NOT NULL,
				dest_path_remote TEXT NOT NULL,
				total_size INTEGER NOT NULL,
				bytes_moved INTEGER NOT NULL DEFAULT 0,
				files_total INTEGER,
				files_moved INTEGER,
				current_file TEXT,
				is_multi_file INTEGER NOT NULL,
				status TEXT NOT NULL,
				error_message TEXT,
				category_name TEXT
			)`,
		},
		d.Metrics: {
			`CREATE TABLE IF NOT EXISTS metrics_samples (
				instance_id TEXT NOT NULL,
				recorded_at DATETIME NOT NULL,
				upload_speed INTEGER NOT NULL,
				download_speed INTEGER NOT NULL,
				upload_total INTEGER NOT NULL,
				download_total INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_metrics_time ON metrics_samples(recorded_at)`,
		},
		d.Hashes: {
			`CREATE TABLE IF NOT EXISTS synthetic_hashes (
				ed2k_hash TEXT PRIMARY KEY,
				synthetic_hash TEXT NOT NULL UNIQUE
			)`,
		},
	}
	for db, list := range stmts {
		for _, s := range list {
			if _, err := db.Exec(s); err != nil {
				return apperr.Wrap(apperr.Internal, err, "migrating")
			}
		}
	}
	return nil
}
