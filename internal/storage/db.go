// Package storage implements the Revision Store (C1) and Task Store
// (C2): durable, serialized-writer persistence for repository revision
// markers, review tasks, and their parsed issues. The default backend
// is an embedded SQLite file (modernc.org/sqlite, no cgo); an optional
// PostgreSQL backend (postgres.go) implements the same Store interface
// for operators who prefer a shared database server.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/revgate/revgate/internal/config"
	_ "modernc.org/sqlite"
)

// schemaVersion is bumped whenever the schema below changes shape in a
// way existing databases must migrate to. It is recorded in the
// schema_version table so a mismatched on-disk schema can be detected
// at startup per §6 ("on mismatch the engine applies forward
// migrations or refuses to start").
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS revision_markers (
  repo_id TEXT NOT NULL,
  branch TEXT NOT NULL,
  kind TEXT NOT NULL CHECK(kind IN ('commit','mr')),
  last_seen_id TEXT NOT NULL DEFAULT '',
  last_seen_at TEXT,
  PRIMARY KEY (repo_id, branch, kind)
);

CREATE TABLE IF NOT EXISTS tasks (
  task_id TEXT PRIMARY KEY,
  repo_id TEXT NOT NULL,
  strategy TEXT NOT NULL CHECK(strategy IN ('commit','merge_request')),
  revision_ref TEXT NOT NULL,
  base_ref TEXT NOT NULL DEFAULT '',
  branch TEXT NOT NULL DEFAULT '',
  author_name TEXT NOT NULL DEFAULT '',
  author_email TEXT NOT NULL DEFAULT '',

  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed','cancelled')) DEFAULT 'pending',

  batch_total INTEGER NOT NULL DEFAULT 0,
  batch_current INTEGER NOT NULL DEFAULT 0,
  batch_results TEXT NOT NULL DEFAULT '[]',

  issues_count INTEGER NOT NULL DEFAULT 0,
  critical_count INTEGER NOT NULL DEFAULT 0,
  warning_count INTEGER NOT NULL DEFAULT 0,
  suggestion_count INTEGER NOT NULL DEFAULT 0,
  quality_score INTEGER,
  files_reviewed TEXT NOT NULL DEFAULT '[]',

  report TEXT NOT NULL DEFAULT '',
  verdict TEXT NOT NULL DEFAULT '',
  risk_level TEXT NOT NULL DEFAULT '',
  error_kind TEXT NOT NULL DEFAULT '',
  error_reason TEXT NOT NULL DEFAULT '',
  processing_time_seconds REAL NOT NULL DEFAULT 0,

  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  started_at TEXT,
  finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_repo ON tasks(repo_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active_identity
  ON tasks(repo_id, strategy, revision_ref)
  WHERE status IN ('pending','processing');

CREATE TABLE IF NOT EXISTS issues (
  id INTEGER PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES tasks(task_id),
  ordinal INTEGER NOT NULL DEFAULT 0,
  severity TEXT NOT NULL CHECK(severity IN ('critical','warning','suggestion','info')),
  title TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  file_path TEXT NOT NULL DEFAULT '',
  line_number INTEGER NOT NULL DEFAULT 0,
  code_snippet TEXT NOT NULL DEFAULT '',
  suggestion TEXT NOT NULL DEFAULT '',
  category TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_issues_task ON issues(task_id);

CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL DEFAULT ''
);
`

// Store is the persistence contract shared by the SQLite and
// PostgreSQL backends, covering C1 (Revision Store), C2 (Task Store),
// and the settings key-value table.
type Store interface {
	// Revision Store (C1)
	GetRevisionMarker(repoID, branch string, kind RevisionKind) (RevisionMarker, bool, error)
	CompareAndAdvance(repoID, branch string, kind RevisionKind, expectedPrev, newID string) (bool, error)

	// Task Store (C2)
	CreateTask(t *Task) error
	MarkProcessing(taskID string) error
	SetBatchTotal(taskID string, total int) error
	UpdateProgress(taskID string, result BatchResult) error
	Finalize(taskID string, status TaskStatus, issues []Issue, t *Task) error
	Query(f TaskFilter) ([]*Task, error)
	GetFull(taskID string) (*Task, []Issue, error)
	DeleteTask(taskID string) error
	RequeuePending() ([]*Task, error)
	FailStaleProcessing(reason string) (int, error)

	// Settings
	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error
	AllSettings() (map[string]string, error)

	Close() error
}

// DB is the default SQLite-backed Store.
type DB struct {
	*sql.DB
}

// DefaultDBPath returns the default database file path under the data directory.
func DefaultDBPath() string {
	return filepath.Join(config.DataDir(), "revgate.db")
}

// Open opens or creates the SQLite database at dbPath, applying the
// schema and any forward migrations.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	wrapped := &DB{db}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	if err := wrapped.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return wrapped, nil
}

// migrate applies idempotent schema_version bookkeeping. New columns
// added to an already-shipped table are appended here the same way the
// teacher daemon evolves review_jobs: check pragma_table_info, ALTER
// TABLE if missing. There are no such columns yet at schemaVersion 1;
// this function exists so the pattern is in place before it is needed.
func (db *DB) migrate() error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("count schema_version: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`INSERT INTO schema_version(version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
		return nil
	}

	var current int
	if err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", current, schemaVersion)
	}
	if current < schemaVersion {
		if _, err := db.Exec(`UPDATE schema_version SET version = ?`, schemaVersion); err != nil {
			return fmt.Errorf("bump schema_version: %w", err)
		}
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	return count > 0, err
}
