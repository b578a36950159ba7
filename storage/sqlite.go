package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database behind split read and write pools. WAL mode
// allows concurrent readers alongside a single writer, so the write pool is
// capped at one connection and reads go to their own pool.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	logger  *zap.SugaredLogger
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" opens an in-memory database with a shared cache so both pools
// see the same data.
func Open(path string, logger *zap.SugaredLogger) (*Store, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open write pool: %w", err)
	}
	if err := configurePool(writeDB, path); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write pool: %w", err)
	}
	// WAL permits exactly one writer
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	if err := configurePool(readDB, path); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read pool: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{
		writeDB: writeDB,
		readDB:  readDB,
		path:    path,
		logger:  logger,
	}
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}

	logger.Infow("SQLite store opened", "path", path)
	return s, nil
}

func configurePool(db *sql.DB, path string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// in-memory databases report "memory", not "wal"
	if path != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled, got %q", journalMode)
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		event_id     TEXT PRIMARY KEY,
		event_time   DATETIME NOT NULL,
		source_type  TEXT NOT NULL DEFAULT '',
		event_code   TEXT NOT NULL DEFAULT '',
		severity     INTEGER NOT NULL DEFAULT 0,
		category     TEXT NOT NULL DEFAULT '',
		subject_user TEXT NOT NULL DEFAULT '',
		source_ip    TEXT NOT NULL DEFAULT '',
		target_ip    TEXT NOT NULL DEFAULT '',
		host         TEXT NOT NULL DEFAULT '',
		process_name TEXT NOT NULL DEFAULT '',
		mitre_tactic TEXT NOT NULL DEFAULT '',
		raw_data     TEXT NOT NULL DEFAULT '',
		fields       TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_events_time ON events(event_time);
	CREATE INDEX IF NOT EXISTS idx_events_host ON events(host);

	CREATE TABLE IF NOT EXISTS rules (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		enabled         INTEGER NOT NULL DEFAULT 1,
		severity        INTEGER NOT NULL DEFAULT 0,
		priority        INTEGER NOT NULL DEFAULT 0,
		type            TEXT NOT NULL,
		definition      TEXT NOT NULL,
		match_count     INTEGER NOT NULL DEFAULT 0,
		false_positives INTEGER NOT NULL DEFAULT 0,
		last_match_at   DATETIME,
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id              TEXT PRIMARY KEY,
		ref             TEXT NOT NULL UNIQUE,
		rule_id         TEXT NOT NULL,
		rule_name       TEXT NOT NULL DEFAULT '',
		severity        INTEGER NOT NULL DEFAULT 0,
		title           TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		category        TEXT NOT NULL DEFAULT '',
		event_ids       TEXT NOT NULL DEFAULT '[]',
		event_count     INTEGER NOT NULL DEFAULT 0,
		first_event_at  DATETIME,
		last_event_at   DATETIME,
		host            TEXT NOT NULL DEFAULT '',
		user            TEXT NOT NULL DEFAULT '',
		source_ip       TEXT NOT NULL DEFAULT '',
		process_name    TEXT NOT NULL DEFAULT '',
		mitre_tactic    TEXT NOT NULL DEFAULT '',
		mitre_technique TEXT NOT NULL DEFAULT '',
		narrative       TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'new',
		incident_id     TEXT NOT NULL DEFAULT '',
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(rule_id);
	CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
	CREATE INDEX IF NOT EXISTS idx_alerts_incident ON alerts(incident_id);
	CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at DESC);

	CREATE TABLE IF NOT EXISTS incidents (
		id             TEXT PRIMARY KEY,
		title          TEXT NOT NULL DEFAULT '',
		severity       INTEGER NOT NULL DEFAULT 0,
		status         TEXT NOT NULL DEFAULT 'open',
		alert_count    INTEGER NOT NULL DEFAULT 0,
		event_count    INTEGER NOT NULL DEFAULT 0,
		hosts          TEXT NOT NULL DEFAULT '[]',
		users          TEXT NOT NULL DEFAULT '[]',
		mitre_tactics  TEXT NOT NULL DEFAULT '[]',
		narrative      TEXT NOT NULL DEFAULT '',
		first_event_at DATETIME,
		last_event_at  DATETIME,
		created_at     DATETIME NOT NULL,
		updated_at     DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);

	CREATE TABLE IF NOT EXISTS playbooks (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		enabled       INTEGER NOT NULL DEFAULT 1,
		priority      INTEGER NOT NULL DEFAULT 0,
		definition    TEXT NOT NULL,
		run_count     INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_run_at   DATETIME,
		created_at    DATETIME NOT NULL,
		updated_at    DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS playbook_executions (
		id               TEXT PRIMARY KEY,
		playbook_id      TEXT NOT NULL,
		playbook_name    TEXT NOT NULL DEFAULT '',
		alert_id         TEXT NOT NULL,
		incident_id      TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'pending',
		results          TEXT NOT NULL DEFAULT '[]',
		current_step     INTEGER NOT NULL DEFAULT -1,
		error_message    TEXT NOT NULL DEFAULT '',
		rolled_back      INTEGER NOT NULL DEFAULT 0,
		triggered_by     TEXT NOT NULL DEFAULT '',
		approved_by      TEXT NOT NULL DEFAULT '',
		rejected_by      TEXT NOT NULL DEFAULT '',
		approval_comment TEXT NOT NULL DEFAULT '',
		decided_at       DATETIME,
		created_at       DATETIME NOT NULL,
		started_at       DATETIME,
		completed_at     DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_executions_playbook ON playbook_executions(playbook_id);
	CREATE INDEX IF NOT EXISTS idx_executions_alert ON playbook_executions(alert_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON playbook_executions(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_active
		ON playbook_executions(playbook_id, alert_id)
		WHERE status IN ('pending', 'running', 'awaiting_approval');

	CREATE TABLE IF NOT EXISTS execution_log (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		at           DATETIME NOT NULL,
		kind         TEXT NOT NULL,
		action_name  TEXT NOT NULL DEFAULT '',
		action_type  TEXT NOT NULL DEFAULT '',
		attempt      INTEGER NOT NULL DEFAULT 0,
		detail       TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_execution_log_execution ON execution_log(execution_id, seq);
	`
	if _, err := s.writeDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	var firstErr error
	if err := s.writeDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.readDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
