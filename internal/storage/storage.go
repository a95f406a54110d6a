// Package storage provides the relational storage engine shared by the task
// queue, dispatcher, and operator surface. All timestamps are stored as UTC
// ISO-8601 text.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devplane/devplane/internal/db"
)

// Sentinel errors shared by the storage layer and its callers.
var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrBatchNotFound    = errors.New("batch not found")
	ErrWebhookNotFound  = errors.New("webhook not found")
	ErrWorkerNotFound   = errors.New("worker not found")
	ErrWatchNotFound    = errors.New("watch not found")
	ErrSprintNotFound   = errors.New("sprint not found")
	ErrStateConflict    = errors.New("operation incompatible with current state")
	ErrTimerActive      = errors.New("a timer is already active for this user")
	ErrTimerNotFound    = errors.New("timer not found")
	ErrQueueEmpty       = errors.New("no eligible task")
)

// Store provides access to all persistent tables.
type Store struct {
	pool *db.Pool
}

// New creates a Store over an opened pool and initializes the schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewWithDB creates a Store over raw writer/reader connections (used by
// tests with in-memory databases).
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	return New(db.NewPool(writer, reader))
}

func (s *Store) writer() *sqlx.DB { return s.pool.Writer() }
func (s *Store) reader() *sqlx.DB { return s.pool.Reader() }

// DB returns the underlying writer for shared access (snapshots, health).
func (s *Store) DB() *sql.DB { return s.pool.Writer().DB }

// Close closes the underlying pool.
func (s *Store) Close() error { return s.pool.Close() }

// Ping verifies the storage engine is reachable.
func (s *Store) Ping() error { return s.pool.Writer().Ping() }

// InTx runs fn inside a write transaction. SQLite write transactions start
// immediately so contending writers queue on busy_timeout rather than
// failing at commit.
func (s *Store) InTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.writer().Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// nowUTC returns the current time truncated for stable round-trips through
// ISO-8601 text columns.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// fmtTime renders a timestamp as UTC ISO-8601.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// fmtTimePtr renders an optional timestamp, returning NULL for nil.
func fmtTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// parseTime parses an ISO-8601 text column.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// DATETIME default format written by sqlite itself.
		t, err = time.Parse("2006-01-02 15:04:05", s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

// parseTimePtr parses a nullable ISO-8601 text column.
func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initTemplateSchema(); err != nil {
		return err
	}
	if err := s.initWorkerSchema(); err != nil {
		return err
	}
	if err := s.initWebhookSchema(); err != nil {
		return err
	}
	if err := s.initWorklogSchema(); err != nil {
		return err
	}
	if err := s.initWatcherSchema(); err != nil {
		return err
	}
	if err := s.initTopologySchema(); err != nil {
		return err
	}
	return s.ensureIndexes()
}

func (s *Store) initTaskSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		retries INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		timeout_seconds INTEGER NOT NULL DEFAULT 3600,
		assigned_worker TEXT NOT NULL DEFAULT '',
		assigned_node TEXT NOT NULL DEFAULT '',
		scheduled_for TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		result TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		parent_id INTEGER REFERENCES tasks(id) ON DELETE SET NULL,
		hierarchy_level INTEGER NOT NULL DEFAULT 0,
		hierarchy_path TEXT NOT NULL DEFAULT '/',
		child_count INTEGER NOT NULL DEFAULT 0,
		batch_id TEXT NOT NULL DEFAULT '',
		sprint_id TEXT NOT NULL DEFAULT '',
		long_running INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS task_archive (
		id INTEGER PRIMARY KEY,
		task_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		timeout_seconds INTEGER NOT NULL DEFAULT 3600,
		assigned_worker TEXT NOT NULL DEFAULT '',
		assigned_node TEXT NOT NULL DEFAULT '',
		scheduled_for TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		result TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		parent_id INTEGER,
		hierarchy_level INTEGER NOT NULL DEFAULT 0,
		hierarchy_path TEXT NOT NULL DEFAULT '/',
		child_count INTEGER NOT NULL DEFAULT 0,
		batch_id TEXT NOT NULL DEFAULT '',
		sprint_id TEXT NOT NULL DEFAULT '',
		long_running INTEGER NOT NULL DEFAULT 0,
		archived_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_conversions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		target_kind TEXT NOT NULL,
		target_id TEXT NOT NULL,
		converted_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);`
	_, err := s.writer().Exec(schema)
	return err
}

func (s *Store) initTemplateSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		default_priority INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		timeout_seconds INTEGER NOT NULL DEFAULT 3600,
		created_by TEXT NOT NULL DEFAULT '',
		usage_count INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_batches (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		total_requested INTEGER NOT NULL DEFAULT 0,
		created_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		stagger_seconds INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sprints (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		start_date TEXT NOT NULL DEFAULT '',
		end_date TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'planned',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.writer().Exec(schema)
	return err
}

func (s *Store) initWorkerSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workers (
		worker_id TEXT PRIMARY KEY,
		worker_type TEXT NOT NULL DEFAULT 'task',
		status TEXT NOT NULL DEFAULT 'running',
		capacity INTEGER NOT NULL DEFAULT 1,
		current_load INTEGER NOT NULL DEFAULT 0,
		active_connections INTEGER NOT NULL DEFAULT 0,
		skills TEXT NOT NULL DEFAULT '[]',
		weight INTEGER NOT NULL DEFAULT 1,
		restart_count INTEGER NOT NULL DEFAULT 0,
		region_id TEXT NOT NULL DEFAULT '',
		last_heartbeat TEXT NOT NULL,
		registered_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS worker_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		worker_id TEXT NOT NULL,
		task_id INTEGER,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);`
	_, err := s.writer().Exec(schema)
	return err
}

func (s *Store) initWebhookSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_webhooks (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		secret TEXT NOT NULL DEFAULT '',
		events TEXT NOT NULL DEFAULT '[]',
		task_types TEXT NOT NULL DEFAULT '[]',
		retry_count INTEGER NOT NULL DEFAULT 3,
		timeout_seconds INTEGER NOT NULL DEFAULT 10,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		webhook_id TEXT NOT NULL,
		event TEXT NOT NULL,
		task_id INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		response TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);`
	_, err := s.writer().Exec(schema)
	return err
}

func (s *Store) initWorklogSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_worklog (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		time_spent_minutes INTEGER NOT NULL,
		work_date TEXT NOT NULL,
		work_type TEXT NOT NULL DEFAULT '',
		billable INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_timers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		user_id TEXT NOT NULL UNIQUE,
		started_at TEXT NOT NULL
	);`
	_, err := s.writer().Exec(schema)
	return err
}

func (s *Store) initWatcherSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_watchers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		task_id INTEGER NOT NULL,
		task_type TEXT NOT NULL DEFAULT '',
		watch_type TEXT NOT NULL DEFAULT 'all',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(user_id, task_id)
	);

	CREATE TABLE IF NOT EXISTS watch_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		watch_id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		task_id INTEGER NOT NULL,
		event_kind TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS watch_preferences (
		user_id TEXT PRIMARY KEY,
		auto_watch_create INTEGER NOT NULL DEFAULT 1,
		auto_watch_assign INTEGER NOT NULL DEFAULT 1,
		auto_watch_comment INTEGER NOT NULL DEFAULT 0,
		quiet_hours_start TEXT NOT NULL DEFAULT '',
		quiet_hours_end TEXT NOT NULL DEFAULT ''
	);`
	_, err := s.writer().Exec(schema)
	return err
}

func (s *Store) initTopologySchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS regions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		region_id TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.writer().Exec(schema)
	return err
}

func (s *Store) ensureIndexes() error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(status, priority DESC, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_batch_id ON tasks(batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_hierarchy_path ON tasks(hierarchy_path)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_scheduled_for ON tasks(scheduled_for)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook ON webhook_deliveries(webhook_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_task_worklog_task ON task_worklog(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_watchers_task ON task_watchers(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_watch_events_user ON watch_events(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_worker_failures_worker ON worker_failures(worker_id)`,
	}
	for _, idx := range indexes {
		if _, err := s.writer().Exec(idx); err != nil {
			return err
		}
	}
	return nil
}
