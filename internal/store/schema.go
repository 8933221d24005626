package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// task_dependencies is append-only: edges are only ever added when a new
// downstream task is created, never removed or rewired.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		description TEXT NOT NULL,
		priority TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		enqueued_at TEXT,
		started_at TEXT,
		completed_at TEXT,
		deadline TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		parent_id TEXT NOT NULL DEFAULT '',
		capabilities TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		boosted INTEGER NOT NULL DEFAULT 0,
		queue_rank INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_ticket ON tasks(ticket_id);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(depends_on_id);

	CREATE TABLE IF NOT EXISTS task_results (
		task_id TEXT PRIMARY KEY,
		success INTEGER NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		discoveries TEXT NOT NULL DEFAULT '[]',
		validation_failed INTEGER NOT NULL DEFAULT 0,
		errors TEXT NOT NULL DEFAULT '[]',
		metrics TEXT NOT NULL DEFAULT '{}',
		reported_at TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS convergence_points (
		id TEXT PRIMARY KEY,
		downstream_id TEXT NOT NULL UNIQUE,
		predecessor_ids TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_convergence_status ON convergence_points(status);

	CREATE TABLE IF NOT EXISTS merge_attempts (
		id TEXT PRIMARY KEY,
		convergence_id TEXT NOT NULL,
		merge_order TEXT NOT NULL DEFAULT '[]',
		conflict_scores TEXT NOT NULL DEFAULT '{}',
		success INTEGER NOT NULL DEFAULT 0,
		resolution_calls INTEGER NOT NULL DEFAULT 0,
		resolution_log TEXT NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		FOREIGN KEY (convergence_id) REFERENCES convergence_points(id)
	);

	CREATE INDEX IF NOT EXISTS idx_merge_attempts_convergence ON merge_attempts(convergence_id);

	CREATE TABLE IF NOT EXISTS failure_signatures (
		signature TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
