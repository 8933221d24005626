package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tributarylabs/tributary/internal/task"
)

const taskColumns = `id, ticket_id, phase, description, priority, score, status, worker_id,
	created_at, enqueued_at, started_at, completed_at, deadline,
	retry_count, max_retries, parent_id, capabilities, metadata, boosted, queue_rank`

// SaveTask inserts or updates a task and its dependency edges.
// Uses ON CONFLICT to make saves idempotent. Dependency edges are only ever
// inserted, preserving the append-only invariant of the graph.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *task.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ticket_id = excluded.ticket_id,
			phase = excluded.phase,
			description = excluded.description,
			priority = excluded.priority,
			score = excluded.score,
			status = excluded.status,
			worker_id = excluded.worker_id,
			enqueued_at = excluded.enqueued_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			deadline = excluded.deadline,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			parent_id = excluded.parent_id,
			capabilities = excluded.capabilities,
			metadata = excluded.metadata,
			boosted = excluded.boosted,
			queue_rank = excluded.queue_rank
	`,
		t.ID, t.TicketID, t.Phase, t.Description, string(t.Priority), t.Score, string(t.Status), t.WorkerID,
		timeToDB(t.CreatedAt), timeToDB(t.EnqueuedAt), timeToDB(t.StartedAt), timeToDB(t.CompletedAt), timeToDB(t.Deadline),
		t.RetryCount, t.MaxRetries, t.ParentID, strings.Join(t.Capabilities, ","), string(metadata), boolToInt(t.Boosted), t.QueueRank)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	for _, depID := range t.DependsOn {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("dependency task %s does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
			ON CONFLICT(task_id, depends_on_id) DO NOTHING
		`, t.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if err := s.loadDependencies(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasksByStatus returns all tasks in any of the given statuses, with dependencies.
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	return s.collectTasks(ctx, rows)
}

// ListTasksByTicket returns all tasks belonging to an owning ticket.
func (s *SQLiteStore) ListTasksByTicket(ctx context.Context, ticketID string) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE ticket_id = ? ORDER BY created_at`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	return s.collectTasks(ctx, rows)
}

// UpdateTaskStatus transitions a task between statuses atomically.
// The WHERE status = ? clause is the compare-and-swap: a concurrent
// transition makes RowsAffected zero and the caller gets ErrConflict.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, from, to task.Status) error {
	return s.casTask(ctx, id, from, to, "")
}

// ClaimTask atomically assigns a task to a worker.
func (s *SQLiteStore) ClaimTask(ctx context.Context, id string, from, to task.Status, workerID string) error {
	return s.casTask(ctx, id, from, to, workerID)
}

func (s *SQLiteStore) casTask(ctx context.Context, id string, from, to task.Status, workerID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := timeToDB(time.Now().UTC())

	query := `UPDATE tasks SET status = ?`
	args := []any{string(to)}
	if workerID != "" {
		query += `, worker_id = ?`
		args = append(args, workerID)
	}
	switch to {
	case task.StatusQueued:
		query += `, enqueued_at = ?`
		args = append(args, now)
	case task.StatusInProgress:
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	case task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a missing task from a lost race
		var exists int
		if scanErr := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists); scanErr == sql.ErrNoRows {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("task %s not in status %s: %w", id, from, ErrConflict)
	}

	return tx.Commit()
}

// UpdateTaskScore persists a recomputed dispatch score and queue rank.
func (s *SQLiteStore) UpdateTaskScore(ctx context.Context, id string, score float64, rank int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET score = ?, queue_rank = ? WHERE id = ?`, score, rank, id)
	if err != nil {
		return fmt.Errorf("failed to update task score: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// DependentsOf returns the tasks whose dependency set contains id.
func (s *SQLiteStore) DependentsOf(ctx context.Context, id string) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE id IN (SELECT task_id FROM task_dependencies WHERE depends_on_id = ?)
		ORDER BY created_at
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependents: %w", err)
	}
	return s.collectTasks(ctx, rows)
}

// SoleBlockerCount counts non-terminal tasks whose only unmet dependency is id.
// This rewards dispatching tasks that unblock the most downstream work.
func (s *SQLiteStore) SoleBlockerCount(ctx context.Context, id string) (int, error) {
	dependents, err := s.DependentsOf(ctx, id)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, dep := range dependents {
		if dep.Status.IsTerminal() {
			continue
		}
		soleBlocker := true
		for _, otherID := range dep.DependsOn {
			if otherID == id {
				continue
			}
			other, err := s.GetTask(ctx, otherID)
			if err != nil {
				return 0, err
			}
			if !other.Status.IsTerminalSuccess() {
				soleBlocker = false
				break
			}
		}
		if soleBlocker {
			count++
		}
	}
	return count, nil
}

// SaveResult stores the result for a completed or failed task.
// A second save for the same task is rejected: exactly one result per task.
func (s *SQLiteStore) SaveResult(ctx context.Context, r *task.Result) error {
	discoveries, err := json.Marshal(r.Discoveries)
	if err != nil {
		return fmt.Errorf("failed to encode discoveries: %w", err)
	}
	errs, err := json.Marshal(r.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode errors: %w", err)
	}
	metrics, err := json.Marshal(r.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_results (task_id, success, output, discoveries, validation_failed, errors, metrics, reported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.TaskID, boolToInt(r.Success), r.Output, string(discoveries), boolToInt(r.ValidationFailed), string(errs), string(metrics), timeToDB(r.ReportedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return fmt.Errorf("result for task %s already exists: %w", r.TaskID, ErrConflict)
		}
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// GetResult retrieves the result for a task.
func (s *SQLiteStore) GetResult(ctx context.Context, taskID string) (*task.Result, error) {
	var (
		r                          task.Result
		success, validationFailed  int
		discoveries, errs, metrics string
		reportedAt                 sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, success, output, discoveries, validation_failed, errors, metrics, reported_at
		FROM task_results WHERE task_id = ?
	`, taskID).Scan(&r.TaskID, &success, &r.Output, &discoveries, &validationFailed, &errs, &metrics, &reportedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("result for task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query result: %w", err)
	}

	r.Success = success != 0
	r.ValidationFailed = validationFailed != 0
	r.ReportedAt = timeFromDB(reportedAt)
	if err := json.Unmarshal([]byte(discoveries), &r.Discoveries); err != nil {
		return nil, fmt.Errorf("failed to decode discoveries: %w", err)
	}
	if err := json.Unmarshal([]byte(errs), &r.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode errors: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
		return nil, fmt.Errorf("failed to decode metrics: %w", err)
	}

	return &r, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*task.Task, error) {
	var (
		t                                                 task.Task
		priority, status, capabilities, metadata          string
		createdAt, enqueuedAt, startedAt, completedAt, dl sql.NullString
		boosted                                           int
	)

	err := sc.Scan(&t.ID, &t.TicketID, &t.Phase, &t.Description, &priority, &t.Score, &status, &t.WorkerID,
		&createdAt, &enqueuedAt, &startedAt, &completedAt, &dl,
		&t.RetryCount, &t.MaxRetries, &t.ParentID, &capabilities, &metadata, &boosted, &t.QueueRank)
	if err != nil {
		return nil, err
	}

	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	t.CreatedAt = timeFromDB(createdAt)
	t.EnqueuedAt = timeFromDB(enqueuedAt)
	t.StartedAt = timeFromDB(startedAt)
	t.CompletedAt = timeFromDB(completedAt)
	t.Deadline = timeFromDB(dl)
	t.Boosted = boosted != 0
	if capabilities != "" {
		t.Capabilities = strings.Split(capabilities, ",")
	}
	if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	return &t, nil
}

func (s *SQLiteStore) collectTasks(ctx context.Context, rows *sql.Rows) ([]*task.Task, error) {
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	for _, t := range tasks {
		if err := s.loadDependencies(ctx, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, t *task.Task) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies WHERE task_id = ?
	`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	t.DependsOn = []string{}
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		t.DependsOn = append(t.DependsOn, depID)
	}
	return rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
