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

// SaveConvergencePoint inserts or updates a convergence point.
// The downstream_id UNIQUE constraint makes join detection idempotent:
// re-scanning an unchanged graph cannot create a duplicate point.
func (s *SQLiteStore) SaveConvergencePoint(ctx context.Context, cp *task.ConvergencePoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO convergence_points (id, downstream_id, predecessor_ids, status, reason, created_at, updated_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(downstream_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			updated_at = excluded.updated_at,
			resolved_at = excluded.resolved_at
	`, cp.ID, cp.DownstreamID, strings.Join(cp.PredecessorIDs, ","), string(cp.Status), cp.Reason,
		timeToDB(cp.CreatedAt), timeToDB(cp.UpdatedAt), timeToDB(cp.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to save convergence point: %w", err)
	}
	return nil
}

// GetConvergencePoint retrieves a convergence point by ID.
func (s *SQLiteStore) GetConvergencePoint(ctx context.Context, id string) (*task.ConvergencePoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, downstream_id, predecessor_ids, status, reason, created_at, updated_at, resolved_at
		FROM convergence_points WHERE id = ?
	`, id)
	cp, err := scanConvergence(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("convergence point %s: %w", id, ErrNotFound)
	}
	return cp, err
}

// GetConvergenceByDownstream retrieves the convergence point holding a downstream task.
func (s *SQLiteStore) GetConvergenceByDownstream(ctx context.Context, downstreamID string) (*task.ConvergencePoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, downstream_id, predecessor_ids, status, reason, created_at, updated_at, resolved_at
		FROM convergence_points WHERE downstream_id = ?
	`, downstreamID)
	cp, err := scanConvergence(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("convergence for task %s: %w", downstreamID, ErrNotFound)
	}
	return cp, err
}

// ListConvergenceByStatus returns convergence points in any of the given statuses.
func (s *SQLiteStore) ListConvergenceByStatus(ctx context.Context, statuses ...task.ConvergenceStatus) ([]*task.ConvergencePoint, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, downstream_id, predecessor_ids, status, reason, created_at, updated_at, resolved_at
		FROM convergence_points WHERE status IN (`+placeholders+`) ORDER BY created_at
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query convergence points: %w", err)
	}
	defer rows.Close()

	var points []*task.ConvergencePoint
	for rows.Next() {
		cp, err := scanConvergence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan convergence point: %w", err)
		}
		points = append(points, cp)
	}
	return points, rows.Err()
}

// ClaimConvergence atomically moves a convergence point between states.
// The compare-and-swap guarantees at most one coordinator merges a join.
func (s *SQLiteStore) ClaimConvergence(ctx context.Context, id string, from, to task.ConvergenceStatus, reason string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := timeToDB(time.Now().UTC())
	query := `UPDATE convergence_points SET status = ?, reason = ?, updated_at = ?`
	args := []any{string(to), reason, now}
	if to.IsTerminal() {
		query += `, resolved_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update convergence point: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var exists int
		if scanErr := tx.QueryRowContext(ctx, `SELECT 1 FROM convergence_points WHERE id = ?`, id).Scan(&exists); scanErr == sql.ErrNoRows {
			return fmt.Errorf("convergence point %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("convergence point %s not in status %s: %w", id, from, ErrConflict)
	}

	return tx.Commit()
}

// AppendMergeAttempt writes an audit record. Attempts are append-only:
// there is no update path, a retry writes a new attempt.
func (s *SQLiteStore) AppendMergeAttempt(ctx context.Context, ma *task.MergeAttempt) error {
	order, err := json.Marshal(ma.MergeOrder)
	if err != nil {
		return fmt.Errorf("failed to encode merge order: %w", err)
	}
	scores, err := json.Marshal(ma.ConflictScores)
	if err != nil {
		return fmt.Errorf("failed to encode conflict scores: %w", err)
	}
	log, err := json.Marshal(ma.ResolutionLog)
	if err != nil {
		return fmt.Errorf("failed to encode resolution log: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merge_attempts (id, convergence_id, merge_order, conflict_scores, success,
			resolution_calls, resolution_log, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ma.ID, ma.ConvergenceID, string(order), string(scores), boolToInt(ma.Success),
		ma.ResolutionCalls, string(log), ma.Error,
		timeToDB(ma.CreatedAt), timeToDB(ma.StartedAt), timeToDB(ma.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to append merge attempt: %w", err)
	}
	return nil
}

// ListMergeAttempts returns all attempts for a convergence point, oldest first.
func (s *SQLiteStore) ListMergeAttempts(ctx context.Context, convergenceID string) ([]*task.MergeAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, convergence_id, merge_order, conflict_scores, success,
			resolution_calls, resolution_log, error, created_at, started_at, completed_at
		FROM merge_attempts WHERE convergence_id = ? ORDER BY created_at
	`, convergenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query merge attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*task.MergeAttempt
	for rows.Next() {
		var (
			ma                               task.MergeAttempt
			order, scores, log               string
			success                          int
			createdAt, startedAt, completedAt sql.NullString
		)
		if err := rows.Scan(&ma.ID, &ma.ConvergenceID, &order, &scores, &success,
			&ma.ResolutionCalls, &log, &ma.Error, &createdAt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan merge attempt: %w", err)
		}
		ma.Success = success != 0
		ma.CreatedAt = timeFromDB(createdAt)
		ma.StartedAt = timeFromDB(startedAt)
		ma.CompletedAt = timeFromDB(completedAt)
		if err := json.Unmarshal([]byte(order), &ma.MergeOrder); err != nil {
			return nil, fmt.Errorf("failed to decode merge order: %w", err)
		}
		if err := json.Unmarshal([]byte(scores), &ma.ConflictScores); err != nil {
			return nil, fmt.Errorf("failed to decode conflict scores: %w", err)
		}
		if err := json.Unmarshal([]byte(log), &ma.ResolutionLog); err != nil {
			return nil, fmt.Errorf("failed to decode resolution log: %w", err)
		}
		attempts = append(attempts, &ma)
	}
	return attempts, rows.Err()
}

func scanConvergence(sc scanner) (*task.ConvergencePoint, error) {
	var (
		cp                               task.ConvergencePoint
		preds, status                    string
		createdAt, updatedAt, resolvedAt sql.NullString
	)
	err := sc.Scan(&cp.ID, &cp.DownstreamID, &preds, &status, &cp.Reason, &createdAt, &updatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	cp.Status = task.ConvergenceStatus(status)
	cp.CreatedAt = timeFromDB(createdAt)
	cp.UpdatedAt = timeFromDB(updatedAt)
	cp.ResolvedAt = timeFromDB(resolvedAt)
	if preds != "" {
		cp.PredecessorIDs = strings.Split(preds, ",")
	}
	return &cp, nil
}
