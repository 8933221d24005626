package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// IncrementSignature bumps the per-signature failure counter and returns the
// new count. The upsert keeps this atomic under concurrent reporters.
func (s *SQLiteStore) IncrementSignature(ctx context.Context, signature string) (int, error) {
	now := timeToDB(time.Now().UTC())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_signatures (signature, count, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(signature) DO UPDATE SET
			count = count + 1,
			updated_at = excluded.updated_at
	`, signature, now)
	if err != nil {
		return 0, fmt.Errorf("failed to increment signature: %w", err)
	}

	var count int
	err = s.db.QueryRowContext(ctx, `SELECT count FROM failure_signatures WHERE signature = ?`, signature).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read signature count: %w", err)
	}
	return count, nil
}

// ClearSignature resets a signature counter after a validation pass.
func (s *SQLiteStore) ClearSignature(ctx context.Context, signature string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM failure_signatures WHERE signature = ?`, signature)
	if err != nil {
		return fmt.Errorf("failed to clear signature: %w", err)
	}
	return nil
}

// AppendAudit records an intervention (who, what, why) for later reconstruction.
func (s *SQLiteStore) AppendAudit(ctx context.Context, actor, action, entityID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, entity_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, actor, action, entityID, reason, timeToDB(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries for an entity, oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, entityID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, entity_id, reason, created_at
		FROM audit_log WHERE entity_id = ? ORDER BY id
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e         AuditEntry
			createdAt sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.EntityID, &e.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.CreatedAt = timeFromDB(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
