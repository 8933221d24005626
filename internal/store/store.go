// Package store persists tasks, results, convergence points, merge attempts,
// failure signatures, and the audit log. All state transitions that must be
// serialized per entity go through compare-and-swap updates here.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tributarylabs/tributary/internal/task"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a compare-and-swap update loses the race:
// the record was not in the expected state.
var ErrConflict = errors.New("state conflict")

// AuditEntry records a manual or automatic intervention for later reconstruction.
type AuditEntry struct {
	ID        int64
	Actor     string
	Action    string
	EntityID  string
	Reason    string
	CreatedAt time.Time
}

// Store is the durable, indexed record of scheduler state.
type Store interface {
	// Tasks
	SaveTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error)
	ListTasksByTicket(ctx context.Context, ticketID string) ([]*task.Task, error)

	// UpdateTaskStatus transitions a task from an expected status to a new one
	// atomically. Returns ErrConflict if the task is not in the expected status.
	UpdateTaskStatus(ctx context.Context, id string, from, to task.Status) error

	// ClaimTask atomically assigns a task to a worker. Returns ErrConflict if
	// another claim won. This is the single serialization point guaranteeing
	// no task is ever assigned to two workers.
	ClaimTask(ctx context.Context, id string, from, to task.Status, workerID string) error

	// UpdateTaskScore persists a recomputed dispatch score and queue rank.
	UpdateTaskScore(ctx context.Context, id string, score float64, rank int) error

	// DependentsOf returns the tasks whose DependsOn contains id.
	DependentsOf(ctx context.Context, id string) ([]*task.Task, error)

	// SoleBlockerCount counts non-terminal tasks whose only unmet dependency is id.
	SoleBlockerCount(ctx context.Context, id string) (int, error)

	// Results
	SaveResult(ctx context.Context, r *task.Result) error
	GetResult(ctx context.Context, taskID string) (*task.Result, error)

	// Convergence points
	SaveConvergencePoint(ctx context.Context, cp *task.ConvergencePoint) error
	GetConvergencePoint(ctx context.Context, id string) (*task.ConvergencePoint, error)
	GetConvergenceByDownstream(ctx context.Context, downstreamID string) (*task.ConvergencePoint, error)
	ListConvergenceByStatus(ctx context.Context, statuses ...task.ConvergenceStatus) ([]*task.ConvergencePoint, error)

	// ClaimConvergence atomically moves a convergence point between states so
	// at most one coordinator works a join at a time.
	ClaimConvergence(ctx context.Context, id string, from, to task.ConvergenceStatus, reason string) error

	// Merge attempts (append-only)
	AppendMergeAttempt(ctx context.Context, ma *task.MergeAttempt) error
	ListMergeAttempts(ctx context.Context, convergenceID string) ([]*task.MergeAttempt, error)

	// Failure signatures
	IncrementSignature(ctx context.Context, signature string) (int, error)
	ClearSignature(ctx context.Context, signature string) error

	// Audit log
	AppendAudit(ctx context.Context, actor, action, entityID, reason string) error
	ListAudit(ctx context.Context, entityID string) ([]AuditEntry, error)

	Close() error
}
