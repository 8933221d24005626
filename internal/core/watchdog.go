package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tributarylabs/tributary/internal/events"
	"github.com/tributarylabs/tributary/internal/resolve"
	"github.com/tributarylabs/tributary/internal/store"
	"github.com/tributarylabs/tributary/internal/task"
)

// checkTimeouts ends slot-holding tasks that have shown no progress for the
// configured timeout: workers vanish without reporting, and without this the
// slot stays occupied forever. An assigned or under-review task is cancelled;
// an executing or validating one fails, since work may have partially
// happened. Each timeout is audited and escalated.
func (c *Core) checkTimeouts(ctx context.Context) error {
	timeout := c.cfg.Watchdog.TaskTimeout
	if timeout <= 0 {
		return nil
	}

	active, err := c.store.ListTasksByStatus(ctx,
		task.StatusAssigned, task.StatusInProgress, task.StatusUnderReview, task.StatusValidationInProgress)
	if err != nil {
		return fmt.Errorf("listing slot-holding tasks: %w", err)
	}

	now := time.Now().UTC()
	for _, t := range active {
		since := t.StartedAt
		if since.IsZero() {
			since = t.EnqueuedAt
		}
		if since.IsZero() {
			since = t.CreatedAt
		}
		age := now.Sub(since)
		if age <= timeout {
			continue
		}

		to := task.StatusFailed
		eventType := events.EventTypeTaskFailed
		if t.Status == task.StatusAssigned || t.Status == task.StatusUnderReview {
			to = task.StatusCancelled
			eventType = events.EventTypeTaskCancelled
		}

		err := c.store.UpdateTaskStatus(ctx, t.ID, t.Status, to)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			continue // the task moved on its own, no timeout after all
		}
		if err != nil {
			return fmt.Errorf("timing out task %s: %w", t.ID, err)
		}

		c.capacity.Release()
		detail := fmt.Sprintf("no progress for %s in status %s (worker %s)", age.Round(time.Second), t.Status, t.WorkerID)
		if err := c.store.AppendAudit(ctx, "watchdog", "timeout", t.ID, detail); err != nil {
			return fmt.Errorf("recording timeout audit: %w", err)
		}
		c.escalator.Escalate(ctx, resolve.Escalation{
			EntityID: t.ID,
			Reason:   "task timed out",
			Evidence: detail,
		})
		from := t.Status
		t.Status = to
		c.publishTask(eventType, t)
		c.cleanupWorktree(ctx, t.ID)
		c.log.Warn("task timed out",
			zap.String("task_id", t.ID),
			zap.String("worker_id", t.WorkerID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Duration("age", age))
	}
	return nil
}
