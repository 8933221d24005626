package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/tributarylabs/tributary/internal/events"
	"github.com/tributarylabs/tributary/internal/store"
	"github.com/tributarylabs/tributary/internal/task"
)

// QueueSnapshot is a point-in-time view of the queue for operators.
type QueueSnapshot struct {
	Counts      map[task.Status]int
	ActiveSlots int
	MaxSlots    int
	TopQueued   []*task.Task
}

const topQueuedLimit = 10

var allStatuses = []task.Status{
	task.StatusPending, task.StatusQueued, task.StatusAssigned,
	task.StatusInProgress, task.StatusUnderReview, task.StatusValidationInProgress,
	task.StatusCompleted, task.StatusFailed, task.StatusCancelled,
}

// QueueStatus reports per-status counts, capacity usage, and the highest
// scored queued tasks.
func (c *Core) QueueStatus(ctx context.Context) (*QueueSnapshot, error) {
	// Re-derive slot usage from the store so the report is accurate even
	// when another process did the dispatching.
	if err := c.capacity.Sync(ctx); err != nil {
		return nil, err
	}

	tasks, err := c.store.ListTasksByStatus(ctx, allStatuses...)
	if err != nil {
		return nil, err
	}

	snap := &QueueSnapshot{
		Counts:      make(map[task.Status]int, len(allStatuses)),
		ActiveSlots: c.capacity.Active(),
		MaxSlots:    c.capacity.Max(),
	}
	var queued []*task.Task
	for _, t := range tasks {
		snap.Counts[t.Status]++
		if t.Status == task.StatusQueued {
			queued = append(queued, t)
		}
	}

	sort.SliceStable(queued, func(i, j int) bool {
		if queued[i].Score != queued[j].Score {
			return queued[i].Score > queued[j].Score
		}
		return queued[i].EnqueuedAt.Before(queued[j].EnqueuedAt)
	})
	if len(queued) > topQueuedLimit {
		queued = queued[:topQueuedLimit]
	}
	snap.TopQueued = queued
	return snap, nil
}

// BumpTask starts a queued task immediately through the audited overcap path.
// The slot is acquired before the claim and rolled back if the claim loses,
// so active count stays consistent either way.
func (c *Core) BumpTask(ctx context.Context, taskID, actor, reason string) error {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusQueued {
		return &IneligibleError{TaskID: taskID, Op: "bump", Status: t.Status, Reason: "only a QUEUED task can be bumped"}
	}

	if err := c.capacity.BumpAcquire(ctx, actor, reason, taskID); err != nil {
		return fmt.Errorf("bumping task %s: %w", taskID, err)
	}
	if err := c.store.ClaimTask(ctx, taskID, task.StatusQueued, task.StatusAssigned, "bump:"+actor); err != nil {
		c.capacity.Release()
		return err
	}

	t.Status = task.StatusAssigned
	t.WorkerID = "bump:" + actor
	c.publishTask(events.EventTypeTaskAssigned, t)
	c.log.Info("task bump-started",
		zap.String("task_id", taskID),
		zap.String("actor", actor),
		zap.String("reason", reason))
	return nil
}

// CancelQueued cancels a task that has not been claimed yet, removing it
// from all further scoring.
func (c *Core) CancelQueued(ctx context.Context, taskID, actor, reason string) error {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusPending && t.Status != task.StatusQueued {
		return &IneligibleError{TaskID: taskID, Op: "cancel", Status: t.Status, Reason: "task is already claimed; use CancelRunning"}
	}
	return c.cancel(ctx, t, actor, reason, false)
}

// CancelRunning cancels a claimed or executing task. The capacity slot is
// released; if the task fed a convergence point, the next scan short-circuits
// that join rather than waiting forever.
func (c *Core) CancelRunning(ctx context.Context, taskID, actor, reason string) error {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch t.Status {
	case task.StatusAssigned, task.StatusInProgress, task.StatusUnderReview:
	default:
		return &IneligibleError{TaskID: taskID, Op: "cancel", Status: t.Status, Reason: "task is not running"}
	}
	return c.cancel(ctx, t, actor, reason, true)
}

func (c *Core) cancel(ctx context.Context, t *task.Task, actor, reason string, releaseSlot bool) error {
	if err := c.store.UpdateTaskStatus(ctx, t.ID, t.Status, task.StatusCancelled); err != nil {
		return err
	}
	if releaseSlot {
		c.capacity.Release()
	}
	if err := c.store.AppendAudit(ctx, actor, "cancel", t.ID, reason); err != nil {
		return fmt.Errorf("recording cancel audit: %w", err)
	}
	t.Status = task.StatusCancelled
	c.publishTask(events.EventTypeTaskCancelled, t)
	c.cleanupWorktree(ctx, t.ID)
	return nil
}

// RestartTerminal clones a terminal task into a fresh PENDING one. The clone
// keeps the dependency set and deadline but resets the retry counter; the
// original stays in place as history, linked through ParentID.
func (c *Core) RestartTerminal(ctx context.Context, taskID, actor, reason string) (*task.Task, error) {
	old, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !old.Status.IsTerminal() {
		return nil, &IneligibleError{TaskID: taskID, Op: "restart", Status: old.Status, Reason: "only a terminal task can be restarted"}
	}

	clone := task.New(old.TicketID, old.Phase, old.Description, old.Priority)
	clone.ParentID = old.ID
	clone.DependsOn = append([]string(nil), old.DependsOn...)
	clone.Capabilities = append([]string(nil), old.Capabilities...)
	clone.Deadline = old.Deadline
	clone.MaxRetries = old.MaxRetries
	for k, v := range old.Metadata {
		clone.Metadata[k] = v
	}

	if err := c.store.SaveTask(ctx, clone); err != nil {
		return nil, fmt.Errorf("saving restarted task: %w", err)
	}
	if err := c.store.AppendAudit(ctx, actor, "restart", old.ID, reason); err != nil {
		return nil, fmt.Errorf("recording restart audit: %w", err)
	}
	c.publishTask(events.EventTypeTaskCreated, clone)

	if err := c.promote(ctx); err != nil {
		return nil, err
	}
	return clone, nil
}

// TerminateWorker ends every task currently held by a worker and releases
// their slots. Tasks in validation cannot be cancelled mid-verdict, so those
// fail instead; either way the slot comes back. Returns the number of tasks
// terminated.
func (c *Core) TerminateWorker(ctx context.Context, workerID, actor, reason string) (int, error) {
	active, err := c.store.ListTasksByStatus(ctx,
		task.StatusAssigned, task.StatusInProgress, task.StatusUnderReview, task.StatusValidationInProgress)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, t := range active {
		if t.WorkerID != workerID {
			continue
		}
		to := task.StatusCancelled
		eventType := events.EventTypeTaskCancelled
		if t.Status == task.StatusValidationInProgress {
			to = task.StatusFailed
			eventType = events.EventTypeTaskFailed
		}
		if err := c.store.UpdateTaskStatus(ctx, t.ID, t.Status, to); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue // Task moved on concurrently; nothing to release.
			}
			return cancelled, err
		}
		c.capacity.Release()
		if err := c.store.AppendAudit(ctx, actor, "terminate_worker", t.ID, reason); err != nil {
			return cancelled, fmt.Errorf("recording terminate audit: %w", err)
		}
		t.Status = to
		c.publishTask(eventType, t)
		c.cleanupWorktree(ctx, t.ID)
		cancelled++
	}

	c.log.Warn("worker terminated",
		zap.String("worker_id", workerID),
		zap.String("actor", actor),
		zap.Int("tasks_cancelled", cancelled))
	return cancelled, nil
}
