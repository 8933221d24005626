// Package core wires the store, event bus, scheduler, discovery engine,
// validation controller, and convergence coordinator into the shared-state
// service workers and admins talk to. Every mutation goes through the store's
// compare-and-swap primitives, so the core itself can be called concurrently.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tributarylabs/tributary/internal/config"
	"github.com/tributarylabs/tributary/internal/convergence"
	"github.com/tributarylabs/tributary/internal/discovery"
	"github.com/tributarylabs/tributary/internal/events"
	"github.com/tributarylabs/tributary/internal/resolve"
	"github.com/tributarylabs/tributary/internal/scheduler"
	"github.com/tributarylabs/tributary/internal/store"
	"github.com/tributarylabs/tributary/internal/task"
	"github.com/tributarylabs/tributary/internal/validation"
	"github.com/tributarylabs/tributary/internal/workspace"
)

// Core is the scheduling service.
type Core struct {
	cfg       *config.Config
	store     store.Store
	bus       *events.Bus
	ws        workspace.Workspace
	escalator resolve.Escalator
	capacity  *scheduler.Capacity
	assigner  *scheduler.Assigner
	discovery *discovery.Engine
	validator *validation.Controller
	converge  *convergence.Coordinator
	log       *zap.Logger
}

// busEscalator forwards escalations to the configured escalator and mirrors
// each one on the event bus so subscribers see loop-breaker trips live.
type busEscalator struct {
	inner resolve.Escalator
	bus   *events.Bus
}

func (e *busEscalator) Escalate(ctx context.Context, esc resolve.Escalation) {
	e.inner.Escalate(ctx, esc)
	e.bus.Publish(events.TopicTask, events.EscalationEvent{
		ID:        esc.EntityID,
		Reason:    esc.Reason,
		Evidence:  esc.Evidence,
		Timestamp: time.Now().UTC(),
	})
}

// New builds a core service around the given store and collaborators.
func New(cfg *config.Config, st store.Store, ws workspace.Workspace, resolver resolve.Resolver, esc resolve.Escalator, log *zap.Logger) *Core {
	bus := events.NewBus()
	escalator := &busEscalator{inner: esc, bus: bus}
	capacity := scheduler.NewCapacity(cfg.Capacity.MaxConcurrent, cfg.Capacity.OvercapLimit, st, log)
	return &Core{
		cfg:       cfg,
		store:     st,
		bus:       bus,
		ws:        ws,
		escalator: escalator,
		capacity:  capacity,
		assigner:  scheduler.NewAssigner(st, capacity, cfg.Scoring, cfg.FairShare, log),
		discovery: discovery.NewEngine(st, cfg.Discovery, log),
		validator: validation.NewController(st, cfg.Validation, escalator, log),
		converge:  convergence.NewCoordinator(st, ws, resolver, escalator, bus, cfg.Convergence, log),
		log:       log,
	}
}

// Events exposes the bus so callers can subscribe to lifecycle events.
func (c *Core) Events() *events.Bus { return c.bus }

// Close shuts down the event bus. The store is owned by the caller.
func (c *Core) Close() { c.bus.Close() }

// SubmitTask adds a single task to the graph.
func (c *Core) SubmitTask(ctx context.Context, t *task.Task) error {
	return c.SubmitTasks(ctx, []*task.Task{t})
}

// SubmitTasks adds a batch of tasks after validating the dependency graph.
// Dependencies may point at other tasks in the batch or at tasks already
// stored; a cycle or an unknown dependency rejects the whole batch. Tasks
// whose dependencies are already satisfied are promoted to QUEUED immediately.
func (c *Core) SubmitTasks(ctx context.Context, tasks []*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	inBatch := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		if t.TicketID == "" {
			return fmt.Errorf("task %s: ticket id is required", t.ID)
		}
		if !t.Priority.Valid() {
			return fmt.Errorf("task %s: invalid priority %q", t.ID, t.Priority)
		}
		if t.Status != task.StatusPending {
			return fmt.Errorf("task %s: submitted tasks must be PENDING, got %s", t.ID, t.Status)
		}
		inBatch[t.ID] = t
	}

	// Cycle detection covers the batch; edges into already-stored tasks
	// cannot close a cycle because stored tasks never gain new dependencies.
	local := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		cp := t.Clone()
		cp.DependsOn = cp.DependsOn[:0]
		for _, depID := range t.DependsOn {
			if _, ok := inBatch[depID]; ok {
				cp.DependsOn = append(cp.DependsOn, depID)
				continue
			}
			if _, err := c.store.GetTask(ctx, depID); err != nil {
				return fmt.Errorf("task %s depends on %s: %w", t.ID, depID, err)
			}
		}
		local = append(local, cp)
	}

	order, err := scheduler.ValidateGraph(local)
	if err != nil {
		return fmt.Errorf("rejecting batch: %w", err)
	}

	for _, id := range order {
		t := inBatch[id]
		if err := c.store.SaveTask(ctx, t); err != nil {
			return fmt.Errorf("saving task %s: %w", id, err)
		}
		c.publishTask(events.EventTypeTaskCreated, t)
	}

	return c.promote(ctx)
}

// RequestAssignment claims the best eligible task for a worker, or returns
// (nil, nil) when nothing is claimable right now. Capacity exhaustion is not
// an error: the work stays queued.
func (c *Core) RequestAssignment(ctx context.Context, w scheduler.Worker) (*task.Task, error) {
	claimed, err := c.assigner.Assign(ctx, w)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, nil
	}
	c.publishTask(events.EventTypeTaskAssigned, claimed)
	return claimed, nil
}

// StartTask moves an assigned task into execution. The task gets its own
// worktree and branch so its changes stay isolated until a join merges them.
func (c *Core) StartTask(ctx context.Context, taskID, workerID string) error {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusAssigned {
		return &IneligibleError{TaskID: taskID, Op: "start", Status: t.Status, Reason: "only an ASSIGNED task can start"}
	}
	if t.WorkerID != workerID {
		return &IneligibleError{TaskID: taskID, Op: "start", Status: t.Status, Reason: "task is assigned to worker " + t.WorkerID}
	}

	info, err := c.ws.CreateWorktree(ctx, taskID)
	if err != nil {
		return fmt.Errorf("creating worktree for %s: %w", taskID, err)
	}
	if err := c.store.UpdateTaskStatus(ctx, taskID, task.StatusAssigned, task.StatusInProgress); err != nil {
		if cerr := c.ws.Cleanup(ctx, info); cerr != nil {
			c.log.Warn("worktree cleanup after lost start race failed",
				zap.String("task_id", taskID), zap.Error(cerr))
		}
		return err
	}
	t.Status = task.StatusInProgress
	c.publishTask(events.EventTypeTaskStarted, t)
	return nil
}

// ReportResult records the outcome of an in-progress task and drives the
// follow-on machinery: exactly-once result persistence, validation feedback,
// discovery spawning, capacity release, and dependent promotion.
func (c *Core) ReportResult(ctx context.Context, taskID string, res *task.Result) error {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusInProgress {
		return &IneligibleError{TaskID: taskID, Op: "report", Status: t.Status, Reason: "results are only accepted from IN_PROGRESS tasks"}
	}
	return c.finishTask(ctx, t, res, task.StatusInProgress)
}

// SubmitForReview hands an in-progress task to validation.
func (c *Core) SubmitForReview(ctx context.Context, taskID string) error {
	if err := c.store.UpdateTaskStatus(ctx, taskID, task.StatusInProgress, task.StatusUnderReview); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return c.ineligible(ctx, taskID, "review", "only an IN_PROGRESS task can enter review")
		}
		return err
	}
	return nil
}

// StartValidation claims a task awaiting review for a validator.
func (c *Core) StartValidation(ctx context.Context, taskID string) error {
	if err := c.store.UpdateTaskStatus(ctx, taskID, task.StatusUnderReview, task.StatusValidationInProgress); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return c.ineligible(ctx, taskID, "validate", "only an UNDER_REVIEW task can start validation")
		}
		return err
	}
	return nil
}

// CompleteValidation records a validator's verdict. A pass completes the
// task; needs-work (unsuccessful but not a validation failure) sends it back
// to IN_PROGRESS without a result; a validation failure terminates the task
// and feeds the fix/re-check controller.
func (c *Core) CompleteValidation(ctx context.Context, taskID string, res *task.Result) error {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusValidationInProgress {
		return &IneligibleError{TaskID: taskID, Op: "complete-validation", Status: t.Status, Reason: "no validation in progress"}
	}

	if !res.Success && !res.ValidationFailed {
		// Needs work: the task goes back to execution and keeps its slot.
		// No result is recorded; results exist only for terminal tasks.
		if err := c.store.UpdateTaskStatus(ctx, taskID, task.StatusValidationInProgress, task.StatusInProgress); err != nil {
			return err
		}
		t.Status = task.StatusInProgress
		c.publishTask(events.EventTypeTaskStarted, t)
		return nil
	}

	return c.finishTask(ctx, t, res, task.StatusValidationInProgress)
}

// finishTask persists the result, transitions the task to its terminal
// status, and runs the follow-on machinery shared by the report and
// validation paths.
func (c *Core) finishTask(ctx context.Context, t *task.Task, res *task.Result, from task.Status) error {
	res.TaskID = t.ID
	if res.ReportedAt.IsZero() {
		res.ReportedAt = time.Now().UTC()
	}
	if err := c.store.SaveResult(ctx, res); err != nil {
		return err
	}

	to := task.StatusCompleted
	eventType := events.EventTypeTaskCompleted
	if res.ValidationFailed || !res.Success {
		to = task.StatusFailed
		eventType = events.EventTypeTaskFailed
	}
	if err := c.store.UpdateTaskStatus(ctx, t.ID, from, to); err != nil {
		return err
	}
	t.Status = to
	c.capacity.Release()
	c.publishTask(eventType, t)

	switch {
	case res.ValidationFailed:
		if _, err := c.validator.HandleFailure(ctx, t, res); err != nil {
			return fmt.Errorf("handling validation failure for %s: %w", t.ID, err)
		}
	case to == task.StatusCompleted:
		if err := c.validator.HandlePass(ctx, t); err != nil {
			return fmt.Errorf("handling validation pass for %s: %w", t.ID, err)
		}
	}

	if len(res.Discoveries) > 0 {
		spawned, err := c.discovery.Process(ctx, t, res.Discoveries)
		if err != nil {
			return fmt.Errorf("processing discoveries from %s: %w", t.ID, err)
		}
		for _, s := range spawned {
			c.publishTask(events.EventTypeTaskCreated, s)
		}
	}

	return c.promote(ctx)
}

// promote moves dependency-satisfied PENDING tasks to QUEUED and announces
// them. Joins are recorded first: a multi-predecessor task must be held by
// its convergence point from the moment it exists, not from whenever the
// next background scan happens to run.
func (c *Core) promote(ctx context.Context) error {
	if _, err := c.converge.DetectJoins(ctx); err != nil {
		return fmt.Errorf("detecting joins: %w", err)
	}

	promoted, err := c.assigner.PromoteEligible(ctx)
	if err != nil {
		return fmt.Errorf("promoting eligible tasks: %w", err)
	}
	for _, p := range promoted {
		c.publishTask(events.EventTypeTaskQueued, p)
	}
	if len(promoted) > 0 {
		// Queue membership changed; refresh scores and ranks right away
		// instead of waiting for the next rescore tick.
		if _, err := c.assigner.RescoreQueued(ctx); err != nil {
			return fmt.Errorf("rescoring after promotion: %w", err)
		}
	}
	return nil
}

// cleanupWorktree removes a task's worktree if one exists. Best-effort: the
// task already reached its terminal state, a leftover checkout is only noise.
func (c *Core) cleanupWorktree(ctx context.Context, taskID string) {
	trees, err := c.ws.List(ctx)
	if err != nil {
		c.log.Warn("worktree listing failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	for i := range trees {
		if trees[i].TaskID != taskID {
			continue
		}
		if err := c.ws.Cleanup(ctx, &trees[i]); err != nil {
			c.log.Warn("worktree cleanup failed", zap.String("task_id", taskID), zap.Error(err))
		}
		return
	}
}

// ineligible re-reads the task to attach its actual status to the error.
func (c *Core) ineligible(ctx context.Context, taskID, op, reason string) error {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return &IneligibleError{TaskID: taskID, Op: op, Status: t.Status, Reason: reason}
}

func (c *Core) publishTask(eventType string, t *task.Task) {
	c.bus.Publish(events.TopicTask, events.TaskEvent{
		Type:      eventType,
		ID:        t.ID,
		TicketID:  t.TicketID,
		Phase:     t.Phase,
		Status:    string(t.Status),
		WorkerID:  t.WorkerID,
		Timestamp: time.Now().UTC(),
	})
}
