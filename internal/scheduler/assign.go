package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tributarylabs/tributary/internal/config"
	"github.com/tributarylabs/tributary/internal/scoring"
	"github.com/tributarylabs/tributary/internal/store"
	"github.com/tributarylabs/tributary/internal/task"
)

// Worker describes a requesting worker: which phases it can execute and which
// capabilities it offers. Empty Phases means any phase.
type Worker struct {
	ID           string
	Phases       []string
	Capabilities []string
}

// Assigner matches queued tasks to requesting workers. Workers pull; each
// Assign call filters, ranks, and atomically claims at most one task.
type Assigner struct {
	store    store.Store
	capacity *Capacity
	scoring  config.ScoringConfig
	fair     config.FairShareConfig
	log      *zap.Logger
}

// NewAssigner creates an assignment engine over the given store and capacity.
func NewAssigner(st store.Store, capacity *Capacity, scoringCfg config.ScoringConfig, fairCfg config.FairShareConfig, log *zap.Logger) *Assigner {
	return &Assigner{
		store:    st,
		capacity: capacity,
		scoring:  scoringCfg,
		fair:     fairCfg,
		log:      log,
	}
}

// Assign returns the best eligible task for the worker, or nil when nothing
// is available. The claim is atomic with respect to the capacity counter: a
// slot is acquired before claiming and released if no claim succeeds, so no
// two workers can be assigned the same task and the ceiling is never
// silently exceeded.
func (a *Assigner) Assign(ctx context.Context, w Worker) (*task.Task, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("worker ID required")
	}

	ok, err := a.capacity.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	claimed, err := a.claimBest(ctx, w)
	if err != nil || claimed == nil {
		a.capacity.Release()
		return nil, err
	}
	return claimed, nil
}

func (a *Assigner) claimBest(ctx context.Context, w Worker) (*task.Task, error) {
	queued, err := a.store.ListTasksByStatus(ctx, task.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("listing queued tasks: %w", err)
	}
	if len(queued) == 0 {
		return nil, nil
	}

	activePerTicket, err := a.activePerTicket(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	candidates := make([]*task.Task, 0, len(queued))
	for _, t := range queued {
		if !phaseCompatible(w, t) || !capabilitiesSatisfied(w, t) {
			continue
		}
		met, err := a.dependenciesMet(ctx, t)
		if err != nil {
			return nil, err
		}
		if !met {
			continue
		}
		held, err := a.heldByConvergence(ctx, t)
		if err != nil {
			return nil, err
		}
		if held {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	for _, t := range candidates {
		blockers, err := a.store.SoleBlockerCount(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("counting blockers for %s: %w", t.ID, err)
		}
		t.Score = scoring.Score(t, blockers, now, a.scoring)
	}

	// Highest score first; FIFO on ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
	})

	for rank, t := range candidates {
		if err := a.store.UpdateTaskScore(ctx, t.ID, t.Score, rank); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("persisting score for %s: %w", t.ID, err)
		}
	}

	for _, t := range candidates {
		// Fair-share: skip tickets already at their concurrency allowance.
		if a.fair.MaxPerTicket > 0 && activePerTicket[t.TicketID] >= a.fair.MaxPerTicket {
			continue
		}

		err := a.store.ClaimTask(ctx, t.ID, task.StatusQueued, task.StatusAssigned, w.ID)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			continue // lost the race, try the next candidate
		}
		if err != nil {
			return nil, fmt.Errorf("claiming task %s: %w", t.ID, err)
		}

		t.Status = task.StatusAssigned
		t.WorkerID = w.ID
		a.log.Info("task assigned",
			zap.String("task_id", t.ID),
			zap.String("worker_id", w.ID),
			zap.String("ticket_id", t.TicketID),
			zap.Float64("score", t.Score))
		return t, nil
	}

	return nil, nil
}

// PromoteEligible moves PENDING tasks whose dependency barrier is satisfied
// into QUEUED. Idempotent: CAS conflicts from concurrent promotion are
// ignored. Returns the tasks promoted by this call.
func (a *Assigner) PromoteEligible(ctx context.Context) ([]*task.Task, error) {
	pending, err := a.store.ListTasksByStatus(ctx, task.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending tasks: %w", err)
	}

	var promoted []*task.Task
	for _, t := range pending {
		met, err := a.dependenciesMet(ctx, t)
		if err != nil {
			return promoted, err
		}
		if !met {
			continue
		}
		held, err := a.heldByConvergence(ctx, t)
		if err != nil {
			return promoted, err
		}
		if held {
			continue
		}

		err = a.store.UpdateTaskStatus(ctx, t.ID, task.StatusPending, task.StatusQueued)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return promoted, fmt.Errorf("promoting task %s: %w", t.ID, err)
		}
		t.Status = task.StatusQueued
		promoted = append(promoted, t)
	}
	return promoted, nil
}

// RescoreQueued recomputes and persists the dispatch score of every queued
// task, keeping ranks current between assignments so operators see live
// scores and starved tasks surface even while no worker is polling.
func (a *Assigner) RescoreQueued(ctx context.Context) (int, error) {
	queued, err := a.store.ListTasksByStatus(ctx, task.StatusQueued)
	if err != nil {
		return 0, fmt.Errorf("listing queued tasks: %w", err)
	}

	now := time.Now().UTC()
	for _, t := range queued {
		blockers, err := a.store.SoleBlockerCount(ctx, t.ID)
		if err != nil {
			return 0, fmt.Errorf("counting blockers for %s: %w", t.ID, err)
		}
		t.Score = scoring.Score(t, blockers, now, a.scoring)
	}
	sort.SliceStable(queued, func(i, j int) bool {
		if queued[i].Score != queued[j].Score {
			return queued[i].Score > queued[j].Score
		}
		return queued[i].EnqueuedAt.Before(queued[j].EnqueuedAt)
	})

	updated := 0
	for rank, t := range queued {
		err := a.store.UpdateTaskScore(ctx, t.ID, t.Score, rank)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return updated, fmt.Errorf("persisting score for %s: %w", t.ID, err)
		}
		updated++
	}
	return updated, nil
}

// PushCandidate returns a queued task whose deadline has crossed into the SLA
// urgency window while idle capacity exists, or nil. Assignment still goes
// through Assign; this only surfaces the hint.
func (a *Assigner) PushCandidate(ctx context.Context) (*task.Task, error) {
	if !a.capacity.Idle() {
		return nil, nil
	}

	queued, err := a.store.ListTasksByStatus(ctx, task.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("listing queued tasks: %w", err)
	}

	now := time.Now().UTC()
	var best *task.Task
	for _, t := range queued {
		if !t.HasDeadline() {
			continue
		}
		slack := t.Deadline.Sub(now)
		if slack > a.scoring.SLAUrgencyWindow {
			continue
		}
		blockers, err := a.store.SoleBlockerCount(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.Score = scoring.Score(t, blockers, now, a.scoring)
		if best == nil || t.Score > best.Score {
			best = t
		}
	}
	return best, nil
}

// dependenciesMet reports whether every predecessor has reached terminal success.
func (a *Assigner) dependenciesMet(ctx context.Context, t *task.Task) (bool, error) {
	for _, depID := range t.DependsOn {
		dep, err := a.store.GetTask(ctx, depID)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("loading dependency %s: %w", depID, err)
		}
		if !dep.Status.IsTerminalSuccess() {
			return false, nil
		}
	}
	return true, nil
}

// heldByConvergence reports whether the task is downstream of a join that has
// not resolved. Unresolved or failed joins hold the downstream task. A
// multi-predecessor task with no convergence point yet is also held: join
// detection has not caught up, and dispatching before it does would skip the
// merge entirely.
func (a *Assigner) heldByConvergence(ctx context.Context, t *task.Task) (bool, error) {
	if len(t.DependsOn) < 2 {
		return false, nil
	}
	cp, err := a.store.GetConvergenceByDownstream(ctx, t.ID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading convergence for %s: %w", t.ID, err)
	}
	return cp.Status != task.ConvergenceResolved, nil
}

func (a *Assigner) activePerTicket(ctx context.Context) (map[string]int, error) {
	active, err := a.store.ListTasksByStatus(ctx, task.StatusAssigned, task.StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("listing active tasks: %w", err)
	}
	counts := make(map[string]int, len(active))
	for _, t := range active {
		counts[t.TicketID]++
	}
	return counts, nil
}

func phaseCompatible(w Worker, t *task.Task) bool {
	if len(w.Phases) == 0 {
		return true
	}
	for _, p := range w.Phases {
		if p == t.Phase {
			return true
		}
	}
	return false
}

// capabilitiesSatisfied reports whether the worker offers every capability
// the task requires.
func capabilitiesSatisfied(w Worker, t *task.Task) bool {
	if len(t.Capabilities) == 0 {
		return true
	}
	offered := make(map[string]bool, len(w.Capabilities))
	for _, c := range w.Capabilities {
		offered[c] = true
	}
	for _, c := range t.Capabilities {
		if !offered[c] {
			return false
		}
	}
	return true
}
