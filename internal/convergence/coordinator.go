// Package convergence coordinates merges at join points: downstream tasks
// whose predecessors executed in parallel on separate branches. Branches are
// merged least-conflicts-first, conflicted files are delegated to an external
// resolver, and every attempt is recorded in an append-only audit trail. A
// join that cannot be resolved fails closed: the downstream task stays held
// and the failure is escalated.
package convergence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tributarylabs/tributary/internal/config"
	"github.com/tributarylabs/tributary/internal/events"
	"github.com/tributarylabs/tributary/internal/resolve"
	"github.com/tributarylabs/tributary/internal/store"
	"github.com/tributarylabs/tributary/internal/task"
	"github.com/tributarylabs/tributary/internal/workspace"
)

// Coordinator owns the convergence point lifecycle. All state transitions go
// through store CAS claims so at most one coordinator works a join at a time.
type Coordinator struct {
	store     store.Store
	ws        workspace.Workspace
	resolver  resolve.Resolver
	escalator resolve.Escalator
	bus       *events.Bus
	cfg       config.ConvergenceConfig
	log       *zap.Logger

	// branchFor maps a predecessor task to its branch name. Overridable for
	// deployments that name branches differently.
	branchFor func(taskID string) string
}

// NewCoordinator creates a convergence coordinator.
func NewCoordinator(st store.Store, ws workspace.Workspace, r resolve.Resolver, esc resolve.Escalator, bus *events.Bus, cfg config.ConvergenceConfig, log *zap.Logger) *Coordinator {
	return &Coordinator{
		store:     st,
		ws:        ws,
		resolver:  r,
		escalator: esc,
		bus:       bus,
		cfg:       cfg,
		log:       log,
		branchFor: func(taskID string) string { return "task/" + taskID },
	}
}

// DetectJoins creates a ConvergencePoint for every pending task with more
// than one predecessor. Idempotent: each downstream task gets exactly one
// point, enforced by the store's uniqueness on the downstream ID.
func (c *Coordinator) DetectJoins(ctx context.Context) (int, error) {
	pending, err := c.store.ListTasksByStatus(ctx, task.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("listing pending tasks: %w", err)
	}

	created := 0
	for _, t := range pending {
		if len(t.DependsOn) < 2 {
			continue
		}
		_, err := c.store.GetConvergenceByDownstream(ctx, t.ID)
		if err == nil {
			continue // already tracked
		}
		if !errors.Is(err, store.ErrNotFound) {
			return created, fmt.Errorf("checking join for %s: %w", t.ID, err)
		}

		cp := task.NewConvergencePoint(t.ID, t.DependsOn)
		if err := c.store.SaveConvergencePoint(ctx, cp); err != nil {
			return created, fmt.Errorf("saving convergence point for %s: %w", t.ID, err)
		}
		created++
		c.log.Info("convergence point created",
			zap.String("convergence_id", cp.ID),
			zap.String("downstream_id", t.ID),
			zap.Int("predecessors", len(t.DependsOn)))
	}
	return created, nil
}

// Scan runs one coordination pass: detect new joins, reclaim stale claims,
// then drive every eligible pending point through its merge. Idempotent and
// safe to run concurrently; CAS claims make competing scans skip each
// other's joins.
func (c *Coordinator) Scan(ctx context.Context) error {
	if _, err := c.DetectJoins(ctx); err != nil {
		return err
	}
	if err := c.recoverStaleClaims(ctx); err != nil {
		return err
	}

	points, err := c.store.ListConvergenceByStatus(ctx, task.ConvergencePending)
	if err != nil {
		return fmt.Errorf("listing pending convergence points: %w", err)
	}

	for _, cp := range points {
		ready, failedPred, err := c.predecessorState(ctx, cp)
		if err != nil {
			return err
		}
		if failedPred != "" {
			c.shortCircuit(ctx, cp, failedPred)
			continue
		}
		if !ready {
			continue
		}
		if err := c.resolveJoin(ctx, cp); err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return nil
}

// recoverStaleClaims re-arms scoring/merging points whose claim outlived the
// configured lease. A coordinator that dies mid-merge would otherwise leave
// its point claimed forever and the downstream task held with it.
func (c *Coordinator) recoverStaleClaims(ctx context.Context) error {
	if c.cfg.ClaimLease <= 0 {
		return nil
	}

	claimed, err := c.store.ListConvergenceByStatus(ctx, task.ConvergenceScoring, task.ConvergenceMerging)
	if err != nil {
		return fmt.Errorf("listing claimed convergence points: %w", err)
	}

	now := time.Now().UTC()
	for _, cp := range claimed {
		since := cp.UpdatedAt
		if since.IsZero() {
			since = cp.CreatedAt
		}
		if now.Sub(since) <= c.cfg.ClaimLease {
			continue
		}

		wasMerging := cp.Status == task.ConvergenceMerging
		err := c.store.ClaimConvergence(ctx, cp.ID, cp.Status, task.ConvergencePending, "claim lease expired")
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			continue // the owner moved it first
		}
		if err != nil {
			return fmt.Errorf("re-arming stale point %s: %w", cp.ID, err)
		}
		if wasMerging {
			// The dead owner may have left a half-finished merge behind.
			if err := c.ws.AbortMerge(ctx); err != nil {
				c.log.Debug("no in-progress merge to abort", zap.String("convergence_id", cp.ID), zap.Error(err))
			}
		}
		c.log.Warn("re-armed stale convergence claim",
			zap.String("convergence_id", cp.ID),
			zap.String("downstream_id", cp.DownstreamID),
			zap.Duration("lease", c.cfg.ClaimLease))
	}
	return nil
}

// predecessorState reports whether all predecessors are terminal, and the ID
// of a failed or cancelled predecessor if one exists.
func (c *Coordinator) predecessorState(ctx context.Context, cp *task.ConvergencePoint) (ready bool, failedPred string, err error) {
	allTerminal := true
	for _, id := range cp.PredecessorIDs {
		pred, err := c.store.GetTask(ctx, id)
		if err != nil {
			return false, "", fmt.Errorf("loading predecessor %s: %w", id, err)
		}
		if !pred.Status.IsTerminal() {
			allTerminal = false
			continue
		}
		if !pred.Status.IsTerminalSuccess() {
			return false, pred.ID, nil
		}
	}
	return allTerminal, "", nil
}

// shortCircuit fails a join whose predecessor failed or was cancelled. The
// downstream task stays held; merging a partial join is never attempted.
func (c *Coordinator) shortCircuit(ctx context.Context, cp *task.ConvergencePoint, failedPred string) {
	reason := fmt.Sprintf("predecessor %s did not complete", failedPred)
	err := c.store.ClaimConvergence(ctx, cp.ID, cp.Status, task.ConvergenceFailed, reason)
	if errors.Is(err, store.ErrConflict) {
		return // another coordinator got here first
	}
	if err != nil {
		c.log.Error("short-circuit claim failed", zap.String("convergence_id", cp.ID), zap.Error(err))
		return
	}

	c.escalator.Escalate(ctx, resolve.Escalation{
		EntityID: cp.ID,
		Reason:   "convergence short-circuited",
		Evidence: reason,
	})
	c.publishTerminal(cp, events.EventTypeConvergenceFailed, reason)
	c.log.Warn("convergence short-circuited",
		zap.String("convergence_id", cp.ID),
		zap.String("downstream_id", cp.DownstreamID),
		zap.String("failed_predecessor", failedPred))
}

// resolveJoin drives one point through scoring and merging. Returns
// store.ErrConflict when another coordinator holds the claim.
func (c *Coordinator) resolveJoin(ctx context.Context, cp *task.ConvergencePoint) error {
	if err := c.store.ClaimConvergence(ctx, cp.ID, task.ConvergencePending, task.ConvergenceScoring, ""); err != nil {
		return err
	}

	// Dry-run conflict score per branch. Strictly read-only.
	scores := make(map[string]int, len(cp.PredecessorIDs))
	branches := make([]string, 0, len(cp.PredecessorIDs))
	for _, predID := range cp.PredecessorIDs {
		branch := c.branchFor(predID)
		files, err := c.ws.DryRunConflicts(ctx, branch)
		if err != nil {
			return c.failAttempt(ctx, cp, nil, fmt.Sprintf("conflict scoring failed for %s: %v", branch, err))
		}
		scores[branch] = len(files)
		branches = append(branches, branch)
	}

	// Least-conflicts-first: cheaper merges shrink the residual diff the
	// expensive ones must reconcile against. Ties break by branch name so
	// the order is deterministic.
	sort.Slice(branches, func(i, j int) bool {
		if scores[branches[i]] != scores[branches[j]] {
			return scores[branches[i]] < scores[branches[j]]
		}
		return branches[i] < branches[j]
	})

	if err := c.store.ClaimConvergence(ctx, cp.ID, task.ConvergenceScoring, task.ConvergenceMerging, ""); err != nil {
		return err
	}

	attempt := task.NewMergeAttempt(cp.ID)
	attempt.MergeOrder = branches
	attempt.ConflictScores = scores
	attempt.StartedAt = attempt.CreatedAt

	for _, branch := range branches {
		if err := c.mergeBranch(ctx, cp, attempt, branch); err != nil {
			return c.failAttempt(ctx, cp, attempt, err.Error())
		}
	}

	attempt.Success = true
	c.finishAttempt(attempt)
	if err := c.store.AppendMergeAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("recording merge attempt: %w", err)
	}
	if err := c.store.ClaimConvergence(ctx, cp.ID, task.ConvergenceMerging, task.ConvergenceResolved, "all branches merged"); err != nil {
		return err
	}

	c.publishTerminal(cp, events.EventTypeConvergenceResolved, "all branches merged")
	c.log.Info("convergence resolved",
		zap.String("convergence_id", cp.ID),
		zap.String("downstream_id", cp.DownstreamID),
		zap.Strings("merge_order", branches),
		zap.Int("resolution_calls", attempt.ResolutionCalls))

	c.cleanupPredecessors(ctx, cp)
	return nil
}

// cleanupPredecessors removes the worktrees of a resolved join's predecessor
// branches. Their changes now live on the base branch; keeping the worktrees
// only accumulates stale checkouts. Failures are logged, never fatal: the
// merge already landed.
func (c *Coordinator) cleanupPredecessors(ctx context.Context, cp *task.ConvergencePoint) {
	trees, err := c.ws.List(ctx)
	if err != nil {
		c.log.Warn("worktree listing failed after resolution", zap.String("convergence_id", cp.ID), zap.Error(err))
		return
	}

	merged := make(map[string]bool, len(cp.PredecessorIDs))
	for _, predID := range cp.PredecessorIDs {
		merged[predID] = true
	}
	for i := range trees {
		if !merged[trees[i].TaskID] {
			continue
		}
		if err := c.ws.Cleanup(ctx, &trees[i]); err != nil {
			c.log.Warn("worktree cleanup failed",
				zap.String("task_id", trees[i].TaskID),
				zap.String("branch", trees[i].Branch),
				zap.Error(err))
		}
	}
	if err := c.ws.Prune(ctx); err != nil {
		c.log.Warn("worktree prune failed", zap.String("convergence_id", cp.ID), zap.Error(err))
	}
}

// mergeBranch merges one branch into the base, delegating conflicted files to
// the resolver. The merge is committed before returning so the next branch
// merges against the combined result.
func (c *Coordinator) mergeBranch(ctx context.Context, cp *task.ConvergencePoint, attempt *task.MergeAttempt, branch string) error {
	outcome, err := c.ws.MergeNoCommit(ctx, branch)
	if err != nil {
		return fmt.Errorf("merge of %s failed: %w", branch, err)
	}

	if !outcome.Merged {
		for _, file := range outcome.ConflictFiles {
			if attempt.ResolutionCalls >= c.cfg.MaxResolutionCalls {
				c.abortQuietly(ctx, branch)
				return fmt.Errorf("resolution budget exhausted (%d calls) at %s in %s", attempt.ResolutionCalls, file, branch)
			}

			content, err := c.ws.ConflictedContent(ctx, file)
			if err != nil {
				c.abortQuietly(ctx, branch)
				return fmt.Errorf("reading conflicted %s: %w", file, err)
			}

			attempt.ResolutionCalls++
			res, err := c.resolver.Resolve(ctx, resolve.ConflictRequest{
				Branch:  branch,
				File:    file,
				Content: content,
				Context: fmt.Sprintf("convergence %s for downstream task %s", cp.ID, cp.DownstreamID),
			})
			if err != nil {
				attempt.ResolutionLog[branch+":"+file] = "failed: " + err.Error()
				c.abortQuietly(ctx, branch)
				return fmt.Errorf("resolving %s in %s: %w", file, branch, err)
			}

			if err := c.ws.WriteResolved(ctx, file, res.Content); err != nil {
				c.abortQuietly(ctx, branch)
				return fmt.Errorf("writing resolved %s: %w", file, err)
			}
			attempt.ResolutionLog[branch+":"+file] = "resolved"
		}

		if err := c.ws.CommitMerge(ctx, fmt.Sprintf("merge %s (resolved %d conflicts)", branch, len(outcome.ConflictFiles))); err != nil {
			c.abortQuietly(ctx, branch)
			return fmt.Errorf("committing resolved merge of %s: %w", branch, err)
		}
		attempt.ResolutionLog[branch] = fmt.Sprintf("merged with %d resolved conflicts", len(outcome.ConflictFiles))
		return nil
	}

	if err := c.ws.CommitMerge(ctx, "merge "+branch); err != nil {
		return fmt.Errorf("committing clean merge of %s: %w", branch, err)
	}
	attempt.ResolutionLog[branch] = "merged clean"
	return nil
}

// failAttempt records a failed attempt and either re-arms the join for
// another pass or fails it for good once the retry budget is spent.
func (c *Coordinator) failAttempt(ctx context.Context, cp *task.ConvergencePoint, attempt *task.MergeAttempt, reason string) error {
	if attempt == nil {
		attempt = task.NewMergeAttempt(cp.ID)
		attempt.StartedAt = attempt.CreatedAt
	}
	attempt.Success = false
	attempt.Error = reason
	c.finishAttempt(attempt)
	if err := c.store.AppendMergeAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("recording failed merge attempt: %w", err)
	}

	attempts, err := c.store.ListMergeAttempts(ctx, cp.ID)
	if err != nil {
		return fmt.Errorf("counting merge attempts: %w", err)
	}

	if len(attempts) >= c.cfg.RetryBudget {
		if err := c.store.ClaimConvergence(ctx, cp.ID, task.ConvergenceMerging, task.ConvergenceFailed, reason); err != nil {
			// The claim may legitimately be in scoring if the failure
			// happened before the merging transition.
			if err2 := c.store.ClaimConvergence(ctx, cp.ID, task.ConvergenceScoring, task.ConvergenceFailed, reason); err2 != nil {
				return err
			}
		}
		c.escalator.Escalate(ctx, resolve.Escalation{
			EntityID: cp.ID,
			Reason:   "convergence retry budget exhausted",
			Evidence: reason,
		})
		c.publishTerminal(cp, events.EventTypeConvergenceFailed, reason)
		c.log.Error("convergence failed",
			zap.String("convergence_id", cp.ID),
			zap.String("downstream_id", cp.DownstreamID),
			zap.Int("attempts", len(attempts)),
			zap.String("reason", reason))
		return nil
	}

	// Re-arm: back to pending so the next scan re-scores against the current
	// base, which changed if earlier branches already merged.
	if err := c.store.ClaimConvergence(ctx, cp.ID, task.ConvergenceMerging, task.ConvergencePending, reason); err != nil {
		if err2 := c.store.ClaimConvergence(ctx, cp.ID, task.ConvergenceScoring, task.ConvergencePending, reason); err2 != nil {
			return err
		}
	}
	c.log.Warn("merge attempt failed, join re-armed",
		zap.String("convergence_id", cp.ID),
		zap.Int("attempts", len(attempts)),
		zap.Int("budget", c.cfg.RetryBudget),
		zap.String("reason", reason))
	return nil
}

func (c *Coordinator) abortQuietly(ctx context.Context, branch string) {
	if err := c.ws.AbortMerge(ctx); err != nil {
		c.log.Error("merge abort failed", zap.String("branch", branch), zap.Error(err))
	}
}

func (c *Coordinator) finishAttempt(attempt *task.MergeAttempt) {
	attempt.CompletedAt = time.Now().UTC()
}

func (c *Coordinator) publishTerminal(cp *task.ConvergencePoint, eventType, reason string) {
	c.bus.Publish(events.TopicConvergence, events.ConvergenceEvent{
		Type:          eventType,
		ConvergenceID: cp.ID,
		DownstreamID:  cp.DownstreamID,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
	})
}
