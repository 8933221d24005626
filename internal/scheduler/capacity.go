// Package scheduler implements capacity tracking, dependency-graph
// validation, and the pull-based assignment engine that matches queued tasks
// to requesting workers.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tributarylabs/tributary/internal/store"
	"github.com/tributarylabs/tributary/internal/task"
)

// slotHolding lists the statuses that occupy a capacity slot.
var slotHolding = []task.Status{
	task.StatusAssigned,
	task.StatusInProgress,
	task.StatusUnderReview,
	task.StatusValidationInProgress,
}

// Capacity tracks the number of active workers against the configured
// ceiling. The store is the source of truth: the in-memory count is seeded
// from it on first use and periodically re-synced, so the ceiling holds
// across restarts and across processes sharing one database. The only path
// allowed to exceed max_concurrent is BumpAcquire, which is bounded by the
// overcap limit and always audited.
type Capacity struct {
	mu      sync.Mutex
	synced  bool
	active  int
	max     int
	overcap int

	store store.Store
	log   *zap.Logger
}

// NewCapacity creates a capacity manager with the given ceiling and overcap.
func NewCapacity(max, overcap int, st store.Store, log *zap.Logger) *Capacity {
	return &Capacity{
		max:     max,
		overcap: overcap,
		store:   st,
		log:     log,
	}
}

// Sync rebuilds the active count from the slot-holding tasks in the store.
// Called on startup and from the capacity recheck loop; it is what makes the
// ceiling survive restarts and repairs any drift from crashed workers.
func (c *Capacity) Sync(ctx context.Context) error {
	active, err := c.store.ListTasksByStatus(ctx, slotHolding...)
	if err != nil {
		return fmt.Errorf("counting slot-holding tasks: %w", err)
	}

	c.mu.Lock()
	if c.synced && c.active != len(active) {
		c.log.Warn("capacity counter drift repaired",
			zap.Int("counted", c.active),
			zap.Int("stored", len(active)))
	}
	c.active = len(active)
	c.synced = true
	c.mu.Unlock()
	return nil
}

func (c *Capacity) ensureSynced(ctx context.Context) error {
	c.mu.Lock()
	synced := c.synced
	c.mu.Unlock()
	if synced {
		return nil
	}
	return c.Sync(ctx)
}

// TryAcquire claims a regular slot. Returns false when at or above the ceiling.
func (c *Capacity) TryAcquire(ctx context.Context) (bool, error) {
	if err := c.ensureSynced(ctx); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active >= c.max {
		return false, nil
	}
	c.active++
	return true, nil
}

// BumpAcquire claims a slot for a manual override, allowed to exceed the
// ceiling by at most the overcap limit. The actor and reason are recorded in
// the audit log; this is the only path past max_concurrent.
func (c *Capacity) BumpAcquire(ctx context.Context, actor, reason, taskID string) error {
	if actor == "" || reason == "" {
		return fmt.Errorf("bump requires actor and reason")
	}
	if err := c.ensureSynced(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.active >= c.max+c.overcap {
		c.mu.Unlock()
		return fmt.Errorf("overcap ceiling reached (%d active, max %d + overcap %d)", c.active, c.max, c.overcap)
	}
	c.active++
	active := c.active
	c.mu.Unlock()

	if err := c.store.AppendAudit(ctx, actor, "bump_start", taskID, reason); err != nil {
		// The slot is already counted; surface the audit failure rather than
		// silently running an unaudited overcap task.
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
		return fmt.Errorf("recording bump audit: %w", err)
	}

	c.log.Warn("capacity ceiling bypassed",
		zap.String("task_id", taskID),
		zap.String("actor", actor),
		zap.String("reason", reason),
		zap.Int("active", active),
		zap.Int("max", c.max))
	return nil
}

// Release frees a slot after a terminal transition or explicit termination.
// The caller is responsible for triggering queue re-evaluation afterwards.
func (c *Capacity) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active > 0 {
		c.active--
	}
}

// Active returns the current number of occupied slots.
func (c *Capacity) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Idle reports whether a regular slot is free.
func (c *Capacity) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active < c.max
}

// Max returns the configured concurrency ceiling.
func (c *Capacity) Max() int { return c.max }
