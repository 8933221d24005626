package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run starts the background loops and blocks until the context is cancelled:
// capacity recheck (promote dependency-satisfied tasks, surface push
// candidates), stuck-queue rescore, convergence scan, and the task-timeout
// watchdog. Every loop body is idempotent, so overlapping or repeated runs
// with no state change are no-ops.
func (c *Core) Run(ctx context.Context) error {
	// Seed the slot count from the store before accepting any work: tasks
	// dispatched by a previous process still hold their slots.
	if err := c.capacity.Sync(ctx); err != nil {
		return fmt.Errorf("seeding capacity: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.loop(ctx, "capacity-recheck", c.cfg.Capacity.RecheckInterval, c.recheckCapacity)
	})
	g.Go(func() error {
		return c.loop(ctx, "queue-rescore", c.cfg.Capacity.RescoreInterval, c.rescoreQueue)
	})
	g.Go(func() error {
		return c.loop(ctx, "convergence-scan", c.cfg.Convergence.ScanInterval, c.converge.Scan)
	})
	g.Go(func() error {
		return c.loop(ctx, "task-watchdog", c.cfg.Watchdog.ScanInterval, c.checkTimeouts)
	})
	return g.Wait()
}

func (c *Core) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				// Scan failures are logged, not fatal: the next tick retries.
				c.log.Error("background scan failed",
					zap.String("loop", name),
					zap.Error(err))
			}
		}
	}
}

// recheckCapacity re-syncs the slot count from the store, promotes
// dependency-satisfied tasks, and, when idle slots exist, surfaces the most
// urgent deadline-bound candidate as a push hint.
func (c *Core) recheckCapacity(ctx context.Context) error {
	if err := c.capacity.Sync(ctx); err != nil {
		return err
	}
	if err := c.promote(ctx); err != nil {
		return err
	}
	hint, err := c.assigner.PushCandidate(ctx)
	if err != nil {
		return err
	}
	if hint != nil {
		c.log.Info("push candidate awaiting a worker",
			zap.String("task_id", hint.ID),
			zap.Time("deadline", hint.Deadline),
			zap.Float64("score", hint.Score))
	}
	return nil
}

// rescoreQueue recomputes scores and ranks for everything queued so age,
// deadline proximity, and the starvation floor keep pulling stuck work up.
func (c *Core) rescoreQueue(ctx context.Context) error {
	n, err := c.assigner.RescoreQueued(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		c.log.Debug("rescored queued tasks", zap.Int("count", n))
	}
	return nil
}
