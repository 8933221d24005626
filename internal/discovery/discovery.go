// Package discovery turns structured findings reported in task results into
// new tasks. Routing from discovery category to target phase and priority is
// configuration, not code, and spawned tasks deliberately bypass the normal
// phase order: late-stage work may re-open early-stage investigation.
package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tributarylabs/tributary/internal/config"
	"github.com/tributarylabs/tributary/internal/store"
	"github.com/tributarylabs/tributary/internal/task"
)

// severityRank orders severities so the boost threshold can compare them.
var severityRank = map[string]int{
	"low":      0,
	"medium":   1,
	"high":     2,
	"critical": 3,
}

// Engine spawns branch tasks from discoveries.
type Engine struct {
	store store.Store
	cfg   config.DiscoveryConfig
	log   *zap.Logger
}

// NewEngine creates a discovery engine with the given routing table.
func NewEngine(st store.Store, cfg config.DiscoveryConfig, log *zap.Logger) *Engine {
	return &Engine{store: st, cfg: cfg, log: log}
}

// Process spawns one task per discovery in the result. The origin task is the
// parent of every spawned task and its ticket is inherited unless the
// discovery targets another ticket, which requires an explicit approval flag.
// Returns the spawned tasks.
func (e *Engine) Process(ctx context.Context, origin *task.Task, discoveries []task.Discovery) ([]*task.Task, error) {
	spawned := make([]*task.Task, 0, len(discoveries))

	for _, d := range discoveries {
		route, ok := e.cfg.Routes[d.Category]
		if !ok {
			e.log.Warn("discovery category has no route, skipping",
				zap.String("category", d.Category),
				zap.String("origin_task", origin.ID))
			continue
		}

		ticketID := origin.TicketID
		if d.TargetTicketID != "" && d.TargetTicketID != origin.TicketID {
			if !d.Approved {
				e.log.Warn("cross-ticket discovery rejected without approval",
					zap.String("origin_ticket", origin.TicketID),
					zap.String("target_ticket", d.TargetTicketID),
					zap.String("category", d.Category))
				continue
			}
			ticketID = d.TargetTicketID
		}

		priority := task.Priority(route.Priority)
		if !priority.Valid() {
			return spawned, fmt.Errorf("route for category %q has invalid priority %q", d.Category, route.Priority)
		}

		t := task.New(ticketID, route.Phase, spawnDescription(d), priority)
		t.ParentID = origin.ID
		if e.shouldBoost(d, route) {
			t.Priority = boost(t.Priority)
			t.Boosted = true
		}
		t.Metadata["discovery_category"] = d.Category
		t.Metadata["discovery_severity"] = d.Severity
		if d.SuggestedAction != "" {
			t.Metadata["suggested_action"] = d.SuggestedAction
		}

		if err := e.store.SaveTask(ctx, t); err != nil {
			return spawned, fmt.Errorf("saving spawned task for %q discovery: %w", d.Category, err)
		}

		e.log.Info("discovery spawned task",
			zap.String("task_id", t.ID),
			zap.String("parent_id", origin.ID),
			zap.String("category", d.Category),
			zap.String("phase", t.Phase),
			zap.String("priority", string(t.Priority)),
			zap.Bool("boosted", t.Boosted))
		spawned = append(spawned, t)
	}

	return spawned, nil
}

// shouldBoost applies the route's unconditional boost flag or the severity
// threshold from config.
func (e *Engine) shouldBoost(d task.Discovery, route config.DiscoveryRoute) bool {
	if route.Boost {
		return true
	}
	threshold, ok := severityRank[e.cfg.BoostSeverity]
	if !ok {
		return false
	}
	rank, ok := severityRank[d.Severity]
	return ok && rank >= threshold
}

// boost raises a priority one tier. CRITICAL stays CRITICAL.
func boost(p task.Priority) task.Priority {
	switch p {
	case task.PriorityLow:
		return task.PriorityMedium
	case task.PriorityMedium:
		return task.PriorityHigh
	default:
		return task.PriorityCritical
	}
}

func spawnDescription(d task.Discovery) string {
	return fmt.Sprintf("[%s] %s", d.Category, d.Detail)
}
