package discovery

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/tributarylabs/tributary/internal/config"
	"github.com/tributarylabs/tributary/internal/store"
	"github.com/tributarylabs/tributary/internal/task"
)

func testEngine(t *testing.T) (*Engine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, config.Default().Discovery, zap.NewNop()), s
}

func origin(t *testing.T, s *store.SQLiteStore) *task.Task {
	t.Helper()
	tk := task.New("ticket-1", "validation", "origin", task.PriorityMedium)
	tk.Status = task.StatusInProgress
	if err := s.SaveTask(context.Background(), tk); err != nil {
		t.Fatalf("saving origin: %v", err)
	}
	return tk
}

// TestProcessSpawnsRoutedTask verifies category routing, parent linkage, and
// ticket inheritance.
func TestProcessSpawnsRoutedTask(t *testing.T) {
	ctx := context.Background()
	e, s := testEngine(t)
	o := origin(t, s)

	spawned, err := e.Process(ctx, o, []task.Discovery{{
		Category: task.DiscoveryDefectFound,
		Detail:   "nil dereference in parser",
		Severity: "medium",
	}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(spawned) != 1 {
		t.Fatalf("expected 1 spawned task, got %d", len(spawned))
	}

	got, err := s.GetTask(ctx, spawned[0].ID)
	if err != nil {
		t.Fatalf("get spawned task: %v", err)
	}
	if got.ParentID != o.ID {
		t.Errorf("expected parent %s, got %s", o.ID, got.ParentID)
	}
	if got.TicketID != o.TicketID {
		t.Errorf("expected inherited ticket %s, got %s", o.TicketID, got.TicketID)
	}
	if got.Phase != "implementation" || got.Priority != task.PriorityHigh {
		t.Errorf("unexpected routing: phase=%s priority=%s", got.Phase, got.Priority)
	}
	if got.Status != task.StatusPending {
		t.Errorf("spawned task should start PENDING, got %s", got.Status)
	}
	if got.Boosted {
		t.Error("medium severity should not boost")
	}
}

// TestProcessBypassesPhaseOrder verifies a late-stage task can spawn an
// early-stage one.
func TestProcessBypassesPhaseOrder(t *testing.T) {
	ctx := context.Background()
	e, s := testEngine(t)
	o := origin(t, s) // validation phase

	spawned, err := e.Process(ctx, o, []task.Discovery{{
		Category: task.DiscoveryMissingPrerequisite,
		Detail:   "schema migration never planned",
		Severity: "medium",
	}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(spawned) != 1 || spawned[0].Phase != "planning" {
		t.Fatalf("expected planning-phase spawn from validation-phase origin, got %+v", spawned)
	}
}

// TestProcessSeverityBoost verifies severity at or above the threshold raises
// the priority one tier and marks the task boosted.
func TestProcessSeverityBoost(t *testing.T) {
	ctx := context.Background()
	e, s := testEngine(t)
	o := origin(t, s)

	spawned, err := e.Process(ctx, o, []task.Discovery{{
		Category: task.DiscoveryDefectFound, // routes to HIGH
		Detail:   "data loss on restart",
		Severity: "critical",
	}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(spawned) != 1 {
		t.Fatalf("expected 1 spawned task, got %d", len(spawned))
	}
	if spawned[0].Priority != task.PriorityCritical || !spawned[0].Boosted {
		t.Errorf("expected boosted CRITICAL, got %s boosted=%v", spawned[0].Priority, spawned[0].Boosted)
	}
}

// TestProcessCrossTicketApproval verifies cross-ticket spawns are rejected
// without the approval flag and allowed with it.
func TestProcessCrossTicketApproval(t *testing.T) {
	ctx := context.Background()
	e, s := testEngine(t)
	o := origin(t, s)

	unapproved, err := e.Process(ctx, o, []task.Discovery{{
		Category:       task.DiscoveryBlockingDependency,
		Detail:         "depends on ticket-2 API",
		Severity:       "high",
		TargetTicketID: "ticket-2",
	}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(unapproved) != 0 {
		t.Fatalf("expected unapproved cross-ticket spawn to be rejected, got %d tasks", len(unapproved))
	}

	approved, err := e.Process(ctx, o, []task.Discovery{{
		Category:       task.DiscoveryBlockingDependency,
		Detail:         "depends on ticket-2 API",
		Severity:       "high",
		TargetTicketID: "ticket-2",
		Approved:       true,
	}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(approved) != 1 || approved[0].TicketID != "ticket-2" {
		t.Fatalf("expected approved spawn under ticket-2, got %+v", approved)
	}
}

// TestProcessUnknownCategorySkipped verifies unrouted categories are skipped
// rather than failing the whole result.
func TestProcessUnknownCategorySkipped(t *testing.T) {
	ctx := context.Background()
	e, s := testEngine(t)
	o := origin(t, s)

	spawned, err := e.Process(ctx, o, []task.Discovery{
		{Category: "unmapped-category", Detail: "noise", Severity: "low"},
		{Category: task.DiscoveryOptimizationOpportunity, Detail: "cache lookups", Severity: "low"},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(spawned) != 1 {
		t.Fatalf("expected only the routed discovery to spawn, got %d", len(spawned))
	}
	if spawned[0].Priority != task.PriorityLow {
		t.Errorf("expected LOW priority route, got %s", spawned[0].Priority)
	}
}
