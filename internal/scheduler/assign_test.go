package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tributarylabs/tributary/internal/config"
	"github.com/tributarylabs/tributary/internal/store"
	"github.com/tributarylabs/tributary/internal/task"
)

func testAssigner(t *testing.T, maxConcurrent int) (*Assigner, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	capacity := NewCapacity(maxConcurrent, cfg.Capacity.OvercapLimit, s, zap.NewNop())
	return NewAssigner(s, capacity, cfg.Scoring, cfg.FairShare, zap.NewNop()), s
}

func queuedTask(t *testing.T, s *store.SQLiteStore, ticketID string, priority task.Priority, enqueued time.Time) *task.Task {
	t.Helper()
	tk := task.New(ticketID, "implementation", "fixture", priority)
	tk.Status = task.StatusQueued
	tk.EnqueuedAt = enqueued
	if err := s.SaveTask(context.Background(), tk); err != nil {
		t.Fatalf("saving task: %v", err)
	}
	return tk
}

// TestAssignRanksByScore verifies the highest-scored candidate is claimed first.
func TestAssignRanksByScore(t *testing.T) {
	ctx := context.Background()
	a, s := testAssigner(t, 4)
	now := time.Now().UTC()

	low := queuedTask(t, s, "ticket-1", task.PriorityLow, now)
	critical := queuedTask(t, s, "ticket-2", task.PriorityCritical, now)

	got, err := a.Assign(ctx, Worker{ID: "worker-1"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got == nil || got.ID != critical.ID {
		t.Fatalf("expected critical task %s first, got %+v", critical.ID, got)
	}
	if got.Status != task.StatusAssigned || got.WorkerID != "worker-1" {
		t.Errorf("claimed task not marked assigned: %+v", got)
	}

	got, err = a.Assign(ctx, Worker{ID: "worker-2"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got == nil || got.ID != low.ID {
		t.Fatalf("expected low task %s second, got %+v", low.ID, got)
	}
}

// TestAssignStarvedBeatsFresh verifies the starvation floor wins dispatch:
// with one free slot, a MEDIUM task waiting past the starvation limit is
// claimed before a freshly created HIGH task.
func TestAssignStarvedBeatsFresh(t *testing.T) {
	ctx := context.Background()
	a, s := testAssigner(t, 1)
	now := time.Now().UTC()

	queuedTask(t, s, "ticket-fresh", task.PriorityHigh, now)
	starved := queuedTask(t, s, "ticket-starved", task.PriorityMedium, now.Add(-3*time.Hour))
	starved.CreatedAt = now.Add(-3 * time.Hour)
	if err := s.SaveTask(ctx, starved); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	got, err := a.Assign(ctx, Worker{ID: "worker-1"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got == nil || got.ID != starved.ID {
		t.Fatalf("expected starved task %s dispatched first, got %+v", starved.ID, got)
	}
}

// TestAssignFIFOTiebreak verifies equal scores break by earliest enqueue time.
func TestAssignFIFOTiebreak(t *testing.T) {
	ctx := context.Background()
	a, s := testAssigner(t, 4)
	now := time.Now().UTC()

	later := queuedTask(t, s, "ticket-1", task.PriorityMedium, now)
	earlier := queuedTask(t, s, "ticket-2", task.PriorityMedium, now.Add(-time.Minute))
	// Same creation instant so age contributes equally.
	earlier.CreatedAt = later.CreatedAt
	if err := s.SaveTask(ctx, earlier); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	got, err := a.Assign(ctx, Worker{ID: "worker-1"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got == nil || got.ID != earlier.ID {
		t.Fatalf("expected earlier-enqueued task %s, got %+v", earlier.ID, got)
	}
}

// TestAssignExclusive verifies no two workers are ever assigned the same task.
func TestAssignExclusive(t *testing.T) {
	ctx := context.Background()
	a, s := testAssigner(t, 8)
	queuedTask(t, s, "ticket-1", task.PriorityHigh, time.Now().UTC())

	const workers = 8
	var wg sync.WaitGroup
	winners := make(chan string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := a.Assign(ctx, Worker{ID: string(rune('a' + n))})
			if err != nil {
				t.Errorf("assign: %v", err)
				return
			}
			if got != nil {
				winners <- got.WorkerID
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly 1 worker to win the claim, got %d", count)
	}
	if a.capacity.Active() != 1 {
		t.Errorf("expected 1 capacity slot held, got %d", a.capacity.Active())
	}
}

// TestAssignRespectsCapacity verifies Assign returns nil at the ceiling
// without touching the queue.
func TestAssignRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	a, s := testAssigner(t, 1)
	queuedTask(t, s, "ticket-1", task.PriorityHigh, time.Now().UTC())
	queuedTask(t, s, "ticket-2", task.PriorityHigh, time.Now().UTC())

	first, err := a.Assign(ctx, Worker{ID: "worker-1"})
	if err != nil || first == nil {
		t.Fatalf("expected first assignment to succeed, got %+v, %v", first, err)
	}

	second, err := a.Assign(ctx, Worker{ID: "worker-2"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if second != nil {
		t.Errorf("expected nil at capacity ceiling, got %+v", second)
	}

	a.capacity.Release()
	third, err := a.Assign(ctx, Worker{ID: "worker-2"})
	if err != nil || third == nil {
		t.Fatalf("expected assignment after release, got %+v, %v", third, err)
	}
}

// TestAssignPhaseAndCapabilityFilters verifies incompatible tasks are skipped.
func TestAssignPhaseAndCapabilityFilters(t *testing.T) {
	ctx := context.Background()
	a, s := testAssigner(t, 4)
	now := time.Now().UTC()

	needsGPU := queuedTask(t, s, "ticket-1", task.PriorityCritical, now)
	needsGPU.Capabilities = []string{"gpu"}
	if err := s.SaveTask(ctx, needsGPU); err != nil {
		t.Fatalf("saving task: %v", err)
	}
	validation := task.New("ticket-2", "validation", "fixture", task.PriorityCritical)
	validation.Status = task.StatusQueued
	validation.EnqueuedAt = now
	if err := s.SaveTask(ctx, validation); err != nil {
		t.Fatalf("saving task: %v", err)
	}
	plain := queuedTask(t, s, "ticket-3", task.PriorityLow, now)

	// Worker can only run implementation tasks and offers no capabilities:
	// both CRITICAL candidates are filtered, the LOW one is assigned.
	got, err := a.Assign(ctx, Worker{ID: "worker-1", Phases: []string{"implementation"}})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got == nil || got.ID != plain.ID {
		t.Fatalf("expected plain task %s, got %+v", plain.ID, got)
	}

	// A GPU-capable worker gets the capability-gated task.
	got, err = a.Assign(ctx, Worker{ID: "worker-2", Capabilities: []string{"gpu"}, Phases: []string{"implementation"}})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got == nil || got.ID != needsGPU.ID {
		t.Fatalf("expected gpu task %s, got %+v", needsGPU.ID, got)
	}
}

// TestAssignFairShare verifies one ticket cannot monopolize capacity.
func TestAssignFairShare(t *testing.T) {
	ctx := context.Background()
	a, s := testAssigner(t, 8)
	a.fair.MaxPerTicket = 1
	now := time.Now().UTC()

	// ticket-1 already has an active task.
	active := task.New("ticket-1", "implementation", "running", task.PriorityHigh)
	active.Status = task.StatusInProgress
	active.WorkerID = "worker-0"
	if err := s.SaveTask(ctx, active); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	queuedTask(t, s, "ticket-1", task.PriorityCritical, now)
	other := queuedTask(t, s, "ticket-2", task.PriorityLow, now)

	got, err := a.Assign(ctx, Worker{ID: "worker-1"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got == nil || got.ID != other.ID {
		t.Fatalf("expected fair-share to skip ticket-1, got %+v", got)
	}
}

// TestAssignDependencyBarrier verifies a queued task with an unmet dependency
// is never assigned.
func TestAssignDependencyBarrier(t *testing.T) {
	ctx := context.Background()
	a, s := testAssigner(t, 4)
	now := time.Now().UTC()

	dep := task.New("ticket-1", "implementation", "predecessor", task.PriorityMedium)
	dep.Status = task.StatusInProgress
	if err := s.SaveTask(ctx, dep); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	blocked := task.New("ticket-1", "implementation", "blocked", task.PriorityCritical)
	blocked.Status = task.StatusQueued
	blocked.EnqueuedAt = now
	blocked.DependsOn = []string{dep.ID}
	if err := s.SaveTask(ctx, blocked); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	got, err := a.Assign(ctx, Worker{ID: "worker-1"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil while dependency unmet, got %+v", got)
	}
	if a.capacity.Active() != 0 {
		t.Errorf("failed assignment must release its slot, got %d active", a.capacity.Active())
	}
}

// TestPromoteEligible verifies PENDING tasks move to QUEUED once their
// dependency barrier is satisfied, and not before.
func TestPromoteEligible(t *testing.T) {
	ctx := context.Background()
	a, s := testAssigner(t, 4)

	done := task.New("ticket-1", "implementation", "done", task.PriorityMedium)
	done.Status = task.StatusCompleted
	if err := s.SaveTask(ctx, done); err != nil {
		t.Fatalf("saving task: %v", err)
	}
	running := task.New("ticket-1", "implementation", "running", task.PriorityMedium)
	running.Status = task.StatusInProgress
	if err := s.SaveTask(ctx, running); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	ready := task.New("ticket-1", "implementation", "ready", task.PriorityMedium)
	ready.DependsOn = []string{done.ID}
	if err := s.SaveTask(ctx, ready); err != nil {
		t.Fatalf("saving task: %v", err)
	}
	notReady := task.New("ticket-1", "implementation", "not ready", task.PriorityMedium)
	notReady.DependsOn = []string{running.ID}
	if err := s.SaveTask(ctx, notReady); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	promoted, err := a.PromoteEligible(ctx)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if len(promoted) != 1 || promoted[0].ID != ready.ID {
		t.Errorf("expected ready task promoted, got %v", promoted)
	}

	got, err := s.GetTask(ctx, ready.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusQueued {
		t.Errorf("expected ready task QUEUED, got %s", got.Status)
	}
	if got.EnqueuedAt.IsZero() {
		t.Error("expected enqueue timestamp on promotion")
	}

	got, err = s.GetTask(ctx, notReady.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("expected blocked task to stay PENDING, got %s", got.Status)
	}

	// Idempotent: a second scan promotes nothing.
	promoted, err = a.PromoteEligible(ctx)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if len(promoted) != 0 {
		t.Errorf("expected second scan to promote 0, got %d", len(promoted))
	}
}

// TestPromoteHeldByConvergence verifies a join downstream stays PENDING until
// its convergence point resolves.
func TestPromoteHeldByConvergence(t *testing.T) {
	ctx := context.Background()
	a, s := testAssigner(t, 4)

	p1 := task.New("ticket-1", "implementation", "branch one", task.PriorityMedium)
	p1.Status = task.StatusCompleted
	p2 := task.New("ticket-1", "implementation", "branch two", task.PriorityMedium)
	p2.Status = task.StatusCompleted
	for _, tk := range []*task.Task{p1, p2} {
		if err := s.SaveTask(ctx, tk); err != nil {
			t.Fatalf("saving task: %v", err)
		}
	}

	downstream := task.New("ticket-1", "integration", "join", task.PriorityHigh)
	downstream.DependsOn = []string{p1.ID, p2.ID}
	if err := s.SaveTask(ctx, downstream); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	cp := task.NewConvergencePoint(downstream.ID, []string{p1.ID, p2.ID})
	if err := s.SaveConvergencePoint(ctx, cp); err != nil {
		t.Fatalf("saving convergence point: %v", err)
	}

	promoted, err := a.PromoteEligible(ctx)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if len(promoted) != 0 {
		t.Errorf("expected downstream held by pending join, promoted %d", len(promoted))
	}

	if err := s.ClaimConvergence(ctx, cp.ID, task.ConvergencePending, task.ConvergenceScoring, ""); err != nil {
		t.Fatalf("claim convergence: %v", err)
	}
	if err := s.ClaimConvergence(ctx, cp.ID, task.ConvergenceScoring, task.ConvergenceMerging, ""); err != nil {
		t.Fatalf("claim convergence: %v", err)
	}
	if err := s.ClaimConvergence(ctx, cp.ID, task.ConvergenceMerging, task.ConvergenceResolved, "merged clean"); err != nil {
		t.Fatalf("claim convergence: %v", err)
	}

	promoted, err = a.PromoteEligible(ctx)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if len(promoted) != 1 || promoted[0].ID != downstream.ID {
		t.Errorf("expected downstream released after resolution, promoted %v", promoted)
	}
}

// TestPromoteHeldBeforeJoinDetection verifies a multi-predecessor downstream
// stays held even before its convergence point has been recorded: detection
// lag must never let the task dispatch without a merge.
func TestPromoteHeldBeforeJoinDetection(t *testing.T) {
	ctx := context.Background()
	a, s := testAssigner(t, 4)

	p1 := task.New("ticket-1", "implementation", "branch one", task.PriorityMedium)
	p1.Status = task.StatusCompleted
	p2 := task.New("ticket-1", "implementation", "branch two", task.PriorityMedium)
	p2.Status = task.StatusCompleted
	for _, tk := range []*task.Task{p1, p2} {
		if err := s.SaveTask(ctx, tk); err != nil {
			t.Fatalf("saving task: %v", err)
		}
	}

	downstream := task.New("ticket-1", "integration", "join", task.PriorityHigh)
	downstream.DependsOn = []string{p1.ID, p2.ID}
	if err := s.SaveTask(ctx, downstream); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	// No convergence point exists yet.
	promoted, err := a.PromoteEligible(ctx)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if len(promoted) != 0 {
		t.Errorf("expected downstream held before join detection, promoted %d", len(promoted))
	}

	// A queued copy of the same shape must not be assignable either.
	downstream.Status = task.StatusQueued
	downstream.EnqueuedAt = time.Now().UTC()
	if err := s.SaveTask(ctx, downstream); err != nil {
		t.Fatalf("saving task: %v", err)
	}
	got, err := a.Assign(ctx, Worker{ID: "worker-1"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no assignment before join detection, got %+v", got)
	}
}

// TestPushCandidate verifies the proactive hint fires only for tasks inside
// the SLA urgency window while capacity is idle.
func TestPushCandidate(t *testing.T) {
	ctx := context.Background()
	a, s := testAssigner(t, 2)
	now := time.Now().UTC()

	relaxed := queuedTask(t, s, "ticket-1", task.PriorityHigh, now)
	relaxed.Deadline = now.Add(24 * time.Hour)
	if err := s.SaveTask(ctx, relaxed); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	got, err := a.PushCandidate(ctx)
	if err != nil {
		t.Fatalf("push candidate: %v", err)
	}
	if got != nil {
		t.Errorf("expected no hint outside urgency window, got %+v", got)
	}

	urgent := queuedTask(t, s, "ticket-2", task.PriorityMedium, now)
	urgent.Deadline = now.Add(a.scoring.SLAUrgencyWindow / 2)
	if err := s.SaveTask(ctx, urgent); err != nil {
		t.Fatalf("saving task: %v", err)
	}

	got, err = a.PushCandidate(ctx)
	if err != nil {
		t.Fatalf("push candidate: %v", err)
	}
	if got == nil || got.ID != urgent.ID {
		t.Fatalf("expected urgent task %s, got %+v", urgent.ID, got)
	}
}
