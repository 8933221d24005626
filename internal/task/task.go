// Package task defines the shared data model for the scheduling core:
// tasks, results, discoveries, convergence points, and merge audit records.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Task is a schedulable unit of work.
//
// The DependsOn set is immutable once the task is created: the dependency
// graph only ever grows by creating new downstream tasks, never by editing
// the edges of an existing one.
type Task struct {
	ID          string
	TicketID    string // Owning group; fair-share and discovery inheritance key
	Phase       string // Execution-phase tag (e.g. "implementation", "validation")
	Description string
	Priority    Priority
	Score       float64 // Derived dispatch score, recomputed on demand
	Status      Status
	WorkerID    string // Assigned worker, empty until claimed

	CreatedAt   time.Time
	EnqueuedAt  time.Time // Set on PENDING -> QUEUED
	StartedAt   time.Time
	CompletedAt time.Time
	Deadline    time.Time // Zero means no deadline

	RetryCount int
	MaxRetries int

	DependsOn []string // Predecessor task IDs; all must be terminal-success
	ParentID  string   // Originating task for discovery/fix-spawned work

	Capabilities []string // Capabilities a worker must have to run this task
	Metadata     map[string]string

	Boosted   bool // Priority boost applied (discovery severity or manual bump)
	QueueRank int  // Provisional rank recorded at enqueue time
}

// New creates a task in PENDING with a fresh UUID and creation timestamp.
func New(ticketID, phase, description string, priority Priority) *Task {
	return &Task{
		ID:          uuid.NewString(),
		TicketID:    ticketID,
		Phase:       phase,
		Description: description,
		Priority:    priority,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
		Metadata:    map[string]string{},
	}
}

// Clone returns a deep copy so callers can't mutate shared state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Capabilities != nil {
		cp.Capabilities = append([]string(nil), t.Capabilities...)
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// HasDeadline reports whether a deadline was set.
func (t *Task) HasDeadline() bool {
	return !t.Deadline.IsZero()
}

// Result is attached to a task on completion or failure. Exactly one Result
// exists per completed or failed task; cancelled tasks have none.
type Result struct {
	TaskID           string
	Success          bool
	Output           string
	Discoveries      []Discovery
	ValidationFailed bool
	Errors           []string
	Metrics          map[string]float64
	ReportedAt       time.Time
}

// Discovery is a structured runtime finding reported inside a Result.
// Discoveries spawn new work outside the normal phase order.
type Discovery struct {
	Category        string // e.g. "defect-found", "blocking-dependency"
	Detail          string
	Severity        string // "low", "medium", "high", "critical"
	SuggestedAction string
	TargetTicketID  string // Cross-ticket spawns require explicit approval
	Approved        bool   // External approval signal for cross-ticket spawns
	Metadata        map[string]string
}

// Known discovery categories. Routing from category to phase/priority lives
// in configuration, not here.
const (
	DiscoveryDefectFound             = "defect-found"
	DiscoveryBlockingDependency      = "blocking-dependency"
	DiscoveryMissingPrerequisite     = "missing-prerequisite"
	DiscoveryOptimizationOpportunity = "optimization-opportunity"
)
