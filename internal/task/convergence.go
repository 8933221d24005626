package task

import (
	"time"

	"github.com/google/uuid"
)

// ConvergenceStatus is the lifecycle of a convergence point.
type ConvergenceStatus string

const (
	ConvergencePending  ConvergenceStatus = "pending"
	ConvergenceScoring  ConvergenceStatus = "scoring"
	ConvergenceMerging  ConvergenceStatus = "merging"
	ConvergenceResolved ConvergenceStatus = "resolved"
	ConvergenceFailed   ConvergenceStatus = "failed"
)

// IsTerminal reports whether the convergence point will not change again.
func (s ConvergenceStatus) IsTerminal() bool {
	return s == ConvergenceResolved || s == ConvergenceFailed
}

// ConvergencePoint identifies a downstream task whose dependency set had more
// than one predecessor executing in parallel. The downstream task is held
// until the point resolves; a predecessor failure short-circuits it to failed.
type ConvergencePoint struct {
	ID             string
	DownstreamID   string
	PredecessorIDs []string
	Status         ConvergenceStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time // Stamped on every status transition; drives stale-claim recovery
	ResolvedAt     time.Time
	Reason         string // Populated on failure/short-circuit
}

// NewConvergencePoint creates a pending point for the given downstream task.
func NewConvergencePoint(downstreamID string, predecessorIDs []string) *ConvergencePoint {
	now := time.Now().UTC()
	return &ConvergencePoint{
		ID:             uuid.NewString(),
		DownstreamID:   downstreamID,
		PredecessorIDs: append([]string(nil), predecessorIDs...),
		Status:         ConvergencePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// MergeAttempt is the append-only audit record of one convergence resolution.
// It is never mutated after finalization, only superseded by a new attempt.
type MergeAttempt struct {
	ID              string
	ConvergenceID   string
	MergeOrder      []string       // Branches in the order actually merged
	ConflictScores  map[string]int // Branch -> dry-run conflict count at ordering time
	Success         bool
	ResolutionCalls int               // Delegated-resolution invocations
	ResolutionLog   map[string]string // Branch or file -> outcome
	Error           string
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
}

// NewMergeAttempt creates an attempt record for a convergence point.
func NewMergeAttempt(convergenceID string) *MergeAttempt {
	return &MergeAttempt{
		ID:             uuid.NewString(),
		ConvergenceID:  convergenceID,
		ConflictScores: map[string]int{},
		ResolutionLog:  map[string]string{},
		CreatedAt:      time.Now().UTC(),
	}
}
