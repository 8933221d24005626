package task

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending              Status = "PENDING"                // Waiting for dependencies
	StatusQueued               Status = "QUEUED"                 // Dependencies met, waiting for capacity
	StatusAssigned             Status = "ASSIGNED"               // Claimed by a worker, not yet running
	StatusInProgress           Status = "IN_PROGRESS"            // Worker executing
	StatusUnderReview          Status = "UNDER_REVIEW"           // Execution done, awaiting validation
	StatusValidationInProgress Status = "VALIDATION_IN_PROGRESS" // Validator running
	StatusCompleted            Status = "COMPLETED"              // Terminal success
	StatusFailed               Status = "FAILED"                 // Terminal failure
	StatusCancelled            Status = "CANCELLED"              // Terminal, removed before/while running
)

// transitions encodes the legal status graph. Terminal states have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:              {StatusQueued, StatusCancelled},
	StatusQueued:               {StatusAssigned, StatusCancelled},
	StatusAssigned:             {StatusInProgress, StatusCancelled},
	StatusInProgress:           {StatusCompleted, StatusFailed, StatusUnderReview, StatusCancelled},
	StatusUnderReview:          {StatusValidationInProgress, StatusCancelled},
	StatusValidationInProgress: {StatusInProgress, StatusCompleted, StatusFailed},
	StatusCompleted:            nil,
	StatusFailed:               nil,
	StatusCancelled:            nil,
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is final and never revisited.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsTerminalSuccess reports whether the status satisfies a dependency barrier.
func (s Status) IsTerminalSuccess() bool {
	return s == StatusCompleted
}

// Priority is the static tier assigned at creation. The dispatch score is
// derived from it but also from age, deadline, blockers, and retries.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Valid reports whether p is one of the four known tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}
