package events

import (
	"time"
)

// Event is the base interface for all scheduler events.
type Event interface {
	EventType() string
	EntityID() string
}

// Topic partitions the bus by event family. Subscribers pick the families
// they care about; SubscribeAll crosses all of them.
type Topic string

const (
	TopicTask        Topic = "task"
	TopicConvergence Topic = "convergence"
)

// Event type constants
const (
	EventTypeTaskCreated        = "task.created"
	EventTypeTaskQueued         = "task.queued"
	EventTypeTaskAssigned       = "task.assigned"
	EventTypeTaskStarted        = "task.started"
	EventTypeTaskCompleted      = "task.completed"
	EventTypeTaskFailed         = "task.failed"
	EventTypeTaskCancelled      = "task.cancelled"
	EventTypeTaskEscalated      = "task.escalated"
	EventTypeConvergenceResolved = "convergence.resolved"
	EventTypeConvergenceFailed   = "convergence.failed"
)

// TaskEvent covers the task lifecycle transitions the core publishes.
type TaskEvent struct {
	Type      string
	ID        string
	TicketID  string
	Phase     string
	Status    string
	WorkerID  string
	Timestamp time.Time
}

func (e TaskEvent) EventType() string { return e.Type }
func (e TaskEvent) EntityID() string  { return e.ID }

// EscalationEvent is published when a loop-breaker trips: repeated validation
// failures, retry ceilings, or unresolvable merges.
type EscalationEvent struct {
	ID        string // Task ID or failure signature
	Reason    string
	Evidence  string
	Timestamp time.Time
}

func (e EscalationEvent) EventType() string { return EventTypeTaskEscalated }
func (e EscalationEvent) EntityID() string  { return e.ID }

// ConvergenceEvent is published when a convergence point reaches a terminal state.
type ConvergenceEvent struct {
	Type          string
	ConvergenceID string
	DownstreamID  string
	Reason        string
	Timestamp     time.Time
}

func (e ConvergenceEvent) EventType() string { return e.Type }
func (e ConvergenceEvent) EntityID() string  { return e.ConvergenceID }
