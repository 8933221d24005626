// Package resolve defines the external collaborator surfaces: the delegated
// conflict resolver invoked during convergence merges and the escalation sink
// the loop-breakers report to. Both are interfaces so tests and deployments
// can swap implementations.
package resolve

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no resolver is configured. Merges that hit
// conflicts then fail closed instead of guessing.
var ErrUnavailable = errors.New("no conflict resolver configured")

// ConflictRequest describes one conflicted file in one incoming branch.
type ConflictRequest struct {
	Branch  string // Incoming branch being merged
	File    string // Conflicted file path, repo-relative
	Content string // File content with conflict markers
	Context string // Free-text context for the resolver (task descriptions etc.)
}

// Resolution is the resolver's answer for a single file.
type Resolution struct {
	Content string // Full resolved file content, marker-free
}

// Resolver resolves a single conflicted file. Implementations are expected to
// be expensive (an LLM or a human); callers bound invocations and apply
// timeouts via ctx.
type Resolver interface {
	Resolve(ctx context.Context, req ConflictRequest) (Resolution, error)
}

// Escalation is handed to the guardian when a loop-breaker trips.
type Escalation struct {
	EntityID string // Task, signature, or convergence point ID
	Reason   string
	Evidence string
}

// Escalator reports an escalation to an external diagnostic collaborator.
// Calls are fire-and-forget: the scheduler does not block on or retry them.
type Escalator interface {
	Escalate(ctx context.Context, e Escalation)
}

// unavailable is the zero-config resolver.
type unavailable struct{}

func (unavailable) Resolve(context.Context, ConflictRequest) (Resolution, error) {
	return Resolution{}, ErrUnavailable
}

// Unavailable returns a Resolver that always fails. Used when no resolver
// command is configured so convergence stays fail-closed.
func Unavailable() Resolver { return unavailable{} }
