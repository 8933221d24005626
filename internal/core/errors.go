package core

import (
	"errors"
	"fmt"

	"github.com/tributarylabs/tributary/internal/task"
)

// IneligibleError reports an operation that cannot apply to a task in its
// current state. It is returned synchronously and must never be auto-retried:
// the caller asked for something the state machine does not allow.
type IneligibleError struct {
	TaskID string
	Op     string
	Status task.Status
	Reason string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("task %s ineligible for %s (status %s): %s", e.TaskID, e.Op, e.Status, e.Reason)
}

// IsIneligible reports whether err is an IneligibleError.
func IsIneligible(err error) bool {
	var ie *IneligibleError
	return errors.As(err, &ie)
}
