package scheduler

import (
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/tributarylabs/tributary/internal/task"
)

// ValidateGraph checks that the given task set forms a DAG: every dependency
// resolves to a task in the set and a topological order exists. Called before
// persisting new tasks so a cycle can never reach the store.
func ValidateGraph(tasks []*task.Task) ([]string, error) {
	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			if _, ok := byID[depID]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.ID, depID)
			}
		}
	}

	var edges []toposort.Edge
	for _, t := range tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, depID := range t.DependsOn {
			edges = append(edges, toposort.Edge{depID, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(tasks) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(tasks)-len(order))
	}

	return order, nil
}

// DependenciesMet reports whether every predecessor of t has reached terminal
// success. A missing predecessor counts as unmet.
func DependenciesMet(t *task.Task, byID map[string]*task.Task) bool {
	for _, depID := range t.DependsOn {
		dep, ok := byID[depID]
		if !ok || !dep.Status.IsTerminalSuccess() {
			return false
		}
	}
	return true
}
