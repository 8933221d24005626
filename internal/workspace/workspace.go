// Package workspace isolates task execution in git worktrees and exposes the
// merge primitives the convergence coordinator drives: dry-run conflict
// scoring, no-commit merges, staged resolution writes, and aborts.
package workspace

import "context"

// WorktreeInfo holds information about a created worktree.
type WorktreeInfo struct {
	Path   string // Absolute path to the worktree directory
	Branch string // Branch name (e.g., "task/task-123")
	TaskID string // Original task ID
	Head   string // Current HEAD commit hash
}

// MergeOutcome reports one merge-into-base operation.
type MergeOutcome struct {
	Merged        bool     // True when the merge completed without conflicts
	ConflictFiles []string // Repo-relative paths left conflicted
}

// Workspace is the execution-isolation collaborator. Implementations isolate
// each task's changes on its own branch and let the convergence coordinator
// combine branches at join points.
type Workspace interface {
	// CreateWorktree makes an isolated worktree and branch for a task.
	CreateWorktree(ctx context.Context, taskID string) (*WorktreeInfo, error)

	// Cleanup removes a task's worktree and branch.
	Cleanup(ctx context.Context, info *WorktreeInfo) error

	// List returns all known worktrees.
	List(ctx context.Context) ([]WorktreeInfo, error)

	// Prune drops stale worktree metadata.
	Prune(ctx context.Context) error

	// DryRunConflicts reports the files that would conflict if branch were
	// merged into the base branch. Read-only: repository state is untouched.
	DryRunConflicts(ctx context.Context, branch string) ([]string, error)

	// MergeNoCommit merges branch into the base branch without committing so
	// conflicts can be resolved in place before the merge is finalized.
	MergeNoCommit(ctx context.Context, branch string) (*MergeOutcome, error)

	// ConflictedContent reads a conflicted file, markers included.
	ConflictedContent(ctx context.Context, file string) (string, error)

	// WriteResolved replaces a conflicted file with resolved content and
	// stages it.
	WriteResolved(ctx context.Context, file, content string) error

	// CommitMerge finalizes an in-progress merge.
	CommitMerge(ctx context.Context, message string) error

	// AbortMerge discards an in-progress merge, restoring the base branch.
	AbortMerge(ctx context.Context) error
}
