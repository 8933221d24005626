package workspace

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tributarylabs/tributary/internal/config"
)

// GitWorkspace implements Workspace on a real git repository using worktrees
// for isolation and merge-tree for read-only conflict detection.
type GitWorkspace struct {
	cfg     config.WorkspaceConfig
	mergeMu sync.Mutex // Serializes merges to prevent git lock conflicts
	log     *zap.Logger
}

// NewGitWorkspace creates a workspace over the configured repository.
func NewGitWorkspace(cfg config.WorkspaceConfig, log *zap.Logger) *GitWorkspace {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &GitWorkspace{cfg: cfg, log: log}
}

// git runs a git command in the repository root and returns combined output.
func (w *GitWorkspace) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = w.cfg.RepoPath
	output, err := cmd.CombinedOutput()
	return string(output), err
}

func (w *GitWorkspace) CreateWorktree(ctx context.Context, taskID string) (*WorktreeInfo, error) {
	branch := fmt.Sprintf("task/%s", taskID)
	wtPath := filepath.Join(w.cfg.RepoPath, w.cfg.WorktreeDir, taskID)

	output, err := w.git(ctx, "worktree", "add", "-b", branch, wtPath, w.cfg.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w (output: %s)", err, output)
	}

	headCmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	headCmd.Dir = wtPath
	headOutput, err := headCmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w (output: %s)", err, string(headOutput))
	}

	return &WorktreeInfo{
		Path:   wtPath,
		Branch: branch,
		TaskID: taskID,
		Head:   strings.TrimSpace(string(headOutput)),
	}, nil
}

func (w *GitWorkspace) Cleanup(ctx context.Context, info *WorktreeInfo) error {
	var errs []string

	if output, err := w.git(ctx, "worktree", "remove", info.Path); err != nil {
		if forceOutput, forceErr := w.git(ctx, "worktree", "remove", "--force", info.Path); forceErr != nil {
			errs = append(errs, fmt.Sprintf("worktree remove failed: %v (output: %s, force output: %s)", err, output, forceOutput))
		}
	}

	if output, err := w.git(ctx, "branch", "-d", info.Branch); err != nil {
		if forceOutput, forceErr := w.git(ctx, "branch", "-D", info.Branch); forceErr != nil {
			errs = append(errs, fmt.Sprintf("branch delete failed: %v (output: %s, force output: %s)", err, output, forceOutput))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (w *GitWorkspace) List(ctx context.Context) ([]WorktreeInfo, error) {
	output, err := w.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w (output: %s)", err, output)
	}

	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
			if strings.HasPrefix(current.Branch, "task/") {
				current.TaskID = strings.TrimPrefix(current.Branch, "task/")
			}
		}
	}

	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees, nil
}

func (w *GitWorkspace) Prune(ctx context.Context) error {
	if output, err := w.git(ctx, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w (output: %s)", err, output)
	}
	return nil
}

// DryRunConflicts uses merge-tree, which writes a tree object but never
// touches the index or working copy.
func (w *GitWorkspace) DryRunConflicts(ctx context.Context, branch string) ([]string, error) {
	output, err := w.git(ctx, "merge-tree", "--write-tree", w.cfg.BaseBranch, branch)
	if err != nil {
		// Non-zero exit means the merge would conflict.
		return parseConflictFiles(output), nil
	}
	if strings.Contains(output, "CONFLICT") {
		return parseConflictFiles(output), nil
	}
	return nil, nil
}

func (w *GitWorkspace) MergeNoCommit(ctx context.Context, branch string) (*MergeOutcome, error) {
	w.mergeMu.Lock()
	defer w.mergeMu.Unlock()

	if output, err := w.git(ctx, "checkout", w.cfg.BaseBranch); err != nil {
		return nil, fmt.Errorf("failed to checkout base branch: %w (output: %s)", err, output)
	}

	output, err := w.git(ctx, "merge", "--no-ff", "--no-commit", branch)
	if err != nil {
		conflicted, listErr := w.conflictedFiles(ctx)
		if listErr != nil {
			return nil, fmt.Errorf("merge failed and conflict listing failed: %v (merge output: %s): %w", err, output, listErr)
		}
		if len(conflicted) == 0 {
			// Failed for a reason other than conflicts.
			return nil, fmt.Errorf("merge failed: %w (output: %s)", err, output)
		}
		return &MergeOutcome{Merged: false, ConflictFiles: conflicted}, nil
	}

	return &MergeOutcome{Merged: true}, nil
}

func (w *GitWorkspace) conflictedFiles(ctx context.Context) ([]string, error) {
	output, err := w.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicted files: %w (output: %s)", err, output)
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func (w *GitWorkspace) ConflictedContent(_ context.Context, file string) (string, error) {
	data, err := os.ReadFile(filepath.Join(w.cfg.RepoPath, file))
	if err != nil {
		return "", fmt.Errorf("failed to read conflicted file %s: %w", file, err)
	}
	return string(data), nil
}

func (w *GitWorkspace) WriteResolved(ctx context.Context, file, content string) error {
	path := filepath.Join(w.cfg.RepoPath, file)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write resolved file %s: %w", file, err)
	}
	if output, err := w.git(ctx, "add", file); err != nil {
		return fmt.Errorf("failed to stage resolved file %s: %w (output: %s)", file, err, output)
	}
	w.log.Debug("resolved file staged", zap.String("file", file))
	return nil
}

func (w *GitWorkspace) CommitMerge(ctx context.Context, message string) error {
	if output, err := w.git(ctx, "commit", "--no-edit", "-m", message); err != nil {
		return fmt.Errorf("failed to commit merge: %w (output: %s)", err, output)
	}
	return nil
}

func (w *GitWorkspace) AbortMerge(ctx context.Context) error {
	if output, err := w.git(ctx, "merge", "--abort"); err != nil {
		return fmt.Errorf("failed to abort merge: %w (output: %s)", err, output)
	}
	return nil
}

// parseConflictFiles extracts conflicting paths from merge-tree output,
// which includes lines like "CONFLICT (content): Merge conflict in <file>".
func parseConflictFiles(output string) []string {
	var conflicts []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "CONFLICT") && strings.Contains(line, "in ") {
			parts := strings.Split(line, "in ")
			file := strings.TrimSpace(parts[len(parts)-1])
			if file != "" && !seen[file] {
				seen[file] = true
				conflicts = append(conflicts, file)
			}
		}
	}
	return conflicts
}
