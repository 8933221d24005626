package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/tributarylabs/tributary/internal/config"
)

// setupTestRepo creates a temporary git repository for testing.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	repoPath := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %s failed: %v (output: %s)", strings.Join(args, " "), err, string(output))
		}
	}

	run("init")
	run("config", "user.name", "Test User")
	run("config", "user.email", "test@example.com")
	run("checkout", "-b", "main")

	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Test Repo\n"), 0644); err != nil {
		t.Fatalf("failed to write initial file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")

	return repoPath
}

func testWorkspace(t *testing.T) (*GitWorkspace, string) {
	t.Helper()
	repoPath := setupTestRepo(t)
	ws := NewGitWorkspace(config.WorkspaceConfig{
		RepoPath:   repoPath,
		BaseBranch: "main",
	}, zap.NewNop())
	return ws, repoPath
}

// commitInWorktree writes a file in the worktree and commits it.
func commitInWorktree(t *testing.T, wtPath, file, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(wtPath, file), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", file, err)
	}
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "change " + file}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = wtPath
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %s failed: %v (output: %s)", strings.Join(args, " "), err, string(output))
		}
	}
}

// TestCreateWorktree verifies worktree and branch creation.
func TestCreateWorktree(t *testing.T) {
	ctx := context.Background()
	ws, _ := testWorkspace(t)

	info, err := ws.CreateWorktree(ctx, "task-1")
	if err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	if info.Branch != "task/task-1" {
		t.Errorf("unexpected branch: %s", info.Branch)
	}
	if _, err := os.Stat(info.Path); err != nil {
		t.Errorf("worktree path missing: %v", err)
	}
	if info.Head == "" {
		t.Error("expected HEAD commit hash")
	}

	listed, err := ws.List(ctx)
	if err != nil {
		t.Fatalf("list worktrees: %v", err)
	}
	found := false
	for _, w := range listed {
		if w.TaskID == "task-1" {
			found = true
		}
	}
	if !found {
		t.Error("created worktree not in list")
	}

	if err := ws.Cleanup(ctx, info); err != nil {
		t.Errorf("cleanup: %v", err)
	}
	if _, err := os.Stat(info.Path); !os.IsNotExist(err) {
		t.Error("worktree path should be removed")
	}
}

// TestDryRunConflicts verifies read-only conflict detection between branches.
func TestDryRunConflicts(t *testing.T) {
	ctx := context.Background()
	ws, repoPath := testWorkspace(t)

	clean, err := ws.CreateWorktree(ctx, "clean")
	if err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	commitInWorktree(t, clean.Path, "new.txt", "no conflict here\n")

	conflicting, err := ws.CreateWorktree(ctx, "conflicting")
	if err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	commitInWorktree(t, conflicting.Path, "README.md", "# Rewritten\n")

	// Diverge main so the README edit conflicts.
	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Diverged on main\n"), 0644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "diverge main"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %s failed: %v (output: %s)", strings.Join(args, " "), err, string(output))
		}
	}

	files, err := ws.DryRunConflicts(ctx, clean.Branch)
	if err != nil {
		t.Fatalf("dry run clean branch: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected no conflicts for clean branch, got %v", files)
	}

	files, err = ws.DryRunConflicts(ctx, conflicting.Branch)
	if err != nil {
		t.Fatalf("dry run conflicting branch: %v", err)
	}
	if len(files) != 1 || files[0] != "README.md" {
		t.Errorf("expected README.md conflict, got %v", files)
	}

	// Dry run must not leave the repository mid-merge.
	status := exec.Command("git", "status", "--porcelain")
	status.Dir = repoPath
	output, err := status.CombinedOutput()
	if err != nil {
		t.Fatalf("git status failed: %v", err)
	}
	if len(strings.TrimSpace(string(output))) != 0 {
		t.Errorf("dry run dirtied the repository: %s", output)
	}
}

// TestMergeResolveCommit verifies the no-commit merge, staged resolution, and
// final commit path the coordinator drives.
func TestMergeResolveCommit(t *testing.T) {
	ctx := context.Background()
	ws, repoPath := testWorkspace(t)

	branch, err := ws.CreateWorktree(ctx, "edit")
	if err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	commitInWorktree(t, branch.Path, "README.md", "# Branch edit\n")

	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Main edit\n"), 0644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "main edit"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %s failed: %v (output: %s)", strings.Join(args, " "), err, string(output))
		}
	}

	outcome, err := ws.MergeNoCommit(ctx, branch.Branch)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if outcome.Merged {
		t.Fatal("expected conflicts")
	}
	if len(outcome.ConflictFiles) != 1 || outcome.ConflictFiles[0] != "README.md" {
		t.Fatalf("expected README.md conflict, got %v", outcome.ConflictFiles)
	}

	content, err := ws.ConflictedContent(ctx, "README.md")
	if err != nil {
		t.Fatalf("read conflicted content: %v", err)
	}
	if !strings.Contains(content, "<<<<<<<") {
		t.Errorf("expected conflict markers, got %q", content)
	}

	if err := ws.WriteResolved(ctx, "README.md", "# Merged edit\n"); err != nil {
		t.Fatalf("write resolved: %v", err)
	}
	if err := ws.CommitMerge(ctx, "merge task/edit"); err != nil {
		t.Fatalf("commit merge: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(repoPath, "README.md"))
	if err != nil {
		t.Fatalf("read merged file: %v", err)
	}
	if string(data) != "# Merged edit\n" {
		t.Errorf("unexpected merged content: %q", data)
	}
}

// TestAbortMerge verifies an aborted merge restores the base branch.
func TestAbortMerge(t *testing.T) {
	ctx := context.Background()
	ws, repoPath := testWorkspace(t)

	branch, err := ws.CreateWorktree(ctx, "abort")
	if err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	commitInWorktree(t, branch.Path, "README.md", "# Branch edit\n")

	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Main edit\n"), 0644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "main edit"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %s failed: %v (output: %s)", strings.Join(args, " "), err, string(output))
		}
	}

	outcome, err := ws.MergeNoCommit(ctx, branch.Branch)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if outcome.Merged {
		t.Fatal("expected conflicts")
	}

	if err := ws.AbortMerge(ctx); err != nil {
		t.Fatalf("abort merge: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(repoPath, "README.md"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(data) != "# Main edit\n" {
		t.Errorf("abort should restore base content, got %q", data)
	}
}

// TestParseConflictFiles verifies merge-tree output parsing.
func TestParseConflictFiles(t *testing.T) {
	output := `deadbeef
100644 blob abc123	README.md
Auto-merging README.md
CONFLICT (content): Merge conflict in README.md
CONFLICT (content): Merge conflict in internal/core/core.go
CONFLICT (content): Merge conflict in README.md
`
	files := parseConflictFiles(output)
	if len(files) != 2 {
		t.Fatalf("expected 2 unique conflict files, got %v", files)
	}
	if files[0] != "README.md" || files[1] != "internal/core/core.go" {
		t.Errorf("unexpected files: %v", files)
	}

	if got := parseConflictFiles("clean merge output\n"); len(got) != 0 {
		t.Errorf("expected no conflicts, got %v", got)
	}
}
