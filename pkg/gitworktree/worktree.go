// Package gitworktree manages per-stage git worktrees and branches: creation
// and removal, base-branch resolution (including synthetic multi-dependency
// bases), and the merge protocol with conflict detection.
package gitworktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cosmix/loom/pkg/types"
)

// Module is the git worktree and merge manager for one repository.
type Module struct {
	RepoRoot          string
	WorkDir           string
	DefaultBaseBranch string
	Logger            zerolog.Logger
}

func (m *Module) worktreeDir(stageID string) string {
	return filepath.Join(m.RepoRoot, ".worktrees", stageID)
}

// CreateWorktree creates a working tree at .worktrees/<stage-id> on branch
// loom/<stage-id>, branched from baseRef. It ensures a .work symlink into
// the orchestrator's work directory and that .gitignore excludes .work and
// .worktrees.
func (m *Module) CreateWorktree(ctx context.Context, stageID, baseRef string) (*types.Worktree, error) {
	if err := m.ensureGitignore(ctx); err != nil {
		return nil, err
	}

	dir := m.worktreeDir(stageID)
	branch := types.StageBranch(stageID)

	if _, _, err := runGit(ctx, m.RepoRoot, "worktree", "add", "-b", branch, dir, baseRef); err != nil {
		return nil, fmt.Errorf("create worktree for %s: %w", stageID, err)
	}

	workLink := filepath.Join(dir, ".work")
	if err := os.Symlink(m.WorkDir, workLink); err != nil && !os.IsExist(err) {
		return nil, &types.FilesystemError{Op: "symlink", Path: workLink, Underlying: err}
	}

	return &types.Worktree{Path: dir, Branch: branch, Status: types.WorktreeActive}, nil
}

// RemoveWorktree prunes the worktree directory and its git registration. If
// force is false, git refuses to remove a worktree with uncommitted changes.
func (m *Module) RemoveWorktree(ctx context.Context, stageID string, force bool) error {
	dir := m.worktreeDir(stageID)
	args := []string{"worktree", "remove", dir}
	if force {
		args = append(args, "--force")
	}
	if _, _, err := runGit(ctx, m.RepoRoot, args...); err != nil {
		return fmt.Errorf("remove worktree for %s: %w", stageID, err)
	}
	if _, _, err := runGit(ctx, m.RepoRoot, "worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

func (m *Module) ensureGitignore(ctx context.Context) error {
	path := filepath.Join(m.RepoRoot, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return &types.FilesystemError{Op: "read", Path: path, Underlying: err}
	}

	text := string(data)
	missing := []string{}
	for _, entry := range []string{".work", ".worktrees"} {
		if !containsLine(text, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &types.FilesystemError{Op: "open", Path: path, Underlying: err}
	}
	defer f.Close()

	for _, entry := range missing {
		if _, err := fmt.Fprintln(f, entry); err != nil {
			return &types.FilesystemError{Op: "write", Path: path, Underlying: err}
		}
	}
	return nil
}

func containsLine(text, line string) bool {
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) == line {
			return true
		}
	}
	return false
}

// ResolveBase computes the branch a stage's worktree should start from.
// Zero dependencies: the configured default branch. One dependency: that
// dependency's branch. N>1: a synthetic branch loom/_base/<stage-id>
// produced by sequentially merging each dependency branch into a throwaway
// base; a conflict at any step returns a *types.MergeConflictError naming
// every dependency branch as a source.
func (m *Module) ResolveBase(ctx context.Context, stage *types.Stage, depBranches []string) (resolvedBase string, mergedFrom []string, err error) {
	switch len(depBranches) {
	case 0:
		return m.DefaultBaseBranch, nil, nil
	case 1:
		return depBranches[0], depBranches, nil
	default:
		base := types.BaseBranch(stage.ID)
		if _, _, err := runGit(ctx, m.RepoRoot, "branch", "-f", base, m.DefaultBaseBranch); err != nil {
			return "", nil, fmt.Errorf("create synthetic base %s: %w", base, err)
		}

		for _, dep := range depBranches {
			if _, _, err := runGit(ctx, m.RepoRoot, "checkout", base); err != nil {
				return "", nil, fmt.Errorf("checkout synthetic base %s: %w", base, err)
			}
			if _, _, err := runGit(ctx, m.RepoRoot, "merge", "--no-ff", dep); err != nil {
				conflictFiles, _ := m.conflictFiles(ctx)
				_, _, _ = runGit(ctx, m.RepoRoot, "merge", "--abort")
				return "", nil, &types.MergeConflictError{
					StageID:        stage.ID,
					ConflictFiles:  conflictFiles,
					SourceBranches: depBranches,
				}
			}
		}
		return base, depBranches, nil
	}
}

// MergeResult reports the outcome of MergeStage.
type MergeResult struct {
	Commit      string
	Insertions  int
	Deletions   int
	FilesChanged int
}

// MergeStage checks out target and merges loom/<stage-id> with --no-ff. On
// conflict it collects the unmerged paths, aborts the merge, restores the
// original branch, and returns a *types.MergeConflictError.
func (m *Module) MergeStage(ctx context.Context, stageID, target string) (*MergeResult, error) {
	restore, err := m.applySafetyPolicies(ctx, stageID)
	if err != nil {
		return nil, err
	}
	defer restore()

	orig, _, _ := runGit(ctx, m.RepoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if _, _, err := runGit(ctx, m.RepoRoot, "checkout", target); err != nil {
		return nil, fmt.Errorf("checkout target %s: %w", target, err)
	}

	branch := types.StageBranch(stageID)
	stdout, _, err := runGit(ctx, m.RepoRoot, "merge", "--no-ff", branch, "--stat")
	if err != nil {
		conflictFiles, _ := m.conflictFiles(ctx)
		_, _, _ = runGit(ctx, m.RepoRoot, "merge", "--abort")
		if orig = strings.TrimSpace(orig); orig != "" && orig != "HEAD" {
			_, _, _ = runGit(ctx, m.RepoRoot, "checkout", orig)
		}
		return nil, &types.MergeConflictError{StageID: stageID, ConflictFiles: conflictFiles}
	}

	commit, _, err := runGit(ctx, m.RepoRoot, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve merge commit: %w", err)
	}

	result := &MergeResult{Commit: strings.TrimSpace(commit)}
	parseDiffStat(stdout, result)
	return result, nil
}

func parseDiffStat(stat string, result *MergeResult) {
	lines := strings.Split(stat, "\n")
	if len(lines) == 0 {
		return
	}
	summary := lines[len(lines)-1]
	for _, part := range strings.Split(summary, ",") {
		part = strings.TrimSpace(part)
		fields := strings.Fields(part)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		switch {
		case strings.Contains(part, "file"):
			result.FilesChanged = n
		case strings.Contains(part, "insertion"):
			result.Insertions = n
		case strings.Contains(part, "deletion"):
			result.Deletions = n
		}
	}
}

func (m *Module) conflictFiles(ctx context.Context) ([]string, error) {
	stdout, _, err := runGit(ctx, m.RepoRoot, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, l := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if l != "" {
			files = append(files, l)
		}
	}
	return files, nil
}

// IsAncestorOf reports whether commit is an ancestor of ref, used to verify
// the persisted merged flag against real branch history.
func (m *Module) IsAncestorOf(ctx context.Context, commit, ref string) (bool, error) {
	_, _, err := runGit(ctx, m.RepoRoot, "merge-base", "--is-ancestor", commit, ref)
	if err == nil {
		return true, nil
	}
	var gerr *types.GitError
	if ok := asGitError(err, &gerr); ok && gerr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

func asGitError(err error, target **types.GitError) bool {
	ge, ok := err.(*types.GitError)
	if ok {
		*target = ge
	}
	return ok
}

// MergeState derives the effective merge state for a completed stage using a
// fixed precedence: explicit merge_conflict flag, then ancestry
// verification, then the persisted merged flag, else "unknown".
func (m *Module) MergeState(ctx context.Context, stage *types.Stage, mergePointBranch string) string {
	if stage.MergeConflict {
		return "conflict"
	}
	if stage.CompletedCommit != "" {
		if ok, err := m.IsAncestorOf(ctx, stage.CompletedCommit, mergePointBranch); err == nil {
			if ok {
				return "merged"
			}
			return "not_merged"
		}
	}
	if stage.Merged {
		return "merged"
	}
	return "unknown"
}

// applySafetyPolicies runs the five pre-merge safety steps and returns a
// restore function that undoes them on any failure path:
// (1) stash uncommitted main-repo changes with -u; (2) auto-commit
// uncommitted worktree changes; (3) strip any accidentally committed
// .work/.worktrees directories from the branch; (4) remove the .work
// symlink from the worktree before merging; (5) restore the symlink and/or
// pop the stash afterward.
func (m *Module) applySafetyPolicies(ctx context.Context, stageID string) (restore func(), err error) {
	stashed := false
	if _, _, serr := runGit(ctx, m.RepoRoot, "stash", "push", "-u", "-m", "loom-auto-stash-"+stageID); serr == nil {
		stashed = true
	}

	dir := m.worktreeDir(stageID)
	_, _, _ = runGit(ctx, dir, "add", "-A")
	_, _, _ = runGit(ctx, dir, "commit", "-m", "loom: auto-commit before merge", "--allow-empty-message", "--no-verify")

	_, _, _ = runGit(ctx, dir, "rm", "-r", "--cached", "--ignore-unmatch", ".work", ".worktrees")

	workLink := filepath.Join(dir, ".work")
	hadSymlink := false
	if _, statErr := os.Lstat(workLink); statErr == nil {
		hadSymlink = true
		_ = os.Remove(workLink)
	}

	restore = func() {
		if hadSymlink {
			_ = os.Symlink(m.WorkDir, workLink)
		}
		if stashed {
			_, _, _ = runGit(ctx, m.RepoRoot, "stash", "pop")
		}
	}
	return restore, nil
}
