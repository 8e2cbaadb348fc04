package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/openfleet/openfleet/pkg/logger"
)

// GitWorktreeManager provisions one git worktree per task attempt under a
// dedicated root, on a task-scoped branch.
type GitWorktreeManager struct {
	repoRoot     string
	worktreeRoot string

	mu     sync.Mutex
	active map[string]*Worktree
}

// NewGitWorktreeManager builds a manager. repoRoot is the primary checkout;
// worktreeRoot is where per-task worktrees live.
func NewGitWorktreeManager(repoRoot, worktreeRoot string) *GitWorktreeManager {
	return &GitWorktreeManager{
		repoRoot:     repoRoot,
		worktreeRoot: worktreeRoot,
		active:       make(map[string]*Worktree),
	}
}

func (m *GitWorktreeManager) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// branchFor is the deterministic branch name for a task attempt.
func branchFor(taskID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, taskID)
	return "openfleet/task-" + safe
}

// Create adds a worktree on a fresh task branch. An empty base branch means
// the repository's current HEAD. Creating a second worktree for the same
// task returns the existing one.
func (m *GitWorktreeManager) Create(ctx context.Context, taskID, baseBranch string) (*Worktree, error) {
	m.mu.Lock()
	if wt, ok := m.active[taskID]; ok {
		m.mu.Unlock()
		return wt, nil
	}
	m.mu.Unlock()

	if err := os.MkdirAll(m.worktreeRoot, 0755); err != nil {
		return nil, fmt.Errorf("create worktree root: %w", err)
	}

	branch := branchFor(taskID)
	path := filepath.Join(m.worktreeRoot, branch[strings.LastIndex(branch, "/")+1:])

	args := []string{"worktree", "add", path, "-b", branch}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	if _, err := m.git(ctx, args...); err != nil {
		// The branch may survive a crashed prior attempt; reattach it.
		if strings.Contains(err.Error(), "already exists") {
			if _, err2 := m.git(ctx, "worktree", "add", path, branch); err2 != nil {
				return nil, err2
			}
		} else {
			return nil, err
		}
	}

	wt := &Worktree{TaskID: taskID, Path: path, Branch: branch, BaseBranch: baseBranch}
	m.mu.Lock()
	m.active[taskID] = wt
	m.mu.Unlock()

	logger.DebugCF("executor", "Worktree created", map[string]interface{}{
		"task": taskID, "path": path, "branch": branch,
	})
	return wt, nil
}

// Remove tears down the task's worktree. The branch stays: review and PR
// flows happen after the slot is gone.
func (m *GitWorktreeManager) Remove(ctx context.Context, taskID string) error {
	m.mu.Lock()
	wt, ok := m.active[taskID]
	delete(m.active, taskID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := m.git(ctx, "worktree", "remove", "--force", wt.Path); err != nil {
		return err
	}
	return nil
}

// Prune drops worktree bookkeeping for paths that no longer exist and
// removes orphan directories under the worktree root.
func (m *GitWorktreeManager) Prune(ctx context.Context) (int, error) {
	if _, err := m.git(ctx, "worktree", "prune"); err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(m.worktreeRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	m.mu.Lock()
	live := make(map[string]bool, len(m.active))
	for _, wt := range m.active {
		live[filepath.Base(wt.Path)] = true
	}
	m.mu.Unlock()

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || live[entry.Name()] {
			continue
		}
		path := filepath.Join(m.worktreeRoot, entry.Name())
		if _, err := m.git(ctx, "worktree", "remove", "--force", path); err != nil {
			// Not a registered worktree anymore; clear the directory.
			os.RemoveAll(path)
		}
		removed++
	}
	return removed, nil
}

// CommitsSince counts commits the task branch has on top of its base. The
// agent pool uses this to fill ThreadResult.Committed.
func (m *GitWorktreeManager) CommitsSince(ctx context.Context, wt *Worktree) (int, error) {
	base := wt.BaseBranch
	if base == "" {
		base = "HEAD"
	}
	out, err := m.git(ctx, "rev-list", "--count", base+".."+wt.Branch)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse commit count %q: %w", out, err)
	}
	return n, nil
}
