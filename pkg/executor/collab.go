package executor

import (
	"context"
	"time"

	"github.com/openfleet/openfleet/pkg/kanban"
)

// ClaimRegistry is the lease-claim surface the executor consumes. The
// shipped implementation is claims.Registry; tests substitute fakes.
type ClaimRegistry interface {
	ClaimTask(ctx context.Context, taskID string) (token string, ok bool, err error)
	RenewClaim(ctx context.Context, token string) error
	ReleaseTask(ctx context.Context, token string) error
}

// forceReleaser is the optional recovery surface: dropping a claim whose
// attempt token is gone. Asserted at runtime, never required.
type forceReleaser interface {
	ForceRelease(taskID string) bool
}

// Worktree is an isolated checkout for one task attempt.
type Worktree struct {
	TaskID     string
	Path       string
	Branch     string
	BaseBranch string
}

// WorktreeManager provisions and tears down per-task worktrees.
type WorktreeManager interface {
	Create(ctx context.Context, taskID, baseBranch string) (*Worktree, error)
	Remove(ctx context.Context, taskID string) error

	// Prune removes worktrees with no corresponding live slot. Returns the
	// number removed.
	Prune(ctx context.Context) (int, error)
}

// ThreadOptions parameterizes one agent thread launch.
type ThreadOptions struct {
	Task     kanban.Task
	Worktree *Worktree

	// SDK routes the thread to a coding agent; "auto" lets the pool pick.
	SDK     string
	Timeout time.Duration

	// Resume continues an existing thread instead of starting fresh.
	Resume bool

	// RecoveredFromInProgress marks a thread picked back up after a process
	// restart, so the agent knows prior context may exist on the branch.
	RecoveredFromInProgress bool

	RequirementsProfile string
	RequirementsNotes   string
}

// ThreadResult is the terminal outcome of one agent thread.
type ThreadResult struct {
	TaskID string

	// Committed reports whether the attempt produced at least one commit.
	Committed bool

	PRNumber string
	PRURL    string
	Err      error
}

// ThreadInfo describes a known thread in the pool's registry, used by
// startup recovery to decide resume vs demote.
type ThreadInfo struct {
	TaskID       string
	StartedAt    time.Time
	LastActivity time.Time
	Resumable    bool
}

// AgentPool runs agent threads. The registry of past threads survives
// restarts; EnsureThreadRegistryLoaded must complete before recovery reads
// it.
type AgentPool interface {
	EnsureThreadRegistryLoaded(ctx context.Context) error
	Threads(ctx context.Context) ([]ThreadInfo, error)
	Launch(ctx context.Context, opts ThreadOptions) (<-chan ThreadResult, error)
}
