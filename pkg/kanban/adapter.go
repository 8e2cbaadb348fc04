package kanban

import (
	"context"
	"errors"
)

// Error kinds for adapter operations. Callers classify with errors.Is;
// adapters wrap these with backend detail.
var (
	// ErrInvalidInput marks a caller bug (bad id format, missing required
	// fields). Fail fast, never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is propagated when the backend has no such task/project.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks network/subprocess failures that are retried
	// inside the adapter or counted against executor retries.
	ErrTransient = errors.New("transient failure")

	// ErrUnsupported is the typed sentinel for optional capabilities a
	// backend does not implement. Callers log a warning and use a neutral
	// value.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrFatal marks adapter misconfiguration or unrecoverable backend
	// responses (invalid transition, exhausted rate-limit retry).
	ErrFatal = errors.New("fatal adapter error")
)

// ListFilters narrows a task listing.
type ListFilters struct {
	Status       Status
	Limit        int
	ProjectField string
	JQL          string
	Assignee     string
}

// UpdateOptions carries the optional extras of a status update.
type UpdateOptions struct {
	// SharedState, when set, is persisted to the issue after the status
	// write succeeds.
	SharedState *SharedState

	// ProjectFields are project-board field values to sync alongside the
	// status (GitHub Projects-v2 only).
	ProjectFields map[string]string
}

// Adapter is the uniform contract over every kanban backend. All operations
// may fail; blocking operations take a context and suspend at every
// network/subprocess boundary.
type Adapter interface {
	// Backend returns the adapter's backend tag.
	Backend() BackendName

	// ListProjects returns the backend's projects in stable order. The
	// internal backend returns a single synthetic project.
	ListProjects(ctx context.Context) ([]Project, error)

	// ListTasks returns tasks for a project. Returned tasks carry attached
	// shared state in meta where the backend supports it, and are filtered
	// by the scope label when enforcement is on.
	ListTasks(ctx context.Context, projectID string, f ListFilters) ([]Task, error)

	// GetTask fetches one task. Invalid id formats are ErrInvalidInput;
	// missing tasks are ErrNotFound.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTaskStatus writes a canonical status, optionally persisting
	// shared state and syncing project-board fields. Terminal statuses
	// close or transition the issue.
	UpdateTaskStatus(ctx context.Context, id string, s Status, opts UpdateOptions) (*Task, error)

	// UpdateTask applies a partial update, preserving system and scope
	// labels and merging tags by set difference.
	UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error)

	// CreateTask creates a task, applying the scope label, draft/status
	// labels, upstream-branch label, and assignee defaulting.
	CreateTask(ctx context.Context, projectID string, data Task) (*Task, error)

	// DeleteTask removes a task: hard for internal/VK, soft (close /
	// terminal transition) for GitHub/Jira.
	DeleteTask(ctx context.Context, id string) (bool, error)

	// AddComment posts a comment. Best-effort; failures are non-fatal for
	// callers and logged.
	AddComment(ctx context.Context, id, body string) (bool, error)

	// PersistSharedState applies exactly one of the three codex status
	// labels, writes or updates the single structured comment, and (Jira)
	// populates configured custom fields. Retries once on transient
	// failure. Invalid shared state is ErrInvalidInput.
	PersistSharedState(ctx context.Context, id string, state SharedState) (bool, error)

	// ReadSharedState reads the claim record: structured custom fields
	// first (Jira), then the sentinel comment. Returns nil, nil when no
	// valid state exists.
	ReadSharedState(ctx context.Context, id string) (*SharedState, error)

	// MarkTaskIgnored adds the ignore label (and ignore-reason field where
	// configured) and posts an explanatory comment.
	MarkTaskIgnored(ctx context.Context, id, reason string) (bool, error)
}

// IsUnsupported reports whether an adapter declined an optional capability.
func IsUnsupported(err error) bool { return errors.Is(err, ErrUnsupported) }

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsNotFound reports whether the target does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
