package syncengine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openfleet/openfleet/pkg/kanban"
	"github.com/openfleet/openfleet/pkg/kanban/internalstore"
)

// fakeSource serves a fixed board and counts rate-limit events.
type fakeSource struct {
	kanban.Adapter

	mu       sync.Mutex
	tasks    map[string]*kanban.Task
	projects []kanban.Project
	rate     int64
}

func newFakeSource(tasks ...kanban.Task) *fakeSource {
	s := &fakeSource{
		tasks:    map[string]*kanban.Task{},
		projects: []kanban.Project{{ID: "board", Name: "Board", Backend: kanban.BackendGitHub}},
	}
	for i := range tasks {
		t := tasks[i]
		s.tasks[t.ID] = &t
	}
	return s
}

func (s *fakeSource) Backend() kanban.BackendName { return kanban.BackendGitHub }

func (s *fakeSource) GetTask(ctx context.Context, id string) (*kanban.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: issue %s", kanban.ErrNotFound, id)
	}
	copied := *t
	return &copied, nil
}

func (s *fakeSource) ListProjects(ctx context.Context) ([]kanban.Project, error) {
	return s.projects, nil
}

func (s *fakeSource) ListTasks(ctx context.Context, projectID string, f kanban.ListFilters) ([]kanban.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []kanban.Task{}
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out, nil
}

func (s *fakeSource) RateLimitEvents() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func testEngine(t *testing.T, source kanban.Adapter) (*Engine, *internalstore.Store) {
	t.Helper()
	store, err := internalstore.Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(source, store, nil), store
}

func boardTask(id, title string, status kanban.Status) kanban.Task {
	return kanban.Task{
		ID:        id,
		Title:     title,
		Status:    status,
		Tags:      []string{"backend"},
		Backend:   kanban.BackendGitHub,
		CreatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
	}
}

// TestSyncTaskMirrors verifies one task lands in the store under its
// namespaced mirror id with origin metadata
func TestSyncTaskMirrors(t *testing.T) {
	source := newFakeSource(boardTask("42", "Fix login", kanban.StatusInProgress))
	engine, store := testEngine(t, source)

	if err := engine.SyncTask(context.Background(), "42"); err != nil {
		t.Fatalf("SyncTask: %v", err)
	}

	rec, err := store.Get("github:42")
	if err != nil {
		t.Fatalf("mirror row missing: %v", err)
	}
	if rec.Title != "Fix login" || rec.Status != kanban.StatusInProgress {
		t.Errorf("unexpected mirror: %+v", rec)
	}
	if rec.Meta["origin"] != "github" || rec.Meta["originId"] != "42" {
		t.Errorf("origin metadata missing: %v", rec.Meta)
	}
}

// TestSyncTaskUpdatePreservesCreatedAt verifies re-sync updates in place
func TestSyncTaskUpdatePreservesCreatedAt(t *testing.T) {
	source := newFakeSource(boardTask("42", "Fix login", kanban.StatusTodo))
	engine, store := testEngine(t, source)
	ctx := context.Background()

	if err := engine.SyncTask(ctx, "42"); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	first, _ := store.Get("github:42")

	source.mu.Lock()
	source.tasks["42"].Status = kanban.StatusDone
	source.tasks["42"].Title = "Fix login flow"
	source.mu.Unlock()

	if err := engine.SyncTask(ctx, "42"); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	rec, _ := store.Get("github:42")
	if rec.Status != kanban.StatusDone || rec.Title != "Fix login flow" {
		t.Errorf("update not applied: %+v", rec)
	}
	if !rec.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created-at changed on update: %v vs %v", rec.CreatedAt, first.CreatedAt)
	}
}

// TestSyncTaskDropsDeletedMirror verifies a task deleted upstream removes
// its mirror row without error
func TestSyncTaskDropsDeletedMirror(t *testing.T) {
	source := newFakeSource(boardTask("42", "Fix login", kanban.StatusTodo))
	engine, store := testEngine(t, source)
	ctx := context.Background()

	if err := engine.SyncTask(ctx, "42"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	source.mu.Lock()
	delete(source.tasks, "42")
	source.mu.Unlock()

	if err := engine.SyncTask(ctx, "42"); err != nil {
		t.Fatalf("sync of deleted task: %v", err)
	}
	if _, err := store.Get("github:42"); err == nil {
		t.Error("mirror row should be gone")
	}
}

// TestFullSync verifies every board task is mirrored in one pass
func TestFullSync(t *testing.T) {
	source := newFakeSource(
		boardTask("1", "one", kanban.StatusTodo),
		boardTask("2", "two", kanban.StatusInProgress),
		boardTask("3", "three", kanban.StatusDone),
	)
	engine, store := testEngine(t, source)

	if err := engine.FullSync(context.Background()); err != nil {
		t.Fatalf("FullSync: %v", err)
	}
	for _, id := range []string{"github:1", "github:2", "github:3"} {
		if _, err := store.Get(id); err != nil {
			t.Errorf("mirror %s missing: %v", id, err)
		}
	}

	status := engine.Status()
	if status["tasks_synced"] != int64(3) {
		t.Errorf("tasks_synced = %v, want 3", status["tasks_synced"])
	}
	if status["last_full_sync"] == nil {
		t.Error("last_full_sync not recorded")
	}
}

// TestRateLimitPassthrough verifies the source counter is surfaced and a
// counterless source reads zero
func TestRateLimitPassthrough(t *testing.T) {
	source := newFakeSource()
	source.rate = 7
	engine, _ := testEngine(t, source)
	if got := engine.RateLimitEvents(); got != 7 {
		t.Errorf("RateLimitEvents = %d, want 7", got)
	}

	engine2 := New(plainAdapter{}, nil, nil)
	if got := engine2.RateLimitEvents(); got != 0 {
		t.Errorf("counterless source = %d, want 0", got)
	}
}

// plainAdapter has no rate-limit counter.
type plainAdapter struct {
	kanban.Adapter
}

func (plainAdapter) Backend() kanban.BackendName { return kanban.BackendInternal }
