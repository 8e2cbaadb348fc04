package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfleet/openfleet/pkg/executor"
	"github.com/openfleet/openfleet/pkg/kanban"
)

// fakeRunner returns a scripted thread result.
type fakeRunner struct {
	result executor.ThreadResult
	err    error
}

func (r *fakeRunner) RunThread(ctx context.Context, opts executor.ThreadOptions) (executor.ThreadResult, error) {
	return r.result, r.err
}

func launchOpts(taskID string) executor.ThreadOptions {
	return executor.ThreadOptions{
		Task:     kanban.Task{ID: taskID, Title: taskID},
		Worktree: &executor.Worktree{TaskID: taskID, Path: "/tmp/" + taskID, Branch: "openfleet/" + taskID},
	}
}

// TestLaunchSuccessClearsRegistry verifies a clean finish drops the thread
// record
func TestLaunchSuccessClearsRegistry(t *testing.T) {
	registry := filepath.Join(t.TempDir(), "threads.json")
	pool := NewPool(&fakeRunner{result: executor.ThreadResult{Committed: true}}, nil, registry)
	ctx := context.Background()

	results, err := pool.Launch(ctx, launchOpts("PROJ-1"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	result := <-results
	if result.Err != nil || !result.Committed || result.TaskID != "PROJ-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, open := <-results; open {
		t.Error("results channel should close after the terminal result")
	}

	infos, _ := pool.Threads(ctx)
	if len(infos) != 0 {
		t.Errorf("registry should be empty after success, got %+v", infos)
	}
}

// TestLaunchFailureKeepsResumableRecord verifies a failed thread stays in
// the registry marked resumable
func TestLaunchFailureKeepsResumableRecord(t *testing.T) {
	registry := filepath.Join(t.TempDir(), "threads.json")
	pool := NewPool(&fakeRunner{err: errors.New("agent crashed")}, nil, registry)
	ctx := context.Background()

	results, err := pool.Launch(ctx, launchOpts("PROJ-1"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	result := <-results
	if result.Err == nil {
		t.Fatal("expected thread error")
	}

	infos, _ := pool.Threads(ctx)
	if len(infos) != 1 || infos[0].TaskID != "PROJ-1" || !infos[0].Resumable {
		t.Errorf("expected one resumable record, got %+v", infos)
	}
}

// TestLaunchRequiresWorktree verifies the nil-worktree guard
func TestLaunchRequiresWorktree(t *testing.T) {
	pool := NewPool(&fakeRunner{}, nil, filepath.Join(t.TempDir(), "threads.json"))
	opts := launchOpts("PROJ-1")
	opts.Worktree = nil
	if _, err := pool.Launch(context.Background(), opts); err == nil {
		t.Error("expected error for missing worktree")
	}
}

// TestCommitDetection verifies the commit counter fills in Committed when
// the runner does not report it
func TestCommitDetection(t *testing.T) {
	counter := func(ctx context.Context, wt *executor.Worktree) (int, error) { return 2, nil }
	pool := NewPool(&fakeRunner{result: executor.ThreadResult{}}, counter, filepath.Join(t.TempDir(), "threads.json"))

	results, err := pool.Launch(context.Background(), launchOpts("PROJ-1"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	result := <-results
	if !result.Committed {
		t.Error("commit counter should mark the result committed")
	}
}

// TestRegistryPersistsAcrossPools verifies a failed thread written by one
// pool is visible to a fresh pool after reload
func TestRegistryPersistsAcrossPools(t *testing.T) {
	registry := filepath.Join(t.TempDir(), "threads.json")
	ctx := context.Background()

	first := NewPool(&fakeRunner{err: errors.New("interrupted")}, nil, registry)
	results, err := first.Launch(ctx, launchOpts("PROJ-1"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	<-results

	second := NewPool(&fakeRunner{}, nil, registry)
	if err := second.EnsureThreadRegistryLoaded(ctx); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	infos, _ := second.Threads(ctx)
	if len(infos) != 1 || infos[0].TaskID != "PROJ-1" {
		t.Errorf("reloaded registry = %+v, want the failed PROJ-1 record", infos)
	}
	if infos[0].LastActivity.IsZero() || time.Since(infos[0].LastActivity) > time.Minute {
		t.Errorf("last activity not persisted: %v", infos[0].LastActivity)
	}
}

// TestCorruptRegistryStartsEmpty verifies a broken registry file never
// blocks startup
func TestCorruptRegistryStartsEmpty(t *testing.T) {
	registry := filepath.Join(t.TempDir(), "threads.json")
	if err := os.WriteFile(registry, []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}

	pool := NewPool(&fakeRunner{}, nil, registry)
	if err := pool.EnsureThreadRegistryLoaded(context.Background()); err != nil {
		t.Fatalf("corrupt registry should not error: %v", err)
	}
	infos, _ := pool.Threads(context.Background())
	if len(infos) != 0 {
		t.Errorf("expected empty registry, got %+v", infos)
	}
}

// TestMissingRegistryIsEmpty verifies a missing file is an empty registry
func TestMissingRegistryIsEmpty(t *testing.T) {
	pool := NewPool(&fakeRunner{}, nil, filepath.Join(t.TempDir(), "threads.json"))
	if err := pool.EnsureThreadRegistryLoaded(context.Background()); err != nil {
		t.Fatalf("missing registry should not error: %v", err)
	}
}
