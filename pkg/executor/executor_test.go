package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openfleet/openfleet/pkg/kanban"
)

// fakeAdapter records status writes and serves a fixed task list.
type fakeAdapter struct {
	kanban.Adapter

	mu       sync.Mutex
	tasks    []kanban.Task
	statuses map[string][]kanban.Status
	states   map[string]kanban.SharedState
	shared   map[string]*kanban.SharedState
}

func newFakeAdapter(tasks ...kanban.Task) *fakeAdapter {
	return &fakeAdapter{
		tasks:    tasks,
		statuses: map[string][]kanban.Status{},
		states:   map[string]kanban.SharedState{},
		shared:   map[string]*kanban.SharedState{},
	}
}

func (a *fakeAdapter) ListTasks(ctx context.Context, projectID string, f kanban.ListFilters) ([]kanban.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := []kanban.Task{}
	for _, t := range a.tasks {
		if f.Status == "" || t.Status == f.Status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (a *fakeAdapter) UpdateTaskStatus(ctx context.Context, id string, s kanban.Status, opts kanban.UpdateOptions) (*kanban.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses[id] = append(a.statuses[id], s)
	return &kanban.Task{ID: id, Status: s}, nil
}

func (a *fakeAdapter) PersistSharedState(ctx context.Context, id string, state kanban.SharedState) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[id] = state
	return true, nil
}

func (a *fakeAdapter) ReadSharedState(ctx context.Context, id string) (*kanban.SharedState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shared[id], nil
}

func (a *fakeAdapter) lastStatus(id string) kanban.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	writes := a.statuses[id]
	if len(writes) == 0 {
		return ""
	}
	return writes[len(writes)-1]
}

// fakeClaims hands out sequential tokens and records releases.
type fakeClaims struct {
	mu       sync.Mutex
	next     int
	held     map[string]string // taskID -> token
	denied   map[string]bool
	released []string
	forced   []string
}

func newFakeClaims() *fakeClaims {
	return &fakeClaims{held: map[string]string{}, denied: map[string]bool{}}
}

func (c *fakeClaims) ClaimTask(ctx context.Context, taskID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.denied[taskID] {
		return "", false, nil
	}
	c.next++
	token := fmt.Sprintf("tok-%d", c.next)
	c.held[taskID] = token
	return token, true, nil
}

func (c *fakeClaims) RenewClaim(ctx context.Context, token string) error { return nil }

func (c *fakeClaims) ReleaseTask(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, token)
	for id, t := range c.held {
		if t == token {
			delete(c.held, id)
		}
	}
	return nil
}

func (c *fakeClaims) ForceRelease(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forced = append(c.forced, taskID)
	_, ok := c.held[taskID]
	delete(c.held, taskID)
	return ok
}

func (c *fakeClaims) releaseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.released)
}

// fakeWorktrees provisions in-memory worktrees.
type fakeWorktrees struct {
	mu        sync.Mutex
	createErr error
	created   []string
	removed   []string
}

func (w *fakeWorktrees) Create(ctx context.Context, taskID, baseBranch string) (*Worktree, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.createErr != nil {
		return nil, w.createErr
	}
	w.created = append(w.created, taskID)
	return &Worktree{TaskID: taskID, Path: "/tmp/" + taskID, Branch: "openfleet/" + taskID, BaseBranch: baseBranch}, nil
}

func (w *fakeWorktrees) Remove(ctx context.Context, taskID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, taskID)
	return nil
}

func (w *fakeWorktrees) Prune(ctx context.Context) (int, error) { return 0, nil }

func (w *fakeWorktrees) removedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.removed)
}

// fakePool hands back a caller-controlled result channel per launch.
type fakePool struct {
	mu        sync.Mutex
	launchErr error
	threads   []ThreadInfo
	launches  []ThreadOptions
	results   map[string]chan ThreadResult
}

func newFakePool() *fakePool {
	return &fakePool{results: map[string]chan ThreadResult{}}
}

func (p *fakePool) EnsureThreadRegistryLoaded(ctx context.Context) error { return nil }

func (p *fakePool) Threads(ctx context.Context) ([]ThreadInfo, error) {
	return p.threads, nil
}

func (p *fakePool) Launch(ctx context.Context, opts ThreadOptions) (<-chan ThreadResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.launchErr != nil {
		return nil, p.launchErr
	}
	p.launches = append(p.launches, opts)
	ch := make(chan ThreadResult, 1)
	p.results[opts.Task.ID] = ch
	return ch, nil
}

func (p *fakePool) finish(taskID string, result ThreadResult) {
	p.mu.Lock()
	ch := p.results[taskID]
	p.mu.Unlock()
	ch <- result
}

func (p *fakePool) launchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.launches)
}

func testExecutor(adapter *fakeAdapter, cfg Config) (*Executor, *fakeClaims, *fakeWorktrees, *fakePool) {
	claims := newFakeClaims()
	worktrees := &fakeWorktrees{}
	pool := newFakePool()
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 2
	}
	e := New(adapter, claims, worktrees, pool, nil, cfg)
	return e, claims, worktrees, pool
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *Executor) runningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.slots)
}

func todoTask(id string) kanban.Task {
	return kanban.Task{ID: id, Title: id, Status: kanban.StatusTodo}
}

// TestDispatchReleasesClaimOnWorktreeFailure verifies the claim is given
// back when worktree provisioning fails
func TestDispatchReleasesClaimOnWorktreeFailure(t *testing.T) {
	adapter := newFakeAdapter()
	e, claims, worktrees, _ := testExecutor(adapter, Config{})
	worktrees.createErr = errors.New("disk full")

	err := e.dispatch(context.Background(), todoTask("PROJ-1"), false)
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	if claims.releaseCount() != 1 {
		t.Errorf("claim releases = %d, want 1", claims.releaseCount())
	}
}

// TestDispatchReleasesResourcesOnLaunchFailure verifies teardown runs in
// reverse acquisition order when the thread launch fails
func TestDispatchReleasesResourcesOnLaunchFailure(t *testing.T) {
	adapter := newFakeAdapter()
	e, claims, worktrees, pool := testExecutor(adapter, Config{})
	pool.launchErr = errors.New("no agent available")

	err := e.dispatch(context.Background(), todoTask("PROJ-1"), false)
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	if worktrees.removedCount() != 1 {
		t.Errorf("worktree removals = %d, want 1", worktrees.removedCount())
	}
	if claims.releaseCount() != 1 {
		t.Errorf("claim releases = %d, want 1", claims.releaseCount())
	}
}

// TestDispatchDeniedClaim verifies a held claim blocks dispatch
func TestDispatchDeniedClaim(t *testing.T) {
	adapter := newFakeAdapter()
	e, claims, worktrees, _ := testExecutor(adapter, Config{})
	claims.denied["PROJ-1"] = true

	if err := e.dispatch(context.Background(), todoTask("PROJ-1"), false); err == nil {
		t.Fatal("expected dispatch error")
	}
	if len(worktrees.created) != 0 {
		t.Error("no worktree should be created for a denied claim")
	}
}

// TestFinishSuccess verifies a committed result lands the task in review and
// releases the slot
func TestFinishSuccess(t *testing.T) {
	adapter := newFakeAdapter()
	e, claims, worktrees, pool := testExecutor(adapter, Config{})
	ctx := context.Background()

	if err := e.dispatch(ctx, todoTask("PROJ-1"), false); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if adapter.lastStatus("PROJ-1") != kanban.StatusInProgress {
		t.Errorf("dispatch status = %q, want inprogress", adapter.lastStatus("PROJ-1"))
	}

	pool.finish("PROJ-1", ThreadResult{TaskID: "PROJ-1", Committed: true})
	waitFor(t, "slot release", func() bool { return e.runningCount() == 0 })

	if got := adapter.lastStatus("PROJ-1"); got != kanban.StatusInReview {
		t.Errorf("final status = %q, want inreview", got)
	}
	if worktrees.removedCount() != 1 {
		t.Errorf("worktree removals = %d, want 1", worktrees.removedCount())
	}
	if claims.releaseCount() != 1 {
		t.Errorf("claim releases = %d, want 1", claims.releaseCount())
	}
}

// TestFinishRetryExhaustionDemotes verifies failed attempts requeue until
// the retry budget runs out, then the task goes back to todo with its claim
// dropped
func TestFinishRetryExhaustionDemotes(t *testing.T) {
	adapter := newFakeAdapter()
	e, claims, _, pool := testExecutor(adapter, Config{MaxRetries: 1})
	ctx := context.Background()

	if err := e.dispatch(ctx, todoTask("PROJ-1"), false); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	pool.finish("PROJ-1", ThreadResult{TaskID: "PROJ-1", Err: errors.New("agent crashed")})
	waitFor(t, "first finish", func() bool { return e.runningCount() == 0 })
	if got := adapter.lastStatus("PROJ-1"); got != kanban.StatusTodo {
		t.Fatalf("status after first failure = %q, want todo", got)
	}

	if err := e.dispatch(ctx, todoTask("PROJ-1"), false); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	pool.finish("PROJ-1", ThreadResult{TaskID: "PROJ-1", Err: errors.New("agent crashed again")})
	waitFor(t, "second finish", func() bool { return e.runningCount() == 0 })
	if got := adapter.lastStatus("PROJ-1"); got != kanban.StatusTodo {
		t.Errorf("status after retry exhaustion = %q, want todo", got)
	}
	if len(claims.forced) == 0 || claims.forced[len(claims.forced)-1] != "PROJ-1" {
		t.Errorf("forced releases = %v, want PROJ-1 on exhaustion", claims.forced)
	}
}

// TestFinishNoCommitQuarantine verifies the no-commit threshold demotes the
// task to todo and quarantines it against redispatch
func TestFinishNoCommitQuarantine(t *testing.T) {
	adapter := newFakeAdapter()
	e, _, _, pool := testExecutor(adapter, Config{NoCommitBlockThreshold: 2})
	ctx := context.Background()

	if err := e.dispatch(ctx, todoTask("PROJ-1"), false); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	pool.finish("PROJ-1", ThreadResult{TaskID: "PROJ-1", Committed: false})
	waitFor(t, "first finish", func() bool { return e.runningCount() == 0 })
	if got := adapter.lastStatus("PROJ-1"); got != kanban.StatusTodo {
		t.Fatalf("status after first no-commit = %q, want todo", got)
	}

	if err := e.dispatch(ctx, todoTask("PROJ-1"), false); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	pool.finish("PROJ-1", ThreadResult{TaskID: "PROJ-1", Committed: false})
	waitFor(t, "second finish", func() bool { return e.runningCount() == 0 })

	if got := adapter.lastStatus("PROJ-1"); got != kanban.StatusTodo {
		t.Errorf("status at threshold = %q, want todo", got)
	}
	if !e.isQuarantined("PROJ-1") {
		t.Error("task should be quarantined")
	}
	task := todoTask("PROJ-1")
	if e.dispatchable(&task) {
		t.Error("quarantined task must not be dispatchable")
	}
}

// TestSetMaxParallelResumes verifies raising parallelism above zero lifts a
// pause, whether it came from zero capacity or an explicit Pause
func TestSetMaxParallelResumes(t *testing.T) {
	adapter := newFakeAdapter()
	e, _, _, _ := testExecutor(adapter, Config{})

	e.SetMaxParallel(0)
	if paused, _ := e.Status()["paused"].(bool); !paused {
		t.Fatal("SetMaxParallel(0) should pause dispatch")
	}
	e.SetMaxParallel(3)
	if paused, _ := e.Status()["paused"].(bool); paused {
		t.Error("SetMaxParallel(3) should resume dispatch")
	}

	e.Pause()
	e.SetMaxParallel(2)
	if paused, _ := e.Status()["paused"].(bool); paused {
		t.Error("positive capacity after Pause should resume dispatch")
	}
}

// TestPollOnceRespectsCapacity verifies dispatch stops at the slot limit
func TestPollOnceRespectsCapacity(t *testing.T) {
	adapter := newFakeAdapter(todoTask("PROJ-1"), todoTask("PROJ-2"), todoTask("PROJ-3"))
	e, _, _, pool := testExecutor(adapter, Config{MaxParallel: 2})

	e.pollOnce(context.Background())
	if pool.launchCount() != 2 {
		t.Errorf("launches = %d, want 2", pool.launchCount())
	}
	if e.runningCount() != 2 {
		t.Errorf("running = %d, want 2", e.runningCount())
	}

	// A second poll with full slots launches nothing.
	e.pollOnce(context.Background())
	if pool.launchCount() != 2 {
		t.Errorf("launches after full poll = %d, want 2", pool.launchCount())
	}
}

// TestDispatchableFilters verifies drafts, ignored and running tasks are
// skipped
func TestDispatchableFilters(t *testing.T) {
	adapter := newFakeAdapter()
	e, _, _, _ := testExecutor(adapter, Config{})

	tests := []struct {
		name string
		task kanban.Task
		want bool
	}{
		{name: "ready todo", task: todoTask("PROJ-1"), want: true},
		{name: "draft", task: kanban.Task{ID: "PROJ-2", Status: kanban.StatusTodo, Draft: true}, want: false},
		{name: "wrong status", task: kanban.Task{ID: "PROJ-3", Status: kanban.StatusInProgress}, want: false},
		{name: "ignored", task: kanban.Task{ID: "PROJ-4", Status: kanban.StatusTodo,
			Meta: map[string]interface{}{"ignored": true}}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := tt.task
			if got := e.dispatchable(&task); got != tt.want {
				t.Errorf("dispatchable = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestRecoveryResumesFreshThread verifies a resumable thread with recent
// activity is dispatched with resume semantics
func TestRecoveryResumesFreshThread(t *testing.T) {
	adapter := newFakeAdapter(kanban.Task{ID: "PROJ-1", Status: kanban.StatusInProgress})
	e, _, _, pool := testExecutor(adapter, Config{})
	pool.threads = []ThreadInfo{
		{TaskID: "PROJ-1", LastActivity: time.Now().Add(-time.Hour), Resumable: true},
	}

	if err := e.recoverInProgress(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if pool.launchCount() != 1 {
		t.Fatalf("launches = %d, want 1", pool.launchCount())
	}
	if !pool.launches[0].Resume || !pool.launches[0].RecoveredFromInProgress {
		t.Error("resume flags not set on recovered launch")
	}
	if adapter.lastStatus("PROJ-1") != "" {
		t.Errorf("recovered task should keep its status, got write %q", adapter.lastStatus("PROJ-1"))
	}
}

// TestRecoveryDemotesStaleAttempt verifies an unknown in-progress task is
// demoted to todo and its claim force-released
func TestRecoveryDemotesStaleAttempt(t *testing.T) {
	adapter := newFakeAdapter(kanban.Task{ID: "PROJ-1", Status: kanban.StatusInProgress})
	e, claims, _, pool := testExecutor(adapter, Config{})

	if err := e.recoverInProgress(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if pool.launchCount() != 0 {
		t.Errorf("launches = %d, want 0", pool.launchCount())
	}
	if got := adapter.lastStatus("PROJ-1"); got != kanban.StatusTodo {
		t.Errorf("status = %q, want todo", got)
	}
	if len(claims.forced) != 1 || claims.forced[0] != "PROJ-1" {
		t.Errorf("forced releases = %v, want [PROJ-1]", claims.forced)
	}
}

// TestRecoveryHeartbeatKeepsThreadFresh verifies a recent shared-state
// heartbeat substitutes for local activity
func TestRecoveryHeartbeatKeepsThreadFresh(t *testing.T) {
	adapter := newFakeAdapter(kanban.Task{ID: "PROJ-1", Status: kanban.StatusInProgress})
	adapter.shared["PROJ-1"] = &kanban.SharedState{
		OwnerID:        "other/agent",
		AttemptToken:   "tok",
		AttemptStarted: time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339),
		Heartbeat:      time.Now().Add(-time.Minute).UTC().Format(time.RFC3339),
		Status:         kanban.SharedWorking,
	}
	e, _, _, pool := testExecutor(adapter, Config{})
	// Known locally and resumable, but the local registry looks stale.
	pool.threads = []ThreadInfo{
		{TaskID: "PROJ-1", LastActivity: time.Now().Add(-48 * time.Hour), Resumable: true},
	}

	if err := e.recoverInProgress(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if pool.launchCount() != 1 {
		t.Errorf("launches = %d, want 1 (heartbeat is fresh)", pool.launchCount())
	}
}

// TestRepeatedDemotionQuarantines verifies recovery cannot thrash a task
// between todo and inprogress forever
func TestRepeatedDemotionQuarantines(t *testing.T) {
	adapter := newFakeAdapter(kanban.Task{ID: "PROJ-1", Status: kanban.StatusInProgress})
	e, _, _, _ := testExecutor(adapter, Config{})
	ctx := context.Background()

	if err := e.recoverInProgress(ctx); err != nil {
		t.Fatalf("first recover: %v", err)
	}
	if e.isQuarantined("PROJ-1") {
		t.Fatal("single demotion must not quarantine")
	}

	if err := e.recoverInProgress(ctx); err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if !e.isQuarantined("PROJ-1") {
		t.Error("second demotion should quarantine the task")
	}
}

// TestSharedStatePersistedOnDispatch verifies the claim is advertised
// through the backend shared state
func TestSharedStatePersistedOnDispatch(t *testing.T) {
	adapter := newFakeAdapter()
	e, _, _, _ := testExecutor(adapter, Config{})

	if err := e.dispatch(context.Background(), todoTask("PROJ-1"), false); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	adapter.mu.Lock()
	state := adapter.states["PROJ-1"]
	adapter.mu.Unlock()
	if state.Status != kanban.SharedClaimed {
		t.Errorf("shared status = %q, want claimed", state.Status)
	}
	if state.AttemptToken == "" || state.OwnerID == "" {
		t.Errorf("incomplete shared state: %+v", state)
	}
}
