// Package executor runs the autonomous task loop: it polls the kanban
// backend for ready work, claims tasks, provisions worktrees, launches agent
// threads, and recovers in-flight work after a process restart.
package executor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/openfleet/openfleet/pkg/bus"
	"github.com/openfleet/openfleet/pkg/events"
	"github.com/openfleet/openfleet/pkg/kanban"
	"github.com/openfleet/openfleet/pkg/logger"
)

// staleThreshold separates a resumable in-progress task from one whose
// attempt is considered abandoned.
const staleThreshold = 24 * time.Hour

// Config carries the executor knobs.
type Config struct {
	MaxParallel int
	SDK         string
	TaskTimeout time.Duration
	MaxRetries  int

	PollInterval              time.Duration
	WorkflowOwnsTaskLifecycle bool
	NoCommitBlockThreshold    int

	RequirementsProfile string
	RequirementsNotes   string
}

// slot is one running attempt.
type slot struct {
	taskID     string
	claimToken string
	worktree   *Worktree
	startedAt  time.Time
	cancel     context.CancelFunc
}

// Executor owns the slot pool and the recovery logic.
type Executor struct {
	adapter   kanban.Adapter
	claims    ClaimRegistry
	worktrees WorktreeManager
	pool      AgentPool
	bus       *bus.EventBus
	cfg       Config

	mu          sync.Mutex
	slots       map[string]*slot
	maxParallel int
	paused      bool
	retries     map[string]int
	noCommit    map[string]int
	demoted     map[string]int
	quarantined map[string]string // taskID -> reason

	ownerID string

	runCtx  context.Context
	runStop context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds an executor. All collaborators are required except the bus.
func New(adapter kanban.Adapter, claims ClaimRegistry, worktrees WorktreeManager, pool AgentPool, eventBus *bus.EventBus, cfg Config) *Executor {
	if cfg.MaxParallel < 0 {
		cfg.MaxParallel = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 6 * time.Hour
	}
	if cfg.NoCommitBlockThreshold <= 0 {
		cfg.NoCommitBlockThreshold = 3
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	return &Executor{
		adapter:     adapter,
		claims:      claims,
		worktrees:   worktrees,
		pool:        pool,
		bus:         eventBus,
		cfg:         cfg,
		slots:       make(map[string]*slot),
		maxParallel: cfg.MaxParallel,
		paused:      cfg.MaxParallel == 0,
		retries:     make(map[string]int),
		noCommit:    make(map[string]int),
		demoted:     make(map[string]int),
		quarantined: make(map[string]string),
		ownerID:     host + "/openfleet",
	}
}

// Start loads the thread registry, runs startup recovery, and begins the
// poll loop unless an external workflow owns the task lifecycle.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("executor already started")
	}
	e.started = true
	e.runCtx, e.runStop = context.WithCancel(context.Background())
	e.mu.Unlock()

	if err := e.pool.EnsureThreadRegistryLoaded(ctx); err != nil {
		return fmt.Errorf("load thread registry: %w", err)
	}
	if err := e.recoverInProgress(ctx); err != nil {
		logger.WarnCF("executor", "Startup recovery incomplete", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if !e.cfg.WorkflowOwnsTaskLifecycle {
		e.wg.Add(1)
		go e.pollLoop()
	}
	return nil
}

// Stop halts polling and drains running slots, checking every second until
// all slots finish or the context ends.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	stop := e.runStop
	e.mu.Unlock()
	stop()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		active := len(e.slots)
		e.mu.Unlock()
		if active == 0 {
			e.wg.Wait()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("stop: %d slot(s) still running: %w", active, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Pause suspends new dispatches; running slots keep going.
func (e *Executor) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.publish(events.ExecutorPaused, events.SlotEventData{})
}

// Resume re-enables dispatch, unless parallelism is zero.
func (e *Executor) Resume() {
	e.mu.Lock()
	e.paused = e.maxParallel == 0
	resumed := !e.paused
	e.mu.Unlock()
	if resumed {
		e.publish(events.ExecutorResumed, events.SlotEventData{})
	}
}

// SetMaxParallel adjusts slot capacity at runtime. Zero pauses dispatch, a
// positive value resumes it; running slots are never killed.
func (e *Executor) SetMaxParallel(n int) {
	if n < 0 {
		n = 0
	}
	e.mu.Lock()
	e.maxParallel = n
	wasPaused := e.paused
	e.paused = n == 0
	e.mu.Unlock()
	if wasPaused && n > 0 {
		e.publish(events.ExecutorResumed, events.SlotEventData{})
	}
}

// Status is a point-in-time snapshot for the API surface.
func (e *Executor) Status() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	running := make([]string, 0, len(e.slots))
	for id := range e.slots {
		running = append(running, id)
	}
	return map[string]interface{}{
		"running":      running,
		"max_parallel": e.maxParallel,
		"paused":       e.paused,
		"quarantined":  len(e.quarantined),
	}
}

// --- recovery ---

// recoverInProgress reconciles tasks the backend still shows in progress
// with the local thread registry. Tasks over the no-commit threshold are
// quarantined even when resumable; fresh resumable threads are resumed;
// everything else is demoted back to todo and its claim dropped.
func (e *Executor) recoverInProgress(ctx context.Context) error {
	tasks, err := e.adapter.ListTasks(ctx, "", kanban.ListFilters{Status: kanban.StatusInProgress})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	threads := map[string]ThreadInfo{}
	if infos, err := e.pool.Threads(ctx); err == nil {
		for _, info := range infos {
			threads[info.TaskID] = info
		}
	}

	for i := range tasks {
		task := tasks[i]
		info, known := threads[task.ID]

		if e.noCommitCount(task.ID) >= e.cfg.NoCommitBlockThreshold {
			e.quarantine(task.ID, "no-commit threshold reached")
			e.demote(ctx, &task, "no-commit threshold reached")
			continue
		}

		fresh := known && time.Since(info.LastActivity) < staleThreshold
		if !fresh {
			if state, err := e.adapter.ReadSharedState(ctx, task.ID); err == nil && state != nil {
				if hb, err := time.Parse(time.RFC3339, state.Heartbeat); err == nil {
					fresh = time.Since(hb) < staleThreshold
				}
			}
		}

		if known && info.Resumable && fresh {
			if err := e.dispatch(ctx, task, true); err != nil {
				logger.WarnCF("executor", "Resume dispatch failed", map[string]interface{}{
					"task": task.ID, "error": err.Error(),
				})
				e.demote(ctx, &task, "resume failed")
			} else {
				e.publish(events.TaskRecovered, events.SlotEventData{TaskID: task.ID, Recovered: true})
			}
			continue
		}

		e.demote(ctx, &task, "stale in-progress attempt")
	}
	return nil
}

// demote returns a task to todo and drops any local claim. Repeated
// demotion of the same task quarantines it so neither recovery nor the
// retry path can thrash.
func (e *Executor) demote(ctx context.Context, task *kanban.Task, reason string) {
	e.mu.Lock()
	e.demoted[task.ID]++
	count := e.demoted[task.ID]
	e.mu.Unlock()
	if count > 1 {
		e.quarantine(task.ID, "demoted repeatedly: "+reason)
	}

	if fr, ok := e.claims.(forceReleaser); ok {
		fr.ForceRelease(task.ID)
	}
	if _, err := e.adapter.UpdateTaskStatus(ctx, task.ID, kanban.StatusTodo, kanban.UpdateOptions{}); err != nil {
		logger.WarnCF("executor", "Demote status write failed", map[string]interface{}{
			"task": task.ID, "error": err.Error(),
		})
	}
	e.publish(events.TaskDemoted, events.SlotEventData{TaskID: task.ID, Reason: reason})
	logger.InfoCF("executor", "Task demoted to todo", map[string]interface{}{
		"task": task.ID, "reason": reason,
	})
}

func (e *Executor) quarantine(taskID, reason string) {
	e.mu.Lock()
	_, already := e.quarantined[taskID]
	if !already {
		e.quarantined[taskID] = reason
	}
	e.mu.Unlock()
	if already {
		return
	}
	e.publish(events.TaskQuarantined, events.SlotEventData{TaskID: taskID, Reason: reason})
	logger.WarnCF("executor", "Task quarantined", map[string]interface{}{
		"task": taskID, "reason": reason,
	})
}

func (e *Executor) isQuarantined(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.quarantined[taskID]
	return ok
}

func (e *Executor) noCommitCount(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.noCommit[taskID]
}

// --- polling ---

func (e *Executor) pollLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-ticker.C:
			e.pollOnce(e.runCtx)
		}
	}
}

// pollOnce fills free slots with ready tasks.
func (e *Executor) pollOnce(ctx context.Context) {
	e.mu.Lock()
	free := e.maxParallel - len(e.slots)
	paused := e.paused
	e.mu.Unlock()
	if paused || free <= 0 {
		return
	}

	tasks, err := e.adapter.ListTasks(ctx, "", kanban.ListFilters{Status: kanban.StatusTodo})
	if err != nil {
		logger.WarnCF("executor", "Poll failed", map[string]interface{}{"error": err.Error()})
		return
	}

	for i := range tasks {
		if free <= 0 {
			return
		}
		task := tasks[i]
		if !e.dispatchable(&task) {
			continue
		}
		if err := e.dispatch(ctx, task, false); err != nil {
			logger.DebugCF("executor", "Dispatch skipped", map[string]interface{}{
				"task": task.ID, "reason": err.Error(),
			})
			continue
		}
		free--
	}
}

func (e *Executor) dispatchable(task *kanban.Task) bool {
	if task.Draft || task.Status != kanban.StatusTodo {
		return false
	}
	if e.isQuarantined(task.ID) {
		return false
	}
	if task.Meta != nil {
		if ignored, _ := task.Meta["ignored"].(bool); ignored {
			return false
		}
	}
	e.mu.Lock()
	_, running := e.slots[task.ID]
	e.mu.Unlock()
	return !running
}

// --- slot protocol ---

// dispatch acquires the slot resources in order (claim, then worktree, then
// thread) and arranges release in reverse order when the thread finishes.
func (e *Executor) dispatch(ctx context.Context, task kanban.Task, recovered bool) error {
	token, ok, err := e.claims.ClaimTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return fmt.Errorf("task %s already claimed", task.ID)
	}

	wt, err := e.worktrees.Create(ctx, task.ID, task.BaseBranch)
	if err != nil {
		e.claims.ReleaseTask(ctx, token)
		return fmt.Errorf("worktree: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	e.persistState(ctx, task.ID, kanban.SharedState{
		OwnerID:        e.ownerID,
		AttemptToken:   token,
		AttemptStarted: now,
		Heartbeat:      now,
		Status:         kanban.SharedClaimed,
		RetryCount:     e.retryCount(task.ID),
	})

	threadCtx, cancel := context.WithTimeout(context.Background(), e.cfg.TaskTimeout)
	results, err := e.pool.Launch(threadCtx, ThreadOptions{
		Task:                    task,
		Worktree:                wt,
		SDK:                     e.cfg.SDK,
		Timeout:                 e.cfg.TaskTimeout,
		Resume:                  recovered,
		RecoveredFromInProgress: recovered,
		RequirementsProfile:     e.cfg.RequirementsProfile,
		RequirementsNotes:       e.cfg.RequirementsNotes,
	})
	if err != nil {
		cancel()
		e.worktrees.Remove(ctx, task.ID)
		e.claims.ReleaseTask(ctx, token)
		return fmt.Errorf("launch: %w", err)
	}

	s := &slot{taskID: task.ID, claimToken: token, worktree: wt, startedAt: time.Now(), cancel: cancel}
	e.mu.Lock()
	e.slots[task.ID] = s
	e.mu.Unlock()

	if !recovered {
		if _, err := e.adapter.UpdateTaskStatus(ctx, task.ID, kanban.StatusInProgress, kanban.UpdateOptions{}); err != nil {
			logger.WarnCF("executor", "Status write to inprogress failed", map[string]interface{}{
				"task": task.ID, "error": err.Error(),
			})
		}
	}
	e.publish(events.SlotDispatched, events.SlotEventData{
		TaskID: task.ID, Branch: wt.Branch, SDK: e.cfg.SDK, Recovered: recovered,
	})

	e.wg.Add(1)
	go e.watch(s, task, results)
	return nil
}

func (e *Executor) retryCount(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retries[taskID]
}

// watch renews the claim while the thread runs and finishes the slot on the
// thread's terminal result.
func (e *Executor) watch(s *slot, task kanban.Task, results <-chan ThreadResult) {
	defer e.wg.Done()
	defer s.cancel()

	renew := time.NewTicker(1 * time.Minute)
	defer renew.Stop()

	for {
		select {
		case <-renew.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := e.claims.RenewClaim(ctx, s.claimToken); err != nil {
				logger.WarnCF("executor", "Claim renewal failed", map[string]interface{}{
					"task": s.taskID, "error": err.Error(),
				})
			}
			e.persistState(ctx, s.taskID, kanban.SharedState{
				OwnerID:        e.ownerID,
				AttemptToken:   s.claimToken,
				AttemptStarted: s.startedAt.UTC().Format(time.RFC3339),
				Heartbeat:      time.Now().UTC().Format(time.RFC3339),
				Status:         kanban.SharedWorking,
				RetryCount:     e.retryCount(s.taskID),
			})
			cancel()
		case result, open := <-results:
			if !open {
				result = ThreadResult{TaskID: s.taskID, Err: fmt.Errorf("thread channel closed")}
			}
			e.finish(s, task, result)
			return
		}
	}
}

// finish applies the result and releases slot resources in reverse
// acquisition order: worktree first, claim last.
func (e *Executor) finish(s *slot, task kanban.Task, result ThreadResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch {
	case result.Err != nil:
		e.mu.Lock()
		e.retries[s.taskID]++
		attempts := e.retries[s.taskID]
		e.mu.Unlock()
		if attempts > e.cfg.MaxRetries {
			e.demote(ctx, &task, "retry budget exhausted")
			e.publish(events.TaskFailed, events.TaskEventData{
				TaskID: s.taskID, Reason: result.Err.Error(),
			})
		} else {
			if _, err := e.adapter.UpdateTaskStatus(ctx, s.taskID, kanban.StatusTodo, kanban.UpdateOptions{}); err != nil {
				logger.WarnCF("executor", "Requeue status write failed", map[string]interface{}{
					"task": s.taskID, "error": err.Error(),
				})
			}
			logger.InfoCF("executor", "Task requeued after failure", map[string]interface{}{
				"task": s.taskID, "attempt": attempts, "error": result.Err.Error(),
			})
		}

	case !result.Committed:
		e.mu.Lock()
		e.noCommit[s.taskID]++
		count := e.noCommit[s.taskID]
		e.mu.Unlock()
		if count >= e.cfg.NoCommitBlockThreshold {
			e.quarantine(s.taskID, "no-commit threshold reached")
			e.demote(ctx, &task, "no-commit threshold reached")
		} else {
			if _, err := e.adapter.UpdateTaskStatus(ctx, s.taskID, kanban.StatusTodo, kanban.UpdateOptions{}); err != nil {
				logger.WarnCF("executor", "Requeue status write failed", map[string]interface{}{
					"task": s.taskID, "error": err.Error(),
				})
			}
			logger.InfoCF("executor", "Attempt produced no commits, requeued", map[string]interface{}{
				"task": s.taskID, "count": count,
			})
		}

	default:
		e.mu.Lock()
		delete(e.retries, s.taskID)
		delete(e.noCommit, s.taskID)
		e.mu.Unlock()
		if _, err := e.adapter.UpdateTaskStatus(ctx, s.taskID, kanban.StatusInReview, kanban.UpdateOptions{}); err != nil {
			logger.WarnCF("executor", "Review status write failed", map[string]interface{}{
				"task": s.taskID, "error": err.Error(),
			})
		}
		e.publish(events.TaskCompleted, events.TaskEventData{
			TaskID: s.taskID, Status: string(kanban.StatusInReview),
		})
	}

	if err := e.worktrees.Remove(ctx, s.taskID); err != nil {
		logger.WarnCF("executor", "Worktree removal failed", map[string]interface{}{
			"task": s.taskID, "error": err.Error(),
		})
	}
	e.claims.ReleaseTask(ctx, s.claimToken)

	e.mu.Lock()
	delete(e.slots, s.taskID)
	e.mu.Unlock()
	e.publish(events.SlotReleased, events.SlotEventData{TaskID: s.taskID})
}

func (e *Executor) persistState(ctx context.Context, taskID string, state kanban.SharedState) {
	if _, err := e.adapter.PersistSharedState(ctx, taskID, state); err != nil && !kanban.IsUnsupported(err) {
		logger.WarnCF("executor", "Shared state persist failed", map[string]interface{}{
			"task": taskID, "error": err.Error(),
		})
	}
}

func (e *Executor) publish(eventType string, data interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.SystemEvent{Type: eventType, Source: "executor", Data: data})
}
