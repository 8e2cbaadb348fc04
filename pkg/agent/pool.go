// Package agent runs coding-agent threads for the executor and keeps the
// thread registry that survives process restarts, so startup recovery can
// tell a resumable attempt from an abandoned one.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openfleet/openfleet/pkg/executor"
	"github.com/openfleet/openfleet/pkg/logger"
)

// Runner executes one agent thread to completion. Implementations wrap a
// coding-agent SDK or CLI; tests inject fakes.
type Runner interface {
	RunThread(ctx context.Context, opts executor.ThreadOptions) (executor.ThreadResult, error)
}

// CommitCounter reports commits produced on a worktree's branch. Wired to
// GitWorktreeManager.CommitsSince.
type CommitCounter func(ctx context.Context, wt *executor.Worktree) (int, error)

// threadRecord is one registry entry, persisted as JSON.
type threadRecord struct {
	TaskID       string    `json:"task_id"`
	SDK          string    `json:"sdk"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	Resumable    bool      `json:"resumable"`
}

// Pool launches threads and maintains the registry.
type Pool struct {
	runner   Runner
	commits  CommitCounter
	registry string // JSON file path

	mu      sync.Mutex
	threads map[string]*threadRecord
	loaded  bool
}

// NewPool builds a pool. registryPath is where the thread registry lives;
// commits may be nil when commit detection is unavailable.
func NewPool(runner Runner, commits CommitCounter, registryPath string) *Pool {
	return &Pool{
		runner:   runner,
		commits:  commits,
		registry: registryPath,
		threads:  make(map[string]*threadRecord),
	}
}

// EnsureThreadRegistryLoaded reads the registry file once. A missing file
// is an empty registry; a corrupt file is logged and discarded rather than
// blocking startup.
func (p *Pool) EnsureThreadRegistryLoaded(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}
	p.loaded = true

	data, err := os.ReadFile(p.registry)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read thread registry: %w", err)
	}
	var records map[string]*threadRecord
	if err := json.Unmarshal(data, &records); err != nil {
		logger.WarnCF("agent", "Thread registry corrupt, starting empty", map[string]interface{}{
			"path": p.registry, "error": err.Error(),
		})
		return nil
	}
	p.threads = records
	return nil
}

// Threads returns the registry contents.
func (p *Pool) Threads(ctx context.Context) ([]executor.ThreadInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]executor.ThreadInfo, 0, len(p.threads))
	for _, rec := range p.threads {
		out = append(out, executor.ThreadInfo{
			TaskID:       rec.TaskID,
			StartedAt:    rec.StartedAt,
			LastActivity: rec.LastActivity,
			Resumable:    rec.Resumable,
		})
	}
	return out, nil
}

// Launch starts one thread and returns the channel its terminal result
// arrives on. The channel is closed after the result.
func (p *Pool) Launch(ctx context.Context, opts executor.ThreadOptions) (<-chan executor.ThreadResult, error) {
	if opts.Worktree == nil {
		return nil, fmt.Errorf("launch: worktree is required")
	}

	now := time.Now().UTC()
	p.mu.Lock()
	rec := p.threads[opts.Task.ID]
	if rec == nil || !opts.Resume {
		rec = &threadRecord{TaskID: opts.Task.ID, SDK: opts.SDK, StartedAt: now}
		p.threads[opts.Task.ID] = rec
	}
	rec.LastActivity = now
	rec.Resumable = true
	p.mu.Unlock()
	p.persist()

	results := make(chan executor.ThreadResult, 1)
	go func() {
		defer close(results)
		result, err := p.runner.RunThread(ctx, opts)
		if err != nil {
			result = executor.ThreadResult{TaskID: opts.Task.ID, Err: err}
		}
		result.TaskID = opts.Task.ID

		if result.Err == nil && !result.Committed && p.commits != nil {
			if n, cErr := p.commits(ctx, opts.Worktree); cErr == nil {
				result.Committed = n > 0
			}
		}

		p.mu.Lock()
		if rec := p.threads[opts.Task.ID]; rec != nil {
			rec.LastActivity = time.Now().UTC()
			// A finished thread is only worth resuming after a failure.
			rec.Resumable = result.Err != nil
			if result.Err == nil {
				delete(p.threads, opts.Task.ID)
			}
		}
		p.mu.Unlock()
		p.persist()

		results <- result
	}()
	return results, nil
}

// persist writes the registry atomically: temp file then rename.
func (p *Pool) persist() {
	p.mu.Lock()
	data, err := json.MarshalIndent(p.threads, "", "  ")
	p.mu.Unlock()
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.registry), 0755); err != nil {
		logger.WarnCF("agent", "Thread registry dir create failed", map[string]interface{}{"error": err.Error()})
		return
	}
	tmp := p.registry + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logger.WarnCF("agent", "Thread registry write failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := os.Rename(tmp, p.registry); err != nil {
		logger.WarnCF("agent", "Thread registry rename failed", map[string]interface{}{"error": err.Error()})
	}
}
