// Package syncengine mirrors tasks from the active kanban backend into the
// internal store, so board edits made on GitHub or Jira are visible to the
// fleet without polling every consumer through the backend API.
package syncengine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/openfleet/openfleet/pkg/bus"
	"github.com/openfleet/openfleet/pkg/events"
	"github.com/openfleet/openfleet/pkg/kanban"
	"github.com/openfleet/openfleet/pkg/kanban/internalstore"
	"github.com/openfleet/openfleet/pkg/logger"
)

// rateLimitCounter is implemented by adapters that track backend rate-limit
// events (the GitHub adapter). Others report zero.
type rateLimitCounter interface {
	RateLimitEvents() int64
}

// Engine drives targeted and full mirror syncs.
type Engine struct {
	source kanban.Adapter
	store  *internalstore.Store
	bus    *bus.EventBus

	mu           sync.Mutex
	lastTaskSync time.Time
	lastFullSync time.Time
	tasksSynced  int64
	syncErrors   int64
}

// New builds an engine mirroring source into store.
func New(source kanban.Adapter, store *internalstore.Store, eventBus *bus.EventBus) *Engine {
	return &Engine{source: source, store: store, bus: eventBus}
}

// mirrorID namespaces mirrored records so they never collide with tasks
// created directly in the internal store.
func mirrorID(backend kanban.BackendName, id string) string {
	return string(backend) + ":" + id
}

// SyncTask mirrors a single task by its backend id.
func (e *Engine) SyncTask(ctx context.Context, id string) error {
	task, err := e.source.GetTask(ctx, id)
	if err != nil {
		if kanban.IsNotFound(err) {
			// Deleted upstream; drop the mirror row if we have one.
			if _, delErr := e.store.Delete(mirrorID(e.source.Backend(), id)); delErr != nil {
				return fmt.Errorf("drop mirror for %s: %w", id, delErr)
			}
			return nil
		}
		e.countError()
		return fmt.Errorf("fetch %s for sync: %w", id, err)
	}

	if err := e.upsert(task); err != nil {
		e.countError()
		return err
	}

	e.mu.Lock()
	e.lastTaskSync = time.Now()
	e.tasksSynced++
	e.mu.Unlock()

	e.publish(events.SyncCompleted, events.SyncEventData{IssueNumber: id})
	return nil
}

// FullSync mirrors every task in every project of the source backend.
func (e *Engine) FullSync(ctx context.Context) error {
	started := time.Now()
	projects, err := e.source.ListProjects(ctx)
	if err != nil {
		e.countError()
		return fmt.Errorf("list projects for full sync: %w", err)
	}

	synced := 0
	for _, p := range projects {
		tasks, err := e.source.ListTasks(ctx, p.ID, kanban.ListFilters{})
		if err != nil {
			e.countError()
			return fmt.Errorf("list tasks of %s for full sync: %w", p.ID, err)
		}
		for i := range tasks {
			if err := e.upsert(&tasks[i]); err != nil {
				e.countError()
				return err
			}
			synced++
		}
	}

	e.mu.Lock()
	e.lastFullSync = time.Now()
	e.tasksSynced += int64(synced)
	e.mu.Unlock()

	logger.InfoCF("syncengine", "Full sync completed", map[string]interface{}{
		"tasks":       synced,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	e.publish(events.SyncCompleted, events.SyncEventData{
		Full:     true,
		Duration: time.Since(started).Milliseconds(),
	})
	return nil
}

// RateLimitEvents passes through the source adapter's counter.
func (e *Engine) RateLimitEvents() int64 {
	if c, ok := e.source.(rateLimitCounter); ok {
		return c.RateLimitEvents()
	}
	return 0
}

// Status is a snapshot for the API surface.
func (e *Engine) Status() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmtTime := func(t time.Time) interface{} {
		if t.IsZero() {
			return nil
		}
		return t.UTC().Format(time.RFC3339)
	}
	return map[string]interface{}{
		"backend":        string(e.source.Backend()),
		"last_task_sync": fmtTime(e.lastTaskSync),
		"last_full_sync": fmtTime(e.lastFullSync),
		"tasks_synced":   e.tasksSynced,
		"sync_errors":    e.syncErrors,
	}
}

// upsert writes the mirrored record, preserving created-at on update.
func (e *Engine) upsert(task *kanban.Task) error {
	id := mirrorID(task.Backend, task.ID)
	meta := kanban.MergeMeta(task.Meta, map[string]interface{}{
		"origin":   string(task.Backend),
		"originId": task.ID,
	})
	rec := &internalstore.Record{
		ID:          id,
		Title:       task.Title,
		Description: task.Description,
		Status:      task.Status,
		Assignee:    task.Assignee,
		Priority:    task.Priority,
		Labels:      task.Tags,
		Draft:       task.Draft,
		BaseBranch:  task.BaseBranch,
		BranchName:  task.BranchName,
		PRNumber:    task.PRNumber,
		PRURL:       task.PRURL,
		Meta:        meta,
		CreatedAt:   task.CreatedAt,
		UpdatedAt:   task.UpdatedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	existing, err := e.store.Get(id)
	switch {
	case err == sql.ErrNoRows:
		return e.store.Insert(rec)
	case err != nil:
		return fmt.Errorf("read mirror row %s: %w", id, err)
	default:
		rec.CreatedAt = existing.CreatedAt
		return e.store.Update(rec)
	}
}

func (e *Engine) countError() {
	e.mu.Lock()
	e.syncErrors++
	e.mu.Unlock()
}

func (e *Engine) publish(eventType string, data events.SyncEventData) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.SystemEvent{Type: eventType, Source: "syncengine", Data: data})
}
