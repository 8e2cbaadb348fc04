package internalstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfleet/openfleet/pkg/bus"
	"github.com/openfleet/openfleet/pkg/events"
	"github.com/openfleet/openfleet/pkg/kanban"
	"github.com/openfleet/openfleet/pkg/logger"
)

const syntheticProjectID = "internal"

// Adapter exposes the SQLite store through the kanban contract.
type Adapter struct {
	store      *Store
	scopeLabel string
	enforce    bool
	tags       *kanban.TagNormalizer
	bus        *bus.EventBus
}

// Options configures the internal adapter.
type Options struct {
	ScopeLabel       string
	EnforceTaskLabel bool
	Bus              *bus.EventBus
}

// NewAdapter wraps a store.
func NewAdapter(store *Store, opts Options) *Adapter {
	return &Adapter{
		store:      store,
		scopeLabel: opts.ScopeLabel,
		enforce:    opts.EnforceTaskLabel,
		tags:       kanban.NewTagNormalizer(nil, opts.ScopeLabel),
		bus:        opts.Bus,
	}
}

func (a *Adapter) Backend() kanban.BackendName { return kanban.BackendInternal }

// ListProjects returns the single synthetic internal project.
func (a *Adapter) ListProjects(ctx context.Context) ([]kanban.Project, error) {
	return []kanban.Project{{
		ID:      syntheticProjectID,
		Name:    "Internal Board",
		Backend: kanban.BackendInternal,
	}}, nil
}

func (a *Adapter) ListTasks(ctx context.Context, projectID string, f kanban.ListFilters) ([]kanban.Task, error) {
	recs, err := a.store.List(f.Status, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", kanban.ErrTransient, err)
	}

	tasks := make([]kanban.Task, 0, len(recs))
	for _, rec := range recs {
		if a.enforce && !kanban.HasScopeLabel(rec.Labels, a.scopeLabel) {
			continue
		}
		if f.Assignee != "" && rec.Assignee != f.Assignee {
			continue
		}
		tasks = append(tasks, *a.taskFromRecord(rec))
	}
	return tasks, nil
}

func (a *Adapter) GetTask(ctx context.Context, id string) (*kanban.Task, error) {
	rec, err := a.store.Get(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", kanban.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: get task %s: %v", kanban.ErrTransient, id, err)
	}
	return a.taskFromRecord(rec), nil
}

func (a *Adapter) UpdateTaskStatus(ctx context.Context, id string, s kanban.Status, opts kanban.UpdateOptions) (*kanban.Task, error) {
	rec, err := a.store.Get(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", kanban.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", kanban.ErrTransient, err)
	}

	rec.Status = s
	rec.Draft = s == kanban.StatusDraft
	rec.Labels = replaceStatusLabel(rec.Labels, s)
	if err := a.store.Update(rec); err != nil {
		return nil, fmt.Errorf("%w: update status: %v", kanban.ErrTransient, err)
	}

	if opts.SharedState != nil {
		if _, err := a.PersistSharedState(ctx, id, *opts.SharedState); err != nil {
			return nil, err
		}
		rec, _ = a.store.Get(id)
	}

	a.publish(events.TaskUpdated, events.TaskEventData{TaskID: id, Status: string(s)})
	return a.taskFromRecord(rec), nil
}

func (a *Adapter) UpdateTask(ctx context.Context, id string, patch kanban.TaskPatch) (*kanban.Task, error) {
	rec, err := a.store.Get(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", kanban.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", kanban.ErrTransient, err)
	}

	if patch.Title != nil {
		rec.Title = *patch.Title
	}
	if patch.Description != nil {
		rec.Description = *patch.Description
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
		rec.Labels = replaceStatusLabel(rec.Labels, *patch.Status)
	}
	if patch.Assignee != nil {
		rec.Assignee = *patch.Assignee
	}
	if patch.Priority != nil {
		rec.Priority = kanban.NormalizePriority(*patch.Priority)
	}
	if patch.Draft != nil {
		rec.Draft = *patch.Draft
	}
	if patch.BaseBranch != nil {
		rec.BaseBranch = *patch.BaseBranch
	}
	if patch.BranchName != nil {
		rec.BranchName = *patch.BranchName
	}
	if patch.Tags != nil {
		rec.Labels = mergeUserTags(rec.Labels, patch.Tags, a.tags)
	}
	if patch.Meta != nil {
		// Existing meta is the base; the patch overlays it.
		rec.Meta = kanban.MergeMeta(rec.Meta, patch.Meta)
	}

	if err := a.store.Update(rec); err != nil {
		return nil, fmt.Errorf("%w: update task: %v", kanban.ErrTransient, err)
	}
	a.publish(events.TaskUpdated, events.TaskEventData{TaskID: id})
	return a.taskFromRecord(rec), nil
}

func (a *Adapter) CreateTask(ctx context.Context, projectID string, data kanban.Task) (*kanban.Task, error) {
	if data.Title == "" {
		return nil, fmt.Errorf("%w: task title is required", kanban.ErrInvalidInput)
	}

	status := data.Status
	if status == "" {
		status = kanban.StatusTodo
	}

	labels := []string{}
	if a.scopeLabel != "" {
		labels = append(labels, a.scopeLabel)
	}
	labels = append(labels, string(status))
	if data.BaseBranch != "" {
		labels = append(labels, kanban.UpstreamMarkerLabel(data.BaseBranch))
	}
	labels = append(labels, data.Tags...)

	now := time.Now().UTC()
	rec := &Record{
		ID:          uuid.NewString(),
		Title:       data.Title,
		Description: data.Description,
		Status:      status,
		Assignee:    data.Assignee,
		Priority:    kanban.NormalizePriority(data.Priority),
		Labels:      labels,
		Draft:       status == kanban.StatusDraft || data.Draft,
		BaseBranch:  data.BaseBranch,
		BranchName:  data.BranchName,
		Meta:        data.Meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.Insert(rec); err != nil {
		return nil, fmt.Errorf("%w: create task: %v", kanban.ErrTransient, err)
	}

	a.publish(events.TaskCreated, events.TaskEventData{
		TaskID: rec.ID, Title: rec.Title, Status: string(rec.Status),
		Backend: string(kanban.BackendInternal),
	})
	return a.taskFromRecord(rec), nil
}

// DeleteTask is a hard delete for the internal backend.
func (a *Adapter) DeleteTask(ctx context.Context, id string) (bool, error) {
	ok, err := a.store.Delete(id)
	if err != nil {
		return false, fmt.Errorf("%w: delete task: %v", kanban.ErrTransient, err)
	}
	if ok {
		a.publish(events.TaskDeleted, events.TaskEventData{TaskID: id})
	}
	return ok, nil
}

func (a *Adapter) AddComment(ctx context.Context, id, body string) (bool, error) {
	if err := a.store.AddComment(id, body, "openfleet"); err != nil {
		logger.WarnCF("internalstore", "Comment write failed", map[string]interface{}{
			"task_id": id, "error": err.Error(),
		})
		return false, nil
	}
	return true, nil
}

func (a *Adapter) PersistSharedState(ctx context.Context, id string, state kanban.SharedState) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("%w: shared state missing required fields", kanban.ErrInvalidInput)
	}

	rec, err := a.store.Get(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: task %s", kanban.ErrNotFound, id)
		}
		return false, fmt.Errorf("%w: %v", kanban.ErrTransient, err)
	}

	rec.Labels = replaceCodexLabel(rec.Labels, state.Status)
	if rec.Meta == nil {
		rec.Meta = map[string]interface{}{}
	}
	rec.Meta["sharedState"] = state
	if err := a.store.Update(rec); err != nil {
		return false, fmt.Errorf("%w: persist shared state: %v", kanban.ErrTransient, err)
	}

	// One structured comment per task: edit in place when present.
	body := kanban.EncodeSentinelComment(state)
	comments, err := a.store.Comments(id)
	if err == nil {
		for i := len(comments) - 1; i >= 0; i-- {
			if kanban.IsSentinelComment(comments[i].Body) {
				if err := a.store.UpdateComment(comments[i].ID, body); err == nil {
					return true, nil
				}
				break
			}
		}
	}
	if err := a.store.AddComment(id, body, "openfleet"); err != nil {
		return false, fmt.Errorf("%w: write state comment: %v", kanban.ErrTransient, err)
	}
	return true, nil
}

func (a *Adapter) ReadSharedState(ctx context.Context, id string) (*kanban.SharedState, error) {
	rec, err := a.store.Get(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", kanban.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", kanban.ErrTransient, err)
	}

	if rec.Meta != nil {
		if s := kanban.SharedStateFromMeta(rec.Meta["sharedState"]); s != nil {
			return s, nil
		}
	}

	comments, err := a.store.Comments(id)
	if err != nil {
		return nil, fmt.Errorf("%w: read comments: %v", kanban.ErrTransient, err)
	}
	for i := len(comments) - 1; i >= 0; i-- {
		if s := kanban.ParseSentinelComment(comments[i].Body); s != nil {
			return s, nil
		}
	}
	return nil, nil
}

func (a *Adapter) MarkTaskIgnored(ctx context.Context, id, reason string) (bool, error) {
	rec, err := a.store.Get(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: task %s", kanban.ErrNotFound, id)
		}
		return false, fmt.Errorf("%w: %v", kanban.ErrTransient, err)
	}

	rec.Labels = appendUnique(rec.Labels, "codex.ignore")
	if rec.Meta == nil {
		rec.Meta = map[string]interface{}{}
	}
	rec.Meta["ignoreReason"] = reason
	if err := a.store.Update(rec); err != nil {
		return false, fmt.Errorf("%w: mark ignored: %v", kanban.ErrTransient, err)
	}

	a.store.AddComment(id, "OpenFleet ignoring this task: "+reason, "openfleet")
	a.publish(events.TaskIgnored, events.TaskEventData{TaskID: id, Reason: reason})
	return true, nil
}

// --- helpers ---

func (a *Adapter) taskFromRecord(rec *Record) *kanban.Task {
	status := rec.Status
	draft := rec.Draft
	for _, l := range rec.Labels {
		if l == string(kanban.StatusDraft) {
			draft = true
		}
	}
	if draft {
		status = kanban.StatusDraft
	}

	task := &kanban.Task{
		ID:          rec.ID,
		Title:       rec.Title,
		Description: rec.Description,
		Status:      status,
		Assignee:    rec.Assignee,
		Priority:    kanban.NormalizePriority(rec.Priority),
		Tags:        a.tags.Tags(rec.Labels),
		Draft:       draft,
		ProjectID:   syntheticProjectID,
		BaseBranch:  kanban.DeriveBaseBranch(rec.BaseBranch, rec.Labels, rec.Description),
		BranchName:  rec.BranchName,
		PRNumber:    rec.PRNumber,
		PRURL:       rec.PRURL,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		Backend:     kanban.BackendInternal,
		Meta:        rec.Meta,
	}
	if task.Meta != nil {
		if s := kanban.SharedStateFromMeta(task.Meta["sharedState"]); s != nil {
			task.SetSharedState(s)
		}
	}
	return task
}

func (a *Adapter) publish(eventType string, data events.TaskEventData) {
	if a.bus != nil {
		a.bus.Publish(bus.SystemEvent{Type: eventType, Source: "internalstore", Data: data})
	}
}

func replaceStatusLabel(labels []string, s kanban.Status) []string {
	out := labels[:0:0]
	for _, l := range labels {
		if kanban.ParseStatusStrict(l) != "" {
			continue
		}
		out = append(out, l)
	}
	return append(out, string(s))
}

var codexLabelByStatus = map[kanban.SharedStateStatus]string{
	kanban.SharedClaimed: "codex.claimed",
	kanban.SharedWorking: "codex.working",
	kanban.SharedStale:   "codex.stale",
}

func replaceCodexLabel(labels []string, s kanban.SharedStateStatus) []string {
	out := labels[:0:0]
	for _, l := range labels {
		if l == "codex.claimed" || l == "codex.working" || l == "codex.stale" {
			continue
		}
		out = append(out, l)
	}
	return append(out, codexLabelByStatus[s])
}

func appendUnique(labels []string, label string) []string {
	for _, l := range labels {
		if l == label {
			return labels
		}
	}
	return append(labels, label)
}

// mergeUserTags computes the set difference between old and new user tags,
// keeping every system and scope label untouched.
func mergeUserTags(labels []string, newTags []string, norm *kanban.TagNormalizer) []string {
	kept := []string{}
	for _, l := range labels {
		if norm.IsSystemLabel(l) {
			kept = append(kept, l)
		}
	}
	return append(kept, norm.Tags(newTags)...)
}
