// Package vibe implements the kanban adapter for a locally-running
// Vibe-Kanban REST service. The adapter translates canonical statuses both
// directions and treats the VK instance as a peer, not a source of truth:
// comments and shared state are not supported there.
package vibe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openfleet/openfleet/pkg/kanban"
	"github.com/openfleet/openfleet/pkg/logger"
)

const requestTimeout = 15 * time.Second

// Adapter talks to the VK REST endpoint.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	vocab      *kanban.Vocabulary
	tags       *kanban.TagNormalizer
	scopeLabel string
	enforce    bool
}

// Options configures the VK adapter.
type Options struct {
	BaseURL          string
	ScopeLabel       string
	EnforceTaskLabel bool
	StatusOverrides  map[string]string
}

// NewAdapter builds the adapter. BaseURL defaults to the usual local port.
func NewAdapter(opts Options) *Adapter {
	base := strings.TrimSuffix(opts.BaseURL, "/")
	if base == "" {
		base = "http://127.0.0.1:3001"
	}
	vocab := kanban.DefaultVKVocabulary(opts.StatusOverrides)
	return &Adapter{
		baseURL:    base,
		httpClient: &http.Client{Timeout: requestTimeout},
		vocab:      vocab,
		tags:       kanban.NewTagNormalizer(vocab, opts.ScopeLabel),
		scopeLabel: opts.ScopeLabel,
		enforce:    opts.EnforceTaskLabel,
	}
}

func (a *Adapter) Backend() kanban.BackendName { return kanban.BackendVK }

// --- wire types ---

type vkEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

type vkProject struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type vkTask struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Labels      []string `json:"labels,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// --- adapter operations ---

func (a *Adapter) ListProjects(ctx context.Context) ([]kanban.Project, error) {
	var projects []vkProject
	if err := a.doJSON(ctx, http.MethodGet, "/api/projects", nil, &projects); err != nil {
		return nil, err
	}
	out := make([]kanban.Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, kanban.Project{ID: p.ID, Name: p.Name, Backend: kanban.BackendVK})
	}
	return out, nil
}

func (a *Adapter) ListTasks(ctx context.Context, projectID string, f kanban.ListFilters) ([]kanban.Task, error) {
	path := fmt.Sprintf("/api/projects/%s/tasks", projectID)
	if f.Status != "" {
		if native, ok := a.vocab.Native(f.Status); ok {
			path += "?status=" + native
		}
	}

	var vkTasks []vkTask
	if err := a.doJSON(ctx, http.MethodGet, path, nil, &vkTasks); err != nil {
		return nil, err
	}

	tasks := make([]kanban.Task, 0, len(vkTasks))
	for _, t := range vkTasks {
		if a.enforce && !kanban.HasScopeLabel(t.Labels, a.scopeLabel) {
			continue
		}
		tasks = append(tasks, *a.taskFromVK(&t))
		if f.Limit > 0 && len(tasks) >= f.Limit {
			break
		}
	}
	return tasks, nil
}

func (a *Adapter) GetTask(ctx context.Context, id string) (*kanban.Task, error) {
	var t vkTask
	if err := a.doJSON(ctx, http.MethodGet, "/api/tasks/"+id, nil, &t); err != nil {
		return nil, err
	}
	return a.taskFromVK(&t), nil
}

func (a *Adapter) UpdateTaskStatus(ctx context.Context, id string, s kanban.Status, opts kanban.UpdateOptions) (*kanban.Task, error) {
	native, ok := a.vocab.Native(s)
	if !ok {
		return nil, fmt.Errorf("%w: no VK status for %q", kanban.ErrInvalidInput, s)
	}
	body := map[string]interface{}{"status": native}
	var t vkTask
	if err := a.doJSON(ctx, http.MethodPut, "/api/tasks/"+id, body, &t); err != nil {
		return nil, err
	}
	return a.taskFromVK(&t), nil
}

func (a *Adapter) UpdateTask(ctx context.Context, id string, patch kanban.TaskPatch) (*kanban.Task, error) {
	body := map[string]interface{}{}
	if patch.Title != nil {
		body["title"] = *patch.Title
	}
	if patch.Description != nil {
		body["description"] = *patch.Description
	}
	if patch.Status != nil {
		native, ok := a.vocab.Native(*patch.Status)
		if !ok {
			return nil, fmt.Errorf("%w: no VK status for %q", kanban.ErrInvalidInput, *patch.Status)
		}
		body["status"] = native
	}
	if patch.Tags != nil {
		// The canonical task strips system labels from Tags, so the kept
		// set has to come from the native VK record.
		var current vkTask
		if err := a.doJSON(ctx, http.MethodGet, "/api/tasks/"+id, nil, &current); err != nil {
			return nil, err
		}
		kept := []string{}
		for _, l := range current.Labels {
			if a.tags.IsSystemLabel(l) {
				kept = append(kept, l)
			}
		}
		body["labels"] = append(kept, a.tags.Tags(patch.Tags)...)
	}
	if len(body) == 0 {
		return a.GetTask(ctx, id)
	}

	var t vkTask
	if err := a.doJSON(ctx, http.MethodPut, "/api/tasks/"+id, body, &t); err != nil {
		return nil, err
	}
	return a.taskFromVK(&t), nil
}

func (a *Adapter) CreateTask(ctx context.Context, projectID string, data kanban.Task) (*kanban.Task, error) {
	if data.Title == "" {
		return nil, fmt.Errorf("%w: task title is required", kanban.ErrInvalidInput)
	}
	status := data.Status
	if status == "" {
		status = kanban.StatusTodo
	}
	native, ok := a.vocab.Native(status)
	if !ok {
		return nil, fmt.Errorf("%w: no VK status for %q", kanban.ErrInvalidInput, status)
	}

	labels := []string{}
	if a.scopeLabel != "" {
		labels = append(labels, a.scopeLabel)
	}
	if data.BaseBranch != "" {
		labels = append(labels, kanban.UpstreamMarkerLabel(data.BaseBranch))
	}
	labels = append(labels, data.Tags...)

	body := map[string]interface{}{
		"project_id":  projectID,
		"title":       data.Title,
		"description": data.Description,
		"status":      native,
		"labels":      labels,
	}
	var t vkTask
	if err := a.doJSON(ctx, http.MethodPost, "/api/tasks", body, &t); err != nil {
		return nil, err
	}
	return a.taskFromVK(&t), nil
}

// DeleteTask is a hard delete on VK.
func (a *Adapter) DeleteTask(ctx context.Context, id string) (bool, error) {
	if err := a.doJSON(ctx, http.MethodDelete, "/api/tasks/"+id, nil, nil); err != nil {
		if kanban.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AddComment is not supported by VK.
func (a *Adapter) AddComment(ctx context.Context, id, body string) (bool, error) {
	logger.DebugCF("vibe", "Comments not supported by VK backend", map[string]interface{}{"task_id": id})
	return false, kanban.ErrUnsupported
}

// PersistSharedState is not supported by VK.
func (a *Adapter) PersistSharedState(ctx context.Context, id string, state kanban.SharedState) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("%w: shared state missing required fields", kanban.ErrInvalidInput)
	}
	return false, kanban.ErrUnsupported
}

// ReadSharedState always reports no state: VK has nowhere to keep it.
func (a *Adapter) ReadSharedState(ctx context.Context, id string) (*kanban.SharedState, error) {
	return nil, nil
}

// MarkTaskIgnored is not supported by VK.
func (a *Adapter) MarkTaskIgnored(ctx context.Context, id, reason string) (bool, error) {
	return false, kanban.ErrUnsupported
}

// --- plumbing ---

// doJSON performs one request against the VK API. Error mapping: transport
// failures and non-JSON 2xx bodies are transient; 404 is not-found; other
// non-2xx statuses are transient with the server message attached.
func (a *Adapter) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", kanban.ErrInvalidInput, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", kanban.ErrInvalidInput, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: VK request %s %s: %v", kanban.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read VK response: %v", kanban.ErrTransient, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", kanban.ErrNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: VK %s %s returned %d: %s",
			kanban.ErrTransient, method, path, resp.StatusCode, truncate(string(raw), 200))
	}

	if out == nil {
		return nil
	}

	var env vkEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// 2xx with a non-JSON body: opportunistic parse failed, treat
		// as transient per the VK error-handling contract.
		return fmt.Errorf("%w: VK returned non-JSON body for %s", kanban.ErrTransient, path)
	}
	if env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: decode VK payload for %s: %v", kanban.ErrTransient, path, err)
		}
		return nil
	}
	// Some VK builds return the payload unwrapped.
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode VK payload for %s: %v", kanban.ErrTransient, path, err)
	}
	return nil
}

func (a *Adapter) taskFromVK(t *vkTask) *kanban.Task {
	createdAt, _ := time.Parse(time.RFC3339, t.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, t.UpdatedAt)
	status := a.vocab.Canonical(t.Status)
	draft := status == kanban.StatusDraft
	for _, l := range t.Labels {
		if strings.EqualFold(l, string(kanban.StatusDraft)) {
			draft = true
			status = kanban.StatusDraft
		}
	}
	return &kanban.Task{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      status,
		Tags:        a.tags.Tags(t.Labels),
		Draft:       draft,
		ProjectID:   t.ProjectID,
		BaseBranch:  kanban.DeriveBaseBranch("", t.Labels, t.Description),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		Backend:     kanban.BackendVK,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
