// Task and project endpoints, served through the active kanban adapter.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/openfleet/openfleet/pkg/kanban"
)

func (s *Server) adapter(w http.ResponseWriter) (kanban.Adapter, bool) {
	adapter, err := s.registry.Active()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return nil, false
	}
	return adapter, true
}

// GET /api/projects
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	adapter, ok := s.adapter(w)
	if !ok {
		return
	}
	projects, err := adapter.ListProjects(r.Context())
	if err != nil {
		writeAdapterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

// GET /api/tasks?project=&status=&limit=   POST /api/tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	adapter, ok := s.adapter(w)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		filters := kanban.ListFilters{}
		if raw := r.URL.Query().Get("status"); raw != "" {
			filters.Status = kanban.ParseStatus(raw)
		}
		tasks, err := adapter.ListTasks(r.Context(), r.URL.Query().Get("project"), filters)
		if err != nil {
			writeAdapterError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)

	case http.MethodPost:
		var req struct {
			Project string      `json:"project"`
			Task    kanban.Task `json:"task"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		task, err := adapter.CreateTask(r.Context(), req.Project, req.Task)
		if err != nil {
			writeAdapterError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// GET | PUT | DELETE /api/tasks/{id}, plus /api/tasks/{id}/status and
// /api/tasks/{id}/comments.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	adapter, ok := s.adapter(w)
	if !ok {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task id required"})
		return
	}

	switch {
	case action == "status" && r.Method == http.MethodPut:
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status required"})
			return
		}
		task, err := adapter.UpdateTaskStatus(r.Context(), id, kanban.ParseStatus(req.Status), kanban.UpdateOptions{})
		if err != nil {
			writeAdapterError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	case action == "comments" && r.Method == http.MethodPost:
		var req struct {
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body required"})
			return
		}
		posted, err := adapter.AddComment(r.Context(), id, req.Body)
		if err != nil && !kanban.IsUnsupported(err) {
			writeAdapterError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"posted": posted})

	case action == "" && r.Method == http.MethodGet:
		task, err := adapter.GetTask(r.Context(), id)
		if err != nil {
			writeAdapterError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	case action == "" && r.Method == http.MethodPut:
		var patch kanban.TaskPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		task, err := adapter.UpdateTask(r.Context(), id, patch)
		if err != nil {
			writeAdapterError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	case action == "" && r.Method == http.MethodDelete:
		deleted, err := adapter.DeleteTask(r.Context(), id)
		if err != nil {
			writeAdapterError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// writeAdapterError maps adapter error kinds to HTTP statuses.
func writeAdapterError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case kanban.IsNotFound(err):
		status = http.StatusNotFound
	case kanban.IsUnsupported(err):
		status = http.StatusNotImplemented
	case kanban.IsTransient(err):
		status = http.StatusBadGateway
	case errors.Is(err, kanban.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
