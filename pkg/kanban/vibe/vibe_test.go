package vibe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openfleet/openfleet/pkg/kanban"
)

func newTestAdapter(handler http.HandlerFunc) (*Adapter, *httptest.Server) {
	srv := httptest.NewServer(handler)
	a := NewAdapter(Options{BaseURL: srv.URL, ScopeLabel: "openfleet"})
	return a, srv
}

func envelope(data interface{}) []byte {
	raw, _ := json.Marshal(map[string]interface{}{"success": true, "data": data})
	return raw
}

// TestListProjects verifies envelope decoding
func TestListProjects(t *testing.T) {
	a, srv := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/projects" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write(envelope([]map[string]string{
			{"id": "p1", "name": "Board One"},
		}))
	})
	defer srv.Close()

	projects, err := a.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != "p1" || projects[0].Backend != kanban.BackendVK {
		t.Errorf("unexpected projects: %+v", projects)
	}
}

// TestListTasksStatusTranslation verifies canonical → native query and
// native → canonical response mapping
func TestListTasksStatusTranslation(t *testing.T) {
	a, srv := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("status"); got != "inprogress" {
			t.Errorf("status query = %q, want inprogress", got)
		}
		w.Write(envelope([]map[string]interface{}{
			{"id": "t1", "project_id": "p1", "title": "a", "status": "inprogress"},
		}))
	})
	defer srv.Close()

	tasks, err := a.ListTasks(context.Background(), "p1", kanban.ListFilters{Status: kanban.StatusInProgress})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != kanban.StatusInProgress {
		t.Errorf("unexpected tasks: %+v", tasks)
	}
}

// TestListTasksScopeEnforcement verifies unlabelled tasks are filtered out
func TestListTasksScopeEnforcement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope([]map[string]interface{}{
			{"id": "t1", "title": "in", "status": "todo", "labels": []string{"openfleet"}},
			{"id": "t2", "title": "out", "status": "todo"},
		}))
	}))
	defer srv.Close()
	a := NewAdapter(Options{BaseURL: srv.URL, ScopeLabel: "openfleet", EnforceTaskLabel: true})

	tasks, err := a.ListTasks(context.Background(), "p1", kanban.ListFilters{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Errorf("scope enforcement failed: %+v", tasks)
	}
}

// TestGetTaskUnwrapped verifies decoding a payload without the envelope
func TestGetTaskUnwrapped(t *testing.T) {
	a, srv := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "t1", "title": "bare", "status": "done",
		})
	})
	defer srv.Close()

	task, err := a.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != kanban.StatusDone {
		t.Errorf("status = %q", task.Status)
	}
}

// TestErrorMapping verifies 404 → not found and 5xx → transient
func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{name: "missing task", status: http.StatusNotFound, check: kanban.IsNotFound},
		{name: "server error", status: http.StatusInternalServerError, check: kanban.IsTransient},
		{name: "bad gateway", status: http.StatusBadGateway, check: kanban.IsTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, srv := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			defer srv.Close()

			_, err := a.GetTask(context.Background(), "t1")
			if err == nil || !tt.check(err) {
				t.Errorf("unexpected error classification: %v", err)
			}
		})
	}
}

// TestNonJSONBody verifies a 2xx non-JSON body is transient
func TestNonJSONBody(t *testing.T) {
	a, srv := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>proxy error</html>"))
	})
	defer srv.Close()

	_, err := a.GetTask(context.Background(), "t1")
	if !kanban.IsTransient(err) {
		t.Errorf("expected transient, got %v", err)
	}
}

// TestCreateTaskLabels verifies scope and upstream labels are attached
func TestCreateTaskLabels(t *testing.T) {
	var captured map[string]interface{}
	a, srv := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write(envelope(map[string]interface{}{
			"id": "t9", "title": "new", "status": "todo",
		}))
	})
	defer srv.Close()

	_, err := a.CreateTask(context.Background(), "p1", kanban.Task{
		Title:      "new",
		BaseBranch: "release/1.x",
		Tags:       []string{"backend"},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	labels, _ := captured["labels"].([]interface{})
	want := map[string]bool{"openfleet": false, "upstream:release/1.x": false, "backend": false}
	for _, l := range labels {
		if _, ok := want[l.(string)]; ok {
			want[l.(string)] = true
		}
	}
	for l, seen := range want {
		if !seen {
			t.Errorf("label %q missing from create payload: %v", l, labels)
		}
	}
}

// TestUpdateTaskTagsKeepSystemLabels verifies a tag-only update carries the
// scope label and upstream marker through to the backend
func TestUpdateTaskTagsKeepSystemLabels(t *testing.T) {
	var captured map[string]interface{}
	a, srv := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write(envelope(map[string]interface{}{
				"id": "t1", "title": "task", "status": "todo",
				"labels": []string{"openfleet", "upstream:main", "codex.working", "oldtag"},
			}))
		case http.MethodPut:
			json.NewDecoder(r.Body).Decode(&captured)
			w.Write(envelope(map[string]interface{}{
				"id": "t1", "title": "task", "status": "todo",
			}))
		}
	})
	defer srv.Close()

	_, err := a.UpdateTask(context.Background(), "t1", kanban.TaskPatch{
		Tags: []string{"infra", "urgent"},
	})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	labels, _ := captured["labels"].([]interface{})
	got := map[string]bool{}
	for _, l := range labels {
		got[l.(string)] = true
	}
	for _, want := range []string{"openfleet", "upstream:main", "codex.working", "infra", "urgent"} {
		if !got[want] {
			t.Errorf("label %q missing from update payload: %v", want, labels)
		}
	}
	if got["oldtag"] {
		t.Errorf("replaced user tag survived the update: %v", labels)
	}
}

// TestCreateTaskRequiresTitle verifies the invalid-input sentinel without a
// network call
func TestCreateTaskRequiresTitle(t *testing.T) {
	a := NewAdapter(Options{BaseURL: "http://127.0.0.1:1"})
	_, err := a.CreateTask(context.Background(), "p", kanban.Task{})
	if !errors.Is(err, kanban.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

// TestUnsupportedOperations verifies comments and shared state decline
func TestUnsupportedOperations(t *testing.T) {
	a := NewAdapter(Options{})
	ctx := context.Background()

	if _, err := a.AddComment(ctx, "t1", "hello"); !kanban.IsUnsupported(err) {
		t.Errorf("AddComment: expected ErrUnsupported, got %v", err)
	}
	if _, err := a.MarkTaskIgnored(ctx, "t1", "because"); !kanban.IsUnsupported(err) {
		t.Errorf("MarkTaskIgnored: expected ErrUnsupported, got %v", err)
	}
	state, err := a.ReadSharedState(ctx, "t1")
	if err != nil || state != nil {
		t.Errorf("ReadSharedState: expected nil,nil got %+v,%v", state, err)
	}
}

// TestDeleteTaskMissing verifies delete of a missing task reports false
func TestDeleteTaskMissing(t *testing.T) {
	a, srv := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	ok, err := a.DeleteTask(context.Background(), "ghost")
	if err != nil || ok {
		t.Errorf("expected false,nil got %v,%v", ok, err)
	}
}
