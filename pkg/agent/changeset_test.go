package agent

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

// TestParseChangeSet verifies plain JSON and fenced JSON both decode
func TestParseChangeSet(t *testing.T) {
	raw := `{"task_id":"PROJ-1","summary":"s","changes":[{"op":"delete","path":"a.txt"}]}`

	for _, input := range []string{raw, "```json\n" + raw + "\n```"} {
		cs, err := ParseChangeSet(input)
		if err != nil {
			t.Fatalf("ParseChangeSet(%q): %v", input[:10], err)
		}
		if cs.TaskID != "PROJ-1" || len(cs.Changes) != 1 {
			t.Errorf("unexpected change set: %+v", cs)
		}
	}

	if _, err := ParseChangeSet("not json"); err == nil {
		t.Error("expected parse error")
	}
}

// TestValidate verifies the well-formedness checks
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cs      ChangeSet
		wantErr bool
	}{
		{
			name: "valid",
			cs: ChangeSet{TaskID: "PROJ-1", Changes: []Change{
				{Op: OpCreate, Path: "a.txt", Content: "x"},
				{Op: OpModify, Path: "b.txt", Find: "old", Replace: "new"},
				{Op: OpDelete, Path: "c.txt"},
				{Op: OpRename, Path: "d.txt", NewPath: "e.txt"},
			}},
		},
		{name: "no task id", cs: ChangeSet{Changes: []Change{{Op: OpDelete, Path: "a"}}}, wantErr: true},
		{name: "no changes", cs: ChangeSet{TaskID: "PROJ-1"}, wantErr: true},
		{name: "missing path", cs: ChangeSet{TaskID: "PROJ-1", Changes: []Change{{Op: OpDelete}}}, wantErr: true},
		{name: "traversal", cs: ChangeSet{TaskID: "PROJ-1", Changes: []Change{
			{Op: OpDelete, Path: "../etc/passwd"},
		}}, wantErr: true},
		{name: "create without content", cs: ChangeSet{TaskID: "PROJ-1", Changes: []Change{
			{Op: OpCreate, Path: "a.txt"},
		}}, wantErr: true},
		{name: "modify without find", cs: ChangeSet{TaskID: "PROJ-1", Changes: []Change{
			{Op: OpModify, Path: "a.txt"},
		}}, wantErr: true},
		{name: "rename without target", cs: ChangeSet{TaskID: "PROJ-1", Changes: []Change{
			{Op: OpRename, Path: "a.txt"},
		}}, wantErr: true},
		{name: "unknown op", cs: ChangeSet{TaskID: "PROJ-1", Changes: []Change{
			{Op: "truncate", Path: "a.txt"},
		}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cs.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestApply verifies every op kind lands on disk
func TestApply(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "mod.txt", "hello old world")
	writeFile(t, root, "gone.txt", "bye")
	writeFile(t, root, "src/before.go", "package src")

	cs := ChangeSet{TaskID: "PROJ-1", Changes: []Change{
		{Op: OpCreate, Path: "new/file.txt", Content: "fresh"},
		{Op: OpModify, Path: "mod.txt", Find: "old", Replace: "new"},
		{Op: OpDelete, Path: "gone.txt"},
		{Op: OpRename, Path: "src/before.go", NewPath: "src/after.go"},
	}}
	if err := cs.Apply(root); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := readFile(t, root, "new/file.txt"); got != "fresh" {
		t.Errorf("created content = %q", got)
	}
	if got := readFile(t, root, "mod.txt"); got != "hello new world" {
		t.Errorf("modified content = %q", got)
	}
	if _, err := os.Stat(filepath.Join(root, "gone.txt")); !os.IsNotExist(err) {
		t.Error("deleted file still present")
	}
	if got := readFile(t, root, "src/after.go"); got != "package src" {
		t.Errorf("renamed content = %q", got)
	}
}

// TestApplyRollsBackOnFailure verifies earlier changes are undone when a
// later one fails
func TestApplyRollsBackOnFailure(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "mod.txt", "stable content")

	cs := ChangeSet{TaskID: "PROJ-1", Changes: []Change{
		{Op: OpCreate, Path: "created.txt", Content: "temp"},
		{Op: OpModify, Path: "mod.txt", Find: "stable", Replace: "edited"},
		{Op: OpModify, Path: "mod.txt", Find: "no such text", Replace: "x"},
	}}
	if err := cs.Apply(root); err == nil {
		t.Fatal("expected apply failure")
	}

	if _, err := os.Stat(filepath.Join(root, "created.txt")); !os.IsNotExist(err) {
		t.Error("created file survived rollback")
	}
	if got := readFile(t, root, "mod.txt"); got != "stable content" {
		t.Errorf("modification survived rollback: %q", got)
	}
}

// TestCheckPreconditions verifies hash pinning and existence requirements
func TestCheckPreconditions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pinned.txt", "known content")
	hash := fmt.Sprintf("%x", sha256.Sum256([]byte("known content")))

	cs := ChangeSet{
		TaskID:  "PROJ-1",
		Changes: []Change{{Op: OpDelete, Path: "pinned.txt"}},
		Preconditions: []Precondition{
			{Path: "pinned.txt", SHA256: hash, MustExist: true},
		},
	}
	if err := cs.CheckPreconditions(root); err != nil {
		t.Fatalf("matching hash: %v", err)
	}

	writeFile(t, root, "pinned.txt", "drifted content")
	if err := cs.CheckPreconditions(root); err == nil || !strings.Contains(err.Error(), "changed") {
		t.Errorf("expected drift error, got %v", err)
	}

	cs.Preconditions = []Precondition{{Path: "absent.txt", MustExist: true}}
	if err := cs.CheckPreconditions(root); err == nil {
		t.Error("expected must-exist error")
	}

	// A missing optional file passes.
	cs.Preconditions = []Precondition{{Path: "absent.txt"}}
	if err := cs.CheckPreconditions(root); err != nil {
		t.Errorf("optional missing file: %v", err)
	}
}
