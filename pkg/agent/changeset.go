package agent

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ChangeOp is the kind of file edit in a change set.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpModify ChangeOp = "modify"
	OpDelete ChangeOp = "delete"
	OpRename ChangeOp = "rename"
)

// Change is one file edit. Modify is search/replace: Find must occur in the
// file and is replaced once with Replace.
type Change struct {
	Op      ChangeOp `json:"op"`
	Path    string   `json:"path"`
	NewPath string   `json:"new_path,omitempty"`
	Find    string   `json:"find,omitempty"`
	Replace string   `json:"replace,omitempty"`
	Content string   `json:"content,omitempty"`
	Note    string   `json:"note,omitempty"`
}

// Precondition pins a file's content hash so a change set is never applied
// over files that moved since the agent read them.
type Precondition struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256,omitempty"`
	MustExist bool   `json:"must_exist"`
}

// ChangeSet is the structured output an agent thread produces for one task
// attempt, applied to the task worktree and committed as a unit.
type ChangeSet struct {
	TaskID        string         `json:"task_id"`
	Summary       string         `json:"summary"`
	Changes       []Change       `json:"changes"`
	Preconditions []Precondition `json:"preconditions,omitempty"`
}

// ParseChangeSet decodes agent output, tolerating a markdown code fence
// around the JSON.
func ParseChangeSet(data string) (*ChangeSet, error) {
	trimmed := strings.TrimSpace(data)
	if strings.HasPrefix(trimmed, "```") {
		lines := strings.Split(trimmed, "\n")
		if len(lines) > 2 {
			trimmed = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	var cs ChangeSet
	if err := json.Unmarshal([]byte(trimmed), &cs); err != nil {
		return nil, fmt.Errorf("parse change set: %w", err)
	}
	return &cs, nil
}

// Validate checks well-formedness before any file is touched.
func (cs *ChangeSet) Validate() error {
	if cs.TaskID == "" {
		return fmt.Errorf("change set has no task id")
	}
	if len(cs.Changes) == 0 {
		return fmt.Errorf("change set has no changes")
	}
	for i, c := range cs.Changes {
		if c.Path == "" {
			return fmt.Errorf("change[%d]: path is required", i)
		}
		if strings.Contains(c.Path, "..") || strings.Contains(c.NewPath, "..") {
			return fmt.Errorf("change[%d]: path traversal not allowed", i)
		}
		switch c.Op {
		case OpCreate:
			if c.Content == "" {
				return fmt.Errorf("change[%d]: content required for create", i)
			}
		case OpModify:
			if c.Find == "" {
				return fmt.Errorf("change[%d]: find required for modify", i)
			}
		case OpDelete:
		case OpRename:
			if c.NewPath == "" {
				return fmt.Errorf("change[%d]: new_path required for rename", i)
			}
		default:
			return fmt.Errorf("change[%d]: unknown op %q", i, c.Op)
		}
	}
	return nil
}

// CheckPreconditions verifies pinned hashes against the worktree.
func (cs *ChangeSet) CheckPreconditions(root string) error {
	for _, pre := range cs.Preconditions {
		data, err := os.ReadFile(filepath.Join(root, pre.Path))
		if err != nil {
			if os.IsNotExist(err) && pre.MustExist {
				return fmt.Errorf("precondition: %s must exist", pre.Path)
			}
			continue
		}
		if pre.SHA256 != "" {
			hash := fmt.Sprintf("%x", sha256.Sum256(data))
			if hash != pre.SHA256 {
				return fmt.Errorf("precondition: %s changed since it was read", pre.Path)
			}
		}
	}
	return nil
}

// Apply writes every change into root, rolling all of them back on the
// first failure.
func (cs *ChangeSet) Apply(root string) error {
	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	for i, c := range cs.Changes {
		if err := applyChange(root, c, &undo); err != nil {
			rollback()
			return fmt.Errorf("change[%d] (%s %s): %w", i, c.Op, c.Path, err)
		}
	}
	return nil
}

func applyChange(root string, c Change, undo *[]func()) error {
	full := filepath.Join(root, c.Path)

	switch c.Op {
	case OpCreate:
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(c.Content), 0644); err != nil {
			return err
		}
		*undo = append(*undo, func() { os.Remove(full) })

	case OpModify:
		existing, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("file not found")
		}
		content := string(existing)
		if !strings.Contains(content, c.Find) {
			return fmt.Errorf("find text not present")
		}
		backup := content
		next := strings.Replace(content, c.Find, c.Replace, 1)
		if err := os.WriteFile(full, []byte(next), 0644); err != nil {
			return err
		}
		*undo = append(*undo, func() { os.WriteFile(full, []byte(backup), 0644) })

	case OpDelete:
		existing, _ := os.ReadFile(full)
		backup := string(existing)
		if err := os.Remove(full); err != nil {
			return err
		}
		*undo = append(*undo, func() { os.WriteFile(full, []byte(backup), 0644) })

	case OpRename:
		newFull := filepath.Join(root, c.NewPath)
		if err := os.MkdirAll(filepath.Dir(newFull), 0755); err != nil {
			return err
		}
		if err := os.Rename(full, newFull); err != nil {
			return err
		}
		*undo = append(*undo, func() { os.Rename(newFull, full) })
	}
	return nil
}
