package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfleet/openfleet/pkg/kanban"
	"github.com/openfleet/openfleet/pkg/logger"
)

// labelColors is the deterministic palette used when a missing status label
// has to be created on the repo.
var labelColors = map[kanban.Status]string{
	kanban.StatusDraft:      "ededed",
	kanban.StatusTodo:       "0e8a16",
	kanban.StatusInProgress: "fbca04",
	kanban.StatusInReview:   "1d76db",
	kanban.StatusBlocked:    "b60205",
	kanban.StatusDone:       "5319e7",
	kanban.StatusCancelled:  "cccccc",
}

var codexLabelColors = map[string]string{
	"codex.claimed": "c2e0c6",
	"codex.working": "bfd4f2",
	"codex.stale":   "f9d0c4",
	"codex.ignore":  "d4c5f9",
}

// labelEdit is one grouped add/remove set, issued as a single gh call so
// concurrent observers never see two status labels.
type labelEdit struct {
	add     []string
	remove  []string
	issueID string
}

// statusLabelEdit computes the set difference between the desired single
// status label and the status-label vocabulary present on the issue.
func (a *Adapter) statusLabelEdit(issueID string, current []string, desired kanban.Status) (labelEdit, bool) {
	want, ok := a.vocab.Native(desired)
	if !ok {
		return labelEdit{}, false
	}

	edit := labelEdit{issueID: issueID}
	haveDesired := false
	for _, l := range current {
		if !a.vocab.Has(l) {
			continue
		}
		if strings.EqualFold(l, want) {
			haveDesired = true
			continue
		}
		edit.remove = append(edit.remove, l)
	}
	if !haveDesired {
		edit.add = append(edit.add, want)
	}
	return edit, len(edit.add) > 0 || len(edit.remove) > 0
}

// codexLabelEdit swaps in exactly one of the three codex status labels.
func codexLabelEdit(issueID string, current []string, state kanban.SharedStateStatus) (labelEdit, bool) {
	want := "codex." + string(state)
	edit := labelEdit{issueID: issueID}
	haveDesired := false
	for _, l := range current {
		key := strings.ToLower(l)
		if key != "codex.claimed" && key != "codex.working" && key != "codex.stale" {
			continue
		}
		if key == want {
			haveDesired = true
			continue
		}
		edit.remove = append(edit.remove, l)
	}
	if !haveDesired {
		edit.add = append(edit.add, want)
	}
	return edit, len(edit.add) > 0 || len(edit.remove) > 0
}

// applyLabelEdit issues one gh issue edit with the grouped add/removes.
// When the edit fails because a label does not exist on the repo, the label
// is created with its palette colour and the edit retried exactly once.
func (a *Adapter) applyLabelEdit(ctx context.Context, edit labelEdit) error {
	args := []string{"issue", "edit", edit.issueID, "--repo", a.repo}
	for _, l := range edit.add {
		args = append(args, "--add-label", l)
	}
	for _, l := range edit.remove {
		args = append(args, "--remove-label", l)
	}

	_, err := a.run(ctx, args...)
	if err == nil {
		return nil
	}
	if !isMissingLabelError(err) {
		return classify(err)
	}

	for _, l := range edit.add {
		if createErr := a.createLabel(ctx, l); createErr != nil {
			logger.WarnCF("github", "Label create failed", map[string]interface{}{
				"label": l, "error": createErr.Error(),
			})
		}
	}
	if _, err = a.run(ctx, args...); err != nil {
		return classify(err)
	}
	return nil
}

func isMissingLabelError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "label") &&
		(strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist"))
}

func (a *Adapter) createLabel(ctx context.Context, name string) error {
	color := "ededed"
	if a.vocab.Has(name) {
		if c, ok := labelColors[a.vocab.Canonical(name)]; ok {
			color = c
		}
	}
	if c, ok := codexLabelColors[strings.ToLower(name)]; ok {
		color = c
	}
	_, err := a.run(ctx, "label", "create", name, "--repo", a.repo,
		"--color", color, "--force")
	if err != nil {
		return fmt.Errorf("create label %s: %w", name, err)
	}
	return nil
}
