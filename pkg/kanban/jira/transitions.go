package jira

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfleet/openfleet/pkg/kanban"
)

type jiraTransition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	To   struct {
		Name           string `json:"name"`
		StatusCategory struct {
			Key string `json:"key"`
		} `json:"statusCategory"`
	} `json:"to"`
}

// resolveTransition finds the workflow transition that lands an issue on the
// desired canonical status. Resolution order: exact target-status name from
// the vocabulary, then the "done" status category for terminal statuses,
// then the fixed alias whitelist. No match is a fatal error: the workflow
// simply has no path to that status.
func (a *Adapter) resolveTransition(ctx context.Context, issueKey string, desired kanban.Status) (*jiraTransition, error) {
	var resp struct {
		Transitions []jiraTransition `json:"transitions"`
	}
	if err := a.client.do(ctx, "GET", "/rest/api/3/issue/"+issueKey+"/transitions", nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Transitions) == 0 {
		return nil, fmt.Errorf("%w: issue %s exposes no transitions", kanban.ErrFatal, issueKey)
	}

	if want, ok := a.vocab.Native(desired); ok {
		for i := range resp.Transitions {
			t := &resp.Transitions[i]
			if strings.EqualFold(t.To.Name, want) || strings.EqualFold(t.Name, want) {
				return t, nil
			}
		}
	}

	if desired.Terminal() {
		for i := range resp.Transitions {
			if resp.Transitions[i].To.StatusCategory.Key == "done" {
				return &resp.Transitions[i], nil
			}
		}
	}

	for _, alias := range kanban.TransitionAliases(desired) {
		for i := range resp.Transitions {
			t := &resp.Transitions[i]
			if strings.EqualFold(t.To.Name, alias) || strings.EqualFold(t.Name, alias) {
				return t, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: no transition on issue %s reaches status %q", kanban.ErrFatal, issueKey, desired)
}

// transitionIssue performs the resolved transition.
func (a *Adapter) transitionIssue(ctx context.Context, issueKey string, desired kanban.Status) error {
	t, err := a.resolveTransition(ctx, issueKey, desired)
	if err != nil {
		return err
	}
	body := map[string]interface{}{
		"transition": map[string]string{"id": t.ID},
	}
	return a.client.do(ctx, "POST", "/rest/api/3/issue/"+issueKey+"/transitions", body, nil)
}
