// Package kanban defines the canonical, backend-independent task model and
// the adapter contract every backend implements. Normalization lives here so
// the executor and sync engine never see backend vocabulary.
package kanban

import "strings"

// Status is the canonical fleet-internal task status.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "inprogress"
	StatusInReview   Status = "inreview"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses returns the canonical vocabulary in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusDraft, StatusTodo, StatusInProgress, StatusInReview,
		StatusBlocked, StatusDone, StatusCancelled,
	}
}

// Terminal reports whether the status ends the task lifecycle.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// ParseStatus maps an arbitrary string to a canonical status.
// Unknown values map to todo.
func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusDraft:
		return StatusDraft
	case StatusTodo:
		return StatusTodo
	case StatusInProgress:
		return StatusInProgress
	case StatusInReview:
		return StatusInReview
	case StatusBlocked:
		return StatusBlocked
	case StatusDone:
		return StatusDone
	case StatusCancelled:
		return StatusCancelled
	default:
		return StatusTodo
	}
}

// Vocabulary is a bidirectional canonical ↔ native status mapping for one
// backend. Lookups are case-insensitive and whitespace-trimmed. A Vocabulary
// is immutable after construction; overrides are applied once at process
// start from configuration.
type Vocabulary struct {
	toNative    map[Status]string
	toCanonical map[string]Status
}

// NewVocabulary builds a vocabulary from canonical → native names, applying
// overrides on top of the given defaults.
func NewVocabulary(defaults map[Status]string, overrides map[string]string) *Vocabulary {
	v := &Vocabulary{
		toNative:    make(map[Status]string, len(defaults)),
		toCanonical: make(map[string]Status, len(defaults)),
	}
	for canonical, native := range defaults {
		v.put(canonical, native)
	}
	for canonical, native := range overrides {
		v.put(ParseStatus(canonical), native)
	}
	return v
}

func (v *Vocabulary) put(canonical Status, native string) {
	if native == "" {
		return
	}
	if old, ok := v.toNative[canonical]; ok {
		delete(v.toCanonical, normalizeKey(old))
	}
	v.toNative[canonical] = native
	v.toCanonical[normalizeKey(native)] = canonical
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Native returns the backend-native name for a canonical status.
func (v *Vocabulary) Native(s Status) (string, bool) {
	name, ok := v.toNative[s]
	return name, ok
}

// Canonical maps a backend-native name to the canonical status.
// Unknown names map to todo, per the normalization contract.
func (v *Vocabulary) Canonical(native string) Status {
	if s, ok := v.toCanonical[normalizeKey(native)]; ok {
		return s
	}
	return StatusTodo
}

// Has reports whether the native name is part of the vocabulary.
func (v *Vocabulary) Has(native string) bool {
	_, ok := v.toCanonical[normalizeKey(native)]
	return ok
}

// NativeNames returns every configured native name.
func (v *Vocabulary) NativeNames() []string {
	names := make([]string, 0, len(v.toNative))
	for _, s := range AllStatuses() {
		if name, ok := v.toNative[s]; ok {
			names = append(names, name)
		}
	}
	return names
}

// DefaultGitHubVocabulary maps canonical statuses to repo label names.
// Draft and blocked ride on labels of the same name; done/cancelled close
// the issue, so their entries are board option names.
func DefaultGitHubVocabulary(overrides map[string]string) *Vocabulary {
	return NewVocabulary(map[Status]string{
		StatusDraft:      "draft",
		StatusTodo:       "todo",
		StatusInProgress: "inprogress",
		StatusInReview:   "inreview",
		StatusBlocked:    "blocked",
		StatusDone:       "done",
		StatusCancelled:  "cancelled",
	}, overrides)
}

// DefaultGitHubBoardVocabulary maps canonical statuses to the usual
// Projects-v2 single-select option titles.
func DefaultGitHubBoardVocabulary(overrides map[string]string) *Vocabulary {
	return NewVocabulary(map[Status]string{
		StatusTodo:       "Todo",
		StatusInProgress: "In Progress",
		StatusInReview:   "In Review",
		StatusDone:       "Done",
		StatusCancelled:  "Cancelled",
	}, overrides)
}

// DefaultJiraVocabulary maps canonical statuses to common Jira status names.
func DefaultJiraVocabulary(overrides map[string]string) *Vocabulary {
	return NewVocabulary(map[Status]string{
		StatusTodo:       "To Do",
		StatusInProgress: "In Progress",
		StatusInReview:   "In Review",
		StatusBlocked:    "Blocked",
		StatusDone:       "Done",
		StatusCancelled:  "Cancelled",
	}, overrides)
}

// DefaultVKVocabulary maps canonical statuses to Vibe-Kanban column names.
func DefaultVKVocabulary(overrides map[string]string) *Vocabulary {
	return NewVocabulary(map[Status]string{
		StatusDraft:      "draft",
		StatusTodo:       "todo",
		StatusInProgress: "inprogress",
		StatusInReview:   "inreview",
		StatusBlocked:    "blocked",
		StatusDone:       "done",
		StatusCancelled:  "cancelled",
	}, overrides)
}

// jiraTransitionAliases is the fixed alias set consulted when no exact
// transition name matches. Entries are lowercased.
var jiraTransitionAliases = map[Status][]string{
	StatusTodo:       {"to do", "todo", "selected for development", "open", "backlog"},
	StatusInProgress: {"in progress", "in development", "doing", "active"},
	StatusInReview:   {"in review", "review", "code review", "qa", "testing"},
	StatusDone:       {"done", "resolved", "closed", "complete", "completed"},
	StatusCancelled:  {"cancelled", "canceled", "won't do", "wont do", "declined"},
}

// TransitionAliases returns the whitelist of Jira transition names tried for
// a canonical status, lowercased, in preference order.
func TransitionAliases(s Status) []string {
	return jiraTransitionAliases[s]
}
