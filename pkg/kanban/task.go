package kanban

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// BackendName identifies the originating adapter of a task or project.
type BackendName string

const (
	BackendInternal BackendName = "internal"
	BackendVK       BackendName = "vk"
	BackendGitHub   BackendName = "github"
	BackendJira     BackendName = "jira"
)

// Task is the canonical, backend-independent task record. IDs are opaque to
// the core: a numeric issue number for GitHub, KEY-NNN for Jira, a UUID for
// internal, a backend-generated string for VK.
type Task struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Status      Status      `json:"status"`
	Assignee    string      `json:"assignee,omitempty"`
	Priority    string      `json:"priority,omitempty"`
	Tags        []string    `json:"tags"`
	Draft       bool        `json:"draft"`
	ProjectID   string      `json:"projectId,omitempty"`
	BaseBranch  string      `json:"baseBranch,omitempty"`
	BranchName  string      `json:"branchName,omitempty"`
	PRNumber    string      `json:"prNumber,omitempty"`
	PRURL       string      `json:"prUrl,omitempty"`
	TaskURL     string      `json:"taskUrl,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	Backend     BackendName `json:"backend"`

	// Meta carries backend-specific opaque values: sharedState,
	// projectFieldValues, codex.* flags, projectItemId, projectNumber.
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// SharedState returns the attached shared-state record from meta, or nil.
func (t *Task) SharedState() *SharedState {
	if t.Meta == nil {
		return nil
	}
	switch v := t.Meta["sharedState"].(type) {
	case *SharedState:
		if v.Valid() {
			return v
		}
	case SharedState:
		if v.Valid() {
			return &v
		}
	}
	return nil
}

// SetSharedState attaches a shared-state record to meta.
func (t *Task) SetSharedState(s *SharedState) {
	if t.Meta == nil {
		t.Meta = map[string]interface{}{}
	}
	t.Meta["sharedState"] = s
}

// Project is a backend container for tasks. For GitHub it is owner/repo, for
// internal a single synthetic project, for Jira a real project key.
type Project struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	Backend BackendName            `json:"backend"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// TaskPatch is a partial task update. Nil pointer fields are unchanged;
// a nil Tags slice is unchanged, a non-nil one replaces the user tags
// (system and scope labels are preserved by the adapter).
type TaskPatch struct {
	Title       *string
	Description *string
	Status      *Status
	Assignee    *string
	Priority    *string
	Tags        []string
	Draft       *bool
	BaseBranch  *string
	BranchName  *string
	Meta        map[string]interface{}
}

// --- Normalization ---

var priorityAliases = map[string]string{
	"critical": "critical", "urgent": "critical", "highest": "critical", "p0": "critical",
	"high": "high", "p1": "high",
	"medium": "medium", "normal": "medium", "default": "medium", "p2": "medium",
	"low": "low", "lowest": "low", "minor": "low", "p3": "low", "p4": "low",
}

// NormalizePriority maps a backend priority string onto
// {critical, high, medium, low}. Empty stays empty; unknown maps to medium.
func NormalizePriority(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return ""
	}
	if p, ok := priorityAliases[key]; ok {
		return p
	}
	return "medium"
}

// upstreamMarkerRe matches labelled upstream-branch markers of the form
// (upstream|base|target)[:=]<branch>.
var upstreamMarkerRe = regexp.MustCompile(`(?i)^(upstream|base|target)[:=](\S+)$`)

// IsUpstreamMarker reports whether a label is an upstream-branch marker.
func IsUpstreamMarker(label string) bool {
	return upstreamMarkerRe.MatchString(strings.TrimSpace(label))
}

// UpstreamBranchFromMarker extracts the branch from a marker label, or "".
func UpstreamBranchFromMarker(label string) string {
	m := upstreamMarkerRe.FindStringSubmatch(strings.TrimSpace(label))
	if m == nil {
		return ""
	}
	return m[2]
}

// UpstreamMarkerLabel builds the canonical marker label for a branch.
func UpstreamMarkerLabel(branch string) string {
	return "upstream:" + branch
}

// systemLabels that are never surfaced as user tags regardless of vocabulary.
var systemPriorityNames = map[string]bool{
	"critical": true, "high": true, "medium": true, "low": true,
}

// TagNormalizer filters and normalizes backend labels into user tags.
// Normalization is idempotent: lowercased, deduplicated, sorted, with
// status labels, priority labels, codex.* labels, the scope label, and
// upstream-branch markers removed.
type TagNormalizer struct {
	statusVocab *Vocabulary
	scopeLabel  string
}

// NewTagNormalizer builds a normalizer for one backend's vocabulary.
func NewTagNormalizer(statusVocab *Vocabulary, scopeLabel string) *TagNormalizer {
	return &TagNormalizer{statusVocab: statusVocab, scopeLabel: normalizeKey(scopeLabel)}
}

// IsSystemLabel reports whether a label is reserved for fleet bookkeeping.
func (n *TagNormalizer) IsSystemLabel(label string) bool {
	key := normalizeKey(label)
	if key == "" {
		return true
	}
	if n.statusVocab != nil && n.statusVocab.Has(key) {
		return true
	}
	if ParseStatusStrict(key) != "" {
		return true
	}
	if systemPriorityNames[key] || strings.HasPrefix(key, "priority:") {
		return true
	}
	if strings.HasPrefix(key, "codex.") || strings.HasPrefix(key, "codex:") {
		return true
	}
	if n.scopeLabel != "" && key == n.scopeLabel {
		return true
	}
	return IsUpstreamMarker(key)
}

// Tags normalizes a raw label set into user tags.
func (n *TagNormalizer) Tags(labels []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, l := range labels {
		key := normalizeKey(l)
		if key == "" || seen[key] || n.IsSystemLabel(key) {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// ParseStatusStrict maps a string to a canonical status without the
// unknown→todo fallback; it returns "" for unknown values.
func ParseStatusStrict(raw string) Status {
	for _, s := range AllStatuses() {
		if string(s) == normalizeKey(raw) {
			return s
		}
	}
	return ""
}

// DeriveBaseBranch resolves the base branch for a task deterministically:
// an explicit field wins, then a labelled upstream marker, then an inline
// marker in the description. An empty branch normalizes to "".
func DeriveBaseBranch(explicit string, labels []string, description string) string {
	if b := strings.TrimSpace(explicit); b != "" {
		return b
	}
	for _, l := range labels {
		if b := UpstreamBranchFromMarker(l); b != "" {
			return b
		}
	}
	for _, line := range strings.Split(description, "\n") {
		if b := UpstreamBranchFromMarker(line); b != "" {
			return b
		}
	}
	return ""
}

// HasScopeLabel reports whether the raw label set carries the scope label.
func HasScopeLabel(labels []string, scopeLabel string) bool {
	want := normalizeKey(scopeLabel)
	if want == "" {
		return false
	}
	for _, l := range labels {
		if normalizeKey(l) == want {
			return true
		}
	}
	return false
}

// MergeMeta overlays patch entries onto base without mutating either map.
func MergeMeta(base, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
