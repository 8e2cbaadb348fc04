package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/openfleet/openfleet/pkg/kanban"
	"github.com/openfleet/openfleet/pkg/logger"
)

// issueKeyRe validates Jira issue keys before any network call.
var issueKeyRe = regexp.MustCompile(`^[A-Z][A-Z0-9]+-\d+$`)

// CustomFields holds the optional customfield_NNNNN ids for structured
// shared-state storage. Unset fields fall back to sentinel comments.
type CustomFields struct {
	OwnerID        string
	AttemptToken   string
	AttemptStarted string
	Heartbeat      string
	RetryCount     string
	IgnoreReason   string
	SharedState    string
	BaseBranch     string
}

func (c CustomFields) structured() bool {
	return c.SharedState != "" ||
		(c.OwnerID != "" && c.AttemptToken != "" && c.AttemptStarted != "" && c.Heartbeat != "")
}

// Labels holds the shared-state label names.
type Labels struct {
	Claimed string
	Working string
	Stale   string
	Ignore  string
}

func (l Labels) forStatus(s kanban.SharedStateStatus) string {
	switch s {
	case kanban.SharedClaimed:
		return l.Claimed
	case kanban.SharedWorking:
		return l.Working
	default:
		return l.Stale
	}
}

func (l Labels) all() []string {
	return []string{l.Claimed, l.Working, l.Stale}
}

// Options configures the Jira adapter.
type Options struct {
	BaseURL    string
	Email      string
	APIToken   string
	ProjectKey string
	IssueType  string

	ScopeLabel       string
	EnforceTaskLabel bool

	StatusOverrides map[string]string
	Labels          Labels
	CustomFields    CustomFields
	UseADFComments  bool

	// HTTPBaseURL override for tests (httptest server). Empty uses BaseURL.
	HTTPBaseURL string
}

// Adapter is the Jira Cloud backend.
type Adapter struct {
	client *client

	projectKey string
	issueType  string

	vocab      *kanban.Vocabulary
	tags       *kanban.TagNormalizer
	scopeLabel string
	enforce    bool

	labels       Labels
	customFields CustomFields
	useADF       bool

	// searchLegacy flips on permanently once /rest/api/3/search/jql
	// answers 404 or 410, so every later search goes straight to the old
	// endpoint. Atomic because one adapter serves concurrent callers.
	searchLegacy atomic.Bool
}

// NewAdapter builds the adapter. BaseURL, Email, and APIToken are required.
func NewAdapter(opts Options) (*Adapter, error) {
	if opts.BaseURL == "" || opts.Email == "" || opts.APIToken == "" {
		return nil, fmt.Errorf("%w: JIRA_BASE_URL, JIRA_EMAIL, and JIRA_API_TOKEN are required for the jira backend", kanban.ErrFatal)
	}
	base := opts.HTTPBaseURL
	if base == "" {
		base = opts.BaseURL
	}
	issueType := opts.IssueType
	if issueType == "" {
		issueType = "Task"
	}
	labels := opts.Labels
	if labels.Claimed == "" {
		labels = Labels{Claimed: "codex.claimed", Working: "codex.working", Stale: "codex.stale", Ignore: "codex.ignore"}
	}
	vocab := kanban.DefaultJiraVocabulary(opts.StatusOverrides)
	return &Adapter{
		client:       newClient(base, opts.Email, opts.APIToken),
		projectKey:   opts.ProjectKey,
		issueType:    issueType,
		vocab:        vocab,
		tags:         kanban.NewTagNormalizer(vocab, opts.ScopeLabel),
		scopeLabel:   opts.ScopeLabel,
		enforce:      opts.EnforceTaskLabel,
		labels:       labels,
		customFields: opts.CustomFields,
		useADF:       opts.UseADFComments,
	}, nil
}

func (a *Adapter) Backend() kanban.BackendName { return kanban.BackendJira }

func validateIssueKey(key string) error {
	if !issueKeyRe.MatchString(key) {
		return fmt.Errorf("%w: %q is not a Jira issue key", kanban.ErrInvalidInput, key)
	}
	return nil
}

// --- wire types ---

const jiraTimeLayout = "2006-01-02T15:04:05.000-0700"

type jiraIssue struct {
	Key    string          `json:"key"`
	Fields json.RawMessage `json:"fields"`
}

type jiraIssueFields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"`
	Status      struct {
		Name           string `json:"name"`
		StatusCategory struct {
			Key string `json:"key"`
		} `json:"statusCategory"`
	} `json:"status"`
	Assignee *struct {
		DisplayName  string `json:"displayName"`
		EmailAddress string `json:"emailAddress"`
	} `json:"assignee"`
	Priority *struct {
		Name string `json:"name"`
	} `json:"priority"`
	Labels  []string `json:"labels"`
	Created string   `json:"created"`
	Updated string   `json:"updated"`
}

func issueFieldList(cf CustomFields) string {
	fields := []string{"summary", "description", "status", "assignee", "priority", "labels", "created", "updated"}
	for _, id := range []string{cf.OwnerID, cf.AttemptToken, cf.AttemptStarted, cf.Heartbeat,
		cf.RetryCount, cf.IgnoreReason, cf.SharedState, cf.BaseBranch} {
		if id != "" {
			fields = append(fields, id)
		}
	}
	return strings.Join(fields, ",")
}

// --- adapter operations ---

func (a *Adapter) ListProjects(ctx context.Context) ([]kanban.Project, error) {
	if a.projectKey != "" {
		var proj struct {
			Key  string `json:"key"`
			Name string `json:"name"`
		}
		if err := a.client.do(ctx, "GET", "/rest/api/3/project/"+a.projectKey, nil, &proj); err != nil {
			return nil, err
		}
		return []kanban.Project{{ID: proj.Key, Name: proj.Name, Backend: kanban.BackendJira}}, nil
	}

	var resp struct {
		Values []struct {
			Key  string `json:"key"`
			Name string `json:"name"`
		} `json:"values"`
	}
	if err := a.client.do(ctx, "GET", "/rest/api/3/project/search?orderBy=key", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]kanban.Project, 0, len(resp.Values))
	for _, p := range resp.Values {
		out = append(out, kanban.Project{ID: p.Key, Name: p.Name, Backend: kanban.BackendJira})
	}
	return out, nil
}

func (a *Adapter) ListTasks(ctx context.Context, projectID string, f kanban.ListFilters) ([]kanban.Task, error) {
	jql := f.JQL
	if jql == "" {
		var clauses []string
		if projectID != "" {
			clauses = append(clauses, fmt.Sprintf("project = %q", projectID))
		}
		if a.enforce && a.scopeLabel != "" {
			clauses = append(clauses, fmt.Sprintf("labels = %q", a.scopeLabel))
		}
		if f.Status != "" {
			if native, ok := a.vocab.Native(f.Status); ok {
				clauses = append(clauses, fmt.Sprintf("status = %q", native))
			}
		}
		if f.Assignee != "" {
			clauses = append(clauses, fmt.Sprintf("assignee = %q", f.Assignee))
		}
		jql = strings.Join(clauses, " AND ")
		if jql == "" {
			jql = "order by updated desc"
		} else {
			jql += " order by updated desc"
		}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	issues, err := a.search(ctx, jql, limit)
	if err != nil {
		return nil, err
	}
	tasks := make([]kanban.Task, 0, len(issues))
	for i := range issues {
		t, err := a.taskFromIssue(&issues[i])
		if err != nil {
			continue
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

// search runs a JQL query against the enhanced-search endpoint and falls
// back to the legacy one when Jira answers 404 or 410 for it.
func (a *Adapter) search(ctx context.Context, jql string, limit int) ([]jiraIssue, error) {
	var resp struct {
		Issues []jiraIssue `json:"issues"`
	}
	body := map[string]interface{}{
		"jql":        jql,
		"maxResults": limit,
		"fields":     strings.Split(issueFieldList(a.customFields), ","),
	}

	if !a.searchLegacy.Load() {
		err := a.client.do(ctx, "POST", "/rest/api/3/search/jql", body, &resp)
		if err == nil {
			return resp.Issues, nil
		}
		status := statusOf(err)
		if status != http.StatusNotFound && status != http.StatusGone {
			return nil, err
		}
		a.searchLegacy.Store(true)
		logger.InfoCF("jira", "Enhanced search unavailable, using legacy endpoint", map[string]interface{}{
			"status": status,
		})
	}

	if err := a.client.do(ctx, "POST", "/rest/api/3/search", body, &resp); err != nil {
		return nil, err
	}
	return resp.Issues, nil
}

func (a *Adapter) GetTask(ctx context.Context, id string) (*kanban.Task, error) {
	if err := validateIssueKey(id); err != nil {
		return nil, err
	}
	issue, err := a.fetchIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.taskFromIssue(issue)
}

func (a *Adapter) fetchIssue(ctx context.Context, key string) (*jiraIssue, error) {
	path := "/rest/api/3/issue/" + key + "?fields=" + url.QueryEscape(issueFieldList(a.customFields))
	var issue jiraIssue
	if err := a.client.do(ctx, "GET", path, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (a *Adapter) UpdateTaskStatus(ctx context.Context, id string, s kanban.Status, opts kanban.UpdateOptions) (*kanban.Task, error) {
	if err := validateIssueKey(id); err != nil {
		return nil, err
	}
	if err := a.transitionIssue(ctx, id, s); err != nil {
		return nil, err
	}
	if opts.SharedState != nil {
		if _, err := a.PersistSharedState(ctx, id, *opts.SharedState); err != nil {
			logger.WarnCF("jira", "Shared state persist failed during status update", map[string]interface{}{
				"issue": id, "error": err.Error(),
			})
		}
	}
	return a.GetTask(ctx, id)
}

func (a *Adapter) UpdateTask(ctx context.Context, id string, patch kanban.TaskPatch) (*kanban.Task, error) {
	if err := validateIssueKey(id); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}
	if patch.Title != nil {
		fields["summary"] = *patch.Title
	}
	if patch.Description != nil {
		fields["description"] = adfDocument(*patch.Description)
	}
	if patch.Tags != nil {
		issue, err := a.fetchIssue(ctx, id)
		if err != nil {
			return nil, err
		}
		var f jiraIssueFields
		json.Unmarshal(issue.Fields, &f)
		kept := []string{}
		for _, l := range f.Labels {
			if a.tags.IsSystemLabel(l) {
				kept = append(kept, l)
			}
		}
		fields["labels"] = append(kept, a.tags.Tags(patch.Tags)...)
	}
	if patch.BaseBranch != nil && a.customFields.BaseBranch != "" {
		fields[a.customFields.BaseBranch] = *patch.BaseBranch
	}

	if len(fields) > 0 {
		body := map[string]interface{}{"fields": fields}
		if err := a.client.do(ctx, "PUT", "/rest/api/3/issue/"+id, body, nil); err != nil {
			return nil, err
		}
	}

	if patch.Status != nil {
		return a.UpdateTaskStatus(ctx, id, *patch.Status, kanban.UpdateOptions{})
	}
	return a.GetTask(ctx, id)
}

func (a *Adapter) CreateTask(ctx context.Context, projectID string, data kanban.Task) (*kanban.Task, error) {
	if data.Title == "" {
		return nil, fmt.Errorf("%w: task title is required", kanban.ErrInvalidInput)
	}
	project := projectID
	if project == "" {
		project = a.projectKey
	}
	if project == "" {
		return nil, fmt.Errorf("%w: no Jira project key configured", kanban.ErrInvalidInput)
	}

	labels := []string{}
	if a.scopeLabel != "" {
		labels = append(labels, a.scopeLabel)
	}
	if data.Draft || data.Status == kanban.StatusDraft {
		labels = append(labels, "draft")
	}
	if data.BaseBranch != "" {
		labels = append(labels, kanban.UpstreamMarkerLabel(data.BaseBranch))
	}
	labels = append(labels, a.tags.Tags(data.Tags)...)

	fields := map[string]interface{}{
		"project":   map[string]string{"key": project},
		"issuetype": map[string]string{"name": a.issueType},
		"summary":   data.Title,
		"labels":    labels,
	}
	if data.Description != "" {
		fields["description"] = adfDocument(data.Description)
	}
	if data.BaseBranch != "" && a.customFields.BaseBranch != "" {
		fields[a.customFields.BaseBranch] = data.BaseBranch
	}

	var created struct {
		Key string `json:"key"`
	}
	if err := a.client.do(ctx, "POST", "/rest/api/3/issue", map[string]interface{}{"fields": fields}, &created); err != nil {
		return nil, err
	}

	if data.Status != "" && data.Status != kanban.StatusTodo && data.Status != kanban.StatusDraft {
		if err := a.transitionIssue(ctx, created.Key, data.Status); err != nil {
			logger.WarnCF("jira", "Initial transition failed for created issue", map[string]interface{}{
				"issue": created.Key, "status": string(data.Status), "error": err.Error(),
			})
		}
	}

	return a.GetTask(ctx, created.Key)
}

// DeleteTask is a soft delete: the issue is transitioned to cancelled, or
// done when the workflow has no cancelled path.
func (a *Adapter) DeleteTask(ctx context.Context, id string) (bool, error) {
	if err := validateIssueKey(id); err != nil {
		return false, err
	}
	err := a.transitionIssue(ctx, id, kanban.StatusCancelled)
	if err != nil && strings.Contains(err.Error(), "no transition") {
		err = a.transitionIssue(ctx, id, kanban.StatusDone)
	}
	if err != nil {
		if kanban.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AddComment posts the body as ADF and retries once with a plain body when
// Jira rejects the document.
func (a *Adapter) AddComment(ctx context.Context, id, body string) (bool, error) {
	if err := validateIssueKey(id); err != nil {
		return false, err
	}
	path := "/rest/api/3/issue/" + id + "/comment"

	if a.useADF {
		err := a.client.do(ctx, "POST", path, map[string]interface{}{"body": adfDocument(body)}, nil)
		if err == nil {
			return true, nil
		}
		if statusOf(err) != http.StatusBadRequest {
			return false, err
		}
		logger.WarnCF("jira", "ADF comment rejected, retrying plain", map[string]interface{}{
			"issue": id,
		})
	}

	if err := a.client.do(ctx, "POST", path, map[string]interface{}{"body": body}, nil); err != nil {
		return false, err
	}
	return true, nil
}

// PersistSharedState flips the claim label, writes the structured custom
// fields when configured, and otherwise upserts the sentinel comment. The
// backend write is retried once on transient failure.
func (a *Adapter) PersistSharedState(ctx context.Context, id string, state kanban.SharedState) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("%w: shared state missing required fields", kanban.ErrInvalidInput)
	}
	if err := validateIssueKey(id); err != nil {
		return false, err
	}

	err := a.writeSharedState(ctx, id, state)
	if err != nil && kanban.IsTransient(err) {
		logger.WarnCF("jira", "Shared state write failed, retrying once", map[string]interface{}{
			"issue": id, "error": err.Error(),
		})
		err = a.writeSharedState(ctx, id, state)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) writeSharedState(ctx context.Context, id string, state kanban.SharedState) error {
	issue, err := a.fetchIssue(ctx, id)
	if err != nil {
		return err
	}
	var f jiraIssueFields
	json.Unmarshal(issue.Fields, &f)

	want := a.labels.forStatus(state.Status)
	labels := []string{want}
	for _, l := range f.Labels {
		skip := false
		for _, claim := range a.labels.all() {
			if strings.EqualFold(l, claim) {
				skip = true
				break
			}
		}
		if !skip && !strings.EqualFold(l, want) {
			labels = append(labels, l)
		}
	}

	fields := map[string]interface{}{"labels": labels}
	if a.customFields.structured() {
		if a.customFields.SharedState != "" {
			raw, _ := json.Marshal(state)
			fields[a.customFields.SharedState] = string(raw)
		} else {
			fields[a.customFields.OwnerID] = state.OwnerID
			fields[a.customFields.AttemptToken] = state.AttemptToken
			fields[a.customFields.AttemptStarted] = state.AttemptStarted
			fields[a.customFields.Heartbeat] = state.Heartbeat
			if a.customFields.RetryCount != "" {
				fields[a.customFields.RetryCount] = state.RetryCount
			}
		}
	}
	if err := a.client.do(ctx, "PUT", "/rest/api/3/issue/"+id, map[string]interface{}{"fields": fields}, nil); err != nil {
		return err
	}

	if !a.customFields.structured() {
		return a.upsertSentinelComment(ctx, id, kanban.EncodeSentinelComment(state))
	}
	return nil
}

type jiraComment struct {
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
}

func (c *jiraComment) text() string {
	var s string
	if json.Unmarshal(c.Body, &s) == nil {
		return s
	}
	var doc map[string]interface{}
	if json.Unmarshal(c.Body, &doc) == nil {
		return adfToText(doc)
	}
	return ""
}

func (a *Adapter) listComments(ctx context.Context, id string) ([]jiraComment, error) {
	var resp struct {
		Comments []jiraComment `json:"comments"`
	}
	if err := a.client.do(ctx, "GET", "/rest/api/3/issue/"+id+"/comment?orderBy=created&maxResults=100", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Comments, nil
}

func (a *Adapter) upsertSentinelComment(ctx context.Context, id, body string) error {
	comments, err := a.listComments(ctx, id)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{"body": adfDocument(body)}
	if !a.useADF {
		payload = map[string]interface{}{"body": body}
	}
	for _, c := range comments {
		if kanban.IsSentinelComment(c.text()) {
			return a.client.do(ctx, "PUT", "/rest/api/3/issue/"+id+"/comment/"+c.ID, payload, nil)
		}
	}
	return a.client.do(ctx, "POST", "/rest/api/3/issue/"+id+"/comment", payload, nil)
}

// ReadSharedState reads the structured custom fields first and falls back
// to the newest sentinel comment. Invalid payloads read as absent.
func (a *Adapter) ReadSharedState(ctx context.Context, id string) (*kanban.SharedState, error) {
	if err := validateIssueKey(id); err != nil {
		return nil, err
	}

	if a.customFields.structured() {
		issue, err := a.fetchIssue(ctx, id)
		if err != nil {
			return nil, err
		}
		if s := a.sharedStateFromFields(issue.Fields); s != nil {
			return s, nil
		}
	}

	comments, err := a.listComments(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := len(comments) - 1; i >= 0; i-- {
		text := comments[i].text()
		if !kanban.IsSentinelComment(text) {
			continue
		}
		if s := kanban.ParseSentinelComment(text); s != nil {
			return s, nil
		}
	}
	return nil, nil
}

func (a *Adapter) sharedStateFromFields(raw json.RawMessage) *kanban.SharedState {
	var fields map[string]interface{}
	if json.Unmarshal(raw, &fields) != nil {
		return nil
	}

	if a.customFields.SharedState != "" {
		blob, _ := fields[a.customFields.SharedState].(string)
		if blob == "" {
			return nil
		}
		var s kanban.SharedState
		if json.Unmarshal([]byte(blob), &s) != nil || !s.Valid() {
			return nil
		}
		return &s
	}

	str := func(id string) string {
		v, _ := fields[id].(string)
		return v
	}
	s := kanban.SharedState{
		OwnerID:        str(a.customFields.OwnerID),
		AttemptToken:   str(a.customFields.AttemptToken),
		AttemptStarted: str(a.customFields.AttemptStarted),
		Heartbeat:      str(a.customFields.Heartbeat),
	}
	if n, ok := fields[a.customFields.RetryCount].(float64); ok {
		s.RetryCount = int(n)
	}
	// Claim phase rides on labels in field mode.
	var f jiraIssueFields
	json.Unmarshal(raw, &f)
	for _, l := range f.Labels {
		switch {
		case strings.EqualFold(l, a.labels.Claimed):
			s.Status = kanban.SharedClaimed
		case strings.EqualFold(l, a.labels.Working):
			s.Status = kanban.SharedWorking
		case strings.EqualFold(l, a.labels.Stale):
			s.Status = kanban.SharedStale
		}
	}
	if !s.Valid() {
		return nil
	}
	return &s
}

func (a *Adapter) MarkTaskIgnored(ctx context.Context, id, reason string) (bool, error) {
	if err := validateIssueKey(id); err != nil {
		return false, err
	}
	issue, err := a.fetchIssue(ctx, id)
	if err != nil {
		return false, err
	}
	var f jiraIssueFields
	json.Unmarshal(issue.Fields, &f)

	labels := f.Labels
	if !kanban.HasScopeLabel(labels, a.labels.Ignore) {
		labels = append(labels, a.labels.Ignore)
	}
	fields := map[string]interface{}{"labels": labels}
	if a.customFields.IgnoreReason != "" && reason != "" {
		fields[a.customFields.IgnoreReason] = reason
	}
	if err := a.client.do(ctx, "PUT", "/rest/api/3/issue/"+id, map[string]interface{}{"fields": fields}, nil); err != nil {
		return false, err
	}

	body := "OpenFleet is ignoring this task."
	if reason != "" {
		body = "OpenFleet is ignoring this task: " + reason
	}
	if _, err := a.AddComment(ctx, id, body); err != nil {
		logger.WarnCF("jira", "Ignore comment failed", map[string]interface{}{
			"issue": id, "error": err.Error(),
		})
	}
	return true, nil
}

// --- mapping ---

func (a *Adapter) taskFromIssue(issue *jiraIssue) (*kanban.Task, error) {
	var f jiraIssueFields
	if err := json.Unmarshal(issue.Fields, &f); err != nil {
		return nil, fmt.Errorf("%w: decode issue %s fields: %v", kanban.ErrTransient, issue.Key, err)
	}

	description := ""
	if len(f.Description) > 0 {
		var s string
		if json.Unmarshal(f.Description, &s) == nil {
			description = s
		} else {
			var doc map[string]interface{}
			if json.Unmarshal(f.Description, &doc) == nil {
				description = adfToText(doc)
			}
		}
	}

	status := a.vocab.Canonical(f.Status.Name)
	if !a.vocab.Has(f.Status.Name) && strings.EqualFold(f.Status.StatusCategory.Key, "done") {
		// Custom terminal statuses outside the vocabulary still count as
		// done through their status category.
		status = kanban.StatusDone
	}
	draft := false
	for _, l := range f.Labels {
		if strings.EqualFold(l, "draft") {
			draft = true
			status = kanban.StatusDraft
		}
	}

	assignee := ""
	if f.Assignee != nil {
		assignee = f.Assignee.EmailAddress
		if assignee == "" {
			assignee = f.Assignee.DisplayName
		}
	}
	priority := ""
	if f.Priority != nil {
		priority = kanban.NormalizePriority(f.Priority.Name)
	}

	createdAt, _ := time.Parse(jiraTimeLayout, f.Created)
	updatedAt, _ := time.Parse(jiraTimeLayout, f.Updated)

	baseBranch := ""
	if a.customFields.BaseBranch != "" {
		var fields map[string]interface{}
		if json.Unmarshal(issue.Fields, &fields) == nil {
			baseBranch, _ = fields[a.customFields.BaseBranch].(string)
		}
	}
	baseBranch = kanban.DeriveBaseBranch(baseBranch, f.Labels, description)

	projectKey, _, _ := strings.Cut(issue.Key, "-")

	t := &kanban.Task{
		ID:          issue.Key,
		Title:       f.Summary,
		Description: description,
		Status:      status,
		Assignee:    assignee,
		Priority:    priority,
		Tags:        a.tags.Tags(f.Labels),
		Draft:       draft,
		ProjectID:   projectKey,
		BaseBranch:  baseBranch,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		Backend:     kanban.BackendJira,
	}
	if s := a.sharedStateFromFields(issue.Fields); s != nil {
		t.SetSharedState(s)
	}
	for _, l := range f.Labels {
		if strings.EqualFold(l, a.labels.Ignore) {
			if t.Meta == nil {
				t.Meta = map[string]interface{}{}
			}
			t.Meta["ignored"] = true
		}
	}
	return t, nil
}
