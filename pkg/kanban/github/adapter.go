package github

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/openfleet/openfleet/pkg/kanban"
	"github.com/openfleet/openfleet/pkg/logger"
)

// Adapter is the GitHub Issues backend. Status rides on repo labels in
// issues mode; kanban mode additionally mirrors status and extra fields to a
// Projects-v2 board.
type Adapter struct {
	runner Runner
	repo   string

	vocab      *kanban.Vocabulary
	boardVocab *kanban.Vocabulary
	tags       *kanban.TagNormalizer

	scopeLabel string
	enforce    bool

	projectMode   string
	projectNumber int
	projectOwner  string

	autoAssignCreator bool
	defaultAssignee   string

	rateLimitRetry  time.Duration
	rateLimitEvents int64

	projects projectCache
}

// Options configures the GitHub adapter.
type Options struct {
	// Repository is the owner/repo slug. Required.
	Repository string

	// ProjectMode is "issues" (default) or "kanban".
	ProjectMode   string
	ProjectNumber int
	ProjectOwner  string

	AutoAssignCreator bool
	DefaultAssignee   string

	ScopeLabel       string
	EnforceTaskLabel bool

	StatusOverrides map[string]string
	BoardOverrides  map[string]string

	// RateLimitRetry is the delay before the single rate-limit retry.
	// Zero means the 60s default.
	RateLimitRetry time.Duration

	// Runner overrides the gh CLI executor. Tests inject a fake here.
	Runner Runner
}

// NewAdapter builds the adapter. Repository is required.
func NewAdapter(opts Options) (*Adapter, error) {
	if opts.Repository == "" {
		return nil, fmt.Errorf("%w: GITHUB_REPOSITORY is required for the github backend", kanban.ErrFatal)
	}
	runner := opts.Runner
	if runner == nil {
		runner = execRunner{}
	}
	retry := opts.RateLimitRetry
	if retry <= 0 {
		retry = 60 * time.Second
	}
	mode := opts.ProjectMode
	if mode == "" {
		mode = "issues"
	}
	owner := opts.ProjectOwner
	if owner == "" {
		owner, _, _ = strings.Cut(opts.Repository, "/")
	}
	vocab := kanban.DefaultGitHubVocabulary(opts.StatusOverrides)
	return &Adapter{
		runner:            runner,
		repo:              opts.Repository,
		vocab:             vocab,
		boardVocab:        kanban.DefaultGitHubBoardVocabulary(opts.BoardOverrides),
		tags:              kanban.NewTagNormalizer(vocab, opts.ScopeLabel),
		scopeLabel:        opts.ScopeLabel,
		enforce:           opts.EnforceTaskLabel,
		projectMode:       mode,
		projectNumber:     opts.ProjectNumber,
		projectOwner:      owner,
		autoAssignCreator: opts.AutoAssignCreator,
		defaultAssignee:   opts.DefaultAssignee,
		rateLimitRetry:    retry,
	}, nil
}

func (a *Adapter) Backend() kanban.BackendName { return kanban.BackendGitHub }

func (a *Adapter) boardEnabled() bool {
	return a.projectMode == "kanban" && a.projectNumber > 0
}

// --- wire types ---

const issueJSONFields = "number,title,body,state,stateReason,labels,assignees,createdAt,updatedAt,url"

type ghLabel struct {
	Name string `json:"name"`
}

type ghUser struct {
	Login string `json:"login"`
}

type ghIssue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	StateReason string    `json:"stateReason"`
	Labels      []ghLabel `json:"labels"`
	Assignees   []ghUser  `json:"assignees"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	URL         string    `json:"url"`
}

type ghComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
}

// validateIssueID rejects non-numeric ids before any CLI call.
func validateIssueID(id string) error {
	if _, err := strconv.Atoi(strings.TrimSpace(id)); err != nil {
		return fmt.Errorf("%w: issue id %q is not a number", kanban.ErrInvalidInput, id)
	}
	return nil
}

// --- adapter operations ---

// ListProjects returns the repo as a single project. In kanban mode the
// board number rides along in meta.
func (a *Adapter) ListProjects(ctx context.Context) ([]kanban.Project, error) {
	p := kanban.Project{ID: a.repo, Name: a.repo, Backend: kanban.BackendGitHub}
	if a.boardEnabled() {
		p.Meta = map[string]interface{}{
			"projectNumber": a.projectNumber,
			"projectOwner":  a.projectOwner,
		}
	}
	return []kanban.Project{p}, nil
}

func (a *Adapter) ListTasks(ctx context.Context, projectID string, f kanban.ListFilters) ([]kanban.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	args := []string{"issue", "list", "--repo", a.repo, "--state", "all",
		"--json", issueJSONFields, "--limit", strconv.Itoa(limit)}
	if a.enforce && a.scopeLabel != "" {
		args = append(args, "--label", a.scopeLabel)
	}
	if f.Status != "" && !f.Status.Terminal() {
		if native, ok := a.vocab.Native(f.Status); ok {
			args = append(args, "--label", native)
		}
	}
	if f.Assignee != "" {
		args = append(args, "--assignee", f.Assignee)
	}

	out, err := a.run(ctx, args...)
	if err != nil {
		return nil, classify(err)
	}
	var issues []ghIssue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("%w: decode issue list: %v", kanban.ErrTransient, err)
	}

	tasks := make([]kanban.Task, 0, len(issues))
	for i := range issues {
		t := a.taskFromIssue(&issues[i])
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

func (a *Adapter) GetTask(ctx context.Context, id string) (*kanban.Task, error) {
	if err := validateIssueID(id); err != nil {
		return nil, err
	}
	issue, err := a.fetchIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	t := a.taskFromIssue(issue)
	// A claim label means a sentinel comment may hold the live attempt.
	if _, claimed := t.Meta["codexLabel"]; claimed {
		state, err := a.ReadSharedState(ctx, id)
		switch {
		case err != nil:
			logger.WarnCF("github", "Shared state read failed", map[string]interface{}{
				"issue": id, "error": err.Error(),
			})
		case state != nil:
			t.SetSharedState(state)
		}
	}
	return t, nil
}

func (a *Adapter) fetchIssue(ctx context.Context, id string) (*ghIssue, error) {
	out, err := a.run(ctx, "issue", "view", id, "--repo", a.repo, "--json", issueJSONFields)
	if err != nil {
		return nil, classify(err)
	}
	var issue ghIssue
	if err := json.Unmarshal(out, &issue); err != nil {
		return nil, fmt.Errorf("%w: decode issue %s: %v", kanban.ErrTransient, id, err)
	}
	return &issue, nil
}

// UpdateTaskStatus writes the status through labels and open/closed state.
// done closes the issue, cancelled closes it as not planned; a closed issue
// moving to a non-terminal status is reopened first. A closed issue asked
// for done again is a no-op.
func (a *Adapter) UpdateTaskStatus(ctx context.Context, id string, s kanban.Status, opts kanban.UpdateOptions) (*kanban.Task, error) {
	if err := validateIssueID(id); err != nil {
		return nil, err
	}
	issue, err := a.fetchIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	closed := strings.EqualFold(issue.State, "CLOSED")

	switch {
	case s == kanban.StatusDone && closed && !strings.EqualFold(issue.StateReason, "NOT_PLANNED"):
		// Already closed as completed.
	case s == kanban.StatusDone:
		if _, err := a.run(ctx, "issue", "close", id, "--repo", a.repo); err != nil {
			return nil, classify(err)
		}
	case s == kanban.StatusCancelled && closed && strings.EqualFold(issue.StateReason, "NOT_PLANNED"):
		// Already closed as not planned.
	case s == kanban.StatusCancelled:
		if closed {
			if _, err := a.run(ctx, "issue", "reopen", id, "--repo", a.repo); err != nil {
				return nil, classify(err)
			}
		}
		if _, err := a.run(ctx, "issue", "close", id, "--repo", a.repo, "--reason", "not planned"); err != nil {
			return nil, classify(err)
		}
	case closed:
		if _, err := a.run(ctx, "issue", "reopen", id, "--repo", a.repo); err != nil {
			return nil, classify(err)
		}
	}

	if edit, needed := a.statusLabelEdit(id, labelNames(issue.Labels), s); needed {
		if err := a.applyLabelEdit(ctx, edit); err != nil {
			return nil, err
		}
	}

	if opts.SharedState != nil {
		if _, err := a.PersistSharedState(ctx, id, *opts.SharedState); err != nil {
			logger.WarnCF("github", "Shared state persist failed during status update", map[string]interface{}{
				"issue": id, "error": err.Error(),
			})
		}
	}

	if a.boardEnabled() {
		fields := map[string]string{}
		for k, v := range opts.ProjectFields {
			fields[k] = v
		}
		if native, ok := a.boardVocab.Native(s); ok {
			fields["Status"] = native
		}
		if err := a.syncProjectFields(ctx, id, fields); err != nil {
			logger.WarnCF("github", "Board field sync failed", map[string]interface{}{
				"issue": id, "error": err.Error(),
			})
		}
	}

	return a.GetTask(ctx, id)
}

func (a *Adapter) UpdateTask(ctx context.Context, id string, patch kanban.TaskPatch) (*kanban.Task, error) {
	if err := validateIssueID(id); err != nil {
		return nil, err
	}
	args := []string{"issue", "edit", id, "--repo", a.repo}
	n := len(args)
	if patch.Title != nil {
		args = append(args, "--title", *patch.Title)
	}
	if patch.Description != nil {
		args = append(args, "--body", *patch.Description)
	}
	if patch.Assignee != nil && *patch.Assignee != "" {
		args = append(args, "--add-assignee", *patch.Assignee)
	}
	if len(args) > n {
		if _, err := a.run(ctx, args...); err != nil {
			return nil, classify(err)
		}
	}

	if patch.Tags != nil {
		if err := a.replaceUserTags(ctx, id, patch.Tags); err != nil {
			return nil, err
		}
	}
	if patch.BaseBranch != nil {
		if err := a.replaceUpstreamMarker(ctx, id, *patch.BaseBranch); err != nil {
			return nil, err
		}
	}

	if patch.Status != nil {
		return a.UpdateTaskStatus(ctx, id, *patch.Status, kanban.UpdateOptions{})
	}
	return a.GetTask(ctx, id)
}

// replaceUserTags swaps the user tag set while leaving system and scope
// labels untouched, in one grouped edit.
func (a *Adapter) replaceUserTags(ctx context.Context, id string, tags []string) error {
	issue, err := a.fetchIssue(ctx, id)
	if err != nil {
		return err
	}
	want := map[string]bool{}
	for _, t := range a.tags.Tags(tags) {
		want[t] = true
	}
	edit := labelEdit{issueID: id}
	for _, l := range labelNames(issue.Labels) {
		if a.tags.IsSystemLabel(l) {
			continue
		}
		key := strings.ToLower(l)
		if want[key] {
			delete(want, key)
			continue
		}
		edit.remove = append(edit.remove, l)
	}
	for t := range want {
		edit.add = append(edit.add, t)
	}
	if len(edit.add) == 0 && len(edit.remove) == 0 {
		return nil
	}
	return a.applyLabelEdit(ctx, edit)
}

func (a *Adapter) replaceUpstreamMarker(ctx context.Context, id, branch string) error {
	issue, err := a.fetchIssue(ctx, id)
	if err != nil {
		return err
	}
	edit := labelEdit{issueID: id}
	for _, l := range labelNames(issue.Labels) {
		if kanban.IsUpstreamMarker(l) && kanban.UpstreamBranchFromMarker(l) != branch {
			edit.remove = append(edit.remove, l)
		}
	}
	if branch != "" && !kanban.HasScopeLabel(labelNames(issue.Labels), kanban.UpstreamMarkerLabel(branch)) {
		edit.add = append(edit.add, kanban.UpstreamMarkerLabel(branch))
	}
	if len(edit.add) == 0 && len(edit.remove) == 0 {
		return nil
	}
	return a.applyLabelEdit(ctx, edit)
}

var issueURLRe = regexp.MustCompile(`/issues/(\d+)\s*$`)

func (a *Adapter) CreateTask(ctx context.Context, projectID string, data kanban.Task) (*kanban.Task, error) {
	if data.Title == "" {
		return nil, fmt.Errorf("%w: task title is required", kanban.ErrInvalidInput)
	}

	labels := []string{}
	if a.scopeLabel != "" {
		labels = append(labels, a.scopeLabel)
	}
	status := data.Status
	if data.Draft {
		status = kanban.StatusDraft
	}
	if status == "" {
		status = kanban.StatusTodo
	}
	if !status.Terminal() {
		if native, ok := a.vocab.Native(status); ok {
			labels = append(labels, native)
		}
	}
	if data.BaseBranch != "" {
		labels = append(labels, kanban.UpstreamMarkerLabel(data.BaseBranch))
	}
	labels = append(labels, a.tags.Tags(data.Tags)...)

	assignee := data.Assignee
	if assignee == "" {
		assignee = a.defaultAssignee
	}
	if assignee == "" && a.autoAssignCreator {
		assignee = "@me"
	}

	args := []string{"issue", "create", "--repo", a.repo, "--title", data.Title, "--body", data.Description}
	for _, l := range labels {
		args = append(args, "--label", l)
	}
	if assignee != "" {
		args = append(args, "--assignee", assignee)
	}

	out, err := a.run(ctx, args...)
	if err != nil {
		if isMissingLabelError(err) {
			for _, l := range labels {
				if createErr := a.createLabel(ctx, l); createErr != nil {
					logger.WarnCF("github", "Label create failed", map[string]interface{}{
						"label": l, "error": createErr.Error(),
					})
				}
			}
			out, err = a.run(ctx, args...)
		}
		if err != nil {
			return nil, classify(err)
		}
	}

	m := issueURLRe.FindStringSubmatch(strings.TrimSpace(string(out)))
	if m == nil {
		return nil, fmt.Errorf("%w: could not parse created issue URL from %q", kanban.ErrTransient, strings.TrimSpace(string(out)))
	}
	id := m[1]

	if a.boardEnabled() {
		if err := a.addIssueToBoard(ctx, id); err != nil {
			logger.WarnCF("github", "Board item add failed", map[string]interface{}{
				"issue": id, "error": err.Error(),
			})
		}
	}

	return a.GetTask(ctx, id)
}

// DeleteTask is a soft delete: the issue is closed as not planned.
func (a *Adapter) DeleteTask(ctx context.Context, id string) (bool, error) {
	if err := validateIssueID(id); err != nil {
		return false, err
	}
	_, err := a.run(ctx, "issue", "close", id, "--repo", a.repo, "--reason", "not planned")
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "already closed") {
			return true, nil
		}
		return false, classify(err)
	}
	return true, nil
}

func (a *Adapter) AddComment(ctx context.Context, id, body string) (bool, error) {
	if err := validateIssueID(id); err != nil {
		return false, err
	}
	if _, err := a.run(ctx, "issue", "comment", id, "--repo", a.repo, "--body", body); err != nil {
		return false, classify(err)
	}
	return true, nil
}

// PersistSharedState flips the codex label first, then writes or updates the
// single structured comment. The comment write is retried once on transient
// failure; a failed label flip skips the comment entirely so observers never
// see a comment disagreeing with the label.
func (a *Adapter) PersistSharedState(ctx context.Context, id string, state kanban.SharedState) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("%w: shared state missing required fields", kanban.ErrInvalidInput)
	}
	if err := validateIssueID(id); err != nil {
		return false, err
	}

	issue, err := a.fetchIssue(ctx, id)
	if err != nil {
		return false, err
	}
	if edit, needed := codexLabelEdit(id, labelNames(issue.Labels), state.Status); needed {
		if err := a.applyLabelEdit(ctx, edit); err != nil {
			return false, fmt.Errorf("codex label flip for issue %s: %w", id, err)
		}
	}

	body := kanban.EncodeSentinelComment(state)
	if err := a.upsertSentinelComment(ctx, id, body); err != nil {
		logger.WarnCF("github", "Sentinel comment write failed, retrying once", map[string]interface{}{
			"issue": id, "error": err.Error(),
		})
		if err = a.upsertSentinelComment(ctx, id, body); err != nil {
			return false, err
		}
	}
	return true, nil
}

// upsertSentinelComment updates the existing structured comment in place, or
// creates it when none exists. Editing keeps the comment count stable.
func (a *Adapter) upsertSentinelComment(ctx context.Context, id, body string) error {
	comments, err := a.listComments(ctx, id)
	if err != nil {
		return err
	}
	for _, c := range comments {
		if kanban.IsSentinelComment(c.Body) {
			_, err := a.run(ctx, "api", "--method", "PATCH",
				fmt.Sprintf("repos/%s/issues/comments/%d", a.repo, c.ID),
				"-f", "body="+body)
			return classify(err)
		}
	}
	_, err = a.run(ctx, "api", "--method", "POST",
		fmt.Sprintf("repos/%s/issues/%s/comments", a.repo, id),
		"-f", "body="+body)
	return classify(err)
}

func (a *Adapter) listComments(ctx context.Context, id string) ([]ghComment, error) {
	out, err := a.run(ctx, "api", fmt.Sprintf("repos/%s/issues/%s/comments", a.repo, id), "--paginate")
	if err != nil {
		return nil, classify(err)
	}
	var comments []ghComment
	if err := json.Unmarshal(out, &comments); err != nil {
		return nil, fmt.Errorf("%w: decode comments for issue %s: %v", kanban.ErrTransient, id, err)
	}
	return comments, nil
}

// ReadSharedState scans comments newest-first and returns the first valid
// sentinel payload. Malformed sentinels read as absent.
func (a *Adapter) ReadSharedState(ctx context.Context, id string) (*kanban.SharedState, error) {
	if err := validateIssueID(id); err != nil {
		return nil, err
	}
	comments, err := a.listComments(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := len(comments) - 1; i >= 0; i-- {
		if !kanban.IsSentinelComment(comments[i].Body) {
			continue
		}
		if s := kanban.ParseSentinelComment(comments[i].Body); s != nil {
			return s, nil
		}
	}
	return nil, nil
}

func (a *Adapter) MarkTaskIgnored(ctx context.Context, id, reason string) (bool, error) {
	if err := validateIssueID(id); err != nil {
		return false, err
	}
	if err := a.applyLabelEdit(ctx, labelEdit{issueID: id, add: []string{"codex.ignore"}}); err != nil {
		return false, err
	}
	body := "OpenFleet is ignoring this task."
	if reason != "" {
		body = fmt.Sprintf("OpenFleet is ignoring this task: %s", reason)
	}
	if _, err := a.AddComment(ctx, id, body); err != nil {
		logger.WarnCF("github", "Ignore comment failed", map[string]interface{}{
			"issue": id, "error": err.Error(),
		})
	}
	return true, nil
}

// --- mapping ---

func labelNames(labels []ghLabel) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.Name)
	}
	return names
}

// taskFromIssue maps an issue to the canonical task. Closed state wins over
// labels: completed → done, not planned → cancelled. On open issues a draft
// label overrides any other status label.
func (a *Adapter) taskFromIssue(issue *ghIssue) *kanban.Task {
	labels := labelNames(issue.Labels)

	status := kanban.StatusTodo
	for _, l := range labels {
		if a.vocab.Has(l) {
			status = a.vocab.Canonical(l)
			break
		}
	}
	draft := false
	for _, l := range labels {
		if a.vocab.Has(l) && a.vocab.Canonical(l) == kanban.StatusDraft {
			draft = true
			status = kanban.StatusDraft
		}
	}
	if strings.EqualFold(issue.State, "CLOSED") {
		if strings.EqualFold(issue.StateReason, "NOT_PLANNED") {
			status = kanban.StatusCancelled
		} else {
			status = kanban.StatusDone
		}
	}

	priority := ""
	for _, l := range labels {
		key := strings.ToLower(strings.TrimSpace(l))
		if p := strings.TrimPrefix(key, "priority:"); p != key {
			priority = kanban.NormalizePriority(p)
			break
		}
		switch key {
		case "critical", "high", "medium", "low":
			priority = key
		}
	}

	assignee := ""
	if len(issue.Assignees) > 0 {
		assignee = issue.Assignees[0].Login
	}

	t := &kanban.Task{
		ID:          strconv.Itoa(issue.Number),
		Title:       issue.Title,
		Description: issue.Body,
		Status:      status,
		Assignee:    assignee,
		Priority:    priority,
		Tags:        a.tags.Tags(labels),
		Draft:       draft,
		ProjectID:   a.repo,
		BaseBranch:  kanban.DeriveBaseBranch("", labels, issue.Body),
		TaskURL:     issue.URL,
		CreatedAt:   issue.CreatedAt,
		UpdatedAt:   issue.UpdatedAt,
		Backend:     kanban.BackendGitHub,
	}
	for _, l := range labels {
		key := strings.ToLower(l)
		if key == "codex.claimed" || key == "codex.working" || key == "codex.stale" {
			if t.Meta == nil {
				t.Meta = map[string]interface{}{}
			}
			t.Meta["codexLabel"] = key
		}
		if key == "codex.ignore" {
			if t.Meta == nil {
				t.Meta = map[string]interface{}{}
			}
			t.Meta["ignored"] = true
		}
	}
	return t
}
