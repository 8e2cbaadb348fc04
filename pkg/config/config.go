// Package config holds the process configuration for the fleet.
// Values come from an optional YAML file overlaid by environment variables;
// the environment always wins. The loaded Config is immutable after Load;
// in particular the status-vocabulary overrides are read once at process
// start and never again.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration object.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logging  LoggingConfig  `yaml:"logging"`
	Executor ExecutorConfig `yaml:"executor"`
	Kanban   KanbanConfig   `yaml:"kanban"`
	GitHub   GitHubConfig   `yaml:"github"`
	Jira     JiraConfig     `yaml:"jira"`
	Webhook  WebhookConfig  `yaml:"webhook"`

	// Workspace is the working directory for fleet-local state (internal
	// store database, worktree roots).
	Workspace string `yaml:"workspace" env:"OPENFLEET_WORKSPACE"`
}

// GatewayConfig configures the HTTP listener that carries the webhook
// intake and the metrics endpoint.
type GatewayConfig struct {
	Host string `yaml:"host" env:"OPENFLEET_HOST"`
	Port int    `yaml:"port" env:"OPENFLEET_PORT"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level" env:"OPENFLEET_LOG_LEVEL"`
}

// ExecutorConfig configures the task executor.
type ExecutorConfig struct {
	// Mode enables the executor and selects backend policy:
	// internal, hybrid, or vk.
	Mode string `yaml:"mode" env:"EXECUTOR_MODE"`

	// MaxParallel is the concurrent slot capacity. Zero pauses dispatch.
	MaxParallel int `yaml:"maxParallel" env:"INTERNAL_EXECUTOR_PARALLEL"`

	// SDK is the agent-pool routing hint; "auto" delegates to the pool.
	SDK string `yaml:"sdk" env:"INTERNAL_EXECUTOR_SDK"`

	// TaskTimeoutMs caps per-task wall clock time.
	TaskTimeoutMs int64 `yaml:"taskTimeoutMs" env:"INTERNAL_EXECUTOR_TIMEOUT_MS"`

	// MaxRetries is the number of retries per task before surfacing failure.
	MaxRetries int `yaml:"maxRetries" env:"INTERNAL_EXECUTOR_MAX_RETRIES"`

	// PollIntervalMs is the kanban poll period when the executor owns the
	// task lifecycle.
	PollIntervalMs int64 `yaml:"pollIntervalMs" env:"INTERNAL_EXECUTOR_POLL_MS"`

	// WorkflowOwnsTaskLifecycle suppresses the poll timer when true.
	WorkflowOwnsTaskLifecycle bool `yaml:"workflowOwnsTaskLifecycle" env:"INTERNAL_EXECUTOR_WORKFLOW_OWNS_LIFECYCLE"`

	// NoCommitBlockThreshold is the number of consecutive no-commit attempts
	// before a task is quarantined.
	NoCommitBlockThreshold int `yaml:"noCommitBlockThreshold" env:"INTERNAL_EXECUTOR_NO_COMMIT_THRESHOLD"`

	ReviewAgentEnabled bool `yaml:"reviewAgentEnabled" env:"INTERNAL_EXECUTOR_REVIEW_AGENT_ENABLED"`

	// Backlog replenishment trigger envelope.
	ReplenishEnabled     bool `yaml:"replenishEnabled" env:"INTERNAL_EXECUTOR_REPLENISH_ENABLED"`
	ReplenishMinNewTasks int  `yaml:"replenishMinNewTasks" env:"INTERNAL_EXECUTOR_REPLENISH_MIN"`
	ReplenishMaxNewTasks int  `yaml:"replenishMaxNewTasks" env:"INTERNAL_EXECUTOR_REPLENISH_MAX"`

	// Prompt-enrichment inputs.
	RequirementsProfile string `yaml:"requirementsProfile" env:"INTERNAL_EXECUTOR_PROFILE"`
	RequirementsNotes   string `yaml:"requirementsNotes" env:"INTERNAL_EXECUTOR_NOTES"`

	// MaintenanceCron optionally gates the maintenance tick (lease cleanup,
	// worktree pruning) to a cron schedule. Empty means every poll interval.
	MaintenanceCron string `yaml:"maintenanceCron" env:"INTERNAL_EXECUTOR_MAINTENANCE_CRON"`
}

// KanbanConfig selects and scopes the kanban backend.
type KanbanConfig struct {
	// Backend is the adapter name: internal, vk, github, or jira.
	Backend string `yaml:"backend" env:"KANBAN_BACKEND"`

	// TaskLabel is the scope label that marks a task as in-scope for the fleet.
	TaskLabel string `yaml:"taskLabel" env:"OPENFLEET_TASK_LABEL"`

	// EnforceTaskLabel makes listings return only scope-labelled tasks.
	EnforceTaskLabel bool `yaml:"enforceTaskLabel" env:"OPENFLEET_ENFORCE_TASK_LABEL"`

	// VKBaseURL is the locally-running Vibe-Kanban REST endpoint.
	VKBaseURL string `yaml:"vkBaseURL" env:"VK_BASE_URL"`
}

// GitHubConfig configures the GitHub Issues adapter.
type GitHubConfig struct {
	// Repository is the owner/repo slug.
	Repository string `yaml:"repository" env:"GITHUB_REPOSITORY"`

	// ProjectMode is "issues" or "kanban" (issues + Projects-v2 board).
	ProjectMode string `yaml:"projectMode" env:"GITHUB_PROJECT_MODE"`

	ProjectNumber int    `yaml:"projectNumber" env:"GITHUB_PROJECT_NUMBER"`
	ProjectOwner  string `yaml:"projectOwner" env:"GITHUB_PROJECT_OWNER"`
	ProjectTitle  string `yaml:"projectTitle" env:"GITHUB_PROJECT_TITLE"`

	ProjectAutoSync   bool   `yaml:"projectAutoSync" env:"GITHUB_PROJECT_AUTO_SYNC"`
	AutoAssignCreator bool   `yaml:"autoAssignCreator" env:"GITHUB_AUTO_ASSIGN_CREATOR"`
	DefaultAssignee   string `yaml:"defaultAssignee" env:"GITHUB_DEFAULT_ASSIGNEE"`

	// Status label overrides (canonical → repo label name).
	StatusTodo       string `yaml:"statusTodo" env:"GITHUB_PROJECT_STATUS_TODO"`
	StatusInProgress string `yaml:"statusInProgress" env:"GITHUB_PROJECT_STATUS_INPROGRESS"`
	StatusInReview   string `yaml:"statusInReview" env:"GITHUB_PROJECT_STATUS_INREVIEW"`
	StatusDone       string `yaml:"statusDone" env:"GITHUB_PROJECT_STATUS_DONE"`
	StatusCancelled  string `yaml:"statusCancelled" env:"GITHUB_PROJECT_STATUS_CANCELLED"`

	// RateLimitRetryMs is the delay before the single rate-limit retry.
	RateLimitRetryMs int64 `yaml:"rateLimitRetryMs" env:"GH_RATE_LIMIT_RETRY_MS"`
}

// JiraConfig configures the Jira REST adapter.
type JiraConfig struct {
	BaseURL    string `yaml:"baseURL" env:"JIRA_BASE_URL"`
	Email      string `yaml:"email" env:"JIRA_EMAIL"`
	APIToken   string `yaml:"apiToken" env:"JIRA_API_TOKEN"`
	ProjectKey string `yaml:"projectKey" env:"JIRA_PROJECT_KEY"`
	IssueType  string `yaml:"issueType" env:"JIRA_ISSUE_TYPE"`

	// Status name overrides (canonical → Jira status name).
	StatusTodo       string `yaml:"statusTodo" env:"JIRA_STATUS_TODO"`
	StatusInProgress string `yaml:"statusInProgress" env:"JIRA_STATUS_INPROGRESS"`
	StatusInReview   string `yaml:"statusInReview" env:"JIRA_STATUS_INREVIEW"`
	StatusDone       string `yaml:"statusDone" env:"JIRA_STATUS_DONE"`
	StatusCancelled  string `yaml:"statusCancelled" env:"JIRA_STATUS_CANCELLED"`

	// Shared-state label names.
	LabelClaimed string `yaml:"labelClaimed" env:"JIRA_LABEL_CLAIMED"`
	LabelWorking string `yaml:"labelWorking" env:"JIRA_LABEL_WORKING"`
	LabelStale   string `yaml:"labelStale" env:"JIRA_LABEL_STALE"`
	LabelIgnore  string `yaml:"labelIgnore" env:"JIRA_LABEL_IGNORE"`

	// Optional custom field ids (customfield_NNNNN) for structured
	// shared-state storage. Empty fields fall back to sentinel comments.
	CustomFieldOwnerID        string `yaml:"customFieldOwnerID" env:"JIRA_CUSTOM_FIELD_OWNER_ID"`
	CustomFieldAttemptToken   string `yaml:"customFieldAttemptToken" env:"JIRA_CUSTOM_FIELD_ATTEMPT_TOKEN"`
	CustomFieldAttemptStarted string `yaml:"customFieldAttemptStarted" env:"JIRA_CUSTOM_FIELD_ATTEMPT_STARTED"`
	CustomFieldHeartbeat      string `yaml:"customFieldHeartbeat" env:"JIRA_CUSTOM_FIELD_HEARTBEAT"`
	CustomFieldRetryCount     string `yaml:"customFieldRetryCount" env:"JIRA_CUSTOM_FIELD_RETRY_COUNT"`
	CustomFieldIgnoreReason   string `yaml:"customFieldIgnoreReason" env:"JIRA_CUSTOM_FIELD_IGNORE_REASON"`
	CustomFieldSharedState    string `yaml:"customFieldSharedState" env:"JIRA_CUSTOM_FIELD_SHARED_STATE"`
	CustomFieldBaseBranch     string `yaml:"customFieldBaseBranch" env:"JIRA_CUSTOM_FIELD_BASE_BRANCH"`

	UseADFComments   bool   `yaml:"useADFComments" env:"JIRA_USE_ADF_COMMENTS"`
	SubtaskParentKey string `yaml:"subtaskParentKey" env:"JIRA_SUBTASK_PARENT_KEY"`
}

// WebhookConfig configures the project-sync webhook intake.
type WebhookConfig struct {
	Path             string `yaml:"path" env:"GITHUB_PROJECT_WEBHOOK_PATH"`
	Secret           string `yaml:"secret" env:"GITHUB_PROJECT_WEBHOOK_SECRET"`
	RequireSignature bool   `yaml:"requireSignature" env:"GITHUB_PROJECT_WEBHOOK_REQUIRE_SIGNATURE"`

	// AlertFailureThreshold is the consecutive-failure count that triggers
	// an alert. Clamped to a minimum of 1.
	AlertFailureThreshold int `yaml:"alertFailureThreshold" env:"GITHUB_PROJECT_SYNC_ALERT_FAILURE_THRESHOLD"`

	// RateLimitAlertThreshold triggers an alert once this many rate-limit
	// events have been observed through the sync engine.
	RateLimitAlertThreshold int `yaml:"rateLimitAlertThreshold" env:"GITHUB_PROJECT_SYNC_RATE_LIMIT_ALERT_THRESHOLD"`

	// Slack alert delivery. Empty token disables Slack alerting.
	SlackToken   string `yaml:"slackToken" env:"OPENFLEET_SLACK_TOKEN"`
	SlackChannel string `yaml:"slackChannel" env:"OPENFLEET_SLACK_CHANNEL"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Gateway: GatewayConfig{Host: "127.0.0.1", Port: 8790},
		Logging: LoggingConfig{Level: "info"},
		Executor: ExecutorConfig{
			Mode:                      "internal",
			MaxParallel:               3,
			SDK:                       "auto",
			TaskTimeoutMs:             6 * 60 * 60 * 1000,
			MaxRetries:                2,
			PollIntervalMs:            30_000,
			WorkflowOwnsTaskLifecycle: true,
			NoCommitBlockThreshold:    3,
			ReplenishMinNewTasks:      1,
			ReplenishMaxNewTasks:      5,
		},
		Kanban: KanbanConfig{
			Backend:   "",
			TaskLabel: "openfleet",
			VKBaseURL: "http://127.0.0.1:3001",
		},
		GitHub: GitHubConfig{
			ProjectMode:      "issues",
			RateLimitRetryMs: 60_000,
		},
		Jira: JiraConfig{
			IssueType:      "Task",
			LabelClaimed:   "codex.claimed",
			LabelWorking:   "codex.working",
			LabelStale:     "codex.stale",
			LabelIgnore:    "codex.ignore",
			UseADFComments: true,
		},
		Webhook: WebhookConfig{
			Path:                  "/api/webhooks/github/project-sync",
			AlertFailureThreshold: 5,
		},
		Workspace: filepath.Join(home, ".openfleet"),
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// it exists), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	if cfg.Webhook.AlertFailureThreshold < 1 {
		cfg.Webhook.AlertFailureThreshold = 1
	}
	if cfg.Executor.MaxParallel < 0 {
		return nil, fmt.Errorf("executor.maxParallel must be >= 0, got %d", cfg.Executor.MaxParallel)
	}
	switch cfg.Executor.Mode {
	case "", "internal", "hybrid", "vk":
	default:
		return nil, fmt.Errorf("unknown executor mode %q", cfg.Executor.Mode)
	}

	return cfg, nil
}

// WorkspacePath returns the directory for fleet-local state, creating it
// lazily is the caller's concern.
func (c *Config) WorkspacePath() string {
	return c.Workspace
}

// GitHubStatusOverrides returns the configured canonical → label name
// overrides, omitting empty entries.
func (c *Config) GitHubStatusOverrides() map[string]string {
	return statusOverrides(
		c.GitHub.StatusTodo, c.GitHub.StatusInProgress, c.GitHub.StatusInReview,
		c.GitHub.StatusDone, c.GitHub.StatusCancelled)
}

// JiraStatusOverrides returns the configured canonical → Jira status name
// overrides, omitting empty entries.
func (c *Config) JiraStatusOverrides() map[string]string {
	return statusOverrides(
		c.Jira.StatusTodo, c.Jira.StatusInProgress, c.Jira.StatusInReview,
		c.Jira.StatusDone, c.Jira.StatusCancelled)
}

func statusOverrides(todo, inprogress, inreview, done, cancelled string) map[string]string {
	out := map[string]string{}
	put := func(canonical, native string) {
		if native != "" {
			out[canonical] = native
		}
	}
	put("todo", todo)
	put("inprogress", inprogress)
	put("inreview", inreview)
	put("done", done)
	put("cancelled", cancelled)
	return out
}
