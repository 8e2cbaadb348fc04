package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestDefaults verifies the built-in defaults load without a file
func TestDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 8790 {
		t.Errorf("gateway defaults = %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if cfg.Executor.MaxParallel != 3 || cfg.Executor.Mode != "internal" {
		t.Errorf("executor defaults = %+v", cfg.Executor)
	}
	if cfg.Kanban.TaskLabel != "openfleet" {
		t.Errorf("task label = %q", cfg.Kanban.TaskLabel)
	}
	if cfg.Jira.LabelClaimed != "codex.claimed" {
		t.Errorf("jira claim label = %q", cfg.Jira.LabelClaimed)
	}
	if cfg.Webhook.AlertFailureThreshold != 5 {
		t.Errorf("alert threshold = %d", cfg.Webhook.AlertFailureThreshold)
	}
}

// TestYAMLOverlay verifies file values replace defaults
func TestYAMLOverlay(t *testing.T) {
	path := writeConfig(t, `
gateway:
  port: 9100
executor:
  maxParallel: 5
  sdk: claude
kanban:
  backend: github
  enforceTaskLabel: true
github:
  repository: acme/widgets
  projectMode: kanban
  statusInProgress: doing
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	// Values the file does not mention keep their defaults.
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("host = %q", cfg.Gateway.Host)
	}
	if cfg.Executor.MaxParallel != 5 || cfg.Executor.SDK != "claude" {
		t.Errorf("executor = %+v", cfg.Executor)
	}
	if cfg.Kanban.Backend != "github" || !cfg.Kanban.EnforceTaskLabel {
		t.Errorf("kanban = %+v", cfg.Kanban)
	}
	if cfg.GitHub.Repository != "acme/widgets" {
		t.Errorf("repository = %q", cfg.GitHub.Repository)
	}

	overrides := cfg.GitHubStatusOverrides()
	if len(overrides) != 1 || overrides["inprogress"] != "doing" {
		t.Errorf("status overrides = %v", overrides)
	}
}

// TestEnvWinsOverFile verifies environment overrides beat the YAML file
func TestEnvWinsOverFile(t *testing.T) {
	path := writeConfig(t, `
kanban:
  backend: github
executor:
  maxParallel: 5
`)
	t.Setenv("KANBAN_BACKEND", "jira")
	t.Setenv("INTERNAL_EXECUTOR_PARALLEL", "1")
	t.Setenv("JIRA_BASE_URL", "https://acme.atlassian.net")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Kanban.Backend != "jira" {
		t.Errorf("backend = %q, want env override", cfg.Kanban.Backend)
	}
	if cfg.Executor.MaxParallel != 1 {
		t.Errorf("maxParallel = %d, want 1", cfg.Executor.MaxParallel)
	}
	if cfg.Jira.BaseURL != "https://acme.atlassian.net" {
		t.Errorf("jira base url = %q", cfg.Jira.BaseURL)
	}
}

// TestMalformedYAML verifies a broken file fails loudly
func TestMalformedYAML(t *testing.T) {
	path := writeConfig(t, "gateway: [not a map")
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

// TestValidation verifies mode and threshold checks
func TestValidation(t *testing.T) {
	path := writeConfig(t, `
executor:
  mode: sideways
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown executor mode")
	}

	path = writeConfig(t, `
webhook:
  alertFailureThreshold: 0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Webhook.AlertFailureThreshold != 1 {
		t.Errorf("threshold = %d, want clamp to 1", cfg.Webhook.AlertFailureThreshold)
	}
}

// TestJiraStatusOverrides verifies empty entries are omitted
func TestJiraStatusOverrides(t *testing.T) {
	cfg := Default()
	cfg.Jira.StatusDone = "Complete"
	cfg.Jira.StatusCancelled = "Declined"

	overrides := cfg.JiraStatusOverrides()
	want := map[string]string{"done": "Complete", "cancelled": "Declined"}
	if len(overrides) != len(want) {
		t.Fatalf("overrides = %v", overrides)
	}
	for k, v := range want {
		if overrides[k] != v {
			t.Errorf("overrides[%s] = %q, want %q", k, overrides[k], v)
		}
	}
}
