// Command openfleet runs the fleet gateway: kanban adapters, the task
// executor, the project-sync engine, the webhook intake, and the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openfleet/openfleet/pkg/agent"
	"github.com/openfleet/openfleet/pkg/alert"
	"github.com/openfleet/openfleet/pkg/api"
	"github.com/openfleet/openfleet/pkg/bus"
	"github.com/openfleet/openfleet/pkg/claims"
	"github.com/openfleet/openfleet/pkg/config"
	"github.com/openfleet/openfleet/pkg/executor"
	"github.com/openfleet/openfleet/pkg/kanban"
	"github.com/openfleet/openfleet/pkg/kanban/github"
	"github.com/openfleet/openfleet/pkg/kanban/internalstore"
	"github.com/openfleet/openfleet/pkg/kanban/jira"
	"github.com/openfleet/openfleet/pkg/kanban/vibe"
	"github.com/openfleet/openfleet/pkg/logger"
	"github.com/openfleet/openfleet/pkg/syncengine"
	"github.com/openfleet/openfleet/pkg/webhook"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "openfleet: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "openfleet.yaml"
	}
	return filepath.Join(home, ".openfleet", "config.yaml")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return fmt.Errorf("create workspace %s: %w", workspace, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.NewEventBus()
	defer eventBus.Close()

	store, err := internalstore.Open(filepath.Join(workspace, "openfleet.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	registry := buildRegistry(cfg, store, eventBus)
	active, err := registry.Active()
	if err != nil {
		return err
	}
	logger.InfoCF("main", "Kanban backend ready", map[string]interface{}{
		"backend": string(active.Backend()),
	})

	claimRegistry := claims.NewRegistry(claims.Options{Bus: eventBus})
	go claimRegistry.RunLeaseWatcher(ctx, 0)

	repoRoot, err := os.Getwd()
	if err != nil {
		return err
	}
	worktrees := executor.NewGitWorktreeManager(repoRoot, filepath.Join(workspace, "worktrees"))
	pool := agent.NewPool(
		agentRunner(cfg),
		worktrees.CommitsSince,
		filepath.Join(workspace, "threads.json"),
	)

	exec := executor.New(active, claimRegistry, worktrees, pool, eventBus, executor.Config{
		MaxParallel:               cfg.Executor.MaxParallel,
		SDK:                       cfg.Executor.SDK,
		TaskTimeout:               time.Duration(cfg.Executor.TaskTimeoutMs) * time.Millisecond,
		MaxRetries:                cfg.Executor.MaxRetries,
		PollInterval:              time.Duration(cfg.Executor.PollIntervalMs) * time.Millisecond,
		WorkflowOwnsTaskLifecycle: cfg.Executor.WorkflowOwnsTaskLifecycle,
		NoCommitBlockThreshold:    cfg.Executor.NoCommitBlockThreshold,
		RequirementsProfile:       cfg.Executor.RequirementsProfile,
		RequirementsNotes:         cfg.Executor.RequirementsNotes,
	})
	if err := exec.Start(ctx); err != nil {
		return fmt.Errorf("start executor: %w", err)
	}

	engine := syncengine.New(active, store, eventBus)

	var notifier alert.Notifier = alert.LogNotifier{}
	if cfg.Webhook.SlackToken != "" {
		slackNotifier, err := alert.NewSlackNotifier(cfg.Webhook.SlackToken, cfg.Webhook.SlackChannel)
		if err != nil {
			logger.WarnCF("main", "Slack alerting disabled", map[string]interface{}{"error": err.Error()})
		} else {
			notifier = slackNotifier
		}
	}

	intake := webhook.NewHandler(webhook.Options{
		Secret:                cfg.Webhook.Secret,
		RequireSignature:      cfg.Webhook.RequireSignature,
		AlertFailureThreshold: cfg.Webhook.AlertFailureThreshold,
		Engine:                engine,
		Alerter:               notifier,
		Bus:                   eventBus,
	})
	prometheus.MustRegister(webhook.NewCollector(intake.Metrics()))

	server := api.NewServer(cfg, registry, exec, engine, intake, eventBus)
	if err := server.Start(ctx); err != nil {
		return err
	}

	go maintenanceLoop(ctx, cfg, claimRegistry, worktrees)

	<-ctx.Done()
	logger.InfoC("main", "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(); err != nil {
		logger.WarnCF("main", "Server shutdown", map[string]interface{}{"error": err.Error()})
	}
	if err := exec.Stop(shutdownCtx); err != nil {
		logger.WarnCF("main", "Executor shutdown", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// buildRegistry registers a factory per backend; only the resolved one is
// ever constructed.
func buildRegistry(cfg *config.Config, store *internalstore.Store, eventBus *bus.EventBus) *kanban.Registry {
	registry := kanban.NewRegistry(cfg.Kanban.Backend)

	registry.RegisterFactory(kanban.BackendInternal, func() (kanban.Adapter, error) {
		return internalstore.NewAdapter(store, internalstore.Options{
			ScopeLabel:       cfg.Kanban.TaskLabel,
			EnforceTaskLabel: cfg.Kanban.EnforceTaskLabel,
			Bus:              eventBus,
		}), nil
	})

	registry.RegisterFactory(kanban.BackendVK, func() (kanban.Adapter, error) {
		return vibe.NewAdapter(vibe.Options{
			BaseURL:          cfg.Kanban.VKBaseURL,
			ScopeLabel:       cfg.Kanban.TaskLabel,
			EnforceTaskLabel: cfg.Kanban.EnforceTaskLabel,
		}), nil
	})

	registry.RegisterFactory(kanban.BackendGitHub, func() (kanban.Adapter, error) {
		return github.NewAdapter(github.Options{
			Repository:        cfg.GitHub.Repository,
			ProjectMode:       cfg.GitHub.ProjectMode,
			ProjectNumber:     cfg.GitHub.ProjectNumber,
			ProjectOwner:      cfg.GitHub.ProjectOwner,
			AutoAssignCreator: cfg.GitHub.AutoAssignCreator,
			DefaultAssignee:   cfg.GitHub.DefaultAssignee,
			ScopeLabel:        cfg.Kanban.TaskLabel,
			EnforceTaskLabel:  cfg.Kanban.EnforceTaskLabel,
			StatusOverrides:   cfg.GitHubStatusOverrides(),
			RateLimitRetry:    time.Duration(cfg.GitHub.RateLimitRetryMs) * time.Millisecond,
		})
	})

	registry.RegisterFactory(kanban.BackendJira, func() (kanban.Adapter, error) {
		return jira.NewAdapter(jira.Options{
			BaseURL:          cfg.Jira.BaseURL,
			Email:            cfg.Jira.Email,
			APIToken:         cfg.Jira.APIToken,
			ProjectKey:       cfg.Jira.ProjectKey,
			IssueType:        cfg.Jira.IssueType,
			ScopeLabel:       cfg.Kanban.TaskLabel,
			EnforceTaskLabel: cfg.Kanban.EnforceTaskLabel,
			StatusOverrides:  cfg.JiraStatusOverrides(),
			Labels: jira.Labels{
				Claimed: cfg.Jira.LabelClaimed,
				Working: cfg.Jira.LabelWorking,
				Stale:   cfg.Jira.LabelStale,
				Ignore:  cfg.Jira.LabelIgnore,
			},
			CustomFields: jira.CustomFields{
				OwnerID:        cfg.Jira.CustomFieldOwnerID,
				AttemptToken:   cfg.Jira.CustomFieldAttemptToken,
				AttemptStarted: cfg.Jira.CustomFieldAttemptStarted,
				Heartbeat:      cfg.Jira.CustomFieldHeartbeat,
				RetryCount:     cfg.Jira.CustomFieldRetryCount,
				IgnoreReason:   cfg.Jira.CustomFieldIgnoreReason,
				SharedState:    cfg.Jira.CustomFieldSharedState,
				BaseBranch:     cfg.Jira.CustomFieldBaseBranch,
			},
			UseADFComments: cfg.Jira.UseADFComments,
		})
	})

	return registry
}

// agentRunner picks the coding-agent CLI. The SDK hint doubles as the
// command name; "auto" falls back to codex.
func agentRunner(cfg *config.Config) *agent.CLIRunner {
	command := cfg.Executor.SDK
	if command == "" || command == "auto" {
		command = "codex"
	}
	return &agent.CLIRunner{Command: command, Args: []string{"exec"}}
}

// maintenanceLoop expires stale claims and prunes orphaned worktrees. With
// a cron expression configured the work only runs on due minutes; otherwise
// it runs every poll interval.
func maintenanceLoop(ctx context.Context, cfg *config.Config, claimRegistry *claims.Registry, worktrees *executor.GitWorktreeManager) {
	interval := time.Duration(cfg.Executor.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}

	cron := cfg.Executor.MaintenanceCron
	gron := gronx.New()
	if cron != "" {
		if !gron.IsValid(cron) {
			logger.WarnCF("main", "Invalid maintenance cron, falling back to poll interval", map[string]interface{}{
				"cron": cron,
			})
			cron = ""
		} else {
			interval = time.Minute
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cron != "" {
				due, err := gron.IsDue(cron, time.Now())
				if err != nil || !due {
					continue
				}
			}
			if n := claimRegistry.CleanupExpired(); n > 0 {
				logger.InfoCF("main", "Expired claims released", map[string]interface{}{"count": n})
			}
			if n, err := worktrees.Prune(ctx); err != nil {
				logger.WarnCF("main", "Worktree prune failed", map[string]interface{}{"error": err.Error()})
			} else if n > 0 {
				logger.InfoCF("main", "Worktrees pruned", map[string]interface{}{"count": n})
			}
		}
	}
}
