package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/openfleet/openfleet/pkg/executor"
	"github.com/openfleet/openfleet/pkg/logger"
)

// CLIRunner runs a coding-agent CLI inside the task worktree. The command
// receives the task over environment variables and must print a ChangeSet
// JSON document on stdout; the runner validates it, applies it, and commits
// the result on the task branch.
type CLIRunner struct {
	// Command and Args invoke the agent, e.g. "codex" with {"exec", "--json"}.
	Command string
	Args    []string
}

func (r *CLIRunner) RunThread(ctx context.Context, opts executor.ThreadOptions) (executor.ThreadResult, error) {
	result := executor.ThreadResult{TaskID: opts.Task.ID}
	if r.Command == "" {
		return result, fmt.Errorf("no agent command configured")
	}

	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = opts.Worktree.Path
	cmd.Env = append(os.Environ(),
		"OPENFLEET_TASK_ID="+opts.Task.ID,
		"OPENFLEET_TASK_TITLE="+opts.Task.Title,
		"OPENFLEET_TASK_BRANCH="+opts.Worktree.Branch,
		"OPENFLEET_SDK="+opts.SDK,
		fmt.Sprintf("OPENFLEET_RESUME=%t", opts.Resume),
	)
	cmd.Stdin = strings.NewReader(taskPrompt(opts))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return result, fmt.Errorf("agent thread: %s", msg)
	}

	cs, err := ParseChangeSet(stdout.String())
	if err != nil {
		return result, err
	}
	if cs.TaskID == "" {
		cs.TaskID = opts.Task.ID
	}
	if err := cs.Validate(); err != nil {
		return result, err
	}
	if err := cs.CheckPreconditions(opts.Worktree.Path); err != nil {
		return result, err
	}
	if err := cs.Apply(opts.Worktree.Path); err != nil {
		return result, err
	}
	if err := r.commit(ctx, opts.Worktree.Path, cs.Summary); err != nil {
		return result, err
	}

	result.Committed = true
	logger.InfoCF("agent", "Change set applied and committed", map[string]interface{}{
		"task": opts.Task.ID, "changes": len(cs.Changes),
	})
	return result, nil
}

func (r *CLIRunner) commit(ctx context.Context, dir, summary string) error {
	if summary == "" {
		summary = "Apply agent change set"
	}
	for _, args := range [][]string{
		{"add", "-A"},
		{"commit", "-m", summary},
	} {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if strings.Contains(msg, "nothing to commit") {
				return nil
			}
			return fmt.Errorf("git %s: %s", args[0], msg)
		}
	}
	return nil
}

// taskPrompt renders the task briefing the agent reads on stdin.
func taskPrompt(opts executor.ThreadOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n\n", opts.Task.ID, opts.Task.Title)
	if opts.Task.Description != "" {
		b.WriteString(opts.Task.Description)
		b.WriteString("\n\n")
	}
	if opts.RecoveredFromInProgress {
		b.WriteString("This attempt resumes earlier work; the branch may already carry commits.\n")
	}
	if opts.RequirementsProfile != "" {
		fmt.Fprintf(&b, "Requirements profile: %s\n", opts.RequirementsProfile)
	}
	if opts.RequirementsNotes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", opts.RequirementsNotes)
	}
	b.WriteString("\nRespond with a single change-set JSON object.\n")
	return b.String()
}
