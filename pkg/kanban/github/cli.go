// Package github implements the kanban adapter for GitHub Issues. Issue CRUD
// shells out to the gh CLI; Projects-v2 field sync goes through gh's GraphQL
// passthrough. Shared state lives in issue comments and codex labels.
package github

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/openfleet/openfleet/pkg/kanban"
	"github.com/openfleet/openfleet/pkg/logger"
)

// Runner executes a gh CLI invocation. Tests inject a fake.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// execRunner shells out to the real gh binary.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.Bytes(), fmt.Errorf("gh %s: %s", args[0], msg)
	}
	return stdout.Bytes(), nil
}

// rateLimitMarkers are matched case-insensitively against CLI errors.
var rateLimitMarkers = []string{
	"rate limit",
	"api rate limit exceeded",
	"403 limit",
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not resolve") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "404")
}

// run invokes gh with rate-limit handling: a detected rate-limit error gets
// exactly one retry after the configured delay; a second failure is fatal.
// The sleep is preemptible through the context.
func (a *Adapter) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := a.runner.Run(ctx, args...)
	if err == nil {
		return out, nil
	}
	if !isRateLimitError(err) {
		return out, err
	}

	atomic.AddInt64(&a.rateLimitEvents, 1)
	logger.WarnCF("github", "Rate limit hit, retrying once", map[string]interface{}{
		"delay_ms": a.rateLimitRetry.Milliseconds(),
		"args":     strings.Join(args, " "),
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", kanban.ErrTransient, ctx.Err())
	case <-time.After(a.rateLimitRetry):
	}

	out, err = a.runner.Run(ctx, args...)
	if err != nil {
		return out, fmt.Errorf("%w: rate-limit retry exhausted: %v", kanban.ErrFatal, err)
	}
	return out, nil
}

// RateLimitEvents returns the number of rate-limit errors observed since
// process start. The sync engine snapshots this around webhook calls.
func (a *Adapter) RateLimitEvents() int64 {
	return atomic.LoadInt64(&a.rateLimitEvents)
}

// classify maps a CLI error to an adapter error kind. Errors that already
// carry a kind pass through unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kanban.ErrFatal), errors.Is(err, kanban.ErrTransient),
		errors.Is(err, kanban.ErrNotFound), errors.Is(err, kanban.ErrInvalidInput):
		return err
	case isNotFoundError(err):
		return fmt.Errorf("%w: %v", kanban.ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %v", kanban.ErrTransient, err)
	}
}
