// Package claims implements the local claim registry: lease-based task
// ownership that prevents two executor slots (or two fleet processes sharing
// a workstation) from running the same task. Claims are held by opaque
// attempt tokens; leases auto-expire when a holder stops renewing.
package claims

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfleet/openfleet/pkg/bus"
	"github.com/openfleet/openfleet/pkg/events"
	"github.com/openfleet/openfleet/pkg/logger"
)

// Claim is one held lease.
type Claim struct {
	TaskID    string    `json:"task_id"`
	Token     string    `json:"token"`
	ClaimedAt time.Time `json:"claimed_at"`
	RenewedAt time.Time `json:"renewed_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Registry tracks claims for one process. All methods are safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byTask  map[string]*Claim
	byToken map[string]*Claim
	lease   time.Duration
	bus     *bus.EventBus
	now     func() time.Time
}

// Options configures the registry.
type Options struct {
	// Lease is the claim lifetime between renewals. Zero means 10 minutes.
	Lease time.Duration

	// Bus receives claim lifecycle events. Optional.
	Bus *bus.EventBus
}

// NewRegistry builds an empty registry.
func NewRegistry(opts Options) *Registry {
	lease := opts.Lease
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &Registry{
		byTask:  make(map[string]*Claim),
		byToken: make(map[string]*Claim),
		lease:   lease,
		bus:     opts.Bus,
		now:     time.Now,
	}
}

// ClaimTask attempts to take the lease on a task. A live claim by another
// holder denies the attempt; an expired claim is replaced. The returned
// token is the caller's handle for renewal and release.
func (r *Registry) ClaimTask(ctx context.Context, taskID string) (string, bool, error) {
	if taskID == "" {
		return "", false, fmt.Errorf("claim: empty task id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.byTask[taskID]; ok {
		if now.Before(existing.ExpiresAt) {
			return "", false, nil
		}
		// Lease ran out without a release.
		delete(r.byToken, existing.Token)
		r.publish(events.ClaimExpired, taskID, existing.Token)
	}

	claim := &Claim{
		TaskID:    taskID,
		Token:     uuid.NewString(),
		ClaimedAt: now,
		RenewedAt: now,
		ExpiresAt: now.Add(r.lease),
	}
	r.byTask[taskID] = claim
	r.byToken[claim.Token] = claim
	r.publish(events.ClaimAcquired, taskID, claim.Token)
	return claim.Token, true, nil
}

// RenewClaim extends the lease held by token. Renewing an unknown or
// expired token fails; the holder must stop and re-claim.
func (r *Registry) RenewClaim(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	claim, ok := r.byToken[token]
	if !ok {
		return fmt.Errorf("claim: unknown token")
	}
	now := r.now()
	if now.After(claim.ExpiresAt) {
		delete(r.byToken, token)
		delete(r.byTask, claim.TaskID)
		r.publish(events.ClaimExpired, claim.TaskID, token)
		return fmt.Errorf("claim: lease on task %s expired", claim.TaskID)
	}
	claim.RenewedAt = now
	claim.ExpiresAt = now.Add(r.lease)
	r.publish(events.ClaimRenewed, claim.TaskID, token)
	return nil
}

// ReleaseTask gives the lease back. Releasing an unknown token is a no-op:
// release is idempotent so slot teardown can always call it.
func (r *Registry) ReleaseTask(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	claim, ok := r.byToken[token]
	if !ok {
		return nil
	}
	delete(r.byToken, token)
	delete(r.byTask, claim.TaskID)
	return nil
}

// ForceRelease drops any claim on a task regardless of holder. Used by
// recovery when demoting a task whose attempt token is long gone.
func (r *Registry) ForceRelease(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	claim, ok := r.byTask[taskID]
	if !ok {
		return false
	}
	delete(r.byTask, taskID)
	delete(r.byToken, claim.Token)
	return true
}

// Holder reports whether the task is currently claimed and by which token.
func (r *Registry) Holder(taskID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	claim, ok := r.byTask[taskID]
	if !ok || r.now().After(claim.ExpiresAt) {
		return "", false
	}
	return claim.Token, true
}

// Active returns a snapshot of live claims.
func (r *Registry) Active() []Claim {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]Claim, 0, len(r.byTask))
	for _, c := range r.byTask {
		if now.Before(c.ExpiresAt) {
			out = append(out, *c)
		}
	}
	return out
}

// CleanupExpired drops every lease past its expiry and returns how many
// were dropped. The maintenance loop calls this periodically.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	expired := 0
	for taskID, c := range r.byTask {
		if now.After(c.ExpiresAt) {
			delete(r.byTask, taskID)
			delete(r.byToken, c.Token)
			r.publish(events.ClaimExpired, taskID, c.Token)
			expired++
		}
	}
	return expired
}

// RunLeaseWatcher cleans expired leases every interval until the context
// ends. Interval zero means 30 seconds.
func (r *Registry) RunLeaseWatcher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.CleanupExpired(); n > 0 {
				logger.InfoCF("claims", "Expired leases cleaned", map[string]interface{}{
					"count": n,
				})
			}
		}
	}
}

func (r *Registry) publish(eventType string, taskID, token string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.SystemEvent{
		Type:   eventType,
		Source: "claims",
		Data: events.ClaimEventData{
			TaskID: taskID,
			Token:  token,
		},
	})
}
