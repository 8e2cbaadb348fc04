// Package events defines the typed event vocabulary for the fleet. Every
// event flowing through the bus uses one of these types; no ad-hoc
// map[string]interface{} events.
package events

import "time"

// Event is the universal envelope for all system events.
type Event struct {
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// New creates a timestamped event.
func New(eventType, source string, data interface{}) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
}

const (
	// Task lifecycle
	TaskCreated   = "task.created"
	TaskUpdated   = "task.updated"
	TaskClaimed   = "task.claimed"
	TaskReleased  = "task.released"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskDeleted   = "task.deleted"
	TaskIgnored   = "task.ignored"

	// Executor
	SlotDispatched  = "executor.slot_dispatched"
	SlotReleased    = "executor.slot_released"
	TaskRecovered   = "executor.task_recovered"
	TaskDemoted     = "executor.task_demoted"
	TaskQuarantined = "executor.task_quarantined"
	ExecutorPaused  = "executor.paused"
	ExecutorResumed = "executor.resumed"

	// Claims
	ClaimAcquired = "claim.acquired"
	ClaimRenewed  = "claim.renewed"
	ClaimExpired  = "claim.expired"

	// Webhook / sync
	WebhookReceived = "webhook.received"
	WebhookRejected = "webhook.rejected"
	SyncTriggered   = "sync.triggered"
	SyncCompleted   = "sync.completed"
	SyncFailed      = "sync.failed"
	RateLimitHit    = "sync.rate_limited"
	AlertTriggered  = "alert.triggered"

	// System
	SystemStarted  = "system.started"
	SystemStopping = "system.stopping"
)

// TaskEventData is the payload for task lifecycle events.
type TaskEventData struct {
	TaskID   string `json:"task_id"`
	Title    string `json:"title,omitempty"`
	Status   string `json:"status,omitempty"`
	Backend  string `json:"backend,omitempty"`
	Project  string `json:"project,omitempty"`
	Assignee string `json:"assignee,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// SlotEventData is the payload for executor slot events.
type SlotEventData struct {
	TaskID    string `json:"task_id"`
	Branch    string `json:"branch,omitempty"`
	SDK       string `json:"sdk,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Recovered bool   `json:"recovered,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ClaimEventData is the payload for claim lifecycle events.
type ClaimEventData struct {
	TaskID  string `json:"task_id"`
	OwnerID string `json:"owner_id,omitempty"`
	Token   string `json:"token,omitempty"`
}

// SyncEventData is the payload for webhook/sync events.
type SyncEventData struct {
	IssueNumber string `json:"issue_number,omitempty"`
	Full        bool   `json:"full,omitempty"`
	Error       string `json:"error,omitempty"`
	Duration    int64  `json:"duration_ms,omitempty"`
}
