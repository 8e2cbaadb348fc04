package kanban

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SharedStateStatus is the distributed-claim phase recorded next to a task.
type SharedStateStatus string

const (
	SharedClaimed SharedStateStatus = "claimed"
	SharedWorking SharedStateStatus = "working"
	SharedStale   SharedStateStatus = "stale"
)

// SharedState is the distributed claim record co-located with a task on its
// backend. OwnerID has the form workstation/agent; timestamps are ISO-8601.
type SharedState struct {
	OwnerID        string            `json:"ownerId"`
	AttemptToken   string            `json:"attemptToken"`
	AttemptStarted string            `json:"attemptStarted"`
	Heartbeat      string            `json:"heartbeat"`
	Status         SharedStateStatus `json:"status"`
	RetryCount     int               `json:"retryCount"`
}

// Valid reports whether all five required fields are present, the status is
// one of the three permitted values, and the retry count is non-negative.
// Invalid states are treated as absent by every reader.
func (s *SharedState) Valid() bool {
	if s == nil {
		return false
	}
	if s.OwnerID == "" || s.AttemptToken == "" || s.AttemptStarted == "" || s.Heartbeat == "" {
		return false
	}
	if s.RetryCount < 0 {
		return false
	}
	switch s.Status {
	case SharedClaimed, SharedWorking, SharedStale:
		return true
	default:
		return false
	}
}

// Workstation returns the workstation half of the owner id.
func (s *SharedState) Workstation() string {
	host, _, _ := strings.Cut(s.OwnerID, "/")
	return host
}

// Agent returns the agent half of the owner id.
func (s *SharedState) Agent() string {
	_, agent, ok := strings.Cut(s.OwnerID, "/")
	if !ok {
		return s.OwnerID
	}
	return agent
}

// Sentinel markers for the structured shared-state comment. Both are
// literal; the JSON payload sits between them.
const (
	sentinelOpen  = "<!-- openfleet-state"
	sentinelClose = "-->"
)

// EncodeSentinelComment renders the structured comment body: the sentinel
// block first, followed by a human-readable summary.
func EncodeSentinelComment(s SharedState) string {
	payload, _ := json.Marshal(s)
	var b strings.Builder
	b.WriteString(sentinelOpen)
	b.WriteString("\n")
	b.Write(payload)
	b.WriteString("\n")
	b.WriteString(sentinelClose)
	b.WriteString("\n")
	fmt.Fprintf(&b, "OpenFleet Status: Agent %s on %s is %s this task.\n",
		s.Agent(), s.Workstation(), s.Status)
	fmt.Fprintf(&b, "Last heartbeat: %s\n", s.Heartbeat)
	return b.String()
}

// IsSentinelComment reports whether a comment body carries the sentinel.
func IsSentinelComment(body string) bool {
	return strings.Contains(body, sentinelOpen)
}

// ParseSentinelComment extracts the shared state from a structured comment.
// A missing sentinel, malformed JSON, or an invalid state yields nil; this
// never fails hard.
func ParseSentinelComment(body string) *SharedState {
	start := strings.Index(body, sentinelOpen)
	if start < 0 {
		return nil
	}
	rest := body[start+len(sentinelOpen):]
	end := strings.Index(rest, sentinelClose)
	if end < 0 {
		return nil
	}
	raw := strings.TrimSpace(rest[:end])

	var s SharedState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil
	}
	if !s.Valid() {
		return nil
	}
	return &s
}

// SharedStateFromMeta decodes a shared state stored as loosely-typed meta
// (JSON round-tripped map). Returns nil when validation fails.
func SharedStateFromMeta(v interface{}) *SharedState {
	switch t := v.(type) {
	case *SharedState:
		if t.Valid() {
			return t
		}
		return nil
	case SharedState:
		if t.Valid() {
			return &t
		}
		return nil
	case map[string]interface{}:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		var s SharedState
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		if !s.Valid() {
			return nil
		}
		return &s
	default:
		return nil
	}
}
