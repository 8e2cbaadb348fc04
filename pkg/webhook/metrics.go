package webhook

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks the project-sync webhook intake with lock-free counters.
// Every received request ends up counted as processed or failed; deliberately
// ignored events count as both ignored and processed, so received always
// equals processed plus failed.
type Metrics struct {
	received         int64
	processed        int64
	ignored          int64
	failed           int64
	invalidSignature int64

	syncTriggered int64
	syncSuccess   int64
	syncFailure   int64

	rateLimitObserved int64
	alertsTriggered   int64

	// consecutiveFailures resets to zero on every sync success.
	consecutiveFailures int64

	mu           sync.Mutex
	lastReceived time.Time
	lastSuccess  time.Time
	lastFailure  time.Time
	lastError    string
}

// Snapshot is a point-in-time copy of the metrics.
type Snapshot struct {
	Received         int64 `json:"received"`
	Processed        int64 `json:"processed"`
	Ignored          int64 `json:"ignored"`
	Failed           int64 `json:"failed"`
	InvalidSignature int64 `json:"invalid_signature"`

	SyncTriggered int64 `json:"sync_triggered"`
	SyncSuccess   int64 `json:"sync_success"`
	SyncFailure   int64 `json:"sync_failure"`

	RateLimitObserved   int64 `json:"rate_limit_observed"`
	AlertsTriggered     int64 `json:"alerts_triggered"`
	ConsecutiveFailures int64 `json:"consecutive_failures"`

	LastReceived string `json:"last_received,omitempty"`
	LastSuccess  string `json:"last_success,omitempty"`
	LastFailure  string `json:"last_failure,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

func (m *Metrics) markReceived() {
	atomic.AddInt64(&m.received, 1)
	m.mu.Lock()
	m.lastReceived = time.Now()
	m.mu.Unlock()
}

func (m *Metrics) markProcessed() { atomic.AddInt64(&m.processed, 1) }
func (m *Metrics) markIgnored()   { atomic.AddInt64(&m.ignored, 1) }

// markFailed bumps the failure counters and returns the new
// consecutive-failure streak so the caller can decide whether to alert.
func (m *Metrics) markFailed(errMsg string) int64 {
	atomic.AddInt64(&m.failed, 1)
	n := atomic.AddInt64(&m.consecutiveFailures, 1)
	m.mu.Lock()
	m.lastFailure = time.Now()
	m.lastError = errMsg
	m.mu.Unlock()
	return n
}

func (m *Metrics) markInvalidSignature() {
	atomic.AddInt64(&m.invalidSignature, 1)
}

func (m *Metrics) markSyncTriggered() { atomic.AddInt64(&m.syncTriggered, 1) }

// markSyncSuccess resets the consecutive-failure streak.
func (m *Metrics) markSyncSuccess() {
	atomic.AddInt64(&m.syncSuccess, 1)
	atomic.StoreInt64(&m.consecutiveFailures, 0)
	m.mu.Lock()
	m.lastSuccess = time.Now()
	m.mu.Unlock()
}

func (m *Metrics) markSyncFailure() { atomic.AddInt64(&m.syncFailure, 1) }

func (m *Metrics) markRateLimit(delta int64) {
	if delta > 0 {
		atomic.AddInt64(&m.rateLimitObserved, delta)
	}
}

func (m *Metrics) markAlert() { atomic.AddInt64(&m.alertsTriggered, 1) }

// Snapshot returns a consistent copy.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	lastReceived, lastSuccess, lastFailure, lastError := m.lastReceived, m.lastSuccess, m.lastFailure, m.lastError
	m.mu.Unlock()

	fmtTime := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	}
	return Snapshot{
		Received:            atomic.LoadInt64(&m.received),
		Processed:           atomic.LoadInt64(&m.processed),
		Ignored:             atomic.LoadInt64(&m.ignored),
		Failed:              atomic.LoadInt64(&m.failed),
		InvalidSignature:    atomic.LoadInt64(&m.invalidSignature),
		SyncTriggered:       atomic.LoadInt64(&m.syncTriggered),
		SyncSuccess:         atomic.LoadInt64(&m.syncSuccess),
		SyncFailure:         atomic.LoadInt64(&m.syncFailure),
		RateLimitObserved:   atomic.LoadInt64(&m.rateLimitObserved),
		AlertsTriggered:     atomic.LoadInt64(&m.alertsTriggered),
		ConsecutiveFailures: atomic.LoadInt64(&m.consecutiveFailures),
		LastReceived:        fmtTime(lastReceived),
		LastSuccess:         fmtTime(lastSuccess),
		LastFailure:         fmtTime(lastFailure),
		LastError:           lastError,
	}
}

// Reset zeroes every counter and timestamp. Exposed for operators and
// tests; the intake handler never resets on its own.
func (m *Metrics) Reset() {
	atomic.StoreInt64(&m.received, 0)
	atomic.StoreInt64(&m.processed, 0)
	atomic.StoreInt64(&m.ignored, 0)
	atomic.StoreInt64(&m.failed, 0)
	atomic.StoreInt64(&m.invalidSignature, 0)
	atomic.StoreInt64(&m.syncTriggered, 0)
	atomic.StoreInt64(&m.syncSuccess, 0)
	atomic.StoreInt64(&m.syncFailure, 0)
	atomic.StoreInt64(&m.rateLimitObserved, 0)
	atomic.StoreInt64(&m.alertsTriggered, 0)
	atomic.StoreInt64(&m.consecutiveFailures, 0)
	m.mu.Lock()
	m.lastReceived, m.lastSuccess, m.lastFailure = time.Time{}, time.Time{}, time.Time{}
	m.lastError = ""
	m.mu.Unlock()
}
