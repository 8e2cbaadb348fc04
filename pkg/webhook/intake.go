// Package webhook implements the GitHub Projects-v2 webhook intake: signed
// event ingestion that triggers targeted or full board syncs and feeds the
// alerting pipeline on repeated sync failures.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/openfleet/openfleet/pkg/bus"
	"github.com/openfleet/openfleet/pkg/events"
	"github.com/openfleet/openfleet/pkg/logger"
)

// maxBodyBytes caps webhook payloads; GitHub project events are small.
const maxBodyBytes = 1 << 20

// SyncEngine is the surface the intake drives.
type SyncEngine interface {
	SyncTask(ctx context.Context, issueNumber string) error
	FullSync(ctx context.Context) error

	// RateLimitEvents is the cumulative rate-limit counter; the handler
	// snapshots it around each sync to attribute events to webhook work.
	RateLimitEvents() int64
}

// Alerter delivers operator alerts. Failures are logged, never propagated.
type Alerter interface {
	Alert(ctx context.Context, subject, message string) error
}

// Handler is the webhook intake endpoint.
type Handler struct {
	secret           string
	requireSignature bool
	alertThreshold   int64

	engine  SyncEngine
	alerter Alerter
	metrics *Metrics
	bus     *bus.EventBus
}

// Options configures the handler.
type Options struct {
	Secret           string
	RequireSignature bool

	// AlertFailureThreshold is clamped to a minimum of 1.
	AlertFailureThreshold int

	Engine  SyncEngine
	Alerter Alerter
	Bus     *bus.EventBus
}

// NewHandler builds the intake handler with fresh metrics.
func NewHandler(opts Options) *Handler {
	threshold := int64(opts.AlertFailureThreshold)
	if threshold < 1 {
		threshold = 1
	}
	return &Handler{
		secret:           opts.Secret,
		requireSignature: opts.RequireSignature,
		alertThreshold:   threshold,
		engine:           opts.Engine,
		alerter:          opts.Alerter,
		metrics:          &Metrics{},
		bus:              opts.Bus,
	}
}

// Metrics exposes the handler's counters.
func (h *Handler) Metrics() *Metrics { return h.metrics }

// ServeHTTP handles one webhook delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	h.metrics.markReceived()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.fail(r.Context(), "body read: "+err.Error())
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body too large or unreadable"})
		return
	}

	if !h.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		h.metrics.markInvalidSignature()
		h.fail(r.Context(), "invalid signature")
		h.publish(events.WebhookRejected, events.SyncEventData{Error: "invalid signature"})
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature verification failed"})
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if event != "projects_v2_item" {
		h.metrics.markIgnored()
		h.metrics.markProcessed()
		logger.DebugCF("webhook", "Event ignored", map[string]interface{}{"event": event})
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "event": event})
		return
	}

	if h.engine == nil {
		h.fail(r.Context(), "sync engine unavailable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sync engine unavailable"})
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		h.fail(r.Context(), "malformed payload")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON payload"})
		return
	}

	issueNumber := extractIssueNumber(payload, body)
	h.publish(events.WebhookReceived, events.SyncEventData{IssueNumber: issueNumber})

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	h.metrics.markSyncTriggered()
	rateBefore := h.engine.RateLimitEvents()
	started := time.Now()

	var syncErr error
	if issueNumber != "" {
		syncErr = h.engine.SyncTask(ctx, issueNumber)
	} else {
		syncErr = h.engine.FullSync(ctx)
	}

	h.metrics.markRateLimit(h.engine.RateLimitEvents() - rateBefore)

	if syncErr != nil {
		h.metrics.markSyncFailure()
		h.fail(ctx, syncErr.Error())
		h.publish(events.SyncFailed, events.SyncEventData{
			IssueNumber: issueNumber, Error: syncErr.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": syncErr.Error()})
		return
	}

	h.metrics.markSyncSuccess()
	h.metrics.markProcessed()
	h.publish(events.SyncCompleted, events.SyncEventData{
		IssueNumber: issueNumber,
		Full:        issueNumber == "",
		Duration:    time.Since(started).Milliseconds(),
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "synced", "issue": issueNumber})
}

// verifySignature checks the sha256 HMAC in constant time. With no secret
// configured and signatures not required, everything passes.
func (h *Handler) verifySignature(body []byte, header string) bool {
	if h.secret == "" {
		return !h.requireSignature
	}
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header[len(prefix):]))
}

var issueURLRe = regexp.MustCompile(`/issues/(\d+)`)

// extractIssueNumber pulls the issue number out of a projects_v2_item
// payload. GitHub does not put the number in one fixed place, so this walks
// the known locations and falls back to a URL scan over the raw body. An
// empty result means the caller should run a full sync.
func extractIssueNumber(payload map[string]interface{}, raw []byte) string {
	if issue, ok := payload["issue"].(map[string]interface{}); ok {
		if n, ok := issue["number"].(float64); ok {
			return strconv.Itoa(int(n))
		}
	}
	if item, ok := payload["projects_v2_item"].(map[string]interface{}); ok {
		if content, ok := item["content"].(map[string]interface{}); ok {
			if n, ok := content["number"].(float64); ok {
				return strconv.Itoa(int(n))
			}
		}
		if n, ok := item["content_number"].(float64); ok {
			return strconv.Itoa(int(n))
		}
	}
	if m := issueURLRe.FindSubmatch(raw); m != nil {
		return string(m[1])
	}
	return ""
}

// fail counts one failed delivery, extends the consecutive-failure streak,
// and alerts on every threshold multiple.
func (h *Handler) fail(ctx context.Context, cause string) {
	streak := h.metrics.markFailed(cause)
	if streak%h.alertThreshold == 0 {
		h.fireAlert(ctx, streak, cause)
	}
}

func (h *Handler) fireAlert(ctx context.Context, streak int64, cause string) {
	h.metrics.markAlert()
	h.publish(events.AlertTriggered, events.SyncEventData{Error: cause})
	if h.alerter == nil {
		return
	}
	subject := "OpenFleet webhook intake failing"
	message := fmt.Sprintf("Webhook processing has failed %d times in a row. Last error: %s", streak, cause)
	if err := h.alerter.Alert(ctx, subject, message); err != nil {
		logger.WarnCF("webhook", "Alert delivery failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (h *Handler) publish(eventType string, data interface{}) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(bus.SystemEvent{Type: eventType, Source: "webhook", Data: data})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
