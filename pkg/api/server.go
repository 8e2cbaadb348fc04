// Package api serves the fleet gateway: REST endpoints for tasks and
// component status, the project-sync webhook intake, the Prometheus scrape
// endpoint, and a WebSocket stream of system events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfleet/openfleet/pkg/bus"
	"github.com/openfleet/openfleet/pkg/config"
	"github.com/openfleet/openfleet/pkg/kanban"
	"github.com/openfleet/openfleet/pkg/logger"
	"github.com/openfleet/openfleet/pkg/webhook"
)

// statusReporter is anything exposing a snapshot map: the executor, the
// sync engine, the claim registry wrapper.
type statusReporter interface {
	Status() map[string]interface{}
}

// executorControl is the runtime control surface of the executor.
type executorControl interface {
	statusReporter
	Pause()
	Resume()
	SetMaxParallel(n int)
}

// Server is the fleet HTTP gateway.
type Server struct {
	config    *config.Config
	registry  *kanban.Registry
	executor  executorControl
	sync      statusReporter
	webhook   *webhook.Handler
	bus       *bus.EventBus
	wsHub     *WSHub
	startTime time.Time
	server    *http.Server
}

// NewServer wires the gateway. Nil components disable their endpoints.
func NewServer(cfg *config.Config, registry *kanban.Registry, exec executorControl,
	syncEngine statusReporter, webhookHandler *webhook.Handler, eventBus *bus.EventBus) *Server {
	s := &Server{
		config:    cfg,
		registry:  registry,
		executor:  exec,
		sync:      syncEngine,
		webhook:   webhookHandler,
		bus:       eventBus,
		startTime: time.Now(),
	}
	s.wsHub = NewWSHub(s)
	return s
}

// Start begins listening on the configured host:port.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/system/status", s.handleSystemStatus)
	mux.HandleFunc("/api/system/info", s.handleSystemInfo)

	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)

	mux.HandleFunc("/api/executor/status", s.handleExecutorStatus)
	mux.HandleFunc("/api/executor/pause", s.handleExecutorPause)
	mux.HandleFunc("/api/executor/resume", s.handleExecutorResume)
	mux.HandleFunc("/api/executor/parallel", s.handleExecutorParallel)

	mux.HandleFunc("/api/sync/status", s.handleSyncStatus)
	mux.HandleFunc("/api/webhooks/metrics", s.handleWebhookMetrics)

	if s.webhook != nil {
		path := s.config.Webhook.Path
		if path == "" {
			path = "/api/webhooks/github/project-sync"
		}
		mux.Handle(path, s.webhook)
	}

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)

	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "Gateway starting", map[string]interface{}{"addr": addr})

	go s.wsHub.Run(ctx)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Hub-Signature-256, X-GitHub-Event")
		if r.Method == http.MethodOptions && r.Header.Get("X-GitHub-Event") == "" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime)

	status := map[string]interface{}{
		"uptime_seconds": int(uptime.Seconds()),
		"uptime_human":   formatDuration(uptime),
		"backend":        s.registry.ResolveName(),
	}
	if s.executor != nil {
		status["executor"] = s.executor.Status()
	}
	if s.sync != nil {
		status["sync"] = s.sync.Status()
	}
	if s.webhook != nil {
		status["webhook"] = s.webhook.Metrics().Snapshot()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	hostname, _ := os.Hostname()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hostname":     hostname,
		"go_version":   runtime.Version(),
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
		"cpus":         runtime.NumCPU(),
		"goroutines":   runtime.NumGoroutine(),
		"memory_mb":    float64(m.Alloc) / 1024 / 1024,
		"workspace":    s.config.WorkspacePath(),
		"gateway_host": s.config.Gateway.Host,
		"gateway_port": s.config.Gateway.Port,
	})
}

func (s *Server) handleExecutorStatus(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.executor.Status())
}

func (s *Server) handleExecutorPause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	if s.executor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "executor not running"})
		return
	}
	s.executor.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleExecutorResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	if s.executor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "executor not running"})
		return
	}
	s.executor.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleExecutorParallel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	if s.executor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "executor not running"})
		return
	}
	var req struct {
		MaxParallel int `json:"max_parallel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MaxParallel < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_parallel must be >= 0"})
		return
	}
	s.executor.SetMaxParallel(req.MaxParallel)
	writeJSON(w, http.StatusOK, map[string]interface{}{"max_parallel": req.MaxParallel})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.sync.Status())
}

func (s *Server) handleWebhookMetrics(w http.ResponseWriter, r *http.Request) {
	if s.webhook == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	if r.Method == http.MethodDelete {
		s.webhook.Metrics().Reset()
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
		return
	}
	writeJSON(w, http.StatusOK, s.webhook.Metrics().Snapshot())
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
