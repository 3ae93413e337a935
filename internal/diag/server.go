// Package diag is the diagnostics HTTP server of SPEC_FULL.md's package
// layout: read-only /healthz and /debug/* endpoints over the Task Registry
// and IP Pool Manager, plus a pair of JWT-guarded mutating routes (cancel a
// task, reset a tripped breaker entry). It is grounded on the teacher's
// internal/server/rest package (router.go/middleware.go/handlers.go):
// chi for routing, golang-jwt/jwt for Bearer-token auth, the same
// writeError JSON-error convention.
package diag

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adaptive-git/transport-core/internal/ippool"
	"github.com/adaptive-git/transport-core/internal/tasks"
)

// Server holds the dependencies the diagnostics handlers read from.
type Server struct {
	registry *tasks.Registry
	pool     *ippool.Manager
}

// NewServer constructs a Server. pool may be nil if this process runs the
// Task Registry only (the ip-pool routes then respond 503).
func NewServer(registry *tasks.Registry, pool *ippool.Manager) *Server {
	return &Server{registry: registry, pool: pool}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListTasks responds to GET /debug/tasks with every task the Registry
// currently knows about (pending, running, or terminal).
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	if list == nil {
		list = []tasks.Meta{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleGetTask responds to GET /debug/tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	meta, ok := s.registry.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no such task")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// handleCancelTask responds to POST /debug/tasks/{id}/cancel, a mutating
// route guarded by JWTMiddleware.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if ok := s.registry.Cancel(id); !ok {
		writeError(w, http.StatusNotFound, "no such task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": "cancel requested"})
}

// ipPoolEntry is the JSON shape of one /debug/ip-pool row.
type ipPoolEntry struct {
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	IP         string    `json:"ip"`
	LatencyMs  int64     `json:"latency_ms"`
	MeasuredAt time.Time `json:"measured_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Sources    []string  `json:"sources"`
}

// ipPoolSnapshot is the JSON shape of the whole /debug/ip-pool response.
type ipPoolSnapshot struct {
	AutoDisabled bool          `json:"auto_disabled"`
	Reason       string        `json:"reason,omitempty"`
	Until        *time.Time    `json:"until,omitempty"`
	Entries      []ipPoolEntry `json:"entries"`
}

// handleGetIPPool responds to GET /debug/ip-pool with the current cache
// contents and auto-disable state.
func (s *Server) handleGetIPPool(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "ip pool manager not configured in this process")
		return
	}

	snap := s.pool.CacheSnapshot()
	entries := make([]ipPoolEntry, 0, len(snap))
	for key, stat := range snap {
		ip := ""
		if stat.IP != nil {
			ip = stat.IP.String()
		}
		entries = append(entries, ipPoolEntry{
			Host: key.Host, Port: key.Port, IP: ip,
			LatencyMs: stat.LatencyMs, MeasuredAt: stat.MeasuredAt, ExpiresAt: stat.ExpiresAt,
			Sources: stat.Sources,
		})
	}

	disabled, reason, until := s.pool.AutoDisabled()
	resp := ipPoolSnapshot{AutoDisabled: disabled, Entries: entries}
	if disabled {
		resp.Reason = reason
		resp.Until = &until
	}
	writeJSON(w, http.StatusOK, resp)
}

type resetBreakerRequest struct {
	IP string `json:"ip"`
}

// handleResetBreaker responds to POST /debug/ip-pool/reset-breaker, a
// mutating route guarded by JWTMiddleware.
func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "ip pool manager not configured in this process")
		return
	}

	var req resetBreakerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "request body must be {\"ip\": \"<address>\"}")
		return
	}

	s.pool.ResetBreaker(req.IP)
	writeJSON(w, http.StatusOK, map[string]string{"ip": req.IP, "state": "reset"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
