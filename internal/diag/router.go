package diag

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the diagnostics server.
//
// Route layout:
//
//	GET  /healthz                        – liveness probe (no authentication)
//	GET  /debug/tasks                     – list every known task (JWT required)
//	GET  /debug/tasks/{id}                – one task's snapshot (JWT required)
//	POST /debug/tasks/{id}/cancel         – request cancellation (JWT required)
//	GET  /debug/ip-pool                   – cache + auto-disable snapshot (JWT required)
//	POST /debug/ip-pool/reset-breaker     – clear a tripped IP (JWT required)
//
// pubKey verifies RS256 Bearer tokens on every /debug route. Pass nil to
// disable JWT validation, for tests covering only request parsing. Any
// validated token may read; the two mutating routes additionally require
// the ScopeDiagWrite scope.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/debug", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/tasks", srv.handleListTasks)
		r.Get("/tasks/{id}", srv.handleGetTask)
		r.Get("/ip-pool", srv.handleGetIPPool)

		r.Group(func(r chi.Router) {
			if pubKey != nil {
				r.Use(RequireScope(ScopeDiagWrite))
			}
			r.Post("/tasks/{id}/cancel", srv.handleCancelTask)
			r.Post("/ip-pool/reset-breaker", srv.handleResetBreaker)
		})
	})

	return r
}
