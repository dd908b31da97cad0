// Package server implements the HTTP transport layer: a chi router that
// mounts the Request Pipeline as the data-plane catch-all handler and adds
// the system (healthz/readyz/metrics) and admin (audit/ledger/cache-purge)
// endpoints around it, following the teacher's internal/server package
// structure (server.go router assembly, middleware.go chains, admin.go
// handlers, health.go liveness).
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omne42/ditto/internal/budget"
	"github.com/omne42/ditto/internal/cache"
	"github.com/omne42/ditto/internal/config"
	"github.com/omne42/ditto/internal/storage"
	"github.com/omne42/ditto/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds every collaborator the HTTP transport layer wires in, on top
// of the already-constructed Request Pipeline.
type Deps struct {
	Pipeline       http.Handler
	Audit          storage.AuditStore // nil = audit endpoint disabled
	Ledger         *budget.Ledger
	Cache          *cache.Cache
	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler
	ReadyCheck     ReadyChecker
	Admin          config.AdminConfig
}

// New builds the top-level http.Handler: system endpoints, the admin
// sub-router (when an admin token is configured), and the data-plane
// pipeline mounted as the wildcard fallback.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	if deps.Admin.Token != "" {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.requireAdminToken)
			r.Get("/audit", s.handleListAudit)
			r.Get("/ledger/{scopeKey}", s.handleLedgerSnapshot)
			r.Post("/cache/purge", s.handleCachePurge)
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.deps.Pipeline.ServeHTTP(w, r)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.deps.Pipeline.ServeHTTP(w, r)
	})
	r.Handle("/*", s.deps.Pipeline)

	return r
}

type server struct {
	deps Deps
}
