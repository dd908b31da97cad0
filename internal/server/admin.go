package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	gw "github.com/omne42/ditto/internal/gateway"
)

const defaultAuditLimit = 100
const maxAuditLimit = 1000

// handleListAudit returns the most recent audit entries, newest first.
func (s *server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("audit store not configured"))
		return
	}
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	entries, err := s.deps.Audit.List(r.Context(), limit)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse("failed to list audit entries"))
		return
	}
	if entries == nil {
		entries = []gw.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleLedgerSnapshot returns the in-process budget ledger's reserved and
// settled totals for one scope key, for ops inspection.
func (s *server) handleLedgerSnapshot(w http.ResponseWriter, r *http.Request) {
	scopeKey := chi.URLParam(r, "scopeKey")
	if scopeKey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("scopeKey is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Ledger.Snapshot(scopeKey))
}

// cachePurgeRequest optionally names a single cache key to purge; an empty
// body purges the whole cache.
type cachePurgeRequest struct {
	Key string `json:"key"`
}

func (s *server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var req cachePurgeRequest
	if key := r.URL.Query().Get("key"); key != "" {
		req.Key = key
	} else if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	if req.Key != "" {
		s.deps.Cache.Purge(r.Context(), req.Key)
	} else {
		s.deps.Cache.PurgeAll(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}
