package pipeline

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/omne42/ditto/internal/cache"
	gw "github.com/omne42/ditto/internal/gateway"
)

// apiErrorBody mirrors the teacher's apiError{Error{...}} JSON envelope.
type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func (p *Pipeline) writeError(w http.ResponseWriter, rc *reqCtx, status int, apiErr *gw.APIError) {
	p.rollback(rc)
	body := apiErrorBody{}
	body.Error.Message = apiErr.Message
	body.Error.Type = string(apiErr.Type)
	body.Error.Code = apiErr.Code
	payload, _ := json.Marshal(body)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("x-ditto-request-id", rc.requestID)
	w.Header().Set("x-request-id", rc.requestID)
	w.WriteHeader(status)
	_, _ = w.Write(payload)

	if p.d.Metrics != nil {
		p.d.Metrics.ObserveRequest(strconv.Itoa(status), rc.model, "", rc.path)
	}
	p.auditRecord(rc, "", status, 0, 0)
}

func (p *Pipeline) auditRecord(rc *reqCtx, backendName string, status int, spentTokens, spentCostMicro int64) {
	if p.d.Audit == nil {
		return
	}
	vkID := ""
	if rc.vkey != nil {
		vkID = rc.vkey.ID
	}
	p.d.Audit.Record(requestRecord(rc, backendName, status, spentTokens, spentCostMicro, vkID))
}

// tryCacheHit implements spec.md §4.8 step 8: a read-eligible, non-streaming
// request that hits the cache settles its reservations at zero and returns
// the stored response without ever touching a backend.
func (p *Pipeline) tryCacheHit(r *http.Request, w http.ResponseWriter, rc *reqCtx) bool {
	if p.d.Cache == nil || rc.stream {
		return false
	}
	if !cache.IsReadEligible(rc.method, r.Header) {
		return false
	}
	key := cacheKeyFor(rc)

	cached, ok := p.d.Cache.Get(r.Context(), key)
	if !ok {
		if p.d.Metrics != nil {
			p.d.Metrics.CacheMisses.Inc()
		}
		return false
	}
	if p.d.Metrics != nil {
		p.d.Metrics.CacheHits.Inc()
	}

	p.settle(rc, 0, 0)

	for k, vals := range cached.ResponseHeaders {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("x-ditto-cache", "hit")
	w.Header().Set("x-ditto-backend", cached.BackendName)
	w.Header().Set("x-ditto-request-id", rc.requestID)
	w.Header().Set("x-request-id", rc.requestID)
	w.Header().Set("x-ditto-cache-key", key)
	w.WriteHeader(cached.Status)
	_, _ = w.Write(cached.Body)

	if p.d.Metrics != nil {
		p.d.Metrics.ObserveRequest(strconv.Itoa(cached.Status), rc.model, cached.BackendName, rc.path)
	}
	p.auditRecord(rc, cached.BackendName, cached.Status, 0, 0)
	return true
}

// dispatch implements spec.md §4.8 steps 6-11 and §5's permit ordering:
// walk the resolved candidate list, reusing the already-acquired permit
// (firstPermit) for rc.candidates[0] and acquiring each subsequent
// candidate's permit as it's tried, retrying on a retryable failure up to
// the configured attempt cap.
func (p *Pipeline) dispatch(w http.ResponseWriter, r *http.Request, rc *reqCtx, releaseGlobal func(), firstPermit func()) {
	maxAttempts := p.d.HealthCfg.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > len(rc.candidates) {
		maxAttempts = len(rc.candidates)
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		name := rc.candidates[i]
		kind, ok := p.d.Backends.Kind(name)
		if !ok {
			continue
		}

		var release func()
		if i == 0 {
			release = firstPermit
		}
		busy, handled, retryable, err := p.attemptBackend(w, r, name, kind, rc, release)
		if busy {
			releaseGlobal()
			p.rollback(rc)
			p.writeError(w, rc, http.StatusTooManyRequests, gw.NewAPIError(http.StatusTooManyRequests, gw.ErrTypeRateLimit, "backend_busy", "backend at capacity", gw.ErrBackendBusy))
			return
		}
		rc.attempted = append(rc.attempted, name)
		if handled {
			releaseGlobal()
			return
		}
		lastErr = err
		if !retryable {
			break
		}
	}

	releaseGlobal()
	p.rollback(rc)
	msg := "no backend responded"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	p.writeError(w, rc, http.StatusBadGateway, gw.NewAPIError(http.StatusBadGateway, gw.ErrTypeAPI, "upstream_error", msg, gw.ErrUpstream))
}
