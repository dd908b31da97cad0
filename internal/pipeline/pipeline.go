// Package pipeline implements the Request Pipeline (spec.md §4.8): the
// central orchestrator tying authentication, guardrails, admission,
// routing, dispatch, caching, and settlement into one request lifecycle.
// It generalizes the teacher's server.handleChatCompletion +
// app.ProxyService.ChatCompletion failover loop into the full
// auth → route → guardrail → health filter → permit → estimate →
// admission → cache → dispatch → settle pipeline spec.md §4.8 and §5
// describe.
package pipeline

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/omne42/ditto/internal/audit"
	"github.com/omne42/ditto/internal/backend"
	"github.com/omne42/ditto/internal/budget"
	"github.com/omne42/ditto/internal/cache"
	"github.com/omne42/ditto/internal/config"
	"github.com/omne42/ditto/internal/cost"
	gw "github.com/omne42/ditto/internal/gateway"
	"github.com/omne42/ditto/internal/guardrail"
	"github.com/omne42/ditto/internal/health"
	"github.com/omne42/ditto/internal/keystore"
	"github.com/omne42/ditto/internal/mcp"
	"github.com/omne42/ditto/internal/ratelimit"
	"github.com/omne42/ditto/internal/router"
	"github.com/omne42/ditto/internal/telemetry"
	"github.com/omne42/ditto/internal/translate"
)

// Deps bundles every collaborator the pipeline dispatches into, threaded
// through from the cmd entrypoint's wiring.
type Deps struct {
	Keys      *keystore.Store
	Limiter   *ratelimit.Limiter
	Ledger    *budget.Ledger
	Router    *router.Table
	Backends  *backend.Registry
	Health    *health.Registry
	Cache     *cache.Cache
	Prices    *cost.Table
	Metrics   *telemetry.Metrics
	Audit     *audit.Recorder
	MCP       []mcp.Server
	Logger    *slog.Logger

	Server    config.ServerConfig
	CacheCfg  config.CacheConfig
	HealthCfg config.HealthConfig
	RateCfg   config.RateLimitConfig

	GlobalPermit *semaphore.Weighted
}

// Pipeline is the ServeHTTP-compatible request orchestrator.
type Pipeline struct {
	d Deps
	// keysConfigured is computed once: when false, authentication is
	// skipped entirely and the request proceeds anonymously, per spec.md
	// §4.8 step 2.
	keysConfigured bool
}

// New returns a Pipeline wired to d.
func New(d Deps) *Pipeline {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Pipeline{d: d, keysConfigured: len(d.Keys.List()) > 0}
}

// reqCtx carries the per-request working state threaded between the
// pipeline's stages, avoiding a long positional-argument list.
type reqCtx struct {
	requestID string
	method    string
	path      string
	pathKind  translate.Path
	body      []byte
	vkey      *gw.VirtualKey
	scopeKey  string // cache scope; "public" when anonymous

	model  string
	stream bool

	guardrails *gw.Guardrails
	candidates []string

	chargeTokens    int64
	chargeCostMicro int64
	price           cost.Price
	hasPricing      bool

	tokenReservationIDs []string
	costReservationIDs  []string

	contentLength int64
	backendUsed   string
	attempted     []string

	start time.Time
}

// ServeHTTP implements the full request pipeline for one inbound HTTP
// request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := gw.RequestIDFromContext(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}
	rc := &reqCtx{
		requestID: requestID,
		method:    r.Method,
		path:      r.URL.Path,
		start:     time.Now(),
	}
	rc.pathKind = translate.Recognise(rc.path)
	ctx := gw.ContextWithRequestID(r.Context(), rc.requestID)
	r = r.WithContext(ctx)

	if p.d.Metrics != nil {
		p.d.Metrics.ActiveRequests.Inc()
		defer p.d.Metrics.ActiveRequests.Dec()
	}

	body, status, apiErr := p.parseAndClassify(r, rc)
	if apiErr != nil {
		p.writeError(w, rc, status, apiErr)
		return
	}
	rc.body = body
	rc.stream = rc.pathKind.Streaming(rc.stream)

	if status, apiErr := p.authenticate(r, rc); apiErr != nil {
		p.writeError(w, rc, status, apiErr)
		return
	}

	var routeOverride *gw.Guardrails
	rc.candidates, routeOverride = p.resolveRoute(rc)
	rc.guardrails = routeOverride
	if rc.guardrails == nil && rc.vkey != nil {
		rc.guardrails = rc.vkey.EffectiveGuardrails()
	}

	if rc.guardrails != nil {
		if err := guardrail.Check(rc.guardrails, rc.model, rc.body, rc.path); err != nil {
			p.writeError(w, rc, http.StatusForbidden, gw.NewAPIError(http.StatusForbidden, gw.ErrTypePolicy, "guardrail_rejected", err.Error(), gw.ErrGuardrailReject))
			return
		}
	}

	rc.candidates = p.d.Health.Filter(rc.candidates)
	if len(rc.candidates) == 0 {
		p.writeError(w, rc, http.StatusBadGateway, gw.NewAPIError(http.StatusBadGateway, gw.ErrTypeAPI, "no_backend", "no backend available", gw.ErrNoBackend))
		return
	}

	// Permits are acquired before any rate-limit or budget reservation, per
	// spec.md §5: "On acquisition failure: reject with HTTP 429 before any
	// reservation." The global permit gates the whole gateway; the
	// per-backend permit is acquired against the first candidate that has
	// one free, then reused by dispatch for that same candidate.
	if p.d.GlobalPermit != nil && !p.d.GlobalPermit.TryAcquire(1) {
		p.writeError(w, rc, http.StatusTooManyRequests, gw.NewAPIError(http.StatusTooManyRequests, gw.ErrTypeRateLimit, "backend_busy", "gateway at capacity", gw.ErrBackendBusy))
		return
	}
	releaseGlobal := func() {
		if p.d.GlobalPermit != nil {
			p.d.GlobalPermit.Release(1)
		}
	}

	firstPermit, busy := p.acquireBackendPermit(rc)
	if busy {
		releaseGlobal()
		p.writeError(w, rc, http.StatusTooManyRequests, gw.NewAPIError(http.StatusTooManyRequests, gw.ErrTypeRateLimit, "backend_busy", "backend at capacity", gw.ErrBackendBusy))
		return
	}

	p.estimateCharge(rc)

	if status, apiErr := p.admit(rc); apiErr != nil {
		firstPermit()
		releaseGlobal()
		p.writeError(w, rc, status, apiErr)
		return
	}

	if p.tryCacheHit(r, w, rc) {
		firstPermit()
		releaseGlobal()
		return
	}

	p.dispatch(w, r, rc, releaseGlobal, firstPermit)
}

func (p *Pipeline) rollback(rc *reqCtx) {
	for _, id := range rc.tokenReservationIDs {
		_ = p.d.Ledger.Rollback(id)
	}
	for _, id := range rc.costReservationIDs {
		_ = p.d.Ledger.Rollback(id)
	}
}

// controlsFor returns the ScopeControls a VirtualKey carries for one scope
// kind in the reservation chain.
func controlsFor(k *gw.VirtualKey, kind gw.ScopeKind) *gw.ScopeControls {
	switch kind {
	case gw.ScopeKey:
		return &k.Own
	case gw.ScopeTenant:
		return &k.Tenant
	case gw.ScopeProject:
		return &k.Project
	case gw.ScopeUser:
		return &k.User
	default:
		return &k.Own
	}
}

