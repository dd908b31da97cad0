package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/omne42/ditto/internal/backend"
	"github.com/omne42/ditto/internal/cache"
	"github.com/omne42/ditto/internal/cost"
	gw "github.com/omne42/ditto/internal/gateway"
	"github.com/omne42/ditto/internal/health"
	"github.com/omne42/ditto/internal/mcp"
	"github.com/omne42/ditto/internal/sseutil"
	"github.com/omne42/ditto/internal/translate"
	"github.com/omne42/ditto/internal/translate/anthropic"
	"github.com/omne42/ditto/internal/translate/gemini"
)

// sanitizedRequestHeaders are stripped from a forwarded proxy request,
// mirroring the teacher's proxy request construction: the gateway's own
// credential headers (Authorization, x-api-key, x-ditto-virtual-key,
// x-litellm-api-key) and Connection/Content-Length are dropped, and the
// upstream authenticates with the backend's own configured headers instead.
// x-goog-api-key and the ?key= query parameter are forwarded as received.
var sanitizedRequestHeaders = map[string]bool{
	"Authorization":       true,
	"X-Api-Key":           true,
	"X-Ditto-Virtual-Key": true,
	"X-Litellm-Api-Key":   true,
	"Connection":          true,
	"Content-Length":      true,
}

// tryAcquireBackendPermit acquires one backend's per-backend permit
// (backend.max_in_flight, spec.md §5), returning a release func on success.
func (p *Pipeline) tryAcquireBackendPermit(name string, kind gw.BackendKind) (release func(), ok bool) {
	switch kind {
	case gw.BackendProxy:
		px, _ := p.d.Backends.Proxy(name)
		if !px.TryAcquire() {
			return nil, false
		}
		return px.Release, true
	case gw.BackendTranslation:
		tb, _ := p.d.Backends.Translation(name)
		if !tb.TryAcquire() {
			return nil, false
		}
		return tb.Release, true
	default:
		return nil, false
	}
}

// acquireBackendPermit implements spec.md §5's permit-before-reservation
// guarantee: walk the health-filtered candidates in order and acquire the
// first available per-backend permit *before* estimateCharge/admit ever
// reserves budget or rate-limit quota. On success the acquired candidate is
// swapped to the front of rc.candidates so dispatch's retry loop reuses this
// same permit instead of acquiring it twice; busy=true means every
// candidate's permit was held elsewhere.
func (p *Pipeline) acquireBackendPermit(rc *reqCtx) (release func(), busy bool) {
	for i, name := range rc.candidates {
		kind, ok := p.d.Backends.Kind(name)
		if !ok {
			continue
		}
		if rel, ok := p.tryAcquireBackendPermit(name, kind); ok {
			if i != 0 {
				rc.candidates[0], rc.candidates[i] = rc.candidates[i], rc.candidates[0]
			}
			return rel, false
		}
	}
	return nil, true
}

// attemptBackend tries one candidate backend. release, when non-nil, is an
// already-held permit for name (acquired ahead of admission by
// acquireBackendPermit); otherwise attemptBackend acquires the permit itself
// and busy=true means it was unavailable (the caller should fail the whole
// request with 429, per spec.md §5). handled=true means a response was
// fully written to w and no further candidates should be tried.
func (p *Pipeline) attemptBackend(w http.ResponseWriter, r *http.Request, name string, kind gw.BackendKind, rc *reqCtx, release func()) (busy, handled, retryable bool, err error) {
	if release == nil {
		var ok bool
		release, ok = p.tryAcquireBackendPermit(name, kind)
		if !ok {
			return true, false, false, nil
		}
	}
	defer release()

	switch kind {
	case gw.BackendProxy:
		px, _ := p.d.Backends.Proxy(name)
		handled, retryable, err = p.dispatchProxy(w, r, name, px, rc)
	case gw.BackendTranslation:
		tb, _ := p.d.Backends.Translation(name)
		handled, retryable, err = p.dispatchTranslation(w, r, name, tb, rc)
	default:
		return false, false, false, fmt.Errorf("unknown backend kind for %s", name)
	}
	return false, handled, retryable, err
}

func breakerRetryable(status int, retryStatus []int) bool {
	if len(retryStatus) == 0 {
		return status == http.StatusTooManyRequests || status >= 500
	}
	for _, s := range retryStatus {
		if s == status {
			return true
		}
	}
	return false
}

// dispatchProxy forwards the inbound request byte-for-byte to a plain
// pass-through backend, stripping caller credentials and injecting the
// backend's configured headers, following the teacher's
// internal/server/proxy.go request construction.
func (p *Pipeline) dispatchProxy(w http.ResponseWriter, r *http.Request, name string, px *backend.Proxy, rc *reqCtx) (handled, retryable bool, err error) {
	breaker := p.d.Health.Get(name)

	target := px.Config.BaseURL + rc.path
	u, perr := url.Parse(target)
	if perr != nil {
		return false, false, perr
	}
	q := r.URL.Query()
	for k, v := range px.Config.QueryParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	var bodyReader io.Reader
	if rc.body != nil {
		bodyReader = bytes.NewReader(rc.body)
	} else {
		bodyReader = r.Body
	}

	outReq, rerr := http.NewRequestWithContext(r.Context(), rc.method, u.String(), bodyReader)
	if rerr != nil {
		return false, false, rerr
	}
	for k, vals := range r.Header {
		if sanitizedRequestHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			outReq.Header.Add(k, v)
		}
	}
	for k, v := range px.Config.Headers {
		outReq.Header.Set(k, v)
	}

	resp, derr := px.Client.Do(outReq)
	if derr != nil {
		breaker.RecordFailure()
		p.reportBreaker(name, breaker)
		return false, true, derr
	}
	defer resp.Body.Close()

	if breakerRetryable(resp.StatusCode, p.d.HealthCfg.RetryStatusCodes) {
		breaker.RecordFailure()
		p.reportBreaker(name, breaker)
		io.Copy(io.Discard, resp.Body)
		return false, true, fmt.Errorf("backend %s returned status %d", name, resp.StatusCode)
	}
	breaker.RecordSuccess()
	p.reportBreaker(name, breaker)

	if rc.stream {
		p.streamProxyPassthrough(w, rc, name, resp)
		return true, false, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	in := gjson.GetBytes(body, "usage.prompt_tokens").Int()
	out := gjson.GetBytes(body, "usage.completion_tokens").Int()
	p.finalizeSuccess(r.Context(), w, rc, name, resp.StatusCode, resp.Header, body, in, out)
	return true, false, nil
}

// streamProxyPassthrough copies an SSE response straight through, flushing
// after each scanned line so the client sees incremental progress -- no
// wire-format translation is needed since caller and backend speak the
// same shape for a pure pass-through backend. The final "usage" chunk, if
// the backend emits one (stream_options.include_usage), is captured for
// settlement; otherwise the admission-time estimate is settled instead.
func (p *Pipeline) streamProxyPassthrough(w http.ResponseWriter, rc *reqCtx, name string, resp *http.Response) {
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("x-ditto-backend", name)
	w.Header().Set("x-ditto-request-id", rc.requestID)
	w.Header().Set("x-request-id", rc.requestID)
	w.Header().Set("x-ditto-cache", "miss")
	w.WriteHeader(resp.StatusCode)

	var in, out int64
	sc := sseutil.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Bytes()
		if i, o, ok := extractUsageFromSSELine(line); ok {
			in, out = i, o
		}
		_, _ = w.Write(line)
		_, _ = w.Write([]byte("\n"))
		flushWriter(w)
	}

	spentTokens := in + out
	if spentTokens == 0 {
		spentTokens = rc.chargeTokens
	}
	spentCost := rc.chargeCostMicro
	if rc.hasPricing && (in != 0 || out != 0) {
		spentCost = cost.Estimate(rc.price, cost.UsageBreakdown{InputTokens: in, OutputTokens: out})
	}
	p.settle(rc, spentTokens, spentCost)
	if p.d.Metrics != nil {
		p.d.Metrics.ObserveRequest(fmt.Sprintf("%d", resp.StatusCode), rc.model, name, rc.path)
		p.d.Metrics.ObserveTokens(rc.model, "input", in)
		p.d.Metrics.ObserveTokens(rc.model, "output", out)
	}
	p.auditRecord(rc, name, resp.StatusCode, spentTokens, spentCost)
}

func extractUsageFromSSELine(line []byte) (in, out int64, ok bool) {
	if !bytes.HasPrefix(line, []byte("data: ")) {
		return 0, 0, false
	}
	payload := line[len("data: "):]
	u := gjson.GetBytes(payload, "usage")
	if !u.Exists() {
		return 0, 0, false
	}
	return u.Get("prompt_tokens").Int(), u.Get("completion_tokens").Int(), true
}

func (p *Pipeline) reportBreaker(name string, breaker *health.Breaker) {
	if p.d.Metrics != nil {
		p.d.Metrics.SetBreakerOpen(name, !breaker.IsHealthy())
	}
}

// capabilityForPath maps an inbound path to the Translation capability a
// backend must advertise to serve it. Paths not listed here either go
// through the chat-completions branch of dispatchTranslation (language) or
// are proxy-only, per DESIGN.md's Translation Layer scope note.
func capabilityForPath(p translate.Path) (gw.Capability, bool) {
	switch p {
	case translate.PathEmbeddings:
		return gw.CapEmbedding, true
	case translate.PathModerations:
		return gw.CapModeration, true
	case translate.PathRerank:
		return gw.CapRerank, true
	default:
		return "", false
	}
}

// dispatchJSONCapability forwards a non-chat JSON capability (embedding,
// moderation, rerank) to a translation backend's native endpoint. These
// wire shapes are already OpenAI-compatible across every provider this
// gateway fronts for these capabilities, so no per-provider reshaping is
// needed -- only the capability gate, breaker bookkeeping, and settlement
// that distinguishes a translation backend from a plain proxy one.
func (p *Pipeline) dispatchJSONCapability(w http.ResponseWriter, r *http.Request, name string, tb *backend.Translation, rc *reqCtx, capability gw.Capability) (handled, retryable bool, err error) {
	breaker := p.d.Health.Get(name)

	if !tb.HasCapability(capability) {
		return false, false, fmt.Errorf("translation backend %s does not support %s", name, capability)
	}

	target := strings.TrimRight(tb.Config.BaseURL, "/") + rc.path
	httpReq, rerr := http.NewRequestWithContext(r.Context(), http.MethodPost, target, bytes.NewReader(rc.body))
	if rerr != nil {
		return false, false, rerr
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range tb.Config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, derr := tb.Client.Do(httpReq)
	if derr != nil {
		breaker.RecordFailure()
		p.reportBreaker(name, breaker)
		return false, true, derr
	}
	defer resp.Body.Close()

	if breakerRetryable(resp.StatusCode, p.d.HealthCfg.RetryStatusCodes) {
		breaker.RecordFailure()
		p.reportBreaker(name, breaker)
		io.Copy(io.Discard, resp.Body)
		return false, true, fmt.Errorf("backend %s returned status %d", name, resp.StatusCode)
	}
	breaker.RecordSuccess()
	p.reportBreaker(name, breaker)

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	in := gjson.GetBytes(body, "usage.prompt_tokens").Int()
	out := gjson.GetBytes(body, "usage.completion_tokens").Int()
	headers := http.Header{"Content-Type": []string{"application/json"}}
	p.finalizeSuccess(r.Context(), w, rc, name, resp.StatusCode, headers, body, in, out)
	return true, false, nil
}

// dispatchTranslation calls a translation backend's native chat-completions
// capability, converting between the caller's wire shape (decided by
// rc.pathKind) and the backend's native wire shape (decided by the
// backend's configured provider), per spec.md §4.7. Non-chat JSON
// capabilities (embedding, moderation, rerank) are delegated to
// dispatchJSONCapability instead.
func (p *Pipeline) dispatchTranslation(w http.ResponseWriter, r *http.Request, name string, tb *backend.Translation, rc *reqCtx) (handled, retryable bool, err error) {
	if capability, ok := capabilityForPath(rc.pathKind); ok {
		return p.dispatchJSONCapability(w, r, name, tb, rc, capability)
	}

	breaker := p.d.Health.Get(name)

	if !tb.HasCapability(gw.CapLanguage) {
		return false, false, fmt.Errorf("translation backend %s does not support chat completions", name)
	}

	chatReq, perr := parseInboundChatRequest(rc)
	if perr != nil {
		return false, false, perr
	}
	chatReq.Model = tb.MapModel(rc.model)
	chatReq.Stream = false // translation dispatch always calls upstream non-streaming; see streaming note below.

	caller := func(ctx context.Context, req *gw.ChatRequest) (*gw.ChatResponse, error) {
		return callProviderOnce(ctx, tb, req)
	}

	var finalResp *gw.ChatResponse
	if mcpEligible(chatReq) && len(p.d.MCP) > 0 {
		finalResp, err = mcp.Run(r.Context(), p.d.MCP, chatReq, caller)
	} else {
		finalResp, err = caller(r.Context(), chatReq)
	}
	if err != nil {
		breaker.RecordFailure()
		p.reportBreaker(name, breaker)
		return false, true, err
	}
	breaker.RecordSuccess()
	p.reportBreaker(name, breaker)

	var in, out int64
	if finalResp.Usage != nil {
		in = int64(finalResp.Usage.PromptTokens)
		out = int64(finalResp.Usage.CompletionTokens)
	}

	if rc.pathKind == translate.PathResponses || rc.pathKind == translate.PathResponsesCompact {
		if buffered, _ := json.Marshal(finalResp); len(buffered) > translate.MaxShimBufferBytes {
			return false, false, fmt.Errorf("responses shim: buffered chat-completions response exceeds %d bytes; stream or call /v1/chat/completions directly", translate.MaxShimBufferBytes)
		}
	}

	if rc.stream {
		p.finalizeStreamedTranslation(r.Context(), w, rc, name, finalResp, in, out)
		return true, false, nil
	}

	payload, ctype, rerr := renderOutboundResponse(rc.pathKind, finalResp)
	if rerr != nil {
		return false, false, rerr
	}
	headers := http.Header{"Content-Type": []string{ctype}}
	if rc.pathKind == translate.PathResponses || rc.pathKind == translate.PathResponsesCompact {
		headers.Set("x-ditto-shim", translate.ShimHeaderValue)
	}
	p.finalizeSuccess(r.Context(), w, rc, name, http.StatusOK, headers, payload, in, out)
	return true, false, nil
}

// finalizeStreamedTranslation emits the fully-resolved translation response
// as a single SSE data chunk followed by [DONE]. True incremental
// provider-wire SSE decoding (Anthropic content_block_delta /
// Gemini streamGenerateContent chunks) is out of scope here: the pipeline
// buffers the upstream call in full and streams the caller-facing framing
// only, since the translate packages' StreamState machines run in the
// opposite direction (re-emitting an OpenAI stream as provider-shaped
// events for alt-protocol callers, not decoding provider SSE inbound).
func (p *Pipeline) finalizeStreamedTranslation(ctx context.Context, w http.ResponseWriter, rc *reqCtx, name string, resp *gw.ChatResponse, in, out int64) {
	spentTokens := in + out
	if spentTokens == 0 {
		spentTokens = rc.chargeTokens
	}
	spentCost := rc.chargeCostMicro
	if rc.hasPricing {
		spentCost = cost.Estimate(rc.price, cost.UsageBreakdown{InputTokens: in, OutputTokens: out})
	}
	p.settle(rc, spentTokens, spentCost)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("x-ditto-backend", name)
	w.Header().Set("x-ditto-request-id", rc.requestID)
	w.Header().Set("x-request-id", rc.requestID)
	w.Header().Set("x-ditto-cache", "miss")
	if rc.pathKind == translate.PathResponses || rc.pathKind == translate.PathResponsesCompact {
		w.Header().Set("x-ditto-shim", translate.ShimHeaderValue)
	}
	w.WriteHeader(http.StatusOK)

	var chunk json.RawMessage
	switch rc.pathKind {
	case translate.PathResponses, translate.PathResponsesCompact:
		deltaChunk := chatResponseAsDeltaChunk(resp)
		if evName, payload, ok := translate.ChatSSEChunkToResponsesEvent(deltaChunk); ok {
			sseutil.WriteNamedEvent(w, evName, payload)
		}
		doneChunk, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"finish_reason": finishReasonOf(resp)}},
		})
		if evName, payload, ok := translate.ChatSSEChunkToResponsesEvent(doneChunk); ok {
			sseutil.WriteNamedEvent(w, evName, payload)
		}
		flushWriter(w)
		p.finishStream(ctx, rc, name, spentTokens, spentCost)
		return
	case translate.PathAnthropicMessages:
		state := anthropic.NewStreamState()
		for _, ev := range state.HandleOpenAIChunk(chatResponseAsDeltaChunk(resp)) {
			sseutil.WriteNamedEvent(w, ev.Name, ev.Payload)
		}
		for _, ev := range state.Finish() {
			sseutil.WriteNamedEvent(w, ev.Name, ev.Payload)
		}
		flushWriter(w)
		p.finishStream(ctx, rc, name, spentTokens, spentCost)
		return
	case translate.PathGoogleGenerateContent, translate.PathCloudcodeGenerateContent:
		state := gemini.NewStreamState()
		if c := state.HandleOpenAIChunk(chatResponseAsDeltaChunk(resp)); c != nil {
			sseutil.WriteData(w, c)
		}
		sseutil.WriteData(w, state.Finish())
		flushWriter(w)
		p.finishStream(ctx, rc, name, spentTokens, spentCost)
		return
	default:
		chunk, _ = json.Marshal(resp)
	}
	sseutil.WriteData(w, chunk)
	sseutil.WriteDone(w)
	flushWriter(w)
	p.finishStream(ctx, rc, name, spentTokens, spentCost)
}

func (p *Pipeline) finishStream(ctx context.Context, rc *reqCtx, name string, spentTokens, spentCostMicro int64) {
	if p.d.Metrics != nil {
		p.d.Metrics.ObserveRequest("200", rc.model, name, rc.path)
		p.d.Metrics.ObserveTokens(rc.model, "input", spentTokens)
	}
	p.auditRecord(rc, name, http.StatusOK, spentTokens, spentCostMicro)
}

// chatResponseAsDeltaChunk re-shapes a fully-resolved gw.ChatResponse into an
// OpenAI streaming-delta chunk (choices[].delta.content instead of
// choices[].message.content), the wire shape the translate packages'
// StreamState machines expect on input. The pipeline never sees real
// upstream SSE deltas for a translation backend (§4.7's restreaming buffers
// the full response first), so this is the one synthetic delta each stream
// ever replays.
func chatResponseAsDeltaChunk(resp *gw.ChatResponse) []byte {
	var content string
	if len(resp.Choices) > 0 {
		var s string
		if json.Unmarshal(resp.Choices[0].Message.Content, &s) == nil {
			content = s
		}
	}
	chunk, _ := json.Marshal(map[string]any{
		"id":    resp.ID,
		"model": resp.Model,
		"choices": []map[string]any{{
			"delta":         map[string]any{"content": content},
			"finish_reason": finishReasonOf(resp),
		}},
	})
	return chunk
}

func finishReasonOf(resp *gw.ChatResponse) string {
	if len(resp.Choices) > 0 && resp.Choices[0].FinishReason != "" {
		return resp.Choices[0].FinishReason
	}
	return "stop"
}

func flushWriter(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// callProviderOnce performs one non-streaming call against a translation
// backend's native wire format.
func callProviderOnce(ctx context.Context, tb *backend.Translation, req *gw.ChatRequest) (*gw.ChatResponse, error) {
	reqBody, err := translateOutbound(tb.Config.Provider, req)
	if err != nil {
		return nil, err
	}
	target := providerURL(tb.Config, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range tb.Config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := tb.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: upstream status %d: %s", tb.Config.Name, resp.StatusCode, string(body))
	}
	return translateInbound(tb.Config.Provider, req.Model, body)
}

func translateOutbound(provider string, req *gw.ChatRequest) ([]byte, error) {
	switch provider {
	case "anthropic":
		return anthropic.TranslateRequest(req)
	case "gemini", "google":
		return gemini.TranslateRequest(req)
	default:
		return json.Marshal(req)
	}
}

func translateInbound(provider, model string, body []byte) (*gw.ChatResponse, error) {
	switch provider {
	case "anthropic":
		return anthropic.TranslateResponse(body)
	case "gemini", "google":
		return gemini.TranslateResponse(model, body)
	default:
		var resp gw.ChatResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}
}

func providerURL(cfg gw.BackendConfig, model string) string {
	base := strings.TrimRight(cfg.BaseURL, "/")
	switch cfg.Provider {
	case "gemini", "google":
		return base + "/v1beta/models/" + model + ":generateContent"
	case "anthropic":
		return base + "/v1/messages"
	default:
		return base + "/v1/chat/completions"
	}
}

// parseInboundChatRequest decodes the caller's request body into an
// OpenAI-shaped ChatRequest, dispatching on the alt-protocol path the
// caller actually hit.
func parseInboundChatRequest(rc *reqCtx) (*gw.ChatRequest, error) {
	switch rc.pathKind {
	case translate.PathAnthropicMessages:
		return anthropic.ParseRequest(rc.body)
	case translate.PathGoogleGenerateContent, translate.PathCloudcodeGenerateContent:
		msgs := gemini.ParseContentsFromRequest(rc.body)
		return &gw.ChatRequest{Model: rc.model, Messages: msgs, Stream: rc.stream}, nil
	case translate.PathResponses, translate.PathResponsesCompact:
		return translate.ResponsesRequestToChatRequest(rc.body)
	default:
		var req gw.ChatRequest
		if err := json.Unmarshal(rc.body, &req); err != nil {
			return nil, err
		}
		return &req, nil
	}
}

// renderOutboundResponse renders the resolved OpenAI-shaped ChatResponse
// back into the caller's expected wire shape.
func renderOutboundResponse(pathKind translate.Path, resp *gw.ChatResponse) ([]byte, string, error) {
	switch pathKind {
	case translate.PathAnthropicMessages:
		b, err := anthropic.RenderAsAnthropicMessage(resp)
		return b, "application/json", err
	case translate.PathGoogleGenerateContent, translate.PathCloudcodeGenerateContent:
		b, err := gemini.RenderAsGenerateContent(resp)
		return b, "application/json", err
	case translate.PathResponses, translate.PathResponsesCompact:
		b, err := translate.ChatResponseToResponsesPayload(resp)
		return b, "application/json", err
	default:
		b, err := json.Marshal(resp)
		return b, "application/json", err
	}
}

// mcpEligible reports whether a chat request carries an MCP tool entry that
// is fully auto-approved and therefore eligible for the auto-execute loop.
func mcpEligible(req *gw.ChatRequest) bool {
	if len(req.Tools) == 0 {
		return false
	}
	var entries []mcp.RequestEntry
	if err := json.Unmarshal(req.Tools, &entries); err != nil {
		return false
	}
	return mcp.AllAutoApproved(entries)
}

// finalizeSuccess settles reservations, writes the response, stores it in
// cache when eligible, and records observability -- the shared tail of
// every successful dispatch path, per spec.md §4.8 steps 10-11.
func (p *Pipeline) finalizeSuccess(ctx context.Context, w http.ResponseWriter, rc *reqCtx, backendName string, status int, headers http.Header, body []byte, in, out int64) {
	spentTokens := in + out
	if spentTokens == 0 {
		spentTokens = rc.chargeTokens
	}
	spentCost := rc.chargeCostMicro
	if rc.hasPricing && (in != 0 || out != 0) {
		spentCost = cost.Estimate(rc.price, cost.UsageBreakdown{InputTokens: in, OutputTokens: out})
	}
	p.settle(rc, spentTokens, spentCost)

	for k, vals := range headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("x-ditto-backend", backendName)
	w.Header().Set("x-ditto-request-id", rc.requestID)
	w.Header().Set("x-request-id", rc.requestID)
	w.Header().Set("x-ditto-cache", "miss")
	w.WriteHeader(status)
	_, _ = w.Write(body)

	if p.d.Cache != nil && !rc.stream && cache.IsStoreEligible(false, status, len(body), p.d.CacheCfg.MaxBodyBytes) {
		key := cacheKeyFor(rc)
		p.d.Cache.Set(ctx, key, &gw.CachedResponse{
			Status:           status,
			ResponseHeaders:  headers,
			Body:             body,
			BackendName:      backendName,
			StoredAtEpochSec: time.Now().Unix(),
		})
	}

	if p.d.Metrics != nil {
		p.d.Metrics.ObserveRequest(fmt.Sprintf("%d", status), rc.model, backendName, rc.path)
		p.d.Metrics.ObserveTokens(rc.model, "input", in)
		p.d.Metrics.ObserveTokens(rc.model, "output", out)
	}
	p.auditRecord(rc, backendName, status, spentTokens, spentCost)
}
