package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	gw "github.com/omne42/ditto/internal/gateway"

	"github.com/omne42/ditto/internal/budget"
	"github.com/omne42/ditto/internal/cache"
	"github.com/omne42/ditto/internal/config"
)

// fakeAuditStore is a minimal in-memory storage.AuditStore, following the
// teacher's preference for small concrete test doubles over a mocking
// framework.
type fakeAuditStore struct {
	mu      sync.Mutex
	entries []gw.AuditEntry
	listErr error
}

func (f *fakeAuditStore) Append(_ context.Context, e gw.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAuditStore) List(_ context.Context, limit int) ([]gw.AuditEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.entries) {
		limit = len(f.entries)
	}
	out := make([]gw.AuditEntry, limit)
	copy(out, f.entries[:limit])
	return out, nil
}

func echoPipeline() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ditto-request-id", gw.RequestIDFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pipeline"))
	})
}

// --- system endpoints ---

func TestHealthz(t *testing.T) {
	h := New(Deps{Pipeline: echoPipeline()})

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status = %d, body = %q", w.Code, w.Body.String())
	}
}

func TestReadyz_NoCheckerDefaultsReady(t *testing.T) {
	h := New(Deps{Pipeline: echoPipeline()})

	r := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestReadyz_FailingCheckerReturns503(t *testing.T) {
	h := New(Deps{
		Pipeline:   echoPipeline(),
		ReadyCheck: func(context.Context) error { return errors.New("db unreachable") },
	})

	r := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if w.Body.String() != "not ready" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

// --- data-plane fallthrough ---

func TestUnmatchedRouteFallsThroughToPipeline(t *testing.T) {
	h := New(Deps{Pipeline: echoPipeline()})

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK || w.Body.String() != "pipeline" {
		t.Fatalf("status = %d, body = %q, want pipeline passthrough", w.Code, w.Body.String())
	}
}

// --- requestID middleware ---

func TestRequestIDMiddleware_GeneratesWhenAbsent(t *testing.T) {
	h := New(Deps{Pipeline: echoPipeline()})

	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	id := w.Header().Get("X-Request-Id")
	if id == "" {
		t.Fatal("expected a generated request id header")
	}
	if got := w.Header().Get("x-ditto-request-id"); got != id {
		t.Fatalf("pipeline saw request id %q, response header carries %q", got, id)
	}
}

func TestRequestIDMiddleware_PropagatesValidIncomingID(t *testing.T) {
	h := New(Deps{Pipeline: echoPipeline()})

	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	r.Header.Set("X-Request-Id", "caller-supplied-id")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if got := w.Header().Get("X-Request-Id"); got != "caller-supplied-id" {
		t.Fatalf("X-Request-Id = %q, want caller-supplied-id", got)
	}
}

func TestRequestIDMiddleware_RejectsInvalidIncomingID(t *testing.T) {
	h := New(Deps{Pipeline: echoPipeline()})

	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	r.Header.Set("X-Request-Id", "has a space/slash")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if got := w.Header().Get("X-Request-Id"); got == "has a space/slash" {
		t.Fatal("invalid request id should have been replaced, not echoed back")
	}
}

// --- security headers ---

func TestSecurityHeadersSetOnEveryResponse(t *testing.T) {
	h := New(Deps{Pipeline: echoPipeline()})

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", w.Header().Get("X-Content-Type-Options"))
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("X-Frame-Options = %q", w.Header().Get("X-Frame-Options"))
	}
}

// --- panic recovery ---

func TestRecoveryMiddlewareCatchesPanic(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	h := New(Deps{Pipeline: panicky})

	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 after recovered panic", w.Code)
	}
}

// --- admin sub-router ---

func TestAdminRoutesAbsentWhenNoTokenConfigured(t *testing.T) {
	h := New(Deps{Pipeline: echoPipeline()})

	r := httptest.NewRequest(http.MethodGet, "/admin/v1/audit", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	// With no admin token configured, /admin/v1/* isn't mounted at all, so
	// it falls through to the data-plane pipeline like any other path.
	if w.Body.String() != "pipeline" {
		t.Fatalf("body = %q, want unmounted admin route to fall through to pipeline", w.Body.String())
	}
}

func TestAdminRequiresBearerToken(t *testing.T) {
	h := New(Deps{
		Pipeline: echoPipeline(),
		Admin:    config.AdminConfig{Token: "s3cret"},
		Audit:    &fakeAuditStore{},
	})

	r := httptest.NewRequest(http.MethodGet, "/admin/v1/audit", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a token", w.Code)
	}
}

func TestAdminRejectsWrongToken(t *testing.T) {
	h := New(Deps{
		Pipeline: echoPipeline(),
		Admin:    config.AdminConfig{Token: "s3cret"},
		Audit:    &fakeAuditStore{},
	})

	r := httptest.NewRequest(http.MethodGet, "/admin/v1/audit", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 with wrong token", w.Code)
	}
}

func TestAdminListAudit(t *testing.T) {
	store := &fakeAuditStore{}
	store.entries = append(store.entries,
		gw.AuditEntry{TsMs: 1, Category: "request", Payload: []byte(`{"a":1}`)},
		gw.AuditEntry{TsMs: 2, Category: "request", Payload: []byte(`{"a":2}`)},
	)
	h := New(Deps{
		Pipeline: echoPipeline(),
		Admin:    config.AdminConfig{Token: "s3cret"},
		Audit:    store,
	})

	r := httptest.NewRequest(http.MethodGet, "/admin/v1/audit", nil)
	r.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var got []gw.AuditEntry
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(got))
	}
}

func TestAdminListAudit_NotConfigured(t *testing.T) {
	h := New(Deps{
		Pipeline: echoPipeline(),
		Admin:    config.AdminConfig{Token: "s3cret"},
	})

	r := httptest.NewRequest(http.MethodGet, "/admin/v1/audit", nil)
	r.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501 when no audit store is wired", w.Code)
	}
}

func TestAdminLedgerSnapshot(t *testing.T) {
	ledger := budget.New()
	h := New(Deps{
		Pipeline: echoPipeline(),
		Admin:    config.AdminConfig{Token: "s3cret"},
		Ledger:   ledger,
	})

	r := httptest.NewRequest(http.MethodGet, "/admin/v1/ledger/key:vk-1", nil)
	r.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var state gw.BudgetLedgerState
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if state.ReservedTokens != 0 || state.SpentTokens != 0 {
		t.Fatalf("expected a zero-value snapshot for an untouched scope, got %+v", state)
	}
}

func TestAdminCachePurge_SpecificKey(t *testing.T) {
	c := cache.New(10, 0, nil)
	h := New(Deps{
		Pipeline: echoPipeline(),
		Admin:    config.AdminConfig{Token: "s3cret"},
		Cache:    c,
	})

	r := httptest.NewRequest(http.MethodPost, "/admin/v1/cache/purge?key=abc", nil)
	r.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
}

func TestAdminCachePurge_NoCacheConfigured(t *testing.T) {
	h := New(Deps{
		Pipeline: echoPipeline(),
		Admin:    config.AdminConfig{Token: "s3cret"},
	})

	r := httptest.NewRequest(http.MethodPost, "/admin/v1/cache/purge", nil)
	r.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 even with no cache wired", w.Code)
	}
}
