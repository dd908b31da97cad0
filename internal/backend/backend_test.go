package backend

import (
	"testing"

	gw "github.com/omne42/ditto/internal/gateway"
)

func TestRegistryKindDistinguishesProxyAndTranslation(t *testing.T) {
	r := NewRegistry()
	r.AddProxy(gw.BackendConfig{Name: "openai"}, nil)
	r.AddTranslation(gw.BackendConfig{Name: "anthropic", Capabilities: []gw.Capability{gw.CapLanguage}}, nil)

	if kind, ok := r.Kind("openai"); !ok || kind != gw.BackendProxy {
		t.Fatalf("expected openai to be a proxy backend, got %v ok=%v", kind, ok)
	}
	if kind, ok := r.Kind("anthropic"); !ok || kind != gw.BackendTranslation {
		t.Fatalf("expected anthropic to be a translation backend, got %v ok=%v", kind, ok)
	}
	if _, ok := r.Kind("missing"); ok {
		t.Fatal("expected unknown backend to report ok=false")
	}
}

func TestProxyTryAcquireWithoutLimitAlwaysSucceeds(t *testing.T) {
	r := NewRegistry()
	r.AddProxy(gw.BackendConfig{Name: "openai"}, nil)
	p, _ := r.Proxy("openai")
	for i := 0; i < 5; i++ {
		if !p.TryAcquire() {
			t.Fatal("expected unlimited proxy to always acquire")
		}
	}
}

func TestProxyTryAcquireRespectsMaxInFlight(t *testing.T) {
	r := NewRegistry()
	r.AddProxy(gw.BackendConfig{Name: "openai", MaxInFlight: 1}, nil)
	p, _ := r.Proxy("openai")

	if !p.TryAcquire() {
		t.Fatal("expected first acquire to succeed")
	}
	if p.TryAcquire() {
		t.Fatal("expected second acquire to fail while permit is held")
	}
	p.Release()
	if !p.TryAcquire() {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestTranslationHasCapabilityAndModelMap(t *testing.T) {
	tb := &Translation{Config: gw.BackendConfig{
		Capabilities: []gw.Capability{gw.CapLanguage},
		ModelMap:     map[string]string{"gpt-4o": "claude-3-5-sonnet"},
	}}

	if !tb.HasCapability(gw.CapLanguage) {
		t.Fatal("expected language capability present")
	}
	if tb.HasCapability(gw.CapEmbedding) {
		t.Fatal("expected embedding capability absent")
	}
	if got := tb.MapModel("gpt-4o"); got != "claude-3-5-sonnet" {
		t.Fatalf("expected mapped model, got %q", got)
	}
	if got := tb.MapModel("unmapped"); got != "unmapped" {
		t.Fatalf("expected unmapped model unchanged, got %q", got)
	}
}
