package cache

import "testing"

func TestKeyIsDeterministic(t *testing.T) {
	k1 := Key("POST", "/v1/chat/completions", "vk:1", []byte(`{"a":1}`))
	k2 := Key("POST", "/v1/chat/completions", "vk:1", []byte(`{"a":1}`))
	if k1 != k2 {
		t.Fatalf("expected identical keys for identical inputs, got %q vs %q", k1, k2)
	}
}

func TestKeyHasStablePrefixAndLength(t *testing.T) {
	k := Key("GET", "/v1/models", "public", nil)
	if len(k) != len(keyPrefix)+16 {
		t.Fatalf("expected prefix+16 hex chars, got %q (len=%d)", k, len(k))
	}
	if k[:len(keyPrefix)] != keyPrefix {
		t.Fatalf("expected key to start with %q, got %q", keyPrefix, k)
	}
}

func TestKeyDiffersOnScope(t *testing.T) {
	k1 := Key("POST", "/v1/chat/completions", "vk:1", []byte(`{}`))
	k2 := Key("POST", "/v1/chat/completions", "vk:2", []byte(`{}`))
	if k1 == k2 {
		t.Fatalf("expected different scopes to produce different keys")
	}
}

func TestReadEligibility(t *testing.T) {
	if IsReadEligible("PUT", nil) {
		t.Fatalf("PUT should never be read-eligible")
	}
	if IsReadEligible("GET", map[string][]string{"X-Ditto-Cache-Bypass": {"1"}}) {
		t.Fatalf("bypass header should disable read eligibility")
	}
	if IsReadEligible("GET", map[string][]string{"Cache-Control": {"no-store"}}) {
		t.Fatalf("no-store should disable read eligibility")
	}
	if !IsReadEligible("POST", nil) {
		t.Fatalf("plain POST should be read-eligible")
	}
}

func TestStoreEligibility(t *testing.T) {
	if IsStoreEligible(true, 200, 10, 100) {
		t.Fatalf("streaming responses must never be store-eligible")
	}
	if IsStoreEligible(false, 404, 10, 100) {
		t.Fatalf("non-success status must not be store-eligible")
	}
	if IsStoreEligible(false, 200, 200, 100) {
		t.Fatalf("oversized body must not be store-eligible")
	}
	if !IsStoreEligible(false, 200, 50, 100) {
		t.Fatalf("expected eligible response to pass")
	}
}
