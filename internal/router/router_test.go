package router

import (
	"reflect"
	"testing"

	gw "github.com/omne42/ditto/internal/gateway"
)

func TestSameRequestIDProducesSameOrder(t *testing.T) {
	candidates := []gw.WeightedBackend{
		{Backend: "a", Weight: 1},
		{Backend: "b", Weight: 5},
		{Backend: "c", Weight: 2},
	}
	o1 := weightedShuffle(candidates, "req-123")
	o2 := weightedShuffle(candidates, "req-123")
	if !reflect.DeepEqual(o1, o2) {
		t.Fatalf("expected identical order for identical request id, got %v vs %v", o1, o2)
	}
}

func TestDifferentRequestIDsCanDiffer(t *testing.T) {
	candidates := []gw.WeightedBackend{
		{Backend: "a", Weight: 1},
		{Backend: "b", Weight: 1},
		{Backend: "c", Weight: 1},
	}
	seen := map[string]bool{}
	for _, id := range []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8"} {
		o := weightedShuffle(candidates, id)
		seen[o[0]] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected some variation in first-place backend across distinct ids, got %v", seen)
	}
}

func TestRuleMatchExactVsPrefix(t *testing.T) {
	rules := []gw.Route{
		{ModelPrefix: "gpt-4o", Exact: true, Backends: []gw.WeightedBackend{{Backend: "exact-only", Weight: 1}}},
		{ModelPrefix: "gpt-", Backends: []gw.WeightedBackend{{Backend: "prefix-match", Weight: 1}}},
	}
	tbl := New(rules, nil)

	cands, _ := tbl.Resolve("gpt-4o", "req-1")
	if len(cands) != 1 || cands[0] != "exact-only" {
		t.Fatalf("expected exact rule to win, got %v", cands)
	}

	cands, _ = tbl.Resolve("gpt-4o-mini", "req-1")
	if len(cands) != 1 || cands[0] != "prefix-match" {
		t.Fatalf("expected prefix rule to match, got %v", cands)
	}
}

func TestFallsBackToDefaultList(t *testing.T) {
	tbl := New(nil, []gw.WeightedBackend{{Backend: "default-backend", Weight: 1}})
	cands, _ := tbl.Resolve("unknown-model", "req-1")
	if len(cands) != 1 || cands[0] != "default-backend" {
		t.Fatalf("expected default list fallback, got %v", cands)
	}
}

func TestGuardrailOverridePropagated(t *testing.T) {
	override := &gw.Guardrails{DenyModels: []string{"x"}}
	rules := []gw.Route{
		{ModelPrefix: "gpt-", Backends: []gw.WeightedBackend{{Backend: "b1", Weight: 1}}, GuardrailOverride: override},
	}
	tbl := New(rules, nil)
	_, gr := tbl.Resolve("gpt-4o", "req-1")
	if gr != override {
		t.Fatalf("expected matched rule's guardrail override to be returned")
	}
}
