package guardrail

import (
	"testing"

	gw "github.com/omne42/ditto/internal/gateway"
)

func TestDenyWinsOverAllow(t *testing.T) {
	g := &gw.Guardrails{AllowModels: []string{"gpt-4o-mini"}, DenyModels: []string{"gpt-4o-mini"}}
	if err := Check(g, "gpt-4o-mini", []byte(`{}`), "/v1/chat/completions"); err == nil {
		t.Fatalf("expected deny to win over allow")
	}
}

func TestDenyGlobPrefix(t *testing.T) {
	g := &gw.Guardrails{DenyModels: []string{"gpt-4*"}}
	if err := Check(g, "gpt-4o-mini", nil, ""); err == nil {
		t.Fatalf("expected prefix glob to match")
	}
	if err := Check(g, "claude-3", nil, ""); err != nil {
		t.Fatalf("non-matching model should pass: %v", err)
	}
}

func TestAllowListRestricts(t *testing.T) {
	g := &gw.Guardrails{AllowModels: []string{"claude-3"}}
	if err := Check(g, "gpt-4o-mini", nil, ""); err == nil {
		t.Fatalf("model outside allow list should be rejected")
	}
}

func TestBannedRegexMatchesBody(t *testing.T) {
	g := &gw.Guardrails{BannedRegexes: []string{`(?i)forbidden-secret`}}
	if err := Check(g, "m", []byte(`{"x":"this has Forbidden-Secret in it"}`), ""); err == nil {
		t.Fatalf("expected banned regex match to reject")
	}
}

func TestSchemaValidationMissingField(t *testing.T) {
	g := &gw.Guardrails{ValidateSchema: true}
	err := Check(g, "gpt-4o-mini", []byte(`{"model":"gpt-4o-mini"}`), "/v1/chat/completions")
	if err == nil {
		t.Fatalf("expected missing messages field to reject")
	}
}

func TestSchemaValidationPasses(t *testing.T) {
	g := &gw.Guardrails{ValidateSchema: true}
	body := []byte(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`)
	if err := Check(g, "gpt-4o-mini", body, "/v1/chat/completions"); err != nil {
		t.Fatalf("expected well-formed request to pass: %v", err)
	}
}

func TestNilGuardrailsAllowsEverything(t *testing.T) {
	if err := Check(nil, "anything", []byte(`{}`), "/v1/chat/completions"); err != nil {
		t.Fatalf("nil guardrails should never reject: %v", err)
	}
}
