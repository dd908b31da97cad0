package gemini

import (
	"encoding/json"
	"testing"

	gw "github.com/omne42/ditto/internal/gateway"
)

func TestTranslateRequestMapsRolesAndSystem(t *testing.T) {
	req := &gw.ChatRequest{
		Messages: []gw.Message{
			{Role: "system", Content: json.RawMessage(`"be terse"`)},
			{Role: "user", Content: json.RawMessage(`"hi"`)},
			{Role: "assistant", Content: json.RawMessage(`"hello"`)},
		},
	}
	out, err := TranslateRequest(req)
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	var decoded geminiRequest
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if decoded.SystemInstruction == nil || decoded.SystemInstruction.Parts[0].Text != "be terse" {
		t.Fatalf("expected system instruction extracted, got %+v", decoded.SystemInstruction)
	}
	if len(decoded.Contents) != 2 || decoded.Contents[1].Role != "model" {
		t.Fatalf("expected assistant mapped to model role, got %+v", decoded.Contents)
	}
}

func TestParseContentsFromRequestPreservesUserText(t *testing.T) {
	body := []byte(`{"systemInstruction":{"parts":[{"text":"sys"}]},"contents":[{"role":"user","parts":[{"text":"hello world"}]}]}`)
	msgs := ParseContentsFromRequest(body)
	if len(msgs) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(msgs))
	}
	var text string
	_ = json.Unmarshal(msgs[1].Content, &text)
	if text != "hello world" {
		t.Fatalf("expected user text preserved, got %q", text)
	}
}

func TestTranslateResponseExtractsUsage(t *testing.T) {
	body := []byte(`{
		"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}
	}`)
	resp, err := TranslateResponse("gemini-pro", body)
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if resp.Usage.PromptTokens != 4 || resp.Usage.CompletionTokens != 2 {
		t.Fatalf("expected usage mapped, got %+v", resp.Usage)
	}
}
