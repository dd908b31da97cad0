package anthropic

import (
	"encoding/json"
	"testing"

	gw "github.com/omne42/ditto/internal/gateway"
)

func TestTranslateRequestMapsSystemAndUser(t *testing.T) {
	req := &gw.ChatRequest{
		Model: "claude-3-opus",
		Messages: []gw.Message{
			{Role: "system", Content: json.RawMessage(`"be nice"`)},
			{Role: "user", Content: json.RawMessage(`"hello"`)},
		},
	}
	out, err := TranslateRequest(req)
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	var decoded anthropicRequest
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if decoded.System != "be nice" {
		t.Fatalf("expected system text extracted, got %q", decoded.System)
	}
	if len(decoded.Messages) != 1 || decoded.Messages[0].Role != "user" {
		t.Fatalf("expected single user message, got %+v", decoded.Messages)
	}
}

func TestTranslateResponseExtractsTextAndUsage(t *testing.T) {
	body := []byte(`{
		"id":"msg_1","model":"claude-3-opus","stop_reason":"end_turn",
		"content":[{"type":"text","text":"hi there"}],
		"usage":{"input_tokens":5,"output_tokens":3}
	}`)
	resp, err := TranslateResponse(body)
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("expected stop finish reason, got %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 5 || resp.Usage.CompletionTokens != 3 {
		t.Fatalf("expected usage mapped, got %+v", resp.Usage)
	}
	var content string
	_ = json.Unmarshal(resp.Choices[0].Message.Content, &content)
	if content != "hi there" {
		t.Fatalf("expected text content preserved, got %q", content)
	}
}

func TestParseRequestMapsSystemAndMessages(t *testing.T) {
	body := []byte(`{
		"model":"claude-3-opus","max_tokens":256,
		"system":"be terse",
		"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]
	}`)
	req, err := ParseRequest(body)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
		t.Fatalf("expected system+user messages, got %+v", req.Messages)
	}
	var userText string
	_ = json.Unmarshal(req.Messages[1].Content, &userText)
	if userText != "hi" {
		t.Fatalf("expected user text preserved, got %q", userText)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 256 {
		t.Fatalf("expected max_tokens parsed, got %+v", req.MaxTokens)
	}
}

func TestRoundTripPreservesAssistantText(t *testing.T) {
	req := &gw.ChatRequest{
		Model:    "claude-3-opus",
		Messages: []gw.Message{{Role: "user", Content: json.RawMessage(`"hello"`)}},
	}
	anthropicReq, err := TranslateRequest(req)
	if err != nil {
		t.Fatalf("request translate failed: %v", err)
	}
	if len(anthropicReq) == 0 {
		t.Fatalf("expected non-empty anthropic request")
	}

	openaiResp := &gw.ChatResponse{
		ID:    "chatcmpl-1",
		Model: "claude-3-opus",
		Choices: []gw.Choice{{
			Index:        0,
			Message:      gw.Message{Role: "assistant", Content: json.RawMessage(`"hi back"`)},
			FinishReason: "stop",
		}},
	}
	rendered, err := RenderAsAnthropicMessage(openaiResp)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	back, err := TranslateResponse(rendered)
	if err != nil {
		t.Fatalf("translate back failed: %v", err)
	}
	var text string
	_ = json.Unmarshal(back.Choices[0].Message.Content, &text)
	if text != "hi back" {
		t.Fatalf("expected assistant text preserved round-trip, got %q", text)
	}
}
