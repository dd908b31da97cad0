package gemini

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"
)

func TestStreamStateEmitsDeltaThenFinish(t *testing.T) {
	s := NewStreamState()

	chunk := s.HandleOpenAIChunk([]byte(`{"choices":[{"delta":{"content":"hi"}}]}`))
	if chunk == nil {
		t.Fatal("expected a delta chunk")
	}
	text := gjson.GetBytes(chunk, "candidates.0.content.parts.0.text").String()
	if text != "hi" {
		t.Fatalf("expected text 'hi', got %q", text)
	}

	none := s.HandleOpenAIChunk([]byte(`{"choices":[{"delta":{},"finish_reason":"stop"}]}`))
	if none != nil {
		t.Fatalf("expected no chunk for empty delta, got %s", none)
	}

	final := s.Finish()
	reason := gjson.GetBytes(final, "candidates.0.finishReason").String()
	if reason != "STOP" {
		t.Fatalf("expected STOP finish reason, got %q", reason)
	}
	var decoded map[string]any
	if err := json.Unmarshal(final, &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
}

func TestStreamStateMapsLengthFinishReason(t *testing.T) {
	s := NewStreamState()
	s.HandleOpenAIChunk([]byte(`{"choices":[{"delta":{},"finish_reason":"length"}]}`))
	final := s.Finish()
	if gjson.GetBytes(final, "candidates.0.finishReason").String() != "MAX_TOKENS" {
		t.Fatalf("expected MAX_TOKENS, got %s", final)
	}
}
