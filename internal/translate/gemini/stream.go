package gemini

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// StreamState accumulates the running finish reason across an OpenAI SSE
// stream being re-emitted as Google generateContent streaming candidates,
// mirroring translate/anthropic's StreamState for the Gemini wire shape.
type StreamState struct {
	finishReason string
}

// NewStreamState returns a fresh state machine.
func NewStreamState() *StreamState { return &StreamState{} }

// HandleOpenAIChunk consumes one parsed OpenAI chat-completions SSE data
// payload and returns the equivalent Gemini streaming response JSON object,
// or nil if the chunk carries no text delta to forward.
func (s *StreamState) HandleOpenAIChunk(data []byte) json.RawMessage {
	choice := gjson.GetBytes(data, "choices.0")
	delta := choice.Get("delta.content").String()

	if fr := choice.Get("finish_reason"); fr.Exists() && fr.String() != "" {
		s.finishReason = mapOpenAIFinishToGemini(fr.String())
	}

	if delta == "" {
		return nil
	}

	out := map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": delta}},
				},
			},
		},
	}
	payload, _ := json.Marshal(out)
	return payload
}

// Finish returns the terminal chunk carrying the accumulated finish reason,
// emitted once the OpenAI stream signals completion.
func (s *StreamState) Finish() json.RawMessage {
	reason := s.finishReason
	if reason == "" {
		reason = "STOP"
	}
	out := map[string]any{
		"candidates": []map[string]any{
			{
				"content":      map[string]any{"role": "model", "parts": []any{}},
				"finishReason": reason,
			},
		},
	}
	payload, _ := json.Marshal(out)
	return payload
}

func mapOpenAIFinishToGemini(fr string) string {
	switch fr {
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}
