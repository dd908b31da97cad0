package anthropic

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// StreamState accumulates enough context across an OpenAI SSE stream to
// emit the Anthropic event sequence, mirroring the teacher's streamState in
// internal/provider/anthropic/stream.go but running in the opposite
// direction: OpenAI chunks in, Anthropic SSE events out, for callers who
// hit /v1/messages against an OpenAI-speaking backend (spec.md §4.7
// streaming translation, end-to-end scenario 6).
type StreamState struct {
	id      string
	model   string
	started bool
	stopReason string
}

// NewStreamState returns a fresh state machine.
func NewStreamState() *StreamState { return &StreamState{} }

// AnthropicEvent is one emitted SSE event (name + JSON payload).
type AnthropicEvent struct {
	Name    string
	Payload []byte
}

// HandleOpenAIChunk consumes one parsed "data: {...}" payload from an
// OpenAI chat-completions SSE stream (already stripped of the "data: "
// prefix and the terminal "[DONE]" sentinel, which the caller detects
// separately) and returns zero or more Anthropic-shaped events to emit.
func (s *StreamState) HandleOpenAIChunk(data []byte) []AnthropicEvent {
	var events []AnthropicEvent

	id := gjson.GetBytes(data, "id").String()
	model := gjson.GetBytes(data, "model").String()

	if !s.started {
		s.started = true
		s.id = id
		s.model = model
		start, _ := json.Marshal(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      id,
				"type":    "message",
				"role":    "assistant",
				"model":   model,
				"content": []any{},
			},
		})
		events = append(events, AnthropicEvent{Name: "message_start", Payload: start})
		blockStart, _ := json.Marshal(map[string]any{
			"type":  "content_block_start",
			"index": 0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
		events = append(events, AnthropicEvent{Name: "content_block_start", Payload: blockStart})
	}

	choice := gjson.GetBytes(data, "choices.0")
	delta := choice.Get("delta.content").String()
	if delta != "" {
		payload, _ := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": delta},
		})
		events = append(events, AnthropicEvent{Name: "content_block_delta", Payload: payload})
	}

	if fr := choice.Get("finish_reason"); fr.Exists() && fr.String() != "" {
		s.stopReason = mapFinishToStopReason(fr.String())
	}

	return events
}

// Finish returns the terminal content_block_stop/message_delta/message_stop
// sequence once the OpenAI stream signals completion.
func (s *StreamState) Finish() []AnthropicEvent {
	stopReason := s.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}

	blockStop, _ := json.Marshal(map[string]any{"type": "content_block_stop", "index": 0})
	msgDelta, _ := json.Marshal(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason},
	})
	msgStop, _ := json.Marshal(map[string]any{"type": "message_stop"})

	return []AnthropicEvent{
		{Name: "content_block_stop", Payload: blockStop},
		{Name: "message_delta", Payload: msgDelta},
		{Name: "message_stop", Payload: msgStop},
	}
}
