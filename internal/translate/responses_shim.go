package translate

import (
	"encoding/json"

	gw "github.com/omne42/ditto/internal/gateway"
)

// MaxShimBufferBytes bounds how much of a buffered chat-completions
// response the Responses shim will hold before failing, per spec.md §4.7.
const MaxShimBufferBytes = 8 << 20

// ShimHeaderValue is the x-ditto-shim header value this shim emits.
const ShimHeaderValue = "responses_via_chat_completions"

// ResponsesRequestToChatRequest maps a /v1/responses body to the gateway's
// internal ChatRequest shape so it can be dispatched through a backend that
// only understands /v1/chat/completions.
func ResponsesRequestToChatRequest(body []byte) (*gw.ChatRequest, error) {
	var raw struct {
		Model           string          `json:"model"`
		Input           json.RawMessage `json:"input"`
		Stream          bool            `json:"stream"`
		MaxOutputTokens *int            `json:"max_output_tokens"`
		Temperature     *float64        `json:"temperature"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	content := raw.Input
	var s string
	if json.Unmarshal(raw.Input, &s) == nil {
		c, _ := json.Marshal(s)
		content = c
	}

	return &gw.ChatRequest{
		Model:           raw.Model,
		Messages:        []gw.Message{{Role: "user", Content: content}},
		Stream:          raw.Stream,
		MaxOutputTokens: raw.MaxOutputTokens,
		Temperature:     raw.Temperature,
	}, nil
}

// ChatResponseToResponsesPayload maps a ChatResponse back into the
// Responses wire shape.
func ChatResponseToResponsesPayload(resp *gw.ChatResponse) ([]byte, error) {
	var outputText string
	if len(resp.Choices) > 0 {
		var s string
		if json.Unmarshal(resp.Choices[0].Message.Content, &s) == nil {
			outputText = s
		}
	}

	out := map[string]any{
		"id":          resp.ID,
		"object":      "response",
		"model":       resp.Model,
		"output_text": outputText,
		"output": []map[string]any{
			{
				"type":    "message",
				"role":    "assistant",
				"content": []map[string]any{{"type": "output_text", "text": outputText}},
			},
		},
	}
	if resp.Usage != nil {
		out["usage"] = map[string]any{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
			"total_tokens":  resp.Usage.TotalTokens,
		}
	}
	return json.Marshal(out)
}

// ChatSSEChunkToResponsesEvent maps one OpenAI chat-completions SSE delta
// chunk to a Responses-style "response.output_text.delta" event payload.
// Returns ok=false if the chunk carries no text delta to forward.
func ChatSSEChunkToResponsesEvent(chunk []byte) (eventName string, payload []byte, ok bool) {
	var parsed struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(chunk, &parsed); err != nil || len(parsed.Choices) == 0 {
		return "", nil, false
	}
	if parsed.Choices[0].FinishReason != "" {
		payload, _ := json.Marshal(map[string]any{"type": "response.completed"})
		return "response.completed", payload, true
	}
	if parsed.Choices[0].Delta.Content == "" {
		return "", nil, false
	}
	payload, _ = json.Marshal(map[string]any{
		"type":  "response.output_text.delta",
		"delta": parsed.Choices[0].Delta.Content,
	})
	return "response.output_text.delta", payload, true
}
