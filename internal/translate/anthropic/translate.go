// Package anthropic translates between the gateway's OpenAI-shaped
// ChatRequest/ChatResponse and the Anthropic Messages wire format,
// generalizing the teacher's internal/provider/anthropic/translate.go from
// a provider-client concern into a pipeline-level translation backend.
package anthropic

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	gw "github.com/omne42/ditto/internal/gateway"
)

type anthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicRequest struct {
	Model       string         `json:"model"`
	System      string         `json:"system,omitempty"`
	Messages    []anthropicMsg `json:"messages"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
}

// TranslateRequest maps an OpenAI-shaped chat request to Anthropic Messages
// wire JSON, following the teacher's system/user/assistant/tool role
// mapping: system text becomes the top-level "system" field; tool results
// become a user message carrying a tool_result content block.
func TranslateRequest(req *gw.ChatRequest) ([]byte, error) {
	out := anthropicRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Tools:       req.Tools,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	} else if req.MaxOutputTokens != nil {
		out.MaxTokens = *req.MaxOutputTokens
	} else {
		out.MaxTokens = 4096
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.System = contentToText(m.Content)
		case "tool":
			block, _ := json.Marshal(map[string]any{
				"type":        "tool_result",
				"tool_use_id": m.ToolCallID,
				"content":     contentToText(m.Content),
			})
			out.Messages = append(out.Messages, anthropicMsg{
				Role:    "user",
				Content: json.RawMessage("[" + string(block) + "]"),
			})
		default:
			out.Messages = append(out.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
		}
	}

	return json.Marshal(out)
}

func contentToText(raw json.RawMessage) string {
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	if r.IsArray() {
		var sb []byte
		r.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				sb = append(sb, part.Get("text").String()...)
			}
			return true
		})
		return string(sb)
	}
	return ""
}

// mapStopReason maps an Anthropic stop_reason to an OpenAI finish_reason.
func mapStopReason(sr string) string {
	switch sr {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// mapFinishToStopReason is the reverse of mapStopReason, used when
// rendering an OpenAI response in Anthropic shape.
func mapFinishToStopReason(fr string) string {
	switch fr {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "content_filtered"
	default:
		return "end_turn"
	}
}

// TranslateResponse maps an Anthropic Messages JSON response into an
// OpenAI-shaped ChatResponse, extracting text and tool_use content blocks.
func TranslateResponse(body []byte) (*gw.ChatResponse, error) {
	id := gjson.GetBytes(body, "id").String()
	model := gjson.GetBytes(body, "model").String()
	stopReason := gjson.GetBytes(body, "stop_reason").String()

	var text string
	var toolCalls []map[string]any
	for _, block := range gjson.GetBytes(body, "content").Array() {
		switch block.Get("type").String() {
		case "text":
			text += block.Get("text").String()
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
		}
	}

	msg := gw.Message{Role: "assistant"}
	contentBytes, _ := json.Marshal(text)
	msg.Content = contentBytes
	if len(toolCalls) > 0 {
		tcBytes, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tcBytes
	}

	resp := &gw.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []gw.Choice{{Index: 0, Message: msg, FinishReason: mapStopReason(stopReason)}},
	}
	if u := gjson.GetBytes(body, "usage"); u.Exists() {
		in := int(u.Get("input_tokens").Int())
		out := int(u.Get("output_tokens").Int())
		resp.Usage = &gw.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}
	return resp, nil
}

// ParseRequest decodes a raw Anthropic Messages request body (the inbound
// direction for a caller hitting /v1/messages) into an OpenAI-shaped
// ChatRequest, the reverse of TranslateRequest.
func ParseRequest(body []byte) (*gw.ChatRequest, error) {
	model := gjson.GetBytes(body, "model").String()
	req := &gw.ChatRequest{Model: model, Stream: gjson.GetBytes(body, "stream").Bool()}

	if sys := gjson.GetBytes(body, "system"); sys.Exists() {
		c, _ := json.Marshal(sys.String())
		req.Messages = append(req.Messages, gw.Message{Role: "system", Content: c})
	}
	for _, m := range gjson.GetBytes(body, "messages").Array() {
		role := m.Get("role").String()
		text := contentToText(json.RawMessage(m.Get("content").Raw))
		c, _ := json.Marshal(text)
		req.Messages = append(req.Messages, gw.Message{Role: role, Content: c})
	}
	if mt := gjson.GetBytes(body, "max_tokens"); mt.Exists() {
		n := int(mt.Int())
		req.MaxTokens = &n
	}
	if t := gjson.GetBytes(body, "temperature"); t.Exists() {
		v := t.Float()
		req.Temperature = &v
	}
	return req, nil
}

// RenderAsAnthropicMessage renders an OpenAI-shaped ChatResponse as an
// Anthropic Messages response, the reverse direction used when a caller
// hits /v1/messages against an OpenAI-speaking backend.
func RenderAsAnthropicMessage(resp *gw.ChatResponse) ([]byte, error) {
	if len(resp.Choices) == 0 {
		return nil, nil
	}
	choice := resp.Choices[0]
	content := []map[string]any{{"type": "text", "text": contentToText(choice.Message.Content)}}

	out := map[string]any{
		"id":          resp.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       resp.Model,
		"content":     content,
		"stop_reason": mapFinishToStopReason(choice.FinishReason),
	}
	if resp.Usage != nil {
		out["usage"] = map[string]any{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		}
	}
	return json.Marshal(out)
}
