// Package gemini translates between the gateway's OpenAI-shaped ChatRequest
// and Google's generateContent wire format, generalizing the teacher's
// internal/provider/gemini/translate.go.
package gemini

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	gw "github.com/omne42/ditto/internal/gateway"
)

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

func roleToGemini(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func roleFromGemini(role string) string {
	if role == "model" {
		return "assistant"
	}
	return "user"
}

// TranslateRequest maps an OpenAI-shaped chat request to a Google
// generateContent request body, per spec.md §6: system → systemInstruction,
// user/assistant → contents with role mapping assistant→model, and the
// common generationConfig fields lifted from the OpenAI top-level request.
func TranslateRequest(req *gw.ChatRequest) ([]byte, error) {
	out := geminiRequest{}

	for _, m := range req.Messages {
		text := textOf(m.Content)
		if m.Role == "system" {
			out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: text}}}
			continue
		}
		out.Contents = append(out.Contents, geminiContent{
			Role:  roleToGemini(m.Role),
			Parts: []geminiPart{{Text: text}},
		})
	}

	cfg := &geminiGenerationConfig{Temperature: req.Temperature, TopP: req.TopP}
	if req.MaxTokens != nil {
		cfg.MaxOutputTokens = req.MaxTokens
	} else if req.MaxOutputTokens != nil {
		cfg.MaxOutputTokens = req.MaxOutputTokens
	}
	out.GenerationConfig = cfg

	return json.Marshal(out)
}

func textOf(raw json.RawMessage) string {
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	return string(raw)
}

// TranslateResponse maps a Google generateContent response JSON into an
// OpenAI-shaped ChatResponse, preserving contents[].parts[].text.
func TranslateResponse(model string, body []byte) (*gw.ChatResponse, error) {
	cand := gjson.GetBytes(body, "candidates.0")
	var text string
	for _, part := range cand.Get("content.parts").Array() {
		text += part.Get("text").String()
	}

	msgContent, _ := json.Marshal(text)
	resp := &gw.ChatResponse{
		Object: "chat.completion",
		Model:  model,
		Choices: []gw.Choice{{
			Index:        0,
			Message:      gw.Message{Role: "assistant", Content: msgContent},
			FinishReason: mapFinishReason(cand.Get("finishReason").String()),
		}},
	}
	if u := gjson.GetBytes(body, "usageMetadata"); u.Exists() {
		in := int(u.Get("promptTokenCount").Int())
		out := int(u.Get("candidatesTokenCount").Int())
		resp.Usage = &gw.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}
	return resp, nil
}

func mapFinishReason(fr string) string {
	switch fr {
	case "MAX_TOKENS":
		return "length"
	case "STOP", "":
		return "stop"
	default:
		return "stop"
	}
}

// RenderAsGenerateContent renders an OpenAI-shaped ChatResponse back into a
// Google generateContent response body, the reverse direction used when a
// caller hits the Google-shaped endpoint against an OpenAI-speaking
// backend.
func RenderAsGenerateContent(resp *gw.ChatResponse) ([]byte, error) {
	if len(resp.Choices) == 0 {
		return json.Marshal(map[string]any{"candidates": []any{}})
	}
	text := textOf(resp.Choices[0].Message.Content)
	out := map[string]any{
		"candidates": []map[string]any{
			{
				"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}},
				"finishReason": "STOP",
			},
		},
	}
	if resp.Usage != nil {
		out["usageMetadata"] = map[string]any{
			"promptTokenCount":     resp.Usage.PromptTokens,
			"candidatesTokenCount": resp.Usage.CompletionTokens,
		}
	}
	return json.Marshal(out)
}

// ParseContentsFromRequest decodes a raw Google generateContent request
// body into OpenAI-shaped messages, the inbound direction for alt-protocol
// entry point /v1beta/models/{id}:generateContent.
func ParseContentsFromRequest(body []byte) []gw.Message {
	var msgs []gw.Message
	if sys := gjson.GetBytes(body, "systemInstruction"); sys.Exists() {
		text := textFromParts(sys.Get("parts"))
		c, _ := json.Marshal(text)
		msgs = append(msgs, gw.Message{Role: "system", Content: c})
	}
	for _, content := range gjson.GetBytes(body, "contents").Array() {
		role := roleFromGemini(content.Get("role").String())
		text := textFromParts(content.Get("parts"))
		c, _ := json.Marshal(text)
		msgs = append(msgs, gw.Message{Role: role, Content: c})
	}
	return msgs
}

func textFromParts(parts gjson.Result) string {
	var out string
	for _, p := range parts.Array() {
		out += p.Get("text").String()
	}
	return out
}
