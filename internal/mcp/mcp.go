// Package mcp implements the MCP (Model Context Protocol) auto-execute tool
// loop described in spec.md §4.7: when a request's tools are all
// type:"mcp" with require_approval == "never", the pipeline lists tools
// from the configured MCP servers, substitutes translated function tools,
// calls the model, executes any returned tool calls against the MCP
// servers, appends the results as tool messages, and repeats up to
// MaxSteps. Supplemented from the Rust original's
// openai_compat_proxy/mcp.rs, expressed here as a Go state machine driven
// by a small Server/Tool client interface rather than translated verbatim.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	gw "github.com/omne42/ditto/internal/gateway"
)

// MaxSteps bounds the auto-execute loop, per spec.md §4.7.
const MaxSteps = 8

// Tool is one tool definition advertised by an MCP server.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolCall is one model-issued call to an MCP tool.
type ToolCall struct {
	ID        string
	ServerURL string
	ToolName  string
	Arguments json.RawMessage
}

// Server is a client capability for one MCP server: list its tools, invoke
// one, given a JSON-RPC 2.0 transport the concrete implementation owns.
type Server interface {
	URL() string
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// ModelCaller abstracts "call the selected backend with this chat request
// and return its response", so the loop can drive any translation or proxy
// backend without depending on the pipeline package (which depends on mcp,
// not the other way around).
type ModelCaller func(ctx context.Context, req *gw.ChatRequest) (*gw.ChatResponse, error)

// RequestEntry describes one incoming tools[] entry of type "mcp".
type RequestEntry struct {
	Type            string `json:"type"`
	ServerLabel     string `json:"server_label"`
	ServerURL       string `json:"server_url"`
	RequireApproval string `json:"require_approval"`
}

// AllAutoApproved reports whether every mcp-typed tool entry in entries has
// require_approval == "never" — the gate for engaging the auto-execute loop
// at all, per spec.md §4.7.
func AllAutoApproved(entries []RequestEntry) bool {
	found := false
	for _, e := range entries {
		if e.Type != "mcp" {
			continue
		}
		found = true
		if e.RequireApproval != "never" {
			return false
		}
	}
	return found
}

func toolToFunctionDef(t Tool) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  json.RawMessage(t.InputSchema),
		},
	}
}

// Run drives the auto-execute loop: list tools from servers, substitute
// function-tool definitions into req, repeatedly call the model and execute
// any returned tool calls, until the model returns no tool calls or MaxSteps
// is reached. Returns the final ChatResponse. Streaming is permitted only on
// the final, tool-call-free step — callers that want a streamed final
// answer should call Run with Stream=false internally and re-issue a
// streaming call themselves once no further tool calls are pending; Run
// itself always operates non-streaming since it must inspect tool_calls
// between steps.
func Run(ctx context.Context, servers []Server, req *gw.ChatRequest, call ModelCaller) (*gw.ChatResponse, error) {
	var functionTools []any
	serverByTool := map[string]Server{}

	for _, s := range servers {
		tools, err := s.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("mcp: list tools from %s: %w", s.URL(), err)
		}
		for _, t := range tools {
			functionTools = append(functionTools, toolToFunctionDef(t))
			serverByTool[t.Name] = s
		}
	}

	workingReq := *req
	workingReq.Stream = false
	if len(functionTools) > 0 {
		toolsJSON, _ := json.Marshal(functionTools)
		workingReq.Tools = toolsJSON
	}

	var resp *gw.ChatResponse
	for step := 0; step < MaxSteps; step++ {
		var err error
		resp, err = call(ctx, &workingReq)
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return resp, nil
		}

		calls := extractToolCalls(resp.Choices[0].Message.ToolCalls)
		if len(calls) == 0 {
			return resp, nil
		}

		workingReq.Messages = append(workingReq.Messages, resp.Choices[0].Message)
		for _, tc := range calls {
			srv, ok := serverByTool[tc.ToolName]
			if !ok {
				workingReq.Messages = append(workingReq.Messages, errorToolMessage(tc.ID, "unknown tool"))
				continue
			}
			result, err := srv.CallTool(ctx, tc.ToolName, tc.Arguments)
			if err != nil {
				workingReq.Messages = append(workingReq.Messages, errorToolMessage(tc.ID, err.Error()))
				continue
			}
			workingReq.Messages = append(workingReq.Messages, gw.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    result,
			})
		}
	}

	return resp, nil
}

func errorToolMessage(callID, msg string) gw.Message {
	content, _ := json.Marshal(map[string]string{"error": msg})
	return gw.Message{Role: "tool", ToolCallID: callID, Content: content}
}

type rawToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func extractToolCalls(raw json.RawMessage) []ToolCall {
	if len(raw) == 0 {
		return nil
	}
	var parsed []rawToolCall
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}
	out := make([]ToolCall, 0, len(parsed))
	for _, p := range parsed {
		out = append(out, ToolCall{ID: p.ID, ToolName: p.Function.Name, Arguments: p.Function.Arguments})
	}
	return out
}
