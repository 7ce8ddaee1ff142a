// Package llm holds the provider-neutral shapes exchanged with a chat model
// that can call tools.
package llm

import (
	"context"
	"encoding/json"
)

// Roles used in ChatMessage.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool modes for Request.ToolMode.
const (
	ToolModeAuto = "AUTO"
	ToolModeNone = "NONE"
)

// Tool describes a function the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is one function invocation requested by the model. Signature is
// an opaque provider token that must be echoed back with the call.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args,omitempty"`
	Signature string         `json:"signature,omitempty"`
}

// ChatMessage is a conversation entry. Tool results carry ToolCallID and
// ToolName; assistant turns may carry ToolCalls.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// Request is a single model invocation.
type Request struct {
	System      string
	Messages    []ChatMessage
	Tools       []Tool
	Temperature float64
	ToolMode    string
}

// ChatResponse contains the model's reply including any tool calls.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
}

// Client is implemented by model providers.
type Client interface {
	ChatWithTools(ctx context.Context, req Request) (ChatResponse, error)
}
