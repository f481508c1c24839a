package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema declares a tool to the model: name, description and JSON Schema
// for its arguments.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a ToolInvocationRequest produced by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the ToolInvocationResult for one ToolCall. Content holds the
// payload on success and the error message on failure.
type ToolResult struct {
	ToolCallID  string       `json:"tool_call_id"`
	Name        string       `json:"name"`
	Success     bool         `json:"success"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"-"`
}

// Tool is the contract every tool implementation satisfies. Execute returns
// an error when the tool body fails.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}

// TurnLimited is implemented by tools that may run at most MaxPerTurn times
// within one turn.
type TurnLimited interface {
	MaxPerTurn() int
}

// ToolRegistry abstracts tool lookup, argument validation and declarations.
type ToolRegistry interface {
	Get(name string) (Tool, error)
	Validate(name string, args json.RawMessage) error
	Schemas() []ToolSchema
}
