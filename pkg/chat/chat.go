// Package chat defines the conversation model shared by the agent loop, the
// LLM providers and the transcript recorder: flat messages with roles, the
// tool-call structures the model emits, and the function schema entries the
// model consumes.
package chat

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// ErrUnexpectedRole is returned when a message role is of an unexpected type.
var ErrUnexpectedRole = errors.New("unexpected role")

// Role is the type of chat message.
type Role string

const (
	// RoleSystem is the instruction message prepended to a conversation.
	RoleSystem Role = "system"
	// RoleUser is a message sent by the user.
	RoleUser Role = "user"
	// RoleAssistant is a message produced by the model.
	RoleAssistant Role = "assistant"
	// RoleTool is a tool result answering an assistant tool call.
	RoleTool Role = "tool"
)

// FunctionCall is the name and arguments of a function call.
type FunctionCall struct {
	// Name is the name of the function to call.
	Name string `json:"name"`
	// Arguments is the JSON-encoded payload to pass to the function.
	// It is decoded only at dispatch time.
	Arguments string `json:"arguments"`
}

// ToolCall is a model-issued request to invoke a tool. The ID is generated
// by the model endpoint and is opaque here; it is only used to correlate the
// tool result message with the call.
//
// Provider adapters produce this normalized form immediately on receipt, so
// downstream components never branch on provider-specific representations.
type ToolCall struct {
	// ID is the unique identifier of the tool call.
	ID string `json:"id"`
	// Type is the type of the tool call. Typically "function".
	Type string `json:"type,omitempty"`
	// Function is the function invocation requested by the model.
	Function FunctionCall `json:"function"`
}

// Message is one entry of a conversation. Exactly one of Content or a
// non-empty ToolCalls is meaningful on an assistant message; a tool message
// always carries the ToolCallID of the call it answers and follows the
// assistant message that requested it, in request order.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// SystemMessage creates a system instruction message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage creates a user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage creates an assistant message with optional tool calls.
// The calls keep the order the model listed them in.
func AssistantMessage(content string, toolCalls ...ToolCall) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
	}
}

// ToolMessage creates a tool result message correlated to a tool call.
func ToolMessage(toolCallID, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
	}
}

// Tool is a function schema entry offered to the model.
type Tool struct {
	// Type is the type of the tool, typically "function".
	Type string `json:"type"`
	// Function is the function definition.
	Function *FunctionDefinition `json:"function,omitempty"`
}

// FunctionDefinition is a definition of a function that can be called by the
// model.
type FunctionDefinition struct {
	// Name is the name of the function.
	Name string `json:"name"`
	// Description is a description of the function.
	Description string `json:"description"`
	// Parameters is the JSON schema of the function parameters. It may be a
	// *jsonschema.Schema, a map, or raw JSON passed through from a tool
	// server; providers serialize it as-is.
	Parameters any `json:"parameters,omitempty"`
}

// ParametersAsMap serializes a function parameters value into a generic map,
// the form most provider SDKs accept.
func ParametersAsMap(params any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	if m, ok := params.(map[string]any); ok {
		return m, nil
	}
	bs, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal function parameters")
	}
	var m map[string]any
	if err := json.Unmarshal(bs, &m); err != nil {
		return nil, errors.Wrap(err, "failed to decode function parameters")
	}
	return m, nil
}
