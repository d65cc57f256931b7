// Package tools defines the Tool interface consumed by the agent loop.
// A tool receives its arguments as a JSON string and returns its result
// as plain text suitable for a tool message in the conversation.
package tools

import (
	"context"
)

// ITool is a callable capability exposed to the language model.
type ITool interface {
	// Name returns the name of the Tool.
	Name() string
	// Description returns the description of the tool, to be used in the prompt.
	// Should not exceed LLM model limit.
	Description() string
	// Parameters returns the JSON Schema of the tool arguments.
	Parameters() any

	// Call executes the tool with the given JSON-encoded input and returns
	// the textual result.
	Call(context.Context, string) (string, error)
}

type Callback interface {
	OnToolStart(context.Context, ITool, string)
	OnToolEnd(context.Context, ITool, string, string)
	OnToolError(context.Context, ITool, string, error)
}
