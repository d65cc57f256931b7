package chat

import (
	"context"
)

// ProviderType is the type of provider.
type ProviderType string

const (
	// ProviderAnthropic is the type of provider.
	ProviderAnthropic ProviderType = "ANTHROPIC"
	// ProviderOpenAI is the type of provider.
	ProviderOpenAI ProviderType = "OPENAI"
)

// Model is the interface LLM providers implement. GenerateContent is a
// stateless call: the full conversation is sent every time.
type Model interface {
	// GetName returns the configured model name.
	GetName() string
	// GetProviderType returns the type of provider.
	GetProviderType() ProviderType
	// GenerateContent asks the model to respond to the conversation.
	// The response either carries final text or requested tool calls.
	GenerateContent(ctx context.Context, messages []Message, options ...CallOption) (*ContentResponse, error)
}

// ContentResponse is the response returned by a GenerateContent call.
type ContentResponse struct {
	Choices []*ContentChoice
}

// ContentChoice is one of the response choices returned by GenerateContent.
// A choice with a non-empty ToolCalls list requests tool execution; a choice
// without tool calls is a final answer.
type ContentChoice struct {
	// Content is the textual content of a response.
	Content string `json:"content"`

	// StopReason is the reason the model stopped generating output.
	StopReason string `json:"stop_reason"`

	// ToolCalls is the ordered list of tool calls the model asks to invoke.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Capability is a bitmask indicating supported features of an LLM provider.
type Capability uint64

const (
	// CapabilityText is basic text or chat generation.
	CapabilityText Capability = 1 << iota
	// CapabilityFunctionCalling is function/tool calling.
	CapabilityFunctionCalling
	// CapabilityMultiToolCalling is multiple tool calls in one turn.
	CapabilityMultiToolCalling
	// CapabilitySystemPrompt is system prompt support.
	CapabilitySystemPrompt
)

var providerCapabilities = map[ProviderType]Capability{
	ProviderOpenAI: CapabilityText |
		CapabilityFunctionCalling |
		CapabilityMultiToolCalling |
		CapabilitySystemPrompt,

	ProviderAnthropic: CapabilityText |
		CapabilityFunctionCalling |
		CapabilityMultiToolCalling |
		CapabilitySystemPrompt,
}

// ProviderCapabilities returns the capability mask of a provider.
func ProviderCapabilities(pt ProviderType) Capability {
	return providerCapabilities[pt]
}

// Supports reports whether the provider supports the given capability.
func (p ProviderType) Supports(cap Capability) bool {
	return ProviderCapabilities(p)&cap != 0
}
