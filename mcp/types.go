// Package mcp implements the tool-calling RPC channel: a client that talks
// to an external tool server over a pluggable transport, and a server for
// hosting tools in-process. The protocol exposes three operations the agent
// loop consumes: initialize, tools/list and tools/call.
package mcp

import (
	"encoding/json"
)

// LatestProtocolVersion is the protocol revision sent during the handshake.
const LatestProtocolVersion = "2024-11-05"

// Implementation describes one end of the channel.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities advertises what the client supports.
type ClientCapabilities struct {
	Experimental map[string]any `json:"experimental,omitempty"`
}

// ServerCapabilities advertises what the server supports.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability is present when the server hosts tools.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeRequest is the params of the initialize handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResponse is the result of the initialize handshake.
type InitializeResponse struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
}

// Tool is a tool descriptor as published by the server. The input schema is
// owned by the server; clients pass it through without interpretation.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolsResponse is the result of tools/list. Order is the server's
// registration order.
type ToolsResponse struct {
	Tools []Tool `json:"tools"`
}

// CallToolRequest is the params of tools/call.
type CallToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentType discriminates tool result content blocks.
type ContentType string

const (
	// ContentTypeText is a plain text content block.
	ContentTypeText ContentType = "text"
)

// Content is one block of a tool result.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// NewTextContent creates a text content block.
func NewTextContent(text string) *Content {
	return &Content{
		Type: ContentTypeText,
		Text: text,
	}
}

// ToolResponse is the result of tools/call. IsError marks a tool-level
// failure delivered as a result rather than a protocol error.
type ToolResponse struct {
	Content []*Content `json:"content"`
	IsError bool       `json:"isError,omitempty"`
}

// NewToolResponse creates a tool response from content blocks.
func NewToolResponse(content ...*Content) *ToolResponse {
	return &ToolResponse{
		Content: content,
	}
}

// NewToolErrorResponse creates a failed tool response carrying the error
// text.
func NewToolErrorResponse(text string) *ToolResponse {
	return &ToolResponse{
		Content: []*Content{NewTextContent(text)},
		IsError: true,
	}
}

// JoinedText concatenates the text blocks of the response, one per line.
func (r *ToolResponse) JoinedText() string {
	var out string
	for _, c := range r.Content {
		if c == nil || c.Type != ContentTypeText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += c.Text
	}
	return out
}
