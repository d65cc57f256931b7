// Package mcptools adapts tools hosted by an MCP server into the ITool
// interface used by the agent loop. Discovery lists the server catalog and
// wraps every entry; calls decode the model-provided JSON arguments and
// relay them over the session.
package mcptools

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/pkg/chat"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "mcptools")

var (
	// ErrDiscovery is returned when the tool catalog cannot be listed.
	ErrDiscovery = errors.New("tool discovery failed")
	// ErrArgumentDecode is returned when model-provided tool arguments are
	// not valid JSON for the tool.
	ErrArgumentDecode = errors.New("failed to decode tool arguments")
	// ErrToolExecution is returned when the server fails to execute a tool
	// or reports a tool-level error.
	ErrToolExecution = errors.New("tool execution failed")
)

// Session is the subset of the MCP client used by the adapter.
type Session interface {
	ListTools(ctx context.Context) (*mcp.ToolsResponse, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResponse, error)
}

// Tool exposes a single MCP server tool as tools.ITool.
type Tool struct {
	session     Session
	name        string
	description string
	inputSchema json.RawMessage
}

var _ tools.ITool = (*Tool)(nil)

// Discover lists the server's tool catalog and returns an adapter for each
// entry, preserving the server's order.
func Discover(ctx context.Context, session Session) ([]tools.ITool, error) {
	res, err := session.ListTools(ctx)
	if err != nil {
		return nil, errors.Mark(errors.WithMessage(err, "unable to list tools"), ErrDiscovery)
	}

	list := make([]tools.ITool, 0, len(res.Tools))
	for _, t := range res.Tools {
		list = append(list, &Tool{
			session:     session,
			name:        t.Name,
			description: t.Description,
			inputSchema: t.InputSchema,
		})
	}
	logger.KV(xlog.DEBUG, "discovered_tools", len(list))
	return list, nil
}

// Name implements tools.ITool.
func (t *Tool) Name() string {
	return t.name
}

// Description implements tools.ITool.
func (t *Tool) Description() string {
	return t.description
}

// Parameters returns the server-declared input schema unchanged.
func (t *Tool) Parameters() any {
	return t.inputSchema
}

// Call decodes the JSON arguments, invokes the tool on the server and
// returns the concatenated text content of the response.
func (t *Tool) Call(ctx context.Context, input string) (string, error) {
	args := map[string]any{}
	if input != "" {
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return "", errors.Mark(errors.WithMessagef(err, "tool %q", t.name), ErrArgumentDecode)
		}
	}

	res, err := t.session.CallTool(ctx, t.name, args)
	if err != nil {
		return "", errors.Mark(errors.WithMessagef(err, "tool %q", t.name), ErrToolExecution)
	}
	text := res.JoinedText()
	if res.IsError {
		return "", errors.Mark(errors.Newf("tool %q: %s", t.name, text), ErrToolExecution)
	}
	return text, nil
}

// ToolDefs converts adapted tools into chat tool definitions for a model
// request, in the same order.
func ToolDefs(list []tools.ITool) []chat.Tool {
	defs := make([]chat.Tool, 0, len(list))
	for _, t := range list {
		defs = append(defs, chat.Tool{
			Type: "function",
			Function: &chat.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
