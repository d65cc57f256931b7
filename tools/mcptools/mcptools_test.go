package mcptools_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/tools/mcptools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	tools    []mcp.Tool
	listErr  error
	callErr  error
	response *mcp.ToolResponse

	calledName string
	calledArgs map[string]any
}

func (s *fakeSession) ListTools(ctx context.Context) (*mcp.ToolsResponse, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return &mcp.ToolsResponse{Tools: s.tools}, nil
}

func (s *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResponse, error) {
	s.calledName = name
	s.calledArgs = args
	if s.callErr != nil {
		return nil, s.callErr
	}
	return s.response, nil
}

func weatherSchema(t *testing.T) json.RawMessage {
	t.Helper()
	return json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`)
}

func TestDiscover(t *testing.T) {
	sess := &fakeSession{
		tools: []mcp.Tool{
			{Name: "get_weather", Description: "Get the current weather for a city", InputSchema: weatherSchema(t)},
			{Name: "echo", Description: "Echo the input back", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	}

	list, err := mcptools.Discover(context.Background(), sess)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "get_weather", list[0].Name())
	assert.Equal(t, "echo", list[1].Name())
	assert.Equal(t, "Get the current weather for a city", list[0].Description())

	raw, ok := list[0].Parameters().(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, string(weatherSchema(t)), string(raw))
}

func TestDiscover_ListFails(t *testing.T) {
	sess := &fakeSession{listErr: errors.New("transport closed")}
	_, err := mcptools.Discover(context.Background(), sess)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcptools.ErrDiscovery))
	assert.Contains(t, err.Error(), "transport closed")
}

func TestCall(t *testing.T) {
	sess := &fakeSession{
		tools:    []mcp.Tool{{Name: "get_weather", InputSchema: weatherSchema(t)}},
		response: mcp.NewToolResponse(mcp.NewTextContent("15C, cloudy")),
	}
	list, err := mcptools.Discover(context.Background(), sess)
	require.NoError(t, err)

	out, err := list[0].Call(context.Background(), `{"city":"Lisbon"}`)
	require.NoError(t, err)
	assert.Equal(t, "15C, cloudy", out)
	assert.Equal(t, "get_weather", sess.calledName)
	assert.Equal(t, map[string]any{"city": "Lisbon"}, sess.calledArgs)
}

func TestCall_EmptyInput(t *testing.T) {
	sess := &fakeSession{
		tools:    []mcp.Tool{{Name: "list_cities"}},
		response: mcp.NewToolResponse(mcp.NewTextContent("Lisbon\nPorto")),
	}
	list, err := mcptools.Discover(context.Background(), sess)
	require.NoError(t, err)

	out, err := list[0].Call(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "Lisbon\nPorto", out)
	assert.Empty(t, sess.calledArgs)
}

func TestCall_BadArguments(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{{Name: "get_weather"}}}
	list, err := mcptools.Discover(context.Background(), sess)
	require.NoError(t, err)

	_, err = list[0].Call(context.Background(), `{"city":`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcptools.ErrArgumentDecode))
	// the session must not be reached with undecodable arguments
	assert.Empty(t, sess.calledName)
}

func TestCall_SessionError(t *testing.T) {
	sess := &fakeSession{
		tools:   []mcp.Tool{{Name: "get_weather"}},
		callErr: errors.New("server exited"),
	}
	list, err := mcptools.Discover(context.Background(), sess)
	require.NoError(t, err)

	_, err = list[0].Call(context.Background(), `{"city":"Lisbon"}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcptools.ErrToolExecution))
}

func TestCall_ToolReportedError(t *testing.T) {
	sess := &fakeSession{
		tools:    []mcp.Tool{{Name: "get_weather"}},
		response: mcp.NewToolErrorResponse("unknown city: Atlantis"),
	}
	list, err := mcptools.Discover(context.Background(), sess)
	require.NoError(t, err)

	_, err = list[0].Call(context.Background(), `{"city":"Atlantis"}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcptools.ErrToolExecution))
	assert.Contains(t, err.Error(), "unknown city: Atlantis")
}

func TestToolDefs(t *testing.T) {
	sess := &fakeSession{
		tools: []mcp.Tool{
			{Name: "get_weather", Description: "weather", InputSchema: weatherSchema(t)},
			{Name: "echo", Description: "echo"},
		},
	}
	list, err := mcptools.Discover(context.Background(), sess)
	require.NoError(t, err)

	defs := mcptools.ToolDefs(list)
	require.Len(t, defs, 2)
	assert.Equal(t, "function", defs[0].Type)
	require.NotNil(t, defs[0].Function)
	assert.Equal(t, "get_weather", defs[0].Function.Name)
	assert.Equal(t, "weather", defs[0].Function.Description)
	assert.Equal(t, "echo", defs[1].Function.Name)
}
