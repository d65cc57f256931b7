package agent_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/agent"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/mcp/transport/localtransport"
	"github.com/effective-security/mcpagent/pkg/chat"
	"github.com/effective-security/mcpagent/recorder"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/mcpagent/tools/mcptools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel replays a fixed sequence of responses and records the
// conversations it was called with.
type scriptedModel struct {
	provider  chat.ProviderType
	responses []*chat.ContentResponse
	err       error

	calls    int
	seen     [][]chat.Message
	seenOpts []*chat.CallOptions
}

func (m *scriptedModel) GetName() string { return "scripted" }

func (m *scriptedModel) GetProviderType() chat.ProviderType {
	if m.provider == "" {
		return chat.ProviderOpenAI
	}
	return m.provider
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []chat.Message, options ...chat.CallOption) (*chat.ContentResponse, error) {
	snapshot := make([]chat.Message, len(messages))
	copy(snapshot, messages)
	m.seen = append(m.seen, snapshot)

	opts := &chat.CallOptions{}
	for _, o := range options {
		o(opts)
	}
	m.seenOpts = append(m.seenOpts, opts)

	if m.err != nil {
		return nil, m.err
	}
	if m.calls >= len(m.responses) {
		// keep requesting the last response, used by the turn limit test
		return m.responses[len(m.responses)-1], nil
	}
	resp := m.responses[m.calls]
	m.calls++
	return resp, nil
}

func textResponse(text string) *chat.ContentResponse {
	return &chat.ContentResponse{Choices: []*chat.ContentChoice{{Content: text, StopReason: "stop"}}}
}

func toolResponse(calls ...chat.ToolCall) *chat.ContentResponse {
	return &chat.ContentResponse{Choices: []*chat.ContentChoice{{StopReason: "tool_calls", ToolCalls: calls}}}
}

func toolCall(id, name, args string) chat.ToolCall {
	return chat.ToolCall{
		ID:       id,
		Type:     "function",
		Function: chat.FunctionCall{Name: name, Arguments: args},
	}
}

type weatherArgs struct {
	City string `json:"city" jsonschema:"required,description=City name"`
}

// mcpTools starts an in-process MCP server and returns its discovered tools.
func mcpTools(t *testing.T) []tools.ITool {
	t.Helper()

	clientSide, serverSide := localtransport.NewPair()
	server := mcp.NewServer(serverSide).WithName("weather", "0.1.0")

	err := server.RegisterTool("get_weather", "Get current weather for a city", func(args weatherArgs) (*mcp.ToolResponse, error) {
		if args.City == "Atlantis" {
			return mcp.NewToolErrorResponse("no such city"), nil
		}
		return mcp.NewToolResponse(mcp.NewTextContent("15C, cloudy in " + args.City)), nil
	})
	require.NoError(t, err)
	require.NoError(t, server.Serve())

	client := mcp.NewClient(clientSide)
	_, err = client.Initialize(context.Background())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	list, err := mcptools.Discover(context.Background(), client)
	require.NoError(t, err)
	return list
}

func Test_SingleTurn(t *testing.T) {
	model := &scriptedModel{responses: []*chat.ContentResponse{textResponse("4")}}
	rec := recorder.New(t.TempDir())

	a := agent.New(model, agent.WithRecorder(rec)).WithTools(mcpTools(t)...)

	conv, err := a.ProcessQuery(context.Background(), "What is 2+2?")
	require.NoError(t, err)
	require.Len(t, conv, 2)
	assert.Equal(t, chat.RoleUser, conv[0].Role)
	assert.Equal(t, "What is 2+2?", conv[0].Content)
	assert.Equal(t, chat.RoleAssistant, conv[1].Role)
	assert.Equal(t, "4", conv[1].Content)

	// tool schemas were offered even though none was used
	require.Len(t, model.seenOpts, 1)
	require.Len(t, model.seenOpts[0].Tools, 1)
	assert.Equal(t, "get_weather", model.seenOpts[0].Tools[0].Function.Name)
	assert.Equal(t, agent.DefaultMaxTokens, model.seenOpts[0].MaxTokens)

	// a single record, written with the final answer
	assert.Len(t, recordFiles(t, rec.Dir()), 1)
}

func Test_SystemPrompt(t *testing.T) {
	model := &scriptedModel{responses: []*chat.ContentResponse{textResponse("hello")}}
	a := agent.New(model, agent.WithSystemPrompt("You are terse."))

	conv, err := a.ProcessQuery(context.Background(), "hi")
	require.NoError(t, err)
	require.Len(t, conv, 3)
	assert.Equal(t, chat.RoleSystem, conv[0].Role)
	assert.Equal(t, "You are terse.", conv[0].Content)
	assert.Equal(t, chat.RoleUser, conv[1].Role)
}

func Test_WeatherToolFlow(t *testing.T) {
	model := &scriptedModel{responses: []*chat.ContentResponse{
		toolResponse(toolCall("call_1", "get_weather", `{"city":"Lisbon"}`)),
		textResponse("It is 15C and cloudy in Lisbon."),
	}}
	rec := recorder.New(t.TempDir())

	a := agent.New(model, agent.WithRecorder(rec)).WithTools(mcpTools(t)...)

	conv, err := a.ProcessQuery(context.Background(), "What is the weather in Lisbon?")
	require.NoError(t, err)
	require.Len(t, conv, 4)

	assert.Equal(t, chat.RoleAssistant, conv[1].Role)
	require.Len(t, conv[1].ToolCalls, 1)
	assert.Equal(t, "call_1", conv[1].ToolCalls[0].ID)

	assert.Equal(t, chat.RoleTool, conv[2].Role)
	assert.Equal(t, "call_1", conv[2].ToolCallID)
	assert.Equal(t, "15C, cloudy in Lisbon", conv[2].Content)

	assert.Equal(t, chat.RoleAssistant, conv[3].Role)
	assert.Equal(t, "It is 15C and cloudy in Lisbon.", conv[3].Content)

	// second model call saw the tool result
	require.Len(t, model.seen, 2)
	assert.Len(t, model.seen[1], 3)

	// records: assistant with tool calls, tool result, final assistant
	assert.Len(t, recordFiles(t, rec.Dir()), 3)
}

// orderTool records dispatch order.
type orderTool struct {
	name  string
	fail  bool
	order *[]string
}

func (t *orderTool) Name() string        { return t.name }
func (t *orderTool) Description() string { return t.name }
func (t *orderTool) Parameters() any     { return map[string]any{"type": "object"} }

func (t *orderTool) Call(ctx context.Context, input string) (string, error) {
	*t.order = append(*t.order, t.name)
	if t.fail {
		return "", errors.New("boom")
	}
	return t.name + " ok", nil
}

func Test_SequentialDispatchOrder(t *testing.T) {
	var order []string
	model := &scriptedModel{responses: []*chat.ContentResponse{
		toolResponse(
			toolCall("call_1", "t1", `{}`),
			toolCall("call_2", "t2", `{}`),
			toolCall("call_3", "t3", `{}`),
		),
		textResponse("done"),
	}}

	a := agent.New(model).WithTools(
		&orderTool{name: "t1", order: &order},
		&orderTool{name: "t2", order: &order},
		&orderTool{name: "t3", order: &order},
	)

	conv, err := a.ProcessQuery(context.Background(), "run all")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, order)

	// user, assistant, 3 tool results, final assistant
	require.Len(t, conv, 6)
	assert.Equal(t, "call_1", conv[2].ToolCallID)
	assert.Equal(t, "call_2", conv[3].ToolCallID)
	assert.Equal(t, "call_3", conv[4].ToolCallID)
}

func Test_FailFast(t *testing.T) {
	var order []string
	model := &scriptedModel{responses: []*chat.ContentResponse{
		toolResponse(
			toolCall("call_1", "t1", `{}`),
			toolCall("call_2", "t2", `{}`),
			toolCall("call_3", "t3", `{}`),
		),
	}}

	a := agent.New(model).WithTools(
		&orderTool{name: "t1", order: &order},
		&orderTool{name: "t2", fail: true, order: &order},
		&orderTool{name: "t3", order: &order},
	)

	conv, err := a.ProcessQuery(context.Background(), "run all")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t2")

	// t3 never dispatched
	assert.Equal(t, []string{"t1", "t2"}, order)

	// partial conversation keeps the first tool result
	require.Len(t, conv, 3)
	assert.Equal(t, "call_1", conv[2].ToolCallID)
}

func Test_TurnLimit(t *testing.T) {
	var order []string
	model := &scriptedModel{responses: []*chat.ContentResponse{
		toolResponse(toolCall("call_1", "t1", `{}`)),
	}}

	a := agent.New(model, agent.WithMaxTurns(3)).WithTools(&orderTool{name: "t1", order: &order})

	conv, err := a.ProcessQuery(context.Background(), "loop forever")
	require.Error(t, err)
	assert.True(t, errors.Is(err, agent.ErrTurnLimit))
	assert.Len(t, order, 3)
	// user + 3x (assistant + tool result)
	assert.Len(t, conv, 7)
}

func Test_ArgumentDecodeAborts(t *testing.T) {
	model := &scriptedModel{responses: []*chat.ContentResponse{
		toolResponse(toolCall("call_1", "get_weather", `{"city":`)),
	}}

	a := agent.New(model).WithTools(mcpTools(t)...)

	conv, err := a.ProcessQuery(context.Background(), "weather?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcptools.ErrArgumentDecode))
	// assistant message with the bad call stays in the conversation
	require.Len(t, conv, 2)
	assert.Equal(t, chat.RoleAssistant, conv[1].Role)
}

func Test_ToolErrorResult(t *testing.T) {
	model := &scriptedModel{responses: []*chat.ContentResponse{
		toolResponse(toolCall("call_1", "get_weather", `{"city":"Atlantis"}`)),
	}}

	a := agent.New(model).WithTools(mcpTools(t)...)

	_, err := a.ProcessQuery(context.Background(), "weather in Atlantis?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcptools.ErrToolExecution))
	assert.Contains(t, err.Error(), "no such city")
}

func Test_UnknownTool(t *testing.T) {
	model := &scriptedModel{responses: []*chat.ContentResponse{
		toolResponse(toolCall("call_1", "launch_rocket", `{}`)),
	}}

	a := agent.New(model).WithTools(mcpTools(t)...)

	conv, err := a.ProcessQuery(context.Background(), "launch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launch_rocket")
	assert.Len(t, conv, 2)
}

func Test_ModelError(t *testing.T) {
	model := &scriptedModel{err: errors.New("rate limited")}
	a := agent.New(model)

	conv, err := a.ProcessQuery(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	// the user message survives for inspection
	require.Len(t, conv, 1)
	assert.Equal(t, chat.RoleUser, conv[0].Role)
}

func Test_FreshConversationPerQuery(t *testing.T) {
	model := &scriptedModel{responses: []*chat.ContentResponse{
		textResponse("first"),
		textResponse("second"),
	}}
	a := agent.New(model)

	_, err := a.ProcessQuery(context.Background(), "one")
	require.NoError(t, err)
	conv, err := a.ProcessQuery(context.Background(), "two")
	require.NoError(t, err)

	require.Len(t, conv, 2)
	assert.Equal(t, "two", conv[0].Content)
	// the second call must not carry history from the first
	require.Len(t, model.seen, 2)
	assert.Len(t, model.seen[1], 1)
}

func Test_RecorderFailureIsFatal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "records")
	// a file where the directory should be makes MkdirAll fail
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o644))

	model := &scriptedModel{responses: []*chat.ContentResponse{textResponse("hi")}}
	a := agent.New(model, agent.WithRecorder(recorder.New(dir)))

	_, err := a.ProcessQuery(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, recorder.ErrEncoding))
}

func recordFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// eventCallback records lifecycle events in dispatch order.
type eventCallback struct {
	agent.NoopCallback
	events []string
}

var _ tools.Callback = (*eventCallback)(nil)

func (c *eventCallback) OnAgentStart(ctx context.Context, a *agent.Agent, query string) {
	c.events = append(c.events, "agent_start")
}

func (c *eventCallback) OnAgentEnd(ctx context.Context, a *agent.Agent, query string, conversation []chat.Message) {
	c.events = append(c.events, "agent_end")
}

func (c *eventCallback) OnToolStart(ctx context.Context, tool tools.ITool, input string) {
	c.events = append(c.events, "tool_start:"+tool.Name())
}

func (c *eventCallback) OnToolEnd(ctx context.Context, tool tools.ITool, input, output string) {
	c.events = append(c.events, "tool_end:"+tool.Name())
}

func Test_CallbackEvents(t *testing.T) {
	model := &scriptedModel{responses: []*chat.ContentResponse{
		toolResponse(toolCall("call_1", "get_weather", `{"city":"Lisbon"}`)),
		textResponse("It is 15C and cloudy in Lisbon."),
	}}
	cb := &eventCallback{}

	a := agent.New(model, agent.WithCallback(cb)).WithTools(mcpTools(t)...)

	_, err := a.ProcessQuery(context.Background(), "What is the weather in Lisbon?")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"agent_start",
		"tool_start:get_weather",
		"tool_end:get_weather",
		"agent_end",
	}, cb.events)
}
