package recorder_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/chat"
	"github.com/effective-security/mcpagent/recorder"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleConversation() []chat.Message {
	return []chat.Message{
		chat.SystemMessage("You are a helpful assistant."),
		chat.UserMessage("What is the weather in Lisbon?"),
		chat.AssistantMessage("", chat.ToolCall{
			ID:   "call_1",
			Type: "function",
			Function: chat.FunctionCall{
				Name:      "get_weather",
				Arguments: `{"city":"Lisbon"}`,
			},
		}),
		chat.ToolMessage("call_1", "15C, cloudy"),
		chat.AssistantMessage("It is 15C and cloudy in Lisbon."),
	}
}

func TestRecord(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "conversations")
	rec := recorder.New(dir)

	path, err := rec.Record(context.Background(), sampleConversation())
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Regexp(t, regexp.MustCompile(`^conversation_\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}_[0-9a-f]{8}\.json$`), filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 5)

	// role-specific fields only
	assert.Equal(t, "system", raw[0]["role"])
	assert.NotContains(t, raw[0], "tool_calls")
	assert.NotContains(t, raw[0], "tool_call_id")

	assistant := raw[2]
	assert.Equal(t, "assistant", assistant["role"])
	assert.NotContains(t, assistant, "content")
	calls, ok := assistant["tool_calls"].([]any)
	require.True(t, ok)
	require.Len(t, calls, 1)
	call := calls[0].(map[string]any)
	assert.Equal(t, "call_1", call["id"])
	assert.NotContains(t, call, "type")
	fn := call["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])
	assert.JSONEq(t, `{"city":"Lisbon"}`, fn["arguments"].(string))

	toolMsg := raw[3]
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "call_1", toolMsg["tool_call_id"])
	assert.Equal(t, "15C, cloudy", toolMsg["content"])
}

func TestRecord_EachSnapshotGetsOwnFile(t *testing.T) {
	rec := recorder.New(t.TempDir())
	conv := sampleConversation()

	p1, err := rec.Record(context.Background(), conv[:2])
	require.NoError(t, err)
	p2, err := rec.Record(context.Background(), conv)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)

	first, err := recorder.Load(p1)
	require.NoError(t, err)
	assert.Len(t, first, 2)
}

func TestRoundTrip(t *testing.T) {
	rec := recorder.New(t.TempDir())
	conv := sampleConversation()

	path, err := rec.Record(context.Background(), conv)
	require.NoError(t, err)

	got, err := recorder.Load(path)
	require.NoError(t, err)

	// Type is not persisted
	want := sampleConversation()
	want[2].ToolCalls[0].Type = ""
	assert.Empty(t, cmp.Diff(want, got))
}

func TestRecord_Invalid(t *testing.T) {
	rec := recorder.New(t.TempDir())

	tcases := []struct {
		name string
		conv []chat.Message
	}{
		{
			name: "unknown role",
			conv: []chat.Message{{Role: "narrator", Content: "once upon a time"}},
		},
		{
			name: "tool calls on user message",
			conv: []chat.Message{{
				Role:      chat.RoleUser,
				Content:   "hi",
				ToolCalls: []chat.ToolCall{{ID: "call_1", Function: chat.FunctionCall{Name: "echo"}}},
			}},
		},
		{
			name: "tool message without id",
			conv: []chat.Message{{Role: chat.RoleTool, Content: "result"}},
		},
		{
			name: "tool_call_id on assistant message",
			conv: []chat.Message{{Role: chat.RoleAssistant, Content: "hi", ToolCallID: "call_1"}},
		},
		{
			name: "incomplete tool call",
			conv: []chat.Message{{
				Role:      chat.RoleAssistant,
				ToolCalls: []chat.ToolCall{{Function: chat.FunctionCall{Name: "echo"}}},
			}},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rec.Record(context.Background(), tc.conv)
			require.Error(t, err)
			assert.True(t, errors.Is(err, recorder.ErrEncoding))
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := recorder.Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
