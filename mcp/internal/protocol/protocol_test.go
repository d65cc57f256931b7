package protocol_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp/internal/protocol"
	"github.com/effective-security/mcpagent/mcp/internal/testingutils"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Request_Response(t *testing.T) {
	tr := testingutils.NewMockTransport()
	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(tr))

	tr.SendHook = func(message *transport.BaseJsonRpcMessage) {
		if message.Type != transport.BaseMessageTypeJSONRPCRequestType {
			return
		}
		result, _ := json.Marshal(map[string]any{"ok": true})
		tr.Receive(context.Background(), transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
			Jsonrpc: transport.ProtocolVersion,
			Id:      message.JsonRpcRequest.Id,
			Result:  result,
		}))
	}

	var out struct {
		OK bool `json:"ok"`
	}
	err := p.Request(context.Background(), "tools/list", nil, &out, nil)
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func Test_Request_Error(t *testing.T) {
	tr := testingutils.NewMockTransport()
	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(tr))

	tr.SendHook = func(message *transport.BaseJsonRpcMessage) {
		if message.Type != transport.BaseMessageTypeJSONRPCRequestType {
			return
		}
		tr.Receive(context.Background(), transport.NewBaseMessageError(&transport.BaseJSONRPCError{
			Jsonrpc: transport.ProtocolVersion,
			Id:      message.JsonRpcRequest.Id,
			Error: transport.BaseJSONRPCErrorInner{
				Code:    -32000,
				Message: "tool exploded",
			},
		}))
	}

	err := p.Request(context.Background(), "tools/call", map[string]any{"name": "boom"}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool exploded")
}

func Test_Request_Timeout(t *testing.T) {
	tr := testingutils.NewMockTransport()
	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(tr))

	// no reply is ever delivered
	err := p.Request(context.Background(), "tools/list", nil, nil, &protocol.RequestOptions{
		Timeout: 20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")

	// a cancel notification was emitted after the request
	msgs := tr.GetMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, transport.BaseMessageTypeJSONRPCNotificationType, msgs[1].Type)
	assert.Equal(t, "notifications/cancelled", msgs[1].JsonRpcNotification.Method)
}

func Test_Request_SendFailure(t *testing.T) {
	tr := testingutils.NewMockTransport()
	tr.SendError = errors.New("pipe closed")
	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(tr))

	err := p.Request(context.Background(), "initialize", nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipe closed")
}

func Test_IncomingRequest_Handled(t *testing.T) {
	tr := testingutils.NewMockTransport()
	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(tr))

	p.SetRequestHandler("tools/list", func(ctx context.Context, req *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
		return map[string]any{"tools": []any{}}, nil
	})

	tr.Receive(context.Background(), transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
		Jsonrpc: transport.ProtocolVersion,
		Id:      5,
		Method:  "tools/list",
	}))

	require.Eventually(t, func() bool {
		return len(tr.GetMessages()) == 1
	}, time.Second, 5*time.Millisecond)

	msg := tr.GetMessages()[0]
	require.Equal(t, transport.BaseMessageTypeJSONRPCResponseType, msg.Type)
	assert.Equal(t, transport.RequestId(5), msg.JsonRpcResponse.Id)
}

func Test_IncomingRequest_UnknownMethod(t *testing.T) {
	tr := testingutils.NewMockTransport()
	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(tr))

	tr.Receive(context.Background(), transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
		Jsonrpc: transport.ProtocolVersion,
		Id:      9,
		Method:  "resources/list",
	}))

	require.Eventually(t, func() bool {
		return len(tr.GetMessages()) == 1
	}, time.Second, 5*time.Millisecond)

	msg := tr.GetMessages()[0]
	require.Equal(t, transport.BaseMessageTypeJSONRPCErrorType, msg.Type)
	assert.Contains(t, msg.JsonRpcError.Error.Message, "method not found")
}

func Test_Close_FailsPending(t *testing.T) {
	tr := testingutils.NewMockTransport()
	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(tr))

	done := make(chan error, 1)
	go func() {
		done <- p.Request(context.Background(), "tools/list", nil, nil, nil)
	}()

	// let the request register before closing
	require.Eventually(t, func() bool {
		return len(tr.GetMessages()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection closed")
	case <-time.After(time.Second):
		t.Fatal("pending request was not failed on close")
	}
}
