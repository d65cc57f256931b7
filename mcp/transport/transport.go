// Package transport defines the pluggable transport abstraction the MCP
// protocol layer runs on, together with the JSON-RPC 2.0 message framing
// shared by all transports.
package transport

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// ProtocolVersion is the JSON-RPC protocol version sent in every message.
const ProtocolVersion = "2.0"

// RequestId is a JSON-RPC request identifier.
type RequestId int64

// JsonRpcBody is the result payload of a handled request.
type JsonRpcBody any

// Transport is a bidirectional message channel. Implementations deliver
// incoming messages to the handler set via SetMessageHandler and report
// out-of-band failures via the error handler.
type Transport interface {
	// Start begins processing messages, including any connection setup.
	Start(ctx context.Context) error
	// Send sends a JSON-RPC message (request, notification or response).
	Send(ctx context.Context, message *BaseJsonRpcMessage) error
	// Close closes the connection. The close handler fires exactly once.
	Close() error

	// SetCloseHandler sets the callback for when the connection is closed
	// for any reason.
	SetCloseHandler(handler func())
	// SetErrorHandler sets the callback for out-of-band errors. These are
	// not necessarily fatal.
	SetErrorHandler(handler func(error))
	// SetMessageHandler sets the callback for received messages.
	SetMessageHandler(handler func(ctx context.Context, message *BaseJsonRpcMessage))
}

// BaseJSONRPCRequest is an outgoing or incoming request that expects a
// response with the same Id.
type BaseJSONRPCRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      RequestId       `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCNotification is a one-way message that does not expect a
// response.
type BaseJSONRPCNotification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCResponse is a successful response correlated by Id.
type BaseJSONRPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      RequestId       `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// BaseJSONRPCErrorInner is the error object of an error response.
type BaseJSONRPCErrorInner struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// BaseJSONRPCError is an error response correlated by Id.
type BaseJSONRPCError struct {
	Jsonrpc string                `json:"jsonrpc"`
	Id      RequestId             `json:"id"`
	Error   BaseJSONRPCErrorInner `json:"error"`
}

// BaseMessageType discriminates the variants of BaseJsonRpcMessage.
type BaseMessageType string

const (
	BaseMessageTypeJSONRPCRequestType      BaseMessageType = "request"
	BaseMessageTypeJSONRPCNotificationType BaseMessageType = "notification"
	BaseMessageTypeJSONRPCResponseType     BaseMessageType = "response"
	BaseMessageTypeJSONRPCErrorType        BaseMessageType = "error"
)

// BaseJsonRpcMessage is a tagged union over the four JSON-RPC message kinds.
type BaseJsonRpcMessage struct {
	Type                BaseMessageType
	JsonRpcRequest      *BaseJSONRPCRequest
	JsonRpcNotification *BaseJSONRPCNotification
	JsonRpcResponse     *BaseJSONRPCResponse
	JsonRpcError        *BaseJSONRPCError
}

// NewBaseMessageRequest wraps a request into the message union.
func NewBaseMessageRequest(request *BaseJSONRPCRequest) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:           BaseMessageTypeJSONRPCRequestType,
		JsonRpcRequest: request,
	}
}

// NewBaseMessageNotification wraps a notification into the message union.
func NewBaseMessageNotification(notification *BaseJSONRPCNotification) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:                BaseMessageTypeJSONRPCNotificationType,
		JsonRpcNotification: notification,
	}
}

// NewBaseMessageResponse wraps a response into the message union.
func NewBaseMessageResponse(response *BaseJSONRPCResponse) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:            BaseMessageTypeJSONRPCResponseType,
		JsonRpcResponse: response,
	}
}

// NewBaseMessageError wraps an error response into the message union.
func NewBaseMessageError(errResp *BaseJSONRPCError) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:         BaseMessageTypeJSONRPCErrorType,
		JsonRpcError: errResp,
	}
}

// MarshalJSON serializes the active variant.
func (m *BaseJsonRpcMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return json.Marshal(m.JsonRpcRequest)
	case BaseMessageTypeJSONRPCNotificationType:
		return json.Marshal(m.JsonRpcNotification)
	case BaseMessageTypeJSONRPCResponseType:
		return json.Marshal(m.JsonRpcResponse)
	case BaseMessageTypeJSONRPCErrorType:
		return json.Marshal(m.JsonRpcError)
	}
	return nil, errors.Newf("unknown message type: %s", m.Type)
}

// DeserializeMessage classifies a raw JSON-RPC frame by key presence and
// decodes it into the message union. Field presence has to be inspected
// before decoding because encoding/json does not reject missing fields, so
// unmarshal-and-retry cannot tell the variants apart.
func DeserializeMessage(body []byte) (*BaseJsonRpcMessage, error) {
	var probe struct {
		Method *string         `json:"method"`
		Id     *RequestId      `json:"id"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, errors.Wrap(err, "invalid JSON-RPC frame")
	}

	switch {
	case probe.Method != nil && probe.Id != nil:
		var request BaseJSONRPCRequest
		if err := json.Unmarshal(body, &request); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal request")
		}
		return NewBaseMessageRequest(&request), nil
	case probe.Method != nil:
		var notification BaseJSONRPCNotification
		if err := json.Unmarshal(body, &notification); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal notification")
		}
		return NewBaseMessageNotification(&notification), nil
	case len(probe.Error) > 0 && string(probe.Error) != "null":
		var errResp BaseJSONRPCError
		if err := json.Unmarshal(body, &errResp); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal error response")
		}
		return NewBaseMessageError(&errResp), nil
	case probe.Id != nil:
		var response BaseJSONRPCResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal response")
		}
		return NewBaseMessageResponse(&response), nil
	}
	return nil, errors.New("received invalid message: not a request, notification, response or error")
}
