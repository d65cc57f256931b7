// Package protocol implements the JSON-RPC layer of the MCP channel on top
// of a pluggable transport: request/response correlation, per-request
// timeouts, notification dispatch and error propagation. Both the client and
// the server sit on this layer.
package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "protocol")

// DefaultRequestTimeout bounds a request when the caller does not set one.
const DefaultRequestTimeout = 60 * time.Second

// RequestHandler handles an incoming request and returns the result body or
// an error. The context ends if the remote side cancels the request.
type RequestHandler func(ctx context.Context, request *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error)

// NotificationHandler handles an incoming one-way notification.
type NotificationHandler func(notification *transport.BaseJSONRPCNotification) error

// RequestOptions contains options that can be given per request.
type RequestOptions struct {
	// Timeout specifies a timeout for this request. If not set,
	// DefaultRequestTimeout is used.
	Timeout time.Duration
}

// Protocol implements MCP message framing on top of a transport, linking
// requests to responses by id.
type Protocol struct {
	transport transport.Transport

	mu               sync.RWMutex
	requestMessageID transport.RequestId

	requestHandlers      map[string]RequestHandler
	requestCancellers    map[transport.RequestId]context.CancelFunc
	notificationHandlers map[string]NotificationHandler
	responseHandlers     map[transport.RequestId]chan *responseEnvelope

	// OnClose is called when the connection is closed for any reason.
	OnClose func()
	// OnError is called when an out-of-band error occurs.
	OnError func(error)
}

type responseEnvelope struct {
	response json.RawMessage
	err      error
}

// NewProtocol creates a new Protocol instance.
func NewProtocol() *Protocol {
	p := &Protocol{
		requestHandlers:      make(map[string]RequestHandler),
		requestCancellers:    make(map[transport.RequestId]context.CancelFunc),
		notificationHandlers: make(map[string]NotificationHandler),
		responseHandlers:     make(map[transport.RequestId]chan *responseEnvelope),
	}

	p.SetNotificationHandler("notifications/cancelled", p.handleCancelledNotification)

	return p
}

// Connect attaches to the given transport, starts it, and starts listening
// for messages.
func (p *Protocol) Connect(tr transport.Transport) error {
	p.transport = tr

	tr.SetCloseHandler(func() {
		p.handleClose()
	})

	tr.SetErrorHandler(func(err error) {
		p.handleError(err)
	})

	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		switch message.Type {
		case transport.BaseMessageTypeJSONRPCRequestType:
			p.handleRequest(ctx, message.JsonRpcRequest)
		case transport.BaseMessageTypeJSONRPCNotificationType:
			p.handleNotification(message.JsonRpcNotification)
		case transport.BaseMessageTypeJSONRPCResponseType:
			p.handleResponse(message.JsonRpcResponse, nil)
		case transport.BaseMessageTypeJSONRPCErrorType:
			p.handleResponse(nil, message.JsonRpcError)
		}
	})

	return tr.Start(context.Background())
}

func (p *Protocol) handleClose() {
	p.mu.Lock()

	for _, cancel := range p.requestCancellers {
		cancel()
	}

	for id, ch := range p.responseHandlers {
		ch <- &responseEnvelope{err: errors.New("connection closed")}
		close(ch)
		delete(p.responseHandlers, id)
	}

	onClose := p.OnClose
	p.requestCancellers = make(map[transport.RequestId]context.CancelFunc)
	p.responseHandlers = make(map[transport.RequestId]chan *responseEnvelope)
	p.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

func (p *Protocol) handleError(err error) {
	if p.OnError != nil {
		p.OnError(err)
	} else {
		logger.KV(xlog.WARNING, "status", "protocol_error", "err", err.Error())
	}
}

func (p *Protocol) handleNotification(notification *transport.BaseJSONRPCNotification) {
	logger.KV(xlog.DEBUG, "method", notification.Method)

	p.mu.RLock()
	handler := p.notificationHandlers[notification.Method]
	p.mu.RUnlock()

	if handler == nil {
		return
	}

	go func() {
		if err := handler(notification); err != nil {
			p.handleError(errors.WithMessage(err, "notification handler error"))
		}
	}()
}

func (p *Protocol) handleRequest(ctx context.Context, request *transport.BaseJSONRPCRequest) {
	logger.KV(xlog.DEBUG,
		"method", request.Method,
		"id", request.Id,
	)

	p.mu.RLock()
	handler := p.requestHandlers[request.Method]
	p.mu.RUnlock()

	if handler == nil {
		handler = func(ctx context.Context, req *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
			return nil, errors.Newf("method not found: %s", req.Method)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.requestCancellers[request.Id] = cancel
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.requestCancellers, request.Id)
			p.mu.Unlock()
			cancel()
		}()

		result, err := handler(ctx, request)
		if err != nil {
			logger.KV(xlog.DEBUG, "method", request.Method, "id", request.Id, "err", err.Error())
			_ = p.sendErrorResponse(request.Id, err)
			return
		}

		jsonResult, err := json.Marshal(result)
		if err != nil {
			_ = p.sendErrorResponse(request.Id, errors.Wrap(err, "failed to marshal result"))
			return
		}
		response := &transport.BaseJSONRPCResponse{
			Jsonrpc: transport.ProtocolVersion,
			Id:      request.Id,
			Result:  jsonResult,
		}

		if err := p.transport.Send(ctx, transport.NewBaseMessageResponse(response)); err != nil {
			p.handleError(errors.WithMessage(err, "failed to send response"))
		}
	}()
}

func (p *Protocol) handleCancelledNotification(notification *transport.BaseJSONRPCNotification) error {
	var params struct {
		RequestId transport.RequestId `json:"requestId"`
		Reason    string              `json:"reason"`
	}

	if err := json.Unmarshal(notification.Params, &params); err != nil {
		return errors.Wrap(err, "failed to unmarshal cancelled params")
	}

	p.mu.RLock()
	cancel := p.requestCancellers[params.RequestId]
	p.mu.RUnlock()

	if cancel != nil {
		cancel()
	}

	return nil
}

func (p *Protocol) handleResponse(response *transport.BaseJSONRPCResponse, errResp *transport.BaseJSONRPCError) {
	var id transport.RequestId
	var result json.RawMessage
	var err error

	if errResp != nil {
		id = errResp.Id
		err = errors.Newf("RPC error %d: %s", errResp.Error.Code, errResp.Error.Message)
	} else {
		id = response.Id
		result = response.Result
	}

	p.mu.RLock()
	ch := p.responseHandlers[id]
	p.mu.RUnlock()

	if ch != nil {
		ch <- &responseEnvelope{
			response: result,
			err:      err,
		}
	}
}

// Close closes the connection.
func (p *Protocol) Close() error {
	if p.transport != nil {
		return p.transport.Close()
	}
	return nil
}

// Request sends a request and waits for a response, decoding the result into
// out when out is not nil.
func (p *Protocol) Request(ctx context.Context, method string, params any, out any, opts *RequestOptions) error {
	if p.transport == nil {
		return errors.New("not connected")
	}

	if opts == nil {
		opts = &RequestOptions{}
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	p.mu.Lock()
	id := p.requestMessageID
	p.requestMessageID++
	ch := make(chan *responseEnvelope, 1)
	p.responseHandlers[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.responseHandlers, id)
		p.mu.Unlock()
	}()

	marshalledParams, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal params")
	}

	request := &transport.BaseJSONRPCRequest{
		Jsonrpc: transport.ProtocolVersion,
		Method:  method,
		Params:  marshalledParams,
		Id:      id,
	}

	if err := p.transport.Send(ctx, transport.NewBaseMessageRequest(request)); err != nil {
		return errors.WithMessagef(err, "failed to send request: %s", method)
	}

	select {
	case envelope := <-ch:
		if envelope.err != nil {
			return envelope.err
		}
		if out != nil && len(envelope.response) > 0 {
			if err := json.Unmarshal(envelope.response, out); err != nil {
				return errors.Wrapf(err, "failed to decode result: %s", method)
			}
		}
		return nil
	case <-ctx.Done():
		p.sendCancelNotification(id, ctx.Err().Error())
		return errors.WithStack(ctx.Err())
	case <-time.After(timeout):
		p.sendCancelNotification(id, "request timeout")
		return errors.Newf("request timeout after %v: %s", timeout, method)
	}
}

func (p *Protocol) sendCancelNotification(requestID transport.RequestId, reason string) {
	params := map[string]any{
		"requestId": requestID,
		"reason":    reason,
	}
	if err := p.Notification("notifications/cancelled", params); err != nil {
		p.handleError(errors.WithMessage(err, "failed to send cancel notification"))
	}
}

func (p *Protocol) sendErrorResponse(requestID transport.RequestId, err error) error {
	response := &transport.BaseJSONRPCError{
		Jsonrpc: transport.ProtocolVersion,
		Id:      requestID,
		Error: transport.BaseJSONRPCErrorInner{
			Code:    -32000, // Internal error
			Message: err.Error(),
		},
	}
	ctx := context.Background()

	if err := p.transport.Send(ctx, transport.NewBaseMessageError(response)); err != nil {
		p.handleError(errors.WithMessage(err, "failed to send error response"))
	}
	return nil
}

// Notification emits a one-way message that does not expect a response.
func (p *Protocol) Notification(method string, params any) error {
	if p.transport == nil {
		return errors.New("not connected")
	}

	marshalled, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification params")
	}

	notification := &transport.BaseJSONRPCNotification{
		Jsonrpc: transport.ProtocolVersion,
		Method:  method,
		Params:  marshalled,
	}

	return p.transport.Send(context.Background(), transport.NewBaseMessageNotification(notification))
}

// SetRequestHandler registers a handler for the given request method.
func (p *Protocol) SetRequestHandler(method string, handler RequestHandler) {
	p.mu.Lock()
	p.requestHandlers[method] = handler
	p.mu.Unlock()
}

// RemoveRequestHandler removes the request handler for the given method.
func (p *Protocol) RemoveRequestHandler(method string) {
	p.mu.Lock()
	delete(p.requestHandlers, method)
	p.mu.Unlock()
}

// SetNotificationHandler registers a handler for the given notification
// method.
func (p *Protocol) SetNotificationHandler(method string, handler NotificationHandler) {
	p.mu.Lock()
	p.notificationHandlers[method] = handler
	p.mu.Unlock()
}
