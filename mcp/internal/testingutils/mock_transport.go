// Package testingutils provides hand-written test doubles for the MCP
// protocol and transport layers.
package testingutils

import (
	"context"
	"sync"

	"github.com/effective-security/mcpagent/mcp/transport"
)

// MockTransport records sent messages and lets a test inject incoming ones.
type MockTransport struct {
	mu             sync.Mutex
	messages       []*transport.BaseJsonRpcMessage
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	started        bool
	closed         bool

	// SendHook, when set, is invoked for every Send and may synthesize a
	// reply by calling Receive.
	SendHook func(message *transport.BaseJsonRpcMessage)
	// SendError, when set, is returned from Send.
	SendError error
}

var _ transport.Transport = (*MockTransport)(nil)

// NewMockTransport creates a new mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Start implements Transport.Start.
func (t *MockTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	return nil
}

// Send implements Transport.Send by recording the message.
func (t *MockTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.Lock()
	t.messages = append(t.messages, message)
	hook := t.SendHook
	sendErr := t.SendError
	t.mu.Unlock()

	if sendErr != nil {
		return sendErr
	}
	if hook != nil {
		hook(message)
	}
	return nil
}

// Close implements Transport.Close.
func (t *MockTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	handler := t.closeHandler
	t.mu.Unlock()
	if handler != nil {
		handler()
	}
	return nil
}

// Receive delivers a message to the registered message handler, as if it
// arrived from the wire.
func (t *MockTransport) Receive(ctx context.Context, message *transport.BaseJsonRpcMessage) {
	t.mu.Lock()
	handler := t.messageHandler
	t.mu.Unlock()
	if handler != nil {
		handler(ctx, message)
	}
}

// ReportError delivers an out-of-band error to the error handler.
func (t *MockTransport) ReportError(err error) {
	t.mu.Lock()
	handler := t.errorHandler
	t.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// GetMessages returns the messages sent so far.
func (t *MockTransport) GetMessages() []*transport.BaseJsonRpcMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*transport.BaseJsonRpcMessage{}, t.messages...)
}

// Closed reports whether Close was called.
func (t *MockTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// SetCloseHandler implements Transport.SetCloseHandler.
func (t *MockTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler.
func (t *MockTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler.
func (t *MockTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}
