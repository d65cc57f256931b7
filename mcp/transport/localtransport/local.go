// Package localtransport provides an in-process pair of linked transports,
// used to run an MCP client and server inside one process in tests and
// embedded setups. Messages are serialized across the pair so behavior
// matches a real wire.
package localtransport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp/transport"
)

// Transport is one side of a linked pair.
type Transport struct {
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	mu             sync.RWMutex

	peer   *Transport
	closed bool
}

var _ transport.Transport = (*Transport)(nil)

// NewPair creates two linked transports; a message sent on one side is
// delivered to the other side's message handler.
func NewPair() (clientSide, serverSide *Transport) {
	a := &Transport{}
	b := &Transport{}
	a.peer = b
	b.peer = a
	return a, b
}

// Start implements Transport.Start. The pair is connected on creation.
func (t *Transport) Start(ctx context.Context) error {
	return nil
}

// Send implements Transport.Send by delivering the serialized message to the
// peer's handler.
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.RLock()
	closed := t.closed
	peer := t.peer
	t.mu.RUnlock()

	if closed || peer == nil {
		return errors.New("transport is closed")
	}

	jsonData, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	delivered, err := transport.DeserializeMessage(jsonData)
	if err != nil {
		return errors.Wrap(err, "failed to reparse message")
	}

	peer.mu.RLock()
	handler := peer.messageHandler
	peer.mu.RUnlock()

	if handler == nil {
		return errors.New("peer has no message handler")
	}
	handler(ctx, delivered)
	return nil
}

// Close implements Transport.Close and closes both sides.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	handler := t.closeHandler
	peer := t.peer
	t.mu.Unlock()

	if handler != nil {
		handler()
	}
	if peer != nil {
		return peer.Close()
	}
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler.
func (t *Transport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler.
func (t *Transport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler.
func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}
