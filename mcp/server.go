package mcp

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp/internal/protocol"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/mcpagent/pkg/schema"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Server hosts tools behind the channel. Tool handlers are registered by
// reflection: `func(args T) (*ToolResponse, error)` or
// `func(ctx context.Context, args T) (*ToolResponse, error)`, where T is a
// struct whose JSON schema becomes the published input schema.
type Server struct {
	protocol   *protocol.Protocol
	tr         transport.Transport
	serverInfo Implementation

	mu        sync.RWMutex
	tools     map[string]*registeredTool
	toolOrder []string
}

type registeredTool struct {
	tool    Tool
	handler func(ctx context.Context, arguments json.RawMessage) (*ToolResponse, error)
}

// NewServer creates a server over the given transport.
func NewServer(tr transport.Transport) *Server {
	return &Server{
		protocol: protocol.NewProtocol(),
		tr:       tr,
		serverInfo: Implementation{
			Name:    "mcpagent",
			Version: "1.0.0",
		},
		tools: make(map[string]*registeredTool),
	}
}

// WithName sets the server identity reported in the handshake.
func (s *Server) WithName(name, version string) *Server {
	s.serverInfo = Implementation{Name: name, Version: version}
	return s
}

// RegisterTool publishes a tool. The input schema is derived from the
// handler's argument struct. Registration order is the catalog order.
func (s *Server) RegisterTool(name, description string, handler any) error {
	wrapped, inputSchema, err := wrapToolHandler(handler)
	if err != nil {
		return errors.WithMessagef(err, "invalid handler for tool %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[name]; ok {
		return errors.Newf("tool already registered: %s", name)
	}
	s.tools[name] = &registeredTool{
		tool: Tool{
			Name:        name,
			Description: description,
			InputSchema: inputSchema,
		},
		handler: wrapped,
	}
	s.toolOrder = append(s.toolOrder, name)
	return nil
}

// DeregisterTool removes a tool from the catalog.
func (s *Server) DeregisterTool(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[name]; !ok {
		return errors.Newf("tool not registered: %s", name)
	}
	delete(s.tools, name)
	for i, n := range s.toolOrder {
		if n == name {
			s.toolOrder = append(s.toolOrder[:i], s.toolOrder[i+1:]...)
			break
		}
	}
	return nil
}

func wrapToolHandler(handler any) (func(ctx context.Context, arguments json.RawMessage) (*ToolResponse, error), json.RawMessage, error) {
	hv := reflect.ValueOf(handler)
	ht := hv.Type()
	if ht.Kind() != reflect.Func {
		return nil, nil, errors.New("handler must be a function")
	}
	if ht.NumOut() != 2 || ht.Out(0) != reflect.TypeOf(&ToolResponse{}) || ht.Out(1) != errorType {
		return nil, nil, errors.New("handler must return (*ToolResponse, error)")
	}

	var argsType reflect.Type
	withContext := false
	switch ht.NumIn() {
	case 1:
		argsType = ht.In(0)
	case 2:
		if ht.In(0) != contextType {
			return nil, nil, errors.New("first argument must be context.Context")
		}
		argsType = ht.In(1)
		withContext = true
	default:
		return nil, nil, errors.New("handler must take (args) or (ctx, args)")
	}
	if argsType.Kind() != reflect.Struct {
		return nil, nil, errors.New("handler arguments must be a struct")
	}

	sc, err := schema.New(argsType)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to derive input schema")
	}
	inputSchema, err := json.Marshal(sc.Parameters)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to encode input schema")
	}

	wrapped := func(ctx context.Context, arguments json.RawMessage) (*ToolResponse, error) {
		args := reflect.New(argsType)
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, args.Interface()); err != nil {
				return nil, errors.Wrap(err, "failed to decode tool arguments")
			}
		}

		in := []reflect.Value{args.Elem()}
		if withContext {
			in = []reflect.Value{reflect.ValueOf(ctx), args.Elem()}
		}
		out := hv.Call(in)
		if !out[1].IsNil() {
			return nil, out[1].Interface().(error)
		}
		return out[0].Interface().(*ToolResponse), nil
	}
	return wrapped, inputSchema, nil
}

// Serve connects the protocol handlers and starts the transport.
func (s *Server) Serve() error {
	s.protocol.SetRequestHandler("initialize", s.handleInitialize)
	s.protocol.SetRequestHandler("tools/list", s.handleListTools)
	s.protocol.SetRequestHandler("tools/call", s.handleCallTool)
	return s.protocol.Connect(s.tr)
}

// Close shuts the server transport down.
func (s *Server) Close() error {
	return s.protocol.Close()
}

func (s *Server) handleInitialize(ctx context.Context, request *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
	return InitializeResponse{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo: s.serverInfo,
	}, nil
}

func (s *Server) handleListTools(ctx context.Context, request *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		tools = append(tools, s.tools[name].tool)
	}
	return ToolsResponse{Tools: tools}, nil
}

func (s *Server) handleCallTool(ctx context.Context, request *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return nil, errors.Wrap(err, "failed to decode tools/call params")
	}

	s.mu.RLock()
	reg := s.tools[params.Name]
	s.mu.RUnlock()

	if reg == nil {
		return nil, errors.Newf("unknown tool: %s", params.Name)
	}
	return reg.handler(ctx, params.Arguments)
}
