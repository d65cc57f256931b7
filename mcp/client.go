package mcp

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp/internal/protocol"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/mcpagent/mcp/transport/stdio"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "mcp")

// ErrConnection marks a failure to start the tool server or to complete the
// initialize handshake. Classify with errors.Is.
var ErrConnection = errors.New("connection failed")

// Client is the consumer side of the tool channel. It owns the transport it
// was created with; Close releases it.
type Client struct {
	protocol   *protocol.Protocol
	tr         transport.Transport
	clientInfo Implementation

	initialized bool
	serverInfo  Implementation
}

// NewClient creates a client over the given transport. Initialize must be
// called before any other operation.
func NewClient(tr transport.Transport) *Client {
	return &Client{
		protocol: protocol.NewProtocol(),
		tr:       tr,
		clientInfo: Implementation{
			Name:    "mcpagent",
			Version: "1.0.0",
		},
	}
}

// ConnectOption configures Connect.
type ConnectOption func(*connectConfig)

type connectConfig struct {
	pythonCommand string
	nodeCommand   string
}

// WithPythonCommand overrides the interpreter used for .py server scripts.
func WithPythonCommand(command string) ConnectOption {
	return func(c *connectConfig) {
		c.pythonCommand = command
	}
}

// WithNodeCommand overrides the interpreter used for .js server scripts.
func WithNodeCommand(command string) ConnectOption {
	return func(c *connectConfig) {
		c.nodeCommand = command
	}
}

// Connect starts the tool server script in a child process, connects over
// stdio and completes the initialize handshake. The interpreter is chosen by
// the script extension: .py runs under python3, .js under node. Whatever was
// acquired is released again if any step fails.
func Connect(ctx context.Context, serverScript string, opts ...ConnectOption) (*Client, error) {
	cfg := &connectConfig{
		pythonCommand: "python3",
		nodeCommand:   "node",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var command string
	switch strings.ToLower(filepath.Ext(serverScript)) {
	case ".py":
		command = cfg.pythonCommand
	case ".js":
		command = cfg.nodeCommand
	default:
		return nil, errors.WithMessagef(ErrConnection, "server script must be a .py or .js file: %s", serverScript)
	}

	client := NewClient(stdio.New(command, serverScript))
	if _, err := client.Initialize(ctx); err != nil {
		client.Close()
		return nil, errors.Mark(errors.WithMessagef(err, "failed to connect to %s", serverScript), ErrConnection)
	}

	logger.KV(xlog.INFO,
		"status", "connected",
		"server_script", serverScript,
		"server", client.serverInfo.Name,
	)
	return client, nil
}

// Initialize starts the transport and performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) (*InitializeResponse, error) {
	if c.initialized {
		return nil, errors.New("client already initialized")
	}

	if err := c.protocol.Connect(c.tr); err != nil {
		return nil, errors.Mark(errors.WithMessage(err, "failed to start transport"), ErrConnection)
	}

	req := InitializeRequest{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.clientInfo,
	}
	var resp InitializeResponse
	if err := c.protocol.Request(ctx, "initialize", req, &resp, nil); err != nil {
		return nil, errors.Mark(errors.WithMessage(err, "initialize handshake failed"), ErrConnection)
	}

	if err := c.protocol.Notification("notifications/initialized", struct{}{}); err != nil {
		return nil, errors.Mark(errors.WithMessage(err, "failed to confirm initialization"), ErrConnection)
	}

	c.initialized = true
	c.serverInfo = resp.ServerInfo
	return &resp, nil
}

// ListTools fetches the server's tool catalog. Order is preserved exactly as
// the server returned it.
func (c *Client) ListTools(ctx context.Context) (*ToolsResponse, error) {
	if !c.initialized {
		return nil, errors.New("client not initialized")
	}
	var resp ToolsResponse
	if err := c.protocol.Request(ctx, "tools/list", struct{}{}, &resp, nil); err != nil {
		return nil, errors.WithMessage(err, "failed to list tools")
	}
	return &resp, nil
}

// CallTool invokes a named tool with the given arguments and returns its raw
// result.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolResponse, error) {
	if !c.initialized {
		return nil, errors.New("client not initialized")
	}
	req := CallToolRequest{
		Name:      name,
		Arguments: arguments,
	}
	var resp ToolResponse
	if err := c.protocol.Request(ctx, "tools/call", req, &resp, nil); err != nil {
		return nil, errors.WithMessagef(err, "tool call failed: %s", name)
	}
	return &resp, nil
}

// ServerInfo returns the server identity from the handshake.
func (c *Client) ServerInfo() Implementation {
	return c.serverInfo
}

// Close releases the transport and the server process behind it. Cleanup
// errors are logged, not propagated, so they never mask the failure that
// triggered the cleanup.
func (c *Client) Close() {
	if err := c.protocol.Close(); err != nil {
		logger.KV(xlog.WARNING,
			"status", "close_failed",
			"server", c.serverInfo.Name,
			"err", err.Error(),
		)
		return
	}
	logger.KV(xlog.DEBUG, "status", "disconnected", "server", c.serverInfo.Name)
}
