// Package stdio implements a client-side MCP transport that spawns the tool
// server as a child process and exchanges newline-delimited JSON-RPC frames
// over its standard pipes.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "stdio")

// maxFrameSize bounds a single JSON-RPC frame read from the server.
const maxFrameSize = 4 * 1024 * 1024

// defaultWaitDelay bounds how long Close waits for the server process to
// exit after its stdin is closed.
const defaultWaitDelay = 5 * time.Second

// Transport spawns a server process on Start and frames messages over its
// stdin/stdout. The server's stderr is drained to the log.
type Transport struct {
	command string
	args    []string

	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	mu             sync.RWMutex

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	writeMu   sync.Mutex
	closeOnce sync.Once
	waitDelay time.Duration
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport that will run the given command with arguments.
func New(command string, args ...string) *Transport {
	return &Transport{
		command:   command,
		args:      args,
		waitDelay: defaultWaitDelay,
	}
}

// Start implements Transport.Start: it spawns the server process and begins
// reading frames from its stdout.
func (t *Transport) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, t.command, t.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start server process: %s", t.command)
	}
	t.cmd = cmd
	t.stdin = stdin

	logger.KV(xlog.DEBUG,
		"status", "server_process_started",
		"command", t.command,
		"pid", cmd.Process.Pid,
	)

	go t.readLoop(ctx, stdout)
	go t.drainStderr(stderr)

	return nil
}

func (t *Transport) readLoop(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := transport.DeserializeMessage(line)
		if err != nil {
			t.handleError(errors.WithMessage(err, "failed to parse frame from server"))
			continue
		}

		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()

		if handler != nil {
			handler(ctx, msg)
		}
	}
	if err := scanner.Err(); err != nil {
		t.handleError(errors.Wrap(err, "failed to read from server stdout"))
	}

	// EOF: the server went away
	t.fireClose()
}

func (t *Transport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.KV(xlog.DEBUG, "server_stderr", scanner.Text())
	}
}

// Send implements Transport.Send by writing one newline-terminated frame.
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	if t.stdin == nil {
		return errors.New("transport not started")
	}
	jsonData, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(jsonData, '\n')); err != nil {
		return errors.Wrap(err, "failed to write to server stdin")
	}
	return nil
}

// Close implements Transport.Close: it closes the server's stdin and waits
// for the process to exit. A server that ignores stdin EOF is killed after
// the wait delay.
func (t *Transport) Close() error {
	var err error
	if t.stdin != nil {
		err = t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		waited := make(chan error, 1)
		go func() { waited <- t.cmd.Wait() }()
		select {
		case werr := <-waited:
			if werr != nil && err == nil {
				err = werr
			}
		case <-time.After(t.waitDelay):
			logger.KV(xlog.WARNING,
				"status", "server_process_killed",
				"command", t.command,
				"wait_delay", t.waitDelay.String(),
			)
			_ = t.cmd.Process.Kill()
			<-waited
		}
	}
	t.fireClose()
	return err
}

func (t *Transport) fireClose() {
	t.closeOnce.Do(func() {
		t.mu.RLock()
		handler := t.closeHandler
		t.mu.RUnlock()
		if handler != nil {
			handler()
		}
	})
}

func (t *Transport) handleError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	} else {
		logger.KV(xlog.WARNING, "command", t.command, "err", err.Error())
	}
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
