package agent

import (
	"context"

	"github.com/effective-security/mcpagent/pkg/chat"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
)

// Callback receives agent lifecycle events.
// Tool dispatch events come from the embedded tools.Callback.
type Callback interface {
	tools.Callback

	OnAgentStart(ctx context.Context, agent *Agent, query string)
	OnAgentEnd(ctx context.Context, agent *Agent, query string, conversation []chat.Message)
	OnAgentError(ctx context.Context, agent *Agent, query string, err error)

	OnLLMCallStart(ctx context.Context, agent *Agent, messages []chat.Message)
	OnLLMCallEnd(ctx context.Context, agent *Agent, resp *chat.ContentResponse)
}

var (
	_ Callback       = (*NoopCallback)(nil)
	_ Callback       = (*LogCallback)(nil)
	_ tools.Callback = (*NoopCallback)(nil)
	_ tools.Callback = (*LogCallback)(nil)
)

// NoopCallback ignores all events.
type NoopCallback struct{}

func (NoopCallback) OnAgentStart(context.Context, *Agent, string)                {}
func (NoopCallback) OnAgentEnd(context.Context, *Agent, string, []chat.Message)  {}
func (NoopCallback) OnAgentError(context.Context, *Agent, string, error)         {}
func (NoopCallback) OnLLMCallStart(context.Context, *Agent, []chat.Message)      {}
func (NoopCallback) OnLLMCallEnd(context.Context, *Agent, *chat.ContentResponse) {}
func (NoopCallback) OnToolStart(context.Context, tools.ITool, string)            {}
func (NoopCallback) OnToolEnd(context.Context, tools.ITool, string, string)      {}
func (NoopCallback) OnToolError(context.Context, tools.ITool, string, error)     {}

// LogCallback writes events to the package logger.
type LogCallback struct {
	logger *xlog.PackageLogger
}

// NewLogCallback returns a callback logging to the given logger,
// or the package logger when nil.
func NewLogCallback(l *xlog.PackageLogger) *LogCallback {
	if l == nil {
		l = logger
	}
	return &LogCallback{logger: l}
}

func (l *LogCallback) OnAgentStart(ctx context.Context, agent *Agent, query string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"agent", agent.Name(),
		"status", "started",
		"query", slices.StringUpto(query, 64),
	)
}

func (l *LogCallback) OnAgentEnd(ctx context.Context, agent *Agent, query string, conversation []chat.Message) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"agent", agent.Name(),
		"status", "completed",
		"messages", len(conversation),
	)
}

func (l *LogCallback) OnAgentError(ctx context.Context, agent *Agent, query string, err error) {
	l.logger.ContextKV(ctx, xlog.ERROR,
		"agent", agent.Name(),
		"status", "failed",
		"query", slices.StringUpto(query, 64),
		"err", err.Error(),
	)
}

func (l *LogCallback) OnLLMCallStart(ctx context.Context, agent *Agent, messages []chat.Message) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"agent", agent.Name(),
		"status", "llm_call",
		"messages", len(messages),
	)
}

func (l *LogCallback) OnLLMCallEnd(ctx context.Context, agent *Agent, resp *chat.ContentResponse) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"agent", agent.Name(),
		"status", "llm_response",
		"choices", len(resp.Choices),
	)
}

func (l *LogCallback) OnToolStart(ctx context.Context, tool tools.ITool, input string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"tool", tool.Name(),
		"status", "started",
		"input", slices.StringUpto(input, 64),
	)
}

func (l *LogCallback) OnToolEnd(ctx context.Context, tool tools.ITool, input string, output string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"tool", tool.Name(),
		"status", "completed",
		"output", slices.StringUpto(output, 64),
	)
}

func (l *LogCallback) OnToolError(ctx context.Context, tool tools.ITool, input string, err error) {
	l.logger.ContextKV(ctx, xlog.ERROR,
		"tool", tool.Name(),
		"status", "failed",
		"input", slices.StringUpto(input, 64),
		"err", err.Error(),
	)
}
