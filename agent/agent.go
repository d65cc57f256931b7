// Package agent implements the tool-calling conversation loop: it sends the
// conversation to a chat model, dispatches any requested tool calls in
// order, and repeats until the model answers with plain text or the turn
// budget runs out.
package agent

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/chat"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/mcpagent/tools/mcptools"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "agent")

// ConversationRecorder persists a conversation snapshot and returns the
// path of the created record.
type ConversationRecorder interface {
	Record(ctx context.Context, conversation []chat.Message) (string, error)
}

// Agent drives a model over a fixed tool catalog. It keeps no state
// between queries: every ProcessQuery starts a fresh conversation.
type Agent struct {
	llm chat.Model
	cfg *Config

	name        string
	toolsByName map[string]tools.ITool
	tools       []tools.ITool
	llmToolDefs []chat.Tool
}

// New returns an Agent using the given model.
func New(llm chat.Model, options ...Option) *Agent {
	return &Agent{
		llm:  llm,
		cfg:  NewConfig(options...),
		name: "MCP Agent",
	}
}

// WithName sets the name of the Agent, used in logs and callbacks.
func (a *Agent) WithName(name string) *Agent {
	a.name = name
	return a
}

// Name returns the name of the Agent.
func (a *Agent) Name() string {
	return a.name
}

// GetTools returns the configured tools in catalog order.
func (a *Agent) GetTools() []tools.ITool {
	return a.tools
}

// WithTools adds new tools to the Agent, existing tools are not replaced.
// Catalog order is preserved for the model request.
func (a *Agent) WithTools(list ...tools.ITool) *Agent {
	if a.toolsByName == nil {
		a.toolsByName = make(map[string]tools.ITool)
	}
	for _, tool := range list {
		name := tool.Name()
		// use lowercase for the key
		nameLowerCase := strings.ToLower(name)
		if a.toolsByName[nameLowerCase] == nil {
			a.toolsByName[nameLowerCase] = tool
			a.tools = append(a.tools, tool)
		}
	}
	a.llmToolDefs = mcptools.ToolDefs(a.tools)
	return a
}

// ProcessQuery runs one query to completion and returns the full
// conversation. On failure the conversation built so far is returned
// together with the error.
func (a *Agent) ProcessQuery(ctx context.Context, query string) ([]chat.Message, error) {
	cfg := a.cfg
	callback := cfg.CallbackHandler
	if callback != nil {
		callback.OnAgentStart(ctx, a, query)
	}

	conversation, err := a.run(ctx, cfg, query)
	if err != nil {
		if callback != nil {
			callback.OnAgentError(ctx, a, query, err)
		}
		return conversation, err
	}

	if callback != nil {
		callback.OnAgentEnd(ctx, a, query, conversation)
	}
	return conversation, nil
}

func (a *Agent) run(ctx context.Context, cfg *Config, query string) ([]chat.Message, error) {
	if len(a.tools) > 0 && !a.llm.GetProviderType().Supports(chat.CapabilityFunctionCalling) {
		return nil, errors.Newf("agent %s: provider %s does not support tool calling", a.name, a.llm.GetProviderType())
	}

	var conversation []chat.Message
	if cfg.SystemPrompt != "" {
		conversation = append(conversation, chat.SystemMessage(cfg.SystemPrompt))
	}
	conversation = append(conversation, chat.UserMessage(query))

	callOpts := a.callOptions(cfg)
	maxTurns := values.NumbersCoalesce(cfg.MaxTurns, DefaultMaxTurns)

	for turn := 0; ; turn++ {
		if turn >= maxTurns {
			return conversation, errors.Mark(
				errors.Newf("agent %s: %d model calls", a.name, maxTurns), ErrTurnLimit)
		}

		if cfg.CallbackHandler != nil {
			cfg.CallbackHandler.OnLLMCallStart(ctx, a, conversation)
		}
		resp, err := a.llm.GenerateContent(ctx, conversation, callOpts...)
		if err != nil {
			return conversation, errors.WithMessagef(err, "agent %s: generate content", a.name)
		}
		if cfg.CallbackHandler != nil {
			cfg.CallbackHandler.OnLLMCallEnd(ctx, a, resp)
		}
		if len(resp.Choices) == 0 {
			return conversation, errors.Newf("agent %s: model returned no choices", a.name)
		}
		choice := resp.Choices[0]

		if len(choice.ToolCalls) == 0 {
			conversation = append(conversation, chat.AssistantMessage(choice.Content))
			if err := a.record(ctx, cfg, conversation); err != nil {
				return conversation, err
			}
			logger.ContextKV(ctx, xlog.DEBUG,
				"agent", a.name,
				"status", "completed",
				"turns", turn+1,
				"messages", len(conversation),
			)
			return conversation, nil
		}

		conversation = append(conversation, chat.AssistantMessage(choice.Content, choice.ToolCalls...))
		if err := a.record(ctx, cfg, conversation); err != nil {
			return conversation, err
		}

		conversation, err = a.executeToolCalls(ctx, cfg, conversation, choice.ToolCalls)
		if err != nil {
			return conversation, err
		}
	}
}

// executeToolCalls dispatches the requested calls strictly in order. The
// first failure aborts the batch, keeping results appended so far.
func (a *Agent) executeToolCalls(ctx context.Context, cfg *Config, conversation []chat.Message, calls []chat.ToolCall) ([]chat.Message, error) {
	callback := cfg.CallbackHandler
	for _, call := range calls {
		tool := a.toolsByName[strings.ToLower(call.Function.Name)]
		if tool == nil {
			err := errors.Newf("agent %s: unknown tool %q", a.name, call.Function.Name)
			logger.ContextKV(ctx, xlog.ERROR,
				"agent", a.name,
				"status", "unknown_tool",
				"tool", call.Function.Name,
				"call_id", call.ID,
			)
			return conversation, err
		}

		if callback != nil {
			callback.OnToolStart(ctx, tool, call.Function.Arguments)
		}
		result, err := tool.Call(ctx, call.Function.Arguments)
		if err != nil {
			if callback != nil {
				callback.OnToolError(ctx, tool, call.Function.Arguments, err)
			}
			logger.ContextKV(ctx, xlog.ERROR,
				"agent", a.name,
				"status", "tool_failed",
				"tool", tool.Name(),
				"call_id", call.ID,
				"err", err.Error(),
			)
			return conversation, errors.WithMessagef(err, "agent %s: tool %q", a.name, tool.Name())
		}
		if callback != nil {
			callback.OnToolEnd(ctx, tool, call.Function.Arguments, result)
		}

		conversation = append(conversation, chat.ToolMessage(call.ID, result))
		if err := a.record(ctx, cfg, conversation); err != nil {
			return conversation, err
		}
	}
	return conversation, nil
}

func (a *Agent) callOptions(cfg *Config) []chat.CallOption {
	opts := []chat.CallOption{
		chat.WithMaxTokens(values.NumbersCoalesce(cfg.MaxTokens, DefaultMaxTokens)),
	}
	if cfg.Model != "" {
		opts = append(opts, chat.WithModel(cfg.Model))
	}
	if cfg.temperatureSet {
		opts = append(opts, chat.WithTemperature(cfg.Temperature))
	}
	if len(a.llmToolDefs) > 0 {
		opts = append(opts, chat.WithTools(a.llmToolDefs))
	}
	return opts
}

func (a *Agent) record(ctx context.Context, cfg *Config, conversation []chat.Message) error {
	if cfg.Recorder == nil {
		return nil
	}
	path, err := cfg.Recorder.Record(ctx, conversation)
	if err != nil {
		return errors.WithMessagef(err, "agent %s: record conversation", a.name)
	}
	logger.ContextKV(ctx, xlog.DEBUG, "agent", a.name, "transcript", path)
	return nil
}
