// Package anthropic implements the chat.Model interface over the official
// Anthropic SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/chat"
	"github.com/effective-security/x/values"
)

var (
	ErrEmptyResponse          = errors.New("anthropic: no response")
	ErrMissingToken           = errors.New("anthropic: missing API key, set it in the ANTHROPIC_API_KEY environment variable")
	ErrUnsupportedMessageType = errors.New("anthropic: unsupported message type")
	ErrUnsupportedContentType = errors.New("anthropic: unsupported content type")
)

const DefaultMaxTokens = 4096

type LLM struct {
	Client  *anthropic.Client
	Options *Options
}

var _ chat.Model = (*LLM)(nil)

// New creates an Anthropic chat model. The API token is read from the
// ANTHROPIC_API_KEY environment variable unless set with WithToken; a model
// name is required.
func New(opts ...Option) (*LLM, error) {
	options := &Options{
		Token:      os.Getenv(TokenEnvVarName),
		BaseURL:    "https://api.anthropic.com",
		HttpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(options)
	}

	if len(options.Token) == 0 {
		return nil, ErrMissingToken
	}
	if options.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(options.Token),
		option.WithMaxRetries(2),
		option.WithRequestTimeout(5 * time.Minute),
	}
	if options.BaseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(options.BaseURL))
	}
	if options.HttpClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(options.HttpClient))
	}

	client := anthropic.NewClient(sdkOpts...)
	return &LLM{
		Client:  &client,
		Options: options,
	}, nil
}

// GetName implements the chat.Model interface.
func (o *LLM) GetName() string {
	return o.Options.Model
}

// GetProviderType implements the chat.Model interface.
func (o *LLM) GetProviderType() chat.ProviderType {
	return chat.ProviderAnthropic
}

// GenerateContent implements the chat.Model interface.
func (o *LLM) GenerateContent(ctx context.Context, messages []chat.Message, options ...chat.CallOption) (*chat.ContentResponse, error) {
	opts := chat.CallOptions{
		Model: o.Options.Model,
	}
	for _, opt := range options {
		opt(&opts)
	}

	params, err := BuildParams(messages, &opts)
	if err != nil {
		return nil, err
	}

	result, err := o.Client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "anthropic: failed to create message")
	}
	return ParseResponse(result)
}

// BuildParams converts the conversation and call options into SDK message
// parameters.
func BuildParams(messages []chat.Message, opts *chat.CallOptions) (anthropic.MessageNewParams, error) {
	sdkMessages, systemPrompt, err := ProcessMessages(messages)
	if err != nil {
		return anthropic.MessageNewParams{}, errors.Wrap(err, "anthropic: failed to process messages")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		Messages:  sdkMessages,
		MaxTokens: values.NumbersCoalesce(int64(opts.MaxTokens), DefaultMaxTokens),
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: systemPrompt,
			},
		}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if len(opts.StopWords) > 0 {
		params.StopSequences = opts.StopWords
	}

	tools, err := ToTools(opts.Tools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	return params, nil
}

// ParseResponse flattens the SDK content blocks into a single choice: text
// blocks are concatenated, tool use blocks become ordered tool calls.
func ParseResponse(result *anthropic.Message) (*chat.ContentResponse, error) {
	if result == nil || len(result.Content) == 0 {
		return nil, ErrEmptyResponse
	}

	var text strings.Builder
	var toolCalls []chat.ToolCall
	for _, contentBlock := range result.Content {
		switch content := contentBlock.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(content.Text)
		case anthropic.ToolUseBlock:
			argumentsJSON, err := json.Marshal(content.Input)
			if err != nil {
				return nil, errors.Wrap(err, "anthropic: failed to marshal tool use arguments")
			}
			toolCalls = append(toolCalls, chat.ToolCall{
				ID:   content.ID,
				Type: "function",
				Function: chat.FunctionCall{
					Name:      content.Name,
					Arguments: string(argumentsJSON),
				},
			})
		default:
			return nil, errors.WithMessagef(ErrUnsupportedContentType, "anthropic: %T", content)
		}
	}

	return &chat.ContentResponse{
		Choices: []*chat.ContentChoice{
			{
				Content:    text.String(),
				StopReason: string(result.StopReason),
				ToolCalls:  toolCalls,
			},
		},
	}, nil
}

// ToTools converts chat tool definitions to Anthropic SDK tool parameters.
func ToTools(tools []chat.Tool) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	sdkTools := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		if tool.Function == nil {
			return nil, errors.Newf("anthropic: tool %d has no function definition", i)
		}
		schema, err := chat.ParametersAsMap(tool.Function.Parameters)
		if err != nil {
			return nil, errors.WithMessagef(err, "anthropic: tool %q", tool.Function.Name)
		}

		inputSchema := anthropic.ToolInputSchemaParam{
			Type: "object",
		}
		if properties, ok := schema["properties"].(map[string]any); ok {
			inputSchema.Properties = properties
		}
		if required, ok := schema["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					inputSchema.Required = append(inputSchema.Required, s)
				}
			}
		}

		sdkTools[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Function.Name,
				Description: anthropic.String(tool.Function.Description),
				InputSchema: inputSchema,
			},
		}
	}
	return sdkTools, nil
}

// ProcessMessages converts the flat conversation to Anthropic SDK messages,
// extracting the system prompt. Tool results are sent as user messages with
// tool result blocks, per the Anthropic message format.
func ProcessMessages(messages []chat.Message) ([]anthropic.MessageParam, string, error) {
	chatMessages := make([]anthropic.MessageParam, 0, len(messages))
	systemPrompt := ""
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n" + msg.Content
			} else {
				systemPrompt = msg.Content
			}
		case chat.RoleUser:
			chatMessages = append(chatMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case chat.RoleAssistant:
			chatMessage, err := handleAssistantMessage(msg)
			if err != nil {
				return nil, "", err
			}
			chatMessages = append(chatMessages, chatMessage)
		case chat.RoleTool:
			if msg.ToolCallID == "" {
				return nil, "", errors.New("anthropic: tool message without tool_call_id")
			}
			chatMessages = append(chatMessages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			return nil, "", errors.WithMessagef(ErrUnsupportedMessageType, "anthropic: %v", msg.Role)
		}
	}
	return chatMessages, systemPrompt, nil
}

func handleAssistantMessage(msg chat.Message) (anthropic.MessageParam, error) {
	var contents []anthropic.ContentBlockParamUnion
	if msg.Content != "" {
		contents = append(contents, anthropic.NewTextBlock(msg.Content))
	}
	for _, call := range msg.ToolCalls {
		var inputJSON json.RawMessage
		if err := json.Unmarshal([]byte(call.Function.Arguments), &inputJSON); err != nil {
			return anthropic.MessageParam{}, errors.Wrap(err, "anthropic: failed to unmarshal tool call arguments")
		}
		contents = append(contents, anthropic.NewToolUseBlock(call.ID, inputJSON, call.Function.Name))
	}
	if len(contents) == 0 {
		return anthropic.MessageParam{}, errors.New("anthropic: no valid content in assistant message")
	}
	return anthropic.NewAssistantMessage(contents...), nil
}
