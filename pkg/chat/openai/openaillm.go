// Package openai implements the chat.Model interface over the official
// OpenAI SDK chat completions API.
package openai

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/chat"
	"github.com/effective-security/x/values"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

var (
	ErrEmptyResponse          = errors.New("openai: no response")
	ErrMissingToken           = errors.New("openai: missing API key, set it in the OPENAI_API_KEY environment variable")
	ErrUnsupportedMessageType = errors.New("openai: unsupported message type")
)

const DefaultMaxTokens = 4096

type LLM struct {
	Client *openai.Client
	opts   *options
}

var _ chat.Model = (*LLM)(nil)

// New returns a new OpenAI chat model. The API token is read from the
// OPENAI_API_KEY environment variable unless set with WithToken; a model
// name is required.
func New(opts ...Option) (*LLM, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	if len(options.token) == 0 {
		return nil, ErrMissingToken
	}
	if options.model == "" {
		return nil, errors.New("openai: model is required")
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(options.token),
	}
	if options.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(options.baseURL))
	}
	if options.httpClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(options.httpClient))
	}

	client := openai.NewClient(sdkOpts...)
	return &LLM{
		Client: &client,
		opts:   options,
	}, nil
}

// GetName implements the chat.Model interface.
func (o *LLM) GetName() string {
	return o.opts.model
}

// GetProviderType implements the chat.Model interface.
func (o *LLM) GetProviderType() chat.ProviderType {
	return chat.ProviderOpenAI
}

// GenerateContent implements the chat.Model interface.
func (o *LLM) GenerateContent(ctx context.Context, messages []chat.Message, options ...chat.CallOption) (*chat.ContentResponse, error) {
	opts := chat.CallOptions{
		Model: o.opts.model,
	}
	for _, opt := range options {
		opt(&opts)
	}

	params, err := BuildParams(messages, &opts)
	if err != nil {
		return nil, err
	}

	completion, err := o.Client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "openai: failed to create chat completion")
	}
	return ParseResponse(completion)
}

// BuildParams converts the conversation and call options into SDK chat
// completion parameters.
func BuildParams(messages []chat.Message, opts *chat.CallOptions) (openai.ChatCompletionNewParams, error) {
	sdkMessages, err := ProcessMessages(messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(opts.Model),
		Messages:            sdkMessages,
		MaxCompletionTokens: openai.Int(int64(values.NumbersCoalesce(opts.MaxTokens, DefaultMaxTokens))),
	}

	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if len(opts.StopWords) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: opts.StopWords,
		}
	}

	tools, err := ToTools(opts.Tools)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	return params, nil
}

// ParseResponse maps the SDK completion to the chat response shape.
func ParseResponse(completion *openai.ChatCompletion) (*chat.ContentResponse, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choices := make([]*chat.ContentChoice, len(completion.Choices))
	for i, c := range completion.Choices {
		choice := &chat.ContentChoice{
			Content:    c.Message.Content,
			StopReason: string(c.FinishReason),
		}
		for _, tc := range c.Message.ToolCalls {
			choice.ToolCalls = append(choice.ToolCalls, chat.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: chat.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		choices[i] = choice
	}
	return &chat.ContentResponse{Choices: choices}, nil
}

// ToTools converts chat tool definitions to SDK tool parameters.
func ToTools(tools []chat.Tool) ([]openai.ChatCompletionToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	sdkTools := make([]openai.ChatCompletionToolUnionParam, len(tools))
	for i, tool := range tools {
		if tool.Function == nil {
			return nil, errors.Newf("openai: tool %d has no function definition", i)
		}
		schema, err := chat.ParametersAsMap(tool.Function.Parameters)
		if err != nil {
			return nil, errors.WithMessagef(err, "openai: tool %q", tool.Function.Name)
		}

		fn := shared.FunctionDefinitionParam{
			Name:       tool.Function.Name,
			Parameters: shared.FunctionParameters(schema),
		}
		if tool.Function.Description != "" {
			fn.Description = openai.String(tool.Function.Description)
		}
		sdkTools[i] = openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: fn,
			},
		}
	}
	return sdkTools, nil
}

// ProcessMessages converts the flat conversation to SDK message unions.
func ProcessMessages(messages []chat.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	sdkMessages := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleSystem:
			sdkMessages = append(sdkMessages, openai.SystemMessage(msg.Content))
		case chat.RoleUser:
			sdkMessages = append(sdkMessages, openai.UserMessage(msg.Content))
		case chat.RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, call := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: call.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      call.Function.Name,
							Arguments: call.Function.Arguments,
						},
					},
				})
			}
			sdkMessages = append(sdkMessages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &assistant,
			})
		case chat.RoleTool:
			if msg.ToolCallID == "" {
				return nil, errors.New("openai: tool message without tool_call_id")
			}
			sdkMessages = append(sdkMessages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			return nil, errors.WithMessagef(ErrUnsupportedMessageType, "openai: %v", msg.Role)
		}
	}
	return sdkMessages, nil
}
