package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/zjrosen/biomcp/internal/bridge"
	"github.com/zjrosen/biomcp/internal/config"
)

const openAIBaseURL = "https://api.openai.com"

func init() {
	RegisterProvider(config.ProviderOpenAI, NewOpenAI)
}

// OpenAI implements Backend for the Chat Completions API. Any endpoint that
// speaks the same wire format can reuse it under another provider name.
type OpenAI struct {
	name        string
	client      openai.Client
	opts        providerOptions
	model       string
	maxTokens   int64
	temperature float64
}

var _ Backend = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI backend.
func NewOpenAI(cfg config.ProviderConfig, opts ...ProviderOption) (Backend, error) {
	return newOpenAICompatible(config.ProviderOpenAI, openAIBaseURL, cfg, opts)
}

// newOpenAICompatible builds a Chat Completions client rooted at
// baseURL+"/v1/".
func newOpenAICompatible(name, baseURL string, cfg config.ProviderConfig, opts []ProviderOption) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingAPIKey)
	}
	o := resolveOptions(baseURL, cfg.BaseURL, opts)
	return &OpenAI{
		name: name,
		client: openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(o.baseURL+"/v1/"),
			option.WithHTTPClient(o.httpClient),
			option.WithMaxRetries(0),
		),
		opts:        o,
		model:       cfg.Model,
		maxTokens:   int64(maxTokensOr(cfg.MaxTokens)),
		temperature: cfg.Temperature,
	}, nil
}

func (o *OpenAI) Name() string  { return o.name }
func (o *OpenAI) Model() string { return o.model }

// openAITool mirrors the wire form of a declared tool.
type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type openAIThread struct {
	messages []openai.ChatCompletionMessageParamUnion
}

// DeclareTools implements Backend. Function parameters must be an object
// schema, so a tool with an empty or missing schema is declared with
// {"type":"object","properties":{}}.
func (o *OpenAI) DeclareTools(tools []bridge.ToolDescriptor) any {
	decl := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		decl = append(decl, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  shared.FunctionParameters(schemaMap(t.InputSchema)),
		}))
	}
	return decl
}

// ToolsFromDeclaration implements Backend.
func (o *OpenAI) ToolsFromDeclaration(decl any) ([]bridge.ToolDescriptor, error) {
	data, err := declarationJSON(decl)
	if err != nil {
		return nil, err
	}
	var tools []openAITool
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("decoding %s tools: %w", o.name, err)
	}
	out := make([]bridge.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if t.Type != "function" {
			continue
		}
		out = append(out, bridge.ToolDescriptor{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return out, nil
}

func (o *OpenAI) newThread(conv []ChatMessage) *openAIThread {
	th := &openAIThread{messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(conv))}
	for _, m := range conv {
		switch m.Role {
		case RoleSystem:
			th.messages = append(th.messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			th.messages = append(th.messages, openai.AssistantMessage(m.Content))
		default:
			th.messages = append(th.messages, openai.UserMessage(m.Content))
		}
	}
	return th
}

func (o *OpenAI) params(th *openAIThread, decl any) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model:     shared.ChatModel(o.model),
		Messages:  th.messages,
		MaxTokens: openai.Int(o.maxTokens),
	}
	if tools, ok := decl.([]openai.ChatCompletionToolUnionParam); ok && len(tools) > 0 {
		p.Tools = tools
		p.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("auto")}
	}
	if o.temperature > 0 {
		p.Temperature = openai.Float(o.temperature)
	}
	return p
}

func (o *OpenAI) apiError(ctx context.Context, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return statusError(o.name, apiErr.StatusCode, apiErr.RawJSON(), err)
	}
	return requestError(ctx, o.name, err)
}

func (o *OpenAI) round(ctx context.Context, th *openAIThread, decl any) (NormalizedReply, error) {
	ctx, span := startRound(ctx, o.opts, o.name, o.model, false)
	defer span.End()

	resp, err := o.client.Chat.Completions.New(ctx, o.params(th, decl))
	if err != nil {
		err = o.apiError(ctx, err)
		failRound(span, err)
		return NormalizedReply{}, err
	}
	if len(resp.Choices) == 0 {
		err := &ProviderAPIError{Provider: o.name, StatusCode: 200, Message: "response has no choices"}
		failRound(span, err)
		return NormalizedReply{}, err
	}

	msg := resp.Choices[0].Message
	reply := NormalizedReply{
		Text:  msg.Content,
		Usage: Usage{InputTokens: int(resp.Usage.PromptTokens), OutputTokens: int(resp.Usage.CompletionTokens)},
	}
	assistant := openai.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		assistant.Content.OfString = openai.String(msg.Content)
	}
	for _, call := range msg.ToolCalls {
		if call.Type != "" && call.Type != "function" {
			continue
		}
		args, err := decodeArguments([]byte(call.Function.Arguments))
		reply.ToolCallIntents = append(reply.ToolCallIntents, ToolCallIntent{
			ID:           call.ID,
			Name:         call.Function.Name,
			Arguments:    args,
			RawArguments: call.Function.Arguments,
			ArgumentsErr: err,
		})
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

	th.messages = append(th.messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
	reply.Thread = th
	return reply, nil
}

// Send implements Backend.
func (o *OpenAI) Send(ctx context.Context, conv []ChatMessage, decl any) (NormalizedReply, error) {
	return o.round(ctx, o.newThread(conv), decl)
}

// FollowUp implements Backend. Each outcome is sent as a tool message whose
// content is the JSON result payload.
func (o *OpenAI) FollowUp(ctx context.Context, prev NormalizedReply, decl any, results []CallRecord) (NormalizedReply, error) {
	th, ok := prev.Thread.(*openAIThread)
	if !ok {
		return NormalizedReply{}, fmt.Errorf("%s: follow-up without a thread", o.name)
	}
	next := &openAIThread{messages: append([]openai.ChatCompletionMessageParamUnion(nil), th.messages...)}
	for _, r := range results {
		payload, err := json.Marshal(r.resultPayload())
		if err != nil {
			return NormalizedReply{}, fmt.Errorf("%s: encoding tool result: %w", o.name, err)
		}
		next.messages = append(next.messages, openai.ToolMessage(string(payload), r.Intent.ID))
	}
	return o.round(ctx, next, decl)
}

// Stream implements Backend.
func (o *OpenAI) Stream(ctx context.Context, conv []ChatMessage, onChunk func(string)) (NormalizedReply, error) {
	ctx, span := startRound(ctx, o.opts, o.name, o.model, true)
	defer span.End()

	p := o.params(o.newThread(conv), nil)
	p.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := o.client.Chat.Completions.NewStreaming(ctx, p)
	defer stream.Close()

	var reply NormalizedReply
	var text strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		for _, c := range chunk.Choices {
			if c.Delta.Content == "" {
				continue
			}
			text.WriteString(c.Delta.Content)
			if onChunk != nil {
				onChunk(c.Delta.Content)
			}
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			reply.Usage = Usage{InputTokens: int(chunk.Usage.PromptTokens), OutputTokens: int(chunk.Usage.CompletionTokens)}
		}
	}
	if err := stream.Err(); err != nil {
		err = o.apiError(ctx, err)
		failRound(span, err)
		return NormalizedReply{}, err
	}
	reply.Text = text.String()
	return reply, nil
}
