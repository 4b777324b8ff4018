package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zjrosen/biomcp/internal/bridge"
	"github.com/zjrosen/biomcp/internal/config"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	// anthropicRequestTimeout overrides the SDK's max_tokens based estimate,
	// which rejects non-streaming requests with large budgets.
	anthropicRequestTimeout = 10 * time.Minute
)

func init() {
	RegisterProvider(config.ProviderAnthropic, NewAnthropic)
}

// Anthropic implements Backend for the Messages API.
type Anthropic struct {
	client      anthropic.Client
	opts        providerOptions
	model       string
	maxTokens   int64
	temperature float64
}

var _ Backend = (*Anthropic)(nil)

// NewAnthropic creates an Anthropic backend. Retries are left to the
// adapter, so the SDK's own are disabled.
func NewAnthropic(cfg config.ProviderConfig, opts ...ProviderOption) (Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", config.ProviderAnthropic, ErrMissingAPIKey)
	}
	o := resolveOptions(anthropicBaseURL, cfg.BaseURL, opts)
	return &Anthropic{
		client: anthropic.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(o.baseURL+"/"),
			option.WithHTTPClient(o.httpClient),
			option.WithMaxRetries(0),
			option.WithRequestTimeout(anthropicRequestTimeout),
		),
		opts:        o,
		model:       cfg.Model,
		maxTokens:   int64(maxTokensOr(cfg.MaxTokens)),
		temperature: cfg.Temperature,
	}, nil
}

func (a *Anthropic) Name() string  { return config.ProviderAnthropic }
func (a *Anthropic) Model() string { return a.model }

// anthropicTool mirrors the wire form of a declared tool.
type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicThread struct {
	system   []anthropic.TextBlockParam
	messages []anthropic.MessageParam
}

// DeclareTools implements Backend. The Messages API requires an object
// input_schema, so a tool with an empty or missing schema is declared with
// {"type":"object","properties":{}}.
func (a *Anthropic) DeclareTools(tools []bridge.ToolDescriptor) any {
	decl := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropicSchema(t.InputSchema),
		}
		decl = append(decl, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return decl
}

func anthropicSchema(raw json.RawMessage) anthropic.ToolInputSchemaParam {
	fields := schemaMap(raw)
	schema := anthropic.ToolInputSchemaParam{Properties: fields["properties"]}
	if req, ok := fields["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				schema.Required = append(schema.Required, name)
			}
		}
	}
	delete(fields, "type")
	delete(fields, "properties")
	delete(fields, "required")
	if len(fields) > 0 {
		schema.ExtraFields = fields
	}
	return schema
}

// ToolsFromDeclaration implements Backend.
func (a *Anthropic) ToolsFromDeclaration(decl any) ([]bridge.ToolDescriptor, error) {
	data, err := declarationJSON(decl)
	if err != nil {
		return nil, err
	}
	var tools []anthropicTool
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("decoding anthropic tools: %w", err)
	}
	out := make([]bridge.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, bridge.ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out, nil
}

func (a *Anthropic) newThread(conv []ChatMessage) *anthropicThread {
	th := &anthropicThread{}
	var system []string
	for _, m := range conv {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			th.messages = append(th.messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			th.messages = append(th.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(system) > 0 {
		th.system = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	return th
}

func (a *Anthropic) params(th *anthropicThread, decl any) anthropic.MessageNewParams {
	p := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    th.system,
		Messages:  th.messages,
	}
	if tools, ok := decl.([]anthropic.ToolUnionParam); ok && len(tools) > 0 {
		p.Tools = tools
	}
	if a.temperature > 0 {
		p.Temperature = anthropic.Float(a.temperature)
	}
	return p
}

func (a *Anthropic) apiError(ctx context.Context, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return statusError(a.Name(), apiErr.StatusCode, apiErr.RawJSON(), err)
	}
	return requestError(ctx, a.Name(), err)
}

func (a *Anthropic) round(ctx context.Context, th *anthropicThread, decl any) (NormalizedReply, error) {
	ctx, span := startRound(ctx, a.opts, a.Name(), a.model, false)
	defer span.End()

	msg, err := a.client.Messages.New(ctx, a.params(th, decl))
	if err != nil {
		err = a.apiError(ctx, err)
		failRound(span, err)
		return NormalizedReply{}, err
	}

	reply := NormalizedReply{
		Usage: Usage{InputTokens: int(msg.Usage.InputTokens), OutputTokens: int(msg.Usage.OutputTokens)},
	}
	var text strings.Builder
	replay := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
			if block.Text != "" {
				replay = append(replay, anthropic.NewTextBlock(block.Text))
			}
		case "tool_use":
			args, err := decodeArguments(block.Input)
			reply.ToolCallIntents = append(reply.ToolCallIntents, ToolCallIntent{
				ID:           block.ID,
				Name:         block.Name,
				Arguments:    args,
				RawArguments: string(block.Input),
				ArgumentsErr: err,
			})
			input := any(args)
			if args == nil {
				input = map[string]any{}
			}
			replay = append(replay, anthropic.NewToolUseBlock(block.ID, input, block.Name))
		}
	}
	reply.Text = text.String()

	if len(replay) > 0 {
		th.messages = append(th.messages, anthropic.NewAssistantMessage(replay...))
	}
	reply.Thread = th
	return reply, nil
}

// Send implements Backend.
func (a *Anthropic) Send(ctx context.Context, conv []ChatMessage, decl any) (NormalizedReply, error) {
	return a.round(ctx, a.newThread(conv), decl)
}

// FollowUp implements Backend.
func (a *Anthropic) FollowUp(ctx context.Context, prev NormalizedReply, decl any, results []CallRecord) (NormalizedReply, error) {
	th, ok := prev.Thread.(*anthropicThread)
	if !ok {
		return NormalizedReply{}, fmt.Errorf("anthropic: follow-up without a thread")
	}
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(results))
	for _, r := range results {
		res := anthropic.ToolResultBlockParam{ToolUseID: r.Intent.ID}
		if text := r.resultText(); text != "" {
			res.Content = []anthropic.ToolResultBlockParamContentUnion{{OfText: &anthropic.TextBlockParam{Text: text}}}
		}
		if !r.Result.Success {
			res.IsError = anthropic.Bool(true)
		}
		blocks = append(blocks, anthropic.ContentBlockParamUnion{OfToolResult: &res})
	}
	next := &anthropicThread{
		system:   th.system,
		messages: append(append([]anthropic.MessageParam(nil), th.messages...), anthropic.NewUserMessage(blocks...)),
	}
	return a.round(ctx, next, decl)
}

// Stream implements Backend.
func (a *Anthropic) Stream(ctx context.Context, conv []ChatMessage, onChunk func(string)) (NormalizedReply, error) {
	ctx, span := startRound(ctx, a.opts, a.Name(), a.model, true)
	defer span.End()

	stream := a.client.Messages.NewStreaming(ctx, a.params(a.newThread(conv), nil))
	defer stream.Close()

	var reply NormalizedReply
	var text strings.Builder
	for stream.Next() {
		evt := stream.Current()
		switch evt.Type {
		case "message_start":
			reply.Usage.InputTokens = int(evt.Message.Usage.InputTokens)
		case "content_block_delta":
			if evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
				text.WriteString(evt.Delta.Text)
				if onChunk != nil {
					onChunk(evt.Delta.Text)
				}
			}
		case "message_delta":
			reply.Usage.OutputTokens = int(evt.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		err = a.apiError(ctx, err)
		failRound(span, err)
		return NormalizedReply{}, err
	}
	reply.Text = text.String()
	return reply, nil
}

// maxTokensOr returns n, or the default budget when unset.
func maxTokensOr(n int) int {
	if n <= 0 {
		return 4000
	}
	return n
}
