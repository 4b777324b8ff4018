package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/zjrosen/biomcp/internal/bridge"
	"github.com/zjrosen/biomcp/internal/config"
)

const (
	googleBaseURL    = "https://generativelanguage.googleapis.com"
	googleAPIVersion = "v1beta"
)

func init() {
	RegisterProvider(config.ProviderGoogle, NewGoogle)
}

// Google implements Backend for the Gemini generateContent API.
type Google struct {
	client      *genai.Client
	opts        providerOptions
	model       string
	maxTokens   int32
	temperature float64
}

var _ Backend = (*Google)(nil)

// NewGoogle creates a Gemini backend.
func NewGoogle(cfg config.ProviderConfig, opts ...ProviderOption) (Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", config.ProviderGoogle, ErrMissingAPIKey)
	}
	o := resolveOptions(googleBaseURL, cfg.BaseURL, opts)
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: o.httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    o.baseURL + "/",
			APIVersion: googleAPIVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: creating client: %w", config.ProviderGoogle, err)
	}
	return &Google{
		client:      client,
		opts:        o,
		model:       cfg.Model,
		maxTokens:   int32(maxTokensOr(cfg.MaxTokens)), //nolint:gosec // G115: configured budgets are small
		temperature: cfg.Temperature,
	}, nil
}

func (g *Google) Name() string  { return config.ProviderGoogle }
func (g *Google) Model() string { return g.model }

// geminiTool mirrors the wire form of a declared tool set.
type geminiTool struct {
	FunctionDeclarations []struct {
		Name                 string          `json:"name"`
		Description          string          `json:"description"`
		Parameters           json.RawMessage `json:"parameters"`
		ParametersJSONSchema json.RawMessage `json:"parametersJsonSchema"`
	} `json:"functionDeclarations"`
}

type geminiThread struct {
	system   *genai.Content
	contents []*genai.Content
	// modelIDs holds call ids assigned by the model rather than synthesized.
	modelIDs map[string]bool
}

// DeclareTools implements Backend. Gemini rejects empty parameter schemas,
// so tools without one declare no parameters.
func (g *Google) DeclareTools(tools []bridge.ToolDescriptor) any {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		d := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
		if !isEmptySchema(t.InputSchema) {
			d.ParametersJsonSchema = t.InputSchema
		}
		decls = append(decls, d)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// ToolsFromDeclaration implements Backend.
func (g *Google) ToolsFromDeclaration(decl any) ([]bridge.ToolDescriptor, error) {
	data, err := declarationJSON(decl)
	if err != nil {
		return nil, err
	}
	var tools []geminiTool
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("decoding google tools: %w", err)
	}
	var out []bridge.ToolDescriptor
	for _, t := range tools {
		for _, d := range t.FunctionDeclarations {
			schema := d.ParametersJSONSchema
			if len(schema) == 0 {
				schema = d.Parameters
			}
			if len(schema) == 0 {
				schema = json.RawMessage(`{}`)
			}
			out = append(out, bridge.ToolDescriptor{Name: d.Name, Description: d.Description, InputSchema: schema})
		}
	}
	return out, nil
}

func geminiRole(r Role) genai.Role {
	if r == RoleAssistant {
		return genai.RoleModel
	}
	return genai.RoleUser
}

func (g *Google) newThread(conv []ChatMessage) *geminiThread {
	th := &geminiThread{modelIDs: map[string]bool{}}
	var system []string
	for _, m := range conv {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		th.contents = append(th.contents, genai.NewContentFromText(m.Content, geminiRole(m.Role)))
	}
	if len(system) > 0 {
		th.system = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}
	return th
}

func (g *Google) config(th *geminiThread, decl any) *genai.GenerateContentConfig {
	c := &genai.GenerateContentConfig{
		SystemInstruction: th.system,
		MaxOutputTokens:   g.maxTokens,
	}
	if tools, ok := decl.([]*genai.Tool); ok && len(tools) > 0 && len(tools[0].FunctionDeclarations) > 0 {
		c.Tools = tools
	}
	if g.temperature > 0 {
		c.Temperature = genai.Ptr(float32(g.temperature))
	}
	return c
}

func (g *Google) apiError(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProviderAPIError{
			Provider:   g.Name(),
			StatusCode: apiErr.Code,
			Type:       apiErr.Status,
			Message:    apiErr.Message,
			Retryable:  retryableStatus(apiErr.Code) || retryableErrorType(apiErr.Status),
			Err:        err,
		}
	}
	return requestError(ctx, g.Name(), err)
}

func usageOf(resp *genai.GenerateContentResponse) Usage {
	if resp.UsageMetadata == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
		OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
	}
}

func (g *Google) round(ctx context.Context, th *geminiThread, decl any) (NormalizedReply, error) {
	ctx, span := startRound(ctx, g.opts, g.Name(), g.model, false)
	defer span.End()

	resp, err := g.client.Models.GenerateContent(ctx, g.model, th.contents, g.config(th, decl))
	if err != nil {
		err = g.apiError(ctx, err)
		failRound(span, err)
		return NormalizedReply{}, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		err := &ProviderAPIError{Provider: g.Name(), StatusCode: 200, Message: "response has no candidates"}
		failRound(span, err)
		return NormalizedReply{}, err
	}

	content := resp.Candidates[0].Content
	reply := NormalizedReply{Usage: usageOf(resp)}
	var text strings.Builder
	for _, part := range content.Parts {
		if part == nil {
			continue
		}
		text.WriteString(part.Text)
		call := part.FunctionCall
		if call == nil {
			continue
		}
		id := call.ID
		if id == "" {
			id = call.Name + "-" + strconv.Itoa(len(reply.ToolCallIntents))
		} else {
			th.modelIDs[id] = true
		}
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		raw, _ := json.Marshal(args)
		reply.ToolCallIntents = append(reply.ToolCallIntents, ToolCallIntent{
			ID:           id,
			Name:         call.Name,
			Arguments:    args,
			RawArguments: string(raw),
		})
	}
	reply.Text = text.String()

	content.Role = genai.RoleModel
	th.contents = append(th.contents, content)
	reply.Thread = th
	return reply, nil
}

// Send implements Backend.
func (g *Google) Send(ctx context.Context, conv []ChatMessage, decl any) (NormalizedReply, error) {
	return g.round(ctx, g.newThread(conv), decl)
}

// FollowUp implements Backend. Responses are keyed by function name, plus
// the call id when the model assigned one.
func (g *Google) FollowUp(ctx context.Context, prev NormalizedReply, decl any, results []CallRecord) (NormalizedReply, error) {
	th, ok := prev.Thread.(*geminiThread)
	if !ok {
		return NormalizedReply{}, fmt.Errorf("google: follow-up without a thread")
	}
	parts := make([]*genai.Part, 0, len(results))
	for _, r := range results {
		resp := map[string]any{"content": r.Result.Content}
		if !r.Result.Success {
			resp = map[string]any{"error": r.Result.Error}
		}
		fr := &genai.FunctionResponse{Name: r.Intent.Name, Response: resp}
		if th.modelIDs[r.Intent.ID] {
			fr.ID = r.Intent.ID
		}
		parts = append(parts, &genai.Part{FunctionResponse: fr})
	}
	next := &geminiThread{
		system:   th.system,
		contents: append(append([]*genai.Content(nil), th.contents...), &genai.Content{Role: genai.RoleUser, Parts: parts}),
		modelIDs: th.modelIDs,
	}
	return g.round(ctx, next, decl)
}

// Stream implements Backend.
func (g *Google) Stream(ctx context.Context, conv []ChatMessage, onChunk func(string)) (NormalizedReply, error) {
	ctx, span := startRound(ctx, g.opts, g.Name(), g.model, true)
	defer span.End()

	th := g.newThread(conv)
	var reply NormalizedReply
	var text strings.Builder
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, th.contents, g.config(th, nil)) {
		if err != nil {
			err = g.apiError(ctx, err)
			failRound(span, err)
			return NormalizedReply{}, err
		}
		if resp == nil {
			continue
		}
		for _, c := range resp.Candidates {
			if c.Content == nil {
				continue
			}
			for _, p := range c.Content.Parts {
				if p == nil || p.Text == "" {
					continue
				}
				text.WriteString(p.Text)
				if onChunk != nil {
					onChunk(p.Text)
				}
			}
		}
		if u := usageOf(resp); u.InputTokens > 0 || u.OutputTokens > 0 {
			reply.Usage = u
		}
	}
	reply.Text = text.String()
	return reply, nil
}
