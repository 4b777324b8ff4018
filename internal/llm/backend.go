package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/biomcp/internal/bridge"
	"github.com/zjrosen/biomcp/internal/log"
	"github.com/zjrosen/biomcp/internal/tracing"
)

// Backend speaks one provider's chat API.
type Backend interface {
	Name() string
	Model() string
	// DeclareTools converts descriptors to the provider's tool declaration.
	DeclareTools(tools []bridge.ToolDescriptor) any
	// Send runs the first round. decl may be nil, in which case no tools
	// are offered.
	Send(ctx context.Context, conv []ChatMessage, decl any) (NormalizedReply, error)
	// FollowUp sends tool outcomes for the intents in prev.
	FollowUp(ctx context.Context, prev NormalizedReply, decl any, results []CallRecord) (NormalizedReply, error)
	// Stream runs a tool-less round, calling onChunk for each text delta.
	Stream(ctx context.Context, conv []ChatMessage, onChunk func(string)) (NormalizedReply, error)
	// ToolsFromDeclaration decodes a declaration produced by DeclareTools.
	ToolsFromDeclaration(decl any) ([]bridge.ToolDescriptor, error)
}

// ProviderOption configures a backend.
type ProviderOption func(*providerOptions)

type providerOptions struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) ProviderOption {
	return func(o *providerOptions) {
		o.baseURL = url
	}
}

// WithHTTPClient sets the HTTP client used for API requests.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(o *providerOptions) {
		o.httpClient = c
	}
}

// WithProviderTracer records a span per API round.
func WithProviderTracer(t trace.Tracer) ProviderOption {
	return func(o *providerOptions) {
		o.tracer = t
	}
}

func resolveOptions(defaultBaseURL, configured string, opts []ProviderOption) providerOptions {
	o := providerOptions{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		tracer:     noop.NewTracerProvider().Tracer("noop"),
	}
	if configured != "" {
		o.baseURL = configured
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.baseURL = strings.TrimRight(o.baseURL, "/")
	return o
}

// startRound opens the span covering one API round.
func startRound(ctx context.Context, o providerOptions, provider, model string, stream bool) (context.Context, trace.Span) {
	log.Debug(log.CatLLM, "API request", "provider", provider, "model", model, "stream", stream)
	return o.tracer.Start(ctx, tracing.SpanRound,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracing.ProviderAttrs(provider, model)...),
		trace.WithAttributes(attribute.Bool("llm.stream", stream)))
}

// failRound records err on span, with the HTTP status when the API sent one.
func failRound(span trace.Span, err error) {
	var apiErr *ProviderAPIError
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		span.SetAttributes(attribute.Int(tracing.AttrHTTPStatus, apiErr.StatusCode))
	}
	tracing.Fail(span, err)
}

// streamErrorPrefix is how the SDK stream decoders report in-band error events.
const streamErrorPrefix = "received error while streaming: "

type errorFields struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// parseErrorBody extracts the error type and message from a provider error
// payload, either wrapped in an "error" envelope or bare.
func parseErrorBody(raw string) (typ, msg string) {
	var body struct {
		errorFields
		Error *errorFields `json:"error"`
	}
	if json.Unmarshal([]byte(raw), &body) != nil {
		return "", ""
	}
	f := body.errorFields
	if body.Error != nil {
		f = *body.Error
	}
	typ = f.Type
	if typ == "" {
		typ = f.Status
	}
	return typ, f.Message
}

func retryableErrorType(typ string) bool {
	switch typ {
	case "overloaded_error", "api_error", "rate_limit_error", "server_error",
		"UNAVAILABLE", "RESOURCE_EXHAUSTED", "INTERNAL":
		return true
	}
	return false
}

// statusError converts an HTTP error response into a *ProviderAPIError.
func statusError(provider string, status int, raw string, err error) *ProviderAPIError {
	typ, msg := parseErrorBody(raw)
	if msg == "" {
		msg = strings.TrimSpace(raw)
	}
	log.Debug(log.CatLLM, "API error", "provider", provider, "status", status, "message", msg)
	return &ProviderAPIError{
		Provider:   provider,
		StatusCode: status,
		Type:       typ,
		Message:    msg,
		Retryable:  retryableStatus(status),
		Err:        err,
	}
}

// requestError classifies a failure that carried no HTTP error status:
// cancellation, in-band stream errors and transport failures.
func requestError(ctx context.Context, provider string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, raw, ok := strings.Cut(err.Error(), streamErrorPrefix); ok {
		typ, msg := parseErrorBody(raw)
		if msg == "" {
			msg = strings.TrimSpace(raw)
		}
		return &ProviderAPIError{Provider: provider, Type: typ, Message: msg, Retryable: retryableErrorType(typ)}
	}
	return &ProviderAPIError{Provider: provider, Retryable: true, Err: err}
}

// decodeArguments parses a JSON object of tool arguments. Empty input is an
// empty object.
func decodeArguments(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// declarationJSON re-encodes a declaration so decoders work from the wire
// form, whatever Go type DeclareTools produced.
func declarationJSON(decl any) ([]byte, error) {
	if decl == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(decl)
}

// isEmptySchema reports whether schema carries no constraints.
func isEmptySchema(schema json.RawMessage) bool {
	s := strings.TrimSpace(string(schema))
	return s == "" || s == "{}" || s == "null"
}

// objectSchema returns schema, or an empty object schema when it is missing.
func objectSchema(schema json.RawMessage) json.RawMessage {
	if isEmptySchema(schema) {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return schema
}

// schemaMap decodes objectSchema(schema). A schema that is not a JSON object
// becomes the empty object schema.
func schemaMap(schema json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(objectSchema(schema), &m); err != nil || m == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return m
}
