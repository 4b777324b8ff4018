package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrProvider     = "llm.provider"
	AttrModel        = "llm.model"
	AttrRound        = "llm.round"
	AttrIntents      = "llm.tool_intents"
	AttrInputTokens  = "llm.usage.input_tokens"
	AttrOutputTokens = "llm.usage.output_tokens"
	AttrHTTPStatus   = "http.response.status_code"
	AttrSessionID    = "chat.session_id"
	AttrFileID       = "bio.file_id"
)

// Span names.
const (
	SpanComplete = "llm.complete"
	SpanRound    = "llm.round"
	SpanChat     = "host.chat"
)

// Fail records err on span and marks it failed. A nil err is a no-op.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// ProviderAttrs returns the provider and model attributes for model spans.
func ProviderAttrs(provider, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrProvider, provider),
		attribute.String(AttrModel, model),
	}
}
