package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/zjrosen/biomcp/internal/bridge"
	"github.com/zjrosen/biomcp/internal/config"
	"github.com/zjrosen/biomcp/internal/tracing"
)

func TestRegistry_AllProvidersRegistered(t *testing.T) {
	require.Equal(t, []string{"aliyun", "anthropic", "google", "openai"}, RegisteredProviders())
	for _, name := range config.ProviderNames {
		require.True(t, IsRegistered(name), name)
	}
	require.False(t, IsRegistered("cohere"))
}

func TestNewBackend_UnknownProvider(t *testing.T) {
	_, err := NewBackend("cohere", config.ProviderConfig{APIKey: "k"})
	require.ErrorIs(t, err, ErrUnknownProvider)
	require.Contains(t, err.Error(), "cohere")
}

func TestNewBackend_MissingAPIKey(t *testing.T) {
	for _, name := range config.ProviderNames {
		_, err := NewBackend(name, config.ProviderConfig{Model: "m"})
		require.ErrorIs(t, err, ErrMissingAPIKey, name)
	}
}

func TestNewBackend_NameAndModel(t *testing.T) {
	for _, name := range config.ProviderNames {
		b, err := NewBackend(name, config.ProviderConfig{APIKey: "k", Model: "model-x"})
		require.NoError(t, err)
		require.Equal(t, name, b.Name())
		require.Equal(t, "model-x", b.Model())
	}
}

func TestDeclarations_RoundTripNameAndDescription(t *testing.T) {
	backends := make([]Backend, 0, len(config.ProviderNames))
	for _, name := range config.ProviderNames {
		b, err := NewBackend(name, config.ProviderConfig{APIKey: "k", Model: "m"})
		require.NoError(t, err)
		backends = append(backends, b)
	}

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(t, "n")
		tools := make([]bridge.ToolDescriptor, n)
		for i := range tools {
			tools[i] = bridge.ToolDescriptor{
				Name:        rapid.StringMatching(`[a-z][a-z0-9_]{0,30}`).Draw(t, "name"),
				Description: rapid.String().Draw(t, "description"),
				InputSchema: rapid.SampledFrom([]json.RawMessage{
					json.RawMessage(`{}`),
					json.RawMessage(`{"type":"object","properties":{"file_id":{"type":"string"}}}`),
				}).Draw(t, "schema"),
			}
		}

		for _, b := range backends {
			decl := b.DeclareTools(tools)
			back, err := b.ToolsFromDeclaration(decl)
			if err != nil {
				t.Fatalf("%s: %v", b.Name(), err)
			}
			if len(back) != len(tools) {
				t.Fatalf("%s: got %d tools, want %d", b.Name(), len(back), len(tools))
			}
			for i := range tools {
				if back[i].Name != tools[i].Name || back[i].Description != tools[i].Description {
					t.Fatalf("%s: tool %d = %q/%q, want %q/%q", b.Name(), i,
						back[i].Name, back[i].Description, tools[i].Name, tools[i].Description)
				}
			}
		}
	})
}

func TestDeclarations_SchemaHandling(t *testing.T) {
	tools := []bridge.ToolDescriptor{{Name: "list_files", Description: "List", InputSchema: json.RawMessage(`{}`)}}

	anthropic, err := NewBackend(config.ProviderAnthropic, config.ProviderConfig{APIKey: "k"})
	require.NoError(t, err)
	data, err := json.Marshal(anthropic.DeclareTools(tools))
	require.NoError(t, err)
	require.JSONEq(t, `[{"name":"list_files","description":"List","input_schema":{"type":"object","properties":{}}}]`, string(data))

	openai, err := NewBackend(config.ProviderOpenAI, config.ProviderConfig{APIKey: "k"})
	require.NoError(t, err)
	data, err = json.Marshal(openai.DeclareTools(tools))
	require.NoError(t, err)
	require.JSONEq(t, `[{"type":"function","function":{"name":"list_files","description":"List",
		"parameters":{"type":"object","properties":{}}}}]`, string(data))

	google, err := NewBackend(config.ProviderGoogle, config.ProviderConfig{APIKey: "k"})
	require.NoError(t, err)
	data, err = json.Marshal(google.DeclareTools(tools))
	require.NoError(t, err)
	require.JSONEq(t, `[{"functionDeclarations":[{"name":"list_files","description":"List"}]}]`, string(data))
}

func TestToolsFromDeclaration_AcceptsWireJSON(t *testing.T) {
	b, err := NewBackend(config.ProviderOpenAI, config.ProviderConfig{APIKey: "k"})
	require.NoError(t, err)

	var decl any
	require.NoError(t, json.Unmarshal([]byte(`[{"type":"function","function":{"name":"a","description":"b","parameters":{}}}]`), &decl))
	tools, err := b.ToolsFromDeclaration(decl)
	require.NoError(t, err)
	require.Equal(t, "a", tools[0].Name)
	require.Equal(t, "b", tools[0].Description)

	_, err = b.ToolsFromDeclaration(map[string]any{"not": "a list"})
	require.Error(t, err)
}

func TestDeclarations_KeepDeclaredSchema(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"file_id":{"type":"string"}},"required":["file_id"],"additionalProperties":false}`)
	tools := []bridge.ToolDescriptor{{Name: "calculate_pka", Description: "pKa", InputSchema: schema}}

	for _, name := range []string{config.ProviderAnthropic, config.ProviderOpenAI, config.ProviderGoogle} {
		b, err := NewBackend(name, config.ProviderConfig{APIKey: "k"})
		require.NoError(t, err)
		back, err := b.ToolsFromDeclaration(b.DeclareTools(tools))
		require.NoError(t, err, name)
		require.Len(t, back, 1, name)
		require.JSONEq(t, string(schema), string(back[0].InputSchema), name)
	}
}

func TestParseErrorBody(t *testing.T) {
	typ, msg := parseErrorBody(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	require.Equal(t, "overloaded_error", typ)
	require.Equal(t, "Overloaded", msg)

	typ, msg = parseErrorBody(`{"code":"rate_limit_exceeded","type":"tokens","message":"slow down"}`)
	require.Equal(t, "tokens", typ)
	require.Equal(t, "slow down", msg)

	typ, msg = parseErrorBody(`{"error":{"code":400,"status":"INVALID_ARGUMENT","message":"bad key"}}`)
	require.Equal(t, "INVALID_ARGUMENT", typ)
	require.Equal(t, "bad key", msg)

	typ, msg = parseErrorBody("upstream connect error")
	require.Empty(t, typ)
	require.Empty(t, msg)
}

func TestStatusError_FallsBackToRawBody(t *testing.T) {
	err := statusError("openai", http.StatusBadGateway, " <html>bad gateway</html>\n", nil)
	require.Equal(t, "<html>bad gateway</html>", err.Message)
	require.Empty(t, err.Type)
	require.True(t, err.Retryable)
}

func TestRequestError(t *testing.T) {
	ctx := context.Background()

	err := requestError(ctx, "anthropic",
		errors.New(streamErrorPrefix+`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	var apiErr *ProviderAPIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "overloaded_error", apiErr.Type)
	require.Equal(t, "Overloaded", apiErr.Message)
	require.True(t, apiErr.Retryable)
	require.Zero(t, apiErr.StatusCode)

	err = requestError(ctx, "openai", errors.New(streamErrorPrefix+`{"type":"invalid_request_error","message":"bad"}`))
	require.ErrorAs(t, err, &apiErr)
	require.False(t, apiErr.Retryable)

	err = requestError(ctx, "google", errors.New("connection refused"))
	require.ErrorAs(t, err, &apiErr)
	require.True(t, apiErr.Retryable)
	require.Equal(t, "google: request failed: connection refused", err.Error())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, requestError(cancelled, "google", errors.New("read: connection reset")), context.Canceled)
}

func TestDecodeArguments(t *testing.T) {
	for _, raw := range []string{"", "  ", "null", "{}"} {
		args, err := decodeArguments([]byte(raw))
		require.NoError(t, err, raw)
		require.Equal(t, map[string]any{}, args, raw)
	}

	args, err := decodeArguments([]byte(`{"ph": 7.4}`))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ph": 7.4}, args)

	_, err = decodeArguments([]byte(`[1,2]`))
	require.Error(t, err)
}

func TestProviderAPIError(t *testing.T) {
	err := &ProviderAPIError{Provider: "openai", StatusCode: http.StatusTooManyRequests, Type: "rate_limit", Message: "slow down", Retryable: true}
	require.Equal(t, "openai: API error 429: rate_limit: slow down", err.Error())
	require.True(t, IsRetryable(err))

	wrapped := &ProviderAPIError{Provider: "google", Retryable: true, Err: errors.New("connection refused")}
	require.Equal(t, "google: request failed: connection refused", wrapped.Error())
	require.Equal(t, "connection refused", errors.Unwrap(wrapped).Error())

	require.False(t, IsRetryable(errors.New("plain")))
	require.True(t, retryableStatus(http.StatusBadGateway))
	require.False(t, retryableStatus(http.StatusBadRequest))
}

func TestProviderBaseURLFromConfig(t *testing.T) {
	srv := newAPIServer(t, okJSON(openAIPlain))
	b, err := NewBackend(config.ProviderAliyun, config.ProviderConfig{APIKey: "k", Model: "qwen-max", BaseURL: srv.URL + "/"},
		WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	reply, err := b.Send(context.Background(), conversation(), nil)
	require.NoError(t, err)
	require.Equal(t, "Hello there", reply.Text)
	require.Equal(t, "/v1/chat/completions", srv.Path(0))
	require.Equal(t, "qwen-max", srv.Body(0)["model"])
}

func TestFollowUpWithoutThread(t *testing.T) {
	for _, name := range config.ProviderNames {
		b, err := NewBackend(name, config.ProviderConfig{APIKey: "k"})
		require.NoError(t, err)
		_, err = b.FollowUp(context.Background(), NormalizedReply{}, nil, nil)
		require.Error(t, err, name)
	}
}

func TestRoundSpanRecordsHTTPStatus(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	srv := newAPIServer(t, errBody(http.StatusUnauthorized,
		`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	b, err := NewBackend(config.ProviderAnthropic, config.ProviderConfig{APIKey: "k", Model: "m"},
		WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithProviderTracer(tp.Tracer("test")))
	require.NoError(t, err)

	_, err = b.Send(context.Background(), conversation(), nil)
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, tracing.SpanRound, spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Contains(t, spans[0].Attributes(), attribute.Int(tracing.AttrHTTPStatus, http.StatusUnauthorized))
	require.Contains(t, spans[0].Attributes(), attribute.String(tracing.AttrProvider, config.ProviderAnthropic))
}
