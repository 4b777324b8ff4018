package llm

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/biomcp/internal/bridge"
	"github.com/zjrosen/biomcp/internal/config"
)

// providerFixture holds canned wire responses for one provider.
type providerFixture struct {
	name     string
	toolUse  string
	final    string
	plain    string
	stream   string
	path     string
	authHdr  string
	authWant string
	// followUp asserts the shape of the tool result turn.
	followUp func(t *testing.T, body map[string]any)
}

var openAIToolUse = `{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[
	{"id":"call_1","type":"function","function":{"name":"calculate_pka","arguments":"{\"file_id\":\"1abc\"}"}}]},
	"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`

var openAIFinal = `{"choices":[{"message":{"role":"assistant","content":"ASP 25 has pKa 4.1"},"finish_reason":"stop"}],
	"usage":{"prompt_tokens":20,"completion_tokens":7}}`

var openAIPlain = `{"choices":[{"message":{"role":"assistant","content":"Hello there"},"finish_reason":"stop"}],
	"usage":{"prompt_tokens":3,"completion_tokens":2}}`

var openAIStream = "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
	"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2}}\n\n" +
	"data: [DONE]\n\n"

func openAIFollowUp(t *testing.T, body map[string]any) {
	msgs := body["messages"].([]any)
	require.GreaterOrEqual(t, len(msgs), 3)
	assistant := msgs[len(msgs)-2].(map[string]any)
	require.Equal(t, "assistant", assistant["role"])
	call := first(t, assistant["tool_calls"])
	require.Equal(t, "call_1", call["id"])

	tool := last(t, body, "messages")
	require.Equal(t, "tool", tool["role"])
	require.Equal(t, "call_1", tool["tool_call_id"])
	require.Contains(t, tool["content"], "pKa: 4.1")
	require.Contains(t, tool["content"], `"success":true`)
}

func fixtures() []providerFixture {
	return []providerFixture{
		{
			name: config.ProviderAnthropic,
			toolUse: `{"content":[{"type":"text","text":"Let me check."},
				{"type":"tool_use","id":"toolu_1","name":"calculate_pka","input":{"file_id":"1abc"}}],
				"stop_reason":"tool_use","usage":{"input_tokens":10,"output_tokens":5}}`,
			final: `{"content":[{"type":"text","text":"ASP 25 has pKa 4.1"}],"stop_reason":"end_turn",
				"usage":{"input_tokens":20,"output_tokens":7}}`,
			plain: `{"content":[{"type":"text","text":"Hello there"}],"stop_reason":"end_turn",
				"usage":{"input_tokens":3,"output_tokens":2}}`,
			stream: "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":3}}}\n\n" +
				"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n" +
				"event: ping\ndata: {\"type\":\"ping\"}\n\n" +
				"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n" +
				"event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":2}}\n\n" +
				"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
			path:     "/v1/messages",
			authHdr:  "x-api-key",
			authWant: "test-key",
			followUp: func(t *testing.T, body map[string]any) {
				msgs := body["messages"].([]any)
				require.GreaterOrEqual(t, len(msgs), 3)
				assistant := msgs[len(msgs)-2].(map[string]any)
				require.Equal(t, "assistant", assistant["role"])

				user := last(t, body, "messages")
				require.Equal(t, "user", user["role"])
				block := first(t, user["content"])
				require.Equal(t, "tool_result", block["type"])
				require.Equal(t, "toolu_1", block["tool_use_id"])
				require.Equal(t, "pKa: 4.1", first(t, block["content"])["text"])
				require.NotContains(t, block, "is_error")
			},
		},
		{
			name: config.ProviderOpenAI, toolUse: openAIToolUse, final: openAIFinal, plain: openAIPlain, stream: openAIStream,
			path: "/v1/chat/completions", authHdr: "Authorization", authWant: "Bearer test-key", followUp: openAIFollowUp,
		},
		{
			name: config.ProviderAliyun, toolUse: openAIToolUse, final: openAIFinal, plain: openAIPlain, stream: openAIStream,
			path: "/v1/chat/completions", authHdr: "Authorization", authWant: "Bearer test-key", followUp: openAIFollowUp,
		},
		{
			name: config.ProviderGoogle,
			toolUse: `{"candidates":[{"content":{"role":"model","parts":[
				{"functionCall":{"name":"calculate_pka","args":{"file_id":"1abc"}}}]},"finishReason":"STOP"}],
				"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}`,
			final: `{"candidates":[{"content":{"role":"model","parts":[{"text":"ASP 25 has pKa 4.1"}]},"finishReason":"STOP"}],
				"usageMetadata":{"promptTokenCount":20,"candidatesTokenCount":7}}`,
			plain: `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello there"}]},"finishReason":"STOP"}],
				"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2}}`,
			stream: "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hel\"}]}}]}\r\n\r\n" +
				"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]}}],\"usageMetadata\":{\"promptTokenCount\":3,\"candidatesTokenCount\":2}}\r\n\r\n",
			path:     "/v1beta/models/test-model:generateContent",
			authHdr:  "x-goog-api-key",
			authWant: "test-key",
			followUp: func(t *testing.T, body map[string]any) {
				contents := body["contents"].([]any)
				require.GreaterOrEqual(t, len(contents), 3)
				model := contents[len(contents)-2].(map[string]any)
				require.Equal(t, "model", model["role"])

				user := last(t, body, "contents")
				require.Equal(t, "user", user["role"])
				part := first(t, user["parts"])
				resp := part["functionResponse"].(map[string]any)
				require.Equal(t, "calculate_pka", resp["name"])
				require.Equal(t, map[string]any{"content": "pKa: 4.1"}, resp["response"])
			},
		},
	}
}

func conversation() []ChatMessage {
	return []ChatMessage{
		{Role: RoleSystem, Content: "You are a structural biology assistant."},
		{Role: RoleUser, Content: "What is the pKa of ASP 25 in 1abc?"},
	}
}

func TestAdapter_ToolRoundTripPerProvider(t *testing.T) {
	for _, fx := range fixtures() {
		t.Run(fx.name, func(t *testing.T) {
			srv := newAPIServer(t, okJSON(fx.toolUse), okJSON(fx.final))
			inv := &fakeInvoker{}
			a := NewAdapter(testBackend(t, fx.name, srv), pkaTools(), inv, fastRetry(1))

			c, err := a.Complete(context.Background(), conversation())
			require.NoError(t, err)

			require.Equal(t, "ASP 25 has pKa 4.1", c.Content)
			require.Equal(t, fx.name, c.Provider)
			require.Equal(t, "test-model", c.Model)
			require.Equal(t, Usage{InputTokens: 30, OutputTokens: 12}, c.Usage)
			require.Len(t, c.ToolCalls, 1)
			require.Equal(t, "calculate_pka", c.ToolCalls[0].Intent.Name)
			require.Equal(t, map[string]any{"file_id": "1abc"}, c.ToolCalls[0].Intent.Arguments)
			require.True(t, c.ToolCalls[0].Result.Success)

			require.Equal(t, []invocation{{Name: "calculate_pka", Args: map[string]any{"file_id": "1abc"}}}, inv.Calls())

			require.Equal(t, 2, srv.Requests())
			require.Equal(t, fx.path, srv.Path(0))
			require.Equal(t, fx.authWant, srv.Header(0).Get(fx.authHdr))
			fx.followUp(t, srv.Body(1))
		})
	}
}

func TestAdapter_NoIntentsLeavesToolCallsNil(t *testing.T) {
	for _, fx := range fixtures() {
		t.Run(fx.name, func(t *testing.T) {
			srv := newAPIServer(t, okJSON(fx.plain))
			inv := &fakeInvoker{}
			a := NewAdapter(testBackend(t, fx.name, srv), pkaTools(), inv, fastRetry(1))

			c, err := a.Complete(context.Background(), conversation())
			require.NoError(t, err)
			require.Equal(t, "Hello there", c.Content)
			require.Nil(t, c.ToolCalls)
			require.Empty(t, inv.Calls())
			require.Equal(t, 1, srv.Requests())
		})
	}
}

func TestAdapter_DeclaresToolsInRequest(t *testing.T) {
	srv := newAPIServer(t, okJSON(fixtures()[0].plain))
	a := NewAdapter(testBackend(t, config.ProviderAnthropic, srv), pkaTools(), &fakeInvoker{}, fastRetry(1))

	_, err := a.Complete(context.Background(), conversation())
	require.NoError(t, err)

	body := srv.Body(0)
	require.Equal(t, "You are a structural biology assistant.", first(t, body["system"])["text"])
	tool := first(t, body["tools"])
	require.Equal(t, "calculate_pka", tool["name"])
	require.Equal(t, "Calculate residue pKa values with PROPKA", tool["description"])
	require.Contains(t, tool, "input_schema")
}

func TestAdapter_NoToolsOmitsDeclaration(t *testing.T) {
	srv := newAPIServer(t, okJSON(openAIPlain))
	a := NewAdapter(testBackend(t, config.ProviderOpenAI, srv), nil, nil, fastRetry(1))

	_, err := a.Complete(context.Background(), conversation())
	require.NoError(t, err)
	require.NotContains(t, srv.Body(0), "tools")
}

func TestAdapter_ToolFailureIsFedBack(t *testing.T) {
	srv := newAPIServer(t, okJSON(fixtures()[0].toolUse), okJSON(fixtures()[0].final))
	inv := &fakeInvoker{result: func(name string) bridge.ToolCallResult {
		return bridge.ToolCallResult{ToolName: name, Error: "PROPKA not installed"}
	}}
	a := NewAdapter(testBackend(t, config.ProviderAnthropic, srv), pkaTools(), inv, fastRetry(1))

	c, err := a.Complete(context.Background(), conversation())
	require.NoError(t, err)
	require.Len(t, c.ToolCalls, 1)
	require.False(t, c.ToolCalls[0].Result.Success)

	block := first(t, last(t, srv.Body(1), "messages")["content"])
	require.Equal(t, "Error: PROPKA not installed", first(t, block["content"])["text"])
	require.Equal(t, true, block["is_error"])
}

func TestAdapter_InvalidArgumentsBecomeFailedResult(t *testing.T) {
	toolUse := `{"choices":[{"message":{"role":"assistant","tool_calls":[
		{"id":"call_bad","type":"function","function":{"name":"calculate_pka","arguments":"{not json"}},
		{"id":"call_ok","type":"function","function":{"name":"calculate_pka","arguments":""}}]}}],
		"usage":{"prompt_tokens":1,"completion_tokens":1}}`
	srv := newAPIServer(t, okJSON(toolUse), okJSON(openAIFinal))
	inv := &fakeInvoker{}
	a := NewAdapter(testBackend(t, config.ProviderOpenAI, srv), pkaTools(), inv, fastRetry(1))

	c, err := a.Complete(context.Background(), conversation())
	require.NoError(t, err)
	require.Len(t, c.ToolCalls, 2)

	bad := c.ToolCalls[0]
	require.False(t, bad.Result.Success)
	require.Contains(t, bad.Result.Error, "invalid arguments for tool calculate_pka")
	require.Equal(t, "{not json", bad.Intent.RawArguments)

	// The remaining call still runs, with empty arguments.
	require.True(t, c.ToolCalls[1].Result.Success)
	require.Equal(t, []invocation{{Name: "calculate_pka", Args: map[string]any{}}}, inv.Calls())

	msgs := srv.Body(1)["messages"].([]any)
	badMsg := msgs[len(msgs)-2].(map[string]any)
	require.Equal(t, "call_bad", badMsg["tool_call_id"])
	require.Contains(t, badMsg["content"], "invalid arguments")
}

func TestAdapter_CallsToolsInOrder(t *testing.T) {
	toolUse := `{"content":[
		{"type":"tool_use","id":"a","name":"first_tool","input":{}},
		{"type":"tool_use","id":"b","name":"second_tool","input":{"n":1}},
		{"type":"tool_use","id":"c","name":"third_tool","input":{}}],
		"usage":{"input_tokens":1,"output_tokens":1}}`
	srv := newAPIServer(t, okJSON(toolUse), okJSON(fixtures()[0].final))
	inv := &fakeInvoker{}
	a := NewAdapter(testBackend(t, config.ProviderAnthropic, srv), pkaTools(), inv, fastRetry(1))

	c, err := a.Complete(context.Background(), conversation())
	require.NoError(t, err)

	var names []string
	for _, call := range inv.Calls() {
		names = append(names, call.Name)
	}
	require.Equal(t, []string{"first_tool", "second_tool", "third_tool"}, names)

	var ids []any
	for _, b := range last(t, srv.Body(1), "messages")["content"].([]any) {
		ids = append(ids, b.(map[string]any)["tool_use_id"])
	}
	require.Equal(t, []any{"a", "b", "c"}, ids)
	require.Len(t, c.ToolCalls, 3)
}

func TestAdapter_ObserverSeesPhases(t *testing.T) {
	type change struct{ from, to Phase }

	run := func(t *testing.T, responses ...cannedResponse) []change {
		srv := newAPIServer(t, responses...)
		var got []change
		a := NewAdapter(testBackend(t, config.ProviderAnthropic, srv), pkaTools(), &fakeInvoker{}, fastRetry(1),
			WithObserver(func(provider string, from, to Phase) {
				require.Equal(t, config.ProviderAnthropic, provider)
				got = append(got, change{from, to})
			}))
		_, _ = a.Complete(context.Background(), conversation())
		return got
	}

	fx := fixtures()[0]
	require.Equal(t, []change{
		{PhaseIdle, PhaseAwaitingFirstResponse},
		{PhaseAwaitingFirstResponse, PhaseAwaitingToolExecution},
		{PhaseAwaitingToolExecution, PhaseAwaitingFollowup},
		{PhaseAwaitingFollowup, PhaseIdle},
	}, run(t, okJSON(fx.toolUse), okJSON(fx.final)))

	require.Equal(t, []change{
		{PhaseIdle, PhaseAwaitingFirstResponse},
		{PhaseAwaitingFirstResponse, PhaseIdle},
	}, run(t, okJSON(fx.plain)))

	require.Equal(t, []change{
		{PhaseIdle, PhaseAwaitingFirstResponse},
		{PhaseAwaitingFirstResponse, PhaseIdle},
	}, run(t, errBody(http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"bad"}}`)))
}

func TestAdapter_RetriesTransientFailures(t *testing.T) {
	fx := fixtures()[0]
	srv := newAPIServer(t, failStatus(http.StatusTooManyRequests), failStatus(http.StatusServiceUnavailable), okJSON(fx.plain))
	a := NewAdapter(testBackend(t, config.ProviderAnthropic, srv), nil, nil, fastRetry(3))

	c, err := a.Complete(context.Background(), conversation())
	require.NoError(t, err)
	require.Equal(t, "Hello there", c.Content)
	require.Equal(t, 3, srv.Requests())
}

func TestAdapter_GivesUpAfterMaxAttempts(t *testing.T) {
	srv := newAPIServer(t, failStatus(http.StatusInternalServerError), failStatus(http.StatusInternalServerError), failStatus(http.StatusInternalServerError))
	a := NewAdapter(testBackend(t, config.ProviderAnthropic, srv), nil, nil, fastRetry(2))

	_, err := a.Complete(context.Background(), conversation())
	require.Error(t, err)
	require.Equal(t, 2, srv.Requests())

	var apiErr *ProviderAPIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	require.True(t, apiErr.Retryable)
}

func TestAdapter_DoesNotRetryClientErrors(t *testing.T) {
	srv := newAPIServer(t,
		errBody(http.StatusUnauthorized, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`),
		okJSON(fixtures()[0].plain))
	a := NewAdapter(testBackend(t, config.ProviderAnthropic, srv), nil, nil, fastRetry(3))

	_, err := a.Complete(context.Background(), conversation())
	require.Error(t, err)
	require.Equal(t, 1, srv.Requests())

	var apiErr *ProviderAPIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Equal(t, "authentication_error", apiErr.Type)
	require.Equal(t, "invalid x-api-key", apiErr.Message)
	require.False(t, IsRetryable(err))
}

func TestAdapter_FollowUpIsRetried(t *testing.T) {
	fx := fixtures()[1]
	srv := newAPIServer(t, okJSON(fx.toolUse), failStatus(http.StatusBadGateway), okJSON(fx.final))
	inv := &fakeInvoker{}
	a := NewAdapter(testBackend(t, config.ProviderOpenAI, srv), pkaTools(), inv, fastRetry(3))

	c, err := a.Complete(context.Background(), conversation())
	require.NoError(t, err)
	require.Equal(t, "ASP 25 has pKa 4.1", c.Content)
	require.Len(t, inv.Calls(), 1)
	require.Equal(t, 3, srv.Requests())
}

func TestAdapter_GoogleErrorStatusIsType(t *testing.T) {
	srv := newAPIServer(t, errBody(http.StatusBadRequest,
		`{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`))
	a := NewAdapter(testBackend(t, config.ProviderGoogle, srv), nil, nil, fastRetry(1))

	_, err := a.Complete(context.Background(), conversation())
	var apiErr *ProviderAPIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "INVALID_ARGUMENT", apiErr.Type)
	require.Equal(t, "API key not valid", apiErr.Message)
}

func TestAdapter_CancelledContext(t *testing.T) {
	srv := newAPIServer(t, okJSON(openAIPlain))
	a := NewAdapter(testBackend(t, config.ProviderOpenAI, srv), nil, nil, fastRetry(3))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Complete(ctx, conversation())
	require.ErrorIs(t, err, context.Canceled)
}

func TestAdapter_StreamPerProvider(t *testing.T) {
	for _, fx := range fixtures() {
		t.Run(fx.name, func(t *testing.T) {
			srv := newAPIServer(t, sse(fx.stream))
			a := NewAdapter(testBackend(t, fx.name, srv), pkaTools(), &fakeInvoker{}, fastRetry(1))

			var chunks []string
			c, err := a.CompleteStream(context.Background(), conversation(), func(s string) {
				chunks = append(chunks, s)
			})
			require.NoError(t, err)
			require.Equal(t, []string{"Hel", "lo"}, chunks)
			require.Equal(t, "Hello", c.Content)
			require.Equal(t, Usage{InputTokens: 3, OutputTokens: 2}, c.Usage)
			require.Nil(t, c.ToolCalls)
			require.NotContains(t, srv.Body(0), "tools")
		})
	}
}

func TestAdapter_StreamPaths(t *testing.T) {
	fx := fixtures()[3]
	srv := newAPIServer(t, sse(fx.stream))
	a := NewAdapter(testBackend(t, config.ProviderGoogle, srv), nil, nil, fastRetry(1))
	_, err := a.CompleteStream(context.Background(), conversation(), nil)
	require.NoError(t, err)
	require.Equal(t, "/v1beta/models/test-model:streamGenerateContent?alt=sse", srv.Path(0))

	srv = newAPIServer(t, sse(openAIStream))
	a = NewAdapter(testBackend(t, config.ProviderOpenAI, srv), nil, nil, fastRetry(1))
	_, err = a.CompleteStream(context.Background(), conversation(), nil)
	require.NoError(t, err)
	require.Equal(t, true, srv.Body(0)["stream"])
	require.Equal(t, map[string]any{"include_usage": true}, srv.Body(0)["stream_options"])
}

func TestAdapter_StreamErrorAfterChunkIsNotRetried(t *testing.T) {
	body := "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"partial\"}}\n\n" +
		"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"
	srv := newAPIServer(t, sse(body), sse(fixtures()[0].stream))
	a := NewAdapter(testBackend(t, config.ProviderAnthropic, srv), nil, nil, fastRetry(3))

	var text strings.Builder
	_, err := a.CompleteStream(context.Background(), conversation(), func(s string) { text.WriteString(s) })
	require.Error(t, err)
	require.Contains(t, err.Error(), "Overloaded")
	require.Equal(t, "partial", text.String())
	require.Equal(t, 1, srv.Requests())
}

func TestAdapter_StreamRetriesBeforeFirstChunk(t *testing.T) {
	srv := newAPIServer(t, failStatus(http.StatusTooManyRequests), sse(openAIStream))
	a := NewAdapter(testBackend(t, config.ProviderOpenAI, srv), nil, nil, fastRetry(2))

	c, err := a.CompleteStream(context.Background(), conversation(), nil)
	require.NoError(t, err)
	require.Equal(t, "Hello", c.Content)
	require.Equal(t, 2, srv.Requests())
}
