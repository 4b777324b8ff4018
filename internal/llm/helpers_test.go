package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/biomcp/internal/bridge"
	"github.com/zjrosen/biomcp/internal/config"
)

type fakeTools []bridge.ToolDescriptor

func (f fakeTools) Tools() []bridge.ToolDescriptor { return f }

func pkaTools() fakeTools {
	return fakeTools{{
		Name:        "calculate_pka",
		Description: "Calculate residue pKa values with PROPKA",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"file_id":{"type":"string"}},"required":["file_id"]}`),
	}}
}

type invocation struct {
	Name string
	Args map[string]any
}

type fakeInvoker struct {
	mu     sync.Mutex
	calls  []invocation
	result func(name string) bridge.ToolCallResult
}

func (f *fakeInvoker) CallTool(_ context.Context, name string, args map[string]any) bridge.ToolCallResult {
	f.mu.Lock()
	f.calls = append(f.calls, invocation{Name: name, Args: args})
	f.mu.Unlock()
	if f.result != nil {
		return f.result(name)
	}
	return bridge.ToolCallResult{ToolName: name, Arguments: args, Success: true, Content: "pKa: 4.1"}
}

func (f *fakeInvoker) Calls() []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invocation(nil), f.calls...)
}

// apiServer answers each request with the next canned response and records
// the decoded request bodies.
type apiServer struct {
	*httptest.Server
	mu        sync.Mutex
	paths     []string
	headers   []http.Header
	bodies    []map[string]any
	responses []cannedResponse
}

type cannedResponse struct {
	status int
	body   string
	sse    bool
}

func okJSON(body string) cannedResponse { return cannedResponse{status: http.StatusOK, body: body} }
func sse(body string) cannedResponse { return cannedResponse{status: http.StatusOK, body: body, sse: true} }
func failStatus(code int) cannedResponse { return cannedResponse{status: code, body: `{"error":{"type":"overloaded_error","message":"try later"}}`} }
func errBody(code int, body string) cannedResponse { return cannedResponse{status: code, body: body} }

func newAPIServer(t *testing.T, responses ...cannedResponse) *apiServer {
	t.Helper()
	s := &apiServer{responses: responses}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)

		s.mu.Lock()
		s.paths = append(s.paths, r.URL.RequestURI())
		s.headers = append(s.headers, r.Header.Clone())
		s.bodies = append(s.bodies, body)
		idx := len(s.bodies) - 1
		var resp cannedResponse
		if idx < len(s.responses) {
			resp = s.responses[idx]
		} else {
			resp = failStatus(http.StatusInternalServerError)
		}
		s.mu.Unlock()

		if resp.sse {
			w.Header().Set("Content-Type", "text/event-stream")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(resp.status)
		_, _ = io.WriteString(w, resp.body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *apiServer) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func (s *apiServer) Body(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[i]
}

func (s *apiServer) Path(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths[i]
}

func (s *apiServer) Header(i int) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers[i]
}

func testBackend(t *testing.T, name string, srv *apiServer) Backend {
	t.Helper()
	b, err := NewBackend(name, config.ProviderConfig{APIKey: "test-key", Model: "test-model", MaxTokens: 256},
		WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return b
}

func fastRetry(attempts int) AdapterOption {
	return WithRetryPolicy(RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond})
}

// last returns the final element of a JSON array field.
func last(t *testing.T, body map[string]any, field string) map[string]any {
	t.Helper()
	items, ok := body[field].([]any)
	require.True(t, ok, "field %s is not an array", field)
	require.NotEmpty(t, items)
	item, ok := items[len(items)-1].(map[string]any)
	require.True(t, ok)
	return item
}

func first(t *testing.T, v any) map[string]any {
	t.Helper()
	items, ok := v.([]any)
	require.True(t, ok)
	require.NotEmpty(t, items)
	item, ok := items[0].(map[string]any)
	require.True(t, ok)
	return item
}
