package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/biomcp/internal/log"
	"github.com/zjrosen/biomcp/internal/mcp"
	"github.com/zjrosen/biomcp/internal/pubsub"
)

// ToolCallResult is the outcome of one tool invocation. Content is set only
// on success and Error only on failure.
type ToolCallResult struct {
	ToolName  string
	Arguments map[string]any
	Success   bool
	Content   string
	Error     string
	Duration  time.Duration
	Raw       *mcp.ToolCallResult
}

// Text returns Content on success and Error otherwise.
func (r ToolCallResult) Text() string {
	if r.Success {
		return r.Content
	}
	return r.Error
}

const defaultToolError = "tool reported an error without a message"

// Invoker calls tools through a ready Session. It never returns an error:
// every failure is folded into a failed ToolCallResult.
type Invoker struct {
	session *Session
	tracer  trace.Tracer
	broker  *pubsub.Broker[ToolCallResult]
	timeout time.Duration
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithInvokerTracer records a span per tool call.
func WithInvokerTracer(tracer trace.Tracer) InvokerOption {
	return func(i *Invoker) {
		if tracer != nil {
			i.tracer = tracer
		}
	}
}

// WithToolTimeout overrides the session call timeout for tools/call.
func WithToolTimeout(d time.Duration) InvokerOption {
	return func(i *Invoker) {
		i.timeout = d
	}
}

// NewInvoker creates an invoker on top of s.
func NewInvoker(s *Session, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		session: s,
		tracer:  noop.NewTracerProvider().Tracer("noop"),
		broker:  pubsub.NewBroker[ToolCallResult](),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Broker publishes every completed call.
func (i *Invoker) Broker() *pubsub.Broker[ToolCallResult] {
	return i.broker
}

// CallTool invokes name with args. Unknown names are forwarded as-is; the
// server decides.
func (i *Invoker) CallTool(ctx context.Context, name string, args map[string]any) (result ToolCallResult) {
	start := time.Now()
	result = ToolCallResult{ToolName: name, Arguments: args}

	ctx, span := i.tracer.Start(ctx, "tool.call "+name,
		trace.WithAttributes(attribute.String("mcp.tool", name)))
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBridge, "Tool call panicked", "tool", name, "panic", r)
			result = failed(result, fmt.Sprintf("panic: %v", r))
		}
		result.Duration = time.Since(start)
		span.SetAttributes(attribute.Bool("mcp.tool.success", result.Success))
		if !result.Success {
			span.SetStatus(codes.Error, result.Error)
		}
		span.End()
		i.broker.Publish(pubsub.ToolCalledEvent, result)
	}()

	if i.session == nil || i.session.State() != StateReady {
		state := StateDisconnected
		if i.session != nil {
			state = i.session.State()
		}
		return failed(result, fmt.Sprintf("%s (state %s)", ErrNotReady, state))
	}

	if args == nil {
		args = map[string]any{}
	}
	log.Debug(log.CatBridge, "Calling tool", "tool", name)

	raw, err := i.session.Call(ctx, mcp.MethodToolsCall, map[string]any{"name": name, "arguments": args}, i.timeout)
	if err != nil {
		log.Debug(log.CatBridge, "Tool call failed", "tool", name, "error", err)
		return failed(result, err.Error())
	}

	var tr mcp.ToolCallResult
	if err := json.Unmarshal(raw, &tr); err != nil {
		return failed(result, fmt.Sprintf("decoding tool result: %v", err))
	}
	result.Raw = &tr

	text := tr.Text()
	if tr.IsError {
		if text == "" {
			text = defaultToolError
		}
		return failed(result, text)
	}
	if text == "" {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			text = buf.String()
		} else {
			text = string(raw)
		}
	}
	result.Success = true
	result.Content = text
	return result
}

func failed(r ToolCallResult, msg string) ToolCallResult {
	r.Success = false
	r.Content = ""
	if msg == "" {
		msg = defaultToolError
	}
	r.Error = msg
	return r
}
