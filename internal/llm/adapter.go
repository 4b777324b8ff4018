package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/biomcp/internal/bridge"
	"github.com/zjrosen/biomcp/internal/config"
	"github.com/zjrosen/biomcp/internal/log"
	"github.com/zjrosen/biomcp/internal/tracing"
)

// ToolSource lists the tools offered to the model.
type ToolSource interface {
	Tools() []bridge.ToolDescriptor
}

// ToolInvoker executes a tool. It never returns an error; failures are
// reported in the result.
type ToolInvoker interface {
	CallTool(ctx context.Context, name string, args map[string]any) bridge.ToolCallResult
}

// Phase is the position of a completion in the tool-use exchange.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingFirstResponse
	PhaseAwaitingToolExecution
	PhaseAwaitingFollowup
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingFirstResponse:
		return "awaiting_first_response"
	case PhaseAwaitingToolExecution:
		return "awaiting_tool_execution"
	case PhaseAwaitingFollowup:
		return "awaiting_followup"
	default:
		return "unknown"
	}
}

// Observer is notified of every phase change.
type Observer func(provider string, from, to Phase)

// RetryPolicy bounds retries of a single provider round.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// RetryPolicyFromConfig converts the llm.retry config section.
func RetryPolicyFromConfig(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
	}
}

// DefaultRetryPolicy matches the config defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

func (p RetryPolicy) attempts() uint {
	if p.MaxAttempts < 1 {
		return 1
	}
	return uint(p.MaxAttempts)
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithRetryPolicy sets the retry policy for provider rounds.
func WithRetryPolicy(p RetryPolicy) AdapterOption {
	return func(a *Adapter) {
		a.retry = p
	}
}

// WithObserver registers a phase observer.
func WithObserver(o Observer) AdapterOption {
	return func(a *Adapter) {
		a.observer = o
	}
}

// WithAdapterTracer records a span per completion.
func WithAdapterTracer(t trace.Tracer) AdapterOption {
	return func(a *Adapter) {
		a.tracer = t
	}
}

// Adapter runs the tool-use exchange for one backend.
type Adapter struct {
	backend  Backend
	tools    ToolSource
	invoker  ToolInvoker
	retry    RetryPolicy
	observer Observer
	tracer   trace.Tracer
}

// NewAdapter creates an adapter. tools and invoker may be nil, in which
// case the model is offered no tools.
func NewAdapter(b Backend, tools ToolSource, invoker ToolInvoker, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		backend: b,
		tools:   tools,
		invoker: invoker,
		retry:   DefaultRetryPolicy(),
		tracer:  noop.NewTracerProvider().Tracer("noop"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Backend returns the wrapped backend.
func (a *Adapter) Backend() Backend { return a.backend }

func (a *Adapter) setPhase(cur *Phase, next Phase) {
	log.Debug(log.CatLLM, "Completion phase", "provider", a.backend.Name(), "from", cur.String(), "to", next.String())
	if a.observer != nil {
		a.observer(a.backend.Name(), *cur, next)
	}
	*cur = next
}

// Complete sends conv to the model, executes any tool calls it requests
// through the invoker, and returns the model's final answer.
func (a *Adapter) Complete(ctx context.Context, conv []ChatMessage) (completion Completion, err error) {
	ctx, span := a.tracer.Start(ctx, tracing.SpanComplete,
		trace.WithAttributes(tracing.ProviderAttrs(a.backend.Name(), a.backend.Model())...))
	defer func() {
		if err != nil {
			tracing.Fail(span, err)
		} else {
			span.SetAttributes(
				attribute.Int(tracing.AttrIntents, len(completion.ToolCalls)),
				attribute.Int(tracing.AttrInputTokens, completion.Usage.InputTokens),
				attribute.Int(tracing.AttrOutputTokens, completion.Usage.OutputTokens),
			)
		}
		span.End()
	}()

	phase := PhaseIdle
	defer func() {
		if phase != PhaseIdle {
			a.setPhase(&phase, PhaseIdle)
		}
	}()

	var decl any
	if a.tools != nil {
		if tools := a.tools.Tools(); len(tools) > 0 {
			decl = a.backend.DeclareTools(tools)
		}
	}

	a.setPhase(&phase, PhaseAwaitingFirstResponse)
	reply, err := a.withRetry(ctx, func() (NormalizedReply, error) {
		return a.backend.Send(ctx, conv, decl)
	})
	if err != nil {
		return Completion{}, err
	}

	completion = Completion{
		Provider: a.backend.Name(),
		Model:    a.backend.Model(),
		Content:  reply.Text,
		Usage:    reply.Usage,
	}
	if len(reply.ToolCallIntents) == 0 {
		return completion, nil
	}

	a.setPhase(&phase, PhaseAwaitingToolExecution)
	records := make([]CallRecord, 0, len(reply.ToolCallIntents))
	for _, intent := range reply.ToolCallIntents {
		records = append(records, CallRecord{Intent: intent, Result: a.execute(ctx, intent)})
	}

	a.setPhase(&phase, PhaseAwaitingFollowup)
	final, err := a.withRetry(ctx, func() (NormalizedReply, error) {
		return a.backend.FollowUp(ctx, reply, decl, records)
	})
	if err != nil {
		return Completion{}, err
	}
	if len(final.ToolCallIntents) > 0 {
		log.Warn(log.CatLLM, "Ignoring tool calls in follow-up reply",
			"provider", a.backend.Name(), "count", len(final.ToolCallIntents))
	}

	completion.Content = final.Text
	completion.ToolCalls = records
	completion.Usage = completion.Usage.Add(final.Usage)
	return completion, nil
}

// execute runs one intent. Failures become error results.
func (a *Adapter) execute(ctx context.Context, intent ToolCallIntent) bridge.ToolCallResult {
	switch {
	case intent.ArgumentsErr != nil:
		return bridge.ToolCallResult{
			ToolName: intent.Name,
			Error:    fmt.Sprintf("invalid arguments for tool %s: %v", intent.Name, intent.ArgumentsErr),
		}
	case a.invoker == nil:
		return bridge.ToolCallResult{ToolName: intent.Name, Arguments: intent.Arguments, Error: "no tool invoker available"}
	}

	result := a.invoker.CallTool(ctx, intent.Name, intent.Arguments)
	log.Debug(log.CatLLM, "Tool executed", "provider", a.backend.Name(), "tool", intent.Name,
		"success", result.Success, "duration", result.Duration)
	return result
}

// CompleteStream runs a tool-less completion, passing text deltas to
// onChunk as they arrive. A round that fails after emitting text is not
// retried.
func (a *Adapter) CompleteStream(ctx context.Context, conv []ChatMessage, onChunk func(string)) (completion Completion, err error) {
	ctx, span := a.tracer.Start(ctx, tracing.SpanComplete,
		trace.WithAttributes(tracing.ProviderAttrs(a.backend.Name(), a.backend.Model())...),
		trace.WithAttributes(attribute.Bool("llm.stream", true)))
	defer func() {
		if err != nil {
			tracing.Fail(span, err)
		}
		span.End()
	}()

	emitted := false
	reply, err := a.withRetry(ctx, func() (NormalizedReply, error) {
		r, err := a.backend.Stream(ctx, conv, func(s string) {
			emitted = true
			if onChunk != nil {
				onChunk(s)
			}
		})
		if err != nil && emitted {
			return r, backoff.Permanent(err)
		}
		return r, err
	})
	if err != nil {
		return Completion{}, err
	}
	return Completion{
		Provider: a.backend.Name(),
		Model:    a.backend.Model(),
		Content:  reply.Text,
		Usage:    reply.Usage,
	}, nil
}

// withRetry runs one provider round under the retry policy.
func (a *Adapter) withRetry(ctx context.Context, round func() (NormalizedReply, error)) (NormalizedReply, error) {
	attempt := 0
	op := func() (NormalizedReply, error) {
		attempt++
		reply, err := round()
		if err != nil && !IsRetryable(err) {
			return reply, backoff.Permanent(err)
		}
		return reply, err
	}
	notify := func(err error, next time.Duration) {
		log.Warn(log.CatLLM, "Retrying provider request",
			"provider", a.backend.Name(), "attempt", attempt, "backoff", next, "error", err)
	}

	reply, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(a.retry.backOff()),
		backoff.WithMaxTries(a.retry.attempts()),
		backoff.WithNotify(notify))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return NormalizedReply{}, err
	}
	return reply, nil
}
