package host

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/biomcp/internal/bridge"
	"github.com/zjrosen/biomcp/internal/llm"
	"github.com/zjrosen/biomcp/internal/pubsub"
)

// DialFunc opens a transport to an already running server. It replaces
// process spawning when set.
type DialFunc func(ctx context.Context) (bridge.Transport, error)

// Option configures a Host.
type Option func(*Host)

// WithTracer records bridge and model spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(h *Host) {
		h.tracer = tracer
	}
}

// WithStateBroker publishes bridge connection state changes.
func WithStateBroker(b *pubsub.Broker[bridge.StateChange]) Option {
	return func(h *Host) {
		h.stateBus = b
	}
}

// WithProcessOptions is passed through to bridge.Connect.
func WithProcessOptions(opts ...bridge.ProcessOption) Option {
	return func(h *Host) {
		h.processOpts = append(h.processOpts, opts...)
	}
}

// WithDialer connects over a caller supplied transport instead of spawning
// the configured server command.
func WithDialer(dial DialFunc) Option {
	return func(h *Host) {
		h.dial = dial
	}
}

// WithManagerOptions is passed through to llm.NewManager.
func WithManagerOptions(opts ...llm.ManagerOption) Option {
	return func(h *Host) {
		h.managerOpts = append(h.managerOpts, opts...)
	}
}

// WithClock overrides the session timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *Host) {
		h.now = now
	}
}
