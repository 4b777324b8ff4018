package bridge

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/biomcp/internal/log"
	"github.com/zjrosen/biomcp/internal/pubsub"
)

// ClientConfig describes one MCP server connection.
type ClientConfig struct {
	Name     string
	Process  ProcessConfig
	Session  []SessionOption
	Invoker  []InvokerOption
	Tracer   trace.Tracer
	StateBus *pubsub.Broker[StateChange]
}

// Client bundles the transport, session and invoker for one server.
type Client struct {
	name      string
	transport Transport
	session   *Session
	invoker   *Invoker
}

// ClientInfo is a snapshot used for status output.
type ClientInfo struct {
	Name       string
	State      ConnectionState
	ServerName string
	Version    string
	Tools      int
	PID        int
}

// Connect spawns the server process and completes the handshake. On failure
// the process has already been terminated.
func Connect(ctx context.Context, cfg ClientConfig, opts ...ProcessOption) (*Client, error) {
	transport, err := StartProcess(ctx, cfg.Process, opts...)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(ctx, cfg, transport)
	if err != nil {
		return nil, err
	}
	log.Info(log.CatBridge, "Connected to MCP server", "client", cfg.Name, "pid", transport.PID(), "tools", c.session.Tools().Len())
	return c, nil
}

// NewClient runs the handshake over an existing transport.
func NewClient(ctx context.Context, cfg ClientConfig, t Transport) (*Client, error) {
	sessOpts := append([]SessionOption{WithTracer(cfg.Tracer), WithStateBroker(cfg.StateBus)}, cfg.Session...)
	session := NewSession(t, sessOpts...)
	if _, err := session.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("connecting %s: %w", cfg.Name, err)
	}
	invOpts := append([]InvokerOption{WithInvokerTracer(cfg.Tracer)}, cfg.Invoker...)
	return &Client{
		name:      cfg.Name,
		transport: t,
		session:   session,
		invoker:   NewInvoker(session, invOpts...),
	}, nil
}

// Name returns the configured client name.
func (c *Client) Name() string { return c.name }

// Session returns the underlying RPC session.
func (c *Client) Session() *Session { return c.session }

// Invoker returns the tool invoker.
func (c *Client) Invoker() *Invoker { return c.invoker }

// Tools lists the discovered tools.
func (c *Client) Tools() []ToolDescriptor { return c.session.Tools().List() }

// CallTool invokes a tool; see Invoker.CallTool.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) ToolCallResult {
	return c.invoker.CallTool(ctx, name, args)
}

// Ping checks the server is responsive.
func (c *Client) Ping(ctx context.Context) error { return c.session.Ping(ctx) }

// Info returns a status snapshot.
func (c *Client) Info() ClientInfo {
	info := ClientInfo{
		Name:  c.name,
		State: c.session.State(),
		Tools: c.session.Tools().Len(),
	}
	si := c.session.ServerInfo()
	info.ServerName = si.ServerInfo.Name
	info.Version = si.ServerInfo.Version
	if pt, ok := c.transport.(*ProcessTransport); ok {
		info.PID = pt.PID()
	}
	return info
}

// Close closes the session and terminates the server.
func (c *Client) Close() error {
	log.Debug(log.CatBridge, "Closing client", "client", c.name)
	return c.session.Close()
}
