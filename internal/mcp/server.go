package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/biomcp/internal/log"
	"github.com/zjrosen/biomcp/internal/pubsub"
)

// ToolHandler handles a single tool call. A returned error is reported to the
// client as an isError result, never as a JSON-RPC error.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// ToolEvent describes one completed tools/call handled by the server.
type ToolEvent struct {
	ToolName  string
	Arguments json.RawMessage
	Duration  time.Duration
	IsError   bool
	Error     string
}

// Server implements an MCP server over newline-delimited stdio.
type Server struct {
	info         ImplementationInfo
	instructions string

	mu       sync.RWMutex
	order    []string
	tools    map[string]Tool
	handlers map[string]ToolHandler

	writeMu sync.Mutex
	writer  io.Writer

	initialized bool
	tracer      trace.Tracer
	broker      *pubsub.Broker[ToolEvent]
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerTracer wraps every tool handler in a span.
func WithServerTracer(tracer trace.Tracer) ServerOption {
	return func(s *Server) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// NewServer creates a new MCP server.
func NewServer(name, version string, opts ...ServerOption) *Server {
	s := &Server{
		info:     ImplementationInfo{Name: name, Version: version},
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
		tracer:   noop.NewTracerProvider().Tracer("noop"),
		broker:   pubsub.NewBrokerWithBuffer[ToolEvent](128),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool adds a tool to the dispatch table. Registering a name twice
// replaces the handler but keeps the original listing position.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[tool.Name]; !exists {
		s.order = append(s.order, tool.Name)
	}
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
	log.Debug(log.CatMCP, "Registered tool", "name", tool.Name)
}

// Tools returns the registered tools in registration order.
func (s *Server) Tools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]Tool, 0, len(s.order))
	for _, name := range s.order {
		tools = append(tools, s.tools[name])
	}
	return tools
}

// Broker returns the broker publishing a ToolEvent per handled tools/call.
func (s *Server) Broker() *pubsub.Broker[ToolEvent] {
	return s.broker
}

// Initialized reports whether the client sent notifications/initialized.
func (s *Server) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Serve reads requests from r and writes responses to w until r reaches EOF
// or ctx is cancelled. Requests are handled one at a time in arrival order.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.writeMu.Lock()
	s.writer = w
	s.writeMu.Unlock()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						log.Debug(log.CatMCP, "Scanner error", "error", err)
						return fmt.Errorf("reading input: %w", err)
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			s.HandleLine(ctx, line)
		}
	}
}

// HandleLine processes one raw JSON-RPC line and writes any response.
func (s *Server) HandleLine(ctx context.Context, line []byte) {
	log.Debug(log.CatMCP, "Received message", "raw", string(line))

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.send(NewErrorResponse(nil, NewParseError(err.Error())))
		return
	}
	if req.Method == "" {
		// Responses to server-initiated requests; the server never sends any.
		log.Debug(log.CatMCP, "Ignoring message without method")
		return
	}

	if req.IsNotification() {
		s.handleNotification(&req)
		return
	}

	result, rpcErr := s.dispatch(ctx, &req)
	if rpcErr != nil {
		s.send(NewErrorResponse(req.ID, rpcErr))
		return
	}
	s.send(NewResponse(req.ID, result))
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *RPCError) {
	log.Debug(log.CatMCP, "Handling request", "method", req.Method)

	switch req.Method {
	case MethodInitialize:
		return s.handleInitialize(req.Params)
	case MethodToolsList:
		return ToolsListResult{Tools: s.Tools()}, nil
	case MethodToolsCall:
		return s.handleToolsCall(ctx, req.Params)
	case MethodPing:
		return struct{}{}, nil
	default:
		return nil, NewMethodNotFound(req.Method)
	}
}

func (s *Server) handleNotification(req *Request) {
	switch req.Method {
	case MethodInitialized, "initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		log.Debug(log.CatMCP, "Client initialized")
	case MethodCancelled:
		log.Debug(log.CatMCP, "Request cancelled by client")
	default:
		log.Debug(log.CatMCP, "Unknown notification", "method", req.Method)
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}

	log.Info(log.CatMCP, "Initialize request",
		"protocolVersion", p.ProtocolVersion,
		"clientName", p.ClientInfo.Name,
		"clientVersion", p.ClientInfo.Version)

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ServerCapability{Tools: &ToolsCapability{}},
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewUnknownTool(p.Name)
	}

	args := p.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	ctx, span := s.tracer.Start(ctx, "mcp.tool."+p.Name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("mcp.tool", p.Name)))
	defer span.End()

	start := time.Now()
	result, err := s.invoke(ctx, p.Name, handler, args)
	duration := time.Since(start)

	evt := ToolEvent{ToolName: p.Name, Arguments: args, Duration: duration}
	if err != nil {
		log.Debug(log.CatMCP, "Tool execution failed", "name", p.Name, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result = ErrorResult(fmt.Sprintf("Error executing tool %s: %s", p.Name, err))
		evt.Error = err.Error()
	}
	if result == nil {
		result = SuccessResult("")
	}
	evt.IsError = result.IsError
	s.broker.Publish(pubsub.ToolCalledEvent, evt)

	log.Debug(log.CatMCP, "Tool call complete", "name", p.Name, "duration", duration, "isError", result.IsError)
	return result, nil
}

// invoke runs a handler, turning a panic into an error so one broken tool
// cannot take down the server loop.
func (s *Server) invoke(ctx context.Context, name string, handler ToolHandler, args json.RawMessage) (result *ToolCallResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatMCP, "Tool handler panicked", "name", name, "panic", r)
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx, args)
}

func (s *Server) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.ErrorErr(log.CatMCP, "Failed to marshal response", err)
		data, _ = json.Marshal(NewErrorResponse(resp.ID, NewInternalError(err.Error())))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writer == nil {
		return
	}
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		log.Debug(log.CatMCP, "Failed to write response", "error", err)
		return
	}
	log.Debug(log.CatMCP, "Sent response", "raw", string(data[:len(data)-1]))
}
