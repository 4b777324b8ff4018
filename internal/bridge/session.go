package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/biomcp/internal/log"
	"github.com/zjrosen/biomcp/internal/mcp"
	"github.com/zjrosen/biomcp/internal/pubsub"
)

// Default timeouts.
const (
	DefaultCallTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Default client identity sent during initialize.
const (
	DefaultClientName    = "bio-mcp-host"
	DefaultClientVersion = "1.0.0"
)

type callResult struct {
	msg *mcp.Message
	err error
}

type pendingRequest struct {
	id     int64
	method string
	sentAt time.Time
	ch     chan callResult
}

// Session is a JSON-RPC client over a Transport. Requests are pipelined: a
// single read loop routes each response to its waiter by id.
type Session struct {
	transport        Transport
	callTimeout      time.Duration
	handshakeTimeout time.Duration
	clientInfo       mcp.ImplementationInfo
	protocolVersion  string
	tracer           trace.Tracer

	state    *stateMachine
	broker   *pubsub.Broker[StateChange]
	nextID   atomic.Int64
	initOnce atomic.Bool

	mu         sync.Mutex
	pending    map[int64]*pendingRequest
	registry   *Registry
	serverInfo mcp.InitializeResult

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithCallTimeout sets the default per-request timeout.
func WithCallTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithHandshakeTimeout sets the timeout for each handshake request.
func WithHandshakeTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithClientInfo sets the clientInfo sent in initialize.
func WithClientInfo(name, version string) SessionOption {
	return func(s *Session) {
		s.clientInfo = mcp.ImplementationInfo{Name: name, Version: version}
	}
}

// WithProtocolVersion overrides the protocol version sent in initialize.
func WithProtocolVersion(v string) SessionOption {
	return func(s *Session) {
		if v != "" {
			s.protocolVersion = v
		}
	}
}

// WithTracer records a span per request.
func WithTracer(tracer trace.Tracer) SessionOption {
	return func(s *Session) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithStateBroker publishes state transitions on the given broker.
func WithStateBroker(b *pubsub.Broker[StateChange]) SessionOption {
	return func(s *Session) {
		if b != nil {
			s.broker = b
		}
	}
}

// NewSession wraps t and starts the read loop. The session is disconnected
// until Initialize succeeds.
func NewSession(t Transport, opts ...SessionOption) *Session {
	s := &Session{
		transport:        t,
		callTimeout:      DefaultCallTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		clientInfo:       mcp.ImplementationInfo{Name: DefaultClientName, Version: DefaultClientVersion},
		protocolVersion:  mcp.ProtocolVersion,
		tracer:           noop.NewTracerProvider().Tracer("noop"),
		pending:          make(map[int64]*pendingRequest),
		loopDone:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.broker == nil {
		s.broker = pubsub.NewBroker[StateChange]()
	}
	s.state = newStateMachine(s.broker)

	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	go s.readLoop(ctx)
	return s
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	return s.state.get()
}

// StateBroker returns the broker that receives every StateChange.
func (s *Session) StateBroker() *pubsub.Broker[StateChange] {
	return s.broker
}

// Tools returns the registry filled during Initialize, or nil before.
func (s *Session) Tools() *Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

// ServerInfo returns the initialize result received from the server.
func (s *Session) ServerInfo() mcp.InitializeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Initialize performs the handshake: initialize, notifications/initialized,
// tools/list. On any failure the session is closed along with its transport.
func (s *Session) Initialize(ctx context.Context) (tools []ToolDescriptor, err error) {
	if !s.initOnce.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInitialized
	}
	if err := s.state.transition(StateConnecting); err != nil {
		return nil, &HandshakeError{Step: "connect", Err: err}
	}

	ctx, span := s.tracer.Start(ctx, "mcp.initialize", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.ErrorErr(log.CatBridge, "Handshake failed", err)
			_ = s.Close()
		}
	}()

	params := mcp.InitializeParams{
		ProtocolVersion: s.protocolVersion,
		Capabilities:    mcp.ClientCapability{},
		ClientInfo:      s.clientInfo,
	}
	raw, err := s.Call(ctx, mcp.MethodInitialize, params, s.handshakeTimeout)
	if err != nil {
		return nil, &HandshakeError{Step: mcp.MethodInitialize, Err: err}
	}
	var info mcp.InitializeResult
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, &HandshakeError{Step: mcp.MethodInitialize, Err: fmt.Errorf("decoding result: %w", err)}
	}
	log.Info(log.CatBridge, "Server initialized",
		"server", info.ServerInfo.Name,
		"version", info.ServerInfo.Version,
		"protocolVersion", info.ProtocolVersion)

	if err := s.Notify(ctx, mcp.MethodInitialized, struct{}{}); err != nil {
		return nil, &HandshakeError{Step: mcp.MethodInitialized, Err: err}
	}

	raw, err = s.Call(ctx, mcp.MethodToolsList, struct{}{}, s.handshakeTimeout)
	if err != nil {
		return nil, &HandshakeError{Step: mcp.MethodToolsList, Err: err}
	}
	tools, err = descriptorsFromRaw(raw)
	if err != nil {
		return nil, &HandshakeError{Step: mcp.MethodToolsList, Err: fmt.Errorf("decoding tools: %w", err)}
	}

	s.mu.Lock()
	s.serverInfo = info
	s.registry = newRegistry(tools)
	s.mu.Unlock()

	if err := s.state.transition(StateReady); err != nil {
		return nil, &HandshakeError{Step: "ready", Err: err}
	}
	span.SetAttributes(attribute.Int("mcp.tools", len(tools)))
	log.Info(log.CatBridge, "Session ready", "tools", len(tools))
	return s.registry.List(), nil
}

// Call sends a request and waits for its response. A timeout of zero uses
// the session default. Timeouts leave the session usable; transport
// failures close it.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if s.State() == StateClosed {
		return nil, &TransportError{Op: "call", Err: ErrTransportClosed}
	}
	if timeout <= 0 {
		timeout = s.callTimeout
	}

	id := s.nextID.Add(1)
	ctx, span := s.tracer.Start(ctx, "mcp.call "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
			attribute.Int64("rpc.jsonrpc.request_id", id),
		))
	defer span.End()

	result, err := s.call(ctx, id, method, params, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (s *Session) call(ctx context.Context, id int64, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	req := mcp.Request{JSONRPC: mcp.JSONRPCVersion, ID: json.RawMessage(strconv.FormatInt(id, 10)), Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", method, err)
		}
		req.Params = data
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}

	p := &pendingRequest{id: id, method: method, sentAt: time.Now(), ch: make(chan callResult, 1)}
	s.mu.Lock()
	s.pending[id] = p
	s.mu.Unlock()
	if s.State() == StateClosed {
		s.removePending(id)
		return nil, &TransportError{Op: "call", Err: ErrTransportClosed}
	}

	log.Debug(log.CatBridge, "Sending request", "id", id, "method", method)
	if err := s.transport.Send(ctx, line); err != nil {
		s.removePending(id)
		var te *TransportError
		if errors.As(err, &te) {
			s.shutdown()
		}
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.ch:
		if r.err != nil {
			return nil, r.err
		}
		log.Debug(log.CatBridge, "Received response", "id", id, "method", method, "elapsed", time.Since(p.sentAt))
		if r.msg.Error != nil {
			return nil, r.msg.Error
		}
		return r.msg.Result, nil
	case <-timer.C:
		s.removePending(id)
		log.Warn(log.CatBridge, "Request timed out", "id", id, "method", method, "timeout", timeout)
		return nil, &TimeoutError{Method: method, After: timeout}
	case <-ctx.Done():
		s.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Method: method, After: time.Since(p.sentAt).Round(time.Millisecond)}
		}
		return nil, ctx.Err()
	}
}

// Notify sends a notification, which has no id and gets no response.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if s.State() == StateClosed {
		return &TransportError{Op: "notify", Err: ErrTransportClosed}
	}
	line, err := json.Marshal(mcp.Notification{JSONRPC: mcp.JSONRPCVersion, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encoding %s notification: %w", method, err)
	}
	if err := s.transport.Send(ctx, line); err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			s.shutdown()
		}
		return err
	}
	return nil
}

// Ping checks that the server still answers.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Call(ctx, mcp.MethodPing, nil, 0)
	return err
}

// Close moves the session to closed, closes the transport and fails every
// pending request. It is idempotent.
func (s *Session) Close() error {
	s.shutdown()
	<-s.loopDone
	return s.closeErr
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		if s.state.close() {
			log.Debug(log.CatBridge, "Session closed")
		}
		s.loopCancel()
		s.closeErr = s.transport.Close()
		s.failPending(&TransportError{Op: "close", Err: ErrTransportClosed})
	})
}

func (s *Session) removePending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) failPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int64]*pendingRequest)
	s.mu.Unlock()

	for _, p := range pending {
		p.ch <- callResult{err: err}
	}
}

func (s *Session) readLoop(ctx context.Context) {
	defer close(s.loopDone)

	for {
		line, err := s.transport.ReceiveLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var te *TransportError
			if !errors.As(err, &te) {
				te = &TransportError{Op: "receive", Err: err}
			}
			log.Debug(log.CatBridge, "Read loop stopped", "error", te)
			s.failPending(te)
			s.shutdown()
			return
		}
		s.dispatch(ctx, line)
	}
}

func (s *Session) dispatch(ctx context.Context, line []byte) {
	var msg mcp.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		log.Debug(log.CatBridge, "Dropping malformed line", "error", err, "line", string(line))
		return
	}

	switch {
	case msg.IsResponse():
		s.route(&msg)
	case msg.IsRequest():
		s.answerServerRequest(ctx, &msg)
	case msg.IsNotification():
		log.Debug(log.CatBridge, "Server notification", "method", msg.Method)
	default:
		log.Debug(log.CatBridge, "Dropping message without id or method", "line", string(line))
	}
}

func (s *Session) route(msg *mcp.Message) {
	id, ok := msg.IntID()
	if !ok {
		log.Debug(log.CatBridge, "Dropping response with non-integer id", "id", string(msg.ID))
		return
	}
	s.mu.Lock()
	p, found := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !found {
		log.Debug(log.CatBridge, "Dropping response for unknown or expired id", "id", id)
		return
	}
	p.ch <- callResult{msg: msg}
}

// answerServerRequest replies to requests the server initiates. Only ping is
// supported.
func (s *Session) answerServerRequest(ctx context.Context, msg *mcp.Message) {
	var resp *mcp.Response
	if msg.Method == mcp.MethodPing {
		resp = mcp.NewResponse(msg.ID, struct{}{})
	} else {
		log.Debug(log.CatBridge, "Ignoring server request", "method", msg.Method)
		resp = mcp.NewErrorResponse(msg.ID, mcp.NewMethodNotFound(msg.Method))
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.transport.Send(ctx, data); err != nil {
		log.Debug(log.CatBridge, "Failed to answer server request", "method", msg.Method, "error", err)
	}
}
