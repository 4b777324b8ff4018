// Package host ties a model provider to the bio MCP server: it owns the
// bridge connection, the chat sessions and their optional persisted history.
package host

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/biomcp/internal/biotools"
	"github.com/zjrosen/biomcp/internal/bridge"
	"github.com/zjrosen/biomcp/internal/config"
	"github.com/zjrosen/biomcp/internal/infrastructure/sqlite"
	"github.com/zjrosen/biomcp/internal/llm"
	"github.com/zjrosen/biomcp/internal/log"
	"github.com/zjrosen/biomcp/internal/pubsub"
)

// ErrNotConnected is returned by tool helpers while the bridge is down.
var ErrNotConnected = errors.New("host not connected to Bio MCP server")

const clientName = "bio-mcp-server"

const systemPromptTemplate = `You are a helpful AI assistant specialized in biological research. You have access to bio-analysis tools through an MCP server.

Available tools:
%s

You can help with:
- Protein structure analysis and visualization
- pKa calculations using PROPKA
- DNA/RNA sequence analysis
- File management for biological data
- Structural biology research

When users ask about biological analysis, use the appropriate tools to help them. Always explain what you're doing and provide clear interpretations of results.`

// ChatOptions controls a single Chat turn.
type ChatOptions struct {
	// Provider overrides the session provider for this turn.
	Provider string
	// System replaces the default system prompt on the first turn.
	System  string
	Stream  bool
	OnChunk func(string)
}

// Status is a point-in-time view of the host.
type Status struct {
	Connected      bool
	Server         bridge.ClientInfo
	Providers      []llm.ProviderInfo
	ActiveSessions int
	AvailableTools int
}

// Health is the result of HealthCheck.
type Health struct {
	HostStatus     string
	BridgeOK       bool
	BridgeError    string
	LLMConnections map[string]bool
	Timestamp      time.Time
}

// Host coordinates the model providers and the bio MCP server.
type Host struct {
	cfg         config.Config
	manager     *llm.Manager
	tracer      trace.Tracer
	stateBus    *pubsub.Broker[bridge.StateChange]
	processOpts []bridge.ProcessOption
	managerOpts []llm.ManagerOption
	dial        DialFunc
	now         func() time.Time

	mu        sync.RWMutex
	client    *bridge.Client
	stopWatch context.CancelFunc
	sessions  map[string]*ChatSession

	db      *sqlite.DB
	history *sqlite.ConversationRepository
}

// New builds a host. Providers are created immediately; the server is not
// contacted until Start.
func New(cfg config.Config, opts ...Option) (*Host, error) {
	h := &Host{
		cfg:      cfg,
		sessions: make(map[string]*ChatSession),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	managerOpts := h.managerOpts
	if h.tracer != nil {
		managerOpts = append([]llm.ManagerOption{llm.WithAdapterOptions(llm.WithAdapterTracer(h.tracer))}, managerOpts...)
	}
	manager, err := llm.NewManager(cfg.LLM, h, h, managerOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating LLM manager: %w", err)
	}
	h.manager = manager

	if cfg.Host.HistoryDB != "" {
		db, err := sqlite.NewDB(cfg.Host.HistoryDB)
		if err != nil {
			return nil, fmt.Errorf("opening history: %w", err)
		}
		h.db = db
		h.history = db.Conversations()
	}
	return h, nil
}

// Manager returns the provider manager.
func (h *Host) Manager() *llm.Manager { return h.manager }

// Start connects to the bio MCP server. On failure the host stays usable for
// model-only chat and the error is returned for the caller to report.
func (h *Host) Start(ctx context.Context) error {
	log.Info(log.CatHost, "Starting host")
	cc := bridge.ClientConfig{
		Name:    clientName,
		Process: h.processConfig(),
		Session: []bridge.SessionOption{
			bridge.WithProtocolVersion(h.cfg.Bridge.ProtocolVersion),
			bridge.WithClientInfo(h.cfg.Bridge.ClientName, h.cfg.Bridge.ClientVersion),
			bridge.WithCallTimeout(h.cfg.Bridge.CallTimeout),
			bridge.WithHandshakeTimeout(h.cfg.Bridge.HandshakeTimeout),
		},
		Tracer:   h.tracer,
		StateBus: h.stateBus,
	}

	var (
		client *bridge.Client
		err    error
	)
	if h.dial != nil {
		var t bridge.Transport
		t, err = h.dial(ctx)
		if err == nil {
			client, err = bridge.NewClient(ctx, cc, t)
			if err != nil {
				_ = t.Close()
			}
		}
	} else {
		client, err = bridge.Connect(ctx, cc, h.processOpts...)
	}
	if err != nil {
		log.ErrorErr(log.CatHost, "Failed to connect to Bio MCP server", err)
		return fmt.Errorf("failed to connect to Bio MCP server: %w", err)
	}

	watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
	h.mu.Lock()
	if h.stopWatch != nil {
		h.stopWatch()
	}
	h.client = client
	h.stopWatch = stopWatch
	h.mu.Unlock()
	h.watch(watchCtx, client)
	log.Info(log.CatHost, "Host started", "tools", len(client.Tools()), "providers", h.manager.List())
	return nil
}

// watch drops client once its session closes, putting the host back into
// model-only mode.
func (h *Host) watch(ctx context.Context, client *bridge.Client) {
	events := client.Session().StateBroker().Subscribe(ctx)
	go func() {
		for client.Session().State() != bridge.StateClosed {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Payload.To != bridge.StateClosed {
					continue
				}
			}
		}
		h.dropClient(client)
	}()
}

func (h *Host) dropClient(client *bridge.Client) {
	h.mu.Lock()
	if h.client != client {
		h.mu.Unlock()
		return
	}
	h.client = nil
	h.mu.Unlock()

	log.Warn(log.CatHost, "Lost connection to Bio MCP server, continuing without tools")
	if err := client.Close(); err != nil {
		log.Debug(log.CatHost, "Closing dead client", "error", err)
	}
}

func (h *Host) processConfig() bridge.ProcessConfig {
	argv := h.cfg.Server.Command
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		argv = []string{exe, "server"}
	}
	return bridge.ProcessConfig{
		Command:    argv[0],
		Args:       argv[1:],
		Env:        h.cfg.Server.EnvList(),
		CloseGrace: h.cfg.Bridge.CloseGrace,
	}
}

// Stop closes the bridge and the history database.
func (h *Host) Stop() error {
	h.mu.Lock()
	client := h.client
	h.client = nil
	if h.stopWatch != nil {
		h.stopWatch()
		h.stopWatch = nil
	}
	h.mu.Unlock()

	var errs []error
	if client != nil {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.db != nil {
		if err := h.db.Close(); err != nil {
			errs = append(errs, err)
		}
		h.db = nil
	}
	log.Info(log.CatHost, "Host stopped")
	return errors.Join(errs...)
}

// Connected reports whether the bridge session is ready.
func (h *Host) Connected() bool {
	return h.bridgeClient() != nil
}

// bridgeClient returns the client while its session is ready, or nil.
func (h *Host) bridgeClient() *bridge.Client {
	h.mu.RLock()
	c := h.client
	h.mu.RUnlock()
	if c == nil || c.Session().State() != bridge.StateReady {
		return nil
	}
	return c
}

// Tools lists the server's tools, or nothing while disconnected.
func (h *Host) Tools() []bridge.ToolDescriptor {
	c := h.bridgeClient()
	if c == nil {
		return nil
	}
	return c.Tools()
}

// CallTool invokes a server tool. It never returns an error; a disconnected
// host reports a failed result.
func (h *Host) CallTool(ctx context.Context, name string, args map[string]any) bridge.ToolCallResult {
	c := h.bridgeClient()
	if c == nil {
		return bridge.ToolCallResult{ToolName: name, Arguments: args, Error: ErrNotConnected.Error()}
	}
	return c.CallTool(ctx, name, args)
}

// CreateSession starts an empty session bound to provider ("" for the
// default).
func (h *Host) CreateSession(provider string) *ChatSession {
	return h.createSession(uuid.NewString(), provider)
}

func (h *Host) createSession(id, provider string) *ChatSession {
	s := newChatSession(id, provider, h.now())
	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()

	if h.history != nil {
		if err := h.history.SaveSession(&sqlite.Conversation{GUID: id, Provider: provider, CreatedAt: s.CreatedAt}); err != nil {
			log.Warn(log.CatDB, "Failed to persist session", "session", id, "error", err)
		}
	}
	log.Debug(log.CatHost, "Session created", "session", id, "provider", provider)
	return s
}

// Session returns the session with id, or nil.
func (h *Host) Session(id string) *ChatSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

// DeleteSession forgets a session and its stored history.
func (h *Host) DeleteSession(id string) {
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	if h.history != nil {
		if err := h.history.DeleteSession(id); err != nil && !errors.Is(err, sqlite.ErrConversationNotFound) {
			log.Warn(log.CatDB, "Failed to delete stored session", "session", id, "error", err)
		}
	}
}

// History returns the stored transcript of a session. It fails when
// persistence is disabled.
func (h *Host) History(id string) ([]sqlite.Message, error) {
	if h.history == nil {
		return nil, errors.New("history is disabled")
	}
	return h.history.Messages(id)
}

// SystemPrompt returns the default prompt for new sessions.
func (h *Host) SystemPrompt() string {
	if h.cfg.Host.SystemPrompt != "" {
		return h.cfg.Host.SystemPrompt
	}
	tools := h.Tools()
	lines := make([]string, 0, len(tools))
	for _, t := range tools {
		lines = append(lines, fmt.Sprintf("- %s: %s", t.Name, t.Description))
	}
	return fmt.Sprintf(systemPromptTemplate, strings.Join(lines, "\n"))
}

// Chat sends userMsg in session sessionID, creating the session if needed.
// The assistant reply, or the error text, is appended to the transcript.
func (h *Host) Chat(ctx context.Context, sessionID, userMsg string, opts ChatOptions) (llm.Completion, error) {
	s := h.Session(sessionID)
	if s == nil {
		s = h.createSession(sessionID, opts.Provider)
	}
	provider := opts.Provider
	if provider == "" {
		provider = s.Provider
	}

	system := h.SystemPrompt
	if opts.System != "" {
		system = func() string { return opts.System }
	}
	conv, added := s.begin(system, userMsg)
	h.persist(s.ID, added...)

	if !h.Connected() {
		log.Debug(log.CatHost, "Chatting without tools", "session", s.ID)
	}

	var (
		comp llm.Completion
		err  error
	)
	if opts.Stream {
		comp, err = h.manager.CompleteStream(ctx, provider, conv, opts.OnChunk)
	} else {
		comp, err = h.manager.Complete(ctx, provider, conv)
	}

	reply := llm.ChatMessage{Role: llm.RoleAssistant, Content: comp.Content}
	if err != nil {
		reply.Content = "Error: " + err.Error()
		log.Warn(log.CatHost, "Chat failed", "session", s.ID, "provider", provider, "error", err)
	}
	s.append(reply)
	h.persist(s.ID, reply)
	return comp, err
}

func (h *Host) persist(id string, msgs ...llm.ChatMessage) {
	if h.history == nil {
		return
	}
	for _, m := range msgs {
		if err := h.history.AppendMessage(id, string(m.Role), m.Content); err != nil {
			log.Warn(log.CatDB, "Failed to persist message", "session", id, "error", err)
			return
		}
	}
}

// Status returns a snapshot of the host.
func (h *Host) Status() Status {
	st := Status{Providers: h.manager.Info()}
	h.mu.RLock()
	st.ActiveSessions = len(h.sessions)
	h.mu.RUnlock()
	if client := h.bridgeClient(); client != nil {
		st.Connected = true
		st.Server = client.Info()
		st.AvailableTools = st.Server.Tools
	}
	return st
}

// HealthCheck pings the server and tests every provider concurrently.
func (h *Host) HealthCheck(ctx context.Context) Health {
	health := Health{HostStatus: "disconnected"}
	client := h.bridgeClient()

	var wg conc.WaitGroup
	if client != nil {
		health.HostStatus = "healthy"
		wg.Go(func() {
			if err := client.Ping(ctx); err != nil {
				health.BridgeError = err.Error()
				return
			}
			health.BridgeOK = true
		})
	}
	wg.Go(func() {
		health.LLMConnections = h.manager.TestAll(ctx)
	})
	wg.Wait()
	health.Timestamp = h.now()
	return health
}

// call runs a tool and converts a failed result into an error.
func (h *Host) call(ctx context.Context, name string, args map[string]any) (string, error) {
	if !h.Connected() {
		return "", ErrNotConnected
	}
	res := h.CallTool(ctx, name, args)
	if !res.Success {
		return "", fmt.Errorf("%s: %s", name, res.Error)
	}
	return res.Content, nil
}

// UploadFile reads a local file and stores it on the server. An empty name
// uses the file's base name.
func (h *Host) UploadFile(ctx context.Context, path, name string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	if name == "" {
		name = filepath.Base(path)
	}
	return h.call(ctx, biotools.NameUploadFile, map[string]any{
		"filename": name,
		"content":  base64.StdEncoding.EncodeToString(content),
	})
}

// ListFiles lists stored files, optionally filtered by biological type.
func (h *Host) ListFiles(ctx context.Context, bioType string) (string, error) {
	args := map[string]any{}
	if bioType != "" {
		args["bio_type"] = bioType
	}
	return h.call(ctx, biotools.NameListFiles, args)
}

// FileInfo describes one stored file.
func (h *Host) FileInfo(ctx context.Context, fileID string) (string, error) {
	return h.call(ctx, biotools.NameGetFileInfo, map[string]any{"file_id": fileID})
}

// CalculatePka runs PROPKA on a stored structure.
func (h *Host) CalculatePka(ctx context.Context, fileID string, ph float64) (string, error) {
	return h.call(ctx, biotools.NameCalculatePka, map[string]any{"file_id": fileID, "ph": ph})
}

// Visualize renders a stored structure.
func (h *Host) Visualize(ctx context.Context, fileID, style string) (string, error) {
	if style == "" {
		style = "cartoon"
	}
	return h.call(ctx, biotools.NameVisualizeStructure, map[string]any{"file_id": fileID, "style": style})
}
