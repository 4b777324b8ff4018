package llm

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/zjrosen/biomcp/internal/config"
	"github.com/zjrosen/biomcp/internal/log"
)

// ProviderInfo describes one configured provider.
type ProviderInfo struct {
	Provider          string `json:"provider"`
	Model             string `json:"model"`
	IsDefault         bool   `json:"is_default"`
	SupportsStreaming bool   `json:"supports_streaming"`
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithProviderOptions applies opts to every backend the manager builds.
func WithProviderOptions(opts ...ProviderOption) ManagerOption {
	return func(m *Manager) {
		m.providerOpts = append(m.providerOpts, opts...)
	}
}

// WithAdapterOptions applies opts to every adapter the manager builds.
func WithAdapterOptions(opts ...AdapterOption) ManagerOption {
	return func(m *Manager) {
		m.adapterOpts = append(m.adapterOpts, opts...)
	}
}

// Manager owns one adapter per configured provider and tracks the default.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
	configs  map[string]config.ProviderConfig
	order    []string
	def      string

	tools        ToolSource
	invoker      ToolInvoker
	retry        RetryPolicy
	providerOpts []ProviderOption
	adapterOpts  []AdapterOption
}

// NewManager builds a backend for every provider that has an API key.
func NewManager(cfg config.LLMConfig, tools ToolSource, invoker ToolInvoker, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		adapters: make(map[string]*Adapter),
		configs:  make(map[string]config.ProviderConfig),
		tools:    tools,
		invoker:  invoker,
		retry:    RetryPolicyFromConfig(cfg.Retry),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, name := range cfg.Configured() {
		pc, _ := cfg.Provider(name)
		if err := m.Add(name, pc); err != nil {
			return nil, err
		}
	}

	if cfg.Default != "" {
		if err := m.SetDefault(cfg.Default); err != nil {
			log.Warn(log.CatLLM, "Default provider not configured", "provider", cfg.Default, "fallback", m.Default())
		}
	}
	log.Info(log.CatLLM, "LLM manager ready", "providers", m.List(), "default", m.Default())
	return m, nil
}

// Add builds and registers a provider, replacing any existing one with the
// same name. The first provider added becomes the default.
func (m *Manager) Add(name string, pc config.ProviderConfig) error {
	backend, err := NewBackend(name, pc, m.providerOpts...)
	if err != nil {
		return fmt.Errorf("adding provider %s: %w", name, err)
	}
	opts := append([]AdapterOption{WithRetryPolicy(m.retry)}, m.adapterOpts...)
	adapter := NewAdapter(backend, m.tools, m.invoker, opts...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.adapters[name]; !exists {
		m.order = append(m.order, name)
	}
	m.adapters[name] = adapter
	m.configs[name] = pc
	if m.def == "" {
		m.def = name
	}
	log.Debug(log.CatLLM, "Provider added", "provider", name, "model", backend.Model())
	return nil
}

// Remove drops a provider. If it was the default, the next remaining
// provider takes over. Reports whether the provider existed.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adapters[name]; !ok {
		return false
	}
	delete(m.adapters, name)
	delete(m.configs, name)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })
	if m.def == name {
		m.def = ""
		if len(m.order) > 0 {
			m.def = m.order[0]
		}
	}
	return true
}

// SetDefault selects the default provider.
func (m *Manager) SetDefault(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adapters[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	m.def = name
	return nil
}

// Default returns the default provider name, or "" when none is configured.
func (m *Manager) Default() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.def
}

// Get returns the named adapter. An empty name selects the default.
func (m *Manager) Get(name string) (*Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name == "" {
		name = m.def
	}
	if name == "" {
		return nil, ErrNoProvider
	}
	a, ok := m.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return a, nil
}

// List returns provider names in the order they were added.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// Info describes every provider.
func (m *Manager) Info() []ProviderInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]ProviderInfo, 0, len(m.order))
	for _, name := range m.order {
		infos = append(infos, ProviderInfo{
			Provider:          name,
			Model:             m.adapters[name].Backend().Model(),
			IsDefault:         name == m.def,
			SupportsStreaming: true,
		})
	}
	return infos
}

// Complete runs a completion on the named provider.
func (m *Manager) Complete(ctx context.Context, name string, conv []ChatMessage) (Completion, error) {
	a, err := m.Get(name)
	if err != nil {
		return Completion{}, err
	}
	return a.Complete(ctx, conv)
}

// CompleteStream runs a streaming completion on the named provider.
func (m *Manager) CompleteStream(ctx context.Context, name string, conv []ChatMessage, onChunk func(string)) (Completion, error) {
	a, err := m.Get(name)
	if err != nil {
		return Completion{}, err
	}
	return a.CompleteStream(ctx, conv, onChunk)
}

// TestAll sends a short tool-less prompt to every provider concurrently and
// reports which ones answered.
func (m *Manager) TestAll(ctx context.Context) map[string]bool {
	m.mu.RLock()
	backends := make(map[string]Backend, len(m.adapters))
	for name, a := range m.adapters {
		backends[name] = a.Backend()
	}
	m.mu.RUnlock()

	hello := []ChatMessage{{Role: RoleUser, Content: "Hello"}}
	var (
		mu      sync.Mutex
		results = make(map[string]bool, len(backends))
		wg      conc.WaitGroup
	)
	for name, b := range backends {
		wg.Go(func() {
			_, err := b.Send(ctx, hello, nil)
			if err != nil {
				log.Warn(log.CatLLM, "Provider connection test failed", "provider", name, "error", err)
			}
			mu.Lock()
			results[name] = err == nil
			mu.Unlock()
		})
	}
	wg.Wait()
	return results
}

// SwitchModel rebuilds a provider with a different model.
func (m *Manager) SwitchModel(name, model string) error {
	m.mu.RLock()
	pc, ok := m.configs[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	pc.Model = model
	return m.Add(name, pc)
}
