package llm

import (
	"fmt"
	"sort"

	"github.com/zjrosen/biomcp/internal/config"
)

// Factory builds a Backend from its configuration section.
type Factory func(cfg config.ProviderConfig, opts ...ProviderOption) (Backend, error)

var providerRegistry = make(map[string]Factory)

// RegisterProvider registers a backend factory under name.
// This should be called from init() in the file defining the backend.
func RegisterProvider(name string, factory Factory) {
	providerRegistry[name] = factory
}

// NewBackend builds the named backend.
// Returns ErrUnknownProvider if the name is not registered.
func NewBackend(name string, cfg config.ProviderConfig, opts ...ProviderOption) (Backend, error) {
	factory, ok := providerRegistry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return factory(cfg, opts...)
}

// RegisteredProviders returns the registered provider names, sorted.
func RegisteredProviders() []string {
	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether name has a registered factory.
func IsRegistered(name string) bool {
	_, ok := providerRegistry[name]
	return ok
}
