// Package providers provides a unified registry for all provider adapters.
// It allows automatic client creation from configuration.
package providers

import (
	"fmt"
	"sync"

	"github.com/evermind-ai/evermind/pkg/provider"
	"github.com/evermind-ai/evermind/providers/anthropic"
	"github.com/evermind-ai/evermind/providers/openai"
)

var (
	registry     = make(map[string]provider.Factory)
	registryOnce sync.Once
	registryMu   sync.RWMutex
)

// Register registers a provider factory with the given type name.
func Register(providerType string, factory provider.Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[providerType] = factory
}

// Get returns the factory for the given provider type.
func Get(providerType string) (provider.Factory, bool) {
	RegisterBuiltins()
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[providerType]
	return f, ok
}

// Create creates a provider client from configuration.
func Create(cfg provider.Config) (provider.Client, error) {
	RegisterBuiltins()

	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s (available: %v)", cfg.Type, List())
	}

	client, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.ValidateConfig(); err != nil {
		return nil, err
	}
	return client, nil
}

// List returns all registered provider type names.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// RegisterBuiltins registers all built-in provider factories.
// This is called automatically on first use.
func RegisterBuiltins() {
	registryOnce.Do(func() {
		Register("openai", openai.NewFromConfig)
		Register("anthropic", anthropic.NewFromConfig)
	})
}
