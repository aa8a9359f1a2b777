package crawler

import (
	"fmt"
	"slices"
	"sync"
)

// AnalyzerProvider supplies a fixed set of analyzers.
type AnalyzerProvider interface {
	// Name returns the provider identifier (e.g., "builtin").
	Name() string

	// Analyzers returns the analyzers this provider contributes.
	Analyzers() []Analyzer
}

// ProviderFactory creates an AnalyzerProvider from configuration.
type ProviderFactory func(cfg *Config) (AnalyzerProvider, error)

var (
	providersMu sync.RWMutex
	providers   = make(map[string]ProviderFactory)
)

// RegisterProvider registers a provider factory by name.
// Providers should call this in their init() function.
func RegisterProvider(name string, factory ProviderFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()

	providers[name] = factory
}

// NewProvider creates a provider instance by name.
func NewProvider(name string, cfg *Config) (AnalyzerProvider, error) { //nolint:ireturn
	providersMu.RLock()
	factory, ok := providers[name]
	providersMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	return factory(cfg)
}

// RegisteredProviders returns the names of all registered providers, sorted.
func RegisteredProviders() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// StaticProvider is an AnalyzerProvider over a fixed list.
type StaticProvider struct {
	ProviderName string
	List         []Analyzer
}

// Name implements AnalyzerProvider.
func (p *StaticProvider) Name() string {
	return p.ProviderName
}

// Analyzers implements AnalyzerProvider.
func (p *StaticProvider) Analyzers() []Analyzer {
	return p.List
}
