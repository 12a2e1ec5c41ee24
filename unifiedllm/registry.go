package unifiedllm

import (
	"context"
	"sort"
	"sync"

	"github.com/martinemde/pixy/internal/logger"
)

// BuiltinSourceID is the source id builtin providers are registered under.
const BuiltinSourceID = "pixy-builtins"

// BuiltinFactory constructs one builtin provider. A factory that returns an
// error (typically missing credentials) is skipped during Init.
type BuiltinFactory func() (Provider, error)

type registration struct {
	provider Provider
	sourceID string
}

// Registry maps an API identifier to the provider serving it. Providers are
// registered under a source id so a whole batch can be removed with
// UnregisterAll. Reads are concurrent, writes are serialized.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]registration
	sources   map[string]map[string]struct{}
	builtins  []BuiltinFactory
	wrapOpts  []ReliableOption
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBuiltins adds builtin factories registered by Init and Reset.
func WithBuiltins(factories ...BuiltinFactory) RegistryOption {
	return func(r *Registry) {
		r.builtins = append(r.builtins, factories...)
	}
}

// WithBuiltinReliability sets the reliability options used to wrap builtins.
func WithBuiltinReliability(opts ...ReliableOption) RegistryOption {
	return func(r *Registry) {
		r.wrapOpts = append(r.wrapOpts, opts...)
	}
}

// NewRegistry creates an empty registry. Builtins are not registered until Init.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		providers: make(map[string]registration),
		sources:   make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds provider under sourceID, replacing any provider previously
// registered for the same API.
func (r *Registry) Register(provider Provider, sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(provider, sourceID)
}

func (r *Registry) registerLocked(provider Provider, sourceID string) {
	api := provider.API()
	if prev, ok := r.providers[api]; ok {
		if apis := r.sources[prev.sourceID]; apis != nil {
			delete(apis, api)
			if len(apis) == 0 {
				delete(r.sources, prev.sourceID)
			}
		}
	}
	r.providers[api] = registration{provider: provider, sourceID: sourceID}
	apis := r.sources[sourceID]
	if apis == nil {
		apis = make(map[string]struct{})
		r.sources[sourceID] = apis
	}
	apis[api] = struct{}{}
}

// UnregisterAll removes every provider registered under sourceID and returns
// how many were removed. Providers of other sources are untouched.
func (r *Registry) UnregisterAll(sourceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	apis := r.sources[sourceID]
	for api := range apis {
		delete(r.providers, api)
	}
	delete(r.sources, sourceID)
	return len(apis)
}

// Get returns the provider registered for api.
func (r *Registry) Get(api string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[api]
	return reg.provider, ok
}

// APIs returns the registered API identifiers in sorted order.
func (r *Registry) APIs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for api := range r.providers {
		out = append(out, api)
	}
	sort.Strings(out)
	return out
}

// Sources returns the source ids that currently own at least one provider.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for id := range r.sources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clear removes every provider.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

func (r *Registry) clearLocked() {
	r.providers = make(map[string]registration)
	r.sources = make(map[string]map[string]struct{})
}

// Init registers the builtin providers, each wrapped in a ReliableProvider.
func (r *Registry) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initLocked()
}

func (r *Registry) initLocked() {
	for _, factory := range r.builtins {
		p, err := factory()
		if err != nil {
			logger.WarnContext(context.Background(), "skipping builtin provider", "error", err)
			continue
		}
		if _, wrapped := p.(*ReliableProvider); !wrapped {
			p = NewReliableProvider(p, r.wrapOpts...)
		}
		r.registerLocked(p, BuiltinSourceID)
	}
}

// Reset clears the registry and registers the builtins again. After Reset the
// registry contains exactly the builtins, regardless of how often it is called.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
	r.initLocked()
}
