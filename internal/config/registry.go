package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/visiontalk/pkg/realtime"
)

// ErrProviderNotRegistered is returned by [Registry.CreateRealtime] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// RealtimeFactory builds a realtime provider from its config section.
type RealtimeFactory func(RealtimeConfig) (realtime.Provider, error)

// Registry maps provider names to constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	realtime map[string]RealtimeFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{realtime: make(map[string]RealtimeFactory)}
}

// RegisterRealtime registers a realtime provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRealtime(name string, factory RealtimeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// CreateRealtime instantiates the provider registered under cfg.Provider.
func (r *Registry) CreateRealtime(cfg RealtimeConfig) (realtime.Provider, error) {
	r.mu.RLock()
	factory, ok := r.realtime[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: realtime/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// RealtimeNames lists the registered realtime providers, sorted.
func (r *Registry) RealtimeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.realtime))
	for n := range r.realtime {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
