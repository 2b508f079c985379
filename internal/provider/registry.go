package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
)

// Stats counts client cache activity.
type Stats struct {
	Hits    int64
	Misses  int64
	Created int64
}

// Registry maps provider names to descriptors and cached clients.
type Registry struct {
	defaultName string
	descriptors map[string]Descriptor
	factories   map[Kind]Factory

	mu      sync.RWMutex
	clients map[string]StreamingProvider

	hits    atomic.Int64
	misses  atomic.Int64
	created atomic.Int64
}

// NewRegistry validates descriptors and returns a registry. Any problem
// here is a configuration error.
func NewRegistry(defaultName string, descriptors []Descriptor, factories map[Kind]Factory) (*Registry, error) {
	r := &Registry{
		defaultName: defaultName,
		descriptors: make(map[string]Descriptor, len(descriptors)),
		factories:   factories,
		clients:     map[string]StreamingProvider{},
	}
	for _, d := range descriptors {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, chat.Errorf(chat.KindConfiguration, "provider.registry", "provider with empty name")
		}
		if _, dup := r.descriptors[name]; dup {
			return nil, chat.Errorf(chat.KindConfiguration, "provider.registry", "duplicate provider %q", name)
		}
		if _, ok := factories[d.Kind]; !ok {
			return nil, chat.Errorf(chat.KindConfiguration, "provider.registry", "provider %q has unsupported kind %q", name, d.Kind)
		}
		if requiresCredential(d.Kind) && strings.TrimSpace(d.APIKey) == "" {
			return nil, chat.Errorf(chat.KindConfiguration, "provider.registry", "provider %q requires an API key", name)
		}
		if d.Model == "" && d.Kind != KindDummy {
			return nil, chat.Errorf(chat.KindConfiguration, "provider.registry", "provider %q has no model", name)
		}
		d.Name = name
		r.descriptors[name] = d
	}
	if _, ok := r.descriptors[defaultName]; !ok {
		return nil, chat.Errorf(chat.KindConfiguration, "provider.registry", "default provider %q is not configured", defaultName)
	}
	return r, nil
}

func requiresCredential(k Kind) bool {
	return k == KindOpenAI || k == KindAnthropic
}

// Default returns the configured fallback provider name.
func (r *Registry) Default() string {
	return r.defaultName
}

// Names returns all provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the descriptor registered under name.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	d, ok := r.descriptors[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("provider %q: %w", name, chat.ErrUnknownProvider)
	}
	return d, nil
}

// Validate reports whether name is a registered provider.
func (r *Registry) Validate(name string) error {
	_, err := r.Resolve(name)
	return err
}

// Client returns the shared client for name, creating it on first use.
// A lookup that finds no cached client counts as a miss even when another
// caller creates it first; Created counts constructions only.
func (r *Registry) Client(name string) (StreamingProvider, error) {
	r.mu.RLock()
	c, ok := r.clients[name]
	r.mu.RUnlock()
	if ok {
		r.hits.Add(1)
		return c, nil
	}

	d, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	r.misses.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[name]; ok {
		return c, nil
	}
	c, err = r.factories[d.Kind](d)
	if err != nil {
		return nil, chat.NewError(chat.KindConfiguration, "provider.client", fmt.Errorf("create %q: %w", name, err))
	}
	r.clients[name] = c
	r.created.Add(1)
	return c, nil
}

// Stats returns a snapshot of cache counters.
func (r *Registry) Stats() Stats {
	return Stats{Hits: r.hits.Load(), Misses: r.misses.Load(), Created: r.created.Load()}
}
