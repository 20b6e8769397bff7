package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/barnabee-home/barnabee/pkg/provider/embeddings"
	"github.com/barnabee-home/barnabee/pkg/provider/llm"
	"github.com/barnabee-home/barnabee/pkg/provider/localintent"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	llm         map[string]func(ProviderEntry) (llm.Provider, error)
	embeddings  map[string]func(ProviderEntry) (embeddings.Provider, error)
	localIntent map[string]func(ProviderEntry) (localintent.Classifier, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:         make(map[string]func(ProviderEntry) (llm.Provider, error)),
		embeddings:  make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
		localIntent: make(map[string]func(ProviderEntry) (localintent.Classifier, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterLocalIntent registers a local intent classifier factory under name.
func (r *Registry) RegisterLocalIntent(name string, factory func(ProviderEntry) (localintent.Classifier, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localIntent[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLocalIntent instantiates a local intent classifier using the factory
// registered under entry.Name.
func (r *Registry) CreateLocalIntent(entry ProviderEntry) (localintent.Classifier, error) {
	r.mu.RLock()
	factory, ok := r.localIntent[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: local_intent/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
