package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/talkinghead/pkg/provider/animation"
	"github.com/MrWong99/talkinghead/pkg/provider/voice"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// engine kind. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	voice     map[string]func(ProviderEntry) (voice.Engine, error)
	animation map[string]func(ProviderEntry) (animation.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		voice:     make(map[string]func(ProviderEntry) (voice.Engine, error)),
		animation: make(map[string]func(ProviderEntry) (animation.Engine, error)),
	}
}

// RegisterVoice registers a voice engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVoice(name string, factory func(ProviderEntry) (voice.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voice[name] = factory
}

// RegisterAnimation registers an animation engine factory under name.
func (r *Registry) RegisterAnimation(name string, factory func(ProviderEntry) (animation.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.animation[name] = factory
}

// CreateVoice instantiates a voice engine using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVoice(entry ProviderEntry) (voice.Engine, error) {
	r.mu.RLock()
	factory, ok := r.voice[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: voice/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateAnimation instantiates an animation engine using the factory registered under entry.Name.
func (r *Registry) CreateAnimation(entry ProviderEntry) (animation.Engine, error) {
	r.mu.RLock()
	factory, ok := r.animation[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: animation/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
