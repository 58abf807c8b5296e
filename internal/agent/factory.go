package agent

import (
	"fmt"

	"harness/internal/llm"
)

// LoopFactory builds loops scoped to agent profiles.
type LoopFactory struct {
	provider llm.Provider
	registry *Registry
	profiles map[string]*Profile
	opts     []Option
}

// NewLoopFactory returns a factory over the global registry. opts apply to
// every built loop before the profile's own settings.
func NewLoopFactory(provider llm.Provider, registry *Registry, profiles map[string]*Profile, opts ...Option) *LoopFactory {
	return &LoopFactory{
		provider: provider,
		registry: registry,
		profiles: profiles,
		opts:     opts,
	}
}

// Build creates a loop for the named profile. The loop sees only the
// profile's tools.
func (f *LoopFactory) Build(name string) (*Loop, error) {
	p, ok := f.profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent profile: %s", name)
	}

	opts := append([]Option(nil), f.opts...)
	if p.SystemPrompt != "" {
		opts = append(opts, WithSystemPrompt(p.SystemPrompt))
	}
	return NewLoop(f.provider, f.registry.Scope(p.Tools), opts...), nil
}

// Profiles returns the profile names in sorted order.
func (f *LoopFactory) Profiles() []string {
	return sortedProfileNames(f.profiles)
}
