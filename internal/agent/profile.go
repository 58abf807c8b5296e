package agent

import (
	"sort"

	"harness/internal/config"
)

// Profile is a named loop configuration with a scoped toolset.
type Profile struct {
	Name         string
	SystemPrompt string
	Tools        []string // tool names; empty = all tools
}

// ProfilesFromConfig converts the [agents.*] config sections.
func ProfilesFromConfig(cfg map[string]*config.AgentProfile) map[string]*Profile {
	out := make(map[string]*Profile, len(cfg))
	for name, p := range cfg {
		if p == nil {
			continue
		}
		out[name] = &Profile{Name: name, SystemPrompt: p.SystemPrompt, Tools: p.Tools}
	}
	return out
}

func sortedProfileNames(profiles map[string]*Profile) []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
