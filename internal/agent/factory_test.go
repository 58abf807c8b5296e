package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harness/internal/config"
	"harness/internal/event"
	"harness/internal/llm"
)

func TestLoopFactoryScopesProfile(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	reg.Register("file", noop)
	reg.Register("web", noop)

	profiles := ProfilesFromConfig(map[string]*config.AgentProfile{
		"researcher": {SystemPrompt: "dig deep", Tools: []string{"web"}},
		"generalist": {},
	})
	p := &scriptedProvider{turns: [][]event.Event{{done(llm.StopEndTurn, 0, 0)}}}
	f := NewLoopFactory(p, reg, profiles, WithMaxIterations(2))

	assert.Equal(t, []string{"generalist", "researcher"}, f.Profiles())

	loop, err := f.Build("researcher")
	require.NoError(t, err)
	assert.Equal(t, 2, loop.maxIterations)

	_, err = loop.Run(context.Background(), Input{Prompt: "go"}, func(event.Event) {})
	require.NoError(t, err)
	require.Len(t, p.requests, 1)
	assert.Equal(t, "dig deep", p.requests[0].SystemPrompt)
	require.Len(t, p.requests[0].Tools, 1)
	assert.Equal(t, "web", p.requests[0].Tools[0].Name)

	loop, err = f.Build("generalist")
	require.NoError(t, err)
	assert.Len(t, loop.registry.All(), 2)

	_, err = f.Build("unknown")
	assert.Error(t, err)
}
