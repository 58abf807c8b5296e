package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harness/internal/agent"
	"harness/internal/cancel"
	"harness/internal/event"
)

func TestExecutionBuffer(t *testing.T) {
	x := newExecution("e", "", "p", cancel.New(context.Background()), 3)

	frames, wait, finished, dropped := x.since(0)
	assert.Empty(t, frames)
	assert.False(t, finished)
	assert.False(t, dropped)

	x.append(event.Text{Content: "a"})
	select {
	case <-wait:
	default:
		t.Fatal("append did not wake followers")
	}

	for _, s := range []string{"b", "c", "d"} {
		x.append(event.Text{Content: s})
	}

	frames, _, _, dropped = x.since(0)
	assert.True(t, dropped)
	require.Len(t, frames, 3)
	assert.Equal(t, "2", frames[0].ID)
	assert.Equal(t, "text", frames[0].Event)
	assert.JSONEq(t, `{"type":"text","content":"b"}`, frames[0].Data)

	frames, _, _, dropped = x.since(3)
	assert.False(t, dropped)
	require.Len(t, frames, 1)
	assert.Equal(t, "4", frames[0].ID)

	frames, _, _, _ = x.since(4)
	assert.Empty(t, frames)

	x.finish(&agent.Result{Outcome: agent.OutcomeCompleted})
	_, _, finished, _ = x.since(4)
	assert.True(t, finished)

	snap := x.snapshot()
	assert.Equal(t, "abcd", snap.Response)
	assert.Equal(t, "completed", snap.Status)
	assert.NotNil(t, snap.CompletedAt)
}

func TestParseCursor(t *testing.T) {
	assert.Equal(t, uint64(0), parseCursor(""))
	assert.Equal(t, uint64(0), parseCursor("abc"))
	assert.Equal(t, uint64(0), parseCursor("-1"))
	assert.Equal(t, uint64(17), parseCursor(" 17 "))
}
