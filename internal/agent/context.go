package agent

import (
	"context"

	"harness/internal/event"
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	executionIDKey
	delegationDepthKey
	emitKey
	prompterKey
)

func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

func ContextWithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

func ExecutionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(executionIDKey).(string); ok {
		return v
	}
	return ""
}

func ContextWithDelegationDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, delegationDepthKey, depth)
}

func DelegationDepthFromContext(ctx context.Context) int {
	if v, ok := ctx.Value(delegationDepthKey).(int); ok {
		return v
	}
	return 0
}

// ContextWithEmit lets tools push side-channel events (progress, artifacts)
// into the running execution's stream.
func ContextWithEmit(ctx context.Context, emit func(event.Event)) context.Context {
	return context.WithValue(ctx, emitKey, emit)
}

func EmitFromContext(ctx context.Context) func(event.Event) {
	if v, ok := ctx.Value(emitKey).(func(event.Event)); ok {
		return v
	}
	return nil
}

// Prompter asks the interactive user a question and waits for the answer.
type Prompter interface {
	Ask(ctx context.Context, question string) (string, error)
}

func ContextWithPrompter(ctx context.Context, p Prompter) context.Context {
	return context.WithValue(ctx, prompterKey, p)
}

func PrompterFromContext(ctx context.Context) Prompter {
	if v, ok := ctx.Value(prompterKey).(Prompter); ok {
		return v
	}
	return nil
}
