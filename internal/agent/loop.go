package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"harness/internal/conversation"
	"harness/internal/event"
	"harness/internal/llm"
	"harness/internal/metrics"
	"harness/internal/stream"
	"harness/internal/trace"
)

const (
	CodeBackendError = "backend_error"
	StopMaxIter      = "max_iterations"
)

type state int

const (
	stateIdle state = iota
	stateRequesting
	stateStreaming
	stateToolDispatch
)

func (s state) String() string {
	switch s {
	case stateRequesting:
		return "requesting"
	case stateStreaming:
		return "streaming"
	case stateToolDispatch:
		return "tool_dispatch"
	}
	return "idle"
}

var errCancelled = errors.New("cancelled")

// backendError is a model turn that ended with an error event.
type backendError struct {
	ev event.Error
}

func (e *backendError) Error() string { return e.ev.Code + ": " + e.ev.Message }

type Option func(*Loop)

func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

func WithSystemPrompt(s string) Option {
	return func(l *Loop) { l.systemPrompt = s }
}

func WithModel(m string) Option {
	return func(l *Loop) { l.model = m }
}

func WithMaxTokens(n int64) Option {
	return func(l *Loop) { l.maxTokens = n }
}

// Loop drives executions against one provider and tool registry. A Loop
// holds no per-execution state and may run executions concurrently.
type Loop struct {
	provider      llm.Provider
	registry      *Registry
	maxIterations int
	systemPrompt  string
	model         string
	maxTokens     int64
}

func NewLoop(provider llm.Provider, registry *Registry, opts ...Option) *Loop {
	l := &Loop{
		provider:      provider,
		registry:      registry,
		maxIterations: DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// guard forwards events until the first terminal event and drops anything
// after it.
type guard struct {
	mu   sync.Mutex
	out  func(event.Event)
	done bool
}

func (g *guard) emit(ev event.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return
	}
	if event.IsTerminal(ev) {
		g.done = true
	}
	g.out(ev)
}

type run struct {
	*Loop
	g        *guard
	conv     *conversation.State
	seed     int
	usage    event.Usage
	started  time.Time
	iter     int
	state    state
	execID   string
	toolsCtx context.Context
}

// Run executes in and calls emit for every event, ending with exactly one
// done or error event. Cancelling ctx stops the execution at the next
// check; that outcome is reported in the result, not as an error. The
// error is non-nil only for OutcomeFailed.
func (l *Loop) Run(ctx context.Context, in Input, emit func(event.Event)) (*Result, error) {
	if in.SessionID != "" {
		ctx = ContextWithSessionID(ctx, in.SessionID)
	}
	if in.ExecutionID != "" {
		ctx = ContextWithExecutionID(ctx, in.ExecutionID)
	}

	ctx, span := trace.Tracer().Start(ctx, "agent.loop.run",
		oteltrace.WithAttributes(
			attribute.String("execution.id", in.ExecutionID),
			attribute.String("session.id", in.SessionID),
			attribute.Int("agent.max_iterations", l.maxIterations),
		),
	)
	defer span.End()

	r := &run{
		Loop:    l,
		g:       &guard{out: emit},
		conv:    conversation.New(in.History...),
		started: time.Now(),
		execID:  in.ExecutionID,
	}
	r.seed = r.conv.Len()
	r.conv.AppendUser(in.Prompt)
	// Tools run to completion even when the execution is cancelled
	// mid-call; their results are then discarded.
	r.toolsCtx = ContextWithEmit(context.WithoutCancel(ctx), r.g.emit)

	metrics.RecordExecutionStart()
	res, err := r.loop(ctx)
	metrics.RecordExecutionEnd(string(res.Outcome), res.Iterations, time.Since(r.started))

	span.SetAttributes(
		attribute.String("agent.outcome", string(res.Outcome)),
		attribute.Int("agent.iterations", res.Iterations),
		attribute.Int64("llm.input_tokens", res.Usage.InputTokens),
		attribute.Int64("llm.output_tokens", res.Usage.OutputTokens),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	slog.Debug("execution finished", "execution_id", in.ExecutionID, "outcome", res.Outcome, "iterations", res.Iterations)
	return res, err
}

// Stream runs in on its own goroutine and returns its events as a pulled
// sequence. Failures arrive in-band as the terminal error event; closing
// the iterator cancels the execution.
func (l *Loop) Stream(ctx context.Context, in Input) *stream.Iterator {
	return stream.Pull(ctx, func(ctx context.Context, emit func(event.Event)) error {
		_, _ = l.Run(ctx, in, emit)
		return nil
	})
}

func (r *run) loop(ctx context.Context) (*Result, error) {
	for {
		if ctx.Err() != nil {
			return r.cancelled(), nil
		}

		r.transition(stateRequesting)
		blocks, calls, stop, err := r.streamTurn(ctx)
		if errors.Is(err, errCancelled) || (err != nil && ctx.Err() != nil) {
			return r.cancelled(), nil
		}
		if err != nil {
			return r.failed(err)
		}
		r.conv.AppendAssistant(blocks)

		if len(calls) == 0 || stop == llm.StopEndTurn || stop == "stop" {
			if stop == "" {
				stop = llm.StopEndTurn
			}
			return r.finish(OutcomeCompleted, event.Done{StopReason: stop}), nil
		}

		r.transition(stateToolDispatch)
		results, ok := r.dispatch(ctx, calls)
		if !ok {
			return r.cancelled(), nil
		}
		r.conv.AppendToolResults(results)
		r.iter++

		if r.iter >= r.maxIterations {
			slog.Info("iteration limit reached", "execution_id", r.execID, "iterations", r.iter)
			return r.finish(OutcomeTruncated, event.Done{StopReason: StopMaxIter, Truncated: true}), nil
		}
	}
}

func (r *run) transition(s state) {
	slog.Debug("loop state", "execution_id", r.execID, "from", r.state, "to", s, "iteration", r.iter)
	r.state = s
}

// streamTurn requests one model turn and relays its events. It returns the
// assistant blocks, the requested calls and the backend's stop reason.
func (r *run) streamTurn(ctx context.Context) ([]conversation.Block, []PendingToolCall, string, error) {
	ctx, span := trace.Tracer().Start(ctx, "llm.stream",
		oteltrace.WithAttributes(attribute.Int("llm.iteration", r.iter)),
	)
	defer span.End()

	it := r.provider.Stream(ctx, llm.Request{
		Model:        r.model,
		SystemPrompt: r.systemPrompt,
		MaxTokens:    r.maxTokens,
		Turns:        r.conv.Turns(),
		Tools:        r.registry.Schemas(),
	})
	defer it.Close()
	r.transition(stateStreaming)

	b := newTurnBuilder()
	var stop string
read:
	for {
		ev, err := it.Next(ctx)
		if ctx.Err() != nil {
			return nil, nil, "", errCancelled
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, nil, "", fmt.Errorf("model stream: %w", err)
		}

		switch e := ev.(type) {
		case event.Text:
			b.text(e.Content)
			r.g.emit(e)
		case event.Thinking:
			b.thinking(e.Thinking)
			r.g.emit(e)
		case event.ToolCallStart:
			if e, ok := b.start(e); ok {
				r.g.emit(e)
			}
		case event.ToolCallDelta:
			if b.delta(&e) {
				r.g.emit(e)
			}
		case event.ToolCallEnd:
			if b.end(&e) {
				r.g.emit(e)
			}
		case event.Progress, event.Artifact:
			r.g.emit(e)
		case event.Done:
			stop = e.StopReason
			if e.Usage != nil {
				r.addUsage(*e.Usage)
				span.SetAttributes(
					attribute.Int64("llm.input_tokens", e.Usage.InputTokens),
					attribute.Int64("llm.output_tokens", e.Usage.OutputTokens),
				)
			}
			break read
		case event.Error:
			return nil, nil, "", &backendError{ev: e}
		default:
			slog.Debug("ignoring backend event", "type", ev.Kind())
		}
	}

	for _, end := range b.closeOpen() {
		r.g.emit(end)
	}
	blocks, calls := b.finish()
	return blocks, calls, stop, nil
}

// dispatch runs calls sequentially in arrival order. It reports false when
// the execution was cancelled before all results were recorded.
func (r *run) dispatch(ctx context.Context, calls []PendingToolCall) ([]conversation.Block, bool) {
	blocks := make([]conversation.Block, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			return nil, false
		}
		res := r.registry.Invoke(r.toolsCtx, call.Name, call.Input)
		if ctx.Err() != nil {
			slog.Info("discarding tool result after cancellation", "execution_id", r.execID, "tool", call.Name)
			return nil, false
		}

		r.g.emit(event.ToolResult{ID: call.ID, Success: res.Success, Output: res.Output, Error: res.Error})
		blocks = append(blocks, conversation.Block{
			Type:       conversation.BlockToolResult,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Output:     renderResult(res),
			IsError:    !res.Success,
		})
	}
	return blocks, true
}

func renderResult(res InvocationResult) string {
	if !res.Success {
		return "error: " + res.Error
	}
	switch v := res.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	}
	b, err := json.Marshal(res.Output)
	if err != nil {
		return fmt.Sprint(res.Output)
	}
	return string(b)
}

func (r *run) addUsage(u event.Usage) {
	r.usage.InputTokens += u.InputTokens
	r.usage.OutputTokens += u.OutputTokens
}

func (r *run) finalUsage() event.Usage {
	u := r.usage
	u.TotalTokens = u.InputTokens + u.OutputTokens
	u.DurationMs = time.Since(r.started).Milliseconds()
	return u
}

func (r *run) result(o Outcome) *Result {
	return &Result{
		Outcome:    o,
		Iterations: r.iter,
		Usage:      r.finalUsage(),
		Turns:      r.conv.Since(r.seed),
	}
}

func (r *run) finish(o Outcome, done event.Done) *Result {
	res := r.result(o)
	u := res.Usage
	done.Usage = &u
	r.g.emit(done)
	return res
}

func (r *run) cancelled() *Result {
	slog.Info("execution cancelled", "execution_id", r.execID, "iterations", r.iter)
	r.g.emit(event.Error{Code: event.CodeCancelled, Message: "execution cancelled", Recoverable: false})
	return r.result(OutcomeCancelled)
}

func (r *run) failed(err error) (*Result, error) {
	ev := event.Error{Code: CodeBackendError, Message: err.Error()}
	var be *backendError
	if errors.As(err, &be) {
		ev = be.ev
		if ev.Code == "" {
			ev.Code = CodeBackendError
		}
	}
	slog.Error("execution failed", "execution_id", r.execID, "error", err)
	r.g.emit(ev)
	res := r.result(OutcomeFailed)
	res.Error = err.Error()
	return res, err
}
