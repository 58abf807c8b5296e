package llm

import (
	"context"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"harness/internal/conversation"
	"harness/internal/event"
	"harness/internal/stream"
)

type OpenAIProvider struct {
	client    *openai.Client
	model     string
	maxTokens int64
}

func NewOpenAI(baseURL, apiKey, model string, maxTokens int64) *OpenAIProvider {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, option.WithHTTPClient(&http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}))
	client := openai.NewClient(opts...)
	return &OpenAIProvider{client: &client, model: model, maxTokens: maxTokens}
}

func (o *OpenAIProvider) Stream(ctx context.Context, req Request) *stream.Iterator {
	params := o.params(req)
	return stream.Pull(ctx, func(ctx context.Context, emit func(event.Event)) error {
		return pumpOpenAI(o.client.Responses.NewStreaming(ctx, params), emit)
	})
}

func (o *OpenAIProvider) params(req Request) responses.ResponseNewParams {
	model := req.Model
	if model == "" {
		model = o.model
	}
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: openaiInput(req.Turns),
		},
	}
	if req.SystemPrompt != "" {
		params.Instructions = openai.String(req.SystemPrompt)
	}
	if n := firstPositive(req.MaxTokens, o.maxTokens); n > 0 {
		params.MaxOutputTokens = openai.Int(n)
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  t.InputSchema,
				Strict:      openai.Bool(false),
			},
		})
	}
	return params
}

func openaiInput(turns []conversation.Turn) []responses.ResponseInputItemUnionParam {
	var items []responses.ResponseInputItemUnionParam
	for _, turn := range turns {
		switch turn.Role {
		case conversation.RoleUser:
			items = append(items, responses.ResponseInputItemParamOfMessage(turn.Text(), "user"))
		case conversation.RoleAssistant:
			if text := turn.Text(); text != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(text, "assistant"))
			}
			for _, b := range turn.ToolUses() {
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(string(toolInput(b.Input)), b.ToolCallID, b.ToolName))
			}
		case conversation.RoleToolResult:
			for _, b := range turn.Blocks {
				items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(b.ToolCallID, b.Output))
			}
		}
	}
	return items
}

func pumpOpenAI(s *ssestream.Stream[responses.ResponseStreamEventUnion], emit func(event.Event)) error {
	defer s.Close()
	t := newOpenAITranslator()
	for s.Next() {
		for _, ev := range t.handle(s.Current()) {
			emit(ev)
		}
	}
	return s.Err()
}

type openaiCall struct {
	callID   string
	streamed bool
}

// openaiTranslator maps Responses API stream events to execution events.
// Argument deltas reference the output item id, so calls are tracked by it.
type openaiTranslator struct {
	calls   map[string]*openaiCall
	sawCall bool
}

func newOpenAITranslator() *openaiTranslator {
	return &openaiTranslator{calls: make(map[string]*openaiCall)}
}

func (t *openaiTranslator) handle(ev responses.ResponseStreamEventUnion) []event.Event {
	switch ev.Type {
	case "response.output_text.delta":
		if ev.Delta != "" {
			return []event.Event{event.Text{Content: ev.Delta}}
		}
	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		if ev.Delta != "" {
			return []event.Event{event.Thinking{Thinking: ev.Delta}}
		}
	case "response.output_item.added":
		if ev.Item.Type != "function_call" {
			return nil
		}
		fc := ev.Item.AsFunctionCall()
		t.calls[fc.ID] = &openaiCall{callID: fc.CallID}
		t.sawCall = true
		return []event.Event{event.ToolCallStart{ID: fc.CallID, Name: fc.Name}}
	case "response.function_call_arguments.delta":
		c := t.calls[ev.ItemID]
		if c == nil || ev.Delta == "" {
			return nil
		}
		c.streamed = true
		return []event.Event{event.ToolCallDelta{ID: c.callID, PartialInput: ev.Delta}}
	case "response.output_item.done":
		if ev.Item.Type != "function_call" {
			return nil
		}
		fc := ev.Item.AsFunctionCall()
		c := t.calls[fc.ID]
		if c == nil {
			return nil
		}
		delete(t.calls, fc.ID)
		var out []event.Event
		if !c.streamed && fc.Arguments != "" {
			out = append(out, event.ToolCallDelta{ID: c.callID, PartialInput: fc.Arguments})
		}
		return append(out, event.ToolCallEnd{ID: c.callID})
	case "response.completed", "response.incomplete":
		resp := ev.Response
		stop := StopEndTurn
		switch {
		case t.sawCall:
			stop = StopToolUse
		case string(resp.Status) == "incomplete":
			stop = StopMaxTokens
		}
		return []event.Event{event.Done{
			StopReason: stop,
			Usage: &event.Usage{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			},
		}}
	case "response.failed":
		return []event.Event{event.Error{Code: "backend_error", Message: ev.Response.Error.Message}}
	}
	return nil
}

func firstPositive(vs ...int64) int64 {
	for _, v := range vs {
		if v > 0 {
			return v
		}
	}
	return 0
}
