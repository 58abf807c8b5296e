package llm

import (
	"context"
	"encoding/json"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"harness/internal/conversation"
	"harness/internal/event"
	"harness/internal/stream"
)

const defaultAnthropicMaxTokens = 4096

type AnthropicProvider struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

func NewAnthropic(baseURL, apiKey, model string, maxTokens int64) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client:    sdk.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (a *AnthropicProvider) Stream(ctx context.Context, req Request) *stream.Iterator {
	params := a.params(req)
	return stream.Pull(ctx, func(ctx context.Context, emit func(event.Event)) error {
		return pumpAnthropic(a.client.Messages.NewStreaming(ctx, params), emit)
	})
}

func (a *AnthropicProvider) params(req Request) sdk.MessageNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}
	params := sdk.MessageNewParams{
		MaxTokens: firstPositive(req.MaxTokens, a.maxTokens, defaultAnthropicMaxTokens),
		Messages:  anthropicMessages(req.Turns),
		Model:     sdk.Model(model),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	for _, t := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: t.InputSchema}, t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params
}

func anthropicMessages(turns []conversation.Turn) []sdk.MessageParam {
	var msgs []sdk.MessageParam
	for _, turn := range turns {
		var blocks []sdk.ContentBlockParamUnion
		for _, b := range turn.Blocks {
			switch b.Type {
			case conversation.BlockText:
				if b.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(b.Text))
				}
			case conversation.BlockToolUse:
				blocks = append(blocks, sdk.NewToolUseBlock(b.ToolCallID, json.RawMessage(toolInput(b.Input)), b.ToolName))
			case conversation.BlockToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(b.ToolCallID, b.Output, b.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if turn.Role == conversation.RoleAssistant {
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))
		} else {
			msgs = append(msgs, sdk.NewUserMessage(blocks...))
		}
	}
	return msgs
}

func pumpAnthropic(s *ssestream.Stream[sdk.MessageStreamEventUnion], emit func(event.Event)) error {
	defer s.Close()
	t := newAnthropicTranslator()
	for s.Next() {
		for _, ev := range t.handle(s.Current()) {
			emit(ev)
		}
	}
	return s.Err()
}

// anthropicTranslator maps Messages stream events to execution events.
// Tool blocks are tracked by content index.
type anthropicTranslator struct {
	tools      map[int64]string
	stopReason string
	usage      event.Usage
}

func newAnthropicTranslator() *anthropicTranslator {
	return &anthropicTranslator{tools: make(map[int64]string)}
}

func (t *anthropicTranslator) handle(ev sdk.MessageStreamEventUnion) []event.Event {
	switch e := ev.AsAny().(type) {
	case sdk.MessageStartEvent:
		t.usage.InputTokens = e.Message.Usage.InputTokens
	case sdk.ContentBlockStartEvent:
		if tu, ok := e.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			t.tools[e.Index] = tu.ID
			return []event.Event{event.ToolCallStart{ID: tu.ID, Name: tu.Name}}
		}
	case sdk.ContentBlockDeltaEvent:
		switch d := e.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if d.Text != "" {
				return []event.Event{event.Text{Content: d.Text}}
			}
		case sdk.ThinkingDelta:
			if d.Thinking != "" {
				return []event.Event{event.Thinking{Thinking: d.Thinking}}
			}
		case sdk.InputJSONDelta:
			if id, ok := t.tools[e.Index]; ok && d.PartialJSON != "" {
				return []event.Event{event.ToolCallDelta{ID: id, PartialInput: d.PartialJSON}}
			}
		}
	case sdk.ContentBlockStopEvent:
		if id, ok := t.tools[e.Index]; ok {
			delete(t.tools, e.Index)
			return []event.Event{event.ToolCallEnd{ID: id}}
		}
	case sdk.MessageDeltaEvent:
		t.stopReason = string(e.Delta.StopReason)
		if e.Usage.InputTokens > 0 {
			t.usage.InputTokens = e.Usage.InputTokens
		}
		t.usage.OutputTokens = e.Usage.OutputTokens
	case sdk.MessageStopEvent:
		u := t.usage
		u.TotalTokens = u.InputTokens + u.OutputTokens
		return []event.Event{event.Done{Usage: &u, StopReason: t.stopReason}}
	}
	return nil
}
