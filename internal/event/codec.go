package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"harness/internal/metrics"
	"harness/internal/sse"
)

var (
	ErrUnknownType = errors.New("unknown event type")
	ErrMalformed   = errors.New("malformed event payload")
)

// Decode parses one JSON payload into its typed event.
func Decode(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformed
	}
	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	var (
		ev  Event
		err error
	)
	switch Kind(typ.Str) {
	case KindText:
		ev, err = unmarshal[Text](data)
	case KindThinking:
		ev, err = unmarshal[Thinking](data)
	case KindToolCallStart:
		ev, err = unmarshal[ToolCallStart](data)
	case KindToolCallDelta:
		ev, err = unmarshal[ToolCallDelta](data)
	case KindToolCallEnd:
		ev, err = unmarshal[ToolCallEnd](data)
	case KindToolResult:
		ev, err = unmarshal[ToolResult](data)
	case KindArtifact:
		ev, err = unmarshal[Artifact](data)
	case KindProgress:
		ev, err = unmarshal[Progress](data)
	case KindError:
		ev, err = unmarshal[Error](data)
	case KindDone:
		ev, err = unmarshal[Done](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ.Str)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ev, nil
}

func unmarshal[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode renders e as a JSON object carrying its "type" discriminator.
func Encode(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Kind(), err)
	}
	return sjson.SetBytes(b, "type", string(e.Kind()))
}

// Adapt classifies a decoded frame by the payload's "type", falling back to
// the frame's event name when the payload has none. Frames whose payload is
// not a known event are dropped and counted; the stream carries on.
func Adapt(f sse.Frame) (Event, bool) {
	data := []byte(f.Data)
	if f.Event != "" && gjson.ValidBytes(data) && gjson.ParseBytes(data).IsObject() && !gjson.GetBytes(data, "type").Exists() {
		if typed, err := sjson.SetBytes(data, "type", f.Event); err == nil {
			data = typed
		}
	}
	ev, err := Decode(data)
	if err != nil {
		metrics.FramesDropped.WithLabelValues(dropReason(err)).Inc()
		slog.Debug("dropping frame", "id", f.ID, "event", f.Event, "error", err)
		return nil, false
	}
	metrics.EventsDecoded.WithLabelValues(string(ev.Kind())).Inc()
	return ev, true
}

func dropReason(err error) string {
	if errors.Is(err, ErrUnknownType) {
		return "unknown_type"
	}
	return "malformed"
}
