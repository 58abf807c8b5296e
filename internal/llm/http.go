package llm

import (
	"context"

	"harness/internal/stream"
)

// HTTPProvider talks to a remote backend that answers a posted Request with
// an execution stream in the same wire format this module serves.
type HTTPProvider struct {
	url    string
	apiKey string
	opts   []stream.Option
}

func NewHTTP(url, apiKey string, opts ...stream.Option) *HTTPProvider {
	return &HTTPProvider{url: url, apiKey: apiKey, opts: opts}
}

func (h *HTTPProvider) Stream(ctx context.Context, req Request) *stream.Iterator {
	opts := append([]stream.Option{stream.WithBody(req)}, h.opts...)
	if h.apiKey != "" {
		opts = append(opts, stream.WithHeader("Authorization", "Bearer "+h.apiKey))
	}
	return stream.New(h.url, opts...).Events(ctx)
}
