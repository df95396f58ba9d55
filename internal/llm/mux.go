package llm

import (
	"context"
	"fmt"

	"github.com/renqi/tradewind/internal/domain"
)

// Mux routes chat requests to per-model clients. Models without a
// dedicated client fall through to the default one, so a single
// gateway endpoint serves the whole population while individual
// models can point at their own providers.
type Mux struct {
	fallback ChatClient
	clients  map[string]ChatClient
}

// NewMux creates a mux around the default client.
func NewMux(fallback ChatClient) *Mux {
	return &Mux{
		fallback: fallback,
		clients:  make(map[string]ChatClient),
	}
}

// Route binds a model name to its own client. Later bindings for the
// same model replace earlier ones.
func (m *Mux) Route(model string, client ChatClient) {
	m.clients[model] = client
}

// ChatCompletion dispatches on the request's model name.
func (m *Mux) ChatCompletion(ctx context.Context, req Request) (*Response, error) {
	if c, ok := m.clients[req.Model]; ok {
		return c.ChatCompletion(ctx, req)
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("%w: no client for model %q", domain.ErrUnavailable, req.Model)
	}
	return m.fallback.ChatCompletion(ctx, req)
}
