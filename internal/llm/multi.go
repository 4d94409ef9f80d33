package llm

import (
	"context"
	"fmt"
)

// MultiClient routes requests to a provider by model name.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client
}

// NewMultiClient creates a router with fallback for unmapped models.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

func (m *MultiClient) clientFor(model string) (Client, error) {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client, nil
		}
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return m.fallback, nil
}

// Chat forwards to the provider for req.Model.
func (m *MultiClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	client, err := m.clientFor(req.Model)
	if err != nil {
		return nil, err
	}
	return client.Chat(ctx, req)
}

// ChatStream forwards to the provider for req.Model.
func (m *MultiClient) ChatStream(ctx context.Context, req *Request, callback StreamCallback) (*ChatResponse, error) {
	client, err := m.clientFor(req.Model)
	if err != nil {
		return nil, err
	}
	return client.ChatStream(ctx, req, callback)
}

// Ping checks every registered provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	if len(m.clients) == 0 && m.fallback == nil {
		return fmt.Errorf("no providers configured")
	}
	for name, c := range m.clients {
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
