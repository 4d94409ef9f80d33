package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a completion request and returns the full response.
	Chat(ctx context.Context, req *Request) (*ChatResponse, error)

	// ChatStream sends a streaming request. Every text delta is delivered
	// to callback as a KindToken event, followed by exactly one KindDone
	// event when the stream completes successfully.
	ChatStream(ctx context.Context, req *Request, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
