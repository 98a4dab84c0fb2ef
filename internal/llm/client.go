package llm

import "context"

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends the transcript and the available tools and returns the
	// model's reply.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
