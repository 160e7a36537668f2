package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming chat.
// Both channels are closed when streaming ends; at most one error is sent.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}
