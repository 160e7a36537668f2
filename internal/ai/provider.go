package ai

import "context"

// Roles used throughout the pipeline. Providers translate RoleModel to their
// own vocabulary ("assistant" for OpenAI-compatible APIs).
const (
	RoleSystem = "system"
	RoleUser   = "user"
	RoleModel  = "model"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider generates a complete reply for a conversation.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

func wireRole(role string) string {
	if role == RoleModel {
		return "assistant"
	}
	return role
}

func send(ctx context.Context, ch chan<- string, v string) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
