package ai

import (
	"context"
	"errors"
	"strings"
)

// EchoProvider replies with the last user message. It needs no network and is
// the default for local development.
type EchoProvider struct{}

func (EchoProvider) reply(messages []Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return "echo: " + messages[i].Content, nil
		}
	}
	return "", errors.New("echo: no user message")
}

func (p EchoProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.reply(messages)
}

// StreamChat emits the reply word by word, keeping separators attached.
func (p EchoProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		text, err := p.reply(messages)
		if err != nil {
			errs <- err
			return
		}
		for len(text) > 0 {
			n := strings.IndexByte(text[1:], ' ')
			piece := text
			if n >= 0 {
				piece = text[:n+1]
			}
			if !send(ctx, chunks, piece) {
				errs <- ctx.Err()
				return
			}
			text = text[len(piece):]
		}
	}()

	return chunks, errs
}
