package chat

import (
	"unicode/utf8"

	"github.com/suPer8Hu/ragchat/internal/ai"
)

// Window bounds the prior turns sent to the model. Zero fields are unbounded.
type Window struct {
	MaxMessages int
	MaxChars    int
}

// Fit keeps the newest messages that satisfy both bounds, then drops leading
// model turns so the window opens with a user message.
func (w Window) Fit(history []ai.Message) []ai.Message {
	start := len(history)
	chars := 0
	for i := len(history) - 1; i >= 0; i-- {
		if w.MaxMessages > 0 && len(history)-i > w.MaxMessages {
			break
		}
		n := utf8.RuneCountInString(history[i].Content)
		if w.MaxChars > 0 && chars+n > w.MaxChars {
			break
		}
		chars += n
		start = i
	}
	for start < len(history) && history[start].Role != ai.RoleUser {
		start++
	}
	return history[start:]
}
