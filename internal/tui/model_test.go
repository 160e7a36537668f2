package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/suPer8Hu/ragchat/internal/chat"
)

type fakeChat struct {
	pieces  []string
	err     error
	sendErr error
	gotSID  []string
}

func (f *fakeChat) SendMessageStream(ctx context.Context, userID uint64, prompt, sessionID string) (*chat.Turn, error) {
	f.gotSID = append(f.gotSID, sessionID)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	chunks := make(chan string, len(f.pieces))
	done := make(chan chat.StreamResult, 1)
	for _, p := range f.pieces {
		chunks <- p
	}
	close(chunks)
	done <- chat.StreamResult{Err: f.err}
	close(done)
	return &chat.Turn{Session: &chat.Session{SessionID: "01SESSION"}, Chunks: chunks, Done: done}, nil
}

// run feeds msg to the model and keeps executing returned commands until the
// model goes idle.
func run(t *testing.T, m tea.Model, msg tea.Msg) Model {
	t.Helper()
	for i := 0; msg != nil; i++ {
		if i > 100 {
			t.Fatal("model did not settle")
		}
		var cmd tea.Cmd
		m, cmd = m.Update(msg)
		if cmd == nil {
			break
		}
		msg = cmd()
	}
	return m.(Model)
}

func typeAndEnter(t *testing.T, m Model, text string) Model {
	t.Helper()
	m.input.SetValue(text)
	return run(t, m, tea.KeyMsg{Type: tea.KeyEnter})
}

func newModel(svc ChatPort) Model {
	m := New(context.Background(), svc, 1, "", "test")
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	return next.(Model)
}

func TestModel_StreamsReplyIntoTranscript(t *testing.T) {
	svc := &fakeChat{pieces: []string{"Hel", "lo", " world"}}
	m := typeAndEnter(t, newModel(svc), "hi")

	if m.SessionID() != "01SESSION" {
		t.Fatalf("session id = %q", m.SessionID())
	}
	if len(m.transcript) != 2 || m.transcript[1].text != "Hello world" {
		t.Fatalf("transcript = %+v", m.transcript)
	}
	if m.pending {
		t.Fatalf("model still pending")
	}
	if !strings.Contains(m.View(), "Hello world") {
		t.Fatalf("view misses reply:\n%s", m.View())
	}

	// the next turn continues the same session
	m = typeAndEnter(t, m, "again")
	if svc.gotSID[1] != "01SESSION" {
		t.Fatalf("second turn used session %q", svc.gotSID[1])
	}

	m = typeAndEnter(t, m, "/new")
	if m.SessionID() != "" || len(m.transcript) != 0 {
		t.Fatalf("/new did not reset: %q %d", m.SessionID(), len(m.transcript))
	}
}

func TestModel_InterruptedStream(t *testing.T) {
	svc := &fakeChat{pieces: []string{"par"}, err: errors.New("upstream gone")}
	m := typeAndEnter(t, newModel(svc), "hi")

	if !strings.Contains(m.transcript[1].text, "not saved") {
		t.Fatalf("expected interruption marker, got %q", m.transcript[1].text)
	}
	if !strings.Contains(m.status, "upstream gone") {
		t.Fatalf("status = %q", m.status)
	}
}

func TestModel_SendFailureDropsPlaceholder(t *testing.T) {
	svc := &fakeChat{sendErr: errors.New("rate limited")}
	m := typeAndEnter(t, newModel(svc), "hi")

	if len(m.transcript) != 1 || m.transcript[0].text != "hi" {
		t.Fatalf("transcript = %+v", m.transcript)
	}
	if m.pending {
		t.Fatalf("model still pending")
	}
}
