package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/suPer8Hu/ragchat/internal/chat"
)

// ChatPort is the TUI-facing subset of the chat service.
type ChatPort interface {
	SendMessageStream(ctx context.Context, userID uint64, prompt, sessionID string) (*chat.Turn, error)
}

type entry struct {
	role string
	text string
}

type (
	turnStartedMsg struct{ turn *chat.Turn }
	turnFailedMsg  struct{ err error }
	chunkMsg       string
	turnDoneMsg    chat.StreamResult
)

// Model is the Bubble Tea model of the chat REPL. One turn streams at a time;
// input is ignored until it finishes.
type Model struct {
	ctx       context.Context
	svc       ChatPort
	userID    uint64
	sessionID string
	summary   string

	input      textinput.Model
	viewport   viewport.Model
	transcript []entry
	turn       *chat.Turn
	pending    bool
	status     string
	ready      bool
}

func New(ctx context.Context, svc ChatPort, userID uint64, sessionID, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask something and press Enter (/new starts a new chat)"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		ctx:       ctx,
		svc:       svc,
		userID:    userID,
		sessionID: sessionID,
		summary:   summary,
		input:     ti,
		viewport:  vp,
		status:    "Ready.",
	}
}

func (m Model) SessionID() string { return m.sessionID }

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) startTurn(prompt string) tea.Cmd {
	ctx, svc, uid, sid := m.ctx, m.svc, m.userID, m.sessionID
	return func() tea.Msg {
		turn, err := svc.SendMessageStream(ctx, uid, prompt, sid)
		if err != nil {
			return turnFailedMsg{err: err}
		}
		return turnStartedMsg{turn: turn}
	}
}

func waitForChunk(turn *chat.Turn) tea.Cmd {
	return func() tea.Msg {
		if c, ok := <-turn.Chunks; ok {
			return chunkMsg(c)
		}
		return turnDoneMsg(<-turn.Done)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, th := transcriptBoxStyle.GetFrameSize()
		_, ih := inputBoxStyle.GetFrameSize()
		reserved := 2 + 1 + ih + 1 // header + summary, status, input box, spacer
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-th)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		if msg.Type == tea.KeyEnter {
			return m.submit()
		}

	case turnStartedMsg:
		m.sessionID = msg.turn.Session.SessionID
		m.turn = msg.turn
		return m, waitForChunk(m.turn)

	case chunkMsg:
		m.transcript[len(m.transcript)-1].text += string(msg)
		m.refresh()
		return m, waitForChunk(m.turn)

	case turnDoneMsg:
		m.turn = nil
		m.pending = false
		if msg.Err != nil {
			m.transcript[len(m.transcript)-1].text += "\n[reply interrupted, not saved]"
			m.status = "Error: " + msg.Err.Error()
		} else {
			m.status = "Session " + m.sessionID
		}
		m.refresh()
		return m, nil

	case turnFailedMsg:
		m.pending = false
		m.transcript = m.transcript[:len(m.transcript)-1]
		m.status = "Error: " + msg.err.Error()
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	if m.pending {
		return m, nil
	}
	prompt := strings.TrimSpace(m.input.Value())
	m.input.SetValue("")
	switch prompt {
	case "":
		return m, nil
	case "/quit", "/exit":
		return m, tea.Quit
	case "/new":
		m.sessionID = ""
		m.transcript = nil
		m.status = "New chat."
		m.refresh()
		return m, nil
	}

	m.transcript = append(m.transcript, entry{role: chat.RoleUser, text: prompt}, entry{role: chat.RoleModel})
	m.pending = true
	m.status = "Thinking..."
	m.refresh()
	return m, m.startTurn(prompt)
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("ragchat")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	body := transcriptBoxStyle.Render(m.viewport.View())
	input := inputBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	return header + "\n" + summary + "\n" + body + "\n" + input + "\n" + status
}

func (m Model) renderTranscript() string {
	if len(m.transcript) == 0 {
		return "No messages yet."
	}
	var b strings.Builder
	for i, e := range m.transcript {
		if i > 0 {
			b.WriteString("\n\n")
		}
		label := userLabelStyle.Render("you")
		if e.role == chat.RoleModel {
			label = modelLabelStyle.Render("model")
		}
		fmt.Fprintf(&b, "%s\n%s", label, e.text)
	}
	return b.String()
}

var (
	transcriptBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputBoxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	userLabelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	modelLabelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)
