package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/suPer8Hu/ragchat/internal/ai"
	"github.com/suPer8Hu/ragchat/internal/common"
	"github.com/suPer8Hu/ragchat/internal/metrics"
	"github.com/suPer8Hu/ragchat/internal/rag"
	"github.com/suPer8Hu/ragchat/internal/vectorindex"
)

// ApologyReply is stored as the model turn when a non-streaming call fails.
const ApologyReply = "Sorry, I encountered an error while processing your request."

const maxTitleRunes = 255

// ContextRetriever supplies document chunks for a prompt.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, k int, mode rag.Mode) ([]vectorindex.Chunk, error)
}

type Options struct {
	Provider     string
	Model        string
	SystemPrompt string
	Window       Window
	TitleMaxLen  int

	Retriever    ContextRetriever
	RetrieveK    int
	RetrieveMode rag.Mode

	Metrics *metrics.Metrics
}

type Service struct {
	repo     *Repo
	registry *ai.Registry
	opts     Options
	locks    *keyedMutex
}

func NewService(repo *Repo, registry *ai.Registry, opts Options) *Service {
	if opts.Provider == "" {
		opts.Provider = "echo"
	}
	if opts.TitleMaxLen <= 0 {
		opts.TitleMaxLen = 100
	}
	if opts.Window.MaxMessages < 0 {
		opts.Window.MaxMessages = 0
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = rag.DefaultSystemPrompt
	}
	if opts.RetrieveK <= 0 {
		opts.RetrieveK = 3
	}
	return &Service{repo: repo, registry: registry, opts: opts, locks: newKeyedMutex()}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// CreateSession starts a session titled after the first TitleMaxLen runes of
// the given text.
func (s *Service) CreateSession(ctx context.Context, userID uint64, title string) (*Session, error) {
	title = strings.TrimSpace(truncateRunes(strings.TrimSpace(title), s.opts.TitleMaxLen))
	if title == "" {
		title = "New chat"
	}

	sid, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	session := &Session{
		SessionID: sid,
		UserID:    userID,
		Title:     title,
		Provider:  s.opts.Provider,
		Model:     s.opts.Model,
		Status:    StatusIdle,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// owned loads a session and checks ownership. A foreign session reports
// foreignErr so callers choose between hiding it and refusing access.
func (s *Service) owned(ctx context.Context, userID uint64, sessionID string, foreignErr error) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, fmt.Errorf("session %s: %w", sessionID, foreignErr)
	}
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context, userID uint64) ([]Session, error) {
	return s.repo.ListSessions(ctx, userID)
}

// GetHistory hides foreign sessions behind common.ErrNotFound.
func (s *Service) GetHistory(ctx context.Context, userID uint64, sessionID string) (*History, error) {
	sess, err := s.owned(ctx, userID, sessionID, common.ErrNotFound)
	if err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessagesAsc(ctx, sess.SessionID)
	if err != nil {
		return nil, err
	}
	return &History{Session: sess, Messages: msgs}, nil
}

func (s *Service) AppendMessage(ctx context.Context, sess *Session, role, content string) (*Message, error) {
	if role != RoleUser && role != RoleModel {
		return nil, fmt.Errorf("%w: unknown role %q", common.ErrValidation, role)
	}
	m := &Message{SessionID: sess.SessionID, UserID: sess.UserID, Role: role, Content: content}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) Rename(ctx context.Context, userID uint64, sessionID, title string) (*Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title must not be empty", common.ErrValidation)
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return nil, fmt.Errorf("%w: title longer than %d characters", common.ErrValidation, maxTitleRunes)
	}
	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	sess, err := s.owned(ctx, userID, sessionID, common.ErrForbidden)
	if err != nil {
		return nil, err
	}
	if err := s.repo.RenameSession(ctx, sessionID, title); err != nil {
		return nil, err
	}
	sess.Title = title
	return sess, nil
}

// Delete waits for any running turn on the session before removing it.
func (s *Service) Delete(ctx context.Context, userID uint64, sessionID string) error {
	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()
	if _, err := s.owned(ctx, userID, sessionID, common.ErrForbidden); err != nil {
		return err
	}
	return s.repo.DeleteSession(ctx, sessionID)
}

// turn is the state shared by both send paths once the user message is stored.
type turn struct {
	session  *Session
	provider ai.Provider
	messages []ai.Message
	unlock   func()
}

// beginTurn resolves or creates the session, takes its lock, stores the user
// message with the session marked awaiting, and assembles the model prompt.
// On error the lock is already released.
func (s *Service) beginTurn(ctx context.Context, userID uint64, prompt, sessionID string) (*turn, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt must not be empty", common.ErrValidation)
	}

	if sessionID == "" {
		created, err := s.CreateSession(ctx, userID, prompt)
		if err != nil {
			return nil, err
		}
		sessionID = created.SessionID
	}

	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// ownership is checked under the lock; a Delete queued ahead of us has
	// already run by now
	sess, err := s.owned(ctx, userID, sessionID, common.ErrNotFound)
	if err != nil {
		unlock()
		return nil, err
	}
	t, err := s.prepare(ctx, sess, prompt)
	if err != nil {
		unlock()
		return nil, err
	}
	t.unlock = unlock
	return t, nil
}

func (s *Service) prepare(ctx context.Context, sess *Session, prompt string) (*turn, error) {
	provider, err := s.providerForSession(ctx, sess)
	if err != nil {
		return nil, err
	}

	if err := s.repo.SetStatus(ctx, sess.SessionID, StatusAwaiting); err != nil {
		return nil, err
	}
	sess.Status = StatusAwaiting
	userMsg, err := s.AppendMessage(ctx, sess, RoleUser, prompt)
	if err != nil {
		return nil, err
	}

	limit := s.opts.Window.MaxMessages
	priorDesc, err := s.repo.ListMessagesBefore(ctx, sess.UserID, sess.SessionID, limit, userMsg.ID)
	if err != nil {
		return nil, err
	}
	// reverse to ASC (oldest -> newest)
	prior := make([]ai.Message, 0, len(priorDesc))
	for i := len(priorDesc) - 1; i >= 0; i-- {
		prior = append(prior, ai.Message{Role: priorDesc[i].Role, Content: priorDesc[i].Content})
	}

	system := s.opts.SystemPrompt
	if block := s.retrieveContext(ctx, sess, prompt); block != "" {
		system += "\n\n" + block
	}

	msgs := make([]ai.Message, 0, len(prior)+2)
	msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: system})
	msgs = append(msgs, s.opts.Window.Fit(prior)...)
	msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: prompt})

	return &turn{session: sess, provider: provider, messages: msgs}, nil
}

// retrieveContext degrades to no context on failure.
func (s *Service) retrieveContext(ctx context.Context, sess *Session, prompt string) string {
	if s.opts.Retriever == nil {
		return ""
	}
	chunks, err := s.opts.Retriever.Retrieve(ctx, prompt, s.opts.RetrieveK, s.opts.RetrieveMode)
	if err != nil {
		log.Printf("[ChatService] retrieval failed uid=%d session_id=%s err=%v", sess.UserID, sess.SessionID, err)
		return ""
	}
	block, err := rag.RenderContext(chunks)
	if err != nil {
		log.Printf("[ChatService] render context failed session_id=%s err=%v", sess.SessionID, err)
		return ""
	}
	return block
}

func (s *Service) providerForSession(ctx context.Context, sess *Session) (ai.Provider, error) {
	p := sess.Provider
	if p == "" {
		p = s.opts.Provider
	}
	return s.registry.Get(ctx, p, sess.Model)
}

// SendMessage runs one non-streaming turn and returns the updated session.
// A provider failure is answered with ApologyReply rather than an error.
func (s *Service) SendMessage(ctx context.Context, userID uint64, prompt, sessionID string) (*History, error) {
	t, err := s.beginTurn(ctx, userID, prompt, sessionID)
	if err != nil {
		return nil, err
	}
	defer t.unlock()

	outcome := "ok"
	reply, err := t.provider.Chat(ctx, t.messages)
	if err != nil {
		log.Printf("[ChatService] provider failed uid=%d session_id=%s err=%v", userID, t.session.SessionID, err)
		reply = ApologyReply
		outcome = "upstream_error"
	}
	s.opts.Metrics.ChatTurn("sync", outcome)

	modelMsg := &Message{SessionID: t.session.SessionID, UserID: userID, Role: RoleModel, Content: reply}
	if err := s.repo.CompleteTurn(context.WithoutCancel(ctx), modelMsg); err != nil {
		return nil, err
	}
	t.session.Status = StatusIdle

	msgs, err := s.repo.ListMessagesAsc(ctx, t.session.SessionID)
	if err != nil {
		return nil, err
	}
	return &History{Session: t.session, Messages: msgs}, nil
}

// StreamResult reports how a streamed turn ended. Message is the persisted
// reply on success.
type StreamResult struct {
	Message *Message
	Err     error
}

// Turn is an in-flight streamed reply. Chunks closes when the stream ends,
// after which Done delivers exactly one result.
type Turn struct {
	Session *Session
	Chunks  <-chan string
	Done    <-chan StreamResult
}

// SendMessageStream stores the user message before returning, then streams
// model increments. Every increment is buffered before it is emitted; on
// success the buffer is stored as a single message even if the caller has
// gone away. On upstream failure nothing is stored.
func (s *Service) SendMessageStream(ctx context.Context, userID uint64, prompt, sessionID string) (*Turn, error) {
	t, err := s.beginTurn(ctx, userID, prompt, sessionID)
	if err != nil {
		return nil, err
	}

	outChunks := make(chan string, 16)
	outDone := make(chan StreamResult, 1)

	go func() {
		defer close(outDone)
		defer t.unlock()

		msg, err := s.stream(ctx, t, outChunks)
		close(outChunks)
		outDone <- StreamResult{Message: msg, Err: err}
	}()

	return &Turn{Session: t.session, Chunks: outChunks, Done: outDone}, nil
}

func (s *Service) stream(ctx context.Context, t *turn, out chan<- string) (*Message, error) {
	sid := t.session.SessionID
	var pChunks <-chan string
	var pErrs <-chan error
	if sp, ok := t.provider.(ai.StreamProvider); ok {
		pChunks, pErrs = sp.StreamChat(ctx, t.messages)
	} else {
		pChunks, pErrs = chatAsStream(ctx, t.provider, t.messages)
	}

	var b strings.Builder
	emitting := true
	for c := range pChunks {
		b.WriteString(c)
		if !emitting {
			continue
		}
		select {
		case out <- c:
			s.opts.Metrics.StreamChunk()
		case <-ctx.Done():
			emitting = false
		}
	}

	if err := <-pErrs; err != nil {
		outcome := "upstream_error"
		if errors.Is(err, context.Canceled) {
			outcome = "canceled"
		}
		s.opts.Metrics.ChatTurn("stream", outcome)
		log.Printf("[ChatService] stream failed uid=%d session_id=%s buffered=%d err=%v", t.session.UserID, sid, b.Len(), err)
		if serr := s.repo.SetStatus(context.WithoutCancel(ctx), sid, StatusIdle); serr != nil {
			log.Printf("[ChatService] reset status failed session_id=%s err=%v", sid, serr)
		}
		return nil, err
	}

	modelMsg := &Message{SessionID: sid, UserID: t.session.UserID, Role: RoleModel, Content: b.String()}
	if err := s.repo.CompleteTurn(context.WithoutCancel(ctx), modelMsg); err != nil {
		s.opts.Metrics.ChatTurn("stream", "store_error")
		log.Printf("[ChatService] store reply failed uid=%d session_id=%s err=%v", t.session.UserID, sid, err)
		return nil, err
	}
	t.session.Status = StatusIdle
	s.opts.Metrics.ChatTurn("stream", "ok")
	return modelMsg, nil
}

func chatAsStream(ctx context.Context, p ai.Provider, msgs []ai.Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		reply, err := p.Chat(ctx, msgs)
		if err != nil {
			errs <- err
			return
		}
		chunks <- reply
	}()
	return chunks, errs
}
