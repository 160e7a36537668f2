package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Stream   bool        `json:"stream"`
}

type ollamaChatResp struct {
	Message ollamaMsg `json:"message"`
	Done    bool      `json:"done"`
	Error   string    `json:"error,omitempty"`
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		// no global timeout: callers bound each call with ctx
		Client: &http.Client{},
	}
}

func (p *OllamaProvider) newChatRequest(ctx context.Context, messages []Message, stream bool) (*http.Request, error) {
	msgs := make([]ollamaMsg, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, ollamaMsg{Role: wireRole(m.Role), Content: m.Content})
	}
	b, err := json.Marshal(ollamaChatReq{Model: p.Model, Messages: msgs, Stream: stream})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *OllamaProvider) do(req *http.Request) (*http.Response, error) {
	if p.Client == nil {
		return nil, errors.New("ollama: http client is nil")
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		resp.Body.Close()
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("ollama: %s", msg)
	}
	return resp, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	req, err := p.newChatRequest(ctx, messages, false)
	if err != nil {
		return "", err
	}
	resp, err := p.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != "" {
		return "", errors.New(decoded.Error)
	}
	return decoded.Message.Content, nil
}

// StreamChat streams assistant content chunks from the NDJSON response.
// It returns immediately with two channels; both will be closed when streaming ends.
func (p *OllamaProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		req, err := p.newChatRequest(ctx, messages, true)
		if err != nil {
			errs <- err
			return
		}
		resp, err := p.do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		// Increase scanner buffer for long JSON lines.
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var decoded ollamaChatResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != "" {
				errs <- errors.New(decoded.Error)
				return
			}
			if decoded.Message.Content != "" {
				if !send(ctx, chunks, decoded.Message.Content) {
					errs <- ctx.Err()
					return
				}
			}
			if decoded.Done {
				return
			}
		}
		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
		errs <- errors.New("ollama: stream ended without done marker")
	}()

	return chunks, errs
}

// OllamaEmbedder calls /api/embed, which accepts a batch of inputs.
type OllamaEmbedder struct {
	BaseURL string
	Model   string
	Client  *http.Client

	dim atomic.Int64
}

func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *OllamaEmbedder) Name() string   { return "ollama/" + e.Model }
func (e *OllamaEmbedder) Dimension() int { return int(e.dim.Load()) }

func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any{"model": e.Model, "input": texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/api/embed", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama embed: status %d", resp.StatusCode)
	}

	var decoded struct {
		Embeddings [][]float32 `json:"embeddings"`
		Error      string      `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded.Error != "" {
		return nil, errors.New(decoded.Error)
	}
	if len(decoded.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d vectors for %d inputs", len(decoded.Embeddings), len(texts))
	}
	e.dim.CompareAndSwap(0, int64(len(decoded.Embeddings[0])))
	return decoded.Embeddings, nil
}
