package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	defaultGeminiModel      = "gemini-2.5-flash"
	defaultGeminiEmbedModel = "text-embedding-004"
)

// GeminiProvider talks to the Gemini API. Gemini names the assistant role
// "model", which is also the role stored in chat history.
type GeminiProvider struct {
	client      *genai.Client
	Model       string
	Temperature float32
}

func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	return genai.NewClient(ctx, option.WithAPIKey(apiKey))
}

func NewGeminiProvider(client *genai.Client, model string) *GeminiProvider {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiProvider{client: client, Model: model, Temperature: 0.2}
}

// session splits messages into system instruction, prior history and the
// final user turn, which Gemini expects to be sent separately.
func (p *GeminiProvider) session(messages []Message) (*genai.ChatSession, string, error) {
	if p.client == nil {
		return nil, "", errors.New("gemini: client is nil")
	}
	if len(messages) == 0 {
		return nil, "", errors.New("gemini: no messages")
	}
	last := messages[len(messages)-1]
	if last.Role != RoleUser {
		return nil, "", fmt.Errorf("gemini: last message must be from user, got %q", last.Role)
	}

	model := p.client.GenerativeModel(p.Model)
	model.SetTemperature(p.Temperature)

	var system []string
	history := make([]*genai.Content, 0, len(messages)-1)
	for _, m := range messages[:len(messages)-1] {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := RoleUser
		if m.Role == RoleModel {
			role = RoleModel
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))}}
	}

	cs := model.StartChat()
	cs.History = history
	return cs, last.Content, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

func (p *GeminiProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	cs, prompt, err := p.session(messages)
	if err != nil {
		return "", err
	}
	resp, err := cs.SendMessage(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return "", errors.New("gemini: empty response")
	}
	return text, nil
}

func (p *GeminiProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		cs, prompt, err := p.session(messages)
		if err != nil {
			errs <- err
			return
		}
		it := cs.SendMessageStream(ctx, genai.Text(prompt))
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				errs <- fmt.Errorf("gemini: %w", err)
				return
			}
			if text := responseText(resp); text != "" {
				if !send(ctx, chunks, text) {
					errs <- ctx.Err()
					return
				}
			}
		}
	}()

	return chunks, errs
}

type GeminiEmbedder struct {
	client *genai.Client
	Model  string

	dim atomic.Int64
}

func NewGeminiEmbedder(client *genai.Client, model string) *GeminiEmbedder {
	if model == "" {
		model = defaultGeminiEmbedModel
	}
	return &GeminiEmbedder{client: client, Model: model}
}

func (e *GeminiEmbedder) Name() string   { return "gemini/" + e.Model }
func (e *GeminiEmbedder) Dimension() int { return int(e.dim.Load()) }

func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	em := e.client.EmbeddingModel(e.Model)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}
	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if res == nil || len(res.Embeddings) != len(texts) {
		return nil, errors.New("gemini: embedding count mismatch")
	}
	out := make([][]float32, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("gemini: empty embedding at %d", i)
		}
		out[i] = emb.Values
	}
	e.dim.CompareAndSwap(0, int64(len(out[0])))
	return out, nil
}
