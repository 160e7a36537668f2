package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider serves any OpenAI-compatible chat endpoint. OpenRouter is
// the same API behind a different base URL plus attribution headers.
type OpenAIProvider struct {
	client openai.Client
	Model  string
}

type OpenAIOptions struct {
	BaseURL string
	APIKey  string
	// Extra headers, e.g. HTTP-Referer and X-Title for OpenRouter.
	Headers map[string]string
}

func NewOpenAIClient(opts OpenAIOptions) (openai.Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return openai.Client{}, errors.New("openai: api key is required")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		// retries are owned by ResilientProvider
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(opts.BaseURL, "/")+"/"))
	}
	for k, v := range opts.Headers {
		if v != "" {
			reqOpts = append(reqOpts, option.WithHeader(k, v))
		}
	}
	return openai.NewClient(reqOpts...), nil
}

func NewOpenAIProvider(client openai.Client, model string) *OpenAIProvider {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{client: client, Model: model}
}

func (p *OpenAIProvider) params(messages []Message) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch wireRole(m.Role) {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.Model),
		Messages: msgs,
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.params(messages))
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(messages))
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if !send(ctx, chunks, delta) {
					errs <- ctx.Err()
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("openai: %w", err)
		}
	}()

	return chunks, errs
}

type OpenAIEmbedder struct {
	client openai.Client
	Model  string

	dim atomic.Int64
}

func NewOpenAIEmbedder(client openai.Client, model string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{client: client, Model: model}
}

func (e *OpenAIEmbedder) Name() string   { return "openai/" + e.Model }
func (e *OpenAIEmbedder) Dimension() int { return int(e.dim.Load()) }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.Model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	e.dim.CompareAndSwap(0, int64(len(out[0])))
	return out, nil
}
