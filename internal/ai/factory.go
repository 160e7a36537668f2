package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/suPer8Hu/ragchat/internal/config"
)

// memoize builds one provider per model and reuses it, so breaker state and
// SDK clients survive across turns.
func memoize(f ProviderFactory) ProviderFactory {
	var mu sync.Mutex
	built := make(map[string]Provider)
	return func(ctx context.Context, model string) (Provider, error) {
		mu.Lock()
		defer mu.Unlock()
		if p, ok := built[model]; ok {
			return p, nil
		}
		p, err := f(ctx, model)
		if err != nil {
			return nil, err
		}
		built[model] = p
		return p, nil
	}
}

// NewRegistryFromConfig registers every supported provider. Credentials are
// checked lazily, so a missing key only fails the provider that needs it.
func NewRegistryFromConfig(cfg config.Config) *Registry {
	reg := NewRegistry()
	ropts := ResilienceOptions{Timeout: cfg.ModelTimeout}

	register := func(name, defaultModel string, build func(ctx context.Context, model string) (Provider, error)) {
		reg.Register(name, memoize(func(ctx context.Context, model string) (Provider, error) {
			m := strings.TrimSpace(model)
			if m == "" {
				m = defaultModel
			}
			p, err := build(ctx, m)
			if err != nil {
				return nil, err
			}
			return NewResilientProvider(name+"/"+m, p, ropts), nil
		}))
	}

	register("gemini", cfg.GeminiModel, func(ctx context.Context, model string) (Provider, error) {
		// the client outlives the request that first asks for it
		client, err := NewGeminiClient(context.WithoutCancel(ctx), cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		return NewGeminiProvider(client, model), nil
	})
	register("openai", cfg.OpenAIModel, func(ctx context.Context, model string) (Provider, error) {
		client, err := NewOpenAIClient(OpenAIOptions{BaseURL: cfg.OpenAIBaseURL, APIKey: cfg.OpenAIAPIKey})
		if err != nil {
			return nil, err
		}
		return NewOpenAIProvider(client, model), nil
	})
	register("openrouter", cfg.OpenRouterModel, func(ctx context.Context, model string) (Provider, error) {
		client, err := NewOpenAIClient(OpenAIOptions{
			BaseURL: cfg.OpenRouterBaseURL,
			APIKey:  cfg.OpenRouterAPIKey,
			Headers: map[string]string{
				"HTTP-Referer": cfg.OpenRouterSiteURL,
				"X-Title":      cfg.OpenRouterAppName,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("openrouter: %w", err)
		}
		return NewOpenAIProvider(client, model), nil
	})
	register("ollama", cfg.OllamaModel, func(ctx context.Context, model string) (Provider, error) {
		return NewOllamaProvider(cfg.OllamaBaseURL, model), nil
	})
	register("echo", "echo", func(ctx context.Context, model string) (Provider, error) {
		return EchoProvider{}, nil
	})

	return reg
}

// DefaultModel returns the configured model for a provider name.
func DefaultModel(cfg config.Config, provider string) string {
	switch strings.ToLower(provider) {
	case "gemini":
		return cfg.GeminiModel
	case "openai":
		return cfg.OpenAIModel
	case "openrouter":
		return cfg.OpenRouterModel
	case "ollama":
		return cfg.OllamaModel
	default:
		return provider
	}
}

// NewEmbedderFromConfig returns the configured embedder behind an LRU cache.
func NewEmbedderFromConfig(ctx context.Context, cfg config.Config) (Embedder, error) {
	var base Embedder
	switch cfg.EmbedProvider {
	case "gemini":
		client, err := NewGeminiClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		base = NewGeminiEmbedder(client, cfg.EmbedModel)
	case "openai":
		client, err := NewOpenAIClient(OpenAIOptions{BaseURL: cfg.OpenAIBaseURL, APIKey: cfg.OpenAIAPIKey})
		if err != nil {
			return nil, err
		}
		base = NewOpenAIEmbedder(client, cfg.EmbedModel)
	case "ollama":
		base = NewOllamaEmbedder(cfg.OllamaBaseURL, cfg.EmbedModel)
	case "hash":
		base = NewHashEmbedder(cfg.EmbedDimension)
	default:
		return nil, fmt.Errorf("unknown embed provider: %s", cfg.EmbedProvider)
	}
	return NewCachedEmbedder(base, cfg.EmbedCacheSize)
}
