// Package registry resolves a provider name into a ready llm.Adapter,
// sourcing API keys and model identifiers from the Settings Store (C1) and
// caching adapters per provider for the process lifetime.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rakunlabs/ragchat/internal/llm"
	"github.com/rakunlabs/ragchat/internal/llm/anthropic"
	"github.com/rakunlabs/ragchat/internal/llm/gemini"
	"github.com/rakunlabs/ragchat/internal/llm/ollama"
	"github.com/rakunlabs/ragchat/internal/llm/openaicompat"
)

const (
	defaultOpenAIBaseURL    = "https://api.openai.com/v1/chat/completions"
	defaultXAIBaseURL       = "https://api.x.ai/v1/chat/completions"
	defaultAnthropicBaseURL = ""
	defaultGeminiBaseURL    = ""
)

// Settings is the subset of the Settings Store the registry reads.
type Settings interface {
	GetString(ctx context.Context, key, def string) string
	GetSecret(ctx context.Context, provider string) string
	HasSecret(ctx context.Context, provider string) bool
}

// Registry resolves canonical provider names into cached llm.Adapters.
type Registry struct {
	settings Settings

	mu       sync.Mutex
	adapters map[llm.Provider]llm.Adapter
}

// New builds a Registry.
func New(settings Settings) *Registry {
	return &Registry{settings: settings, adapters: make(map[llm.Provider]llm.Adapter)}
}

func modelKey(provider llm.Provider) string { return "system_model_id_" + string(provider) }
func urlKey(provider llm.Provider) string   { return "system_model_url_" + string(provider) }

// Resolve returns the Adapter for the given provider label (which may be a
// legacy alias), building and caching it on first use.
func (r *Registry) Resolve(ctx context.Context, providerLabel string) (llm.Adapter, error) {
	provider := llm.CanonicalProvider(providerLabel)

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[provider]; ok {
		return a, nil
	}

	a, err := r.build(ctx, provider)
	if err != nil {
		return nil, err
	}

	r.adapters[provider] = a
	return a, nil
}

func (r *Registry) build(ctx context.Context, provider llm.Provider) (llm.Adapter, error) {
	model := r.settings.GetString(ctx, modelKey(provider), "")

	switch provider {
	case llm.ProviderOpenAI:
		key := r.settings.GetSecret(ctx, "openai")
		if key == "" {
			return nil, fmt.Errorf("registry: %w", llm.ErrMissingKey)
		}
		return openaicompat.New(key, model, defaultOpenAIBaseURL, nil, false)

	case llm.ProviderXAI:
		key := r.settings.GetSecret(ctx, "xai")
		if key == "" {
			return nil, fmt.Errorf("registry: %w", llm.ErrMissingKey)
		}
		return openaicompat.New(key, model, defaultXAIBaseURL, nil, false)

	case llm.ProviderLMStudio:
		baseURL := r.settings.GetString(ctx, urlKey(provider), "")
		if baseURL == "" {
			return nil, fmt.Errorf("registry: lm_studio: %w", llm.ErrMissingKey)
		}
		// LM Studio servers are typically unauthenticated (local loopback).
		return openaicompat.New("", model, baseURL, nil, true)

	case llm.ProviderAnthropic:
		key := r.settings.GetSecret(ctx, "anthropic")
		if key == "" {
			return nil, fmt.Errorf("registry: %w", llm.ErrMissingKey)
		}
		return anthropic.New(key, model, defaultAnthropicBaseURL)

	case llm.ProviderGemini:
		key := r.settings.GetSecret(ctx, "gemini")
		if key == "" {
			return nil, fmt.Errorf("registry: %w", llm.ErrMissingKey)
		}
		return gemini.New(ctx, key, model, defaultGeminiBaseURL)

	case llm.ProviderOllama:
		baseURL := r.settings.GetString(ctx, urlKey(provider), "")
		return ollama.New(model, baseURL)

	default:
		return nil, fmt.Errorf("registry: unknown provider %q", provider)
	}
}

// Invalidate drops the cached adapter for provider, forcing a rebuild (with
// freshly read settings/secrets) on next Resolve. Called after an admin
// updates a provider's key, model, or URL setting.
func (r *Registry) Invalidate(providerLabel string) {
	provider := llm.CanonicalProvider(providerLabel)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, provider)
}
