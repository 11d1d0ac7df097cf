// Package embedder turns text into fixed-dimension vectors (C6), selecting
// among provider backends with an optional fallback chain.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/worldline-go/klient"
)

// Name identifies one of the three supported embedding backends.
type Name string

const (
	Gemini Name = "gemini"
	OpenAI Name = "openai"
	Local  Name = "local"
)

// Dims is the fixed output dimensionality per backend.
var Dims = map[Name]int{
	Gemini: 3072,
	OpenAI: 1536,
	Local:  384,
}

// FallbackChain is the order embedBatch retries through on provider error.
var FallbackChain = []Name{Gemini, OpenAI, Local}

var ErrEmptyInput = errors.New("embedder: empty input")

// Embedder produces vectors for one or more texts via a single backend.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Registry resolves a Name to a configured Embedder. Settings-driven
// wiring (API keys, base URLs) happens where the registry is built.
type Registry struct {
	backends map[Name]Embedder
}

// NewRegistry builds a Registry from already-constructed backends. A nil
// entry is treated as unconfigured (skipped during fallback).
func NewRegistry(gemini, openai, local Embedder) *Registry {
	return &Registry{backends: map[Name]Embedder{
		Gemini: gemini,
		OpenAI: openai,
		Local:  local,
	}}
}

// Embed embeds a single text via the named backend.
func (r *Registry) Embed(ctx context.Context, text string, provider Name) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	backend, ok := r.backends[provider]
	if !ok || backend == nil {
		return nil, fmt.Errorf("embedder: backend %q not configured", provider)
	}
	return backend.Embed(ctx, text)
}

// EmbedBatch embeds texts via the named backend, preserving order.
func (r *Registry) EmbedBatch(ctx context.Context, texts []string, provider Name) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	backend, ok := r.backends[provider]
	if !ok || backend == nil {
		return nil, fmt.Errorf("embedder: backend %q not configured", provider)
	}
	return backend.EmbedBatch(ctx, texts)
}

// EmbedWithFallback tries provider first, then walks FallbackChain,
// skipping providers already tried or unconfigured, returning the first
// success.
func (r *Registry) EmbedWithFallback(ctx context.Context, text string, provider Name) ([]float32, Name, error) {
	tried := map[Name]bool{}
	order := append([]Name{provider}, FallbackChain...)

	var lastErr error
	for _, p := range order {
		if tried[p] {
			continue
		}
		tried[p] = true

		backend, ok := r.backends[p]
		if !ok || backend == nil {
			continue
		}

		vec, err := backend.Embed(ctx, text)
		if err == nil {
			return vec, p, nil
		}
		lastErr = err
		slog.Warn("embedder: backend failed, trying fallback", "provider", p, "error", err)
	}

	if lastErr == nil {
		lastErr = errors.New("embedder: no backend configured")
	}
	return nil, "", lastErr
}

// ─── OpenAI-compatible REST backend (used for both "openai" and "gemini",
// which exposes an OpenAI-compatible embeddings endpoint) ───

type restEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type restEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// RESTBackend calls an OpenAI-compatible "/embeddings" endpoint.
type RESTBackend struct {
	client *klient.Client
	model  string
	dims   int
}

// NewRESTBackend builds a backend for providers exposing an
// OpenAI-compatible embeddings endpoint (OpenAI itself, and Gemini's
// OpenAI-compatibility layer). baseURL is the full embeddings endpoint
// (e.g. "https://api.openai.com/v1/embeddings"), matching the klient
// convention of baking the endpoint path into the client's base URL.
func NewRESTBackend(apiKey, model, baseURL string, dims int) (*RESTBackend, error) {
	headers := http.Header{"Content-Type": []string{"application/json"}}
	if apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + apiKey}
	}

	// klient's built-in retry is disabled: it retries on every non-2xx
	// status, where embed calls need exactly one retry regardless of cause,
	// done explicitly in EmbedBatch below.
	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("embedder: build client: %w", err)
	}

	return &RESTBackend{client: client, model: model, dims: dims}, nil
}

func (b *RESTBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := b.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch retries exactly once on failure before giving up.
func (b *RESTBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	out, err := b.embedBatchOnce(ctx, texts)
	if err != nil {
		slog.Warn("embedder: rest request failed, retrying once", "error", err)
		out, err = b.embedBatchOnce(ctx, texts)
	}
	return out, err
}

func (b *RESTBackend) embedBatchOnce(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(restEmbedRequest{Model: b.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedder: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedder: build request: %w", err)
	}

	var parsed restEmbedResponse
	if err := b.client.Do(req, func(r *http.Response) error {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &parsed)
	}); err != nil {
		return nil, fmt.Errorf("embedder: request failed: %w", err)
	}

	if parsed.Error != nil {
		return nil, fmt.Errorf("embedder: provider error: %s", parsed.Error.Message)
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		out[d.Index] = d.Embedding
	}

	return out, nil
}

// ─── Local backend: an Ollama-served embedding model, via langchaingo ───

// OllamaBackend embeds via a locally-served Ollama embedding model.
type OllamaBackend struct {
	embedder *embeddings.EmbedderImpl
}

// NewOllamaBackend builds the "local" backend (spec: 384-dim compiled
// sentence-transformer model) against an Ollama server running an
// embedding model of matching dimensionality (e.g. all-minilm).
func NewOllamaBackend(serverURL, model string) (*OllamaBackend, error) {
	llm, err := ollama.New(ollama.WithServerURL(serverURL), ollama.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("embedder: build ollama client: %w", err)
	}

	e, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("embedder: build embedder: %w", err)
	}

	return &OllamaBackend{embedder: e}, nil
}

func (o *OllamaBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (o *OllamaBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	return o.embedder.EmbedDocuments(ctx, texts)
}
