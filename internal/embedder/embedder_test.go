package embedder

import (
	"context"
	"errors"
	"testing"
)

type fakeEmbedder struct {
	vec [][]float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vec[0], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func TestEmbedWithFallbackUsesPrimaryWhenHealthy(t *testing.T) {
	reg := NewRegistry(
		&fakeEmbedder{vec: [][]float32{{1, 2, 3}}},
		&fakeEmbedder{vec: [][]float32{{4, 5, 6}}},
		&fakeEmbedder{vec: [][]float32{{7, 8, 9}}},
	)

	vec, provider, err := reg.EmbedWithFallback(context.Background(), "hello", OpenAI)
	if err != nil {
		t.Fatalf("EmbedWithFallback: %v", err)
	}
	if provider != OpenAI {
		t.Fatalf("expected provider %q, got %q", OpenAI, provider)
	}
	if vec[0] != 4 {
		t.Fatalf("expected openai backend's vector, got %v", vec)
	}
}

func TestEmbedWithFallbackFallsThroughChain(t *testing.T) {
	reg := NewRegistry(
		&fakeEmbedder{err: errors.New("gemini down")},
		&fakeEmbedder{err: errors.New("openai down")},
		&fakeEmbedder{vec: [][]float32{{9, 9, 9}}},
	)

	vec, provider, err := reg.EmbedWithFallback(context.Background(), "hello", Gemini)
	if err != nil {
		t.Fatalf("EmbedWithFallback: %v", err)
	}
	if provider != Local {
		t.Fatalf("expected fallback to local, got %q", provider)
	}
	if vec[0] != 9 {
		t.Fatalf("unexpected vector: %v", vec)
	}
}

func TestEmbedWithFallbackAllFail(t *testing.T) {
	reg := NewRegistry(
		&fakeEmbedder{err: errors.New("down")},
		&fakeEmbedder{err: errors.New("down")},
		&fakeEmbedder{err: errors.New("down")},
	)

	_, _, err := reg.EmbedWithFallback(context.Background(), "hello", Gemini)
	if err == nil {
		t.Fatal("expected error when every backend fails")
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	reg := NewRegistry(&fakeEmbedder{vec: [][]float32{{1}}}, nil, nil)

	_, err := reg.Embed(context.Background(), "", Gemini)
	if !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestEmbedUnconfiguredBackend(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)

	_, err := reg.Embed(context.Background(), "hello", Gemini)
	if err == nil {
		t.Fatal("expected error for unconfigured backend")
	}
}
