package ingest

import (
	"context"

	"github.com/rakunlabs/ragchat/internal/chunker"
	"github.com/rakunlabs/ragchat/internal/embedder"
)

// settingsReader is the subset of *settings.Service this adapter wraps;
// declared locally so this file doesn't import internal/settings back
// (settings is the lower-level, domain-agnostic package here).
type settingsReader interface {
	GetInt(ctx context.Context, key string, def int) int
	GetString(ctx context.Context, key, def string) string
}

// settingsSource adapts a generic Settings Store reader into the
// ingestion-specific SettingsSource the Pipeline reads through.
type settingsSource struct {
	settings settingsReader
}

// NewSettingsSource builds the ingestion-facing SettingsSource from the
// process's Settings Store.
func NewSettingsSource(settings settingsReader) SettingsSource {
	return &settingsSource{settings: settings}
}

func (s *settingsSource) ChunkSize(ctx context.Context) int {
	return s.settings.GetInt(ctx, "chunk_size", chunker.DefaultChunkSize)
}

func (s *settingsSource) ChunkOverlap(ctx context.Context) int {
	return s.settings.GetInt(ctx, "chunk_overlap", chunker.DefaultOverlap)
}

func (s *settingsSource) EmbeddingProvider(ctx context.Context) embedder.Name {
	return embedder.Name(s.settings.GetString(ctx, "embedding_provider", string(embedder.Gemini)))
}
