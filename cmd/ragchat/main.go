package main

import (
	"context"
	"fmt"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/ragchat/internal/chatorch"
	"github.com/rakunlabs/ragchat/internal/config"
	"github.com/rakunlabs/ragchat/internal/embedder"
	"github.com/rakunlabs/ragchat/internal/httpapi"
	"github.com/rakunlabs/ragchat/internal/ingest"
	"github.com/rakunlabs/ragchat/internal/llm/registry"
	"github.com/rakunlabs/ragchat/internal/redactor"
	"github.com/rakunlabs/ragchat/internal/session"
	"github.com/rakunlabs/ragchat/internal/settings"
	"github.com/rakunlabs/ragchat/internal/sqlstore"
	"github.com/rakunlabs/ragchat/internal/vectorstore"
)

var (
	name    = "ragchat"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	settingsSvc, err := settings.New(store, cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("build settings store: %w", err)
	}

	embedders, err := buildEmbedders(ctx, settingsSvc)
	if err != nil {
		return fmt.Errorf("build embedders: %w", err)
	}

	vectors, err := vectorstore.New(cfg.VectorDir, embedder.Dims[embedder.Gemini])
	if err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}
	defer vectors.Close()

	ingestSettings := ingest.NewSettingsSource(settingsSvc)
	pipeline := ingest.New(store, ingestSettings, embedders, vectors)
	uploader := ingest.NewUploader(store, pipeline, cfg.UploadDir, cfg.DocumentQuota)

	providers := registry.New(settingsSvc)
	guard := session.New(store)
	orch := chatorch.New(store, store, settingsSvc, providers, redactor.New(), embedders, vectors)

	api := httpapi.New(ctx, cfg.Server, store, guard, orch, uploader, vectors, embedders, settingsSvc, providers)
	return api.Start(ctx)
}

func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.Store, error) {
	switch {
	case cfg.Store.Postgres != nil:
		return sqlstore.NewPostgres(ctx, cfg.Store.Postgres)
	case cfg.Store.SQLite != nil:
		return sqlstore.NewSQLite(ctx, cfg.Store.SQLite)
	default:
		return sqlstore.NewSQLite(ctx, &config.StoreSQLite{})
	}
}

// buildEmbedders wires the three fixed embedding backends (spec section 5):
// Gemini (primary), OpenAI (fallback), and a locally-served Ollama model
// (last-resort fallback). API keys come from the Settings Store's secret
// subset, never from process config, per spec's C1 scope.
func buildEmbedders(ctx context.Context, settingsSvc *settings.Service) (*embedder.Registry, error) {
	geminiKey := settingsSvc.GetSecret(ctx, "gemini")
	geminiModel := settingsSvc.GetString(ctx, "embedding_model_gemini", "text-embedding-004")
	geminiURL := settingsSvc.GetString(ctx, "embedding_url_gemini", "https://generativelanguage.googleapis.com/v1beta/openai/embeddings")
	gemini, err := embedder.NewRESTBackend(geminiKey, geminiModel, geminiURL, embedder.Dims[embedder.Gemini])
	if err != nil {
		return nil, fmt.Errorf("build gemini embedder: %w", err)
	}

	openaiKey := settingsSvc.GetSecret(ctx, "openai")
	openaiModel := settingsSvc.GetString(ctx, "embedding_model_openai", "text-embedding-3-small")
	openaiURL := settingsSvc.GetString(ctx, "embedding_url_openai", "https://api.openai.com/v1/embeddings")
	openai, err := embedder.NewRESTBackend(openaiKey, openaiModel, openaiURL, embedder.Dims[embedder.OpenAI])
	if err != nil {
		return nil, fmt.Errorf("build openai embedder: %w", err)
	}

	localURL := settingsSvc.GetString(ctx, "embedding_local_url", "http://localhost:11434")
	localModel := settingsSvc.GetString(ctx, "embedding_model_local", "all-minilm")
	local, err := embedder.NewOllamaBackend(localURL, localModel)
	if err != nil {
		return nil, fmt.Errorf("build local embedder: %w", err)
	}

	return embedder.NewRegistry(gemini, openai, local), nil
}
