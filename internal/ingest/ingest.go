// Package ingest orchestrates C4→C5→C6→C7 against a Document's state
// machine (C8): pending → processing → (ready | failed).
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rakunlabs/ragchat/internal/chunker"
	"github.com/rakunlabs/ragchat/internal/embedder"
	"github.com/rakunlabs/ragchat/internal/extractor"
	"github.com/rakunlabs/ragchat/internal/vectorstore"
)

// ErrAlreadyProcessing is returned by Process when the document's row-level
// guard finds it already in the "processing" state — a reprocess request
// racing an in-flight Process call for the same document.
var ErrAlreadyProcessing = errors.New("ingest: document already processing")

// DocumentState mirrors the Document state-machine values.
type DocumentState string

const (
	StatePending    DocumentState = "pending"
	StateProcessing DocumentState = "processing"
	StateReady      DocumentState = "ready"
	StateFailed     DocumentState = "failed"
)

// Document is the subset of the Document record ingestion reads/writes.
type Document struct {
	ID               string
	UserID           string
	OriginalFilename string
	Path             string // absolute on-disk path to the stored file
	MimeType         string
	FileType         string // extension-derived type tag consumed by C4
}

// ChunkRecord is one DocumentChunk row to persist.
type ChunkRecord struct {
	Ordinal    int
	Content    string
	TokenCount int
	StartChar  int
	EndChar    int
	PageNumber *int
	Handle     string // vector-store handle (chroma_id column, per schema)
}

// Store is the persistence boundary process() reads/writes through.
// Step 5 (vector insert) and step 6 (chunk persistence) must be rolled
// back together on failure: PersistChunks is expected to run inside a
// single database transaction and return an error without partial writes.
type Store interface {
	GetDocument(ctx context.Context, documentID string) (*Document, error)
	// SetProcessing marks documentID processing and reports ok=false if it
	// was already in that state, without changing it.
	SetProcessing(ctx context.Context, documentID string) (ok bool, err error)
	SetFailed(ctx context.Context, documentID string, errMsg string) error
	SetReady(ctx context.Context, documentID string, chunkCount, totalTokens int, embeddingModel string, processedAt time.Time) error
	PersistChunks(ctx context.Context, documentID string, chunks []ChunkRecord) error
}

// SettingsSource reads the ingestion-relevant subset of the Settings Store.
type SettingsSource interface {
	ChunkSize(ctx context.Context) int
	ChunkOverlap(ctx context.Context) int
	EmbeddingProvider(ctx context.Context) embedder.Name
}

// Pipeline wires C4-C7 into the Document state machine.
type Pipeline struct {
	store     Store
	settings  SettingsSource
	embedders *embedder.Registry
	vectors   *vectorstore.Store
}

// New builds an ingestion Pipeline.
func New(store Store, settings SettingsSource, embedders *embedder.Registry, vectors *vectorstore.Store) *Pipeline {
	return &Pipeline{store: store, settings: settings, embedders: embedders, vectors: vectors}
}

// Process runs the full extract→chunk→embed→index→persist pipeline for
// documentID. Every failure path writes the error string into the
// Document and marks it failed; process never returns a partially-ready
// document.
func (p *Pipeline) Process(ctx context.Context, documentID string) error {
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("ingest: load document %s: %w", documentID, err)
	}

	ok, err := p.store.SetProcessing(ctx, documentID)
	if err != nil {
		return fmt.Errorf("ingest: mark processing: %w", err)
	}
	if !ok {
		return ErrAlreadyProcessing
	}

	chunkSize := p.settings.ChunkSize(ctx)
	overlap := p.settings.ChunkOverlap(ctx)
	provider := p.settings.EmbeddingProvider(ctx)

	extracted, err := p.extract(ctx, doc)
	if err != nil {
		return p.fail(ctx, documentID, err)
	}

	chunks := chunker.ChunkText(extracted.Text, chunkSize, overlap, extracted.Pages)
	if len(chunks) == 0 {
		return p.fail(ctx, documentID, fmt.Errorf("no chunks produced from document"))
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := p.embedders.EmbedBatch(ctx, texts, provider)
	if err != nil {
		return p.fail(ctx, documentID, fmt.Errorf("embed chunks: %w", err))
	}
	if len(vectors) != len(chunks) {
		return p.fail(ctx, documentID, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks)))
	}

	vectorInputs := make([]vectorstore.ChunkInput, len(chunks))
	for i, c := range chunks {
		vectorInputs[i] = vectorstore.ChunkInput{
			Content:    c.Content,
			Ordinal:    i,
			PageNumber: c.PageNumber,
			Vector:     vectors[i],
		}
	}

	handles, err := p.vectors.AddChunks(doc.UserID, vectorInputs, documentID)
	if err != nil {
		return p.fail(ctx, documentID, fmt.Errorf("index chunks: %w", err))
	}

	records := make([]ChunkRecord, len(chunks))
	totalTokens := 0
	for i, c := range chunks {
		records[i] = ChunkRecord{
			Ordinal:    i,
			Content:    c.Content,
			TokenCount: c.TokenCount,
			StartChar:  c.StartChar,
			EndChar:    c.EndChar,
			PageNumber: c.PageNumber,
			Handle:     handles[i],
		}
		totalTokens += c.TokenCount
	}

	if err := p.store.PersistChunks(ctx, documentID, records); err != nil {
		// Step 5/6 form one logical transaction: roll back the vector
		// inserts before marking the document failed.
		if rbErr := p.vectors.DeleteByHandles(doc.UserID, handles); rbErr != nil {
			err = fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return p.fail(ctx, documentID, fmt.Errorf("persist chunks: %w", err))
	}

	if err := p.store.SetReady(ctx, documentID, len(chunks), totalTokens, string(provider), time.Now()); err != nil {
		return fmt.Errorf("ingest: mark ready: %w", err)
	}

	return nil
}

func (p *Pipeline) fail(ctx context.Context, documentID string, cause error) error {
	if setErr := p.store.SetFailed(ctx, documentID, cause.Error()); setErr != nil {
		return fmt.Errorf("ingest: %w (also failed to record failure: %v)", cause, setErr)
	}
	return fmt.Errorf("ingest: %w", cause)
}

func (p *Pipeline) extract(ctx context.Context, doc *Document) (extractor.Result, error) {
	data, err := readFile(doc.Path)
	if err != nil {
		return extractor.Result{}, fmt.Errorf("read file: %w", err)
	}

	result := extractor.Extract(data, doc.FileType)
	if result.Err != "" {
		return extractor.Result{}, fmt.Errorf("%s", result.Err)
	}

	return result, nil
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
