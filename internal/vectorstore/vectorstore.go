// Package vectorstore implements the per-tenant, on-disk approximate
// nearest-neighbor index (C7) that the ingestion pipeline and chat
// orchestrator query against.
//
// Each tenant gets its own persistent Bleve index rooted at
// <baseDir>/user_<id>, opened on first use and cached for the process
// lifetime — mirroring the single-on-disk-directory / one-client-handle
// resource model: every request against a tenant shares the same *bleve.Index
// handle and relies on Bleve's own internal locking.
package vectorstore

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"
)

// Hit is one result of a similarity query.
type Hit struct {
	Handle     string
	Content    string
	DocumentID string
	Ordinal    int
	PageNumber *int
	Distance   float64
	Similarity float64
}

// Stats is the per-tenant summary returned by Stats.
type Stats struct {
	Exists bool
	Count  int
}

// chunkDoc is the Bleve document shape backing one indexed chunk. The raw
// vector is stored both as a Bleve vector field (for ANN candidate
// retrieval) and returned in Fields so distance/similarity can be computed
// exactly per the 1/(1+distance) formula rather than trusting a specific
// Bleve scoring normalization across versions.
type chunkDoc struct {
	Content      string    `json:"content"`
	DocumentID   string    `json:"document_id"`
	ChunkOrdinal int       `json:"chunk_ordinal"`
	PageNumber   int       `json:"page_number"` // -1 when absent
	HasPage      bool      `json:"has_page"`
	Vector       []float32 `json:"vector"`
}

// Store manages one persistent Bleve index per tenant.
type Store struct {
	baseDir string
	dims    int

	mu      sync.Mutex
	indexes map[string]bleve.Index
}

// New opens (creating if necessary) the store root directory. dims is the
// fixed vector dimensionality for this store instance — a store only ever
// serves one embedding model's output space at a time.
func New(baseDir string, dims int) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("vectorstore: create base dir: %w", err)
	}
	return &Store{baseDir: baseDir, dims: dims, indexes: make(map[string]bleve.Index)}, nil
}

func tenantName(userID string) string {
	return "user_" + userID
}

func (s *Store) tenantPath(userID string) string {
	return filepath.Join(s.baseDir, tenantName(userID))
}

func (s *Store) buildMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	doc := bleve.NewDocumentMapping()

	content := bleve.NewTextFieldMapping()
	doc.AddFieldMappingsAt("content", content)

	keyword := bleve.NewTextFieldMapping()
	keyword.Analyzer = "keyword"
	doc.AddFieldMappingsAt("document_id", keyword)

	numeric := bleve.NewNumericFieldMapping()
	doc.AddFieldMappingsAt("chunk_ordinal", numeric)
	doc.AddFieldMappingsAt("page_number", numeric)

	vec := mapping.NewVectorFieldMapping()
	vec.Dims = s.dims
	vec.Similarity = "l2"
	doc.AddFieldMappingsAt("vector", vec)

	im.DefaultMapping = doc

	return im
}

// open returns the cached index handle for userID, opening (or creating)
// it on first access. Absent tenants are created lazily on the first
// write; reads against a never-created tenant are handled by callers
// checking Exists/Stats before opening.
func (s *Store) open(userID string, createIfMissing bool) (bleve.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.indexes[userID]; ok {
		return idx, nil
	}

	path := s.tenantPath(userID)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if !createIfMissing {
			return nil, nil
		}
		idx, err := bleve.New(path, s.buildMapping())
		if err != nil {
			return nil, fmt.Errorf("vectorstore: create tenant index: %w", err)
		}
		s.indexes[userID] = idx
		return idx, nil
	}

	idx, err := bleve.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open tenant index: %w", err)
	}
	s.indexes[userID] = idx
	return idx, nil
}

// ChunkInput is one chunk to index, paired with its embedding vector.
type ChunkInput struct {
	Content    string
	Ordinal    int
	PageNumber *int
	Vector     []float32
}

// AddChunks indexes chunks for documentID under userID's tenant, atomically:
// every chunk is batched into a single Bleve Batch, so either all chunks
// are committed or none are. Returns the opaque handle assigned to each
// chunk, in input order.
func (s *Store) AddChunks(userID string, chunks []ChunkInput, documentID string) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	idx, err := s.open(userID, true)
	if err != nil {
		return nil, err
	}

	batch := idx.NewBatch()
	handles := make([]string, len(chunks))

	for i, c := range chunks {
		handle := uuid.NewString()
		handles[i] = handle

		doc := chunkDoc{
			Content:      c.Content,
			DocumentID:   documentID,
			ChunkOrdinal: c.Ordinal,
			Vector:       c.Vector,
		}
		if c.PageNumber != nil {
			doc.PageNumber = *c.PageNumber
			doc.HasPage = true
		} else {
			doc.PageNumber = -1
		}

		if err := batch.Index(handle, doc); err != nil {
			return nil, fmt.Errorf("vectorstore: batch index chunk %d: %w", i, err)
		}
	}

	if err := idx.Batch(batch); err != nil {
		return nil, fmt.Errorf("vectorstore: commit batch: %w", err)
	}

	return handles, nil
}

// Query returns up to k hits ordered by ascending distance, optionally
// restricted to a single document. Absent tenants query as empty, not an
// error.
func (s *Store) Query(userID string, vector []float32, k int, documentIDFilter string) ([]Hit, error) {
	idx, err := s.open(userID, false)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, nil
	}

	var preFilter bleve.Query
	if documentIDFilter != "" {
		tq := bleve.NewTermQuery(documentIDFilter)
		tq.SetField("document_id")
		preFilter = tq
	} else {
		preFilter = bleve.NewMatchAllQuery()
	}

	req := bleve.NewSearchRequest(preFilter)
	req.AddKNN("vector", vector, int64(k), 1.0)
	req.Fields = []string{"content", "document_id", "chunk_ordinal", "page_number", "has_page", "vector"}
	req.Size = k

	result, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		rawVec, _ := h.Fields["vector"].([]any)
		candidate := make([]float32, 0, len(rawVec))
		for _, v := range rawVec {
			f, _ := v.(float64)
			candidate = append(candidate, float32(f))
		}

		dist := euclideanDistance(vector, candidate)
		sim := 1.0 / (1.0 + dist)

		hit := Hit{
			Handle:     h.ID,
			Content:    stringField(h.Fields["content"]),
			DocumentID: stringField(h.Fields["document_id"]),
			Ordinal:    intField(h.Fields["chunk_ordinal"]),
			Distance:   dist,
			Similarity: sim,
		}
		if boolField(h.Fields["has_page"]) {
			p := intField(h.Fields["page_number"])
			hit.PageNumber = &p
		}

		hits = append(hits, hit)
	}

	return hits, nil
}

func euclideanDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		// Dimension mismatch (or an unretrieved vector field) can't be
		// scored; treat as maximally dissimilar rather than panicking.
		return 1e9
	}
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}

func intField(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func boolField(v any) bool {
	b, _ := v.(bool)
	return b
}

// DeleteDocument removes every chunk belonging to documentID under userID's
// tenant. Returns the number of chunks removed.
func (s *Store) DeleteDocument(userID, documentID string) (int, error) {
	idx, err := s.open(userID, false)
	if err != nil {
		return 0, err
	}
	if idx == nil {
		return 0, nil
	}

	tq := bleve.NewTermQuery(documentID)
	tq.SetField("document_id")

	req := bleve.NewSearchRequest(tq)
	req.Size = 10000

	result, err := idx.Search(req)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: find document chunks: %w", err)
	}

	if len(result.Hits) == 0 {
		return 0, nil
	}

	batch := idx.NewBatch()
	for _, h := range result.Hits {
		batch.Delete(h.ID)
	}
	if err := idx.Batch(batch); err != nil {
		return 0, fmt.Errorf("vectorstore: delete batch: %w", err)
	}

	return len(result.Hits), nil
}

// DeleteByHandles removes specific chunks by their opaque handle.
func (s *Store) DeleteByHandles(userID string, handles []string) error {
	if len(handles) == 0 {
		return nil
	}

	idx, err := s.open(userID, false)
	if err != nil {
		return err
	}
	if idx == nil {
		return nil
	}

	batch := idx.NewBatch()
	for _, h := range handles {
		batch.Delete(h)
	}
	return idx.Batch(batch)
}

// TenantStats reports whether userID's tenant index exists and its
// document count.
func (s *Store) TenantStats(userID string) (Stats, error) {
	idx, err := s.open(userID, false)
	if err != nil {
		return Stats{}, err
	}
	if idx == nil {
		return Stats{Exists: false}, nil
	}

	count, err := idx.DocCount()
	if err != nil {
		return Stats{}, fmt.Errorf("vectorstore: doc count: %w", err)
	}

	return Stats{Exists: true, Count: int(count)}, nil
}

// DropTenant closes and permanently removes userID's on-disk index.
func (s *Store) DropTenant(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.indexes[userID]; ok {
		_ = idx.Close()
		delete(s.indexes, userID)
	}

	path := s.tenantPath(userID)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("vectorstore: drop tenant: %w", err)
	}
	return nil
}

// Close closes every open tenant index handle. Called during graceful
// shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for userID, idx := range s.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("vectorstore: close tenant %q: %w", userID, err)
		}
	}
	s.indexes = make(map[string]bleve.Index)
	return firstErr
}
