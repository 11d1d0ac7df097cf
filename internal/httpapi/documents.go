package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/rakunlabs/ragchat/internal/embedder"
	"github.com/rakunlabs/ragchat/internal/ingest"
	"github.com/rakunlabs/ragchat/internal/sqlstore"
)

// ListDocuments handles GET /api/documents.
func (s *Server) ListDocuments(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	docs, err := s.store.ListDocuments(r.Context(), userID)
	if err != nil {
		httpError(w, "list documents failed", http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, docs, http.StatusOK)
}

// DocumentStats handles GET /api/documents/stats.
func (s *Server) DocumentStats(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	count, err := s.store.CountDocuments(r.Context(), userID)
	if err != nil {
		httpError(w, "document stats failed", http.StatusInternalServerError)
		return
	}
	vecStats, err := s.vectors.TenantStats(userID)
	if err != nil {
		httpError(w, "document stats failed", http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, map[string]any{
		"document_count": count,
		"chunk_count":    vecStats.Count,
	}, http.StatusOK)
}

// UploadDocument handles POST /api/documents, a multipart form carrying a
// single "file" field.
func (s *Server) UploadDocument(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	result, err := s.uploader.Upload(r.Context(), userID, header.Filename, header.Header.Get("Content-Type"), file)
	switch {
	case errors.Is(err, ingest.ErrUnsupportedExtension):
		httpError(w, "unsupported file extension", http.StatusUnprocessableEntity)
		return
	case errors.Is(err, ingest.ErrQuotaExceeded):
		httpError(w, "document quota exceeded", http.StatusTooManyRequests)
		return
	case err != nil:
		httpError(w, "upload failed", http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, map[string]string{"document_id": result.DocumentID}, http.StatusCreated)
}

// GetDocument handles GET /api/documents/{id}.
func (s *Server) GetDocument(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())
	docID := r.PathValue("id")

	doc, err := s.lookupOwnedDocument(r, docID, userID)
	if err != nil {
		writeDocumentLookupError(w, err)
		return
	}
	httpResponseJSON(w, doc, http.StatusOK)
}

// DeleteDocument handles DELETE /api/documents/{id}: it removes the vector
// index entries, the stored file, and the document row, in that order so a
// failure midway never leaves the row pointing at deleted vectors.
func (s *Server) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())
	docID := r.PathValue("id")

	doc, err := s.store.GetDocument(r.Context(), docID)
	if err != nil {
		httpError(w, "document not found", http.StatusNotFound)
		return
	}
	if doc.UserID != userID {
		httpError(w, "document not found", http.StatusNotFound)
		return
	}

	if _, err := s.vectors.DeleteDocument(userID, docID); err != nil {
		httpError(w, "delete document failed", http.StatusInternalServerError)
		return
	}
	_ = os.Remove(doc.Path)

	if err := s.store.DeleteDocument(r.Context(), docID); err != nil {
		httpError(w, "delete document failed", http.StatusInternalServerError)
		return
	}

	httpResponse(w, "document deleted", http.StatusOK)
}

// ReprocessDocument handles POST /api/documents/{id}/reprocess: it re-runs
// the extract→chunk→embed→index pipeline for an already-uploaded document,
// e.g. after an admin changes the chunking or embedding settings.
func (s *Server) ReprocessDocument(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())
	docID := r.PathValue("id")

	doc, err := s.store.GetDocument(r.Context(), docID)
	if err != nil {
		httpError(w, "document not found", http.StatusNotFound)
		return
	}
	if doc.UserID != userID {
		httpError(w, "document not found", http.StatusNotFound)
		return
	}

	if err := s.uploader.Pipeline().Process(r.Context(), docID); err != nil {
		if errors.Is(err, ingest.ErrAlreadyProcessing) {
			httpError(w, "document reprocess already in progress", http.StatusConflict)
			return
		}
		httpError(w, "reprocess failed", http.StatusUnprocessableEntity)
		return
	}

	httpResponse(w, "document reprocessed", http.StatusOK)
}

// searchRequest mirrors spec section 6's document-search request shape.
type searchRequest struct {
	Query      string  `json:"query"`
	TopK       int     `json:"top_k"`
	MinScore   float64 `json:"min_score"`
	DocumentID string  `json:"document_id"`
}

type searchHit struct {
	Content    string  `json:"content"`
	DocumentID string  `json:"document_id"`
	Ordinal    int     `json:"ordinal"`
	Similarity float64 `json:"similarity"`
}

// SearchDocuments handles POST /api/documents/search: embeds the query and
// runs a direct vector-store lookup, bypassing C10's chat pipeline entirely.
func (s *Server) SearchDocuments(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		httpError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}

	vector, _, err := s.embedders.EmbedWithFallback(r.Context(), req.Query, embedder.Gemini)
	if err != nil {
		httpError(w, "embed query failed", http.StatusInternalServerError)
		return
	}

	hits, err := s.vectors.Query(userID, vector, topK, req.DocumentID)
	if err != nil {
		httpError(w, "search failed", http.StatusInternalServerError)
		return
	}

	out := make([]searchHit, 0, len(hits))
	for _, h := range hits {
		if h.Similarity < req.MinScore {
			continue
		}
		out = append(out, searchHit{
			Content:    h.Content,
			DocumentID: h.DocumentID,
			Ordinal:    h.Ordinal,
			Similarity: h.Similarity,
		})
	}

	httpResponseJSON(w, out, http.StatusOK)
}

func (s *Server) lookupOwnedDocument(r *http.Request, docID, userID string) (*sqlstore.DocumentSummary, error) {
	doc, err := s.store.GetDocumentSummary(r.Context(), docID)
	if err != nil {
		return nil, err
	}
	if doc.UserID != userID {
		return nil, sqlstore.ErrNotFound
	}
	return doc, nil
}

func writeDocumentLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, sqlstore.ErrNotFound) {
		httpError(w, "document not found", http.StatusNotFound)
		return
	}
	httpError(w, "lookup document failed", http.StatusInternalServerError)
}
