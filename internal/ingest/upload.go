package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SupportedExtensions mirrors C4's supported file-type set.
var SupportedExtensions = map[string]bool{
	"pdf": true, "txt": true, "md": true, "csv": true,
	"json": true, "docx": true, "xlsx": true,
}

var ErrUnsupportedExtension = fmt.Errorf("unsupported file extension")
var ErrQuotaExceeded = fmt.Errorf("document quota exceeded")

// UploadStore is the persistence boundary Upload writes through, beyond
// the Process pipeline's Store.
type UploadStore interface {
	CountDocuments(ctx context.Context, userID string) (int, error)
	CreateDocument(ctx context.Context, doc *Document, size int64) (string, error)
}

// Uploader validates, stores, and kicks off processing for a newly
// uploaded RAG source document.
type Uploader struct {
	store     UploadStore
	pipeline  *Pipeline
	uploadDir string // ragDocumentsDir, conventionally "<UPLOAD_FOLDER>/rag_documents"
	quota     int
}

// NewUploader builds an Uploader. quota is the per-user document cap; 0
// disables quota enforcement.
func NewUploader(store UploadStore, pipeline *Pipeline, uploadDir string, quota int) *Uploader {
	return &Uploader{store: store, pipeline: pipeline, uploadDir: uploadDir, quota: quota}
}

// Pipeline returns the Pipeline the Uploader drives, so callers can
// re-run Process directly (e.g. the reprocess-document endpoint).
func (u *Uploader) Pipeline() *Pipeline {
	return u.pipeline
}

// UploadResult is returned to the caller on successful upload.
type UploadResult struct {
	DocumentID string
}

// Upload validates filename's extension, enforces the per-user quota,
// persists the file under rag/<uuid>.<ext>, creates the Document record in
// pending, and immediately drives it through Process.
func (u *Uploader) Upload(ctx context.Context, userID, filename, mimeType string, content io.Reader) (*UploadResult, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if !SupportedExtensions[ext] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExtension, ext)
	}

	if u.quota > 0 {
		count, err := u.store.CountDocuments(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("ingest: check quota: %w", err)
		}
		if count >= u.quota {
			return nil, ErrQuotaExceeded
		}
	}

	storedName := uuid.NewString() + "." + ext
	if err := os.MkdirAll(u.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("ingest: create upload dir: %w", err)
	}

	destPath := filepath.Join(u.uploadDir, storedName)
	dest, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("ingest: create stored file: %w", err)
	}

	size, err := io.Copy(dest, content)
	closeErr := dest.Close()
	if err != nil {
		_ = os.Remove(destPath)
		return nil, fmt.Errorf("ingest: write stored file: %w", err)
	}
	if closeErr != nil {
		_ = os.Remove(destPath)
		return nil, fmt.Errorf("ingest: close stored file: %w", closeErr)
	}

	doc := &Document{
		UserID:           userID,
		OriginalFilename: filename,
		Path:             destPath,
		MimeType:         mimeType,
		FileType:         ext,
	}

	documentID, err := u.store.CreateDocument(ctx, doc, size)
	if err != nil {
		_ = os.Remove(destPath)
		return nil, fmt.Errorf("ingest: create document record: %w", err)
	}
	doc.ID = documentID

	if err := u.pipeline.Process(ctx, documentID); err != nil {
		// Process already recorded the failure on the Document row;
		// the upload itself still succeeded, so we don't unwind it.
		return &UploadResult{DocumentID: documentID}, nil
	}

	return &UploadResult{DocumentID: documentID}, nil
}
