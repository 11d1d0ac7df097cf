// Package sqlstore is the binding persisted schema (spec section 6) behind
// a single goqu-driven backend, with thin sqlite3/postgres entrypoints that
// differ only in driver, dialect, and migration set. The table layout and
// query logic are shared, mirroring how the teacher's two store backends
// (internal/store/sqlite3, internal/store/postgres) keep identical CRUD
// shapes and differ only in connection setup.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/ragchat/internal/ingest"
	"github.com/rakunlabs/ragchat/internal/settings"
)

const DefaultTablePrefix = "at_"

// Store is the shared CRUD surface over the seven persisted tables. It
// implements settings.Store, ingest.Store, and ingest.UploadStore, plus the
// chat/session/document query surfaces the HTTP layer needs.
type Store struct {
	db   *sql.DB
	goqu *goqu.Database

	tUsers           exp.IdentifierExpression
	tChats           exp.IdentifierExpression
	tMessages        exp.IdentifierExpression
	tAttachments     exp.IdentifierExpression
	tDocuments       exp.IdentifierExpression
	tDocumentChunks  exp.IdentifierExpression
	tAdminSettings   exp.IdentifierExpression

	mu sync.Mutex // serializes writer transactions on SQLite (single-writer)
}

// Ping reports whether the backing database connection is reachable, for
// the /healthz probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func newStore(db *sql.DB, dialect string, tablePrefix string) *Store {
	g := goqu.New(dialect, db)
	return &Store{
		db:              db,
		goqu:            g,
		tUsers:          goqu.T(tablePrefix + "users"),
		tChats:          goqu.T(tablePrefix + "chats"),
		tMessages:       goqu.T(tablePrefix + "messages"),
		tAttachments:    goqu.T(tablePrefix + "attachments"),
		tDocuments:      goqu.T(tablePrefix + "documents"),
		tDocumentChunks: goqu.T(tablePrefix + "document_chunks"),
		tAdminSettings:  goqu.T(tablePrefix + "admin_settings"),
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func newID() string { return ulid.Make().String() }

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

// ─── Settings Store (C1) backing ───

var _ settings.Store = (*Store)(nil)

type settingRow struct {
	Key         string `db:"setting_key"`
	Value       string `db:"setting_value"`
	Type        string `db:"setting_type"`
	Description string `db:"description"`
}

func (s *Store) GetSetting(ctx context.Context, key string) (*settings.Row, error) {
	query, _, err := s.goqu.From(s.tAdminSettings).
		Select("setting_key", "setting_value", "setting_type", "description").
		Where(goqu.I("setting_key").Eq(key)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build get setting query: %w", err)
	}

	var row settingRow
	var description sql.NullString
	err = s.db.QueryRowContext(ctx, query).Scan(&row.Key, &row.Value, &row.Type, &description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get setting %q: %w", key, err)
	}
	row.Description = description.String

	return &settings.Row{Key: row.Key, Value: row.Value, Type: settings.ValueType(row.Type), Description: row.Description}, nil
}

func (s *Store) ListSettings(ctx context.Context) ([]settings.Row, error) {
	query, _, err := s.goqu.From(s.tAdminSettings).
		Select("setting_key", "setting_value", "setting_type", "description").
		Order(goqu.I("setting_key").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build list settings query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list settings: %w", err)
	}
	defer rows.Close()

	var out []settings.Row
	for rows.Next() {
		var row settingRow
		var description sql.NullString
		if err := rows.Scan(&row.Key, &row.Value, &row.Type, &description); err != nil {
			return nil, fmt.Errorf("sqlstore: scan setting row: %w", err)
		}
		out = append(out, settings.Row{Key: row.Key, Value: row.Value, Type: settings.ValueType(row.Type), Description: description.String})
	}
	return out, rows.Err()
}

func (s *Store) UpsertSetting(ctx context.Context, row settings.Row) error {
	existing, err := s.GetSetting(ctx, row.Key)
	if err != nil {
		return err
	}

	now := nowRFC3339()

	if existing == nil {
		query, _, err := s.goqu.Insert(s.tAdminSettings).Rows(goqu.Record{
			"id":            newID(),
			"setting_key":   row.Key,
			"setting_value": row.Value,
			"setting_type":  string(row.Type),
			"description":   row.Description,
			"created_at":    now,
			"updated_at":    now,
		}).ToSQL()
		if err != nil {
			return fmt.Errorf("sqlstore: build insert setting query: %w", err)
		}
		_, err = s.db.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("sqlstore: insert setting %q: %w", row.Key, err)
		}
		return nil
	}

	query, _, err := s.goqu.Update(s.tAdminSettings).Set(goqu.Record{
		"setting_value": row.Value,
		"setting_type":  string(row.Type),
		"description":   row.Description,
		"updated_at":    now,
	}).Where(goqu.I("setting_key").Eq(row.Key)).ToSQL()
	if err != nil {
		return fmt.Errorf("sqlstore: build update setting query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sqlstore: update setting %q: %w", row.Key, err)
	}
	return nil
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	query, _, err := s.goqu.Delete(s.tAdminSettings).Where(goqu.I("setting_key").Eq(key)).ToSQL()
	if err != nil {
		return fmt.Errorf("sqlstore: build delete setting query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("sqlstore: delete setting %q: %w", key, err)
	}
	return nil
}

// ─── Ingestion pipeline (C8) backing ───

var _ ingest.Store = (*Store)(nil)
var _ ingest.UploadStore = (*Store)(nil)

func (s *Store) GetDocument(ctx context.Context, documentID string) (*ingest.Document, error) {
	query, _, err := s.goqu.From(s.tDocuments).
		Select("id", "user_id", "original_filename", "file_path", "mime_type", "file_type").
		Where(goqu.I("id").Eq(documentID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build get document query: %w", err)
	}

	var doc ingest.Document
	err = s.db.QueryRowContext(ctx, query).Scan(&doc.ID, &doc.UserID, &doc.OriginalFilename, &doc.Path, &doc.MimeType, &doc.FileType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlstore: document %s not found", documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get document %s: %w", documentID, err)
	}
	return &doc, nil
}

// SetProcessing marks documentID processing, but only if it is not already
// in that state: the guard is a conditional UPDATE over the Document row,
// per spec section 5's row-level locking discipline, so a reprocess racing
// an in-flight Process call sees ok=false rather than corrupting state.
func (s *Store) SetProcessing(ctx context.Context, documentID string) (bool, error) {
	query, _, err := s.goqu.Update(s.tDocuments).
		Set(goqu.Record{"status": "processing", "updated_at": nowRFC3339()}).
		Where(goqu.I("id").Eq(documentID), goqu.I("status").Neq("processing")).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("sqlstore: build set document processing query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return false, fmt.Errorf("sqlstore: set document %s processing: %w", documentID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: set document %s processing: %w", documentID, err)
	}

	return affected > 0, nil
}

func (s *Store) SetFailed(ctx context.Context, documentID string, errMsg string) error {
	return s.setDocumentStatus(ctx, documentID, "failed", &errMsg)
}

func (s *Store) setDocumentStatus(ctx context.Context, documentID, status string, errMsg *string) error {
	record := goqu.Record{"status": status, "updated_at": nowRFC3339()}
	if errMsg != nil {
		record["error_message"] = *errMsg
	}

	query, _, err := s.goqu.Update(s.tDocuments).Set(record).Where(goqu.I("id").Eq(documentID)).ToSQL()
	if err != nil {
		return fmt.Errorf("sqlstore: build set document status query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sqlstore: set document %s status=%s: %w", documentID, status, err)
	}
	return nil
}

func (s *Store) SetReady(ctx context.Context, documentID string, chunkCount, totalTokens int, embeddingModel string, processedAt time.Time) error {
	query, _, err := s.goqu.Update(s.tDocuments).Set(goqu.Record{
		"status":          "ready",
		"chunk_count":     chunkCount,
		"total_tokens":    totalTokens,
		"embedding_model": embeddingModel,
		"processed_at":    processedAt.UTC().Format(time.RFC3339),
		"updated_at":      nowRFC3339(),
	}).Where(goqu.I("id").Eq(documentID)).ToSQL()
	if err != nil {
		return fmt.Errorf("sqlstore: build set document ready query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sqlstore: set document %s ready: %w", documentID, err)
	}
	return nil
}

// PersistChunks writes every DocumentChunk row for documentID inside a
// single transaction: either all rows land or none do, matching the
// step 5/6 logical-transaction invariant the ingestion pipeline relies on.
func (s *Store) PersistChunks(ctx context.Context, documentID string, chunks []ingest.ChunkRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin persist chunks transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, c := range chunks {
		record := goqu.Record{
			"id":          newID(),
			"document_id": documentID,
			"chunk_index": c.Ordinal,
			"content":     c.Content,
			"token_count": c.TokenCount,
			"start_char":  c.StartChar,
			"end_char":    c.EndChar,
			"chroma_id":   c.Handle,
			"created_at":  nowRFC3339(),
		}
		if c.PageNumber != nil {
			record["page_number"] = *c.PageNumber
		}

		query, _, err := s.goqu.Insert(s.tDocumentChunks).Rows(record).ToSQL()
		if err != nil {
			return fmt.Errorf("sqlstore: build insert chunk query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("sqlstore: insert chunk %d for document %s: %w", c.Ordinal, documentID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) CountDocuments(ctx context.Context, userID string) (int, error) {
	query, _, err := s.goqu.From(s.tDocuments).
		Select(goqu.COUNT("id")).
		Where(goqu.I("user_id").Eq(userID)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: build count documents query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlstore: count documents for user %s: %w", userID, err)
	}
	return count, nil
}

func (s *Store) CreateDocument(ctx context.Context, doc *ingest.Document, size int64) (string, error) {
	id := newID()
	now := nowRFC3339()

	storedName := filepath.Base(doc.Path)

	query, _, err := s.goqu.Insert(s.tDocuments).Rows(goqu.Record{
		"id":                id,
		"user_id":           doc.UserID,
		"original_filename": doc.OriginalFilename,
		"stored_filename":   storedName,
		"file_path":         doc.Path,
		"mime_type":         doc.MimeType,
		"file_size":         size,
		"file_type":         doc.FileType,
		"status":            "pending",
		"chunk_count":       0,
		"total_tokens":      0,
		"created_at":        now,
		"updated_at":        now,
	}).ToSQL()
	if err != nil {
		return "", fmt.Errorf("sqlstore: build create document query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return "", fmt.Errorf("sqlstore: create document for user %s: %w", doc.UserID, err)
	}

	return id, nil
}

// DeleteDocument removes the document row and its chunk rows; the caller is
// responsible for the corresponding vector-store and on-disk cleanup.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin delete document transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	chunkQuery, _, err := s.goqu.Delete(s.tDocumentChunks).Where(goqu.I("document_id").Eq(documentID)).ToSQL()
	if err != nil {
		return fmt.Errorf("sqlstore: build delete chunks query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, chunkQuery); err != nil {
		return fmt.Errorf("sqlstore: delete chunks for document %s: %w", documentID, err)
	}

	docQuery, _, err := s.goqu.Delete(s.tDocuments).Where(goqu.I("id").Eq(documentID)).ToSQL()
	if err != nil {
		return fmt.Errorf("sqlstore: build delete document query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, docQuery); err != nil {
		return fmt.Errorf("sqlstore: delete document %s: %w", documentID, err)
	}

	return tx.Commit()
}

// DocumentSummary is the row shape returned by ListDocuments/GetDocumentByID
// to the HTTP layer.
type DocumentSummary struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	OriginalName   string `json:"original_filename"`
	MimeType       string `json:"mime_type"`
	FileSize       int64  `json:"file_size"`
	FileType       string `json:"file_type"`
	Status         string `json:"status"`
	ErrorMessage   string `json:"error_message,omitempty"`
	ChunkCount     int    `json:"chunk_count"`
	TotalTokens    int    `json:"total_tokens"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	ProcessedAt    string `json:"processed_at,omitempty"`
}

// GetDocumentSummary fetches a single document row by ID, for the
// get/delete/reprocess document endpoints to check ownership against.
func (s *Store) GetDocumentSummary(ctx context.Context, documentID string) (*DocumentSummary, error) {
	query, _, err := s.goqu.From(s.tDocuments).
		Select("id", "user_id", "original_filename", "mime_type", "file_size", "file_type",
			"status", "error_message", "chunk_count", "total_tokens", "embedding_model",
			"created_at", "updated_at", "processed_at").
		Where(goqu.I("id").Eq(documentID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build get document summary query: %w", err)
	}

	var d DocumentSummary
	var errMsg, embModel, processedAt sql.NullString
	err = s.db.QueryRowContext(ctx, query).Scan(&d.ID, &d.UserID, &d.OriginalName, &d.MimeType, &d.FileSize, &d.FileType,
		&d.Status, &errMsg, &d.ChunkCount, &d.TotalTokens, &embModel,
		&d.CreatedAt, &d.UpdatedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get document summary %s: %w", documentID, err)
	}
	d.ErrorMessage = errMsg.String
	d.EmbeddingModel = embModel.String
	d.ProcessedAt = processedAt.String
	return &d, nil
}

func (s *Store) ListDocuments(ctx context.Context, userID string) ([]DocumentSummary, error) {
	query, _, err := s.goqu.From(s.tDocuments).
		Select("id", "user_id", "original_filename", "mime_type", "file_size", "file_type",
			"status", "error_message", "chunk_count", "total_tokens", "embedding_model",
			"created_at", "updated_at", "processed_at").
		Where(goqu.I("user_id").Eq(userID)).
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build list documents query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list documents for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []DocumentSummary
	for rows.Next() {
		var d DocumentSummary
		var errMsg, embModel, processedAt sql.NullString
		if err := rows.Scan(&d.ID, &d.UserID, &d.OriginalName, &d.MimeType, &d.FileSize, &d.FileType,
			&d.Status, &errMsg, &d.ChunkCount, &d.TotalTokens, &embModel,
			&d.CreatedAt, &d.UpdatedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("sqlstore: scan document row: %w", err)
		}
		d.ErrorMessage = errMsg.String
		d.EmbeddingModel = embModel.String
		d.ProcessedAt = processedAt.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// ─── JSON helper used by admin_settings "json" typed values ───

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
