package sqlstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	"github.com/rakunlabs/ragchat/internal/chatorch"
	"github.com/rakunlabs/ragchat/internal/ingest"
	"github.com/rakunlabs/ragchat/internal/settings"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := []string{
		`CREATE TABLE at_users (id TEXT PRIMARY KEY, username TEXT UNIQUE, email TEXT UNIQUE, password_hash TEXT, is_active INTEGER, is_admin INTEGER, date_of_birth TEXT, failed_login_attempts INTEGER, session_token TEXT, created_at TEXT, last_login TEXT)`,
		`CREATE TABLE at_chats (id TEXT PRIMARY KEY, session_id TEXT UNIQUE, name TEXT, user_id TEXT, model_provider TEXT, model_name TEXT, is_deleted INTEGER, created_at TEXT, updated_at TEXT)`,
		`CREATE TABLE at_messages (id TEXT PRIMARY KEY, chat_id TEXT, role TEXT, content TEXT, distilled_content TEXT, tokens_used INTEGER, model_used TEXT, input_tokens INTEGER, output_tokens INTEGER, tokens_estimated INTEGER, created_at TEXT)`,
		`CREATE TABLE at_attachments (id TEXT PRIMARY KEY, message_id TEXT, original_filename TEXT, stored_filename TEXT UNIQUE, file_path TEXT, mime_type TEXT, file_size INTEGER, file_type TEXT, created_at TEXT)`,
		`CREATE TABLE at_documents (id TEXT PRIMARY KEY, user_id TEXT, original_filename TEXT, stored_filename TEXT UNIQUE, file_path TEXT, mime_type TEXT, file_size INTEGER, file_type TEXT, status TEXT, error_message TEXT, chunk_count INTEGER, total_tokens INTEGER, embedding_model TEXT, created_at TEXT, updated_at TEXT, processed_at TEXT)`,
		`CREATE TABLE at_document_chunks (id TEXT PRIMARY KEY, document_id TEXT, chunk_index INTEGER, content TEXT, token_count INTEGER, start_char INTEGER, end_char INTEGER, page_number INTEGER, chroma_id TEXT UNIQUE, created_at TEXT)`,
		`CREATE TABLE at_admin_settings (id TEXT PRIMARY KEY, setting_key TEXT UNIQUE, setting_value TEXT, setting_type TEXT, description TEXT, created_at TEXT, updated_at TEXT)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	return newStore(db, "sqlite3", "at_")
}

func TestSettingUpsertInsertsThenUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSetting(ctx, settings.Row{Key: "chunk_size", Value: "800", Type: settings.TypeInteger}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	row, err := s.GetSetting(ctx, "chunk_size")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row == nil || row.Value != "800" {
		t.Fatalf("row = %+v, want value 800", row)
	}

	if err := s.UpsertSetting(ctx, settings.Row{Key: "chunk_size", Value: "1000", Type: settings.TypeInteger}); err != nil {
		t.Fatalf("update: %v", err)
	}

	row, err = s.GetSetting(ctx, "chunk_size")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if row.Value != "1000" {
		t.Fatalf("value = %q, want 1000", row.Value)
	}
}

func TestGetSettingMissingReturnsNilNoError(t *testing.T) {
	s := newTestStore(t)

	row, err := s.GetSetting(context.Background(), "nope")
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if row != nil {
		t.Fatalf("row = %+v, want nil", row)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.db.Exec(`INSERT INTO at_users (id, username, email) VALUES ('u1', 'alice', 'alice@example.com')`); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	doc := &ingest.Document{
		UserID:           "u1",
		OriginalFilename: "report.pdf",
		Path:             "/uploads/rag_documents/abc123.pdf",
		MimeType:         "application/pdf",
		FileType:         "pdf",
	}

	id, err := s.CreateDocument(ctx, doc, 4096)
	if err != nil {
		t.Fatalf("create document: %v", err)
	}

	got, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if got.OriginalFilename != "report.pdf" {
		t.Fatalf("original filename = %q, want report.pdf", got.OriginalFilename)
	}

	if ok, err := s.SetProcessing(ctx, id); err != nil || !ok {
		t.Fatalf("set processing: ok=%v err=%v", ok, err)
	}

	if err := s.PersistChunks(ctx, id, []ingest.ChunkRecord{
		{Ordinal: 0, Content: "chunk one", TokenCount: 10, Handle: "h1"},
		{Ordinal: 1, Content: "chunk two", TokenCount: 12, Handle: "h2"},
	}); err != nil {
		t.Fatalf("persist chunks: %v", err)
	}

	if err := s.SetReady(ctx, id, 2, 22, "text-embedding-3-small", time.Now()); err != nil {
		t.Fatalf("set ready: %v", err)
	}

	docs, err := s.ListDocuments(ctx, "u1")
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	if len(docs) != 1 || docs[0].Status != "ready" || docs[0].ChunkCount != 2 {
		t.Fatalf("docs = %+v, want one ready doc with 2 chunks", docs)
	}

	count, err := s.CountDocuments(ctx, "u1")
	if err != nil {
		t.Fatalf("count documents: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	if err := s.DeleteDocument(ctx, id); err != nil {
		t.Fatalf("delete document: %v", err)
	}
	count, err = s.CountDocuments(ctx, "u1")
	if err != nil {
		t.Fatalf("count documents after delete: %v", err)
	}
	if count != 0 {
		t.Fatalf("count after delete = %d, want 0", count)
	}
}

func TestSetProcessingRejectsSecondCallWhileInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.db.Exec(`INSERT INTO at_users (id, username, email) VALUES ('u1', 'alice', 'alice@example.com')`); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	doc := &ingest.Document{UserID: "u1", OriginalFilename: "a.txt", Path: "/uploads/rag_documents/a.txt", MimeType: "text/plain", FileType: "txt"}
	id, err := s.CreateDocument(ctx, doc, 10)
	if err != nil {
		t.Fatalf("create document: %v", err)
	}

	ok, err := s.SetProcessing(ctx, id)
	if err != nil || !ok {
		t.Fatalf("first set processing: ok=%v err=%v", ok, err)
	}

	// A reprocess request racing the in-flight Process call must see ok=false
	// rather than silently re-entering "processing".
	ok, err = s.SetProcessing(ctx, id)
	if err != nil {
		t.Fatalf("second set processing: %v", err)
	}
	if ok {
		t.Fatal("second set processing = true, want false while already processing")
	}

	if err := s.SetReady(ctx, id, 1, 1, "text-embedding-3-small", time.Now()); err != nil {
		t.Fatalf("set ready: %v", err)
	}

	ok, err = s.SetProcessing(ctx, id)
	if err != nil || !ok {
		t.Fatalf("set processing after ready: ok=%v err=%v", ok, err)
	}
}

func TestChatAndMessageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.db.Exec(`INSERT INTO at_users (id, username, email) VALUES ('u1', 'alice', 'alice@example.com')`); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	if _, err := s.GetChatBySessionID(ctx, "missing-session"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	chat, err := s.CreateChat(ctx, "sess-1", "u1", "New chat", "gemini", "gemini-1.5-flash")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	got, err := s.GetChatBySessionID(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if got.ID != chat.ID {
		t.Fatalf("chat id = %q, want %q", got.ID, chat.ID)
	}

	userMsgID, err := s.CreateMessage(ctx, chat.ID, "user", "Hello", 0, 0, false, "")
	if err != nil {
		t.Fatalf("create user message: %v", err)
	}
	if _, err := s.CreateMessage(ctx, chat.ID, "assistant", "Hi there", 3, 5, false, "gemini-1.5-flash"); err != nil {
		t.Fatalf("create assistant message: %v", err)
	}

	msgs, err := s.ListMessages(ctx, chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("msgs = %+v, want [user, assistant] in order", msgs)
	}

	if err := s.SetDistilledContent(ctx, userMsgID, "USER: greeted"); err != nil {
		t.Fatalf("set distilled content: %v", err)
	}
	msgs, _ = s.ListMessages(ctx, chat.ID)
	if msgs[0].DistilledContent != "USER: greeted" {
		t.Fatalf("distilled content = %q", msgs[0].DistilledContent)
	}

	if err := s.CreateAttachments(ctx, userMsgID, []chatorch.Attachment{
		{OriginalFilename: "cat.png", StoredFilename: "u1.png", FilePath: "/uploads/images/u1.png", MimeType: "image/png", FileSize: 2048, FileType: "image"},
	}); err != nil {
		t.Fatalf("create attachments: %v", err)
	}
}

func TestSessionTokenRotation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.db.Exec(`INSERT INTO at_users (id, username, email) VALUES ('u1', 'alice', 'alice@example.com')`); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	if err := s.SetSessionToken(ctx, "u1", "token-a"); err != nil {
		t.Fatalf("set session token: %v", err)
	}

	u, err := s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.SessionToken != "token-a" {
		t.Fatalf("session token = %q, want token-a", u.SessionToken)
	}

	if err := s.SetSessionToken(ctx, "u1", "token-b"); err != nil {
		t.Fatalf("rotate session token: %v", err)
	}
	u, _ = s.GetUserByID(ctx, "u1")
	if u.SessionToken != "token-b" {
		t.Fatalf("session token after rotation = %q, want token-b", u.SessionToken)
	}

	if err := s.ClearSessionToken(ctx, "u1"); err != nil {
		t.Fatalf("clear session token: %v", err)
	}
	u, _ = s.GetUserByID(ctx, "u1")
	if u.SessionToken != "" {
		t.Fatalf("session token after clear = %q, want empty", u.SessionToken)
	}
}

func TestUserInfoReflectsReadyDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.db.Exec(`INSERT INTO at_users (id, username, email, date_of_birth) VALUES ('u1', 'alice', 'alice@example.com', '2010-05-01')`); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	info, err := s.Info(ctx, "u1")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.DateOfBirth != "2010-05-01" || info.HasReadyDoc {
		t.Fatalf("info = %+v, want dob set and HasReadyDoc=false", info)
	}

	doc := &ingest.Document{UserID: "u1", OriginalFilename: "a.txt", Path: "/uploads/rag_documents/a.txt", MimeType: "text/plain", FileType: "txt"}
	id, err := s.CreateDocument(ctx, doc, 10)
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	if ok, err := s.SetProcessing(ctx, id); err != nil || !ok {
		t.Fatalf("set processing: ok=%v err=%v", ok, err)
	}
	if err := s.SetReady(ctx, id, 0, 0, "text-embedding-3-small", time.Now()); err != nil {
		t.Fatalf("set ready: %v", err)
	}

	info, err = s.Info(ctx, "u1")
	if err != nil {
		t.Fatalf("info after ready doc: %v", err)
	}
	if !info.HasReadyDoc {
		t.Fatalf("info = %+v, want HasReadyDoc=true", info)
	}
}

