package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/rakunlabs/ragchat/internal/chatorch"
	"github.com/rakunlabs/ragchat/internal/session"
)

// ErrNotFound is returned when a lookup by primary key or unique key finds
// no row.
var ErrNotFound = errors.New("sqlstore: not found")

var (
	_ session.Store  = (*Store)(nil)
	_ chatorch.Store = (*Store)(nil)
	_ chatorch.Users = (*Store)(nil)
)

// ─── users (session.Store + chatorch.Users) ───

// GetUserByID satisfies session.Store: it returns the minimal record the
// guard needs to compare the presented token.
func (s *Store) GetUserByID(ctx context.Context, userID string) (*session.UserRecord, error) {
	query, _, err := s.goqu.From(s.tUsers).
		Select("id", "is_active", "session_token").
		Where(goqu.I("id").Eq(userID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build get user query: %w", err)
	}
	return s.scanUserRecord(ctx, query)
}

// GetUserByUsername resolves a login attempt's username to its session
// record; the caller (login handler) feeds the returned ID to
// session.Guard.Login after verifying the out-of-scope password check.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*session.UserRecord, error) {
	query, _, err := s.goqu.From(s.tUsers).
		Select("id", "is_active", "session_token").
		Where(goqu.I("username").Eq(username)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build get user by username query: %w", err)
	}
	return s.scanUserRecord(ctx, query)
}

func (s *Store) scanUserRecord(ctx context.Context, query string) (*session.UserRecord, error) {
	var u session.UserRecord
	var sessionToken sql.NullString
	err := s.db.QueryRowContext(ctx, query).Scan(&u.ID, &u.IsActive, &sessionToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: scan user record: %w", err)
	}
	u.SessionToken = sessionToken.String
	return &u, nil
}

// IsAdmin reports the is_admin flag for userID, used by the admin API's
// authorization middleware.
func (s *Store) IsAdmin(ctx context.Context, userID string) (bool, error) {
	query, _, err := s.goqu.From(s.tUsers).
		Select("is_admin").
		Where(goqu.I("id").Eq(userID)).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("sqlstore: build is admin query: %w", err)
	}

	var isAdmin bool
	err = s.db.QueryRowContext(ctx, query).Scan(&isAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("sqlstore: is admin %s: %w", userID, err)
	}
	return isAdmin, nil
}

// SetSessionToken performs the login compare-and-set: it unconditionally
// overwrites session_token and bumps last_login, rotating out any
// previously active session per C11's single-active-session rule.
func (s *Store) SetSessionToken(ctx context.Context, userID, token string) error {
	query, _, err := s.goqu.Update(s.tUsers).Set(goqu.Record{
		"session_token": token,
		"last_login":    nowRFC3339(),
	}).Where(goqu.I("id").Eq(userID)).ToSQL()
	if err != nil {
		return fmt.Errorf("sqlstore: build set session token query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sqlstore: set session token for user %s: %w", userID, err)
	}
	return nil
}

// ClearSessionToken logs the user out, making any previously issued cookie
// fail the C11 comparison.
func (s *Store) ClearSessionToken(ctx context.Context, userID string) error {
	query, _, err := s.goqu.Update(s.tUsers).Set(goqu.Record{"session_token": ""}).
		Where(goqu.I("id").Eq(userID)).ToSQL()
	if err != nil {
		return fmt.Errorf("sqlstore: build clear session token query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sqlstore: clear session token for user %s: %w", userID, err)
	}
	return nil
}

// Info satisfies chatorch.Users: it resolves the date-of-birth (for the
// safety-prompt step) and whether the user owns at least one ready
// Document (for the retrieve step's gate).
func (s *Store) Info(ctx context.Context, userID string) (*chatorch.UserInfo, error) {
	query, _, err := s.goqu.From(s.tUsers).
		Select("date_of_birth").
		Where(goqu.I("id").Eq(userID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build user info query: %w", err)
	}

	var dob sql.NullString
	err = s.db.QueryRowContext(ctx, query).Scan(&dob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get user info %s: %w", userID, err)
	}

	hasReady, err := s.hasReadyDocument(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &chatorch.UserInfo{ID: userID, DateOfBirth: dob.String, HasReadyDoc: hasReady}, nil
}

func (s *Store) hasReadyDocument(ctx context.Context, userID string) (bool, error) {
	query, _, err := s.goqu.From(s.tDocuments).
		Select(goqu.COUNT("id")).
		Where(goqu.I("user_id").Eq(userID), goqu.I("status").Eq("ready")).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("sqlstore: build has-ready-document query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return false, fmt.Errorf("sqlstore: count ready documents for user %s: %w", userID, err)
	}
	return count > 0, nil
}

// ─── chats ───

// GetChatBySessionID resolves step 1 of the chat pipeline: load the Chat
// for an externally-visible session handle. Returns ErrNotFound if the
// session handle is unknown or the chat has been soft-deleted.
func (s *Store) GetChatBySessionID(ctx context.Context, sessionID string) (*chatorch.Chat, error) {
	query, _, err := s.goqu.From(s.tChats).
		Select("id", "session_id", "user_id", "model_provider", "model_name").
		Where(goqu.I("session_id").Eq(sessionID), goqu.I("is_deleted").Eq(false)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build get chat query: %w", err)
	}

	var c chatorch.Chat
	var modelName sql.NullString
	err = s.db.QueryRowContext(ctx, query).Scan(&c.ID, &c.SessionID, &c.UserID, &c.ModelProvider, &modelName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get chat %s: %w", sessionID, err)
	}
	c.ModelName = modelName.String
	return &c, nil
}

// CreateChat creates a new Chat for the supplied session handle, owned by
// userID, when the resolve step finds no existing one.
func (s *Store) CreateChat(ctx context.Context, sessionID, userID, name, provider, model string) (*chatorch.Chat, error) {
	id := newID()
	now := nowRFC3339()

	query, _, err := s.goqu.Insert(s.tChats).Rows(goqu.Record{
		"id":             id,
		"session_id":     sessionID,
		"name":           name,
		"user_id":        userID,
		"model_provider": provider,
		"model_name":     model,
		"is_deleted":     false,
		"created_at":     now,
		"updated_at":     now,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build create chat query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("sqlstore: create chat for user %s: %w", userID, err)
	}

	return &chatorch.Chat{ID: id, SessionID: sessionID, UserID: userID, ModelProvider: provider, ModelName: model}, nil
}

func (s *Store) TouchChat(ctx context.Context, chatID string) error {
	query, _, err := s.goqu.Update(s.tChats).Set(goqu.Record{"updated_at": nowRFC3339()}).
		Where(goqu.I("id").Eq(chatID)).ToSQL()
	if err != nil {
		return fmt.Errorf("sqlstore: build touch chat query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sqlstore: touch chat %s: %w", chatID, err)
	}
	return nil
}

// ─── messages ───

// ListMessages returns a Chat's messages in creation order, the shape step
// 4 (history assembly) consumes.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]chatorch.HistoryMessage, error) {
	query, _, err := s.goqu.From(s.tMessages).
		Select("id", "role", "content", "distilled_content").
		Where(goqu.I("chat_id").Eq(chatID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list messages for chat %s: %w", chatID, err)
	}
	defer rows.Close()

	var out []chatorch.HistoryMessage
	for rows.Next() {
		var m chatorch.HistoryMessage
		var distilled sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &distilled); err != nil {
			return nil, fmt.Errorf("sqlstore: scan message row: %w", err)
		}
		m.DistilledContent = distilled.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateMessage inserts a new Message row and returns its generated ID.
func (s *Store) CreateMessage(ctx context.Context, chatID, role, content string, inputTokens, outputTokens int, estimated bool, modelUsed string) (string, error) {
	id := newID()

	query, _, err := s.goqu.Insert(s.tMessages).Rows(goqu.Record{
		"id":               id,
		"chat_id":          chatID,
		"role":             role,
		"content":          content,
		"tokens_used":      inputTokens + outputTokens,
		"model_used":       modelUsed,
		"input_tokens":     inputTokens,
		"output_tokens":    outputTokens,
		"tokens_estimated": estimated,
		"created_at":       nowRFC3339(),
	}).ToSQL()
	if err != nil {
		return "", fmt.Errorf("sqlstore: build create message query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return "", fmt.Errorf("sqlstore: create message for chat %s: %w", chatID, err)
	}
	return id, nil
}

// SetDistilledContent writes step 9's compressed summary onto an existing
// Message row. Failure here is logged by the caller and never rolls back
// the turn that produced the message.
func (s *Store) SetDistilledContent(ctx context.Context, messageID, distilled string) error {
	query, _, err := s.goqu.Update(s.tMessages).Set(goqu.Record{"distilled_content": distilled}).
		Where(goqu.I("id").Eq(messageID)).ToSQL()
	if err != nil {
		return fmt.Errorf("sqlstore: build set distilled content query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sqlstore: set distilled content for message %s: %w", messageID, err)
	}
	return nil
}

// ─── attachments ───

// CreateAttachments inserts every Attachment row bound to messageID inside
// a single transaction, matching the Attachment invariant that its
// lifecycle is strictly tied to its owning Message.
func (s *Store) CreateAttachments(ctx context.Context, messageID string, attachments []chatorch.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin create attachments transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := nowRFC3339()
	for _, a := range attachments {
		query, _, err := s.goqu.Insert(s.tAttachments).Rows(goqu.Record{
			"id":                newID(),
			"message_id":        messageID,
			"original_filename": a.OriginalFilename,
			"stored_filename":   a.StoredFilename,
			"file_path":         a.FilePath,
			"mime_type":         a.MimeType,
			"file_size":         a.FileSize,
			"file_type":         a.FileType,
			"created_at":        now,
		}).ToSQL()
		if err != nil {
			return fmt.Errorf("sqlstore: build insert attachment query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("sqlstore: insert attachment %q for message %s: %w", a.StoredFilename, messageID, err)
		}
	}

	return tx.Commit()
}
