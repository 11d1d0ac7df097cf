// Package chatorch implements the per-turn chat orchestration pipeline
// (C10): resolve the chat, transform the input (redaction, safety prompt,
// distilled-history substitution), retrieve document context, stream the
// provider's reply as SSE frames while persisting the turn, and kick off
// asynchronous distillation.
package chatorch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rakunlabs/ragchat/internal/embedder"
	"github.com/rakunlabs/ragchat/internal/llm"
	"github.com/rakunlabs/ragchat/internal/redactor"
	"github.com/rakunlabs/ragchat/internal/tokenizer"
	"github.com/rakunlabs/ragchat/internal/vectorstore"
)

func newSessionID() string { return uuid.NewString() }

const (
	defaultRetrieveK       = 5
	defaultMinSimilarity   = 0.7
	maxDistilledCharLength = 400
)

// Chat mirrors the subset of the persisted Chat row the orchestrator reads/
// creates; the concrete shape lives in internal/sqlstore.
type Chat struct {
	ID            string
	SessionID     string
	UserID        string
	ModelProvider string
	ModelName     string
}

// HistoryMessage is one prior turn, already in persisted order.
type HistoryMessage struct {
	ID               string
	Role             string // user | assistant | system
	Content          string
	DistilledContent string
}

// Attachment is one file bound to the incoming user turn.
type Attachment struct {
	OriginalFilename string
	StoredFilename   string
	FilePath         string
	MimeType         string
	FileSize         int64
	FileType         string // image | document | other
	Text             string // extracted text, for text-like documents
	Data             []byte // raw bytes, for images/PDFs sent natively
}

// Store is the persistence boundary the orchestrator reads/writes
// through, beyond resolving/creating the Chat itself.
type Store interface {
	GetChatBySessionID(ctx context.Context, sessionID string) (*Chat, error)
	CreateChat(ctx context.Context, sessionID, userID, name, provider, model string) (*Chat, error)
	TouchChat(ctx context.Context, chatID string) error
	ListMessages(ctx context.Context, chatID string) ([]HistoryMessage, error)
	CreateMessage(ctx context.Context, chatID, role, content string, inputTokens, outputTokens int, estimated bool, modelUsed string) (string, error)
	CreateAttachments(ctx context.Context, messageID string, attachments []Attachment) error
	SetDistilledContent(ctx context.Context, messageID, distilled string) error
}

// UserInfo is the subset of user state the safety prompt and retrieval
// steps need.
type UserInfo struct {
	ID          string
	DateOfBirth string // YYYY-MM-DD, empty if unset
	HasReadyDoc bool   // true if the user owns at least one ready Document
}

// Users resolves the UserInfo the orchestrator needs for a turn.
type Users interface {
	Info(ctx context.Context, userID string) (*UserInfo, error)
}

// Settings is the subset of the Settings Store the orchestrator reads.
type Settings interface {
	GetBool(ctx context.Context, key string, def bool) bool
	GetString(ctx context.Context, key, def string) string
	GetInt(ctx context.Context, key string, def int) int
}

// Providers resolves a provider label into an llm.Adapter.
type Providers interface {
	Resolve(ctx context.Context, providerLabel string) (llm.Adapter, error)
}

// Frame is one SSE envelope emitted to the client, per spec section 6's
// binding wire protocol: session_id, user_message_id, content, done,
// bot_message_id, error.
type Frame struct {
	Type            string      `json:"type"`
	SessionID       string      `json:"session_id,omitempty"`
	MessageID       string      `json:"message_id,omitempty"`
	Content         string      `json:"content,omitempty"`
	FullContent     string      `json:"full_content,omitempty"`
	InputTokens     int         `json:"input_tokens,omitempty"`
	OutputTokens    int         `json:"output_tokens,omitempty"`
	TokensEstimated bool        `json:"tokens_estimated,omitempty"`
	Usage           *FrameUsage `json:"usage,omitempty"`
}

// FrameUsage is the "done" frame's usage object.
type FrameUsage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	TotalTokens  int  `json:"total_tokens"`
	Estimated    bool `json:"estimated"`
}

// Request is one inbound POST /api/chat turn.
type Request struct {
	SessionID          string
	UserID             string
	Message            string
	Provider           string
	ModelName          string
	Attachments        []Attachment
	LocalVisionEnabled bool
	UseRAG             bool
}

// Orchestrator wires C1-C9 + persistence into the nine-step turn pipeline.
type Orchestrator struct {
	store     Store
	users     Users
	settings  Settings
	providers Providers
	redactor  *redactor.Redactor
	embedders *embedder.Registry
	vectors   *vectorstore.Store
}

// New builds an Orchestrator.
func New(store Store, users Users, settings Settings, providers Providers, red *redactor.Redactor, embedders *embedder.Registry, vectors *vectorstore.Store) *Orchestrator {
	return &Orchestrator{store: store, users: users, settings: settings, providers: providers, redactor: red, embedders: embedders, vectors: vectors}
}

// Run executes the full per-turn pipeline, sending one Frame per emit call
// for the caller (C12) to write as an SSE `data:` line. Run returns once
// the stream has terminated (done, error, or ctx cancellation); it never
// panics on a mid-stream provider failure — failures downgrade to an
// `error` Frame per spec 4.12's propagation policy.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit func(Frame)) error {
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		return fmt.Errorf("chatorch: a chat message requires text or attachments")
	}

	// 1. Resolve.
	chat, err := o.resolve(ctx, req)
	if err != nil {
		return fmt.Errorf("chatorch: resolve chat: %w", err)
	}
	emit(Frame{Type: "session_id", SessionID: chat.SessionID})

	user, err := o.users.Info(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("chatorch: load user %s: %w", req.UserID, err)
	}

	// 2. Redact.
	userText := req.Message
	if o.settings.GetBool(ctx, "sensitive_filter_enabled", false) {
		userText = o.redactor.Filter(userText)
	}

	// 3. Safety prompt.
	safetySystem := safetyPrompt(ctx, o.settings, user.DateOfBirth)

	// 4. History assembly.
	priorMessages, err := o.store.ListMessages(ctx, chat.ID)
	if err != nil {
		return fmt.Errorf("chatorch: load history: %w", err)
	}
	distilledContext := o.settings.GetBool(ctx, "distilled_context_enabled", false)
	history := assembleHistory(priorMessages, distilledContext)

	// 5. Persist user turn.
	estimated := !tokenizer.Exact()
	inputTokens := tokenizer.Count(userText)
	userMsgID, err := o.store.CreateMessage(ctx, chat.ID, "user", userText, inputTokens, 0, estimated, "")
	if err != nil {
		return fmt.Errorf("chatorch: persist user message: %w", err)
	}
	if len(req.Attachments) > 0 {
		if err := o.store.CreateAttachments(ctx, userMsgID, req.Attachments); err != nil {
			return fmt.Errorf("chatorch: persist attachments: %w", err)
		}
	}
	emit(Frame{Type: "user_message_id", MessageID: userMsgID, InputTokens: inputTokens, TokensEstimated: estimated})

	// 6. Retrieve.
	ragSystem := ""
	if req.UseRAG && user.HasReadyDoc && acceptsRAG(chat.ModelProvider) {
		ragSystem, err = o.retrieve(ctx, req.UserID, chat.ModelProvider, userText)
		if err != nil {
			slog.Warn("chatorch: retrieval failed, continuing without document context", "error", err)
		}
	}

	messages := buildProviderMessages(safetySystem, ragSystem, history, userText, req.Attachments)

	adapter, err := o.providers.Resolve(ctx, chat.ModelProvider)
	if err != nil {
		emit(Frame{Type: "error", Content: err.Error()})
		return nil
	}

	// 7. Stream.
	events, err := adapter.Stream(ctx, messages, req.ModelName, req.LocalVisionEnabled)
	if err != nil {
		emit(Frame{Type: "error", Content: err.Error()})
		return nil
	}

	var fullContent strings.Builder
	var usage llm.Usage
	streamErr := ""
	for ev := range events {
		switch ev.Kind {
		case llm.EventContent:
			fullContent.WriteString(ev.Delta)
			emit(Frame{Type: "content", Content: ev.Delta})
		case llm.EventDone:
			usage = ev.Usage
		case llm.EventError:
			streamErr = ev.Message
		}
	}

	if ctx.Err() != nil {
		// Client disconnected mid-stream: discard partial content, never
		// persist the assistant message, never distill.
		return ctx.Err()
	}

	if streamErr != "" {
		emit(Frame{Type: "error", Content: streamErr})
		return nil
	}

	emit(Frame{Type: "done", FullContent: fullContent.String(), Usage: &FrameUsage{
		InputTokens:  usage.Input,
		OutputTokens: usage.Output,
		TotalTokens:  usage.Input + usage.Output,
		Estimated:    usage.Estimated,
	}})

	// 8. Persist assistant turn.
	botMsgID, err := o.store.CreateMessage(ctx, chat.ID, "assistant", fullContent.String(), usage.Input, usage.Output, usage.Estimated, req.ModelName)
	if err != nil {
		return fmt.Errorf("chatorch: persist assistant message: %w", err)
	}
	if err := o.store.TouchChat(ctx, chat.ID); err != nil {
		slog.Warn("chatorch: touch chat failed", "chat_id", chat.ID, "error", err)
	}
	emit(Frame{Type: "bot_message_id", MessageID: botMsgID, OutputTokens: usage.Output, TokensEstimated: usage.Estimated})

	// 9. Distill (optional, fire-and-forget).
	if distilledContext {
		go o.distill(context.WithoutCancel(ctx), adapter, userMsgID, botMsgID, userText, fullContent.String())
	}

	return nil
}

func (o *Orchestrator) resolve(ctx context.Context, req Request) (*Chat, error) {
	if req.SessionID != "" {
		chat, err := o.store.GetChatBySessionID(ctx, req.SessionID)
		if err == nil {
			if chat.UserID != req.UserID {
				return nil, fmt.Errorf("chat %s is not owned by user %s", req.SessionID, req.UserID)
			}
			return chat, nil
		}
	}

	sessionID := newSessionID()
	name := req.Message
	if len(name) > 60 {
		name = name[:60]
	}
	return o.store.CreateChat(ctx, sessionID, req.UserID, name, req.Provider, req.ModelName)
}

func acceptsRAG(provider string) bool {
	switch llm.CanonicalProvider(provider) {
	case llm.ProviderAnthropic, llm.ProviderXAI:
		return false
	default:
		return true
	}
}

func safetyPrompt(ctx context.Context, settings Settings, dateOfBirth string) string {
	group := ageGroup(dateOfBirth)
	switch group {
	case "child":
		return settings.GetString(ctx, "safety_prompt_child", "")
	case "teen":
		return settings.GetString(ctx, "safety_prompt_teen", "")
	default:
		return ""
	}
}

// ageGroup classifies a YYYY-MM-DD date of birth into child (<12), teen
// (<18), adult, or unknown (absent/unparseable).
func ageGroup(dateOfBirth string) string {
	if dateOfBirth == "" {
		return "unknown"
	}
	dob, err := time.Parse("2006-01-02", dateOfBirth)
	if err != nil {
		return "unknown"
	}

	now := time.Now().UTC()
	age := now.Year() - dob.Year()
	if now.YearDay() < dob.YearDay() {
		age--
	}

	switch {
	case age < 12:
		return "child"
	case age < 18:
		return "teen"
	default:
		return "adult"
	}
}

func assembleHistory(messages []HistoryMessage, useDistilled bool) []HistoryMessage {
	out := make([]HistoryMessage, len(messages))
	for i, m := range messages {
		if useDistilled && m.DistilledContent != "" {
			m.Content = m.DistilledContent
		}
		out[i] = m
	}
	return out
}

func (o *Orchestrator) retrieve(ctx context.Context, userID, provider, query string) (string, error) {
	embedderName := embedder.Gemini
	if llm.CanonicalProvider(provider) == llm.ProviderOpenAI {
		embedderName = embedder.OpenAI
	}

	vector, usedBackend, err := o.embedders.EmbedWithFallback(ctx, query, embedderName)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}
	_ = usedBackend

	hits, err := o.vectors.Query(userID, vector, defaultRetrieveK, "")
	if err != nil {
		return "", fmt.Errorf("query vector store: %w", err)
	}

	var b strings.Builder
	found := false
	for _, h := range hits {
		if h.Similarity < defaultMinSimilarity {
			continue
		}
		if !found {
			b.WriteString("=== DOCUMENT CONTEXT ===\n")
			found = true
		}
		fmt.Fprintf(&b, "---\n%s\n", h.Content)
	}
	if !found {
		return "", nil
	}
	return b.String(), nil
}

func buildProviderMessages(safetySystem, ragSystem string, history []HistoryMessage, userText string, attachments []Attachment) []llm.Message {
	var out []llm.Message

	if safetySystem != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Text: safetySystem})
	}
	if ragSystem != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Text: ragSystem})
	}

	for _, m := range history {
		role := llm.RoleUser
		switch m.Role {
		case "assistant":
			role = llm.RoleAssistant
		case "system":
			role = llm.RoleSystem
		}
		out = append(out, llm.Message{Role: role, Text: m.Content})
	}

	out = append(out, userMessage(userText, attachments))
	return out
}

func userMessage(text string, attachments []Attachment) llm.Message {
	if len(attachments) == 0 {
		return llm.Message{Role: llm.RoleUser, Text: text}
	}

	parts := []llm.Part{{Kind: llm.PartText, Text: text}}
	for _, a := range attachments {
		switch a.FileType {
		case "image":
			parts = append(parts, llm.Part{Kind: llm.PartImage, MimeType: a.MimeType, Data: a.Data, Filename: a.OriginalFilename})
		case "document":
			if a.Data != nil {
				parts = append(parts, llm.Part{Kind: llm.PartNativeFile, MimeType: a.MimeType, Data: a.Data, Filename: a.OriginalFilename})
			} else {
				parts = append(parts, llm.Part{Kind: llm.PartNativeFile, MimeType: a.MimeType, Text: a.Text, Filename: a.OriginalFilename})
			}
		default:
			parts = append(parts, llm.Part{Kind: llm.PartNativeFile, MimeType: a.MimeType, Text: a.Text, Filename: a.OriginalFilename})
		}
	}
	return llm.Message{Role: llm.RoleUser, Parts: parts}
}

var thinkTagPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// distill asynchronously asks the same provider to produce compressed
// one-to-two-sentence rewrites of the exchange and writes them back onto
// the user/assistant messages' distilled_content. Never rolls back the
// turn it summarizes; failure is logged only.
func (o *Orchestrator) distill(ctx context.Context, adapter llm.Adapter, userMsgID, botMsgID, userText, assistantText string) {
	prompt := fmt.Sprintf(
		"Summarize this exchange in two short rewrites, each 1-2 sentences, prefixed exactly \"USER: \" and \"ASSISTANT: \" on their own lines.\n\nUSER: %s\nASSISTANT: %s",
		thinkTagPattern.ReplaceAllString(userText, ""),
		thinkTagPattern.ReplaceAllString(assistantText, ""),
	)

	resp, err := adapter.Respond(ctx, []llm.Message{{Role: llm.RoleUser, Text: prompt}}, "")
	if err != nil || resp.Err != nil {
		slog.Warn("chatorch: distillation request failed", "error", err)
		return
	}

	userDistilled, assistantDistilled := parseDistillation(resp.Content)
	if userDistilled != "" {
		if err := o.store.SetDistilledContent(ctx, userMsgID, truncate(userDistilled, maxDistilledCharLength)); err != nil {
			slog.Warn("chatorch: write user distillation failed", "error", err)
		}
	}
	if assistantDistilled != "" {
		if err := o.store.SetDistilledContent(ctx, botMsgID, truncate(assistantDistilled, maxDistilledCharLength)); err != nil {
			slog.Warn("chatorch: write assistant distillation failed", "error", err)
		}
	}
}

func parseDistillation(text string) (userLine, assistantLine string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "USER:"):
			userLine = strings.TrimSpace(strings.TrimPrefix(line, "USER:"))
		case strings.HasPrefix(line, "ASSISTANT:"):
			assistantLine = strings.TrimSpace(strings.TrimPrefix(line, "ASSISTANT:"))
		}
	}
	return userLine, assistantLine
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
