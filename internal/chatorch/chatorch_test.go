package chatorch

import (
	"context"
	"testing"

	"github.com/rakunlabs/ragchat/internal/embedder"
	"github.com/rakunlabs/ragchat/internal/llm"
	"github.com/rakunlabs/ragchat/internal/redactor"
	"github.com/rakunlabs/ragchat/internal/vectorstore"
)

type fakeStore struct {
	chats     map[string]*Chat
	messages  map[string][]HistoryMessage
	nextMsgID int
	createErr error
	distilled map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:     make(map[string]*Chat),
		messages:  make(map[string][]HistoryMessage),
		distilled: make(map[string]string),
	}
}

func (f *fakeStore) GetChatBySessionID(_ context.Context, sessionID string) (*Chat, error) {
	for _, c := range f.chats {
		if c.SessionID == sessionID {
			return c, nil
		}
	}
	return nil, errNotFound
}

func (f *fakeStore) CreateChat(_ context.Context, sessionID, userID, name, provider, model string) (*Chat, error) {
	chat := &Chat{ID: name + "-id", SessionID: sessionID, UserID: userID, ModelProvider: provider, ModelName: model}
	f.chats[chat.ID] = chat
	return chat, nil
}

func (f *fakeStore) TouchChat(_ context.Context, chatID string) error { return nil }

func (f *fakeStore) ListMessages(_ context.Context, chatID string) ([]HistoryMessage, error) {
	return f.messages[chatID], nil
}

func (f *fakeStore) CreateMessage(_ context.Context, chatID, role, content string, inputTokens, outputTokens int, estimated bool, modelUsed string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextMsgID++
	id := role + "-msg-" + itoa(f.nextMsgID)
	f.messages[chatID] = append(f.messages[chatID], HistoryMessage{ID: id, Role: role, Content: content})
	return id, nil
}

func (f *fakeStore) CreateAttachments(_ context.Context, messageID string, attachments []Attachment) error {
	return nil
}

func (f *fakeStore) SetDistilledContent(_ context.Context, messageID, distilled string) error {
	f.distilled[messageID] = distilled
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "chat not found" }

type fakeUsers struct {
	info map[string]*UserInfo
}

func (f *fakeUsers) Info(_ context.Context, userID string) (*UserInfo, error) {
	if u, ok := f.info[userID]; ok {
		return u, nil
	}
	return &UserInfo{ID: userID}, nil
}

type fakeSettings struct {
	bools   map[string]bool
	strings map[string]string
}

func (f *fakeSettings) GetBool(_ context.Context, key string, def bool) bool {
	if v, ok := f.bools[key]; ok {
		return v
	}
	return def
}

func (f *fakeSettings) GetString(_ context.Context, key, def string) string {
	if v, ok := f.strings[key]; ok {
		return v
	}
	return def
}

func (f *fakeSettings) GetInt(_ context.Context, key string, def int) int { return def }

type fakeAdapter struct {
	events []llm.StreamEvent
}

func (a *fakeAdapter) Respond(_ context.Context, messages []llm.Message, modelOverride string) (*llm.Response, error) {
	return &llm.Response{Content: "USER: hi\nASSISTANT: hello"}, nil
}

func (a *fakeAdapter) Stream(_ context.Context, messages []llm.Message, modelOverride string, visionOptIn bool) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent, len(a.events))
	for _, ev := range a.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type fakeProviders struct {
	adapter llm.Adapter
	err     error
}

func (f *fakeProviders) Resolve(_ context.Context, providerLabel string) (llm.Adapter, error) {
	return f.adapter, f.err
}

func newTestOrchestrator(t *testing.T, store Store, adapter llm.Adapter, settingsOverrides map[string]bool) *Orchestrator {
	t.Helper()
	vs, err := vectorstore.New(t.TempDir(), embedder.Dims[embedder.Gemini])
	if err != nil {
		t.Fatalf("vectorstore.New: %v", err)
	}
	t.Cleanup(func() { vs.Close() })

	return New(
		store,
		&fakeUsers{info: map[string]*UserInfo{}},
		&fakeSettings{bools: settingsOverrides},
		&fakeProviders{adapter: adapter},
		redactor.New(),
		nil, // embedders: unused unless RAG retrieval is exercised
		vs,
	)
}

func TestRunEmitsSessionAndMessageFrames(t *testing.T) {
	store := newFakeStore()
	adapter := &fakeAdapter{events: []llm.StreamEvent{
		{Kind: llm.EventContent, Delta: "hel"},
		{Kind: llm.EventContent, Delta: "lo"},
		{Kind: llm.EventDone, Usage: llm.Usage{Input: 3, Output: 2}},
	}}
	orch := newTestOrchestrator(t, store, adapter, nil)

	var frames []Frame
	err := orch.Run(context.Background(), Request{UserID: "u1", Message: "hi", Provider: "openai"}, func(f Frame) {
		frames = append(frames, f)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantTypes := []string{"session_id", "user_message_id", "content", "content", "done", "bot_message_id"}
	if len(frames) != len(wantTypes) {
		t.Fatalf("got %d frames, want %d: %+v", len(frames), len(wantTypes), frames)
	}
	for i, want := range wantTypes {
		if frames[i].Type != want {
			t.Errorf("frame[%d].Type = %q, want %q", i, frames[i].Type, want)
		}
	}

	done := frames[4]
	if done.FullContent != "hello" {
		t.Errorf("done.FullContent = %q, want hello", done.FullContent)
	}
	if done.Usage == nil || done.Usage.TotalTokens != 5 {
		t.Errorf("done.Usage = %+v, want total 5", done.Usage)
	}

	botFrame := frames[5]
	if botFrame.MessageID == "" {
		t.Error("bot_message_id frame carries no MessageID")
	}
}

func TestRunEmptyMessageWithoutAttachmentsErrors(t *testing.T) {
	store := newFakeStore()
	orch := newTestOrchestrator(t, store, &fakeAdapter{}, nil)

	err := orch.Run(context.Background(), Request{UserID: "u1", Message: "   "}, func(Frame) {})
	if err == nil {
		t.Fatal("expected error for empty message with no attachments")
	}
}

func TestRunProviderResolveErrorEmitsErrorFrame(t *testing.T) {
	store := newFakeStore()
	orch := New(
		store,
		&fakeUsers{info: map[string]*UserInfo{}},
		&fakeSettings{},
		&fakeProviders{err: llm.ErrMissingKey},
		redactor.New(),
		nil,
		mustVectorStore(t),
	)

	var frames []Frame
	err := orch.Run(context.Background(), Request{UserID: "u1", Message: "hi", Provider: "openai"}, func(f Frame) {
		frames = append(frames, f)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(frames) == 0 || frames[len(frames)-1].Type != "error" {
		t.Fatalf("expected trailing error frame, got %+v", frames)
	}
}

func TestRunStreamErrorEventEmitsErrorFrame(t *testing.T) {
	store := newFakeStore()
	adapter := &fakeAdapter{events: []llm.StreamEvent{
		{Kind: llm.EventError, Message: "upstream failed"},
	}}
	orch := newTestOrchestrator(t, store, adapter, nil)

	var frames []Frame
	err := orch.Run(context.Background(), Request{UserID: "u1", Message: "hi", Provider: "openai"}, func(f Frame) {
		frames = append(frames, f)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	last := frames[len(frames)-1]
	if last.Type != "error" || last.Content != "upstream failed" {
		t.Fatalf("last frame = %+v, want error frame with upstream message", last)
	}
}

func mustVectorStore(t *testing.T) *vectorstore.Store {
	t.Helper()
	vs, err := vectorstore.New(t.TempDir(), embedder.Dims[embedder.Gemini])
	if err != nil {
		t.Fatalf("vectorstore.New: %v", err)
	}
	t.Cleanup(func() { vs.Close() })
	return vs
}

func TestAcceptsRAG(t *testing.T) {
	cases := map[string]bool{
		"openai":    true,
		"gemini":    true,
		"ollama":    true,
		"anthropic": false,
		"xai":       false,
	}
	for provider, want := range cases {
		if got := acceptsRAG(provider); got != want {
			t.Errorf("acceptsRAG(%q) = %v, want %v", provider, got, want)
		}
	}
}

func TestAgeGroup(t *testing.T) {
	cases := []struct {
		dob  string
		want string
	}{
		{"", "unknown"},
		{"not-a-date", "unknown"},
	}
	for _, c := range cases {
		if got := ageGroup(c.dob); got != c.want {
			t.Errorf("ageGroup(%q) = %q, want %q", c.dob, got, c.want)
		}
	}
}

func TestParseDistillation(t *testing.T) {
	u, a := parseDistillation("USER: wants help\nASSISTANT: offered help")
	if u != "wants help" || a != "offered help" {
		t.Errorf("parseDistillation = (%q, %q)", u, a)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("this is definitely longer than ten chars", 10); len(got) != 10 {
		t.Errorf("truncate long = %q, len %d, want 10", got, len(got))
	}
}

func TestAssembleHistoryPrefersDistilledWhenEnabled(t *testing.T) {
	messages := []HistoryMessage{
		{ID: "m1", Role: "user", Content: "full text", DistilledContent: "short"},
		{ID: "m2", Role: "assistant", Content: "full reply"},
	}

	out := assembleHistory(messages, true)
	if out[0].Content != "short" {
		t.Errorf("distilled content = %q, want short", out[0].Content)
	}
	if out[1].Content != "full reply" {
		t.Errorf("message without distillation changed: %q", out[1].Content)
	}

	out = assembleHistory(messages, false)
	if out[0].Content != "full text" {
		t.Errorf("distillation applied despite useDistilled=false: %q", out[0].Content)
	}
}
