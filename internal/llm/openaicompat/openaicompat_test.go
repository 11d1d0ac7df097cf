package openaicompat

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rakunlabs/ragchat/internal/llm"
)

func TestToWireMessagesPlainText(t *testing.T) {
	messages := []llm.Message{
		{Role: llm.RoleUser, Text: "hello"},
	}

	out := toWireMessages(messages)
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	if out[0].Content != "hello" {
		t.Fatalf("content = %v, want %q", out[0].Content, "hello")
	}
}

func TestToWireMessagesMultimodal(t *testing.T) {
	messages := []llm.Message{
		{
			Role: llm.RoleUser,
			Parts: []llm.Part{
				{Kind: llm.PartText, Text: "what is this?"},
				{Kind: llm.PartImage, MimeType: "image/png", Data: []byte{1, 2, 3}},
			},
		},
	}

	out := toWireMessages(messages)
	parts, ok := out[0].Content.([]contentPart)
	if !ok {
		t.Fatalf("content is %T, want []contentPart", out[0].Content)
	}
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	if parts[1].Type != "image_url" || parts[1].ImageURL == nil {
		t.Fatalf("second part = %+v, want image_url", parts[1])
	}
}

func TestToWireMessagesNativeFileFallsBackToText(t *testing.T) {
	messages := []llm.Message{
		{
			Role: llm.RoleUser,
			Parts: []llm.Part{
				{Kind: llm.PartNativeFile, Filename: "report.pdf", Text: "extracted body"},
			},
		},
	}

	out := toWireMessages(messages)
	parts := out[0].Content.([]contentPart)
	if parts[0].Type != "text" {
		t.Fatalf("type = %q, want text", parts[0].Type)
	}
	if want := "[File: report.pdf]\nextracted body"; parts[0].Text != want {
		t.Fatalf("text = %q, want %q", parts[0].Text, want)
	}
}

func TestBuildRequestStreamOptions(t *testing.T) {
	a := &Adapter{model: "gpt-test"}

	body := a.buildRequest([]llm.Message{{Role: llm.RoleUser, Text: "hi"}}, "", true)

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["model"] != "gpt-test" {
		t.Fatalf("model = %v, want gpt-test", decoded["model"])
	}
	if decoded["stream"] != true {
		t.Fatalf("stream = %v, want true", decoded["stream"])
	}
}

func TestBuildRequestModelOverride(t *testing.T) {
	a := &Adapter{model: "default-model"}

	body := a.buildRequest(nil, "override-model", false)
	if body["model"] != "override-model" {
		t.Fatalf("model = %v, want override-model", body["model"])
	}
}

func TestHasImage(t *testing.T) {
	withImage := []llm.Message{{Role: llm.RoleUser, Parts: []llm.Part{{Kind: llm.PartImage}}}}
	withoutImage := []llm.Message{{Role: llm.RoleUser, Text: "hi"}}

	if !hasImage(withImage) {
		t.Fatal("hasImage returned false for message with image part")
	}
	if hasImage(withoutImage) {
		t.Fatal("hasImage returned true for text-only message")
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		msg  string
		want error
	}{
		{"401 invalid_api_key", llm.ErrInvalidKey},
		{"429 quota exceeded", llm.ErrQuotaExceeded},
		{"dial tcp: connection refused", llm.ErrConnectionFailed},
		{"context deadline exceeded", llm.ErrReadTimeout},
	}

	for _, c := range cases {
		got := classifyError(stringError(c.msg))
		if !errors.Is(got, c.want) {
			t.Fatalf("classifyError(%q) = %v, want wrapping %v", c.msg, got, c.want)
		}
	}
}

type stringError string

func (e stringError) Error() string { return string(e) }
