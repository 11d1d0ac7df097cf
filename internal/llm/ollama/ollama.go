// Package ollama implements the llm.Adapter contract against a local Ollama
// server's native /api/chat endpoint. Unlike the OpenAI-compatible wire
// format, Ollama carries per-message images as a parallel base64 array and
// streams newline-delimited JSON rather than SSE.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/ragchat/internal/llm"
)

const defaultBaseURL = "http://localhost:11434/api/chat"

// Adapter is an Ollama native chat client.
type Adapter struct {
	model  string
	client *klient.Client
}

// New builds an Adapter. baseURL defaults to the standard local Ollama
// /api/chat endpoint when empty.
func New(model, baseURL string) (*Adapter, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("ollama: build client: %w", err)
	}

	return &Adapter{model: model, client: client}, nil
}

type wireMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

func hasImage(messages []llm.Message) bool {
	for _, m := range messages {
		for _, part := range m.Parts {
			if part.Kind == llm.PartImage {
				return true
			}
		}
	}
	return false
}

func toWireMessages(messages []llm.Message) []wireMessage {
	out := make([]wireMessage, len(messages))

	for i, m := range messages {
		if !m.IsMultimodal() {
			out[i] = wireMessage{Role: string(m.Role), Content: m.Text}
			continue
		}

		var text strings.Builder
		var images []string
		for _, part := range m.Parts {
			switch part.Kind {
			case llm.PartText:
				text.WriteString(part.Text)
			case llm.PartImage:
				images = append(images, base64.StdEncoding.EncodeToString(part.Data))
			case llm.PartNativeFile:
				// Ollama has no native document part; append the
				// pre-extracted text, per the "[File: name]" convention.
				fmt.Fprintf(&text, "\n\n[File: %s]\n%s", part.Filename, part.Text)
			}
		}
		out[i] = wireMessage{Role: string(m.Role), Content: text.String(), Images: images}
	}

	return out
}

func (a *Adapter) buildRequest(messages []llm.Message, model string, stream bool) map[string]any {
	if model == "" {
		model = a.model
	}
	return map[string]any{
		"model":    model,
		"messages": toWireMessages(messages),
		"stream":   stream,
	}
}

type wireResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done          bool   `json:"done"`
	PromptEvalCnt int    `json:"prompt_eval_count"`
	EvalCount     int    `json:"eval_count"`
	ErrorMsg      string `json:"error"`
}

// Respond performs a single-shot completion.
func (a *Adapter) Respond(ctx context.Context, messages []llm.Message, modelOverride string) (*llm.Response, error) {
	if hasImage(messages) {
		return &llm.Response{Err: llm.ErrVisionUnsupported}, nil
	}

	body, err := json.Marshal(a.buildRequest(messages, modelOverride, false))
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}

	var parsed wireResponse
	if err := a.client.Do(req, func(r *http.Response) error {
		return json.NewDecoder(r.Body).Decode(&parsed)
	}); err != nil {
		return nil, classifyError(err)
	}

	if parsed.ErrorMsg != "" {
		return &llm.Response{Err: fmt.Errorf("%s", parsed.ErrorMsg)}, nil
	}

	usage := llm.Usage{
		Input:  parsed.PromptEvalCnt,
		Output: parsed.EvalCount,
		Total:  parsed.PromptEvalCnt + parsed.EvalCount,
	}

	return &llm.Response{
		Content: parsed.Message.Content,
		Usage:   llm.FinalizeUsage(usage, messages, parsed.Message.Content),
	}, nil
}

// Stream performs a streaming completion over newline-delimited JSON.
// visionOptIn gates whether an image part is accepted at all: local
// providers require the caller to explicitly opt into vision, since not
// every locally-served model supports it.
func (a *Adapter) Stream(ctx context.Context, messages []llm.Message, modelOverride string, visionOptIn bool) (<-chan llm.StreamEvent, error) {
	if hasImage(messages) && !visionOptIn {
		ch := make(chan llm.StreamEvent, 1)
		ch <- llm.StreamEvent{Kind: llm.EventError, Message: llm.ErrVisionUnsupported.Error()}
		close(ch)
		return ch, nil
	}

	body, err := json.Marshal(a.buildRequest(messages, modelOverride, true))
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}

	resp, err := a.client.HTTP.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := jsonReadAll(resp)
		return nil, fmt.Errorf("ollama: provider returned status %d: %s", resp.StatusCode, raw)
	}

	ch := make(chan llm.StreamEvent, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var full strings.Builder
		var usage llm.Usage

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var chunk wireResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				ch <- llm.StreamEvent{Kind: llm.EventError, Message: fmt.Sprintf("parse stream chunk: %v", err)}
				return
			}

			if chunk.ErrorMsg != "" {
				ch <- llm.StreamEvent{Kind: llm.EventError, Message: chunk.ErrorMsg}
				return
			}

			if chunk.Message.Content != "" {
				full.WriteString(chunk.Message.Content)
				ch <- llm.StreamEvent{Kind: llm.EventContent, Delta: chunk.Message.Content}
			}

			if chunk.Done {
				usage = llm.Usage{
					Input:  chunk.PromptEvalCnt,
					Output: chunk.EvalCount,
					Total:  chunk.PromptEvalCnt + chunk.EvalCount,
				}
				content := full.String()
				ch <- llm.StreamEvent{Kind: llm.EventDone, FullContent: content, Usage: llm.FinalizeUsage(usage, messages, content)}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- llm.StreamEvent{Kind: llm.EventError, Message: fmt.Sprintf("stream read error: %v", err)}
			return
		}

		// A connection that closes before a final "done":true line still
		// needs exactly one terminal event.
		content := full.String()
		ch <- llm.StreamEvent{Kind: llm.EventDone, FullContent: content, Usage: llm.FinalizeUsage(usage, messages, content)}
	}()

	return ch, nil
}

func jsonReadAll(resp *http.Response) (string, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	return buf.String(), err
}

func classifyError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("%w: %v", llm.ErrConnectionFailed, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return fmt.Errorf("%w: %v", llm.ErrReadTimeout, err)
	default:
		return err
	}
}

var _ llm.Adapter = (*Adapter)(nil)
