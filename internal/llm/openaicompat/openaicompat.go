// Package openaicompat implements the llm.Adapter contract against any
// OpenAI-compatible chat completions endpoint. It backs three of the six
// providers (openai, xai, lm_studio), which all speak the same wire
// format modulo base URL and default model.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/ragchat/internal/llm"
)

// Adapter is an OpenAI-compatible chat completions client.
type Adapter struct {
	model  string
	client *klient.Client
	local  bool // true for lm_studio: gates image parts behind visionOptIn
}

// New builds an Adapter. baseURL must be the full chat-completions
// endpoint (e.g. "https://api.openai.com/v1/chat/completions",
// "https://api.x.ai/v1/chat/completions", or a local LM Studio server's
// equivalent path). local marks lm_studio instances, which require the
// caller's visionOptIn flag before an image part is accepted.
func New(apiKey, model, baseURL string, extraHeaders map[string]string, local bool) (*Adapter, error) {
	headers := http.Header{"Content-Type": []string{"application/json"}}
	if apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + apiKey}
	}
	for k, v := range extraHeaders {
		headers[k] = []string{v}
	}

	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: build client: %w", err)
	}

	return &Adapter{model: model, client: client, local: local}, nil
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

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

func toWireMessages(messages []llm.Message) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		if !m.IsMultimodal() {
			out[i] = wireMessage{Role: string(m.Role), Content: m.Text}
			continue
		}

		var parts []contentPart
		for _, part := range m.Parts {
			switch part.Kind {
			case llm.PartText:
				parts = append(parts, contentPart{Type: "text", Text: part.Text})
			case llm.PartImage:
				dataURL := fmt.Sprintf("data:%s;base64,%s", part.MimeType, base64.StdEncoding.EncodeToString(part.Data))
				parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: dataURL}})
			case llm.PartNativeFile:
				// OpenAI-compatible endpoints have no native PDF/DOCX part;
				// fall back to the extracted text representation with a
				// filename marker, per the "[File: name]" convention.
				parts = append(parts, contentPart{Type: "text", Text: fmt.Sprintf("[File: %s]\n%s", part.Filename, part.Text)})
			}
		}
		out[i] = wireMessage{Role: string(m.Role), Content: parts}
	}
	return out
}

func (a *Adapter) buildRequest(messages []llm.Message, model string, stream bool) map[string]any {
	if model == "" {
		model = a.model
	}
	body := map[string]any{
		"model":    model,
		"messages": toWireMessages(messages),
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	return body
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
	Error *wireError `json:"error"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireError struct {
	Message string `json:"message"`
}

// Respond performs a single-shot completion.
func (a *Adapter) Respond(ctx context.Context, messages []llm.Message, modelOverride string) (*llm.Response, error) {
	if a.local && hasImage(messages) {
		return &llm.Response{Err: llm.ErrVisionUnsupported}, nil
	}

	body, err := json.Marshal(a.buildRequest(messages, modelOverride, false))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: build request: %w", err)
	}

	var parsed wireResponse
	if err := a.client.Do(req, func(r *http.Response) error {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &parsed)
	}); err != nil {
		return nil, classifyError(err)
	}

	if parsed.Error != nil {
		return &llm.Response{Err: fmt.Errorf("%s", parsed.Error.Message)}, nil
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openaicompat: no choices in response")
	}

	resp := &llm.Response{Content: parsed.Choices[0].Message.Content}
	if parsed.Usage != nil {
		resp.Usage = llm.Usage{
			Input:  parsed.Usage.PromptTokens,
			Output: parsed.Usage.CompletionTokens,
			Total:  parsed.Usage.TotalTokens,
		}
	}
	resp.Usage = llm.FinalizeUsage(resp.Usage, messages, resp.Content)
	return resp, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
	Error *wireError `json:"error"`
}

// Stream performs a streaming completion over SSE. visionOptIn is accepted
// for interface symmetry; OpenAI-compatible endpoints need no explicit
// opt-in beyond the image part already being present in messages.
func (a *Adapter) Stream(ctx context.Context, messages []llm.Message, modelOverride string, visionOptIn bool) (<-chan llm.StreamEvent, error) {
	if a.local && hasImage(messages) && !visionOptIn {
		ch := make(chan llm.StreamEvent, 1)
		ch <- llm.StreamEvent{Kind: llm.EventError, Message: llm.ErrVisionUnsupported.Error()}
		close(ch)
		return ch, nil
	}

	body, err := json.Marshal(a.buildRequest(messages, modelOverride, true))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: build request: %w", err)
	}

	resp, err := a.client.HTTP.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openaicompat: provider returned status %d: %s", resp.StatusCode, string(raw))
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
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				content := full.String()
				ch <- llm.StreamEvent{Kind: llm.EventDone, FullContent: content, Usage: llm.FinalizeUsage(usage, messages, content)}
				return
			}

			var sc streamChunk
			if err := json.Unmarshal([]byte(data), &sc); err != nil {
				ch <- llm.StreamEvent{Kind: llm.EventError, Message: fmt.Sprintf("parse stream chunk: %v", err)}
				return
			}

			if sc.Error != nil {
				ch <- llm.StreamEvent{Kind: llm.EventError, Message: sc.Error.Message}
				return
			}

			if sc.Usage != nil {
				usage = llm.Usage{Input: sc.Usage.PromptTokens, Output: sc.Usage.CompletionTokens, Total: sc.Usage.TotalTokens}
			}

			if len(sc.Choices) == 0 {
				continue
			}

			delta := sc.Choices[0].Delta.Content
			if delta != "" {
				full.WriteString(delta)
				ch <- llm.StreamEvent{Kind: llm.EventContent, Delta: delta}
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- llm.StreamEvent{Kind: llm.EventError, Message: fmt.Sprintf("stream read error: %v", err)}
			return
		}

		// A well-formed stream ends with "[DONE]"; a connection that closes
		// first without it still needs exactly one terminal event.
		content := full.String()
		ch <- llm.StreamEvent{Kind: llm.EventDone, FullContent: content, Usage: llm.FinalizeUsage(usage, messages, content)}
	}()

	return ch, nil
}

func classifyError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "invalid_api_key"):
		return fmt.Errorf("%w: %v", llm.ErrInvalidKey, err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "quota"):
		return fmt.Errorf("%w: %v", llm.ErrQuotaExceeded, err)
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("%w: %v", llm.ErrConnectionFailed, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return fmt.Errorf("%w: %v", llm.ErrReadTimeout, err)
	default:
		return err
	}
}

var _ llm.Adapter = (*Adapter)(nil)
