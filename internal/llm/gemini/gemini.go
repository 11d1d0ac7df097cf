// Package gemini implements the llm.Adapter contract against Google's
// Gemini API via the official google.golang.org/genai client. Gemini has
// no system role: system messages are concatenated and carried in
// GenerateContentConfig.SystemInstruction instead, and assistant turns map
// to genai's "model" role.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/rakunlabs/ragchat/internal/llm"
)

// Adapter is a Gemini GenerateContent client.
type Adapter struct {
	client *genai.Client
	model  string
}

// New builds an Adapter against the public Gemini API backend.
func New(ctx context.Context, apiKey, model, baseURL string) (*Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w", llm.ErrMissingKey)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: build client: %w", err)
	}

	return &Adapter{client: client, model: model}, nil
}

func roleToGemini(role llm.Role) genai.Role {
	if role == llm.RoleAssistant {
		return genai.RoleModel
	}
	return genai.RoleUser
}

// normalize strips system messages into a joined instruction string and
// converts the remaining turns into Gemini Contents.
func normalize(messages []llm.Message) (systemInstruction string, contents []*genai.Content) {
	var sys []string

	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			sys = append(sys, m.Text)
			continue
		}

		role := roleToGemini(m.Role)
		parts := toParts(m)
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}

	return strings.Join(sys, "\n\n"), contents
}

func toParts(m llm.Message) []*genai.Part {
	if !m.IsMultimodal() {
		if m.Text == "" {
			return nil
		}
		return []*genai.Part{genai.NewPartFromText(m.Text)}
	}

	parts := make([]*genai.Part, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch part.Kind {
		case llm.PartText:
			parts = append(parts, genai.NewPartFromText(part.Text))
		case llm.PartImage:
			parts = append(parts, genai.NewPartFromBytes(part.Data, part.MimeType))
		case llm.PartNativeFile:
			// Gemini accepts PDFs as inline bytes the same way images are
			// carried; other document MIMEs fall back to extracted text.
			if part.MimeType == "application/pdf" {
				parts = append(parts, genai.NewPartFromBytes(part.Data, part.MimeType))
			} else {
				parts = append(parts, genai.NewPartFromText(fmt.Sprintf("[File: %s]\n%s", part.Filename, part.Text)))
			}
		}
	}
	return parts
}

func (a *Adapter) buildConfig(systemInstruction string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if systemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemInstruction, genai.RoleUser)
	}
	return cfg
}

func responseText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}

// Respond performs a single-shot completion.
func (a *Adapter) Respond(ctx context.Context, messages []llm.Message, modelOverride string) (*llm.Response, error) {
	model := a.model
	if modelOverride != "" {
		model = modelOverride
	}

	systemInstruction, contents := normalize(messages)
	cfg := a.buildConfig(systemInstruction)

	resp, err := a.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, classifyError(err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return &llm.Response{Err: fmt.Errorf("blocked: %v", resp.PromptFeedback.BlockReason)}, nil
	}

	usage := llm.Usage{}
	if resp.UsageMetadata != nil {
		usage = llm.Usage{
			Input:  int(resp.UsageMetadata.PromptTokenCount),
			Output: int(resp.UsageMetadata.CandidatesTokenCount),
			Total:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	content := responseText(resp)
	return &llm.Response{Content: content, Usage: llm.FinalizeUsage(usage, messages, content)}, nil
}

// Stream performs a streaming completion.
func (a *Adapter) Stream(ctx context.Context, messages []llm.Message, modelOverride string, visionOptIn bool) (<-chan llm.StreamEvent, error) {
	model := a.model
	if modelOverride != "" {
		model = modelOverride
	}

	systemInstruction, contents := normalize(messages)
	cfg := a.buildConfig(systemInstruction)

	iter := a.client.Models.GenerateContentStream(ctx, model, contents, cfg)

	ch := make(chan llm.StreamEvent, 64)

	go func() {
		defer close(ch)

		var full strings.Builder
		var usage llm.Usage
		var streamErr error

		iter(func(resp *genai.GenerateContentResponse, err error) bool {
			if err != nil {
				streamErr = err
				return false
			}
			if resp == nil {
				return true
			}

			if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
				streamErr = fmt.Errorf("blocked: %v", resp.PromptFeedback.BlockReason)
				return false
			}

			if text := responseText(resp); text != "" {
				full.WriteString(text)
				ch <- llm.StreamEvent{Kind: llm.EventContent, Delta: text}
			}

			if resp.UsageMetadata != nil {
				usage = llm.Usage{
					Input:  int(resp.UsageMetadata.PromptTokenCount),
					Output: int(resp.UsageMetadata.CandidatesTokenCount),
					Total:  int(resp.UsageMetadata.TotalTokenCount),
				}
			}

			return true
		})

		if streamErr != nil {
			ch <- llm.StreamEvent{Kind: llm.EventError, Message: classifyError(streamErr).Error()}
			return
		}

		content := full.String()
		ch <- llm.StreamEvent{Kind: llm.EventDone, FullContent: content, Usage: llm.FinalizeUsage(usage, messages, content)}
	}()

	return ch, nil
}

func classifyError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "API_KEY_INVALID"):
		return fmt.Errorf("%w: %v", llm.ErrInvalidKey, err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED"):
		return fmt.Errorf("%w: %v", llm.ErrQuotaExceeded, err)
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("%w: %v", llm.ErrConnectionFailed, err)
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", llm.ErrReadTimeout, err)
	default:
		return err
	}
}

var _ llm.Adapter = (*Adapter)(nil)
