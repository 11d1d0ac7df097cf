// Package anthropic implements the llm.Adapter contract against the
// Anthropic Messages API via the official Go SDK. System messages are
// stripped into the top-level system field; image and PDF parts are sent
// natively rather than flattened to text.
package anthropic

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/rakunlabs/ragchat/internal/llm"
)

const defaultMaxTokens = 4096

// Adapter is an Anthropic Messages API client.
type Adapter struct {
	client anthropic.Client
	model  string
}

// New builds an Adapter. baseURL is optional; empty uses the SDK default
// (https://api.anthropic.com).
func New(apiKey, model, baseURL string) (*Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: %w", llm.ErrMissingKey)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Adapter{client: anthropic.NewClient(opts...), model: model}, nil
}

func splitSystem(messages []llm.Message) (system string, rest []llm.Message) {
	var sys []string
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			sys = append(sys, m.Text)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(sys, "\n\n"), rest
}

func toAnthropicMessages(messages []llm.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, m := range messages {
		role := anthropic.MessageParamRoleUser
		if m.Role == llm.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}

		var blocks []anthropic.ContentBlockParamUnion
		if !m.IsMultimodal() {
			blocks = append(blocks, anthropic.NewTextBlock(m.Text))
		} else {
			for _, part := range m.Parts {
				switch part.Kind {
				case llm.PartText:
					blocks = append(blocks, anthropic.NewTextBlock(part.Text))
				case llm.PartImage:
					blocks = append(blocks, anthropic.NewImageBlockBase64(part.MimeType, base64.StdEncoding.EncodeToString(part.Data)))
				case llm.PartNativeFile:
					if part.MimeType == "application/pdf" {
						blocks = append(blocks, anthropic.NewDocumentBlock(anthropic.NewBase64PDFSource(base64.StdEncoding.EncodeToString(part.Data))))
					} else {
						// Anthropic's Files API does not accept this MIME
						// natively; fall back to the pre-extracted text.
						blocks = append(blocks, anthropic.NewTextBlock(fmt.Sprintf("[File: %s]\n%s", part.Filename, part.Text)))
					}
				}
			}
		}

		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	return out, nil
}

// Respond performs a single-shot completion.
func (a *Adapter) Respond(ctx context.Context, messages []llm.Message, modelOverride string) (*llm.Response, error) {
	model := a.model
	if modelOverride != "" {
		model = modelOverride
	}

	system, rest := splitSystem(messages)
	anthMessages, err := toAnthropicMessages(rest)
	if err != nil {
		return nil, fmt.Errorf("anthropic: normalize messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages:  anthMessages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if text := block.AsText(); text.Text != "" {
			content.WriteString(text.Text)
		}
	}

	usage := llm.Usage{
		Input:  int(msg.Usage.InputTokens),
		Output: int(msg.Usage.OutputTokens),
		Total:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}

	return &llm.Response{
		Content: content.String(),
		Usage:   llm.FinalizeUsage(usage, messages, content.String()),
	}, nil
}

// Stream performs a streaming completion.
func (a *Adapter) Stream(ctx context.Context, messages []llm.Message, modelOverride string, visionOptIn bool) (<-chan llm.StreamEvent, error) {
	model := a.model
	if modelOverride != "" {
		model = modelOverride
	}

	system, rest := splitSystem(messages)
	anthMessages, err := toAnthropicMessages(rest)
	if err != nil {
		return nil, fmt.Errorf("anthropic: normalize messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages:  anthMessages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)

	ch := make(chan llm.StreamEvent, 64)

	go func() {
		defer close(ch)

		var full strings.Builder
		var usage llm.Usage
		message := anthropic.Message{}

		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				ch <- llm.StreamEvent{Kind: llm.EventError, Message: fmt.Sprintf("accumulate stream event: %v", err)}
				return
			}

			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					full.WriteString(delta.Text)
					ch <- llm.StreamEvent{Kind: llm.EventContent, Delta: delta.Text}
				}
			case anthropic.MessageDeltaEvent:
				usage.Output = int(variant.Usage.OutputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			ch <- llm.StreamEvent{Kind: llm.EventError, Message: classifyError(err).Error()}
			return
		}

		usage.Input = int(message.Usage.InputTokens)
		usage.Total = usage.Input + usage.Output

		content := full.String()
		ch <- llm.StreamEvent{Kind: llm.EventDone, FullContent: content, Usage: llm.FinalizeUsage(usage, messages, content)}
	}()

	return ch, nil
}

func classifyError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "authentication_error"):
		return fmt.Errorf("%w: %v", llm.ErrInvalidKey, err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate_limit"):
		return fmt.Errorf("%w: %v", llm.ErrQuotaExceeded, err)
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("%w: %v", llm.ErrConnectionFailed, err)
	default:
		return err
	}
}

var _ llm.Adapter = (*Adapter)(nil)
