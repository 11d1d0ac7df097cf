// Package tokenizer estimates token counts for text and conversations (C3).
// The count is advisory — it drives UI display and context-window
// estimation, never billing.
package tokenizer

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// encOnce guards lazy initialization of the shared BPE encoder. Loading it
// touches disk (and potentially network on first run), so it happens at
// most once per process.
var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken // nil if initialization failed; triggers fallback mode
)

func loadEncoding() {
	e, err := tiktoken.GetEncoding("cl100k_base")
	if err == nil {
		enc = e
	}
}

// Message is the minimal shape countConversation needs: a role and its
// textual content. Multimodal parts are summed via their text representation.
type Message struct {
	Role string
	Text string
}

// Count returns the token count of text. When the cl100k_base encoder is
// available it is used for an exact count; otherwise it falls back to
// ⌊len(text)/4⌋, a rough approximation for English prose.
func Count(text string) int {
	if text == "" {
		return 0
	}

	encOnce.Do(loadEncoding)

	if enc != nil {
		// EncodeOrdinary treats all text as literal, with no special-token
		// expansion — correct for arbitrary user/system message content.
		return len(enc.EncodeOrdinary(text))
	}

	return len(text) / 4
}

// CountConversation sums Count over the textual parts of every message.
func CountConversation(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += Count(m.Text)
	}
	return total
}

// Exact reports whether Count is currently using the exact BPE encoder
// rather than the length-based fallback. Triggers lazy initialization if
// it has not happened yet.
func Exact() bool {
	encOnce.Do(loadEncoding)
	return enc != nil
}
