package llm

import "github.com/rakunlabs/ragchat/internal/tokenizer"

// FinalizeUsage applies the C3 estimation fallback and sanity check every
// adapter needs before a Usage value is handed to the orchestrator: a
// provider that omits usage accounting leaves Input/Output at zero, and a
// provider that misreports it can blow past what the accumulated content
// could plausibly have cost. messages is the outbound conversation sent to
// the provider and fullContent the accumulated response text.
func FinalizeUsage(usage Usage, messages []Message, fullContent string) Usage {
	if usage.Input == 0 && usage.Output == 0 {
		return estimateUsage(messages, fullContent)
	}

	limit := 2 * len(fullContent)
	if limit < 50 {
		limit = 50
	}
	if usage.Output > limit {
		return estimateUsage(messages, fullContent)
	}

	return usage
}

func estimateUsage(messages []Message, fullContent string) Usage {
	tmsgs := make([]tokenizer.Message, len(messages))
	for i, m := range messages {
		tmsgs[i] = tokenizer.Message{Role: string(m.Role), Text: m.Text}
	}

	input := tokenizer.CountConversation(tmsgs)
	output := tokenizer.Count(fullContent)

	return Usage{Input: input, Output: output, Total: input + output, Estimated: true}
}
