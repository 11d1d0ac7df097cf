// Package chunker splits extracted document text into ordered, overlapping
// chunks suitable for embedding (C5).
package chunker

import (
	"regexp"
	"strings"

	"github.com/rakunlabs/ragchat/internal/tokenizer"
)

const (
	DefaultChunkSize    = 512
	DefaultOverlap      = 50
	defaultMinChunkSize = 50
)

// Chunk is one ordered slice of a document.
type Chunk struct {
	Content    string
	TokenCount int
	StartChar  int
	EndChar    int
	PageNumber *int // nil when the source had no page structure
}

var sentenceBoundary = regexp.MustCompile(`([.!?])\s+([A-Z])`)

// ChunkText splits text into chunks of at most chunkSize tokens, with up
// to overlap tokens of trailing context carried into the next chunk. When
// pages is non-empty, each page is chunked independently and the running
// character offset is preserved across the page boundary.
func ChunkText(text string, chunkSize, overlap int, pages []string) []Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}

	if strings.TrimSpace(text) == "" {
		return nil
	}

	if len(pages) > 0 {
		return chunkWithPages(pages, chunkSize, overlap)
	}

	return chunkText(text, chunkSize, overlap, 0)
}

func chunkWithPages(pages []string, chunkSize, overlap int) []Chunk {
	var chunks []Chunk
	offset := 0

	for i, page := range pages {
		pageNum := i + 1

		if strings.TrimSpace(page) == "" {
			offset += len(page) + 2
			continue
		}

		pageChunks := chunkText(page, chunkSize, overlap, offset)
		for j := range pageChunks {
			n := pageNum
			pageChunks[j].PageNumber = &n
		}
		chunks = append(chunks, pageChunks...)

		offset += len(page) + 2 // account for the page-join separator
	}

	return chunks
}

func chunkText(text string, chunkSize, overlap, startOffset int) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	sentences := splitIntoSentences(text)

	var chunks []Chunk
	var buffer []string
	bufferTokens := 0
	start := startOffset

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		content := strings.Join(buffer, " ")
		chunks = append(chunks, Chunk{
			Content:    content,
			TokenCount: bufferTokens,
			StartChar:  start,
			EndChar:    start + len(content),
		})
	}

	for _, sentence := range sentences {
		sTokens := tokenizer.Count(sentence)

		if sTokens > chunkSize {
			flush()
			chunks = append(chunks, splitLargeText(sentence, chunkSize, overlap, startOffset)...)
			buffer = nil
			bufferTokens = 0
			start = startOffset
			continue
		}

		if bufferTokens+sTokens > chunkSize && len(buffer) > 0 {
			content := strings.Join(buffer, " ")
			chunks = append(chunks, Chunk{
				Content:    content,
				TokenCount: bufferTokens,
				StartChar:  start,
				EndChar:    start + len(content),
			})

			overlapSentences, overlapTokens := tailByTokens(buffer, overlap)
			buffer = overlapSentences
			bufferTokens = overlapTokens
			start = start + len(content) - len(strings.Join(overlapSentences, " "))
		}

		buffer = append(buffer, sentence)
		bufferTokens += sTokens
	}

	if len(buffer) > 0 {
		content := strings.Join(buffer, " ")
		if tokenizer.Count(content) >= defaultMinChunkSize {
			chunks = append(chunks, Chunk{
				Content:    content,
				TokenCount: bufferTokens,
				StartChar:  start,
				EndChar:    start + len(content),
			})
		}
	}

	return chunks
}

// tailByTokens returns the longest suffix of items whose combined token
// count does not exceed limit, preserving whole-item granularity.
func tailByTokens(items []string, limit int) ([]string, int) {
	var kept []string
	total := 0
	for i := len(items) - 1; i >= 0; i-- {
		t := tokenizer.Count(items[i])
		if total+t > limit {
			break
		}
		kept = append([]string{items[i]}, kept...)
		total += t
	}
	return kept, total
}

func splitLargeText(text string, chunkSize, overlap, startOffset int) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []Chunk
	var current []string
	currentTokens := 0
	start := startOffset

	for _, word := range words {
		wTokens := tokenizer.Count(word + " ")

		if currentTokens+wTokens > chunkSize && len(current) > 0 {
			content := strings.Join(current, " ")
			chunks = append(chunks, Chunk{
				Content:    content,
				TokenCount: currentTokens,
				StartChar:  start,
				EndChar:    start + len(content),
			})

			overlapWords, overlapTokens := tailByWordTokens(current, overlap)
			start = start + len(content) - len(strings.Join(overlapWords, " "))
			current = overlapWords
			currentTokens = overlapTokens
		}

		current = append(current, word)
		currentTokens += wTokens
	}

	if len(current) > 0 {
		content := strings.Join(current, " ")
		chunks = append(chunks, Chunk{
			Content:    content,
			TokenCount: currentTokens,
			StartChar:  start,
			EndChar:    start + len(content),
		})
	}

	return chunks
}

func tailByWordTokens(words []string, limit int) ([]string, int) {
	var kept []string
	total := 0
	for i := len(words) - 1; i >= 0; i-- {
		t := tokenizer.Count(words[i] + " ")
		if total+t > limit {
			break
		}
		kept = append([]string{words[i]}, kept...)
		total += t
	}
	return kept, total
}

// splitIntoSentences splits on a terminator followed by whitespace and a
// capital letter. If that yields at most one segment for a long input, it
// falls back to paragraph split, then single-line split.
func splitIntoSentences(text string) []string {
	sentences := splitBySentenceBoundary(text)

	if len(sentences) <= 1 && len(text) > 500 {
		paragraphs := nonEmptyTrimmed(strings.Split(text, "\n\n"))
		if len(paragraphs) > 1 {
			return paragraphs
		}

		lines := nonEmptyTrimmed(strings.Split(text, "\n"))
		if len(lines) > 1 {
			return lines
		}
	}

	return sentences
}

func splitBySentenceBoundary(text string) []string {
	var parts []string
	last := 0

	locs := sentenceBoundary.FindAllStringSubmatchIndex(text, -1)
	for _, loc := range locs {
		// loc[2]:loc[3] is the terminator group; split right after it.
		splitAt := loc[3]
		parts = append(parts, text[last:splitAt])
		last = loc[4] // start of the captured capital letter
	}
	parts = append(parts, text[last:])

	return nonEmptyTrimmed(parts)
}

func nonEmptyTrimmed(parts []string) []string {
	var out []string
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
