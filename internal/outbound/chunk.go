package outbound

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/crystaldolphin/chorus/internal/channels"
)

// ChunkText splits text into pieces of at most limit runes, preferring to
// break after a newline, then after whitespace, then anywhere. Chunks are
// not trimmed: joining them with no separator gives back text. Empty text
// yields no chunks.
func ChunkText(text string, limit int) []string {
	return chunk(text, limit, nil)
}

// ChunkMarkdown is ChunkText that also avoids breaking inside a fenced
// code block. A fence longer than limit cannot be kept whole and is split
// like plain text.
func ChunkMarkdown(text string, limit int) []string {
	return chunk(text, limit, fenceSpans)
}

// Chunker returns the splitter configured on an outbound adapter.
func Chunker(a *channels.OutboundAdapter) func(string, int) []string {
	if a.Chunker != nil {
		return a.Chunker
	}
	if a.ChunkerMode == channels.ChunkMarkdown {
		return ChunkMarkdown
	}
	return ChunkText
}

type span struct{ start, end int }

func chunk(text string, limit int, spans func([]rune) []span) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	r := []rune(text)
	var fences []span
	if spans != nil {
		fences = spans(r)
	}
	outside := func(p int) bool {
		for _, f := range fences {
			if p > f.start && p < f.end {
				return false
			}
		}
		return true
	}
	anywhere := func(int) bool { return true }

	var chunks []string
	for start := 0; start < len(r); {
		end := start + limit
		if end >= len(r) {
			chunks = append(chunks, string(r[start:]))
			break
		}
		cut := breakPoint(r, start, end, outside)
		if cut < 0 {
			cut = breakPoint(r, start, end, anywhere)
		}
		chunks = append(chunks, string(r[start:cut]))
		start = cut
	}
	return chunks
}

// breakPoint returns p in (start, end] to cut at, or -1 if ok rejects
// every candidate.
func breakPoint(r []rune, start, end int, ok func(int) bool) int {
	for p := end; p > start; p-- {
		if r[p-1] == '\n' && ok(p) {
			return p
		}
	}
	for p := end; p > start; p-- {
		if unicode.IsSpace(r[p-1]) && ok(p) {
			return p
		}
	}
	if ok(end) {
		return end
	}
	return -1
}

// fenceSpans finds fenced code blocks (``` or ~~~). Each span runs from
// the first rune of the opening line to just past the closing line. An
// unclosed fence runs to the end of the text.
func fenceSpans(r []rune) []span {
	var (
		spans  []span
		open   = -1
		marker string
	)
	for lineStart := 0; lineStart < len(r); {
		lineEnd := lineStart
		for lineEnd < len(r) && r[lineEnd] != '\n' {
			lineEnd++
		}
		next := lineEnd
		if next < len(r) {
			next++
		}

		line := strings.TrimLeft(string(r[lineStart:lineEnd]), " \t")
		switch {
		case open < 0 && (strings.HasPrefix(line, "```") || strings.HasPrefix(line, "~~~")):
			open, marker = lineStart, line[:3]
		case open >= 0 && strings.HasPrefix(line, marker):
			spans = append(spans, span{open, next})
			open = -1
		}
		lineStart = next
	}
	if open >= 0 {
		spans = append(spans, span{open, len(r)})
	}
	return spans
}
