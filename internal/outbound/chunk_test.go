package outbound

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/chorus/internal/channels"
)

var chunkInputs = []string{
	"short",
	"line one\nline two\nline three\nline four\n",
	"averyveryverylongwordwithnospacesatallthatmustbehardcut",
	"mixed words and\n\nblank lines   with   runs of spaces\n\n\n",
	"héllo wörld, ünïcode tëxt splits on rune boundaries ✓✓✓",
	"intro\n```go\nfunc main() {\n\tprintln(\"hi\")\n}\n```\noutro text after the fence\n",
	"```\nunclosed fence that keeps going and going\nand going",
	"~~~\ntilde fence\n~~~\n" + strings.Repeat("tail ", 20),
}

func TestChunkers_RoundTripAndLimit(t *testing.T) {
	chunkers := map[string]func(string, int) []string{
		"text":     ChunkText,
		"markdown": ChunkMarkdown,
	}
	for name, fn := range chunkers {
		for _, in := range chunkInputs {
			for _, limit := range []int{1, 2, 5, 7, 16, 40, 1000} {
				chunks := fn(in, limit)
				assert.Equal(t, in, strings.Join(chunks, ""), "%s limit=%d", name, limit)
				for _, c := range chunks {
					assert.NotEmpty(t, c, "%s limit=%d", name, limit)
					assert.LessOrEqual(t, utf8.RuneCountInString(c), limit, "%s limit=%d", name, limit)
				}
			}
		}
	}
}

func TestChunkText_Empty(t *testing.T) {
	assert.Empty(t, ChunkText("", 10))
	assert.Empty(t, ChunkMarkdown("", 10))
}

func TestChunkText_PrefersNewlineThenSpace(t *testing.T) {
	assert.Equal(t, []string{"aaa\n", "bbb ccc"}, ChunkText("aaa\nbbb ccc", 8))
	assert.Equal(t, []string{"aaa bbb ", "ccc"}, ChunkText("aaa bbb ccc", 9))
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, ChunkText("abcdefghij", 4))
}

func TestChunkMarkdown_KeepsFenceWhole(t *testing.T) {
	fence := "```\nx := 1\ny := 2\n```\n"
	text := "some intro words\n" + fence + "after"

	chunks := ChunkMarkdown(text, len(fence)+2)
	require.Equal(t, text, strings.Join(chunks, ""))
	assert.Contains(t, chunks, fence)

	// the plain chunker is free to split the same block
	plain := ChunkText(text, len(fence)+2)
	assert.NotContains(t, plain, fence)
}

func TestChunker_Selection(t *testing.T) {
	custom := func(s string, _ int) []string { return []string{s} }

	assert.Equal(t, []string{"a b"}, Chunker(&channels.OutboundAdapter{Chunker: custom})("a b", 1))
	md := Chunker(&channels.OutboundAdapter{ChunkerMode: channels.ChunkMarkdown})
	assert.Equal(t, ChunkMarkdown("x\ny", 2), md("x\ny", 2))
}
