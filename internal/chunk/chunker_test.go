package chunk

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/kbsync/internal/kberr"
)

// longProse builds multi-paragraph prose large enough to force splitting.
func longProse(sentences int) string {
	var b strings.Builder
	for i := 0; i < sentences; i++ {
		fmt.Fprintf(&b, "Observation %d covers a distinct aspect of the corpus under review. ", i)
		if i%5 == 4 {
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

func TestChunkContent_SmallInput_SingleChunk(t *testing.T) {
	c := New()

	chunks, err := c.ChunkContent("Sentence one. Sentence two.", "post", DefaultConfig())
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	ch := chunks[0]
	assert.Equal(t, 0, ch.Index)
	assert.Equal(t, 1, ch.TotalChunks)
	assert.Equal(t, "post", ch.ContentType)
	assert.NotEmpty(t, ch.Hash)
	assert.Positive(t, ch.TokenCount)
	assert.Equal(t, len(ch.Text), ch.CharCount)
}

func TestChunkContent_QualityBoostForTerminalPunctuation(t *testing.T) {
	c := New()

	// Given: two short texts, one ending mid-sentence
	complete, err := c.ChunkContent("Sentence one. Sentence two.", "post", DefaultConfig())
	require.NoError(t, err)
	truncated, err := c.ChunkContent("Sentence one. Sentence two without an end", "post", DefaultConfig())
	require.NoError(t, err)

	// Then: the terminal-punctuation chunk scores higher
	assert.InDelta(t, 0.66, complete[0].QualityScore, 0.001)
	assert.Greater(t, complete[0].QualityScore, truncated[0].QualityScore)
}

func TestChunkContent_EmptyInput_ValidationError(t *testing.T) {
	c := New()

	for _, input := range []string{"", "   ", "\n\n\t"} {
		chunks, err := c.ChunkContent(input, "post", DefaultConfig())
		require.Error(t, err)
		assert.True(t, kberr.IsValidation(err))
		assert.Empty(t, chunks)
	}
}

func TestChunkContent_InvalidConfig_ValidationError(t *testing.T) {
	c := New()
	text := "Some perfectly reasonable content."

	tests := []struct {
		name string
		cfg  Config
	}{
		{"chunk size below minimum", Config{ChunkSize: 30, Overlap: 0}},
		{"chunk size above maximum", Config{ChunkSize: 3000, Overlap: 0}},
		{"negative overlap", Config{ChunkSize: 400, Overlap: -1}},
		{"overlap at chunk size", Config{ChunkSize: 400, Overlap: 400}},
		{"overlap above half chunk size", Config{ChunkSize: 400, Overlap: 201}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := c.ChunkContent(text, "post", tt.cfg)
			require.Error(t, err)
			assert.True(t, kberr.IsValidation(err))
			assert.Empty(t, chunks, "no chunks may be produced on validation failure")
		})
	}
}

func TestChunkContent_TokenBoundRespected(t *testing.T) {
	c := New()
	text := longProse(200)

	configs := []Config{
		{ChunkSize: 100, Overlap: 0},
		{ChunkSize: 100, Overlap: 25},
		{ChunkSize: 400, Overlap: 50},
		{ChunkSize: 2000, Overlap: 500},
	}

	for _, cfg := range configs {
		chunks, err := c.ChunkContent(text, "post", cfg)
		require.NoError(t, err)
		require.NotEmpty(t, chunks)

		for _, ch := range chunks {
			assert.LessOrEqual(t, ch.TokenCount, cfg.ChunkSize,
				"chunk %d exceeds token budget (size=%d overlap=%d)", ch.Index, cfg.ChunkSize, cfg.Overlap)
		}
	}
}

func TestChunkContent_OverlapIsSuffixOfPreviousChunk(t *testing.T) {
	c := New()
	cfg := Config{ChunkSize: 120, Overlap: 30}

	chunks, err := c.ChunkContent(longProse(120), "post", cfg)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		overlap := chunks[i].Metadata["overlap"]
		if overlap == "" {
			continue
		}
		assert.True(t, strings.HasSuffix(chunks[i-1].Text, overlap),
			"overlap of chunk %d is not a suffix of chunk %d", i, i-1)
		assert.True(t, strings.HasPrefix(chunks[i].Text, overlap))
		assert.LessOrEqual(t, c.EstimateTokens(overlap), cfg.Overlap)
	}
}

func TestChunkContent_NonOverlapConcatenationReconstructsText(t *testing.T) {
	c := New()
	cfg := Config{ChunkSize: 150, Overlap: 25}
	text := longProse(100)

	chunks, err := c.ChunkContent(text, "post", cfg)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	var parts []string
	for _, ch := range chunks {
		body := ch.Text
		if overlap := ch.Metadata["overlap"]; overlap != "" {
			body = strings.TrimPrefix(body, overlap+" ")
		}
		parts = append(parts, body)
	}

	// Word sequences must match modulo whitespace normalization.
	got := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	want := strings.Join(strings.Fields(c.Normalize(text, false)), " ")
	assert.Equal(t, want, got)
}

func TestChunkContent_Deterministic(t *testing.T) {
	c := New()
	cfg := Config{ChunkSize: 120, Overlap: 30}
	text := longProse(90)

	first, err := c.ChunkContent(text, "post", cfg)
	require.NoError(t, err)
	second, err := c.ChunkContent(text, "post", cfg)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Hash, second[i].Hash)
		assert.Equal(t, first[i].Text, second[i].Text)
	}
}

func TestChunkContent_MarkupHandling(t *testing.T) {
	c := New()
	html := "<h1>Heading</h1><p>First paragraph with enough words to matter.</p><p>Second paragraph follows here.</p>"

	// Given: markup converted to paragraph breaks
	kept, err := c.ChunkContent(html, "page", DefaultConfig())
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Contains(t, kept[0].Text, "\n\n")
	assert.NotContains(t, kept[0].Text, "<p>")

	// Given: markup stripped entirely
	cfg := DefaultConfig()
	cfg.StripMarkup = true
	stripped, err := c.ChunkContent(html, "page", cfg)
	require.NoError(t, err)
	require.Len(t, stripped, 1)
	assert.NotContains(t, stripped[0].Text, "<")
}

func TestNormalize_CollapsesLineEndingsAndWhitespace(t *testing.T) {
	c := New()

	got := c.Normalize("line one\r\nline two\r\r\n\n\n\nline   three\t tabbed", false)
	assert.Equal(t, "line one\nline two\n\nline three tabbed", got)
}

func TestChunkContent_HardCutPreservesRuneBoundaries(t *testing.T) {
	c := New()
	// An unbroken run with no split boundaries forces hard cuts.
	text := strings.Repeat("héllo", 400)

	chunks, err := c.ChunkContent(text, "post", Config{ChunkSize: 100, Overlap: 0})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for _, ch := range chunks {
		assert.True(t, utf8.ValidString(ch.Text), "hard cut split a rune in chunk %d", ch.Index)
	}
}
