package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kestrelworks/kbsync/internal/kberr"
)

// Chunker splits text into token-bounded segments. It is stateless per call
// and safe for concurrent use.
type Chunker struct {
	ratio float64
}

// New creates a Chunker with the default token-per-character ratio.
func New() *Chunker {
	return NewWithRatio(DefaultTokenRatio)
}

// NewWithRatio creates a Chunker with a custom token-per-character ratio.
func NewWithRatio(ratio float64) *Chunker {
	if ratio <= 0 {
		ratio = DefaultTokenRatio
	}
	return &Chunker{ratio: ratio}
}

// Whitespace and markup normalization patterns.
var (
	crlfPattern      = regexp.MustCompile(`\r\n?`)
	blockTagPattern  = regexp.MustCompile(`(?i)</(?:p|div|h[1-6]|li|ul|ol|tr|table|section|article|blockquote)>|<br\s*/?>`)
	anyTagPattern    = regexp.MustCompile(`<[^>]+>`)
	spaceRunPattern  = regexp.MustCompile(`[ \t]+`)
	spacedNLPattern  = regexp.MustCompile(` ?\n ?`)
	paraRunPattern   = regexp.MustCompile(`\n{3,}`)
	sentencePattern  = regexp.MustCompile(`[^\s.!?][^.!?]*[.!?]`)
)

// ValidateConfig checks chunk size and overlap bounds.
// Violations fail before any splitting occurs.
func ValidateConfig(cfg Config) error {
	if cfg.ChunkSize < MinChunkSize || cfg.ChunkSize > MaxChunkSize {
		return kberr.ValidationError(kberr.ErrCodeInvalidChunkSize,
			fmt.Sprintf("chunk size %d outside [%d, %d]", cfg.ChunkSize, MinChunkSize, MaxChunkSize))
	}
	if cfg.Overlap < 0 {
		return kberr.ValidationError(kberr.ErrCodeInvalidOverlap,
			fmt.Sprintf("overlap %d is negative", cfg.Overlap))
	}
	if cfg.Overlap >= cfg.ChunkSize {
		return kberr.ValidationError(kberr.ErrCodeInvalidOverlap,
			fmt.Sprintf("overlap %d must be below chunk size %d", cfg.Overlap, cfg.ChunkSize))
	}
	if cfg.Overlap > cfg.ChunkSize/2 {
		return kberr.ValidationError(kberr.ErrCodeInvalidOverlap,
			fmt.Sprintf("overlap %d exceeds half of chunk size %d", cfg.Overlap, cfg.ChunkSize))
	}
	return nil
}

// ChunkContent splits text into token-bounded chunks with overlap. With
// PreserveStructure set, labeled "Label: value" lines are treated as
// sections and packed via ChunkSections; otherwise the flat algorithm runs.
func (c *Chunker) ChunkContent(text, contentType string, cfg Config) ([]*Chunk, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, kberr.ValidationError(kberr.ErrCodeEmptyContent, "content is empty")
	}

	if cfg.PreserveStructure {
		if sections := ParseSections(text); len(sections) > 0 {
			return c.ChunkSections(sections, contentType, cfg)
		}
	}

	norm := c.Normalize(text, cfg.StripMarkup)
	if norm == "" {
		return nil, kberr.ValidationError(kberr.ErrCodeEmptyContent, "content is empty after normalization")
	}

	bodies := c.splitFlat(norm, cfg)
	return c.finalize(bodies, contentType, cfg), nil
}

// Normalize collapses CR/LF variants and whitespace runs. Markup is either
// stripped entirely or block-level boundaries become paragraph breaks,
// per stripMarkup.
func (c *Chunker) Normalize(text string, stripMarkup bool) string {
	s := crlfPattern.ReplaceAllString(text, "\n")

	if anyTagPattern.MatchString(s) {
		if !stripMarkup {
			s = blockTagPattern.ReplaceAllString(s, "\n\n")
		}
		s = anyTagPattern.ReplaceAllString(s, " ")
	}

	s = spaceRunPattern.ReplaceAllString(s, " ")
	s = spacedNLPattern.ReplaceAllString(s, "\n")
	s = paraRunPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// splitFlat slides a character window over normalized text, cutting at the
// best boundary inside each window. Returned bodies contain no overlap.
func (c *Chunker) splitFlat(norm string, cfg Config) []string {
	if c.EstimateTokens(norm) <= cfg.ChunkSize {
		return []string{norm}
	}

	window := c.windowChars(cfg)
	var bodies []string
	start := 0

	for start < len(norm) {
		end := start + window
		if end >= len(norm) {
			end = len(norm)
		} else {
			end = c.splitPoint(norm, start, end)
		}

		body := strings.TrimSpace(norm[start:end])
		if body != "" {
			bodies = append(bodies, body)
		}

		// Skip the boundary whitespace consumed by the cut.
		start = end
		for start < len(norm) && (norm[start] == ' ' || norm[start] == '\n') {
			start++
		}
	}

	return bodies
}

// windowChars converts the token budget into a character window, reserving
// room for the overlap prefix so finished chunks stay within ChunkSize.
func (c *Chunker) windowChars(cfg Config) int {
	window := int(float64(cfg.ChunkSize) / c.ratio)
	window -= c.overlapChars(cfg)
	if window < 1 {
		window = 1
	}
	return window
}

func (c *Chunker) overlapChars(cfg Config) int {
	return int(float64(cfg.Overlap) / c.ratio)
}

// splitPoint searches backward from end for the best cut position:
// paragraph break, then sentence terminator followed by whitespace, then a
// word boundary. Falls back to a hard cut at the window edge.
func (c *Chunker) splitPoint(s string, start, end int) int {
	if idx := strings.LastIndex(s[start:end], "\n\n"); idx > 0 {
		return start + idx
	}

	for i := end - 1; i > start; i-- {
		if (s[i] == ' ' || s[i] == '\n') && isTerminal(s[i-1]) {
			return i
		}
	}

	for i := end - 1; i > start; i-- {
		if s[i] == ' ' || s[i] == '\n' {
			return i
		}
	}

	// Hard cut; back up to a rune boundary so we never split mid-rune.
	for end > start && !utf8.RuneStart(s[end]) {
		end--
	}
	return end
}

func isTerminal(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

// overlapTail returns the trailing overlap-window characters of prev,
// trimmed forward to the nearest word boundary.
func (c *Chunker) overlapTail(prev string, cfg Config) string {
	chars := c.overlapChars(cfg)
	if chars <= 0 || prev == "" {
		return ""
	}
	if chars >= len(prev) {
		return prev
	}

	cut := len(prev) - chars
	for cut < len(prev) && !utf8.RuneStart(prev[cut]) {
		cut++
	}
	tail := prev[cut:]

	// Trim forward past a partial word unless the cut landed on a boundary.
	if cut > 0 && prev[cut-1] != ' ' && prev[cut-1] != '\n' {
		idx := strings.IndexAny(tail, " \n")
		if idx < 0 {
			return ""
		}
		tail = tail[idx+1:]
	}

	return strings.TrimSpace(tail)
}

// finalize prepends overlap to every body after the first and fills in
// per-chunk metadata. Empty results are discarded.
func (c *Chunker) finalize(bodies []string, contentType string, cfg Config) []*Chunk {
	var chunks []*Chunk

	prev := ""
	for _, body := range bodies {
		if body == "" {
			continue
		}

		text := body
		meta := map[string]string{}
		if prev != "" {
			if overlap := c.overlapTail(prev, cfg); overlap != "" {
				text = overlap + " " + body
				meta["overlap"] = overlap
			}
		}
		prev = body

		idx := len(chunks)
		chunks = append(chunks, &Chunk{
			Text:         text,
			Index:        idx,
			TokenCount:   c.EstimateTokens(text),
			WordCount:    len(strings.Fields(text)),
			CharCount:    len(text),
			ContentType:  contentType,
			Hash:         chunkHash(text, idx, contentType),
			QualityScore: qualityScore(text),
			Metadata:     meta,
		})
	}

	for _, ch := range chunks {
		ch.TotalChunks = len(chunks)
	}
	return chunks
}

// chunkHash derives a stable identity key from (text, index, content type).
func chunkHash(text string, index int, contentType string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", text, index, contentType)))
	return hex.EncodeToString(h[:])[:16]
}

// qualityScore rates a chunk in [0, 1]. Short fragments and chunks cut
// mid-sentence score lower; chunks with at least one complete sentence
// recover toward 1.0.
func qualityScore(text string) float64 {
	score := 1.0

	if len(text) < 100 {
		score *= 0.6
	}
	if !endsOnTerminal(text) {
		score *= 0.8
	}
	if sentencePattern.MatchString(text) {
		score *= 1.1
		if score > 1.0 {
			score = 1.0
		}
	}

	return score
}

// endsOnTerminal reports whether the last non-quote, non-space character is
// terminal punctuation.
func endsOnTerminal(text string) bool {
	s := strings.TrimRight(text, " \n\"'”’)")
	if s == "" {
		return false
	}
	return isTerminal(s[len(s)-1])
}
