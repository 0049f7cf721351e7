// Package chunk splits content into token-bounded, overlap-preserving
// segments for embedding. Token counts are heuristic estimates derived from
// character counts, not tokenizer output.
package chunk

// Chunk size bounds and defaults.
const (
	// MinChunkSize is the smallest accepted chunk size in estimated tokens.
	MinChunkSize = 50
	// MaxChunkSize is the largest accepted chunk size in estimated tokens.
	MaxChunkSize = 2000
	// DefaultChunkSize targets good retrieval recall without oversized contexts.
	DefaultChunkSize = 400
	// DefaultOverlap is the default context carry-over between chunks.
	DefaultOverlap = 50
	// DefaultTokenRatio approximates tokens per character (4 chars = 1 token).
	DefaultTokenRatio = 0.25
)

// Config controls how content of one category is chunked.
type Config struct {
	// ChunkSize is the maximum estimated tokens per chunk.
	ChunkSize int `yaml:"chunk_size"`

	// Overlap is the estimated tokens carried from the previous chunk.
	// Must be below ChunkSize/2.
	Overlap int `yaml:"overlap"`

	// PreserveStructure chunks named sections ("Label: value") instead of
	// treating the content as flat text.
	PreserveStructure bool `yaml:"preserve_structure"`

	// PrioritySections are section labels packed first, in order.
	PrioritySections []string `yaml:"priority_sections"`

	// StripMarkup removes markup tags entirely. When false, block-level tag
	// boundaries become paragraph breaks before remaining tags are removed.
	StripMarkup bool `yaml:"strip_markup"`
}

// DefaultConfig returns the default chunking configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize: DefaultChunkSize,
		Overlap:   DefaultOverlap,
	}
}

// Chunk is a bounded segment of content ready for embedding.
// Identity within a source is (content type, source id, Index); Hash is a
// stable dedup key over (text, index, content type).
type Chunk struct {
	Text         string
	Index        int
	TotalChunks  int
	TokenCount   int
	WordCount    int
	CharCount    int
	ContentType  string
	Hash         string
	QualityScore float64
	Metadata     map[string]string
}

// Section is one named part of structured content, e.g. "Title" or
// "Description". Order is significant.
type Section struct {
	Label string
	Value string
}
