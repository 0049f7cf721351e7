// Package embed turns chunk text into embedding vectors. The primary
// implementation calls an HTTP embedding service; a deterministic local
// embedder covers offline runs and tests, and an LRU cache wrapper avoids
// re-embedding unchanged text.
package embed

import (
	"context"
	"time"
)

// Defaults applied by NewHTTPEmbedder.
const (
	DefaultEndpoint   = "http://localhost:11434"
	DefaultModel      = "nomic-embed-text"
	DefaultDimensions = 768
	DefaultBatchSize  = 32
	DefaultTimeout    = 60 * time.Second
)

// Embedder generates embedding vectors for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector width.
	Dimensions() int

	// ModelName identifies the model producing the vectors.
	ModelName() string

	// Available reports whether the embedder can serve requests now.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// Config configures the embedding provider.
type Config struct {
	// Provider selects "http" or "local".
	Provider string `yaml:"provider"`
	// Endpoint is the embedding service base URL.
	Endpoint string `yaml:"endpoint"`
	// Model names the embedding model to request.
	Model string `yaml:"model"`
	// Dimensions is the expected vector width. Zero auto-detects.
	Dimensions int `yaml:"dimensions"`
	// BatchSize caps texts per service call.
	BatchSize int `yaml:"batch_size"`
	// Timeout bounds one service call.
	Timeout time.Duration `yaml:"timeout"`
	// CacheSize is the LRU entry count; zero uses the default.
	CacheSize int `yaml:"cache_size"`
}
