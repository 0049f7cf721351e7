package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalEmbedder produces deterministic vectors by feature-hashing words
// into a fixed-width space. Quality is far below a real model but the
// output is stable, offline, and cheap, which is what dry runs and tests
// need.
type LocalEmbedder struct {
	dims int
}

var _ Embedder = (*LocalEmbedder)(nil)

// NewLocalEmbedder creates a local embedder with the given vector width.
func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &LocalEmbedder{dims: dims}
}

// Embed hashes each word into two buckets with alternating sign, then
// normalizes to unit length.
func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)

	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return vec, nil
	}

	for _, word := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(word))
		sum := h.Sum64()

		primary := int(sum % uint64(e.dims))
		secondary := int((sum >> 32) % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[primary] += sign
		vec[secondary] += sign * 0.5
	}

	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares > 0 {
		inv := float32(1.0 / math.Sqrt(sumSquares))
		for i := range vec {
			vec[i] *= inv
		}
	}

	return vec, nil
}

// EmbedBatch embeds each text independently.
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

func (e *LocalEmbedder) Dimensions() int { return e.dims }

func (e *LocalEmbedder) ModelName() string { return "local-hash" }

func (e *LocalEmbedder) Available(ctx context.Context) bool { return true }

func (e *LocalEmbedder) Close() error { return nil }
