package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kestrelworks/kbsync/internal/kberr"
)

// embedRequest is the service wire request.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the service wire response.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// HTTPEmbedder calls an Ollama-compatible embedding service.
type HTTPEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    Config

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Embedder = (*HTTPEmbedder)(nil)

// NewHTTPEmbedder creates an embedder for the service at cfg.Endpoint.
// When cfg.Dimensions is zero the width is detected on the first call.
func NewHTTPEmbedder(cfg Config) *HTTPEmbedder {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	// Short idle timeout so connections drain quickly after a run ends.
	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     10 * time.Second,
	}

	return &HTTPEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		dims:      cfg.Dimensions,
	}
}

// Embed generates the embedding for a single text. Blank input maps to the
// zero vector without a service call.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, e.Dimensions()), nil
	}

	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for texts in order, splitting into
// service calls of at most BatchSize. Transient failures are retried with
// backoff before surfacing.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := kberr.RetryWithResult(ctx, kberr.DefaultRetryConfig(), func() ([][]float32, error) {
			return e.call(ctx, texts[start:end])
		})
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
	}

	return results, nil
}

// call performs one service request for a slice of texts.
func (e *HTTPEmbedder) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, kberr.New(kberr.ErrCodeEmbeddingFailed, "encode embed request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		e.config.Endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, kberr.New(kberr.ErrCodeEmbeddingFailed, "build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, kberr.NetworkError("embedding service call", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		wrapped := kberr.New(kberr.ErrCodeEmbeddingFailed,
			fmt.Sprintf("embedding service returned %d: %s", resp.StatusCode, string(detail)), nil)
		if resp.StatusCode >= 500 {
			wrapped.Retryable = true
		}
		return nil, wrapped
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, kberr.New(kberr.ErrCodeEmbeddingFailed, "decode embed response", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, kberr.New(kberr.ErrCodeEmbeddingFailed,
			fmt.Sprintf("embedding count mismatch: sent %d texts, got %d vectors",
				len(texts), len(result.Embeddings)), nil)
	}

	e.recordDims(result.Embeddings)
	return result.Embeddings, nil
}

// recordDims captures the vector width from the first successful call.
func (e *HTTPEmbedder) recordDims(vectors [][]float32) {
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return
	}
	e.mu.Lock()
	if e.dims == 0 {
		e.dims = len(vectors[0])
	}
	e.mu.Unlock()
}

// Dimensions returns the vector width, or the default before detection.
func (e *HTTPEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dims == 0 {
		return DefaultDimensions
	}
	return e.dims
}

// ModelName returns the configured model identifier.
func (e *HTTPEmbedder) ModelName() string {
	return e.config.Model
}

// Available probes the service root with a short timeout.
func (e *HTTPEmbedder) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, e.config.Endpoint+"/", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}

// Close releases pooled connections.
func (e *HTTPEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}
