package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/kestrelworks/kbsync/internal/kberr"
)

// DefaultRemoteTimeout bounds a single remote index call.
const DefaultRemoteTimeout = 30 * time.Second

// RemoteConfig configures the remote vector-index client.
type RemoteConfig struct {
	// BaseURL is the index service root, e.g. "http://localhost:7700".
	BaseURL string `yaml:"base_url"`
	// APIKey is sent as a bearer token when non-empty.
	APIKey string `yaml:"api_key"`
	// Timeout bounds a single call. Zero uses DefaultRemoteTimeout.
	Timeout time.Duration `yaml:"timeout"`
}

// RemoteIndex mirrors vectors into an external similarity service over
// HTTP. A circuit breaker sheds calls while the service is down so the
// pipeline does not burn its tick budget on timeouts.
type RemoteIndex struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *kberr.CircuitBreaker
}

var _ VectorIndex = (*RemoteIndex)(nil)

// NewRemoteIndex creates a client for the vector service at cfg.BaseURL.
func NewRemoteIndex(cfg RemoteConfig) (*RemoteIndex, error) {
	if cfg.BaseURL == "" {
		return nil, kberr.ValidationError(kberr.ErrCodeConfigInvalid,
			"remote vector index requires a base URL")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, kberr.ValidationError(kberr.ErrCodeConfigInvalid,
			fmt.Sprintf("invalid vector index URL %q", cfg.BaseURL))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}

	return &RemoteIndex{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		breaker: kberr.NewCircuitBreaker("vector_index"),
	}, nil
}

// upsertRequest is the wire shape for PUT /vectors/{id}.
type upsertRequest struct {
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Upsert writes one vector under the composite id.
func (r *RemoteIndex) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	body, err := json.Marshal(upsertRequest{Vector: vector, Metadata: metadata})
	if err != nil {
		return kberr.New(kberr.ErrCodeMirrorFailed, "encode upsert request", err)
	}
	return r.do(ctx, http.MethodPut, "/vectors/"+url.PathEscape(id), body)
}

// Delete removes one vector. A 404 from the service is treated as success.
func (r *RemoteIndex) Delete(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodDelete, "/vectors/"+url.PathEscape(id), nil)
}

// Close releases the client's idle connections.
func (r *RemoteIndex) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *RemoteIndex) do(ctx context.Context, method, path string, body []byte) error {
	if !r.breaker.Allow() {
		return kberr.New(kberr.ErrCodeNetworkUnavailable,
			"vector index circuit open, call shed", nil)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return kberr.New(kberr.ErrCodeMirrorFailed, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.breaker.RecordFailure()
		return kberr.NetworkError(fmt.Sprintf("%s %s", method, path), err)
	}
	defer func() { _ = resp.Body.Close() }()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
		r.breaker.RecordSuccess()
		return nil
	}
	if resp.StatusCode >= 500 {
		r.breaker.RecordFailure()
		return kberr.New(kberr.ErrCodeMirrorFailed,
			fmt.Sprintf("vector index returned %d for %s %s", resp.StatusCode, method, path), nil)
	}
	if resp.StatusCode >= 400 {
		// Client errors are our fault; do not trip the breaker.
		r.breaker.RecordSuccess()
		slog.Warn("vector_index_rejected",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode))
		return kberr.New(kberr.ErrCodeMirrorFailed,
			fmt.Sprintf("vector index rejected %s %s with %d", method, path, resp.StatusCode), nil)
	}

	r.breaker.RecordSuccess()
	return nil
}
