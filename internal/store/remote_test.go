package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteIndex_Upsert(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody upsertRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	idx, err := NewRemoteIndex(RemoteConfig{BaseURL: server.URL, APIKey: "secret"})
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	err = idx.Upsert(context.Background(), "post_p1_0",
		[]float32{0.1, 0.2}, map[string]string{"type": "post"})
	require.NoError(t, err)

	assert.Equal(t, "/vectors/post_p1_0", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, []float32{0.1, 0.2}, gotBody.Vector)
	assert.Equal(t, "post", gotBody.Metadata["type"])
}

func TestRemoteIndex_DeleteTreatsNotFoundAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	idx, err := NewRemoteIndex(RemoteConfig{BaseURL: server.URL})
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	assert.NoError(t, idx.Delete(context.Background(), "post_missing_0"))
}

func TestRemoteIndex_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	idx, err := NewRemoteIndex(RemoteConfig{BaseURL: server.URL})
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.Error(t, idx.Upsert(ctx, "id", []float32{1}, nil))
	}

	// The breaker now sheds calls without touching the wire.
	err = idx.Upsert(ctx, "id", []float32{1}, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "circuit open")
}

func TestRemoteIndex_RequiresBaseURL(t *testing.T) {
	_, err := NewRemoteIndex(RemoteConfig{})
	assert.Error(t, err)
}
