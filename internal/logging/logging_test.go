package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"garbage", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), "level %q", tt.in)
	}
}

func TestSetupFileLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "kbsync.log")

	logger, cleanup, err := Setup(Config{Level: "debug", FilePath: path})
	require.NoError(t, err)

	logger.Info("job_started", slog.String("run_id", "r1"))
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "job_started", entry["msg"])
	assert.Equal(t, "r1", entry["run_id"])
}

func TestSetupStderrOnly(t *testing.T) {
	logger, cleanup, err := Setup(Config{Level: "info", WriteToStderr: true})
	require.NoError(t, err)
	defer cleanup()

	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	w, err := NewRotatingWriter(path, 1, 3)
	require.NoError(t, err)
	defer w.Close()

	// Force a size just past the 1MB threshold.
	chunk := bytes.Repeat([]byte("x"), 512*1024)
	for i := 0; i < 3; i++ {
		_, err = w.Write(chunk)
		require.NoError(t, err)
	}

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err, "rotated file should exist")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(1024*1024))
}

func TestRotatingWriterKeepsMaxFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	defer w.Close()

	chunk := bytes.Repeat([]byte("y"), 1024*1024)
	for i := 0; i < 5; i++ {
		_, err = w.Write(chunk)
		require.NoError(t, err)
	}

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(matches), 2)
}
