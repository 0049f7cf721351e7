package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig lays out a source tree and a config pointing at it,
// using the offline embedder so tests need no services.
func writeTestConfig(t *testing.T) string {
	t.Helper()

	sourceDir := t.TempDir()
	dataDir := t.TempDir()

	postDir := filepath.Join(sourceDir, "post")
	require.NoError(t, os.MkdirAll(postDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(postDir, "hello.md"),
		[]byte("Hello World\n\nA short post about synchronization. It has two sentences."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(postDir, "second.md"),
		[]byte("Second Post\n\nAnother document that the pipeline should index."), 0o644))

	configPath := filepath.Join(dataDir, "kbsync.yaml")
	cfg := []byte(`
source_dir: ` + sourceDir + `
data_dir: ` + dataDir + `
embeddings:
  provider: local
  dimensions: 32
vector_index:
  provider: local
`)
	require.NoError(t, os.WriteFile(configPath, cfg, 0o644))
	return configPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestRunCommand_IndexesSourceTree(t *testing.T) {
	configPath := writeTestConfig(t)

	out, err := execute(t, "--config", configPath, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "processed 2 of 2 items")
}

func TestRunCommand_TypeFilter(t *testing.T) {
	configPath := writeTestConfig(t)

	out, err := execute(t, "--config", configPath, "run", "--type", "product")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to index")
}

func TestStatusCommand_AfterRun(t *testing.T) {
	configPath := writeTestConfig(t)

	_, err := execute(t, "--config", configPath, "run")
	require.NoError(t, err)

	out, err := execute(t, "--config", configPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "Chunks:   2 stored")
}

func TestSearchCommand_FindsIndexedContent(t *testing.T) {
	configPath := writeTestConfig(t)

	_, err := execute(t, "--config", configPath, "run")
	require.NoError(t, err)

	out, err := execute(t, "--config", configPath, "search", "synchronization post")
	require.NoError(t, err)
	assert.Contains(t, out, "post_hello.md_0")
}

func TestCancelCommand_WithoutJobFails(t *testing.T) {
	configPath := writeTestConfig(t)

	_, err := execute(t, "--config", configPath, "cancel")
	assert.Error(t, err)
}
