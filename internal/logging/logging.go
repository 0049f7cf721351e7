package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// FilePath is the path to the log file. Empty means no file logging.
	FilePath string `yaml:"file_path"`
	// MaxSizeMB is the maximum size in MB before rotation (default: 10).
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxFiles is the maximum number of rotated files to keep (default: 5).
	MaxFiles int `yaml:"max_files"`
	// WriteToStderr whether to also write to stderr (default: true).
	WriteToStderr bool `yaml:"write_to_stderr"`
}

// Setup initializes logging and returns the logger plus a cleanup function
// that closes the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() {}

	// Stderr only: pick text on a terminal, JSON when piped.
	if cfg.FilePath == "" {
		return slog.New(stderrHandler(opts)), cleanup, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, nil, err
	}

	writer, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
	if err != nil {
		return nil, nil, err
	}
	cleanup = func() {
		_ = writer.Sync()
		_ = writer.Close()
	}

	var output io.Writer = writer
	if cfg.WriteToStderr {
		output = io.MultiWriter(writer, os.Stderr)
	}

	handler := slog.NewJSONHandler(output, opts)
	return slog.New(handler), cleanup, nil
}

// stderrHandler picks a text handler when stderr is a terminal and a JSON
// handler when output is redirected or piped.
func stderrHandler(opts *slog.HandlerOptions) slog.Handler {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.NewJSONHandler(os.Stderr, opts)
}

// parseLevel converts string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
