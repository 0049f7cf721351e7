// Package config loads and validates the kbsync configuration from YAML,
// with environment-variable overrides for deployment tweaks.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/kestrelworks/kbsync/internal/aggregator"
	"github.com/kestrelworks/kbsync/internal/chunk"
	"github.com/kestrelworks/kbsync/internal/embed"
	"github.com/kestrelworks/kbsync/internal/kberr"
	"github.com/kestrelworks/kbsync/internal/logging"
	"github.com/kestrelworks/kbsync/internal/pipeline"
	"github.com/kestrelworks/kbsync/internal/store"
)

// currentVersion is the config schema version written by WriteYAML.
const currentVersion = 1

// VectorIndexConfig selects and configures the mirror target.
type VectorIndexConfig struct {
	// Provider is "local" (in-process HNSW), "remote" (HTTP service),
	// or "off".
	Provider string `yaml:"provider"`
	// Path is the local index file, relative paths under the data dir.
	Path string `yaml:"path"`
	// Remote configures the HTTP provider.
	Remote store.RemoteConfig `yaml:"remote"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the complete kbsync configuration.
type Config struct {
	Version     int                     `yaml:"version"`
	SourceDir   string                  `yaml:"source_dir"`
	DataDir     string                  `yaml:"data_dir"`
	Logging     logging.Config          `yaml:"logging"`
	Aggregator  aggregator.Config       `yaml:"aggregator"`
	Pipeline    pipeline.Config         `yaml:"pipeline"`
	Embeddings  embed.Config            `yaml:"embeddings"`
	VectorIndex VectorIndexConfig       `yaml:"vector_index"`
	Chunking    map[string]chunk.Config `yaml:"chunking"`
	Metrics     MetricsConfig           `yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: currentVersion,
		DataDir: defaultDataDir(),
		Logging: logging.Config{
			Level:         "info",
			WriteToStderr: true,
		},
		Aggregator: aggregator.Config{
			MaxQueueSize:  aggregator.DefaultMaxQueueSize,
			FlushInterval: aggregator.DefaultFlushInterval,
		},
		Pipeline: pipeline.Config{
			BatchSize:   pipeline.DefaultBatchSize,
			BatchBudget: pipeline.DefaultBatchBudget,
			Mirror:      true,
		},
		Embeddings: embed.Config{
			Provider:  "http",
			Endpoint:  embed.DefaultEndpoint,
			Model:     embed.DefaultModel,
			BatchSize: embed.DefaultBatchSize,
			Timeout:   embed.DefaultTimeout,
			CacheSize: embed.DefaultCacheSize,
		},
		VectorIndex: VectorIndexConfig{
			Provider: "local",
			Path:     "vectors.hnsw",
		},
		Chunking: map[string]chunk.Config{
			"": chunk.DefaultConfig(),
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9310",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kbsync"
	}
	return filepath.Join(home, ".kbsync")
}

// Load reads the config file at path, layered over defaults. A missing
// file (or empty path) yields defaults. Environment overrides apply last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, kberr.New(kberr.ErrCodeConfigNotFound,
					fmt.Sprintf("read config %s", path), err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, kberr.New(kberr.ErrCodeConfigInvalid,
				fmt.Sprintf("parse config %s", path), err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers KBSYNC_* environment variables on top of the
// file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KBSYNC_SOURCE_DIR"); v != "" {
		c.SourceDir = v
	}
	if v := os.Getenv("KBSYNC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KBSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KBSYNC_EMBED_ENDPOINT"); v != "" {
		c.Embeddings.Endpoint = v
	}
	if v := os.Getenv("KBSYNC_EMBED_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("KBSYNC_DEV_MODE"); v != "" {
		if dev, err := strconv.ParseBool(v); err == nil {
			c.Pipeline.DevMode = dev
		}
	}
	if v := os.Getenv("KBSYNC_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
		c.Metrics.Enabled = true
	}
}

// Validate checks cross-field constraints. Chunking entries are checked
// with the same rules the chunker applies at call time, so a bad config
// fails at startup instead of mid-run.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return kberr.ValidationError(kberr.ErrCodeConfigInvalid, "data_dir must be set")
	}

	switch c.VectorIndex.Provider {
	case "local", "remote", "off", "":
	default:
		return kberr.ValidationError(kberr.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown vector index provider %q", c.VectorIndex.Provider))
	}
	if c.VectorIndex.Provider == "remote" && c.VectorIndex.Remote.BaseURL == "" {
		return kberr.ValidationError(kberr.ErrCodeConfigInvalid,
			"remote vector index requires vector_index.remote.base_url")
	}

	switch c.Embeddings.Provider {
	case "http", "local", "":
	default:
		return kberr.ValidationError(kberr.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown embeddings provider %q", c.Embeddings.Provider))
	}

	for contentType, chunkCfg := range c.Chunking {
		if err := chunk.ValidateConfig(chunkCfg); err != nil {
			return kberr.ValidationError(kberr.ErrCodeConfigInvalid,
				fmt.Sprintf("chunking config for %q: %v", labelFor(contentType), err))
		}
	}

	if c.Aggregator.FlushInterval < 0 || c.Pipeline.BatchBudget < 0 {
		return kberr.ValidationError(kberr.ErrCodeConfigInvalid,
			"intervals must not be negative")
	}
	return nil
}

func labelFor(contentType string) string {
	if contentType == "" {
		return "default"
	}
	return contentType
}

// DatabasePath is the chunk store location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "kbsync.db")
}

// VectorIndexPath resolves the local index path under the data dir.
func (c *Config) VectorIndexPath() string {
	if filepath.IsAbs(c.VectorIndex.Path) {
		return c.VectorIndex.Path
	}
	path := c.VectorIndex.Path
	if path == "" {
		path = "vectors.hnsw"
	}
	return filepath.Join(c.DataDir, path)
}

// LockPath is the daemon lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "kbsync.lock")
}

// LogPath is the log file location when file logging is enabled.
func (c *Config) LogPath() string {
	if c.Logging.FilePath != "" {
		return c.Logging.FilePath
	}
	return filepath.Join(c.DataDir, "logs", "kbsync.log")
}

// WriteYAML persists the config, creating parent directories.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
