package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBatchSize    = 512
	DefaultWindowSize   = 5
	DefaultModelVersion = 1
	DefaultTopK         = 5
	DefaultDimensions   = 384
	DefaultMaxBatch     = 64
	DefaultServerAddr   = "127.0.0.1:5002"

	CommitBatch = "batch"
	CommitRow   = "row"

	ProviderONNX = "onnx"
	ProviderHash = "hash"
)

// Config represents the isearch configuration
type Config struct {
	ArchivePath   string         `yaml:"archive_path"`
	IndexPath     string         `yaml:"index_path"`
	BatchSize     int            `yaml:"batch_size"`
	WindowSize    int            `yaml:"window_size"`
	ModelVersion  int            `yaml:"model_version"`
	TopK          int            `yaml:"top_k"`
	DefaultThread int64          `yaml:"default_thread"`
	CommitMode    string         `yaml:"commit_mode"`
	Embedder      EmbedderConfig `yaml:"embedder"`
	Server        ServerConfig   `yaml:"server"`
	Log           LogConfig      `yaml:"log"`
}

// EmbedderConfig selects and configures the sentence-embedding model.
type EmbedderConfig struct {
	Provider      string `yaml:"provider"`
	ModelPath     string `yaml:"model_path,omitempty"`
	TokenizerPath string `yaml:"tokenizer_path,omitempty"`
	LibraryPath   string `yaml:"library_path,omitempty"`
	Dimensions    int    `yaml:"dimensions"`
	MaxBatch      int    `yaml:"max_batch"`
}

// ServerConfig controls the local query server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config with every field at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("ISEARCH_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "isearch"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	if override := os.Getenv("ISEARCH_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "isearch"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "isearch"), nil
	}

	return filepath.Join(home, ".local", "share", "isearch"), nil
}

// DefaultArchivePath returns the location of the Messages archive.
func DefaultArchivePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chat.db"
	}
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// Load loads config from the config file, then applies .env and
// environment overrides.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	cfg, err := LoadFile(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.IndexPath == "" {
		dataDir, err := GetDataDir()
		if err != nil {
			return nil, err
		}
		cfg.IndexPath = filepath.Join(dataDir, "isearch.db")
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a config file. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate reports settings that cannot be defaulted. Model paths are
// checked when the model is loaded, so commands that never embed work
// without them.
func (c *Config) Validate() error {
	switch c.CommitMode {
	case CommitBatch, CommitRow:
	default:
		return fmt.Errorf("config: unknown commit_mode %q", c.CommitMode)
	}
	switch c.Embedder.Provider {
	case ProviderONNX, ProviderHash:
	default:
		return fmt.Errorf("config: unknown embedder provider %q", c.Embedder.Provider)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ArchivePath == "" {
		c.ArchivePath = DefaultArchivePath()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.ModelVersion <= 0 {
		c.ModelVersion = DefaultModelVersion
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.CommitMode == "" {
		c.CommitMode = CommitBatch
	}
	if c.Embedder.Provider == "" {
		c.Embedder.Provider = ProviderONNX
	}
	if c.Embedder.Dimensions <= 0 {
		c.Embedder.Dimensions = DefaultDimensions
	}
	if c.Embedder.MaxBatch <= 0 {
		c.Embedder.MaxBatch = DefaultMaxBatch
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("ISEARCH_ARCHIVE"); v != "" {
		c.ArchivePath = os.ExpandEnv(v)
	}
	if v := os.Getenv("ISEARCH_INDEX"); v != "" {
		c.IndexPath = os.ExpandEnv(v)
	}
	if v := os.Getenv("ISEARCH_EMBEDDER"); v != "" {
		c.Embedder.Provider = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("ISEARCH_MODEL_PATH"); v != "" {
		c.Embedder.ModelPath = os.ExpandEnv(v)
	}
	if v := os.Getenv("ISEARCH_TOKENIZER_PATH"); v != "" {
		c.Embedder.TokenizerPath = os.ExpandEnv(v)
	}
	if v := os.Getenv("ISEARCH_ORT_LIBRARY"); v != "" {
		c.Embedder.LibraryPath = os.ExpandEnv(v)
	}
	if v := os.Getenv("ISEARCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"ISEARCH_BATCH_SIZE", &c.BatchSize},
		{"ISEARCH_WINDOW_SIZE", &c.WindowSize},
		{"ISEARCH_MODEL_VERSION", &c.ModelVersion},
		{"ISEARCH_TOP_K", &c.TopK},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("config: %s must be a positive integer, got %q", e.key, v)
		}
		*e.dst = n
	}
	if v := os.Getenv("ISEARCH_DEFAULT_THREAD"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: ISEARCH_DEFAULT_THREAD must be an integer, got %q", v)
		}
		c.DefaultThread = n
	}
	return nil
}
