package how

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	defaults "github.com/hansbala/how/default"
)

// Config represents the user's how configuration.
type Config struct {
	Version    int              `toml:"version"`
	Model      ModelConfig      `toml:"model"`
	Generation GenerationConfig `toml:"generation"`
	Log        LogConfig        `toml:"log"`
	Stats      StatsConfig      `toml:"stats"`
}

// ModelConfig describes where the model weights come from and where they are cached.
type ModelConfig struct {
	// Source is a filesystem path or "ollama:<name[:tag]>".
	Source   string `toml:"source"`
	SHA256   string `toml:"sha256,omitempty"`
	FileName string `toml:"file_name"`
	CacheDir string `toml:"cache_dir,omitempty"`
}

// GenerationConfig holds decode loop settings.
type GenerationConfig struct {
	ContextSize    int `toml:"context_size"`
	BatchSize      int `toml:"batch_size"`
	MaxTokens      int `toml:"max_tokens"`
	Threads        int `toml:"threads,omitempty"`
	PieceCacheSize int `toml:"piece_cache_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// Engine is the native engine verbosity: "silent" or "normal".
	Engine string `toml:"engine"`
}

// StatsConfig holds run statistics settings.
type StatsConfig struct {
	Textfile string `toml:"textfile,omitempty"`
}

// ConfigDir returns the config directory path.
// Resolution order: $HOW_CONFIG_DIR > $XDG_CONFIG_HOME/how > ~/.config/how
func ConfigDir() string {
	if dir := os.Getenv("HOW_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "how")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "how-config")
	}
	return filepath.Join(home, ".config", "how")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// PromptPath returns the custom prompt template path.
func PromptPath() string {
	return filepath.Join(ConfigDir(), "prompt.tmpl")
}

// DefaultConfig returns the default configuration from the embedded default_config.toml.
func DefaultConfig() *Config {
	var cfg Config
	if _, err := toml.NewDecoder(bytes.NewReader(defaults.DefaultConfigTOML)).Decode(&cfg); err != nil {
		panic("how: invalid embedded default_config.toml: " + err.Error())
	}
	return &cfg
}

// LoadConfig loads config from the default path or returns defaults if not found.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

// LoadConfigFrom loads config from path. A missing file yields the defaults.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Apply defaults for missing fields
	def := DefaultConfig()
	if cfg.Version == 0 {
		cfg.Version = def.Version
	}
	if cfg.Model.FileName == "" {
		cfg.Model.FileName = def.Model.FileName
	}
	if cfg.Generation.ContextSize == 0 {
		cfg.Generation.ContextSize = def.Generation.ContextSize
	}
	if cfg.Generation.BatchSize == 0 {
		cfg.Generation.BatchSize = def.Generation.BatchSize
	}
	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation.MaxTokens = def.Generation.MaxTokens
	}
	if cfg.Generation.PieceCacheSize == 0 {
		cfg.Generation.PieceCacheSize = def.Generation.PieceCacheSize
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	if cfg.Log.Engine == "" {
		cfg.Log.Engine = def.Log.Engine
	}

	return &cfg, nil
}

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}
	g := cfg.Generation
	if g.ContextSize > 0 && g.MaxTokens >= g.ContextSize {
		warnings = append(warnings, fmt.Sprintf("max_tokens (%d) is not below context_size (%d); long requests will fail to decode", g.MaxTokens, g.ContextSize))
	}
	if g.BatchSize > 0 && g.ContextSize > g.BatchSize {
		warnings = append(warnings, fmt.Sprintf("batch_size (%d) is smaller than context_size (%d); prompts longer than the batch cannot be prefilled", g.BatchSize, g.ContextSize))
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown log level %q; using warn", cfg.Log.Level))
	}
	switch strings.ToLower(cfg.Log.Engine) {
	case "", "silent", "normal":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown engine verbosity %q; using silent", cfg.Log.Engine))
	}
	if sum := ResolveModelSHA256(cfg); sum != "" && !validSHA256(sum) {
		warnings = append(warnings, "model sha256 is not 64 hex characters; integrity check will fail")
	}
	return warnings
}

func validSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ResolveModelSource returns the model source.
// Priority: $HOW_MODEL env > config value.
func ResolveModelSource(cfg *Config) string {
	if src := os.Getenv("HOW_MODEL"); src != "" {
		return src
	}
	if cfg != nil {
		return cfg.Model.Source
	}
	return ""
}

// ResolveModelSHA256 returns the expected model digest, lowercased.
// Priority: $HOW_MODEL_SHA256 env > config value.
func ResolveModelSHA256(cfg *Config) string {
	if sum := os.Getenv("HOW_MODEL_SHA256"); sum != "" {
		return strings.ToLower(sum)
	}
	if cfg != nil {
		return strings.ToLower(cfg.Model.SHA256)
	}
	return ""
}

// ResolveCacheDir returns the configured model cache directory.
// Priority: $HOW_CACHE_DIR env > config value. Empty means the OS default.
func ResolveCacheDir(cfg *Config) string {
	if dir := os.Getenv("HOW_CACHE_DIR"); dir != "" {
		return dir
	}
	if cfg != nil {
		return cfg.Model.CacheDir
	}
	return ""
}

// ResolveLogLevel returns the log level.
// Priority: $HOW_LOG_LEVEL env > config value.
func ResolveLogLevel(cfg *Config) string {
	if level := os.Getenv("HOW_LOG_LEVEL"); level != "" {
		return level
	}
	if cfg != nil {
		return cfg.Log.Level
	}
	return ""
}

// ResolveStatsTextfile returns the run statistics output path.
// Priority: $HOW_STATS_TEXTFILE env > config value.
func ResolveStatsTextfile(cfg *Config) string {
	if path := os.Getenv("HOW_STATS_TEXTFILE"); path != "" {
		return path
	}
	if cfg != nil {
		return cfg.Stats.Textfile
	}
	return ""
}
