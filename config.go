package draftwriter

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"mvdan.cc/sh/v3/shell"

	defaults "github.com/Paranoid-AF/draftwriter/default"
)

// Config represents the user's draftwriter configuration.
type Config struct {
	Version    int              `toml:"version"`
	Generation GenerationConfig `toml:"generation"`
	UI         UIConfig         `toml:"ui"`
	History    HistoryConfig    `toml:"history"`

	unknownKeys []string
}

// GenerationConfig holds settings for the model server.
type GenerationConfig struct {
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// UIConfig holds settings for the UI event loop.
type UIConfig struct {
	PollIntervalMS int `toml:"poll_interval_ms"`
}

// HistoryConfig holds settings for the in-memory draft history.
type HistoryConfig struct {
	TTLMinutes     int    `toml:"ttl_minutes"`
	MaxEntries     int    `toml:"max_entries"`
	EmbeddingModel string `toml:"embedding_model"`
}

// ConfigDir returns the config directory path.
// Resolution order: $DWB_CONFIG_DIR > $XDG_CONFIG_HOME/draftwriter > ~/.config/draftwriter
func ConfigDir() string {
	if dir := os.Getenv("DWB_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "draftwriter")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "draftwriter-config")
	}
	return filepath.Join(home, ".config", "draftwriter")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// PromptPath returns the custom prompt template path.
func PromptPath() string {
	return filepath.Join(ConfigDir(), "prompt.md")
}

// DefaultConfig returns the default configuration from the embedded default_config.toml.
func DefaultConfig() *Config {
	var cfg Config
	if _, err := toml.Decode(string(defaults.DefaultConfigTOML), &cfg); err != nil {
		panic("draftwriter: invalid embedded default_config.toml: " + err.Error())
	}
	return &cfg
}

// LoadConfig loads config from disk or returns defaults if not found.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile loads config from path, filling missing fields with defaults.
func LoadConfigFile(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		cfg.unknownKeys = append(cfg.unknownKeys, key.String())
	}

	// Apply defaults for missing fields
	defaults := DefaultConfig()
	if cfg.Version == 0 {
		cfg.Version = defaults.Version
	}
	if cfg.Generation.BaseURL == "" {
		cfg.Generation.BaseURL = defaults.Generation.BaseURL
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = defaults.Generation.Model
	}
	if cfg.Generation.TimeoutSeconds == 0 {
		cfg.Generation.TimeoutSeconds = defaults.Generation.TimeoutSeconds
	}
	if cfg.UI.PollIntervalMS == 0 {
		cfg.UI.PollIntervalMS = defaults.UI.PollIntervalMS
	}
	if cfg.History.TTLMinutes == 0 {
		cfg.History.TTLMinutes = defaults.History.TTLMinutes
	}
	if cfg.History.MaxEntries == 0 {
		cfg.History.MaxEntries = defaults.History.MaxEntries
	}

	// Values may reference the environment, e.g. "http://${OLLAMA_HOST:-localhost}:11434".
	for _, field := range []*string{&cfg.Generation.BaseURL, &cfg.Generation.Model, &cfg.History.EmbeddingModel} {
		expanded, err := shell.Expand(*field, nil)
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", *field, err)
		}
		*field = expanded
	}

	return &cfg, nil
}

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}
	for _, key := range cfg.unknownKeys {
		warnings = append(warnings, "unknown config key: "+key)
	}
	if u, err := url.Parse(ResolveBaseURL(cfg)); err != nil || u.Scheme == "" || u.Host == "" {
		warnings = append(warnings, fmt.Sprintf("generation base_url %q is not an absolute URL", ResolveBaseURL(cfg)))
	}
	if cfg.Generation.TimeoutSeconds < 0 {
		warnings = append(warnings, "generation timeout_seconds is negative; the default is used instead")
	}
	if cfg.UI.PollIntervalMS < 0 {
		warnings = append(warnings, "ui poll_interval_ms is negative; the default is used instead")
	}
	return warnings
}

// ResolveBaseURL returns the model server base URL.
// Priority: $DWB_OLLAMA_URL env > config value.
func ResolveBaseURL(cfg *Config) string {
	if url := os.Getenv("DWB_OLLAMA_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Generation.BaseURL
	}
	return ""
}

// ResolveModel returns the generation model name.
// Priority: $DWB_MODEL env > config value.
func ResolveModel(cfg *Config) string {
	if model := os.Getenv("DWB_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Generation.Model
	}
	return ""
}

// ResolveTimeout returns the request timeout.
// Priority: $DWB_TIMEOUT env (seconds) > config value > default.
func ResolveTimeout(cfg *Config) time.Duration {
	if raw := os.Getenv("DWB_TIMEOUT"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		slog.Warn("ignoring invalid DWB_TIMEOUT", "value", raw)
	}
	if cfg != nil && cfg.Generation.TimeoutSeconds > 0 {
		return time.Duration(cfg.Generation.TimeoutSeconds) * time.Second
	}
	return time.Duration(DefaultConfig().Generation.TimeoutSeconds) * time.Second
}

// ResolveEmbeddingModel returns the embedding model used for similar-reply lookup.
// Priority: $DWB_EMBEDDING_MODEL env > config value. Empty disables the lookup.
func ResolveEmbeddingModel(cfg *Config) string {
	if model := os.Getenv("DWB_EMBEDDING_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.History.EmbeddingModel
	}
	return ""
}

// PollInterval returns the UI queue polling interval.
func PollInterval(cfg *Config) time.Duration {
	if cfg != nil && cfg.UI.PollIntervalMS > 0 {
		return time.Duration(cfg.UI.PollIntervalMS) * time.Millisecond
	}
	return time.Duration(DefaultConfig().UI.PollIntervalMS) * time.Millisecond
}

// HistoryTTL returns how long finished drafts are remembered.
func HistoryTTL(cfg *Config) time.Duration {
	if cfg != nil && cfg.History.TTLMinutes > 0 {
		return time.Duration(cfg.History.TTLMinutes) * time.Minute
	}
	return time.Duration(DefaultConfig().History.TTLMinutes) * time.Minute
}

// SimilarEnabled returns true when an embedding model is configured.
func SimilarEnabled(cfg *Config) bool {
	return ResolveEmbeddingModel(cfg) != ""
}
