package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	ModelDir        string          `yaml:"model_dir"`
	BundledDir      string          `yaml:"bundled_dir"`
	DefaultModel    string          `yaml:"default_model"`
	Language        string          `yaml:"language"`
	Providers       ProvidersConfig `yaml:"providers"`
	Audio           AudioConfig     `yaml:"audio"`
	Billing         BillingConfig   `yaml:"billing"`
	Server          ServerConfig    `yaml:"server"`
	UsageDB         string          `yaml:"usage_db"`
	CredentialsPath string          `yaml:"credentials_path"`
	LogLevel        string          `yaml:"log_level"`
}

// ProvidersConfig holds base URLs for the cloud providers.
type ProvidersConfig struct {
	OpenAI    string `yaml:"openai"`
	Groq      string `yaml:"groq"`
	Fireworks string `yaml:"fireworks"`
	Realtime  string `yaml:"realtime"` // websocket URL
}

// AudioConfig holds audio capture and preprocessing settings.
type AudioConfig struct {
	SampleRate       uint32  `yaml:"sample_rate"`
	Channels         uint32  `yaml:"channels"`
	TrimSilence      bool    `yaml:"trim_silence"`
	SilenceThreshold float32 `yaml:"silence_threshold"`
	MinSilence       float64 `yaml:"min_silence"` // seconds
}

// BillingConfig seeds the in-process entitlement ledger.
type BillingConfig struct {
	Tier    string  `yaml:"tier"` // "free" or "pro"
	Credits float64 `yaml:"credits"`
}

// ServerConfig holds HTTP facade settings.
type ServerConfig struct {
	Address string `yaml:"address"`
	// JWTSecret enables bearer-token auth on /v1 when set.
	JWTSecret string `yaml:"jwt_secret"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gostt-relay")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns the directory holding downloaded models and state.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "gostt-relay")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	data := DefaultDataDir()

	return &Config{
		ModelDir:     filepath.Join(data, "models"),
		BundledDir:   "/usr/local/share/gostt-relay/models",
		DefaultModel: "whisper-1",
		Language:     "auto",
		Providers: ProvidersConfig{
			OpenAI:    "https://api.openai.com/v1",
			Groq:      "https://api.groq.com/openai/v1",
			Fireworks: "https://audio-prod.us-virginia-1.direct.fireworks.ai/v1",
			Realtime:  "wss://api.openai.com/v1/realtime",
		},
		Audio: AudioConfig{
			SampleRate:       16000,
			Channels:         1,
			TrimSilence:      true,
			SilenceThreshold: 0.02,
			MinSilence:       0.5,
		},
		Billing: BillingConfig{
			Tier:    "free",
			Credits: 0,
		},
		Server: ServerConfig{
			Address: "127.0.0.1:8089",
		},
		UsageDB:         filepath.Join(data, "usage.db"),
		CredentialsPath: filepath.Join(DefaultConfigDir(), "credentials.json"),
		LogLevel:        "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ModelDir = expandTilde(cfg.ModelDir)
	cfg.BundledDir = expandTilde(cfg.BundledDir)
	cfg.UsageDB = expandTilde(cfg.UsageDB)
	cfg.CredentialsPath = expandTilde(cfg.CredentialsPath)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.ModelDir == "" {
		return fmt.Errorf("model_dir must not be empty")
	}

	if c.DefaultModel == "" {
		return fmt.Errorf("default_model must not be empty")
	}

	if c.Audio.SampleRate == 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}

	if c.Audio.Channels == 0 {
		return fmt.Errorf("audio.channels must be > 0")
	}

	if c.Audio.SilenceThreshold < 0 || c.Audio.SilenceThreshold >= 1 {
		return fmt.Errorf("audio.silence_threshold must be in [0, 1), got %v", c.Audio.SilenceThreshold)
	}

	if c.Audio.MinSilence <= 0 {
		return fmt.Errorf("audio.min_silence must be > 0")
	}

	switch c.Billing.Tier {
	case "free", "pro":
	default:
		return fmt.Errorf("billing.tier must be \"free\" or \"pro\", got %q", c.Billing.Tier)
	}

	if c.Billing.Credits < 0 {
		return fmt.Errorf("billing.credits must be >= 0")
	}

	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < 16 {
		return fmt.Errorf("server.jwt_secret must be at least 16 characters")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// SlogLevel maps LogLevel to a slog.Level. Unknown values map to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" if a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	content := append([]byte(defaultHeader), data...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

const defaultHeader = `# gostt-relay configuration
# API keys are not stored here; use "gostt-relay key set <provider>".

`

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
