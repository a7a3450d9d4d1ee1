package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	API      APIConfig      `json:"api" yaml:"api" toml:"api"`
	Identity IdentityConfig `json:"identity" yaml:"identity" toml:"identity"`
	Storage  StorageConfig  `json:"storage" yaml:"storage" toml:"storage"`
	Widget   WidgetConfig   `json:"widget" yaml:"widget" toml:"widget"`
	WebChat  WebChatConfig  `json:"webchat" yaml:"webchat" toml:"webchat"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging" toml:"logging"`
	mu       sync.RWMutex
}

// APIConfig points the widget at the chat backend.
type APIConfig struct {
	BaseURL           string `json:"base_url" yaml:"base_url" toml:"base_url" env:"PICOCHAT_API_BASE_URL"`
	TimeoutSeconds    int    `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds" env:"PICOCHAT_API_TIMEOUT_SECONDS"` // 0 waits forever
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute" env:"PICOCHAT_API_REQUESTS_PER_MINUTE"`
	// FallbackURLs are tried in order when the primary backend fails.
	FallbackURLs []string `json:"fallback_urls" yaml:"fallback_urls" toml:"fallback_urls" env:"PICOCHAT_API_FALLBACK_URLS" envSeparator:","`
}

type IdentityConfig struct {
	StorageKey string `json:"storage_key" yaml:"storage_key" toml:"storage_key" env:"PICOCHAT_IDENTITY_STORAGE_KEY"`
	Default    string `json:"default" yaml:"default" toml:"default" env:"PICOCHAT_IDENTITY_DEFAULT"`
	// Generate assigns a random UUID on first run instead of Default.
	Generate bool `json:"generate" yaml:"generate" toml:"generate" env:"PICOCHAT_IDENTITY_GENERATE"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver" toml:"driver" env:"PICOCHAT_STORAGE_DRIVER"` // file, sqlite or memory
	Path   string `json:"path" yaml:"path" toml:"path" env:"PICOCHAT_STORAGE_PATH"`
}

type WidgetConfig struct {
	Title    string `json:"title" yaml:"title" toml:"title" env:"PICOCHAT_WIDGET_TITLE"`
	Greeting string `json:"greeting" yaml:"greeting" toml:"greeting" env:"PICOCHAT_WIDGET_GREETING"`
}

type WebChatConfig struct {
	Host     string `json:"host" yaml:"host" toml:"host" env:"PICOCHAT_WEBCHAT_HOST"`
	Port     int    `json:"port" yaml:"port" toml:"port" env:"PICOCHAT_WEBCHAT_PORT"`
	Markdown bool   `json:"markdown" yaml:"markdown" toml:"markdown" env:"PICOCHAT_WEBCHAT_MARKDOWN"`
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level" toml:"level" env:"PICOCHAT_LOGGING_LEVEL"`
	File  string `json:"file" yaml:"file" toml:"file" env:"PICOCHAT_LOGGING_FILE"`
	JSON  bool   `json:"json" yaml:"json" toml:"json" env:"PICOCHAT_LOGGING_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:           "http://localhost:5000/api",
			TimeoutSeconds:    0,
			RequestsPerMinute: 0,
		},
		Identity: IdentityConfig{
			StorageKey: "chatbot_user_id",
			Default:    "customer_bot",
			Generate:   false,
		},
		Storage: StorageConfig{
			Driver: "file",
			Path:   "~/.picochat/storage.json",
		},
		Widget: WidgetConfig{
			Title:    "Support Chat",
			Greeting: "Hello! How can I help you today?",
		},
		WebChat: WebChatConfig{
			Host:     "127.0.0.1",
			Port:     18800,
			Markdown: false,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "~/.picochat/picochat.log",
			JSON:  false,
		},
	}
}

// DefaultPath is where the CLI looks for a config file when none is given.
func DefaultPath() string {
	return expandHome("~/.picochat/config.json")
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	// Support full config from env var (for containers)
	if cfgJSON := os.Getenv("PICOCHAT_CONFIG_JSON"); cfgJSON != "" {
		if err := json.Unmarshal([]byte(cfgJSON), cfg); err != nil {
			return nil, fmt.Errorf("parsing PICOCHAT_CONFIG_JSON: %w", err)
		}
		if err := env.Parse(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if len(data) > 0 {
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := marshal(path, cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return json.Unmarshal(data, cfg)
	}
}

func marshal(path string, cfg *Config) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return json.MarshalIndent(cfg, "", "  ")
	}
}

// Timeout is the per-request deadline; zero means none.
func (c *Config) Timeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.API.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.Path)
}

func (c *Config) LogFile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Logging.File)
}

// WebChatAddr is the listen address of the browser surface.
func (c *Config) WebChatAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.WebChat.Host, c.WebChat.Port)
}

// SetBaseURL overrides the backend base URL, e.g. from a command-line flag.
func (c *Config) SetBaseURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.API.BaseURL = strings.TrimRight(url, "/")
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
