package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DefaultLLM string                   `toml:"default_llm"`
	LLMs       map[string]*LLMConfig    `toml:"llm"`
	Agent      AgentConfig              `toml:"agent"`
	Agents     map[string]*AgentProfile `toml:"agents"`
	Gateway    GatewayConfig            `toml:"gateway"`
	DB         DBConfig                 `toml:"db"`
	Tracing    TracingConfig            `toml:"tracing"`
	Log        LogConfig                `toml:"log"`
	Services   ServicesConfig           `toml:"services"`
}

type LLMConfig struct {
	// Provider is one of "openai", "anthropic" or "http".
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	MaxTokens int64  `toml:"max_tokens"`
}

type AgentConfig struct {
	MaxIterations int    `toml:"max_iterations"`
	SystemPrompt  string `toml:"system_prompt"`
}

// AgentProfile scopes a sub-agent reachable through the delegate tool.
type AgentProfile struct {
	SystemPrompt string   `toml:"system_prompt"`
	Tools        []string `toml:"tools"`
}

type GatewayConfig struct {
	Addr  string `toml:"addr"`
	Token string `toml:"token"`
	// RateLimit is executions per second across all clients; 0 disables.
	RateLimit    float64 `toml:"rate_limit"`
	Burst        int     `toml:"burst"`
	ReplayBuffer int     `toml:"replay_buffer"`
}

type DBConfig struct {
	Path string `toml:"path"`
}

type TracingConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	URLPath  string `toml:"url_path"`
	APIKey   string `toml:"api_key"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServicesConfig struct {
	Brave BraveConfig `toml:"brave"`
}

type BraveConfig struct {
	APIKey string `toml:"api_key"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DefaultLLM: "anthropic",
		LLMs: map[string]*LLMConfig{
			"anthropic": {
				Provider:  "anthropic",
				Model:     "claude-sonnet-4-20250514",
				MaxTokens: 4096,
			},
		},
		Agent: AgentConfig{
			MaxIterations: 25,
		},
		Gateway: GatewayConfig{
			Addr:         ":8484",
			Burst:        4,
			ReplayBuffer: 1024,
		},
		DB: DBConfig{
			Path: defaultDBPath(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults. An empty path means DefaultPath; a
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field references.
func (c *Config) Validate() error {
	if _, ok := c.LLMs[c.DefaultLLM]; !ok {
		return fmt.Errorf("default LLM %q not found in config", c.DefaultLLM)
	}
	for name, l := range c.LLMs {
		switch l.Provider {
		case "openai", "anthropic", "http":
		case "":
			return fmt.Errorf("llm %q: provider is required", name)
		default:
			return fmt.Errorf("llm %q: unknown provider %q", name, l.Provider)
		}
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations)
	}
	return nil
}

// Write encodes cfg as TOML to path, creating parent directories.
func Write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

func DefaultPath() string {
	dir, _ := os.UserConfigDir()
	return filepath.Join(dir, "harness", "config.toml")
}

func defaultDBPath() string {
	dir, _ := os.UserHomeDir()
	return filepath.Join(dir, ".local", "share", "harness", "harness.db")
}
