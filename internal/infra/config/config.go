// Package config loads, validates, and defaults knowbot's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"knowbot/internal/domain"
)

// DefaultPath is where Load looks when no explicit path is given.
const DefaultPath = "config.yaml"

// defaultSystemPrompt is the search policy given to the model. It governs
// when the agent reaches for the search tool versus answering directly.
const defaultSystemPrompt = `You are a helpful assistant with access to internet search.

ALWAYS use the search tool for:
- Questions about people, companies, or organizations
- Current events, news, sports results, or anything time-sensitive
- Prices, statistics, or facts that change over time
- Anything you are not fully certain about

Do NOT search for:
- Greetings or casual conversation
- Simple arithmetic
- Today's date
- Timeless general knowledge you are certain of

When searching for time-sensitive information, include the current year in
the query. When search results conflict with your training data, trust the
search results — they are more recent.`

// Config is the root configuration.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	LLM     LLMConfig     `yaml:"llm"`
	Tools   ToolsConfig   `yaml:"tools"`
	Session SessionConfig `yaml:"session"`
	Memory  MemoryConfig  `yaml:"memory"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
	UI      UIConfig      `yaml:"ui"`
}

// AgentConfig controls the conversational loop.
type AgentConfig struct {
	Name          string `yaml:"name"`
	SystemPrompt  string `yaml:"system_prompt"`
	MaxIterations int    `yaml:"max_iterations"`
	MaxRetries    int    `yaml:"max_retries"`
	HistoryLimit  int    `yaml:"history_limit"` // messages kept before compression kicks in
}

// LLMConfig selects the active provider and lists all configured providers.
type LLMConfig struct {
	Provider  string           `yaml:"provider"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one LLM backend.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // "openai" | "bedrock"
	BaseURL     string        `yaml:"base_url,omitempty"`
	APIKey      string        `yaml:"api_key,omitempty"`
	APIKeyEnv   string        `yaml:"api_key_env,omitempty"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ToolsConfig configures the tool layer, chiefly the search tool.
type ToolsConfig struct {
	SearchBackend   string        `yaml:"search_backend"` // "duckduckgo" | "brave"
	BraveAPIKey     string        `yaml:"brave_api_key,omitempty"`
	BraveAPIKeyEnv  string        `yaml:"brave_api_key_env,omitempty"`
	SearchCacheTTL  time.Duration `yaml:"search_cache_ttl"`
	SearchTimeout   time.Duration `yaml:"search_timeout"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
}

// SessionConfig controls on-disk session persistence.
type SessionConfig struct {
	Dir         string        `yaml:"dir"`
	MaxMessages int           `yaml:"max_messages"`
	StaleAfter  time.Duration `yaml:"stale_after"`
}

// MemoryConfig selects the conversation memory backend.
type MemoryConfig struct {
	Backend    string `yaml:"backend"` // "sqlite" | "noop"
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase,omitempty"` // enables at-rest encryption when set
}

// LoggerConfig controls structured logging.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
	Output string `yaml:"output"` // stdout|stderr|<file path>
}

// TracerConfig controls OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout|noop
}

// UIConfig controls the chat TUI.
type UIConfig struct {
	StreamSpeed string `yaml:"stream_speed"` // normal|fast|instant
}

// Defaults returns a Config with sensible defaults for every field.
func Defaults() Config {
	return Config{
		Agent: AgentConfig{
			Name:          "knowbot",
			SystemPrompt:  defaultSystemPrompt,
			MaxIterations: 6,
			MaxRetries:    3,
			HistoryLimit:  40,
		},
		LLM: LLMConfig{
			Provider: "openai",
			Providers: []ProviderConfig{
				{
					Name:        "openai",
					Type:        "openai",
					BaseURL:     "https://api.openai.com/v1",
					APIKeyEnv:   "OPENAI_API_KEY",
					Model:       "gpt-4o-mini",
					Temperature: 0,
					MaxTokens:   2048,
					Timeout:     60 * time.Second,
				},
			},
		},
		Tools: ToolsConfig{
			SearchBackend:   "duckduckgo",
			BraveAPIKeyEnv:  "BRAVE_API_KEY",
			SearchCacheTTL:  5 * time.Minute,
			SearchTimeout:   15 * time.Second,
			RateLimitPerMin: 20,
		},
		Session: SessionConfig{
			Dir:         "./data/sessions",
			MaxMessages: 200,
			StaleAfter:  30 * 24 * time.Hour,
		},
		Memory: MemoryConfig{
			Backend: "sqlite",
			Path:    "./data/memory.db",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		UI: UIConfig{
			StreamSpeed: "normal",
		},
	}
}

// Load reads the YAML file at path, overlays it on Defaults, applies
// environment overrides, resolves secrets, and validates the result.
// A missing file is not an error: defaults plus env overrides are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse %s: %v", domain.ErrConfigLoad, path, err)
		}
	case os.IsNotExist(err):
		// fall through to defaults
	default:
		return cfg, fmt.Errorf("%w: read %s: %v", domain.ErrConfigLoad, path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.resolveSecrets()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays KNOWBOT_* environment variables onto the config.
// Only a curated set of fields is overridable; secrets always are.
func (c *Config) ApplyEnvOverrides() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("KNOWBOT_AGENT_NAME", &c.Agent.Name)
	setString("KNOWBOT_SYSTEM_PROMPT", &c.Agent.SystemPrompt)
	setInt("KNOWBOT_MAX_ITERATIONS", &c.Agent.MaxIterations)

	setString("KNOWBOT_LLM_PROVIDER", &c.LLM.Provider)
	for i := range c.LLM.Providers {
		p := &c.LLM.Providers[i]
		prefix := "KNOWBOT_LLM_" + strings.ToUpper(p.Name) + "_"
		setString(prefix+"MODEL", &p.Model)
		setString(prefix+"BASE_URL", &p.BaseURL)
		setString(prefix+"API_KEY", &p.APIKey)
	}

	setString("KNOWBOT_SEARCH_BACKEND", &c.Tools.SearchBackend)
	setString("KNOWBOT_BRAVE_API_KEY", &c.Tools.BraveAPIKey)
	setDuration("KNOWBOT_SEARCH_CACHE_TTL", &c.Tools.SearchCacheTTL)
	setInt("KNOWBOT_SEARCH_RATE_LIMIT", &c.Tools.RateLimitPerMin)

	setString("KNOWBOT_SESSION_DIR", &c.Session.Dir)
	setString("KNOWBOT_MEMORY_PATH", &c.Memory.Path)
	setString("KNOWBOT_MEMORY_PASSPHRASE", &c.Memory.Passphrase)

	setString("KNOWBOT_LOG_LEVEL", &c.Logger.Level)
	setString("KNOWBOT_LOG_FORMAT", &c.Logger.Format)
	setString("KNOWBOT_LOG_OUTPUT", &c.Logger.Output)

	setBool("KNOWBOT_TRACING", &c.Tracer.Enabled)
	setString("KNOWBOT_TRACING_EXPORTER", &c.Tracer.Exporter)
}

// resolveSecrets fills api_key fields from their *_env indirections when the
// literal value is absent. YAML files should carry the env var name, not the
// secret itself.
func (c *Config) resolveSecrets() {
	for i := range c.LLM.Providers {
		p := &c.LLM.Providers[i]
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
	}
	if c.Tools.BraveAPIKey == "" && c.Tools.BraveAPIKeyEnv != "" {
		c.Tools.BraveAPIKey = os.Getenv(c.Tools.BraveAPIKeyEnv)
	}
}

// ActiveProvider returns the ProviderConfig selected by LLM.Provider.
func (c *Config) ActiveProvider() (ProviderConfig, error) {
	for _, p := range c.LLM.Providers {
		if p.Name == c.LLM.Provider {
			return p, nil
		}
	}
	return ProviderConfig{}, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, c.LLM.Provider)
}

// Save writes the config back to disk as YAML with restrictive permissions.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0600)
}
