package config

import (
	"fmt"
	"strings"

	"knowbot/internal/domain"
)

// Validate checks the configuration for internal consistency. It returns the
// first problem found, wrapped in ErrConfigLoad so callers can test for a
// configuration failure with errors.Is.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", domain.ErrConfigLoad, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Agent.Name) == "" {
		return fail("agent.name must not be empty")
	}
	if c.Agent.MaxIterations < 1 {
		return fail("agent.max_iterations must be >= 1, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.MaxRetries < 0 {
		return fail("agent.max_retries must be >= 0, got %d", c.Agent.MaxRetries)
	}

	if len(c.LLM.Providers) == 0 {
		return fail("llm.providers must list at least one provider")
	}
	seen := map[string]bool{}
	for _, p := range c.LLM.Providers {
		if p.Name == "" {
			return fail("llm provider with empty name")
		}
		if seen[p.Name] {
			return fail("duplicate llm provider %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "openai", "bedrock":
		default:
			return fail("llm provider %q has unknown type %q", p.Name, p.Type)
		}
		if p.Model == "" {
			return fail("llm provider %q has no model", p.Name)
		}
	}
	if !seen[c.LLM.Provider] {
		return fail("llm.provider %q is not among configured providers", c.LLM.Provider)
	}

	switch c.Tools.SearchBackend {
	case "duckduckgo":
	case "brave":
		if c.Tools.BraveAPIKey == "" && c.Tools.BraveAPIKeyEnv == "" {
			return fail("tools.search_backend is brave but no API key is configured")
		}
	default:
		return fail("unknown tools.search_backend %q", c.Tools.SearchBackend)
	}
	if c.Tools.RateLimitPerMin < 1 {
		return fail("tools.rate_limit_per_min must be >= 1, got %d", c.Tools.RateLimitPerMin)
	}

	switch c.Memory.Backend {
	case "sqlite", "noop":
	default:
		return fail("unknown memory.backend %q", c.Memory.Backend)
	}

	switch strings.ToLower(c.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fail("unknown logger.level %q", c.Logger.Level)
	}
	switch strings.ToLower(c.Logger.Format) {
	case "text", "json":
	default:
		return fail("unknown logger.format %q", c.Logger.Format)
	}

	switch c.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		return fail("unknown tracer.exporter %q", c.Tracer.Exporter)
	}

	switch c.UI.StreamSpeed {
	case "", "normal", "fast", "instant":
	default:
		return fail("unknown ui.stream_speed %q", c.UI.StreamSpeed)
	}

	return nil
}
