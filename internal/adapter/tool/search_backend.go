package tool

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"knowbot/internal/domain"
	"knowbot/internal/infra/config"
)

// SearchBackend abstracts a search engine with separate news and web verticals.
type SearchBackend interface {
	// News returns up to max recent news hits for the query.
	News(ctx context.Context, query string, max int) ([]domain.SearchHit, error)
	// Web returns up to max general web hits for the query.
	Web(ctx context.Context, query string, max int) ([]domain.SearchHit, error)
	// Name returns the backend identifier (e.g. "duckduckgo").
	Name() string
}

// NewBackendFromConfig selects and constructs the configured search backend.
func NewBackendFromConfig(cfg config.ToolsConfig, logger *slog.Logger) (SearchBackend, error) {
	switch cfg.SearchBackend {
	case "duckduckgo", "":
		return NewDuckDuckGoBackend(cfg.SearchTimeout, logger), nil
	case "brave":
		apiKey := cfg.BraveAPIKey
		if apiKey == "" && cfg.BraveAPIKeyEnv != "" {
			apiKey = os.Getenv(cfg.BraveAPIKeyEnv)
		}
		return NewBraveBackend(apiKey, "", cfg.SearchTimeout, logger)
	default:
		return nil, fmt.Errorf("unknown search backend %q", cfg.SearchBackend)
	}
}
