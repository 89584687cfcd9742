package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"knowbot/internal/domain"
	"knowbot/internal/infra/tracer"
)

const defaultSearchCacheTTL = 5 * time.Minute

// cacheEntry holds a cached digest with its expiration time.
type cacheEntry struct {
	digest    string
	expiresAt time.Time
}

// SearchTool exposes the search aggregator as an agent tool. It always
// returns a non-error result: search trouble is reported inside the digest
// text so the agent loop never has to handle a failed search call.
type SearchTool struct {
	aggregator *SearchAggregator
	limiter    *RateLimiter
	cacheTTL   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewSearchTool creates the search tool. limiter may be nil to disable
// per-call rate limiting.
func NewSearchTool(aggregator *SearchAggregator, limiter *RateLimiter, cacheTTL time.Duration, logger *slog.Logger) *SearchTool {
	if cacheTTL <= 0 {
		cacheTTL = defaultSearchCacheTTL
	}
	return &SearchTool{
		aggregator: aggregator,
		limiter:    limiter,
		cacheTTL:   cacheTTL,
		logger:     logger,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

func (t *SearchTool) Name() string { return "search" }

func (t *SearchTool) Description() string {
	return "Search the web for current events, news, people, companies, sports, and factual information. Input should be a clear search query."
}

func (t *SearchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The search query"}
			},
			"required": ["query"]
		}`),
	}
}

type searchParams struct {
	Query string `json:"query"`
}

func (t *SearchTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.search", t.logger, params,
		func(ctx context.Context, span trace.Span, p searchParams) (any, error) {
			query := strings.TrimSpace(p.Query)
			if err := RequireField("query", query); err != nil {
				return nil, err
			}
			if err := ValidateMaxLength("query", query, 400); err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.StringAttr("tool.query", query))

			if cached, ok := t.getCached(query); ok {
				t.logger.Debug("search cache hit", "query", query)
				span.SetAttributes(tracer.StringAttr("tool.cache", "hit"))
				return cached, nil
			}

			if t.limiter != nil && !t.limiter.Allow() {
				return TextResult("Search is temporarily rate limited. Please wait a moment and try again."), nil
			}

			digest := t.aggregator.Run(ctx, query, t.now().Year())
			t.putCache(query, digest)

			t.logger.Debug("search completed", "query", query, "bytes", len(digest))
			return digest, nil
		},
	)
}

// getCached returns a cached digest if present and unexpired.
func (t *SearchTool) getCached(query string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.cache[query]
	if !ok {
		return "", false
	}
	if t.now().After(entry.expiresAt) {
		delete(t.cache, query)
		return "", false
	}
	return entry.digest, true
}

// putCache stores a digest with the configured TTL, lazily evicting expired
// entries once the cache grows past 100 keys.
func (t *SearchTool) putCache(query, digest string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cache[query] = cacheEntry{
		digest:    digest,
		expiresAt: t.now().Add(t.cacheTTL),
	}

	if len(t.cache) > 100 {
		now := t.now()
		for k, v := range t.cache {
			if now.After(v.expiresAt) {
				delete(t.cache, k)
			}
		}
	}
}
