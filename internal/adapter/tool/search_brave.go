package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"knowbot/internal/domain"
)

const (
	braveWebURL  = "https://api.search.brave.com/res/v1/web/search"
	braveNewsURL = "https://api.search.brave.com/res/v1/news/search"

	braveMaxBodySize = 1024 * 1024
)

// BraveBackend implements SearchBackend over the Brave Search API.
// Requires a subscription token.
type BraveBackend struct {
	client  *http.Client
	apiKey  string
	logger  *slog.Logger
	webURL  string
	newsURL string
}

// NewBraveBackend creates a Brave API backend. baseURL overrides the API
// host for tests; leave empty for production use.
func NewBraveBackend(apiKey, baseURL string, timeout time.Duration, logger *slog.Logger) (*BraveBackend, error) {
	if err := RequireField("brave api key", apiKey); err != nil {
		return nil, err
	}
	if err := ValidateURL("brave base url", baseURL); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	webURL, newsURL := braveWebURL, braveNewsURL
	if baseURL != "" {
		webURL = baseURL + "/res/v1/web/search"
		newsURL = baseURL + "/res/v1/news/search"
	}

	return &BraveBackend{
		client:  &http.Client{Timeout: timeout},
		apiKey:  apiKey,
		logger:  logger,
		webURL:  webURL,
		newsURL: newsURL,
	}, nil
}

func (b *BraveBackend) Name() string { return "brave" }

func (b *BraveBackend) Web(ctx context.Context, query string, max int) ([]domain.SearchHit, error) {
	body, err := b.get(ctx, b.webURL, query, max)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Web struct {
			Results []braveResult `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.WrapOp("brave.web", fmt.Errorf("%w: parse response: %v", domain.ErrSearchBackend, err))
	}

	hits := braveHits(resp.Web.Results, max, domain.HitWeb)
	b.logger.Debug("brave web search completed", "query", query, "hits", len(hits))
	return hits, nil
}

func (b *BraveBackend) News(ctx context.Context, query string, max int) ([]domain.SearchHit, error) {
	body, err := b.get(ctx, b.newsURL, query, max)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []braveResult `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.WrapOp("brave.news", fmt.Errorf("%w: parse response: %v", domain.ErrSearchBackend, err))
	}

	hits := braveHits(resp.Results, max, domain.HitNews)
	b.logger.Debug("brave news search completed", "query", query, "hits", len(hits))
	return hits, nil
}

// braveResult is the shared shape of web and news results.
type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	PageAge     string `json:"page_age"`
	MetaURL     struct {
		Hostname string `json:"hostname"`
	} `json:"meta_url"`
}

func braveHits(results []braveResult, max int, kind domain.HitKind) []domain.SearchHit {
	hits := make([]domain.SearchHit, 0, len(results))
	for _, r := range results {
		if len(hits) >= max {
			break
		}
		hits = append(hits, domain.SearchHit{
			Title:         cleanHTML(r.Title),
			Body:          cleanHTML(r.Description),
			URL:           r.URL,
			Source:        r.MetaURL.Hostname,
			PublishedDate: r.PageAge,
			Kind:          kind,
		})
	}
	return hits
}

func (b *BraveBackend) get(ctx context.Context, endpoint, query string, count int) ([]byte, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, domain.WrapOp("brave.get", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, domain.WrapOp("brave.get", fmt.Errorf("%w: %v", domain.ErrSearchBackend, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, braveMaxBodySize))
	if err != nil {
		return nil, domain.WrapOp("brave.get", fmt.Errorf("%w: read response: %v", domain.ErrSearchBackend, err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.WrapOp("brave.get", fmt.Errorf("%w: http 429", domain.ErrRateLimit))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.WrapOp("brave.get", fmt.Errorf("%w: http %d", domain.ErrAuthInvalid, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, domain.WrapOp("brave.get", fmt.Errorf("%w: http %d", domain.ErrSearchBackend, resp.StatusCode))
	}
	return body, nil
}

var _ SearchBackend = (*BraveBackend)(nil)
