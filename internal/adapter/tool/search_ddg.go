package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"knowbot/internal/domain"
)

const (
	ddgLiteURL   = "https://lite.duckduckgo.com/lite/"
	ddgSearchURL = "https://duckduckgo.com/"
	ddgNewsURL   = "https://duckduckgo.com/news.js"

	ddgUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	ddgMaxBodySize = 2 * 1024 * 1024

	ddgMaxAttempts = 3
)

// ddgGate limits the whole process to 1 query per second toward DuckDuckGo,
// shared across backend instances and both verticals.
var ddgGate = rate.NewLimiter(rate.Every(time.Second), 1)

// DuckDuckGoBackend implements SearchBackend by scraping DuckDuckGo's lite
// HTML interface for web results and its news JSON endpoint for news.
// No API key required.
type DuckDuckGoBackend struct {
	client *http.Client
	logger *slog.Logger
	gate   *rate.Limiter

	// Endpoint overrides for tests.
	liteURL string
	homeURL string
	newsURL string
}

// NewDuckDuckGoBackend creates a DuckDuckGo backend. A zero timeout defaults
// to 15 seconds.
func NewDuckDuckGoBackend(timeout time.Duration, logger *slog.Logger) *DuckDuckGoBackend {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &DuckDuckGoBackend{
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		gate:    ddgGate,
		liteURL: ddgLiteURL,
		homeURL: ddgSearchURL,
		newsURL: ddgNewsURL,
	}
}

func (b *DuckDuckGoBackend) Name() string { return "duckduckgo" }

// Web scrapes the lite HTML page for general web results.
func (b *DuckDuckGoBackend) Web(ctx context.Context, query string, max int) ([]domain.SearchHit, error) {
	form := url.Values{}
	form.Set("q", query)

	body, err := b.fetch(ctx, http.MethodPost, b.liteURL, strings.NewReader(form.Encode()), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
	if err != nil {
		return nil, err
	}

	hits := parseLiteResults(string(body), max)
	b.logger.Debug("duckduckgo web search completed", "query", query, "hits", len(hits))
	return hits, nil
}

// News fetches the news vertical: a token request to obtain the vqd value,
// then the JSON news endpoint.
func (b *DuckDuckGoBackend) News(ctx context.Context, query string, max int) ([]domain.SearchHit, error) {
	vqd, err := b.fetchVQD(ctx, query)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("vqd", vqd)
	q.Set("o", "json")
	q.Set("l", "us-en")
	q.Set("noamp", "1")

	body, err := b.fetch(ctx, http.MethodGet, b.newsURL+"?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}

	var newsResp struct {
		Results []struct {
			Date    int64  `json:"date"`
			Excerpt string `json:"excerpt"`
			Source  string `json:"source"`
			Title   string `json:"title"`
			URL     string `json:"url"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &newsResp); err != nil {
		return nil, domain.WrapOp("ddg.news", fmt.Errorf("%w: parse response: %v", domain.ErrSearchBackend, err))
	}

	hits := make([]domain.SearchHit, 0, len(newsResp.Results))
	for _, r := range newsResp.Results {
		if len(hits) >= max {
			break
		}
		var published string
		if r.Date > 0 {
			published = time.Unix(r.Date, 0).UTC().Format(time.RFC3339)
		}
		hits = append(hits, domain.SearchHit{
			Title:         cleanHTML(r.Title),
			Body:          cleanHTML(r.Excerpt),
			URL:           r.URL,
			Source:        r.Source,
			PublishedDate: published,
			Kind:          domain.HitNews,
		})
	}

	b.logger.Debug("duckduckgo news search completed", "query", query, "hits", len(hits))
	return hits, nil
}

var vqdPattern = regexp.MustCompile(`vqd=['"]?([\d-]+)`)

// fetchVQD obtains the per-query token the JSON endpoints require.
func (b *DuckDuckGoBackend) fetchVQD(ctx context.Context, query string) (string, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("iar", "news")
	q.Set("ia", "news")

	body, err := b.fetch(ctx, http.MethodGet, b.homeURL+"?"+q.Encode(), nil, nil)
	if err != nil {
		return "", err
	}

	m := vqdPattern.FindSubmatch(body)
	if m == nil {
		return "", domain.WrapOp("ddg.vqd", fmt.Errorf("%w: vqd token not found", domain.ErrSearchBackend))
	}
	return string(m[1]), nil
}

// fetch performs one rate-limited request with bounded retries on 429.
func (b *DuckDuckGoBackend) fetch(ctx context.Context, method, rawURL string, reqBody io.Reader, headers map[string]string) ([]byte, error) {
	// Re-reading the body on retry is only needed for the form POST; its
	// content is rebuilt per attempt from the captured string.
	var formBody string
	if reqBody != nil {
		data, err := io.ReadAll(reqBody)
		if err != nil {
			return nil, domain.WrapOp("ddg.fetch", err)
		}
		formBody = string(data)
	}

	delay := time.Second
	for attempt := 1; ; attempt++ {
		if err := b.gate.Wait(ctx); err != nil {
			return nil, err
		}

		var bodyReader io.Reader
		if formBody != "" {
			bodyReader = strings.NewReader(formBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
		if err != nil {
			return nil, domain.WrapOp("ddg.fetch", err)
		}
		req.Header.Set("User-Agent", ddgUserAgent)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			return nil, domain.WrapOp("ddg.fetch", fmt.Errorf("%w: %v", domain.ErrSearchBackend, err))
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < ddgMaxAttempts {
			resp.Body.Close()
			b.logger.Debug("duckduckgo rate limited, backing off", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, ddgMaxBodySize))
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, domain.WrapOp("ddg.fetch", fmt.Errorf("%w: http %d", domain.ErrSearchBackend, resp.StatusCode))
		}
		if readErr != nil {
			return nil, domain.WrapOp("ddg.fetch", fmt.Errorf("%w: read response: %v", domain.ErrSearchBackend, readErr))
		}
		return body, nil
	}
}

// Lite page structure: result links carry class "result-link", snippets sit
// in "result-snippet" table cells.
var (
	litePattern        = regexp.MustCompile(`<a[^>]*class=['"]result-link['"][^>]*href=['"]([^'"]+)['"][^>]*>([^<]+)</a>`)
	litePatternAlt     = regexp.MustCompile(`<a[^>]*href=['"]([^'"]+)['"][^>]*class=['"]result-link['"][^>]*>([^<]+)</a>`)
	liteSnippetPattern = regexp.MustCompile(`<td[^>]*class=['"]result-snippet['"][^>]*>([^<]+(?:<[^>]+>[^<]*</[^>]+>)*[^<]*)</td>`)
	htmlTagPattern     = regexp.MustCompile(`<[^>]+>`)
)

func parseLiteResults(html string, max int) []domain.SearchHit {
	matches := litePattern.FindAllStringSubmatch(html, -1)
	if len(matches) == 0 {
		matches = litePatternAlt.FindAllStringSubmatch(html, -1)
	}
	snippets := liteSnippetPattern.FindAllStringSubmatch(html, -1)

	var hits []domain.SearchHit
	for i, m := range matches {
		if len(hits) >= max {
			break
		}
		if len(m) < 3 {
			continue
		}

		u := strings.TrimSpace(m[1])
		title := cleanHTML(m[2])
		if u == "" || title == "" {
			continue
		}

		var body string
		if i < len(snippets) && len(snippets[i]) > 1 {
			body = cleanHTML(snippets[i][1])
		}

		hits = append(hits, domain.SearchHit{
			Title: title,
			Body:  body,
			URL:   u,
			Kind:  domain.HitWeb,
		})
	}
	return hits
}

// cleanHTML strips tags and decodes the entities DuckDuckGo emits in titles
// and snippets.
func cleanHTML(s string) string {
	s = htmlTagPattern.ReplaceAllString(s, "")
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	return strings.TrimSpace(replacer.Replace(s))
}

var _ SearchBackend = (*DuckDuckGoBackend)(nil)
