package tool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"knowbot/internal/domain"
	"knowbot/internal/infra/config"
)

func configToolsDefaults() config.ToolsConfig {
	return config.ToolsConfig{
		SearchBackend: "duckduckgo",
		SearchTimeout: 5 * time.Second,
	}
}

func newBraveForTest(t *testing.T, baseURL string) *BraveBackend {
	t.Helper()
	b, err := NewBraveBackend("test-token", baseURL, 5*time.Second, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestBraveRequiresAPIKey(t *testing.T) {
	if _, err := NewBraveBackend("", "", 0, newTestLogger()); err == nil {
		t.Fatal("expected error for missing api key")
	}
}

func TestBraveRejectsBadBaseURL(t *testing.T) {
	if _, err := NewBraveBackend("key", "ftp://nope", 0, newTestLogger()); err == nil {
		t.Fatal("expected error for non-http base url")
	}
}

func TestBraveWebSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/res/v1/web/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Subscription-Token") != "test-token" {
			t.Errorf("token = %q", r.Header.Get("X-Subscription-Token"))
		}
		if r.URL.Query().Get("q") != "golang" {
			t.Errorf("q = %q", r.URL.Query().Get("q"))
		}
		w.Write([]byte(`{"web":{"results":[
			{"title":"The Go Programming Language","url":"https://go.dev","description":"Build &amp; run Go","page_age":"2026-01-15T08:00:00","meta_url":{"hostname":"go.dev"}},
			{"title":"Go wiki","url":"https://go.dev/wiki","description":"Community wiki","meta_url":{"hostname":"go.dev"}}
		]}}`))
	}))
	defer server.Close()

	b := newBraveForTest(t, server.URL)
	hits, err := b.Web(context.Background(), "golang", 5)
	if err != nil {
		t.Fatalf("Web: %v", err)
	}

	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Title != "The Go Programming Language" {
		t.Errorf("Title = %q", hits[0].Title)
	}
	if hits[0].Body != "Build & run Go" {
		t.Errorf("Body = %q (entities should be decoded)", hits[0].Body)
	}
	if hits[0].Source != "go.dev" {
		t.Errorf("Source = %q", hits[0].Source)
	}
	if hits[0].PublishedDate != "2026-01-15T08:00:00" {
		t.Errorf("PublishedDate = %q", hits[0].PublishedDate)
	}
	if hits[0].Kind != domain.HitWeb {
		t.Errorf("Kind = %q", hits[0].Kind)
	}
}

func TestBraveNewsSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/res/v1/news/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"results":[
			{"title":"Breaking story","url":"https://example.com/n","description":"It happened","page_age":"2026-08-25T10:00:00","meta_url":{"hostname":"example.com"}}
		]}`))
	}))
	defer server.Close()

	b := newBraveForTest(t, server.URL)
	hits, err := b.News(context.Background(), "breaking", 5)
	if err != nil {
		t.Fatalf("News: %v", err)
	}

	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Kind != domain.HitNews {
		t.Errorf("Kind = %q, want news", hits[0].Kind)
	}
}

func TestBraveRespectsMax(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[
			{"title":"a","url":"https://e.com/1","description":"1"},
			{"title":"b","url":"https://e.com/2","description":"2"},
			{"title":"c","url":"https://e.com/3","description":"3"}
		]}`))
	}))
	defer server.Close()

	b := newBraveForTest(t, server.URL)
	hits, err := b.News(context.Background(), "q", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits, want 2", len(hits))
	}
}

func TestBraveErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"rate limited", http.StatusTooManyRequests, domain.ErrRateLimit},
		{"unauthorized", http.StatusUnauthorized, domain.ErrAuthInvalid},
		{"forbidden", http.StatusForbidden, domain.ErrAuthInvalid},
		{"server error", http.StatusInternalServerError, domain.ErrSearchBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			b := newBraveForTest(t, server.URL)
			_, err := b.Web(context.Background(), "q", 5)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBackendFromConfigDefaultsToDuckDuckGo(t *testing.T) {
	b, err := NewBackendFromConfig(configToolsDefaults(), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != "duckduckgo" {
		t.Errorf("backend = %q, want duckduckgo", b.Name())
	}
}

func TestBackendFromConfigUnknown(t *testing.T) {
	cfg := configToolsDefaults()
	cfg.SearchBackend = "altavista"
	if _, err := NewBackendFromConfig(cfg, newTestLogger()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
