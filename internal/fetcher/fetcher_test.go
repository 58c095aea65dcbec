package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/pkg/httpretry"
)

func testClient() *httpretry.RetryClient {
	return httpretry.NewRetryClient(&http.Client{Timeout: 5 * time.Second}, 0)
}

func TestFactoryFor(t *testing.T) {
	f := NewFactory(nil)

	for _, st := range []domain.SourceType{domain.SourceRSS, domain.SourceNewsNow, domain.SourceSite} {
		if _, err := f.For(st); err != nil {
			t.Errorf("For(%s): %v", st, err)
		}
	}
	if _, err := f.For(domain.SourceType("CARRIER_PIGEON")); err == nil {
		t.Errorf("unknown source type produced a fetcher")
	}
}

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Jobs</title>
<item><title>Go engineer</title><link>https://example.com/jobs/1</link><description>Remote</description><pubDate>Mon, 02 Jun 2025 10:00:00 GMT</pubDate></item>
<item><title>Rust engineer</title><link>https://example.com/jobs/2</link></item>
<item><title>No link</title></item>
</channel></rss>`

func TestRSSFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, sampleFeed)
	}))
	defer srv.Close()

	f := NewRSSFetcher(testClient())
	cfg, _ := json.Marshal(domain.RSSConfig{FeedURL: srv.URL})

	result := f.Fetch(context.Background(), cfg, 100)
	if result.Status != FetchPartial {
		t.Errorf("status = %s, want partial (one entry has no link)", result.Status)
	}
	if len(result.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(result.Items))
	}
	first := result.Items[0]
	if first.URL != "https://example.com/jobs/1" || first.Title != "Go engineer" || first.Snippet != "Remote" {
		t.Errorf("first item = %+v", first)
	}
	if first.PublishedAt == nil || first.PublishedAt.Hour() != 10 {
		t.Errorf("published_at = %v", first.PublishedAt)
	}
	if result.Items[1].PublishedAt != nil {
		t.Errorf("undated entry got a published_at")
	}
}

func TestRSSFetcherMaxItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleFeed)
	}))
	defer srv.Close()

	f := NewRSSFetcher(testClient())
	cfg, _ := json.Marshal(domain.RSSConfig{FeedURL: srv.URL})

	result := f.Fetch(context.Background(), cfg, 1)
	if len(result.Items) != 1 {
		t.Errorf("items = %d, want capped 1", len(result.Items))
	}
}

func TestRSSFetcherErrors(t *testing.T) {
	t.Run("http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		f := NewRSSFetcher(testClient())
		cfg, _ := json.Marshal(domain.RSSConfig{FeedURL: srv.URL})
		result := f.Fetch(context.Background(), cfg, 10)
		if result.Status != FetchFailed || result.Err == nil {
			t.Errorf("result = %s err %v, want failed", result.Status, result.Err)
		}
	})

	t.Run("missing feed_url", func(t *testing.T) {
		f := NewRSSFetcher(testClient())
		result := f.Fetch(context.Background(), json.RawMessage(`{}`), 10)
		if result.Status != FetchFailed {
			t.Errorf("status = %s, want failed", result.Status)
		}
	})

	t.Run("garbage body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "not a feed")
		}))
		defer srv.Close()

		f := NewRSSFetcher(testClient())
		cfg, _ := json.Marshal(domain.RSSConfig{FeedURL: srv.URL})
		if result := f.Fetch(context.Background(), cfg, 10); result.Status != FetchFailed {
			t.Errorf("status = %s, want failed", result.Status)
		}
	})
}

func TestNewsNowFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sources/hackernews" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"success","items":[
			{"id":"1","title":"Show HN: Thing","url":"https://example.com/1","extra":{"hover":"a tool"},"pubDate":1748772000000},
			{"id":"2","title":"Ask HN","url":"https://example.com/2","extra":{"date":"2025-06-01T10:00:00Z"}},
			{"id":"3","title":"","url":"https://example.com/3"}
		]}`)
	}))
	defer srv.Close()

	f := NewNewsNowFetcher(testClient())
	cfg, _ := json.Marshal(domain.NewsNowConfig{BaseURL: srv.URL, SourceID: "hackernews"})

	result := f.Fetch(context.Background(), cfg, 100)
	if result.Status != FetchPartial {
		t.Errorf("status = %s, want partial (one record has no title)", result.Status)
	}
	if len(result.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(result.Items))
	}
	if result.Items[0].Snippet != "a tool" {
		t.Errorf("snippet = %q", result.Items[0].Snippet)
	}
	if result.Items[0].PublishedAt == nil {
		t.Errorf("epoch-millis pubDate not parsed")
	}
	if result.Items[1].PublishedAt == nil {
		t.Errorf("RFC3339 extra.date not parsed")
	}
}

func TestNewsNowFetcherBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"1","title":"Item","url":"https://example.com/1","extra":{}}]`)
	}))
	defer srv.Close()

	f := NewNewsNowFetcher(testClient())
	cfg, _ := json.Marshal(domain.NewsNowConfig{BaseURL: srv.URL, SourceID: "x"})

	result := f.Fetch(context.Background(), cfg, 10)
	if result.Status != FetchOK || len(result.Items) != 1 {
		t.Errorf("result = %s with %d items, want ok/1", result.Status, len(result.Items))
	}
}

func TestSiteFetcher(t *testing.T) {
	page := `<html><body>
		<div class="job"><h3 class="t">Go engineer</h3><a class="l" href="/jobs/1">apply</a><p class="s">Remote role</p></div>
		<div class="job"><h3 class="t">Rust engineer</h3><a class="l" href="https://other.example.com/2">apply</a></div>
		<div class="job"><h3 class="t">Broken</h3></div>
	</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	f := NewSiteFetcher(testClient())
	cfg, _ := json.Marshal(domain.SiteConfig{
		ListURL: srv.URL,
		Selectors: domain.SiteSelectors{
			Item:    "div.job",
			Title:   "h3.t",
			Link:    "a.l",
			Snippet: "p.s",
		},
	})

	result := f.Fetch(context.Background(), cfg, 100)
	if result.Status != FetchPartial {
		t.Errorf("status = %s, want partial (one card has no link)", result.Status)
	}
	if len(result.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(result.Items))
	}
	if want := srv.URL + "/jobs/1"; result.Items[0].URL != want {
		t.Errorf("relative href = %q, want resolved %q", result.Items[0].URL, want)
	}
	if result.Items[0].Snippet != "Remote role" {
		t.Errorf("snippet = %q", result.Items[0].Snippet)
	}
	if result.Items[1].URL != "https://other.example.com/2" {
		t.Errorf("absolute href rewritten: %q", result.Items[1].URL)
	}
}

func TestCatalogEntryDisabled(t *testing.T) {
	tests := []struct {
		name    string
		disable any
		want    bool
	}{
		{"absent", nil, false},
		{"bool true", true, true},
		{"bool false", false, false},
		{"cloudflare marker", "cf", false},
		{"string reason", "broken", true},
		{"empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := CatalogEntry{Disable: tt.disable}
			if got := e.Disabled(); got != tt.want {
				t.Errorf("Disabled() with %v = %v, want %v", tt.disable, got, tt.want)
			}
		})
	}
}
