package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/pkg/httpretry"
	"github.com/mmcdole/gofeed"
)

// RSSFetcher pulls the newest entries from an RSS/Atom feed.
type RSSFetcher struct {
	client *httpretry.RetryClient
	parser *gofeed.Parser
}

// NewRSSFetcher creates an RSS fetcher.
func NewRSSFetcher(client *httpretry.RetryClient) *RSSFetcher {
	return &RSSFetcher{
		client: client,
		parser: gofeed.NewParser(),
	}
}

// Fetch retrieves and parses the feed, returning up to maxItems of the
// newest entries. A non-2xx response or feed-level parse error yields a
// failed result; entries missing a link are skipped and downgrade the
// result to partial.
func (f *RSSFetcher) Fetch(ctx context.Context, config json.RawMessage, maxItems int) *FetchResult {
	start := time.Now()

	var cfg domain.RSSConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return failed(start, fmt.Errorf("invalid RSS config: %w", err))
	}
	if cfg.FeedURL == "" {
		return failed(start, fmt.Errorf("RSS config missing feed_url"))
	}

	body, err := f.get(ctx, cfg.FeedURL)
	if err != nil {
		return failed(start, err)
	}

	feed, err := f.parser.ParseString(body)
	if err != nil {
		return failed(start, fmt.Errorf("parse feed %s: %w", cfg.FeedURL, err))
	}

	result := &FetchResult{Status: FetchOK}
	skipped := 0
	for _, entry := range feed.Items {
		if len(result.Items) >= maxItems {
			break
		}
		if entry.Link == "" {
			skipped++
			continue
		}

		item := FetchedItem{
			URL:     entry.Link,
			Title:   entry.Title,
			Snippet: entry.Description,
		}
		if entry.PublishedParsed != nil {
			t := entry.PublishedParsed.UTC()
			item.PublishedAt = &t
		} else if entry.UpdatedParsed != nil {
			t := entry.UpdatedParsed.UTC()
			item.PublishedAt = &t
		}
		if raw, err := json.Marshal(entry); err == nil {
			item.Raw = string(raw)
		}
		result.Items = append(result.Items, item)
	}

	if skipped > 0 && len(result.Items) > 0 {
		result.Status = FetchPartial
	} else if skipped > 0 && len(result.Items) == 0 {
		result.Status = FetchFailed
		result.Err = fmt.Errorf("no decodable entries in feed %s", cfg.FeedURL)
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func (f *RSSFetcher) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "SentryCore/1.0 feed poller")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	return string(body), nil
}
