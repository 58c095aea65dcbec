package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/pkg/httpretry"
)

// SiteFetcher scrapes a list page with configured CSS selectors.
type SiteFetcher struct {
	client *httpretry.RetryClient
}

// NewSiteFetcher creates a site list-page fetcher.
func NewSiteFetcher(client *httpretry.RetryClient) *SiteFetcher {
	return &SiteFetcher{client: client}
}

// Fetch retrieves the list page and applies the item/title/link/snippet
// selectors. Items whose link or title cannot be extracted are skipped;
// if any survive the result is partial rather than failed.
func (f *SiteFetcher) Fetch(ctx context.Context, config json.RawMessage, maxItems int) *FetchResult {
	start := time.Now()

	var cfg domain.SiteConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return failed(start, fmt.Errorf("invalid site config: %w", err))
	}
	if cfg.ListURL == "" || cfg.Selectors.Item == "" || cfg.Selectors.Link == "" {
		return failed(start, fmt.Errorf("site config requires list_url and item/link selectors"))
	}

	base, err := url.Parse(cfg.ListURL)
	if err != nil {
		return failed(start, fmt.Errorf("invalid list_url %q: %w", cfg.ListURL, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.ListURL, nil)
	if err != nil {
		return failed(start, err)
	}
	req.Header.Set("User-Agent", "SentryCore/1.0 list scraper")

	resp, err := f.client.Do(req)
	if err != nil {
		return failed(start, fmt.Errorf("fetch %s: %w", cfg.ListURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed(start, fmt.Errorf("fetch %s: status %d", cfg.ListURL, resp.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return failed(start, fmt.Errorf("parse %s: %w", cfg.ListURL, err))
	}

	result := &FetchResult{Status: FetchOK}
	skipped := 0
	doc.Find(cfg.Selectors.Item).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(result.Items) >= maxItems {
			return false
		}

		item, ok := f.extractItem(sel, cfg.Selectors, base)
		if !ok {
			skipped++
			return true
		}
		result.Items = append(result.Items, item)
		return true
	})

	if skipped > 0 && len(result.Items) > 0 {
		result.Status = FetchPartial
	} else if skipped > 0 && len(result.Items) == 0 {
		result.Status = FetchFailed
		result.Err = fmt.Errorf("selectors matched no usable items on %s", cfg.ListURL)
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func (f *SiteFetcher) extractItem(sel *goquery.Selection, selectors domain.SiteSelectors, base *url.URL) (FetchedItem, bool) {
	linkSel := sel
	if selectors.Link != "" {
		linkSel = sel.Find(selectors.Link).First()
	}
	href, ok := linkSel.Attr("href")
	if !ok || href == "" {
		return FetchedItem{}, false
	}

	ref, err := url.Parse(href)
	if err != nil {
		return FetchedItem{}, false
	}
	absolute := base.ResolveReference(ref).String()

	title := cleanText(sel.Find(selectors.Title).First().Text())
	if title == "" {
		title = cleanText(linkSel.Text())
	}
	if title == "" {
		return FetchedItem{}, false
	}

	item := FetchedItem{URL: absolute, Title: title}
	if selectors.Snippet != "" {
		item.Snippet = cleanText(sel.Find(selectors.Snippet).First().Text())
	}
	if html, err := goquery.OuterHtml(sel); err == nil {
		item.Raw = html
	}
	return item, true
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
