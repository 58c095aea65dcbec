package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/pkg/httpretry"
)

// NewsNowFetcher pulls postings from a NewsNow aggregator instance.
type NewsNowFetcher struct {
	client *httpretry.RetryClient
}

// NewNewsNowFetcher creates a NewsNow fetcher.
func NewNewsNowFetcher(client *httpretry.RetryClient) *NewsNowFetcher {
	return &NewsNowFetcher{client: client}
}

// newsNowItem is one record in the aggregator's source response.
type newsNowItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
	Extra struct {
		Hover string `json:"hover"`
		Date  any    `json:"date"`
	} `json:"extra"`
	PubDate any `json:"pubDate"`
}

// newsNowResponse is the envelope returned by /api/sources/{id}.
// Some deployments return a bare array instead.
type newsNowResponse struct {
	Status string        `json:"status"`
	Items  []newsNowItem `json:"items"`
}

// Fetch retrieves the aggregator records for the configured source id.
func (f *NewsNowFetcher) Fetch(ctx context.Context, config json.RawMessage, maxItems int) *FetchResult {
	start := time.Now()

	var cfg domain.NewsNowConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return failed(start, fmt.Errorf("invalid NewsNow config: %w", err))
	}
	if cfg.BaseURL == "" || cfg.SourceID == "" {
		return failed(start, fmt.Errorf("NewsNow config requires base_url and source_id"))
	}

	url := strings.TrimSuffix(cfg.BaseURL, "/") + "/api/sources/" + cfg.SourceID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return failed(start, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return failed(start, fmt.Errorf("fetch %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed(start, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return failed(start, fmt.Errorf("read %s: %w", url, err))
	}

	records, err := decodeNewsNowBody(body)
	if err != nil {
		return failed(start, fmt.Errorf("decode %s: %w", url, err))
	}

	result := &FetchResult{Status: FetchOK}
	skipped := 0
	for _, rec := range records {
		if len(result.Items) >= maxItems {
			break
		}
		if rec.URL == "" || rec.Title == "" {
			skipped++
			continue
		}
		item := FetchedItem{
			URL:     rec.URL,
			Title:   rec.Title,
			Snippet: rec.Extra.Hover,
		}
		if t := parseNewsNowDate(rec.PubDate); t != nil {
			item.PublishedAt = t
		} else if t := parseNewsNowDate(rec.Extra.Date); t != nil {
			item.PublishedAt = t
		}
		if raw, err := json.Marshal(rec); err == nil {
			item.Raw = string(raw)
		}
		result.Items = append(result.Items, item)
	}

	if skipped > 0 && len(result.Items) > 0 {
		result.Status = FetchPartial
	} else if len(records) > 0 && len(result.Items) == 0 {
		result.Status = FetchFailed
		result.Err = fmt.Errorf("no decodable records from %s", url)
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func decodeNewsNowBody(body []byte) ([]newsNowItem, error) {
	var envelope newsNowResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Items != nil {
		return envelope.Items, nil
	}
	var bare []newsNowItem
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, err
	}
	return bare, nil
}

// parseNewsNowDate accepts epoch milliseconds or RFC3339 strings, the two
// shapes seen across aggregator deployments.
func parseNewsNowDate(v any) *time.Time {
	switch d := v.(type) {
	case float64:
		if d <= 0 {
			return nil
		}
		t := time.UnixMilli(int64(d)).UTC()
		return &t
	case string:
		if d == "" {
			return nil
		}
		if t, err := time.Parse(time.RFC3339, d); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

// CatalogEntry describes one source in a NewsNow catalog.
type CatalogEntry struct {
	Name     string `json:"name"`
	Title    string `json:"title,omitempty"`
	Interval int64  `json:"interval,omitempty"` // milliseconds
	Disable  any    `json:"disable,omitempty"`
	Redirect string `json:"redirect,omitempty"`
}

// Disabled interprets the catalog disable flag. The Cloudflare marker
// "cf" means the source needs a browser fetch, not that it is disabled;
// any other truthy value disables it.
func (e CatalogEntry) Disabled() bool {
	switch v := e.Disable.(type) {
	case bool:
		return v
	case string:
		return v != "" && v != "cf"
	}
	return false
}

// Catalog is the full NewsNow source catalog keyed by source id.
type Catalog map[string]CatalogEntry

// LoadCatalog fetches the catalog from catalogURL, falling back to the
// local snapshot file when the URL is empty or unreachable.
func LoadCatalog(ctx context.Context, client *httpretry.RetryClient, catalogURL, snapshotPath string) (Catalog, error) {
	if catalogURL != "" {
		catalog, err := fetchCatalog(ctx, client, catalogURL)
		if err == nil {
			return catalog, nil
		}
		if snapshotPath == "" {
			return nil, err
		}
	}
	if snapshotPath == "" {
		return nil, fmt.Errorf("no catalog URL or snapshot configured")
	}

	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("read catalog snapshot: %w", err)
	}
	var catalog Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse catalog snapshot: %w", err)
	}
	return catalog, nil
}

func fetchCatalog(ctx context.Context, client *httpretry.RetryClient, url string) (Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch catalog %s: status %d", url, resp.StatusCode)
	}
	var catalog Catalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", url, err)
	}
	return catalog, nil
}
