// Package fetcher provides the network adapters that pull raw postings
// from registered sources. The three variants (RSS, NewsNow, Site) are a
// closed set behind a single Fetcher capability plus a factory keyed on
// source type.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/pkg/httpretry"
)

// FetchStatus enumerates fetch outcomes.
type FetchStatus string

const (
	FetchOK      FetchStatus = "ok"
	FetchPartial FetchStatus = "partial"
	FetchFailed  FetchStatus = "failed"
)

// FetchedItem is one raw posting returned by a fetcher, prior to
// canonicalisation and dedupe.
type FetchedItem struct {
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Raw         string     `json:"raw,omitempty"`
}

// FetchResult is the outcome of one fetch attempt.
type FetchResult struct {
	Status     FetchStatus   `json:"status"`
	Items      []FetchedItem `json:"items"`
	Err        error         `json:"-"`
	DurationMs int64         `json:"duration_ms"`
}

// Fetcher pulls up to maxItems postings for one source config.
type Fetcher interface {
	Fetch(ctx context.Context, config json.RawMessage, maxItems int) *FetchResult
}

// DefaultTimeout bounds every outbound fetch.
const DefaultTimeout = 15 * time.Second

// Factory builds fetchers per source type, sharing one retrying HTTP
// client across variants.
type Factory struct {
	client *httpretry.RetryClient
}

// NewFactory creates a fetcher factory. A nil client gets a default
// retrying client with a 15s timeout and two retries.
func NewFactory(client *httpretry.RetryClient) *Factory {
	if client == nil {
		client = httpretry.NewRetryClient(&http.Client{Timeout: DefaultTimeout}, 2)
	}
	return &Factory{client: client}
}

// For returns the fetcher for the given source type.
func (f *Factory) For(t domain.SourceType) (Fetcher, error) {
	switch t {
	case domain.SourceRSS:
		return NewRSSFetcher(f.client), nil
	case domain.SourceNewsNow:
		return NewNewsNowFetcher(f.client), nil
	case domain.SourceSite:
		return NewSiteFetcher(f.client), nil
	default:
		return nil, fmt.Errorf("no fetcher for source type %q", t)
	}
}

// failed builds a failed FetchResult with the elapsed duration.
func failed(start time.Time, err error) *FetchResult {
	return &FetchResult{
		Status:     FetchFailed,
		Err:        err,
		DurationMs: time.Since(start).Milliseconds(),
	}
}
