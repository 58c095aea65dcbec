package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SourceType enumerates the fetcher variants.
type SourceType string

const (
	SourceNewsNow SourceType = "NEWSNOW"
	SourceRSS     SourceType = "RSS"
	SourceSite    SourceType = "SITE"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceNewsNow, SourceRSS, SourceSite:
		return true
	}
	return false
}

// Source is a registered external information source.
type Source struct {
	ID               string          `json:"id" db:"id"`
	Type             SourceType      `json:"type" db:"type"`
	Name             string          `json:"name" db:"name"`
	OwnerID          *string         `json:"owner_id" db:"owner_id"`
	IsPrivate        bool            `json:"is_private" db:"is_private"`
	Enabled          bool            `json:"enabled" db:"enabled"`
	FetchIntervalSec int             `json:"fetch_interval_sec" db:"fetch_interval_sec"`
	NextFetchAt      *time.Time      `json:"next_fetch_at" db:"next_fetch_at"`
	LastFetchAt      *time.Time      `json:"last_fetch_at" db:"last_fetch_at"`
	ErrorStreak      int             `json:"error_streak" db:"error_streak"`
	EmptyStreak      int             `json:"empty_streak" db:"empty_streak"`
	Config           json.RawMessage `json:"config" db:"config"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
	IsDeleted        bool            `json:"is_deleted" db:"is_deleted"`
}

// NewsNowConfig is the config payload for NEWSNOW sources.
type NewsNowConfig struct {
	BaseURL  string `json:"base_url"`
	SourceID string `json:"source_id"`
}

// RSSConfig is the config payload for RSS sources.
type RSSConfig struct {
	FeedURL string `json:"feed_url"`
}

// SiteSelectors are the CSS selectors applied to a scraped list page.
type SiteSelectors struct {
	Item    string `json:"item"`
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// SiteConfig is the config payload for SITE sources.
type SiteConfig struct {
	ListURL   string        `json:"list_url"`
	Selectors SiteSelectors `json:"selectors"`
}

// Validate checks structural invariants on the source row.
func (s *Source) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("unknown source type %q", s.Type)
	}
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if s.FetchIntervalSec < 60 {
		return fmt.Errorf("fetch_interval_sec must be >= 60, got %d", s.FetchIntervalSec)
	}
	return nil
}

// SourceSubscription links a user to a source they want items from.
type SourceSubscription struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	SourceID  string    `json:"source_id" db:"source_id"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IngestStatus enumerates fetch attempt outcomes.
type IngestStatus string

const (
	IngestSuccess IngestStatus = "success"
	IngestPartial IngestStatus = "partial"
	IngestFailed  IngestStatus = "failed"
)

// IngestLog records one fetch attempt against a source.
type IngestLog struct {
	ID             string       `json:"id" db:"id"`
	SourceID       string       `json:"source_id" db:"source_id"`
	StartedAt      time.Time    `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time   `json:"completed_at" db:"completed_at"`
	Status         IngestStatus `json:"status" db:"status"`
	ItemsFetched   int          `json:"items_fetched" db:"items_fetched"`
	ItemsNew       int          `json:"items_new" db:"items_new"`
	ItemsDuplicate int          `json:"items_duplicate" db:"items_duplicate"`
	ErrorMessage   *string      `json:"error_message" db:"error_message"`
	DurationMs     *int64       `json:"duration_ms" db:"duration_ms"`
	MetadataJSON   *string      `json:"metadata_json" db:"metadata_json"`
}
