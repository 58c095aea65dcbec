package domain

import "time"

// EmbeddingStatus enumerates the embedding lifecycle of an item.
type EmbeddingStatus string

const (
	EmbeddingPending       EmbeddingStatus = "pending"
	EmbeddingDone          EmbeddingStatus = "done"
	EmbeddingSkippedBudget EmbeddingStatus = "skipped_budget"
	EmbeddingFailed        EmbeddingStatus = "failed"
)

// Item is a normalised posting fetched from a source. Items are immutable
// after embedding, except for the summary field.
type Item struct {
	ID              string          `json:"id" db:"id"`
	SourceID        string          `json:"source_id" db:"source_id"`
	URL             string          `json:"url" db:"url"`
	URLHash         string          `json:"url_hash" db:"url_hash"`
	TopicKey        string          `json:"topic_key" db:"topic_key"`
	Title           string          `json:"title" db:"title"`
	Snippet         *string         `json:"snippet" db:"snippet"`
	Summary         *string         `json:"summary" db:"summary"`
	PublishedAt     *time.Time      `json:"published_at" db:"published_at"`
	IngestedAt      time.Time       `json:"ingested_at" db:"ingested_at"`
	Embedding       []float32       `json:"-" db:"embedding"`
	EmbeddingStatus EmbeddingStatus `json:"embedding_status" db:"embedding_status"`
	EmbeddingModel  *string         `json:"embedding_model" db:"embedding_model"`
	MatchedAt       *time.Time      `json:"matched_at" db:"matched_at"`
	RawData         *string         `json:"raw_data" db:"raw_data"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
	IsDeleted       bool            `json:"is_deleted" db:"is_deleted"`
}

// SearchText returns the text surface used for term matching.
func (i *Item) SearchText() string {
	text := i.Title
	if i.Snippet != nil {
		text += " " + *i.Snippet
	}
	if i.Summary != nil {
		text += " " + *i.Summary
	}
	return text
}

// EffectiveTime returns published_at when present, else ingested_at.
// Used for ordering and the goal time-window filter.
func (i *Item) EffectiveTime() time.Time {
	if i.PublishedAt != nil {
		return *i.PublishedAt
	}
	return i.IngestedAt
}
