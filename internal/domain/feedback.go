package domain

import "time"

// FeedbackKind enumerates item feedback values.
type FeedbackKind string

const (
	FeedbackLike    FeedbackKind = "LIKE"
	FeedbackDislike FeedbackKind = "DISLIKE"
)

// ItemFeedback is a user's reaction to a delivered item. Dislikes reduce
// the source affinity applied in match scoring.
type ItemFeedback struct {
	ID        string       `json:"id" db:"id"`
	UserID    string       `json:"user_id" db:"user_id"`
	ItemID    string       `json:"item_id" db:"item_id"`
	Kind      FeedbackKind `json:"kind" db:"kind"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

// BlockedSource zeroes the source affinity for a (user, source) pair,
// optionally scoped to a single goal.
type BlockedSource struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	GoalID    *string   `json:"goal_id" db:"goal_id"`
	SourceID  string    `json:"source_id" db:"source_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ClickEvent records a redirector hit on a delivered item link.
type ClickEvent struct {
	ID        string    `json:"id" db:"id"`
	ItemID    string    `json:"item_id" db:"item_id"`
	GoalID    string    `json:"goal_id" db:"goal_id"`
	Channel   Channel   `json:"channel" db:"channel"`
	UserAgent string    `json:"user_agent" db:"user_agent"`
	ClickedAt time.Time `json:"clicked_at" db:"clicked_at"`
}
