package domain

import "time"

// MatchFeatures are the extracted signals behind a match score.
type MatchFeatures struct {
	CosSim           float64 `json:"cos_sim"`
	MustHit          int     `json:"must_hit"`
	PriorityHitCount int     `json:"priority_hit_count"`
	NegativeHit      int     `json:"negative_hit"`
	Freshness        float64 `json:"freshness"`
	SourceAffinity   float64 `json:"source_affinity"`
}

// MatchReasons is the human-readable evidence attached to a match.
type MatchReasons struct {
	MatchedMust     []string           `json:"matched_must,omitempty"`
	MatchedPriority []string           `json:"matched_priority,omitempty"`
	MatchedNegative []string           `json:"matched_negative,omitempty"`
	Contributions   map[string]float64 `json:"contributions,omitempty"`
	SourceName      string             `json:"source_name,omitempty"`
}

// GoalItemMatch is a scored (goal, item) pair, unique per pair.
type GoalItemMatch struct {
	ID           string        `json:"id" db:"id"`
	GoalID       string        `json:"goal_id" db:"goal_id"`
	ItemID       string        `json:"item_id" db:"item_id"`
	MatchScore   float64       `json:"match_score" db:"match_score"`
	Features     MatchFeatures `json:"features" db:"features_json"`
	Reasons      MatchReasons  `json:"reasons" db:"reasons_json"`
	TopicKey     string        `json:"topic_key" db:"topic_key"`
	ItemTime     time.Time     `json:"item_time" db:"item_time"`
	ComputedAt   time.Time     `json:"computed_at" db:"computed_at"`
	DecidedAt    *time.Time    `json:"decided_at" db:"decided_at"`
}
