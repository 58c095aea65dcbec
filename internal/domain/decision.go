package domain

import "time"

// Decision enumerates the routing outcome for a match.
type Decision string

const (
	DecisionImmediate Decision = "IMMEDIATE"
	DecisionBatch     Decision = "BATCH"
	DecisionDigest    Decision = "DIGEST"
	DecisionIgnore    Decision = "IGNORE"
)

// DecisionStatus enumerates delivery states of a decision record.
type DecisionStatus string

const (
	DecisionPending DecisionStatus = "PENDING"
	DecisionSent    DecisionStatus = "SENT"
	DecisionFailed  DecisionStatus = "FAILED"
	DecisionSkipped DecisionStatus = "SKIPPED"
	DecisionRead    DecisionStatus = "READ"
)

// Channel enumerates delivery channels.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelInApp Channel = "IN_APP"
)

// PushDecisionRecord is an append-only record of one routing decision
// for a (goal, item) pair. Status transitions mark delivery progress.
type PushDecisionRecord struct {
	ID         string         `json:"id" db:"id"`
	GoalID     string         `json:"goal_id" db:"goal_id"`
	ItemID     string         `json:"item_id" db:"item_id"`
	Decision   Decision       `json:"decision" db:"decision"`
	Status     DecisionStatus `json:"status" db:"status"`
	Channel    Channel        `json:"channel" db:"channel"`
	ReasonJSON string         `json:"reason_json" db:"reason_json"`
	DecidedAt  time.Time      `json:"decided_at" db:"decided_at"`
	SentAt     *time.Time     `json:"sent_at" db:"sent_at"`
	// DedupeKey is sha256(goal_id|item_topic_key|decision|coalesce_bucket),
	// unique when set. Enforces at-most-once delivery.
	DedupeKey *string `json:"dedupe_key" db:"dedupe_key"`
}

// DecisionEvidence is one entry in reason_json's evidence list.
type DecisionEvidence struct {
	Kind   string  `json:"kind"`
	Detail string  `json:"detail,omitempty"`
	Value  float64 `json:"value,omitempty"`
}
