package domain

import (
	"fmt"
	"regexp"
	"time"
)

// GoalStatus enumerates goal lifecycle states. Only ACTIVE goals match.
type GoalStatus string

const (
	GoalActive   GoalStatus = "ACTIVE"
	GoalPaused   GoalStatus = "PAUSED"
	GoalArchived GoalStatus = "ARCHIVED"
)

// PriorityMode controls how MUST terms are enforced.
type PriorityMode string

const (
	// PrioritySoft scores MUST hits as a feature.
	PrioritySoft PriorityMode = "SOFT"
	// PriorityHard vetoes any item missing a MUST term.
	PriorityHard PriorityMode = "HARD"
)

// Goal is a user-defined interest that items are matched against.
type Goal struct {
	ID             string       `json:"id" db:"id"`
	UserID         string       `json:"user_id" db:"user_id"`
	Name           string       `json:"name" db:"name"`
	Description    string       `json:"description" db:"description"`
	Status         GoalStatus   `json:"status" db:"status"`
	PriorityMode   PriorityMode `json:"priority_mode" db:"priority_mode"`
	TimeWindowDays int          `json:"time_window_days" db:"time_window_days"`
	// Embedding of "name + description", precomputed by the match engine.
	Descriptor      []float32  `json:"-" db:"descriptor"`
	DescriptorModel *string    `json:"descriptor_model" db:"descriptor_model"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	IsDeleted       bool       `json:"is_deleted" db:"is_deleted"`
}

// Validate checks structural invariants on the goal row.
func (g *Goal) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("goal name is required")
	}
	if g.TimeWindowDays < 1 {
		return fmt.Errorf("time_window_days must be >= 1, got %d", g.TimeWindowDays)
	}
	switch g.PriorityMode {
	case PrioritySoft, PriorityHard:
	default:
		return fmt.Errorf("unknown priority mode %q", g.PriorityMode)
	}
	return nil
}

// DescriptorText is the text embedded as the goal's semantic descriptor.
func (g *Goal) DescriptorText() string {
	if g.Description == "" {
		return g.Name
	}
	return g.Name + " " + g.Description
}

// TermType enumerates priority term kinds.
type TermType string

const (
	TermMust     TermType = "MUST"
	TermPriority TermType = "PRIORITY"
	TermNegative TermType = "NEGATIVE"
)

// GoalPriorityTerm is a single MUST/PRIORITY/NEGATIVE term on a goal.
type GoalPriorityTerm struct {
	ID        string    `json:"id" db:"id"`
	GoalID    string    `json:"goal_id" db:"goal_id"`
	Term      string    `json:"term" db:"term"`
	TermType  TermType  `json:"term_type" db:"term_type"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

var hhmmRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// ValidHHMM reports whether s is a valid HH:MM clock time.
func ValidHHMM(s string) bool { return hhmmRegex.MatchString(s) }

// GoalPushConfig controls the delivery schedule for a goal.
type GoalPushConfig struct {
	ID               string    `json:"id" db:"id"`
	GoalID           string    `json:"goal_id" db:"goal_id"`
	BatchWindows     []string  `json:"batch_windows" db:"batch_windows"`
	DigestSendTime   string    `json:"digest_send_time" db:"digest_send_time"`
	ImmediateEnabled bool      `json:"immediate_enabled" db:"immediate_enabled"`
	BatchEnabled     bool      `json:"batch_enabled" db:"batch_enabled"`
	DigestEnabled    bool      `json:"digest_enabled" db:"digest_enabled"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks window count and clock formats.
func (c *GoalPushConfig) Validate() error {
	if len(c.BatchWindows) > 3 {
		return fmt.Errorf("at most 3 batch windows allowed, got %d", len(c.BatchWindows))
	}
	for _, w := range c.BatchWindows {
		if !ValidHHMM(w) {
			return fmt.Errorf("invalid batch window %q", w)
		}
	}
	if c.DigestSendTime != "" && !ValidHHMM(c.DigestSendTime) {
		return fmt.Errorf("invalid digest send time %q", c.DigestSendTime)
	}
	return nil
}
