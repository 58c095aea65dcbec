package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// BoundaryJudgeInput is the evidence shown to the model for a match
// sitting between the batch and immediate thresholds.
type BoundaryJudgeInput struct {
	GoalName        string   `json:"goal_name"`
	GoalDescription string   `json:"goal_description"`
	ItemTitle       string   `json:"item_title"`
	ItemSnippet     string   `json:"item_snippet,omitempty"`
	Score           float64  `json:"score"`
	MatchedMust     []string `json:"matched_must,omitempty"`
	MatchedPriority []string `json:"matched_priority,omitempty"`
}

// BoundaryJudgeOutput is the model's verdict on promoting a boundary
// match to immediate delivery.
type BoundaryJudgeOutput struct {
	Promote    bool    `json:"promote"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// PushWorthinessInput asks whether an immediate candidate is worth
// interrupting the user for right now.
type PushWorthinessInput struct {
	GoalName    string  `json:"goal_name"`
	ItemTitle   string  `json:"item_title"`
	ItemSnippet string  `json:"item_snippet,omitempty"`
	Score       float64 `json:"score"`
	SentToday   int     `json:"sent_today"`
}

// PushWorthinessOutput is the model's verdict on the interruption.
type PushWorthinessOutput struct {
	Push    bool     `json:"push"`
	Reasons []string `json:"reasons"`
}

const boundaryJudgeSystem = `You evaluate whether a news item is important enough for immediate delivery against a user's stated goal. Respond with a JSON object: {"promote": bool, "confidence": 0.0-1.0, "rationale": "one sentence"}. Promote only items a user tracking this goal would want interrupted for.`

const pushWorthinessSystem = `You decide whether pushing a notification right now is worth the interruption, given how many the user already received today. Respond with a JSON object: {"push": bool, "reasons": ["short reason", ...]}. Prefer not pushing when in doubt.`

// Judge wraps a completer with the two structured verdict calls.
type Judge struct {
	completer JSONCompleter
}

// NewJudge creates a judge over any JSON-capable completer.
func NewJudge(completer JSONCompleter) *Judge { return &Judge{completer: completer} }

// Model returns the underlying model identifier.
func (j *Judge) Model() string { return j.completer.Model() }

// BoundaryJudge asks the model whether a boundary-zone match deserves
// immediate delivery.
func (j *Judge) BoundaryJudge(ctx context.Context, in *BoundaryJudgeInput) (*BoundaryJudgeOutput, error) {
	user := fmt.Sprintf(
		"Goal: %s\nGoal description: %s\nItem title: %s\nItem snippet: %s\nMatch score: %.3f\nMatched MUST terms: %s\nMatched priority terms: %s",
		in.GoalName, in.GoalDescription, in.ItemTitle, in.ItemSnippet, in.Score,
		strings.Join(in.MatchedMust, ", "), strings.Join(in.MatchedPriority, ", "))

	raw, err := j.completer.CompleteJSON(ctx, boundaryJudgeSystem, user)
	if err != nil {
		return nil, fmt.Errorf("boundary judge: %w", err)
	}

	var out BoundaryJudgeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("boundary judge: parse verdict: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, fmt.Errorf("boundary judge: confidence %v out of range", out.Confidence)
	}
	return &out, nil
}

// BoundaryTokens estimates the budget charge for one boundary call.
func BoundaryTokens(in *BoundaryJudgeInput) int64 {
	return EstimateTokens(boundaryJudgeSystem,
		in.GoalName+in.GoalDescription+in.ItemTitle+in.ItemSnippet)
}

// PushWorthiness asks the model whether an immediate push is worth the
// interruption.
func (j *Judge) PushWorthiness(ctx context.Context, in *PushWorthinessInput) (*PushWorthinessOutput, error) {
	user := fmt.Sprintf(
		"Goal: %s\nItem title: %s\nItem snippet: %s\nMatch score: %.3f\nPushes already sent today: %d",
		in.GoalName, in.ItemTitle, in.ItemSnippet, in.Score, in.SentToday)

	raw, err := j.completer.CompleteJSON(ctx, pushWorthinessSystem, user)
	if err != nil {
		return nil, fmt.Errorf("push worthiness: %w", err)
	}

	var out PushWorthinessOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("push worthiness: parse verdict: %w", err)
	}
	return &out, nil
}

// WorthinessTokens estimates the budget charge for one worthiness call.
func WorthinessTokens(in *PushWorthinessInput) int64 {
	return EstimateTokens(pushWorthinessSystem, in.GoalName+in.ItemTitle+in.ItemSnippet)
}
