package decision

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/llm"
)

// ruleGate vetoes before any scoring logic runs. A score of zero carries
// the veto reason in the match features; the gate names it.
func (p *Pipeline) ruleGate(s *State) {
	if s.Match.MatchScore > 0 {
		if s.Flags.JudgeDisabled {
			s.addEvidence("llm_off", "judge budget exhausted", 0)
		}
		return
	}

	f := s.Match.Features
	switch {
	case f.SourceAffinity == 0:
		s.block("BLOCKED_SOURCE")
	case f.NegativeHit == 1:
		s.block("NEGATIVE_TERM")
	default:
		s.block("STRICT_NO_HIT")
	}
}

// bucket partitions by score. Boundaries are inclusive at the bottom of
// each band.
func (p *Pipeline) bucket(s *State) {
	score := s.Match.MatchScore
	switch {
	case score >= p.thresholds.Immediate:
		s.Bucket = BucketImmediate
	case score >= p.thresholds.Boundary:
		s.Bucket = BucketBoundary
	case score >= p.thresholds.Batch:
		s.Bucket = BucketBatch
	default:
		s.Bucket = BucketIgnore
	}
	s.addEvidence("bucket", string(s.Bucket), score)
}

// boundaryJudge resolves the BOUNDARY band: the model promotes to
// IMMEDIATE or demotes to BATCH. Without budget or on any model error
// the deterministic fallback applies: promote iff a MUST term hit and at
// least one priority term hit.
func (p *Pipeline) boundaryJudge(ctx context.Context, s *State) {
	if s.Bucket != BucketBoundary {
		return
	}

	promote, why := p.boundaryVerdict(ctx, s)
	if promote {
		s.Bucket = BucketImmediate
	} else {
		s.Bucket = BucketBatch
	}
	s.addEvidence("llm_boundary", why, boolToFloat(promote))
}

func (p *Pipeline) boundaryVerdict(ctx context.Context, s *State) (bool, string) {
	fallback := func(reason string) (bool, string) {
		s.Fallback = reason
		promote := s.Match.Features.MustHit == 1 && s.Match.Features.PriorityHitCount >= 1
		return promote, "fallback: " + reason
	}

	if p.judge == nil || s.Flags.JudgeDisabled {
		return fallback("judge_disabled")
	}

	in := &llm.BoundaryJudgeInput{
		GoalName:        s.Goal.Name,
		GoalDescription: s.Goal.Description,
		ItemTitle:       s.Item.Title,
		Score:           s.Match.MatchScore,
		MatchedMust:     s.Match.Reasons.MatchedMust,
		MatchedPriority: s.Match.Reasons.MatchedPriority,
	}
	if s.Item.Snippet != nil {
		in.ItemSnippet = *s.Item.Snippet
	}

	res, err := p.governor.Reserve(ctx, s.Goal.UserID, domain.BudgetJudge, llm.BoundaryTokens(in))
	if err != nil || !res.Allowed {
		return fallback("judge_budget")
	}

	out, err := p.judge.BoundaryJudge(ctx, in)
	if err != nil {
		return fallback("judge_error")
	}
	s.LLMUsed = true
	return out.Promote, fmt.Sprintf("confidence=%.2f %s", out.Confidence, out.Rationale)
}

// pushWorthiness downgrades relevant-but-routine content one step:
// IMMEDIATE → BATCH, BATCH → DIGEST. When the judge is unavailable the
// bucket stands.
func (p *Pipeline) pushWorthiness(ctx context.Context, s *State) {
	if s.Bucket == BucketIgnore {
		return
	}
	if p.judge == nil || s.Flags.JudgeDisabled {
		return
	}

	in := &llm.PushWorthinessInput{
		GoalName:  s.Goal.Name,
		ItemTitle: s.Item.Title,
		Score:     s.Match.MatchScore,
		SentToday: p.sentToday(ctx, s.Goal.ID),
	}
	if s.Item.Snippet != nil {
		in.ItemSnippet = *s.Item.Snippet
	}

	res, err := p.governor.Reserve(ctx, s.Goal.UserID, domain.BudgetJudge, llm.WorthinessTokens(in))
	if err != nil || !res.Allowed {
		s.addEvidence("push_worthiness", "skipped: judge_budget", 0)
		return
	}

	out, err := p.judge.PushWorthiness(ctx, in)
	if err != nil {
		s.addEvidence("push_worthiness", "skipped: "+err.Error(), 0)
		return
	}
	s.LLMUsed = true

	if out.Push {
		s.addEvidence("push_worthiness", "push", 1)
		return
	}

	switch s.Bucket {
	case BucketImmediate:
		s.Bucket = BucketBatch
	case BucketBatch:
		s.Bucket = BucketDigest
	case BucketDigest:
		s.Bucket = BucketIgnore
	}
	detail := "downgrade"
	if len(out.Reasons) > 0 {
		detail = "downgrade: " + out.Reasons[0]
	}
	s.addEvidence("push_worthiness", detail, 0)
}

// emitActions persists the decision row and, for immediates, pushes the
// proposal into the coalescer's buffer. The unique key on
// (goal_id, item_id, decision) makes concurrent emission a no-op.
func (p *Pipeline) emitActions(ctx context.Context, s *State) error {
	decision := bucketDecision(s.Bucket)
	coalesce := CoalesceBucket(decision, s.Now)

	s.Proposal = &Proposal{
		Decision: decision,
		Bucket:   s.Bucket,
		Evidence: s.Evidence,
	}
	if decision != domain.DecisionIgnore {
		s.Proposal.DedupeKey = DedupeKey(s.Goal.ID, s.Match.TopicKey, decision, coalesce)
	}

	reason, err := json.Marshal(struct {
		Evidence     []domain.DecisionEvidence `json:"evidence"`
		BlockReasons []string                  `json:"block_reasons,omitempty"`
		LLMUsed      bool                      `json:"llm_used"`
		Fallback     string                    `json:"fallback_reason,omitempty"`
	}{s.Evidence, s.BlockReasons, s.LLMUsed, s.Fallback})
	if err != nil {
		return fmt.Errorf("emit: marshal reasons: %w", err)
	}

	record := &domain.PushDecisionRecord{
		GoalID:     s.Goal.ID,
		ItemID:     s.Item.ID,
		Decision:   decision,
		Status:     domain.DecisionPending,
		Channel:    domain.ChannelEmail,
		ReasonJSON: string(reason),
	}
	if s.Proposal.DedupeKey != "" {
		record.DedupeKey = &s.Proposal.DedupeKey
	}
	if decision == domain.DecisionIgnore {
		record.Status = domain.DecisionSkipped
	}

	inserted, err := p.decisions.Insert(ctx, record)
	if err != nil {
		return fmt.Errorf("emit: %w", err)
	}
	if !inserted {
		// A concurrent run already decided this pair the same way.
		return nil
	}

	if decision == domain.DecisionImmediate && p.buffer != nil {
		if err := p.buffer.Push(ctx, s.Goal.ID, record.ID, s.Item.ID, s.Match.MatchScore, s.Now); err != nil {
			return fmt.Errorf("emit: buffer push: %w", err)
		}
	}
	return nil
}

func bucketDecision(b BucketKind) domain.Decision {
	switch b {
	case BucketImmediate:
		return domain.DecisionImmediate
	case BucketBatch:
		return domain.DecisionBatch
	case BucketDigest:
		return domain.DecisionDigest
	case BucketIgnore:
		return domain.DecisionIgnore
	default:
		// BOUNDARY never survives the judge node.
		return domain.DecisionBatch
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
