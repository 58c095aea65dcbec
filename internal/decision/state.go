// Package decision routes scored matches through the node chain:
// RuleGate → Bucket → BoundaryJudge → PushWorthiness → EmitActions.
package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ignite/sentrycore/internal/domain"
)

// Trigger identifies what started a pipeline run.
type Trigger string

const (
	TriggerMatchComputed Trigger = "MATCH_COMPUTED"
	TriggerBatchWindow   Trigger = "BATCH_WINDOW_TICK"
	TriggerDigest        Trigger = "DIGEST_TICK"
)

// BucketKind partitions matches by score band. DIGEST is a delivery
// schedule, not a band; BATCH proposals reach it by demotion.
type BucketKind string

const (
	BucketImmediate BucketKind = "IMMEDIATE"
	BucketBoundary  BucketKind = "BOUNDARY"
	BucketBatch     BucketKind = "BATCH"
	BucketDigest    BucketKind = "DIGEST"
	BucketIgnore    BucketKind = "IGNORE"
)

// Thresholds are the score cut points between buckets.
type Thresholds struct {
	Immediate float64
	Boundary  float64
	Batch     float64
}

// DefaultThresholds is the production banding.
var DefaultThresholds = Thresholds{Immediate: 0.93, Boundary: 0.88, Batch: 0.75}

// Proposal is the pipeline's output for one match.
type Proposal struct {
	Decision  domain.Decision
	Bucket    BucketKind
	DedupeKey string
	Evidence  []domain.DecisionEvidence
}

// State is the shared record threaded through the node chain. Nodes
// mutate it in place; only EmitActions has side effects.
type State struct {
	Trigger Trigger
	Goal    *domain.Goal
	Item    *domain.Item
	Match   *domain.GoalItemMatch
	Flags   domain.BudgetFlags
	Now     time.Time

	Bucket       BucketKind
	BlockReasons []string
	LLMUsed      bool
	Fallback     string
	Evidence     []domain.DecisionEvidence
	Proposal     *Proposal
	Halted       bool
}

func (s *State) addEvidence(kind, detail string, value float64) {
	s.Evidence = append(s.Evidence, domain.DecisionEvidence{Kind: kind, Detail: detail, Value: value})
}

func (s *State) block(reason string) {
	s.BlockReasons = append(s.BlockReasons, reason)
	s.addEvidence("veto", reason, 0)
	s.Halted = true
}

// CoalesceBucket labels the delivery window a decision belongs to, the
// last component of the dedupe key. Immediate decisions bucket on
// 5-minute UTC boundaries; batch and digest on the UTC date; ignores on
// a constant so a pair is recorded as ignored at most once.
func CoalesceBucket(decision domain.Decision, now time.Time) string {
	switch decision {
	case domain.DecisionImmediate:
		return fmt.Sprintf("%d", now.UTC().Unix()/300)
	case domain.DecisionBatch, domain.DecisionDigest:
		return now.UTC().Format("2006-01-02")
	default:
		return "-"
	}
}

// DedupeKey derives the at-most-once key for a proposal.
func DedupeKey(goalID, topicKey string, decision domain.Decision, coalesceBucket string) string {
	sum := sha256.Sum256([]byte(goalID + "|" + topicKey + "|" + string(decision) + "|" + coalesceBucket))
	return hex.EncodeToString(sum[:])
}
