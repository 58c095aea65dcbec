// Package match scores embedded items against active goals. The engine
// is pure; the worker around it drives the queues.
package match

import (
	"math"
	"strings"
	"time"

	"github.com/ignite/sentrycore/internal/domain"
)

// Weights are the blend coefficients for the match score.
type Weights struct {
	Cos      float64
	Fresh    float64
	Priority float64
	Must     float64
}

// DefaultWeights is the production blend.
var DefaultWeights = Weights{Cos: 0.55, Fresh: 0.15, Priority: 0.15, Must: 0.15}

// priorityHitCap bounds how many PRIORITY hits count toward the score.
const priorityHitCap = 3

// CosineSimilarity returns the cosine of the angle between a and b in
// [-1, 1]. Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Freshness decays exponentially with the item's age: 1.0 at publish
// time, ~0.37 after a day. Future-dated items clamp to 1.
func Freshness(itemTime, now time.Time) float64 {
	age := now.Sub(itemTime)
	if age <= 0 {
		return 1
	}
	return math.Exp(-age.Hours() / 24)
}

// Affinity converts a user's dislike count for a source into a score
// multiplier. Blocked sources multiply to zero.
func Affinity(dislikes int, blocked bool) float64 {
	if blocked {
		return 0
	}
	a := 1 - 0.15*float64(dislikes)
	if a < 0.25 {
		a = 0.25
	}
	return a
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// termHits returns the terms of the given type found in text, matched
// case-insensitively as substrings.
func termHits(text string, terms []domain.GoalPriorityTerm, tt domain.TermType) []string {
	var hits []string
	for _, t := range terms {
		if t.TermType != tt || t.Term == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(t.Term)) {
			hits = append(hits, t.Term)
		}
	}
	return hits
}

// Score computes the match score for one (goal, item) pair. Vetoes
// (negative term hit, missing MUST in HARD mode, item outside the goal's
// time window, blocked source) force the score to zero but the features
// and reasons are still returned so the row records why.
func Score(goal *domain.Goal, terms []domain.GoalPriorityTerm, item *domain.Item, affinity float64, now time.Time, w Weights) (float64, domain.MatchFeatures, domain.MatchReasons) {
	text := strings.ToLower(item.SearchText())
	itemTime := item.EffectiveTime()

	must := termHits(text, terms, domain.TermMust)
	priority := termHits(text, terms, domain.TermPriority)
	negative := termHits(text, terms, domain.TermNegative)

	mustTotal := 0
	for _, t := range terms {
		if t.TermType == domain.TermMust && t.Term != "" {
			mustTotal++
		}
	}

	f := domain.MatchFeatures{
		CosSim:           CosineSimilarity(goal.Descriptor, item.Embedding),
		PriorityHitCount: len(priority),
		Freshness:        Freshness(itemTime, now),
		SourceAffinity:   affinity,
	}
	// MustHit requires every MUST term; a goal with none satisfies it
	// vacuously.
	if len(must) == mustTotal {
		f.MustHit = 1
	}
	if len(negative) > 0 {
		f.NegativeHit = 1
	}

	r := domain.MatchReasons{
		MatchedMust:     must,
		MatchedPriority: priority,
		MatchedNegative: negative,
	}

	// Vetoes zero the score without touching the recorded features.
	veto := f.NegativeHit == 1 ||
		affinity == 0 ||
		(goal.PriorityMode == domain.PriorityHard && f.MustHit == 0) ||
		itemTime.Before(now.AddDate(0, 0, -goal.TimeWindowDays))
	if veto {
		r.Contributions = map[string]float64{"veto": 1}
		return 0, f, r
	}

	cosRescaled := (f.CosSim + 1) / 2
	prioHits := f.PriorityHitCount
	if prioHits > priorityHitCap {
		prioHits = priorityHitCap
	}

	contribCos := w.Cos * cosRescaled
	contribFresh := w.Fresh * f.Freshness
	contribPrio := w.Priority * float64(prioHits) / priorityHitCap
	contribMust := w.Must * float64(f.MustHit)

	score := clamp01(contribCos+contribFresh+contribPrio+contribMust) * affinity

	r.Contributions = map[string]float64{
		"cos_sim":   contribCos,
		"freshness": contribFresh,
		"priority":  contribPrio,
		"must":      contribMust,
		"affinity":  affinity,
	}
	return score, f, r
}
