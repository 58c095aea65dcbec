// Package api exposes the admin and tracking HTTP surface: source and
// goal management, ingest and decision introspection, budget state, and
// the click redirector.
package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/sentrycore/internal/budget"
	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/pkg/httpretry"
	"github.com/ignite/sentrycore/internal/pkg/httputil"
	"github.com/ignite/sentrycore/internal/repository/postgres"
)

// StatsFunc reports one worker's cumulative counters.
type StatsFunc func() map[string]int64

// Handlers carries the repositories behind the HTTP surface.
type Handlers struct {
	Sources    *postgres.SourceRepo
	Items      *postgres.ItemRepo
	Goals      *postgres.GoalRepo
	Matches    *postgres.MatchRepo
	Decisions  *postgres.DecisionRepo
	IngestLogs *postgres.IngestLogRepo
	Feedback   *postgres.FeedbackRepo
	Budgets    *postgres.BudgetRepo
	Governor   *budget.Governor

	// HTTP fetches external resources (catalog imports).
	HTTP *httpretry.RetryClient

	// Workers keyed by name, for /api/stats.
	Workers map[string]StatsFunc
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// GetStats returns every registered worker's counters.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[string]int64, len(h.Workers))
	for name, fn := range h.Workers {
		out[name] = fn()
	}
	httputil.OK(w, out)
}

// CreateSource registers a new source.
func (h *Handlers) CreateSource(w http.ResponseWriter, r *http.Request) {
	var src domain.Source
	if !httputil.Decode(w, r, &src) {
		return
	}
	if err := src.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := h.Sources.Create(r.Context(), &src); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, src)
}

// ListSources returns registered sources with scheduling state.
func (h *Handlers) ListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.Sources.ListForAdmin(r.Context(), queryLimit(r, 200))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"sources": sources, "count": len(sources)})
}

// SubscribeSource subscribes a user to a source.
func (h *Handlers) SubscribeSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "id")
	var body struct {
		UserID  string `json:"user_id"`
		Enabled *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		httputil.BadRequest(w, "user_id is required")
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	if err := h.Sources.Subscribe(r.Context(), body.UserID, sourceID, enabled); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "subscribed"})
}

// ListIngestLogs returns recent fetch attempts, optionally per source.
func (h *Handlers) ListIngestLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.IngestLogs.ListRecent(r.Context(), r.URL.Query().Get("source_id"), queryLimit(r, 100))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"logs": logs, "count": len(logs)})
}

// CreateGoal registers a new goal.
func (h *Handlers) CreateGoal(w http.ResponseWriter, r *http.Request) {
	var g domain.Goal
	if !httputil.Decode(w, r, &g) {
		return
	}
	if g.Status == "" {
		g.Status = domain.GoalActive
	}
	if g.PriorityMode == "" {
		g.PriorityMode = domain.PrioritySoft
	}
	if g.TimeWindowDays == 0 {
		g.TimeWindowDays = 30
	}
	if err := g.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := h.Goals.Create(r.Context(), &g); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, g)
}

// GetGoal returns one goal with its terms and push config.
func (h *Handlers) GetGoal(w http.ResponseWriter, r *http.Request) {
	goalID := chi.URLParam(r, "id")
	g, err := h.Goals.Get(r.Context(), goalID)
	if err != nil {
		if err == sql.ErrNoRows {
			httputil.NotFound(w, "goal not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	terms, err := h.Goals.Terms(r.Context(), goalID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	cfg, err := h.Goals.PushConfig(r.Context(), goalID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]interface{}{
		"goal":        g,
		"terms":       terms,
		"push_config": cfg,
	})
}

// AddGoalTerm attaches a MUST/PRIORITY/NEGATIVE term to a goal.
func (h *Handlers) AddGoalTerm(w http.ResponseWriter, r *http.Request) {
	var t domain.GoalPriorityTerm
	if !httputil.Decode(w, r, &t) {
		return
	}
	t.GoalID = chi.URLParam(r, "id")
	switch t.TermType {
	case domain.TermMust, domain.TermPriority, domain.TermNegative:
	default:
		httputil.BadRequest(w, "term_type must be MUST, PRIORITY, or NEGATIVE")
		return
	}
	if t.Term == "" {
		httputil.BadRequest(w, "term is required")
		return
	}
	if err := h.Goals.AddTerm(r.Context(), &t); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, t)
}

// PutPushConfig sets a goal's delivery schedule.
func (h *Handlers) PutPushConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.GoalPushConfig
	if !httputil.Decode(w, r, &cfg) {
		return
	}
	cfg.GoalID = chi.URLParam(r, "id")
	if err := cfg.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := h.Goals.UpsertPushConfig(r.Context(), &cfg); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, cfg)
}

// GetBudget returns a user's live budget counters and cutoff flags.
func (h *Handlers) GetBudget(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	usage, err := h.Governor.Usage(r.Context(), userID, time.Now())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"usage": usage,
		"flags": h.Governor.Flags(r.Context(), userID),
	})
}

// ListDecisions returns the newest push decisions.
func (h *Handlers) ListDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := h.Decisions.ListRecent(r.Context(), queryLimit(r, 100))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"decisions": decisions, "count": len(decisions)})
}

// RequeueDecision returns a failed or skipped decision to PENDING so the
// next delivery window retries it.
func (h *Handlers) RequeueDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Decisions.Requeue(r.Context(), id); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "requeued"})
}

// UpdateItemSummary sets an item's summary, the only content field that
// stays mutable after ingest.
func (h *Handlers) UpdateItemSummary(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Summary string `json:"summary"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.Summary == "" {
		httputil.BadRequest(w, "summary is required")
		return
	}
	if err := h.Items.UpdateSummary(r.Context(), chi.URLParam(r, "id"), body.Summary); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "updated"})
}

// PostFeedback records like/dislike on an item.
func (h *Handlers) PostFeedback(w http.ResponseWriter, r *http.Request) {
	var f domain.ItemFeedback
	if !httputil.Decode(w, r, &f) {
		return
	}
	if f.UserID == "" || f.ItemID == "" {
		httputil.BadRequest(w, "user_id and item_id are required")
		return
	}
	switch f.Kind {
	case domain.FeedbackLike, domain.FeedbackDislike:
	default:
		httputil.BadRequest(w, "kind must be LIKE or DISLIKE")
		return
	}
	if err := h.Feedback.Record(r.Context(), &f); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, f)
}

// BlockSource blocks a source for a user, optionally scoped to a goal.
func (h *Handlers) BlockSource(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID   string  `json:"user_id"`
		GoalID   *string `json:"goal_id"`
		SourceID string  `json:"source_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" || body.SourceID == "" {
		httputil.BadRequest(w, "user_id and source_id are required")
		return
	}
	if err := h.Feedback.Block(r.Context(), body.UserID, body.GoalID, body.SourceID); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, map[string]string{"status": "blocked"})
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}
