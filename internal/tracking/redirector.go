// Package tracking captures click-throughs. The redirector resolves
// /r?item=&goal=&c= links from delivered emails, records the click, and
// 302s to the item's canonical URL.
package tracking

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/pkg/logger"
)

// ItemStore resolves clicked items.
type ItemStore interface {
	Get(ctx context.Context, id string) (*domain.Item, error)
}

// ClickStore records click events.
type ClickStore interface {
	InsertClick(ctx context.Context, c *domain.ClickEvent) error
}

// ReadMarker flips SENT decisions to READ on click-through.
type ReadMarker interface {
	MarkRead(ctx context.Context, goalID, itemID string) error
}

// Redirector serves the click-tracking redirect endpoint.
type Redirector struct {
	items     ItemStore
	clicks    ClickStore
	decisions ReadMarker
}

// NewRedirector creates the redirect handler.
func NewRedirector(items ItemStore, clicks ClickStore, decisions ReadMarker) *Redirector {
	return &Redirector{items: items, clicks: clicks, decisions: decisions}
}

// ServeHTTP handles GET /r. The redirect never waits on bookkeeping;
// click insert and read marking run detached.
func (rd *Redirector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	itemID := r.URL.Query().Get("item")
	goalID := r.URL.Query().Get("goal")
	channel := r.URL.Query().Get("c")
	if itemID == "" || goalID == "" {
		http.Error(w, "missing item or goal", http.StatusBadRequest)
		return
	}
	if channel == "" {
		channel = string(domain.ChannelEmail)
	}

	item, err := rd.items.Get(r.Context(), itemID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	userAgent := r.UserAgent()
	go rd.record(itemID, goalID, channel, userAgent)

	http.Redirect(w, r, item.URL, http.StatusFound)
}

func (rd *Redirector) record(itemID, goalID, channel, userAgent string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	click := &domain.ClickEvent{
		ItemID:    itemID,
		GoalID:    goalID,
		Channel:   domain.Channel(channel),
		UserAgent: userAgent,
	}
	if err := rd.clicks.InsertClick(ctx, click); err != nil {
		logger.Warn("click insert failed", "item_id", itemID, "goal_id", goalID, "error", err.Error())
	}
	if err := rd.decisions.MarkRead(ctx, goalID, itemID); err != nil {
		logger.Warn("mark read failed", "item_id", itemID, "goal_id", goalID, "error", err.Error())
	}
}
