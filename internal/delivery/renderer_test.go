package delivery

import (
	"strings"
	"testing"

	"github.com/ignite/sentrycore/internal/domain"
)

func TestRedirectURL(t *testing.T) {
	r := NewRenderer("https://sentry.example.com/")

	got := r.RedirectURL("item-1", "goal-1", domain.ChannelEmail)
	if !strings.HasPrefix(got, "https://sentry.example.com/r?") {
		t.Errorf("RedirectURL = %q, want /r on base without double slash", got)
	}
	for _, part := range []string{"item=item-1", "goal=goal-1", "c=EMAIL"} {
		if !strings.Contains(got, part) {
			t.Errorf("RedirectURL = %q, missing %q", got, part)
		}
	}
}

func TestRenderImmediate(t *testing.T) {
	r := NewRenderer("https://sentry.example.com")
	goal := &domain.Goal{ID: "goal-1", Name: "Go jobs"}
	items := []EmailItem{
		{ItemID: "item-1", Title: "Senior Go engineer", Snippet: "Remote role", Score: 0.95, Source: "HN Jobs"},
	}

	email, err := r.RenderImmediate(goal, items)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	if email.Subject != "[Go jobs] Senior Go engineer" {
		t.Errorf("subject = %q", email.Subject)
	}
	if !strings.Contains(email.HTMLBody, "Senior Go engineer") {
		t.Errorf("html missing title")
	}
	if !strings.Contains(email.HTMLBody, "/r?") || !strings.Contains(email.HTMLBody, "item=item-1") {
		t.Errorf("html links not routed through redirector: %s", email.HTMLBody)
	}
	if !strings.Contains(email.HTMLBody, "95%") {
		t.Errorf("html missing pct-formatted score")
	}
	if !strings.Contains(email.TextBody, "Senior Go engineer") {
		t.Errorf("text body missing title")
	}
}

func TestRenderBatchAndDigestSubjects(t *testing.T) {
	r := NewRenderer("https://sentry.example.com")
	goal := &domain.Goal{ID: "goal-1", Name: "Go jobs"}
	items := []EmailItem{
		{ItemID: "i1", Title: "A", Score: 0.8, Source: "src"},
		{ItemID: "i2", Title: "B", Score: 0.79, Source: "src"},
	}

	batch, err := r.RenderBatch(goal, items)
	if err != nil {
		t.Fatalf("render batch: %v", err)
	}
	if batch.Subject != "[Go jobs] 2 new matches" {
		t.Errorf("batch subject = %q", batch.Subject)
	}

	digest, err := r.RenderDigest(goal, items)
	if err != nil {
		t.Fatalf("render digest: %v", err)
	}
	if !strings.Contains(digest.Subject, "Daily digest") || !strings.Contains(digest.Subject, "2") {
		t.Errorf("digest subject = %q", digest.Subject)
	}
}

func TestFromItem(t *testing.T) {
	snippet := "short pitch"
	item := &domain.Item{ID: "i1", Title: "Title", Snippet: &snippet}

	e := FromItem(item, 0.9, "HN")
	if e.ItemID != "i1" || e.Snippet != "short pitch" || e.Source != "HN" {
		t.Errorf("FromItem = %+v", e)
	}

	bare := &domain.Item{ID: "i2", Title: "No snippet"}
	if got := FromItem(bare, 0.5, "HN"); got.Snippet != "" {
		t.Errorf("nil snippet rendered as %q", got.Snippet)
	}
}
