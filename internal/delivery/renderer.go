package delivery

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/sentrycore/internal/domain"
)

// RenderedEmail is the output of one template pass.
type RenderedEmail struct {
	Subject  string
	HTMLBody string
	TextBody string
}

// EmailItem is one posting presented in an email.
type EmailItem struct {
	ItemID  string
	Title   string
	Snippet string
	Score   float64
	Source  string
}

// Renderer builds notification emails from Liquid templates. Links are
// rewritten through the click redirector so opens become ClickEvents.
type Renderer struct {
	engine  *liquid.Engine
	baseURL string

	mu    sync.Mutex
	cache map[string]*liquid.Template
}

// NewRenderer creates a renderer. baseURL is the public root the
// redirector is served under.
func NewRenderer(baseURL string) *Renderer {
	engine := liquid.NewEngine()
	engine.RegisterFilter("pct", func(v float64) string {
		return fmt.Sprintf("%.0f%%", v*100)
	})
	return &Renderer{
		engine:  engine,
		baseURL: strings.TrimRight(baseURL, "/"),
		cache:   make(map[string]*liquid.Template),
	}
}

// RedirectURL builds the tracked link for one item.
func (r *Renderer) RedirectURL(itemID, goalID string, channel domain.Channel) string {
	q := url.Values{}
	q.Set("item", itemID)
	q.Set("goal", goalID)
	q.Set("c", string(channel))
	return r.baseURL + "/r?" + q.Encode()
}

const immediateSubjectTmpl = `[{{ goal_name }}] {{ first_title | strip }}`
const batchSubjectTmpl = `[{{ goal_name }}] {{ count }} new matches`
const digestSubjectTmpl = `[{{ goal_name }}] Daily digest — {{ count }} items`

const htmlBodyTmpl = `<html><body style="font-family:Helvetica,Arial,sans-serif;color:#1a1a1a;max-width:640px">
<h2 style="margin-bottom:4px">{{ heading }}</h2>
<p style="color:#666;margin-top:0">{{ subheading }}</p>
{% for item in items %}
<div style="margin:16px 0;padding:12px;border:1px solid #e0e0e0;border-radius:6px">
  <a href="{{ item.link }}" style="font-size:16px;font-weight:bold;color:#1155cc;text-decoration:none">{{ item.title }}</a>
  {% if item.snippet != "" %}<p style="margin:8px 0 4px;color:#333">{{ item.snippet }}</p>{% endif %}
  <span style="font-size:12px;color:#999">{{ item.source }} · match {{ item.score | pct }}</span>
</div>
{% endfor %}
<p style="font-size:12px;color:#999">You receive this because of your goal "{{ goal_name }}".</p>
</body></html>`

const textBodyTmpl = `{{ heading }}
{{ subheading }}
{% for item in items %}
* {{ item.title }}
  {{ item.link }}
{% if item.snippet != "" %}  {{ item.snippet }}
{% endif %}{% endfor %}
You receive this because of your goal "{{ goal_name }}".`

func (r *Renderer) template(src string) (*liquid.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tpl, ok := r.cache[src]; ok {
		return tpl, nil
	}
	tpl, err := r.engine.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	r.cache[src] = tpl
	return tpl, nil
}

func (r *Renderer) render(subjectTmpl string, bindings map[string]interface{}) (*RenderedEmail, error) {
	out := &RenderedEmail{}
	for _, part := range []struct {
		src  string
		dest *string
	}{
		{subjectTmpl, &out.Subject},
		{htmlBodyTmpl, &out.HTMLBody},
		{textBodyTmpl, &out.TextBody},
	} {
		tpl, err := r.template(part.src)
		if err != nil {
			return nil, err
		}
		rendered, err := tpl.RenderString(bindings)
		if err != nil {
			return nil, fmt.Errorf("render email: %w", err)
		}
		*part.dest = rendered
	}
	out.Subject = strings.TrimSpace(out.Subject)
	return out, nil
}

func (r *Renderer) bindItems(goalID string, items []EmailItem) []map[string]interface{} {
	bound := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		bound = append(bound, map[string]interface{}{
			"title":   it.Title,
			"link":    r.RedirectURL(it.ItemID, goalID, domain.ChannelEmail),
			"snippet": it.Snippet,
			"score":   it.Score,
			"source":  it.Source,
		})
	}
	return bound
}

// FromItem converts a domain item for rendering.
func FromItem(item *domain.Item, score float64, sourceName string) EmailItem {
	e := EmailItem{
		ItemID: item.ID,
		Title:  item.Title,
		Score:  score,
		Source: sourceName,
	}
	if item.Snippet != nil {
		e.Snippet = *item.Snippet
	}
	return e
}

// RenderImmediate builds the email for one sealed immediate bucket.
func (r *Renderer) RenderImmediate(goal *domain.Goal, items []EmailItem) (*RenderedEmail, error) {
	first := ""
	if len(items) > 0 {
		first = items[0].Title
	}
	return r.render(immediateSubjectTmpl, map[string]interface{}{
		"goal_name":   goal.Name,
		"first_title": first,
		"heading":     "New match for " + goal.Name,
		"subheading":  "Flagged for immediate delivery",
		"items":       r.bindItems(goal.ID, items),
	})
}

// RenderBatch builds the email for one batch window.
func (r *Renderer) RenderBatch(goal *domain.Goal, items []EmailItem) (*RenderedEmail, error) {
	return r.render(batchSubjectTmpl, map[string]interface{}{
		"goal_name":  goal.Name,
		"count":      len(items),
		"heading":    "Batch update for " + goal.Name,
		"subheading": fmt.Sprintf("%d matches since the last window", len(items)),
		"items":      r.bindItems(goal.ID, items),
	})
}

// RenderDigest builds the daily digest email.
func (r *Renderer) RenderDigest(goal *domain.Goal, items []EmailItem) (*RenderedEmail, error) {
	return r.render(digestSubjectTmpl, map[string]interface{}{
		"goal_name":  goal.Name,
		"count":      len(items),
		"heading":    "Daily digest for " + goal.Name,
		"subheading": "Top matches from the last 24 hours",
		"items":      r.bindItems(goal.ID, items),
	})
}
