package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/fetcher"
	"github.com/ignite/sentrycore/internal/pkg/httputil"
	"github.com/ignite/sentrycore/internal/pkg/logger"
)

// ImportCatalog registers a NEWSNOW source per enabled catalog entry.
// Entries already registered (by name) are counted as skipped.
func (h *Handlers) ImportCatalog(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CatalogURL       string `json:"catalog_url"`
		SnapshotPath     string `json:"snapshot_path"`
		BaseURL          string `json:"base_url"`
		FetchIntervalSec int    `json:"fetch_interval_sec"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.BaseURL == "" {
		httputil.BadRequest(w, "base_url is required")
		return
	}
	if body.FetchIntervalSec < 60 {
		body.FetchIntervalSec = 900
	}

	catalog, err := fetcher.LoadCatalog(r.Context(), h.HTTP, body.CatalogURL, body.SnapshotPath)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	created, skipped, disabled := 0, 0, 0
	for _, id := range ids {
		entry := catalog[id]
		if entry.Disabled() {
			disabled++
			continue
		}

		name := entry.Title
		if name == "" {
			name = entry.Name
		}
		if name == "" {
			name = id
		}

		interval := body.FetchIntervalSec
		if entry.Interval >= 60_000 {
			interval = int(entry.Interval / 1000)
		}

		cfg, _ := json.Marshal(domain.NewsNowConfig{BaseURL: body.BaseURL, SourceID: id})
		src := &domain.Source{
			Type:             domain.SourceNewsNow,
			Name:             name,
			Enabled:          true,
			FetchIntervalSec: interval,
			Config:           cfg,
		}
		if err := h.Sources.Create(r.Context(), src); err != nil {
			// Usually a name collision with an earlier import.
			logger.Debug("catalog entry skipped", "source", id, "error", err.Error())
			skipped++
			continue
		}
		created++
	}

	httputil.OK(w, map[string]int{
		"created":  created,
		"skipped":  skipped,
		"disabled": disabled,
	})
}
