package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/fetcher"
	"github.com/ignite/sentrycore/internal/pkg/logger"
)

// ItemStore is the subset of the item repository the coordinator needs.
type ItemStore interface {
	CreateIfNotExists(ctx context.Context, item *domain.Item) (bool, string, error)
}

// LogStore records fetch attempts.
type LogStore interface {
	Start(ctx context.Context, sourceID string) (string, error)
	Finish(ctx context.Context, log *domain.IngestLog) error
}

// Coordinator normalises fetched postings into items: canonical URL,
// content hashes, dedupe, and one ingest log row per attempt.
type Coordinator struct {
	items ItemStore
	logs  LogStore
}

// NewCoordinator creates an ingest coordinator.
func NewCoordinator(items ItemStore, logs LogStore) *Coordinator {
	return &Coordinator{items: items, logs: logs}
}

// Result summarises one processed fetch.
type Result struct {
	Status     domain.IngestStatus
	Fetched    int
	New        int
	Duplicates int
	NewItemIDs []string
}

func ingestStatus(s fetcher.FetchStatus) domain.IngestStatus {
	switch s {
	case fetcher.FetchOK:
		return domain.IngestSuccess
	case fetcher.FetchPartial:
		return domain.IngestPartial
	default:
		return domain.IngestFailed
	}
}

// Process turns a fetch result into item rows. Items that fail URL
// canonicalisation are dropped and downgrade the attempt to partial.
// Every attempt gets an ingest log row, including total failures.
func (c *Coordinator) Process(ctx context.Context, source *domain.Source, res *fetcher.FetchResult) (*Result, error) {
	logID, err := c.logs.Start(ctx, source.ID)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", source.ID, err)
	}

	out := &Result{Status: ingestStatus(res.Status), Fetched: len(res.Items)}
	entry := &domain.IngestLog{ID: logID, SourceID: source.ID, DurationMs: &res.DurationMs}

	if res.Status == fetcher.FetchFailed {
		entry.Status = domain.IngestFailed
		if res.Err != nil {
			msg := res.Err.Error()
			entry.ErrorMessage = &msg
		}
		if err := c.logs.Finish(ctx, entry); err != nil {
			logger.Warn("ingest log finish failed", "source_id", source.ID, "error", err.Error())
		}
		return out, nil
	}

	dropped := 0
	for i := range res.Items {
		fi := &res.Items[i]
		canonical := CanonicalizeURL(fi.URL)
		if canonical == "" {
			dropped++
			logger.Debug("dropping item with empty url", "source_id", source.ID)
			continue
		}

		item := &domain.Item{
			SourceID:        source.ID,
			URL:             canonical,
			URLHash:         URLHash(canonical),
			TopicKey:        TopicKey(canonical),
			Title:           fi.Title,
			PublishedAt:     fi.PublishedAt,
			IngestedAt:      time.Now().UTC(),
			EmbeddingStatus: domain.EmbeddingPending,
		}
		if fi.Snippet != "" {
			s := fi.Snippet
			item.Snippet = &s
		}
		if fi.Raw != "" {
			raw := fi.Raw
			item.RawData = &raw
		}

		created, id, err := c.items.CreateIfNotExists(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("ingest %s: insert item: %w", source.ID, err)
		}
		if created {
			out.New++
			out.NewItemIDs = append(out.NewItemIDs, id)
		} else {
			out.Duplicates++
		}
	}

	status := ingestStatus(res.Status)
	if dropped > 0 && status == domain.IngestSuccess {
		status = domain.IngestPartial
	}
	out.Status = status

	entry.Status = status
	entry.ItemsFetched = out.Fetched
	entry.ItemsNew = out.New
	entry.ItemsDuplicate = out.Duplicates
	if res.Err != nil {
		msg := res.Err.Error()
		entry.ErrorMessage = &msg
	}
	if err := c.logs.Finish(ctx, entry); err != nil {
		logger.Warn("ingest log finish failed", "source_id", source.ID, "error", err.Error())
	}

	logger.Info("ingest complete",
		"source_id", source.ID,
		"status", string(status),
		"fetched", out.Fetched,
		"new", out.New,
		"duplicate", out.Duplicates)
	return out, nil
}
