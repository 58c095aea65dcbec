package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/fetcher"
)

type memItemStore struct {
	byHash map[string]string
	nextID int
	err    error
}

func newMemItemStore() *memItemStore {
	return &memItemStore{byHash: make(map[string]string)}
}

func (m *memItemStore) CreateIfNotExists(ctx context.Context, item *domain.Item) (bool, string, error) {
	if m.err != nil {
		return false, "", m.err
	}
	if id, ok := m.byHash[item.URLHash]; ok {
		return false, id, nil
	}
	m.nextID++
	id := string(rune('a' + m.nextID))
	m.byHash[item.URLHash] = id
	return true, id, nil
}

type memLogStore struct {
	started  int
	finished []*domain.IngestLog
}

func (m *memLogStore) Start(ctx context.Context, sourceID string) (string, error) {
	m.started++
	return "log-1", nil
}

func (m *memLogStore) Finish(ctx context.Context, log *domain.IngestLog) error {
	m.finished = append(m.finished, log)
	return nil
}

func testSource() *domain.Source {
	return &domain.Source{ID: "src-1", Type: domain.SourceRSS, Name: "Test feed"}
}

func TestProcessDedupes(t *testing.T) {
	items := newMemItemStore()
	logs := &memLogStore{}
	c := NewCoordinator(items, logs)

	res := &fetcher.FetchResult{
		Status: fetcher.FetchOK,
		Items: []fetcher.FetchedItem{
			{URL: "https://example.com/jobs/1", Title: "One"},
			{URL: "https://www.example.com/jobs/1?utm_source=rss", Title: "One again"},
			{URL: "https://example.com/jobs/2", Title: "Two"},
		},
	}

	out, err := c.Process(context.Background(), testSource(), res)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if out.Status != domain.IngestSuccess {
		t.Errorf("status = %s, want success", out.Status)
	}
	if out.Fetched != 3 || out.New != 2 || out.Duplicates != 1 {
		t.Errorf("counts = fetched %d new %d dup %d, want 3/2/1", out.Fetched, out.New, out.Duplicates)
	}
	if len(out.NewItemIDs) != 2 {
		t.Errorf("new item ids = %v", out.NewItemIDs)
	}

	if logs.started != 1 || len(logs.finished) != 1 {
		t.Fatalf("log rows: started %d finished %d", logs.started, len(logs.finished))
	}
	entry := logs.finished[0]
	if entry.Status != domain.IngestSuccess || entry.ItemsNew != 2 || entry.ItemsDuplicate != 1 {
		t.Errorf("log entry = %+v", entry)
	}
}

func TestProcessDropsEmptyURLs(t *testing.T) {
	items := newMemItemStore()
	logs := &memLogStore{}
	c := NewCoordinator(items, logs)

	res := &fetcher.FetchResult{
		Status: fetcher.FetchOK,
		Items: []fetcher.FetchedItem{
			{URL: "https://example.com/jobs/1", Title: "One"},
			{URL: "   ", Title: "No URL"},
		},
	}

	out, err := c.Process(context.Background(), testSource(), res)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Status != domain.IngestPartial {
		t.Errorf("status = %s, want partial after dropping an item", out.Status)
	}
	if out.New != 1 {
		t.Errorf("new = %d, want 1", out.New)
	}
}

func TestProcessFetchFailure(t *testing.T) {
	items := newMemItemStore()
	logs := &memLogStore{}
	c := NewCoordinator(items, logs)

	res := &fetcher.FetchResult{
		Status: fetcher.FetchFailed,
		Err:    errors.New("status 503"),
	}

	out, err := c.Process(context.Background(), testSource(), res)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Status != domain.IngestFailed {
		t.Errorf("status = %s, want failed", out.Status)
	}
	if len(logs.finished) != 1 {
		t.Fatalf("failed fetch left no log row")
	}
	entry := logs.finished[0]
	if entry.Status != domain.IngestFailed || entry.ErrorMessage == nil {
		t.Errorf("log entry = %+v", entry)
	}
	if len(items.byHash) != 0 {
		t.Errorf("failed fetch created items")
	}
}

func TestProcessStorageErrorPropagates(t *testing.T) {
	items := newMemItemStore()
	items.err = errors.New("db down")
	logs := &memLogStore{}
	c := NewCoordinator(items, logs)

	res := &fetcher.FetchResult{
		Status: fetcher.FetchOK,
		Items:  []fetcher.FetchedItem{{URL: "https://example.com/1", Title: "x"}},
	}

	if _, err := c.Process(context.Background(), testSource(), res); err == nil {
		t.Fatalf("storage error swallowed")
	}
}
