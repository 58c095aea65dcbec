package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/sentrycore/internal/domain"
)

type stubStore struct {
	users []string
	saved []*domain.BudgetDaily
}

func (s *stubStore) Snapshot(ctx context.Context, b *domain.BudgetDaily) error {
	s.saved = append(s.saved, b)
	return nil
}

func (s *stubStore) UserDailyCap(ctx context.Context, userID string, def float64) (float64, error) {
	return def, nil
}

func (s *stubStore) ActiveUsers(ctx context.Context) ([]string, error) {
	return s.users, nil
}

type stubReviver struct{ revived int64 }

func (s *stubReviver) ReviveSkipped(ctx context.Context, limit int) (int64, error) {
	return s.revived, nil
}

func newTestGovernor(t *testing.T, caps Caps) (*Governor, *stubStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := &stubStore{}
	return NewGovernor(client, store, caps), store
}

func TestReserveTokenCap(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernor(t, Caps{EmbeddingTokens: 10_000, JudgeTokens: 10_000, USD: 5, SoftFactor: 0.8})

	res, err := g.Reserve(ctx, "u1", domain.BudgetEmbedding, 6000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("first reserve denied")
	}

	// 6000 + 5000 would cross the 10k cap.
	res, err = g.Reserve(ctx, "u1", domain.BudgetEmbedding, 5000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Allowed {
		t.Fatalf("over-cap reserve allowed")
	}

	// Denial must not have charged anything: exactly 4000 still fits.
	res, err = g.Reserve(ctx, "u1", domain.BudgetEmbedding, 4000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("reserve after denial rejected; denied attempt leaked a charge")
	}

	usage, err := g.Usage(ctx, "u1", time.Now())
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.EmbeddingTokensEst != 10_000 {
		t.Errorf("embedding tokens = %d, want 10000", usage.EmbeddingTokensEst)
	}
}

func TestReserveKindsAreIndependent(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernor(t, Caps{EmbeddingTokens: 1000, JudgeTokens: 1000, USD: 5, SoftFactor: 0.8})

	if res, _ := g.Reserve(ctx, "u1", domain.BudgetEmbedding, 1000); !res.Allowed {
		t.Fatalf("embedding reserve denied")
	}
	// Judge pool is untouched by embedding spend.
	if res, _ := g.Reserve(ctx, "u1", domain.BudgetJudge, 1000); !res.Allowed {
		t.Fatalf("judge reserve denied after unrelated embedding spend")
	}
}

func TestReserveUSDCapAndSoftCutoff(t *testing.T) {
	ctx := context.Background()
	// $0.001 cap = 1000 micro-USD; judge tokens cost 0.60/MTok, so
	// 1000 tokens = 600 micro.
	g, _ := newTestGovernor(t, Caps{EmbeddingTokens: 100_000, JudgeTokens: 100_000, USD: 0.001, SoftFactor: 0.8})

	res, err := g.Reserve(ctx, "u1", domain.BudgetJudge, 1000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.Allowed || res.Soft {
		t.Fatalf("first reserve = allowed %v soft %v, want allowed hard", res.Allowed, res.Soft)
	}

	// 600 + 240 = 840 micro, past the 800 soft line but under the cap.
	res, err = g.Reserve(ctx, "u1", domain.BudgetJudge, 400)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.Allowed || !res.Soft {
		t.Fatalf("soft-zone reserve = allowed %v soft %v, want allowed soft", res.Allowed, res.Soft)
	}

	// 840 + 600 would cross 1000 micro.
	res, err = g.Reserve(ctx, "u1", domain.BudgetJudge, 1000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Allowed {
		t.Fatalf("over-USD-cap reserve allowed")
	}
}

func TestFlags(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernor(t, Caps{EmbeddingTokens: 100_000, JudgeTokens: 100, USD: 5, SoftFactor: 0.8})

	f := g.Flags(ctx, "fresh-user")
	if f.EmbeddingDisabled || f.JudgeDisabled || f.SoftCutoff {
		t.Errorf("fresh user flagged: %+v", f)
	}

	if res, _ := g.Reserve(ctx, "heavy-user", domain.BudgetJudge, 100); !res.Allowed {
		t.Fatalf("setup reserve denied")
	}
	f = g.Flags(ctx, "heavy-user")
	if !f.JudgeDisabled {
		t.Errorf("judge not disabled at token cap: %+v", f)
	}
	if f.EmbeddingDisabled {
		t.Errorf("embedding disabled by judge exhaustion: %+v", f)
	}
}

func TestFlagsCached(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernor(t, Caps{EmbeddingTokens: 100_000, JudgeTokens: 100, USD: 5, SoftFactor: 0.8})

	before := g.Flags(ctx, "u1")
	if before.JudgeDisabled {
		t.Fatalf("unexpected initial flags: %+v", before)
	}

	if res, _ := g.Reserve(ctx, "u1", domain.BudgetJudge, 100); !res.Allowed {
		t.Fatalf("setup reserve denied")
	}

	// Within the cache TTL the stale value holds.
	if after := g.Flags(ctx, "u1"); after.JudgeDisabled {
		t.Errorf("flags recomputed inside cache window")
	}
}

func TestSnapshotAllSkipsIdleUsers(t *testing.T) {
	ctx := context.Background()
	g, store := newTestGovernor(t, Caps{})
	store.users = []string{"busy", "idle"}

	if res, _ := g.Reserve(ctx, "busy", domain.BudgetEmbedding, 500); !res.Allowed {
		t.Fatalf("setup reserve denied")
	}

	if err := g.SnapshotAll(ctx, time.Now()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(store.saved))
	}
	if store.saved[0].UserID != "busy" || store.saved[0].EmbeddingTokensEst != 500 {
		t.Errorf("snapshot = %+v", store.saved[0])
	}
}

func TestRolloverRevivesAndClearsFlags(t *testing.T) {
	ctx := context.Background()
	g, store := newTestGovernor(t, Caps{EmbeddingTokens: 100_000, JudgeTokens: 100, USD: 5, SoftFactor: 0.8})
	store.users = []string{"u1"}

	// Warm the cache with a clean verdict, then exhaust the budget.
	if f := g.Flags(ctx, "u1"); f.JudgeDisabled {
		t.Fatalf("unexpected initial flags")
	}
	if res, _ := g.Reserve(ctx, "u1", domain.BudgetJudge, 100); !res.Allowed {
		t.Fatalf("setup reserve denied")
	}

	reviver := &stubReviver{revived: 7}
	if err := g.Rollover(ctx, reviver, time.Now()); err != nil {
		t.Fatalf("rollover: %v", err)
	}

	// The rollover dropped the cache, so the exhausted state shows.
	if f := g.Flags(ctx, "u1"); !f.JudgeDisabled {
		t.Errorf("flags cache not cleared by rollover")
	}
}

func TestDate(t *testing.T) {
	ts := time.Date(2025, 6, 1, 23, 30, 0, 0, time.FixedZone("JST", 9*3600))
	if got := Date(ts); got != "2025-06-01" {
		t.Errorf("Date = %q, want UTC date 2025-06-01", got)
	}
}
