// Package budget meters model spend per user per UTC day. Hot counters
// live in Redis and are reserved atomically with a Lua script; Postgres
// keeps the durable daily snapshot.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/pkg/logger"
)

// Caps configures the per-user daily limits.
type Caps struct {
	EmbeddingTokens int64
	JudgeTokens     int64
	USD             float64
	// SoftFactor is the fraction of the USD cap past which non-essential
	// judge calls stop while embedding continues.
	SoftFactor float64
}

func (c *Caps) defaults() {
	if c.EmbeddingTokens <= 0 {
		c.EmbeddingTokens = 2_000_000
	}
	if c.JudgeTokens <= 0 {
		c.JudgeTokens = 500_000
	}
	if c.USD <= 0 {
		c.USD = 5.0
	}
	if c.SoftFactor <= 0 || c.SoftFactor >= 1 {
		c.SoftFactor = 0.8
	}
}

// Store is the durable side of the governor.
type Store interface {
	Snapshot(ctx context.Context, b *domain.BudgetDaily) error
	UserDailyCap(ctx context.Context, userID string, defaultCap float64) (float64, error)
	ActiveUsers(ctx context.Context) ([]string, error)
}

// ItemReviver re-queues items parked as skipped_budget.
type ItemReviver interface {
	ReviveSkipped(ctx context.Context, limit int) (int64, error)
}

// Reservation reports the outcome of one reserve call.
type Reservation struct {
	Allowed bool
	// Soft means the usage passed the soft cutoff: embedding proceeds,
	// judge calls should fall back to heuristics.
	Soft      bool
	UsedUSD   float64
	CapUSD    float64
	RequestID string
}

// usdPerMTok converts estimated tokens to estimated dollars.
// Conservative blended rates; exactness matters less than monotonicity.
const (
	embeddingUSDPerMTok = 0.02
	judgeUSDPerMTok     = 0.60
)

// reserveLuaScript atomically checks the token and USD caps and
// increments the day's counters only when every cap passes. Micro-dollar
// integers keep the arithmetic in Lua exact.
const reserveLuaScript = `
local tokKey = KEYS[1]
local usdKey = KEYS[2]
local tokens = tonumber(ARGV[1])
local microUSD = tonumber(ARGV[2])
local tokCap = tonumber(ARGV[3])
local microCap = tonumber(ARGV[4])
local softMicro = tonumber(ARGV[5])
local ttl = tonumber(ARGV[6])

local tokCur = tonumber(redis.call("GET", tokKey) or "0")
local usdCur = tonumber(redis.call("GET", usdKey) or "0")

if tokCur + tokens > tokCap then
    return {0, 0, usdCur}
end
if usdCur + microUSD > microCap then
    return {0, 0, usdCur}
end

local newTok = redis.call("INCRBY", tokKey, tokens)
if newTok == tokens then
    redis.call("EXPIRE", tokKey, ttl)
end
local newUSD = redis.call("INCRBY", usdKey, microUSD)
if newUSD == microUSD then
    redis.call("EXPIRE", usdKey, ttl)
end

local soft = 0
if newUSD >= softMicro then
    soft = 1
end
return {1, soft, newUSD}
`

// Governor is the budget gate. All reserve decisions go through Redis so
// concurrent workers across processes share one set of counters.
type Governor struct {
	redis *redis.Client
	store Store
	caps  Caps

	reserveScript *redis.Script

	mu          sync.Mutex
	flagsCache  map[string]domain.BudgetFlags
	flagsCached map[string]time.Time
}

// flagsTTL bounds how stale a cached cutoff flag can be.
const flagsTTL = 10 * time.Second

// counterTTL keeps day counters a bit past midnight for the rollover.
const counterTTL = 26 * 3600

// NewGovernor creates a budget governor.
func NewGovernor(redisClient *redis.Client, store Store, caps Caps) *Governor {
	caps.defaults()
	return &Governor{
		redis:         redisClient,
		store:         store,
		caps:          caps,
		reserveScript: redis.NewScript(reserveLuaScript),
		flagsCache:    make(map[string]domain.BudgetFlags),
		flagsCached:   make(map[string]time.Time),
	}
}

// Date returns the UTC budget date for now.
func Date(now time.Time) string { return now.UTC().Format("2006-01-02") }

func (g *Governor) tokenKey(userID, date string, kind domain.BudgetKind) string {
	return fmt.Sprintf("budget:%s:%s:%s:tokens", userID, date, kind)
}

func (g *Governor) usdKey(userID, date string) string {
	return fmt.Sprintf("budget:%s:%s:usd", userID, date)
}

// Reserve atomically charges tokens against the user's daily caps.
// A denied reservation leaves the counters untouched.
func (g *Governor) Reserve(ctx context.Context, userID string, kind domain.BudgetKind, tokens int64) (*Reservation, error) {
	date := Date(time.Now())

	capUSD, err := g.store.UserDailyCap(ctx, userID, g.caps.USD)
	if err != nil {
		logger.Warn("user cap lookup failed, using default", "user_id", userID, "error", err.Error())
		capUSD = g.caps.USD
	}

	tokCap := g.caps.EmbeddingTokens
	usdRate := embeddingUSDPerMTok
	if kind == domain.BudgetJudge {
		tokCap = g.caps.JudgeTokens
		usdRate = judgeUSDPerMTok
	}

	microUSD := int64(float64(tokens) / 1_000_000 * usdRate * 1_000_000)
	microCap := int64(capUSD * 1_000_000)
	softMicro := int64(capUSD * g.caps.SoftFactor * 1_000_000)

	result, err := g.reserveScript.Run(ctx, g.redis,
		[]string{g.tokenKey(userID, date, kind), g.usdKey(userID, date)},
		tokens, microUSD, tokCap, microCap, softMicro, counterTTL,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("budget reserve: %w", err)
	}

	allowed := result[0].(int64) == 1
	soft := result[1].(int64) == 1
	usedMicro := result[2].(int64)

	return &Reservation{
		Allowed: allowed,
		Soft:    soft,
		UsedUSD: float64(usedMicro) / 1_000_000,
		CapUSD:  capUSD,
	}, nil
}

// Flags returns the user's cutoff flags, cached for up to ten seconds.
// A hard cutoff on one kind of spend never blocks the other.
func (g *Governor) Flags(ctx context.Context, userID string) domain.BudgetFlags {
	g.mu.Lock()
	if cachedAt, ok := g.flagsCached[userID]; ok && time.Since(cachedAt) < flagsTTL {
		f := g.flagsCache[userID]
		g.mu.Unlock()
		return f
	}
	g.mu.Unlock()

	f := g.computeFlags(ctx, userID)

	g.mu.Lock()
	g.flagsCache[userID] = f
	g.flagsCached[userID] = time.Now()
	g.mu.Unlock()
	return f
}

func (g *Governor) computeFlags(ctx context.Context, userID string) domain.BudgetFlags {
	date := Date(time.Now())
	var f domain.BudgetFlags

	capUSD, err := g.store.UserDailyCap(ctx, userID, g.caps.USD)
	if err != nil {
		capUSD = g.caps.USD
	}

	pipe := g.redis.Pipeline()
	embCmd := pipe.Get(ctx, g.tokenKey(userID, date, domain.BudgetEmbedding))
	judgeCmd := pipe.Get(ctx, g.tokenKey(userID, date, domain.BudgetJudge))
	usdCmd := pipe.Get(ctx, g.usdKey(userID, date))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		// Redis down: fail open for embedding, closed for judge calls.
		logger.Warn("budget flags unavailable", "user_id", userID, "error", err.Error())
		return domain.BudgetFlags{JudgeDisabled: true}
	}

	embTok, _ := embCmd.Int64()
	judgeTok, _ := judgeCmd.Int64()
	usedMicro, _ := usdCmd.Int64()
	usedUSD := float64(usedMicro) / 1_000_000

	f.EmbeddingDisabled = embTok >= g.caps.EmbeddingTokens || usedUSD >= capUSD
	f.JudgeDisabled = judgeTok >= g.caps.JudgeTokens || usedUSD >= capUSD
	f.SoftCutoff = usedUSD >= capUSD*g.caps.SoftFactor
	return f
}

// Usage reads the day's Redis counters for one user.
func (g *Governor) Usage(ctx context.Context, userID string, now time.Time) (*domain.BudgetDaily, error) {
	date := Date(now)
	pipe := g.redis.Pipeline()
	embCmd := pipe.Get(ctx, g.tokenKey(userID, date, domain.BudgetEmbedding))
	judgeCmd := pipe.Get(ctx, g.tokenKey(userID, date, domain.BudgetJudge))
	usdCmd := pipe.Get(ctx, g.usdKey(userID, date))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("budget usage: %w", err)
	}

	embTok, _ := embCmd.Int64()
	judgeTok, _ := judgeCmd.Int64()
	usedMicro, _ := usdCmd.Int64()

	return &domain.BudgetDaily{
		UserID:             userID,
		Date:               date,
		EmbeddingTokensEst: embTok,
		JudgeTokensEst:     judgeTok,
		USDEst:             float64(usedMicro) / 1_000_000,
	}, nil
}

// SnapshotAll persists every active user's Redis counters to Postgres.
// Runs hourly; Snapshot uses GREATEST so replays never double count.
func (g *Governor) SnapshotAll(ctx context.Context, now time.Time) error {
	users, err := g.store.ActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("budget snapshot: %w", err)
	}
	for _, userID := range users {
		usage, err := g.Usage(ctx, userID, now)
		if err != nil {
			logger.Warn("budget usage read failed", "user_id", userID, "error", err.Error())
			continue
		}
		if usage.EmbeddingTokensEst == 0 && usage.JudgeTokensEst == 0 && usage.USDEst == 0 {
			continue
		}
		if err := g.store.Snapshot(ctx, usage); err != nil {
			logger.Warn("budget snapshot failed", "user_id", userID, "error", err.Error())
		}
	}
	return nil
}

// Rollover runs after midnight UTC: it snapshots yesterday's counters
// and revives items parked as skipped_budget so the new day's budget
// picks them up. Idempotent end to end.
func (g *Governor) Rollover(ctx context.Context, items ItemReviver, now time.Time) error {
	yesterday := now.UTC().Add(-24 * time.Hour)
	if err := g.SnapshotAll(ctx, yesterday); err != nil {
		return err
	}

	g.mu.Lock()
	g.flagsCache = make(map[string]domain.BudgetFlags)
	g.flagsCached = make(map[string]time.Time)
	g.mu.Unlock()

	revived, err := items.ReviveSkipped(ctx, 10_000)
	if err != nil {
		return fmt.Errorf("budget rollover: revive: %w", err)
	}
	if revived > 0 {
		logger.Info("budget rollover revived skipped items", "count", revived)
	}
	return nil
}
