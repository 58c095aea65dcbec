// Package delivery coalesces pending decisions into emails: the
// immediate buffer, batch windows, the daily digest, and the outbox
// drain behind them.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// BufferEntry is one immediate proposal waiting in a 5-minute bucket.
type BufferEntry struct {
	DecisionID string    `json:"decision_id"`
	ItemID     string    `json:"item_id"`
	Score      float64   `json:"score"`
	QueuedAt   time.Time `json:"queued_at"`
}

// bufferTTL keeps sealed buckets around long enough for a delayed flush.
const bufferTTL = 10 * time.Minute

const bufferIndexKey = "buffer:immediate:index"

// Buffer accumulates immediate proposals per (goal, 5-minute bucket) in
// Redis so every process sees one shared buffer.
type Buffer struct {
	redis *redis.Client
}

// NewBuffer creates an immediate buffer.
func NewBuffer(redisClient *redis.Client) *Buffer {
	return &Buffer{redis: redisClient}
}

// BucketOf returns the 5-minute UTC bucket index for t.
func BucketOf(t time.Time) int64 { return t.UTC().Unix() / 300 }

func bufferKey(goalID string, bucket int64) string {
	return fmt.Sprintf("buffer:immediate:%s:%d", goalID, bucket)
}

// Push appends a proposal to the goal's current bucket.
func (b *Buffer) Push(ctx context.Context, goalID, decisionID, itemID string, score float64, now time.Time) error {
	bucket := BucketOf(now)
	entry, err := json.Marshal(BufferEntry{
		DecisionID: decisionID,
		ItemID:     itemID,
		Score:      score,
		QueuedAt:   now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("buffer push: marshal: %w", err)
	}

	key := bufferKey(goalID, bucket)
	pipe := b.redis.TxPipeline()
	pipe.RPush(ctx, key, entry)
	pipe.Expire(ctx, key, bufferTTL)
	pipe.SAdd(ctx, bufferIndexKey, fmt.Sprintf("%s:%d", goalID, bucket))
	pipe.Expire(ctx, bufferIndexKey, bufferTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("buffer push: %w", err)
	}
	return nil
}

// SealedBucket is one drained (goal, bucket) pair.
type SealedBucket struct {
	GoalID  string
	Bucket  int64
	Entries []BufferEntry
}

// DrainSealed removes and returns every bucket strictly older than the
// current one. The current bucket stays open until the next flush.
func (b *Buffer) DrainSealed(ctx context.Context, now time.Time) ([]SealedBucket, error) {
	current := BucketOf(now)

	members, err := b.redis.SMembers(ctx, bufferIndexKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("buffer drain: index: %w", err)
	}

	var sealed []SealedBucket
	for _, member := range members {
		sep := strings.LastIndex(member, ":")
		if sep < 0 {
			b.redis.SRem(ctx, bufferIndexKey, member)
			continue
		}
		goalID := member[:sep]
		bucket, err := strconv.ParseInt(member[sep+1:], 10, 64)
		if err != nil {
			b.redis.SRem(ctx, bufferIndexKey, member)
			continue
		}
		if bucket >= current {
			continue
		}

		key := bufferKey(goalID, bucket)
		raws, err := b.redis.LRange(ctx, key, 0, -1).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("buffer drain %s: %w", key, err)
		}

		pipe := b.redis.TxPipeline()
		pipe.Del(ctx, key)
		pipe.SRem(ctx, bufferIndexKey, member)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("buffer drain %s: cleanup: %w", key, err)
		}

		sb := SealedBucket{GoalID: goalID, Bucket: bucket}
		for _, raw := range raws {
			var e BufferEntry
			if json.Unmarshal([]byte(raw), &e) == nil {
				sb.Entries = append(sb.Entries, e)
			}
		}
		if len(sb.Entries) > 0 {
			sealed = append(sealed, sb)
		}
	}
	return sealed, nil
}
