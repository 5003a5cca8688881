// Package ledger implements the Concurrency Ledger (spec.md §4.2): a soft
// upper bound on in-flight upstream requests per source, enforced with
// atomic Redis INCR/DECR and a stuck-lock TTL guard.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the narrow slice of *redis.Client the ledger depends on,
// kept as an interface so tests can supply a fake — the same technique
// the teacher's RateLimiter and Deduplicator use for their Redis boundary.
type RedisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Decr(ctx context.Context, key string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// defaultStuckLockTTL guards against a permanently stuck slot if a process
// dies mid-relay. It is not a request deadline — well-behaved requests
// always call Release explicitly.
const defaultStuckLockTTL = 600 * time.Second

func keyFor(sourceID string) string {
	return fmt.Sprintf("concurrency:%s", sourceID)
}

// Ledger is the Concurrency Ledger.
type Ledger struct {
	redis        RedisClient
	logger       *slog.Logger
	stuckLockTTL time.Duration
}

// New creates a Ledger backed by the given Redis client. lockTTL, if
// zero, defaults to 600s.
func New(rdb RedisClient, logger *slog.Logger, lockTTL time.Duration) *Ledger {
	if lockTTL == 0 {
		lockTTL = defaultStuckLockTTL
	}
	return &Ledger{redis: rdb, logger: logger, stuckLockTTL: lockTTL}
}

// Result is the outcome of a TryAcquire call.
type Result struct {
	Allowed bool
	Current int64
}

// TryAcquire atomically increments the counter at concurrency:{sourceId}.
// If the new value is 1, it sets the stuck-lock TTL (600s unless New was
// given another value). If the new
// value exceeds limit, it atomically rolls back (decrements) and reports
// denial — a try-then-rollback strategy that avoids the TOCTOU race a
// naive check-then-increment would have between concurrent acquirers.
//
// limit == 0 disables acquisition for this source entirely: TryAcquire
// returns {allowed:false} without mutating anything.
func (l *Ledger) TryAcquire(ctx context.Context, sourceID string, limit int) (Result, error) {
	if limit == 0 {
		return Result{Allowed: false}, nil
	}

	key := keyFor(sourceID)
	current, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("incrementing concurrency counter %s: %w", key, err)
	}

	if current == 1 {
		if err := l.redis.Expire(ctx, key, l.stuckLockTTL).Err(); err != nil {
			l.logger.Warn("setting concurrency counter TTL", "error", err, "source", sourceID)
		}
	}

	if current > int64(limit) {
		if _, err := l.redis.Decr(ctx, key).Result(); err != nil {
			l.logger.Warn("rolling back concurrency counter", "error", err, "source", sourceID)
		}
		return Result{Allowed: false, Current: current - 1}, nil
	}

	return Result{Allowed: true, Current: current}, nil
}

// Release decrements the counter at concurrency:{sourceId}. It is
// best-effort: any error is logged but never propagated, per spec.md §4.1
// failure semantics for decrement_concurrency. If the result goes
// negative (should not happen under correct pairing, but can under a
// crash-and-restart race against the TTL reclaim) it clamps back to 0.
func (l *Ledger) Release(ctx context.Context, sourceID string) {
	key := keyFor(sourceID)
	current, err := l.redis.Decr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("releasing concurrency slot", "error", err, "source", sourceID)
		return
	}
	if current < 0 {
		if err := l.redis.Set(ctx, key, 0, l.stuckLockTTL).Err(); err != nil {
			l.logger.Warn("clamping concurrency counter to zero", "error", err, "source", sourceID)
		}
	}
}

// Read returns the current in-flight count for a source without mutating it.
func (l *Ledger) Read(ctx context.Context, sourceID string) (int64, error) {
	v, err := l.redis.Get(ctx, keyFor(sourceID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("reading concurrency counter %s: %w", sourceID, err)
	}
	return v, nil
}
