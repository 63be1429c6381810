package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stitchhq/stitch/common/logger"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Result contains the outcome of a rate limit check.
type Result struct {
	Allowed           bool  // Whether the request is allowed
	CurrentCount      int64 // Current count in the window
	Limit             int64 // The limit that was checked
	RetryAfterSeconds int64 // Seconds until the window resets (0 if allowed)
}

// Limiter provides per-client-IP rate limiting using Redis + Lua.
// The counter update and the limit check run atomically server-side, so
// concurrent ingestion endpoints on separate engine replicas share one
// budget.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	log    *logger.Logger
}

// New creates a limiter with the embedded Lua script.
func New(redisClient *redis.Client, log *logger.Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		log:    log,
	}
}

// CheckIP checks a named per-IP limit over a one-minute window.
// Scope separates budgets (e.g. "api" vs "webhook") for the same client.
func (l *Limiter) CheckIP(ctx context.Context, scope, ip string, limit int64) (*Result, error) {
	key := fmt.Sprintf("rate_limit:%s:%s", scope, ip)
	return l.check(ctx, key, limit, 60)
}

func (l *Limiter) check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	raw, err := l.script.Run(ctx, l.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		l.log.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// Script returns {allowed, current_count, limit, retry_after}
	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	result := &Result{
		Allowed:           arr[0].(int64) == 1,
		CurrentCount:      arr[1].(int64),
		Limit:             arr[2].(int64),
		RetryAfterSeconds: arr[3].(int64),
	}

	if !result.Allowed {
		l.log.Warn("rate limit exceeded",
			"key", key,
			"current", result.CurrentCount,
			"limit", limit,
			"retry_after", result.RetryAfterSeconds)
	}

	return result, nil
}

// Reset clears a rate limit counter (for testing/admin).
func (l *Limiter) Reset(ctx context.Context, scope, ip string) error {
	return l.redis.Del(ctx, fmt.Sprintf("rate_limit:%s:%s", scope, ip)).Err()
}
