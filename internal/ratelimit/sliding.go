package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Each request is a sorted-set member scored by its arrival time in
// milliseconds. Trimming, counting and recording happen in one script so
// concurrent requests cannot overshoot the limit.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, 0}
end

local retry = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, retry}
`)

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// SlidingWindow allows at most Limit requests per key in any trailing Window.
type SlidingWindow struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewSlidingWindow(rdb redis.Scripter, limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{rdb: rdb, limit: limit, window: window, now: time.Now}
}

func Key(route string, userID uint64) string {
	return fmt.Sprintf("ratelimit:%s:%d", route, userID)
}

func (l *SlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, l.rdb, []string{key},
		now, l.window.Milliseconds(), l.limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}
