// Package ratelimit 實作分散式滑動視窗限流。
//
// 設計考量：
//
// 為何需要分散式限流？
//   - 單機限流無法在多實例間共享狀態
//   - 範例：限制 100 req/min，3 個實例各自限流 → 實際 300 req/min
//
// 為何使用 Redis Sorted Set + Lua？
//   - Sorted Set：score 為請求時間，ZREMRANGEBYSCORE 清理過期請求，ZCARD 計數
//   - Lua：清理、計數、判斷、寫入在同一次呼叫完成，Redis 保證原子性
//
// 拒絕時返回 retry_after：
//
//	retry_after = window - (now - 視窗內最舊的請求時間)
//
// 等待這段時間後，最舊的請求滑出視窗，下一個請求會被允許。
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

// keyPrefix 限流 key 前綴
const keyPrefix = "rate_limit:"

// Rule 單一類別的額度
type Rule struct {
	MaxRequests int64
	Window      time.Duration
}

// Decision 限流判斷結果
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// RetryAfterSeconds 無條件進位的秒數，至少 1
func (d Decision) RetryAfterSeconds() int64 {
	if d.Allowed {
		return 0
	}
	secs := int64((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Lua 腳本：滑動視窗演算法
//
// KEYS[1]: Sorted Set 的 key
// ARGV[1]: 視窗大小（毫秒）
// ARGV[2]: 限制數量
// ARGV[3]: 當前時間（毫秒時間戳記）
// ARGV[4]: 請求 ID
//
// 返回值：{allowed, count, oldest}
//
//	allowed=1 時 count 為寫入後的請求數
//	allowed=0 時 oldest 為視窗內最舊請求的時間
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local request_id = ARGV[4]

-- 移除視窗外的請求（score <= now - window）
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local oldest_score = now
    if oldest[2] then
        oldest_score = tonumber(oldest[2])
    end
    return {0, count, oldest_score}
end

redis.call('ZADD', key, now, request_id)
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

// Limiter 分散式滑動視窗限流器
type Limiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

// Option 限流器選項
type Option func(*Limiter)

// WithClock 注入時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter 建立限流器
func NewLimiter(client redis.UniversalClient, opts ...Option) *Limiter {
	l := &Limiter{
		client: client,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key 組合限流 key
func Key(category, client string) string {
	return keyPrefix + category + ":" + client
}

// Allow 檢查 (category, client) 是否還有額度
//
// Redis 錯誤原樣回傳（包成 SERVICE_UNAVAILABLE），由呼叫端決定降級或拒絕。
func (l *Limiter) Allow(ctx context.Context, rule Rule, key string) (Decision, error) {
	now := l.now().UnixMilli()
	windowMs := rule.Window.Milliseconds()

	res, err := slidingWindowScript.Run(ctx, l.client, []string{key},
		windowMs,
		rule.MaxRequests,
		now,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "rate limit store unavailable")
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}

	d := Decision{Limit: rule.MaxRequests}
	if res[0] == 1 {
		d.Allowed = true
		d.Remaining = rule.MaxRequests - res[1]
		return d, nil
	}

	wait := windowMs - (now - res[2])
	if wait < 1 {
		wait = 1
	}
	d.RetryAfter = time.Duration(wait) * time.Millisecond
	return d, nil
}
