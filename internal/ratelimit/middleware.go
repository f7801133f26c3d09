package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

// 預設類別名稱
const (
	CategoryDefault = "default"
	CategoryAuth    = "auth"
	CategoryAPI     = "api"
)

// CategoryPrefix 路徑前綴對應的限流類別
type CategoryPrefix struct {
	Prefix   string
	Category string
}

// Policy 限流中介軟體設定
type Policy struct {
	// Rules 每個類別的額度，必須包含 CategoryDefault
	Rules map[string]Rule

	// Categories 依序比對路徑前綴，第一個符合的決定類別；都不符合時為 default
	Categories []CategoryPrefix

	// Bypass 完全不限流的路徑前綴（管理介面）
	Bypass []string

	// UserID 從請求取出已驗證的用戶 ID，沒有時返回空字串
	UserID func(r *http.Request) string

	// FailOpen Redis 不可用時放行請求
	// Trade-off: 可用性 > 精確限流
	FailOpen bool

	// Timeout 單次 Redis 檢查的逾時
	Timeout time.Duration
}

// DefaultCategories 預設的路徑分類
func DefaultCategories() []CategoryPrefix {
	return []CategoryPrefix{
		{Prefix: "/api/auth/", Category: CategoryAuth},
		{Prefix: "/api/", Category: CategoryAPI},
	}
}

// category 依路徑選擇類別
func (p *Policy) category(path string) string {
	for _, c := range p.Categories {
		if strings.HasPrefix(path, c.Prefix) {
			return c.Category
		}
	}
	return CategoryDefault
}

// bypassed 是否為管理路徑
func (p *Policy) bypassed(path string) bool {
	for _, prefix := range p.Bypass {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ClientKey 產生限流 client key
//
// 已驗證：user:<id>
// 未驗證：ip:<X-Forwarded-For 第一個位址，或連線來源位址>
func ClientKey(r *http.Request, userID string) string {
	if userID != "" {
		return "user:" + userID
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware 建立限流中介軟體
//
// 使用範例：
//
//	limiter := ratelimit.NewLimiter(redisClient)
//	r.Use(ratelimit.Middleware(limiter, ratelimit.Policy{
//	    Rules: map[string]ratelimit.Rule{
//	        ratelimit.CategoryDefault: {MaxRequests: 100, Window: time.Minute},
//	    },
//	    Categories: ratelimit.DefaultCategories(),
//	}, logger))
func Middleware(limiter *Limiter, policy Policy, logger *slog.Logger) func(http.Handler) http.Handler {
	if policy.Timeout <= 0 {
		policy.Timeout = 100 * time.Millisecond
	}
	if policy.UserID == nil {
		policy.UserID = func(*http.Request) string { return "" }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if policy.bypassed(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			category := policy.category(r.URL.Path)
			rule, ok := policy.Rules[category]
			if !ok {
				rule = policy.Rules[CategoryDefault]
			}
			key := Key(category, ClientKey(r, policy.UserID(r)))

			// 設定逾時上下文（避免 Redis 呼叫過久）
			ctx, cancel := context.WithTimeout(r.Context(), policy.Timeout)
			decision, err := limiter.Allow(ctx, rule, key)
			cancel()

			if err != nil {
				logger.WarnContext(r.Context(), "限流檢查失敗", "key", key, "fail_open", policy.FailOpen, "error", err)
				if policy.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "Rate limiter unavailable"})
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))

			if !decision.Allowed {
				retryAfter := decision.RetryAfterSeconds()
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				w.Header().Set("X-RateLimit-Remaining", "0")
				logger.InfoContext(r.Context(), "請求被限流", "key", key, "retry_after", retryAfter, "error", apperrors.ErrRateLimitExceeded)
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":       "Rate limit exceeded",
					"retry_after": retryAfter,
				})
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
