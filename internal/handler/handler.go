// Package handler 提供 relaydesk 的 HTTP API
//
// 路由分兩層：
//   - /ws/chat/{room_slug}/ 直接交給訊息閘道（需要 Hijack，不經過包裝 ResponseWriter 的中介軟體）
//   - 其他路由經過 request id → 存取日誌 → recover → CORS → 選擇性驗證 → 限流
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/KAPSULA1/relaydesk/internal/auth"
	"github.com/KAPSULA1/relaydesk/internal/channel"
	"github.com/KAPSULA1/relaydesk/internal/model"
	"github.com/KAPSULA1/relaydesk/internal/presence"
	"github.com/KAPSULA1/relaydesk/internal/ratelimit"
	"github.com/KAPSULA1/relaydesk/internal/store"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
	"github.com/KAPSULA1/relaydesk/pkg/logger"
)

// TokenService 令牌管理
type TokenService interface {
	CreateTokens(ctx context.Context, id model.Identity) (*auth.TokenPair, error)
	ValidateAccess(ctx context.Context, token string) (*auth.Claims, error)
	CreateWSToken(ctx context.Context, id model.Identity) (string, error)
	WSTokenTTL() time.Duration
	RotateRefresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Revoke(ctx context.Context, refreshToken string) error
	RevokeAccess(ctx context.Context, claims *auth.Claims) error
}

// PresenceReader 在線名單讀取
type PresenceReader interface {
	List(ctx context.Context, roomSlug string) ([]presence.Member, error)
}

// EventPublisher 房間事件廣播
type EventPublisher interface {
	Publish(ctx context.Context, group string, ev channel.Event) error
}

// Check 就緒檢查項目
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Deps 處理器依賴
type Deps struct {
	Tokens   TokenService
	Store    store.Store
	Presence PresenceReader

	// Publisher 為 nil 時 REST 建立的訊息只寫入存儲，不即時廣播
	Publisher EventPublisher
	// MaxMessageLength 小於等於 0 時使用 store.MaxMessageLength
	MaxMessageLength int

	// WebSocket /ws/chat/{room_slug}/ 的處理函式
	WebSocket http.HandlerFunc
	// Stats 每個房間在本實例上的連線數
	Stats func() map[string]int

	// Limiter 為 nil 時不限流
	Limiter   *ratelimit.Limiter
	RateLimit ratelimit.Policy

	Checks         []Check
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Handler HTTP 請求處理器
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// New 建立 HTTP 處理器
func New(deps Deps) *Handler {
	return &Handler{deps: deps, logger: deps.Logger}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.deps.WebSocket != nil {
		r.Get("/ws/chat/{room_slug}/", h.deps.WebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(h.requestContext)
		r.Use(h.loggerMiddleware)
		r.Use(h.recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.deps.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Retry-After", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(h.authenticate)
		if h.deps.Limiter != nil {
			policy := h.deps.RateLimit
			policy.UserID = func(r *http.Request) string {
				if claims := ClaimsFrom(r.Context()); claims != nil {
					return claims.Subject
				}
				return ""
			}
			r.Use(ratelimit.Middleware(h.deps.Limiter, policy, h.logger))
		}

		r.Route("/api/auth", func(r chi.Router) {
			r.Post("/login", h.login)
			r.Post("/refresh", h.refresh)
			r.Post("/logout", h.logout)
			r.With(h.requireAuth).Post("/ws-token", h.wsToken)
			r.With(h.requireAuth).Get("/me", h.me)
		})

		r.Route("/api/rooms", func(r chi.Router) {
			r.Get("/", h.listRooms)
			r.With(h.requireAuth).Post("/", h.createRoom)
			r.Get("/{slug}", h.getRoom)
			r.Get("/{slug}/messages", h.listMessages)
			r.With(h.requireAuth).Post("/{slug}/messages", h.postMessage)
		})

		r.With(h.requireAuth).Get("/api/presence/{room_slug}/", h.getPresence)
		r.With(h.requireAuth).Get("/presence/{room_slug}/", h.getPresence)

		r.With(h.requireAuth).Get("/admin/stats", h.stats)

		r.Get("/health", h.health)
		r.Get("/ready", h.ready)
	})

	return r
}

// 請求上下文

type claimsKey struct{}

// ClaimsFrom 取出已驗證的存取令牌聲明，未驗證時返回 nil
func ClaimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims
}

// requestContext 將 request id 放入日誌上下文並回傳給客戶端
func (h *Handler) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), requestID)))
	})
}

// authenticate 選擇性驗證：有效的 Bearer 令牌才放入上下文，無效時視為匿名
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := h.deps.Tokens.ValidateAccess(r.Context(), strings.TrimSpace(token))
		if err != nil {
			h.logger.DebugContext(r.Context(), "忽略無效的存取令牌", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		ctx = logger.WithUserID(ctx, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuth 未驗證時返回 401
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ClaimsFrom(r.Context()) == nil {
			h.errorResponse(w, r, apperrors.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggerMiddleware 存取日誌
func (h *Handler) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(ww, r)

		h.logger.InfoContext(r.Context(), "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	})
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, r, apperrors.New(apperrors.ErrCodeInternal, "internal server error"))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// 回應

// statusFor 將錯誤碼對應到 HTTP 狀態碼
func statusFor(err error) int {
	switch apperrors.Code(err) {
	case apperrors.ErrCodeUnauthenticated, apperrors.ErrCodeTokenRotation:
		return http.StatusUnauthorized
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeAlreadyExists:
		return http.StatusConflict
	case apperrors.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
//
// 5xx 的內部細節只寫進日誌，不回給客戶端。
func (h *Handler) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := apperrors.Code(err)

	message := http.StatusText(status)
	if appErr := asAppError(err); appErr != nil && status < http.StatusInternalServerError {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "請求處理失敗", "path", r.URL.Path, "error", err)
	}

	h.jsonResponse(w, map[string]any{
		"error": message,
		"code":  code,
	}, status)
}

func asAppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// decodeJSON 解析請求主體
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}
