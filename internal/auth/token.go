// Package auth 實作令牌管理與 WebSocket 握手驗證。
//
// 系統設計問題：
//
//	多個服務實例如何共享令牌撤銷狀態？
//
// 核心挑戰：
//  1. 一次性令牌：同一個 WebSocket 令牌不能被兩個並發握手同時使用
//  2. 令牌輪替：舊的 refresh token 輪替後必須立即失效
//  3. 多實例：撤銷狀態不能放在單一程序的記憶體
//
// 設計方案：
//
//	✅ JWT（HS256）- access / refresh 自包含憑證，各自帶 jti
//	✅ Redis GETDEL - 一次性令牌原子讀取並刪除
//	✅ Redis SET NX + TTL - 黑名單項目隨原令牌剩餘壽命過期
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/KAPSULA1/relaydesk/internal/model"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

// Redis key 前綴
const (
	refreshKeyPrefix   = "token:refresh:"
	blacklistKeyPrefix = "token:blacklist:"
	wsKeyPrefix        = "token:ws:"
)

// TokenType 令牌種類
type TokenType string

const (
	TokenAccess    TokenType = "access"
	TokenRefresh   TokenType = "refresh"
	TokenWebSocket TokenType = "websocket"
)

// Claims JWT 聲明
type Claims struct {
	jwt.RegisteredClaims
	Username  string    `json:"username"`
	TokenType TokenType `json:"token_type"`
}

// Identity 返回令牌主體
func (c *Claims) Identity() model.Identity {
	return model.Identity{ID: c.Subject, Username: c.Username}
}

// TokenPair 登入或輪替後發給客戶端的令牌組
type TokenPair struct {
	Access         string  `json:"access"`
	Refresh        string  `json:"refresh"`
	AccessExpires  float64 `json:"access_expires"`
	RefreshExpires float64 `json:"refresh_expires"`
}

// WSTokenPayload 一次性 WebSocket 令牌在 Redis 中儲存的內容
type WSTokenPayload struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Type     TokenType `json:"type"`
}

// Identity 返回令牌主體
func (p *WSTokenPayload) Identity() model.Identity {
	return model.Identity{ID: p.UserID, Username: p.Username}
}

// UserLookup 解析令牌主體對應的用戶
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// ManagerConfig 令牌管理器設定
type ManagerConfig struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	WSTokenTTL time.Duration
}

// Manager 令牌管理器
//
// 系統設計考量：
//
//  1. 無狀態 vs 有狀態
//     - access / refresh 是自包含 JWT，驗證只需要簽章
//     - refresh jti 另外存一份在 Redis，可以在自然過期前撤銷
//     - 黑名單以 jti 為 key，TTL = 原令牌剩餘壽命，不需要清理任務
//
//  2. 原子性
//     - 一次性令牌用 GETDEL，兩個並發驗證只有一個會拿到內容
//     - 輪替用 GETDEL 消耗 refresh 記錄，同一個 refresh token 只能輪替一次
type Manager struct {
	rdb    redis.UniversalClient
	users  UserLookup
	cfg    ManagerConfig
	logger *slog.Logger
	now    func() time.Time
}

// Option 令牌管理器選項
type Option func(*Manager)

// WithClock 注入時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager 創建令牌管理器
func NewManager(rdb redis.UniversalClient, users UserLookup, cfg ManagerConfig, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.WSTokenTTL <= 0 {
		cfg.WSTokenTTL = 5 * time.Minute
	}

	m := &Manager{
		rdb:    rdb,
		users:  users,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WSTokenTTL 返回一次性令牌有效期
func (m *Manager) WSTokenTTL() time.Duration {
	return m.cfg.WSTokenTTL
}

// CreateTokens 發行 access / refresh 令牌組
func (m *Manager) CreateTokens(ctx context.Context, id model.Identity) (*TokenPair, error) {
	now := m.now()

	access, _, err := m.sign(id, TokenAccess, now, m.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}

	refresh, refreshJTI, err := m.sign(id, TokenRefresh, now, m.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}

	if err := m.rdb.Set(ctx, refreshKeyPrefix+refreshJTI, id.ID, m.cfg.RefreshTTL).Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "store refresh token")
	}

	return &TokenPair{
		Access:         access,
		Refresh:        refresh,
		AccessExpires:  m.cfg.AccessTTL.Seconds(),
		RefreshExpires: m.cfg.RefreshTTL.Seconds(),
	}, nil
}

// sign 簽發單一 JWT，返回令牌與 jti
func (m *Manager) sign(id model.Identity, typ TokenType, now time.Time, ttl time.Duration) (string, string, error) {
	jti := uuid.NewString()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   id.ID,
			Issuer:    m.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username:  id.Username,
		TokenType: typ,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.Secret)
	if err != nil {
		return "", "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return token, jti, nil
}

// parse 驗證簽章、過期時間與令牌種類
func (m *Manager) parse(tokenString string, want TokenType) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.cfg.Secret, nil
	},
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(m.cfg.Issuer),
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnauthenticated, "invalid or expired token")
	}
	if !token.Valid || claims.TokenType != want || claims.ID == "" || claims.Subject == "" {
		return nil, apperrors.ErrInvalidToken
	}
	return claims, nil
}

// ValidateAccess 驗證 access token
//
// 簽章與過期檢查通過，且 jti 不在黑名單中，才視為有效。
func (m *Manager) ValidateAccess(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := m.parse(tokenString, TokenAccess)
	if err != nil {
		return nil, err
	}

	revoked, err := m.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, apperrors.ErrInvalidToken.WithDetails("token revoked")
	}
	return claims, nil
}

// CreateWSToken 發行一次性 WebSocket 令牌
func (m *Manager) CreateWSToken(ctx context.Context, id model.Identity) (string, error) {
	tokenID := uuid.NewString()
	payload, err := json.Marshal(WSTokenPayload{
		UserID:   id.ID,
		Username: id.Username,
		Type:     TokenWebSocket,
	})
	if err != nil {
		return "", fmt.Errorf("encode ws token payload: %w", err)
	}

	if err := m.rdb.Set(ctx, wsKeyPrefix+tokenID, payload, m.cfg.WSTokenTTL).Err(); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "store ws token")
	}
	return tokenID, nil
}

// VerifyWSToken 消耗一次性 WebSocket 令牌
//
// GETDEL 是單一原子指令：並發呼叫中最多一個會拿到內容。
// 令牌不存在或已被使用時返回 (nil, nil)。
func (m *Manager) VerifyWSToken(ctx context.Context, tokenID string) (*WSTokenPayload, error) {
	data, err := m.rdb.GetDel(ctx, wsKeyPrefix+tokenID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "consume ws token")
	}

	var payload WSTokenPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode ws token payload: %w", err)
	}
	if payload.Type != TokenWebSocket || payload.UserID == "" {
		return nil, nil
	}
	return &payload, nil
}

// Blacklist 撤銷 jti
//
// ttl 應為原令牌剩餘壽命；不知道時傳 0，使用 refresh token 壽命。
// 返回 false 表示 jti 原本就在黑名單中。
func (m *Manager) Blacklist(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.cfg.RefreshTTL
	}
	added, err := m.rdb.SetNX(ctx, blacklistKeyPrefix+jti, "1", ttl).Result()
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "blacklist token")
	}
	return added, nil
}

// IsBlacklisted 檢查 jti 是否已撤銷
func (m *Manager) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	n, err := m.rdb.Exists(ctx, blacklistKeyPrefix+jti).Result()
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "check blacklist")
	}
	return n > 0, nil
}

// RotateRefresh 以舊 refresh token 換發新令牌組
//
// 流程：
//  1. 解碼並驗證舊令牌
//  2. GETDEL 消耗 Redis 中的 refresh 記錄（不存在表示已輪替或已撤銷）
//  3. 將舊 jti 加入黑名單，TTL = 剩餘壽命
//  4. 解析用戶並發行新令牌組
//
// 任何失敗都返回 TOKEN_ROTATION_FAILURE，呼叫端必須重新登入。
func (m *Manager) RotateRefresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := m.parse(refreshToken, TokenRefresh)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeTokenRotation, "invalid refresh token")
	}

	revoked, err := m.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, apperrors.ErrTokenRotation.WithDetails("refresh token revoked")
	}

	owner, err := m.rdb.GetDel(ctx, refreshKeyPrefix+claims.ID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.ErrTokenRotation.WithDetails("refresh token already used")
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "consume refresh token")
	}
	if owner != claims.Subject {
		return nil, apperrors.ErrTokenRotation.WithDetails("refresh token subject mismatch")
	}

	if _, err := m.Blacklist(ctx, claims.ID, m.remaining(claims)); err != nil {
		return nil, err
	}

	user, err := m.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeTokenRotation, "token subject no longer exists")
		}
		return nil, fmt.Errorf("resolve token subject: %w", err)
	}
	if !user.IsActive {
		return nil, apperrors.ErrTokenRotation.WithDetails("token subject is inactive")
	}

	m.logger.DebugContext(ctx, "refresh token 已輪替", "user_id", user.ID, "old_jti", claims.ID)

	return m.CreateTokens(ctx, user.Identity())
}

// Revoke 登出時撤銷 refresh token
func (m *Manager) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := m.parse(refreshToken, TokenRefresh)
	if err != nil {
		return err
	}

	if _, err := m.Blacklist(ctx, claims.ID, m.remaining(claims)); err != nil {
		return err
	}
	if err := m.rdb.Del(ctx, refreshKeyPrefix+claims.ID).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "delete refresh token")
	}
	return nil
}

// RevokeAccess 登出時撤銷仍有效的 access token
func (m *Manager) RevokeAccess(ctx context.Context, claims *Claims) error {
	_, err := m.Blacklist(ctx, claims.ID, m.remaining(claims))
	return err
}

// remaining 令牌剩餘壽命
func (m *Manager) remaining(claims *Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return 0
	}
	left := claims.ExpiresAt.Sub(m.now())
	if left < time.Second {
		return time.Second
	}
	return left
}
