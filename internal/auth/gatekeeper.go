package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/KAPSULA1/relaydesk/internal/model"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

// minProtocolTokenLength 子協定欄位中可視為令牌的最短長度
const minProtocolTokenLength = 20

// TokenVerifier 握手驗證需要的令牌操作
type TokenVerifier interface {
	ValidateAccess(ctx context.Context, token string) (*Claims, error)
	VerifyWSToken(ctx context.Context, tokenID string) (*WSTokenPayload, error)
}

// RoomFinder 查詢啟用中的房間
type RoomFinder interface {
	GetActiveRoom(ctx context.Context, slug string) (*model.Room, error)
}

// Gatekeeper 驗證 WebSocket 握手
//
// 兩道檢查都通過才允許升級連線：
//  1. 憑證：JWT access token 或一次性 WebSocket 令牌
//  2. 房間：存在且啟用中
type Gatekeeper struct {
	tokens TokenVerifier
	users  UserLookup
	rooms  RoomFinder
	logger *slog.Logger
}

// NewGatekeeper 創建握手驗證器
func NewGatekeeper(tokens TokenVerifier, users UserLookup, rooms RoomFinder, logger *slog.Logger) *Gatekeeper {
	return &Gatekeeper{
		tokens: tokens,
		users:  users,
		rooms:  rooms,
		logger: logger,
	}
}

// Admit 驗證握手請求並返回連線身份
//
// 錯誤碼：UNAUTHENTICATED（憑證問題）、NOT_FOUND（房間問題），
// 共享儲存失敗時為 SERVICE_UNAVAILABLE。
func (g *Gatekeeper) Admit(ctx context.Context, r *http.Request, roomSlug string) (model.Identity, error) {
	token, ok := ExtractToken(r)
	if !ok {
		return model.Identity{}, apperrors.ErrUnauthenticated.WithDetails("no credential in handshake")
	}

	identity, err := g.authenticate(ctx, token)
	if err != nil {
		return model.Identity{}, err
	}

	if _, err := g.rooms.GetActiveRoom(ctx, roomSlug); err != nil {
		return model.Identity{}, err
	}

	return identity, nil
}

// authenticate 依憑證形狀選擇驗證方式
func (g *Gatekeeper) authenticate(ctx context.Context, token string) (model.Identity, error) {
	if !looksLikeJWT(token) {
		payload, err := g.tokens.VerifyWSToken(ctx, token)
		if err != nil {
			return model.Identity{}, err
		}
		if payload == nil {
			return model.Identity{}, apperrors.ErrInvalidToken.WithDetails("unknown or used ws token")
		}
		return payload.Identity(), nil
	}

	claims, err := g.tokens.ValidateAccess(ctx, token)
	if err != nil {
		return model.Identity{}, err
	}

	user, err := g.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return model.Identity{}, apperrors.Wrap(err, apperrors.ErrCodeUnauthenticated, "token subject no longer exists")
		}
		return model.Identity{}, err
	}
	if !user.IsActive {
		return model.Identity{}, apperrors.ErrUnauthenticated.WithDetails("user is inactive")
	}

	return user.Identity(), nil
}

// ExtractToken 從握手請求取出憑證
//
// 優先順序：
//  1. 查詢參數 token
//  2. Sec-WebSocket-Protocol 中第一個夠長且不是 "bearer" 的項目
func ExtractToken(r *http.Request) (string, bool) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}

	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, part := range strings.Split(header, ",") {
			part = strings.TrimSpace(part)
			if strings.EqualFold(part, "bearer") {
				continue
			}
			if len(part) > minProtocolTokenLength {
				return part, true
			}
		}
	}

	return "", false
}

// looksLikeJWT header.payload.signature
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
