package handler

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/KAPSULA1/relaydesk/internal/auth"
	"github.com/KAPSULA1/relaydesk/internal/model"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

// errInvalidCredentials 登入失敗（不區分用戶不存在或密碼錯誤）
var errInvalidCredentials = apperrors.New(apperrors.ErrCodeUnauthenticated, "invalid username or password")

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	*auth.TokenPair
	User model.Identity `json:"user"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// login 帳號密碼登入，返回令牌組
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		h.errorResponse(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "username and password are required"))
		return
	}

	user, err := h.deps.Store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if apperrors.IsNotFound(err) {
			h.errorResponse(w, r, errInvalidCredentials)
			return
		}
		h.errorResponse(w, r, err)
		return
	}
	if !user.IsActive {
		h.errorResponse(w, r, errInvalidCredentials)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		h.errorResponse(w, r, errInvalidCredentials)
		return
	}

	pair, err := h.deps.Tokens.CreateTokens(r.Context(), user.Identity())
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "用戶登入", "user_id", user.ID)
	h.jsonResponse(w, loginResponse{TokenPair: pair, User: user.Identity()}, http.StatusOK)
}

// refresh 輪替刷新令牌
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	if req.Refresh == "" {
		h.errorResponse(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "refresh token is required"))
		return
	}

	pair, err := h.deps.Tokens.RotateRefresh(r.Context(), req.Refresh)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, pair, http.StatusOK)
}

// logout 撤銷刷新令牌；帶著存取令牌時一併撤銷
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	if req.Refresh == "" {
		h.errorResponse(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "refresh token is required"))
		return
	}

	if err := h.deps.Tokens.Revoke(r.Context(), req.Refresh); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	if claims := ClaimsFrom(r.Context()); claims != nil {
		if err := h.deps.Tokens.RevokeAccess(r.Context(), claims); err != nil {
			h.logger.WarnContext(r.Context(), "撤銷存取令牌失敗", "error", err)
		}
	}

	h.jsonResponse(w, map[string]any{"detail": "logged out"}, http.StatusOK)
}

// wsToken 發行一次性 WebSocket 令牌
func (h *Handler) wsToken(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())

	token, err := h.deps.Tokens.CreateWSToken(r.Context(), claims.Identity())
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"token":      token,
		"expires_in": int64(h.deps.Tokens.WSTokenTTL().Seconds()),
	}, http.StatusOK)
}

// me 目前登入的身份
func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, ClaimsFrom(r.Context()).Identity(), http.StatusOK)
}
