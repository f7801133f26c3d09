package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/KAPSULA1/relaydesk/internal/channel"
	"github.com/KAPSULA1/relaydesk/internal/presence"
	"github.com/KAPSULA1/relaydesk/internal/store"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

type postMessageRequest struct {
	Content string `json:"content"`
}

type createRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// listRooms 列出啟用中的房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.deps.Store.ListActiveRooms(r.Context())
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"results": rooms,
		"count":   len(rooms),
	}, http.StatusOK)
}

// createRoom 建立房間
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorResponse(w, r, err)
		return
	}

	room, err := h.deps.Store.CreateRoom(r.Context(), store.CreateRoomInput{
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   ClaimsFrom(r.Context()).Subject,
	})
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "房間已建立", "room_slug", room.Slug)
	h.jsonResponse(w, room, http.StatusCreated)
}

// getRoom 房間詳情
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.deps.Store.GetActiveRoom(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, room, http.StatusOK)
}

// listMessages 房間訊息，由舊到新
//
// 查詢參數：limit（預設 50，上限 200）、before（RFC3339，只取更早的訊息）
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if _, err := h.deps.Store.GetActiveRoom(r.Context(), slug); err != nil {
		h.errorResponse(w, r, err)
		return
	}

	query := r.URL.Query()
	page := store.Page{}
	if l := query.Get("limit"); l != "" {
		val, err := strconv.Atoi(l)
		if err != nil || val <= 0 {
			h.errorResponse(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "limit must be a positive integer"))
			return
		}
		page.Limit = val
	}
	if b := query.Get("before"); b != "" {
		before, err := time.Parse(time.RFC3339Nano, b)
		if err != nil {
			h.errorResponse(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "before must be an RFC3339 timestamp"))
			return
		}
		page.Before = before
	}

	messages, err := h.deps.Store.ListMessages(r.Context(), slug, page)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"results": messages,
		"count":   len(messages),
	}, http.StatusOK)
}

// postMessage 以 REST 發送訊息
//
// 訊息先持久化再廣播到房間；廣播失敗只記錄日誌，訊息已經存在歷史中。
func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := chi.URLParam(r, "slug")
	if _, err := h.deps.Store.GetActiveRoom(ctx, slug); err != nil {
		h.errorResponse(w, r, err)
		return
	}

	var req postMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	content, err := store.ValidateMessageContent(req.Content, h.deps.MaxMessageLength)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	msg, err := h.deps.Store.CreateMessage(ctx, slug, ClaimsFrom(ctx).Identity(), content)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	if h.deps.Publisher != nil {
		if err := h.deps.Publisher.Publish(ctx, channel.RoomGroup(slug), channel.ChatMessage(msg)); err != nil {
			h.logger.WarnContext(ctx, "訊息已儲存但廣播失敗", "room_slug", slug, "message_id", msg.ID, "error", err)
		}
	}

	h.logger.InfoContext(ctx, "訊息已建立", "room_slug", slug, "message_id", msg.ID)
	h.jsonResponse(w, msg, http.StatusCreated)
}

// getPresence 房間在線名單
func (h *Handler) getPresence(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "room_slug")

	members, err := h.deps.Presence.List(r.Context(), slug)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	if members == nil {
		members = []presence.Member{}
	}

	h.jsonResponse(w, map[string]any{
		"room_slug":    slug,
		"online_users": members,
		"count":        len(members),
	}, http.StatusOK)
}
