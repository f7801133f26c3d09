package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/KAPSULA1/relaydesk/internal/channel"
	"github.com/KAPSULA1/relaydesk/internal/model"
	"github.com/KAPSULA1/relaydesk/internal/presence"
	"github.com/KAPSULA1/relaydesk/internal/store"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

// FrameKind 入站訊框種類
type FrameKind string

// 入站訊框種類
const (
	FrameChat   FrameKind = "chat_message"
	FrameTyping FrameKind = "typing"
)

// FrameKinds 所有支援的入站訊框種類
func FrameKinds() []FrameKind {
	return []FrameKind{FrameChat, FrameTyping}
}

// InboundFrame 入站訊框
//
// 依 Kind 只有一個欄位有值：
//
//	chat_message  Chat
//	typing        Typing
type InboundFrame struct {
	Kind   FrameKind
	Chat   *ChatFrame
	Typing *TypingFrame
}

// ChatFrame {"type":"chat_message","message":"..."}
type ChatFrame struct {
	Message string
}

// TypingFrame {"type":"typing","is_typing":true}
type TypingFrame struct {
	IsTyping bool
}

// rawFrame 入站 JSON 的線上格式
type rawFrame struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	IsTyping bool   `json:"is_typing"`
}

// decodeFrame 解析入站訊框
//
// 缺少 type 時視為 chat_message。未知種類返回 Kind 但不填任何欄位，
// 由 dispatch 在處理表中找不到而略過。
func decodeFrame(data []byte) (InboundFrame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return InboundFrame{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "malformed frame")
	}

	kind := FrameKind(raw.Type)
	if kind == "" {
		kind = FrameChat
	}

	frame := InboundFrame{Kind: kind}
	switch kind {
	case FrameChat:
		frame.Chat = &ChatFrame{Message: raw.Message}
	case FrameTyping:
		frame.Typing = &TypingFrame{IsTyping: raw.IsTyping}
	}
	return frame, nil
}

// frameHandler 處理一種入站訊框
type frameHandler func(ctx context.Context, c *Conn, f InboundFrame) error

// handlers 入站訊框處理表
var handlers = map[FrameKind]frameHandler{
	FrameChat:   handleChat,
	FrameTyping: handleTyping,
}

// handleChat 持久化後廣播聊天訊息
func handleChat(ctx context.Context, c *Conn, f InboundFrame) error {
	if f.Chat == nil {
		return apperrors.ErrMalformedFrame
	}

	content, err := store.ValidateMessageContent(f.Chat.Message, c.gw.opts.MaxMessageLength)
	if err != nil {
		return err
	}

	msg, err := c.gw.messages.CreateMessage(ctx, c.roomSlug, c.identity, content)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	if err := c.gw.channel.Publish(ctx, c.group, channel.ChatMessage(msg)); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// handleTyping 廣播輸入狀態
func handleTyping(ctx context.Context, c *Conn, f InboundFrame) error {
	if f.Typing == nil {
		return apperrors.ErrMalformedFrame
	}
	if err := c.gw.channel.Publish(ctx, c.group, channel.Typing(c.identity, f.Typing.IsTyping)); err != nil {
		return fmt.Errorf("publish typing: %w", err)
	}
	return nil
}

// 出站訊框

// chatMessageFrame {"type":"chat_message","message":{...}}
type chatMessageFrame struct {
	Type    channel.Kind   `json:"type"`
	Message *model.Message `json:"message"`
}

// membershipFrame {"type":"user_joined"|"user_left",...}
type membershipFrame struct {
	Type        channel.Kind      `json:"type"`
	Username    string            `json:"username"`
	UserID      string            `json:"user_id"`
	OnlineUsers []presence.Member `json:"online_users"`
}

// typingIndicatorFrame {"type":"typing_indicator","username":"...","is_typing":true}
type typingIndicatorFrame struct {
	Type     channel.Kind `json:"type"`
	Username string       `json:"username"`
	IsTyping bool         `json:"is_typing"`
}

// errorFrame {"type":"error","message":"..."}
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// handlingFailureMessage 處理失敗時回給客戶端的訊息
const handlingFailureMessage = "Failed to process message"

func renderError(message string) ([]byte, error) {
	return json.Marshal(errorFrame{Type: "error", Message: message})
}

func renderChatMessage(ev channel.Event) ([]byte, error) {
	return json.Marshal(chatMessageFrame{Type: ev.Kind, Message: ev.Message})
}

func renderMembership(ev channel.Event, online []presence.Member) ([]byte, error) {
	if online == nil {
		online = []presence.Member{}
	}
	return json.Marshal(membershipFrame{
		Type:        ev.Kind,
		Username:    ev.Username,
		UserID:      ev.UserID,
		OnlineUsers: online,
	})
}

func renderTyping(ev channel.Event) ([]byte, error) {
	return json.Marshal(typingIndicatorFrame{Type: ev.Kind, Username: ev.Username, IsTyping: ev.IsTyping})
}

// renderEvent 將房間事件轉成要寫給這條連線的訊框
//
// 返回 nil 表示這條連線不該收到此事件。
// user_joined / user_left 在這裡才讀取在線名單，讀取失敗時送出空名單。
func (c *Conn) renderEvent(ctx context.Context, ev channel.Event) ([]byte, error) {
	switch ev.Kind {
	case channel.KindChatMessage:
		return renderChatMessage(ev)

	case channel.KindUserJoined, channel.KindUserLeft:
		online, err := c.gw.presence.List(ctx, c.roomSlug)
		if err != nil {
			c.logger.WarnContext(ctx, "讀取在線名單失敗，送出空名單", "error", err)
			online = nil
		}
		return renderMembership(ev, online)

	case channel.KindTyping:
		if ev.UserID == c.identity.ID {
			return nil, nil
		}
		return renderTyping(ev)

	default:
		return nil, fmt.Errorf("no renderer for event kind %q", ev.Kind)
	}
}
