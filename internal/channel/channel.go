// Package channel 實作房間範圍的 publish/subscribe 匯流排。
//
// 系統設計問題：
//
//	同一個房間的連線分散在多個服務實例上，如何把一則事件送到所有成員？
//
// 單一程序內的連線列表不夠：實例 A 上的發送者看不到實例 B 上的接收者。
//
// 設計方案：
//
//	✅ Channel 介面 - Join / Leave / Publish，以 group（room:<slug>）定址
//	✅ Local - 單一程序的成員註冊表（開發、測試、單實例部署）
//	✅ NATS - 每個 group 對應一個 subject，所有實例都訂閱自己有成員的 group
//	✅ Event 只包含字串與基本型別，跨程序傳輸不失真
package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/KAPSULA1/relaydesk/internal/model"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

// groupPrefix 房間 group 前綴
const groupPrefix = "room:"

// RoomGroup 房間對應的 group 名稱
func RoomGroup(roomSlug string) string {
	return groupPrefix + roomSlug
}

// Subscriber 加入 group 的連線
//
// Deliver 不可阻塞：匯流排在發送路徑上直接呼叫它。
type Subscriber interface {
	ID() string
	Deliver(Event)
}

// Channel 房間匯流排
type Channel interface {
	// Join 將訂閱者加入 group，重複加入無副作用
	Join(ctx context.Context, group string, sub Subscriber) error
	// Leave 將訂閱者移出 group
	Leave(ctx context.Context, group string, sub Subscriber) error
	// Publish 將事件送給 group 的所有成員（包含其他實例上的成員）
	Publish(ctx context.Context, group string, ev Event) error
}

// Kind 事件種類
type Kind string

// 事件種類
const (
	KindChatMessage Kind = "chat_message"
	KindUserJoined  Kind = "user_joined"
	KindUserLeft    Kind = "user_left"
	KindTyping      Kind = "typing_indicator"
)

// Kinds 所有支援的事件種類
func Kinds() []Kind {
	return []Kind{KindChatMessage, KindUserJoined, KindUserLeft, KindTyping}
}

// Valid 是否為支援的事件種類
func (k Kind) Valid() bool {
	switch k {
	case KindChatMessage, KindUserJoined, KindUserLeft, KindTyping:
		return true
	}
	return false
}

// Event 房間事件
//
// 依 Kind 使用的欄位：
//
//	chat_message      Message
//	user_joined       UserID, Username
//	user_left         UserID, Username
//	typing_indicator  UserID, Username, IsTyping
//
// online_users 不在事件中：接收端在遞送時向 Presence Tracker 讀取。
type Event struct {
	Kind     Kind           `json:"type"`
	Message  *model.Message `json:"message,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
	Username string         `json:"username,omitempty"`
	IsTyping bool           `json:"is_typing,omitempty"`
}

// ChatMessage 已持久化訊息的廣播事件
func ChatMessage(msg *model.Message) Event {
	return Event{Kind: KindChatMessage, Message: msg}
}

// UserJoined 用戶加入事件
func UserJoined(id model.Identity) Event {
	return Event{Kind: KindUserJoined, UserID: id.ID, Username: id.Username}
}

// UserLeft 用戶離開事件
func UserLeft(id model.Identity) Event {
	return Event{Kind: KindUserLeft, UserID: id.ID, Username: id.Username}
}

// Typing 輸入狀態事件
func Typing(id model.Identity, isTyping bool) Event {
	return Event{Kind: KindTyping, UserID: id.ID, Username: id.Username, IsTyping: isTyping}
}

// validate 檢查事件欄位是否符合種類
func (e Event) validate() error {
	switch e.Kind {
	case KindChatMessage:
		if e.Message == nil {
			return fmt.Errorf("chat_message event without message")
		}
	case KindUserJoined, KindUserLeft, KindTyping:
		if e.UserID == "" {
			return fmt.Errorf("%s event without user_id", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// Encode 序列化事件
func Encode(ev Event) ([]byte, error) {
	if err := ev.validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "encode event")
	}
	return json.Marshal(ev)
}

// Decode 反序列化事件
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "decode event")
	}
	if err := ev.validate(); err != nil {
		return Event{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "decode event")
	}
	return ev, nil
}
