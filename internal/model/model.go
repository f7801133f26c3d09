// Package model 定義聊天系統的共用資料模型
//
// 所有識別碼都以字串表示，跨程序傳輸（NATS、Redis、JSON）時不需要再轉換。
package model

import "time"

// Identity 已驗證的連線身份
//
// 連線存續期間不可變。
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// User 用戶
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	DateJoined   time.Time `json:"date_joined"`
}

// Identity 返回用戶的連線身份
func (u *User) Identity() Identity {
	return Identity{ID: u.ID, Username: u.Username}
}

// Room 聊天室
type Room struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	Description  string    `json:"description"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	IsActive     bool      `json:"is_active"`
	MessageCount int64     `json:"message_count"`
}

// UserSummary 訊息內嵌的作者資訊
type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Message 已持久化的聊天訊息
type Message struct {
	ID        string      `json:"id"`
	Room      string      `json:"room"`
	User      UserSummary `json:"user"`
	Username  string      `json:"username"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	IsEdited  bool        `json:"is_edited"`
}
