// Package store 實現用戶、房間與訊息的持久化
//
// 存儲後端：
//
//	Memory：開發與測試
//	Postgres：生產環境（pgxpool）
//
// 即時傳輸核心只透過下面的小介面使用這些資料，
// 房間是否存在由 Gatekeeper 檢查，訊息在廣播前由 Gateway 寫入。
package store

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/KAPSULA1/relaydesk/internal/model"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

// 房間與訊息的輸入限制
const (
	MinRoomNameLength = 3
	MaxRoomNameLength = 100
	MaxMessageLength  = 5000
	DefaultPageSize   = 50
	MaxPageSize       = 200
)

// UserStore 用戶存取
type UserStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	CreateUser(ctx context.Context, username, email, passwordHash string) (*model.User, error)
}

// RoomStore 房間存取
type RoomStore interface {
	GetActiveRoom(ctx context.Context, slug string) (*model.Room, error)
	ListActiveRooms(ctx context.Context) ([]model.Room, error)
	CreateRoom(ctx context.Context, in CreateRoomInput) (*model.Room, error)
}

// MessageStore 訊息存取
type MessageStore interface {
	CreateMessage(ctx context.Context, roomSlug string, author model.Identity, content string) (*model.Message, error)
	ListMessages(ctx context.Context, roomSlug string, page Page) ([]model.Message, error)
}

// Store 完整的存儲後端
type Store interface {
	UserStore
	RoomStore
	MessageStore
	Ping(ctx context.Context) error
	Close()
}

// CreateRoomInput 建立房間的參數
type CreateRoomInput struct {
	Name        string
	Description string
	CreatedBy   string
}

// Page 訊息分頁
//
// Before 非零時只返回更早的訊息；結果依建立時間由舊到新排序。
type Page struct {
	Limit  int
	Before time.Time
}

// normalize 套用預設與上限
func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// ValidateRoomName 檢查並整理房間名稱
func ValidateRoomName(name string) (string, error) {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n < MinRoomNameLength {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "room name must be at least 3 characters long")
	}
	if n > MaxRoomNameLength {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "room name is too long")
	}
	return name, nil
}

// ValidateMessageContent 檢查並整理訊息內容
func ValidateMessageContent(content string, maxLength int) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", apperrors.ErrEmptyMessage
	}
	if maxLength <= 0 {
		maxLength = MaxMessageLength
	}
	if utf8.RuneCountInString(content) > maxLength {
		return "", apperrors.ErrMessageTooLong
	}
	return content, nil
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify 由房間名稱產生 slug
func Slugify(name string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "room"
	}
	return slug
}

// uniqueSlug 在 taken 回報衝突時加上 -N 後綴
func uniqueSlug(ctx context.Context, base string, taken func(ctx context.Context, slug string) (bool, error)) (string, error) {
	slug := base
	for i := 1; ; i++ {
		exists, err := taken(ctx, slug)
		if err != nil {
			return "", err
		}
		if !exists {
			return slug, nil
		}
		slug = base + "-" + strconv.Itoa(i)
	}
}
