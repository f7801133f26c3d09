package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KAPSULA1/relaydesk/internal/model"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

// Memory 內存存儲實現
//
// 使用場景：
//   - 開發環境不啟動 PostgreSQL
//   - 單元測試（隔離外部依賴）
//
// 返回值一律是副本，呼叫端修改不影響存儲內容。
type Memory struct {
	mu       sync.RWMutex
	users    map[string]*model.User
	rooms    map[string]*model.Room // slug -> room
	messages map[string][]model.Message
	now      func() time.Time
}

// NewMemory 創建內存存儲實例
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*model.User),
		rooms:    make(map[string]*model.Room),
		messages: make(map[string][]model.Message),
		now:      time.Now,
	}
}

// GetUser 依 ID 取得用戶
func (m *Memory) GetUser(ctx context.Context, id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByUsername 依用戶名取得用戶
func (m *Memory) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperrors.ErrUserNotFound
}

// CreateUser 建立用戶
func (m *Memory) CreateUser(ctx context.Context, username, email, passwordHash string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Username == username {
			return nil, apperrors.New(apperrors.ErrCodeAlreadyExists, "username already taken")
		}
	}

	u := &model.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		IsActive:     true,
		DateJoined:   m.now().UTC(),
	}
	m.users[u.ID] = u

	cp := *u
	return &cp, nil
}

// SetUserActive 啟用或停用用戶
func (m *Memory) SetUserActive(id string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[id]; ok {
		u.IsActive = active
	}
}

// DeleteUser 刪除用戶
func (m *Memory) DeleteUser(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.users, id)
}

// GetActiveRoom 取得啟用中的房間
func (m *Memory) GetActiveRoom(ctx context.Context, slug string) (*model.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[slug]
	if !ok || !r.IsActive {
		return nil, apperrors.ErrRoomNotFound.WithDetails(slug)
	}
	cp := *r
	cp.MessageCount = int64(len(m.messages[slug]))
	return &cp, nil
}

// ListActiveRooms 列出啟用中的房間（依名稱排序）
func (m *Memory) ListActiveRooms(ctx context.Context) ([]model.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]model.Room, 0, len(m.rooms))
	for slug, r := range m.rooms {
		if !r.IsActive {
			continue
		}
		cp := *r
		cp.MessageCount = int64(len(m.messages[slug]))
		rooms = append(rooms, cp)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms, nil
}

// CreateRoom 建立房間
func (m *Memory) CreateRoom(ctx context.Context, in CreateRoomInput) (*model.Room, error) {
	name, err := ValidateRoomName(in.Name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rooms {
		if strings.EqualFold(r.Name, name) {
			return nil, apperrors.ErrRoomAlreadyExists
		}
	}

	slug, err := uniqueSlug(ctx, Slugify(name), func(_ context.Context, s string) (bool, error) {
		_, exists := m.rooms[s]
		return exists, nil
	})
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	r := &model.Room{
		ID:          uuid.NewString(),
		Name:        name,
		Slug:        slug,
		Description: in.Description,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsActive:    true,
	}
	m.rooms[slug] = r

	cp := *r
	return &cp, nil
}

// SetRoomActive 啟用或停用房間
func (m *Memory) SetRoomActive(slug string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[slug]; ok {
		r.IsActive = active
	}
}

// CreateMessage 在房間中建立訊息
func (m *Memory) CreateMessage(ctx context.Context, roomSlug string, author model.Identity, content string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomSlug]
	if !ok || !r.IsActive {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomSlug)
	}

	now := m.now().UTC()
	msg := model.Message{
		ID:        uuid.NewString(),
		Room:      r.ID,
		User:      model.UserSummary{ID: author.ID, Username: author.Username},
		Username:  author.Username,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.messages[roomSlug] = append(m.messages[roomSlug], msg)
	return &msg, nil
}

// ListMessages 列出房間訊息
func (m *Memory) ListMessages(ctx context.Context, roomSlug string, page Page) ([]model.Message, error) {
	page = page.normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.rooms[roomSlug]; !ok {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomSlug)
	}

	all := m.messages[roomSlug]
	end := len(all)
	if !page.Before.IsZero() {
		end = sort.Search(len(all), func(i int) bool { return !all[i].CreatedAt.Before(page.Before) })
	}
	start := end - page.Limit
	if start < 0 {
		start = 0
	}

	out := make([]model.Message, end-start)
	copy(out, all[start:end])
	return out, nil
}

// Ping 永遠可用
func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

// Close 無需釋放資源
func (m *Memory) Close() {}
