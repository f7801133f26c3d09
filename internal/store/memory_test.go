package store_test

import (
	"context"
	"testing"

	"github.com/KAPSULA1/relaydesk/internal/model"
	"github.com/KAPSULA1/relaydesk/internal/store"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemory_Rooms 測試房間建立與查詢
func TestMemory_Rooms(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	room, err := s.CreateRoom(ctx, store.CreateRoomInput{Name: "  General Chat "})
	require.NoError(t, err)
	assert.Equal(t, "General Chat", room.Name)
	assert.Equal(t, "general-chat", room.Slug)
	assert.True(t, room.IsActive)

	t.Run("name is unique case-insensitively", func(t *testing.T) {
		_, err := s.CreateRoom(ctx, store.CreateRoomInput{Name: "general chat"})
		assert.True(t, apperrors.IsAlreadyExists(err))
	})

	t.Run("slug gets numeric suffix", func(t *testing.T) {
		other, err := s.CreateRoom(ctx, store.CreateRoomInput{Name: "General-Chat!"})
		require.NoError(t, err)
		assert.Equal(t, "general-chat-1", other.Slug)
	})

	t.Run("short names are rejected", func(t *testing.T) {
		_, err := s.CreateRoom(ctx, store.CreateRoomInput{Name: "ab"})
		assert.True(t, apperrors.IsInvalidInput(err))
	})

	t.Run("inactive rooms are hidden", func(t *testing.T) {
		s.SetRoomActive("general-chat-1", false)

		_, err := s.GetActiveRoom(ctx, "general-chat-1")
		assert.True(t, apperrors.IsNotFound(err))

		rooms, err := s.ListActiveRooms(ctx)
		require.NoError(t, err)
		require.Len(t, rooms, 1)
		assert.Equal(t, "general-chat", rooms[0].Slug)
	})
}

// TestMemory_Messages 測試訊息建立與分頁
func TestMemory_Messages(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	room, err := s.CreateRoom(ctx, store.CreateRoomInput{Name: "general"})
	require.NoError(t, err)

	author := model.Identity{ID: "u1", Username: "alice"}
	for _, content := range []string{"one", "two", "three"} {
		msg, err := s.CreateMessage(ctx, "general", author, content)
		require.NoError(t, err)
		assert.Equal(t, room.ID, msg.Room)
		assert.Equal(t, "alice", msg.Username)
		assert.Equal(t, "u1", msg.User.ID)
	}

	msgs, err := s.ListMessages(ctx, "general", store.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "three", msgs[1].Content)

	got, err := s.GetActiveRoom(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.MessageCount)

	_, err = s.CreateMessage(ctx, "missing", author, "hi")
	assert.True(t, apperrors.IsNotFound(err))
}

// TestValidateMessageContent 測試訊息內容驗證
func TestValidateMessageContent(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"trimmed", "  hi  ", "hi", false},
		{"empty", "   ", "", true},
		{"too long", string(make([]rune, 11)), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ValidateMessageContent(tt.in, 10)
			if tt.wantErr {
				assert.True(t, apperrors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
