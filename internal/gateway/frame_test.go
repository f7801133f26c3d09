package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KAPSULA1/relaydesk/internal/channel"
	"github.com/KAPSULA1/relaydesk/internal/model"
	"github.com/KAPSULA1/relaydesk/internal/presence"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

// TestDecodeFrame 測試入站訊框解析
func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    InboundFrame
		wantErr bool
	}{
		{
			name:  "chat message",
			input: `{"type":"chat_message","message":"hi"}`,
			want:  InboundFrame{Kind: FrameChat, Chat: &ChatFrame{Message: "hi"}},
		},
		{
			name:  "missing type defaults to chat",
			input: `{"message":"hi"}`,
			want:  InboundFrame{Kind: FrameChat, Chat: &ChatFrame{Message: "hi"}},
		},
		{
			name:  "typing",
			input: `{"type":"typing","is_typing":true}`,
			want:  InboundFrame{Kind: FrameTyping, Typing: &TypingFrame{IsTyping: true}},
		},
		{
			name:  "typing without flag is false",
			input: `{"type":"typing"}`,
			want:  InboundFrame{Kind: FrameTyping, Typing: &TypingFrame{IsTyping: false}},
		},
		{
			name:  "unknown type keeps kind only",
			input: `{"type":"reaction","message":"x"}`,
			want:  InboundFrame{Kind: "reaction"},
		},
		{
			name:    "not json",
			input:   `hello`,
			wantErr: true,
		},
		{
			name:    "message of wrong type",
			input:   `{"type":"chat_message","message":42}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeFrame([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestHandlerTable 測試每種入站訊框都有處理函式
func TestHandlerTable(t *testing.T) {
	for _, kind := range FrameKinds() {
		_, ok := handlers[kind]
		assert.True(t, ok, "missing handler for %s", kind)
	}
	assert.Len(t, handlers, len(FrameKinds()))
}

// TestRenderers 測試出站訊框格式
func TestRenderers(t *testing.T) {
	alice := model.Identity{ID: "1", Username: "alice"}

	t.Run("chat message", func(t *testing.T) {
		msg := &model.Message{ID: "m1", Room: "r1", Username: "alice", Content: "hi",
			User: model.UserSummary{ID: "1", Username: "alice"}}
		data, err := renderChatMessage(channel.ChatMessage(msg))
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, "chat_message", got["type"])
		body := got["message"].(map[string]any)
		assert.Equal(t, "m1", body["id"])
		assert.Equal(t, "hi", body["content"])
		assert.Equal(t, "alice", body["username"])
		assert.Equal(t, map[string]any{"id": "1", "username": "alice"}, body["user"])
	})

	t.Run("membership with nil presence renders empty list", func(t *testing.T) {
		data, err := renderMembership(channel.UserLeft(alice), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"user_left","username":"alice","user_id":"1","online_users":[]}`, string(data))
	})

	t.Run("membership", func(t *testing.T) {
		data, err := renderMembership(channel.UserJoined(alice), []presence.Member{{ID: "1", Username: "alice"}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"user_joined","username":"alice","user_id":"1","online_users":[{"id":"1","username":"alice"}]}`, string(data))
	})

	t.Run("typing", func(t *testing.T) {
		data, err := renderTyping(channel.Typing(alice, true))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"typing_indicator","username":"alice","is_typing":true}`, string(data))
	})

	t.Run("error", func(t *testing.T) {
		data, err := renderError(handlingFailureMessage)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"error","message":"Failed to process message"}`, string(data))
	})
}

// TestStateString 測試狀態名稱
func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "joined", StateJoined.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
}
