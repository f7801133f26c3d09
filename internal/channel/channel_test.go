package channel_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KAPSULA1/relaydesk/internal/channel"
	"github.com/KAPSULA1/relaydesk/internal/model"
	"github.com/KAPSULA1/relaydesk/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder 記錄收到事件的訂閱者
type recorder struct {
	id string

	mu     sync.Mutex
	events []channel.Event
}

func newRecorder(id string) *recorder {
	return &recorder{id: id}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(ev channel.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []channel.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]channel.Event, len(r.events))
	copy(out, r.events)
	return out
}

var alice = model.Identity{ID: "1", Username: "alice"}

// TestEncodeDecode 測試事件序列化與種類檢查
func TestEncodeDecode(t *testing.T) {
	msg := &model.Message{
		ID:       "42",
		Room:     "general",
		User:     model.UserSummary{ID: "1", Username: "alice"},
		Username: "alice",
		Content:  "hi",
	}

	tests := []struct {
		name    string
		event   channel.Event
		wantErr bool
	}{
		{"chat message", channel.ChatMessage(msg), false},
		{"user joined", channel.UserJoined(alice), false},
		{"user left", channel.UserLeft(alice), false},
		{"typing", channel.Typing(alice, true), false},
		{"chat message without record", channel.Event{Kind: channel.KindChatMessage}, true},
		{"presence event without user", channel.Event{Kind: channel.KindUserJoined}, true},
		{"unknown kind", channel.Event{Kind: "reaction", UserID: "1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := channel.Encode(tt.event)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			got, err := channel.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.event, got)
		})
	}

	t.Run("decode rejects unknown kind", func(t *testing.T) {
		_, err := channel.Decode([]byte(`{"type":"reaction","user_id":"1"}`))
		assert.Error(t, err)
	})

	t.Run("decode rejects garbage", func(t *testing.T) {
		_, err := channel.Decode([]byte(`not json`))
		assert.Error(t, err)
	})
}

// TestKinds 測試所有種類皆有效
func TestKinds(t *testing.T) {
	for _, k := range channel.Kinds() {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, channel.Kind("error").Valid())
	assert.Equal(t, "room:general", channel.RoomGroup("general"))
}

// TestLocal_Fanout 測試單一程序的 group 廣播與隔離
func TestLocal_Fanout(t *testing.T) {
	ctx := context.Background()
	bus := channel.NewLocal(testutils.Logger())

	a1 := newRecorder("a1")
	a2 := newRecorder("a2")
	b1 := newRecorder("b1")

	require.NoError(t, bus.Join(ctx, channel.RoomGroup("a"), a1))
	require.NoError(t, bus.Join(ctx, channel.RoomGroup("a"), a2))
	require.NoError(t, bus.Join(ctx, channel.RoomGroup("b"), b1))

	require.NoError(t, bus.Publish(ctx, channel.RoomGroup("a"), channel.UserJoined(alice)))

	assert.Len(t, a1.Events(), 1)
	assert.Len(t, a2.Events(), 1)
	assert.Empty(t, b1.Events())

	t.Run("left member stops receiving", func(t *testing.T) {
		require.NoError(t, bus.Leave(ctx, channel.RoomGroup("a"), a2))
		require.NoError(t, bus.Publish(ctx, channel.RoomGroup("a"), channel.Typing(alice, true)))

		assert.Len(t, a1.Events(), 2)
		assert.Len(t, a2.Events(), 1)
		assert.Len(t, bus.Members(channel.RoomGroup("a")), 1)
	})

	t.Run("duplicate join is a single membership", func(t *testing.T) {
		require.NoError(t, bus.Join(ctx, channel.RoomGroup("b"), b1))
		assert.Len(t, bus.Members(channel.RoomGroup("b")), 1)
	})

	t.Run("invalid event is rejected", func(t *testing.T) {
		err := bus.Publish(ctx, channel.RoomGroup("a"), channel.Event{Kind: "bogus"})
		assert.Error(t, err)
	})

	t.Run("publish to empty group is a no-op", func(t *testing.T) {
		assert.NoError(t, bus.Publish(ctx, channel.RoomGroup("nobody"), channel.UserLeft(alice)))
	})
}

// TestLocal_PreservesOrder 測試同一發送者的事件依序遞送
func TestLocal_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	bus := channel.NewLocal(testutils.Logger())
	sub := newRecorder("s")
	require.NoError(t, bus.Join(ctx, "room:order", sub))

	for i := 0; i < 50; i++ {
		require.NoError(t, bus.Publish(ctx, "room:order", channel.Typing(alice, i%2 == 0)))
	}

	events := sub.Events()
	require.Len(t, events, 50)
	for i, ev := range events {
		assert.Equal(t, i%2 == 0, ev.IsTyping)
	}
}

// waitFor 等待條件成立
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}
