package channel_test

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KAPSULA1/relaydesk/internal/channel"
	"github.com/KAPSULA1/relaydesk/internal/model"
	"github.com/KAPSULA1/relaydesk/internal/testutils"
)

// startNATS 啟動內嵌 NATS 伺服器並返回 URL
func startNATS(t *testing.T) string {
	t.Helper()
	s := natsserver.RunRandClientPortServer()
	t.Cleanup(s.Shutdown)
	return s.ClientURL()
}

// connectBus 模擬一個服務實例：獨立的 NATS 連線與匯流排
func connectBus(t *testing.T, url string) *channel.NATS {
	t.Helper()
	conn, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return channel.NewNATS(conn, "test", testutils.Logger())
}

// TestNATS_CrossInstance 測試事件跨實例遞送
func TestNATS_CrossInstance(t *testing.T) {
	url := startNATS(t)
	ctx := context.Background()

	instanceA := connectBus(t, url)
	instanceB := connectBus(t, url)

	sender := newRecorder("sender")
	receiver := newRecorder("receiver")
	other := newRecorder("other-room")

	group := channel.RoomGroup("general")
	require.NoError(t, instanceA.Join(ctx, group, sender))
	require.NoError(t, instanceB.Join(ctx, group, receiver))
	require.NoError(t, instanceB.Join(ctx, channel.RoomGroup("random"), other))

	msg := &model.Message{ID: "7", Room: "general", Username: "alice", Content: "hi"}
	require.NoError(t, instanceA.Publish(ctx, group, channel.ChatMessage(msg)))
	require.NoError(t, instanceA.Flush(ctx))

	waitFor(t, func() bool { return len(receiver.Events()) == 1 })
	waitFor(t, func() bool { return len(sender.Events()) == 1 })

	got := receiver.Events()[0]
	assert.Equal(t, channel.KindChatMessage, got.Kind)
	require.NotNil(t, got.Message)
	assert.Equal(t, "hi", got.Message.Content)
	assert.Equal(t, "7", got.Message.ID)

	// 房間隔離
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, other.Events())
}

// TestNATS_LastLeaveUnsubscribes 測試最後一個成員離開後不再收到事件
func TestNATS_LastLeaveUnsubscribes(t *testing.T) {
	url := startNATS(t)
	ctx := context.Background()

	publisher := connectBus(t, url)
	bus := connectBus(t, url)

	first := newRecorder("first")
	second := newRecorder("second")
	group := channel.RoomGroup("general")

	require.NoError(t, bus.Join(ctx, group, first))
	require.NoError(t, bus.Join(ctx, group, second))

	require.NoError(t, publisher.Publish(ctx, group, channel.UserJoined(alice)))
	waitFor(t, func() bool { return len(first.Events()) == 1 && len(second.Events()) == 1 })

	require.NoError(t, bus.Leave(ctx, group, first))
	require.NoError(t, publisher.Publish(ctx, group, channel.Typing(alice, true)))
	waitFor(t, func() bool { return len(second.Events()) == 2 })
	assert.Len(t, first.Events(), 1)

	require.NoError(t, bus.Leave(ctx, group, second))
	assert.Empty(t, bus.Members(group))

	require.NoError(t, publisher.Publish(ctx, group, channel.UserLeft(alice)))
	require.NoError(t, publisher.Flush(ctx))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, second.Events(), 2)

	assert.Equal(t, "test.room:general", bus.Subject(group))
	assert.NoError(t, bus.Close())
}
