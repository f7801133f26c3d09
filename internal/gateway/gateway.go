// Package gateway 實作聊天室的 WebSocket 訊息閘道。
//
// 系統設計問題：
//
//	每條連線都要處理驗證、加入房間、在線狀態、訊框分派與斷線清理，
//	而且多個服務實例同時運作。如何讓每條連線互不影響，又能看到一致的房間狀態？
//
// 設計方案：
//
//	✅ 每條連線一個讀取 goroutine（handler 本身）與一個寫入 goroutine
//	✅ 連線之間只透過房間匯流排與在線追蹤器互動，不直接引用彼此
//	✅ 握手在升級前完成驗證，拒絕時只回 HTTP 狀態碼，不寫任何 WebSocket 訊框
//	✅ 斷線清理順序固定：移除在線 → 廣播 user_left → 離開 group
//
// 生命週期：
//
//	Connecting → Authenticating → Joined → Closing → Closed
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/KAPSULA1/relaydesk/internal/channel"
	"github.com/KAPSULA1/relaydesk/internal/model"
	"github.com/KAPSULA1/relaydesk/internal/presence"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
	"github.com/KAPSULA1/relaydesk/pkg/logger"
)

// teardownMaxTries 斷線清理步驟的最多嘗試次數
const teardownMaxTries = 5

// Admitter 握手驗證
type Admitter interface {
	Admit(ctx context.Context, r *http.Request, roomSlug string) (model.Identity, error)
}

// PresenceTracker 房間在線追蹤
type PresenceTracker interface {
	Add(ctx context.Context, roomSlug string, m presence.Member) ([]presence.Member, error)
	Remove(ctx context.Context, roomSlug, memberID string) ([]presence.Member, error)
	List(ctx context.Context, roomSlug string) ([]presence.Member, error)
}

// MessageWriter 訊息持久化
type MessageWriter interface {
	CreateMessage(ctx context.Context, roomSlug string, author model.Identity, content string) (*model.Message, error)
}

// Options 閘道設定
type Options struct {
	SendBuffer       int
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	MaxFrameSize     int64
	MaxMessageLength int
	TeardownTimeout  time.Duration

	// AllowedOrigins 空或包含 "*" 時接受任何來源
	AllowedOrigins []string
}

// DefaultOptions 預設閘道設定
func DefaultOptions() Options {
	return Options{
		SendBuffer:       256,
		PingInterval:     54 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
		MaxFrameSize:     64 * 1024,
		MaxMessageLength: 5000,
		TeardownTimeout:  10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = d.MaxFrameSize
	}
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = d.MaxMessageLength
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = d.TeardownTimeout
	}
	return o
}

// Gateway WebSocket 訊息閘道
type Gateway struct {
	admit    Admitter
	channel  channel.Channel
	presence PresenceTracker
	messages MessageWriter
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.RWMutex
	conns    map[string]*Conn
	stopping atomic.Bool
	wg       sync.WaitGroup
}

// New 建立訊息閘道
func New(admit Admitter, ch channel.Channel, tracker PresenceTracker, messages MessageWriter, opts Options, logger *slog.Logger) *Gateway {
	opts = opts.withDefaults()
	g := &Gateway{
		admit:    admit,
		channel:  ch,
		presence: tracker,
		messages: messages,
		opts:     opts,
		logger:   logger,
		conns:    make(map[string]*Conn),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// 瀏覽器無法自訂標頭，令牌可放在 Sec-WebSocket-Protocol: bearer, <token>
		Subprotocols: []string{"bearer"},
		CheckOrigin:  g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.opts.AllowedOrigins) == 0 || slices.Contains(g.opts.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(g.opts.AllowedOrigins, origin)
}

// ServeWS 處理 /ws/chat/{room_slug}/ 的連線
//
// 讀取迴圈在這個 goroutine 中執行，返回前完成斷線清理。
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "room_slug")

	c := &Conn{
		id:         ulid.Make().String(),
		roomSlug:   slug,
		group:      channel.RoomGroup(slug),
		gw:         g,
		logger:     g.logger,
		send:       make(chan outbound, g.opts.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	// 連線的操作不跟隨 HTTP 請求取消
	ctx := context.WithoutCancel(r.Context())
	ctx = logger.WithConnID(logger.WithRoom(ctx, slug), c.id)

	if g.stopping.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	// Connecting → Authenticating
	c.setState(ctx, StateAuthenticating)
	identity, err := g.admit.Admit(ctx, r, slug)
	if err != nil {
		status := rejectStatus(err)
		g.logger.InfoContext(ctx, "拒絕 WebSocket 連線", "status", status, "error", err)
		http.Error(w, http.StatusText(status), status)
		c.setState(ctx, StateClosed)
		return
	}
	c.identity = identity
	ctx = logger.WithUserID(ctx, identity.ID)

	// Authenticating → Joined：加入 group → 接受連線 → 加入在線名單 → 廣播 user_joined
	if err := g.channel.Join(ctx, c.group, c); err != nil {
		g.logger.ErrorContext(ctx, "加入房間 group 失敗", "error", err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		c.setState(ctx, StateClosed)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已寫出 HTTP 錯誤
		g.logger.WarnContext(ctx, "升級 WebSocket 失敗", "error", err)
		if err := g.channel.Leave(ctx, c.group, c); err != nil {
			g.logger.WarnContext(ctx, "離開房間 group 失敗", "error", err)
		}
		c.setState(ctx, StateClosed)
		return
	}
	c.ws = ws

	if !g.register(c) {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
		if err := g.channel.Leave(ctx, c.group, c); err != nil {
			g.logger.WarnContext(ctx, "離開房間 group 失敗", "error", err)
		}
		c.setState(ctx, StateClosed)
		return
	}
	defer g.teardown(ctx, c)

	go c.writePump(ctx)

	if _, err := g.presence.Add(ctx, slug, presence.MemberOf(identity)); err != nil {
		g.logger.ErrorContext(ctx, "加入在線名單失敗", "error", err)
		c.shutdown(websocket.CloseInternalServerErr, "presence unavailable")
		return
	}

	if err := g.channel.Publish(ctx, c.group, channel.UserJoined(identity)); err != nil {
		g.logger.WarnContext(ctx, "廣播 user_joined 失敗", "error", err)
	}

	c.setState(ctx, StateJoined)
	g.logger.InfoContext(ctx, "WebSocket 連線建立", "username", identity.Username)

	c.readLoop(ctx)
}

// rejectStatus 握手拒絕的 HTTP 狀態碼
func rejectStatus(err error) int {
	switch {
	case apperrors.IsUnauthenticated(err):
		return http.StatusUnauthorized
	case apperrors.IsNotFound(err):
		return http.StatusNotFound
	case apperrors.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// teardown 斷線清理
//
// 在線移除與 user_left 廣播都以指數退避重試，完成（或放棄）後才離開 group，
// 之後的在線快照與成員列表都不會再包含這條連線。
func (g *Gateway) teardown(ctx context.Context, c *Conn) {
	defer g.wg.Done()

	// 沒有加入在線名單的連線（Add 失敗）不移除、不廣播 user_left
	joined := c.State() == StateJoined

	// Joined → Closing
	c.setState(ctx, StateClosing)
	c.close()
	<-c.writerDone

	ctx, cancel := context.WithTimeout(ctx, g.opts.TeardownTimeout)
	defer cancel()

	if joined {
		if err := retry(ctx, func() error {
			_, err := g.presence.Remove(ctx, c.roomSlug, c.identity.ID)
			return err
		}); err != nil {
			g.logger.ErrorContext(ctx, "移除在線名單失敗", "error", err)
		}

		if err := retry(ctx, func() error {
			return g.channel.Publish(ctx, c.group, channel.UserLeft(c.identity))
		}); err != nil {
			g.logger.ErrorContext(ctx, "廣播 user_left 失敗", "error", err)
		}
	}

	if err := g.channel.Leave(ctx, c.group, c); err != nil {
		g.logger.WarnContext(ctx, "離開房間 group 失敗", "error", err)
	}

	g.unregister(c)
	_ = c.ws.Close()

	// Closing → Closed
	c.setState(ctx, StateClosed)
	g.logger.InfoContext(ctx, "WebSocket 連線關閉", "username", c.identity.Username)
}

// retry 以指數退避重試清理步驟
func retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithBackOff(b), backoff.WithMaxTries(teardownMaxTries))
	return err
}

// register 登記連線，閘道停止中時返回 false
func (g *Gateway) register(c *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopping.Load() {
		return false
	}
	g.conns[c.id] = c
	g.wg.Add(1)
	return true
}

func (g *Gateway) unregister(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c.id)
}

// Stats 每個房間目前在本實例上的連線數
func (g *Gateway) Stats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make(map[string]int)
	for _, c := range g.conns {
		result[c.roomSlug]++
	}
	return result
}

// Stop 關閉所有連線並等待斷線清理完成
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.stopping.Store(true)
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("訊息閘道已停止", "connections", len(conns))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
